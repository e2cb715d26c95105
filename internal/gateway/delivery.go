package gateway

import (
	"sync"
	"time"

	"github.com/zulandar/chatyard/internal/models"
)

// DefaultDeliveryTimeout is how long an outbound message may stay pending.
const DefaultDeliveryTimeout = 30 * time.Second

// ErrorCodeDeliveryTimeout is stored on messages that were never confirmed.
const ErrorCodeDeliveryTimeout = "delivery_timeout"

var ladder = map[string]int{
	models.DeliveryPending:   0,
	models.DeliverySent:      1,
	models.DeliveryDelivered: 2,
	models.DeliveryRead:      3,
}

// statusesBelow returns the statuses from which a move to target is forward.
// Read and failed are terminal, so they never appear.
func statusesBelow(target string) []string {
	if target == models.DeliveryFailed {
		return []string{models.DeliveryPending, models.DeliverySent, models.DeliveryDelivered}
	}
	rank, ok := ladder[target]
	if !ok {
		return nil
	}
	var out []string
	for _, s := range []string{models.DeliveryPending, models.DeliverySent, models.DeliveryDelivered} {
		if ladder[s] < rank {
			out = append(out, s)
		}
	}
	return out
}

// CanAdvance reports whether a message in status from may move to to.
func CanAdvance(from, to string) bool {
	for _, s := range statusesBelow(to) {
		if s == from {
			return true
		}
	}
	return false
}

// PendingStore holds the confirmation timers of in-flight sends.
type PendingStore interface {
	Put(messageID string, t *time.Timer)
	Take(messageID string) (*time.Timer, bool)
	Drain() []*time.Timer
	Len() int
}

// MemoryPendingStore is the process-local PendingStore.
type MemoryPendingStore struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewMemoryPendingStore returns an empty store.
func NewMemoryPendingStore() *MemoryPendingStore {
	return &MemoryPendingStore{timers: make(map[string]*time.Timer)}
}

func (s *MemoryPendingStore) Put(messageID string, t *time.Timer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.timers[messageID]; ok {
		old.Stop()
	}
	s.timers[messageID] = t
}

func (s *MemoryPendingStore) Take(messageID string) (*time.Timer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timers[messageID]
	delete(s.timers, messageID)
	return t, ok
}

func (s *MemoryPendingStore) Drain() []*time.Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*time.Timer, 0, len(s.timers))
	for id, t := range s.timers {
		out = append(out, t)
		delete(s.timers, id)
	}
	return out
}

func (s *MemoryPendingStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// DeliveryTracker fires onTimeout for messages not confirmed in time. The
// provider-side send is never cancelled.
type DeliveryTracker struct {
	timeout   time.Duration
	store     PendingStore
	onTimeout func(messageID string)
}

// NewDeliveryTracker returns a tracker. A nil store uses MemoryPendingStore.
func NewDeliveryTracker(timeout time.Duration, store PendingStore, onTimeout func(string)) *DeliveryTracker {
	if store == nil {
		store = NewMemoryPendingStore()
	}
	if timeout <= 0 {
		timeout = DefaultDeliveryTimeout
	}
	return &DeliveryTracker{timeout: timeout, store: store, onTimeout: onTimeout}
}

// Track starts the timer for messageID.
func (d *DeliveryTracker) Track(messageID string) {
	// Stored before it is armed so a short timeout cannot fire first.
	t := time.AfterFunc(time.Hour, func() {
		if _, ok := d.store.Take(messageID); ok {
			d.onTimeout(messageID)
		}
	})
	t.Stop()
	d.store.Put(messageID, t)
	t.Reset(d.timeout)
}

// Confirm cancels the timer for messageID and reports whether one was pending.
func (d *DeliveryTracker) Confirm(messageID string) bool {
	t, ok := d.store.Take(messageID)
	if ok {
		t.Stop()
	}
	return ok
}

// Pending returns the number of unconfirmed sends.
func (d *DeliveryTracker) Pending() int {
	return d.store.Len()
}

// Stop cancels every pending timer without firing it.
func (d *DeliveryTracker) Stop() {
	for _, t := range d.store.Drain() {
		t.Stop()
	}
}
