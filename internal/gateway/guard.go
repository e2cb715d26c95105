package gateway

import (
	"fmt"
	"sync"
	"time"

	"github.com/zulandar/chatyard/internal/config"
)

// Risk levels.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// Decision is the guard's verdict on one send.
type Decision struct {
	Allowed bool
	Risk    string
	Reason  string
}

// Counters is a point-in-time view of one endpoint's traffic.
type Counters struct {
	SentLastHour      int
	SentLastDay       int
	InboundLastDay    int
	ConsecutiveErrors int
}

// CounterStore keeps per-endpoint traffic counters.
type CounterStore interface {
	RecordSent(endpointID string, at time.Time)
	RecordInbound(endpointID string, at time.Time)
	RecordError(endpointID string)
	ResetErrors(endpointID string)
	Snapshot(endpointID string, now time.Time) Counters
}

// Guard rejects sends that would put an endpoint at risk of being banned.
type Guard struct {
	limits config.GuardConfig
	store  CounterStore
	now    func() time.Time
}

// NewGuard returns a Guard. A nil store uses MemoryCounterStore.
func NewGuard(limits config.GuardConfig, store CounterStore) *Guard {
	if store == nil {
		store = NewMemoryCounterStore()
	}
	return &Guard{limits: limits, store: store, now: time.Now}
}

// Check decides whether endpointID may send one more message.
func (g *Guard) Check(endpointID string) Decision {
	c := g.store.Snapshot(endpointID, g.now())
	l := g.limits

	if l.MaxPerHour > 0 && c.SentLastHour >= l.MaxPerHour {
		return Decision{Risk: RiskHigh, Reason: fmt.Sprintf("hourly limit reached (%d/%d)", c.SentLastHour, l.MaxPerHour)}
	}
	if l.MaxPerDay > 0 && c.SentLastDay >= l.MaxPerDay {
		return Decision{Risk: RiskHigh, Reason: fmt.Sprintf("daily limit reached (%d/%d)", c.SentLastDay, l.MaxPerDay)}
	}
	if l.MaxConsecutiveErrors > 0 && c.ConsecutiveErrors >= l.MaxConsecutiveErrors {
		return Decision{Risk: RiskHigh, Reason: fmt.Sprintf("%d consecutive delivery errors", c.ConsecutiveErrors)}
	}
	ratio, sampled := replyRatio(c, l.MinSampleForRatio)
	if sampled && ratio < l.MinReplyRatio {
		return Decision{Risk: RiskHigh, Reason: fmt.Sprintf("reply ratio %.2f below %.2f", ratio, l.MinReplyRatio)}
	}

	d := Decision{Allowed: true, Risk: RiskLow}
	switch {
	case nearLimit(c.SentLastHour, l.MaxPerHour), nearLimit(c.SentLastDay, l.MaxPerDay):
		d.Risk, d.Reason = RiskMedium, "approaching volume limit"
	case c.ConsecutiveErrors > 0 && nearLimit(c.ConsecutiveErrors, l.MaxConsecutiveErrors):
		d.Risk, d.Reason = RiskMedium, "recent delivery errors"
	case sampled && ratio < 2*l.MinReplyRatio:
		d.Risk, d.Reason = RiskMedium, "low reply ratio"
	}
	return d
}

func replyRatio(c Counters, minSample int) (float64, bool) {
	if c.SentLastDay == 0 || c.SentLastDay < minSample {
		return 0, false
	}
	return float64(c.InboundLastDay) / float64(c.SentLastDay), true
}

// nearLimit reports whether v has reached 80% of max.
func nearLimit(v, max int) bool {
	return max > 0 && v*5 >= max*4
}

// RecordSent counts an accepted outbound send.
func (g *Guard) RecordSent(endpointID string) { g.store.RecordSent(endpointID, g.now()) }

// RecordInbound counts a contact message.
func (g *Guard) RecordInbound(endpointID string) { g.store.RecordInbound(endpointID, g.now()) }

// RecordError counts a provider-reported failure.
func (g *Guard) RecordError(endpointID string) { g.store.RecordError(endpointID) }

// RecordDelivered clears the consecutive error streak.
func (g *Guard) RecordDelivered(endpointID string) { g.store.ResetErrors(endpointID) }

// Snapshot exposes the endpoint's counters.
func (g *Guard) Snapshot(endpointID string) Counters {
	return g.store.Snapshot(endpointID, g.now())
}

// MemoryCounterStore is the process-local CounterStore. Timestamps older
// than a day are pruned on read.
type MemoryCounterStore struct {
	mu        sync.Mutex
	endpoints map[string]*endpointCounters
}

type endpointCounters struct {
	sent    []time.Time
	inbound []time.Time
	errors  int
}

// NewMemoryCounterStore returns an empty store.
func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{endpoints: make(map[string]*endpointCounters)}
}

func (s *MemoryCounterStore) get(id string) *endpointCounters {
	c, ok := s.endpoints[id]
	if !ok {
		c = &endpointCounters{}
		s.endpoints[id] = c
	}
	return c
}

func (s *MemoryCounterStore) RecordSent(id string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.get(id)
	c.sent = append(c.sent, at)
}

func (s *MemoryCounterStore) RecordInbound(id string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.get(id)
	c.inbound = append(c.inbound, at)
}

func (s *MemoryCounterStore) RecordError(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.get(id).errors++
}

func (s *MemoryCounterStore) ResetErrors(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.get(id).errors = 0
}

func (s *MemoryCounterStore) Snapshot(id string, now time.Time) Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.get(id)
	dayAgo := now.Add(-24 * time.Hour)
	hourAgo := now.Add(-time.Hour)
	c.sent = prune(c.sent, dayAgo)
	c.inbound = prune(c.inbound, dayAgo)

	out := Counters{
		SentLastDay:       len(c.sent),
		InboundLastDay:    len(c.inbound),
		ConsecutiveErrors: c.errors,
	}
	for _, t := range c.sent {
		if t.After(hourAgo) {
			out.SentLastHour++
		}
	}
	return out
}

// prune drops timestamps at or before cutoff. ts is in append order.
func prune(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	return ts[i:]
}
