// Package events defines the domain events emitted by the chat lifecycle and
// the single in-process point through which they are published.
package events

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types.
const (
	ChatNew                 = "chat:new"
	ChatStateChanged        = "chat:state-changed"
	ChatAssigned            = "chat:assigned"
	ChatTransferring        = "chat:transferring"
	ChatTransferredIn       = "chat:transferred-in"
	ChatTransferredOut      = "chat:transferred-out"
	ChatTransferCompleted   = "chat:transfer-completed"
	ChatUnassigned          = "chat:unassigned"
	ChatClosed              = "chat:closed"
	ChatReturnedToBot       = "chat:returned-to-bot"
	ChatAgentTimeoutWarning = "chat:agent-timeout-warning"
	ChatAgentTimeoutClosed  = "chat:agent-timeout-closed"
	ChatClientTimeoutWarn   = "chat:client-timeout-warning"
	ChatAutoClosed          = "chat:auto-closed"
	MessageNew              = "message:new"
	MessageStatus           = "message:status"
	AgentStateChanged       = "agent:state-changed"
	EndpointStatusChanged   = "endpoint:status-changed"
	ProviderError           = "provider:error"
)

// Event is one domain event. Only the fields relevant to Type are set.
type Event struct {
	ID              string         `json:"id"`
	Type            string         `json:"type"`
	ChatID          string         `json:"chat_id,omitempty"`
	AgentID         string         `json:"agent_id,omitempty"`
	PreviousAgentID string         `json:"previous_agent_id,omitempty"`
	EndpointID      string         `json:"endpoint_id,omitempty"`
	From            string         `json:"from,omitempty"`
	To              string         `json:"to,omitempty"`
	SubStatus       string         `json:"sub_status,omitempty"`
	Payload         map[string]any `json:"payload,omitempty"`
	At              time.Time      `json:"at"`

	// Seq orders a chat's lifecycle events. It is the ID of the audit row
	// the event came from and zero for events without one.
	Seq int64 `json:"seq,omitempty"`
}

// New returns an event of type typ for chatID with a fresh ID and timestamp.
func New(typ, chatID string) Event {
	return Event{
		ID:     uuid.NewString(),
		Type:   typ,
		ChatID: chatID,
		At:     time.Now().UTC(),
	}
}

// Listener receives published events. Listeners run synchronously on the
// publishing goroutine and must not block; slow consumers buffer internally.
type Listener interface {
	HandleEvent(Event) error
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(Event) error

// HandleEvent calls f(ev).
func (f ListenerFunc) HandleEvent(ev Event) error { return f(ev) }

// Publisher is what services depend on to emit events.
type Publisher interface {
	Publish(events ...Event)
}

// Bus fans events out to registered listeners in registration order.
type Bus struct {
	mu        sync.RWMutex
	listeners []namedListener
}

type namedListener struct {
	name string
	l    Listener
}

// NewBus returns an empty Bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers l under name. Names are only used in log lines.
func (b *Bus) Subscribe(name string, l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, namedListener{name: name, l: l})
}

// Publish delivers each event to every listener, in order. A failing or
// panicking listener is logged and does not stop delivery to the others.
func (b *Bus) Publish(evs ...Event) {
	b.mu.RLock()
	ls := make([]namedListener, len(b.listeners))
	copy(ls, b.listeners)
	b.mu.RUnlock()

	for _, ev := range evs {
		if ev.ID == "" {
			ev.ID = uuid.NewString()
		}
		if ev.At.IsZero() {
			ev.At = time.Now().UTC()
		}
		for _, nl := range ls {
			if err := deliver(nl.l, ev); err != nil {
				log.Printf("events: listener %s: %s: %v", nl.name, ev.Type, err)
			}
		}
	}
}

func deliver(l Listener, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return l.HandleEvent(ev)
}

// Recorder is a Listener that keeps every event. Useful in tests and for
// the CLI's dry-run output.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// HandleEvent records ev.
func (r *Recorder) HandleEvent(ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

// Count returns how many events of typ were recorded.
func (r *Recorder) Count(typ string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

// Reset discards recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
