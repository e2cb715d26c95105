// Package fanout pushes domain events to connected agent and supervisor
// clients. Events are routed to topics; a client subscribed to several
// routed topics still receives each event once.
package fanout

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/zulandar/chatyard/internal/events"
)

// Fixed topics.
const (
	TopicAgents      = "agents"
	TopicSupervisors = "supervisors"
)

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 256

// UserTopic is the private topic of one agent or supervisor.
func UserTopic(id string) string { return "user:" + id }

// ChatTopic carries everything that happens on one chat.
func ChatTopic(id string) string { return "chat:" + id }

// Route returns the topics an event is delivered to.
func Route(ev events.Event) []string {
	var out []string
	add := func(topics ...string) {
		for _, t := range topics {
			if t == "" || t == "user:" || t == "chat:" {
				continue
			}
			out = append(out, t)
		}
	}
	chat := ""
	if ev.ChatID != "" {
		chat = ChatTopic(ev.ChatID)
	}
	user := func(id string) string {
		if id == "" {
			return ""
		}
		return UserTopic(id)
	}

	switch ev.Type {
	case events.ChatNew:
		add(TopicAgents, TopicSupervisors, chat)
	case events.ChatAssigned:
		add(user(ev.AgentID), chat, TopicAgents, TopicSupervisors)
	case events.ChatTransferring:
		add(user(ev.AgentID), user(ev.PreviousAgentID), chat, TopicSupervisors)
	case events.ChatTransferredIn:
		add(user(ev.AgentID), chat, TopicSupervisors)
	case events.ChatTransferredOut:
		add(user(ev.PreviousAgentID), chat, TopicSupervisors)
	case events.ChatTransferCompleted, events.ChatStateChanged:
		add(chat, TopicSupervisors)
	case events.ChatUnassigned, events.ChatClosed, events.ChatReturnedToBot,
		events.ChatAutoClosed, events.ChatAgentTimeoutClosed:
		add(user(ev.PreviousAgentID), user(ev.AgentID), chat, TopicSupervisors)
	case events.ChatAgentTimeoutWarning:
		add(user(ev.AgentID), chat, TopicSupervisors)
	case events.ChatClientTimeoutWarn:
		add(user(ev.AgentID), chat)
	case events.MessageNew:
		add(chat, user(ev.AgentID))
	case events.MessageStatus:
		add(chat)
	case events.AgentStateChanged:
		add(user(ev.AgentID), TopicSupervisors)
	default:
		add(TopicSupervisors)
	}
	return out
}

// Subscriber is one connected client.
type Subscriber struct {
	id      uint64
	hub     *Hub
	ch      chan events.Event
	dropped atomic.Int64
	once    sync.Once
}

// C returns the event channel. It is closed by Close.
func (s *Subscriber) C() <-chan events.Event { return s.ch }

// Dropped is the number of events discarded because the queue was full.
func (s *Subscriber) Dropped() int64 { return s.dropped.Load() }

// Join adds a topic.
func (s *Subscriber) Join(topic string) { s.hub.join(s, topic) }

// Leave removes a topic.
func (s *Subscriber) Leave(topic string) { s.hub.leave(s, topic) }

// Topics lists the subscriber's current topics.
func (s *Subscriber) Topics() []string { return s.hub.topicsOf(s) }

// Close unsubscribes and closes the channel.
func (s *Subscriber) Close() {
	s.once.Do(func() { s.hub.remove(s) })
}

// Hub is an events.Listener that fans events out to subscribers.
type Hub struct {
	buffer int
	onDrop func(topic string)

	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]map[string]bool
	topics map[string]map[uint64]*Subscriber

	// seqMu is held across the check and the delivery of sequenced events,
	// so a chat's lifecycle events reach every queue in Seq order.
	seqMu sync.Mutex
	last  map[string]seqMark
	marks int
	stale atomic.Int64
}

type seqMark struct {
	seq int64
	at  time.Time
}

// seqTTL bounds how long a chat's last sequence number is remembered.
const seqTTL = 10 * time.Minute

// Option configures a Hub.
type Option func(*Hub)

// WithBuffer sets the per-subscriber queue length.
func WithBuffer(n int) Option { return func(h *Hub) { h.buffer = n } }

// WithDropHook is called for every discarded event with its first topic.
func WithDropHook(f func(topic string)) Option { return func(h *Hub) { h.onDrop = f } }

// NewHub returns an empty Hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		buffer: DefaultBuffer,
		subs:   make(map[uint64]map[string]bool),
		topics: make(map[string]map[uint64]*Subscriber),
		last:   make(map[string]seqMark),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Subscribe registers a subscriber on topics.
func (h *Hub) Subscribe(topics ...string) *Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	s := &Subscriber{id: h.nextID, hub: h, ch: make(chan events.Event, h.buffer)}
	h.subs[s.id] = make(map[string]bool)
	for _, t := range topics {
		h.joinLocked(s, t)
	}
	return s
}

func (h *Hub) joinLocked(s *Subscriber, topic string) {
	mine, ok := h.subs[s.id]
	if !ok || topic == "" {
		return
	}
	mine[topic] = true
	members := h.topics[topic]
	if members == nil {
		members = make(map[uint64]*Subscriber)
		h.topics[topic] = members
	}
	members[s.id] = s
}

func (h *Hub) join(s *Subscriber, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.joinLocked(s, topic)
}

func (h *Hub) leave(s *Subscriber, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(s, topic)
}

func (h *Hub) leaveLocked(s *Subscriber, topic string) {
	if mine, ok := h.subs[s.id]; ok {
		delete(mine, topic)
	}
	if members, ok := h.topics[topic]; ok {
		delete(members, s.id)
		if len(members) == 0 {
			delete(h.topics, topic)
		}
	}
}

func (h *Hub) topicsOf(s *Subscriber) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []string
	for t := range h.subs[s.id] {
		out = append(out, t)
	}
	return out
}

func (h *Hub) remove(s *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for t := range h.subs[s.id] {
		h.leaveLocked(s, t)
	}
	delete(h.subs, s.id)
	close(s.ch)
}

// Len returns the number of connected subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Stale is the number of lifecycle events discarded because a newer one for
// the same chat was already delivered.
func (h *Hub) Stale() int64 { return h.stale.Load() }

// HandleEvent implements events.Listener. It never blocks on a slow client.
// An event whose Seq is older than one already delivered for its chat is
// dropped, since the client has seen the later state.
func (h *Hub) HandleEvent(ev events.Event) error {
	if ev.Seq > 0 && ev.ChatID != "" {
		h.seqMu.Lock()
		defer h.seqMu.Unlock()
		if !h.markLocked(ev) {
			h.stale.Add(1)
			return nil
		}
	}
	h.deliver(ev)
	return nil
}

// markLocked records ev as the chat's newest event unless a later one was
// already delivered. seqMu must be held.
func (h *Hub) markLocked(ev events.Event) bool {
	now := time.Now()
	if m, ok := h.last[ev.ChatID]; ok && ev.Seq < m.seq {
		return false
	}
	h.last[ev.ChatID] = seqMark{seq: ev.Seq, at: now}
	h.marks++
	if h.marks%1024 == 0 {
		for id, m := range h.last {
			if now.Sub(m.at) > seqTTL {
				delete(h.last, id)
			}
		}
	}
	return true
}

func (h *Hub) deliver(ev events.Event) {
	topics := Route(ev)
	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := make(map[uint64]bool)
	for _, t := range topics {
		for id, s := range h.topics[t] {
			if seen[id] {
				continue
			}
			seen[id] = true
			select {
			case s.ch <- ev:
			default:
				s.dropped.Add(1)
				if h.onDrop != nil {
					h.onDrop(t)
				}
			}
		}
	}
}
