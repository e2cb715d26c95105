// Package chatstate owns every status change of a chat. Each transition runs
// in one transaction holding the chat's row lock, appends exactly one audit
// row, and publishes its events only after commit.
package chatstate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/chatyard/internal/directory"
	"github.com/zulandar/chatyard/internal/errs"
	"github.com/zulandar/chatyard/internal/events"
	"github.com/zulandar/chatyard/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Request describes one transition.
type Request struct {
	ChatID      string
	To          string
	SubStatus   string
	Reason      string
	TriggeredBy string
	AgentID     string
	Metadata    map[string]any

	// Precondition re-validates caller assumptions against the locked row.
	// A non-nil error aborts the transition and is returned unchanged.
	Precondition func(chat *models.Chat) error

	// Mutate applies caller field changes inside the transaction, after the
	// built-in side effects. It must not perform network calls.
	Mutate func(tx *gorm.DB, chat *models.Chat) error
}

// Result is the outcome of a committed transition.
type Result struct {
	Chat            *models.Chat
	Transition      *models.ChatStateTransition
	ReleasedAgentID string
	Events          []events.Event
}

// Machine applies transitions.
type Machine struct {
	db  *gorm.DB
	pub events.Publisher
	now func() time.Time
}

// New returns a Machine. pub may be nil.
func New(db *gorm.DB, pub events.Publisher) *Machine {
	return &Machine{db: db, pub: pub, now: func() time.Time { return time.Now().UTC() }}
}

// SetClock overrides the time source.
func (m *Machine) SetClock(now func() time.Time) {
	m.now = now
}

// Now returns the machine's current time.
func (m *Machine) Now() time.Time {
	return m.now()
}

// DB returns the underlying handle for read-only queries.
func (m *Machine) DB() *gorm.DB {
	return m.db
}

// Publish forwards events to the machine's publisher, if any.
func (m *Machine) Publish(evs ...events.Event) {
	if m.pub != nil && len(evs) > 0 {
		m.pub.Publish(evs...)
	}
}

// Get returns a chat by ID.
func (m *Machine) Get(ctx context.Context, chatID string) (*models.Chat, error) {
	var chat models.Chat
	if err := m.db.WithContext(ctx).First(&chat, "id = ?", chatID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("chatstate: chat %s: %w", chatID, errs.ErrNotFound)
		}
		return nil, fmt.Errorf("chatstate: get chat %s: %w", chatID, err)
	}
	return &chat, nil
}

// History returns the chat's audit trail, oldest first.
func (m *Machine) History(ctx context.Context, chatID string) ([]models.ChatStateTransition, error) {
	var rows []models.ChatStateTransition
	if err := m.db.WithContext(ctx).Where("chat_id = ?", chatID).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("chatstate: history %s: %w", chatID, err)
	}
	return rows, nil
}

// lockChat loads the chat row with SELECT ... FOR UPDATE. SQLite has no row
// locks; its single-writer transactions give the same ordering.
func lockChat(tx *gorm.DB, chatID string) (*models.Chat, error) {
	q := tx
	if tx.Dialector.Name() != "sqlite" {
		q = tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var chat models.Chat
	if err := q.First(&chat, "id = ?", chatID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("chatstate: chat %s: %w", chatID, errs.ErrNotFound)
		}
		return nil, fmt.Errorf("chatstate: lock chat %s: %w", chatID, err)
	}
	return &chat, nil
}

func saveChat(tx *gorm.DB, chat *models.Chat) error {
	if err := tx.Omit(clause.Associations).Save(chat).Error; err != nil {
		return fmt.Errorf("chatstate: save chat %s: %w", chat.ID, err)
	}
	return nil
}

// Transition moves a chat to req.To. On any error nothing is written.
func (m *Machine) Transition(ctx context.Context, req Request) (*Result, error) {
	if req.ChatID == "" {
		return nil, fmt.Errorf("chatstate: chat id is required: %w", errs.ErrInvalidState)
	}
	if !ValidStatus(req.To) {
		return nil, fmt.Errorf("chatstate: unknown status %q: %w", req.To, errs.ErrInvalidTransition)
	}
	if req.TriggeredBy == "" {
		req.TriggeredBy = models.TriggerSystem
	}

	var res Result
	var prev models.Chat
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		chat, err := lockChat(tx, req.ChatID)
		if err != nil {
			return err
		}
		prev = *chat

		if req.Precondition != nil {
			if err := req.Precondition(chat); err != nil {
				return err
			}
		}
		if !CanTransition(chat.Status, req.To) {
			return fmt.Errorf("chatstate: chat %s cannot move from %s to %s: %w",
				chat.ID, chat.Status, req.To, errs.ErrInvalidTransition)
		}

		now := m.now()
		if AgentOwned(chat.Status) && (req.To == models.StatusBot || req.To == models.StatusClosed) && chat.AssignedAgentID != nil {
			if err := directory.ReleaseSlot(tx, *chat.AssignedAgentID); err != nil {
				return err
			}
			res.ReleasedAgentID = *chat.AssignedAgentID
			chat.AssignedAgentID = nil
		}
		applySideEffects(chat, req.To, now)
		chat.Status = req.To
		chat.SubStatus = models.StrPtr(req.SubStatus)

		if req.Mutate != nil {
			if err := req.Mutate(tx, chat); err != nil {
				return err
			}
		}
		if err := saveChat(tx, chat); err != nil {
			return err
		}

		audit := models.ChatStateTransition{
			ChatID:        chat.ID,
			FromStatus:    prev.Status,
			ToStatus:      chat.Status,
			FromSubStatus: prev.SubStatus,
			ToSubStatus:   chat.SubStatus,
			Reason:        req.Reason,
			TriggeredBy:   req.TriggeredBy,
			AgentID:       models.StrPtr(req.AgentID),
			CreatedAt:     now,
		}
		if len(req.Metadata) > 0 {
			audit.Metadata = datatypes.JSONMap(req.Metadata)
		}
		if err := tx.Create(&audit).Error; err != nil {
			return fmt.Errorf("chatstate: write audit for %s: %w", chat.ID, err)
		}

		res.Chat = chat
		res.Transition = &audit
		return nil
	})
	if err != nil {
		return nil, err
	}

	res.Events = transitionEvents(&prev, res.Chat, res.ReleasedAgentID, req)
	for i := range res.Events {
		res.Events[i].Seq = int64(res.Transition.ID)
	}
	m.Publish(res.Events...)
	return &res, nil
}

func applySideEffects(chat *models.Chat, to string, now time.Time) {
	switch to {
	case models.StatusActive:
		if chat.AssignedAt == nil {
			chat.AssignedAt = &now
		}
		chat.IsBotActive = false
	case models.StatusBot:
		chat.IsBotActive = true
		chat.AssignedAgentID = nil
	case models.StatusResolved:
		chat.ResolvedAt = &now
		chat.IsBotActive = false
	case models.StatusClosed:
		chat.ClosedAt = &now
		chat.IsBotActive = false
	default:
		chat.IsBotActive = false
	}
}

func transitionEvents(prev, chat *models.Chat, released string, req Request) []events.Event {
	base := func(typ string) events.Event {
		ev := events.New(typ, chat.ID)
		ev.From = prev.Status
		ev.To = chat.Status
		ev.SubStatus = chat.Sub()
		ev.EndpointID = chat.ChannelID
		ev.AgentID = chat.Agent()
		return ev
	}

	changed := base(events.ChatStateChanged)
	changed.Payload = map[string]any{
		"from_sub_status": prev.Sub(),
		"reason":          req.Reason,
		"triggered_by":    req.TriggeredBy,
	}
	out := []events.Event{changed}

	if (prev.Status == models.StatusWaiting || prev.Status == models.StatusBot) && chat.Status == models.StatusActive {
		out = append(out, base(events.ChatAssigned))
	}
	if released != "" {
		ev := base(events.ChatUnassigned)
		ev.AgentID = ""
		ev.PreviousAgentID = released
		out = append(out, ev)
	}
	if AgentOwned(prev.Status) && chat.Status == models.StatusBot {
		ev := base(events.ChatReturnedToBot)
		ev.PreviousAgentID = released
		out = append(out, ev)
	}
	if chat.Status == models.StatusClosed {
		ev := base(events.ChatClosed)
		ev.PreviousAgentID = released
		ev.Payload = map[string]any{"reason": req.Reason}
		out = append(out, ev)
	}
	return out
}

// Update applies fn to the locked chat row and saves it. It never changes
// Status; use Transition for that. fn's error aborts the update unchanged.
func (m *Machine) Update(ctx context.Context, chatID string, fn func(tx *gorm.DB, chat *models.Chat) error) (*models.Chat, error) {
	var out *models.Chat
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		out, err = UpdateIn(tx, chatID, fn)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateIn is Update inside the caller's transaction tx.
func UpdateIn(tx *gorm.DB, chatID string, fn func(tx *gorm.DB, chat *models.Chat) error) (*models.Chat, error) {
	chat, err := lockChat(tx, chatID)
	if err != nil {
		return nil, err
	}
	status := chat.Status
	if err := fn(tx, chat); err != nil {
		return nil, err
	}
	if chat.Status != status {
		return nil, fmt.Errorf("chatstate: update of %s may not change status: %w", chatID, errs.ErrInvalidTransition)
	}
	if err := saveChat(tx, chat); err != nil {
		return nil, err
	}
	return chat, nil
}
