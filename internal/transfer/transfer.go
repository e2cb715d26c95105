// Package transfer hands an active chat from one agent to another as a
// fixed sequence of steps with a single compensating action.
package transfer

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/zulandar/chatyard/internal/chatstate"
	"github.com/zulandar/chatyard/internal/directory"
	"github.com/zulandar/chatyard/internal/errs"
	"github.com/zulandar/chatyard/internal/events"
	"github.com/zulandar/chatyard/internal/models"
	"gorm.io/gorm"
)

// ContactNotice is the message sent to the contact when a transfer starts.
const ContactNotice = "You are being transferred to another agent. Please hold on, they will be with you shortly."

// ContactNotifier sends automated notices to a chat's contact.
type ContactNotifier interface {
	SendSystem(ctx context.Context, chat *models.Chat, text string) error
}

// Service runs transfers.
type Service struct {
	sm      *chatstate.Machine
	contact ContactNotifier
}

// New returns a Service. contact may be nil to skip the contact notice.
func New(sm *chatstate.Machine, contact ContactNotifier) *Service {
	return &Service{sm: sm, contact: contact}
}

// Transfer moves chatID from currentAgentID to newAgentID. A failure after
// the chat entered the transferring sub-status triggers one compensating
// transition back to ACTIVE/active with currentAgentID owning the chat and
// its slot again; if that also fails the chat stays in transferring and is
// reported by Stuck.
func (s *Service) Transfer(ctx context.Context, chatID, newAgentID, currentAgentID, reason string) (*models.Chat, error) {
	// Step 1: validate.
	if err := s.validate(ctx, chatID, newAgentID, currentAgentID); err != nil {
		return nil, err
	}

	// Step 2: mark transferring.
	res, err := s.sm.Transition(ctx, chatstate.Request{
		ChatID:      chatID,
		To:          models.StatusActive,
		SubStatus:   models.SubTransferring,
		Reason:      reason,
		TriggeredBy: models.TriggerAgent,
		AgentID:     currentAgentID,
		Metadata:    map[string]any{"from_agent_id": currentAgentID, "to_agent_id": newAgentID},
		Precondition: func(c *models.Chat) error {
			return ownedBy(c, currentAgentID)
		},
	})
	if err != nil {
		return nil, err
	}
	ev := transferEvent(events.ChatTransferring, res, newAgentID, currentAgentID, reason)
	s.sm.Publish(ev)
	s.notifyContact(ctx, res.Chat)

	// Step 3: move the load and the assignment.
	if _, err := s.sm.Update(ctx, chatID, func(tx *gorm.DB, c *models.Chat) error {
		if c.Sub() != models.SubTransferring || c.Agent() != currentAgentID {
			return fmt.Errorf("transfer: chat %s changed during transfer (%s/%s, agent %q): %w",
				c.ID, c.Status, c.Sub(), c.Agent(), errs.ErrInvalidState)
		}
		if err := directory.ReserveSlot(tx, newAgentID); err != nil {
			return err
		}
		if err := directory.ReleaseSlot(tx, currentAgentID); err != nil {
			return err
		}
		c.AssignedAgentID = models.StrPtr(newAgentID)
		c.TransferCount++
		c.AgentWarningSent = false
		return nil
	}); err != nil {
		s.compensate(ctx, chatID, currentAgentID, 3, err)
		return nil, err
	}

	// Step 4: complete.
	done, err := s.sm.Transition(ctx, chatstate.Request{
		ChatID:      chatID,
		To:          models.StatusActive,
		SubStatus:   models.SubActive,
		Reason:      "transfer completed",
		TriggeredBy: models.TriggerAgent,
		AgentID:     newAgentID,
		Metadata:    map[string]any{"from_agent_id": currentAgentID},
		Precondition: func(c *models.Chat) error {
			if c.Sub() != models.SubTransferring || c.Agent() != newAgentID {
				return fmt.Errorf("transfer: chat %s is no longer transferring to %s: %w", c.ID, newAgentID, errs.ErrInvalidState)
			}
			return nil
		},
	})
	if err != nil {
		s.compensate(ctx, chatID, currentAgentID, 4, err)
		return nil, err
	}

	s.sm.Publish(
		transferEvent(events.ChatTransferCompleted, done, newAgentID, currentAgentID, reason),
		transferEvent(events.ChatTransferredIn, done, newAgentID, currentAgentID, reason),
		transferEvent(events.ChatTransferredOut, done, newAgentID, currentAgentID, reason),
	)
	return done.Chat, nil
}

func (s *Service) validate(ctx context.Context, chatID, newAgentID, currentAgentID string) error {
	chat, err := s.sm.Get(ctx, chatID)
	if err != nil {
		return err
	}
	if err := ownedBy(chat, currentAgentID); err != nil {
		return err
	}
	if newAgentID == "" || newAgentID == currentAgentID {
		return fmt.Errorf("transfer: chat %s needs a different target agent: %w", chatID, errs.ErrInvalidState)
	}
	agent, err := directory.Get(s.sm.DB().WithContext(ctx), newAgentID)
	if err != nil {
		return err
	}
	if !agent.IsAgent {
		return fmt.Errorf("transfer: %s is not an agent: %w", newAgentID, errs.ErrNotFound)
	}
	if !agent.HasCapacity() {
		return fmt.Errorf("transfer: agent %s is at capacity (%d/%d): %w",
			newAgentID, agent.CurrentChatsCount, agent.MaxConcurrentChats, errs.ErrCapacityExceeded)
	}
	return nil
}

func ownedBy(c *models.Chat, agentID string) error {
	switch c.Status {
	case models.StatusWaiting, models.StatusActive, models.StatusPending:
	default:
		return fmt.Errorf("transfer: chat %s is %s: %w", c.ID, c.Status, errs.ErrInvalidState)
	}
	if c.Sub() == models.SubTransferring {
		return fmt.Errorf("transfer: chat %s is already transferring: %w", c.ID, errs.ErrInvalidState)
	}
	if agentID == "" || c.Agent() != agentID {
		return fmt.Errorf("transfer: agent %s does not own chat %s: %w", agentID, c.ID, errs.ErrForbidden)
	}
	return nil
}

func (s *Service) notifyContact(ctx context.Context, chat *models.Chat) {
	if s.contact == nil {
		return
	}
	if err := s.contact.SendSystem(ctx, chat, ContactNotice); err != nil {
		log.Printf("transfer: notify contact on %s: %v", chat.ID, err)
	}
}

func (s *Service) compensate(ctx context.Context, chatID, originalAgentID string, step int, cause error) {
	_, err := s.sm.Transition(ctx, chatstate.Request{
		ChatID:      chatID,
		To:          models.StatusActive,
		SubStatus:   models.SubActive,
		Reason:      "transfer failed",
		TriggeredBy: models.TriggerAgent,
		AgentID:     originalAgentID,
		Metadata: map[string]any{
			"compensation": true,
			"failed_step":  step,
			"error":        cause.Error(),
		},
		Precondition: func(c *models.Chat) error {
			if c.Sub() != models.SubTransferring {
				return fmt.Errorf("transfer: chat %s left transferring: %w", c.ID, errs.ErrInvalidState)
			}
			return nil
		},
		// Step 3 may have committed: hand the chat and its slot back.
		Mutate: func(tx *gorm.DB, c *models.Chat) error {
			moved := c.Agent()
			if moved == "" || moved == originalAgentID {
				return nil
			}
			if err := directory.ReleaseSlot(tx, moved); err != nil {
				return err
			}
			if err := directory.RestoreSlot(tx, originalAgentID); err != nil {
				return err
			}
			c.AssignedAgentID = models.StrPtr(originalAgentID)
			if c.TransferCount > 0 {
				c.TransferCount--
			}
			return nil
		},
	})
	if err != nil {
		log.Printf("transfer: compensate %s after step %d: %v", chatID, step, err)
	}
}

func transferEvent(typ string, res *chatstate.Result, newAgentID, currentAgentID, reason string) events.Event {
	chat := res.Chat
	ev := events.New(typ, chat.ID)
	ev.Seq = int64(res.Transition.ID)
	ev.EndpointID = chat.ChannelID
	ev.To = chat.Status
	ev.SubStatus = chat.Sub()
	ev.AgentID = newAgentID
	ev.PreviousAgentID = currentAgentID
	ev.Payload = map[string]any{"reason": reason}
	return ev
}

// StuckChat is a chat left in the transferring sub-status.
type StuckChat struct {
	models.Chat
	Since time.Time `json:"transferring_since"`
}

// Stuck lists chats that entered the transferring sub-status at least
// olderThan ago, by the machine's clock. Entry time is taken from the
// newest audit row into transferring, so unrelated saves do not reset it.
func (s *Service) Stuck(ctx context.Context, olderThan time.Duration) ([]StuckChat, error) {
	cutoff := s.sm.Now().Add(-olderThan)
	gdb := s.sm.DB().WithContext(ctx)
	var chats []models.Chat
	if err := gdb.Where("status = ? AND sub_status = ?", models.StatusActive, models.SubTransferring).
		Find(&chats).Error; err != nil {
		return nil, fmt.Errorf("transfer: list stuck chats: %w", err)
	}
	var out []StuckChat
	for _, c := range chats {
		since := c.UpdatedAt
		var audit models.ChatStateTransition
		err := gdb.Where("chat_id = ? AND to_sub_status = ?", c.ID, models.SubTransferring).
			Order("id DESC").Limit(1).Find(&audit).Error
		if err != nil {
			return nil, fmt.Errorf("transfer: audit for %s: %w", c.ID, err)
		}
		if audit.ID != 0 {
			since = audit.CreatedAt
		}
		if since.After(cutoff) {
			continue
		}
		out = append(out, StuckChat{Chat: c, Since: since})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Since.Before(out[j].Since) })
	return out, nil
}
