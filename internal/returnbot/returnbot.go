// Package returnbot hands a human-handled chat back to the bot.
package returnbot

import (
	"context"
	"fmt"
	"log"

	"github.com/zulandar/chatyard/internal/chatstate"
	"github.com/zulandar/chatyard/internal/closing"
	"github.com/zulandar/chatyard/internal/documents"
	"github.com/zulandar/chatyard/internal/errs"
	"github.com/zulandar/chatyard/internal/events"
	"github.com/zulandar/chatyard/internal/models"
	"gorm.io/gorm"
)

// Return reasons with a dedicated farewell.
const (
	ReasonResolved    = "resolved"
	ReasonNoAgent     = "no_agent_available"
	ReasonOutOfHours  = "out_of_hours"
	ReasonUnreachable = "contact_unreachable"
)

const defaultFarewell = "Thanks for chatting with us. Our assistant will take it from here."

var farewells = map[string]string{
	ReasonResolved:    "Glad we could help! If you need anything else, just write and our assistant will pick it up.",
	ReasonNoAgent:     "All of our agents are busy right now. Our assistant will keep helping you in the meantime.",
	ReasonOutOfHours:  "Our agents are offline for the day. Our assistant will keep helping you until they are back.",
	ReasonUnreachable: "We could not reach you, so this conversation is going back to our assistant. Write any time to continue.",
}

// Farewell returns the contact message sent for reason.
func Farewell(reason string) string {
	if msg, ok := farewells[reason]; ok {
		return msg
	}
	return defaultFarewell
}

// ContactNotifier sends automated notices to a chat's contact.
type ContactNotifier interface {
	SendSystem(ctx context.Context, chat *models.Chat, text string) error
}

// Service returns chats to the bot.
type Service struct {
	sm      *chatstate.Machine
	archive *closing.Archiver
	contact ContactNotifier
}

// New returns a Service. archive and contact may be nil.
func New(sm *chatstate.Machine, archive *closing.Archiver, contact ContactNotifier) *Service {
	if archive == nil {
		archive = closing.New(nil, nil)
	}
	return &Service{sm: sm, archive: archive, contact: contact}
}

func returnable(status string) bool {
	switch status {
	case models.StatusWaiting, models.StatusActive, models.StatusPending:
		return true
	}
	return false
}

// Return moves chatID back to BOT/bot_active. The closing document and the
// farewell are attempted first and never block the return.
func (s *Service) Return(ctx context.Context, chatID, reason, agentID, notes string) (*models.Chat, error) {
	chat, err := s.sm.Get(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if !returnable(chat.Status) {
		return nil, fmt.Errorf("returnbot: chat %s is %s: %w", chatID, chat.Status, errs.ErrInvalidState)
	}
	// PENDING has no edge to BOT; reject before any side effect runs.
	if !chatstate.CanTransition(chat.Status, models.StatusBot) {
		return nil, fmt.Errorf("returnbot: chat %s cannot move from %s to %s: %w",
			chatID, chat.Status, models.StatusBot, errs.ErrInvalidTransition)
	}

	doc := s.archive.Archive(ctx, chat, documents.KindReturnToBot, agentID)
	s.sendFarewell(ctx, chat, reason)

	trigger := models.TriggerSystem
	if agentID != "" {
		trigger = models.TriggerAgent
	}
	meta := map[string]any{"return_reason": reason}
	if notes != "" {
		meta["notes"] = notes
	}
	if doc != nil {
		meta["document"] = doc.Name
		meta["ticket_id"] = doc.TicketID
	}

	res, err := s.sm.Transition(ctx, chatstate.Request{
		ChatID:      chatID,
		To:          models.StatusBot,
		SubStatus:   models.SubBotActive,
		Reason:      "returned to bot: " + reason,
		TriggeredBy: trigger,
		AgentID:     agentID,
		Metadata:    meta,
		Precondition: func(c *models.Chat) error {
			if !returnable(c.Status) {
				return fmt.Errorf("returnbot: chat %s is %s: %w", c.ID, c.Status, errs.ErrInvalidState)
			}
			return nil
		},
		Mutate: func(_ *gorm.DB, c *models.Chat) error {
			c.TransferCount = 0
			c.BotRestartCount++
			c.AutomationContext = nil
			c.AgentWarningSent = false
			c.ClientWarningSent = false
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return res.Chat, nil
}

func (s *Service) sendFarewell(ctx context.Context, chat *models.Chat, reason string) {
	if s.contact == nil {
		return
	}
	err := s.contact.SendSystem(ctx, chat, Farewell(reason))
	if err == nil {
		return
	}
	log.Printf("returnbot: farewell on %s: %v", chat.ID, err)
	ev := events.New(events.ProviderError, chat.ID)
	ev.EndpointID = chat.ChannelID
	ev.AgentID = chat.Agent()
	ev.Payload = map[string]any{"stage": "farewell", "error": err.Error()}
	s.sm.Publish(ev)
}
