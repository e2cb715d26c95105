// Package conversation ingests provider traffic into chats and sends
// agent and system messages out through the gateway.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/zulandar/chatyard/internal/chatstate"
	"github.com/zulandar/chatyard/internal/config"
	"github.com/zulandar/chatyard/internal/db"
	"github.com/zulandar/chatyard/internal/errs"
	"github.com/zulandar/chatyard/internal/events"
	"github.com/zulandar/chatyard/internal/gateway"
	"github.com/zulandar/chatyard/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Outbound is the gateway surface the service sends through.
type Outbound interface {
	SendText(ctx context.Context, endpointID, to, text string) (*gateway.SendResult, error)
	SendMedia(ctx context.Context, endpointID, to string, media gateway.Media, caption string) (*gateway.SendResult, error)
	Track(messageID string)
}

// Inbound is the gateway surface webhooks are normalized through.
type Inbound interface {
	ProcessInbound(ctx context.Context, wh gateway.Webhook) ([]gateway.InboundMessage, error)
	ProcessStatus(ctx context.Context, wh gateway.Webhook) ([]gateway.DeliveryStatus, error)
	Forget(endpointID, externalID string)
}

// Service implements ingestion and outbound messaging.
type Service struct {
	sm      *chatstate.Machine
	in      Inbound
	out     Outbound
	routing config.RoutingConfig
}

// New returns a Service. gw usually is a *gateway.Gateway for both halves.
func New(sm *chatstate.Machine, in Inbound, out Outbound, routing config.RoutingConfig) *Service {
	return &Service{sm: sm, in: in, out: out, routing: routing}
}

// initialState maps the routing policy to the status of a new chat.
func (s *Service) initialState() (status, sub string) {
	switch s.routing.InitialState {
	case "queue":
		return models.StatusBot, models.SubWaitingInQueue
	case "waiting":
		return models.StatusWaiting, models.SubWaitingInQueue
	default:
		return models.StatusBot, models.SubBotActive
	}
}

// HandleInbound normalizes an inbound webhook and records each new message
// on the contact's open chat, opening one when none exists. Messages seen
// before are skipped. It returns the messages that were stored. When a
// message fails to store, its dedupe key and those of the messages after it
// are released so the provider's redelivery is accepted.
func (s *Service) HandleInbound(ctx context.Context, wh gateway.Webhook) ([]models.Message, error) {
	msgs, err := s.in.ProcessInbound(ctx, wh)
	if err != nil {
		return nil, err
	}
	var stored []models.Message
	for i, m := range msgs {
		msg, err := s.ingest(ctx, m)
		if err != nil {
			for _, rest := range msgs[i:] {
				s.in.Forget(rest.EndpointID, rest.ExternalID)
			}
			return stored, err
		}
		if msg != nil {
			stored = append(stored, *msg)
		}
	}
	return stored, nil
}

// errDuplicate rolls back an ingest whose message is already stored.
var errDuplicate = errors.New("conversation: duplicate inbound")

// ingest stores one inbound message. The endpoint row lock serializes
// find-or-create of the contact's chat, and a message already stored under
// the same external ID is skipped before any chat is opened.
func (s *Service) ingest(ctx context.Context, in gateway.InboundMessage) (*models.Message, error) {
	if in.From == "" {
		return nil, fmt.Errorf("conversation: inbound %s has no sender: %w", in.ExternalID, errs.ErrInvalidState)
	}

	var chat *models.Chat
	var msg models.Message
	created := false
	err := s.sm.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockEndpoint(tx, in.EndpointID); err != nil {
			return err
		}
		if in.ExternalID != "" {
			var n int64
			if err := tx.Model(&models.Message{}).
				Where("endpoint_id = ? AND external_id = ?", in.EndpointID, in.ExternalID).
				Count(&n).Error; err != nil {
				return fmt.Errorf("conversation: look up inbound %s: %w", in.ExternalID, err)
			}
			if n > 0 {
				return errDuplicate
			}
		}

		var err error
		chat, created, err = s.openChat(tx, in)
		if err != nil {
			return err
		}

		msg = models.Message{
			ID:         uuid.NewString(),
			ChatID:     chat.ID,
			EndpointID: in.EndpointID,
			ExternalID: models.StrPtr(in.ExternalID),
			Direction:  models.DirectionInbound,
			SenderType: models.SenderContact,
			Kind:       in.Kind,
			Body:       in.Body,
			MediaPath:  in.MediaPath,
			MediaType:  in.MediaType,
			CreatedAt:  in.At,
		}
		if err := tx.Create(&msg).Error; err != nil {
			if db.IsDuplicate(err) {
				return errDuplicate
			}
			return fmt.Errorf("conversation: store inbound %s: %w", in.ExternalID, err)
		}

		chat, err = chatstate.UpdateIn(tx, chat.ID, func(_ *gorm.DB, c *models.Chat) error {
			at := in.At
			c.LastClientMessageAt = &at
			if at.After(c.LastActivityAt) {
				c.LastActivityAt = at
			}
			c.ClientWarningSent = false
			if c.ContactName == "" && in.FromName != "" {
				c.ContactName = in.FromName
			}
			return nil
		})
		return err
	})
	if errors.Is(err, errDuplicate) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if created {
		ev := events.New(events.ChatNew, chat.ID)
		ev.EndpointID = chat.ChannelID
		ev.To = chat.Status
		ev.SubStatus = chat.Sub()
		s.sm.Publish(ev)
	}
	s.publishMessage(chat, &msg)
	return &msg, nil
}

// lockEndpoint takes the endpoint row lock. SQLite has no row locks; its
// single-writer transactions give the same ordering.
func lockEndpoint(tx *gorm.DB, endpointID string) error {
	q := tx
	if tx.Dialector.Name() != "sqlite" {
		q = tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var ep models.ChannelEndpoint
	if err := q.Select("id").First(&ep, "id = ?", endpointID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("conversation: endpoint %s: %w", endpointID, errs.ErrNotFound)
		}
		return fmt.Errorf("conversation: lock endpoint %s: %w", endpointID, err)
	}
	return nil
}

// openChat finds the contact's newest non-closed chat on the endpoint, or
// creates one per the routing policy. tx must hold the endpoint lock.
func (s *Service) openChat(tx *gorm.DB, in gateway.InboundMessage) (*models.Chat, bool, error) {
	var chat models.Chat
	err := tx.Where("channel_id = ? AND contact_address = ? AND status <> ?", in.EndpointID, in.From, models.StatusClosed).
		Order("created_at DESC").First(&chat).Error
	if err == nil {
		return &chat, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, fmt.Errorf("conversation: find chat for %s: %w", in.From, err)
	}

	status, sub := s.initialState()
	now := s.sm.Now()
	chat = models.Chat{
		ID:             uuid.NewString(),
		ContactAddress: in.From,
		ContactName:    in.FromName,
		ChannelID:      in.EndpointID,
		CampaignID:     s.routing.CampaignID,
		Status:         status,
		SubStatus:      models.StrPtr(sub),
		IsBotActive:    status == models.StatusBot,
		LastActivityAt: now,
		CreatedAt:      now,
	}
	if err := tx.Create(&chat).Error; err != nil {
		return nil, false, fmt.Errorf("conversation: create chat for %s: %w", in.From, err)
	}
	audit := models.ChatStateTransition{
		ChatID:      chat.ID,
		ToStatus:    chat.Status,
		ToSubStatus: chat.SubStatus,
		Reason:      "inbound contact",
		TriggeredBy: models.TriggerContact,
		CreatedAt:   now,
	}
	if err := tx.Create(&audit).Error; err != nil {
		return nil, false, fmt.Errorf("conversation: write audit for %s: %w", chat.ID, err)
	}
	return &chat, true, nil
}

// HandleStatus applies a delivery status webhook and publishes
// message:status for every report that moved a message forward.
func (s *Service) HandleStatus(ctx context.Context, wh gateway.Webhook) ([]gateway.DeliveryStatus, error) {
	applied, err := s.in.ProcessStatus(ctx, wh)
	if err != nil {
		return applied, err
	}
	for _, st := range applied {
		var msg models.Message
		if err := s.sm.DB().WithContext(ctx).First(&msg, "endpoint_id = ? AND external_id = ?", st.EndpointID, st.ExternalID).Error; err != nil {
			log.Printf("conversation: status for %s/%s: %v", st.EndpointID, st.ExternalID, err)
			continue
		}
		ev := events.New(events.MessageStatus, msg.ChatID)
		ev.EndpointID = st.EndpointID
		ev.To = st.Status
		ev.Payload = map[string]any{"message_id": msg.ID, "external_id": st.ExternalID}
		if st.ErrorCode != "" {
			ev.Payload["error_code"] = st.ErrorCode
		}
		s.sm.Publish(ev)
	}
	return applied, nil
}

// SendAgentMessage sends text from the agent who owns the chat.
func (s *Service) SendAgentMessage(ctx context.Context, chatID, agentID, text string) (*models.Message, error) {
	chat, err := s.owned(ctx, chatID, agentID)
	if err != nil {
		return nil, err
	}
	return s.send(ctx, chat, models.SenderAgent, agentID, text, nil)
}

// SendAgentMedia sends an attachment from the agent who owns the chat.
func (s *Service) SendAgentMedia(ctx context.Context, chatID, agentID string, media gateway.Media, caption string) (*models.Message, error) {
	chat, err := s.owned(ctx, chatID, agentID)
	if err != nil {
		return nil, err
	}
	return s.send(ctx, chat, models.SenderAgent, agentID, caption, &media)
}

// SendSystem sends an automated notice to the chat's contact.
func (s *Service) SendSystem(ctx context.Context, chat *models.Chat, text string) error {
	_, err := s.send(ctx, chat, models.SenderSystem, "", text, nil)
	return err
}

func (s *Service) owned(ctx context.Context, chatID, agentID string) (*models.Chat, error) {
	chat, err := s.sm.Get(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if agentID == "" || chat.Agent() != agentID || !chatstate.AgentOwned(chat.Status) {
		return nil, fmt.Errorf("conversation: agent %s does not own chat %s: %w", agentID, chatID, errs.ErrForbidden)
	}
	return chat, nil
}

func (s *Service) send(ctx context.Context, chat *models.Chat, sender, agentID, text string, media *gateway.Media) (*models.Message, error) {
	var res *gateway.SendResult
	var err error
	kind := gateway.KindText
	if media != nil {
		kind = media.Kind
		if kind == "" {
			kind = gateway.KindForMime(media.MimeType)
		}
		res, err = s.out.SendMedia(ctx, chat.ChannelID, chat.ContactAddress, *media, text)
	} else {
		res, err = s.out.SendText(ctx, chat.ChannelID, chat.ContactAddress, text)
	}
	if err != nil {
		return nil, err
	}

	now := s.sm.Now()
	msg := models.Message{
		ID:             uuid.NewString(),
		ChatID:         chat.ID,
		EndpointID:     chat.ChannelID,
		ExternalID:     models.StrPtr(res.ExternalID),
		Direction:      models.DirectionOutbound,
		SenderType:     sender,
		AgentID:        models.StrPtr(agentID),
		Kind:           kind,
		Body:           text,
		DeliveryStatus: res.Status,
		CreatedAt:      now,
	}
	if media != nil {
		msg.MediaPath = media.Path
		msg.MediaType = media.MimeType
	}
	if err := s.sm.DB().WithContext(ctx).Create(&msg).Error; err != nil {
		return nil, fmt.Errorf("conversation: store outbound for %s: %w", chat.ID, err)
	}
	if msg.DeliveryStatus == models.DeliveryPending {
		s.out.Track(msg.ID)
	}

	if sender == models.SenderAgent {
		updated, err := s.sm.Update(ctx, chat.ID, func(_ *gorm.DB, c *models.Chat) error {
			c.LastAgentMessageAt = &now
			c.LastActivityAt = now
			c.AgentWarningSent = false
			return nil
		})
		if err != nil {
			log.Printf("conversation: record agent activity on %s: %v", chat.ID, err)
		} else {
			chat = updated
		}
	}
	s.publishMessage(chat, &msg)
	return &msg, nil
}

func (s *Service) publishMessage(chat *models.Chat, msg *models.Message) {
	ev := events.New(events.MessageNew, chat.ID)
	ev.EndpointID = chat.ChannelID
	ev.AgentID = chat.Agent()
	ev.Payload = map[string]any{
		"message_id": msg.ID,
		"direction":  msg.Direction,
		"sender":     msg.SenderType,
		"kind":       msg.Kind,
		"body":       msg.Body,
	}
	s.sm.Publish(ev)
}

// Messages returns a chat's messages, oldest first. limit <= 0 means all.
func (s *Service) Messages(ctx context.Context, chatID string, limit int) ([]models.Message, error) {
	q := s.sm.DB().WithContext(ctx).Where("chat_id = ?", chatID).Order("created_at ASC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var msgs []models.Message
	if err := q.Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("conversation: list messages for %s: %w", chatID, err)
	}
	return msgs, nil
}
