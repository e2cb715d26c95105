// Package assignment manages the waiting queue and hands queued chats to agents.
package assignment

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/zulandar/chatyard/internal/chatstate"
	"github.com/zulandar/chatyard/internal/directory"
	"github.com/zulandar/chatyard/internal/errs"
	"github.com/zulandar/chatyard/internal/events"
	"github.com/zulandar/chatyard/internal/models"
	"gorm.io/gorm"
)

// Service assigns queued chats.
type Service struct {
	sm         *chatstate.Machine
	dir        *directory.Directory
	autoAssign bool
}

// New returns a Service. autoAssign enables AutoAssign.
func New(sm *chatstate.Machine, dir *directory.Directory, autoAssign bool) *Service {
	return &Service{sm: sm, dir: dir, autoAssign: autoAssign}
}

// queued reports whether c waits for an agent: a BOT chat the bot handed to
// the queue, or a chat routed straight to WAITING on first contact.
func queued(c *models.Chat) bool {
	if c.AssignedAgentID != nil {
		return false
	}
	return c.Status == models.StatusWaiting || (c.Status == models.StatusBot && c.Sub() == models.SubWaitingInQueue)
}

// WaitingQueue returns queued chats, highest priority first and oldest first
// within a priority. An empty campaignID returns every campaign.
func (s *Service) WaitingQueue(ctx context.Context, campaignID string) ([]models.Chat, error) {
	q := s.sm.DB().WithContext(ctx).
		Where("assigned_agent_id IS NULL AND (status = ? OR (status = ? AND sub_status = ?))",
			models.StatusWaiting, models.StatusBot, models.SubWaitingInQueue)
	if campaignID != "" {
		q = q.Where("campaign_id = ?", campaignID)
	}
	var chats []models.Chat
	if err := q.Order("priority DESC, created_at ASC").Find(&chats).Error; err != nil {
		return nil, fmt.Errorf("assignment: waiting queue: %w", err)
	}
	return chats, nil
}

// Assign gives a queued chat to agentID. The capacity check and the chat
// transition commit together.
func (s *Service) Assign(ctx context.Context, chatID, agentID, assignedBy string) (*models.Chat, error) {
	agent, err := s.dir.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if !agent.IsAgent {
		return nil, fmt.Errorf("assignment: %s is not an agent: %w", agentID, errs.ErrNotFound)
	}
	if !agent.HasCapacity() {
		return nil, fmt.Errorf("assignment: agent %s is at capacity (%d/%d): %w",
			agentID, agent.CurrentChatsCount, agent.MaxConcurrentChats, errs.ErrCapacityExceeded)
	}

	trigger, reason := models.TriggerSupervisor, "manual assignment"
	switch assignedBy {
	case agentID:
		trigger = models.TriggerAgent
	case "", models.TriggerSystem:
		trigger, reason = models.TriggerSystem, "auto assignment"
		assignedBy = ""
	}

	res, err := s.sm.Transition(ctx, chatstate.Request{
		ChatID:      chatID,
		To:          models.StatusActive,
		SubStatus:   models.SubActive,
		Reason:      reason,
		TriggeredBy: trigger,
		AgentID:     assignedBy,
		Metadata:    map[string]any{"assigned_agent_id": agentID},
		Precondition: func(c *models.Chat) error {
			if !queued(c) {
				return fmt.Errorf("assignment: chat %s is %s/%s, not waiting in queue: %w",
					c.ID, c.Status, c.Sub(), errs.ErrInvalidState)
			}
			return nil
		},
		Mutate: func(tx *gorm.DB, c *models.Chat) error {
			if err := directory.ReserveSlot(tx, agentID); err != nil {
				return err
			}
			c.AssignedAgentID = models.StrPtr(agentID)
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return res.Chat, nil
}

// Enqueue moves a bot-handled chat into the waiting queue.
func (s *Service) Enqueue(ctx context.Context, chatID string) (*models.Chat, error) {
	res, err := s.sm.Transition(ctx, chatstate.Request{
		ChatID:      chatID,
		To:          models.StatusBot,
		SubStatus:   models.SubWaitingInQueue,
		Reason:      "contact requested an agent",
		TriggeredBy: models.TriggerBot,
		Precondition: func(c *models.Chat) error {
			if c.Status != models.StatusBot {
				return fmt.Errorf("assignment: chat %s is %s, only BOT chats can be queued: %w", c.ID, c.Status, errs.ErrInvalidState)
			}
			if c.Sub() == models.SubWaitingInQueue {
				return fmt.Errorf("assignment: chat %s is already queued: %w", c.ID, errs.ErrInvalidState)
			}
			return nil
		},
		Mutate: func(_ *gorm.DB, c *models.Chat) error {
			c.Priority = CalculatePriority(c, s.sm.Now())
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	ev := events.New(events.ChatNew, res.Chat.ID)
	ev.Seq = int64(res.Transition.ID)
	ev.EndpointID = res.Chat.ChannelID
	ev.To = res.Chat.Status
	ev.SubStatus = res.Chat.Sub()
	s.sm.Publish(ev)
	return res.Chat, nil
}

// CalculatePriority is the number of whole minutes the chat has existed.
// It never decreases as now advances.
func CalculatePriority(c *models.Chat, now time.Time) int {
	if c.CreatedAt.IsZero() || now.Before(c.CreatedAt) {
		return 0
	}
	return int(now.Sub(c.CreatedAt) / time.Minute)
}

// RefreshPriorities recomputes priority for every queued chat and returns
// how many changed.
func (s *Service) RefreshPriorities(ctx context.Context) (int, error) {
	chats, err := s.WaitingQueue(ctx, "")
	if err != nil {
		return 0, err
	}
	now := s.sm.Now()
	changed := 0
	for i := range chats {
		want := CalculatePriority(&chats[i], now)
		if want == chats[i].Priority {
			continue
		}
		_, err := s.sm.Update(ctx, chats[i].ID, func(_ *gorm.DB, c *models.Chat) error {
			if !queued(c) {
				return errs.ErrInvalidState
			}
			c.Priority = want
			return nil
		})
		if errors.Is(err, errs.ErrInvalidState) {
			continue
		}
		if err != nil {
			return changed, fmt.Errorf("assignment: refresh priority %s: %w", chats[i].ID, err)
		}
		changed++
	}
	return changed, nil
}

// AutoAssign hands the head of the queue to the least loaded available
// agent until the queue or the agents run out. Disabled unless configured.
func (s *Service) AutoAssign(ctx context.Context) (int, error) {
	if !s.autoAssign {
		return 0, nil
	}
	chats, err := s.WaitingQueue(ctx, "")
	if err != nil {
		return 0, err
	}
	assigned := 0
	for _, c := range chats {
		agents, err := s.dir.Available(ctx)
		if err != nil {
			return assigned, err
		}
		if len(agents) == 0 {
			break
		}
		if _, err := s.Assign(ctx, c.ID, agents[0].ID, models.TriggerSystem); err != nil {
			if errs.Rejection(err) {
				log.Printf("assignment: auto-assign %s to %s: %v", c.ID, agents[0].ID, err)
				continue
			}
			return assigned, err
		}
		assigned++
	}
	return assigned, nil
}
