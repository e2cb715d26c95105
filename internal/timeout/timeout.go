// Package timeout watches response SLAs on agent-handled chats. The agent
// track warns and then closes unresponsive chats; the contact track only
// warns unless contact closure is explicitly enabled.
package timeout

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/zulandar/chatyard/internal/chatstate"
	"github.com/zulandar/chatyard/internal/closing"
	"github.com/zulandar/chatyard/internal/config"
	"github.com/zulandar/chatyard/internal/documents"
	"github.com/zulandar/chatyard/internal/events"
	"github.com/zulandar/chatyard/internal/models"
	"gorm.io/gorm"
)

// scanLimit bounds how many candidates one track examines per run.
const scanLimit = 500

// errStale aborts an action whose condition no longer holds under the lock.
var errStale = errors.New("timeout: condition no longer holds")

// Thresholds are the SLA windows.
type Thresholds struct {
	AgentWarn          time.Duration
	AgentClose         time.Duration
	ClientWarn         time.Duration
	ClientClose        time.Duration
	ClientCloseEnabled bool
}

// FromConfig converts the configured minutes and hours.
func FromConfig(c config.TimeoutConfig) Thresholds {
	return Thresholds{
		AgentWarn:          time.Duration(c.AgentWarnMinutes) * time.Minute,
		AgentClose:         time.Duration(c.AgentCloseHours) * time.Hour,
		ClientWarn:         time.Duration(c.ClientWarnMinutes) * time.Minute,
		ClientClose:        time.Duration(c.ClientCloseHours) * time.Hour,
		ClientCloseEnabled: c.ClientCloseEnabled,
	}
}

// Report counts what one run did.
type Report struct {
	AgentWarned  int
	AgentClosed  int
	ClientWarned int
	ClientClosed int
}

// Monitor runs both tracks.
type Monitor struct {
	sm      *chatstate.Machine
	archive *closing.Archiver
	th      Thresholds
}

// New returns a Monitor. archive may be nil.
func New(sm *chatstate.Machine, archive *closing.Archiver, th Thresholds) *Monitor {
	if archive == nil {
		archive = closing.New(nil, nil)
	}
	return &Monitor{sm: sm, archive: archive, th: th}
}

// agentUnresponsive reports whether the contact wrote last and has waited
// longer than d.
func agentUnresponsive(c *models.Chat, now time.Time, d time.Duration) bool {
	if c.Status != models.StatusActive || c.AssignedAgentID == nil || c.LastClientMessageAt == nil {
		return false
	}
	if c.LastAgentMessageAt != nil && !c.LastAgentMessageAt.Before(*c.LastClientMessageAt) {
		return false
	}
	return now.Sub(*c.LastClientMessageAt) > d
}

// contactUnresponsive reports whether the agent wrote last and the contact
// has been silent longer than d.
func contactUnresponsive(c *models.Chat, now time.Time, d time.Duration) bool {
	if c.Status != models.StatusActive || c.AssignedAgentID == nil || c.LastAgentMessageAt == nil {
		return false
	}
	if c.LastClientMessageAt != nil && !c.LastClientMessageAt.Before(*c.LastAgentMessageAt) {
		return false
	}
	return now.Sub(*c.LastAgentMessageAt) > d
}

// Run performs one scan of both tracks. Per-chat failures are logged; the
// error is only for failed scans.
func (m *Monitor) Run(ctx context.Context) (Report, error) {
	var rep Report
	if err := m.agentTrack(ctx, &rep); err != nil {
		return rep, err
	}
	if err := m.contactTrack(ctx, &rep); err != nil {
		return rep, err
	}
	return rep, nil
}

func (m *Monitor) agentTrack(ctx context.Context, rep *Report) error {
	now := m.sm.Now()
	var chats []models.Chat
	err := m.sm.DB().WithContext(ctx).
		Where("status = ? AND assigned_agent_id IS NOT NULL AND last_client_message_at IS NOT NULL AND last_client_message_at < ?",
			models.StatusActive, now.Add(-m.th.AgentWarn)).
		Where("last_agent_message_at IS NULL OR last_agent_message_at < last_client_message_at").
		Order("last_client_message_at ASC").Limit(scanLimit).Find(&chats).Error
	if err != nil {
		return fmt.Errorf("timeout: scan agent track: %w", err)
	}

	for i := range chats {
		c := &chats[i]
		switch {
		case !c.AgentWarningSent:
			if m.warnAgent(ctx, c.ID) {
				rep.AgentWarned++
			}
		case agentUnresponsive(c, now, m.th.AgentClose):
			if m.closeForAgent(ctx, c) {
				rep.AgentClosed++
			}
		}
	}
	return nil
}

func (m *Monitor) warnAgent(ctx context.Context, chatID string) bool {
	chat, err := m.sm.Update(ctx, chatID, func(_ *gorm.DB, c *models.Chat) error {
		if c.AgentWarningSent || !agentUnresponsive(c, m.sm.Now(), m.th.AgentWarn) {
			return errStale
		}
		c.AgentWarningSent = true
		return nil
	})
	if err != nil {
		if !errors.Is(err, errStale) {
			log.Printf("timeout: warn agent on %s: %v", chatID, err)
		}
		return false
	}
	ev := events.New(events.ChatAgentTimeoutWarning, chat.ID)
	ev.EndpointID = chat.ChannelID
	ev.AgentID = chat.Agent()
	ev.Payload = map[string]any{"waiting_since": chat.LastClientMessageAt}
	m.sm.Publish(ev)
	return true
}

func (m *Monitor) closeForAgent(ctx context.Context, c *models.Chat) bool {
	agentID := c.Agent()
	m.archive.Archive(ctx, c, documents.KindAgentTimeout, agentID)
	res, err := m.sm.Transition(ctx, chatstate.Request{
		ChatID:      c.ID,
		To:          models.StatusClosed,
		SubStatus:   models.SubClosedAgentTimeout,
		Reason:      "agent did not respond",
		TriggeredBy: models.TriggerSystem,
		Metadata:    map[string]any{"agent_id": agentID},
		Precondition: func(c *models.Chat) error {
			if !c.AgentWarningSent || !agentUnresponsive(c, m.sm.Now(), m.th.AgentClose) {
				return errStale
			}
			return nil
		},
	})
	if err != nil {
		if !errors.Is(err, errStale) {
			log.Printf("timeout: close %s for agent timeout: %v", c.ID, err)
		}
		return false
	}
	ev := events.New(events.ChatAgentTimeoutClosed, res.Chat.ID)
	ev.Seq = int64(res.Transition.ID)
	ev.EndpointID = res.Chat.ChannelID
	ev.PreviousAgentID = res.ReleasedAgentID
	m.sm.Publish(ev)
	return true
}

func (m *Monitor) contactTrack(ctx context.Context, rep *Report) error {
	now := m.sm.Now()
	var chats []models.Chat
	err := m.sm.DB().WithContext(ctx).
		Where("status = ? AND assigned_agent_id IS NOT NULL AND last_agent_message_at IS NOT NULL AND last_agent_message_at < ?",
			models.StatusActive, now.Add(-m.th.ClientWarn)).
		Where("last_client_message_at IS NULL OR last_client_message_at < last_agent_message_at").
		Order("last_agent_message_at ASC").Limit(scanLimit).Find(&chats).Error
	if err != nil {
		return fmt.Errorf("timeout: scan contact track: %w", err)
	}

	for i := range chats {
		c := &chats[i]
		switch {
		case !c.ClientWarningSent:
			if m.warnContact(ctx, c.ID) {
				rep.ClientWarned++
			}
		case m.th.ClientCloseEnabled && contactUnresponsive(c, now, m.th.ClientClose):
			if m.closeForContact(ctx, c) {
				rep.ClientClosed++
			}
		}
	}
	return nil
}

func (m *Monitor) warnContact(ctx context.Context, chatID string) bool {
	chat, err := m.sm.Update(ctx, chatID, func(_ *gorm.DB, c *models.Chat) error {
		if c.ClientWarningSent || !contactUnresponsive(c, m.sm.Now(), m.th.ClientWarn) {
			return errStale
		}
		c.ClientWarningSent = true
		return nil
	})
	if err != nil {
		if !errors.Is(err, errStale) {
			log.Printf("timeout: warn contact on %s: %v", chatID, err)
		}
		return false
	}
	ev := events.New(events.ChatClientTimeoutWarn, chat.ID)
	ev.EndpointID = chat.ChannelID
	ev.AgentID = chat.Agent()
	ev.Payload = map[string]any{"silent_since": chat.LastAgentMessageAt}
	m.sm.Publish(ev)
	return true
}

// closeForContact is reachable only with timeouts.client_close_enabled.
func (m *Monitor) closeForContact(ctx context.Context, c *models.Chat) bool {
	m.archive.Archive(ctx, c, documents.KindAuto, c.Agent())
	_, err := m.sm.Transition(ctx, chatstate.Request{
		ChatID:      c.ID,
		To:          models.StatusClosed,
		SubStatus:   models.SubClosedClientTimeout,
		Reason:      "contact did not respond",
		TriggeredBy: models.TriggerSystem,
		Precondition: func(c *models.Chat) error {
			if !m.th.ClientCloseEnabled || !c.ClientWarningSent || !contactUnresponsive(c, m.sm.Now(), m.th.ClientClose) {
				return errStale
			}
			return nil
		},
	})
	if err != nil {
		if !errors.Is(err, errStale) {
			log.Printf("timeout: close %s for contact timeout: %v", c.ID, err)
		}
		return false
	}
	return true
}
