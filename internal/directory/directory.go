// Package directory reads the agent directory and maintains per-agent load
// counters. Agents themselves are managed outside this system.
package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/zulandar/chatyard/internal/errs"
	"github.com/zulandar/chatyard/internal/events"
	"github.com/zulandar/chatyard/internal/models"
	"gorm.io/gorm"
)

// Directory looks up agents.
type Directory struct {
	db  *gorm.DB
	pub events.Publisher
}

// New returns a Directory backed by db. pub may be nil.
func New(db *gorm.DB, pub events.Publisher) *Directory {
	return &Directory{db: db, pub: pub}
}

// Get returns the agent with the given ID.
func (d *Directory) Get(ctx context.Context, id string) (*models.Agent, error) {
	return Get(d.db.WithContext(ctx), id)
}

// Get loads an agent through db, which may be a transaction.
func Get(db *gorm.DB, id string) (*models.Agent, error) {
	var a models.Agent
	if err := db.First(&a, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("directory: agent %s: %w", id, errs.ErrNotFound)
		}
		return nil, fmt.Errorf("directory: get agent %s: %w", id, err)
	}
	return &a, nil
}

// Available returns agents that can take a chat right now, least loaded first.
func (d *Directory) Available(ctx context.Context) ([]models.Agent, error) {
	var agents []models.Agent
	err := d.db.WithContext(ctx).
		Where("is_agent = ? AND state = ? AND current_chats_count < max_concurrent_chats", true, models.AgentAvailable).
		Order("current_chats_count ASC, id ASC").
		Find(&agents).Error
	if err != nil {
		return nil, fmt.Errorf("directory: available agents: %w", err)
	}
	return agents, nil
}

// List returns all agents ordered by ID.
func (d *Directory) List(ctx context.Context) ([]models.Agent, error) {
	var agents []models.Agent
	if err := d.db.WithContext(ctx).Order("id ASC").Find(&agents).Error; err != nil {
		return nil, fmt.Errorf("directory: list agents: %w", err)
	}
	return agents, nil
}

// Supervisors returns agents with the supervisor role.
func (d *Directory) Supervisors(ctx context.Context) ([]models.Agent, error) {
	var agents []models.Agent
	if err := d.db.WithContext(ctx).Where("role = ?", models.RoleSupervisor).Order("id ASC").Find(&agents).Error; err != nil {
		return nil, fmt.Errorf("directory: supervisors: %w", err)
	}
	return agents, nil
}

// SetState changes an agent's availability and publishes agent:state-changed.
func (d *Directory) SetState(ctx context.Context, id, state string) error {
	switch state {
	case models.AgentAvailable, models.AgentBusy, models.AgentOffline:
	default:
		return fmt.Errorf("directory: unknown agent state %q: %w", state, errs.ErrInvalidState)
	}
	a, err := d.Get(ctx, id)
	if err != nil {
		return err
	}
	if a.State == state {
		return nil
	}
	if err := d.db.WithContext(ctx).Model(&models.Agent{}).Where("id = ?", id).Update("state", state).Error; err != nil {
		return fmt.Errorf("directory: set state %s: %w", id, err)
	}
	if d.pub != nil {
		ev := events.New(events.AgentStateChanged, "")
		ev.AgentID = id
		ev.From = a.State
		ev.To = state
		d.pub.Publish(ev)
	}
	return nil
}

// ReserveSlot increments the agent's load counter only if it is below the
// agent's maximum. tx should be the caller's transaction.
func ReserveSlot(tx *gorm.DB, agentID string) error {
	result := tx.Model(&models.Agent{}).
		Where("id = ? AND current_chats_count < max_concurrent_chats", agentID).
		UpdateColumn("current_chats_count", gorm.Expr("current_chats_count + 1"))
	if result.Error != nil {
		return fmt.Errorf("directory: reserve slot %s: %w", agentID, result.Error)
	}
	if result.RowsAffected == 0 {
		a, err := Get(tx, agentID)
		if err != nil {
			return err
		}
		return fmt.Errorf("directory: agent %s is at capacity (%d/%d): %w",
			agentID, a.CurrentChatsCount, a.MaxConcurrentChats, errs.ErrCapacityExceeded)
	}
	return nil
}

// RestoreSlot gives back a slot the agent held before a failed handoff. It
// skips the capacity check because the chat never stopped counting as theirs.
func RestoreSlot(tx *gorm.DB, agentID string) error {
	result := tx.Model(&models.Agent{}).Where("id = ?", agentID).
		UpdateColumn("current_chats_count", gorm.Expr("current_chats_count + 1"))
	if result.Error != nil {
		return fmt.Errorf("directory: restore slot %s: %w", agentID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("directory: agent %s: %w", agentID, errs.ErrNotFound)
	}
	return nil
}

// ReleaseSlot decrements the agent's load counter, never below zero.
func ReleaseSlot(tx *gorm.DB, agentID string) error {
	result := tx.Model(&models.Agent{}).
		Where("id = ? AND current_chats_count > 0", agentID).
		UpdateColumn("current_chats_count", gorm.Expr("current_chats_count - 1"))
	if result.Error != nil {
		return fmt.Errorf("directory: release slot %s: %w", agentID, result.Error)
	}
	return nil
}
