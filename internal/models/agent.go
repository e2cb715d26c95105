package models

import "time"

// Agent states.
const (
	AgentAvailable = "available"
	AgentBusy      = "busy"
	AgentOffline   = "offline"
)

// Agent roles.
const (
	RoleAgent      = "agent"
	RoleSupervisor = "supervisor"
)

// Agent is a human operator. The directory of agents is owned elsewhere;
// this core only reads it and maintains CurrentChatsCount.
type Agent struct {
	ID                 string `gorm:"primaryKey;size:64"`
	Name               string `gorm:"size:128"`
	Role               string `gorm:"size:16;default:agent"`
	IsAgent            bool   `gorm:"not null"`
	State              string `gorm:"size:16;default:offline;index"`
	CurrentChatsCount  int    `gorm:"default:0"`
	MaxConcurrentChats int    `gorm:"default:5"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// HasCapacity reports whether the agent can take one more chat.
func (a *Agent) HasCapacity() bool {
	return a.CurrentChatsCount < a.MaxConcurrentChats
}
