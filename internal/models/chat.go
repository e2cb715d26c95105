package models

import (
	"time"

	"gorm.io/datatypes"
)

// Coarse chat statuses.
const (
	StatusWaiting  = "WAITING"
	StatusBot      = "BOT"
	StatusActive   = "ACTIVE"
	StatusPending  = "PENDING"
	StatusResolved = "RESOLVED"
	StatusClosed   = "CLOSED"
)

// Sub-status tags. These are free-form phase markers and are not checked
// against the transition matrix.
const (
	SubBotActive           = "bot_active"
	SubWaitingInQueue      = "waiting_in_queue"
	SubActive              = "active"
	SubTransferring        = "transferring"
	SubClosedAgentTimeout  = "closed_agent_timeout"
	SubClosedClientTimeout = "closed_client_timeout"
	SubClosedAuto          = "closed_auto"
	SubClosedManual        = "closed_manual"
)

// Who triggered a transition.
const (
	TriggerSystem     = "system"
	TriggerAgent      = "agent"
	TriggerSupervisor = "supervisor"
	TriggerBot        = "bot"
	TriggerContact    = "contact"
)

// Chat is one conversation with a single external contact on one endpoint.
type Chat struct {
	ID                  string  `gorm:"primaryKey;size:36"`
	ExternalID          string  `gorm:"size:128"`
	ContactAddress      string  `gorm:"size:128;not null;index:idx_chat_contact"`
	ContactName         string  `gorm:"size:128"`
	Status              string  `gorm:"size:16;not null;index"`
	SubStatus           *string `gorm:"size:64"`
	AssignedAgentID     *string `gorm:"size:64;index"`
	CampaignID          string  `gorm:"size:64;index"`
	ChannelID           string  `gorm:"size:64;not null;index:idx_chat_contact"`
	AssignedAt          *time.Time
	ResolvedAt          *time.Time
	ClosedAt            *time.Time
	LastClientMessageAt *time.Time
	LastAgentMessageAt  *time.Time
	LastActivityAt      time.Time `gorm:"index"`
	IsBotActive         bool      `gorm:"default:false"`
	AgentWarningSent    bool      `gorm:"default:false"`
	ClientWarningSent   bool      `gorm:"default:false"`
	TransferCount       int       `gorm:"default:0"`
	BotRestartCount     int       `gorm:"default:0"`
	Priority            int       `gorm:"default:0"`
	AutomationContext   datatypes.JSONMap
	CreatedAt           time.Time `gorm:"index"`
	UpdatedAt           time.Time

	Transitions []ChatStateTransition `gorm:"foreignKey:ChatID"`
}

// Sub returns the sub-status or "" when unset.
func (c *Chat) Sub() string {
	if c.SubStatus == nil {
		return ""
	}
	return *c.SubStatus
}

// Agent returns the assigned agent ID or "" when unassigned.
func (c *Chat) Agent() string {
	if c.AssignedAgentID == nil {
		return ""
	}
	return *c.AssignedAgentID
}

// ChatStateTransition is the append-only audit record of one successful transition.
type ChatStateTransition struct {
	ID            uint    `gorm:"primaryKey;autoIncrement"`
	ChatID        string  `gorm:"size:36;not null;index"`
	FromStatus    string  `gorm:"size:16;not null"`
	ToStatus      string  `gorm:"size:16;not null"`
	FromSubStatus *string `gorm:"size:64"`
	ToSubStatus   *string `gorm:"size:64"`
	Reason        string  `gorm:"type:text"`
	TriggeredBy   string  `gorm:"size:16;not null"`
	AgentID       *string `gorm:"size:64"`
	Metadata      datatypes.JSONMap
	CreatedAt     time.Time
}

// StrPtr returns nil for "" and a pointer to s otherwise.
func StrPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
