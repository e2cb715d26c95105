package models

import "time"

// Message directions.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Message sender types.
const (
	SenderContact = "contact"
	SenderAgent   = "agent"
	SenderBot     = "bot"
	SenderSystem  = "system"
)

// Delivery statuses, in ladder order. Read and failed are terminal.
const (
	DeliveryPending   = "pending"
	DeliverySent      = "sent"
	DeliveryDelivered = "delivered"
	DeliveryRead      = "read"
	DeliveryFailed    = "failed"
)

// Message is one inbound or outbound chat message.
type Message struct {
	ID             string  `gorm:"primaryKey;size:36"`
	ChatID         string  `gorm:"size:36;not null;index"`
	EndpointID     string  `gorm:"size:64;not null;uniqueIndex:ux_endpoint_external"`
	ExternalID     *string `gorm:"size:128;uniqueIndex:ux_endpoint_external"`
	Direction      string  `gorm:"size:8;not null"`
	SenderType     string  `gorm:"size:16;not null"`
	AgentID        *string `gorm:"size:64"`
	Kind           string  `gorm:"size:16;default:text"`
	Body           string  `gorm:"type:text"`
	MediaPath      string  `gorm:"size:512"`
	MediaType      string  `gorm:"size:128"`
	DeliveryStatus string  `gorm:"size:16;index"`
	ErrorCode      string  `gorm:"size:64"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
