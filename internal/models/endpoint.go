package models

import (
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// Provider kinds.
const (
	KindBridge = "bridge"
	KindCloud  = "cloud"
	KindSaaS   = "saas"
)

// Endpoint connection statuses.
const (
	ConnConnected       = "connected"
	ConnConnecting      = "connecting"
	ConnDisconnected    = "disconnected"
	ConnAwaitingPairing = "awaiting_pairing"
	ConnError           = "error"
)

// ChannelEndpoint is a provider-backed send/receive identity.
type ChannelEndpoint struct {
	ID               string `gorm:"primaryKey;size:64"`
	Name             string `gorm:"size:128"`
	Kind             string `gorm:"size:16;not null"`
	ConnectionStatus string `gorm:"size:24;default:disconnected"`
	Credentials      datatypes.JSONMap
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Credential returns a credential value as a string, or "" if absent.
func (e *ChannelEndpoint) Credential(key string) string {
	if e.Credentials == nil {
		return ""
	}
	v, ok := e.Credentials[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
