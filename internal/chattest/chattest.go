// Package chattest provides in-memory database fixtures shared by package tests.
package chattest

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/chatyard/internal/db"
	"github.com/zulandar/chatyard/internal/models"
	"gorm.io/gorm"
)

// OpenDB returns a migrated in-memory SQLite database.
func OpenDB(t testing.TB) *gorm.DB {
	t.Helper()
	gdb, err := db.ConnectSQLite(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return gdb
}

// Agent inserts an available agent with the given load.
func Agent(t testing.TB, gdb *gorm.DB, id string, current, max int) *models.Agent {
	t.Helper()
	a := &models.Agent{
		ID:                 id,
		Name:               id,
		Role:               models.RoleAgent,
		IsAgent:            true,
		State:              models.AgentAvailable,
		CurrentChatsCount:  current,
		MaxConcurrentChats: max,
	}
	if err := gdb.Create(a).Error; err != nil {
		t.Fatalf("create agent %s: %v", id, err)
	}
	return a
}

// Endpoint inserts a channel endpoint.
func Endpoint(t testing.TB, gdb *gorm.DB, id, kind, status string, creds map[string]any) *models.ChannelEndpoint {
	t.Helper()
	ep := &models.ChannelEndpoint{ID: id, Name: id, Kind: kind, ConnectionStatus: status, Credentials: creds}
	if err := gdb.Create(ep).Error; err != nil {
		t.Fatalf("create endpoint %s: %v", id, err)
	}
	return ep
}

// Chat inserts c after filling in an ID, contact, channel and timestamps
// when they are unset.
func Chat(t testing.TB, gdb *gorm.DB, c models.Chat) *models.Chat {
	t.Helper()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.ContactAddress == "" {
		c.ContactAddress = "+15550001111"
	}
	if c.ChannelID == "" {
		c.ChannelID = "wa"
	}
	if c.Status == "" {
		c.Status = models.StatusBot
	}
	if c.Status == models.StatusBot {
		c.IsBotActive = true
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if c.LastActivityAt.IsZero() {
		c.LastActivityAt = c.CreatedAt
	}
	if err := gdb.Create(&c).Error; err != nil {
		t.Fatalf("create chat: %v", err)
	}
	return &c
}

// Reload re-reads a chat.
func Reload(t testing.TB, gdb *gorm.DB, id string) *models.Chat {
	t.Helper()
	var c models.Chat
	if err := gdb.First(&c, "id = ?", id).Error; err != nil {
		t.Fatalf("reload chat %s: %v", id, err)
	}
	return &c
}

// Load returns an agent's current load counter.
func Load(t testing.TB, gdb *gorm.DB, agentID string) int {
	t.Helper()
	var a models.Agent
	if err := gdb.First(&a, "id = ?", agentID).Error; err != nil {
		t.Fatalf("load agent %s: %v", agentID, err)
	}
	return a.CurrentChatsCount
}

// AuditCount returns the number of audit rows for a chat.
func AuditCount(t testing.TB, gdb *gorm.DB, chatID string) int64 {
	t.Helper()
	var n int64
	if err := gdb.Model(&models.ChatStateTransition{}).Where("chat_id = ?", chatID).Count(&n).Error; err != nil {
		t.Fatalf("count audit rows: %v", err)
	}
	return n
}
