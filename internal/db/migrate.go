package db

import (
	"fmt"

	"github.com/zulandar/chatyard/internal/config"
	"github.com/zulandar/chatyard/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AllModels returns the list of all GORM models for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.Agent{},
		&models.ChannelEndpoint{},
		&models.Chat{},
		&models.ChatStateTransition{},
		&models.Message{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// SeedEndpoints upserts ChannelEndpoint rows from configuration. Connection
// status is left alone on existing rows; new stateless endpoints start
// connected and bridge endpoints start disconnected until paired.
func SeedEndpoints(db *gorm.DB, endpoints []config.EndpointConfig) error {
	for _, ec := range endpoints {
		creds := make(map[string]any, len(ec.Credentials))
		for k, v := range ec.Credentials {
			creds[k] = v
		}
		status := models.ConnConnected
		if ec.Kind == models.KindBridge {
			status = models.ConnDisconnected
		}
		ep := models.ChannelEndpoint{
			ID:               ec.ID,
			Name:             ec.Name,
			Kind:             ec.Kind,
			ConnectionStatus: status,
			Credentials:      creds,
		}

		result := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "kind", "credentials"}),
		}).Create(&ep)
		if result.Error != nil {
			return fmt.Errorf("db: seed endpoint %q: %w", ec.ID, result.Error)
		}
	}
	return nil
}

// SeedAgents upserts Agent rows from configuration. Live state and load
// counters are never overwritten.
func SeedAgents(db *gorm.DB, agents []config.AgentConfig) error {
	for _, ac := range agents {
		a := models.Agent{
			ID:                 ac.ID,
			Name:               ac.Name,
			Role:               ac.Role,
			IsAgent:            ac.Role == models.RoleAgent,
			State:              models.AgentOffline,
			MaxConcurrentChats: ac.MaxConcurrentChats,
		}
		result := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "role", "is_agent", "max_concurrent_chats"}),
		}).Create(&a)
		if result.Error != nil {
			return fmt.Errorf("db: seed agent %q: %w", ac.ID, result.Error)
		}
	}
	return nil
}
