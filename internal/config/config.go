// Package config provides YAML-based configuration loading for Chatyard.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the top-level Chatyard configuration, loaded from chatyard.yaml.
type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	HTTP       HTTPConfig       `yaml:"http"`
	Routing    RoutingConfig    `yaml:"routing"`
	Timeouts   TimeoutConfig    `yaml:"timeouts"`
	AutoClose  AutoCloseConfig  `yaml:"auto_close"`
	Assignment AssignmentConfig `yaml:"assignment"`
	Guard      GuardConfig      `yaml:"guard"`
	Bridge     BridgeConfig     `yaml:"bridge"`
	Media      MediaConfig      `yaml:"media"`
	Documents  DocumentsConfig  `yaml:"documents"`
	Notify     NotifyConfig     `yaml:"notify"`
	Relay      RelayConfig      `yaml:"relay"`
	Endpoints  []EndpointConfig `yaml:"endpoints"`
	Agents     []AgentConfig    `yaml:"agents"`

	Secrets Secrets `yaml:"-"`
}

// DatabaseConfig holds connection settings. Driver is "mysql" or "sqlite".
type DatabaseConfig struct {
	Driver   string `yaml:"driver"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Database string `yaml:"database"`
	Path     string `yaml:"path"` // sqlite file
}

// HTTPConfig configures the API server.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// RoutingConfig decides the initial status of chats created by inbound contact.
type RoutingConfig struct {
	// InitialState is "bot" (BOT/bot_active), "queue" (BOT/waiting_in_queue)
	// or "waiting" (WAITING).
	InitialState string `yaml:"initial_state"`
	CampaignID   string `yaml:"campaign_id"`
}

// TimeoutConfig holds SLA thresholds for the timeout monitor.
type TimeoutConfig struct {
	Cron               string `yaml:"cron"`
	AgentWarnMinutes   int    `yaml:"agent_warn_minutes"`
	AgentCloseHours    int    `yaml:"agent_close_hours"`
	ClientWarnMinutes  int    `yaml:"client_warn_minutes"`
	ClientCloseHours   int    `yaml:"client_close_hours"`
	ClientCloseEnabled bool   `yaml:"client_close_enabled"`
}

// AutoCloseConfig configures the inactivity reclaim worker.
type AutoCloseConfig struct {
	Cron          string `yaml:"cron"`
	InactiveHours int    `yaml:"inactive_hours"`
	BatchSize     int    `yaml:"batch_size"`
}

// AssignmentConfig configures queue maintenance.
type AssignmentConfig struct {
	PriorityCron string `yaml:"priority_cron"`
	AutoAssign   bool   `yaml:"auto_assign"`
}

// GuardConfig holds per-endpoint abuse thresholds.
type GuardConfig struct {
	MaxPerHour           int     `yaml:"max_per_hour"`
	MaxPerDay            int     `yaml:"max_per_day"`
	MaxConsecutiveErrors int     `yaml:"max_consecutive_errors"`
	MinReplyRatio        float64 `yaml:"min_reply_ratio"`
	MinSampleForRatio    int     `yaml:"min_sample_for_ratio"`
	DeliveryTimeoutSec   int     `yaml:"delivery_timeout_sec"`
}

// BridgeConfig configures the local session-bridge backend.
type BridgeConfig struct {
	SessionDir  string   `yaml:"session_dir"`
	HelperCmd   string   `yaml:"helper_cmd"`
	HelperArgs  []string `yaml:"helper_args"`
	BasePort    int      `yaml:"base_port"`
	MaxSessions int      `yaml:"max_sessions"`
}

// MediaConfig configures where downloaded inbound media is stored.
type MediaConfig struct {
	Dir string `yaml:"dir"`
}

// DocumentsConfig points at the closing-document service. Empty URL disables it.
type DocumentsConfig struct {
	URL        string `yaml:"url"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

// NotifyConfig configures supervisor notification channels.
type NotifyConfig struct {
	SlackWebhookURL   string `yaml:"slack_webhook_url"`
	DiscordWebhookID  string `yaml:"discord_webhook_id"`
	DiscordWebhookTok string `yaml:"discord_webhook_token"`
}

// RelayConfig configures the optional AMQP event relay.
type RelayConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

// EndpointConfig seeds a ChannelEndpoint row.
type EndpointConfig struct {
	ID          string            `yaml:"id"`
	Name        string            `yaml:"name"`
	Kind        string            `yaml:"kind"`
	Credentials map[string]string `yaml:"credentials"`
}

// AgentConfig seeds an Agent row.
type AgentConfig struct {
	ID                 string `yaml:"id"`
	Name               string `yaml:"name"`
	Role               string `yaml:"role"`
	MaxConcurrentChats int    `yaml:"max_concurrent_chats"`
}

// Secrets are read from the environment and never from the YAML file.
type Secrets struct {
	DatabasePassword string `env:"CHATYARD_DB_PASSWORD"`
	DocumentsToken   string `env:"CHATYARD_DOCUMENTS_TOKEN"`
	SlackWebhookURL  string `env:"CHATYARD_SLACK_WEBHOOK_URL"`
	RelayURL         string `env:"CHATYARD_RELAY_URL"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config and applies
// environment secrets.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := env.Parse(&cfg.Secrets); err != nil {
		return nil, fmt.Errorf("config: env: %w", err)
	}
	cfg.applySecrets()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applySecrets lets environment values override the matching YAML fields.
func (c *Config) applySecrets() {
	if c.Secrets.SlackWebhookURL != "" {
		c.Notify.SlackWebhookURL = c.Secrets.SlackWebhookURL
	}
	if c.Secrets.RelayURL != "" {
		c.Relay.URL = c.Secrets.RelayURL
	}
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "mysql"
	}
	if c.Database.Host == "" {
		c.Database.Host = "127.0.0.1"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 3306
	}
	if c.Database.User == "" {
		c.Database.User = "root"
	}
	if c.Database.Database == "" {
		c.Database.Database = "chatyard"
	}
	if c.Database.Path == "" {
		c.Database.Path = "chatyard.db"
	}
	if c.HTTP.Port == 0 {
		c.HTTP.Port = 8080
	}
	if c.Routing.InitialState == "" {
		c.Routing.InitialState = "bot"
	}

	if c.Timeouts.Cron == "" {
		c.Timeouts.Cron = "* * * * *"
	}
	if c.Timeouts.AgentWarnMinutes == 0 {
		c.Timeouts.AgentWarnMinutes = 30
	}
	if c.Timeouts.AgentCloseHours == 0 {
		c.Timeouts.AgentCloseHours = 24
	}
	if c.Timeouts.ClientWarnMinutes == 0 {
		c.Timeouts.ClientWarnMinutes = 60
	}
	if c.Timeouts.ClientCloseHours == 0 {
		c.Timeouts.ClientCloseHours = 24
	}

	if c.AutoClose.Cron == "" {
		c.AutoClose.Cron = "* * * * *"
	}
	if c.AutoClose.InactiveHours == 0 {
		c.AutoClose.InactiveHours = 24
	}
	if c.AutoClose.BatchSize == 0 {
		c.AutoClose.BatchSize = 50
	}
	if c.Assignment.PriorityCron == "" {
		c.Assignment.PriorityCron = "* * * * *"
	}

	if c.Guard.MaxPerHour == 0 {
		c.Guard.MaxPerHour = 200
	}
	if c.Guard.MaxPerDay == 0 {
		c.Guard.MaxPerDay = 1000
	}
	if c.Guard.MaxConsecutiveErrors == 0 {
		c.Guard.MaxConsecutiveErrors = 5
	}
	if c.Guard.MinReplyRatio == 0 {
		c.Guard.MinReplyRatio = 0.1
	}
	if c.Guard.MinSampleForRatio == 0 {
		c.Guard.MinSampleForRatio = 20
	}
	if c.Guard.DeliveryTimeoutSec == 0 {
		c.Guard.DeliveryTimeoutSec = 30
	}

	if c.Bridge.SessionDir == "" {
		c.Bridge.SessionDir = "sessions"
	}
	if c.Bridge.BasePort == 0 {
		c.Bridge.BasePort = 9400
	}
	if c.Bridge.MaxSessions == 0 {
		c.Bridge.MaxSessions = 10
	}
	if c.Media.Dir == "" {
		c.Media.Dir = "media"
	}
	if c.Documents.TimeoutSec == 0 {
		c.Documents.TimeoutSec = 30
	}
	if c.Relay.Exchange == "" {
		c.Relay.Exchange = "chatyard.events"
	}

	for i := range c.Endpoints {
		if c.Endpoints[i].Name == "" {
			c.Endpoints[i].Name = c.Endpoints[i].ID
		}
	}
	for i := range c.Agents {
		if c.Agents[i].Role == "" {
			c.Agents[i].Role = "agent"
		}
		if c.Agents[i].MaxConcurrentChats == 0 {
			c.Agents[i].MaxConcurrentChats = 5
		}
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Database.Driver {
	case "mysql", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q must be mysql or sqlite", c.Database.Driver))
	}
	switch c.Routing.InitialState {
	case "bot", "queue", "waiting":
	default:
		errs = append(errs, fmt.Sprintf("routing.initial_state %q must be bot, queue or waiting", c.Routing.InitialState))
	}
	if c.Guard.MinReplyRatio < 0 || c.Guard.MinReplyRatio > 1 {
		errs = append(errs, "guard.min_reply_ratio must be between 0 and 1")
	}
	seen := make(map[string]bool)
	for i, ep := range c.Endpoints {
		if ep.ID == "" {
			errs = append(errs, fmt.Sprintf("endpoints[%d].id is required", i))
		}
		if seen[ep.ID] {
			errs = append(errs, fmt.Sprintf("endpoints[%d].id %q is duplicated", i, ep.ID))
		}
		seen[ep.ID] = true
		switch ep.Kind {
		case "bridge", "cloud", "saas":
		default:
			errs = append(errs, fmt.Sprintf("endpoints[%d].kind %q must be bridge, cloud or saas", i, ep.Kind))
		}
	}
	for i, a := range c.Agents {
		if a.ID == "" {
			errs = append(errs, fmt.Sprintf("agents[%d].id is required", i))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// DeliveryTimeout returns the fixed confirmation window for outbound sends.
func (c *Config) DeliveryTimeout() time.Duration {
	return time.Duration(c.Guard.DeliveryTimeoutSec) * time.Second
}
