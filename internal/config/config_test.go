package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const fullYAML = `
database:
  driver: mysql
  host: 10.0.0.5
  port: 3307
  user: chat
  database: chatyard_prod

http:
  port: 9090

routing:
  initial_state: queue
  campaign_id: spring

timeouts:
  agent_warn_minutes: 15
  agent_close_hours: 12
  client_close_enabled: false

auto_close:
  batch_size: 20

guard:
  max_per_hour: 50
  min_reply_ratio: 0.25

endpoints:
  - id: wa-main
    kind: bridge
  - id: cloud-1
    name: Cloud line
    kind: cloud
    credentials:
      access_token: secret
      phone_number_id: "12345"
      verify_token: verify-me

agents:
  - id: alice
    name: Alice
    max_concurrent_chats: 3
  - id: sam
    role: supervisor
`

const minimalYAML = `
endpoints:
  - id: sms
    kind: saas
`

func TestParse_FullConfig(t *testing.T) {
	cfg, err := Parse([]byte(fullYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Database.Host != "10.0.0.5" || cfg.Database.Port != 3307 {
		t.Errorf("Database = %+v", cfg.Database)
	}
	if cfg.Database.Database != "chatyard_prod" {
		t.Errorf("Database.Database = %q, want chatyard_prod", cfg.Database.Database)
	}
	if cfg.HTTP.Port != 9090 {
		t.Errorf("HTTP.Port = %d, want 9090", cfg.HTTP.Port)
	}
	if cfg.Routing.InitialState != "queue" {
		t.Errorf("Routing.InitialState = %q, want queue", cfg.Routing.InitialState)
	}
	if cfg.Timeouts.AgentWarnMinutes != 15 || cfg.Timeouts.AgentCloseHours != 12 {
		t.Errorf("Timeouts = %+v", cfg.Timeouts)
	}
	// Unset values still receive defaults.
	if cfg.Timeouts.ClientWarnMinutes != 60 {
		t.Errorf("ClientWarnMinutes = %d, want 60", cfg.Timeouts.ClientWarnMinutes)
	}
	if cfg.AutoClose.BatchSize != 20 {
		t.Errorf("AutoClose.BatchSize = %d, want 20", cfg.AutoClose.BatchSize)
	}
	if cfg.Guard.MaxPerHour != 50 || cfg.Guard.MinReplyRatio != 0.25 {
		t.Errorf("Guard = %+v", cfg.Guard)
	}
	if len(cfg.Endpoints) != 2 {
		t.Fatalf("Endpoints = %d, want 2", len(cfg.Endpoints))
	}
	if cfg.Endpoints[0].Name != "wa-main" {
		t.Errorf("Endpoints[0].Name = %q, want id fallback", cfg.Endpoints[0].Name)
	}
	if cfg.Endpoints[1].Credentials["verify_token"] != "verify-me" {
		t.Errorf("Endpoints[1].Credentials = %v", cfg.Endpoints[1].Credentials)
	}
	if cfg.Agents[0].MaxConcurrentChats != 3 {
		t.Errorf("Agents[0].MaxConcurrentChats = %d, want 3", cfg.Agents[0].MaxConcurrentChats)
	}
	if cfg.Agents[1].Role != "supervisor" || cfg.Agents[1].MaxConcurrentChats != 5 {
		t.Errorf("Agents[1] = %+v", cfg.Agents[1])
	}
}

func TestParse_MinimalConfig_AppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Database.Driver != "mysql" {
		t.Errorf("Database.Driver = %q, want mysql", cfg.Database.Driver)
	}
	if cfg.Database.Host != "127.0.0.1" || cfg.Database.Port != 3306 {
		t.Errorf("Database = %+v", cfg.Database)
	}
	if cfg.Routing.InitialState != "bot" {
		t.Errorf("Routing.InitialState = %q, want bot", cfg.Routing.InitialState)
	}
	if cfg.Timeouts.AgentWarnMinutes != 30 || cfg.Timeouts.AgentCloseHours != 24 {
		t.Errorf("Timeouts = %+v", cfg.Timeouts)
	}
	if cfg.Timeouts.ClientCloseEnabled {
		t.Error("ClientCloseEnabled should default to false")
	}
	if cfg.AutoClose.BatchSize != 50 || cfg.AutoClose.InactiveHours != 24 {
		t.Errorf("AutoClose = %+v", cfg.AutoClose)
	}
	if cfg.Timeouts.Cron != "* * * * *" || cfg.AutoClose.Cron != "* * * * *" {
		t.Errorf("cron defaults = %q / %q", cfg.Timeouts.Cron, cfg.AutoClose.Cron)
	}
	if cfg.DeliveryTimeout() != 30*time.Second {
		t.Errorf("DeliveryTimeout() = %s, want 30s", cfg.DeliveryTimeout())
	}
	if cfg.Bridge.MaxSessions != 10 {
		t.Errorf("Bridge.MaxSessions = %d, want 10", cfg.Bridge.MaxSessions)
	}
}

func TestParse_EnvSecretsOverride(t *testing.T) {
	t.Setenv("CHATYARD_SLACK_WEBHOOK_URL", "https://hooks.slack.test/abc")
	t.Setenv("CHATYARD_DB_PASSWORD", "hunter2")

	cfg, err := Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Notify.SlackWebhookURL != "https://hooks.slack.test/abc" {
		t.Errorf("SlackWebhookURL = %q", cfg.Notify.SlackWebhookURL)
	}
	if cfg.Secrets.DatabasePassword != "hunter2" {
		t.Errorf("DatabasePassword = %q", cfg.Secrets.DatabasePassword)
	}
}

func TestParse_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"bad driver", "database:\n  driver: postgres\n", "database.driver"},
		{"bad routing", "routing:\n  initial_state: human\n", "routing.initial_state"},
		{"bad ratio", "guard:\n  min_reply_ratio: 2\n", "min_reply_ratio"},
		{"endpoint id", "endpoints:\n  - kind: cloud\n", "endpoints[0].id is required"},
		{"endpoint kind", "endpoints:\n  - id: x\n    kind: fax\n", "endpoints[0].kind"},
		{"duplicate endpoint", "endpoints:\n  - id: x\n    kind: cloud\n  - id: x\n    kind: saas\n", "duplicated"},
		{"agent id", "agents:\n  - name: nobody\n", "agents[0].id is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want to contain %q", err.Error(), tt.want)
			}
		})
	}
}

func TestParse_MultipleValidationErrors(t *testing.T) {
	_, err := Parse([]byte("database:\n  driver: oracle\nrouting:\n  initial_state: nope\n"))
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"database.driver", "routing.initial_state"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error = %q, want to contain %q", err.Error(), want)
		}
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte("{{not yaml"))
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}
	if !strings.Contains(err.Error(), "config: parse") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "config: parse")
	}
}

func TestLoad_ValidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chatyard.yaml")
	if err := os.WriteFile(path, []byte(fullYAML), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Routing.CampaignID != "spring" {
		t.Errorf("CampaignID = %q, want spring", cfg.Routing.CampaignID)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/chatyard.yaml")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !strings.Contains(err.Error(), "config: read") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "config: read")
	}
}
