package timeout

import (
	"context"
	"testing"
	"time"

	"github.com/zulandar/chatyard/internal/chatstate"
	"github.com/zulandar/chatyard/internal/chattest"
	"github.com/zulandar/chatyard/internal/config"
	"github.com/zulandar/chatyard/internal/events"
	"github.com/zulandar/chatyard/internal/models"
	"gorm.io/gorm"
)

var defaults = Thresholds{
	AgentWarn:   30 * time.Minute,
	AgentClose:  24 * time.Hour,
	ClientWarn:  60 * time.Minute,
	ClientClose: 24 * time.Hour,
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func setup(t *testing.T, th Thresholds) (*Monitor, *gorm.DB, *events.Recorder, *clock) {
	t.Helper()
	db := chattest.OpenDB(t)
	bus := events.NewBus()
	rec := &events.Recorder{}
	bus.Subscribe("rec", rec)
	sm := chatstate.New(db, bus)
	clk := &clock{now: time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)}
	sm.SetClock(clk.Now)
	return New(sm, nil, th), db, rec, clk
}

func ago(now time.Time, d time.Duration) *time.Time {
	t := now.Add(-d)
	return &t
}

func TestFromConfig(t *testing.T) {
	th := FromConfig(config.TimeoutConfig{AgentWarnMinutes: 30, AgentCloseHours: 24, ClientWarnMinutes: 60, ClientCloseHours: 24})
	if th != defaults {
		t.Errorf("FromConfig = %+v, want %+v", th, defaults)
	}
}

func TestAgentTrack_WarnsThenCloses(t *testing.T) {
	m, db, rec, clk := setup(t, defaults)
	chattest.Agent(t, db, "alice", 1, 5)
	chat := chattest.Chat(t, db, models.Chat{
		Status:              models.StatusActive,
		AssignedAgentID:     models.StrPtr("alice"),
		LastClientMessageAt: ago(clk.now, 31*time.Minute),
	})

	// First tick: warning only.
	rep, err := m.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.AgentWarned != 1 || rep.AgentClosed != 0 {
		t.Errorf("report = %+v", rep)
	}
	got := chattest.Reload(t, db, chat.ID)
	if !got.AgentWarningSent || got.Status != models.StatusActive {
		t.Errorf("after warn: warned=%v status=%s", got.AgentWarningSent, got.Status)
	}
	if rec.Count(events.ChatAgentTimeoutWarning) != 1 {
		t.Errorf("events = %v", rec.Types())
	}

	// A second tick inside the close window does nothing new.
	rep, _ = m.Run(context.Background())
	if rep != (Report{}) {
		t.Errorf("second tick report = %+v, want zero", rep)
	}

	// 24 hours later, still no reply.
	clk.now = clk.now.Add(24 * time.Hour)
	rep, err = m.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.AgentClosed != 1 {
		t.Errorf("report = %+v, want one close", rep)
	}
	got = chattest.Reload(t, db, chat.ID)
	if got.Status != models.StatusClosed || got.Sub() != models.SubClosedAgentTimeout {
		t.Errorf("chat = %s/%s", got.Status, got.Sub())
	}
	if n := chattest.Load(t, db, "alice"); n != 0 {
		t.Errorf("alice load = %d, want 0", n)
	}
	var audit models.ChatStateTransition
	db.Where("chat_id = ? AND to_status = ?", chat.ID, models.StatusClosed).First(&audit)
	if audit.TriggeredBy != models.TriggerSystem {
		t.Errorf("audit triggered_by = %q, want system", audit.TriggeredBy)
	}
	if rec.Count(events.ChatAgentTimeoutClosed) != 1 {
		t.Errorf("agent-timeout-closed events = %d", rec.Count(events.ChatAgentTimeoutClosed))
	}
}

func TestAgentTrack_IgnoresAnsweredChats(t *testing.T) {
	m, db, rec, clk := setup(t, defaults)
	chattest.Chat(t, db, models.Chat{
		Status:              models.StatusActive,
		AssignedAgentID:     models.StrPtr("alice"),
		LastClientMessageAt: ago(clk.now, 2*time.Hour),
		LastAgentMessageAt:  ago(clk.now, time.Hour),
	})
	chattest.Chat(t, db, models.Chat{
		Status:              models.StatusActive,
		AssignedAgentID:     models.StrPtr("alice"),
		LastClientMessageAt: ago(clk.now, 10*time.Minute),
	})
	chattest.Chat(t, db, models.Chat{
		Status:              models.StatusBot,
		LastClientMessageAt: ago(clk.now, 2*time.Hour),
	})

	rep, err := m.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rep.AgentWarned != 0 || rec.Count(events.ChatAgentTimeoutWarning) != 0 {
		t.Errorf("report = %+v events = %v", rep, rec.Types())
	}
}

func TestContactTrack_WarnsButNeverCloses(t *testing.T) {
	m, db, rec, clk := setup(t, defaults)
	chattest.Agent(t, db, "alice", 1, 5)
	chat := chattest.Chat(t, db, models.Chat{
		Status:             models.StatusActive,
		AssignedAgentID:    models.StrPtr("alice"),
		LastAgentMessageAt: ago(clk.now, 61*time.Minute),
	})

	rep, err := m.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rep.ClientWarned != 1 {
		t.Errorf("report = %+v", rep)
	}
	if !chattest.Reload(t, db, chat.ID).ClientWarningSent {
		t.Error("ClientWarningSent should be set")
	}
	if rec.Count(events.ChatClientTimeoutWarn) != 1 {
		t.Errorf("events = %v", rec.Types())
	}

	clk.now = clk.now.Add(48 * time.Hour)
	rep, err = m.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rep.ClientClosed != 0 {
		t.Errorf("report = %+v, contact track must not close", rep)
	}
	got := chattest.Reload(t, db, chat.ID)
	if got.Status != models.StatusActive {
		t.Errorf("status = %s, want ACTIVE", got.Status)
	}
	if n := chattest.AuditCount(t, db, chat.ID); n != 0 {
		t.Errorf("audit rows = %d, want 0", n)
	}
}

func TestContactTrack_ClosesOnlyWhenEnabled(t *testing.T) {
	th := defaults
	th.ClientCloseEnabled = true
	m, db, _, clk := setup(t, th)
	chattest.Agent(t, db, "alice", 1, 5)
	chat := chattest.Chat(t, db, models.Chat{
		Status:             models.StatusActive,
		AssignedAgentID:    models.StrPtr("alice"),
		LastAgentMessageAt: ago(clk.now, 25*time.Hour),
		ClientWarningSent:  true,
	})

	rep, err := m.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rep.ClientClosed != 1 {
		t.Errorf("report = %+v", rep)
	}
	got := chattest.Reload(t, db, chat.ID)
	if got.Status != models.StatusClosed || got.Sub() != models.SubClosedClientTimeout {
		t.Errorf("chat = %s/%s", got.Status, got.Sub())
	}
}

func TestContactTrack_OnlyAssignedActiveChats(t *testing.T) {
	th := defaults
	th.ClientCloseEnabled = true
	m, db, rec, clk := setup(t, th)
	chattest.Agent(t, db, "alice", 1, 5)
	pending := chattest.Chat(t, db, models.Chat{
		Status:             models.StatusPending,
		AssignedAgentID:    models.StrPtr("alice"),
		LastAgentMessageAt: ago(clk.now, 25*time.Hour),
		ClientWarningSent:  true,
	})
	unassigned := chattest.Chat(t, db, models.Chat{
		Status:             models.StatusActive,
		LastAgentMessageAt: ago(clk.now, 2*time.Hour),
	})

	rep, err := m.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rep.ClientWarned != 0 || rep.ClientClosed != 0 {
		t.Errorf("report = %+v, want no contact-track actions", rep)
	}
	if got := chattest.Reload(t, db, pending.ID); got.Status != models.StatusPending {
		t.Errorf("pending chat status = %s, want PENDING", got.Status)
	}
	if chattest.Reload(t, db, unassigned.ID).ClientWarningSent {
		t.Error("unassigned chat should not be warned")
	}
	if rec.Count(events.ChatClientTimeoutWarn) != 0 {
		t.Errorf("events = %v", rec.Types())
	}
}

func TestUnresponsivePredicates(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name        string
		chat        models.Chat
		wantAgent   bool
		wantContact bool
	}{
		{
			name:      "contact waiting",
			chat:      models.Chat{Status: models.StatusActive, AssignedAgentID: models.StrPtr("a"), LastClientMessageAt: ago(now, time.Hour)},
			wantAgent: true,
		},
		{
			name:        "agent waiting",
			chat:        models.Chat{Status: models.StatusActive, AssignedAgentID: models.StrPtr("a"), LastAgentMessageAt: ago(now, 2*time.Hour)},
			wantContact: true,
		},
		{
			name: "both recent",
			chat: models.Chat{Status: models.StatusActive, AssignedAgentID: models.StrPtr("a"), LastClientMessageAt: ago(now, time.Minute), LastAgentMessageAt: ago(now, 2*time.Minute)},
		},
		{
			name: "no agent",
			chat: models.Chat{Status: models.StatusActive, LastClientMessageAt: ago(now, time.Hour)},
		},
		{
			name: "agent waiting without assignment",
			chat: models.Chat{Status: models.StatusActive, LastAgentMessageAt: ago(now, 2*time.Hour)},
		},
		{
			name: "pending chat",
			chat: models.Chat{Status: models.StatusPending, AssignedAgentID: models.StrPtr("a"), LastAgentMessageAt: ago(now, 2*time.Hour)},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := agentUnresponsive(&tt.chat, now, 30*time.Minute); got != tt.wantAgent {
				t.Errorf("agentUnresponsive = %v, want %v", got, tt.wantAgent)
			}
			if got := contactUnresponsive(&tt.chat, now, 60*time.Minute); got != tt.wantContact {
				t.Errorf("contactUnresponsive = %v, want %v", got, tt.wantContact)
			}
		})
	}
}
