package chatstate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/chatyard/internal/chattest"
	"github.com/zulandar/chatyard/internal/errs"
	"github.com/zulandar/chatyard/internal/events"
	"github.com/zulandar/chatyard/internal/models"
	"gorm.io/gorm"
)

func newTestMachine(t *testing.T) (*Machine, *gorm.DB, *events.Recorder) {
	t.Helper()
	db := chattest.OpenDB(t)
	bus := events.NewBus()
	rec := &events.Recorder{}
	bus.Subscribe("rec", rec)
	return New(db, bus), db, rec
}

func TestCanTransition_Matrix(t *testing.T) {
	all := []string{
		models.StatusWaiting, models.StatusBot, models.StatusActive,
		models.StatusPending, models.StatusResolved, models.StatusClosed,
	}
	want := map[string][]string{
		models.StatusWaiting:  {models.StatusWaiting, models.StatusActive, models.StatusBot, models.StatusClosed},
		models.StatusBot:      {models.StatusBot, models.StatusActive, models.StatusWaiting, models.StatusClosed},
		models.StatusActive:   {models.StatusActive, models.StatusPending, models.StatusResolved, models.StatusClosed, models.StatusBot},
		models.StatusPending:  {models.StatusPending, models.StatusActive, models.StatusClosed},
		models.StatusResolved: {models.StatusResolved, models.StatusActive, models.StatusClosed},
		models.StatusClosed:   {},
	}
	for _, from := range all {
		ok := make(map[string]bool)
		for _, to := range want[from] {
			ok[to] = true
		}
		for _, to := range all {
			if got := CanTransition(from, to); got != ok[to] {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, ok[to])
			}
		}
	}
}

func TestTargets(t *testing.T) {
	got := Targets(models.StatusPending)
	if len(got) != 2 || got[0] != models.StatusActive || got[1] != models.StatusClosed {
		t.Errorf("Targets(PENDING) = %v", got)
	}
	if len(Targets(models.StatusClosed)) != 0 {
		t.Error("CLOSED should have no targets")
	}
}

func TestTransition_RejectedMovesLeaveChatUntouched(t *testing.T) {
	m, db, rec := newTestMachine(t)
	ctx := context.Background()

	tests := []struct {
		from string
		to   string
	}{
		{models.StatusWaiting, models.StatusPending},
		{models.StatusWaiting, models.StatusResolved},
		{models.StatusBot, models.StatusPending},
		{models.StatusPending, models.StatusBot},
		{models.StatusResolved, models.StatusPending},
		{models.StatusClosed, models.StatusActive},
		{models.StatusClosed, models.StatusClosed},
	}
	for _, tt := range tests {
		t.Run(tt.from+"->"+tt.to, func(t *testing.T) {
			rec.Reset()
			chat := chattest.Chat(t, db, models.Chat{Status: tt.from, SubStatus: models.StrPtr("before")})

			_, err := m.Transition(ctx, Request{ChatID: chat.ID, To: tt.to, SubStatus: "after"})
			if !errors.Is(err, errs.ErrInvalidTransition) {
				t.Fatalf("err = %v, want ErrInvalidTransition", err)
			}
			got := chattest.Reload(t, db, chat.ID)
			if got.Status != tt.from || got.Sub() != "before" {
				t.Errorf("chat mutated: %s/%s", got.Status, got.Sub())
			}
			if n := chattest.AuditCount(t, db, chat.ID); n != 0 {
				t.Errorf("audit rows = %d, want 0", n)
			}
			if len(rec.Events()) != 0 {
				t.Errorf("events published on rejection: %v", rec.Types())
			}
		})
	}
}

func TestTransition_UnknownChat(t *testing.T) {
	m, _, _ := newTestMachine(t)
	_, err := m.Transition(context.Background(), Request{ChatID: "nope", To: models.StatusClosed})
	if !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestTransition_UnknownStatus(t *testing.T) {
	m, db, _ := newTestMachine(t)
	chat := chattest.Chat(t, db, models.Chat{})
	_, err := m.Transition(context.Background(), Request{ChatID: chat.ID, To: "ARCHIVED"})
	if !errors.Is(err, errs.ErrInvalidTransition) {
		t.Errorf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestTransition_ToActiveStampsAssignedAtAndClearsBot(t *testing.T) {
	m, db, rec := newTestMachine(t)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return fixed })
	chat := chattest.Chat(t, db, models.Chat{Status: models.StatusBot, SubStatus: models.StrPtr(models.SubWaitingInQueue)})

	res, err := m.Transition(context.Background(), Request{
		ChatID:      chat.ID,
		To:          models.StatusActive,
		SubStatus:   models.SubActive,
		Reason:      "manual assignment",
		TriggeredBy: models.TriggerSupervisor,
		AgentID:     "sam",
		Metadata:    map[string]any{"source": "test"},
		Mutate: func(tx *gorm.DB, c *models.Chat) error {
			c.AssignedAgentID = models.StrPtr("alice")
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}

	got := chattest.Reload(t, db, chat.ID)
	if got.Status != models.StatusActive || got.Sub() != models.SubActive {
		t.Errorf("status = %s/%s", got.Status, got.Sub())
	}
	if got.IsBotActive {
		t.Error("IsBotActive should be false in ACTIVE")
	}
	if got.AssignedAt == nil || !got.AssignedAt.Equal(fixed) {
		t.Errorf("AssignedAt = %v, want %v", got.AssignedAt, fixed)
	}
	if got.Agent() != "alice" {
		t.Errorf("AssignedAgentID = %q, want alice", got.Agent())
	}

	hist, err := m.History(context.Background(), chat.ID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 1 {
		t.Fatalf("history = %d rows, want 1", len(hist))
	}
	h := hist[0]
	if h.FromStatus != models.StatusBot || h.ToStatus != models.StatusActive {
		t.Errorf("audit = %s -> %s", h.FromStatus, h.ToStatus)
	}
	if h.FromSubStatus == nil || *h.FromSubStatus != models.SubWaitingInQueue {
		t.Errorf("audit FromSubStatus = %v", h.FromSubStatus)
	}
	if h.TriggeredBy != models.TriggerSupervisor || h.AgentID == nil || *h.AgentID != "sam" {
		t.Errorf("audit actor = %s/%v", h.TriggeredBy, h.AgentID)
	}
	if h.Metadata["source"] != "test" {
		t.Errorf("audit metadata = %v", h.Metadata)
	}
	if res.Transition.ID != h.ID {
		t.Errorf("result transition id = %d, want %d", res.Transition.ID, h.ID)
	}

	if rec.Count(events.ChatStateChanged) != 1 || rec.Count(events.ChatAssigned) != 1 {
		t.Errorf("events = %v", rec.Types())
	}
	for _, ev := range rec.Events() {
		if ev.Type == events.ChatAssigned && ev.AgentID != "alice" {
			t.Errorf("chat:assigned AgentID = %q", ev.AgentID)
		}
	}
}

func TestTransition_AssignedAtKeptOnReentry(t *testing.T) {
	m, db, _ := newTestMachine(t)
	first := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	chat := chattest.Chat(t, db, models.Chat{
		Status:          models.StatusPending,
		AssignedAgentID: models.StrPtr("alice"),
		AssignedAt:      &first,
	})

	if _, err := m.Transition(context.Background(), Request{ChatID: chat.ID, To: models.StatusActive}); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	got := chattest.Reload(t, db, chat.ID)
	if got.AssignedAt == nil || !got.AssignedAt.Equal(first) {
		t.Errorf("AssignedAt = %v, want %v", got.AssignedAt, first)
	}
}

func TestTransition_CloseReleasesAgentSlot(t *testing.T) {
	m, db, rec := newTestMachine(t)
	chattest.Agent(t, db, "alice", 2, 5)
	chat := chattest.Chat(t, db, models.Chat{Status: models.StatusActive, AssignedAgentID: models.StrPtr("alice")})

	res, err := m.Transition(context.Background(), Request{
		ChatID:    chat.ID,
		To:        models.StatusClosed,
		SubStatus: models.SubClosedManual,
	})
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if res.ReleasedAgentID != "alice" {
		t.Errorf("ReleasedAgentID = %q", res.ReleasedAgentID)
	}
	got := chattest.Reload(t, db, chat.ID)
	if got.ClosedAt == nil || got.AssignedAgentID != nil || got.IsBotActive {
		t.Errorf("closed chat = %+v", got)
	}
	if load := chattest.Load(t, db, "alice"); load != 1 {
		t.Errorf("alice load = %d, want 1", load)
	}
	if rec.Count(events.ChatClosed) != 1 || rec.Count(events.ChatUnassigned) != 1 {
		t.Errorf("events = %v", rec.Types())
	}
}

func TestTransition_ReleaseNeverGoesNegative(t *testing.T) {
	m, db, _ := newTestMachine(t)
	chattest.Agent(t, db, "alice", 0, 5)
	chat := chattest.Chat(t, db, models.Chat{Status: models.StatusActive, AssignedAgentID: models.StrPtr("alice")})

	if _, err := m.Transition(context.Background(), Request{ChatID: chat.ID, To: models.StatusBot}); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if load := chattest.Load(t, db, "alice"); load != 0 {
		t.Errorf("alice load = %d, want 0", load)
	}
}

func TestTransition_ActiveToBotPublishesReturned(t *testing.T) {
	m, db, rec := newTestMachine(t)
	chattest.Agent(t, db, "alice", 1, 5)
	chat := chattest.Chat(t, db, models.Chat{Status: models.StatusActive, AssignedAgentID: models.StrPtr("alice")})

	if _, err := m.Transition(context.Background(), Request{ChatID: chat.ID, To: models.StatusBot, SubStatus: models.SubBotActive}); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	got := chattest.Reload(t, db, chat.ID)
	if !got.IsBotActive || got.AssignedAgentID != nil {
		t.Errorf("bot chat = active %v agent %v", got.IsBotActive, got.AssignedAgentID)
	}
	if rec.Count(events.ChatReturnedToBot) != 1 {
		t.Errorf("events = %v", rec.Types())
	}
}

func TestTransition_ResolvedStampsResolvedAt(t *testing.T) {
	m, db, _ := newTestMachine(t)
	chat := chattest.Chat(t, db, models.Chat{Status: models.StatusActive, AssignedAgentID: models.StrPtr("alice")})

	if _, err := m.Transition(context.Background(), Request{ChatID: chat.ID, To: models.StatusResolved}); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	got := chattest.Reload(t, db, chat.ID)
	if got.ResolvedAt == nil {
		t.Error("ResolvedAt not set")
	}
	if got.Agent() != "alice" {
		t.Error("RESOLVED keeps the agent")
	}
}

func TestTransition_SameStatusSubStatusOnly(t *testing.T) {
	m, db, rec := newTestMachine(t)
	chat := chattest.Chat(t, db, models.Chat{Status: models.StatusActive, SubStatus: models.StrPtr(models.SubActive), AssignedAgentID: models.StrPtr("alice")})

	if _, err := m.Transition(context.Background(), Request{ChatID: chat.ID, To: models.StatusActive, SubStatus: models.SubTransferring}); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	got := chattest.Reload(t, db, chat.ID)
	if got.Sub() != models.SubTransferring {
		t.Errorf("sub = %q", got.Sub())
	}
	if rec.Count(events.ChatAssigned) != 0 {
		t.Error("ACTIVE -> ACTIVE must not publish chat:assigned")
	}
	if n := chattest.AuditCount(t, db, chat.ID); n != 1 {
		t.Errorf("audit rows = %d, want 1", n)
	}
}

func TestTransition_EventsCarryAuditSeq(t *testing.T) {
	m, db, rec := newTestMachine(t)
	chattest.Agent(t, db, "alice", 1, 5)
	chat := chattest.Chat(t, db, models.Chat{Status: models.StatusActive, SubStatus: models.StrPtr(models.SubActive), AssignedAgentID: models.StrPtr("alice")})

	first, err := m.Transition(context.Background(), Request{ChatID: chat.ID, To: models.StatusPending, SubStatus: models.SubActive})
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	second, err := m.Transition(context.Background(), Request{ChatID: chat.ID, To: models.StatusClosed, SubStatus: models.SubClosedAuto})
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if second.Transition.ID <= first.Transition.ID {
		t.Fatalf("audit ids %d then %d, want increasing", first.Transition.ID, second.Transition.ID)
	}
	for _, ev := range rec.Events() {
		want := int64(first.Transition.ID)
		if ev.To == models.StatusClosed {
			want = int64(second.Transition.ID)
		}
		if ev.Seq != want {
			t.Errorf("%s (to %s) seq = %d, want %d", ev.Type, ev.To, ev.Seq, want)
		}
	}
}

func TestTransition_PreconditionAborts(t *testing.T) {
	m, db, _ := newTestMachine(t)
	chat := chattest.Chat(t, db, models.Chat{Status: models.StatusActive})
	stale := errors.New("stale")

	_, err := m.Transition(context.Background(), Request{
		ChatID:       chat.ID,
		To:           models.StatusClosed,
		Precondition: func(*models.Chat) error { return stale },
	})
	if !errors.Is(err, stale) {
		t.Fatalf("err = %v, want precondition error", err)
	}
	if got := chattest.Reload(t, db, chat.ID); got.Status != models.StatusActive {
		t.Errorf("status = %s", got.Status)
	}
}

func TestTransition_MutateErrorRollsBack(t *testing.T) {
	m, db, _ := newTestMachine(t)
	chattest.Agent(t, db, "alice", 1, 5)
	chat := chattest.Chat(t, db, models.Chat{Status: models.StatusActive, AssignedAgentID: models.StrPtr("alice")})

	_, err := m.Transition(context.Background(), Request{
		ChatID: chat.ID,
		To:     models.StatusClosed,
		Mutate: func(*gorm.DB, *models.Chat) error { return errors.New("boom") },
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if got := chattest.Reload(t, db, chat.ID); got.Status != models.StatusActive || got.Agent() != "alice" {
		t.Errorf("chat = %s agent %q", got.Status, got.Agent())
	}
	if load := chattest.Load(t, db, "alice"); load != 1 {
		t.Errorf("slot release not rolled back: load = %d", load)
	}
	if n := chattest.AuditCount(t, db, chat.ID); n != 0 {
		t.Errorf("audit rows = %d, want 0", n)
	}
}

func TestTransition_ConcurrentCloseSerializes(t *testing.T) {
	m, db, rec := newTestMachine(t)
	chattest.Agent(t, db, "alice", 1, 5)
	chat := chattest.Chat(t, db, models.Chat{Status: models.StatusActive, AssignedAgentID: models.StrPtr("alice")})

	const workers = 8
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Transition(context.Background(), Request{
				ChatID:    chat.ID,
				To:        models.StatusClosed,
				SubStatus: models.SubClosedAgentTimeout,
			})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var ok, rejected int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, errs.ErrInvalidTransition):
			rejected++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 || rejected != workers-1 {
		t.Errorf("ok=%d rejected=%d, want 1/%d", ok, rejected, workers-1)
	}
	if n := chattest.AuditCount(t, db, chat.ID); n != 1 {
		t.Errorf("audit rows = %d, want 1", n)
	}
	if load := chattest.Load(t, db, "alice"); load != 0 {
		t.Errorf("alice load = %d, want 0", load)
	}
	if rec.Count(events.ChatClosed) != 1 {
		t.Errorf("chat:closed published %d times", rec.Count(events.ChatClosed))
	}
}

func TestUpdate_AppliesWithoutAudit(t *testing.T) {
	m, db, _ := newTestMachine(t)
	chat := chattest.Chat(t, db, models.Chat{Status: models.StatusActive})

	got, err := m.Update(context.Background(), chat.ID, func(_ *gorm.DB, c *models.Chat) error {
		c.AgentWarningSent = true
		c.Priority = 7
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !got.AgentWarningSent || got.Priority != 7 {
		t.Errorf("returned chat = %+v", got)
	}
	reloaded := chattest.Reload(t, db, chat.ID)
	if !reloaded.AgentWarningSent || reloaded.Priority != 7 {
		t.Errorf("persisted chat = %+v", reloaded)
	}
	if n := chattest.AuditCount(t, db, chat.ID); n != 0 {
		t.Errorf("audit rows = %d, want 0", n)
	}
}

func TestUpdate_CannotChangeStatus(t *testing.T) {
	m, db, _ := newTestMachine(t)
	chat := chattest.Chat(t, db, models.Chat{Status: models.StatusActive})

	_, err := m.Update(context.Background(), chat.ID, func(_ *gorm.DB, c *models.Chat) error {
		c.Status = models.StatusClosed
		return nil
	})
	if !errors.Is(err, errs.ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
	if got := chattest.Reload(t, db, chat.ID); got.Status != models.StatusActive {
		t.Errorf("status = %s", got.Status)
	}
}

func TestUpdateIn_RollsBackWithCallerTx(t *testing.T) {
	_, db, _ := newTestMachine(t)
	chat := chattest.Chat(t, db, models.Chat{Status: models.StatusActive})

	boom := errors.New("later step failed")
	err := db.Transaction(func(tx *gorm.DB) error {
		if _, err := UpdateIn(tx, chat.ID, func(_ *gorm.DB, c *models.Chat) error {
			c.Priority = 9
			return nil
		}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if got := chattest.Reload(t, db, chat.ID); got.Priority != 0 {
		t.Errorf("priority = %d after rollback, want 0", got.Priority)
	}
}

func TestGet_NotFound(t *testing.T) {
	m, _, _ := newTestMachine(t)
	if _, err := m.Get(context.Background(), "missing"); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
