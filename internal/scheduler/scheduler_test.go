package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestValidateSpec(t *testing.T) {
	tests := []struct {
		spec    string
		wantErr bool
	}{
		{"* * * * *", false},
		{"*/5 * * * *", false},
		{"@hourly", false},
		{"* * * *", true},
		{"not a spec", true},
	}
	for _, tt := range tests {
		err := ValidateSpec(tt.spec)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateSpec(%q) err = %v, wantErr %v", tt.spec, err, tt.wantErr)
		}
	}
}

func TestNextRun(t *testing.T) {
	from := time.Date(2026, 3, 2, 12, 30, 0, 0, time.UTC)
	got, err := NextRun("0 * * * *", from)
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2026, 3, 2, 13, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("NextRun = %s, want %s", got, want)
	}
	if _, err := NextRun("bogus", from); err == nil {
		t.Error("expected error for bad spec")
	}
}

func TestAdd_RejectsBadSpec(t *testing.T) {
	s := New()
	if err := s.Add("x", "61 * * * *", func(context.Context) error { return nil }); err == nil {
		t.Error("expected error")
	}
	if s.Entries() != 0 {
		t.Errorf("Entries = %d, want 0", s.Entries())
	}
}

func TestRun_SkipsWhileStillRunning(t *testing.T) {
	var runs atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	s := New()
	err := s.Add("slow", "* * * * *", func(context.Context) error {
		runs.Add(1)
		close(started)
		<-release
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	job := s.c.Entries()[0].WrappedJob
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		job.Run()
	}()
	<-started
	job.Run() // overlaps the first run and is skipped
	close(release)
	wg.Wait()

	if got := runs.Load(); got != 1 {
		t.Errorf("runs = %d, want 1", got)
	}
}

func TestRun_ObserverAndRecover(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]error{}
	s := New(WithObserver(func(job string, _ time.Duration, err error) {
		mu.Lock()
		defer mu.Unlock()
		seen[job] = err
	}))
	boom := errors.New("boom")
	s.Add("fails", "* * * * *", func(context.Context) error { return boom })
	s.Add("panics", "* * * * *", func(context.Context) error { panic("bad") })

	for _, e := range s.c.Entries() {
		e.WrappedJob.Run()
	}

	mu.Lock()
	defer mu.Unlock()
	if !errors.Is(seen["fails"], boom) {
		t.Errorf("observer saw %v for fails", seen["fails"])
	}
	if _, ok := seen["panics"]; ok {
		t.Error("a panicking run should not reach the observer")
	}
}

func TestWithJobTimeout(t *testing.T) {
	s := New(WithJobTimeout(10 * time.Millisecond))
	var got error
	s.Add("wait", "* * * * *", func(ctx context.Context) error {
		<-ctx.Done()
		got = ctx.Err()
		return nil
	})
	s.c.Entries()[0].WrappedJob.Run()
	if !errors.Is(got, context.DeadlineExceeded) {
		t.Errorf("ctx err = %v, want DeadlineExceeded", got)
	}
}

func TestStartStop(t *testing.T) {
	s := New()
	s.Add("noop", "@every 1h", func(context.Context) error { return nil })
	s.Start()
	s.Stop()
	if s.ctx.Err() == nil {
		t.Error("Stop should cancel the job context")
	}
}
