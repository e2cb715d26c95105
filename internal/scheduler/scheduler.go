// Package scheduler runs the periodic workers on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// parser accepts standard 5-field cron expressions (minute, hour, dom, month, dow).
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSpec reports whether spec is a usable schedule.
func ValidateSpec(spec string) error {
	if _, err := parser.Parse(spec); err != nil {
		return fmt.Errorf("scheduler: invalid schedule %q: %w", spec, err)
	}
	return nil
}

// NextRun returns the first fire time of spec after from.
func NextRun(spec string, from time.Time) (time.Time, error) {
	sched, err := parser.Parse(spec)
	if err != nil {
		return time.Time{}, fmt.Errorf("scheduler: invalid schedule %q: %w", spec, err)
	}
	return sched.Next(from), nil
}

// Observer is told about every finished run.
type Observer func(job string, took time.Duration, err error)

// Scheduler wraps a cron runner. A job never overlaps itself: a tick that
// lands while the previous run is still going is skipped.
type Scheduler struct {
	c        *cron.Cron
	ctx      context.Context
	cancel   context.CancelFunc
	observer Observer
	timeout  time.Duration
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithObserver registers a run observer.
func WithObserver(o Observer) Option { return func(s *Scheduler) { s.observer = o } }

// WithJobTimeout bounds each run. Zero means no bound.
func WithJobTimeout(d time.Duration) Option { return func(s *Scheduler) { s.timeout = d } }

// New returns a stopped Scheduler.
func New(opts ...Option) *Scheduler {
	logger := cron.PrintfLogger(log.Default())
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		c: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Add schedules fn under name.
func (s *Scheduler) Add(name, spec string, fn func(context.Context) error) error {
	_, err := s.c.AddFunc(spec, func() { s.run(name, fn) })
	if err != nil {
		return fmt.Errorf("scheduler: add %s (%q): %w", name, spec, err)
	}
	return nil
}

func (s *Scheduler) run(name string, fn func(context.Context) error) {
	ctx := s.ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	start := time.Now()
	err := fn(ctx)
	if err != nil {
		log.Printf("scheduler: %s: %v", name, err)
	}
	if s.observer != nil {
		s.observer(name, time.Since(start), err)
	}
}

// Start begins firing jobs in the background.
func (s *Scheduler) Start() { s.c.Start() }

// Stop prevents new runs, cancels running ones and waits for them to return.
func (s *Scheduler) Stop() {
	done := s.c.Stop()
	s.cancel()
	<-done.Done()
}

// Entries returns the number of scheduled jobs.
func (s *Scheduler) Entries() int { return len(s.c.Entries()) }
