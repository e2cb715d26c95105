package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/chatyard/internal/api"
	"github.com/zulandar/chatyard/internal/db"
	"github.com/zulandar/chatyard/internal/fanout"
	"github.com/zulandar/chatyard/internal/metrics"
	"github.com/zulandar/chatyard/internal/relay"
	"github.com/zulandar/chatyard/internal/scheduler"
)

// stuckTransferAge is how long a chat may sit in transferring before the
// sweep reports it.
const stuckTransferAge = 5 * time.Minute

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
		migrate    bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Chatyard server",
		Long:  "Starts the HTTP API, webhook receivers, event streams, bridge sessions and periodic workers.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, port, migrate)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().IntVar(&port, "port", 0, "HTTP port (overrides http.port)")
	cmd.Flags().BoolVar(&migrate, "migrate", true, "auto-migrate and seed before serving")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string, port int, migrate bool) error {
	out := cmd.OutOrStdout()
	cfg, gdb, err := openDB(configPath)
	if err != nil {
		return err
	}
	if port > 0 {
		cfg.HTTP.Port = port
	}
	if migrate {
		if err := db.AutoMigrate(gdb); err != nil {
			return err
		}
		if err := db.SeedEndpoints(gdb, cfg.Endpoints); err != nil {
			return err
		}
		if err := db.SeedAgents(gdb, cfg.Agents); err != nil {
			return err
		}
	}

	a, err := buildApp(cfg, gdb)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle OS signals for graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	m := metrics.New()
	hub := fanout.NewHub(fanout.WithDropHook(m.FanoutDropped))
	a.bus.Subscribe("metrics", m)
	a.bus.Subscribe("fanout", hub)

	if cfg.Relay.URL != "" {
		pub, err := relay.Dial(cfg.Relay.URL, cfg.Relay.Exchange)
		if err != nil {
			return err
		}
		r := relay.New(pub, relay.DefaultQueue)
		a.bus.Subscribe("relay", r)
		go r.Run(ctx)
		fmt.Fprintf(out, "Relaying events to exchange %s\n", cfg.Relay.Exchange)
	}

	sched := scheduler.New(scheduler.WithObserver(m.ObserveJob), scheduler.WithJobTimeout(time.Minute))
	if err := addJobs(sched, a, m); err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	defer a.bridge.Shutdown(context.Background())
	if n := a.bridge.Restore(ctx, bridgeEndpoints(cfg)); n > 0 {
		fmt.Fprintf(out, "Restored %d bridge session(s)\n", n)
	}

	return api.Start(ctx, api.StartOpts{
		Services: &api.Services{
			Machine:      a.machine,
			Directory:    a.directory,
			Assignment:   a.assignment,
			Transfer:     a.transfer,
			ReturnBot:    a.returnbot,
			Conversation: a.conversation,
			Gateway:      a.gateway,
			Archive:      a.archive,
			Sessions:     a.bridge,
			Hub:          hub,
			Metrics:      m.Handler(),
			CampaignID:   cfg.Routing.CampaignID,
		},
		Port: cfg.HTTP.Port,
		Out:  out,
	})
}

// addJobs registers the periodic workers.
func addJobs(s *scheduler.Scheduler, a *app, m *metrics.Metrics) error {
	jobs := []struct {
		name string
		spec string
		fn   func(context.Context) error
	}{
		{"timeouts", a.cfg.Timeouts.Cron, func(ctx context.Context) error {
			rep, err := a.timeouts.Run(ctx)
			if rep.AgentWarned+rep.AgentClosed+rep.ClientWarned+rep.ClientClosed > 0 {
				log.Printf("cy: timeouts: %+v", rep)
			}
			return err
		}},
		{"auto-close", a.cfg.AutoClose.Cron, func(ctx context.Context) error {
			n, err := a.autoclose.Run(ctx)
			if n > 0 {
				log.Printf("cy: auto-close: closed %d chat(s)", n)
			}
			return err
		}},
		{"priorities", a.cfg.Assignment.PriorityCron, func(ctx context.Context) error {
			if _, err := a.assignment.RefreshPriorities(ctx); err != nil {
				return err
			}
			_, err := a.assignment.AutoAssign(ctx)
			return err
		}},
		{"stuck-transfers", "@every 1m", func(ctx context.Context) error {
			stuck, err := a.transfer.Stuck(ctx, stuckTransferAge)
			for _, c := range stuck {
				log.Printf("cy: chat %s stuck in transferring since %s", c.ID, c.Since.Format(time.RFC3339))
			}
			return err
		}},
		{"metrics", "@every 30s", func(ctx context.Context) error {
			m.Sessions.Set(float64(len(a.bridge.Sessions())))
			return m.Refresh(ctx, a.db)
		}},
	}
	for _, j := range jobs {
		if err := s.Add(j.name, j.spec, j.fn); err != nil {
			return err
		}
	}
	return nil
}
