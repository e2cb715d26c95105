package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/zulandar/chatyard/internal/assignment"
	"github.com/zulandar/chatyard/internal/autoclose"
	"github.com/zulandar/chatyard/internal/chatstate"
	"github.com/zulandar/chatyard/internal/closing"
	"github.com/zulandar/chatyard/internal/config"
	"github.com/zulandar/chatyard/internal/conversation"
	"github.com/zulandar/chatyard/internal/db"
	"github.com/zulandar/chatyard/internal/directory"
	"github.com/zulandar/chatyard/internal/documents"
	"github.com/zulandar/chatyard/internal/events"
	"github.com/zulandar/chatyard/internal/gateway"
	"github.com/zulandar/chatyard/internal/gateway/bridge"
	"github.com/zulandar/chatyard/internal/gateway/cloud"
	"github.com/zulandar/chatyard/internal/gateway/saas"
	"github.com/zulandar/chatyard/internal/notify"
	discordnotify "github.com/zulandar/chatyard/internal/notify/discord"
	slacknotify "github.com/zulandar/chatyard/internal/notify/slack"
	"github.com/zulandar/chatyard/internal/returnbot"
	"github.com/zulandar/chatyard/internal/timeout"
	"github.com/zulandar/chatyard/internal/transfer"
	"gorm.io/gorm"
)

// app is the fully wired service graph shared by serve and the local
// chat commands.
type app struct {
	cfg          *config.Config
	db           *gorm.DB
	bus          *events.Bus
	machine      *chatstate.Machine
	directory    *directory.Directory
	gateway      *gateway.Gateway
	bridge       *bridge.Manager
	conversation *conversation.Service
	assignment   *assignment.Service
	transfer     *transfer.Service
	returnbot    *returnbot.Service
	archive      *closing.Archiver
	timeouts     *timeout.Monitor
	autoclose    *autoclose.Worker
}

// openDB loads cfg from path and connects to its database.
func openDB(path string) (*config.Config, *gorm.DB, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	gdb, err := db.Open(cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, gdb, nil
}

func buildApp(cfg *config.Config, gdb *gorm.DB) (*app, error) {
	a := &app{cfg: cfg, db: gdb, bus: events.NewBus()}

	guard := gateway.NewGuard(cfg.Guard, gateway.NewMemoryCounterStore())
	a.gateway = gateway.New(gdb, a.bus, guard,
		gateway.WithDeliveryTimeout(cfg.DeliveryTimeout(), gateway.NewMemoryPendingStore()))
	a.gateway.Register(cloud.New(cfg.Media.Dir))
	a.gateway.Register(saas.New(cfg.Media.Dir))

	a.machine = chatstate.New(gdb, a.bus)
	a.directory = directory.New(gdb, a.bus)
	a.conversation = conversation.New(a.machine, a.gateway, a.gateway, cfg.Routing)

	// The bridge hands frames straight to conversation; sessions report
	// their connection state through the gateway.
	a.bridge = bridge.NewManager(cfg.Bridge,
		bridge.WithMediaDir(cfg.Media.Dir),
		bridge.WithStatusFunc(a.gateway.SetEndpointStatus),
		bridge.WithSinks(
			func(ctx context.Context, wh gateway.Webhook) error {
				_, err := a.conversation.HandleInbound(ctx, wh)
				return err
			},
			func(ctx context.Context, wh gateway.Webhook) error {
				_, err := a.conversation.HandleStatus(ctx, wh)
				return err
			},
		),
	)
	a.gateway.Register(a.bridge)

	notifier, err := buildNotifier(cfg.Notify)
	if err != nil {
		return nil, err
	}
	var docs documents.Generator = documents.Noop{}
	if cfg.Documents.URL != "" {
		docs = documents.NewClient(cfg.Documents.URL, cfg.Secrets.DocumentsToken,
			time.Duration(cfg.Documents.TimeoutSec)*time.Second)
	}
	a.archive = closing.New(docs, notifier)

	a.assignment = assignment.New(a.machine, a.directory, cfg.Assignment.AutoAssign)
	a.transfer = transfer.New(a.machine, a.conversation)
	a.returnbot = returnbot.New(a.machine, a.archive, a.conversation)
	a.timeouts = timeout.New(a.machine, a.archive, timeout.FromConfig(cfg.Timeouts))
	a.autoclose = autoclose.New(a.machine, a.archive, cfg.AutoClose)
	return a, nil
}

func buildNotifier(cfg config.NotifyConfig) (notify.Notifier, error) {
	var multi notify.Multi
	if cfg.SlackWebhookURL != "" {
		n, err := slacknotify.New(cfg.SlackWebhookURL)
		if err != nil {
			return nil, err
		}
		multi = append(multi, n)
	}
	if cfg.DiscordWebhookID != "" {
		n, err := discordnotify.New(cfg.DiscordWebhookID, cfg.DiscordWebhookTok)
		if err != nil {
			return nil, err
		}
		multi = append(multi, n)
	}
	if len(multi) == 0 {
		return notify.Noop{}, nil
	}
	return multi, nil
}

// bridgeEndpoints lists configured bridge endpoint IDs.
func bridgeEndpoints(cfg *config.Config) []string {
	var ids []string
	for _, ep := range cfg.Endpoints {
		if ep.Kind == "bridge" {
			ids = append(ids, ep.ID)
		}
	}
	return ids
}

func (a *app) close() {
	a.gateway.Close()
	if sqlDB, err := a.db.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			log.Printf("cy: close db: %v", err)
		}
	}
}
