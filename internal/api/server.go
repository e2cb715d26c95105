// Package api is the HTTP surface: provider webhooks, agent and supervisor
// chat operations, bridge session administration, event streams and metrics.
package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/chatyard/internal/assignment"
	"github.com/zulandar/chatyard/internal/chatstate"
	"github.com/zulandar/chatyard/internal/closing"
	"github.com/zulandar/chatyard/internal/conversation"
	"github.com/zulandar/chatyard/internal/directory"
	"github.com/zulandar/chatyard/internal/fanout"
	"github.com/zulandar/chatyard/internal/gateway"
	"github.com/zulandar/chatyard/internal/gateway/bridge"
	"github.com/zulandar/chatyard/internal/returnbot"
	"github.com/zulandar/chatyard/internal/transfer"
)

// SessionAdmin is the bridge session manager as seen by the admin routes.
type SessionAdmin interface {
	CanOpen() bool
	Sessions() []bridge.SessionInfo
	Open(ctx context.Context, endpointID string) error
	CloseSession(ctx context.Context, endpointID string) error
	Logout(ctx context.Context, endpointID string) error
	CloseAll(ctx context.Context) int
	ForceKill(ctx context.Context, endpointID string) error
}

// Services are the collaborators the handlers call. Sessions, Hub and
// Metrics may be nil; their routes then answer 404.
type Services struct {
	Machine      *chatstate.Machine
	Directory    *directory.Directory
	Assignment   *assignment.Service
	Transfer     *transfer.Service
	ReturnBot    *returnbot.Service
	Conversation *conversation.Service
	Gateway      *gateway.Gateway
	Archive      *closing.Archiver
	Sessions     SessionAdmin
	Hub          *fanout.Hub
	Metrics      http.Handler
	CampaignID   string
}

// StartOpts holds configuration for the API server.
type StartOpts struct {
	Services *Services
	Port     int
	Out      io.Writer
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(s *Services) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	registerRoutes(router, s)
	return router
}

// Start launches the API server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Services == nil || opts.Services.Machine == nil {
		return fmt.Errorf("api: services are required")
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           NewRouter(opts.Services),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "API listening on http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: %w", err)
	}
	return nil
}
