package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/chatyard/internal/errs"
	"github.com/zulandar/chatyard/internal/fanout"
	"github.com/zulandar/chatyard/internal/models"
)

const identityKey = "identity"

// registerRoutes sets up all API routes on the Gin router.
func registerRoutes(router *gin.Engine, s *Services) {
	router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	if s.Metrics != nil {
		router.GET("/metrics", gin.WrapH(s.Metrics))
	}

	// Provider callbacks are authenticated by the providers themselves.
	hooks := router.Group("/webhooks")
	hooks.GET("/cloud/:endpoint", handleVerify(s))
	hooks.POST("/cloud/:endpoint", handleCombinedWebhook(s))
	hooks.POST("/saas/:endpoint/inbound", handleInboundWebhook(s))
	hooks.POST("/saas/:endpoint/status", handleStatusWebhook(s))

	api := router.Group("/api", identify(s))
	api.GET("/queue", handleQueue(s))
	api.GET("/agents", handleAgents(s))
	api.PUT("/agents/:id/state", handleAgentState(s))
	api.GET("/chats/:id", handleChat(s))
	api.GET("/chats/:id/history", handleHistory(s))
	api.GET("/chats/:id/messages", handleMessages(s))
	api.POST("/chats/:id/messages", handleSend(s))
	api.POST("/chats/:id/assign", handleAssign(s))
	api.POST("/chats/:id/transfer", handleTransfer(s))
	api.POST("/chats/:id/return", handleReturn(s))
	api.POST("/chats/:id/transition", handleTransition(s))
	if s.Hub != nil {
		api.GET("/stream", fanout.SSE(s.Hub, identityOf))
		api.GET("/ws", fanout.WebSocket(s.Hub, identityOf, canFollow(s)))
	}

	admin := router.Group("/admin", identify(s), supervisorOnly())
	admin.GET("/sessions", handleSessions(s))
	admin.GET("/sessions/can-open", handleCanOpen(s))
	admin.POST("/sessions/close-all", handleCloseAll(s))
	admin.POST("/sessions/:endpoint/open", handleSessionAction(s, "open"))
	admin.POST("/sessions/:endpoint/close", handleSessionAction(s, "close"))
	admin.POST("/sessions/:endpoint/logout", handleSessionAction(s, "logout"))
	admin.POST("/sessions/:endpoint/kill", handleSessionAction(s, "kill"))
	admin.GET("/transfers/stuck", handleStuck(s))
}

// identify resolves X-User-ID against the agent directory. The role always
// comes from the directory, never from the client.
func identify(s *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-User-ID")
		if id == "" {
			fail(c, fmt.Errorf("api: X-User-ID header is required: %w", errs.ErrUnauthorized))
			return
		}
		a, err := s.Directory.Get(c.Request.Context(), id)
		if err != nil {
			if errors.Is(err, errs.ErrNotFound) {
				err = fmt.Errorf("api: unknown user %s: %w", id, errs.ErrUnauthorized)
			}
			fail(c, err)
			return
		}
		c.Set(identityKey, fanout.Identity{UserID: a.ID, Role: a.Role})
		c.Next()
	}
}

func identityOf(c *gin.Context) (fanout.Identity, error) {
	v, ok := c.Get(identityKey)
	if !ok {
		return fanout.Identity{}, errs.ErrUnauthorized
	}
	return v.(fanout.Identity), nil
}

func caller(c *gin.Context) fanout.Identity {
	id, _ := identityOf(c)
	return id
}

func isSupervisor(id fanout.Identity) bool { return id.Role == models.RoleSupervisor }

func supervisorOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !isSupervisor(caller(c)) {
			fail(c, fmt.Errorf("api: supervisor role required: %w", errs.ErrForbidden))
			return
		}
		c.Next()
	}
}

// canFollow lets supervisors watch any chat and agents only their own.
func canFollow(s *Services) fanout.JoinFunc {
	return func(ctx context.Context, id fanout.Identity, chatID string) error {
		if isSupervisor(id) {
			return nil
		}
		chat, err := s.Machine.Get(ctx, chatID)
		if err != nil {
			return err
		}
		if chat.Agent() != id.UserID {
			return fmt.Errorf("api: chat %s is not assigned to %s: %w", chatID, id.UserID, errs.ErrForbidden)
		}
		return nil
	}
}

// fail aborts with the status errs.HTTPStatus assigns to err.
func fail(c *gin.Context, err error) {
	code := errs.HTTPStatus(err)
	if code >= http.StatusInternalServerError {
		log.Printf("api: %s %s: %v", c.Request.Method, c.FullPath(), err)
	}
	c.AbortWithStatusJSON(code, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}
