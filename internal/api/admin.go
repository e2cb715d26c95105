package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/chatyard/internal/errs"
)

func sessionsOrFail(c *gin.Context, s *Services) bool {
	if s.Sessions == nil {
		fail(c, fmt.Errorf("api: no bridge session manager configured: %w", errs.ErrNotFound))
		return false
	}
	return true
}

func handleSessions(s *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !sessionsOrFail(c, s) {
			return
		}
		c.JSON(http.StatusOK, gin.H{"sessions": s.Sessions.Sessions()})
	}
}

func handleCanOpen(s *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !sessionsOrFail(c, s) {
			return
		}
		c.JSON(http.StatusOK, gin.H{"can_open": s.Sessions.CanOpen()})
	}
}

func handleCloseAll(s *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !sessionsOrFail(c, s) {
			return
		}
		n := s.Sessions.CloseAll(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{"closed": n})
	}
}

func handleSessionAction(s *Services, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !sessionsOrFail(c, s) {
			return
		}
		ctx := c.Request.Context()
		id := c.Param("endpoint")
		if _, err := s.Gateway.Endpoint(ctx, id); err != nil {
			fail(c, err)
			return
		}
		var err error
		switch action {
		case "open":
			err = s.Sessions.Open(ctx, id)
		case "close":
			err = s.Sessions.CloseSession(ctx, id)
		case "logout":
			err = s.Sessions.Logout(ctx, id)
		case "kill":
			err = s.Sessions.ForceKill(ctx, id)
		}
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"endpoint_id": id, "action": action})
	}
}

func handleStuck(s *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		olderThan, err := time.ParseDuration(c.DefaultQuery("older_than", "5m"))
		if err != nil {
			badRequest(c, fmt.Errorf("api: older_than: %w", err))
			return
		}
		chats, err := s.Transfer.Stuck(c.Request.Context(), olderThan)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"chats": chats})
	}
}
