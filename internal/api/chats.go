package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/chatyard/internal/chatstate"
	"github.com/zulandar/chatyard/internal/documents"
	"github.com/zulandar/chatyard/internal/errs"
	"github.com/zulandar/chatyard/internal/fanout"
	"github.com/zulandar/chatyard/internal/gateway"
	"github.com/zulandar/chatyard/internal/models"
)

func handleQueue(s *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		campaign := c.DefaultQuery("campaign", s.CampaignID)
		chats, err := s.Assignment.WaitingQueue(c.Request.Context(), campaign)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"chats": chats})
	}
}

func handleAgents(s *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var (
			agents []models.Agent
			err    error
		)
		if c.Query("available") == "true" {
			agents, err = s.Directory.Available(c.Request.Context())
		} else {
			agents, err = s.Directory.List(c.Request.Context())
		}
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"agents": agents})
	}
}

func handleAgentState(s *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		me := caller(c)
		if id != me.UserID && !isSupervisor(me) {
			fail(c, fmt.Errorf("api: %s may not change %s: %w", me.UserID, id, errs.ErrForbidden))
			return
		}
		var body struct {
			State string `json:"state" binding:"required"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			badRequest(c, err)
			return
		}
		if err := s.Directory.SetState(c.Request.Context(), id, body.State); err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": id, "state": body.State})
	}
}

func handleChat(s *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		chat, err := s.Machine.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, chat)
	}
}

func handleHistory(s *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if _, err := s.Machine.Get(ctx, c.Param("id")); err != nil {
			fail(c, err)
			return
		}
		rows, err := s.Machine.History(ctx, c.Param("id"))
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"transitions": rows})
	}
}

func handleMessages(s *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
		if err != nil || limit <= 0 {
			badRequest(c, fmt.Errorf("api: limit must be a positive integer"))
			return
		}
		msgs, err := s.Conversation.Messages(c.Request.Context(), c.Param("id"), limit)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"messages": msgs})
	}
}

type sendRequest struct {
	Text  string `json:"text"`
	Media *struct {
		Kind     string `json:"kind"`
		URL      string `json:"url"`
		MimeType string `json:"mime_type"`
		Filename string `json:"filename"`
	} `json:"media"`
}

func handleSend(s *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body sendRequest
		if err := c.ShouldBindJSON(&body); err != nil {
			badRequest(c, err)
			return
		}
		ctx := c.Request.Context()
		me := caller(c)
		var (
			msg *models.Message
			err error
		)
		switch {
		case body.Media != nil:
			if body.Media.URL == "" {
				badRequest(c, fmt.Errorf("api: media.url is required"))
				return
			}
			msg, err = s.Conversation.SendAgentMedia(ctx, c.Param("id"), me.UserID, gateway.Media{
				Kind:     body.Media.Kind,
				URL:      body.Media.URL,
				MimeType: body.Media.MimeType,
				Filename: body.Media.Filename,
			}, body.Text)
		case body.Text != "":
			msg, err = s.Conversation.SendAgentMessage(ctx, c.Param("id"), me.UserID, body.Text)
		default:
			badRequest(c, fmt.Errorf("api: text or media is required"))
			return
		}
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusCreated, msg)
	}
}

func handleAssign(s *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body struct {
			AgentID string `json:"agent_id"`
		}
		if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
			badRequest(c, err)
			return
		}
		me := caller(c)
		if body.AgentID == "" {
			body.AgentID = me.UserID
		}
		if body.AgentID != me.UserID && !isSupervisor(me) {
			fail(c, fmt.Errorf("api: only supervisors assign chats to others: %w", errs.ErrForbidden))
			return
		}
		chat, err := s.Assignment.Assign(c.Request.Context(), c.Param("id"), body.AgentID, me.UserID)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, chat)
	}
}

func handleTransfer(s *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body struct {
			AgentID string `json:"agent_id" binding:"required"`
			Reason  string `json:"reason"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			badRequest(c, err)
			return
		}
		ctx := c.Request.Context()
		current, err := actingAgent(c, s)
		if err != nil {
			fail(c, err)
			return
		}
		chat, err := s.Transfer.Transfer(ctx, c.Param("id"), body.AgentID, current, body.Reason)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, chat)
	}
}

func handleReturn(s *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body struct {
			Reason string `json:"reason" binding:"required"`
			Notes  string `json:"notes"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			badRequest(c, err)
			return
		}
		ctx := c.Request.Context()
		chat, err := s.Machine.Get(ctx, c.Param("id"))
		if err != nil {
			fail(c, err)
			return
		}
		if err := mayDrive(caller(c), chat); err != nil {
			fail(c, err)
			return
		}
		chat, err = s.ReturnBot.Return(ctx, chat.ID, body.Reason, chat.Agent(), body.Notes)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, chat)
	}
}

// handleTransition moves an agent-owned chat along the matrix, for example
// ACTIVE to PENDING or RESOLVED, or a manual close.
func handleTransition(s *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body struct {
			To        string `json:"to" binding:"required"`
			SubStatus string `json:"sub_status"`
			Reason    string `json:"reason"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			badRequest(c, err)
			return
		}
		if !chatstate.ValidStatus(body.To) {
			badRequest(c, fmt.Errorf("api: unknown status %q", body.To))
			return
		}
		ctx := c.Request.Context()
		me := caller(c)
		chat, err := s.Machine.Get(ctx, c.Param("id"))
		if err != nil {
			fail(c, err)
			return
		}
		if err := mayDrive(me, chat); err != nil {
			fail(c, err)
			return
		}
		if !chatstate.CanTransition(chat.Status, body.To) {
			fail(c, fmt.Errorf("api: chat %s cannot move from %s to %s: %w", chat.ID, chat.Status, body.To, errs.ErrInvalidTransition))
			return
		}

		meta := map[string]any{}
		if body.To == models.StatusClosed && s.Archive != nil {
			if doc := s.Archive.Archive(ctx, chat, documents.KindManual, chat.Agent()); doc != nil {
				meta["document"] = doc.Name
				meta["ticket_id"] = doc.TicketID
			}
		}
		trigger := models.TriggerAgent
		if isSupervisor(me) {
			trigger = models.TriggerSupervisor
		}
		reason := body.Reason
		if reason == "" {
			reason = "manual transition"
		}
		res, err := s.Machine.Transition(ctx, chatstate.Request{
			ChatID:      chat.ID,
			To:          body.To,
			SubStatus:   body.SubStatus,
			Reason:      reason,
			TriggeredBy: trigger,
			AgentID:     me.UserID,
			Metadata:    meta,
			Precondition: func(locked *models.Chat) error {
				return mayDrive(me, locked)
			},
		})
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, res.Chat)
	}
}

// mayDrive allows the owning agent, or any supervisor, to move a chat.
func mayDrive(me fanout.Identity, chat *models.Chat) error {
	if isSupervisor(me) {
		return nil
	}
	if chat.Agent() != me.UserID {
		return fmt.Errorf("api: chat %s is not assigned to %s: %w", chat.ID, me.UserID, errs.ErrForbidden)
	}
	return nil
}

// actingAgent is the agent an ownership-checked operation runs as. A
// supervisor acts on behalf of whoever holds the chat.
func actingAgent(c *gin.Context, s *Services) (string, error) {
	me := caller(c)
	if !isSupervisor(me) {
		return me.UserID, nil
	}
	chat, err := s.Machine.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		return "", err
	}
	if chat.Agent() == "" {
		return "", fmt.Errorf("api: chat %s has no assigned agent: %w", chat.ID, errs.ErrInvalidState)
	}
	return chat.Agent(), nil
}
