package api

import (
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/chatyard/internal/errs"
	"github.com/zulandar/chatyard/internal/gateway"
)

// maxWebhookBody bounds provider payloads.
const maxWebhookBody = 4 << 20

func readWebhook(c *gin.Context) (gateway.Webhook, bool) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		badRequest(c, err)
		return gateway.Webhook{}, false
	}
	return gateway.Webhook{
		EndpointID:  c.Param("endpoint"),
		ContentType: c.ContentType(),
		Body:        body,
		Query:       c.Request.URL.Query(),
		Header:      c.Request.Header.Clone(),
	}, true
}

func handleVerify(s *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		challenge, err := s.Gateway.Verify(c.Request.Context(), c.Param("endpoint"), c.Request.URL.Query())
		if err != nil {
			if errors.Is(err, errs.ErrNotFound) {
				fail(c, err)
				return
			}
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": err.Error()})
			return
		}
		c.String(http.StatusOK, challenge)
	}
}

// handleCombinedWebhook serves backends that deliver messages and status
// reports on one callback URL.
func handleCombinedWebhook(s *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		wh, ok := readWebhook(c)
		if !ok {
			return
		}
		ctx := c.Request.Context()
		msgs, err := s.Conversation.HandleInbound(ctx, wh)
		if err != nil {
			webhookError(c, err)
			return
		}
		sts, err := s.Conversation.HandleStatus(ctx, wh)
		if err != nil {
			webhookError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"messages": len(msgs), "statuses": len(sts)})
	}
}

func handleInboundWebhook(s *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		wh, ok := readWebhook(c)
		if !ok {
			return
		}
		msgs, err := s.Conversation.HandleInbound(c.Request.Context(), wh)
		if err != nil {
			webhookError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"messages": len(msgs)})
	}
}

func handleStatusWebhook(s *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		wh, ok := readWebhook(c)
		if !ok {
			return
		}
		sts, err := s.Conversation.HandleStatus(c.Request.Context(), wh)
		if err != nil {
			webhookError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"statuses": len(sts)})
	}
}

// webhookError answers 400 for payloads the backend could not parse so the
// provider does not retry them forever; everything else keeps its mapping.
func webhookError(c *gin.Context, err error) {
	if errors.Is(err, errs.ErrProviderError) {
		log.Printf("api: webhook %s: %v", c.Param("endpoint"), err)
		badRequest(c, err)
		return
	}
	fail(c, err)
}
