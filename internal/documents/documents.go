// Package documents requests closing documents from the external
// document-generation service.
package documents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Closure kinds sent to the service.
const (
	KindAgentTimeout = "agent_timeout"
	KindAuto         = "auto_close"
	KindReturnToBot  = "return_to_bot"
	KindManual       = "manual"
)

// Document is a generated closing artifact.
type Document struct {
	Path     string `json:"path"`
	Name     string `json:"name"`
	TicketID string `json:"ticket_id"`
}

// Generator produces closing documents. Repeat calls for the same chat and
// kind must not create duplicate artifacts.
type Generator interface {
	GenerateClosingDocument(ctx context.Context, chatID, kind, agentID string) (*Document, error)
}

// Client calls the document service over HTTP.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient returns a Client for baseURL. token may be empty.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

type generateRequest struct {
	ChatID  string `json:"chat_id"`
	Kind    string `json:"kind"`
	AgentID string `json:"agent_id,omitempty"`
}

// IdempotencyKey is the dedupe key the service receives for (chat, kind).
func IdempotencyKey(chatID, kind string) string {
	return "closing:" + chatID + ":" + kind
}

// GenerateClosingDocument implements Generator.
func (c *Client) GenerateClosingDocument(ctx context.Context, chatID, kind, agentID string) (*Document, error) {
	body, err := json.Marshal(generateRequest{ChatID: chatID, Kind: kind, AgentID: agentID})
	if err != nil {
		return nil, fmt.Errorf("documents: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/closing-documents", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("documents: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", IdempotencyKey(chatID, kind))
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("documents: request for chat %s: %w", chatID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("documents: chat %s: status %d: %s", chatID, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var doc Document
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("documents: decode response: %w", err)
	}
	return &doc, nil
}

// Noop is used when no document service is configured.
type Noop struct{}

// GenerateClosingDocument returns an empty document.
func (Noop) GenerateClosingDocument(context.Context, string, string, string) (*Document, error) {
	return &Document{}, nil
}
