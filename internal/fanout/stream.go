package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/zulandar/chatyard/internal/errs"
	"github.com/zulandar/chatyard/internal/models"
)

// Identity is the authenticated caller of a stream.
type Identity struct {
	UserID string
	Role   string
}

// Topics are the topics a caller is subscribed to on connect.
func (id Identity) Topics() []string {
	topics := []string{UserTopic(id.UserID)}
	switch id.Role {
	case models.RoleSupervisor:
		topics = append(topics, TopicSupervisors, TopicAgents)
	default:
		topics = append(topics, TopicAgents)
	}
	return topics
}

// IdentityFunc extracts the caller from a request.
type IdentityFunc func(c *gin.Context) (Identity, error)

// JoinFunc decides whether id may follow a chat topic.
type JoinFunc func(ctx context.Context, id Identity, chatID string) error

var heartbeatInterval = 15 * time.Second

// SSE streams events over text/event-stream.
func SSE(h *Hub, identify IdentityFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := identify(c)
		if err != nil {
			c.AbortWithStatusJSON(errs.HTTPStatus(err), gin.H{"error": err.Error()})
			return
		}
		topics := id.Topics()
		for _, chatID := range c.QueryArray("chat") {
			topics = append(topics, ChatTopic(chatID))
		}
		sub := h.Subscribe(topics...)
		defer sub.Close()

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		writeSSE(c.Writer, "connected", map[string]string{"type": "connected", "user_id": id.UserID})
		c.Writer.Flush()

		ctx := c.Request.Context()
		heartbeat := time.NewTicker(heartbeatInterval)
		defer heartbeat.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				writeSSE(c.Writer, "heartbeat", map[string]string{
					"timestamp": time.Now().UTC().Format(time.RFC3339),
				})
				c.Writer.Flush()
			case ev, ok := <-sub.C():
				if !ok {
					return
				}
				writeSSE(c.Writer, ev.Type, ev)
				c.Writer.Flush()
			}
		}
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData)
}

// ClientFrame is sent by WebSocket clients to follow or drop a chat.
type ClientFrame struct {
	Action string `json:"action"` // "join" or "leave"
	ChatID string `json:"chat_id"`
}

// ServerFrame wraps everything the server writes on a WebSocket.
type ServerFrame struct {
	Type   string `json:"type"`
	ChatID string `json:"chat_id,omitempty"`
	Error  string `json:"error,omitempty"`
	Event  any    `json:"event,omitempty"`
}

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WebSocket streams events over a WebSocket. Clients may send ClientFrames
// to join or leave chat topics; allow is consulted on every join.
func WebSocket(h *Hub, identify IdentityFunc, allow JoinFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := identify(c)
		if err != nil {
			c.AbortWithStatusJSON(errs.HTTPStatus(err), gin.H{"error": err.Error()})
			return
		}
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Printf("fanout: upgrade: %v", err)
			return
		}
		defer conn.Close()

		sub := h.Subscribe(id.Topics()...)
		defer sub.Close()

		ctx, cancel := context.WithCancel(c.Request.Context())
		defer cancel()

		// Replies from the reader are handed to the writer so only one
		// goroutine writes to conn.
		replies := make(chan ServerFrame, 16)
		go func() {
			defer cancel()
			readFrames(ctx, conn, sub, id, allow, replies)
		}()

		ping := time.NewTicker(wsPingPeriod)
		defer ping.Stop()

		if err := writeFrame(conn, ServerFrame{Type: "connected"}); err != nil {
			return
		}
		for {
			var out ServerFrame
			select {
			case <-ctx.Done():
				return
			case <-ping.C:
				conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
				continue
			case out = <-replies:
			case ev, ok := <-sub.C():
				if !ok {
					return
				}
				out = ServerFrame{Type: ev.Type, ChatID: ev.ChatID, Event: ev}
			}
			if err := writeFrame(conn, out); err != nil {
				return
			}
		}
	}
}

func writeFrame(conn *websocket.Conn, f ServerFrame) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(f)
}

func readFrames(ctx context.Context, conn *websocket.Conn, sub *Subscriber, id Identity, allow JoinFunc, replies chan<- ServerFrame) {
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	reply := func(f ServerFrame) {
		select {
		case replies <- f:
		case <-ctx.Done():
		}
	}
	for {
		var f ClientFrame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		if f.ChatID == "" {
			reply(ServerFrame{Type: "error", Error: "chat_id is required"})
			continue
		}
		switch f.Action {
		case "join":
			if allow != nil {
				if err := allow(ctx, id, f.ChatID); err != nil {
					reply(ServerFrame{Type: "error", ChatID: f.ChatID, Error: err.Error()})
					continue
				}
			}
			sub.Join(ChatTopic(f.ChatID))
			reply(ServerFrame{Type: "joined", ChatID: f.ChatID})
		case "leave":
			sub.Leave(ChatTopic(f.ChatID))
			reply(ServerFrame{Type: "left", ChatID: f.ChatID})
		default:
			reply(ServerFrame{Type: "error", ChatID: f.ChatID, Error: fmt.Sprintf("unknown action %q", f.Action)})
		}
	}
}
