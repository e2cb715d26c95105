package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zulandar/chatyard/internal/errs"
	"github.com/zulandar/chatyard/internal/gateway"
	"github.com/zulandar/chatyard/internal/models"
)

// inboundData is the payload of a helper "message" frame.
type inboundData struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	FromName  string `json:"from_name"`
	To        string `json:"to"`
	Kind      string `json:"kind"`
	Body      string `json:"body"`
	MediaPath string `json:"media_path"`
	MimeType  string `json:"mime_type"`
	Timestamp int64  `json:"timestamp"`
}

// statusData is the payload of a helper "status" frame.
type statusData struct {
	ID    string `json:"id"`
	Ack   string `json:"ack"`
	Error string `json:"error"`
}

// Kind implements gateway.Provider.
func (m *Manager) Kind() string { return models.KindBridge }

// SendText implements gateway.Provider.
func (m *Manager) SendText(ctx context.Context, ep *models.ChannelEndpoint, to, text string) (*gateway.SendResult, error) {
	reply, err := m.request(ctx, ep.ID, frame{Type: frameSend, To: to, Text: text})
	if err != nil {
		return nil, err
	}
	return &gateway.SendResult{ExternalID: reply.ExternalID, Status: models.DeliveryPending}, nil
}

// SendMedia implements gateway.Provider. The helper reads local paths
// directly, so attachments are never re-uploaded through Chatyard.
func (m *Manager) SendMedia(ctx context.Context, ep *models.ChannelEndpoint, to string, media gateway.Media, caption string) (*gateway.SendResult, error) {
	if media.URL == "" && media.Path == "" {
		return nil, fmt.Errorf("bridge: media needs a url or path: %w", errs.ErrProviderError)
	}
	f := frame{
		Type: frameSend,
		To:   to,
		Text: caption,
		Media: &mediaFrame{
			Kind:     media.Kind,
			URL:      media.URL,
			Path:     media.Path,
			MimeType: media.MimeType,
			Filename: media.Filename,
		},
	}
	reply, err := m.request(ctx, ep.ID, f)
	if err != nil {
		return nil, err
	}
	return &gateway.SendResult{ExternalID: reply.ExternalID, Status: models.DeliveryPending}, nil
}

// ParseInbound implements gateway.Provider. Attachments the helper saved in
// its session directory are copied into the media directory.
func (m *Manager) ParseInbound(_ context.Context, ep *models.ChannelEndpoint, wh gateway.Webhook) ([]gateway.InboundMessage, error) {
	var d inboundData
	if err := json.Unmarshal(wh.Body, &d); err != nil {
		return nil, fmt.Errorf("bridge: decode message frame: %w", err)
	}
	if d.ID == "" {
		return nil, nil
	}
	in := gateway.InboundMessage{
		ExternalID: d.ID,
		From:       d.From,
		FromName:   d.FromName,
		To:         d.To,
		Kind:       d.Kind,
		Body:       d.Body,
	}
	if d.Timestamp > 0 {
		in.At = time.Unix(d.Timestamp, 0).UTC()
	}

	if d.MediaPath != "" {
		path, err := m.importMedia(ep.ID, d)
		if err != nil {
			return nil, err
		}
		in.MediaPath = path
		in.MediaType = d.MimeType
		if in.Kind == "" || in.Kind == gateway.KindText {
			in.Kind = gateway.KindForMime(d.MimeType)
		}
	}
	return []gateway.InboundMessage{in}, nil
}

func (m *Manager) importMedia(endpointID string, d inboundData) (string, error) {
	src := d.MediaPath
	if !filepath.IsAbs(src) {
		src = filepath.Join(m.sessionDir(endpointID), src)
	}
	f, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("bridge: open helper media for %s: %w", d.ID, err)
	}
	defer f.Close()
	return gateway.SaveMedia(m.mediaDir, endpointID, d.ID, d.MimeType, f)
}

// ParseStatus implements gateway.Provider.
func (m *Manager) ParseStatus(_ context.Context, _ *models.ChannelEndpoint, wh gateway.Webhook) ([]gateway.DeliveryStatus, error) {
	var d statusData
	if err := json.Unmarshal(wh.Body, &d); err != nil {
		return nil, fmt.Errorf("bridge: decode status frame: %w", err)
	}
	st := mapAck(d.Ack)
	if d.ID == "" || st == "" {
		return nil, nil
	}
	return []gateway.DeliveryStatus{{
		ExternalID: d.ID,
		Status:     st,
		ErrorCode:  d.Error,
		At:         time.Now().UTC(),
	}}, nil
}

func mapAck(ack string) string {
	switch ack {
	case "pending", "clock":
		return models.DeliveryPending
	case "server", "sent":
		return models.DeliverySent
	case "device", "delivered":
		return models.DeliveryDelivered
	case "read", "played":
		return models.DeliveryRead
	case "error", "failed":
		return models.DeliveryFailed
	}
	return ""
}
