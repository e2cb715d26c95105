// Package cloud implements the gateway Provider for a hosted business
// messaging API: JSON over HTTPS with a per-endpoint bearer token, and
// webhooks carrying both messages and delivery statuses.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/zulandar/chatyard/internal/errs"
	"github.com/zulandar/chatyard/internal/gateway"
	"github.com/zulandar/chatyard/internal/models"
	"golang.org/x/oauth2"
)

// DefaultBaseURL is used when an endpoint has no base_url credential.
const DefaultBaseURL = "https://graph.facebook.com/v19.0"

// Credential keys.
const (
	CredAccessToken   = "access_token"
	CredPhoneNumberID = "phone_number_id"
	CredVerifyToken   = "verify_token"
	CredBaseURL       = "base_url"
)

// Provider talks to the cloud API.
type Provider struct {
	mediaDir  string
	transport http.RoundTripper
	timeout   time.Duration
}

// New returns a Provider storing inbound media under mediaDir.
func New(mediaDir string) *Provider {
	return &Provider{mediaDir: mediaDir, transport: http.DefaultTransport, timeout: 30 * time.Second}
}

// Kind implements gateway.Provider.
func (p *Provider) Kind() string { return models.KindCloud }

func (p *Provider) client(ep *models.ChannelEndpoint) (*http.Client, error) {
	tok := ep.Credential(CredAccessToken)
	if tok == "" {
		return nil, fmt.Errorf("cloud: endpoint %s has no access token: %w", ep.ID, errs.ErrProviderError)
	}
	return &http.Client{
		Timeout: p.timeout,
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: tok, TokenType: "Bearer"}),
			Base:   p.transport,
		},
	}, nil
}

func baseURL(ep *models.ChannelEndpoint) string {
	if u := ep.Credential(CredBaseURL); u != "" {
		return strings.TrimRight(u, "/")
	}
	return DefaultBaseURL
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *apiError `json:"error"`
}

type apiError struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

func (p *Provider) send(ctx context.Context, ep *models.ChannelEndpoint, payload map[string]any) (*gateway.SendResult, error) {
	hc, err := p.client(ep)
	if err != nil {
		return nil, err
	}
	phoneID := ep.Credential(CredPhoneNumberID)
	if phoneID == "" {
		return nil, fmt.Errorf("cloud: endpoint %s has no phone number id: %w", ep.ID, errs.ErrProviderError)
	}
	payload["messaging_product"] = "whatsapp"

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("cloud: encode message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL(ep)+"/"+phoneID+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("cloud: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cloud: send: %w", err)
	}
	defer resp.Body.Close()

	var out sendResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return nil, fmt.Errorf("cloud: decode send response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode >= 300 || out.Error != nil {
		msg := http.StatusText(resp.StatusCode)
		if out.Error != nil {
			msg = fmt.Sprintf("%s (code %d)", out.Error.Message, out.Error.Code)
		}
		return nil, fmt.Errorf("cloud: send rejected: %s: %w", msg, errs.ErrProviderError)
	}
	if len(out.Messages) == 0 {
		return nil, fmt.Errorf("cloud: send response has no message id: %w", errs.ErrProviderError)
	}
	return &gateway.SendResult{ExternalID: out.Messages[0].ID, Status: models.DeliveryPending}, nil
}

// SendText implements gateway.Provider.
func (p *Provider) SendText(ctx context.Context, ep *models.ChannelEndpoint, to, text string) (*gateway.SendResult, error) {
	return p.send(ctx, ep, map[string]any{
		"to":   to,
		"type": "text",
		"text": map[string]any{"body": text},
	})
}

// SendMedia implements gateway.Provider. Only media reachable by URL is supported.
func (p *Provider) SendMedia(ctx context.Context, ep *models.ChannelEndpoint, to string, media gateway.Media, caption string) (*gateway.SendResult, error) {
	if media.URL == "" {
		return nil, fmt.Errorf("cloud: media must be sent by url: %w", errs.ErrProviderError)
	}
	typ := media.Kind
	switch typ {
	case gateway.KindImage, gateway.KindAudio, gateway.KindVideo, gateway.KindDocument, gateway.KindSticker:
	default:
		typ = gateway.KindDocument
	}
	obj := map[string]any{"link": media.URL}
	if caption != "" && typ != gateway.KindAudio && typ != gateway.KindSticker {
		obj["caption"] = caption
	}
	if typ == gateway.KindDocument && media.Filename != "" {
		obj["filename"] = media.Filename
	}
	return p.send(ctx, ep, map[string]any{"to": to, "type": typ, typ: obj})
}

// Verify implements gateway.Verifier for the subscription handshake.
func (p *Provider) Verify(ep *models.ChannelEndpoint, q url.Values) (string, error) {
	want := ep.Credential(CredVerifyToken)
	if q.Get("hub.mode") != "subscribe" || want == "" || q.Get("hub.verify_token") != want {
		return "", fmt.Errorf("cloud: verification failed for %s: %w", ep.ID, errs.ErrForbidden)
	}
	return q.Get("hub.challenge"), nil
}

type webhookBody struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string `json:"id"`
		Changes []struct {
			Field string      `json:"field"`
			Value changeValue `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type changeValue struct {
	Contacts []struct {
		WaID    string `json:"wa_id"`
		Profile struct {
			Name string `json:"name"`
		} `json:"profile"`
	} `json:"contacts"`
	Metadata struct {
		DisplayPhoneNumber string `json:"display_phone_number"`
	} `json:"metadata"`
	Messages []cloudMessage `json:"messages"`
	Statuses []cloudStatus  `json:"statuses"`
}

type cloudMedia struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption"`
	Filename string `json:"filename"`
}

type cloudMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
	Image    *cloudMedia `json:"image"`
	Audio    *cloudMedia `json:"audio"`
	Video    *cloudMedia `json:"video"`
	Document *cloudMedia `json:"document"`
	Sticker  *cloudMedia `json:"sticker"`
	Location *struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
		Name      string  `json:"name"`
	} `json:"location"`
}

type cloudStatus struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	RecipientID string `json:"recipient_id"`
	Errors      []struct {
		Code  int    `json:"code"`
		Title string `json:"title"`
	} `json:"errors"`
}

func (m *cloudMessage) media() *cloudMedia {
	switch {
	case m.Image != nil:
		return m.Image
	case m.Audio != nil:
		return m.Audio
	case m.Video != nil:
		return m.Video
	case m.Document != nil:
		return m.Document
	case m.Sticker != nil:
		return m.Sticker
	}
	return nil
}

func parseBody(wh gateway.Webhook) (*webhookBody, error) {
	var body webhookBody
	if err := json.Unmarshal(wh.Body, &body); err != nil {
		return nil, fmt.Errorf("cloud: decode webhook: %w", err)
	}
	return &body, nil
}

func unixTime(s string) time.Time {
	sec, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

// ParseInbound implements gateway.Provider. Attachments are returned as
// media ids; FetchMedia downloads them.
func (p *Provider) ParseInbound(_ context.Context, _ *models.ChannelEndpoint, wh gateway.Webhook) ([]gateway.InboundMessage, error) {
	body, err := parseBody(wh)
	if err != nil {
		return nil, err
	}
	var out []gateway.InboundMessage
	for _, e := range body.Entry {
		for _, ch := range e.Changes {
			names := make(map[string]string)
			for _, c := range ch.Value.Contacts {
				names[c.WaID] = c.Profile.Name
			}
			for _, m := range ch.Value.Messages {
				in := gateway.InboundMessage{
					ExternalID: m.ID,
					From:       m.From,
					FromName:   names[m.From],
					To:         ch.Value.Metadata.DisplayPhoneNumber,
					Kind:       m.Type,
					At:         unixTime(m.Timestamp),
				}
				switch {
				case m.Text != nil:
					in.Kind = gateway.KindText
					in.Body = m.Text.Body
				case m.Location != nil:
					in.Kind = gateway.KindLocation
					in.Body = fmt.Sprintf("%f,%f %s", m.Location.Latitude, m.Location.Longitude, m.Location.Name)
				case m.media() != nil:
					md := m.media()
					in.Body = md.Caption
					in.MediaType = md.MimeType
					in.MediaRef = md.ID
				default:
					in.Kind = gateway.KindOther
				}
				out = append(out, in)
			}
		}
	}
	return out, nil
}

// FetchMedia implements gateway.MediaFetcher.
func (p *Provider) FetchMedia(ctx context.Context, ep *models.ChannelEndpoint, in *gateway.InboundMessage) error {
	path, err := p.download(ctx, ep, in.ExternalID, &cloudMedia{ID: in.MediaRef, MimeType: in.MediaType})
	if err != nil {
		return err
	}
	in.MediaPath = path
	return nil
}

// download resolves a media id to its short-lived URL and stores the file.
func (p *Provider) download(ctx context.Context, ep *models.ChannelEndpoint, msgID string, md *cloudMedia) (string, error) {
	hc, err := p.client(ep)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL(ep)+"/"+md.ID, nil)
	if err != nil {
		return "", fmt.Errorf("cloud: build media lookup: %w", err)
	}
	resp, err := hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("cloud: media lookup %s: %w", md.ID, err)
	}
	var meta struct {
		URL      string `json:"url"`
		MimeType string `json:"mime_type"`
	}
	err = json.NewDecoder(resp.Body).Decode(&meta)
	resp.Body.Close()
	if err != nil || resp.StatusCode >= 300 || meta.URL == "" {
		return "", fmt.Errorf("cloud: media lookup %s failed (status %d): %w", md.ID, resp.StatusCode, errs.ErrProviderError)
	}

	req, err = http.NewRequestWithContext(ctx, http.MethodGet, meta.URL, nil)
	if err != nil {
		return "", fmt.Errorf("cloud: build media download: %w", err)
	}
	resp, err = hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("cloud: media download %s: %w", md.ID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("cloud: media download %s: status %d: %w", md.ID, resp.StatusCode, errs.ErrProviderError)
	}
	mimeType := md.MimeType
	if mimeType == "" {
		mimeType = meta.MimeType
	}
	return gateway.SaveMedia(p.mediaDir, ep.ID, msgID, mimeType, resp.Body)
}

// ParseStatus implements gateway.Provider.
func (p *Provider) ParseStatus(_ context.Context, _ *models.ChannelEndpoint, wh gateway.Webhook) ([]gateway.DeliveryStatus, error) {
	body, err := parseBody(wh)
	if err != nil {
		return nil, err
	}
	var out []gateway.DeliveryStatus
	for _, e := range body.Entry {
		for _, ch := range e.Changes {
			for _, s := range ch.Value.Statuses {
				st := gateway.DeliveryStatus{
					ExternalID: s.ID,
					Status:     mapStatus(s.Status),
					At:         unixTime(s.Timestamp),
				}
				if st.Status == "" {
					continue
				}
				if len(s.Errors) > 0 {
					st.ErrorCode = strconv.Itoa(s.Errors[0].Code)
				}
				out = append(out, st)
			}
		}
	}
	return out, nil
}

func mapStatus(s string) string {
	switch s {
	case "sent":
		return models.DeliverySent
	case "delivered":
		return models.DeliveryDelivered
	case "read":
		return models.DeliveryRead
	case "failed":
		return models.DeliveryFailed
	}
	return ""
}
