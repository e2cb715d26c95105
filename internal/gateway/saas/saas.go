// Package saas implements the gateway Provider for a hosted SMS/chat API
// with form-encoded requests, basic auth and form webhooks.
package saas

import (
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
)

// DefaultBaseURL is used when an endpoint has no base_url credential.
const DefaultBaseURL = "https://api.twilio.com/2010-04-01"

// Credential keys.
const (
	CredAccountSID = "account_sid"
	CredAuthToken  = "auth_token"
	CredFrom       = "from"
	CredBaseURL    = "base_url"
)

// Provider talks to the SaaS API.
type Provider struct {
	mediaDir string
	http     *http.Client
}

// New returns a Provider storing inbound media under mediaDir.
func New(mediaDir string) *Provider {
	return &Provider{mediaDir: mediaDir, http: &http.Client{Timeout: 30 * time.Second}}
}

// Kind implements gateway.Provider.
func (p *Provider) Kind() string { return models.KindSaaS }

func baseURL(ep *models.ChannelEndpoint) string {
	if u := ep.Credential(CredBaseURL); u != "" {
		return strings.TrimRight(u, "/")
	}
	return DefaultBaseURL
}

func credentials(ep *models.ChannelEndpoint) (sid, token string, err error) {
	sid, token = ep.Credential(CredAccountSID), ep.Credential(CredAuthToken)
	if sid == "" || token == "" {
		return "", "", fmt.Errorf("saas: endpoint %s needs account_sid and auth_token: %w", ep.ID, errs.ErrProviderError)
	}
	return sid, token, nil
}

type messageResponse struct {
	SID     string `json:"sid"`
	Status  string `json:"status"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (p *Provider) send(ctx context.Context, ep *models.ChannelEndpoint, form url.Values) (*gateway.SendResult, error) {
	sid, token, err := credentials(ep)
	if err != nil {
		return nil, err
	}
	if from := ep.Credential(CredFrom); from != "" && form.Get("From") == "" {
		form.Set("From", from)
	}

	endpoint := fmt.Sprintf("%s/Accounts/%s/Messages.json", baseURL(ep), url.PathEscape(sid))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("saas: build request: %w", err)
	}
	req.SetBasicAuth(sid, token)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("saas: send: %w", err)
	}
	defer resp.Body.Close()

	var out messageResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return nil, fmt.Errorf("saas: decode response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("saas: send rejected: %s (code %d): %w", out.Message, out.Code, errs.ErrProviderError)
	}
	st := mapStatus(out.Status)
	if st == "" || st == models.DeliveryFailed {
		st = models.DeliveryPending
	}
	return &gateway.SendResult{ExternalID: out.SID, Status: st}, nil
}

// SendText implements gateway.Provider.
func (p *Provider) SendText(ctx context.Context, ep *models.ChannelEndpoint, to, text string) (*gateway.SendResult, error) {
	return p.send(ctx, ep, url.Values{"To": {to}, "Body": {text}})
}

// SendMedia implements gateway.Provider.
func (p *Provider) SendMedia(ctx context.Context, ep *models.ChannelEndpoint, to string, media gateway.Media, caption string) (*gateway.SendResult, error) {
	if media.URL == "" {
		return nil, fmt.Errorf("saas: media must be sent by url: %w", errs.ErrProviderError)
	}
	form := url.Values{"To": {to}, "MediaUrl": {media.URL}}
	if caption != "" {
		form.Set("Body", caption)
	}
	return p.send(ctx, ep, form)
}

func parseForm(wh gateway.Webhook) (url.Values, error) {
	v, err := url.ParseQuery(string(wh.Body))
	if err != nil {
		return nil, fmt.Errorf("saas: decode form: %w", err)
	}
	return v, nil
}

// ParseInbound implements gateway.Provider. The attachment URL is carried
// as the media ref; FetchMedia downloads it with the account credentials.
func (p *Provider) ParseInbound(_ context.Context, _ *models.ChannelEndpoint, wh gateway.Webhook) ([]gateway.InboundMessage, error) {
	v, err := parseForm(wh)
	if err != nil {
		return nil, err
	}
	sid := v.Get("MessageSid")
	if sid == "" {
		return nil, nil
	}
	in := gateway.InboundMessage{
		ExternalID: sid,
		From:       strings.TrimPrefix(v.Get("From"), "whatsapp:"),
		FromName:   v.Get("ProfileName"),
		To:         strings.TrimPrefix(v.Get("To"), "whatsapp:"),
		Kind:       gateway.KindText,
		Body:       v.Get("Body"),
		At:         time.Now().UTC(),
	}

	n, _ := strconv.Atoi(v.Get("NumMedia"))
	if n > 0 {
		mimeType := v.Get("MediaContentType0")
		in.MediaRef = v.Get("MediaUrl0")
		in.MediaType = mimeType
		in.Kind = gateway.KindForMime(mimeType)
	} else if v.Get("Latitude") != "" {
		in.Kind = gateway.KindLocation
		in.Body = v.Get("Latitude") + "," + v.Get("Longitude")
	}
	return []gateway.InboundMessage{in}, nil
}

// FetchMedia implements gateway.MediaFetcher. The local copy replaces the
// provider URL, which needs credentials to open.
func (p *Provider) FetchMedia(ctx context.Context, ep *models.ChannelEndpoint, in *gateway.InboundMessage) error {
	path, err := p.download(ctx, ep, in.ExternalID, in.MediaRef, in.MediaType)
	if err != nil {
		return err
	}
	in.MediaPath = path
	return nil
}

func (p *Provider) download(ctx context.Context, ep *models.ChannelEndpoint, sid, mediaURL, mimeType string) (string, error) {
	acct, token, err := credentials(ep)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return "", fmt.Errorf("saas: build media request: %w", err)
	}
	req.SetBasicAuth(acct, token)
	resp, err := p.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("saas: download media for %s: %w", sid, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("saas: download media for %s: status %d: %w", sid, resp.StatusCode, errs.ErrProviderError)
	}
	if mimeType == "" {
		mimeType = resp.Header.Get("Content-Type")
	}
	return gateway.SaveMedia(p.mediaDir, ep.ID, sid, mimeType, resp.Body)
}

// ParseStatus implements gateway.Provider.
func (p *Provider) ParseStatus(_ context.Context, _ *models.ChannelEndpoint, wh gateway.Webhook) ([]gateway.DeliveryStatus, error) {
	v, err := parseForm(wh)
	if err != nil {
		return nil, err
	}
	sid := v.Get("MessageSid")
	st := mapStatus(v.Get("MessageStatus"))
	if sid == "" || st == "" {
		return nil, nil
	}
	return []gateway.DeliveryStatus{{
		ExternalID: sid,
		Status:     st,
		ErrorCode:  v.Get("ErrorCode"),
		At:         time.Now().UTC(),
	}}, nil
}

func mapStatus(s string) string {
	switch s {
	case "queued", "accepted", "sending":
		return models.DeliveryPending
	case "sent":
		return models.DeliverySent
	case "delivered":
		return models.DeliveryDelivered
	case "read":
		return models.DeliveryRead
	case "failed", "undelivered":
		return models.DeliveryFailed
	}
	return ""
}
