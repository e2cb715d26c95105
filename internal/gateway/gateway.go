// Package gateway normalizes the messaging backends behind one contract.
// It gates outbound sends on endpoint health and the abuse guard,
// deduplicates inbound webhooks and keeps delivery status monotonic.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/zulandar/chatyard/internal/errs"
	"github.com/zulandar/chatyard/internal/events"
	"github.com/zulandar/chatyard/internal/models"
	"gorm.io/gorm"
)

// Message kinds.
const (
	KindText     = "text"
	KindImage    = "image"
	KindAudio    = "audio"
	KindVideo    = "video"
	KindDocument = "document"
	KindSticker  = "sticker"
	KindLocation = "location"
	KindOther    = "other"
)

// Webhook is a raw provider callback.
type Webhook struct {
	EndpointID  string
	ContentType string
	Body        []byte
	Query       url.Values
	Header      http.Header
}

// InboundMessage is a provider message normalized for ingestion.
type InboundMessage struct {
	EndpointID string
	ExternalID string
	From       string
	FromName   string
	To         string
	Kind       string
	Body       string
	MediaPath  string
	MediaType  string
	// MediaRef is the provider's handle for an attachment not fetched yet.
	MediaRef string
	At       time.Time
}

// DeliveryStatus is a normalized provider delivery report.
type DeliveryStatus struct {
	EndpointID string
	ExternalID string
	Status     string
	ErrorCode  string
	At         time.Time
}

// Media is an outbound attachment. Either URL or Path is set.
type Media struct {
	Kind     string
	URL      string
	Path     string
	MimeType string
	Filename string
}

// SendResult is what a provider reports for an accepted send.
type SendResult struct {
	ExternalID string
	// Status is the initial delivery status, pending unless the backend
	// confirms synchronously.
	Status string
}

// Provider is one messaging backend.
type Provider interface {
	Kind() string
	SendText(ctx context.Context, ep *models.ChannelEndpoint, to, text string) (*SendResult, error)
	SendMedia(ctx context.Context, ep *models.ChannelEndpoint, to string, media Media, caption string) (*SendResult, error)
	ParseInbound(ctx context.Context, ep *models.ChannelEndpoint, wh Webhook) ([]InboundMessage, error)
	ParseStatus(ctx context.Context, ep *models.ChannelEndpoint, wh Webhook) ([]DeliveryStatus, error)
}

// MediaFetcher is implemented by providers whose attachments must be
// downloaded. FetchMedia stores in.MediaRef locally and sets in.MediaPath.
type MediaFetcher interface {
	FetchMedia(ctx context.Context, ep *models.ChannelEndpoint, in *InboundMessage) error
}

// Verifier is implemented by providers with a webhook subscription handshake.
type Verifier interface {
	Verify(ep *models.ChannelEndpoint, query url.Values) (string, error)
}

// Sender is the outbound half of the gateway that services depend on.
type Sender interface {
	SendText(ctx context.Context, endpointID, to, text string) (*SendResult, error)
}

// Gateway routes calls to the provider registered for each endpoint's kind.
type Gateway struct {
	db      *gorm.DB
	pub     events.Publisher
	guard   *Guard
	dedupe  DedupeStore
	tracker *DeliveryTracker

	mu        sync.RWMutex
	providers map[string]Provider
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithDedupeStore replaces the in-memory dedupe store.
func WithDedupeStore(s DedupeStore) Option {
	return func(g *Gateway) { g.dedupe = s }
}

// WithDeliveryTimeout sets the delivery confirmation window and pending store.
func WithDeliveryTimeout(d time.Duration, store PendingStore) Option {
	return func(g *Gateway) { g.tracker = NewDeliveryTracker(d, store, g.expire) }
}

// New returns a Gateway. guard may be nil to allow every send.
func New(db *gorm.DB, pub events.Publisher, guard *Guard, opts ...Option) *Gateway {
	g := &Gateway{
		db:        db,
		pub:       pub,
		guard:     guard,
		dedupe:    NewMemoryDedupe(24 * time.Hour),
		providers: make(map[string]Provider),
	}
	g.tracker = NewDeliveryTracker(DefaultDeliveryTimeout, nil, g.expire)
	for _, o := range opts {
		o(g)
	}
	return g
}

// Register makes p handle endpoints of p.Kind().
func (g *Gateway) Register(p Provider) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.providers[p.Kind()] = p
}

// Close stops pending delivery timers.
func (g *Gateway) Close() {
	g.tracker.Stop()
}

// Guard returns the gateway's guard, which may be nil.
func (g *Gateway) Guard() *Guard {
	return g.guard
}

// Endpoint loads an endpoint row.
func (g *Gateway) Endpoint(ctx context.Context, id string) (*models.ChannelEndpoint, error) {
	var ep models.ChannelEndpoint
	if err := g.db.WithContext(ctx).First(&ep, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("gateway: endpoint %s: %w", id, errs.ErrNotFound)
		}
		return nil, fmt.Errorf("gateway: load endpoint %s: %w", id, err)
	}
	return &ep, nil
}

// Endpoints lists all endpoints.
func (g *Gateway) Endpoints(ctx context.Context) ([]models.ChannelEndpoint, error) {
	var eps []models.ChannelEndpoint
	if err := g.db.WithContext(ctx).Order("id ASC").Find(&eps).Error; err != nil {
		return nil, fmt.Errorf("gateway: list endpoints: %w", err)
	}
	return eps, nil
}

func (g *Gateway) resolve(ctx context.Context, endpointID string) (*models.ChannelEndpoint, Provider, error) {
	ep, err := g.Endpoint(ctx, endpointID)
	if err != nil {
		return nil, nil, err
	}
	g.mu.RLock()
	p, ok := g.providers[ep.Kind]
	g.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("gateway: no provider for kind %q: %w", ep.Kind, errs.ErrProviderError)
	}
	return ep, p, nil
}

func (g *Gateway) admit(ep *models.ChannelEndpoint) error {
	if ep.ConnectionStatus != models.ConnConnected {
		return fmt.Errorf("gateway: endpoint %s is %s: %w", ep.ID, ep.ConnectionStatus, errs.ErrProviderError)
	}
	if g.guard == nil {
		return nil
	}
	d := g.guard.Check(ep.ID)
	if !d.Allowed {
		return fmt.Errorf("gateway: endpoint %s send denied (%s risk): %s: %w", ep.ID, d.Risk, d.Reason, errs.ErrProviderError)
	}
	return nil
}

func (g *Gateway) sent(ep *models.ChannelEndpoint, res *SendResult, err error) (*SendResult, error) {
	if err != nil {
		if g.guard != nil {
			g.guard.RecordError(ep.ID)
		}
		g.publishProviderError(ep.ID, err)
		if errors.Is(err, errs.ErrProviderError) {
			return nil, err
		}
		return nil, fmt.Errorf("gateway: send via %s: %v: %w", ep.ID, err, errs.ErrProviderError)
	}
	if g.guard != nil {
		g.guard.RecordSent(ep.ID)
	}
	if res == nil {
		res = &SendResult{}
	}
	if res.Status == "" {
		res.Status = models.DeliveryPending
	}
	return res, nil
}

// SendText sends a text message from endpointID to a contact address.
func (g *Gateway) SendText(ctx context.Context, endpointID, to, text string) (*SendResult, error) {
	ep, p, err := g.resolve(ctx, endpointID)
	if err != nil {
		return nil, err
	}
	if err := g.admit(ep); err != nil {
		return nil, err
	}
	res, err := p.SendText(ctx, ep, to, text)
	return g.sent(ep, res, err)
}

// SendMedia sends an attachment with an optional caption.
func (g *Gateway) SendMedia(ctx context.Context, endpointID, to string, media Media, caption string) (*SendResult, error) {
	ep, p, err := g.resolve(ctx, endpointID)
	if err != nil {
		return nil, err
	}
	if err := g.admit(ep); err != nil {
		return nil, err
	}
	res, err := p.SendMedia(ctx, ep, to, media, caption)
	return g.sent(ep, res, err)
}

// Verify answers a webhook subscription handshake.
func (g *Gateway) Verify(ctx context.Context, endpointID string, query url.Values) (string, error) {
	ep, p, err := g.resolve(ctx, endpointID)
	if err != nil {
		return "", err
	}
	v, ok := p.(Verifier)
	if !ok {
		return "", fmt.Errorf("gateway: %s endpoints have no verification handshake: %w", ep.Kind, errs.ErrNotFound)
	}
	return v.Verify(ep, query)
}

// ProcessInbound parses an inbound webhook and drops messages already seen.
// Attachments are fetched only for messages that pass the dedupe check. A
// caller that fails to store a returned message must call Forget for it.
func (g *Gateway) ProcessInbound(ctx context.Context, wh Webhook) ([]InboundMessage, error) {
	ep, p, err := g.resolve(ctx, wh.EndpointID)
	if err != nil {
		return nil, err
	}
	msgs, err := p.ParseInbound(ctx, ep, wh)
	if err != nil {
		return nil, fmt.Errorf("gateway: parse inbound for %s: %v: %w", ep.ID, err, errs.ErrProviderError)
	}
	fetcher, _ := p.(MediaFetcher)
	out := msgs[:0]
	for _, m := range msgs {
		m.EndpointID = ep.ID
		if m.ExternalID != "" && g.dedupe.Seen(DedupeKey(ep.ID, m.ExternalID)) {
			continue
		}
		if m.MediaRef != "" && fetcher != nil {
			if err := fetcher.FetchMedia(ctx, ep, &m); err != nil {
				g.Forget(ep.ID, m.ExternalID)
				for _, prev := range out {
					g.Forget(ep.ID, prev.ExternalID)
				}
				return nil, fmt.Errorf("gateway: fetch media for %s: %v: %w", m.ExternalID, err, errs.ErrProviderError)
			}
		}
		if m.At.IsZero() {
			m.At = time.Now().UTC()
		}
		if m.Kind == "" {
			m.Kind = KindText
		}
		if g.guard != nil {
			g.guard.RecordInbound(ep.ID)
		}
		out = append(out, m)
	}
	return out, nil
}

// Forget releases the dedupe key of an inbound message that was not stored.
func (g *Gateway) Forget(endpointID, externalID string) {
	if externalID != "" {
		g.dedupe.Forget(DedupeKey(endpointID, externalID))
	}
}

// ProcessStatus parses a status webhook and applies each report. It returns
// only the reports that changed a message.
func (g *Gateway) ProcessStatus(ctx context.Context, wh Webhook) ([]DeliveryStatus, error) {
	ep, p, err := g.resolve(ctx, wh.EndpointID)
	if err != nil {
		return nil, err
	}
	sts, err := p.ParseStatus(ctx, ep, wh)
	if err != nil {
		return nil, fmt.Errorf("gateway: parse status for %s: %v: %w", ep.ID, err, errs.ErrProviderError)
	}
	var applied []DeliveryStatus
	for _, st := range sts {
		st.EndpointID = ep.ID
		ok, err := g.ApplyStatus(ctx, st)
		if err != nil {
			return applied, err
		}
		if ok {
			applied = append(applied, st)
		}
	}
	return applied, nil
}

// ApplyStatus advances a message's delivery status if the move is forward
// on the ladder. It reports whether a row changed.
func (g *Gateway) ApplyStatus(ctx context.Context, st DeliveryStatus) (bool, error) {
	from := statusesBelow(st.Status)
	if len(from) == 0 {
		return false, nil
	}
	updates := map[string]interface{}{"delivery_status": st.Status}
	if st.ErrorCode != "" {
		updates["error_code"] = st.ErrorCode
	}
	result := g.db.WithContext(ctx).Model(&models.Message{}).
		Where("endpoint_id = ? AND external_id = ? AND delivery_status IN ?", st.EndpointID, st.ExternalID, from).
		Updates(updates)
	if result.Error != nil {
		return false, fmt.Errorf("gateway: apply status %s/%s: %w", st.EndpointID, st.ExternalID, result.Error)
	}
	if result.RowsAffected == 0 {
		return false, nil
	}

	var msg models.Message
	if err := g.db.WithContext(ctx).Select("id").First(&msg, "endpoint_id = ? AND external_id = ?", st.EndpointID, st.ExternalID).Error; err == nil {
		g.tracker.Confirm(msg.ID)
	}
	if g.guard != nil {
		switch st.Status {
		case models.DeliveryFailed:
			g.guard.RecordError(st.EndpointID)
		case models.DeliveryDelivered, models.DeliveryRead:
			g.guard.RecordDelivered(st.EndpointID)
		}
	}
	return true, nil
}

// Track starts the delivery confirmation timer for a persisted outbound message.
func (g *Gateway) Track(messageID string) {
	g.tracker.Track(messageID)
}

// expire marks a still-unconfirmed outbound message as failed.
func (g *Gateway) expire(messageID string) {
	result := g.db.Model(&models.Message{}).
		Where("id = ? AND delivery_status = ?", messageID, models.DeliveryPending).
		Updates(map[string]interface{}{
			"delivery_status": models.DeliveryFailed,
			"error_code":      ErrorCodeDeliveryTimeout,
		})
	if result.Error != nil {
		log.Printf("gateway: expire message %s: %v", messageID, result.Error)
		return
	}
	if result.RowsAffected == 0 {
		return
	}
	var msg models.Message
	if err := g.db.First(&msg, "id = ?", messageID).Error; err != nil {
		log.Printf("gateway: reload expired message %s: %v", messageID, err)
		return
	}
	if g.guard != nil {
		g.guard.RecordError(msg.EndpointID)
	}
	if g.pub != nil {
		ev := events.New(events.MessageStatus, msg.ChatID)
		ev.EndpointID = msg.EndpointID
		ev.To = models.DeliveryFailed
		ev.Payload = map[string]any{"message_id": msg.ID, "error_code": ErrorCodeDeliveryTimeout}
		g.pub.Publish(ev)
	}
}

// SetEndpointStatus records an endpoint's connection status and publishes
// endpoint:status-changed when it changes.
func (g *Gateway) SetEndpointStatus(ctx context.Context, endpointID, status string) error {
	ep, err := g.Endpoint(ctx, endpointID)
	if err != nil {
		return err
	}
	if ep.ConnectionStatus == status {
		return nil
	}
	if err := g.db.WithContext(ctx).Model(&models.ChannelEndpoint{}).Where("id = ?", endpointID).
		Update("connection_status", status).Error; err != nil {
		return fmt.Errorf("gateway: set endpoint %s status: %w", endpointID, err)
	}
	if g.pub != nil {
		ev := events.New(events.EndpointStatusChanged, "")
		ev.EndpointID = endpointID
		ev.From = ep.ConnectionStatus
		ev.To = status
		g.pub.Publish(ev)
	}
	return nil
}

func (g *Gateway) publishProviderError(endpointID string, err error) {
	if g.pub == nil {
		return
	}
	ev := events.New(events.ProviderError, "")
	ev.EndpointID = endpointID
	ev.Payload = map[string]any{"error": err.Error()}
	g.pub.Publish(ev)
}
