package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/zulandar/chatyard/internal/models"
)

// MockProvider implements Provider for testing. Inbound and status webhooks
// carry JSON arrays of InboundMessage and DeliveryStatus respectively.
type MockProvider struct {
	mu      sync.Mutex
	kind    string
	sent    []OutboundRecord
	sendErr error
	counter int

	fetchErr error
	fetches  []string
}

// OutboundRecord is one send captured by MockProvider.
type OutboundRecord struct {
	EndpointID string
	To         string
	Text       string
	Media      *Media
}

// NewMockProvider returns a MockProvider handling endpoints of kind.
func NewMockProvider(kind string) *MockProvider {
	return &MockProvider{kind: kind}
}

// Kind implements Provider.
func (m *MockProvider) Kind() string { return m.kind }

// FailSends makes every subsequent send return err. nil restores success.
func (m *MockProvider) FailSends(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

// Sent returns captured sends.
func (m *MockProvider) Sent() []OutboundRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]OutboundRecord, len(m.sent))
	copy(out, m.sent)
	return out
}

func (m *MockProvider) record(r OutboundRecord) (*SendResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	m.counter++
	m.sent = append(m.sent, r)
	return &SendResult{ExternalID: fmt.Sprintf("mock-%d", m.counter)}, nil
}

// SendText implements Provider.
func (m *MockProvider) SendText(_ context.Context, ep *models.ChannelEndpoint, to, text string) (*SendResult, error) {
	return m.record(OutboundRecord{EndpointID: ep.ID, To: to, Text: text})
}

// SendMedia implements Provider.
func (m *MockProvider) SendMedia(_ context.Context, ep *models.ChannelEndpoint, to string, media Media, caption string) (*SendResult, error) {
	return m.record(OutboundRecord{EndpointID: ep.ID, To: to, Text: caption, Media: &media})
}

// FailFetches makes every subsequent media fetch return err. nil restores
// success.
func (m *MockProvider) FailFetches(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchErr = err
}

// Fetches returns the media refs fetched so far.
func (m *MockProvider) Fetches() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.fetches...)
}

// FetchMedia implements MediaFetcher. The stored path is "mock/<ref>".
func (m *MockProvider) FetchMedia(_ context.Context, _ *models.ChannelEndpoint, in *InboundMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetches = append(m.fetches, in.MediaRef)
	if m.fetchErr != nil {
		return m.fetchErr
	}
	in.MediaPath = "mock/" + in.MediaRef
	return nil
}

// ParseInbound implements Provider.
func (m *MockProvider) ParseInbound(_ context.Context, _ *models.ChannelEndpoint, wh Webhook) ([]InboundMessage, error) {
	var msgs []InboundMessage
	if err := json.Unmarshal(wh.Body, &msgs); err != nil {
		return nil, fmt.Errorf("mock: decode inbound: %w", err)
	}
	return msgs, nil
}

// ParseStatus implements Provider.
func (m *MockProvider) ParseStatus(_ context.Context, _ *models.ChannelEndpoint, wh Webhook) ([]DeliveryStatus, error) {
	var sts []DeliveryStatus
	if err := json.Unmarshal(wh.Body, &sts); err != nil {
		return nil, fmt.Errorf("mock: decode status: %w", err)
	}
	return sts, nil
}

// MockInbound encodes messages as a webhook for MockProvider.
func MockInbound(endpointID string, msgs ...InboundMessage) Webhook {
	body, _ := json.Marshal(msgs)
	return Webhook{EndpointID: endpointID, ContentType: "application/json", Body: body}
}

// MockStatus encodes reports as a webhook for MockProvider.
func MockStatus(endpointID string, sts ...DeliveryStatus) Webhook {
	body, _ := json.Marshal(sts)
	return Webhook{EndpointID: endpointID, ContentType: "application/json", Body: body}
}
