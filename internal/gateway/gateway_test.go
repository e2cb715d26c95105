package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zulandar/chatyard/internal/chattest"
	"github.com/zulandar/chatyard/internal/config"
	"github.com/zulandar/chatyard/internal/errs"
	"github.com/zulandar/chatyard/internal/events"
	"github.com/zulandar/chatyard/internal/models"
	"gorm.io/gorm"
)

func newTestGateway(t *testing.T, guard *Guard, opts ...Option) (*Gateway, *MockProvider, *gorm.DB, *events.Recorder) {
	t.Helper()
	db := chattest.OpenDB(t)
	chattest.Endpoint(t, db, "wa", models.KindCloud, models.ConnConnected, nil)
	bus := events.NewBus()
	rec := &events.Recorder{}
	bus.Subscribe("rec", rec)
	g := New(db, bus, guard, opts...)
	t.Cleanup(g.Close)
	p := NewMockProvider(models.KindCloud)
	g.Register(p)
	return g, p, db, rec
}

func TestSendText_DelegatesToProvider(t *testing.T) {
	g, p, _, _ := newTestGateway(t, nil)

	res, err := g.SendText(context.Background(), "wa", "+1555", "hello")
	require.NoError(t, err)
	assert.Equal(t, "mock-1", res.ExternalID)
	assert.Equal(t, models.DeliveryPending, res.Status)
	require.Len(t, p.Sent(), 1)
	assert.Equal(t, "+1555", p.Sent()[0].To)
}

func TestSendText_Rejections(t *testing.T) {
	g, p, db, rec := newTestGateway(t, nil)
	chattest.Endpoint(t, db, "down", models.KindCloud, models.ConnDisconnected, nil)
	chattest.Endpoint(t, db, "fax", "fax", models.ConnConnected, nil)

	_, err := g.SendText(context.Background(), "ghost", "+1", "x")
	assert.ErrorIs(t, err, errs.ErrNotFound)

	_, err = g.SendText(context.Background(), "down", "+1", "x")
	assert.ErrorIs(t, err, errs.ErrProviderError)

	_, err = g.SendText(context.Background(), "fax", "+1", "x")
	assert.ErrorIs(t, err, errs.ErrProviderError)

	p.FailSends(errors.New("upstream 500"))
	_, err = g.SendText(context.Background(), "wa", "+1", "x")
	assert.ErrorIs(t, err, errs.ErrProviderError)
	assert.Equal(t, 1, rec.Count(events.ProviderError))
}

func TestSendText_GuardDenies(t *testing.T) {
	guard := NewGuard(config.GuardConfig{MaxPerHour: 2}, nil)
	g, p, _, _ := newTestGateway(t, guard)

	for i := 0; i < 2; i++ {
		_, err := g.SendText(context.Background(), "wa", "+1", "x")
		require.NoError(t, err)
	}
	_, err := g.SendText(context.Background(), "wa", "+1", "x")
	assert.ErrorIs(t, err, errs.ErrProviderError)
	assert.Contains(t, err.Error(), "hourly limit")
	assert.Len(t, p.Sent(), 2)
}

func TestProcessInbound_Dedupes(t *testing.T) {
	g, _, _, _ := newTestGateway(t, nil)
	wh := MockInbound("wa", InboundMessage{ExternalID: "ext-1", From: "+1555", Body: "hi"})

	first, err := g.ProcessInbound(context.Background(), wh)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, "wa", first[0].EndpointID)
	assert.Equal(t, KindText, first[0].Kind)
	assert.False(t, first[0].At.IsZero())

	second, err := g.ProcessInbound(context.Background(), wh)
	require.NoError(t, err)
	assert.Empty(t, second)
}

func TestProcessInbound_FetchesMediaAfterDedupe(t *testing.T) {
	g, mp, _, _ := newTestGateway(t, nil)
	wh := MockInbound("wa", InboundMessage{ExternalID: "ext-m", From: "+1555", Kind: KindImage, MediaRef: "img-1", MediaType: "image/jpeg"})

	first, err := g.ProcessInbound(context.Background(), wh)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, "mock/img-1", first[0].MediaPath)

	second, err := g.ProcessInbound(context.Background(), wh)
	require.NoError(t, err)
	assert.Empty(t, second)
	assert.Equal(t, []string{"img-1"}, mp.Fetches(), "a redelivery must not download again")
}

func TestProcessInbound_FetchFailureReleasesKeys(t *testing.T) {
	g, mp, _, _ := newTestGateway(t, nil)
	wh := MockInbound("wa",
		InboundMessage{ExternalID: "ext-a", From: "+1555", Body: "hi"},
		InboundMessage{ExternalID: "ext-b", From: "+1555", Kind: KindImage, MediaRef: "img-2"},
	)
	mp.FailFetches(errors.New("cdn down"))

	_, err := g.ProcessInbound(context.Background(), wh)
	require.ErrorIs(t, err, errs.ErrProviderError)

	mp.FailFetches(nil)
	got, err := g.ProcessInbound(context.Background(), wh)
	require.NoError(t, err)
	require.Len(t, got, 2, "both messages are accepted on redelivery")
	assert.Equal(t, "mock/img-2", got[1].MediaPath)
}

func TestForget_AcceptsRedelivery(t *testing.T) {
	g, _, _, _ := newTestGateway(t, nil)
	wh := MockInbound("wa", InboundMessage{ExternalID: "ext-f", From: "+1555", Body: "hi"})

	_, err := g.ProcessInbound(context.Background(), wh)
	require.NoError(t, err)
	g.Forget("wa", "ext-f")
	g.Forget("wa", "")

	again, err := g.ProcessInbound(context.Background(), wh)
	require.NoError(t, err)
	assert.Len(t, again, 1)
}

func TestProcessInbound_ParseError(t *testing.T) {
	g, _, _, _ := newTestGateway(t, nil)
	_, err := g.ProcessInbound(context.Background(), Webhook{EndpointID: "wa", Body: []byte("{")})
	assert.ErrorIs(t, err, errs.ErrProviderError)
}

func seedOutbound(t *testing.T, db *gorm.DB, id, ext, status string) {
	t.Helper()
	m := models.Message{
		ID: id, ChatID: "c1", EndpointID: "wa", ExternalID: models.StrPtr(ext),
		Direction: models.DirectionOutbound, SenderType: models.SenderAgent, DeliveryStatus: status,
	}
	require.NoError(t, db.Create(&m).Error)
}

func deliveryStatus(t *testing.T, db *gorm.DB, id string) models.Message {
	t.Helper()
	var m models.Message
	require.NoError(t, db.First(&m, "id = ?", id).Error)
	return m
}

func TestApplyStatus_Monotonic(t *testing.T) {
	tests := []struct {
		from    string
		to      string
		applied bool
	}{
		{models.DeliveryPending, models.DeliverySent, true},
		{models.DeliveryPending, models.DeliveryRead, true},
		{models.DeliverySent, models.DeliveryDelivered, true},
		{models.DeliveryDelivered, models.DeliverySent, false},
		{models.DeliveryRead, models.DeliveryDelivered, false},
		{models.DeliveryRead, models.DeliveryFailed, false},
		{models.DeliveryDelivered, models.DeliveryFailed, true},
		{models.DeliveryFailed, models.DeliveryRead, false},
		{models.DeliveryPending, models.DeliveryPending, false},
		{models.DeliverySent, "bogus", false},
	}
	for _, tt := range tests {
		t.Run(tt.from+"->"+tt.to, func(t *testing.T) {
			g, _, db, _ := newTestGateway(t, nil)
			seedOutbound(t, db, "m1", "ext-1", tt.from)

			ok, err := g.ApplyStatus(context.Background(), DeliveryStatus{EndpointID: "wa", ExternalID: "ext-1", Status: tt.to})
			require.NoError(t, err)
			assert.Equal(t, tt.applied, ok)

			want := tt.from
			if tt.applied {
				want = tt.to
			}
			assert.Equal(t, want, deliveryStatus(t, db, "m1").DeliveryStatus)
			assert.Equal(t, tt.applied, CanAdvance(tt.from, tt.to))
		})
	}
}

func TestProcessStatus_ReturnsApplied(t *testing.T) {
	g, _, db, _ := newTestGateway(t, nil)
	seedOutbound(t, db, "m1", "ext-1", models.DeliverySent)
	seedOutbound(t, db, "m2", "ext-2", models.DeliveryRead)

	got, err := g.ProcessStatus(context.Background(), MockStatus("wa",
		DeliveryStatus{ExternalID: "ext-1", Status: models.DeliveryDelivered},
		DeliveryStatus{ExternalID: "ext-2", Status: models.DeliveryDelivered},
		DeliveryStatus{ExternalID: "unknown", Status: models.DeliveryRead},
	))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "ext-1", got[0].ExternalID)
}

func TestDeliveryTimeout_MarksPendingFailed(t *testing.T) {
	g, _, db, rec := newTestGateway(t, nil, WithDeliveryTimeout(20*time.Millisecond, nil))
	seedOutbound(t, db, "m1", "ext-1", models.DeliveryPending)
	seedOutbound(t, db, "m2", "ext-2", models.DeliveryPending)

	g.Track("m1")
	g.Track("m2")
	_, err := g.ApplyStatus(context.Background(), DeliveryStatus{EndpointID: "wa", ExternalID: "ext-2", Status: models.DeliverySent})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		var m models.Message
		if err := db.First(&m, "id = ?", "m1").Error; err != nil {
			return false
		}
		return m.DeliveryStatus == models.DeliveryFailed
	}, time.Second, 5*time.Millisecond)

	m1 := deliveryStatus(t, db, "m1")
	assert.Equal(t, ErrorCodeDeliveryTimeout, m1.ErrorCode)
	assert.Equal(t, models.DeliverySent, deliveryStatus(t, db, "m2").DeliveryStatus)
	assert.Eventually(t, func() bool { return rec.Count(events.MessageStatus) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, g.tracker.Pending())
}

func TestSetEndpointStatus_PublishesOnChange(t *testing.T) {
	g, _, _, rec := newTestGateway(t, nil)

	require.NoError(t, g.SetEndpointStatus(context.Background(), "wa", models.ConnDisconnected))
	require.NoError(t, g.SetEndpointStatus(context.Background(), "wa", models.ConnDisconnected))
	assert.Equal(t, 1, rec.Count(events.EndpointStatusChanged))

	ep, err := g.Endpoint(context.Background(), "wa")
	require.NoError(t, err)
	assert.Equal(t, models.ConnDisconnected, ep.ConnectionStatus)
}

func TestVerify_UnsupportedProvider(t *testing.T) {
	g, _, _, _ := newTestGateway(t, nil)
	_, err := g.Verify(context.Background(), "wa", nil)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}
