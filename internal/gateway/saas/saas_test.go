package saas

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zulandar/chatyard/internal/errs"
	"github.com/zulandar/chatyard/internal/gateway"
	"github.com/zulandar/chatyard/internal/models"
)

func testEndpoint(base string) *models.ChannelEndpoint {
	return &models.ChannelEndpoint{
		ID:   "sms",
		Kind: models.KindSaaS,
		Credentials: map[string]any{
			CredAccountSID: "AC123",
			CredAuthToken:  "secret",
			CredFrom:       "+15550000",
			CredBaseURL:    base,
		},
	}
}

func formWebhook(v url.Values) gateway.Webhook {
	return gateway.Webhook{ContentType: "application/x-www-form-urlencoded", Body: []byte(v.Encode())}
}

func TestSendText(t *testing.T) {
	var gotUser, gotPass, gotPath string
	var gotForm url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, gotPass, _ = r.BasicAuth()
		gotPath = r.URL.Path
		r.ParseForm()
		gotForm = r.PostForm
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"sid":"SM1","status":"queued"}`))
	}))
	defer srv.Close()

	res, err := New(t.TempDir()).SendText(context.Background(), testEndpoint(srv.URL), "+15551234", "hello")
	require.NoError(t, err)
	assert.Equal(t, "SM1", res.ExternalID)
	assert.Equal(t, models.DeliveryPending, res.Status)
	assert.Equal(t, "AC123", gotUser)
	assert.Equal(t, "secret", gotPass)
	assert.Equal(t, "/Accounts/AC123/Messages.json", gotPath)
	assert.Equal(t, "+15551234", gotForm.Get("To"))
	assert.Equal(t, "+15550000", gotForm.Get("From"))
	assert.Equal(t, "hello", gotForm.Get("Body"))
}

func TestSendText_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":21211,"message":"Invalid 'To' Phone Number"}`))
	}))
	defer srv.Close()

	_, err := New(t.TempDir()).SendText(context.Background(), testEndpoint(srv.URL), "bad", "x")
	assert.ErrorIs(t, err, errs.ErrProviderError)
	assert.Contains(t, err.Error(), "21211")
}

func TestSendText_MissingCredentials(t *testing.T) {
	ep := testEndpoint("http://unused")
	delete(ep.Credentials, CredAuthToken)
	_, err := New(t.TempDir()).SendText(context.Background(), ep, "1", "x")
	assert.ErrorIs(t, err, errs.ErrProviderError)
}

func TestSendMedia(t *testing.T) {
	var gotForm url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		gotForm = r.PostForm
		w.Write([]byte(`{"sid":"SM2","status":"sent"}`))
	}))
	defer srv.Close()

	res, err := New(t.TempDir()).SendMedia(context.Background(), testEndpoint(srv.URL), "1",
		gateway.Media{URL: "https://files.test/a.jpg"}, "pic")
	require.NoError(t, err)
	assert.Equal(t, models.DeliverySent, res.Status)
	assert.Equal(t, "https://files.test/a.jpg", gotForm.Get("MediaUrl"))
	assert.Equal(t, "pic", gotForm.Get("Body"))
}

func TestParseInbound_Text(t *testing.T) {
	msgs, err := New(t.TempDir()).ParseInbound(context.Background(), testEndpoint(""), formWebhook(url.Values{
		"MessageSid":  {"SMin1"},
		"From":        {"whatsapp:+15551234"},
		"To":          {"whatsapp:+15550000"},
		"Body":        {"hello"},
		"ProfileName": {"Bea"},
		"NumMedia":    {"0"},
	}))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	m := msgs[0]
	assert.Equal(t, "SMin1", m.ExternalID)
	assert.Equal(t, "+15551234", m.From)
	assert.Equal(t, "Bea", m.FromName)
	assert.Equal(t, gateway.KindText, m.Kind)
	assert.Equal(t, "hello", m.Body)
}

func TestFetchMedia_DownloadsWithAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "AC123" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write([]byte("jpeg"))
	}))
	defer srv.Close()

	p := New(t.TempDir())
	ep := testEndpoint(srv.URL)
	msgs, err := p.ParseInbound(context.Background(), ep, formWebhook(url.Values{
		"MessageSid":        {"SMimg"},
		"From":              {"+1"},
		"NumMedia":          {"1"},
		"MediaUrl0":         {srv.URL + "/media/ME1"},
		"MediaContentType0": {"image/jpeg"},
	}))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, gateway.KindImage, msgs[0].Kind)
	assert.Equal(t, "image/jpeg", msgs[0].MediaType)
	assert.Empty(t, msgs[0].MediaPath, "parsing does not download")

	require.NoError(t, p.FetchMedia(context.Background(), ep, &msgs[0]))
	data, err := os.ReadFile(msgs[0].MediaPath)
	require.NoError(t, err)
	assert.Equal(t, "jpeg", string(data))
}

func TestFetchMedia_DownloadFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	p := New(t.TempDir())
	ep := testEndpoint(srv.URL)
	msgs, err := p.ParseInbound(context.Background(), ep, formWebhook(url.Values{
		"MessageSid": {"SMx"}, "NumMedia": {"1"}, "MediaUrl0": {srv.URL + "/gone"},
	}))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	err = p.FetchMedia(context.Background(), ep, &msgs[0])
	assert.ErrorIs(t, err, errs.ErrProviderError)
	assert.Empty(t, msgs[0].MediaPath)
}

func TestParseStatus(t *testing.T) {
	p := New(t.TempDir())
	tests := []struct {
		status string
		want   string
	}{
		{"sent", models.DeliverySent},
		{"delivered", models.DeliveryDelivered},
		{"read", models.DeliveryRead},
		{"undelivered", models.DeliveryFailed},
		{"failed", models.DeliveryFailed},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			sts, err := p.ParseStatus(context.Background(), testEndpoint(""), formWebhook(url.Values{
				"MessageSid": {"SM1"}, "MessageStatus": {tt.status}, "ErrorCode": {"30003"},
			}))
			require.NoError(t, err)
			require.Len(t, sts, 1)
			assert.Equal(t, tt.want, sts[0].Status)
			assert.Equal(t, "30003", sts[0].ErrorCode)
		})
	}

	sts, err := p.ParseStatus(context.Background(), testEndpoint(""), formWebhook(url.Values{"MessageSid": {"SM1"}, "MessageStatus": {"scheduled"}}))
	require.NoError(t, err)
	assert.Empty(t, sts)
}
