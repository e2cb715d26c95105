package slack

import (
	"context"
	"errors"
	"testing"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/zulandar/chatyard/internal/notify"
)

func TestNew_RequiresURL(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty url")
	}
}

func TestNotifySupervisors_BuildsAttachment(t *testing.T) {
	n, err := New("https://hooks.slack.test/x")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var gotURL string
	var got *slackapi.WebhookMessage
	n.post = func(_ context.Context, url string, msg *slackapi.WebhookMessage) error {
		gotURL, got = url, msg
		return nil
	}

	err = n.NotifySupervisors(context.Background(), notify.Notice{
		TicketID:         "T-1",
		ContactLabel:     "+1555",
		AgentLabel:       "Alice",
		ClosureKindLabel: notify.KindAuto,
	})
	if err != nil {
		t.Fatalf("NotifySupervisors: %v", err)
	}
	if gotURL != "https://hooks.slack.test/x" {
		t.Errorf("url = %q", gotURL)
	}
	if len(got.Attachments) != 1 {
		t.Fatalf("attachments = %d", len(got.Attachments))
	}
	att := got.Attachments[0]
	if att.Color != "#ff9900" || len(att.Fields) != 1 || att.Fields[0].Value != "T-1" {
		t.Errorf("attachment = %+v", att)
	}
}

func TestNotifySupervisors_RetriesRateLimit(t *testing.T) {
	n, _ := New("https://hooks.slack.test/x")
	calls := 0
	n.post = func(context.Context, string, *slackapi.WebhookMessage) error {
		calls++
		if calls < 3 {
			return &slackapi.RateLimitedError{RetryAfter: time.Millisecond}
		}
		return nil
	}
	if err := n.NotifySupervisors(context.Background(), notify.Notice{}); err != nil {
		t.Fatalf("NotifySupervisors: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestNotifySupervisors_NoRetryOnOtherErrors(t *testing.T) {
	n, _ := New("https://hooks.slack.test/x")
	calls := 0
	n.post = func(context.Context, string, *slackapi.WebhookMessage) error {
		calls++
		return errors.New("invalid_payload")
	}
	if err := n.NotifySupervisors(context.Background(), notify.Notice{}); err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}
