// Package slack posts supervisor notices to a Slack incoming webhook.
package slack

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/zulandar/chatyard/internal/notify"
)

const maxRetries = 3

type postFunc func(ctx context.Context, url string, msg *slackapi.WebhookMessage) error

// Notifier implements notify.Notifier for Slack.
type Notifier struct {
	url  string
	post postFunc
	// baseBackoff is the first retry wait when Slack gives no Retry-After.
	baseBackoff time.Duration
}

// New returns a Notifier posting to webhookURL.
func New(webhookURL string) (*Notifier, error) {
	if webhookURL == "" {
		return nil, fmt.Errorf("slack: webhook url is required")
	}
	return &Notifier{url: webhookURL, post: slackapi.PostWebhookContext, baseBackoff: time.Second}, nil
}

// NotifySupervisors implements notify.Notifier.
func (n *Notifier) NotifySupervisors(ctx context.Context, notice notify.Notice) error {
	msg := buildMessage(notify.Format(notice))
	err := retryOnRateLimit(ctx, n.baseBackoff, func() error {
		return n.post(ctx, n.url, msg)
	})
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	return nil
}

func buildMessage(f notify.Formatted) *slackapi.WebhookMessage {
	att := slackapi.Attachment{
		Title:    f.Title,
		Text:     f.Body,
		Color:    f.Color,
		Fallback: f.Text(),
	}
	for _, fl := range f.Fields {
		att.Fields = append(att.Fields, slackapi.AttachmentField{
			Title: fl.Name,
			Value: fl.Value,
			Short: fl.Short,
		})
	}
	return &slackapi.WebhookMessage{
		Text:        f.Text(),
		Attachments: []slackapi.Attachment{att},
	}
}

// retryOnRateLimit calls fn and retries with backoff on Slack rate limit
// errors, honouring RetryAfter and context cancellation.
func retryOnRateLimit(ctx context.Context, base time.Duration, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) {
			return err
		}
		if attempt == maxRetries {
			return err
		}

		wait := rle.RetryAfter
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * base
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil
}
