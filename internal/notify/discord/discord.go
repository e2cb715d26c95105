// Package discord posts supervisor notices through a Discord webhook.
package discord

import (
	"context"
	"fmt"
	"log"
	"math"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/zulandar/chatyard/internal/notify"
)

const (
	maxRetries  = 3
	baseBackoff = 2 * time.Second
	maxBackoff  = 30 * time.Second
)

// webhookExecutor abstracts the discordgo.Session method we use.
type webhookExecutor interface {
	WebhookExecute(webhookID, token string, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Notifier implements notify.Notifier for Discord.
type Notifier struct {
	exec        webhookExecutor
	webhookID   string
	token       string
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

// New returns a Notifier for the webhook identified by id and token.
func New(id, token string) (*Notifier, error) {
	if id == "" || token == "" {
		return nil, fmt.Errorf("discord: webhook id and token are required")
	}
	// Webhook execution needs no bot token.
	s, err := discordgo.New("")
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	return &Notifier{exec: s, webhookID: id, token: token, baseBackoff: baseBackoff, maxBackoff: maxBackoff}, nil
}

// NotifySupervisors implements notify.Notifier.
func (n *Notifier) NotifySupervisors(ctx context.Context, notice notify.Notice) error {
	params := buildParams(notify.Format(notice))
	err := n.retryOnRateLimit(ctx, func() error {
		_, err := n.exec.WebhookExecute(n.webhookID, n.token, false, params, discordgo.WithContext(ctx))
		return err
	})
	if err != nil {
		return fmt.Errorf("discord: execute webhook: %w", err)
	}
	return nil
}

func buildParams(f notify.Formatted) *discordgo.WebhookParams {
	embed := &discordgo.MessageEmbed{
		Title:       f.Title,
		Description: f.Body,
		Color:       parseHexColor(f.Color),
	}
	for _, fl := range f.Fields {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:   fl.Name,
			Value:  fl.Value,
			Inline: fl.Short,
		})
	}
	return &discordgo.WebhookParams{
		Content: f.Text(),
		Embeds:  []*discordgo.MessageEmbed{embed},
	}
}

// parseHexColor converts "#36a64f" to an int.
func parseHexColor(hex string) int {
	if len(hex) > 0 && hex[0] == '#' {
		hex = hex[1:]
	}
	var color int
	for _, c := range hex {
		color <<= 4
		switch {
		case c >= '0' && c <= '9':
			color |= int(c - '0')
		case c >= 'a' && c <= 'f':
			color |= int(c-'a') + 10
		case c >= 'A' && c <= 'F':
			color |= int(c-'A') + 10
		}
	}
	return color
}

func (n *Notifier) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		restErr, ok := err.(*discordgo.RESTError)
		if !ok || restErr.Response == nil || restErr.Response.StatusCode != http.StatusTooManyRequests {
			return err
		}
		if attempt == maxRetries {
			return err
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * n.baseBackoff
		if wait > n.maxBackoff {
			wait = n.maxBackoff
		}
		log.Printf("discord: rate limited (attempt %d/%d), retrying in %v", attempt+1, maxRetries, wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil
}
