// Package notify delivers closure notices to supervisors. Delivery is
// best-effort: callers log failures and carry on.
package notify

import (
	"context"
	"errors"
	"fmt"
)

// Notice describes one closed or returned conversation.
type Notice struct {
	ChatID           string
	DocumentName     string
	TicketID         string
	ContactLabel     string
	AgentLabel       string
	ClosureKindLabel string
}

// Notifier sends a Notice to supervisors.
type Notifier interface {
	NotifySupervisors(ctx context.Context, n Notice) error
}

// Field is a labelled value rendered beside the notice text.
type Field struct {
	Name  string
	Value string
	Short bool
}

// Formatted is the channel-neutral rendering of a Notice.
type Formatted struct {
	Title  string
	Body   string
	Color  string
	Fields []Field
}

// Closure kind labels.
const (
	KindAgentTimeout = "agent timeout"
	KindAuto         = "auto close"
	KindReturnToBot  = "returned to bot"
	KindManual       = "manual close"
)

// Format renders n for chat channels.
func Format(n Notice) Formatted {
	f := Formatted{
		Title: fmt.Sprintf("Conversation closed: %s", n.ClosureKindLabel),
		Body:  fmt.Sprintf("%s with %s", n.ContactLabel, agentOrBot(n.AgentLabel)),
		Color: colorFor(n.ClosureKindLabel),
	}
	if n.TicketID != "" {
		f.Fields = append(f.Fields, Field{Name: "Ticket", Value: n.TicketID, Short: true})
	}
	if n.DocumentName != "" {
		f.Fields = append(f.Fields, Field{Name: "Document", Value: n.DocumentName, Short: true})
	}
	if n.ChatID != "" {
		f.Fields = append(f.Fields, Field{Name: "Chat", Value: n.ChatID})
	}
	return f
}

// Text returns a single-line fallback rendering.
func (f Formatted) Text() string {
	return f.Title + " | " + f.Body
}

func agentOrBot(label string) string {
	if label == "" {
		return "no agent"
	}
	return label
}

func colorFor(kind string) string {
	switch kind {
	case KindAgentTimeout:
		return "#cc0000"
	case KindAuto:
		return "#ff9900"
	default:
		return "#36a64f"
	}
}

// Multi fans a notice out to several notifiers. Every notifier is tried;
// the returned error joins all failures.
type Multi []Notifier

// NotifySupervisors implements Notifier.
func (m Multi) NotifySupervisors(ctx context.Context, n Notice) error {
	var errs []error
	for _, nt := range m {
		if err := nt.NotifySupervisors(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Noop discards notices.
type Noop struct{}

// NotifySupervisors implements Notifier.
func (Noop) NotifySupervisors(context.Context, Notice) error { return nil }
