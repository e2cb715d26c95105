// Package closing produces the closing document for a conversation and tells
// supervisors about it. Both steps are best-effort.
package closing

import (
	"context"
	"log"

	"github.com/zulandar/chatyard/internal/documents"
	"github.com/zulandar/chatyard/internal/models"
	"github.com/zulandar/chatyard/internal/notify"
)

// Archiver generates closing documents and notifies supervisors.
type Archiver struct {
	docs     documents.Generator
	notifier notify.Notifier
}

// New returns an Archiver. Nil collaborators are replaced with no-ops.
func New(docs documents.Generator, notifier notify.Notifier) *Archiver {
	if docs == nil {
		docs = documents.Noop{}
	}
	if notifier == nil {
		notifier = notify.Noop{}
	}
	return &Archiver{docs: docs, notifier: notifier}
}

var kindLabels = map[string]string{
	documents.KindAgentTimeout: notify.KindAgentTimeout,
	documents.KindAuto:         notify.KindAuto,
	documents.KindReturnToBot:  notify.KindReturnToBot,
	documents.KindManual:       notify.KindManual,
}

// Archive generates the document for chat and notifies supervisors. It must
// be called outside any chat transaction. Failures are logged and the
// returned document is nil when generation failed.
func (a *Archiver) Archive(ctx context.Context, chat *models.Chat, kind, agentID string) *documents.Document {
	doc, err := a.docs.GenerateClosingDocument(ctx, chat.ID, kind, agentID)
	if err != nil {
		log.Printf("closing: generate document for %s: %v", chat.ID, err)
		doc = nil
	}

	n := notify.Notice{
		ChatID:           chat.ID,
		ContactLabel:     contactLabel(chat),
		AgentLabel:       agentID,
		ClosureKindLabel: kindLabels[kind],
	}
	if n.ClosureKindLabel == "" {
		n.ClosureKindLabel = kind
	}
	if doc != nil {
		n.DocumentName = doc.Name
		n.TicketID = doc.TicketID
	}
	if err := a.notifier.NotifySupervisors(ctx, n); err != nil {
		log.Printf("closing: notify supervisors for %s: %v", chat.ID, err)
	}
	return doc
}

func contactLabel(c *models.Chat) string {
	if c.ContactName != "" {
		return c.ContactName + " (" + c.ContactAddress + ")"
	}
	return c.ContactAddress
}
