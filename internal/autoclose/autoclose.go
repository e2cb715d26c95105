// Package autoclose reclaims chats that went quiet on both sides.
package autoclose

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/zulandar/chatyard/internal/chatstate"
	"github.com/zulandar/chatyard/internal/closing"
	"github.com/zulandar/chatyard/internal/config"
	"github.com/zulandar/chatyard/internal/documents"
	"github.com/zulandar/chatyard/internal/events"
	"github.com/zulandar/chatyard/internal/models"
)

// DefaultBatchSize bounds the chats handled per run.
const DefaultBatchSize = 50

var errActive = errors.New("autoclose: chat saw activity")

var candidates = []string{models.StatusActive, models.StatusWaiting, models.StatusPending}

// Worker closes inactive chats.
type Worker struct {
	sm       *chatstate.Machine
	archive  *closing.Archiver
	inactive time.Duration
	batch    int
}

// New returns a Worker configured from cfg. archive may be nil.
func New(sm *chatstate.Machine, archive *closing.Archiver, cfg config.AutoCloseConfig) *Worker {
	if archive == nil {
		archive = closing.New(nil, nil)
	}
	w := &Worker{
		sm:       sm,
		archive:  archive,
		inactive: time.Duration(cfg.InactiveHours) * time.Hour,
		batch:    cfg.BatchSize,
	}
	if w.inactive <= 0 {
		w.inactive = 24 * time.Hour
	}
	if w.batch <= 0 {
		w.batch = DefaultBatchSize
	}
	return w
}

func eligible(status string) bool {
	for _, s := range candidates {
		if s == status {
			return true
		}
	}
	return false
}

// Run closes one batch of inactive chats, oldest activity first, and
// returns how many were closed.
func (w *Worker) Run(ctx context.Context) (int, error) {
	cutoff := w.sm.Now().Add(-w.inactive)
	var chats []models.Chat
	err := w.sm.DB().WithContext(ctx).
		Where("status IN ? AND last_activity_at < ?", candidates, cutoff).
		Order("last_activity_at ASC").Limit(w.batch).Find(&chats).Error
	if err != nil {
		return 0, fmt.Errorf("autoclose: scan: %w", err)
	}

	closed := 0
	for i := range chats {
		if ctx.Err() != nil {
			return closed, ctx.Err()
		}
		if w.close(ctx, &chats[i]) {
			closed++
		}
	}
	return closed, nil
}

func (w *Worker) close(ctx context.Context, c *models.Chat) bool {
	w.archive.Archive(ctx, c, documents.KindAuto, c.Agent())
	res, err := w.sm.Transition(ctx, chatstate.Request{
		ChatID:      c.ID,
		To:          models.StatusClosed,
		SubStatus:   models.SubClosedAuto,
		Reason:      "inactive for " + w.inactive.String(),
		TriggeredBy: models.TriggerSystem,
		Precondition: func(c *models.Chat) error {
			if !eligible(c.Status) || !c.LastActivityAt.Before(w.sm.Now().Add(-w.inactive)) {
				return errActive
			}
			return nil
		},
	})
	if err != nil {
		if !errors.Is(err, errActive) {
			log.Printf("autoclose: close %s: %v", c.ID, err)
		}
		return false
	}
	ev := events.New(events.ChatAutoClosed, res.Chat.ID)
	ev.Seq = int64(res.Transition.ID)
	ev.EndpointID = res.Chat.ChannelID
	ev.PreviousAgentID = res.ReleasedAgentID
	ev.From = c.Status
	ev.To = res.Chat.Status
	w.sm.Publish(ev)
	return true
}
