package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MikeSquared-Agency/tally/internal/decision"
	"github.com/MikeSquared-Agency/tally/internal/review"
	"github.com/MikeSquared-Agency/tally/internal/session"
)

// Confirmer carries out a caller's approve / edit / reject answer.
type Confirmer struct {
	recorder Recorder
	queue    *review.Queue
	logger   *slog.Logger
}

func NewConfirmer(recorder Recorder, queue *review.Queue, logger *slog.Logger) *Confirmer {
	return &Confirmer{recorder: recorder, queue: queue, logger: logger}
}

func (c *Confirmer) Confirm(ctx context.Context, s session.Session, action session.Action, text string) (string, error) {
	rec, err := c.recorder.Document(ctx, s.DocumentID)
	if err != nil {
		return "", err
	}

	switch action {
	case session.ActionApprove:
		if rec.Status != DocumentAutoApproved {
			return "Thanks. A reviewer still has to check this one; we'll file it once they approve.", nil
		}
		if err := c.recorder.SetDocumentStatus(ctx, rec.ID, DocumentConfirmed); err != nil {
			return "", err
		}
		return "Done, it's filed.", nil

	case session.ActionReject:
		if rec.ReviewItemID != "" {
			_, err := c.queue.Reject(ctx, rec.ReviewItemID, "discarded by caller")
			if err != nil && !errors.Is(err, review.ErrInvalidTransition) {
				return "", err
			}
		}
		if err := c.recorder.SetDocumentStatus(ctx, rec.ID, DocumentDiscarded); err != nil {
			return "", err
		}
		return "Okay, we've discarded it.", nil

	case session.ActionEdit:
		if rec.Status != DocumentAutoApproved {
			return "A reviewer already has this one and will fix anything that's off.", nil
		}
		reason := "caller asked for changes"
		if note := strings.TrimSpace(text); note != "" {
			reason += ": " + note
		}
		d := decision.Decision{Verdict: decision.VerdictForcedReview, Priority: decision.PriorityMedium, Reason: reason}
		if _, err := c.queue.Enqueue(ctx, rec.Document, rec.Score.Overall, d); err != nil {
			return "", err
		}
		if err := c.recorder.SetDocumentStatus(ctx, rec.ID, DocumentInReview); err != nil {
			return "", err
		}
		c.logger.Info("caller requested edits", "document_id", rec.ID, "caller_id", s.CallerID)
		return "Got it. We've passed your note to a reviewer.", nil
	}
	return "", fmt.Errorf("unknown action %q", action)
}

// DocumentSink keeps document status in step with resolved review items.
type DocumentSink struct {
	recorder Recorder
	logger   *slog.Logger
}

func NewDocumentSink(recorder Recorder, logger *slog.Logger) *DocumentSink {
	return &DocumentSink{recorder: recorder, logger: logger}
}

func (d *DocumentSink) ItemResolved(ctx context.Context, item *review.Item) {
	status := DocumentDiscarded
	if item.Status == review.StatusApproved {
		status = DocumentConfirmed
	}
	if err := d.recorder.SetDocumentStatus(ctx, item.DocumentID, status); err != nil {
		d.logger.Warn("update document status failed",
			"document_id", item.DocumentID,
			"item_id", item.ID,
			"error", err,
		)
	}
}
