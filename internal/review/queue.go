package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/tally/internal/decision"
	"github.com/MikeSquared-Agency/tally/internal/extractor"
)

// ResolvedScore is the confidence of a human-approved document.
const ResolvedScore = 1.0

const approveAttempts = 3

type Queue struct {
	repo   Repository
	sinks  []Sink
	logger *slog.Logger
	now    func() time.Time
}

func NewQueue(repo Repository, logger *slog.Logger, sinks ...Sink) *Queue {
	return &Queue{repo: repo, sinks: sinks, logger: logger, now: time.Now}
}

// Enqueue creates a pending item for a document the decision engine did not approve.
func (q *Queue) Enqueue(ctx context.Context, doc *extractor.Document, score float64, d decision.Decision) (*Item, error) {
	if !d.NeedsReview() {
		return nil, fmt.Errorf("document %s was auto-approved, nothing to review", doc.ID)
	}
	now := q.now()
	item := &Item{
		ID:            uuid.NewString(),
		DocumentID:    doc.ID,
		Kind:          doc.Kind,
		Document:      doc,
		Verdict:       d.Verdict,
		Priority:      d.Priority,
		Reason:        d.Reason,
		Status:        StatusPending,
		OriginalScore: score,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := q.repo.Insert(ctx, item); err != nil {
		return nil, fmt.Errorf("insert review item: %w", err)
	}
	q.logger.Info("review item queued",
		"item_id", item.ID,
		"document_id", doc.ID,
		"verdict", d.Verdict,
		"priority", d.Priority,
	)
	return item, nil
}

func (q *Queue) Get(ctx context.Context, id string) (*Item, error) {
	return q.repo.Get(ctx, id)
}

// List returns items ordered high priority first, then oldest first.
func (q *Queue) List(ctx context.Context, f Filter) ([]*Item, error) {
	items, err := q.repo.List(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list review items: %w", err)
	}
	SortForReview(items)
	return items, nil
}

// Assign moves a pending item to in_review for reviewer.
func (q *Queue) Assign(ctx context.Context, id, reviewer string) (*Item, error) {
	if strings.TrimSpace(reviewer) == "" {
		return nil, fmt.Errorf("assign %s: reviewer required", id)
	}
	return q.transition(ctx, Transition{ItemID: id, From: StatusPending, To: StatusInReview, Assignee: reviewer})
}

// AttachCorrection stages a correction on an in_review item. Original is
// filled from the document when empty and Class inferred when unset.
func (q *Queue) AttachCorrection(ctx context.Context, id string, c Correction) (*Correction, error) {
	item, err := q.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if item.Status != StatusInReview {
		return nil, fmt.Errorf("%w: corrections require in_review, item is %s", ErrInvalidTransition, item.Status)
	}
	prepared, err := q.prepare(item, c)
	if err != nil {
		return nil, err
	}
	if _, err := ApplyCorrections(item.Document, append(slices.Clone(item.Corrections), prepared)); err != nil {
		return nil, err
	}
	if err := q.repo.StageCorrection(ctx, prepared); err != nil {
		return nil, fmt.Errorf("stage correction: %w", err)
	}
	return &prepared, nil
}

// Approve resolves an in_review item. Staged corrections and extra persist
// atomically with the status change. A correction staged while the approval
// is in flight makes it start over so nothing staged is lost.
func (q *Queue) Approve(ctx context.Context, id string, extra ...Correction) (*Item, error) {
	var err error
	for range approveAttempts {
		var item *Item
		item, err = q.approve(ctx, id, extra)
		if !errors.Is(err, ErrStaleCorrections) {
			return item, err
		}
		q.logger.Info("corrections staged during approval, retrying", "item_id", id)
	}
	return nil, err
}

func (q *Queue) approve(ctx context.Context, id string, extra []Correction) (*Item, error) {
	item, err := q.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if item.Status != StatusInReview {
		return nil, fmt.Errorf("%w: approve requires in_review, item is %s", ErrInvalidTransition, item.Status)
	}

	corrections := slices.Clone(item.Corrections)
	for _, c := range extra {
		prepared, err := q.prepare(item, c)
		if err != nil {
			return nil, err
		}
		corrections = append(corrections, prepared)
	}
	if _, err := ApplyCorrections(item.Document, corrections); err != nil {
		return nil, err
	}

	score := ResolvedScore
	return q.transition(ctx, Transition{
		ItemID:        id,
		From:          StatusInReview,
		To:            StatusApproved,
		Corrections:   corrections,
		ResolvedScore: &score,
		Staged:        len(item.Corrections),
	})
}

// Reject resolves a pending or in_review item. Staged corrections are discarded.
func (q *Queue) Reject(ctx context.Context, id, reason string) (*Item, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, ErrReasonRequired
	}
	item, err := q.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(item.Status, StatusRejected) {
		return nil, fmt.Errorf("%w: cannot reject item in %s", ErrInvalidTransition, item.Status)
	}
	return q.transition(ctx, Transition{ItemID: id, From: item.Status, To: StatusRejected, RejectReason: reason})
}

// Corrected returns the document with the item's corrections applied.
func (q *Queue) Corrected(item *Item) (*extractor.Document, error) {
	return ApplyCorrections(item.Document, item.Corrections)
}

func (q *Queue) transition(ctx context.Context, t Transition) (*Item, error) {
	if !CanTransition(t.From, t.To) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.From, t.To)
	}
	t.At = q.now()
	if err := q.repo.Transition(ctx, t); err != nil {
		return nil, err
	}
	item, err := q.repo.Get(ctx, t.ItemID)
	if err != nil {
		return nil, err
	}

	q.logger.Info("review item transitioned",
		"item_id", item.ID,
		"from", t.From,
		"to", t.To,
		"corrections", len(t.Corrections),
	)
	if t.To.Terminal() {
		for _, s := range q.sinks {
			s.ItemResolved(ctx, item)
		}
	}
	return item, nil
}

func (q *Queue) prepare(item *Item, c Correction) (Correction, error) {
	if !ValidPath(item.Kind, c.FieldPath) {
		return Correction{}, fmt.Errorf("%w: %q", ErrUnknownField, c.FieldPath)
	}
	if c.Original == "" {
		orig, err := ValueAt(item.Document, c.FieldPath)
		if err != nil {
			return Correction{}, err
		}
		c.Original = orig
	}
	if c.Class == "" || !c.Class.Valid() {
		c.Class = InferClass(c.FieldPath, c.Original, c.Corrected)
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.ItemID = item.ID
	c.Kind = item.Kind
	if c.CreatedAt.IsZero() {
		c.CreatedAt = q.now()
	}
	return c, nil
}
