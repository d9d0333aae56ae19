// Package review holds documents that need a human decision, records the
// reviewer's corrections and enforces the queue item lifecycle.
package review

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/MikeSquared-Agency/tally/internal/decision"
	"github.com/MikeSquared-Agency/tally/internal/extractor"
)

var (
	ErrNotFound          = errors.New("review item not found")
	ErrInvalidTransition = errors.New("invalid review transition")
	ErrReasonRequired    = errors.New("rejection reason required")
	ErrUnknownField      = errors.New("unknown field path")
	ErrInvalidValue      = errors.New("invalid corrected value")
	// ErrStaleCorrections means a correction was staged after the caller read
	// the item; the approval did not apply.
	ErrStaleCorrections = errors.New("staged corrections changed")
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusInReview Status = "in_review"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Terminal statuses never change again.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

var transitions = map[Status][]Status{
	StatusPending:  {StatusInReview, StatusRejected},
	StatusInReview: {StatusApproved, StatusRejected},
}

// CanTransition reports whether from -> to is a permitted lifecycle edge.
func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

type Class string

const (
	ClassFormat         Class = "format"
	ClassValue          Class = "value"
	ClassMissing        Class = "missing"
	ClassExtra          Class = "extra"
	ClassClassification Class = "classification"
)

func (c Class) Valid() bool {
	switch c {
	case ClassFormat, ClassValue, ClassMissing, ClassExtra, ClassClassification:
		return true
	}
	return false
}

// Correction is a reviewer's edit of exactly one field of one item.
type Correction struct {
	ID        string         `json:"id"`
	ItemID    string         `json:"item_id"`
	Kind      extractor.Kind `json:"kind"`
	FieldPath string         `json:"field_path"`
	Original  string         `json:"original"`
	Corrected string         `json:"corrected"`
	Class     Class          `json:"class"`
	CreatedAt time.Time      `json:"created_at"`
}

type Item struct {
	ID         string              `json:"id"`
	DocumentID string              `json:"document_id"`
	Kind       extractor.Kind      `json:"kind"`
	Document   *extractor.Document `json:"document"`
	Verdict    decision.Verdict    `json:"verdict"`
	Priority   decision.Priority   `json:"priority"`
	Reason     string              `json:"reason"`
	Status     Status              `json:"status"`
	Assignee   string              `json:"assignee,omitempty"`

	// Corrections are staged while in review and persisted on approval.
	Corrections   []Correction `json:"corrections,omitempty"`
	OriginalScore float64      `json:"original_score"`
	ResolvedScore *float64     `json:"resolved_score,omitempty"`
	RejectReason  string       `json:"reject_reason,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
	ResolvedAt    *time.Time   `json:"resolved_at,omitempty"`
}

func (it *Item) clone() *Item {
	cp := *it
	cp.Corrections = slices.Clone(it.Corrections)
	if it.ResolvedScore != nil {
		v := *it.ResolvedScore
		cp.ResolvedScore = &v
	}
	if it.ResolvedAt != nil {
		v := *it.ResolvedAt
		cp.ResolvedAt = &v
	}
	return &cp
}

// Transition is one status change. Corrections listed here are persisted in
// the same transaction as the status update.
type Transition struct {
	ItemID        string
	From          Status
	To            Status
	Assignee      string
	Corrections   []Correction
	ResolvedScore *float64
	RejectReason  string
	At            time.Time
	// Staged is how many staged corrections the caller saw. Approvals apply
	// only while that count is unchanged.
	Staged int
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	Status   Status
	Assignee string
	Limit    int
}

// Repository persists queue items. Transition must be atomic: it applies only
// when the stored status still equals From and returns ErrInvalidTransition
// otherwise.
type Repository interface {
	Insert(ctx context.Context, item *Item) error
	Get(ctx context.Context, id string) (*Item, error)
	List(ctx context.Context, f Filter) ([]*Item, error)
	StageCorrection(ctx context.Context, c Correction) error
	Transition(ctx context.Context, t Transition) error
	Corrections(ctx context.Context, kind extractor.Kind) ([]Correction, error)
}

// Sink is told about every resolved item.
type Sink interface {
	ItemResolved(ctx context.Context, item *Item)
}

// SortForReview orders items high priority first, then oldest first.
func SortForReview(items []*Item) {
	slices.SortStableFunc(items, func(a, b *Item) int {
		if ra, rb := a.Priority.Rank(), b.Priority.Rank(); ra != rb {
			return rb - ra
		}
		return a.CreatedAt.Compare(b.CreatedAt)
	})
}
