package review

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/MikeSquared-Agency/tally/internal/extractor"
)

// MemoryRepository is an in-process Repository. All methods are safe for
// concurrent use and return copies.
type MemoryRepository struct {
	mu          sync.Mutex
	items       map[string]*Item
	corrections []Correction
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{items: make(map[string]*Item)}
}

func (r *MemoryRepository) Insert(_ context.Context, item *Item) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[item.ID]; ok {
		return fmt.Errorf("review item %s already exists", item.ID)
	}
	r.items[item.ID] = item.clone()
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (*Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	it, ok := r.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return it.clone(), nil
}

func (r *MemoryRepository) List(_ context.Context, f Filter) ([]*Item, error) {
	r.mu.Lock()
	var out []*Item
	for _, it := range r.items {
		if f.Status != "" && it.Status != f.Status {
			continue
		}
		if f.Assignee != "" && it.Assignee != f.Assignee {
			continue
		}
		out = append(out, it.clone())
	}
	r.mu.Unlock()

	SortForReview(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (r *MemoryRepository) StageCorrection(_ context.Context, c Correction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	it, ok := r.items[c.ItemID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, c.ItemID)
	}
	if it.Status != StatusInReview {
		return fmt.Errorf("%w: corrections require in_review, item is %s", ErrInvalidTransition, it.Status)
	}
	it.Corrections = append(it.Corrections, c)
	return nil
}

func (r *MemoryRepository) Transition(_ context.Context, t Transition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	it, ok := r.items[t.ItemID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, t.ItemID)
	}
	if it.Status != t.From {
		return fmt.Errorf("%w: item %s is %s, expected %s", ErrInvalidTransition, t.ItemID, it.Status, t.From)
	}
	if t.To == StatusApproved && len(it.Corrections) != t.Staged {
		return fmt.Errorf("%w: item %s has %d, expected %d", ErrStaleCorrections, t.ItemID, len(it.Corrections), t.Staged)
	}

	it.Status = t.To
	it.UpdatedAt = t.At
	if t.Assignee != "" {
		it.Assignee = t.Assignee
	}
	if t.To.Terminal() {
		at := t.At
		it.ResolvedAt = &at
	}
	if t.ResolvedScore != nil {
		v := *t.ResolvedScore
		it.ResolvedScore = &v
	}
	if t.RejectReason != "" {
		it.RejectReason = t.RejectReason
	}
	if t.To == StatusApproved {
		it.Corrections = slices.Clone(t.Corrections)
		r.corrections = append(r.corrections, t.Corrections...)
	}
	return nil
}

func (r *MemoryRepository) Corrections(_ context.Context, kind extractor.Kind) ([]Correction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Correction
	for _, c := range r.corrections {
		if kind == "" || c.Kind == kind {
			out = append(out, c)
		}
	}
	return out, nil
}
