package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MikeSquared-Agency/tally/internal/decision"
	"github.com/MikeSquared-Agency/tally/internal/extractor"
	"github.com/MikeSquared-Agency/tally/internal/trust"
	"github.com/MikeSquared-Agency/tally/internal/validator"
)

var ErrDocumentNotFound = errors.New("document not found")

// DocumentStatus tracks a processed document after its decision.
type DocumentStatus string

const (
	DocumentAutoApproved DocumentStatus = "auto_approved"
	DocumentInReview     DocumentStatus = "in_review"
	DocumentConfirmed    DocumentStatus = "confirmed"
	DocumentDiscarded    DocumentStatus = "discarded"
)

// Record is the outcome of one pipeline run. The extraction is kept as
// produced; reviewer corrections live on the review item.
type Record struct {
	ID           string              `json:"id"`
	CallerID     string              `json:"caller_id"`
	Kind         extractor.Kind      `json:"kind"`
	BlobKey      string              `json:"blob_key"`
	ProviderID   string              `json:"provider_id,omitempty"`
	Degraded     bool                `json:"degraded"`
	Document     *extractor.Document `json:"document"`
	Report       validator.Report    `json:"report"`
	Score        trust.Score         `json:"score"`
	Decision     decision.Decision   `json:"decision"`
	ReviewItemID string              `json:"review_item_id,omitempty"`
	Status       DocumentStatus      `json:"status"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

// Recorder persists pipeline outcomes.
type Recorder interface {
	SaveDocument(ctx context.Context, rec *Record) error
	Document(ctx context.Context, id string) (*Record, error)
	SetDocumentStatus(ctx context.Context, id string, status DocumentStatus) error
}

// MemoryRecorder keeps records in process.
type MemoryRecorder struct {
	mu   sync.Mutex
	docs map[string]Record
}

func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{docs: make(map[string]Record)}
}

func (m *MemoryRecorder) SaveDocument(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[rec.ID]; ok {
		return fmt.Errorf("document %s already recorded", rec.ID)
	}
	m.docs[rec.ID] = *rec
	return nil
}

func (m *MemoryRecorder) Document(_ context.Context, id string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.docs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, id)
	}
	return &rec, nil
}

func (m *MemoryRecorder) SetDocumentStatus(_ context.Context, id string, status DocumentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.docs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrDocumentNotFound, id)
	}
	rec.Status = status
	rec.UpdatedAt = time.Now().UTC()
	m.docs[id] = rec
	return nil
}
