//go:build integration

package store

import (
	"context"
	"io"
	"log/slog"
	"os"
	"slices"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MikeSquared-Agency/tally/internal/decision"
	"github.com/MikeSquared-Agency/tally/internal/extractor"
	"github.com/MikeSquared-Agency/tally/internal/processor"
	"github.com/MikeSquared-Agency/tally/internal/review"
	"github.com/MikeSquared-Agency/tally/internal/trust"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, dbURL)
	require.NoError(t, err, "connect")
	require.NoError(t, s.Migrate(ctx))

	t.Cleanup(func() {
		s.Close()
	})
	return s
}

func TestIntegration_DocumentRoundTrip(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	id := "integration-" + uuid.NewString()

	rec := &processor.Record{
		ID:        id,
		CallerID:  "whatsapp:+919800000001",
		Kind:      extractor.KindInvoice,
		BlobKey:   "uploads/" + id,
		Document:  sampleDoc(),
		Score:     trust.Score{Overall: 0.91, Groups: map[string]float64{"tax": 0.9}},
		Decision:  decision.Decision{Verdict: decision.VerdictReview, Priority: decision.PriorityMedium, Reason: "overall below auto-approve"},
		Status:    processor.DocumentInReview,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.SaveDocument(ctx, rec))
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, "DELETE FROM documents WHERE id = $1", id)
	})

	got, err := s.Document(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "INV-7", got.Document.InvoiceNumber)
	assert.Equal(t, decision.PriorityMedium, got.Decision.Priority)

	require.NoError(t, s.SetDocumentStatus(ctx, id, processor.DocumentConfirmed))
	got, err = s.Document(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, processor.DocumentConfirmed, got.Status)
}

func TestIntegration_ReviewLifecycle(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	q := review.NewQueue(s, slog.New(slog.NewTextHandler(io.Discard, nil)))

	doc := sampleDoc()
	doc.ID = "integration-" + uuid.NewString()
	item, err := q.Enqueue(ctx, doc, 0.72, decision.Decision{
		Verdict: decision.VerdictReview, Priority: decision.PriorityHigh, Reason: "vendor GSTIN checksum failed",
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, "DELETE FROM corrections WHERE item_id = $1", item.ID)
		_, _ = s.db.ExecContext(ctx, "DELETE FROM review_items WHERE id = $1", item.ID)
	})

	_, err = q.Assign(ctx, item.ID, "asha")
	require.NoError(t, err)
	_, err = q.Assign(ctx, item.ID, "ravi")
	require.ErrorIs(t, err, review.ErrInvalidTransition)
	_, err = q.AttachCorrection(ctx, item.ID, review.Correction{FieldPath: "invoice_number", Corrected: "inv 7"})
	require.NoError(t, err)

	approved, err := q.Approve(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, review.StatusApproved, approved.Status)
	require.NotNil(t, approved.ResolvedScore)
	assert.Equal(t, review.ResolvedScore, *approved.ResolvedScore)
	assert.Equal(t, 0.72, approved.OriginalScore)

	cs, err := s.Corrections(ctx, extractor.KindInvoice)
	require.NoError(t, err)
	assert.True(t, slices.ContainsFunc(cs, func(c review.Correction) bool {
		return c.ItemID == item.ID && c.Class == review.ClassFormat
	}), "the approved correction is persisted")
}
