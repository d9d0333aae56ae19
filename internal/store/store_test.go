package store

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MikeSquared-Agency/tally/internal/decision"
	"github.com/MikeSquared-Agency/tally/internal/extractor"
	"github.com/MikeSquared-Agency/tally/internal/processor"
	"github.com/MikeSquared-Agency/tally/internal/review"
	"github.com/MikeSquared-Agency/tally/internal/trust"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewWithDB(db), mock
}

var at = time.Date(2024, 6, 1, 9, 30, 0, 0, time.UTC)

func sampleDoc() *extractor.Document {
	doc := extractor.NewDocument("doc-1", extractor.KindInvoice)
	doc.InvoiceNumber = "INV-7"
	doc.GrandTotal = decimal.RequireFromString("1180")
	return doc
}

func itemRow(status string, staged []review.Correction) *sqlmock.Rows {
	doc, _ := json.Marshal(sampleDoc())
	st, _ := json.Marshal(staged)
	if staged == nil {
		st = []byte("[]")
	}
	return sqlmock.NewRows([]string{
		"id", "document_id", "kind", "document", "verdict", "priority", "reason", "status", "assignee", "staged",
		"original_score", "resolved_score", "reject_reason", "created_at", "updated_at", "resolved_at",
	}).AddRow("item-1", "doc-1", "invoice", doc, "review", "high", "low confidence", status, "asha", st,
		0.72, nil, "", at, at, nil)
}

func TestSaveDocument(t *testing.T) {
	s, mock := newMock(t)
	rec := &processor.Record{
		ID:        "doc-1",
		CallerID:  "whatsapp:+919800000001",
		Kind:      extractor.KindInvoice,
		BlobKey:   "uploads/doc-1",
		Document:  sampleDoc(),
		Score:     trust.Score{Overall: 0.97},
		Decision:  decision.Decision{Verdict: decision.VerdictAutoApprove},
		Status:    processor.DocumentAutoApproved,
		CreatedAt: at,
	}

	mock.ExpectExec("INSERT INTO documents").
		WithArgs("doc-1", "whatsapp:+919800000001", "invoice", "uploads/doc-1", "", false,
			0.97, "auto_approve", "", "", "auto_approved", "",
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), at).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, s.SaveDocument(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetDocumentStatus_NotFound(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("UPDATE documents SET status").
		WithArgs("confirmed", sqlmock.AnyArg(), "missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.SetDocumentStatus(context.Background(), "missing", processor.DocumentConfirmed)
	assert.ErrorIs(t, err, processor.ErrDocumentNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGet_DecodesItem(t *testing.T) {
	s, mock := newMock(t)
	staged := []review.Correction{{ID: "c-1", ItemID: "item-1", FieldPath: "invoice_number", Original: "INV-7", Corrected: "INV-07", Class: review.ClassFormat}}
	mock.ExpectQuery("SELECT .* FROM review_items WHERE id").
		WithArgs("item-1").
		WillReturnRows(itemRow("in_review", staged))

	item, err := s.Get(context.Background(), "item-1")
	require.NoError(t, err)
	assert.Equal(t, review.StatusInReview, item.Status)
	assert.Equal(t, decision.PriorityHigh, item.Priority)
	assert.Equal(t, "INV-7", item.Document.InvoiceNumber)
	require.Len(t, item.Corrections, 1)
	assert.Equal(t, "INV-07", item.Corrections[0].Corrected)
	assert.Nil(t, item.ResolvedScore)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGet_NotFound(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("SELECT .* FROM review_items WHERE id").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, review.ErrNotFound)
}

func TestList_BuildsFilter(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(`FROM review_items WHERE status = \$1 AND assignee = \$2 ORDER BY .* LIMIT \$3`).
		WithArgs("pending", "asha", 10).
		WillReturnRows(itemRow("pending", nil))

	items, err := s.List(context.Background(), review.Filter{Status: review.StatusPending, Assignee: "asha", Limit: 10})
	require.NoError(t, err)
	assert.Len(t, items, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransition_ApproveWritesCorrectionsInOneTx(t *testing.T) {
	s, mock := newMock(t)
	score := 1.0
	c := review.Correction{ID: "c-1", Kind: extractor.KindInvoice, FieldPath: "invoice_number", Original: "INV-7", Corrected: "INV-07", Class: review.ClassFormat, CreatedAt: at}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE review_items SET").
		WithArgs("approved", "", at, sqlmock.AnyArg(), sqlmock.AnyArg(), "", sqlmock.AnyArg(), "item-1", "in_review", true, 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO corrections").
		WithArgs("c-1", "item-1", "invoice", "invoice_number", "INV-7", "INV-07", "format", at).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := s.Transition(context.Background(), review.Transition{
		ItemID: "item-1", From: review.StatusInReview, To: review.StatusApproved,
		Corrections: []review.Correction{c}, ResolvedScore: &score, At: at, Staged: 1,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransition_StaleStatusRollsBack(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE review_items SET").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT status FROM review_items").
		WithArgs("item-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("in_review"))
	mock.ExpectRollback()

	err := s.Transition(context.Background(), review.Transition{
		ItemID: "item-1", From: review.StatusPending, To: review.StatusInReview, Assignee: "ravi", At: at,
	})
	assert.ErrorIs(t, err, review.ErrInvalidTransition)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransition_ApproveAfterNewStagedCorrectionIsStale(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec("jsonb_array_length").
		WithArgs("approved", "", at, sqlmock.AnyArg(), sqlmock.AnyArg(), "", sqlmock.AnyArg(), "item-1", "in_review", true, 0).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT status FROM review_items").
		WithArgs("item-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("in_review"))
	mock.ExpectRollback()

	err := s.Transition(context.Background(), review.Transition{
		ItemID: "item-1", From: review.StatusInReview, To: review.StatusApproved, At: at,
	})
	assert.ErrorIs(t, err, review.ErrStaleCorrections)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransition_CorrectionInsertFailureRollsBack(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE review_items SET").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO corrections").WillReturnError(driver.ErrBadConn)
	mock.ExpectRollback()

	err := s.Transition(context.Background(), review.Transition{
		ItemID: "item-1", From: review.StatusInReview, To: review.StatusApproved,
		Corrections: []review.Correction{{ID: "c-1", FieldPath: "invoice_number"}}, At: at,
	})
	assert.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStageCorrection_WrongStatus(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("UPDATE review_items SET staged").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "item-1", "in_review").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT status FROM review_items").
		WithArgs("item-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("pending"))

	err := s.StageCorrection(context.Background(), review.Correction{ItemID: "item-1", FieldPath: "invoice_number"})
	assert.ErrorIs(t, err, review.ErrInvalidTransition)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCorrections_FilterByKind(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("FROM corrections WHERE kind").
		WithArgs("invoice").
		WillReturnRows(sqlmock.NewRows([]string{"id", "item_id", "kind", "field_path", "original", "corrected", "class", "created_at"}).
			AddRow("c-1", "item-1", "invoice", "line_items[0].hsn_code", "7318", "731815", "classification", at))

	cs, err := s.Corrections(context.Background(), extractor.KindInvoice)
	require.NoError(t, err)
	require.Len(t, cs, 1)
	assert.Equal(t, review.ClassClassification, cs[0].Class)
	assert.Equal(t, extractor.KindInvoice, cs[0].Kind)
}
