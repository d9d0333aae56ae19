package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MikeSquared-Agency/tally/internal/processor"
)

const insertDocumentSQL = `
	INSERT INTO documents (id, caller_id, kind, blob_key, provider_id, degraded, overall, verdict, priority,
		reason, status, review_item_id, document, report, score, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $16)`

// SaveDocument records one pipeline outcome.
func (s *Store) SaveDocument(ctx context.Context, rec *processor.Record) error {
	doc, err := json.Marshal(rec.Document)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	report, err := json.Marshal(rec.Report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	score, err := json.Marshal(rec.Score)
	if err != nil {
		return fmt.Errorf("marshal score: %w", err)
	}

	_, err = s.db.ExecContext(ctx, insertDocumentSQL,
		rec.ID, rec.CallerID, string(rec.Kind), rec.BlobKey, rec.ProviderID, rec.Degraded,
		rec.Score.Overall, string(rec.Decision.Verdict), string(rec.Decision.Priority), rec.Decision.Reason,
		string(rec.Status), rec.ReviewItemID, string(doc), string(report), string(score), rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert document %s: %w", rec.ID, err)
	}
	return nil
}

func (s *Store) Document(ctx context.Context, id string) (*processor.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, caller_id, kind, blob_key, provider_id, degraded, verdict, priority, reason,
			status, review_item_id, document, report, score, created_at, updated_at
		FROM documents WHERE id = $1`, id)

	var (
		rec                   processor.Record
		kind, status          string
		verdict, priority     string
		doc, report, scoreRaw []byte
	)
	err := row.Scan(&rec.ID, &rec.CallerID, &kind, &rec.BlobKey, &rec.ProviderID, &rec.Degraded,
		&verdict, &priority, &rec.Decision.Reason, &status, &rec.ReviewItemID,
		&doc, &report, &scoreRaw, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", processor.ErrDocumentNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get document %s: %w", id, err)
	}

	rec.Kind = kindOf(kind)
	rec.Status = processor.DocumentStatus(status)
	rec.Decision.Verdict = verdictOf(verdict)
	rec.Decision.Priority = priorityOf(priority)
	if err := json.Unmarshal(doc, &rec.Document); err != nil {
		return nil, fmt.Errorf("decode document %s: %w", id, err)
	}
	if err := json.Unmarshal(report, &rec.Report); err != nil {
		return nil, fmt.Errorf("decode report %s: %w", id, err)
	}
	if err := json.Unmarshal(scoreRaw, &rec.Score); err != nil {
		return nil, fmt.Errorf("decode score %s: %w", id, err)
	}
	return &rec, nil
}

func (s *Store) SetDocumentStatus(ctx context.Context, id string, status processor.DocumentStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update document %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update document %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", processor.ErrDocumentNotFound, id)
	}
	return nil
}

// DocumentCounts returns the number of documents per status.
func (s *Store) DocumentCounts(ctx context.Context) (map[processor.DocumentStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM documents GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count documents: %w", err)
	}
	defer rows.Close()

	out := make(map[processor.DocumentStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan document count: %w", err)
		}
		out[processor.DocumentStatus(status)] = n
	}
	return out, rows.Err()
}
