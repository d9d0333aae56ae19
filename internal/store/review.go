package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/tally/internal/decision"
	"github.com/MikeSquared-Agency/tally/internal/extractor"
	"github.com/MikeSquared-Agency/tally/internal/review"
)

const itemColumns = `id, document_id, kind, document, verdict, priority, reason, status, assignee, staged,
	original_score, resolved_score, reject_reason, created_at, updated_at, resolved_at`

func (s *Store) Insert(ctx context.Context, item *review.Item) error {
	doc, err := json.Marshal(item.Document)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	staged, err := marshalCorrections(item.Corrections)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO review_items (`+itemColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		item.ID, item.DocumentID, string(item.Kind), string(doc), string(item.Verdict), string(item.Priority),
		item.Reason, string(item.Status), item.Assignee, staged, item.OriginalScore, item.ResolvedScore,
		item.RejectReason, item.CreatedAt, item.UpdatedAt, item.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("insert review item %s: %w", item.ID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*review.Item, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM review_items WHERE id = $1`, id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", review.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get review item %s: %w", id, err)
	}
	return item, nil
}

func (s *Store) List(ctx context.Context, f review.Filter) ([]*review.Item, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.Assignee != "" {
		args = append(args, f.Assignee)
		where = append(where, fmt.Sprintf("assignee = $%d", len(args)))
	}

	query := `SELECT ` + itemColumns + ` FROM review_items`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += ` ORDER BY CASE priority WHEN 'high' THEN 0 WHEN 'medium' THEN 1 ELSE 2 END, created_at`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list review items: %w", err)
	}
	defer rows.Close()

	var out []*review.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan review item: %w", err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// StageCorrection appends to the item's staged corrections while it is in review.
func (s *Store) StageCorrection(ctx context.Context, c review.Correction) error {
	one, err := marshalCorrections([]review.Correction{c})
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE review_items SET staged = staged || $1::jsonb, updated_at = $2
		WHERE id = $3 AND status = $4`,
		one, time.Now().UTC(), c.ItemID, string(review.StatusInReview),
	)
	if err != nil {
		return fmt.Errorf("stage correction on %s: %w", c.ItemID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("stage correction on %s: %w", c.ItemID, err)
	}
	if n == 0 {
		return s.missOrWrongStatus(ctx, c.ItemID, review.StatusInReview)
	}
	return nil
}

// Transition applies a status change and, on approval, writes the item's
// corrections in the same transaction.
func (s *Store) Transition(ctx context.Context, t review.Transition) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var staged any
	if t.To == review.StatusApproved {
		raw, err := marshalCorrections(t.Corrections)
		if err != nil {
			return err
		}
		staged = raw
	}
	var resolvedAt *time.Time
	if t.To.Terminal() {
		resolvedAt = &t.At
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE review_items SET
			status = $1,
			assignee = COALESCE(NULLIF($2, ''), assignee),
			updated_at = $3,
			resolved_at = COALESCE($4, resolved_at),
			resolved_score = COALESCE($5, resolved_score),
			reject_reason = COALESCE(NULLIF($6, ''), reject_reason),
			staged = COALESCE($7::jsonb, staged)
		WHERE id = $8 AND status = $9
			AND (NOT $10 OR jsonb_array_length(COALESCE(staged, '[]'::jsonb)) = $11)`,
		string(t.To), t.Assignee, t.At, resolvedAt, t.ResolvedScore, t.RejectReason, staged,
		t.ItemID, string(t.From), t.To == review.StatusApproved, t.Staged,
	)
	if err != nil {
		return fmt.Errorf("update review item %s: %w", t.ItemID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update review item %s: %w", t.ItemID, err)
	}
	if n == 0 {
		err := s.missOrWrongStatus(ctx, t.ItemID, t.From)
		if errors.Is(err, errStatusUnchanged) {
			return fmt.Errorf("%w: item %s", review.ErrStaleCorrections, t.ItemID)
		}
		return err
	}

	if t.To == review.StatusApproved {
		for _, c := range t.Corrections {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO corrections (id, item_id, kind, field_path, original, corrected, class, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				c.ID, t.ItemID, string(c.Kind), c.FieldPath, c.Original, c.Corrected, string(c.Class), c.CreatedAt,
			)
			if err != nil {
				return fmt.Errorf("insert correction: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Corrections lists persisted corrections oldest first. An empty kind lists all.
func (s *Store) Corrections(ctx context.Context, kind extractor.Kind) ([]review.Correction, error) {
	query := `SELECT id, item_id, kind, field_path, original, corrected, class, created_at FROM corrections`
	var args []any
	if kind != "" {
		query += ` WHERE kind = $1`
		args = append(args, string(kind))
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list corrections: %w", err)
	}
	defer rows.Close()

	var out []review.Correction
	for rows.Next() {
		var c review.Correction
		var k, class string
		if err := rows.Scan(&c.ID, &c.ItemID, &k, &c.FieldPath, &c.Original, &c.Corrected, &class, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan correction: %w", err)
		}
		c.Kind = kindOf(k)
		c.Class = review.Class(class)
		out = append(out, c)
	}
	return out, rows.Err()
}

// errStatusUnchanged is returned by missOrWrongStatus when the item still has
// the expected status, so some other guard rejected the update.
var errStatusUnchanged = errors.New("status unchanged")

// missOrWrongStatus explains why a guarded update touched no rows.
func (s *Store) missOrWrongStatus(ctx context.Context, id string, want review.Status) error {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM review_items WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", review.ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("get review item %s: %w", id, err)
	}
	if review.Status(status) == want {
		return errStatusUnchanged
	}
	return fmt.Errorf("%w: item %s is %s, expected %s", review.ErrInvalidTransition, id, status, want)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(row scanner) (*review.Item, error) {
	var (
		item                            review.Item
		kind, verdict, priority, status string
		doc, staged                     []byte
		resolvedScore                   sql.NullFloat64
		resolvedAt                      sql.NullTime
	)
	err := row.Scan(&item.ID, &item.DocumentID, &kind, &doc, &verdict, &priority, &item.Reason, &status,
		&item.Assignee, &staged, &item.OriginalScore, &resolvedScore, &item.RejectReason,
		&item.CreatedAt, &item.UpdatedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}

	item.Kind = kindOf(kind)
	item.Verdict = verdictOf(verdict)
	item.Priority = priorityOf(priority)
	item.Status = review.Status(status)
	if resolvedScore.Valid {
		v := resolvedScore.Float64
		item.ResolvedScore = &v
	}
	if resolvedAt.Valid {
		v := resolvedAt.Time
		item.ResolvedAt = &v
	}
	if err := json.Unmarshal(doc, &item.Document); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	if len(staged) > 0 {
		if err := json.Unmarshal(staged, &item.Corrections); err != nil {
			return nil, fmt.Errorf("decode corrections: %w", err)
		}
	}
	return &item, nil
}

func marshalCorrections(cs []review.Correction) (string, error) {
	if cs == nil {
		cs = []review.Correction{}
	}
	data, err := json.Marshal(cs)
	if err != nil {
		return "", fmt.Errorf("marshal corrections: %w", err)
	}
	return string(data), nil
}

func kindOf(s string) extractor.Kind        { return extractor.Kind(s) }
func verdictOf(s string) decision.Verdict   { return decision.Verdict(s) }
func priorityOf(s string) decision.Priority { return decision.Priority(s) }
