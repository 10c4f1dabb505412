// Package audit persists a trail of control-surface writes: who changed
// which parameter on the controlled application, with what value, and
// whether the proxied call succeeded. Reads are never audited.
package audit

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type Writer struct {
	DB auditDB
}

type Entry struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"user_id"`
	Verb      string    `json:"verb"`
	Layer     int       `json:"layer,omitempty"`
	Clip      int       `json:"clip,omitempty"`
	Value     float64   `json:"value,omitempty"`
	Outcome   string    `json:"outcome"`
	CreatedAt time.Time `json:"created_at"`
}

func (w *Writer) Append(ctx context.Context, e Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO control_audit (user_id, verb, layer, clip, value, outcome, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, e.UserID, e.Verb, e.Layer, e.Clip, e.Value, e.Outcome, e.CreatedAt)
	return err
}

// ListForUser returns the most recent entries for one user, newest first.
func (w *Writer) ListForUser(ctx context.Context, userID string, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := w.DB.Query(ctx, `
		SELECT id, user_id, verb, layer, clip, value, outcome, created_at
		FROM control_audit WHERE user_id=$1
		ORDER BY created_at DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Verb, &e.Layer, &e.Clip, &e.Value, &e.Outcome, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
