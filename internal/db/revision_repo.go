package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const revisionColumns = `id, input, status, page_count, width, height, bytes, duration_ms, error, diagnostics, viewers, started_at`

type RevisionRepo struct {
	db *sql.DB
	// Keep bounds the table; 0 keeps everything.
	Keep int
}

func NewRevisionRepo(db *sql.DB, keep int) *RevisionRepo {
	return &RevisionRepo{db: db, Keep: keep}
}

func (r *RevisionRepo) Create(ctx context.Context, rev *Revision) error {
	if rev == nil {
		return fmt.Errorf("revision is required")
	}
	if rev.ID == "" {
		rev.ID = NewID()
	}
	if rev.StartedAt.IsZero() {
		rev.StartedAt = nowUTC()
	}
	rev.Status = strings.ToLower(strings.TrimSpace(rev.Status))
	if rev.Status == "" {
		rev.Status = StatusOK
	}
	if rev.Diagnostics == nil {
		rev.Diagnostics = []string{}
	}
	diagnostics, err := encodeStringSlice(rev.Diagnostics)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
INSERT INTO revisions (`+revisionColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, rev.ID, rev.Input, rev.Status, rev.PageCount, rev.Width, rev.Height, rev.Bytes,
		rev.Duration.Milliseconds(), rev.Error, diagnostics, rev.Viewers, formatTimestamp(rev.StartedAt))
	if err != nil {
		return fmt.Errorf("create revision: %w", err)
	}

	if r.Keep > 0 {
		if _, err := r.Prune(ctx, r.Keep); err != nil {
			return err
		}
	}
	return nil
}

func (r *RevisionRepo) Get(ctx context.Context, id string) (*Revision, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+revisionColumns+` FROM revisions WHERE id = ?`, id)
	rev, err := scanRevision(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get revision: %w", err)
	}
	return rev, nil
}

// Latest returns the most recent revision, or nil if there is none.
func (r *RevisionRepo) Latest(ctx context.Context) (*Revision, error) {
	items, err := r.List(ctx, RevisionFilter{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return items[0], nil
}

// List returns revisions newest first.
func (r *RevisionRepo) List(ctx context.Context, filter RevisionFilter) ([]*Revision, error) {
	query := `SELECT ` + revisionColumns + ` FROM revisions`
	var args []any
	if status := strings.TrimSpace(filter.Status); status != "" {
		query += ` WHERE status = ?`
		args = append(args, strings.ToLower(status))
	}
	query += ` ORDER BY started_at DESC, id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list revisions: %w", err)
	}
	defer rows.Close()

	items := make([]*Revision, 0)
	for rows.Next() {
		rev, err := scanRevision(rows)
		if err != nil {
			return nil, fmt.Errorf("scan revision: %w", err)
		}
		items = append(items, rev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate revisions: %w", err)
	}
	return items, nil
}

// Prune deletes all but the newest keep revisions and reports how many
// rows were removed.
func (r *RevisionRepo) Prune(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := r.db.ExecContext(ctx, `
DELETE FROM revisions
WHERE id NOT IN (
	SELECT id FROM revisions ORDER BY started_at DESC, id DESC LIMIT ?
)
`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune revisions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune revisions: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRevision(row rowScanner) (*Revision, error) {
	var rev Revision
	var durationMS int64
	var diagnosticsRaw, startedAtRaw string
	if err := row.Scan(&rev.ID, &rev.Input, &rev.Status, &rev.PageCount, &rev.Width, &rev.Height, &rev.Bytes,
		&durationMS, &rev.Error, &diagnosticsRaw, &rev.Viewers, &startedAtRaw); err != nil {
		return nil, err
	}
	rev.Duration = msToDuration(durationMS)
	var err error
	rev.Diagnostics, err = decodeStringSlice(diagnosticsRaw)
	if err != nil {
		return nil, err
	}
	rev.StartedAt, err = parseTimestamp(startedAtRaw)
	if err != nil {
		return nil, err
	}
	return &rev, nil
}
