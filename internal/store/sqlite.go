package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"ecrecv/internal/model"

	_ "modernc.org/sqlite"
)

// fixed width so text comparison orders like time
const timeLayout = "2006-01-02T15:04:05.000000000Z"

type SQLite struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one writer; WAL lets the CLI read concurrently
	db.SetMaxOpenConns(1)

	if err := Init(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

const columns = `id, name, path, expected_size, ranges, state, attempts, last_error, next_run_at, acked, created_at, updated_at`

func (s *SQLite) Save(ctx context.Context, rec model.FileTransfer, prev model.State) error {
	var nextRun any
	if !rec.NextRunAt.IsZero() {
		nextRun = formatTime(rec.NextRunAt)
	}

	if prev == "" {
		_, err := s.db.ExecContext(ctx, `
INSERT INTO transfers (`+columns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	name=excluded.name, path=excluded.path, expected_size=excluded.expected_size, ranges=excluded.ranges,
	state=excluded.state, attempts=excluded.attempts, last_error=excluded.last_error,
	next_run_at=excluded.next_run_at, acked=excluded.acked, updated_at=excluded.updated_at
`,
			string(rec.ID), rec.Name, rec.Path, rec.ExpectedSize, rec.Ranges.String(),
			string(rec.State), rec.Attempts, truncateError(rec.LastError), nextRun, rec.Acked,
			formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt),
		)
		return err
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE transfers
SET name=?, path=?, expected_size=?, ranges=?, state=?, attempts=?, last_error=?, next_run_at=?, acked=?, updated_at=?
WHERE id = ? AND state = ?
`,
		rec.Name, rec.Path, rec.ExpectedSize, rec.Ranges.String(),
		string(rec.State), rec.Attempts, truncateError(rec.LastError), nextRun, rec.Acked,
		formatTime(rec.UpdatedAt), string(rec.ID), string(prev),
	)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n != 1 {
		return fmt.Errorf("save %s %s -> %s: %w", rec.ID, prev, rec.State, ErrConflict)
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, id model.ID) (model.FileTransfer, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM transfers WHERE id = ?`, string(id))
	rec, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.FileTransfer{}, fmt.Errorf("%s: %w", id, model.ErrNotFound)
	}
	return rec, err
}

func (s *SQLite) List(ctx context.Context, states ...model.State) ([]model.FileTransfer, error) {
	query := `SELECT ` + columns + ` FROM transfers`
	var args []any
	if len(states) > 0 {
		query += ` WHERE state IN (` + placeholders(len(states)) + `)`
		for _, st := range states {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.FileTransfer
	for rows.Next() {
		rec, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLite) Purge(ctx context.Context, before time.Time, states ...model.State) (int64, error) {
	query := `DELETE FROM transfers WHERE updated_at < ? AND (state != ? OR acked = 1)`
	args := []any{formatTime(before), string(model.StateReady)}
	if len(states) > 0 {
		query += ` AND state IN (` + placeholders(len(states)) + `)`
		for _, st := range states {
			args = append(args, string(st))
		}
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(row scanner) (model.FileTransfer, error) {
	var (
		rec                  model.FileTransfer
		id, ranges, state    string
		nextRun              sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(&id, &rec.Name, &rec.Path, &rec.ExpectedSize, &ranges, &state,
		&rec.Attempts, &rec.LastError, &nextRun, &rec.Acked, &createdAt, &updatedAt); err != nil {
		return rec, err
	}

	var err error
	rec.ID = model.ID(id)
	rec.State = model.State(state)
	if rec.Ranges, err = model.ParseRangeSet(ranges); err != nil {
		return rec, fmt.Errorf("%s: %w", id, err)
	}
	if nextRun.Valid {
		if rec.NextRunAt, err = parseTime(nextRun.String); err != nil {
			return rec, err
		}
	}
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return rec, err
	}
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return rec, err
	}
	return rec, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}
