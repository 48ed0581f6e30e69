package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists submissions in a single SQLite file, for hosts that
// have no database server.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// database/sql would otherwise open several connections against one file.
	db.SetMaxOpenConns(1)

	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`CREATE TABLE IF NOT EXISTS ingest_lectures (
			resource TEXT PRIMARY KEY,
			video_duration REAL NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS ingest_submissions (
			resource TEXT NOT NULL,
			viewer TEXT NOT NULL,
			watched TEXT NOT NULL DEFAULT '[]',
			watched_percent REAL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (resource, viewer)
		);`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) SetDuration(ctx context.Context, resource string, seconds float64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ingest_lectures (resource, video_duration, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(resource) DO UPDATE SET video_duration = excluded.video_duration, updated_at = excluded.updated_at`,
		resource,
		seconds,
		time.Now().UTC().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save duration: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Duration(ctx context.Context, resource string) (float64, bool, error) {
	var d float64
	err := s.db.QueryRowContext(ctx, `SELECT video_duration FROM ingest_lectures WHERE resource = ?`, resource).Scan(&d)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("query duration: %w", err)
	}
	return d, true, nil
}

func (s *SQLiteStore) Submission(ctx context.Context, resource, viewer string) (Submission, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT resource, viewer, watched, watched_percent, updated_at
		 FROM ingest_submissions WHERE resource = ? AND viewer = ?`,
		resource,
		viewer,
	)
	sub, err := scanSQLiteSubmission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Submission{}, false, nil
	}
	if err != nil {
		return Submission{}, false, fmt.Errorf("query submission: %w", err)
	}
	return sub, true, nil
}

func (s *SQLiteStore) SaveSubmission(ctx context.Context, sub Submission) error {
	watched, err := json.Marshal(sub.Watched.Clone())
	if err != nil {
		return fmt.Errorf("encode watched ranges: %w", err)
	}
	var pct sql.NullFloat64
	if sub.WatchedPercent != nil {
		pct = sql.NullFloat64{Float64: *sub.WatchedPercent, Valid: true}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO ingest_submissions (resource, viewer, watched, watched_percent, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(resource, viewer) DO UPDATE SET
			watched = excluded.watched,
			watched_percent = excluded.watched_percent,
			updated_at = excluded.updated_at`,
		sub.Resource,
		sub.Viewer,
		string(watched),
		pct,
		sub.UpdatedAt.UTC().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save submission: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Submissions(ctx context.Context, resource string) ([]Submission, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT resource, viewer, watched, watched_percent, updated_at
		 FROM ingest_submissions WHERE resource = ? ORDER BY viewer`,
		resource,
	)
	if err != nil {
		return nil, fmt.Errorf("query submissions: %w", err)
	}
	defer rows.Close()

	var items []Submission
	for rows.Next() {
		sub, err := scanSQLiteSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("scan submission row: %w", err)
		}
		items = append(items, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate submission rows: %w", err)
	}
	return items, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type sqlScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteSubmission(row sqlScanner) (Submission, error) {
	var (
		sub     Submission
		watched string
		pct     sql.NullFloat64
		updated int64
	)
	if err := row.Scan(&sub.Resource, &sub.Viewer, &watched, &pct, &updated); err != nil {
		return Submission{}, err
	}
	if err := json.Unmarshal([]byte(watched), &sub.Watched); err != nil {
		return Submission{}, fmt.Errorf("decode watched ranges: %w", err)
	}
	if pct.Valid {
		v := pct.Float64
		sub.WatchedPercent = &v
	}
	sub.UpdatedAt = time.Unix(0, updated).UTC()
	return sub, nil
}
