package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists lecture durations and submissions in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ingest_lectures (
			resource TEXT PRIMARY KEY,
			video_duration DOUBLE PRECISION NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS ingest_submissions (
			resource TEXT NOT NULL,
			viewer TEXT NOT NULL,
			watched JSONB NOT NULL DEFAULT '[]'::jsonb,
			watched_percent DOUBLE PRECISION,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (resource, viewer)
		);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) SetDuration(ctx context.Context, resource string, seconds float64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO ingest_lectures (resource, video_duration, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (resource) DO UPDATE SET video_duration = EXCLUDED.video_duration, updated_at = now()`,
		resource,
		seconds,
	)
	if err != nil {
		return fmt.Errorf("save duration: %w", err)
	}
	return nil
}

func (s *PostgresStore) Duration(ctx context.Context, resource string) (float64, bool, error) {
	var d float64
	err := s.pool.QueryRow(ctx, `SELECT video_duration FROM ingest_lectures WHERE resource=$1`, resource).Scan(&d)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("query duration: %w", err)
	}
	return d, true, nil
}

func (s *PostgresStore) Submission(ctx context.Context, resource, viewer string) (Submission, bool, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT resource, viewer, watched, watched_percent, updated_at
		 FROM ingest_submissions WHERE resource=$1 AND viewer=$2`,
		resource,
		viewer,
	)
	sub, err := scanSubmission(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Submission{}, false, nil
	}
	if err != nil {
		return Submission{}, false, fmt.Errorf("query submission: %w", err)
	}
	return sub, true, nil
}

func (s *PostgresStore) SaveSubmission(ctx context.Context, sub Submission) error {
	watched, err := json.Marshal(sub.Watched.Clone())
	if err != nil {
		return fmt.Errorf("encode watched ranges: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO ingest_submissions (resource, viewer, watched, watched_percent, updated_at)
		 VALUES ($1, $2, $3::jsonb, $4, $5)
		 ON CONFLICT (resource, viewer) DO UPDATE SET
			watched = EXCLUDED.watched,
			watched_percent = EXCLUDED.watched_percent,
			updated_at = EXCLUDED.updated_at`,
		sub.Resource,
		sub.Viewer,
		string(watched),
		sub.WatchedPercent,
		sub.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save submission: %w", err)
	}
	return nil
}

func (s *PostgresStore) Submissions(ctx context.Context, resource string) ([]Submission, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT resource, viewer, watched, watched_percent, updated_at
		 FROM ingest_submissions WHERE resource=$1 ORDER BY viewer`,
		resource,
	)
	if err != nil {
		return nil, fmt.Errorf("query submissions: %w", err)
	}
	defer rows.Close()

	var items []Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
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

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanSubmission(row pgx.Row) (Submission, error) {
	var (
		sub     Submission
		watched []byte
	)
	if err := row.Scan(&sub.Resource, &sub.Viewer, &watched, &sub.WatchedPercent, &sub.UpdatedAt); err != nil {
		return Submission{}, err
	}
	if err := json.Unmarshal(watched, &sub.Watched); err != nil {
		return Submission{}, fmt.Errorf("decode watched ranges: %w", err)
	}
	return sub, nil
}
