package ingest

import (
	"context"
	"strings"
)

// StoreOptions selects the backing store. The first configured one wins, in
// field order; with none set the store is in-memory.
type StoreOptions struct {
	DatabaseURL string
	SQLitePath  string
	RedisURL    string
}

// NewStore creates the configured store and reports which kind it picked.
func NewStore(ctx context.Context, opts StoreOptions) (Store, string, error) {
	switch {
	case strings.TrimSpace(opts.DatabaseURL) != "":
		s, err := NewPostgresStore(ctx, opts.DatabaseURL)
		if err != nil {
			return nil, "", err
		}
		return s, "postgres", nil
	case strings.TrimSpace(opts.SQLitePath) != "":
		s, err := NewSQLiteStore(ctx, opts.SQLitePath)
		if err != nil {
			return nil, "", err
		}
		return s, "sqlite", nil
	case strings.TrimSpace(opts.RedisURL) != "":
		s, err := NewRedisStore(ctx, opts.RedisURL)
		if err != nil {
			return nil, "", err
		}
		return s, "redis", nil
	default:
		return NewInMemoryStore(), "memory", nil
	}
}
