package tokenstore

import (
	"context"
	"fmt"
	"io"
	"strings"
)

// Open builds a Store for the configured driver: "memory", "sqlite" or "postgres".
// SQL drivers migrate the schema first. The returned closer releases the database; it is a no-op for memory.
func Open(ctx context.Context, driver, dsn, profile string, opts ...Option) (*Store, io.Closer, error) {
	switch strings.ToLower(driver) {
	case "memory":
		return New(NewMemoryBackend(), opts...), nopCloser{}, nil
	case string(DialectSQLite), string(DialectPostgres):
	default:
		return nil, nil, fmt.Errorf("tokenstore: unknown driver %q", driver)
	}
	if strings.TrimSpace(profile) == "" {
		return nil, nil, fmt.Errorf("tokenstore: profile id must not be empty")
	}
	dialect := Dialect(strings.ToLower(driver))
	if err := Migrate(ctx, dialect, dsn, "up"); err != nil {
		return nil, nil, fmt.Errorf("tokenstore: migrate: %w", err)
	}
	db, err := OpenDB(ctx, dialect, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("tokenstore: open: %w", err)
	}
	backend := NewSQLBackend(db, dialect, profile)
	return New(backend, opts...), backend, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
