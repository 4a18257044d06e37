package tokenstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Dialect selects placeholder syntax and connection setup for SQLBackend.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// driverName is the database/sql driver registered for the dialect.
func (d Dialect) driverName() string {
	if d == DialectPostgres {
		return "pgx"
	}
	return "sqlite"
}

// placeholder returns the n-th (1-based) bind parameter.
func (d Dialect) placeholder(n int) string {
	if d == DialectPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// SQLBackend stores entries in the token_entries table, scoped by profile id.
type SQLBackend struct {
	db      *sql.DB
	dialect Dialect
	profile string
	now     func() time.Time
}

// NewSQLBackend returns a backend over an open database whose schema is already migrated.
func NewSQLBackend(db *sql.DB, dialect Dialect, profile string) *SQLBackend {
	return &SQLBackend{db: db, dialect: dialect, profile: profile, now: time.Now}
}

// OpenDB opens and pings a database for the dialect. Caller must call Close when done.
func OpenDB(ctx context.Context, dialect Dialect, dsn string) (*sql.DB, error) {
	db, err := sql.Open(dialect.driverName(), dsn)
	if err != nil {
		return nil, err
	}
	if dialect == DialectSQLite {
		// One writer; pragmas are per connection.
		db.SetMaxOpenConns(1)
		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA synchronous=NORMAL",
			"PRAGMA busy_timeout=5000",
		} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("tokenstore: %s: %w", pragma, err)
			}
		}
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// inClause returns "(p_from, ..., p_from+n-1)".
func (b *SQLBackend) inClause(from, n int) string {
	ps := make([]string, n)
	for i := range ps {
		ps[i] = b.dialect.placeholder(from + i)
	}
	return "(" + strings.Join(ps, ", ") + ")"
}

// Load implements Backend.
func (b *SQLBackend) Load(ctx context.Context, keys []string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	q := "SELECT key, value FROM token_entries WHERE profile_id = " + b.dialect.placeholder(1) +
		" AND key IN " + b.inClause(2, len(keys))
	args := make([]any, 0, len(keys)+1)
	args = append(args, b.profile)
	for _, k := range keys {
		args = append(args, k)
	}
	rows, err := b.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// Save implements Backend. All entries are written in one transaction.
func (b *SQLBackend) Save(ctx context.Context, entries map[string]string) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	q := "INSERT INTO token_entries (profile_id, key, value, updated_at) VALUES (" +
		b.dialect.placeholder(1) + ", " + b.dialect.placeholder(2) + ", " +
		b.dialect.placeholder(3) + ", " + b.dialect.placeholder(4) + ")" +
		" ON CONFLICT (profile_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at"
	now := b.now().UTC()
	for k, v := range entries {
		if _, err := tx.ExecContext(ctx, q, b.profile, k, v, now); err != nil {
			return fmt.Errorf("tokenstore: save %s: %w", k, err)
		}
	}
	return tx.Commit()
}

// Delete implements Backend.
func (b *SQLBackend) Delete(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	q := "DELETE FROM token_entries WHERE profile_id = " + b.dialect.placeholder(1) +
		" AND key IN " + b.inClause(2, len(keys))
	args := make([]any, 0, len(keys)+1)
	args = append(args, b.profile)
	for _, k := range keys {
		args = append(args, k)
	}
	_, err := b.db.ExecContext(ctx, q, args...)
	return err
}

// Close closes the underlying database.
func (b *SQLBackend) Close() error {
	return b.db.Close()
}
