package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/psantana5/gridsweep/pkg/retry"
)

// SQLStore keeps result records in a single table. SQLite serves a sweep
// on one host or a shared filesystem; PostgreSQL serves array tasks that
// cannot share a directory.
type SQLStore struct {
	db     *sql.DB
	driver string
	retry  retry.Config
}

const schema = `
CREATE TABLE IF NOT EXISTS results (
	job_index  BIGINT PRIMARY KEY,
	name       TEXT NOT NULL,
	payload    TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
)`

// NewSQLiteStore opens (and creates) a SQLite results database.
func NewSQLiteStore(dbPath string) (*SQLStore, error) {
	// WAL and a busy timeout let array tasks on different nodes write
	// concurrently without SQLITE_BUSY on every collision.
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL&_txlock=immediate", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	return newSQLStore(db, "sqlite3")
}

// NewPostgresStore connects to a PostgreSQL results database.
func NewPostgresStore(config Config) (*SQLStore, error) {
	if config.DSN == "" {
		return nil, fmt.Errorf("PostgreSQL DSN is required")
	}

	db, err := sql.Open("postgres", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(10)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(2)
	}
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return newSQLStore(db, "postgres")
}

func newSQLStore(db *sql.DB, driver string) (*SQLStore, error) {
	s := &SQLStore{db: db, driver: driver, retry: retry.DefaultConfig()}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// rebind rewrites ? placeholders as $n for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) withRetry(ctx context.Context, fn func() error) error {
	return retry.DoIf(ctx, s.retry, retry.IsRetryable, fn)
}

// Exists reports whether a record row is present.
func (s *SQLStore) Exists(ctx context.Context, index int) (bool, error) {
	var n int
	err := s.withRetry(ctx, func() error {
		return s.db.QueryRowContext(ctx,
			s.rebind(`SELECT COUNT(*) FROM results WHERE job_index = ?`), index).Scan(&n)
	})
	if err != nil {
		return false, fmt.Errorf("check %s: %w", RecordName(index), err)
	}
	return n > 0, nil
}

// Put upserts the record in a single statement.
func (s *SQLStore) Put(ctx context.Context, index int, result Result) error {
	if err := validate(index, result); err != nil {
		return err
	}
	query := s.rebind(`
		INSERT INTO results (job_index, name, payload, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (job_index) DO UPDATE
		SET payload = excluded.payload, updated_at = excluded.updated_at`)

	err := s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query, index, RecordName(index), string(result), time.Now().UTC())
		return err
	})
	if err != nil {
		return fmt.Errorf("write %s: %w", RecordName(index), err)
	}
	return nil
}

// Get loads the record for index.
func (s *SQLStore) Get(ctx context.Context, index int) (Result, error) {
	var payload string
	err := s.withRetry(ctx, func() error {
		return s.db.QueryRowContext(ctx,
			s.rebind(`SELECT payload FROM results WHERE job_index = ?`), index).Scan(&payload)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Index: index}
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", RecordName(index), err)
	}
	return Result(payload), nil
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	return s.db.Close()
}
