package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Result is the serialized outcome of one trial. The store treats it as an
// opaque JSON document.
type Result = json.RawMessage

// Store persists one result record per job index. The existence of a
// record is the only completion signal: records are written once a trial
// succeeds and never hold partial state.
//
// Put must be atomic from a reader's point of view and safe for concurrent
// writers targeting different indices, including writers in other
// processes.
type Store interface {
	Exists(ctx context.Context, index int) (bool, error)
	Put(ctx context.Context, index int, result Result) error
	Get(ctx context.Context, index int) (Result, error)
	Close() error
}

// RecordName is the external identifier of a job's record. It depends on
// the index alone.
func RecordName(index int) string {
	return fmt.Sprintf("result_%d", index)
}

// ErrNotFound matches any *NotFoundError via errors.Is.
var ErrNotFound = &NotFoundError{Index: -1}

// NotFoundError is returned by Get when no record exists for an index.
type NotFoundError struct {
	Index int
}

func (e *NotFoundError) Error() string {
	if e.Index < 0 {
		return "result not found"
	}
	return fmt.Sprintf("result not found: %s", RecordName(e.Index))
}

// Is makes every NotFoundError match ErrNotFound.
func (e *NotFoundError) Is(target error) bool {
	_, ok := target.(*NotFoundError)
	return ok
}

// ErrUnsupportedBackend is returned by NewStore for unknown backend types.
var ErrUnsupportedBackend = errors.New("unsupported result store backend")

// ErrInvalidResult is returned by Put when the payload is not valid JSON.
var ErrInvalidResult = errors.New("result is not valid JSON")

// Config selects and configures a result store backend.
type Config struct {
	Type string // "file", "sqlite", "postgres" or "memory"
	Path string // results directory (file) or database file (sqlite)
	DSN  string // connection string (postgres)

	// PostgreSQL specific
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewStore creates a store based on configuration
func NewStore(config Config) (Store, error) {
	switch config.Type {
	case "file", "":
		if config.Path == "" {
			return nil, fmt.Errorf("file store: results directory is required")
		}
		return NewFileStore(config.Path)
	case "sqlite", "sqlite3":
		path := config.Path
		if path == "" {
			path = config.DSN
		}
		if path == "" {
			path = "results.db"
		}
		return NewSQLiteStore(path)
	case "postgres", "postgresql":
		return NewPostgresStore(config)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedBackend, config.Type)
	}
}

func validate(index int, result Result) error {
	if index < 0 {
		return fmt.Errorf("negative job index %d", index)
	}
	if !json.Valid(result) {
		return fmt.Errorf("%s: %w", RecordName(index), ErrInvalidResult)
	}
	return nil
}
