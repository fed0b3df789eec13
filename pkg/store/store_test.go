package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backends returns one fresh instance of every backend that needs no
// external service.
func backends(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()

	fileStore, err := NewFileStore(filepath.Join(dir, "results"))
	require.NoError(t, err)

	sqliteStore, err := NewSQLiteStore(filepath.Join(dir, "results.db"))
	require.NoError(t, err)

	stores := map[string]Store{
		"file":   fileStore,
		"sqlite": sqliteStore,
		"memory": NewMemoryStore(),
	}
	t.Cleanup(func() {
		for _, s := range stores {
			s.Close()
		}
	})
	return stores
}

func TestStoreContract(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ok, err := s.Exists(ctx, 3)
			require.NoError(t, err)
			assert.False(t, ok)

			_, err = s.Get(ctx, 3)
			var nf *NotFoundError
			require.ErrorAs(t, err, &nf)
			assert.Equal(t, 3, nf.Index)
			assert.True(t, errors.Is(err, ErrNotFound))

			require.NoError(t, s.Put(ctx, 3, Result(`{"mean": 1.5}`)))
			ok, err = s.Exists(ctx, 3)
			require.NoError(t, err)
			assert.True(t, ok)

			got, err := s.Get(ctx, 3)
			require.NoError(t, err)
			assert.JSONEq(t, `{"mean": 1.5}`, string(got))

			// Create-or-replace.
			require.NoError(t, s.Put(ctx, 3, Result(`[1, 2]`)))
			got, err = s.Get(ctx, 3)
			require.NoError(t, err)
			assert.JSONEq(t, `[1, 2]`, string(got))
		})
	}
}

func TestStoreRejectsInvalidPayload(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			err := s.Put(ctx, 0, Result(`{not json`))
			assert.ErrorIs(t, err, ErrInvalidResult)
			ok, _ := s.Exists(ctx, 0)
			assert.False(t, ok)
		})
	}
}

func TestStoreConcurrentWritersDifferentIndices(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			const n = 32
			var wg sync.WaitGroup
			errs := make(chan error, n)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(idx int) {
					defer wg.Done()
					if err := s.Put(ctx, idx, Result(fmt.Sprintf("%d", idx*idx))); err != nil {
						errs <- err
					}
				}(i)
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				t.Errorf("concurrent put: %v", err)
			}

			for i := 0; i < n; i++ {
				got, err := s.Get(ctx, i)
				require.NoError(t, err)
				assert.Equal(t, fmt.Sprintf("%d", i*i), string(got))
			}
		})
	}
}

func TestFileStoreLayout(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)

	require.NoError(t, s.Put(context.Background(), 12, Result(`{"b":1,"a":2}`)))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp files must not be left behind")
	assert.Equal(t, "result_12.json", entries[0].Name())

	data, err := os.ReadFile(filepath.Join(dir, "result_12.json"))
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(data), "\n"))
	assert.Contains(t, string(data), "\n  ")
}

func TestFileStoreGetCorruptRecord(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(s.Path(1), []byte("{trunc"), 0644))

	_, err = s.Get(context.Background(), 1)
	assert.ErrorIs(t, err, ErrInvalidResult)
}

func TestRecordName(t *testing.T) {
	assert.Equal(t, "result_0", RecordName(0))
	assert.Equal(t, "result_4096", RecordName(4096))
}

func TestNewStore(t *testing.T) {
	dir := t.TempDir()

	s, err := NewStore(Config{Type: "file", Path: filepath.Join(dir, "r")})
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	s, err = NewStore(Config{Type: "sqlite", Path: filepath.Join(dir, "r.db")})
	require.NoError(t, err)
	assert.IsType(t, &SQLStore{}, s)
	s.Close()

	s, err = NewStore(Config{Type: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	_, err = NewStore(Config{Type: "s3"})
	assert.ErrorIs(t, err, ErrUnsupportedBackend)

	_, err = NewStore(Config{Type: "file"})
	assert.Error(t, err)

	_, err = NewStore(Config{Type: "postgres"})
	assert.Error(t, err)
}

func TestRebind(t *testing.T) {
	pg := &SQLStore{driver: "postgres"}
	assert.Equal(t, "a = $1 AND b = $2", pg.rebind("a = ? AND b = ?"))
	lite := &SQLStore{driver: "sqlite3"}
	assert.Equal(t, "a = ?", lite.rebind("a = ?"))
}
