package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// FileStore keeps one <dir>/result_<index>.json file per job. It is the
// backend shared by array tasks on a cluster filesystem.
type FileStore struct {
	dir string
}

// NewFileStore creates the results directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create results directory %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the results directory.
func (s *FileStore) Dir() string {
	return s.dir
}

// Path returns the file holding the record for index.
func (s *FileStore) Path(index int) string {
	return filepath.Join(s.dir, RecordName(index)+".json")
}

// Exists reports whether the record file is present.
func (s *FileStore) Exists(_ context.Context, index int) (bool, error) {
	_, err := os.Stat(s.Path(index))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("stat %s: %w", RecordName(index), err)
	}
}

// Put writes the record to a uniquely named temp file in the same
// directory and renames it into place, so readers see either the old
// record, the new one, or none.
func (s *FileStore) Put(_ context.Context, index int, result Result) error {
	if err := validate(index, result); err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := json.Indent(&buf, result, "", "  "); err != nil {
		return fmt.Errorf("%s: %w", RecordName(index), err)
	}
	buf.WriteByte('\n')

	return WriteFileAtomic(s.Path(index), buf.Bytes())
}

// Get reads the record for index.
func (s *FileStore) Get(_ context.Context, index int) (Result, error) {
	data, err := os.ReadFile(s.Path(index))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &NotFoundError{Index: index}
		}
		return nil, fmt.Errorf("read %s: %w", RecordName(index), err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("%s: %w", RecordName(index), ErrInvalidResult)
	}
	return Result(bytes.TrimSpace(data)), nil
}

// Close is a no-op for the file store.
func (s *FileStore) Close() error {
	return nil
}

// WriteFileAtomic writes data to path through a temp file and rename.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp := filepath.Join(dir, "."+filepath.Base(path)+".tmp-"+uuid.NewString())

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename into %s: %w", path, err)
	}
	return nil
}
