package baseline

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

// FileStore persists a baseline as zstd-compressed JSON
type FileStore struct {
	path string
}

// NewFileStore creates a store writing to path
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file path
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the baseline. A missing file yields a fresh, empty baseline.
func (s *FileStore) Load() (*Baseline, error) {
	f, err := os.Open(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return New(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open baseline: %w", err)
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd reader: %w", err)
	}
	defer dec.Close()

	b := New()
	if err := json.NewDecoder(dec).Decode(b); err != nil {
		return nil, fmt.Errorf("failed to decode baseline: %w", err)
	}
	return b, nil
}

// Save writes the baseline atomically via a temp file and rename
func (s *FileStore) Save(b *Baseline) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create baseline directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".baseline-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	enc, err := zstd.NewWriter(tmp, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		tmp.Close()
		return fmt.Errorf("failed to create zstd writer: %w", err)
	}

	b.mu.RLock()
	err = json.NewEncoder(enc).Encode(b)
	b.mu.RUnlock()
	if err != nil {
		enc.Close()
		tmp.Close()
		return fmt.Errorf("failed to encode baseline: %w", err)
	}

	if err := enc.Close(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to flush zstd stream: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("failed to replace baseline: %w", err)
	}
	return nil
}
