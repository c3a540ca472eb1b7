package offset

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

// cellSize is the width of the on-disk cell: one little-endian int64.
const cellSize = 8

// FileStore keeps each offset in its own file; the key is the file path.
type FileStore struct {
	logger zerolog.Logger
}

var _ Store = (*FileStore)(nil)

func NewFileStore(logger zerolog.Logger) *FileStore {
	return &FileStore{logger: logger}
}

// Load reads the cell at path. A missing, short or unreadable file yields 0.
func (s *FileStore) Load(ctx context.Context, path string) (int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn().Err(err).Str("path", path).Msg("offset file unreadable, starting from 0")
		}
		return 0, nil
	}
	if len(data) < cellSize {
		s.logger.Warn().Str("path", path).Int("size", len(data)).Msg("offset file truncated, starting from 0")
		return 0, nil
	}
	return int64(binary.LittleEndian.Uint64(data[:cellSize])), nil
}

// Store replaces the cell at path through a temp file and rename, so a
// reader sees either the old or the new value.
func (s *FileStore) Store(ctx context.Context, path string, value int64) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create offset directory %s: %w", dir, err)
	}

	var buf [cellSize]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(value))

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp offset file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	if _, err := tmp.Write(buf[:]); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write temp offset file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp offset file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp offset file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		cleanup()
		return fmt.Errorf("rename temp offset file: %w", err)
	}
	return nil
}
