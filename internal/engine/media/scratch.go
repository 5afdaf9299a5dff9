package media

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"sync"
)

// Scratch collects per-post temp files and removes them all on Release.
// Safe to Release more than once.
type Scratch struct {
	mu    sync.Mutex
	paths []string
}

// Track registers path for removal. Empty paths are ignored.
func (s *Scratch) Track(path string) string {
	if path == "" {
		return path
	}
	s.mu.Lock()
	s.paths = append(s.paths, path)
	s.mu.Unlock()
	return path
}

// Release removes every tracked file.
func (s *Scratch) Release() {
	s.mu.Lock()
	paths := s.paths
	s.paths = nil
	s.mu.Unlock()
	for _, p := range paths {
		removeQuiet(p)
	}
}

// removeQuiet deletes path, logging anything other than "not found".
func removeQuiet(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("media: remove scratch file", slog.String("path", path), slog.Any("error", err))
	}
}
