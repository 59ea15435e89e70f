// Package replacement loads benign placeholder payloads keyed by MIME
// type from a directory at startup, answering lookups with a fallback for
// text/plain.
package replacement

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const fallbackMimeType = "text/plain"

// Store enumerates a directory of files named such that the stem, with
// underscores replaced by slashes, yields a MIME type (e.g.
// "application_pdf.pdf" -> "application/pdf"). Files are loaded lazily on
// first lookup; once loaded, the payload is cached for the life of the
// process (replacements are immutable after startup).
type Store struct {
	dir       string
	pathByMIME map[string]string

	mu         sync.RWMutex
	cache      map[string][]byte
}

// NewStore enumerates dir and indexes filenames by the MIME type their
// stem encodes. It does not read file contents yet (ExtractFromBody-style
// lazy loading, mirrored from the teacher's media extractor). Returns an
// error if dir has no entry that maps to text/plain, since that fallback
// is required by spec.md §4.2 / §6 and its absence is a startup fatal.
func NewStore(dir string) (*Store, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read replacement directory %q: %w", dir, err)
	}

	pathByMIME := make(map[string]string, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		stem := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		mimeType := strings.ReplaceAll(stem, "_", "/")
		pathByMIME[mimeType] = filepath.Join(dir, entry.Name())
	}

	if _, ok := pathByMIME[fallbackMimeType]; !ok {
		return nil, fmt.Errorf("replacement directory %q has no %s fallback entry", dir, fallbackMimeType)
	}

	return &Store{
		dir:        dir,
		pathByMIME: pathByMIME,
		cache:      make(map[string][]byte),
	}, nil
}

// Lookup returns the replacement payload for mimeType, falling back to
// text/plain when mimeType has no entry of its own.
func (s *Store) Lookup(mimeType string) ([]byte, error) {
	path, ok := s.pathByMIME[mimeType]
	if !ok {
		path = s.pathByMIME[fallbackMimeType]
	}

	s.mu.RLock()
	if data, cached := s.cache[path]; cached {
		s.mu.RUnlock()
		return data, nil
	}
	s.mu.RUnlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load replacement %q: %w", path, err)
	}

	s.mu.Lock()
	s.cache[path] = data
	s.mu.Unlock()

	return data, nil
}
