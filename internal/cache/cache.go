// Package cache implements the persistent file-content-hash store used
// to decide whether a `@cache`-guarded recipe body can be skipped: a
// content hash (not mtime) per tracked path, written atomically via a
// temp-file-then-rename so an interrupted run can never corrupt it.
package cache

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/gofrs/flock"
)

// Record is one tracked path's last-seen state.
type Record struct {
	Path string
	Hash uint64
	Size int64
}

// Store is the persisted path -> Record mapping, guarded by a mutex for
// concurrent scheduler access and a file lock across process instances.
type Store struct {
	dir  string
	path string

	mu      sync.Mutex
	records map[string]Record

	fileLock *flock.Flock
}

// Open loads (or initializes) the cache store rooted at dir (typically
// "<jakefile-dir>/.jake").
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cache-io: %w", err)
	}
	s := &Store{
		dir:      dir,
		path:     filepath.Join(dir, "cache"),
		records:  make(map[string]Record),
		fileLock: flock.New(filepath.Join(dir, ".lock")),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Lock acquires the run-wide lock file, blocking until it is available.
func (s *Store) Lock() (func(), error) {
	if err := s.fileLock.Lock(); err != nil {
		return nil, fmt.Errorf("cache-io: acquiring run lock: %w", err)
	}
	return func() { _ = s.fileLock.Unlock() }, nil
}

func (s *Store) load() error {
	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("cache-io: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		// "<hash-hex> <size> <path>", path is everything after the second
		// space so it may itself contain spaces.
		first := strings.IndexByte(line, ' ')
		if first < 0 {
			continue
		}
		second := strings.IndexByte(line[first+1:], ' ')
		if second < 0 {
			continue
		}
		second += first + 1

		var rec Record
		if _, err := fmt.Sscanf(line[:first], "%x", &rec.Hash); err != nil {
			continue // tolerate a partially-written legacy line
		}
		if _, err := fmt.Sscanf(line[first+1:second], "%d", &rec.Size); err != nil {
			continue
		}
		rec.Path = line[second+1:]
		s.records[rec.Path] = rec
	}
	return sc.Err()
}

// HashFile computes the canonical content hash of path.
func HashFile(path string) (uint64, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	h := xxhash.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return 0, 0, err
	}
	return h.Sum64(), n, nil
}

// Stale reports whether any of paths differs from its last-recorded
// hash (a file present now but absent from the store, or vice versa, is
// also considered stale).
func (s *Store) Stale(paths []string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range paths {
		hash, size, err := HashFile(p)
		if os.IsNotExist(err) {
			return true, nil
		}
		if err != nil {
			return false, fmt.Errorf("cache-io: hashing %s: %w", p, err)
		}
		rec, ok := s.records[p]
		if !ok || rec.Hash != hash || rec.Size != size {
			return true, nil
		}
	}
	return false, nil
}

// Update records the current hash of each path and persists the store
// atomically (write-temp + rename).
func (s *Store) Update(paths []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range paths {
		hash, size, err := HashFile(p)
		if err != nil {
			return fmt.Errorf("cache-io: hashing %s: %w", p, err)
		}
		s.records[p] = Record{Path: p, Hash: hash, Size: size}
	}
	return s.persist()
}

func (s *Store) persist() error {
	tmp, err := os.CreateTemp(s.dir, "cache-*.tmp")
	if err != nil {
		return fmt.Errorf("cache-io: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	paths := make([]string, 0, len(s.records))
	for p := range s.records {
		paths = append(paths, p)
	}
	sort.Strings(paths) // deterministic output, easier to diff/debug

	w := bufio.NewWriter(tmp)
	for _, p := range paths {
		rec := s.records[p]
		if _, err := fmt.Fprintf(w, "%x %d %s\n", rec.Hash, rec.Size, rec.Path); err != nil {
			tmp.Close()
			return fmt.Errorf("cache-io: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("cache-io: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("cache-io: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("cache-io: %w", err)
	}
	return nil
}
