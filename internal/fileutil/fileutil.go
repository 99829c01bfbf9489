// Package fileutil provides path and glob helpers shared by the cache,
// scheduler, and watcher: pattern expansion (`*`, `?`, `**`) rooted at a
// Jakefile's directory, and small path-normalisation utilities.
package fileutil

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
)

// ExpandGlobs expands each pattern in patterns against root, returning
// the union of matched paths (deduplicated, sorted for determinism). A
// pattern that matches nothing is not an error here — callers surface
// the *glob-empty* warning themselves so they can include the pattern
// text in the message.
func ExpandGlobs(root string, patterns []string) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, pat := range patterns {
		matches, err := expandOne(root, pat)
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				out = append(out, m)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func expandOne(root, pattern string) ([]string, error) {
	if filepath.IsAbs(pattern) {
		rel, err := filepath.Rel(root, pattern)
		if err == nil && !isOutside(rel) {
			pattern = filepath.ToSlash(rel)
		} else {
			return doublestar.FilepathGlob(pattern)
		}
	}
	fsys := os.DirFS(root)
	matches, err := doublestar.Glob(fsys, filepath.ToSlash(pattern))
	if err != nil {
		return nil, err
	}
	abs := make([]string, len(matches))
	for i, m := range matches {
		abs[i] = filepath.Join(root, filepath.FromSlash(m))
	}
	return abs, nil
}

func isOutside(rel string) bool {
	return len(rel) >= 2 && rel[0] == '.' && rel[1] == '.'
}

// Exists reports whether path refers to an existing filesystem entry.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// MustGetwd returns the current working directory, panicking on the
// (practically unreachable) error case, matching the convention used for
// other "must" accessors of unrecoverable process state.
func MustGetwd() string {
	wd, err := os.Getwd()
	if err != nil {
		panic(err)
	}
	return wd
}
