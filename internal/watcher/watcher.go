// Package watcher implements the `--watch` re-trigger loop: it snapshots
// the mtimes of every file matched by a recipe's watch patterns, polls at
// a fixed interval, and re-invokes the pipeline on any add/remove/mtime
// change, cancelling an in-flight invocation and debouncing bursts within
// a short window.
package watcher

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jakeflow/jake/internal/backoff"
	"github.com/jakeflow/jake/internal/fileutil"
	"github.com/jakeflow/jake/internal/logger"
)

// DefaultInterval is the poll interval named in spec §4.9 (~200ms).
const DefaultInterval = 200 * time.Millisecond

// DefaultDebounce is the burst-collapsing window named in spec §4.9 (~50ms).
const DefaultDebounce = 50 * time.Millisecond

// Snapshot is a path -> last-seen-mtime map over one pattern set.
type Snapshot map[string]time.Time

// Take expands patterns against root and stats every match. A file that
// disappears between the glob and the stat is simply omitted; the next
// poll will observe its removal against the previous snapshot.
func Take(root string, patterns []string) (Snapshot, error) {
	paths, err := fileutil.ExpandGlobs(root, patterns)
	if err != nil {
		return nil, fmt.Errorf("watch-io: %w", err)
	}
	snap := make(Snapshot, len(paths))
	for _, p := range paths {
		fi, err := os.Stat(p)
		if err != nil {
			continue
		}
		snap[p] = fi.ModTime()
	}
	return snap, nil
}

// Changed reports whether b differs from a: a different path set, or any
// shared path whose mtime moved.
func Changed(a, b Snapshot) bool {
	if len(a) != len(b) {
		return true
	}
	for p, mt := range a {
		bmt, ok := b[p]
		if !ok || !bmt.Equal(mt) {
			return true
		}
	}
	return false
}

// Watcher re-triggers a run function whenever a watched file is added,
// removed, or changes mtime.
type Watcher struct {
	Root     string
	Patterns []string
	Interval time.Duration
	Debounce time.Duration
	Log      logger.Logger
}

// New constructs a Watcher with the spec's default poll/debounce timings.
func New(root string, patterns []string, log logger.Logger) *Watcher {
	return &Watcher{Root: root, Patterns: patterns, Interval: DefaultInterval, Debounce: DefaultDebounce, Log: log}
}

// Run invokes trigger once immediately, then again — after cancelling any
// still-running prior invocation — every time a watched file changes,
// until ctx is cancelled. trigger is handed a context scoped to its own
// run, which Run cancels in place of a fresh detected change.
func (w *Watcher) Run(ctx context.Context, trigger func(runCtx context.Context)) error {
	interval := w.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	debounce := w.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	baseline, err := w.takeWithRetry(ctx)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	go trigger(runCtx)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			cur, err := w.takeWithRetry(ctx)
			if err != nil {
				if w.Log != nil {
					w.Log.Warn("watch poll failed", "error", err)
				}
				continue
			}
			if !Changed(baseline, cur) {
				continue
			}

			stable := w.debounceWindow(ctx, cur, interval, debounce)

			cancel()
			baseline = stable
			runCtx, cancel = context.WithCancel(ctx)
			go trigger(runCtx)
		}
	}
}

// debounceWindow keeps re-polling until a full debounce period elapses
// with no further change, collapsing a burst of saves into one re-run.
func (w *Watcher) debounceWindow(ctx context.Context, last Snapshot, interval, debounce time.Duration) Snapshot {
	step := interval
	if debounce < step {
		step = debounce
	}
	t := time.NewTicker(step)
	defer t.Stop()

	deadline := time.Now().Add(debounce)
	for {
		if time.Now().After(deadline) {
			return last
		}
		select {
		case <-ctx.Done():
			return last
		case <-t.C:
			cur, err := w.takeWithRetry(ctx)
			if err != nil {
				continue
			}
			if Changed(last, cur) {
				last = cur
				deadline = time.Now().Add(debounce)
			}
		}
	}
}

// takeWithRetry retries a transient glob/stat failure with a short
// constant backoff before surfacing a watch-io error to the caller.
func (w *Watcher) takeWithRetry(ctx context.Context) (Snapshot, error) {
	const maxAttempts = 3
	retrier := backoff.NewRetrier(backoff.NewConstantBackoffPolicy(10 * time.Millisecond))

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		snap, err := Take(w.Root, w.Patterns)
		if err == nil {
			return snap, nil
		}
		lastErr = err
		if werr := retrier.Next(ctx); werr != nil {
			return nil, lastErr
		}
	}
	return nil, lastErr
}
