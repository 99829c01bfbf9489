package main

import (
	"context"
	"fmt"

	"github.com/jakeflow/jake/internal/engine"
	"github.com/jakeflow/jake/internal/logger"
	"github.com/jakeflow/jake/internal/watcher"
)

// runWatch re-resolves and re-runs opts.Recipe every time one of its
// @watch patterns changes, until ctx is cancelled. override, when
// non-empty, replaces the recipe-declared patterns instead of joining
// them — an explicit request to watch something else entirely.
func runWatch(ctx context.Context, eng *engine.Engine, override string, opts engine.Options, log logger.Logger) error {
	jf, err := eng.LoadModel()
	if err != nil {
		return err
	}

	patterns, jakefileDir, err := eng.WatchPatterns(jf, opts)
	if err != nil {
		return err
	}
	if override != "" {
		patterns = []string{override}
	}
	if len(patterns) == 0 {
		return fmt.Errorf("watch-io: recipe %s declares no @watch patterns", opts.Recipe)
	}

	w := watcher.New(jakefileDir, patterns, log)

	var last *engine.Result
	var lastErr error
	err = w.Run(ctx, func(runCtx context.Context) {
		fresh, loadErr := eng.LoadModel()
		if loadErr != nil {
			last, lastErr = nil, loadErr
			log.Errorf("reloading Jakefile: %v", loadErr)
			return
		}
		res, runErr := eng.RunModel(runCtx, fresh, opts)
		last, lastErr = res, runErr
		printSummary(res, opts)
		if runErr != nil && runCtx.Err() == nil {
			log.Errorf("recipe %s failed: %v", opts.Recipe, runErr)
		}
	})
	if err != nil {
		return err
	}
	if lastErr != nil {
		return lastErr
	}
	if last != nil {
		return last.Err
	}
	return nil
}
