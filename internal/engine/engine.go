// Package engine wires the loader, evaluator, resolver, scheduler,
// cache, hook dispatcher, and command runner into the single pipeline a
// CLI invocation or a watch-triggered re-run drives end to end: load the
// Jakefile, resolve the requested recipe into a DAG, and execute it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/jakeflow/jake/internal/cache"
	"github.com/jakeflow/jake/internal/config"
	"github.com/jakeflow/jake/internal/eval"
	"github.com/jakeflow/jake/internal/fileutil"
	"github.com/jakeflow/jake/internal/hooks"
	"github.com/jakeflow/jake/internal/lexer"
	"github.com/jakeflow/jake/internal/loader"
	"github.com/jakeflow/jake/internal/logger"
	"github.com/jakeflow/jake/internal/model"
	"github.com/jakeflow/jake/internal/parser"
	"github.com/jakeflow/jake/internal/resolver"
	"github.com/jakeflow/jake/internal/runner"
	"github.com/jakeflow/jake/internal/scheduler"
)

// ExitCode mirrors the fixed mapping in spec §6.
type ExitCode int

const (
	ExitSuccess          ExitCode = 0
	ExitRecipeFailed     ExitCode = 1
	ExitRecipeNotFound   ExitCode = 2
	ExitJakefileNotFound ExitCode = 3
	ExitParseError       ExitCode = 4
)

// ExitCodeFor classifies err per the stable mapping in spec §6: any
// precondition error this package doesn't recognise by a more specific
// type (a dependency cycle, an unknown variable, ...) falls through to
// ExitParseError, matching "any other precondition error ... maps to 4".
func ExitCodeFor(err error) ExitCode {
	if err == nil {
		return ExitSuccess
	}
	var notFound *config.NotFoundError
	if errors.As(err, &notFound) {
		return ExitJakefileNotFound
	}
	var recipeNotFound *resolver.NotFoundError
	if errors.As(err, &recipeNotFound) {
		return ExitRecipeNotFound
	}
	var lexErr *lexer.Error
	if errors.As(err, &lexErr) {
		return ExitParseError
	}
	var parseErr *parser.Error
	if errors.As(err, &parseErr) {
		return ExitParseError
	}
	var importCycle *loader.CycleError
	if errors.As(err, &importCycle) {
		return ExitParseError
	}
	var collision *loader.CollisionError
	if errors.As(err, &collision) {
		return ExitParseError
	}
	var cycle *resolver.CycleError
	if errors.As(err, &cycle) {
		return ExitParseError
	}
	var arity *resolver.ArityError
	if errors.As(err, &arity) {
		return ExitParseError
	}
	if _, ok := err.(*runRecipeFailedError); ok {
		return ExitRecipeFailed
	}
	return ExitParseError
}

// runRecipeFailedError marks the only case that maps to ExitRecipeFailed:
// the DAG resolved and scheduled cleanly but at least one node failed.
type runRecipeFailedError struct{ FailedCount int }

func (e *runRecipeFailedError) Error() string {
	return fmt.Sprintf("command-failed: %d recipe node(s) failed", e.FailedCount)
}

// Options configures one invocation of the pipeline.
type Options struct {
	Recipe string
	Args   []string

	Summary bool
	Short   bool
}

// NodeOutcome records one resolved node's terminal state for --summary.
type NodeOutcome struct {
	Name     string
	State    scheduler.State
	Duration time.Duration
	Err      error
}

// Result is the outcome of one full pipeline run.
type Result struct {
	Outcomes []NodeOutcome
	Err      error // nil, or a *runRecipeFailedError when a node failed
}

// Engine runs the full pipeline against one resolved config.Config.
type Engine struct {
	Cfg *config.Config
	Log logger.Logger

	// InvocationID identifies this invocation (the CLI process, or one
	// watch-triggered re-run) across every subprocess it spawns and
	// every diagnostic it logs, mirroring dagu's request-ID-tagged runs.
	InvocationID string
}

// New constructs an Engine.
func New(cfg *config.Config, log logger.Logger, invocationID string) *Engine {
	return &Engine{Cfg: cfg, Log: log, InvocationID: invocationID}
}

// Run loads the Jakefile, resolves opts.Recipe, and executes the
// resulting DAG either serially or in parallel per cfg.Parallel/Jobs.
func (e *Engine) Run(ctx context.Context, opts Options) (*Result, error) {
	ld, err := loader.New()
	if err != nil {
		return nil, err
	}
	jakefile, err := ld.Load(e.Cfg.JakefilePath)
	if err != nil {
		return nil, err
	}
	return e.RunModel(ctx, jakefile, opts)
}

// RunModel executes opts.Recipe against an already-loaded model — split
// out so the watcher can re-resolve from a freshly reloaded Jakefile on
// every trigger without re-running this package's own load step twice.
func (e *Engine) RunModel(ctx context.Context, jf *model.Jakefile, opts Options) (*Result, error) {
	env, err := config.LoadEnvironment(jf.DotenvPaths, jf.RequiredEnv, e.Cfg.Env)
	if err != nil {
		return nil, err
	}

	evaluator := eval.New(env, eval.Flags{
		Watching: e.Cfg.Watch,
		DryRun:   e.Cfg.DryRun,
		Verbose:  e.Cfg.Verbose,
	})

	globals, err := evalGlobals(jf, evaluator)
	if err != nil {
		return nil, err
	}
	globalScope := eval.NewScope(globals)

	recipe := opts.Recipe
	if recipe == "" {
		recipe = jf.DefaultRecipe
	}
	if recipe == "" {
		return nil, &resolver.NotFoundError{Name: "(default)"}
	}

	graph, err := resolver.New(jf).Resolve(recipe, opts.Args)
	if err != nil {
		return nil, err
	}

	store, err := cache.Open(e.Cfg.StateDir)
	if err != nil {
		return nil, err
	}
	unlock, err := store.Lock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	jakefileDir := filepath.Dir(jf.RootPath)

	fileEnv := make(map[string]string, len(env)+len(jf.ExportedEnv))
	for k, v := range env {
		fileEnv[k] = v
	}
	for name, expr := range jf.ExportedEnv {
		if expr == nil {
			continue
		}
		v, err := evaluator.Eval(expr, globalScope)
		if err != nil {
			return nil, err
		}
		fileEnv[name] = v
	}

	runnerOpts := runner.Options{
		JakefileDir:  jakefileDir,
		DryRun:       e.Cfg.DryRun,
		Verbose:      e.Cfg.Verbose,
		AssumeYes:    e.Cfg.AssumeYes,
		NoColor:      e.Cfg.NoColor,
		InvocationID: e.InvocationID,
	}
	r := runner.New(runnerOpts, evaluator, fileEnv, e.Log)

	dispatcher := &hooks.Dispatcher{
		Hooks:        jf.Hooks,
		Eval:         evaluator,
		Run:          r.RunHookCommand,
		Log:          e.Log,
		InvocationID: e.InvocationID,
	}

	var mu sync.Mutex
	durations := make(map[int]time.Duration, len(graph.Nodes))
	nodeErrs := make(map[int]error, len(graph.Nodes))

	execFn := func(ctx context.Context, node *resolver.Node) (bool, error) {
		start := time.Now()
		skip, execErr := e.execNode(ctx, node, globalScope, evaluator, r, dispatcher, store, jakefileDir)
		mu.Lock()
		durations[node.ID] = time.Since(start)
		nodeErrs[node.ID] = execErr
		mu.Unlock()
		return skip, execErr
	}

	sched := scheduler.New(graph, execFn)

	var results []*scheduler.Result
	if e.Cfg.Parallel {
		jobs := int64(e.Cfg.Jobs)
		if jobs <= 0 {
			jobs = int64(runtime.NumCPU())
		}
		results, err = sched.RunParallel(ctx, jobs)
	} else {
		results, err = sched.RunSerial(ctx)
	}
	if err != nil {
		return nil, err
	}

	outcomes := make([]NodeOutcome, 0, len(results))
	for _, result := range results {
		outcomes = append(outcomes, NodeOutcome{
			Name:     graph.Nodes[result.NodeID].Recipe.QualifiedName,
			State:    result.State,
			Duration: durations[result.NodeID],
			Err:      nodeErrs[result.NodeID],
		})
	}

	res := &Result{Outcomes: outcomes}
	if scheduler.Failed(results) {
		failed := 0
		for _, result := range results {
			if result.State == scheduler.Failed {
				failed++
			}
		}
		res.Err = &runRecipeFailedError{FailedCount: failed}
	}
	return res, res.Err
}

// LoadModel loads and links the configured Jakefile without resolving or
// running anything, for callers like --list that only need the model.
func (e *Engine) LoadModel() (*model.Jakefile, error) {
	ld, err := loader.New()
	if err != nil {
		return nil, err
	}
	return ld.Load(e.Cfg.JakefilePath)
}

// WatchPatterns resolves opts.Recipe's DAG against jf and collects every
// @watch pattern declared across its nodes, deduplicated in first-seen
// order, for the watcher to poll.
func (e *Engine) WatchPatterns(jf *model.Jakefile, opts Options) ([]string, string, error) {
	env, err := config.LoadEnvironment(jf.DotenvPaths, jf.RequiredEnv, e.Cfg.Env)
	if err != nil {
		return nil, "", err
	}
	evaluator := eval.New(env, eval.Flags{Watching: true, DryRun: e.Cfg.DryRun, Verbose: e.Cfg.Verbose})
	globals, err := evalGlobals(jf, evaluator)
	if err != nil {
		return nil, "", err
	}
	globalScope := eval.NewScope(globals)

	recipe := opts.Recipe
	if recipe == "" {
		recipe = jf.DefaultRecipe
	}
	graph, err := resolver.New(jf).Resolve(recipe, opts.Args)
	if err != nil {
		return nil, "", err
	}

	jakefileDir := filepath.Dir(jf.RootPath)
	r := runner.New(runner.Options{JakefileDir: jakefileDir, DryRun: true, InvocationID: e.InvocationID}, evaluator, env, e.Log)

	seen := make(map[string]bool)
	var patterns []string
	for _, node := range graph.Nodes {
		scope, err := bindScope(node, globalScope, evaluator)
		if err != nil {
			return nil, "", err
		}
		pats, err := r.CollectWatchPatterns(node.Recipe, scope)
		if err != nil {
			return nil, "", err
		}
		for _, p := range pats {
			if !seen[p] {
				seen[p] = true
				patterns = append(patterns, p)
			}
		}
	}
	return patterns, jakefileDir, nil
}

// execNode runs one resolved node: platform filter, tool-need gate, the
// cache freshness check, and the hook-wrapped body.
func (e *Engine) execNode(
	ctx context.Context,
	node *resolver.Node,
	globalScope *eval.Scope,
	evaluator *eval.Evaluator,
	r *runner.Runner,
	dispatcher *hooks.Dispatcher,
	store *cache.Store,
	jakefileDir string,
) (bool, error) {
	recipe := node.Recipe

	if len(recipe.Attributes.PlatformFilter) > 0 && !platformMatches(recipe.Attributes.PlatformFilter) {
		e.logf("skipping %s: platform filter excludes %s", recipe.QualifiedName, runtime.GOOS)
		return true, nil
	}

	for _, need := range recipe.Attributes.ToolNeeds {
		if _, err := exec.LookPath(need.Command); err != nil {
			if need.Hint != "" {
				return false, fmt.Errorf("missing-tool: %s: %s", need.Command, need.Hint)
			}
			return false, fmt.Errorf("missing-tool: %s", need.Command)
		}
	}

	scope, err := bindScope(node, globalScope, evaluator)
	if err != nil {
		return false, err
	}

	patterns, err := r.CollectCachePatterns(recipe, scope)
	if err != nil {
		return false, err
	}
	var cachePaths []string
	if len(patterns) > 0 {
		cachePaths, err = fileutil.ExpandGlobs(jakefileDir, patterns)
		if err != nil {
			return false, fmt.Errorf("cache-io: %w", err)
		}
		if len(cachePaths) == 0 {
			e.logf("glob-empty: %s matched no files for %s", patterns, recipe.QualifiedName)
		} else {
			stale, err := store.Stale(cachePaths)
			if err != nil {
				return false, err
			}
			if !stale {
				return true, nil
			}
		}
	}

	if err := dispatcher.Before(ctx, scope, recipe); err != nil {
		return false, err
	}

	runErr := r.RunRecipe(ctx, recipe, scope)
	if runErr != nil {
		var abort *runner.AbortError
		if errors.As(runErr, &abort) {
			e.logf("%s: recipe %s aborted: %s", abort.Kind, recipe.QualifiedName, abort.Message)
		}
		for _, herr := range dispatcher.OnError(ctx, scope, recipe, runErr) {
			e.logf("@on_error hook failed: %v", herr)
		}
		return false, runErr
	}

	for _, herr := range dispatcher.After(ctx, scope, recipe) {
		e.logf("hook failed: %v", herr)
	}

	if len(cachePaths) > 0 && !e.Cfg.DryRun {
		if err := store.Update(cachePaths); err != nil {
			return false, err
		}
	}

	return false, nil
}

func (e *Engine) logf(format string, args ...any) {
	if e.Log != nil {
		e.Log.Warnf(format, args...)
	}
}

// bindScope constructs the per-node parameter scope: bound positional/
// override values take precedence, unbound parameters fall back to
// their default expression evaluated against the scope built so far (so
// one default may reference an earlier parameter).
func bindScope(node *resolver.Node, globalScope *eval.Scope, evaluator *eval.Evaluator) (*eval.Scope, error) {
	scope := globalScope.Child()
	scope.Params = make(map[string]string, len(node.Recipe.Parameters))
	for _, p := range node.Recipe.Parameters {
		if v, ok := node.Args[p.Name]; ok {
			scope.Params[p.Name] = v
			continue
		}
		if expr, ok := node.ArgExprs[p.Name]; ok {
			v, err := evaluator.Eval(expr, scope)
			if err != nil {
				return nil, err
			}
			scope.Params[p.Name] = v
		}
	}
	return scope, nil
}

// evalGlobals resolves every top-level assignment to its string value.
// Declaration order is tried first; a variable whose expression refers
// to one not yet resolved is deferred and retried once its dependencies
// land, implementing the "evaluation order by reference discovery" rule
// in spec §3 without requiring an explicit dependency graph over
// variables themselves.
func evalGlobals(jf *model.Jakefile, evaluator *eval.Evaluator) (map[string]string, error) {
	globals := make(map[string]string, len(jf.Variables))
	pending := append([]model.Variable{}, jf.Variables...)

	for len(pending) > 0 {
		scope := eval.NewScope(globals)
		var next []model.Variable
		progressed := false

		for _, v := range pending {
			val, err := evaluator.Eval(v.Value, scope)
			if err != nil {
				var evalErr *eval.Error
				if errors.As(err, &evalErr) && evalErr.Kind == "unknown-variable" {
					next = append(next, v)
					continue
				}
				return nil, err
			}
			globals[v.Name] = val
			progressed = true
		}

		if !progressed {
			names := make([]string, len(next))
			for i, v := range next {
				names[i] = v.Name
			}
			return nil, fmt.Errorf("unknown-variable: could not resolve %v (undefined or cyclic reference)", names)
		}
		pending = next
	}
	return globals, nil
}

func platformMatches(filter []string) bool {
	for _, f := range filter {
		if f == runtime.GOOS {
			return true
		}
		if f == "unix" && runtime.GOOS != "windows" {
			return true
		}
	}
	return false
}
