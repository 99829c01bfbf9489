// Package runner expands a recipe body into a linear command stream and
// spawns a shell subprocess per command, honouring `@cd`/`@shell`/
// `@export`/`@needs`/`@require`/`@confirm` directives and the `@`/`-`
// prefix semantics.
package runner

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"github.com/jakeflow/jake/internal/ast"
	"github.com/jakeflow/jake/internal/cmdutil"
	"github.com/jakeflow/jake/internal/eval"
	"github.com/jakeflow/jake/internal/logger"
	"github.com/jakeflow/jake/internal/model"
)

// AbortError signals that a recipe was aborted in place (a declined
// @confirm, a missing @require variable) without failing the whole
// invocation the way a command-failed error would.
type AbortError struct {
	Kind    string
	Message string
}

func (e *AbortError) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Message) }

// Confirmer prompts the user with msg and returns whether they accepted.
type Confirmer func(msg string) bool

// Options configures one Runner for the lifetime of an invocation.
type Options struct {
	JakefileDir string
	DefaultCD   string
	DryRun      bool
	Verbose     bool
	AssumeYes   bool
	NoColor     bool

	// InvocationID identifies the whole CLI invocation (or watch-triggered
	// re-run) this Runner belongs to; it is stable across every command a
	// recipe body spawns, unlike a fresh ID generated per command.
	InvocationID string

	Stdout io.Writer
	Stderr io.Writer
	Stdin  io.Reader

	Confirm Confirmer

	// Shell, when empty, defaults to "sh -c" on Unix and "cmd /C" on
	// Windows.
	Shell []string
}

// Runner executes one recipe body against a shared evaluator and base
// environment.
type Runner struct {
	Opts Options
	Eval *eval.Evaluator
	Env  map[string]string // base environment snapshot (process + dotenv + file-scope exports)
	Log  logger.Logger
}

// New constructs a Runner.
func New(opts Options, evaluator *eval.Evaluator, env map[string]string, log logger.Logger) *Runner {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.Stdin == nil {
		opts.Stdin = os.Stdin
	}
	if opts.Confirm == nil {
		opts.Confirm = defaultConfirm(opts.Stdin, opts.Stdout)
	}
	return &Runner{Opts: opts, Eval: evaluator, Env: env, Log: log}
}

func defaultConfirm(in io.Reader, out io.Writer) Confirmer {
	return func(msg string) bool {
		fmt.Fprintf(out, "%s [y/N]: ", msg)
		reader := bufio.NewReader(in)
		line, _ := reader.ReadString('\n')
		line = strings.TrimSpace(strings.ToLower(line))
		return line == "y" || line == "yes"
	}
}

// execState carries the mutable directive-derived context threaded
// through one body execution: the active @cd, @shell override, and the
// accumulated @export environment and @ignore flag. Each is set by its
// directive and stays in effect for the remainder of the body, the way
// a shell's own `cd`/`export` would behave.
type execState struct {
	cd       string
	shell    []string
	exported map[string]string
	ignore   bool
	needed   map[string]bool
}

func newExecState(baseCD string) *execState {
	return &execState{cd: baseCD, exported: make(map[string]string), needed: make(map[string]bool)}
}

func (s *execState) clone() *execState {
	exported := make(map[string]string, len(s.exported))
	for k, v := range s.exported {
		exported[k] = v
	}
	return &execState{cd: s.cd, shell: s.shell, exported: exported, ignore: s.ignore, needed: s.needed}
}

// RunRecipe executes recipe's body against the given parameter scope.
// It returns an *AbortError for a declined @confirm, a missing @require
// variable or a missing @needs tool, and a plain error for a failed
// command or any other failure (evaluation, @shell parsing, cancellation).
func (r *Runner) RunRecipe(ctx context.Context, recipe *model.Recipe, scope *eval.Scope) error {
	state := newExecState(r.defaultCD(recipe))
	return r.execBody(ctx, recipe, recipe.Body, scope, state)
}

func (r *Runner) defaultCD(recipe *model.Recipe) string {
	if r.Opts.DefaultCD != "" {
		return r.Opts.DefaultCD
	}
	return filepath.Dir(recipe.SourcePath)
}

// CollectCachePatterns walks recipe's body (resolving @if/@each with the
// given scope) and returns every glob pattern named by a reachable
// `@cache` directive, in the order encountered.
func (r *Runner) CollectCachePatterns(recipe *model.Recipe, scope *eval.Scope) ([]string, error) {
	var patterns []string
	err := r.walk(recipe.Body, scope, func(item ast.BodyItem, itemScope *eval.Scope) error {
		d, ok := item.(*ast.Directive)
		if !ok || d.Name != "cache" {
			return nil
		}
		for _, a := range d.Args {
			v, err := r.Eval.Eval(a, itemScope)
			if err != nil {
				return err
			}
			patterns = append(patterns, v)
		}
		return nil
	})
	return patterns, err
}

// CollectWatchPatterns mirrors CollectCachePatterns for `@watch`,
// falling back to `@cache` patterns and finally the Jakefile path
// itself, per the watcher's pattern-source precedence.
func (r *Runner) CollectWatchPatterns(recipe *model.Recipe, scope *eval.Scope) ([]string, error) {
	var patterns []string
	err := r.walk(recipe.Body, scope, func(item ast.BodyItem, itemScope *eval.Scope) error {
		d, ok := item.(*ast.Directive)
		if !ok || d.Name != "watch" {
			return nil
		}
		for _, a := range d.Args {
			v, err := r.Eval.Eval(a, itemScope)
			if err != nil {
				return err
			}
			patterns = append(patterns, v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(patterns) == 0 {
		patterns, err = r.CollectCachePatterns(recipe, scope)
		if err != nil {
			return nil, err
		}
	}
	if len(patterns) == 0 {
		patterns = []string{recipe.SourcePath}
	}
	return patterns, nil
}

// walk resolves @if/@each nesting against scope and invokes visit for
// every leaf body item (Command, or a non-block Directive) in the order
// they would execute for this scope.
func (r *Runner) walk(body []ast.BodyItem, scope *eval.Scope, visit func(item ast.BodyItem, scope *eval.Scope) error) error {
	for _, item := range body {
		switch x := item.(type) {
		case *ast.Command:
			if err := visit(item, scope); err != nil {
				return err
			}
		case *ast.Directive:
			switch x.Name {
			case "if":
				branch, err := r.selectBranch(x, scope)
				if err != nil {
					return err
				}
				if branch != nil {
					if err := r.walk(branch.Body, scope, visit); err != nil {
						return err
					}
				}
			case "each":
				for _, itemExpr := range x.Items {
					v, err := r.Eval.Eval(itemExpr, scope)
					if err != nil {
						return err
					}
					for _, piece := range strings.Fields(v) {
						child := scope.Child()
						p := piece
						child.Item = &p
						if err := r.walk(x.Loop, child, visit); err != nil {
							return err
						}
					}
				}
			default:
				if err := visit(item, scope); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (r *Runner) selectBranch(d *ast.Directive, scope *eval.Scope) (*ast.Branch, error) {
	for i := range d.Branches {
		b := &d.Branches[i]
		if b.Cond == nil {
			return b, nil // trailing @else
		}
		ok, err := r.Eval.Condition(b.Cond, scope)
		if err != nil {
			return nil, err
		}
		if ok {
			return b, nil
		}
	}
	return nil, nil
}

// execBody walks the body, maintaining mutable @cd/@shell/@export/
// @ignore state across items, spawning a subprocess for each Command.
func (r *Runner) execBody(ctx context.Context, recipe *model.Recipe, body []ast.BodyItem, scope *eval.Scope, state *execState) error {
	for _, item := range body {
		if err := ctx.Err(); err != nil {
			return err
		}
		switch x := item.(type) {
		case *ast.Command:
			if err := r.execCommand(ctx, recipe, x, scope, state); err != nil {
				return err
			}
		case *ast.Directive:
			if err := r.execDirective(ctx, recipe, x, scope, state); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Runner) execDirective(ctx context.Context, recipe *model.Recipe, d *ast.Directive, scope *eval.Scope, state *execState) error {
	switch d.Name {
	case "if":
		branch, err := r.selectBranch(d, scope)
		if err != nil {
			return err
		}
		if branch != nil {
			return r.execBody(ctx, recipe, branch.Body, scope, state)
		}
		return nil
	case "each":
		for _, itemExpr := range d.Items {
			v, err := r.Eval.Eval(itemExpr, scope)
			if err != nil {
				return err
			}
			for _, piece := range strings.Fields(v) {
				child := scope.Child()
				p := piece
				child.Item = &p
				if err := r.execBody(ctx, recipe, d.Loop, child, state.clone()); err != nil {
					return err
				}
			}
		}
		return nil
	case "cd":
		v, err := r.argString(d, scope)
		if err != nil {
			return err
		}
		if !filepath.IsAbs(v) {
			v = filepath.Join(state.cd, v)
		}
		state.cd = v
		return nil
	case "shell":
		v, err := r.argString(d, scope)
		if err != nil {
			return err
		}
		prog, args, err := cmdutil.SplitCommand(v)
		if err != nil {
			return fmt.Errorf("@shell: %w", err)
		}
		state.shell = append([]string{prog}, args...)
		return nil
	case "export":
		return r.execExport(d, scope, state)
	case "require":
		return r.execRequire(d, scope)
	case "needs":
		return r.execNeeds(d, scope, state)
	case "confirm":
		return r.execConfirm(d, scope)
	case "ignore":
		state.ignore = true
		return nil
	case "cache", "watch":
		return nil // handled up-front by the cache/watcher packages
	case "pre", "post":
		return nil // dispatched by internal/hooks, not inline here
	default:
		return nil
	}
}

func (r *Runner) argString(d *ast.Directive, scope *eval.Scope) (string, error) {
	if len(d.Args) == 0 {
		return "", fmt.Errorf("@%s requires an argument", d.Name)
	}
	return r.Eval.Eval(d.Args[0], scope)
}

func (r *Runner) execExport(d *ast.Directive, scope *eval.Scope, state *execState) error {
	if len(d.Args) == 0 {
		return fmt.Errorf("@export requires a name")
	}
	id, ok := d.Args[0].(*ast.Ident)
	if !ok {
		return fmt.Errorf("@export: expected a bare name")
	}
	if len(d.Args) > 1 {
		v, err := r.Eval.Eval(d.Args[1], scope)
		if err != nil {
			return err
		}
		state.exported[id.Name] = v
		return nil
	}
	if v, ok := scope.Lookup(id.Name); ok {
		state.exported[id.Name] = v
		return nil
	}
	if v, ok := r.Env[id.Name]; ok {
		state.exported[id.Name] = v
		return nil
	}
	return fmt.Errorf("unknown-variable: %s", id.Name)
}

func (r *Runner) execRequire(d *ast.Directive, scope *eval.Scope) error {
	for _, a := range d.Args {
		id, ok := a.(*ast.Ident)
		if !ok {
			continue
		}
		if v, ok := r.Env[id.Name]; ok && v != "" {
			continue
		}
		return &AbortError{Kind: "missing-env", Message: id.Name}
	}
	return nil
}

func (r *Runner) execNeeds(d *ast.Directive, scope *eval.Scope, state *execState) error {
	for _, a := range d.Args {
		id, ok := a.(*ast.Ident)
		name := ""
		if ok {
			name = id.Name
		} else {
			v, err := r.Eval.Eval(a, scope)
			if err != nil {
				return err
			}
			name = v
		}
		if state.needed[name] {
			continue
		}
		lookup := r.Eval.LookupPath
		if lookup == nil {
			lookup = exec.LookPath
		}
		if _, err := lookup(name); err != nil {
			return &AbortError{Kind: "missing-tool", Message: name}
		}
		state.needed[name] = true
	}
	return nil
}

func (r *Runner) execConfirm(d *ast.Directive, scope *eval.Scope) error {
	msg := "Continue?"
	if len(d.Args) > 0 {
		v, err := r.Eval.Eval(d.Args[0], scope)
		if err != nil {
			return err
		}
		msg = v
	}
	if r.Opts.AssumeYes {
		return nil
	}
	if r.Opts.Confirm(msg) {
		return nil
	}
	return &AbortError{Kind: "confirm-declined", Message: msg}
}

func (r *Runner) execCommand(ctx context.Context, recipe *model.Recipe, c *ast.Command, scope *eval.Scope, state *execState) error {
	text, err := r.Eval.Interpolate(c.Text, scope)
	if err != nil {
		return err
	}

	quiet := c.Quiet || recipe.Attributes.Quiet
	ignore := c.Ignore || state.ignore

	r.echo(text, quiet)

	if r.Opts.DryRun {
		return nil
	}

	shellArgs := state.shell
	if len(shellArgs) == 0 {
		shellArgs = r.defaultShell()
	}

	cmd := exec.CommandContext(ctx, shellArgs[0], append(shellArgs[1:], text)...)
	cmd.Dir = state.cd
	cmd.Stdout = r.Opts.Stdout
	cmd.Stderr = r.Opts.Stderr
	cmd.Stdin = r.Opts.Stdin
	cmd.Env = r.buildEnviron(scope, state)
	withGracefulCancel(cmd)

	err = cmd.Run()
	if err != nil {
		if !ignore {
			return fmt.Errorf("command-failed: %s: %w", text, err)
		}
		if r.Log != nil {
			r.Log.Errorf("command-failed (ignored): %s: %v", text, err)
		}
	}
	return nil
}

// RunHookCommand spawns text — already fully expanded by the evaluator —
// as a shell command, independent of any recipe body's directive state.
// internal/hooks uses this to run @pre/@post/@before/@after/@on_error
// entries, which carry no {{…}} of their own left to expand here.
func (r *Runner) RunHookCommand(ctx context.Context, text string) error {
	r.echo(text, false)
	if r.Opts.DryRun {
		return nil
	}

	shellArgs := r.defaultShell()
	cmd := exec.CommandContext(ctx, shellArgs[0], append(shellArgs[1:], text)...)
	cmd.Dir = r.defaultCDPath()
	cmd.Stdout = r.Opts.Stdout
	cmd.Stderr = r.Opts.Stderr
	cmd.Stdin = r.Opts.Stdin
	hookEnv := make(map[string]string, len(r.Env)+1)
	for k, v := range r.Env {
		hookEnv[k] = v
	}
	hookEnv["JAKE_INVOCATION_ID"] = r.Opts.InvocationID
	cmd.Env = cmdutil.BuildEnviron(hookEnv)
	withGracefulCancel(cmd)

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("command-failed: %s: %w", text, err)
	}
	return nil
}

func (r *Runner) defaultCDPath() string {
	if r.Opts.DefaultCD != "" {
		return r.Opts.DefaultCD
	}
	return r.Opts.JakefileDir
}

// gracePeriod is how long a cancelled subprocess gets to exit after its
// termination signal before exec.Cmd escalates to an outright kill, per
// the cancellation behaviour in spec §5.
const gracePeriod = 2 * time.Second

// withGracefulCancel makes ctx cancellation send the platform's
// termination signal first, falling back to Process.Kill only after
// gracePeriod if the subprocess hasn't exited.
func withGracefulCancel(cmd *exec.Cmd) {
	cmd.Cancel = func() error {
		return cmd.Process.Signal(terminationSignal)
	}
	cmd.WaitDelay = gracePeriod
}

func (r *Runner) defaultShell() []string {
	if runtime.GOOS == "windows" {
		return []string{"cmd", "/C"}
	}
	return []string{"sh", "-c"}
}

func (r *Runner) buildEnviron(scope *eval.Scope, state *execState) []string {
	env := make(map[string]string, len(r.Env)+len(state.exported))
	for k, v := range r.Env {
		env[k] = v
	}
	// Parameter bindings are injected as $name (spec §4.8 step 5), nearest
	// scope winning, the same precedence Scope.lookup applies when a
	// command's own {{…}} interpolation resolves a name.
	for _, s := range scopeChain(scope) {
		for k, v := range s.Params {
			env[k] = v
		}
	}
	for k, v := range state.exported {
		env[k] = v
	}
	env["JAKE_INVOCATION_ID"] = r.Opts.InvocationID
	return cmdutil.BuildEnviron(env)
}

// scopeChain returns scope's ancestry from the root down to scope itself,
// so a caller folding each level's bindings into a map naturally lets the
// nearest scope win.
func scopeChain(scope *eval.Scope) []*eval.Scope {
	var chain []*eval.Scope
	for s := scope; s != nil; s = s.Parent {
		chain = append(chain, s)
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

func (r *Runner) echo(text string, quiet bool) {
	if quiet && !r.Opts.Verbose {
		return
	}
	prefix := "$ "
	if !r.Opts.NoColor && isatty.IsTerminal(os.Stdout.Fd()) {
		prefix = color.CyanString("$ ")
	}
	fmt.Fprintf(r.Opts.Stdout, "%s%s\n", prefix, text)
}
