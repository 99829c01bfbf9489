// Package eval evaluates Jake expressions: the closed built-in function
// set, `{{…}}` string interpolation, and the condition-function subset
// used by `@if`/`@elif`. Shell-level `$VAR` and backtick text is carried
// through untouched — it is not evaluated here.
package eval

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/adrg/xdg"

	"github.com/jakeflow/jake/internal/ast"
	"github.com/jakeflow/jake/internal/parser"
)

// Flags carries the run-wide switches that some built-ins introspect
// (`is_watching`, `is_dry_run`, `is_verbose`).
type Flags struct {
	Watching bool
	DryRun   bool
	Verbose  bool
}

// Scope is a layered variable environment: parameter bindings take
// precedence over recipe-local exports, which take precedence over
// global assignments, which take precedence over the process
// environment (consulted only through `env(NAME)`).
type Scope struct {
	Parent *Scope

	Params map[string]string
	Locals map[string]string

	// Item is set inside an @each loop body; nil outside one.
	Item *string
}

// NewScope returns a root scope seeded with global variable bindings.
func NewScope(globals map[string]string) *Scope {
	return &Scope{Locals: globals}
}

// Child returns a new scope nested under s, typically one per recipe
// invocation (parameter bindings) or per @each iteration (item binding).
func (s *Scope) Child() *Scope {
	return &Scope{Parent: s}
}

func (s *Scope) lookup(name string) (string, bool) {
	for cur := s; cur != nil; cur = cur.Parent {
		if cur.Params != nil {
			if v, ok := cur.Params[name]; ok {
				return v, true
			}
		}
		if cur.Locals != nil {
			if v, ok := cur.Locals[name]; ok {
				return v, true
			}
		}
	}
	return "", false
}

// Lookup resolves name through the scope chain (parameters then locals),
// exported for callers outside this package such as the `@export`
// directive handler.
func (s *Scope) Lookup(name string) (string, bool) {
	return s.lookup(name)
}

func (s *Scope) item() (string, bool) {
	for cur := s; cur != nil; cur = cur.Parent {
		if cur.Item != nil {
			return *cur.Item, true
		}
	}
	return "", false
}

// Evaluator evaluates expressions against the process environment and
// run-wide flags.
type Evaluator struct {
	Env   map[string]string // computed environment snapshot (process + dotenv + exports)
	Flags Flags

	// LookupPath is overridable for tests; defaults to exec.LookPath.
	LookupPath func(name string) (string, error)
}

// New returns an Evaluator over the given environment snapshot.
func New(env map[string]string, flags Flags) *Evaluator {
	return &Evaluator{Env: env, Flags: flags, LookupPath: exec.LookPath}
}

// Error is raised for unknown variables, unknown functions, wrong arity,
// or a condition expression of the wrong shape.
type Error struct {
	Kind    string // "unknown-variable" | "unknown-function" | "arity" | "condition-type"
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Message) }

// Eval evaluates an expression to its string value.
func (e *Evaluator) Eval(expr ast.Expr, scope *Scope) (string, error) {
	switch x := expr.(type) {
	case *ast.StringLit:
		return e.Interpolate(x.Value, scope)
	case *ast.NumberLit:
		return x.Value, nil
	case *ast.Ident:
		if v, ok := scope.lookup(x.Name); ok {
			return v, nil
		}
		return "", &Error{Kind: "unknown-variable", Message: x.Name}
	case *ast.ShellVarRef:
		return x.Text, nil // passthrough; the subprocess shell resolves it
	case *ast.BacktickExpr:
		return x.Text, nil // passthrough
	case *ast.Call:
		return e.call(x, scope)
	case *ast.BinaryExpr:
		ok, err := e.condition(x, scope)
		if err != nil {
			return "", err
		}
		if ok {
			return "true", nil
		}
		return "false", nil
	default:
		return "", &Error{Kind: "condition-type", Message: fmt.Sprintf("unsupported expression %T", expr)}
	}
}

// Interpolate expands every `{{expr}}` span in s, parsing and
// evaluating each span independently. Text outside `{{ }}` is passed
// through verbatim, including any `$VAR`/backtick text, which the shell
// resolves later.
func (e *Evaluator) Interpolate(s string, scope *Scope) (string, error) {
	var out strings.Builder
	i := 0
	for {
		start := strings.Index(s[i:], "{{")
		if start < 0 {
			out.WriteString(s[i:])
			break
		}
		start += i
		out.WriteString(s[i:start])
		end := strings.Index(s[start+2:], "}}")
		if end < 0 {
			return "", &Error{Kind: "condition-type", Message: "unterminated {{ interpolation"}
		}
		end += start + 2
		inner := strings.TrimSpace(s[start+2 : end])
		expr, err := parser.ParseExprString(inner)
		if err != nil {
			return "", fmt.Errorf("interpolation %q: %w", inner, err)
		}
		val, err := e.Eval(expr, scope)
		if err != nil {
			return "", err
		}
		out.WriteString(val)
		i = end + 2
	}
	return out.String(), nil
}

// Condition evaluates an @if/@elif condition: a bare identifier is
// truthy iff the variable exists and is non-empty; a Call must be one of
// the condition-function subset; a BinaryExpr is one of ==, !=, =~.
func (e *Evaluator) Condition(expr ast.Expr, scope *Scope) (bool, error) {
	switch x := expr.(type) {
	case *ast.Ident:
		v, ok := scope.lookup(x.Name)
		return ok && v != "", nil
	case *ast.BinaryExpr:
		return e.condition(x, scope)
	case *ast.Call:
		if !conditionFuncs[x.Name] {
			return false, &Error{Kind: "condition-type", Message: fmt.Sprintf("%s is not a valid condition function", x.Name)}
		}
		v, err := e.call(x, scope)
		if err != nil {
			return false, err
		}
		return v == "true", nil
	default:
		return false, &Error{Kind: "condition-type", Message: fmt.Sprintf("%T is not a valid condition", expr)}
	}
}

// conditionFuncs is the closed, boolean-returning subset of call() allowed
// as a bare @if/@elif condition (spec §4.4). A function outside this set —
// dirname, trim, home, and the rest of the string-returning helpers — is a
// condition-type error rather than a silent falsy value.
var conditionFuncs = map[string]bool{
	"env":         true,
	"exists":      true,
	"eq":          true,
	"neq":         true,
	"command":     true,
	"is_watching": true,
	"is_dry_run":  true,
	"is_verbose":  true,
	"is_platform": true,
	"is_macos":    true,
	"is_linux":    true,
	"is_windows":  true,
	"is_unix":     true,
}

func (e *Evaluator) condition(x *ast.BinaryExpr, scope *Scope) (bool, error) {
	l, err := e.Eval(x.Left, scope)
	if err != nil {
		return false, err
	}
	r, err := e.Eval(x.Right, scope)
	if err != nil {
		return false, err
	}
	return compareOp(x, l, r)
}

func compareOp(x *ast.BinaryExpr, l, r string) (bool, error) {
	switch x.Op.String() {
	case "==":
		return l == r, nil
	case "!=":
		return l != r, nil
	case "=~":
		return strings.Contains(l, r), nil
	default:
		return false, &Error{Kind: "condition-type", Message: "unsupported comparison operator"}
	}
}

func (e *Evaluator) call(c *ast.Call, scope *Scope) (string, error) {
	args := make([]string, len(c.Args))
	for i, a := range c.Args {
		v, err := e.Eval(a, scope)
		if err != nil {
			return "", err
		}
		args[i] = v
	}

	switch c.Name {
	case "uppercase":
		return arity1(c.Name, args, strings.ToUpper)
	case "lowercase":
		return arity1(c.Name, args, strings.ToLower)
	case "trim":
		return arity1(c.Name, args, strings.TrimSpace)
	case "dirname":
		return arity1(c.Name, args, filepath.Dir)
	case "basename":
		return arity1(c.Name, args, filepath.Base)
	case "extension":
		return arity1(c.Name, args, filepath.Ext)
	case "without_extension":
		return arity1(c.Name, args, func(s string) string { return strings.TrimSuffix(s, filepath.Ext(s)) })
	case "without_extensions":
		return arity1(c.Name, args, stripAllExtensions)
	case "absolute_path", "abs_path":
		return arity1(c.Name, args, func(s string) string {
			abs, err := filepath.Abs(s)
			if err != nil {
				return s
			}
			return abs
		})
	case "home":
		if len(args) != 0 {
			return "", arityErr(c.Name, 0, len(args))
		}
		return xdg.Home, nil
	case "local_bin":
		if len(args) != 0 {
			return "", arityErr(c.Name, 0, len(args))
		}
		return filepath.Join(xdg.Home, ".local", "bin"), nil
	case "shell_config":
		if len(args) != 0 {
			return "", arityErr(c.Name, 0, len(args))
		}
		return shellConfig(e.Env["SHELL"])
	case "env":
		if len(args) < 1 || len(args) > 2 {
			return "", arityErr(c.Name, 1, len(args))
		}
		if v, ok := e.Env[args[0]]; ok {
			return v, nil
		}
		if len(args) == 2 {
			return args[1], nil
		}
		return "", &Error{Kind: "unknown-variable", Message: args[0]}
	case "exists":
		if len(args) != 1 {
			return "", arityErr(c.Name, 1, len(args))
		}
		if _, err := os.Stat(args[0]); err == nil {
			return "true", nil
		}
		return "false", nil
	case "eq":
		if len(args) != 2 {
			return "", arityErr(c.Name, 2, len(args))
		}
		return boolStr(args[0] == args[1]), nil
	case "neq":
		if len(args) != 2 {
			return "", arityErr(c.Name, 2, len(args))
		}
		return boolStr(args[0] != args[1]), nil
	case "is_watching":
		return boolStr(e.Flags.Watching), nil
	case "is_dry_run":
		return boolStr(e.Flags.DryRun), nil
	case "is_verbose":
		return boolStr(e.Flags.Verbose), nil
	case "is_platform":
		if len(args) != 1 {
			return "", arityErr(c.Name, 1, len(args))
		}
		return boolStr(args[0] == runtime.GOOS), nil
	case "is_macos":
		return boolStr(runtime.GOOS == "darwin"), nil
	case "is_linux":
		return boolStr(runtime.GOOS == "linux"), nil
	case "is_windows":
		return boolStr(runtime.GOOS == "windows"), nil
	case "is_unix":
		return boolStr(runtime.GOOS != "windows"), nil
	case "command":
		if len(args) != 1 {
			return "", arityErr(c.Name, 1, len(args))
		}
		if filepath.IsAbs(args[0]) {
			if _, err := os.Stat(args[0]); err == nil {
				return "true", nil
			}
			return "false", nil
		}
		lookup := e.LookupPath
		if lookup == nil {
			lookup = exec.LookPath
		}
		_, err := lookup(args[0])
		return boolStr(err == nil), nil
	case "item":
		if len(args) != 0 {
			return "", arityErr(c.Name, 0, len(args))
		}
		if v, ok := scope.item(); ok {
			return v, nil
		}
		return "", &Error{Kind: "unknown-variable", Message: "item() used outside @each"}
	default:
		return "", &Error{Kind: "unknown-function", Message: c.Name}
	}
}

func arity1(name string, args []string, f func(string) string) (string, error) {
	if len(args) != 1 {
		return "", arityErr(name, 1, len(args))
	}
	return f(args[0]), nil
}

func arityErr(name string, want, got int) error {
	return &Error{Kind: "arity", Message: fmt.Sprintf("%s expects %d argument(s), got %d", name, want, got)}
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func stripAllExtensions(s string) string {
	base := filepath.Base(s)
	dir := filepath.Dir(s)
	for {
		ext := filepath.Ext(base)
		if ext == "" {
			break
		}
		base = strings.TrimSuffix(base, ext)
	}
	if dir == "." {
		return base
	}
	return filepath.Join(dir, base)
}

// shellConfig dispatches on the basename of the $SHELL value per the
// fixed shell -> rc-file table.
func shellConfig(shellPath string) (string, error) {
	name := filepath.Base(shellPath)
	switch name {
	case "bash":
		return filepath.Join(xdg.Home, ".bashrc"), nil
	case "zsh":
		return filepath.Join(xdg.Home, ".zshrc"), nil
	case "fish":
		return filepath.Join(xdg.Home, ".config", "fish", "config.fish"), nil
	case "sh":
		return filepath.Join(xdg.Home, ".profile"), nil
	case "ksh":
		return filepath.Join(xdg.Home, ".kshrc"), nil
	case "csh":
		return filepath.Join(xdg.Home, ".cshrc"), nil
	case "tcsh":
		return filepath.Join(xdg.Home, ".tcshrc"), nil
	default:
		return "", fmt.Errorf("shell_config: unsupported shell %q", shellPath)
	}
}
