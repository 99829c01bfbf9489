// Package hooks dispatches global and recipe-scoped @pre/@post/@before/
// @after/@on_error commands at the points the command runner defines:
// global pre -> targeted before -> recipe-local pre -> body ->
// recipe-local post -> targeted after -> global post, with @on_error
// substituted for the post/after pair on failure.
package hooks

import (
	"context"
	"errors"
	"fmt"

	"github.com/jakeflow/jake/internal/ast"
	"github.com/jakeflow/jake/internal/eval"
	"github.com/jakeflow/jake/internal/logger"
	"github.com/jakeflow/jake/internal/model"
)

// Runner executes a single hook command; internal/runner supplies
// the real implementation, this package only sequences calls to it.
type Runner func(ctx context.Context, text string) error

// Dispatcher sequences hook execution for one recipe node.
type Dispatcher struct {
	Hooks model.HookSet
	Eval  *eval.Evaluator
	Run   Runner

	// Log and InvocationID, when set, let OnError surface the failing
	// node's diagnostic tagged with the invocation it belongs to,
	// mirroring dagu's request-ID-tagged log entries.
	Log          logger.Logger
	InvocationID string
}

// recipeLocal extracts a recipe's own @pre/@post body directives, which
// live inline in its Body rather than in the global HookSet.
func recipeLocal(recipe *model.Recipe, name string) []ast.Expr {
	var out []ast.Expr
	for _, item := range recipe.Body {
		if d, ok := item.(*ast.Directive); ok && d.Name == name {
			out = append(out, d.Args...)
		}
	}
	return out
}

// Before runs every hook that precedes a recipe's own body: global
// @pre, then @before targeting this recipe (by declaration/import-
// visitation order, the resolved Open Question on ordering), then the
// recipe's own inline @pre. A failing hook command does not stop the
// remaining ones; every failure is returned, joined into one error.
func (d *Dispatcher) Before(ctx context.Context, scope *eval.Scope, recipe *model.Recipe) error {
	var errs []error
	if err := d.runAll(ctx, scope, d.Hooks.Pre); err != nil {
		errs = append(errs, fmt.Errorf("global @pre: %w", err))
	}
	if err := d.runAll(ctx, scope, d.Hooks.Before[recipe.QualifiedName]); err != nil {
		errs = append(errs, fmt.Errorf("@before %s: %w", recipe.QualifiedName, err))
	}
	if err := d.runAll(ctx, scope, recipeLocal(recipe, "pre")); err != nil {
		errs = append(errs, fmt.Errorf("recipe @pre: %w", err))
	}
	return errors.Join(errs...)
}

// After runs the success path: recipe-local @post, then @after
// targeting this recipe, then the global @post. Individual hook command
// failures are reported but never abort the remaining hooks.
func (d *Dispatcher) After(ctx context.Context, scope *eval.Scope, recipe *model.Recipe) []error {
	var errs []error
	errs = append(errs, d.runAllCollecting(ctx, scope, recipeLocal(recipe, "post"))...)
	errs = append(errs, d.runAllCollecting(ctx, scope, d.Hooks.After[recipe.QualifiedName])...)
	errs = append(errs, d.runAllCollecting(ctx, scope, d.Hooks.Post)...)
	return errs
}

// OnError runs the global @on_error hook, fired exactly once per failing
// node in place of the @post/@after pair. nodeErr is the node's own
// failure diagnostic; OnError logs it tagged with InvocationID before
// running the hook commands, so the failure is traceable back to its
// invocation even if every @on_error command itself fails.
func (d *Dispatcher) OnError(ctx context.Context, scope *eval.Scope, recipe *model.Recipe, nodeErr error) []error {
	if d.Log != nil {
		d.Log.Errorf("invocation %s: recipe %s failed: %v", d.InvocationID, recipe.QualifiedName, nodeErr)
	}
	return d.runAllCollecting(ctx, scope, d.Hooks.OnError)
}

func (d *Dispatcher) runAll(ctx context.Context, scope *eval.Scope, exprs []ast.Expr) error {
	return errors.Join(d.runAllCollecting(ctx, scope, exprs)...)
}

func (d *Dispatcher) runAllCollecting(ctx context.Context, scope *eval.Scope, exprs []ast.Expr) []error {
	var errs []error
	for _, e := range exprs {
		text, err := d.Eval.Eval(e, scope)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := d.Run(ctx, text); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}
