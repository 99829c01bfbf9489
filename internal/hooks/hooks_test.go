package hooks

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jakeflow/jake/internal/ast"
	"github.com/jakeflow/jake/internal/eval"
	"github.com/jakeflow/jake/internal/logger"
	"github.com/jakeflow/jake/internal/model"
)

func strArgs(texts ...string) []ast.Expr {
	var out []ast.Expr
	for _, s := range texts {
		out = append(out, &ast.StringLit{Value: s})
	}
	return out
}

func TestHookOrderingAroundARecipe(t *testing.T) {
	var ran []string
	run := func(ctx context.Context, text string) error {
		ran = append(ran, text)
		return nil
	}

	recipe := &model.Recipe{
		Name:          "build",
		QualifiedName: "build",
		Body: []ast.BodyItem{
			&ast.Directive{Name: "pre", Args: strArgs("recipe-pre")},
			&ast.Directive{Name: "post", Args: strArgs("recipe-post")},
		},
	}

	d := &Dispatcher{
		Hooks: model.HookSet{
			Pre:    strArgs("global-pre"),
			Post:   strArgs("global-post"),
			Before: map[string][]ast.Expr{"build": strArgs("targeted-before")},
			After:  map[string][]ast.Expr{"build": strArgs("targeted-after")},
		},
		Eval: eval.New(nil, eval.Flags{}),
		Run:  run,
	}

	scope := eval.NewScope(nil)
	require.NoError(t, d.Before(context.Background(), scope, recipe))
	ran = append(ran, "BODY")
	errs := d.After(context.Background(), scope, recipe)
	require.Empty(t, errs)

	want := []string{
		"global-pre", "targeted-before", "recipe-pre",
		"BODY",
		"recipe-post", "targeted-after", "global-post",
	}
	assert.Equal(t, want, ran)
}

func TestHookOnErrorFiresInPlaceOfPost(t *testing.T) {
	var ran []string
	run := func(ctx context.Context, text string) error {
		ran = append(ran, text)
		return nil
	}

	d := &Dispatcher{
		Hooks: model.HookSet{OnError: strArgs("on-error-hook")},
		Eval:  eval.New(nil, eval.Flags{}),
		Run:   run,
	}

	recipe := &model.Recipe{QualifiedName: "build"}
	errs := d.OnError(context.Background(), eval.NewScope(nil), recipe, assert.AnError)
	require.Empty(t, errs)
	assert.Equal(t, []string{"on-error-hook"}, ran)
}

func TestHookOnErrorLogsFailingNodeTaggedWithInvocationID(t *testing.T) {
	var logged bytes.Buffer
	d := &Dispatcher{
		Hooks:        model.HookSet{},
		Eval:         eval.New(nil, eval.Flags{}),
		Run:          func(ctx context.Context, text string) error { return nil },
		Log:          logger.NewLogger(logger.WithWriter(&logged)),
		InvocationID: "abc123",
	}

	recipe := &model.Recipe{QualifiedName: "build"}
	errs := d.OnError(context.Background(), eval.NewScope(nil), recipe, errors.New("boom"))
	require.Empty(t, errs)
	assert.Contains(t, logged.String(), "abc123")
	assert.Contains(t, logged.String(), "build")
	assert.Contains(t, logged.String(), "boom")
}

func TestHookCommandFailureDoesNotAbortRemainingHooks(t *testing.T) {
	var ran []string
	run := func(ctx context.Context, text string) error {
		ran = append(ran, text)
		if text == "fails" {
			return assert.AnError
		}
		return nil
	}

	recipe := &model.Recipe{Name: "t", QualifiedName: "t"}
	d := &Dispatcher{
		Hooks: model.HookSet{Post: strArgs("fails", "still-runs")},
		Eval:  eval.New(nil, eval.Flags{}),
		Run:   run,
	}

	errs := d.After(context.Background(), eval.NewScope(nil), recipe)
	require.Len(t, errs, 1)
	assert.Equal(t, []string{"fails", "still-runs"}, ran)
}

func TestHookBeforeReturnsErrorOnGlobalPreFailure(t *testing.T) {
	run := func(ctx context.Context, text string) error {
		return assert.AnError
	}

	recipe := &model.Recipe{Name: "t", QualifiedName: "t"}
	d := &Dispatcher{
		Hooks: model.HookSet{Pre: strArgs("fails")},
		Eval:  eval.New(nil, eval.Flags{}),
		Run:   run,
	}

	err := d.Before(context.Background(), eval.NewScope(nil), recipe)
	require.Error(t, err)
}
