package runner

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jakeflow/jake/internal/ast"
	"github.com/jakeflow/jake/internal/eval"
	"github.com/jakeflow/jake/internal/logger"
	"github.com/jakeflow/jake/internal/model"
	"github.com/jakeflow/jake/internal/token"
)

func newTestRunner(t *testing.T, out, errOut *bytes.Buffer) *Runner {
	t.Helper()
	dir := t.TempDir()
	return New(Options{
		JakefileDir: dir,
		DefaultCD:   dir,
		Stdout:      out,
		Stderr:      errOut,
		Stdin:       bytes.NewReader(nil),
	}, eval.New(nil, eval.Flags{}), map[string]string{}, logger.NewLogger(logger.WithQuiet()))
}

func recipeWith(sourceDir string, body ...ast.BodyItem) *model.Recipe {
	return &model.Recipe{
		Name:          "t",
		QualifiedName: "t",
		Body:          body,
		SourcePath:    filepath.Join(sourceDir, "Jakefile"),
	}
}

func TestRunRecipeExecutesCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	r := newTestRunner(t, &out, &errOut)

	recipe := recipeWith(r.Opts.JakefileDir, &ast.Command{Text: "echo hello"})
	scope := eval.NewScope(nil)

	err := r.RunRecipe(context.Background(), recipe, scope)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "hello")
}

func TestRunRecipeQuietSuppressesEcho(t *testing.T) {
	var out, errOut bytes.Buffer
	r := newTestRunner(t, &out, &errOut)

	recipe := recipeWith(r.Opts.JakefileDir, &ast.Command{Text: "echo hello", Quiet: true})
	err := r.RunRecipe(context.Background(), recipe, eval.NewScope(nil))
	require.NoError(t, err)
	assert.NotContains(t, out.String(), "$ echo hello")
	assert.Contains(t, out.String(), "hello")
}

func TestRunRecipeIgnoreSurvivesFailure(t *testing.T) {
	var out, errOut bytes.Buffer
	r := newTestRunner(t, &out, &errOut)

	recipe := recipeWith(r.Opts.JakefileDir,
		&ast.Command{Text: "exit 1", Ignore: true},
		&ast.Command{Text: "echo after"},
	)
	err := r.RunRecipe(context.Background(), recipe, eval.NewScope(nil))
	require.NoError(t, err)
	assert.Contains(t, out.String(), "after")
}

func TestRunRecipeIgnoredFailureStillLogsDiagnostic(t *testing.T) {
	var out, errOut, logged bytes.Buffer
	r := New(Options{
		JakefileDir: t.TempDir(),
		Stdout:      &out,
		Stderr:      &errOut,
		Stdin:       bytes.NewReader(nil),
	}, eval.New(nil, eval.Flags{}), map[string]string{}, logger.NewLogger(logger.WithWriter(&logged)))

	recipe := recipeWith(r.Opts.JakefileDir, &ast.Command{Text: "exit 3", Ignore: true})
	err := r.RunRecipe(context.Background(), recipe, eval.NewScope(nil))
	require.NoError(t, err)
	assert.Contains(t, logged.String(), "command-failed (ignored)")
	assert.Contains(t, logged.String(), "exit 3")
}

func TestRunRecipeFailureWithoutIgnoreStopsBody(t *testing.T) {
	var out, errOut bytes.Buffer
	r := newTestRunner(t, &out, &errOut)

	recipe := recipeWith(r.Opts.JakefileDir,
		&ast.Command{Text: "exit 1"},
		&ast.Command{Text: "echo never"},
	)
	err := r.RunRecipe(context.Background(), recipe, eval.NewScope(nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "command-failed")
	assert.NotContains(t, out.String(), "never")
}

func TestRunRecipeDryRunSkipsExecution(t *testing.T) {
	var out, errOut bytes.Buffer
	r := newTestRunner(t, &out, &errOut)
	r.Opts.DryRun = true

	recipe := recipeWith(r.Opts.JakefileDir, &ast.Command{Text: "exit 1"})
	err := r.RunRecipe(context.Background(), recipe, eval.NewScope(nil))
	require.NoError(t, err, "dry run must never spawn the subprocess")
}

func TestRunRecipeInterpolatesCommandText(t *testing.T) {
	var out, errOut bytes.Buffer
	r := newTestRunner(t, &out, &errOut)

	recipe := recipeWith(r.Opts.JakefileDir, &ast.Command{Text: `echo {{uppercase("hi")}}`})
	err := r.RunRecipe(context.Background(), recipe, eval.NewScope(nil))
	require.NoError(t, err)
	assert.Contains(t, out.String(), "HI")
}

func TestRunRecipeCdDirectiveChangesWorkingDirectory(t *testing.T) {
	var out, errOut bytes.Buffer
	r := newTestRunner(t, &out, &errOut)
	sub := filepath.Join(r.Opts.JakefileDir, "sub")
	require.NoError(t, os.MkdirAll(sub, 0o755))

	recipe := recipeWith(r.Opts.JakefileDir,
		&ast.Directive{Name: "cd", Args: []ast.Expr{&ast.StringLit{Value: "sub"}}},
		&ast.Command{Text: "pwd"},
	)
	err := r.RunRecipe(context.Background(), recipe, eval.NewScope(nil))
	require.NoError(t, err)
	assert.Contains(t, out.String(), "sub")
}

func TestRunRecipeShellDirectiveOverridesInterpreter(t *testing.T) {
	var out, errOut bytes.Buffer
	r := newTestRunner(t, &out, &errOut)

	recipe := recipeWith(r.Opts.JakefileDir,
		&ast.Directive{Name: "shell", Args: []ast.Expr{&ast.StringLit{Value: "sh -c"}}},
		&ast.Command{Text: "echo via-override"},
	)
	err := r.RunRecipe(context.Background(), recipe, eval.NewScope(nil))
	require.NoError(t, err)
	assert.Contains(t, out.String(), "via-override")
}

func TestRunRecipeShellDirectiveInvalidQuotingIsError(t *testing.T) {
	var out, errOut bytes.Buffer
	r := newTestRunner(t, &out, &errOut)

	recipe := recipeWith(r.Opts.JakefileDir,
		&ast.Directive{Name: "shell", Args: []ast.Expr{&ast.StringLit{Value: `sh -c "unterminated`}}},
		&ast.Command{Text: "echo unreachable"},
	)
	err := r.RunRecipe(context.Background(), recipe, eval.NewScope(nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "@shell")
}

func TestRunRecipeExportMakesVariableAvailableToSubprocess(t *testing.T) {
	var out, errOut bytes.Buffer
	r := newTestRunner(t, &out, &errOut)

	recipe := recipeWith(r.Opts.JakefileDir,
		&ast.Directive{Name: "export", Args: []ast.Expr{
			&ast.Ident{Name: "GREETING"},
			&ast.StringLit{Value: "hi-there"},
		}},
		&ast.Command{Text: "echo $GREETING"},
	)
	err := r.RunRecipe(context.Background(), recipe, eval.NewScope(nil))
	require.NoError(t, err)
	assert.Contains(t, out.String(), "hi-there")
}

func TestRunRecipeParameterBindingIsInjectedIntoEnvironment(t *testing.T) {
	var out, errOut bytes.Buffer
	r := newTestRunner(t, &out, &errOut)

	recipe := recipeWith(r.Opts.JakefileDir, &ast.Command{Text: "echo $name"})
	scope := eval.NewScope(nil)
	scope.Params = map[string]string{"name": "world"}

	err := r.RunRecipe(context.Background(), recipe, scope)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "world")
}

func TestRunRecipeNestedScopeParameterOverridesParent(t *testing.T) {
	var out, errOut bytes.Buffer
	r := newTestRunner(t, &out, &errOut)

	recipe := recipeWith(r.Opts.JakefileDir, &ast.Command{Text: "echo $name"})
	parent := eval.NewScope(nil)
	parent.Params = map[string]string{"name": "outer"}
	child := parent.Child()
	child.Params = map[string]string{"name": "inner"}

	err := r.RunRecipe(context.Background(), recipe, child)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "inner")
	assert.NotContains(t, out.String(), "outer")
}

func TestRunRecipeRequireMissingEnvAborts(t *testing.T) {
	var out, errOut bytes.Buffer
	r := newTestRunner(t, &out, &errOut)

	recipe := recipeWith(r.Opts.JakefileDir,
		&ast.Directive{Name: "require", Args: []ast.Expr{&ast.Ident{Name: "DOES_NOT_EXIST"}}},
		&ast.Command{Text: "echo unreachable"},
	)
	err := r.RunRecipe(context.Background(), recipe, eval.NewScope(nil))
	require.Error(t, err)
	var abortErr *AbortError
	require.ErrorAs(t, err, &abortErr)
	assert.Equal(t, "missing-env", abortErr.Kind)
}

func TestRunRecipeConfirmDeclinedAborts(t *testing.T) {
	var out, errOut bytes.Buffer
	r := newTestRunner(t, &out, &errOut)
	r.Opts.Confirm = func(msg string) bool { return false }

	recipe := recipeWith(r.Opts.JakefileDir,
		&ast.Directive{Name: "confirm", Args: []ast.Expr{&ast.StringLit{Value: "really?"}}},
		&ast.Command{Text: "echo unreachable"},
	)
	err := r.RunRecipe(context.Background(), recipe, eval.NewScope(nil))
	require.Error(t, err)
	var abortErr *AbortError
	require.ErrorAs(t, err, &abortErr)
	assert.Equal(t, "confirm-declined", abortErr.Kind)
}

func TestRunRecipeConfirmAssumeYesSkipsPrompt(t *testing.T) {
	var out, errOut bytes.Buffer
	r := newTestRunner(t, &out, &errOut)
	r.Opts.AssumeYes = true
	r.Opts.Confirm = func(msg string) bool {
		t.Fatal("Confirm must not be called when AssumeYes is set")
		return false
	}

	recipe := recipeWith(r.Opts.JakefileDir,
		&ast.Directive{Name: "confirm", Args: []ast.Expr{&ast.StringLit{Value: "really?"}}},
		&ast.Command{Text: "echo ok"},
	)
	err := r.RunRecipe(context.Background(), recipe, eval.NewScope(nil))
	require.NoError(t, err)
	assert.Contains(t, out.String(), "ok")
}

func TestRunRecipeNeedsMissingToolAborts(t *testing.T) {
	var out, errOut bytes.Buffer
	r := newTestRunner(t, &out, &errOut)

	recipe := recipeWith(r.Opts.JakefileDir,
		&ast.Directive{Name: "needs", Args: []ast.Expr{&ast.Ident{Name: "definitely-not-a-real-binary-xyz"}}},
	)
	err := r.RunRecipe(context.Background(), recipe, eval.NewScope(nil))
	require.Error(t, err)
	var abortErr *AbortError
	require.ErrorAs(t, err, &abortErr)
	assert.Equal(t, "missing-tool", abortErr.Kind)
}

func TestCollectCachePatternsWalksIfBranches(t *testing.T) {
	var out, errOut bytes.Buffer
	r := newTestRunner(t, &out, &errOut)

	recipe := recipeWith(r.Opts.JakefileDir, &ast.Directive{
		Name: "if",
		Branches: []ast.Branch{
			{
				Cond: &ast.BinaryExpr{
					Left:  &ast.StringLit{Value: "a"},
					Right: &ast.StringLit{Value: "a"},
					Op:    token.EQ,
				},
				Body: []ast.BodyItem{
					&ast.Directive{Name: "cache", Args: []ast.Expr{&ast.StringLit{Value: "src/*.go"}}},
				},
			},
		},
	})

	patterns, err := r.CollectCachePatterns(recipe, eval.NewScope(nil))
	require.NoError(t, err)
	assert.Equal(t, []string{"src/*.go"}, patterns)
}

func TestCollectWatchPatternsFallsBackToCacheThenSourcePath(t *testing.T) {
	var out, errOut bytes.Buffer
	r := newTestRunner(t, &out, &errOut)

	recipe := recipeWith(r.Opts.JakefileDir, &ast.Directive{Name: "cache", Args: []ast.Expr{&ast.StringLit{Value: "src/*.go"}}})
	patterns, err := r.CollectWatchPatterns(recipe, eval.NewScope(nil))
	require.NoError(t, err)
	assert.Equal(t, []string{"src/*.go"}, patterns, "falls back to @cache patterns when no @watch is present")

	bare := recipeWith(r.Opts.JakefileDir)
	patterns, err = r.CollectWatchPatterns(bare, eval.NewScope(nil))
	require.NoError(t, err)
	assert.Equal(t, []string{bare.SourcePath}, patterns, "falls back to the Jakefile path itself when neither is present")
}
