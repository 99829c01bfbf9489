package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jakeflow/jake/internal/ast"
	"github.com/jakeflow/jake/internal/config"
	"github.com/jakeflow/jake/internal/lexer"
	"github.com/jakeflow/jake/internal/loader"
	"github.com/jakeflow/jake/internal/model"
	"github.com/jakeflow/jake/internal/parser"
	"github.com/jakeflow/jake/internal/resolver"
)

func TestExitCodeForMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ExitCode
	}{
		{"success", nil, ExitSuccess},
		{"jakefile-not-found", &config.NotFoundError{Path: "Jakefile"}, ExitJakefileNotFound},
		{"recipe-not-found", &resolver.NotFoundError{Name: "build"}, ExitRecipeNotFound},
		{"lex-error", &lexer.Error{Message: "bad token"}, ExitParseError},
		{"parse-error", &parser.Error{Message: "unexpected token"}, ExitParseError},
		{"import-cycle", &loader.CycleError{Chain: []string{"a.jake", "b.jake"}}, ExitParseError},
		{"collision", &loader.CollisionError{Namespace: "", Name: "build", Kind: "recipe"}, ExitParseError},
		{"dependency-cycle", &resolver.CycleError{Cycle: []string{"a", "b"}}, ExitParseError},
		{"arity", &resolver.ArityError{Recipe: "deploy", Message: "missing env"}, ExitParseError},
		{"recipe-failed", &runRecipeFailedError{FailedCount: 1}, ExitRecipeFailed},
		{"unclassified", errors.New("boom"), ExitParseError},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCodeFor(tt.err))
		})
	}
}

func TestPlatformMatches(t *testing.T) {
	assert.True(t, platformMatches([]string{runtime.GOOS}))
	assert.False(t, platformMatches([]string{"some-other-os"}))
	if runtime.GOOS != "windows" {
		assert.True(t, platformMatches([]string{"unix"}))
	}
}

func TestRunModelExecutesDAGAndRecordsOutcomes(t *testing.T) {
	dir := t.TempDir()
	jakefilePath := filepath.Join(dir, "Jakefile")
	require.NoError(t, os.WriteFile(jakefilePath, []byte(""), 0o644))

	jf := model.NewJakefile(jakefilePath)
	jf.AddRecipe(&model.Recipe{
		Kind:          model.KindTask,
		Name:          "build",
		QualifiedName: "build",
		Body: []ast.BodyItem{
			&ast.Command{Text: "echo hi"},
		},
	})

	cfg, err := config.Resolve(config.Options{JakefilePath: jakefilePath})
	require.NoError(t, err)

	eng := New(cfg, nil, "test-invocation")
	res, err := eng.RunModel(context.Background(), jf, Options{Recipe: "build"})
	require.NoError(t, err)
	require.NoError(t, res.Err)
	require.Len(t, res.Outcomes, 1)
	assert.Equal(t, "build", res.Outcomes[0].Name)
}

func TestRunModelRecipeFailureSetsExitableError(t *testing.T) {
	dir := t.TempDir()
	jakefilePath := filepath.Join(dir, "Jakefile")
	require.NoError(t, os.WriteFile(jakefilePath, []byte(""), 0o644))

	jf := model.NewJakefile(jakefilePath)
	jf.AddRecipe(&model.Recipe{
		Kind:          model.KindTask,
		Name:          "fail",
		QualifiedName: "fail",
		Body: []ast.BodyItem{
			&ast.Command{Text: "exit 7"},
		},
	})

	cfg, err := config.Resolve(config.Options{JakefilePath: jakefilePath})
	require.NoError(t, err)

	eng := New(cfg, nil, "test-invocation")
	res, err := eng.RunModel(context.Background(), jf, Options{Recipe: "fail"})
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, ExitRecipeFailed, ExitCodeFor(res.Err))
}

func TestLoadModelReturnsLinkedJakefile(t *testing.T) {
	dir := t.TempDir()
	jakefilePath := filepath.Join(dir, "Jakefile")
	require.NoError(t, os.WriteFile(jakefilePath, []byte("task build:\n\techo hi\n"), 0o644))

	cfg, err := config.Resolve(config.Options{JakefilePath: jakefilePath})
	require.NoError(t, err)

	eng := New(cfg, nil, "test-invocation")
	jf, err := eng.LoadModel()
	require.NoError(t, err)
	assert.Contains(t, jf.Recipes, "build")
}
