package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQualify(t *testing.T) {
	assert.Equal(t, "build", Qualify("", "build"))
	assert.Equal(t, "lib.build", Qualify("lib", "build"))
}

func TestAddRecipeFirstBecomesDefault(t *testing.T) {
	jf := NewJakefile("Jakefile")

	ok := jf.AddRecipe(&Recipe{Name: "build", QualifiedName: "build"})
	require.True(t, ok)
	assert.Equal(t, "build", jf.DefaultRecipe)

	jf.AddRecipe(&Recipe{Name: "test", QualifiedName: "test"})
	assert.Equal(t, "build", jf.DefaultRecipe, "only the first recipe sets the implicit default")
}

func TestAddRecipeExplicitDefaultWins(t *testing.T) {
	jf := NewJakefile("Jakefile")
	jf.AddRecipe(&Recipe{Name: "build", QualifiedName: "build"})
	jf.AddRecipe(&Recipe{Name: "test", QualifiedName: "test", Attributes: Attributes{IsDefault: true}})

	assert.Equal(t, "test", jf.DefaultRecipe, "an explicit @default replaces the implicit first-recipe default")
}

func TestAddRecipeRejectsCollision(t *testing.T) {
	jf := NewJakefile("Jakefile")
	require.True(t, jf.AddRecipe(&Recipe{Name: "build", QualifiedName: "build"}))
	assert.False(t, jf.AddRecipe(&Recipe{Name: "build", QualifiedName: "build"}))
}

func TestLookupByAlias(t *testing.T) {
	jf := NewJakefile("Jakefile")
	jf.AddRecipe(&Recipe{Name: "build", QualifiedName: "build", Attributes: Attributes{Aliases: []string{"b"}}})

	r, ok := jf.Lookup("b")
	require.True(t, ok)
	assert.Equal(t, "build", r.QualifiedName)

	_, ok = jf.Lookup("nope")
	assert.False(t, ok)
}
