// Package model defines the semantic, load-time representation of a
// Jakefile: recipes, variables, hooks, and imports linked into one
// in-memory graph, independent of the AST that produced them.
package model

import "github.com/jakeflow/jake/internal/ast"

// Kind distinguishes a task recipe from a file recipe.
type Kind string

const (
	KindTask Kind = "task"
	KindFile Kind = "file"
)

// Variadic mirrors ast.VariadicKind at the model layer.
type Variadic int

const (
	VariadicNone Variadic = iota
	VariadicOneOrMore
	VariadicZeroOrMore
)

// Parameter is a recipe parameter after loading.
type Parameter struct {
	Name     string
	Default  ast.Expr
	Variadic Variadic
}

// ToolNeed is a `@needs` entry bound at load time.
type ToolNeed struct {
	Command       string
	Hint          string
	InstallRecipe string // qualified name, empty when absent
}

// Attributes carries the descriptive/selection metadata of a recipe.
type Attributes struct {
	Group          string
	Desc           string
	Aliases        []string
	Quiet          bool
	IsDefault      bool
	PlatformFilter []string
	ToolNeeds      []ToolNeed
}

// Recipe is a fully-linked recipe: its name is qualified by namespace
// when it originated from an `@import … as ns` clause.
type Recipe struct {
	Kind         Kind
	Name         string // local (unqualified) name
	Namespace    string // empty at the root Jakefile
	QualifiedName string

	Parameters []Parameter
	Deps       []string // qualified dependency names, in declaration order
	Attributes Attributes
	Body       []ast.BodyItem

	SourcePath string
}

// HookSet is the global hook configuration.
type HookSet struct {
	Pre      []ast.Expr
	Post     []ast.Expr
	OnError  []ast.Expr
	Before   map[string][]ast.Expr // qualified recipe name -> commands
	After    map[string][]ast.Expr
}

// Variable is a loaded top-level assignment, keeping its declaration
// order for deterministic evaluation/error reporting.
type Variable struct {
	Name   string
	Value  ast.Expr
	Walrus bool
}

// Jakefile is the merged, linked model produced by the loader: the root
// file plus every transitively imported file, flattened into one set of
// namespaced recipes and a single hook/variable space.
type Jakefile struct {
	RootPath string

	Variables []Variable
	Recipes   map[string]*Recipe // keyed by qualified name
	RecipeOrder []string         // qualified names in declaration order

	Imports []ImportRecord

	Hooks HookSet

	DotenvPaths    []string
	RequiredEnv    []string
	ExportedEnv    map[string]ast.Expr

	DefaultRecipe string // qualified name, empty if none
}

// ImportRecord documents one resolved @import edge for diagnostics.
type ImportRecord struct {
	FromPath  string
	ToPath    string
	Namespace string
}

// NewJakefile returns an empty linked model ready for the loader to
// populate.
func NewJakefile(rootPath string) *Jakefile {
	return &Jakefile{
		RootPath: rootPath,
		Recipes:  make(map[string]*Recipe),
		Hooks: HookSet{
			Before: make(map[string][]ast.Expr),
			After:  make(map[string][]ast.Expr),
		},
		ExportedEnv: make(map[string]ast.Expr),
	}
}

// Qualify returns the dotted qualified name for a namespace/name pair.
func Qualify(namespace, name string) string {
	if namespace == "" {
		return name
	}
	return namespace + "." + name
}

// AddRecipe registers a recipe, returning false if a recipe with the
// same qualified name already exists (a same-namespace collision, which
// the loader treats as fatal).
func (f *Jakefile) AddRecipe(r *Recipe) bool {
	if _, exists := f.Recipes[r.QualifiedName]; exists {
		return false
	}
	f.Recipes[r.QualifiedName] = r
	f.RecipeOrder = append(f.RecipeOrder, r.QualifiedName)
	if r.Attributes.IsDefault {
		if cur, ok := f.Recipes[f.DefaultRecipe]; !ok || !cur.Attributes.IsDefault {
			f.DefaultRecipe = r.QualifiedName
		}
	}
	if f.DefaultRecipe == "" && len(f.RecipeOrder) == 1 {
		f.DefaultRecipe = r.QualifiedName
	}
	return true
}

// Lookup resolves a recipe by qualified name, falling back to matching
// any recipe whose declared aliases contain the given name within the
// same namespace prefix (namespace is derived from the dotted prefix of
// name itself, if any).
func (f *Jakefile) Lookup(name string) (*Recipe, bool) {
	if r, ok := f.Recipes[name]; ok {
		return r, true
	}
	for _, r := range f.Recipes {
		for _, alias := range r.Attributes.Aliases {
			aliasQualified := Qualify(r.Namespace, alias)
			if aliasQualified == name {
				return r, true
			}
		}
	}
	return nil, false
}
