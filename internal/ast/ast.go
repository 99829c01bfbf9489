// Package ast defines the syntax tree produced by the parser, before any
// semantic resolution (imports, namespaces, dependency binding) happens.
package ast

import "github.com/jakeflow/jake/internal/token"

// File is the parsed form of a single Jakefile.
type File struct {
	Path  string
	Items []Item
}

// Item is anything that can appear at the top level of a Jakefile.
type Item interface{ itemNode() }

// Assignment is `name = expr` or `name := expr`.
type Assignment struct {
	Pos    token.Position
	Name   string
	Value  Expr
	Walrus bool
}

func (*Assignment) itemNode() {}

// Import is `@import "path" [as ns]`.
type Import struct {
	Pos       token.Position
	Path      string
	Namespace string // empty when no "as" clause
}

func (*Import) itemNode() {}

// GlobalDirective is a top-level directive that is not an attribute of a
// following recipe: @dotenv, @requireenv, @export at file scope, and the
// global hook forms @pre/@post/@on_error/@before[name]/@after[name].
type GlobalDirective struct {
	Pos    token.Position
	Name   string
	Args   []Expr
	Target string // for @before/@after: the targeted recipe name
}

func (*GlobalDirective) itemNode() {}

// Recipe is a `task` or `file` recipe declaration.
type Recipe struct {
	Pos        token.Position
	Kind       string // "task" or "file"
	Name       string
	Parameters []Parameter
	Deps       []DepRef
	Attributes RecipeAttributes
	Body       []BodyItem
}

func (*Recipe) itemNode() {}

// Parameter is one recipe parameter.
type Parameter struct {
	Name        string
	Default     Expr // nil when no default
	Variadic    VariadicKind
}

// VariadicKind enumerates how a trailing parameter consumes remaining args.
type VariadicKind int

const (
	VariadicNone VariadicKind = iota
	VariadicOneOrMore
	VariadicZeroOrMore
)

// DepRef is a reference to another recipe in a dependency list, possibly
// namespaced via a dotted name (resolved against imports by the loader).
type DepRef struct {
	Pos  token.Position
	Name string
}

// ToolNeed is one `@needs` entry: a command name, optional hint, and
// optional install-recipe reference.
type ToolNeed struct {
	Command       string
	Hint          string
	InstallRecipe string
}

// RecipeAttributes captures the attribute directives preceding a header.
type RecipeAttributes struct {
	Group          string
	Desc           string
	Aliases        []string
	Quiet          bool
	IsDefault      bool
	PlatformFilter []string
	ToolNeeds      []ToolNeed
}

// BodyItem is either a Command or a Directive inside a recipe body.
type BodyItem interface{ bodyItemNode() }

// Command is one shell command line within a recipe body.
type Command struct {
	Pos     token.Position
	Text    string // raw text, {{...}} not yet expanded
	Quiet   bool   // '@' prefix (or inherited recipe @quiet)
	Ignore  bool   // '-' prefix
}

func (*Command) bodyItemNode() {}

// Directive is a body directive: @if/@elif/@else/@end, @each/@end, @cd,
// @cache, @watch, @confirm, @ignore, @shell, @needs, @require, @export,
// @pre, @post.
type Directive struct {
	Pos  token.Position
	Name string
	Args []Expr

	// For @if: the chain of conditional branches, terminated by a
	// catch-all @else branch (Cond == nil) if present.
	Branches []Branch

	// For @each: the loop items and loop body.
	Items []Expr
	Loop  []BodyItem
}

func (*Directive) bodyItemNode() {}

// Branch is one arm of an @if/@elif/@else chain.
type Branch struct {
	Cond Expr // nil for the trailing @else
	Body []BodyItem
}

// Expr is the expression AST: literals, identifiers, calls, interpolated
// strings, and shell-variable references.
type Expr interface{ exprNode() }

// StringLit is a literal string, possibly containing {{ }} interpolation
// markers that are expanded at evaluation time.
type StringLit struct {
	Pos   token.Position
	Value string
}

func (*StringLit) exprNode() {}

// NumberLit is a literal number (used in flag defaults, parameter
// defaults, and @each item lists).
type NumberLit struct {
	Pos   token.Position
	Value string
}

func (*NumberLit) exprNode() {}

// Ident is a bare identifier reference: a variable, or condition truthy
// check (`@if env_name`).
type Ident struct {
	Pos  token.Position
	Name string
}

func (*Ident) exprNode() {}

// Call is a built-in/condition function invocation: name(args...).
type Call struct {
	Pos  token.Position
	Name string
	Args []Expr
}

func (*Call) exprNode() {}

// ShellVarRef is a lexically recognised $VAR / ${VAR} / $1 / $@ token,
// carried through as an opaque expression for the command runner — Jake
// does not evaluate these itself, the subprocess shell does.
type ShellVarRef struct {
	Pos  token.Position
	Text string
}

func (*ShellVarRef) exprNode() {}

// BacktickExpr is an inline `cmd` or ```cmd``` substitution. Jake passes
// these through verbatim to the shell; they are not evaluated at parse
// time.
type BacktickExpr struct {
	Pos    token.Position
	Text   string
	Triple bool
}

func (*BacktickExpr) exprNode() {}

// BinaryExpr is a condition comparison: a == b, a != b, a =~ b.
type BinaryExpr struct {
	Pos   token.Position
	Op    token.Kind
	Left  Expr
	Right Expr
}

func (*BinaryExpr) exprNode() {}
