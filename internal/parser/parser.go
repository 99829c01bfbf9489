// Package parser builds a validated AST from Jake source, driving the
// indent-sensitive lexer and toggling its body/command mode around
// recipe bodies.
package parser

import (
	"fmt"

	"github.com/jakeflow/jake/internal/ast"
	"github.com/jakeflow/jake/internal/lexer"
	"github.com/jakeflow/jake/internal/token"
)

// recipeAttributeNames are directives recognised only immediately before
// a recipe header.
var recipeAttributeNames = map[string]bool{
	"default": true, "group": true, "desc": true, "description": true,
	"alias": true, "quiet": true, "only": true, "only-os": true,
	"platform": true, "needs": true,
}

// globalHookNames are directives recognised at file scope.
var globalHookNames = map[string]bool{
	"pre": true, "post": true, "on_error": true, "before": true, "after": true,
	"dotenv": true, "requireenv": true, "export": true,
}

// Error is a parse-time diagnostic carrying a source span.
type Error struct {
	Pos     token.Position
	Message string
	Want    string
}

func (e *Error) Error() string {
	if e.Want != "" {
		return fmt.Sprintf("parse error at %d:%d: %s (expected %s)", e.Pos.Line, e.Pos.Column, e.Message, e.Want)
	}
	return fmt.Sprintf("parse error at %d:%d: %s", e.Pos.Line, e.Pos.Column, e.Message)
}

// Parser is a recursive-descent parser over a pull-based Lexer.
type Parser struct {
	lex  *lexer.Lexer
	path string

	cur, peek token.Token

	// blockStack tracks open @if/@each directive blocks within a single
	// recipe body indentation level so an unclosed block is reported at
	// the position it was opened, per the spec's "secondary block stack"
	// design note.
	blockStack []token.Position
}

// Parse lexes and parses a complete Jakefile.
func Parse(path, src string) (*ast.File, error) {
	p := &Parser{lex: lexer.New(src), path: path}
	if err := p.init(); err != nil {
		return nil, err
	}
	f := &ast.File{Path: path}

	for p.cur.Kind != token.EOF {
		for p.cur.Kind == token.NEWLINE {
			if err := p.advance(); err != nil {
				return nil, err
			}
		}
		if p.cur.Kind == token.EOF {
			break
		}
		item, err := p.parseItem()
		if err != nil {
			return nil, err
		}
		if item != nil {
			f.Items = append(f.Items, item)
		}
	}
	return f, nil
}

func (p *Parser) init() error {
	t0, err := p.lex.Next()
	if err != nil {
		return err
	}
	t1, err := p.lex.Next()
	if err != nil {
		return err
	}
	p.cur, p.peek = t0, t1
	return nil
}

func (p *Parser) advance() error {
	p.cur = p.peek
	t, err := p.lex.Next()
	if err != nil {
		return err
	}
	p.peek = t
	return nil
}

func (p *Parser) expect(k token.Kind) (token.Token, error) {
	if p.cur.Kind != k {
		return token.Token{}, &Error{Pos: p.cur.Pos, Message: fmt.Sprintf("unexpected %s %q", p.cur.Kind, p.cur.Literal), Want: k.String()}
	}
	t := p.cur
	err := p.advance()
	return t, err
}

func (p *Parser) skipNewlines() error {
	for p.cur.Kind == token.NEWLINE {
		if err := p.advance(); err != nil {
			return err
		}
	}
	return nil
}

// parseItem parses one top-level item: assignment, import, global
// directive, or a recipe (possibly preceded by attribute directives).
func (p *Parser) parseItem() (ast.Item, error) {
	if p.cur.Kind == token.DIRECTIVE {
		name := p.cur.Literal
		if name == "import" {
			return p.parseImport()
		}
		if globalHookNames[name] {
			return p.parseGlobalDirective()
		}
		if recipeAttributeNames[name] {
			attrs, err := p.parseAttributes()
			if err != nil {
				return nil, err
			}
			return p.parseRecipe(attrs)
		}
		return nil, &Error{Pos: p.cur.Pos, Message: fmt.Sprintf("unknown directive @%s at file scope", name)}
	}

	if p.cur.Kind == token.IDENT {
		if p.peek.Kind == token.ASSIGN || p.peek.Kind == token.WALRUS {
			return p.parseAssignment()
		}
		if p.peek.Kind == token.COLON || p.peek.Kind == token.LPAREN {
			return p.parseRecipe(ast.RecipeAttributes{})
		}
	}

	return nil, &Error{Pos: p.cur.Pos, Message: fmt.Sprintf("unexpected token %s %q at file scope", p.cur.Kind, p.cur.Literal)}
}

func (p *Parser) parseAssignment() (*ast.Assignment, error) {
	nameTok, err := p.expect(token.IDENT)
	if err != nil {
		return nil, err
	}
	walrus := p.cur.Kind == token.WALRUS
	if _, err := p.expect(p.cur.Kind); err != nil { // consume ASSIGN or WALRUS
		return nil, err
	}
	val, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if _, err := p.expectLineEnd(); err != nil {
		return nil, err
	}
	return &ast.Assignment{Pos: nameTok.Pos, Name: nameTok.Literal, Value: val, Walrus: walrus}, nil
}

func (p *Parser) parseImport() (*ast.Import, error) {
	pos := p.cur.Pos
	if err := p.advance(); err != nil { // consume @import
		return nil, err
	}
	pathTok, err := p.expect(token.STRING)
	if err != nil {
		return nil, err
	}
	ns := ""
	if p.cur.Kind == token.IDENT && p.cur.Literal == "as" {
		if err := p.advance(); err != nil {
			return nil, err
		}
		nsTok, err := p.expect(token.IDENT)
		if err != nil {
			return nil, err
		}
		ns = nsTok.Literal
	}
	if _, err := p.expectLineEnd(); err != nil {
		return nil, err
	}
	return &ast.Import{Pos: pos, Path: pathTok.Literal, Namespace: ns}, nil
}

// parseGlobalDirective parses a file-scope directive: @pre/@post/@on_error
// (with no target), @before NAME / @after NAME (targeted hooks), and
// @dotenv/@requireenv/@export used at file scope.
func (p *Parser) parseGlobalDirective() (*ast.GlobalDirective, error) {
	pos := p.cur.Pos
	name := p.cur.Literal
	if err := p.advance(); err != nil {
		return nil, err
	}
	target := ""
	if (name == "before" || name == "after") && p.cur.Kind == token.IDENT {
		target = p.cur.Literal
		if err := p.advance(); err != nil {
			return nil, err
		}
	}
	args, err := p.parseExprListUntilLineEnd()
	if err != nil {
		return nil, err
	}
	return &ast.GlobalDirective{Pos: pos, Name: name, Args: args, Target: target}, nil
}

func (p *Parser) parseAttributes() (ast.RecipeAttributes, error) {
	var attrs ast.RecipeAttributes
	for p.cur.Kind == token.DIRECTIVE && recipeAttributeNames[p.cur.Literal] {
		name := p.cur.Literal
		if err := p.advance(); err != nil {
			return attrs, err
		}
		switch name {
		case "default":
			attrs.IsDefault = true
		case "group":
			s, err := p.expect(token.STRING)
			if err != nil {
				return attrs, err
			}
			attrs.Group = s.Literal
		case "desc", "description":
			s, err := p.expect(token.STRING)
			if err != nil {
				return attrs, err
			}
			attrs.Desc = s.Literal
		case "alias":
			for p.cur.Kind == token.IDENT {
				attrs.Aliases = append(attrs.Aliases, p.cur.Literal)
				if err := p.advance(); err != nil {
					return attrs, err
				}
				if p.cur.Kind == token.COMMA {
					if err := p.advance(); err != nil {
						return attrs, err
					}
				}
			}
		case "quiet":
			attrs.Quiet = true
		case "only", "only-os", "platform":
			for p.cur.Kind == token.IDENT {
				attrs.PlatformFilter = append(attrs.PlatformFilter, p.cur.Literal)
				if err := p.advance(); err != nil {
					return attrs, err
				}
				if p.cur.Kind == token.COMMA {
					if err := p.advance(); err != nil {
						return attrs, err
					}
				}
			}
		case "needs":
			need, err := p.parseToolNeed()
			if err != nil {
				return attrs, err
			}
			attrs.ToolNeeds = append(attrs.ToolNeeds, need)
		}
		if _, err := p.expectLineEnd(); err != nil {
			return attrs, err
		}
	}
	return attrs, nil
}

func (p *Parser) parseToolNeed() (ast.ToolNeed, error) {
	var need ast.ToolNeed
	cmdTok, err := p.expect(token.IDENT)
	if err != nil {
		// allow string-form command names too
		s, serr := p.expect(token.STRING)
		if serr != nil {
			return need, err
		}
		need.Command = s.Literal
	} else {
		need.Command = cmdTok.Literal
	}
	if p.cur.Kind == token.STRING {
		need.Hint = p.cur.Literal
		if err := p.advance(); err != nil {
			return need, err
		}
	}
	if p.cur.Kind == token.ARROW {
		if err := p.advance(); err != nil {
			return need, err
		}
		t, err := p.expect(token.IDENT)
		if err != nil {
			return need, err
		}
		need.InstallRecipe = t.Literal
	}
	return need, nil
}

// parseRecipe parses `[task|file] name params? : [dep, …]?` and its
// optional indented body.
func (p *Parser) parseRecipe(attrs ast.RecipeAttributes) (*ast.Recipe, error) {
	pos := p.cur.Pos
	kind := "task"
	var nameTok token.Token
	var err error

	if p.cur.Kind == token.IDENT && (p.cur.Literal == "task" || p.cur.Literal == "file") && p.peek.Kind == token.IDENT {
		kind = p.cur.Literal
		if err := p.advance(); err != nil {
			return nil, err
		}
		nameTok, err = p.expect(token.IDENT)
		if err != nil {
			return nil, err
		}
	} else {
		nameTok, err = p.expect(token.IDENT)
		if err != nil {
			return nil, err
		}
	}

	var params []ast.Parameter
	if p.cur.Kind == token.LPAREN {
		params, err = p.parseParams()
		if err != nil {
			return nil, err
		}
	}

	if _, err := p.expect(token.COLON); err != nil {
		return nil, err
	}

	var deps []ast.DepRef
	for p.cur.Kind == token.IDENT {
		deps = append(deps, ast.DepRef{Pos: p.cur.Pos, Name: p.cur.Literal})
		if err := p.advance(); err != nil {
			return nil, err
		}
		if p.cur.Kind == token.COMMA {
			if err := p.advance(); err != nil {
				return nil, err
			}
		} else {
			break
		}
	}

	if _, err := p.expectLineEnd(); err != nil {
		return nil, err
	}

	var body []ast.BodyItem
	if p.cur.Kind == token.INDENT {
		if err := p.advance(); err != nil {
			return nil, err
		}
		p.lex.SetBodyMode(true)
		body, err = p.parseBody()
		if err != nil {
			return nil, err
		}
		p.lex.SetBodyMode(false)
		if _, err := p.expect(token.DEDENT); err != nil {
			return nil, err
		}
	}

	return &ast.Recipe{
		Pos: pos, Kind: kind, Name: nameTok.Literal,
		Parameters: params, Deps: deps, Attributes: attrs, Body: body,
	}, nil
}

func (p *Parser) parseParams() ([]ast.Parameter, error) {
	if _, err := p.expect(token.LPAREN); err != nil {
		return nil, err
	}
	var params []ast.Parameter
	seenDefault := false
	for p.cur.Kind != token.RPAREN {
		nameTok, err := p.expect(token.IDENT)
		if err != nil {
			return nil, err
		}
		param := ast.Parameter{Name: nameTok.Literal}
		if p.cur.Kind == token.ELLIPSIS {
			if p.cur.Literal == "*" {
				param.Variadic = ast.VariadicZeroOrMore
			} else {
				param.Variadic = ast.VariadicOneOrMore
			}
			if err := p.advance(); err != nil {
				return nil, err
			}
		}
		if p.cur.Kind == token.ASSIGN {
			if err := p.advance(); err != nil {
				return nil, err
			}
			val, err := p.parsePrimary()
			if err != nil {
				return nil, err
			}
			param.Default = val
			seenDefault = true
		} else if seenDefault && param.Variadic == ast.VariadicNone {
			return nil, &Error{Pos: nameTok.Pos, Message: "parameter without default follows a defaulted parameter"}
		}
		params = append(params, param)
		if p.cur.Kind == token.COMMA {
			if err := p.advance(); err != nil {
				return nil, err
			}
			continue
		}
		break
	}
	if _, err := p.expect(token.RPAREN); err != nil {
		return nil, err
	}
	for i, param := range params {
		if param.Variadic != ast.VariadicNone && i != len(params)-1 {
			return nil, &Error{Pos: p.cur.Pos, Message: "variadic parameter must be the final parameter"}
		}
	}
	return params, nil
}

// parseBody parses the body items of a recipe, tracking @if/@each block
// nesting on a secondary stack so an unclosed block is reported
// precisely, and never synthesising an implicit @end.
func (p *Parser) parseBody() ([]ast.BodyItem, error) {
	var items []ast.BodyItem
	for {
		if err := p.skipNewlines(); err != nil {
			return nil, err
		}
		if p.cur.Kind == token.DEDENT || p.cur.Kind == token.EOF {
			break
		}
		item, err := p.parseBodyItem()
		if err != nil {
			return nil, err
		}
		if item != nil {
			items = append(items, item)
		}
	}
	if len(p.blockStack) > 0 {
		pos := p.blockStack[len(p.blockStack)-1]
		return nil, &Error{Pos: pos, Message: "unclosed @if/@each block"}
	}
	return items, nil
}

func (p *Parser) parseBodyItem() (ast.BodyItem, error) {
	if p.cur.Kind == token.DIRECTIVE {
		return p.parseBodyDirective()
	}
	return p.parseCommandLine()
}

func (p *Parser) parseCommandLine() (*ast.Command, error) {
	quiet, ignore := false, false
	for p.cur.Kind == token.AT || p.cur.Kind == token.MINUS {
		if p.cur.Kind == token.AT {
			quiet = true
		} else {
			ignore = true
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
	}
	tok, err := p.expect(token.COMMAND)
	if err != nil {
		return nil, err
	}
	if _, err := p.expectLineEnd(); err != nil {
		return nil, err
	}
	return &ast.Command{Pos: tok.Pos, Text: tok.Literal, Quiet: quiet, Ignore: ignore}, nil
}

func (p *Parser) parseBodyDirective() (ast.BodyItem, error) {
	name := p.cur.Literal
	pos := p.cur.Pos

	switch name {
	case "if":
		return p.parseIfChain()
	case "each":
		return p.parseEach()
	case "elif", "else", "end":
		return nil, &Error{Pos: pos, Message: fmt.Sprintf("@%s without matching @if/@each", name)}
	default:
		if err := p.advance(); err != nil {
			return nil, err
		}
		args, err := p.parseExprListUntilLineEnd()
		if err != nil {
			return nil, err
		}
		return &ast.Directive{Pos: pos, Name: name, Args: args}, nil
	}
}

func (p *Parser) parseIfChain() (*ast.Directive, error) {
	openPos := p.cur.Pos
	p.blockStack = append(p.blockStack, openPos)
	if err := p.advance(); err != nil { // consume @if
		return nil, err
	}
	d := &ast.Directive{Pos: openPos, Name: "if"}

	cond, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if _, err := p.expectLineEnd(); err != nil {
		return nil, err
	}
	body, err := p.parseNestedBody()
	if err != nil {
		return nil, err
	}
	d.Branches = append(d.Branches, ast.Branch{Cond: cond, Body: body})

	for p.cur.Kind == token.DIRECTIVE && p.cur.Literal == "elif" {
		if err := p.advance(); err != nil {
			return nil, err
		}
		c, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expectLineEnd(); err != nil {
			return nil, err
		}
		b, err := p.parseNestedBody()
		if err != nil {
			return nil, err
		}
		d.Branches = append(d.Branches, ast.Branch{Cond: c, Body: b})
	}

	if p.cur.Kind == token.DIRECTIVE && p.cur.Literal == "else" {
		if err := p.advance(); err != nil {
			return nil, err
		}
		if _, err := p.expectLineEnd(); err != nil {
			return nil, err
		}
		b, err := p.parseNestedBody()
		if err != nil {
			return nil, err
		}
		d.Branches = append(d.Branches, ast.Branch{Cond: nil, Body: b})
	}

	if p.cur.Kind != token.DIRECTIVE || p.cur.Literal != "end" {
		return nil, &Error{Pos: openPos, Message: "unclosed @if block (expected @end)"}
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	if _, err := p.expectLineEnd(); err != nil {
		return nil, err
	}
	p.blockStack = p.blockStack[:len(p.blockStack)-1]
	return d, nil
}

func (p *Parser) parseEach() (*ast.Directive, error) {
	openPos := p.cur.Pos
	p.blockStack = append(p.blockStack, openPos)
	if err := p.advance(); err != nil { // consume @each
		return nil, err
	}
	items, err := p.parseExprListUntilLineEnd()
	if err != nil {
		return nil, err
	}
	body, err := p.parseNestedBody()
	if err != nil {
		return nil, err
	}
	if p.cur.Kind != token.DIRECTIVE || p.cur.Literal != "end" {
		return nil, &Error{Pos: openPos, Message: "unclosed @each block (expected @end)"}
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	if _, err := p.expectLineEnd(); err != nil {
		return nil, err
	}
	p.blockStack = p.blockStack[:len(p.blockStack)-1]
	return &ast.Directive{Pos: openPos, Name: "each", Items: items, Loop: body}, nil
}

// parseNestedBody parses the inner statements of an @if/@each arm. These
// are NOT a new indentation level (per the spec, logical blocks nest on
// the same indent via the block stack, not via INDENT/DEDENT), so parsing
// simply continues until a directive that closes or continues the chain.
func (p *Parser) parseNestedBody() ([]ast.BodyItem, error) {
	var items []ast.BodyItem
	for {
		if err := p.skipNewlines(); err != nil {
			return nil, err
		}
		if p.cur.Kind == token.DEDENT || p.cur.Kind == token.EOF {
			return nil, &Error{Pos: p.blockStack[len(p.blockStack)-1], Message: "unclosed @if/@each block"}
		}
		if p.cur.Kind == token.DIRECTIVE {
			switch p.cur.Literal {
			case "elif", "else", "end":
				return items, nil
			}
		}
		item, err := p.parseBodyItem()
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
}

// expectLineEnd consumes the NEWLINE ending a logical line (or accepts
// EOF/DEDENT, which can legally end the final line of a file/body).
func (p *Parser) expectLineEnd() (token.Token, error) {
	if p.cur.Kind == token.NEWLINE {
		t := p.cur
		err := p.advance()
		return t, err
	}
	if p.cur.Kind == token.EOF || p.cur.Kind == token.DEDENT {
		return p.cur, nil
	}
	return token.Token{}, &Error{Pos: p.cur.Pos, Message: fmt.Sprintf("unexpected %s %q", p.cur.Kind, p.cur.Literal), Want: "end of line"}
}

func (p *Parser) parseExprListUntilLineEnd() ([]ast.Expr, error) {
	var out []ast.Expr
	for p.cur.Kind != token.NEWLINE && p.cur.Kind != token.EOF && p.cur.Kind != token.DEDENT {
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
		if p.cur.Kind == token.COMMA {
			if err := p.advance(); err != nil {
				return nil, err
			}
		}
	}
	if _, err := p.expectLineEnd(); err != nil {
		return nil, err
	}
	return out, nil
}

// parseExpr parses a primary expression optionally followed by a
// condition-style binary comparison (==, !=, =~).
func (p *Parser) parseExpr() (ast.Expr, error) {
	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	if p.cur.Kind == token.EQ || p.cur.Kind == token.NEQ || p.cur.Kind == token.MATCH {
		op := p.cur.Kind
		pos := p.cur.Pos
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		return &ast.BinaryExpr{Pos: pos, Op: op, Left: left, Right: right}, nil
	}
	return left, nil
}

func (p *Parser) parsePrimary() (ast.Expr, error) {
	switch p.cur.Kind {
	case token.STRING:
		t := p.cur
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &ast.StringLit{Pos: t.Pos, Value: t.Literal}, nil
	case token.NUMBER:
		t := p.cur
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &ast.NumberLit{Pos: t.Pos, Value: t.Literal}, nil
	case token.SHELLVAR:
		t := p.cur
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &ast.ShellVarRef{Pos: t.Pos, Text: t.Literal}, nil
	case token.BACKTICK:
		t := p.cur
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &ast.BacktickExpr{Pos: t.Pos, Text: t.Literal, Triple: len(t.Quote) == 3}, nil
	case token.IDENT:
		t := p.cur
		if err := p.advance(); err != nil {
			return nil, err
		}
		if p.cur.Kind == token.LPAREN {
			return p.parseCall(t)
		}
		return &ast.Ident{Pos: t.Pos, Name: t.Literal}, nil
	default:
		return nil, &Error{Pos: p.cur.Pos, Message: fmt.Sprintf("unexpected token %s %q in expression", p.cur.Kind, p.cur.Literal)}
	}
}

// ParseExprString parses a single standalone expression, such as the
// contents of a `{{…}}` interpolation span. It is the entry point the
// evaluator uses to re-parse interpolation bodies without going through
// a full Jakefile parse.
func ParseExprString(src string) (ast.Expr, error) {
	p := &Parser{lex: lexer.New(src)}
	if err := p.init(); err != nil {
		return nil, err
	}
	expr, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if p.cur.Kind != token.EOF && p.cur.Kind != token.NEWLINE {
		return nil, &Error{Pos: p.cur.Pos, Message: fmt.Sprintf("unexpected trailing token %s %q", p.cur.Kind, p.cur.Literal)}
	}
	return expr, nil
}

func (p *Parser) parseCall(name token.Token) (ast.Expr, error) {
	if _, err := p.expect(token.LPAREN); err != nil {
		return nil, err
	}
	var args []ast.Expr
	for p.cur.Kind != token.RPAREN {
		a, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		args = append(args, a)
		if p.cur.Kind == token.COMMA {
			if err := p.advance(); err != nil {
				return nil, err
			}
			continue
		}
		break
	}
	if _, err := p.expect(token.RPAREN); err != nil {
		return nil, err
	}
	return &ast.Call{Pos: name.Pos, Name: name.Literal, Args: args}, nil
}
