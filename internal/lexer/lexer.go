// Package lexer implements Jake's indent-sensitive tokenizer.
//
// The lexer is pull-based: the parser calls Next repeatedly and toggles
// SetBodyMode around recipe bodies. Recipe bodies mix two sublanguages on
// the same indentation level — directive lines (@if, @each, @cd, ...) and
// raw shell command lines — so the lexer needs the parser to tell it which
// one it's looking at; this is the same "lexer hack" C parsers use to
// disambiguate typedef names from identifiers.
package lexer

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/jakeflow/jake/internal/token"
)

// bodyDirectives is the set of keywords that open a directive line when a
// recipe body is in bodyMode. Anything else following a leading '@'/'-'
// prefix is a command line.
var bodyDirectives = map[string]bool{
	"if": true, "elif": true, "else": true, "end": true,
	"each": true, "cd": true, "cache": true, "watch": true,
	"confirm": true, "ignore": true, "shell": true, "needs": true,
	"require": true, "export": true, "pre": true, "post": true,
}

// Error is a lex-time diagnostic with source position.
type Error struct {
	Pos     token.Position
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("lex error at %d:%d: %s", e.Pos.Line, e.Pos.Column, e.Message)
}

// Lexer tokenizes Jake source text on demand.
type Lexer struct {
	src  []rune
	pos  int
	line int
	col  int

	indentStack []string
	atLineStart bool
	bodyMode    bool

	sawShebang       bool
	midDirectiveLine bool

	invalidAt *token.Position
	queue     []token.Token
}

// New creates a Lexer over src. Invalid UTF-8 is detected up front rather
// than left to silently become U+FFFD replacement runes during the []rune
// conversion, so a later Next() call can report it as a lex error with a
// real source position instead of garbling the token stream.
func New(src string) *Lexer {
	l := &Lexer{
		src:         []rune(src),
		line:        1,
		col:         1,
		indentStack: []string{""},
		atLineStart: true,
	}
	l.invalidAt = findInvalidUTF8(src)
	return l
}

// findInvalidUTF8 returns the line/column of the first invalid UTF-8
// sequence in src, or nil if src is entirely valid.
func findInvalidUTF8(src string) *token.Position {
	line, col := 1, 1
	for i := 0; i < len(src); {
		r, size := utf8.DecodeRuneInString(src[i:])
		if r == utf8.RuneError && size <= 1 {
			return &token.Position{Line: line, Column: col}
		}
		if r == '\n' {
			line++
			col = 1
		} else {
			col++
		}
		i += size
	}
	return nil
}

// SetBodyMode toggles whether the lexer is inside a recipe body, which
// changes how otherwise-unrecognized lines are tokenized (raw COMMAND
// versus fully tokenized directive).
func (l *Lexer) SetBodyMode(on bool) { l.bodyMode = on }

func (l *Lexer) peekRune() (rune, bool) {
	if l.pos >= len(l.src) {
		return 0, false
	}
	return l.src[l.pos], true
}

func (l *Lexer) peekAt(off int) (rune, bool) {
	if l.pos+off >= len(l.src) {
		return 0, false
	}
	return l.src[l.pos+off], true
}

func (l *Lexer) advance() rune {
	r := l.src[l.pos]
	l.pos++
	if r == '\n' {
		l.line++
		l.col = 1
	} else {
		l.col++
	}
	return r
}

func (l *Lexer) here() token.Position { return token.Position{Line: l.line, Column: l.col} }

// Next returns the next token in the stream.
func (l *Lexer) Next() (token.Token, error) {
	if l.invalidAt != nil {
		pos := *l.invalidAt
		l.invalidAt = nil
		return token.Token{}, &Error{Pos: pos, Message: "invalid UTF-8 in source"}
	}

	if len(l.queue) > 0 {
		t := l.queue[0]
		l.queue = l.queue[1:]
		return t, nil
	}

	if l.atLineStart {
		if err := l.consumeBlankAndComments(); err != nil {
			return token.Token{}, err
		}
		if l.pos >= len(l.src) {
			return l.handleEOF()
		}
		if err := l.handleIndentation(); err != nil {
			return token.Token{}, err
		}
		l.atLineStart = false
		if len(l.queue) > 0 {
			t := l.queue[0]
			l.queue = l.queue[1:]
			return t, nil
		}
	}

	if l.pos >= len(l.src) {
		return l.handleEOF()
	}

	return l.lexLineContent()
}

func (l *Lexer) handleEOF() (token.Token, error) {
	if len(l.indentStack) > 1 {
		l.indentStack = l.indentStack[:len(l.indentStack)-1]
		return token.Token{Kind: token.DEDENT, Pos: l.here()}, nil
	}
	return token.Token{Kind: token.EOF, Pos: l.here()}, nil
}

// consumeBlankAndComments skips blank lines and comment-only lines; they
// never affect the indentation stack.
func (l *Lexer) consumeBlankAndComments() error {
	for {
		if l.line == 1 && l.pos == 0 {
			if r, ok := l.peekRune(); ok && r == '#' {
				if r2, ok2 := l.peekAt(1); ok2 && r2 == '!' {
					return nil // shebang: let lexLineContent emit it as a real token
				}
			}
		}

		save := l.pos
		saveLine, saveCol := l.line, l.col
		i := l.pos
		for i < len(l.src) && (l.src[i] == ' ' || l.src[i] == '\t') {
			i++
		}
		if i >= len(l.src) {
			l.pos = i
			return nil
		}
		c := l.src[i]
		if c == '\n' {
			for l.pos <= i {
				l.advance()
			}
			continue
		}
		if c == '#' {
			for l.pos < len(l.src) && l.src[l.pos] != '\n' {
				l.advance()
			}
			if l.pos < len(l.src) {
				l.advance()
			}
			continue
		}
		l.pos = save
		l.line, l.col = saveLine, saveCol
		return nil
	}
}

func (l *Lexer) handleIndentation() error {
	start := l.pos
	for {
		r, ok := l.peekRune()
		if !ok || (r != ' ' && r != '\t') {
			break
		}
		l.advance()
	}
	indent := string(l.src[start:l.pos])

	if strings.Contains(indent, " ") && strings.Contains(indent, "\t") {
		return &Error{Pos: l.here(), Message: "mixed tabs and spaces in indentation"}
	}

	top := l.indentStack[len(l.indentStack)-1]
	switch {
	case indent == top:
		// same level
	case strings.HasPrefix(indent, top) && len(indent) > len(top):
		l.indentStack = append(l.indentStack, indent)
		l.queue = append(l.queue, token.Token{Kind: token.INDENT, Pos: l.here()})
	case strings.HasPrefix(top, indent) && len(indent) < len(top):
		for len(l.indentStack) > 1 && l.indentStack[len(l.indentStack)-1] != indent {
			l.indentStack = l.indentStack[:len(l.indentStack)-1]
			l.queue = append(l.queue, token.Token{Kind: token.DEDENT, Pos: l.here()})
		}
		if l.indentStack[len(l.indentStack)-1] != indent {
			return &Error{Pos: l.here(), Message: "inconsistent indentation"}
		}
	default:
		return &Error{Pos: l.here(), Message: "inconsistent indentation (mixed tabs/spaces across a block)"}
	}
	return nil
}

// lexLineContent lexes tokens within the current logical line, handling
// the body/command-vs-directive disambiguation at the start of a line.
func (l *Lexer) lexLineContent() (token.Token, error) {
	l.skipSpaces()

	if l.atNewlineOrEOF() {
		return l.endLine()
	}

	if l.line == 1 && l.pos == 0 {
		if r, ok := l.peekRune(); ok && r == '#' {
			if r2, ok2 := l.peekAt(1); ok2 && r2 == '!' {
				return l.lexShebang()
			}
		}
	}

	if l.bodyMode && !l.midDirectiveLine {
		return l.lexBodyLineStart()
	}

	return l.lexToken()
}

// skipSpaces consumes horizontal whitespace and, per spec §4.1, a trailing
// backslash-newline: a '\' immediately followed by '\n' joins the next
// physical line into the current logical one, so assignments,
// directive-argument lines, and parameter lists can span lines the same
// way a recipe body command can (see lexBodyLineStart for that raw-text
// variant, which needs its own character-building loop instead of
// token-boundary whitespace skipping).
func (l *Lexer) skipSpaces() {
	for {
		r, ok := l.peekRune()
		if !ok {
			return
		}
		if r == ' ' || r == '\t' {
			l.advance()
			continue
		}
		if r == '\\' {
			if r2, ok2 := l.peekAt(1); ok2 && r2 == '\n' {
				l.advance() // backslash
				l.advance() // newline
				continue
			}
		}
		return
	}
}

func (l *Lexer) atNewlineOrEOF() bool {
	r, ok := l.peekRune()
	return !ok || r == '\n'
}

func (l *Lexer) endLine() (token.Token, error) {
	if r, ok := l.peekRune(); ok && r == '\n' {
		l.advance()
	}
	l.atLineStart = true
	l.midDirectiveLine = false
	return token.Token{Kind: token.NEWLINE, Pos: l.here()}, nil
}

func (l *Lexer) lexShebang() (token.Token, error) {
	start := l.pos
	pos := l.here()
	for l.pos < len(l.src) && l.src[l.pos] != '\n' {
		l.advance()
	}
	lit := string(l.src[start:l.pos])
	l.sawShebang = true
	return token.Token{Kind: token.SHEBANG, Literal: lit, Pos: pos}, nil
}

// lexBodyLineStart decides whether the current body line is a directive
// line or a command line, consuming leading @/- prefix characters.
func (l *Lexer) lexBodyLineStart() (token.Token, error) {
	pos := l.here()
	save := l.pos
	saveLine, saveCol := l.line, l.col

	var prefixes []token.Token
	for i := 0; i < 2; i++ {
		r, ok := l.peekRune()
		if !ok {
			break
		}
		if r == '@' {
			prefixes = append(prefixes, token.Token{Kind: token.AT, Pos: l.here()})
			l.advance()
			continue
		}
		if r == '-' {
			prefixes = append(prefixes, token.Token{Kind: token.MINUS, Pos: l.here()})
			l.advance()
			continue
		}
		break
	}

	// Is this a recognized directive keyword? Only possible if the prefix
	// consumed exactly one '@' (a command can't be prefixed with '@' and
	// then ALSO be a directive — directives never carry a quiet prefix).
	isDirective := false
	if len(prefixes) == 1 && prefixes[0].Kind == token.AT {
		name, ok := l.peekIdent()
		if ok && bodyDirectives[name] {
			isDirective = true
		}
	}
	// A line with no prefix characters is always a command line: a
	// directive keyword such as "if" without its '@' is not recognized.

	if isDirective {
		// The '@' just consumed above is the directive marker itself, not
		// a quiet-command prefix, so unlike the command-line path below it
		// is never re-emitted as its own AT token.
		name, _ := l.peekIdent()
		for range name {
			l.advance()
		}
		l.midDirectiveLine = true
		return token.Token{Kind: token.DIRECTIVE, Literal: name, Pos: pos}, nil
	}

	// Not a directive: rewind and treat as a command line. Re-scan the
	// prefix characters as tokens, then grab the remainder of the line
	// (joining backslash-continued physical lines) as one COMMAND token.
	l.pos, l.line, l.col = save, saveLine, saveCol
	var cmdPrefixes []token.Token
	for {
		r, ok := l.peekRune()
		if !ok {
			break
		}
		if r == '@' {
			cmdPrefixes = append(cmdPrefixes, token.Token{Kind: token.AT, Pos: l.here()})
			l.advance()
			continue
		}
		if r == '-' {
			cmdPrefixes = append(cmdPrefixes, token.Token{Kind: token.MINUS, Pos: l.here()})
			l.advance()
			continue
		}
		break
	}
	l.skipSpaces()

	cmdPos := l.here()
	var sb strings.Builder
	for {
		if l.pos >= len(l.src) {
			break
		}
		r := l.src[l.pos]
		if r == '\\' {
			if r2, ok := l.peekAt(1); ok && r2 == '\n' {
				l.advance() // backslash
				l.advance() // newline
				sb.WriteByte(' ')
				// allow leading whitespace on the continuation line
				for {
					r3, ok3 := l.peekRune()
					if !ok3 || (r3 != ' ' && r3 != '\t') {
						break
					}
					l.advance()
				}
				continue
			}
		}
		if r == '\n' {
			break
		}
		sb.WriteRune(r)
		l.advance()
	}
	text := strings.TrimRight(sb.String(), " \t")

	l.midDirectiveLine = true // subsequent Next() calls just end the line
	for _, p := range cmdPrefixes {
		l.queue = append(l.queue, p)
	}
	l.queue = append(l.queue, token.Token{Kind: token.COMMAND, Literal: text, Pos: cmdPos})
	t := l.queue[0]
	l.queue = l.queue[1:]
	return t, nil
}

// peekIdent looks ahead for an identifier (letters, digits, '_', '-') at
// the current position without consuming it. The character after the
// identifier is not checked.
func (l *Lexer) peekIdent() (string, bool) {
	i := l.pos
	start := i
	for i < len(l.src) && (unicode.IsLetter(l.src[i]) || unicode.IsDigit(l.src[i]) || l.src[i] == '_' || l.src[i] == '-') {
		i++
	}
	if i == start {
		return "", false
	}
	return string(l.src[start:i]), true
}

func (l *Lexer) lexToken() (token.Token, error) {
	pos := l.here()
	r, ok := l.peekRune()
	if !ok {
		return l.endLine()
	}

	switch {
	case r == '#':
		for l.pos < len(l.src) && l.src[l.pos] != '\n' {
			l.advance()
		}
		return l.endLine()
	case r == '@':
		l.advance()
		name, ok := l.peekIdent()
		if !ok {
			return token.Token{}, &Error{Pos: pos, Message: "expected directive name after '@'"}
		}
		for range name {
			l.advance()
		}
		return token.Token{Kind: token.DIRECTIVE, Literal: name, Pos: pos}, nil
	case r == '\'' || r == '"':
		return l.lexString(r)
	case r == '`':
		return l.lexBacktick()
	case r == '$':
		return l.lexShellVar()
	case unicode.IsDigit(r) || (r == '-' && isDigitAhead(l, 1)):
		return l.lexNumber()
	case unicode.IsLetter(r) || r == '_':
		return l.lexIdent()
	case r == '.':
		if r1, ok1 := l.peekAt(1); ok1 && r1 == '.' {
			if r2, ok2 := l.peekAt(2); ok2 && r2 == '.' {
				l.advance()
				l.advance()
				l.advance()
				suffix := ""
				if r3, ok3 := l.peekRune(); ok3 && (r3 == '+' || r3 == '*') {
					suffix = string(r3)
					l.advance()
				}
				return token.Token{Kind: token.ELLIPSIS, Literal: suffix, Pos: pos}, nil
			}
		}
		l.advance()
		return token.Token{}, &Error{Pos: pos, Message: "unexpected '.'"}
	case r == ':':
		l.advance()
		if r2, ok := l.peekRune(); ok && r2 == '=' {
			l.advance()
			return token.Token{Kind: token.WALRUS, Pos: pos}, nil
		}
		return token.Token{Kind: token.COLON, Pos: pos}, nil
	case r == ',':
		l.advance()
		return token.Token{Kind: token.COMMA, Pos: pos}, nil
	case r == '[':
		l.advance()
		return token.Token{Kind: token.LBRACKET, Pos: pos}, nil
	case r == ']':
		l.advance()
		return token.Token{Kind: token.RBRACKET, Pos: pos}, nil
	case r == '(':
		l.advance()
		return token.Token{Kind: token.LPAREN, Pos: pos}, nil
	case r == ')':
		l.advance()
		return token.Token{Kind: token.RPAREN, Pos: pos}, nil
	case r == '=':
		l.advance()
		if r2, ok := l.peekRune(); ok {
			switch r2 {
			case '=':
				l.advance()
				return token.Token{Kind: token.EQ, Pos: pos}, nil
			case '~':
				l.advance()
				return token.Token{Kind: token.MATCH, Pos: pos}, nil
			}
		}
		return token.Token{Kind: token.ASSIGN, Pos: pos}, nil
	case r == '!':
		l.advance()
		if r2, ok := l.peekRune(); ok && r2 == '=' {
			l.advance()
			return token.Token{Kind: token.NEQ, Pos: pos}, nil
		}
		return token.Token{}, &Error{Pos: pos, Message: "unexpected '!'"}
	case r == '-':
		l.advance()
		if r2, ok := l.peekRune(); ok && r2 == '>' {
			l.advance()
			return token.Token{Kind: token.ARROW, Pos: pos}, nil
		}
		return token.Token{Kind: token.MINUS, Pos: pos}, nil
	default:
		l.advance()
		return token.Token{}, &Error{Pos: pos, Message: fmt.Sprintf("unexpected character %q", r)}
	}
}

func isDigitAhead(l *Lexer, off int) bool {
	r, ok := l.peekAt(off)
	return ok && unicode.IsDigit(r)
}

func (l *Lexer) lexIdent() (token.Token, error) {
	pos := l.here()
	start := l.pos
	for {
		r, ok := l.peekRune()
		if !ok || !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_') {
			break
		}
		l.advance()
	}
	return token.Token{Kind: token.IDENT, Literal: string(l.src[start:l.pos]), Pos: pos}, nil
}

func (l *Lexer) lexNumber() (token.Token, error) {
	pos := l.here()
	start := l.pos
	if r, ok := l.peekRune(); ok && r == '-' {
		l.advance()
	}
	for {
		r, ok := l.peekRune()
		if !ok || !(unicode.IsDigit(r) || r == '.') {
			break
		}
		l.advance()
	}
	return token.Token{Kind: token.NUMBER, Literal: string(l.src[start:l.pos]), Pos: pos}, nil
}

func (l *Lexer) lexShellVar() (token.Token, error) {
	pos := l.here()
	start := l.pos
	l.advance() // consume '$'
	if r, ok := l.peekRune(); ok && r == '{' {
		l.advance()
		for {
			r2, ok2 := l.peekRune()
			if !ok2 {
				return token.Token{}, &Error{Pos: pos, Message: "unterminated ${...}"}
			}
			l.advance()
			if r2 == '}' {
				break
			}
		}
		return token.Token{Kind: token.SHELLVAR, Literal: string(l.src[start:l.pos]), Pos: pos}, nil
	}
	if r, ok := l.peekRune(); ok && (unicode.IsDigit(r) || r == '@') {
		l.advance()
		return token.Token{Kind: token.SHELLVAR, Literal: string(l.src[start:l.pos]), Pos: pos}, nil
	}
	for {
		r, ok := l.peekRune()
		if !ok || !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_') {
			break
		}
		l.advance()
	}
	return token.Token{Kind: token.SHELLVAR, Literal: string(l.src[start:l.pos]), Pos: pos}, nil
}

func (l *Lexer) lexBacktick() (token.Token, error) {
	pos := l.here()
	isTriple := false
	if r1, ok1 := l.peekAt(1); ok1 && r1 == '`' {
		if r2, ok2 := l.peekAt(2); ok2 && r2 == '`' {
			isTriple = true
		}
	}
	if isTriple {
		l.advance()
		l.advance()
		l.advance()
		start := l.pos
		for {
			if l.pos+2 < len(l.src) && l.src[l.pos] == '`' && l.src[l.pos+1] == '`' && l.src[l.pos+2] == '`' {
				lit := string(l.src[start:l.pos])
				l.advance()
				l.advance()
				l.advance()
				return token.Token{Kind: token.BACKTICK, Literal: lit, Pos: pos}, nil
			}
			if l.pos >= len(l.src) {
				return token.Token{}, &Error{Pos: pos, Message: "unterminated ``` command"}
			}
			l.advance()
		}
	}
	l.advance()
	start := l.pos
	for {
		r, ok := l.peekRune()
		if !ok {
			return token.Token{}, &Error{Pos: pos, Message: "unterminated ` command"}
		}
		if r == '`' {
			lit := string(l.src[start:l.pos])
			l.advance()
			return token.Token{Kind: token.BACKTICK, Literal: lit, Pos: pos}, nil
		}
		l.advance()
	}
}

// lexString lexes '...', "...", '''...''' and """...""" string literals.
func (l *Lexer) lexString(quote rune) (token.Token, error) {
	pos := l.here()
	triple := false
	if r1, ok1 := l.peekAt(1); ok1 && r1 == quote {
		if r2, ok2 := l.peekAt(2); ok2 && r2 == quote {
			triple = true
		}
	}
	quoteStyle := string(quote)
	if triple {
		quoteStyle = strings.Repeat(string(quote), 3)
		l.advance()
		l.advance()
		l.advance()
	} else {
		l.advance()
	}

	var sb strings.Builder
	for {
		r, ok := l.peekRune()
		if !ok {
			return token.Token{}, &Error{Pos: pos, Message: "unterminated string literal"}
		}
		if triple {
			if r == quote && matchTriple(l, quote) {
				l.advance()
				l.advance()
				l.advance()
				break
			}
		} else if r == quote {
			l.advance()
			break
		} else if r == '\\' {
			l.advance()
			r2, ok2 := l.peekRune()
			if !ok2 {
				return token.Token{}, &Error{Pos: pos, Message: "unterminated escape sequence"}
			}
			sb.WriteRune(unescape(r2))
			l.advance()
			continue
		} else if r == '\n' && !triple {
			return token.Token{}, &Error{Pos: pos, Message: "unterminated string literal (newline before closing quote)"}
		}
		if !triple || r != quote {
			sb.WriteRune(r)
			l.advance()
		}
	}
	return token.Token{Kind: token.STRING, Literal: sb.String(), Pos: pos, Quote: quoteStyle}, nil
}

func matchTriple(l *Lexer, quote rune) bool {
	r1, ok1 := l.peekAt(1)
	r2, ok2 := l.peekAt(2)
	return ok1 && ok2 && r1 == quote && r2 == quote
}

func unescape(r rune) rune {
	switch r {
	case 'n':
		return '\n'
	case 't':
		return '\t'
	case 'r':
		return '\r'
	default:
		return r
	}
}

// All tokenizes src entirely up front, which is convenient for a
// recursive-descent parser with lookahead over a file-sized input.
func All(src string) ([]token.Token, error) {
	l := New(src)
	var out []token.Token
	for {
		t, err := l.Next()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
		if t.Kind == token.EOF {
			return out, nil
		}
	}
}
