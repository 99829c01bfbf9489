// Package cmdutil provides shell-aware command splitting and
// environment construction used by the command runner: it leans on
// mvdan.cc/sh's POSIX-compatible lexer rather than hand-rolled quote
// parsing, so quoting, backticks, and pipes in a Jakefile command line
// behave the way the target shell itself would parse them.
package cmdutil

import (
	"fmt"
	"sort"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// SplitCommand splits a raw command-line string into its program name
// and arguments, honouring shell quoting rules (so a quoted argument
// keeps its surrounding quotes intact as literal text — Jake does not
// interpret them, the subprocess shell does).
func SplitCommand(cmd string) (string, []string, error) {
	fields, err := splitFields(cmd)
	if err != nil {
		return "", nil, err
	}
	if len(fields) == 0 {
		return "", nil, fmt.Errorf("empty command")
	}
	return fields[0], fields[1:], nil
}

// splitFields tokenizes cmd the way a POSIX shell would, preserving each
// field as it appeared in the source (quotes, escapes, and backtick
// substitutions are kept literal — this is a split, not an expansion).
func splitFields(cmd string) ([]string, error) {
	r := strings.NewReader(cmd)
	parser := syntax.NewParser()
	var fields []string

	file, err := parser.Parse(r, "")
	if err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}

	for _, stmt := range file.Stmts {
		call, ok := stmt.Cmd.(*syntax.CallExpr)
		if !ok {
			// Not a plain call (e.g. a pipeline or subshell) — fall back to
			// the verbatim source span for this statement so the runner
			// still gets something launchable via the shell itself.
			fields = append(fields, sourceSpan(cmd, stmt.Pos(), stmt.End()))
			continue
		}
		for _, word := range call.Args {
			fields = append(fields, sourceSpan(cmd, word.Pos(), word.End()))
		}
	}
	return fields, nil
}

func sourceSpan(src string, start, end syntax.Pos) string {
	lo, hi := int(start.Offset()), int(end.Offset())
	if lo < 0 || hi > len(src) || lo > hi {
		return ""
	}
	return src[lo:hi]
}

// BuildEnviron renders a name->value map into a sorted `KEY=value` slice
// suitable for exec.Cmd.Env, so command spawning is deterministic across
// runs with the same inputs.
func BuildEnviron(vars map[string]string) []string {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+vars[k])
	}
	return out
}
