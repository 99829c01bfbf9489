package cmdutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitCommandWithQuotes(t *testing.T) {
	prog, args, err := SplitCommand(`echo "hello world" 'literal $VAR'`)
	require.NoError(t, err)
	assert.Equal(t, "echo", prog)
	assert.Equal(t, []string{`"hello world"`, `'literal $VAR'`}, args)
}

func TestSplitCommandSingleWord(t *testing.T) {
	prog, args, err := SplitCommand("ls")
	require.NoError(t, err)
	assert.Equal(t, "ls", prog)
	assert.Empty(t, args)
}

func TestSplitCommandEmptyIsError(t *testing.T) {
	_, _, err := SplitCommand("")
	require.Error(t, err)
}

func TestSplitCommandParseErrorPropagates(t *testing.T) {
	_, _, err := SplitCommand(`echo "unterminated`)
	require.Error(t, err)
}

func TestSplitCommandFallsBackToSourceSpanForPipelines(t *testing.T) {
	prog, args, err := SplitCommand(`cat foo | grep bar`)
	require.NoError(t, err)
	// A pipeline is not a plain CallExpr, so the whole statement is kept
	// as one verbatim field rather than split into words.
	assert.Equal(t, "cat foo | grep bar", prog)
	assert.Empty(t, args)
}

func TestBuildEnvironSortsKeysDeterministically(t *testing.T) {
	got := BuildEnviron(map[string]string{
		"ZEBRA": "1",
		"APPLE": "2",
		"MANGO": "3",
	})
	assert.Equal(t, []string{"APPLE=2", "MANGO=3", "ZEBRA=1"}, got)
}

func TestBuildEnvironEmptyMap(t *testing.T) {
	got := BuildEnviron(map[string]string{})
	assert.Empty(t, got)
}
