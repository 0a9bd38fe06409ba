package imapclient

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestParseVerbatimExamples exercises the four tokenizer examples from
// spec.md §8, byte for byte.
func TestParseVerbatimExamples(t *testing.T) {
	ok, tokens := Parse("OK", []any{"1 (F (X Y) U {2}", "12", 41})
	require.True(t, ok)
	require.Equal(t, []any{"1", []any{"F", []any{"X", "Y"}, "U", "12"}}, tokens)

	ok, tokens = Parse("OK", []any{"Two {10}", "0123456789", "Three"})
	require.True(t, ok)
	require.Equal(t, []any{"Two", "0123456789", "Three"}, tokens)

	ok, tokens = Parse("OK", []any{`One (Two (Th ree)) "Four Five"`})
	require.True(t, ok)
	require.Equal(t, []any{"One", []any{"Two", []any{"Th", "ree"}}, "Four Five"}, tokens)

	ok, tokens = Parse("BAD", []any{"Sorry"})
	require.False(t, ok)
	require.Equal(t, []any{"Sorry"}, tokens)
}

func TestParseHandlesEscapedQuotes(t *testing.T) {
	ok, tokens := Parse("OK", []any{`"she said \"hi\""`})
	require.True(t, ok)
	require.Equal(t, []any{`she said "hi"`}, tokens)
}

func TestParseEmptyLineYieldsNoTokens(t *testing.T) {
	ok, tokens := Parse("OK", []any{""})
	require.True(t, ok)
	require.Empty(t, tokens)
}
