package rpcframe

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSchemaRegistryRejectsMismatchedBody(t *testing.T) {
	reg := NewSchemaRegistry()
	require.NoError(t, reg.Register("search", []byte(`{
		"type": "object",
		"required": ["terms"],
		"properties": {"terms": {"type": "string"}}
	}`)))

	require.NoError(t, reg.Validate("search", json.RawMessage(`{"terms": "hello"}`)))
	require.Error(t, reg.Validate("search", json.RawMessage(`{}`)))
	require.Error(t, reg.Validate("search", json.RawMessage(`{"terms": 5}`)))
}

func TestSchemaRegistryUnregisteredMethodPassesThrough(t *testing.T) {
	reg := NewSchemaRegistry()
	require.NoError(t, reg.Validate("whatever", json.RawMessage(`{"anything": true}`)))
	require.NoError(t, reg.Validate("whatever", nil))
}
