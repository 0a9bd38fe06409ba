package openpgpworker

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/moggie-project/moggie-worker/internal/rpcframe"
)

func callRPC(t *testing.T, svc *Service, method string, body any) (any, error) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	handlers := svc.RPCMethods()
	h, ok := handlers[method]
	require.True(t, ok, "no handler registered for %q", method)
	return h(context.Background(), &rpcframe.Request{Method: method, Body: raw})
}

func TestServicePublicMethodsIsPingOnly(t *testing.T) {
	svc := NewService(nil)
	require.Equal(t, []string{"ping"}, svc.PublicRPCMethods())
}

func TestServiceEncryptDecryptRoundTrip(t *testing.T) {
	svc := NewService(nil)
	recipient := generateTestEntity(t, "Recipient", "recipient@example.com")
	armored := armorPublicKey(t, recipient)

	encResult, err := callRPC(t, svc, "encrypt", map[string]any{
		"recipients":    []string{base64.StdEncoding.EncodeToString(armored)},
		"plaintext_b64": base64.StdEncoding.EncodeToString([]byte("hello, service")),
	})
	require.NoError(t, err)
	ciphertext := encResult.(map[string]string)["ciphertext"]
	require.NotEmpty(t, ciphertext)

	var raw bytes.Buffer
	require.NoError(t, recipient.SerializePrivate(&raw, nil))

	decResult, err := callRPC(t, svc, "decrypt", map[string]any{
		"keyring_b64":      []string{base64.StdEncoding.EncodeToString(raw.Bytes())},
		"ciphertext_armor": ciphertext,
	})
	require.NoError(t, err)
	plaintextB64 := decResult.(map[string]any)["plaintext_b64"].(string)
	plaintext, err := base64.StdEncoding.DecodeString(plaintextB64)
	require.NoError(t, err)
	require.Equal(t, "hello, service", string(plaintext))
}

func TestServiceLookupKeyReturnsNotFoundWithoutCascade(t *testing.T) {
	svc := NewService(nil)
	_, err := callRPC(t, svc, "lookup_key", map[string]any{"address": "nobody@example.com"})
	require.Error(t, err)
	apiErr, ok := err.(*rpcframe.ApiError)
	require.True(t, ok)
	require.Equal(t, "not-found", apiErr.Exception)
}

func TestServiceSignRequiresUnlockedSession(t *testing.T) {
	svc := NewService(nil)
	_, err := callRPC(t, svc, "sign", map[string]any{
		"session_id":    "s1",
		"fingerprint":   "deadbeef",
		"plaintext_b64": base64.StdEncoding.EncodeToString([]byte("x")),
	})
	require.Error(t, err)
	apiErr, ok := err.(*rpcframe.ApiError)
	require.True(t, ok)
	require.Equal(t, "need-info", apiErr.Exception)
}

func TestServiceDropCachesClearsSessions(t *testing.T) {
	svc := NewService(nil)
	svc.session("s1")
	require.Len(t, svc.sessions, 1)

	_, err := callRPC(t, svc, "drop_caches", map[string]any{})
	require.NoError(t, err)
	require.Len(t, svc.sessions, 0)
}
