package smtpbridge

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/moggie-project/moggie-worker/internal/config"
	"github.com/moggie-project/moggie-worker/internal/rpcframe"
)

func openTestConfig(t *testing.T) *config.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.rc")
	cfg, err := config.Open(path)
	require.NoError(t, err)
	require.NoError(t, cfg.InitializePassphrase("correct horse battery staple"))
	require.NoError(t, cfg.With(func(tx *config.Tx) error {
		if err := tx.SetIdentity(1, config.Identity{Name: "Work", Address: "work@example.com", Signature: "-- Work"}); err != nil {
			return err
		}
		return tx.SetContext(1, config.ContextSettings{Name: "personal", AccountRefs: []string{"Account 1"}})
	}))
	return cfg
}

func callRPC(t *testing.T, svc *Service, method string, body any) (any, error) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	handlers := svc.RPCMethods()
	h, ok := handlers[method]
	require.True(t, ok, "no handler registered for %q", method)
	return h(context.Background(), &rpcframe.Request{Method: method, Body: raw})
}

func TestHandleSubmitRequiresUnlockedStore(t *testing.T) {
	cfg := openTestConfig(t)
	cfg.Lock()
	svc := NewService(cfg)

	_, err := callRPC(t, svc, "submit", map[string]any{"context": "personal"})
	require.Error(t, err)
	apiErr, ok := err.(*rpcframe.ApiError)
	require.True(t, ok)
	require.Equal(t, "need-passphrase", apiErr.Exception)
}

func TestHandleSubmitDerivesPlanForKnownContext(t *testing.T) {
	cfg := openTestConfig(t)
	svc := NewService(cfg)

	result, err := callRPC(t, svc, "submit", map[string]any{"context": "personal"})
	require.NoError(t, err)
	resp := result.(submitResponse)
	require.Equal(t, "work@example.com", resp.Identity.Address)
	require.Equal(t, "-- Work", resp.Signature)
}

func TestHandleSubmitUnknownContextIsNotFound(t *testing.T) {
	cfg := openTestConfig(t)
	svc := NewService(cfg)

	_, err := callRPC(t, svc, "submit", map[string]any{"context": "does-not-exist"})
	require.Error(t, err)
	apiErr, ok := err.(*rpcframe.ApiError)
	require.True(t, ok)
	require.Equal(t, "not-found", apiErr.Exception)
}
