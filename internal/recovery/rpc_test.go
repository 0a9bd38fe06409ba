package recovery

import (
	"context"
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

func TestRPCAllMethodsArePublic(t *testing.T) {
	svc, _ := newTestService(t)
	require.ElementsMatch(t, []string{"ping", "register", "recover", "code"}, svc.PublicRPCMethods())
}

func TestRPCEndToEndScenario(t *testing.T) {
	svc, notifier := newTestService(t)

	regResult, err := callRPC(t, svc, "register", map[string]any{
		"hint":       "H",
		"passcode_b": "1111-22-3456",
		"contacts":   []string{"a@x.tld"},
	})
	require.NoError(t, err)
	reg := regResult.(map[string]any)
	id := reg["id"].(int64)
	resetCode := reg["reset_code"].(string)

	_, err = callRPC(t, svc, "recover", map[string]any{"id": id + 999, "reset_code": resetCode})
	requireInvalidArgument(t, err)

	_, err = callRPC(t, svc, "recover", map[string]any{"id": id, "reset_code": "wrong-reset-code"})
	requireInvalidArgument(t, err)

	recResult, err := callRPC(t, svc, "recover", map[string]any{"id": id, "reset_code": resetCode})
	require.NoError(t, err)
	rec := recResult.(map[string]any)
	require.Equal(t, []string{"a*@x*.tld"}, rec["contacts"])

	tempCode := notifier.sent["a@x.tld"]
	codeResult, err := callRPC(t, svc, "code", map[string]any{"id": id, "reset_code": resetCode, "temp_code": tempCode})
	require.NoError(t, err)
	require.Equal(t, "1111-22-3456", codeResult.(map[string]string)["passcode_b"])

	_, err = callRPC(t, svc, "code", map[string]any{"id": id, "reset_code": resetCode, "temp_code": "000000"})
	requireInvalidArgument(t, err)
}

func requireInvalidArgument(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	apiErr, ok := err.(*rpcframe.ApiError)
	require.True(t, ok)
	require.Equal(t, "invalid-argument", apiErr.Exception)
}
