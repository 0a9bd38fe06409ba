package worker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"
)

func opRequest(t *testing.T, op string) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(map[string]any{"op": op})
	require.NoError(t, err)
	return s
}

func TestBaseDispatchPing(t *testing.T) {
	b := NewBase("test-worker", nil, nil)
	resp, err := b.Dispatch(context.Background(), opRequest(t, "ping"))
	require.NoError(t, err)
	require.True(t, resp.Fields["ok"].GetBoolValue())
}

func TestBaseDispatchStatus(t *testing.T) {
	b := NewBase("test-worker", nil, func() map[string]any {
		return map[string]any{"sessions": float64(3)}
	})
	resp, err := b.Dispatch(context.Background(), opRequest(t, "status"))
	require.NoError(t, err)
	require.Equal(t, "test-worker", resp.Fields["name"].GetStringValue())
	require.Equal(t, float64(3), resp.Fields["sessions"].GetNumberValue())
}

func TestBaseDispatchDropCaches(t *testing.T) {
	called := false
	b := NewBase("test-worker", func() { called = true }, nil)
	_, err := b.Dispatch(context.Background(), opRequest(t, "drop_caches"))
	require.NoError(t, err)
	require.True(t, called)
}

func TestBaseDispatchShutdownClosesChannel(t *testing.T) {
	b := NewBase("test-worker", nil, nil)
	select {
	case <-b.ShutdownRequested():
		t.Fatal("shutdown channel closed before shutdown op")
	default:
	}
	_, err := b.Dispatch(context.Background(), opRequest(t, "shutdown"))
	require.NoError(t, err)

	_, err = b.Dispatch(context.Background(), opRequest(t, "shutdown"))
	require.NoError(t, err)

	select {
	case <-b.ShutdownRequested():
	default:
		t.Fatal("shutdown channel not closed after shutdown op")
	}
}

func TestBaseDispatchUnknownOp(t *testing.T) {
	b := NewBase("test-worker", nil, nil)
	resp, err := b.Dispatch(context.Background(), opRequest(t, "frobnicate"))
	require.NoError(t, err)
	require.False(t, resp.Fields["ok"].GetBoolValue())
}
