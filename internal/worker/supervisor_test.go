package worker

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

// Spawn itself re-execs a binary and dials a live gRPC control plane, so it
// is exercised by cmd/moggie-worker's peer subcommands rather than here;
// these tests cover the pieces that don't require a running child process.

func TestHandshakeRoundTripsAsJSONLine(t *testing.T) {
	hs := Handshake{ControlAddress: "127.0.0.1:40001", RPCAddress: "127.0.0.1:40002", Secret: "s3cr3t"}
	line, err := json.Marshal(hs)
	require.NoError(t, err)

	var decoded Handshake
	require.NoError(t, json.Unmarshal(line, &decoded))
	require.Equal(t, hs, decoded)
}

func TestSupervisorPeerBookkeeping(t *testing.T) {
	sup := NewSupervisor("/bin/true")
	peer := &Peer{Spec: PeerSpec{Name: "openpgp-worker"}, Handshake: Handshake{ControlAddress: "127.0.0.1:1"}}

	sup.mu.Lock()
	sup.peers[peer.Spec.Name] = peer
	sup.mu.Unlock()

	got, ok := sup.Peer("openpgp-worker")
	require.True(t, ok)
	require.Same(t, peer, got)

	_, ok = sup.Peer("recovery-worker")
	require.False(t, ok)

	require.Len(t, sup.Peers(), 1)
}
