package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Handshake is the single JSON line a spawned peer worker writes to its
// stdout once its control-plane listener is ready; the supervisor reads
// exactly one such line before treating the peer as live. Everything the
// peer logs afterward goes to its own rotating log file
// (internal/logging.NewRotatingLogger), never to stdout, so the
// handshake protocol never races ordinary log output.
type Handshake struct {
	ControlAddress string `json:"control_address"`
	RPCAddress     string `json:"rpc_address,omitempty"`
	Secret         string `json:"secret,omitempty"`
}

// PeerSpec describes one peer worker process to spawn.
type PeerSpec struct {
	Name string   // "openpgp-worker", "recovery-worker", "smtp-bridge"
	Args []string // flags appended after the subcommand name
}

// Peer is a running, supervised peer worker process.
type Peer struct {
	Spec      PeerSpec
	Handshake Handshake
	Client    *ControlClient

	cmd  *exec.Cmd
	conn *grpc.ClientConn
}

// Supervisor spawns and controls the peer worker processes an app worker
// launches, per spec.md §2 ("supervised by the process that first starts
// them"). Every peer is a child of binary (normally the app worker's own
// executable) invoked with the peer's subcommand name as args[0].
type Supervisor struct {
	binary string

	mu    sync.Mutex
	peers map[string]*Peer
}

// NewSupervisor builds a Supervisor that spawns peers by re-invoking
// binary (typically os.Executable()'s result).
func NewSupervisor(binary string) *Supervisor {
	return &Supervisor{binary: binary, peers: make(map[string]*Peer)}
}

// HandshakeTimeout bounds how long Spawn waits for a peer's readiness
// line before giving up and killing the child.
const HandshakeTimeout = 10 * time.Second

// Spawn starts spec as a child process and blocks until it has written
// its handshake line (or HandshakeTimeout elapses).
func (s *Supervisor) Spawn(spec PeerSpec) (*Peer, error) {
	cmd := exec.Command(s.binary, append([]string{spec.Name}, spec.Args...)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker: piping %s stdout: %w", spec.Name, err)
	}
	cmd.Stderr = nil // peer workers log to their own rotating file, never stderr/stdout

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("worker: starting %s: %w", spec.Name, err)
	}

	hsCh := make(chan Handshake, 1)
	errCh := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(stdout)
		if scanner.Scan() {
			var hs Handshake
			if err := json.Unmarshal(scanner.Bytes(), &hs); err != nil {
				errCh <- fmt.Errorf("worker: parsing %s handshake: %w", spec.Name, err)
				return
			}
			hsCh <- hs
			return
		}
		errCh <- fmt.Errorf("worker: %s exited before handshake", spec.Name)
	}()

	var hs Handshake
	select {
	case hs = <-hsCh:
	case err := <-errCh:
		_ = cmd.Process.Kill()
		return nil, err
	case <-time.After(HandshakeTimeout):
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("worker: %s did not hand shake within %s", spec.Name, HandshakeTimeout)
	}

	conn, err := grpc.NewClient(hs.ControlAddress, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("worker: dialing %s control plane: %w", spec.Name, err)
	}

	peer := &Peer{Spec: spec, Handshake: hs, Client: NewControlClient(conn), cmd: cmd, conn: conn}
	s.mu.Lock()
	s.peers[spec.Name] = peer
	s.mu.Unlock()
	return peer, nil
}

// Peers returns every currently-spawned peer.
func (s *Supervisor) Peers() []*Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	return out
}

// Peer returns the spawned peer named name, if any.
func (s *Supervisor) Peer(name string) (*Peer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[name]
	return p, ok
}

// DropCaches asks every peer to release its in-memory caches.
func (s *Supervisor) DropCaches(ctx context.Context) {
	for _, p := range s.Peers() {
		_ = p.Client.DropCaches(ctx)
	}
}

// Shutdown asks every peer to terminate, then waits for each child
// process to exit (best-effort; it never blocks longer than ctx allows).
func (s *Supervisor) Shutdown(ctx context.Context) {
	for _, p := range s.Peers() {
		_ = p.Client.Shutdown(ctx)
		_ = p.conn.Close()
		done := make(chan struct{})
		go func(cmd *exec.Cmd) {
			_ = cmd.Wait()
			close(done)
		}(p.cmd)
		select {
		case <-done:
		case <-ctx.Done():
		}
	}
}
