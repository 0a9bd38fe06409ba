package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/moggie-project/moggie-worker/internal/autocrypt"
	"github.com/moggie-project/moggie-worker/internal/config"
	"github.com/moggie-project/moggie-worker/internal/cryptutil"
	"github.com/moggie-project/moggie-worker/internal/logging"
	"github.com/moggie-project/moggie-worker/internal/openpgpworker"
	"github.com/moggie-project/moggie-worker/internal/recovery"
	"github.com/moggie-project/moggie-worker/internal/rpcframe"
	"github.com/moggie-project/moggie-worker/internal/server"
	"github.com/moggie-project/moggie-worker/internal/smtpbridge"
	"github.com/moggie-project/moggie-worker/internal/worker"
)

// servePeer wires a peer worker's three concerns together: the
// client-facing RPC frame (HTTP+WebSocket), the localhost-only gRPC
// control plane the app worker supervises it through (internal/worker),
// and the handshake line a Supervisor blocks on before treating the
// child as live. It blocks until ctx is canceled or the control plane
// receives a "shutdown" command.
func servePeer(ctx context.Context, name string, rpcListen, controlListen string, expose rpcframe.RemoteObject, base *worker.Base) error {
	secret, err := cryptutil.GenerateSecret()
	if err != nil {
		return fmt.Errorf("%s: generating rpc secret: %w", name, err)
	}
	frame := rpcframe.NewFrame(secret, nil)
	frame.Expose(expose)

	rpcLn, err := server.Listen(server.Config{Address: rpcListen})
	if err != nil {
		return fmt.Errorf("%s: binding rpc listener: %w", name, err)
	}

	controlLn, err := net.Listen("tcp", controlListen)
	if err != nil {
		return fmt.Errorf("%s: binding control listener: %w", name, err)
	}
	grpcSrv := grpc.NewServer()
	worker.RegisterControlServer(grpcSrv, base)

	hs := worker.Handshake{
		ControlAddress: controlLn.Addr().String(),
		RPCAddress:     rpcLn.Addr().String(),
		Secret:         secret,
	}
	line, err := json.Marshal(hs)
	if err != nil {
		return fmt.Errorf("%s: encoding handshake: %w", name, err)
	}
	fmt.Fprintln(os.Stdout, string(line))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
		case <-base.ShutdownRequested():
		case <-runCtx.Done():
		}
		cancel()
	}()

	httpSrv := &http.Server{Handler: frame}
	go func() {
		<-runCtx.Done()
		_ = httpSrv.Close()
		grpcSrv.GracefulStop()
	}()

	errCh := make(chan error, 2)
	go func() { errCh <- grpcSrv.Serve(controlLn) }()
	go func() {
		if err := httpSrv.Serve(rpcLn); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	err = <-errCh
	cancel()
	<-errCh
	if err != nil && runCtx.Err() == nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

var (
	flagPeerRPCListen     string
	flagPeerControlListen string
)

func init() {
	for _, cmd := range []*cobra.Command{openpgpWorkerCmd, recoveryWorkerCmd, smtpBridgeCmd} {
		cmd.Flags().StringVar(&flagPeerRPCListen, "listen", "127.0.0.1:0", "address this worker's RPC frame listens on")
		cmd.Flags().StringVar(&flagPeerControlListen, "control-listen", "127.0.0.1:0", "address this worker's control plane (gRPC) listens on")
		rootCmd.AddCommand(cmd)
	}
}

var openpgpWorkerCmd = &cobra.Command{
	Use:    "openpgp-worker",
	Short:  "Run the isolated OpenPGP worker process",
	Hidden: true,
	Long: `openpgp-worker runs spec.md §2's isolated OpenPGP worker: stateless
encrypt/decrypt/sign/verify operations plus the key-store cascade,
normally spawned by the app worker rather than invoked directly.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		rlog, err := logging.NewRotatingLogger(flagDataDir, "openpgp-worker", flagLogLevel)
		if err != nil {
			return err
		}
		logger = rlog

		cascade := openpgpworker.NewCascade(
			openpgpworker.NewLocalKeyringSource(),
			openpgpworker.NewAutocryptSource(noopAutocryptStore{}),
		)
		svc := openpgpworker.NewService(cascade)
		base := worker.NewBase("openpgp-worker", svc.DropCaches, nil)

		return servePeer(cmd.Context(), "openpgp-worker", flagPeerRPCListen, flagPeerControlListen, svc, base)
	},
}

var recoveryWorkerCmd = &cobra.Command{
	Use:    "recovery-worker",
	Short:  "Run the password-recovery service worker",
	Hidden: true,
	Long: `recovery-worker runs spec.md §4.9's register/recover/code
protocol on its own publicly reachable (but still localhost-only in this
deployment) listener, normally spawned by the app worker.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		rlog, err := logging.NewRotatingLogger(flagDataDir, "recovery-worker", flagLogLevel)
		if err != nil {
			return err
		}
		logger = rlog

		dbPath := flagDataDir + "/passcrow/recovery.db"
		if err := os.MkdirAll(flagDataDir+"/passcrow", 0o700); err != nil {
			return fmt.Errorf("creating passcrow dir: %w", err)
		}
		svc, err := recovery.Open(dbPath, recovery.LoggingNotifier{Logger: logger})
		if err != nil {
			return fmt.Errorf("opening recovery store: %w", err)
		}
		defer svc.Close()

		base := worker.NewBase("recovery-worker", nil, nil)
		return servePeer(cmd.Context(), "recovery-worker", flagPeerRPCListen, flagPeerControlListen, svc, base)
	},
}

var smtpBridgeCmd = &cobra.Command{
	Use:    "smtp-bridge",
	Short:  "Run the SMTP Bridge worker",
	Hidden: true,
	Long: `smtp-bridge runs the composer's send-plan derivation as its own
supervised process (spec.md §2's fourth worker). It never speaks SMTP to
the outside world and never queues mail: spec.md's Non-goals explicitly
exclude a submission queue and MTA functionality.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		rlog, err := logging.NewRotatingLogger(flagDataDir, "smtp-bridge", flagLogLevel)
		if err != nil {
			return err
		}
		logger = rlog

		cfg, err := config.Open(flagConfigPath)
		if err != nil {
			return fmt.Errorf("opening config store: %w", err)
		}

		svc := smtpbridge.NewService(cfg)
		base := worker.NewBase("smtp-bridge", nil, nil)
		return servePeer(cmd.Context(), "smtp-bridge", flagPeerRPCListen, flagPeerControlListen, svc, base)
	},
}

// noopAutocryptStore is a placeholder autocrypt.Store until the openpgp
// worker is wired to the app worker's per-namespace sqlitezip container
// over the control plane; it never has an existing peer record, so the
// Autocrypt source simply contributes nothing to the cascade.
type noopAutocryptStore struct{}

func (noopAutocryptStore) Get(address string) (autocrypt.PeerRecord, bool, error) {
	return autocrypt.PeerRecord{}, false, nil
}
func (noopAutocryptStore) Put(autocrypt.PeerRecord) error { return nil }
func (noopAutocryptStore) Delete(address string) error    { return nil }
