package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/moggie-project/moggie-worker/internal/appworker"
	"github.com/moggie-project/moggie-worker/internal/config"
	"github.com/moggie-project/moggie-worker/internal/cryptutil"
	"github.com/moggie-project/moggie-worker/internal/metastore"
	"github.com/moggie-project/moggie-worker/internal/metrics"
	"github.com/moggie-project/moggie-worker/internal/rpcframe"
	"github.com/moggie-project/moggie-worker/internal/server"
	"github.com/moggie-project/moggie-worker/internal/worker"
)

var (
	flagListenAddress string
	flagMetricsAddr   string
	flagMetricsPath   string
	flagMaxConns      int
	flagSpawnPeers    bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the app worker: unlock the Config Store and serve the RPC surface",
	RunE:  runApp,
}

func init() {
	runCmd.Flags().StringVar(&flagListenAddress, "listen", "127.0.0.1:8023", "address the RPC frame listens on")
	runCmd.Flags().StringVar(&flagMetricsAddr, "metrics-address", "", "if set, serve Prometheus metrics on this address")
	runCmd.Flags().StringVar(&flagMetricsPath, "metrics-path", "/metrics", "path the metrics server exposes")
	runCmd.Flags().IntVar(&flagMaxConns, "max-connections", 256, "maximum concurrent RPC connections")
	runCmd.Flags().BoolVar(&flagSpawnPeers, "spawn-peers", true, "spawn and supervise the OpenPGP, recovery, and SMTP bridge workers")
}

// spawnPeers launches the three peer worker processes as children of the
// running app worker binary and returns a Supervisor the app worker can
// ask to drop caches or shut them down. Any peer that fails to spawn is
// logged and skipped — one peer misbehaving never prevents the app
// worker itself from serving its own RPC surface (spec.md §7: "a process
// never crashes on a single bad message").
func spawnPeers(dataDir string) *worker.Supervisor {
	exe, err := os.Executable()
	if err != nil {
		logger.Error("spawn-peers: resolving own executable path", "error", err)
		return nil
	}
	sup := worker.NewSupervisor(exe)
	specs := []worker.PeerSpec{
		{Name: "openpgp-worker", Args: []string{"--data-dir", dataDir, "--log-level", flagLogLevel}},
		{Name: "recovery-worker", Args: []string{"--data-dir", dataDir, "--log-level", flagLogLevel}},
		{Name: "smtp-bridge", Args: []string{"--config", flagConfigPath, "--data-dir", dataDir, "--log-level", flagLogLevel}},
	}
	for _, spec := range specs {
		peer, err := sup.Spawn(spec)
		if err != nil {
			logger.Error("failed to spawn peer worker", "peer", spec.Name, "error", err)
			continue
		}
		logger.Info("spawned peer worker", "peer", spec.Name, "rpc_address", peer.Handshake.RPCAddress, "control_address", peer.Handshake.ControlAddress)
	}
	return sup
}

func runApp(cmd *cobra.Command, args []string) error {
	cfg, err := config.Open(flagConfigPath)
	if err != nil {
		return fmt.Errorf("opening config store: %w", err)
	}

	if err := unlockStore(cfg); err != nil {
		return err
	}

	var collector metrics.Collector = &metrics.NoopCollector{}
	if flagMetricsAddr != "" {
		collector = metrics.NewPrometheusCollector(prometheus.DefaultRegisterer)
	}

	if err := os.MkdirAll(flagDataDir, 0o700); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}
	meta, err := metastore.Open(
		filepath.Join(flagDataDir, "metadata.log"),
		filepath.Join(flagDataDir, "metadata.idx"),
		cfg.MasterKeys(),
	)
	if err != nil {
		return fmt.Errorf("opening metadata store: %w", err)
	}
	defer meta.Close()

	secret, err := cryptutil.GenerateSecret()
	if err != nil {
		return fmt.Errorf("generating rpc secret: %w", err)
	}

	app := appworker.New(cfg, meta, collector)
	frame := rpcframe.NewFrame(secret, collector)
	frame.Expose(app)
	frame.SetSchemas(app.Schemas())

	if flagSpawnPeers {
		if sup := spawnPeers(flagDataDir); sup != nil {
			app.SetSupervisor(sup)
			defer sup.Shutdown(context.Background())
		}
	}

	ln, err := server.Listen(server.Config{Address: flagListenAddress, MaxConnections: flagMaxConns})
	if err != nil {
		return fmt.Errorf("binding listener: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	if flagMetricsAddr != "" {
		metricsServer := metrics.NewPrometheusServer(flagMetricsAddr, flagMetricsPath)
		go func() {
			if err := metricsServer.Start(ctx); err != nil && err != context.Canceled {
				logger.Error("metrics server error", "error", err)
			}
		}()
		logger.Info("metrics server started", "address", flagMetricsAddr, "path", flagMetricsPath)
	}

	httpSrv := &http.Server{Handler: frame}
	go func() {
		<-ctx.Done()
		_ = httpSrv.Close()
	}()

	logger.Info("app worker listening", "address", flagListenAddress, "rpc_path_prefix", secret)
	if err := httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serving rpc frame: %w", err)
	}
	logger.Info("app worker stopped")
	return nil
}

// unlockStore implements the Open Question #1 escape hatch: a store may
// carry Secrets.allow_clear_passphrase = true plus a plaintext
// Secrets.clear_passphrase value, both hand-edited into the config file
// while the worker was stopped (never settable over RPC). When present,
// the worker auto-unlocks at startup instead of prompting.
func unlockStore(cfg *config.Store) error {
	var allowClear string
	cfg.Get("Secrets", "allow_clear_passphrase", &allowClear)
	if allowClear == "true" {
		var clearPass string
		if ok, _ := cfg.Get("Secrets", "clear_passphrase", &clearPass); ok {
			if err := cfg.Unlock(clearPass); err != nil {
				return fmt.Errorf("auto-unlocking with clear passphrase: %w", err)
			}
			logger.Warn("unlocked using Secrets.clear_passphrase; this is a deliberately insecure escape hatch")
			return nil
		}
	}

	pass, err := passphrase("Passphrase: ")
	if err != nil {
		return err
	}
	if err := cfg.Unlock(pass); err != nil {
		return fmt.Errorf("unlocking config store: %w", err)
	}
	return nil
}
