package main

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/moggie-project/moggie-worker/internal/logging"
)

var (
	flagConfigPath string
	flagLogLevel   string
	flagDataDir    string

	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "moggie-worker",
	Short: "moggie-worker runs the app worker process and its config tools",
	Long: `moggie-worker is the long-running process that owns the Config
Store and the metadata log, and serves the search/index/tag RPC surface
over localhost. It also exposes subcommands for managing the Config
Store's encryption state while the worker is stopped.`,
}

func init() {
	home, _ := os.UserHomeDir()
	defaultDataDir := filepath.Join(home, ".moggie-worker")

	rootCmd.PersistentFlags().StringVar(&flagConfigPath, "config", filepath.Join(defaultDataDir, "config.rc"), "path to the Config Store file")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", defaultDataDir, "directory for the metadata log, index, and logs")

	cobra.OnInitialize(func() {
		logger = logging.NewLogger(flagLogLevel)
	})

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(encryptConfigCmd)
	rootCmd.AddCommand(rotateMasterKeyCmd)
	rootCmd.AddCommand(changePassphraseCmd)
}
