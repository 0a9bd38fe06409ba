package main

import (
	"bufio"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/moggie-project/moggie-worker/internal/config"
)

// passphrase resolves the passphrase for a config-management subcommand:
// the MOGGIE_PASSPHRASE environment variable if set (for scripted use),
// otherwise an interactive stdin prompt. The worker process itself never
// reads this variable; it is a config-tooling convenience only.
func passphrase(prompt string) (string, error) {
	if v := os.Getenv("MOGGIE_PASSPHRASE"); v != "" {
		return v, nil
	}
	fmt.Fprint(os.Stderr, prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", err
	}
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	return line, nil
}

var encryptConfigCmd = &cobra.Command{
	Use:   "encrypt-config",
	Short: "Initialize the Config Store's encryption with a new passphrase",
	Long: `encrypt-config creates the first master-key generation for a
Config Store that has never been initialized, deriving the pass key
from the supplied passphrase (spec.md §4.1). Running it against an
already-initialized store fails; use rotate-master-key or
change-passphrase instead.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := config.Open(flagConfigPath)
		if err != nil {
			return fmt.Errorf("opening config store: %w", err)
		}
		pass, err := passphrase("New passphrase: ")
		if err != nil {
			return err
		}
		if err := store.InitializePassphrase(pass); err != nil {
			return fmt.Errorf("initializing passphrase: %w", err)
		}
		logger.Info("config store initialized", "path", flagConfigPath)
		return nil
	},
}

var rotateMasterKeyCmd = &cobra.Command{
	Use:   "rotate-master-key",
	Short: "Add a new master-key generation without changing the passphrase",
	Long: `rotate-master-key appends a fresh config-key generation used for
all future encryption; values encrypted under earlier generations remain
readable, since decryption always tries every known generation.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := config.Open(flagConfigPath)
		if err != nil {
			return fmt.Errorf("opening config store: %w", err)
		}
		pass, err := passphrase("Current passphrase: ")
		if err != nil {
			return err
		}
		if err := store.Unlock(pass); err != nil {
			return fmt.Errorf("unlocking config store: %w", err)
		}
		if err := store.RotateMasterKey(); err != nil {
			return fmt.Errorf("rotating master key: %w", err)
		}
		logger.Info("master key rotated", "path", flagConfigPath)
		return nil
	},
}

var changePassphraseCmd = &cobra.Command{
	Use:   "change-passphrase",
	Short: "Re-wrap the Config Store's master keys under a new passphrase",
	Long: `change-passphrase re-derives the pass key from a new passphrase
and re-encrypts every existing master-key generation under it. The set
of master keys, and everything encrypted with them, is unchanged.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := config.Open(flagConfigPath)
		if err != nil {
			return fmt.Errorf("opening config store: %w", err)
		}
		oldPass, err := passphrase("Current passphrase: ")
		if err != nil {
			return err
		}
		newPass, err := passphrase("New passphrase: ")
		if err != nil {
			return err
		}
		if err := store.ChangePassphrase(oldPass, newPass); err != nil {
			return fmt.Errorf("changing passphrase: %w", err)
		}
		logger.Info("passphrase changed", "path", flagConfigPath)
		return nil
	},
}
