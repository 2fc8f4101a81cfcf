// Package commands implements the engram CLI.
package commands

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/engramdb/engram/pkg/engine"
)

var (
	// Global flags
	configPath string
	dataDir    string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "engram",
	Short: "Persistent memory engine for conversational agents",
	Long: `engram - an event log, knowledge graph, and semantic index that give a
conversational agent durable memory.

Every interaction is recorded as an immutable event. Background maintenance
distills events into entities, relationships, and facts, keeps hierarchical
summaries fresh, and compacts the vector index — all within one data
directory.

Examples:
  # Record an event and search for it later
  engram record --session room:general "shipped the new billing flow"
  engram search "billing flow"

  # Assemble the context block an agent would receive
  engram context --room room:general --preferences

  # Inspect the store
  engram stats`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default engram.yaml if present)")
	rootCmd.PersistentFlags().StringVarP(&dataDir, "data-dir", "d", "", "data directory (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

// loadConfig resolves the effective configuration from flags and files.
func loadConfig() (*engine.Config, error) {
	var cfg *engine.Config
	switch {
	case configPath != "":
		c, err := engine.LoadConfig(configPath)
		if err != nil {
			return nil, err
		}
		cfg = c
	default:
		if _, err := os.Stat("engram.yaml"); err == nil {
			c, err := engine.LoadConfig("engram.yaml")
			if err != nil {
				return nil, err
			}
			cfg = c
		} else {
			cfg = engine.DefaultConfig("")
		}
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	return cfg, nil
}

// openEngine opens the engine for one command invocation. The CLI is a
// short-lived process, so background maintenance stays off; flush is the
// explicit way to run it.
func openEngine() (*engine.Engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	cfg.Maintain.Disabled = true

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if verbose {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	e, err := engine.Open(cfg, engine.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("open engine: %w", err)
	}
	return e, nil
}
