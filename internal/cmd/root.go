// Package cmd implements the conclave CLI, the thin operator front
// door over the Orchestrator. The full wizard/TUI product
// remains out of scope; these commands only drive start, stop, kill,
// resume, list, status, and export.
package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/loomwork/conclave/internal/cluster"
	"github.com/loomwork/conclave/internal/orchestrator"
	"github.com/loomwork/conclave/internal/settings"
	"github.com/loomwork/conclave/internal/telemetry"
)

var (
	flagStorageDir string
	flagSettings   string
	flagProvider   string
)

var rootCmd = &cobra.Command{
	Use:   "conclave",
	Short: "Multi-agent orchestration engine",
	Long: `Conclave runs several long-lived agents cooperatively on a single
task, routing them through a publish/subscribe message ledger until a
configured terminal condition fires.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagStorageDir, "storage-dir", "", "Cluster state directory (default: settings value or ~/.conclave)")
	rootCmd.PersistentFlags().StringVar(&flagSettings, "settings", "", "Path to settings.toml (default: <storage-dir>/settings.toml)")
	rootCmd.PersistentFlags().StringVar(&flagProvider, "provider", "", "Task runner provider: claude, codex, or gemini (default: settings value or claude)")
}

// Execute runs the CLI and returns the terminal error, if any. Exit
// code mapping happens in package main.
func Execute() error {
	return rootCmd.Execute()
}

// openOrchestrator resolves settings and storage layout, then opens the
// registry every subcommand operates on.
func openOrchestrator() (*orchestrator.Orchestrator, *settings.File, error) {
	storageDir := flagStorageDir
	settingsPath := flagSettings

	if settingsPath == "" && storageDir != "" {
		settingsPath = filepath.Join(storageDir, "settings.toml")
	}
	if settingsPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, nil, fmt.Errorf("resolving home directory: %w", err)
		}
		settingsPath = filepath.Join(home, ".conclave", "settings.toml")
	}

	sf, err := settings.Load(settingsPath)
	if err != nil {
		return nil, nil, err
	}

	if storageDir == "" {
		storageDir = sf.StorageDir
	}
	if storageDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, nil, fmt.Errorf("resolving home directory: %w", err)
		}
		storageDir = filepath.Join(home, ".conclave")
	}

	provider := flagProvider
	if provider == "" {
		provider = sf.DefaultProvider
	}
	if provider == "" {
		provider = "claude"
	}

	newRunner, textEvents, err := cluster.NewRunnerFactory(provider)
	if err != nil {
		return nil, nil, err
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, nil, fmt.Errorf("resolving working directory: %w", err)
	}

	deps := cluster.Deps{
		Settings:   sf.ToExternal(),
		NewRunner:  newRunner,
		TextEvents: textEvents,
		Cwd:        cwd,
		Env:        os.Environ(),
		Isolated:   startIsolated,
		Broadcast:  sf.BroadcastConfig(),
		Telemetry:  meters,
	}

	o, err := orchestrator.Open(storageDir, deps)
	if err != nil {
		return nil, nil, err
	}
	return o, sf, nil
}

// meters is populated by SetupTelemetry before Execute runs.
var meters *telemetry.Meters

// SetupTelemetry installs the OTel providers and stashes the metric
// recorders for every subcommand. Returns the shutdown func.
func SetupTelemetry(version string) (func() error, error) {
	p, shutdown, err := telemetry.Setup("conclave", version)
	if err != nil {
		return nil, err
	}
	meters = &p.Meters
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdown(ctx)
	}, nil
}
