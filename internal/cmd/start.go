package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loomwork/conclave/internal/cluster"
	"github.com/loomwork/conclave/internal/clusterconfig"
	"github.com/loomwork/conclave/internal/external"
	"github.com/loomwork/conclave/internal/orchestrator"
)

var (
	startConfig   string
	startText     string
	startFile     string
	startTitle    string
	startDetach   bool
	startIsolated bool
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a new cluster from a cluster configuration",
	Long: `Start a new cluster from a cluster configuration file.

The input (--text or --file) becomes the seed ISSUE_OPENED message.
Unless --detach is given, start waits for the cluster to reach a
terminal state and stops it cleanly on Ctrl-C.

Examples:
  conclave start --config cluster.json --text "Implement feature X"
  conclave start --config cluster.toml --file issue.md --detach`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().StringVar(&startConfig, "config", "", "Path to cluster config (.json or .toml)")
	startCmd.Flags().StringVar(&startText, "text", "", "Free-text task input")
	startCmd.Flags().StringVar(&startFile, "file", "", "Read task input from a file")
	startCmd.Flags().StringVar(&startTitle, "title", "", "Title recorded on the seed message")
	startCmd.Flags().BoolVar(&startDetach, "detach", false, "Return immediately after the cluster starts")
	startCmd.Flags().BoolVar(&startIsolated, "isolated", false, "Agent runs execute inside the container isolation manager")
	_ = startCmd.MarkFlagRequired("config")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := clusterconfig.Load(startConfig)
	if err != nil {
		return err
	}

	input, err := resolveInput()
	if err != nil {
		return err
	}

	o, _, err := openOrchestrator()
	if err != nil {
		return err
	}
	defer o.Close()

	c, err := o.Start(*cfg, input)
	if err != nil {
		return err
	}
	fmt.Printf("cluster %s started\n", c.ID())

	if startDetach {
		return nil
	}
	return waitForStop(o, c)
}

func resolveInput() (external.InputSource, error) {
	text := startText
	if startFile != "" {
		data, err := os.ReadFile(startFile)
		if err != nil {
			return external.InputSource{}, fmt.Errorf("reading input file %s: %w", startFile, err)
		}
		text = string(data)
	}
	if text == "" {
		return external.InputSource{}, fmt.Errorf("no task input: pass --text or --file")
	}

	in := external.InputSource{Text: text}
	if startTitle != "" {
		in.Data = map[string]any{"title": startTitle}
	}
	return in, nil
}

// waitForStop blocks until the cluster reaches a terminal state,
// converting Ctrl-C into a graceful stop (exit code 130 is applied by
// package main when ErrInterrupted surfaces).
func waitForStop(o *orchestrator.Orchestrator, c *cluster.Controller) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-sigCh:
			if err := o.Stop(c.ID()); err != nil {
				return err
			}
			return ErrInterrupted
		case <-ticker.C:
			switch c.State() {
			case cluster.StateStopped:
				fmt.Printf("cluster %s stopped\n", c.ID())
				return nil
			case cluster.StateFailed:
				return fmt.Errorf("cluster %s failed: %s", c.ID(), c.Failure())
			}
		}
	}
}

// ErrInterrupted marks a run the operator cancelled with Ctrl-C.
var ErrInterrupted = fmt.Errorf("interrupted")
