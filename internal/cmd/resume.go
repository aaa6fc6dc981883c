package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var resumeDetach bool

var resumeCmd = &cobra.Command{
	Use:   "resume <cluster-id>",
	Short: "Resume a stopped cluster from its persisted ledger",
	Long: `Resume a stopped cluster: reconstruct the ledger from disk,
re-subscribe every handler, and re-enter the running state. No new
seed message is published. Resuming a running cluster fails.`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

func init() {
	resumeCmd.Flags().BoolVar(&resumeDetach, "detach", false, "Return immediately after the cluster resumes")
	rootCmd.AddCommand(resumeCmd)
}

func runResume(cmd *cobra.Command, args []string) error {
	o, _, err := openOrchestrator()
	if err != nil {
		return err
	}
	defer o.Close()

	c, err := o.Resume(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("cluster %s resumed\n", c.ID())

	if resumeDetach {
		return nil
	}
	return waitForStop(o, c)
}
