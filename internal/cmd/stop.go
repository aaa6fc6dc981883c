package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var stopCmd = &cobra.Command{
	Use:   "stop <cluster-id>",
	Short: "Gracefully stop a running cluster",
	Long: `Gracefully stop a running cluster: cancel in-flight agent runs,
drain the message bus, and flush persisted state. The cluster can be
resumed later with 'conclave resume'.`,
	Args: cobra.ExactArgs(1),
	RunE: runStop,
}

var killAllFlag bool

var killCmd = &cobra.Command{
	Use:   "kill [cluster-id]",
	Short: "Stop a cluster without draining and remove its state",
	Long: `Stop a cluster without draining in-flight work, then remove its
persisted ledger and registry entry from disk.

Examples:
  conclave kill 1b9f...      # Kill one cluster
  conclave kill --all        # Kill every tracked cluster`,
	Args: cobra.MaximumNArgs(1),
	RunE: runKill,
}

func init() {
	killCmd.Flags().BoolVar(&killAllFlag, "all", false, "Kill every tracked cluster")
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(killCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	o, _, err := openOrchestrator()
	if err != nil {
		return err
	}
	defer o.Close()

	if err := o.Stop(args[0]); err != nil {
		return err
	}
	fmt.Printf("cluster %s stopped\n", args[0])
	return nil
}

func runKill(cmd *cobra.Command, args []string) error {
	o, _, err := openOrchestrator()
	if err != nil {
		return err
	}
	defer o.Close()

	if killAllFlag {
		if len(args) > 0 {
			return fmt.Errorf("pass either a cluster id or --all, not both")
		}
		return o.KillAll()
	}
	if len(args) != 1 {
		return fmt.Errorf("pass a cluster id or --all")
	}
	if err := o.Kill(args[0]); err != nil {
		return err
	}
	fmt.Printf("cluster %s killed\n", args[0])
	return nil
}
