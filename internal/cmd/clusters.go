package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var listJSON bool

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List every cluster tracked in the storage directory",
	RunE:  runList,
}

var statusCmd = &cobra.Command{
	Use:   "status <cluster-id>",
	Short: "Show one cluster's state",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func init() {
	listCmd.Flags().BoolVar(&listJSON, "json", false, "Output as JSON")
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(statusCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	o, _, err := openOrchestrator()
	if err != nil {
		return err
	}
	defer o.Close()

	records := o.ListClusters()

	if listJSON {
		b, err := json.MarshalIndent(records, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(b))
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATE\tAGENTS\tCREATED")
	for _, rec := range records {
		created := time.UnixMilli(rec.CreatedAt).Local().Format("2006-01-02 15:04:05")
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", rec.ID, rec.State, len(rec.Config.Agents), created)
	}
	return w.Flush()
}

func runStatus(cmd *cobra.Command, args []string) error {
	o, _, err := openOrchestrator()
	if err != nil {
		return err
	}
	defer o.Close()

	rec, err := o.GetStatus(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("id:      %s\n", rec.ID)
	fmt.Printf("state:   %s\n", rec.State)
	fmt.Printf("agents:  %d\n", len(rec.Config.Agents))
	fmt.Printf("created: %s\n", time.UnixMilli(rec.CreatedAt).Local().Format(time.RFC3339))
	return nil
}
