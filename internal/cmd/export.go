package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/loomwork/conclave/internal/orchestrator"
)

var (
	exportFormat string
	exportOut    string
)

var exportCmd = &cobra.Command{
	Use:   "export <cluster-id>",
	Short: "Export a cluster's message log",
	Long: `Export a cluster's full message log.

Formats:
  json       Byte-for-byte reproducible from the ledger
  markdown   Human-readable log with validation summaries

Examples:
  conclave export 1b9f... --format markdown
  conclave export 1b9f... --format json -o cluster.json`,
	Args: cobra.ExactArgs(1),
	RunE: runExport,
}

func init() {
	exportCmd.Flags().StringVar(&exportFormat, "format", "json", "Export format: json or markdown")
	exportCmd.Flags().StringVarP(&exportOut, "output", "o", "", "Write to a file instead of stdout")
	rootCmd.AddCommand(exportCmd)
}

func runExport(cmd *cobra.Command, args []string) error {
	o, _, err := openOrchestrator()
	if err != nil {
		return err
	}
	defer o.Close()

	out, err := o.Export(args[0], orchestrator.ExportFormat(exportFormat))
	if err != nil {
		return err
	}

	if exportOut != "" {
		return os.WriteFile(exportOut, []byte(out), 0o644)
	}
	fmt.Println(out)
	return nil
}
