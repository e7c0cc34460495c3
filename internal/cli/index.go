package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harun/careline/internal/daemon"
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Index plan documents",
	Long:  `Sync the document index with the configured documents directory and exit.`,
	RunE:  runIndex,
}

func init() {
	rootCmd.AddCommand(indexCmd)
}

func runIndex(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadRuntime(false)
	if err != nil {
		return err
	}
	defer log.Close()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return err
	}
	defer d.Close()

	report, err := d.Index(cmd.Context())
	if err != nil {
		return fmt.Errorf("index failed: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Documents: %s\n", cfg.Knowledge.DocsDir)
	fmt.Fprintf(out, "Indexed: %d  Skipped: %d  Pruned: %d  Chunks: %d\n",
		report.FilesIndexed, report.FilesSkipped, report.FilesPruned, report.ChunksCreated)
	return nil
}
