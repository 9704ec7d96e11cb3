package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"ralphml/internal/history"
	"ralphml/internal/log"
	"ralphml/internal/orchestrator"
	"ralphml/internal/report"
	"ralphml/internal/state"
)

var reportCmd = &cobra.Command{
	Use:   "report <run-dir>",
	Short: "Write a markdown summary of a run into its reports directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		runDir := args[0]
		st, err := state.Load(filepath.Join(runDir, "state", orchestrator.StateFileName))
		if err != nil {
			return err
		}

		// Cycle rows enrich the report but the state file alone suffices.
		var cycles []history.CycleRow
		dbPath := filepath.Join(cfg.Paths.RunsDir, "history.db")
		if store, err := history.Open(cmd.Context(), dbPath); err == nil {
			cycles, err = store.ListCycles(cmd.Context(), st.RunID)
			if err != nil {
				log.Warn("listing cycles failed", zap.Error(err))
			}
			store.Close()
		}

		md := report.Generate(st, cycles)
		path := filepath.Join(runDir, "reports", "summary.md")
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte(md), 0o644); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", path)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(reportCmd)
}
