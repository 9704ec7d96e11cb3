package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"ralphml/internal/history"
	"ralphml/internal/log"
	"ralphml/internal/orchestrator"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a new run",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		runDir := cfg.RunDir(time.Now())
		if err := os.MkdirAll(runDir, 0o755); err != nil {
			return fmt.Errorf("creating run dir: %w", err)
		}
		if err := writeResolvedConfig(runDir); err != nil {
			return err
		}
		return runLoop(cmd, runDir)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <run-dir>",
	Short: "Resume an interrupted run from its directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		runDir := args[0]
		statePath := filepath.Join(runDir, "state", orchestrator.StateFileName)
		if _, err := os.Stat(statePath); err != nil {
			return fmt.Errorf("no run state at %s: %w", statePath, err)
		}
		return runLoop(cmd, runDir)
	},
}

// runLoop wires the orchestrator with a history store and a
// signal-aware context, then drives the run to completion.
func runLoop(cmd *cobra.Command, runDir string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hist, err := history.Open(ctx, filepath.Join(cfg.Paths.RunsDir, "history.db"))
	if err != nil {
		// Losing the queryable index is survivable; the run still has
		// its state file and event log.
		log.Warn("history db unavailable", zap.Error(err))
		hist = nil
	} else {
		defer hist.Close()
	}

	o, err := orchestrator.New(cfg, runDir, orchestrator.Options{History: hist})
	if err != nil {
		return err
	}

	fmt.Printf("run directory: %s\n", runDir)
	return o.Run(ctx)
}

func writeResolvedConfig(runDir string) error {
	data, err := cfg.JSON()
	if err != nil {
		return err
	}
	path := filepath.Join(runDir, "resolved_config.json")
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

func init() {
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(resumeCmd)
}
