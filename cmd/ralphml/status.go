package main

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"ralphml/internal/history"
	"ralphml/internal/orchestrator"
	"ralphml/internal/state"
)

var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Show recorded runs, or the cycles of one run",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dbPath := filepath.Join(cfg.Paths.RunsDir, "history.db")
		if _, err := os.Stat(dbPath); err != nil {
			// No database yet; fall back to scanning run state files.
			return printRunsFromStateFiles(cfg.Paths.RunsDir)
		}
		store, err := history.Open(cmd.Context(), dbPath)
		if err != nil {
			return err
		}
		defer store.Close()

		if len(args) == 1 {
			return printRun(cmd, store, args[0])
		}
		return printRuns(cmd, store)
	},
}

func printRuns(cmd *cobra.Command, store *history.Store) error {
	runs, err := store.ListRuns(cmd.Context())
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("no runs recorded")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tSTATUS\tCYCLES\tTARGET\tBEST\tSTARTED")
	for _, run := range runs {
		best := "-"
		if run.BestMetric != nil {
			best = fmt.Sprintf("%.4f @%d", *run.BestMetric, run.BestCycle)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s %.4f\t%s\t%s\n",
			run.RunID, run.Status, run.CurrentCycle, run.TargetName, run.TargetValue, best, run.StartedAt)
	}
	return w.Flush()
}

func printRun(cmd *cobra.Command, store *history.Store, runID string) error {
	run, found, err := store.GetRun(cmd.Context(), runID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("run %s not found", runID)
	}

	fmt.Printf("run %s (%s)\n", run.RunID, run.Status)
	fmt.Printf("dir: %s\n", run.RunDir)
	fmt.Printf("target: %s %.4f (%s)\n\n", run.TargetName, run.TargetValue, run.Direction)

	cycles, err := store.ListCycles(cmd.Context(), runID)
	if err != nil {
		return err
	}
	if len(cycles) == 0 {
		fmt.Println("no cycles recorded")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CYCLE\tMETRIC\tDECISION\tTIMED OUT")
	for _, c := range cycles {
		value := "-"
		if c.MetricValue != nil {
			value = fmt.Sprintf("%.4f", *c.MetricValue)
		}
		timedOut := ""
		if c.TimedOut {
			timedOut = "yes"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", c.Cycle, value, c.DecisionAction, timedOut)
	}
	return w.Flush()
}

// printRunsFromStateFiles lists runs by reading each run directory's
// state file directly, for installs where the history db was lost or
// never created.
func printRunsFromStateFiles(runsDir string) error {
	entries, err := os.ReadDir(runsDir)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("no runs recorded")
			return nil
		}
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tSTATUS\tCYCLES\tTARGET\tBEST\tSTARTED")
	found := false
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		st, err := state.Load(filepath.Join(runsDir, entry.Name(), "state", orchestrator.StateFileName))
		if err != nil {
			continue
		}
		found = true
		best := "-"
		if st.BestMetric != nil {
			best = fmt.Sprintf("%.4f @%d", *st.BestMetric, st.BestCycle)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s %.4f\t%s\t%s\n",
			st.RunID, st.Status, st.CurrentCycle, st.Target.Name, st.Target.Value, best, st.StartTime)
	}
	if !found {
		fmt.Println("no runs recorded")
		return nil
	}
	return w.Flush()
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
