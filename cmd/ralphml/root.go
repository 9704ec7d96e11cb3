package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"ralphml/internal/config"
	"ralphml/internal/log"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "ralphml",
	Short: "Autonomous ML improvement loop",
	Long: `ralphml repeatedly asks an external coding agent to improve training
code, runs the training, and keeps the best result. Each run lives in
its own directory with full state, logs, and artifacts.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// init must work before any config file exists.
		if cmd.Name() == "init" {
			return nil
		}
		var err error
		cfg, err = config.Load(cfgFile, nil)
		if err != nil {
			return err
		}
		return log.Init(cfg.Logging.Level, cfg.Logging.File)
	},
}

// Execute runs the CLI, printing the failure before returning it.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ralphml: %v\n", err)
	}
	log.Sync()
	return err
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./ralphml.yaml)")
}
