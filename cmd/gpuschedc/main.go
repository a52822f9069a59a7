// Command gpuschedc is the scheduler's CLI: `schedule` runs the full
// graph-to-kernel-plan pipeline over a YAML model file and prints the
// resulting kernel plan; `profile` exercises the profiler hook standalone
// over the same input.
package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "gpuschedc",
	Short: "Schedules an op graph onto GPU kernel launches",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		logrus.SetLevel(level)
		return nil
	},
}

func main() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log", "info", "Log level (debug, info, warn, error)")
	rootCmd.AddCommand(newScheduleCmd())
	rootCmd.AddCommand(newProfileCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
