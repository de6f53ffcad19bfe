package main

import (
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var cfgPath string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "taskhive",
		Short:         "Task automation runtime",
		Long:          "taskhive runs a directory of declarative tasks on cron schedules, intervals, one-shot dates and event-bus triggers.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Missing .env is the normal case; real overrides come from it.
			_ = godotenv.Load()
		},
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "./taskhive.yaml", "path to the daemon config file")

	root.AddCommand(newServeCmd())
	root.AddCommand(newTaskCmd())
	root.AddCommand(newModulesCmd())
	return root
}
