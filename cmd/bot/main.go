package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "videobot",
		Short: "Telegram video generation bot",
		Long:  `videobot runs the Telegram bot, its admin API and the background recovery jobs.`,
		// Bare invocation starts the bot.
		RunE:         runServe,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		newServeCommand(),
		newMigrateCommand(),
		newSweepCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
