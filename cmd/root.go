package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

const version = "0.3.0"

var rootCmd = &cobra.Command{
	Use:     "worldbox",
	Short:   "Policy-gated command execution in isolated worlds",
	Long:    `worldbox intercepts agent commands, evaluates them against a policy, and runs the allowed ones inside isolated execution worlds with recorded, replayable spans.`,
	Version: version,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
