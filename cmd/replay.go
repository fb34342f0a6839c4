package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/worldbox/worldbox/internal/logx"
	"github.com/worldbox/worldbox/internal/replay"
)

var replayCmd = &cobra.Command{
	Use:   "replay <span-id>",
	Short: "Re-run a recorded span in a fresh isolated world",
	Long: `Load a recorded span, report how the current environment differs from
the one captured at record time, and re-execute the command in a fresh
ephemeral world that is discarded afterwards.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runReplay(cmd, args[0]))
	},
}

func runReplay(cmd *cobra.Command, spanID string) int {
	_, closeLogs, err := logx.Init("worldbox")
	if err != nil {
		fmt.Fprintf(os.Stderr, "worldbox: %v\n", err)
		return 1
	}
	defer closeLogs()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	gw, err := buildGateway(ctx, "cli")
	if err != nil {
		fmt.Fprintf(os.Stderr, "worldbox: %v\n", err)
		return 1
	}
	defer gw.Close()

	rp := replay.New(gw.store, gw.backend, replay.Config{
		ProjectDir:   gw.projectDir,
		PolicyID:     gw.policy.ID,
		PolicyCommit: gw.policy.Commit,
		ImageVersion: imageVersion,
	})
	res, err := rp.Run(ctx, spanID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "worldbox: replay: %v\n", err)
		return 1
	}

	fmt.Printf("replayed %s as %s in world %s\n", spanID, res.NewSpanID, res.WorldID)
	if len(res.Drift) > 0 {
		fmt.Printf("environment drift (%d fields):\n", len(res.Drift))
		for _, d := range res.Drift {
			fmt.Printf("  %s\n", d)
		}
	}
	match := "matches"
	if !res.ExitMatch {
		match = fmt.Sprintf("differs from recorded %d", res.Span.Exit)
	}
	fmt.Printf("exit %d (%s), %dms\n", res.Exit, match, res.DurationMS)
	os.Stdout.Write(res.Stdout)
	os.Stderr.Write(res.Stderr)
	return res.Exit
}

func init() {
	rootCmd.AddCommand(replayCmd)
}
