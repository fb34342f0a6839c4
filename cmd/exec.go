package cmd

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/worldbox/worldbox/internal/agentapi"
	"github.com/worldbox/worldbox/internal/budget"
	"github.com/worldbox/worldbox/internal/logx"
)

// deniedExitCode mirrors the shell convention for "found but not executable".
const deniedExitCode = 126

var execAgentID string

var execCmd = &cobra.Command{
	Use:   "exec -- <command> [args...]",
	Short: "Run one command through policy and a world",
	Long: `Evaluate a single command against the live policy and, when allowed,
execute it inside a world. Denied commands exit with code 126.`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runExec(cmd.Context(), args))
	},
}

func runExec(ctx context.Context, args []string) int {
	_, closeLogs, err := logx.Init("worldbox")
	if err != nil {
		fmt.Fprintf(os.Stderr, "worldbox: %v\n", err)
		return 1
	}
	defer closeLogs()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	gw, err := buildGateway(ctx, "cli")
	if err != nil {
		fmt.Fprintf(os.Stderr, "worldbox: %v\n", err)
		return 1
	}
	defer gw.Close()

	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "worldbox: %v\n", err)
		return 1
	}

	cmdline := strings.Join(args, " ")

	// The fast path rejects before any world work happens.
	if dec := gw.broker.QuickCheck(args, cwd); !dec.Allowed() {
		fmt.Fprintf(os.Stderr, "worldbox: denied: %s", dec.Reason)
		if dec.Pattern != "" {
			fmt.Fprintf(os.Stderr, " (pattern %q)", dec.Pattern)
		}
		fmt.Fprintln(os.Stderr)
		return deniedExitCode
	}

	resp, err := gw.svc.Execute(ctx, agentapi.ExecuteRequest{
		AgentID: execAgentID,
		Cmd:     cmdline,
		Cwd:     cwd,
	})
	if err != nil {
		var denied *agentapi.DeniedError
		switch {
		case errors.As(err, &denied):
			fmt.Fprintf(os.Stderr, "worldbox: denied: %s\n", denied.Reason)
			return deniedExitCode
		case errors.Is(err, budget.ErrExhausted):
			fmt.Fprintf(os.Stderr, "worldbox: %v\n", err)
			return deniedExitCode
		default:
			fmt.Fprintf(os.Stderr, "worldbox: %v\n", err)
			return 1
		}
	}

	if b, err := base64.StdEncoding.DecodeString(resp.StdoutB64); err == nil {
		os.Stdout.Write(b)
	}
	if b, err := base64.StdEncoding.DecodeString(resp.StderrB64); err == nil {
		os.Stderr.Write(b)
	}
	return resp.Exit
}

func init() {
	rootCmd.AddCommand(execCmd)
	execCmd.Flags().StringVar(&execAgentID, "agent-id", "cli", "Caller identity recorded on the span")
}
