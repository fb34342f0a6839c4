package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/worldbox/worldbox/internal/policy"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect and validate policy files",
}

var policyValidateCmd = &cobra.Command{
	Use:   "validate [path]",
	Short: "Validate a policy file against the schema",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := policyPath
		if len(args) == 1 {
			path = args[0]
		}
		if path == "" {
			return fmt.Errorf("a policy path is required")
		}
		p, err := policy.Load(path)
		if err != nil {
			return err
		}
		fmt.Printf("%s: valid\n", path)
		fmt.Printf("  id:     %s\n", p.ID)
		fmt.Printf("  name:   %s\n", p.Name)
		fmt.Printf("  mode:   %s\n", p.Mode)
		fmt.Printf("  commit: %s\n", p.Commit)
		return nil
	},
}

var policyShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective policy for the current directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := projectDir
		if dir == "" {
			wd, err := os.Getwd()
			if err != nil {
				return err
			}
			dir = wd
		}

		var p *policy.Policy
		var src string
		var err error
		if policyPath != "" {
			p, err = policy.Load(policyPath)
			src = policyPath
		} else {
			p, src, err = policy.FindForCwd(dir)
		}
		if err != nil {
			return err
		}
		if src == "" {
			src = "(built-in default)"
		}
		fmt.Printf("# source: %s\n", src)
		out, err := yaml.Marshal(p)
		if err != nil {
			return err
		}
		os.Stdout.Write(out)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(policyCmd)
	policyCmd.AddCommand(policyValidateCmd)
	policyCmd.AddCommand(policyShowCmd)
}
