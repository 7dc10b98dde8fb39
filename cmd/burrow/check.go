package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/burrow/pkg/coord"
	"github.com/cuemby/burrow/pkg/preflight"
	"github.com/cuemby/burrow/pkg/runner"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check that this host can run the worker",
	Long: `Check for passwordless sudo, the Mullvad CLI, tshark, geckodriver,
the browser binary and a reachable coordination server.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		checks := preflight.WorkerChecks(runner.NewExecRunner(), coord.NormalizeServer(cfg.Server), cfg.Firefox, cfg.GeckoDriver)
		reports, ok := preflight.Run(context.Background(), checks, preflight.DefaultTimeout)

		for _, r := range reports {
			mark := "✓"
			if !r.Healthy {
				mark = "✗"
			}
			fmt.Printf("%s %-12s %s\n", mark, r.Name, r.Message)
		}

		if !ok {
			return errors.New("host is missing requirements")
		}
		fmt.Println()
		fmt.Println("✓ Host is ready")
		return nil
	},
}

func init() {
	// Shares the run flags so check sees the same configuration
	checkCmd.Flags().AddFlagSet(newRunCmd().Flags())
}
