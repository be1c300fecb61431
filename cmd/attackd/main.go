// Command attackd runs the attack scheduler against a simulated host.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "attackd",
		Short:         "Plan, pack and dispatch attacks against a simulated host",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "path to the YAML configuration file")
	root.PersistentFlags().String("scenario", "configs/scenario.yaml", "path to the YAML host scenario")

	root.AddCommand(newRunCmd(), newPlanCmd())
	return root
}
