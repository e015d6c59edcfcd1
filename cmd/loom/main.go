package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/internal/cli"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "loom",
		Short: "Loom - session memory and plan orchestration for agent workloads",
		Long: `Loom keeps per-session conversation history, vector memory, and
step-by-step plans in a local store, and drives plan execution through
registered agent executors.`,
	}

	rootCmd.AddCommand(cli.SessionCmd())
	rootCmd.AddCommand(cli.PlanCmd())
	rootCmd.AddCommand(cli.MemoryCmd())
	rootCmd.AddCommand(cli.WatchCmd())
	rootCmd.AddCommand(cli.TransitionsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
