package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "buildorch",
		Short:         "Continuous integration build orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(
		newServeCommand(),
		newValidateCommand(),
		newStatusCommand(),
		newCancelCommand(),
		newForceCommand(),
		newTreeCommand(),
		newWorkerCommand(),
	)
	return cmd
}
