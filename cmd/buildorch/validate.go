package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"buildorch/internal/app"
)

func newValidateCommand() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a config file and print what it declares",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, reg, err := app.Load(cfgPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, p := range reg.Projects() {
				fmt.Fprintf(out, "project %s: %d builders, %d schedulers, %d workers, %d notification rules\n",
					p.Name, len(p.Builders), len(p.Schedulers), len(p.Workers), len(p.Notifications))
			}
			fmt.Fprintln(out, "ok")
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "./buildorch.yaml", "path to config (yaml or json)")
	return cmd
}
