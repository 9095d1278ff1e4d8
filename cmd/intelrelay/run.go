package main

import (
	"github.com/spf13/cobra"

	"intelrelay/internal/app"
)

func newRunCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the relay (default command)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := app.New(*cfgPath)
			if err != nil {
				return err
			}
			return a.Run(cmd.Context())
		},
	}
}
