package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"intelrelay/internal/app"
)

func newVerifyCmd(cfgPath *string) *cobra.Command {
	var skipProbe bool
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check the config, stored session, instance lock and model endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			checks, err := app.Verify(cmd.Context(), *cfgPath, app.VerifyOptions{SkipProbe: skipProbe})
			for _, c := range checks {
				if _, werr := fmt.Fprintln(cmd.OutOrStdout(), c); werr != nil {
					return werr
				}
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&skipProbe, "offline", false, "do not call the model endpoint")
	return cmd
}
