package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"intelrelay/internal/app"
)

func newLoginCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Store a new bot session interactively",
		Long:  "login prompts for a bot token, verifies it against Telegram and writes the session file named in the config. An existing session is replaced.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			id, err := app.Login(cmd.Context(), *cfgPath, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "session ready for %s\n", id)
			return err
		},
	}
}
