package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// getLogoutCmd returns the definition of the logout command.
func getLogoutCmd(root *rootEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "End the session at the identity service.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := root.open()
			if err != nil {
				return err
			}
			defer env.close()

			reloads := env.page.Reloads()
			env.session.Logoff()
			env.session.Wait()

			if env.page.Reloads() == reloads {
				return fmt.Errorf("logout failed: %w", env.session.LastError())
			}

			fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
			return nil
		},
	}
}
