package main

import (
	"github.com/golang-jwt/jwt/v5"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// getClaimsCmd returns the definition of the claims command.
func getClaimsCmd(root *rootEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "claims",
		Short: "Print the claims of the access token, verified when jwt settings are configured.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := root.open()
			if err != nil {
				return err
			}
			defer env.close()

			var claims jwt.MapClaims

			if env.cfg.Jwt.Configured() {
				claims, err = env.session.VerifyAccessToken(cmd.Context())
			} else {
				log.Warn("No jwt settings configured, claims are not verified")
				claims, err = env.session.Claims()
			}

			if err != nil {
				return err
			}

			return printYAML(cmd.OutOrStdout(), map[string]any(claims))
		},
	}
}
