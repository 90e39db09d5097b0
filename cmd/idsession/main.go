// Command idsession drives an identity service session from the terminal.
package main

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	if err := getRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// getRootCmd returns the root command with every subcommand attached.
func getRootCmd() *cobra.Command {
	env := &rootEnv{}

	cmd := &cobra.Command{
		Use:   "idsession",
		Short: "Register a page with an identity service and inspect the signed in user.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return env.setupLogging()
		},
		SilenceUsage: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&env.configPath, "config", "", "Path to a YAML config file")
	flags.StringVar(&env.logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error)")
	flags.StringVar(&env.clientID, "client-id", "", "Client id registered with the identity service")
	flags.StringVar(&env.redirectURL, "redirect-url", "", "Redirect URL for login; empty means popup mode")
	flags.BoolVar(&env.cookie, "cookie", false, "Ask the identity service to use cookie mode")
	flags.StringVar(&env.pageURL, "page-url", defaultPageURL, "URL of the page the session belongs to")

	cmd.AddCommand(
		getWhoamiCmd(env),
		getLoginCmd(env),
		getLogoutCmd(env),
		getClaimsCmd(env),
	)

	return cmd
}

func (e *rootEnv) setupLogging() error {
	level, err := log.ParseLevel(e.logLevel)
	if err != nil {
		return err
	}

	log.SetLevel(level)
	log.SetOutput(os.Stderr)
	return nil
}
