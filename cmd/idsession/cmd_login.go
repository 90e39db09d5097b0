package main

import (
	"bufio"
	"fmt"
	"io"

	"github.com/jamesread/idsession/browser"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// getLoginCmd returns the definition of the login command.
func getLoginCmd(root *rootEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Start an interactive login.",
		Long: `
Without --redirect-url the login page is printed and treated as an open popup
until Enter is pressed, after which the user info is fetched again.
With --redirect-url the page navigates to the login page, which is printed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := root.open()
			if err != nil {
				return err
			}
			defer env.close()

			out := cmd.OutOrStdout()
			env.page.SetOpener(terminalOpener(out, cmd.InOrStdin()))

			before := len(env.page.History())
			env.session.Login()
			env.session.Wait()

			if history := env.page.History(); len(history) > before {
				fmt.Fprintf(out, "Continue login at:\n%s\n", history[len(history)-1])
				return nil
			}

			env.session.GetUserInfo()
			env.session.Wait()

			token := env.session.AccessToken()
			if token.IsEmpty() {
				return errNotSignedIn
			}

			return printYAML(out, plainValues(map[string]any(token)))
		},
	}
}

// terminalOpener shows the login URL and closes the window once a line is
// read from in.
func terminalOpener(out io.Writer, in io.Reader) browser.Opener {
	return func(rawURL, features string) browser.Window {
		fmt.Fprintf(out, "Open this URL in a browser, then press Enter:\n%s\n", rawURL)

		win := browser.NewManualWindow()

		go func() {
			if _, err := bufio.NewReader(in).ReadString('\n'); err != nil && err != io.EOF {
				log.WithError(err).Warn("Failed to read from stdin")
			}
			win.Close()
		}()

		return win
	}
}
