package main

import (
	"encoding/json"
	"errors"

	"github.com/spf13/cobra"
)

var errNotSignedIn = errors.New("no user info returned; run login first")

// getWhoamiCmd returns the definition of the whoami command.
func getWhoamiCmd(root *rootEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Register the page and print the user info returned by the identity service.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := root.open()
			if err != nil {
				return err
			}
			defer env.close()

			token := env.session.AccessToken()
			if token.IsEmpty() {
				return errNotSignedIn
			}

			return printYAML(cmd.OutOrStdout(), plainValues(map[string]any(token)))
		},
	}
}

// plainValues turns json.Number into int64 or float64 so numbers are not
// quoted in YAML output.
func plainValues(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = plainValues(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = plainValues(val)
		}
		return out
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	default:
		return v
	}
}
