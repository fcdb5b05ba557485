package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"kanban/api/internal/auth"
)

func tokenCmd(load configLoader) *cobra.Command {
	var (
		name string
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <member>",
		Short: "Sign a bearer token for a member with the configured secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if name == "" {
				name = args[0]
			}
			token, err := auth.IssueToken([]byte(cfg.JWTSecret), args[0], name, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name (defaults to the member)")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	return cmd
}
