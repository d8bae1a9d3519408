package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"arc-sync/internal/auth"
)

type tokenFlags struct {
	subject string
	roles   []string
	ttl     time.Duration
}

func newTokenCmd() *cobra.Command {
	var flags tokenFlags

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development access token signed with jwt_secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			tok, err := auth.GenerateAccessToken(flags.subject, flags.roles, cfg.JWTSecret, flags.ttl)
			if err != nil {
				return fmt.Errorf("minting token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}

	cmd.Flags().StringVar(&flags.subject, "subject", "arcctl", "Token subject (user id)")
	cmd.Flags().StringSliceVar(&flags.roles, "roles", []string{"admin"}, "Roles to grant")
	cmd.Flags().DurationVar(&flags.ttl, "ttl", time.Hour, "Token lifetime")

	return cmd
}
