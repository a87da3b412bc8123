package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/loqalabs/loqa-gateway/internal/auth"
	"github.com/spf13/cobra"
)

func newTokenCmd() *cobra.Command {
	var (
		secret string
		ttl    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed bearer token for the configured API key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if secret == "" {
				return errors.New("--secret is required")
			}
			if activeCfg.APIKey == "" {
				return errors.New("--api-key is required")
			}
			if ttl <= 0 {
				return errors.New("--ttl must be positive")
			}
			token, err := auth.IssueToken(secret, activeCfg.APIKey, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}

	cmd.Flags().StringVar(&secret, "secret", os.Getenv("LOQA_JWT_SECRET"), "Signing secret (default $LOQA_JWT_SECRET)")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")

	return cmd
}
