package main

import (
	"fmt"

	"github.com/loqalabs/loqa-gateway/internal/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newValidateConfigCmd() *cobra.Command {
	var show bool

	cmd := &cobra.Command{
		Use:   "validate-config <path>",
		Short: "Check a gateway config file, including environment overrides",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(args[0])
			if err != nil {
				return err
			}
			if !show {
				_, err = fmt.Fprintln(cmd.OutOrStdout(), "ok")
				return err
			}
			redact(&cfg)
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(cfg); err != nil {
				return err
			}
			return enc.Close()
		},
	}

	cmd.Flags().BoolVar(&show, "show", false, "Print the effective configuration")

	return cmd
}

func redact(cfg *config.Config) {
	for _, secret := range []*string{&cfg.Auth.APIKey, &cfg.Auth.JWTSecret, &cfg.Bus.Password, &cfg.Bus.Token} {
		if *secret != "" {
			*secret = "[redacted]"
		}
	}
}
