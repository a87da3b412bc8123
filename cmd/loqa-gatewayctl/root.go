package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var version = "0.1.0-dev"

// clientConfig is resolved from flags, LOQA_* environment variables and an
// optional config file, in that order of precedence.
type clientConfig struct {
	Addr    string        `mapstructure:"addr"`
	NATS    string        `mapstructure:"nats"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
	Verbose bool          `mapstructure:"verbose"`
}

var (
	cfgFile   string
	activeCfg clientConfig
)

func NewRootCmd() *cobra.Command {
	activeCfg = clientConfig{}
	cfgFile = ""

	cmd := &cobra.Command{
		Use:           "loqa-gatewayctl",
		Short:         "Submit and inspect loqa-gateway jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			loaded, err := loadClientConfig(cmd, cfgFile)
			if err != nil {
				return err
			}
			activeCfg = loaded
			setupLogger(loaded.Verbose)
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Optional client config file (yaml|toml|json)")
	flags.String("addr", "http://localhost:8080", "Gateway HTTP base URL")
	flags.String("nats", "", "Use the NATS bus at this URL instead of HTTP")
	flags.String("api-key", "", "API key or bearer token (env LOQA_API_KEY)")
	flags.Duration("timeout", 2*time.Minute, "Overall request timeout")
	flags.BoolP("verbose", "v", false, "Enable debug logging")

	cmd.AddCommand(newSubmitCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newCancelCmd())
	cmd.AddCommand(newStreamCmd())
	cmd.AddCommand(newTokenCmd())
	cmd.AddCommand(newValidateConfigCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func loadClientConfig(cmd *cobra.Command, file string) (clientConfig, error) {
	v := viper.New()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return clientConfig{}, fmt.Errorf("bind flags: %w", err)
	}
	if err := v.BindPFlag("api_key", cmd.Flags().Lookup("api-key")); err != nil {
		return clientConfig{}, fmt.Errorf("bind api-key: %w", err)
	}

	v.SetEnvPrefix("LOQA")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return clientConfig{}, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("loqa-gatewayctl")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return clientConfig{}, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg clientConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return clientConfig{}, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Timeout <= 0 {
		return clientConfig{}, errors.New("timeout must be positive")
	}
	return cfg, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the client version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version)
			return err
		},
	}
}

func setupLogger(verbose bool) {
	lvl := slog.LevelWarn
	if verbose {
		lvl = slog.LevelDebug
	}
	h := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(h))
}

// newTransport picks the bus when nats is configured and HTTP otherwise.
func newTransport() (transport, error) {
	if activeCfg.NATS != "" {
		return dialBus(activeCfg.NATS, activeCfg.Timeout)
	}
	if activeCfg.Addr == "" {
		return nil, errors.New("either --addr or --nats is required")
	}
	return newHTTPTransport(activeCfg.Addr, activeCfg.Timeout), nil
}
