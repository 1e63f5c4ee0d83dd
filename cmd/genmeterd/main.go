package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/genmeter/internal/config"
)

const (
	envPrefix = "GENMETER"

	flagConfigFile          = "config"
	flagDatabaseURL         = "database-url"
	flagInitialCredits      = "initial-credits"
	flagMaxRetries          = "max-retries"
	flagListenAddr          = "listen-addr"
	flagAllowedOrigins      = "allowed-origins"
	flagShutdownTimeout     = "shutdown-timeout"
	flagSessionSigningKey   = "session-signing-key"
	flagSessionIssuer       = "session-issuer"
	flagSessionCookieName   = "session-cookie-name"
	flagProviderName        = "provider-name"
	flagProviderEndpoint    = "provider-endpoint"
	flagProviderTimeout     = "provider-timeout"
	flagProviderCredentials = "provider-credentials"
	flagModel               = "model"
	flagGenerationCost      = "generation-cost"
	flagCredentialCooldown  = "credential-cooldown"
	flagRedisAddr           = "redis-addr"
	flagRedisKeyPrefix      = "redis-key-prefix"
	flagWebhookSecret       = "webhook-secret"
	flagProductTable        = "product-table"
	flagStaleAfter          = "stale-after"
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "genmeterd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "genmeterd",
		Short:         "Metered image generation daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().String(flagConfigFile, "", "optional config file (yaml, toml or json)")
	cmd.PersistentFlags().String(flagDatabaseURL, "", "database url: postgres://, pgx://, sqlite:// or memory://")
	cmd.PersistentFlags().Int64(flagInitialCredits, 0, "credits granted to a new account")
	cmd.PersistentFlags().Int(flagMaxRetries, config.DefaultMaxRetries, "retry budget per transaction; 0 disables retries")

	cmd.AddCommand(newServeCommand(), newReconcileCommand(), newRechargeCommand(), newMigrateCommand())
	return cmd
}

// loadConfig merges flags, GENMETER_* environment variables and the optional
// config file into a validated Config.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	var bindErr error
	bind := func(flag *pflag.Flag) {
		if bindErr == nil {
			bindErr = v.BindPFlag(flag.Name, flag)
		}
	}
	cmd.Flags().VisitAll(bind)
	cmd.InheritedFlags().VisitAll(bind)
	if bindErr != nil {
		return config.Config{}, bindErr
	}

	if configFile := strings.TrimSpace(v.GetString(flagConfigFile)); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return config.Config{}, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	cfg := config.Config{
		ListenAddr:          v.GetString(flagListenAddr),
		DatabaseURL:         v.GetString(flagDatabaseURL),
		AllowedOrigins:      config.ParseList(v.GetString(flagAllowedOrigins)),
		ShutdownTimeout:     v.GetDuration(flagShutdownTimeout),
		SessionSigningKey:   v.GetString(flagSessionSigningKey),
		SessionIssuer:       v.GetString(flagSessionIssuer),
		SessionCookieName:   v.GetString(flagSessionCookieName),
		ProviderName:        v.GetString(flagProviderName),
		ProviderEndpoint:    v.GetString(flagProviderEndpoint),
		ProviderTimeout:     v.GetDuration(flagProviderTimeout),
		ProviderCredentials: config.ParseList(v.GetString(flagProviderCredentials)),
		Model:               v.GetString(flagModel),
		GenerationCost:      v.GetInt64(flagGenerationCost),
		MaxRetries:          v.GetInt(flagMaxRetries),
		InitialCredits:      v.GetInt64(flagInitialCredits),
		CredentialCooldown:  v.GetDuration(flagCredentialCooldown),
		RedisAddr:           v.GetString(flagRedisAddr),
		RedisKeyPrefix:      v.GetString(flagRedisKeyPrefix),
		WebhookSecret:       v.GetString(flagWebhookSecret),
		ProductTable:        v.GetString(flagProductTable),
		StaleAfter:          v.GetDuration(flagStaleAfter),
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func newLogger() (*zap.Logger, error) {
	logger, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("zap init: %w", err)
	}
	return logger, nil
}

func nowUnixUTC() int64 {
	return time.Now().UTC().Unix()
}
