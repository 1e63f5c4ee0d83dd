package main

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/genmeter/internal/apiclient"
	"github.com/MarkoPoloResearchLab/genmeter/pkg/generation"
	"github.com/MarkoPoloResearchLab/genmeter/pkg/retry"
)

const (
	envPrefix = "GENMETER"

	flagBaseURL           = "base-url"
	flagTimeout           = "timeout"
	flagSessionCookieName = "session-cookie-name"
	flagSessionToken      = "session-token"
	flagUserID            = "user-id"
	flagPrompt            = "prompt"
	flagImages            = "images"
	flagModel             = "model"
	flagRequestKey        = "request-key"
	flagTransactionID     = "transaction-id"
	flagMaxRetries        = "max-retries"
	flagOutput            = "output"
	flagVerbose           = "verbose"

	defaultMaxRetries = 2
)

type clientConfig struct {
	api     apiclient.Config
	userID  string
	verbose bool
}

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "genmeter: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "genmeter",
		Short:         "Client for the genmeter daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := cmd.PersistentFlags()
	flags.String(flagBaseURL, "http://localhost:8080", "daemon base url")
	flags.Duration(flagTimeout, 0, "per-request timeout")
	flags.String(flagSessionCookieName, "app_session", "session cookie name")
	flags.String(flagSessionToken, "", "session token, when the daemon requires a session")
	flags.String(flagUserID, "", "user id, ignored when a session is attached")
	flags.Bool(flagVerbose, false, "log retry decisions")

	cmd.AddCommand(newGenerateCommand(), newBalanceCommand())
	return cmd
}

func loadClientConfig(cmd *cobra.Command) (clientConfig, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	for _, flagName := range []string{flagBaseURL, flagTimeout, flagSessionCookieName, flagSessionToken, flagUserID, flagVerbose} {
		if err := v.BindPFlag(flagName, cmd.Flags().Lookup(flagName)); err != nil {
			return clientConfig{}, err
		}
	}
	cfg := clientConfig{
		api: apiclient.Config{
			BaseURL:           v.GetString(flagBaseURL),
			Timeout:           v.GetDuration(flagTimeout),
			SessionCookieName: v.GetString(flagSessionCookieName),
			SessionToken:      v.GetString(flagSessionToken),
		},
		userID:  strings.TrimSpace(v.GetString(flagUserID)),
		verbose: v.GetBool(flagVerbose),
	}
	if cfg.userID == "" && strings.TrimSpace(cfg.api.SessionToken) == "" {
		return clientConfig{}, fmt.Errorf("%s or %s is required", flagUserID, flagSessionToken)
	}
	return cfg, nil
}

func newGenerateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate an image, retrying recoverable failures",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadClientConfig(cmd)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			prompt, _ := flags.GetString(flagPrompt)
			images, _ := flags.GetStringSlice(flagImages)
			model, _ := flags.GetString(flagModel)
			requestKey, _ := flags.GetString(flagRequestKey)
			transactionID, _ := flags.GetString(flagTransactionID)
			maxRetries, _ := flags.GetInt(flagMaxRetries)
			output, _ := flags.GetString(flagOutput)

			client, err := apiclient.New(cfg.api)
			if err != nil {
				return err
			}
			logger := zap.NewNop()
			if cfg.verbose {
				if logger, err = zap.NewDevelopment(); err != nil {
					return err
				}
				defer func() { _ = logger.Sync() }()
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if maxRetries < 0 {
				return fmt.Errorf("%s must be non-negative", flagMaxRetries)
			}
			if maxRetries == 0 {
				maxRetries = retry.NoRetries
			}
			controller := retry.Controller{MaxRetries: maxRetries, Logger: logger}
			request := generation.Request{
				UserID:        cfg.userID,
				Prompt:        prompt,
				Images:        images,
				Model:         model,
				RequestKey:    requestKey,
				TransactionID: strings.TrimSpace(transactionID),
			}
			run := controller.Run
			if request.TransactionID != "" {
				run = controller.Resume
			}
			outcome, err := run(ctx, client, request)
			if err != nil {
				return describeFailure(cmd.ErrOrStderr(), err)
			}
			return writeResult(cmd.OutOrStdout(), output, outcome)
		},
	}
	flags := cmd.Flags()
	flags.String(flagPrompt, "", "prompt text")
	flags.StringSlice(flagImages, nil, "base64 reference images")
	flags.String(flagModel, "", "model override")
	flags.String(flagRequestKey, "", "idempotency key for the first attempt")
	flags.String(flagTransactionID, "", "retry this earlier transaction instead of opening a new one")
	flags.Int(flagMaxRetries, defaultMaxRetries, "client-side retry budget; 0 makes a single attempt")
	flags.String(flagOutput, "", "write the decoded image to this path")
	_ = cmd.MarkFlagRequired(flagPrompt)
	return cmd
}

func newBalanceCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "balance",
		Short: "Print the remaining credits",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadClientConfig(cmd)
			if err != nil {
				return err
			}
			client, err := apiclient.New(cfg.api)
			if err != nil {
				return err
			}
			balance, err := client.Balance(cmd.Context(), cfg.userID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d\n", balance)
			return nil
		},
	}
}

func writeResult(out io.Writer, path string, outcome retry.Outcome) error {
	result := outcome.Result
	fmt.Fprintf(out, "transaction %s: %s via %s, %d credit(s) left after %d attempt(s)\n",
		result.TransactionID, result.MimeType, result.Model, result.Remaining, outcome.Attempts)
	if path == "" {
		return nil
	}
	image, err := base64.StdEncoding.DecodeString(result.Image)
	if err != nil {
		return fmt.Errorf("decode image: %w", err)
	}
	if err := os.WriteFile(path, image, 0o644); err != nil {
		return fmt.Errorf("write image: %w", err)
	}
	fmt.Fprintf(out, "wrote %s\n", path)
	return nil
}

func describeFailure(out io.Writer, err error) error {
	var failure *generation.Failure
	if !errors.As(err, &failure) {
		return err
	}
	if failure.TransactionID != "" {
		fmt.Fprintf(out, "transaction: %s\n", failure.TransactionID)
	}
	if failure.Remaining != nil {
		fmt.Fprintf(out, "remaining: %d\n", *failure.Remaining)
	}
	if failure.CanRetry && failure.TransactionID != "" {
		fmt.Fprintf(out, "retry later with --%s %s\n", flagTransactionID, failure.TransactionID)
	}
	return err
}
