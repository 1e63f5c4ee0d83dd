package config

import (
	"errors"
	"testing"
	"time"
)

const errorMismatchMessage = "expected %v, got %v"

func TestValidateFillsDefaults(test *testing.T) {
	test.Parallel()
	cfg := Config{ProductTable: "prod_basic=100+10"}
	if err := cfg.Validate(); err != nil {
		test.Fatalf("validate: %v", err)
	}
	if cfg.ListenAddr != defaultListenAddr || cfg.DatabaseURL != defaultDatabaseURL {
		test.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.GenerationCost != defaultGenerationCost || cfg.MaxRetries != 0 {
		test.Fatalf("unexpected generation defaults %+v", cfg)
	}
	if cfg.StaleAfter != defaultStaleAfter || cfg.ProviderTimeout != defaultProviderTimeout {
		test.Fatalf("unexpected duration defaults %+v", cfg)
	}
	if product, ok := cfg.Products.Lookup("prod_basic"); !ok || product.Bonus != 10 {
		test.Fatalf("expected parsed product table, got %+v", cfg.Products)
	}
	if cfg.SessionEnabled() {
		test.Fatalf("expected sessions disabled without a signing key")
	}
}

func TestValidateKeepsRetriesDisabled(test *testing.T) {
	test.Parallel()
	cfg := Config{MaxRetries: 0}
	if err := cfg.Validate(); err != nil {
		test.Fatalf("validate: %v", err)
	}
	if cfg.MaxRetries != 0 {
		test.Fatalf(errorMismatchMessage, 0, cfg.MaxRetries)
	}
	withBudget := Config{MaxRetries: DefaultMaxRetries}
	if err := withBudget.Validate(); err != nil || withBudget.MaxRetries != DefaultMaxRetries {
		test.Fatalf("unexpected retries %d (%v)", withBudget.MaxRetries, err)
	}
}

func TestValidateRejectsInvalidValues(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name string
		cfg  Config
	}{
		{name: "negative cost", cfg: Config{GenerationCost: -1}},
		{name: "negative retries", cfg: Config{MaxRetries: -1}},
		{name: "negative initial credits", cfg: Config{InitialCredits: -5}},
		{name: "negative cooldown", cfg: Config{CredentialCooldown: -time.Second}},
		{name: "bad product table", cfg: Config{ProductTable: "prod"}},
		{name: "stale cutoff inside provider timeout", cfg: Config{ProviderTimeout: 2 * time.Minute, StaleAfter: time.Minute}},
		{name: "stale cutoff equal to provider timeout", cfg: Config{ProviderTimeout: time.Minute, StaleAfter: time.Minute}},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			if err := testCase.cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
				test.Fatalf(errorMismatchMessage, ErrInvalidConfig, err)
			}
		})
	}
}

func TestValidateServeRequiresProvider(test *testing.T) {
	test.Parallel()
	cfg := Config{}
	if err := cfg.ValidateServe(); !errors.Is(err, ErrInvalidConfig) {
		test.Fatalf(errorMismatchMessage, ErrInvalidConfig, err)
	}
	cfg = Config{ProviderEndpoint: "https://images.example.com/v1/generate"}
	if err := cfg.ValidateServe(); !errors.Is(err, ErrInvalidConfig) {
		test.Fatalf(errorMismatchMessage, ErrInvalidConfig, err)
	}
	cfg.ProviderCredentials = []string{"sk-1"}
	if err := cfg.ValidateServe(); err != nil {
		test.Fatalf("validate serve: %v", err)
	}
}

func TestParseList(test *testing.T) {
	test.Parallel()
	parsed := ParseList(" a, ,b ,")
	if len(parsed) != 2 || parsed[0] != "a" || parsed[1] != "b" {
		test.Fatalf("unexpected list %v", parsed)
	}
	if len(ParseList("  ")) != 0 {
		test.Fatalf("expected empty list")
	}
}
