// Package retry drives a generation call from the caller's side, re-issuing
// retryable failures against the same transaction id with linear backoff.
package retry

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/genmeter/pkg/generation"
)

const (
	defaultMaxRetries     = 2
	defaultBaseDelay      = 2 * time.Second
	defaultDuplicateDelay = 500 * time.Millisecond
)

// NoRetries as Controller.MaxRetries makes a single attempt.
const NoRetries = -1

// Generator runs one generation attempt.
type Generator interface {
	Generate(ctx context.Context, request generation.Request) (generation.Result, error)
}

// Outcome is a successful run.
type Outcome struct {
	Result   generation.Result
	Attempts int
}

// Controller retries a Generator. The zero value uses the defaults.
type Controller struct {
	// MaxRetries of zero selects the default; a negative value disables retries.
	MaxRetries     int
	BaseDelay      time.Duration
	DuplicateDelay time.Duration
	// Sleep waits for duration or until ctx is done.
	Sleep  func(ctx context.Context, duration time.Duration) error
	Logger *zap.Logger
}

// Run calls generator until it succeeds, fails terminally or runs out of retries.
// The first attempt always opens a new transaction; any TransactionID on request is dropped.
// The returned error is the last error the generator produced.
func (controller Controller) Run(ctx context.Context, generator Generator, request generation.Request) (Outcome, error) {
	request.TransactionID = ""
	return controller.run(ctx, generator, request)
}

// Resume is Run for an earlier transaction: the first attempt carries
// request.TransactionID so the daemon retries it instead of debiting again.
func (controller Controller) Resume(ctx context.Context, generator Generator, request generation.Request) (Outcome, error) {
	if request.TransactionID == "" {
		return Outcome{}, &generation.Failure{Code: generation.CodeMissingParameters, Message: "transaction id is required to resume"}
	}
	return controller.run(ctx, generator, request)
}

func (controller Controller) run(ctx context.Context, generator Generator, request generation.Request) (Outcome, error) {
	maxRetries := controller.MaxRetries
	switch {
	case maxRetries < 0:
		maxRetries = 0
	case maxRetries == 0:
		maxRetries = defaultMaxRetries
	}
	baseDelay := controller.BaseDelay
	if baseDelay <= 0 {
		baseDelay = defaultBaseDelay
	}
	duplicateDelay := controller.DuplicateDelay
	if duplicateDelay <= 0 {
		duplicateDelay = defaultDuplicateDelay
	}
	sleep := controller.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	logger := controller.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	current := request
	retries := 0
	duplicateRetried := false
	attempts := 0
	for {
		attempts++
		result, err := generator.Generate(ctx, current)
		if err == nil {
			return Outcome{Result: result, Attempts: attempts}, nil
		}

		var failure *generation.Failure
		if !errors.As(err, &failure) {
			if retries >= maxRetries || ctx.Err() != nil {
				return Outcome{Attempts: attempts}, err
			}
			delay := baseDelay * time.Duration(retries+1)
			logger.Warn("generation call failed, retrying", zap.Int("attempt", attempts), zap.Duration("delay", delay), zap.Error(err))
			if sleepErr := sleep(ctx, delay); sleepErr != nil {
				return Outcome{Attempts: attempts}, err
			}
			retries++
			continue
		}

		if failure.TransactionID != "" {
			current.TransactionID = failure.TransactionID
		}
		switch failure.Code {
		case generation.CodeInsufficientCredits,
			generation.CodeMaxRetriesExceeded,
			generation.CodeMissingParameters,
			generation.CodeInvalidParameters,
			generation.CodeTransactionNotFound:
			return Outcome{Attempts: attempts}, err
		case generation.CodeDuplicateTransactionID:
			if duplicateRetried || !failure.CanRetry || maxRetries == 0 {
				return Outcome{Attempts: attempts}, err
			}
			duplicateRetried = true
			logger.Info("duplicate transaction, retrying once", zap.String("transaction_id", current.TransactionID))
			if sleepErr := sleep(ctx, duplicateDelay); sleepErr != nil {
				return Outcome{Attempts: attempts}, err
			}
			continue
		}

		if !failure.CanRetry || retries >= maxRetries {
			return Outcome{Attempts: attempts}, err
		}
		delay := baseDelay * time.Duration(retries+1)
		logger.Info("generation failed, retrying",
			zap.String("code", string(failure.Code)),
			zap.String("transaction_id", current.TransactionID),
			zap.Int("attempt", attempts),
			zap.Duration("delay", delay),
		)
		if sleepErr := sleep(ctx, delay); sleepErr != nil {
			return Outcome{Attempts: attempts}, err
		}
		retries++
	}
}

func sleepContext(ctx context.Context, duration time.Duration) error {
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
