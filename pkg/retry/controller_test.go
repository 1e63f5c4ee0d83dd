package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/genmeter/pkg/generation"
)

const errorMismatchMessage = "expected %v, got %v"

type scriptedGenerator struct {
	responses []error
	requests  []generation.Request
}

func (generator *scriptedGenerator) Generate(_ context.Context, request generation.Request) (generation.Result, error) {
	index := len(generator.requests)
	generator.requests = append(generator.requests, request)
	if index < len(generator.responses) && generator.responses[index] != nil {
		return generation.Result{}, generator.responses[index]
	}
	return generation.Result{TransactionID: request.TransactionID, Image: "img"}, nil
}

type sleepRecorder struct {
	delays []time.Duration
	err    error
}

func (recorder *sleepRecorder) Sleep(_ context.Context, duration time.Duration) error {
	recorder.delays = append(recorder.delays, duration)
	return recorder.err
}

func failure(code generation.Code, canRetry bool) error {
	return &generation.Failure{Code: code, CanRetry: canRetry, TransactionID: "txn_1"}
}

func TestRunRetriesWithLinearBackoff(test *testing.T) {
	test.Parallel()
	generator := &scriptedGenerator{responses: []error{
		failure(generation.CodeGenerationFailed, true),
		failure(generation.CodeGenerationFailed, true),
	}}
	sleeper := &sleepRecorder{}
	controller := Controller{BaseDelay: time.Second, Sleep: sleeper.Sleep}

	outcome, err := controller.Run(context.Background(), generator, generation.Request{UserID: "user-1", Prompt: "x", TransactionID: "stale"})
	if err != nil {
		test.Fatalf("run: %v", err)
	}
	if outcome.Attempts != 3 {
		test.Fatalf(errorMismatchMessage, 3, outcome.Attempts)
	}
	if generator.requests[0].TransactionID != "" {
		test.Fatalf("expected first attempt without transaction id, got %q", generator.requests[0].TransactionID)
	}
	for _, request := range generator.requests[1:] {
		if request.TransactionID != "txn_1" {
			test.Fatalf("expected retries to carry txn_1, got %q", request.TransactionID)
		}
	}
	expected := []time.Duration{time.Second, 2 * time.Second}
	if len(sleeper.delays) != len(expected) || sleeper.delays[0] != expected[0] || sleeper.delays[1] != expected[1] {
		test.Fatalf(errorMismatchMessage, expected, sleeper.delays)
	}
}

func TestRunStopsOnTerminalCodes(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name string
		code generation.Code
	}{
		{name: "insufficient credits", code: generation.CodeInsufficientCredits},
		{name: "max retries", code: generation.CodeMaxRetriesExceeded},
		{name: "missing parameters", code: generation.CodeMissingParameters},
		{name: "not found", code: generation.CodeTransactionNotFound},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			generator := &scriptedGenerator{responses: []error{failure(testCase.code, true)}}
			sleeper := &sleepRecorder{}
			outcome, err := Controller{Sleep: sleeper.Sleep}.Run(context.Background(), generator, generation.Request{UserID: "user-1", Prompt: "x"})
			var generationFailure *generation.Failure
			if !errors.As(err, &generationFailure) || generationFailure.Code != testCase.code {
				test.Fatalf(errorMismatchMessage, testCase.code, err)
			}
			if outcome.Attempts != 1 || len(sleeper.delays) != 0 {
				test.Fatalf("expected a single attempt without sleeping, got %d attempts %v", outcome.Attempts, sleeper.delays)
			}
		})
	}
}

func TestRunGivesUpAfterMaxRetries(test *testing.T) {
	test.Parallel()
	generator := &scriptedGenerator{responses: []error{
		failure(generation.CodeGenerationFailed, true),
		failure(generation.CodeGenerationFailed, true),
		failure(generation.CodeGenerationFailed, true),
		failure(generation.CodeGenerationFailed, true),
	}}
	sleeper := &sleepRecorder{}
	outcome, err := Controller{Sleep: sleeper.Sleep}.Run(context.Background(), generator, generation.Request{UserID: "user-1", Prompt: "x"})
	if err == nil {
		test.Fatalf("expected failure")
	}
	if outcome.Attempts != defaultMaxRetries+1 {
		test.Fatalf(errorMismatchMessage, defaultMaxRetries+1, outcome.Attempts)
	}
	if sleeper.delays[0] != defaultBaseDelay || sleeper.delays[1] != 2*defaultBaseDelay {
		test.Fatalf("unexpected delays %v", sleeper.delays)
	}
}

func TestRunDoesNotRetryNonRetryableFailure(test *testing.T) {
	test.Parallel()
	generator := &scriptedGenerator{responses: []error{failure(generation.CodeGenerationFailed, false)}}
	outcome, err := Controller{Sleep: (&sleepRecorder{}).Sleep}.Run(context.Background(), generator, generation.Request{UserID: "user-1", Prompt: "x"})
	if err == nil || outcome.Attempts != 1 {
		test.Fatalf("expected one attempt, got %d (%v)", outcome.Attempts, err)
	}
}

func TestRunRetriesDuplicateOnce(test *testing.T) {
	test.Parallel()
	generator := &scriptedGenerator{responses: []error{
		failure(generation.CodeDuplicateTransactionID, true),
		failure(generation.CodeDuplicateTransactionID, true),
	}}
	sleeper := &sleepRecorder{}
	controller := Controller{DuplicateDelay: 100 * time.Millisecond, Sleep: sleeper.Sleep}

	outcome, err := controller.Run(context.Background(), generator, generation.Request{UserID: "user-1", Prompt: "x"})
	if err == nil {
		test.Fatalf("expected second duplicate to surface")
	}
	if outcome.Attempts != 2 || len(sleeper.delays) != 1 || sleeper.delays[0] != 100*time.Millisecond {
		test.Fatalf("unexpected attempts %d delays %v", outcome.Attempts, sleeper.delays)
	}
	if generator.requests[1].TransactionID != "txn_1" {
		test.Fatalf("expected duplicate retry to carry txn_1, got %q", generator.requests[1].TransactionID)
	}
}

func TestRunStopsOnCompletedDuplicate(test *testing.T) {
	test.Parallel()
	generator := &scriptedGenerator{responses: []error{failure(generation.CodeDuplicateTransactionID, false)}}
	outcome, err := Controller{Sleep: (&sleepRecorder{}).Sleep}.Run(context.Background(), generator, generation.Request{UserID: "user-1", Prompt: "x"})
	if err == nil || outcome.Attempts != 1 {
		test.Fatalf("expected completed duplicate to stop, got %d (%v)", outcome.Attempts, err)
	}
}

func TestRunRetriesNetworkErrors(test *testing.T) {
	test.Parallel()
	networkError := errors.New("connection refused")
	generator := &scriptedGenerator{responses: []error{networkError, networkError, networkError}}
	sleeper := &sleepRecorder{}
	outcome, err := Controller{MaxRetries: 2, BaseDelay: time.Millisecond, Sleep: sleeper.Sleep}.Run(context.Background(), generator, generation.Request{UserID: "user-1", Prompt: "x"})
	if !errors.Is(err, networkError) {
		test.Fatalf(errorMismatchMessage, networkError, err)
	}
	if outcome.Attempts != 3 || len(sleeper.delays) != 2 {
		test.Fatalf("expected 3 attempts and 2 sleeps, got %d and %v", outcome.Attempts, sleeper.delays)
	}
	for _, request := range generator.requests {
		if request.TransactionID != "" {
			test.Fatalf("expected network retries to keep an empty transaction id")
		}
	}
}

func TestRunAbortsWhenSleepIsCanceled(test *testing.T) {
	test.Parallel()
	generator := &scriptedGenerator{responses: []error{failure(generation.CodeGenerationFailed, true)}}
	sleeper := &sleepRecorder{err: context.Canceled}
	outcome, err := Controller{Sleep: sleeper.Sleep}.Run(context.Background(), generator, generation.Request{UserID: "user-1", Prompt: "x"})
	if err == nil || outcome.Attempts != 1 {
		test.Fatalf("expected run to stop after canceled sleep, got %d (%v)", outcome.Attempts, err)
	}
}

func TestSleepContextHonorsCancellation(test *testing.T) {
	test.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sleepContext(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		test.Fatalf(errorMismatchMessage, context.Canceled, err)
	}
}

func TestResumeCarriesTransactionIDOnFirstAttempt(test *testing.T) {
	test.Parallel()
	generator := &scriptedGenerator{responses: []error{failure(generation.CodeGenerationFailed, true)}}
	sleeper := &sleepRecorder{}
	controller := Controller{BaseDelay: time.Second, Sleep: sleeper.Sleep}

	outcome, err := controller.Resume(context.Background(), generator, generation.Request{UserID: "user-1", Prompt: "x", TransactionID: "txn_earlier"})
	if err != nil {
		test.Fatalf("resume: %v", err)
	}
	if outcome.Attempts != 2 {
		test.Fatalf(errorMismatchMessage, 2, outcome.Attempts)
	}
	if generator.requests[0].TransactionID != "txn_earlier" {
		test.Fatalf(errorMismatchMessage, "txn_earlier", generator.requests[0].TransactionID)
	}
	if generator.requests[1].TransactionID != "txn_1" {
		test.Fatalf(errorMismatchMessage, "txn_1", generator.requests[1].TransactionID)
	}
}

func TestResumeRequiresTransactionID(test *testing.T) {
	test.Parallel()
	generator := &scriptedGenerator{}
	_, err := Controller{Sleep: (&sleepRecorder{}).Sleep}.Resume(context.Background(), generator, generation.Request{UserID: "user-1", Prompt: "x"})
	var failure *generation.Failure
	if !errors.As(err, &failure) || failure.Code != generation.CodeMissingParameters {
		test.Fatalf(errorMismatchMessage, generation.CodeMissingParameters, err)
	}
	if len(generator.requests) != 0 {
		test.Fatalf("expected no generator calls, got %d", len(generator.requests))
	}
}

func TestNoRetriesMakesSingleAttempt(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name     string
		response error
	}{
		{name: "retryable failure", response: failure(generation.CodeGenerationFailed, true)},
		{name: "retryable duplicate", response: failure(generation.CodeDuplicateTransactionID, true)},
		{name: "network error", response: errors.New("connection refused")},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			generator := &scriptedGenerator{responses: []error{testCase.response}}
			sleeper := &sleepRecorder{}
			outcome, err := Controller{MaxRetries: NoRetries, Sleep: sleeper.Sleep}.Run(context.Background(), generator, generation.Request{UserID: "user-1", Prompt: "x"})
			if !errors.Is(err, testCase.response) {
				test.Fatalf(errorMismatchMessage, testCase.response, err)
			}
			if outcome.Attempts != 1 || len(sleeper.delays) != 0 {
				test.Fatalf("expected one attempt without sleeping, got %d and %v", outcome.Attempts, sleeper.delays)
			}
		})
	}
}
