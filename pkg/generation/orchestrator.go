// Package generation runs one metered image generation: it reserves credits,
// calls the provider with credential failover and settles the reservation.
package generation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/genmeter/pkg/credentials"
	"github.com/MarkoPoloResearchLab/genmeter/pkg/ledger"
)

const (
	transactionIDPrefix       = "txn_"
	derivedIDHexLength        = 32
	defaultCost               = 1
	defaultMaxRetries         = 2
	defaultModel              = "default"
	defaultProviderTimeout    = 2 * time.Minute
	operationTypeImage        = "image_generation"
	reasonPoolExhausted       = "credential pool exhausted"
	reasonUnexpected          = "unexpected error"
	metadataKeyModel          = "model"
	metadataKeyCredential     = "credential"
	metadataKeyMimeType       = "mime_type"
	metadataKeyImageCount     = "input_images"
	metadataKeyFailoverCount  = "failovers"
	metadataKeyRequestMetaKey = "request"
)

// ErrInvalidOrchestratorConfig indicates missing or invalid dependencies.
var ErrInvalidOrchestratorConfig = errors.New("generation: invalid orchestrator configuration")

var errProviderPanic = errors.New("generation: provider panicked")

// Ledger is the subset of ledger.Service used by the orchestrator.
type Ledger interface {
	Reserve(ctx context.Context, request ledger.ReserveRequest) (ledger.Reservation, error)
	Retry(ctx context.Context, transactionID ledger.TransactionID) (ledger.RetryResult, error)
	Complete(ctx context.Context, transactionID ledger.TransactionID, metadata ledger.MetadataJSON) (ledger.Transaction, error)
	Fail(ctx context.Context, transactionID ledger.TransactionID, reason string) (ledger.Transaction, error)
	Refund(ctx context.Context, transactionID ledger.TransactionID, reason string) (ledger.RefundResult, error)
	Balance(ctx context.Context, userID ledger.UserID) (ledger.Credits, error)
	Transaction(ctx context.Context, transactionID ledger.TransactionID) (ledger.Transaction, error)
}

// CredentialPool is the subset of credentials.Pool used by the orchestrator.
type CredentialPool interface {
	Current(ctx context.Context) (credentials.Credential, error)
	MarkFailed(ctx context.Context, credential credentials.Credential) error
	Size() int
}

// Request is one caller-level generation attempt.
type Request struct {
	UserID string
	Prompt string
	Images []string
	Model  string
	// TransactionID marks an explicit retry of an earlier attempt.
	TransactionID string
	// RequestKey, when set, derives a deterministic transaction id for a first attempt.
	RequestKey string
	Metadata   map[string]string
}

// Result is a successful generation.
type Result struct {
	Image         string
	MimeType      string
	Model         string
	Remaining     int64
	TransactionID string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithCost sets the credits charged per generation.
func WithCost(cost ledger.PositiveCredits) Option {
	return func(orchestrator *Orchestrator) {
		orchestrator.cost = cost
	}
}

// WithMaxRetries sets the retry budget stored on new transactions.
func WithMaxRetries(maxRetries int) Option {
	return func(orchestrator *Orchestrator) {
		orchestrator.maxRetries = maxRetries
	}
}

// WithModel sets the model used when a request does not name one.
func WithModel(model string) Option {
	return func(orchestrator *Orchestrator) {
		orchestrator.model = strings.TrimSpace(model)
	}
}

// WithProviderTimeout bounds the whole failover loop.
func WithProviderTimeout(timeout time.Duration) Option {
	return func(orchestrator *Orchestrator) {
		orchestrator.providerTimeout = timeout
	}
}

// WithLogger sets the orchestrator logger.
func WithLogger(logger *zap.Logger) Option {
	return func(orchestrator *Orchestrator) {
		if logger != nil {
			orchestrator.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(recorder Recorder) Option {
	return func(orchestrator *Orchestrator) {
		if recorder != nil {
			orchestrator.metrics = recorder
		}
	}
}

// Orchestrator coordinates the ledger, the credential pool and the provider.
type Orchestrator struct {
	ledger          Ledger
	pool            CredentialPool
	provider        Provider
	cost            ledger.PositiveCredits
	maxRetries      int
	model           string
	providerTimeout time.Duration
	logger          *zap.Logger
	metrics         Recorder
}

// NewOrchestrator wires an Orchestrator.
func NewOrchestrator(ledgerService Ledger, pool CredentialPool, provider Provider, options ...Option) (*Orchestrator, error) {
	if ledgerService == nil || pool == nil || provider == nil {
		return nil, fmt.Errorf("%w: ledger, pool and provider are required", ErrInvalidOrchestratorConfig)
	}
	orchestrator := &Orchestrator{
		ledger:          ledgerService,
		pool:            pool,
		provider:        provider,
		cost:            defaultCost,
		maxRetries:      defaultMaxRetries,
		model:           defaultModel,
		providerTimeout: defaultProviderTimeout,
		logger:          zap.NewNop(),
		metrics:         nopRecorder{},
	}
	for _, option := range options {
		if option != nil {
			option(orchestrator)
		}
	}
	if orchestrator.cost <= 0 {
		return nil, fmt.Errorf("%w: cost must be positive", ErrInvalidOrchestratorConfig)
	}
	if orchestrator.maxRetries < 0 {
		return nil, fmt.Errorf("%w: max retries must be non-negative", ErrInvalidOrchestratorConfig)
	}
	if orchestrator.providerTimeout <= 0 {
		return nil, fmt.Errorf("%w: provider timeout must be positive", ErrInvalidOrchestratorConfig)
	}
	if orchestrator.model == "" {
		orchestrator.model = defaultModel
	}
	return orchestrator, nil
}

// Cost returns the credits charged per generation.
func (orchestrator *Orchestrator) Cost() ledger.PositiveCredits {
	return orchestrator.cost
}

// Generate runs one attempt. Every unsuccessful outcome is returned as *Failure;
// once credits were reserved, a refund has been attempted before it returns.
func (orchestrator *Orchestrator) Generate(ctx context.Context, request Request) (result Result, err error) {
	started := time.Now()
	defer func() {
		code := CodeSuccess
		var failure *Failure
		if errors.As(err, &failure) {
			code = failure.Code
		}
		orchestrator.metrics.ObserveGeneration(code, time.Since(started))
	}()

	userID, prompt, failure := validateRequest(request)
	if failure != nil {
		return Result{}, failure
	}
	model := strings.TrimSpace(request.Model)
	if model == "" {
		model = orchestrator.model
	}

	transactionID, failure := orchestrator.open(ctx, userID, prompt, model, request)
	if failure != nil {
		return Result{}, failure
	}

	// The provider call and settlement outlive caller cancellation so a
	// reservation is always completed or refunded.
	settleCtx := context.WithoutCancel(ctx)
	defer func() {
		if recovered := recover(); recovered != nil {
			orchestrator.logger.Error("generation panicked after reservation",
				zap.String("transaction_id", transactionID.String()),
				zap.Any("panic", recovered),
			)
			result = Result{}
			err = orchestrator.settleFailure(settleCtx, userID, transactionID, CodeUnexpectedError, reasonUnexpected, true,
				fmt.Errorf("%w: %v", errProviderPanic, recovered))
		}
	}()

	artifact, credential, failovers, providerErr := orchestrator.callProvider(settleCtx, prompt, model, request.Images, transactionID)
	if providerErr != nil {
		kind := ClassifyError(providerErr)
		reason := providerErr.Error()
		if errors.Is(providerErr, credentials.ErrPoolExhausted) || errors.Is(providerErr, errProviderPanic) {
			return Result{}, orchestrator.settleFailure(settleCtx, userID, transactionID, CodeUnexpectedError, reasonUnexpected, true, providerErr)
		}
		if kind == FailureKindCredential {
			reason = reasonPoolExhausted + ": " + reason
		}
		return Result{}, orchestrator.settleFailure(settleCtx, userID, transactionID, CodeGenerationFailed, reason, kind != FailureKindRequest, providerErr)
	}

	completionMetadata := ledger.MarshalMetadata(map[string]any{
		metadataKeyModel:         defaultIfEmpty(artifact.Model, model),
		metadataKeyCredential:    credential.Fingerprint(),
		metadataKeyMimeType:      artifact.MimeType,
		metadataKeyFailoverCount: failovers,
	})
	if _, err := orchestrator.ledger.Complete(settleCtx, transactionID, completionMetadata); err != nil {
		return Result{}, orchestrator.settleFailure(settleCtx, userID, transactionID, CodeUnexpectedError, "complete transaction", true, err)
	}
	remaining, err := orchestrator.ledger.Balance(settleCtx, userID)
	if err != nil {
		orchestrator.logger.Warn("balance lookup after completion failed",
			zap.String("transaction_id", transactionID.String()),
			zap.Error(err),
		)
	}
	orchestrator.logger.Info("generation completed",
		zap.String("user_id", userID.String()),
		zap.String("transaction_id", transactionID.String()),
		zap.String("credential", credential.String()),
		zap.Int("failovers", failovers),
	)
	return Result{
		Image:         artifact.Image,
		MimeType:      artifact.MimeType,
		Model:         defaultIfEmpty(artifact.Model, model),
		Remaining:     remaining.Int64(),
		TransactionID: transactionID.String(),
	}, nil
}

// open reserves credits for a first attempt or consumes retry budget for an
// explicit retry, returning the transaction id to settle.
func (orchestrator *Orchestrator) open(ctx context.Context, userID ledger.UserID, prompt string, model string, request Request) (ledger.TransactionID, *Failure) {
	if strings.TrimSpace(request.TransactionID) != "" {
		return orchestrator.retry(ctx, userID, request.TransactionID)
	}
	transactionID, err := ledger.NewTransactionID(DeriveTransactionID(userID.String(), request.RequestKey))
	if err != nil {
		return ledger.TransactionID{}, &Failure{Code: CodeUnexpectedError, Message: "derive transaction id", Err: err}
	}
	requestMetadata := map[string]any{metadataKeyImageCount: len(request.Images)}
	if len(request.Metadata) > 0 {
		requestMetadata[metadataKeyRequestMetaKey] = request.Metadata
	}
	reservation, err := orchestrator.ledger.Reserve(ctx, ledger.ReserveRequest{
		UserID:            userID,
		Amount:            orchestrator.cost,
		TransactionID:     transactionID,
		MaxRetries:        orchestrator.maxRetries,
		OperationType:     operationTypeImage,
		Provider:          orchestrator.provider.Name(),
		Model:             model,
		PromptFingerprint: PromptFingerprint(prompt),
		Metadata:          ledger.MarshalMetadata(requestMetadata),
	})
	if err != nil {
		return ledger.TransactionID{}, orchestrator.reserveFailure(ctx, userID, transactionID, err)
	}
	if reservation.Duplicate {
		return orchestrator.replay(reservation)
	}
	orchestrator.logger.Info("credits reserved",
		zap.String("user_id", userID.String()),
		zap.String("transaction_id", transactionID.String()),
		zap.Int64("balance_after", reservation.BalanceAfter.Int64()),
	)
	return transactionID, nil
}

func (orchestrator *Orchestrator) replay(reservation ledger.Reservation) (ledger.TransactionID, *Failure) {
	existing := reservation.Transaction
	remaining := reservation.BalanceAfter.Int64()
	switch existing.Status {
	case ledger.TransactionStatusProcessing:
		return existing.TransactionID, nil
	case ledger.TransactionStatusCompleted:
		return ledger.TransactionID{}, &Failure{
			Code:          CodeDuplicateTransactionID,
			Message:       "transaction already completed",
			TransactionID: existing.TransactionID.String(),
			Remaining:     &remaining,
		}
	default:
		return ledger.TransactionID{}, &Failure{
			Code:          CodeDuplicateTransactionID,
			Message:       fmt.Sprintf("transaction already %s", existing.Status),
			CanRetry:      true,
			TransactionID: existing.TransactionID.String(),
			Remaining:     &remaining,
		}
	}
}

func (orchestrator *Orchestrator) retry(ctx context.Context, userID ledger.UserID, rawTransactionID string) (ledger.TransactionID, *Failure) {
	transactionID, err := ledger.NewTransactionID(rawTransactionID)
	if err != nil {
		return ledger.TransactionID{}, &Failure{Code: CodeInvalidParameters, Message: "invalid transaction_id", Err: err}
	}
	existing, err := orchestrator.ledger.Transaction(ctx, transactionID)
	if err != nil {
		if errors.Is(err, ledger.ErrTransactionNotFound) {
			return ledger.TransactionID{}, &Failure{Code: CodeTransactionNotFound, Message: "transaction not found", TransactionID: transactionID.String(), Err: err}
		}
		return ledger.TransactionID{}, &Failure{Code: CodeUnexpectedError, Message: "load transaction", CanRetry: true, TransactionID: transactionID.String(), Err: err}
	}
	if existing.UserID != userID {
		return ledger.TransactionID{}, &Failure{Code: CodeTransactionNotFound, Message: "transaction not found", TransactionID: transactionID.String(), Err: ledger.ErrTransactionOwnerMismatch}
	}
	result, err := orchestrator.ledger.Retry(ctx, transactionID)
	switch {
	case err == nil:
	case errors.Is(err, ledger.ErrTransactionNotFound):
		return ledger.TransactionID{}, &Failure{Code: CodeTransactionNotFound, Message: "transaction not found", TransactionID: transactionID.String(), Err: err}
	case errors.Is(err, ledger.ErrTransactionClosed):
		return ledger.TransactionID{}, &Failure{Code: CodeDuplicateTransactionID, Message: "transaction already completed", TransactionID: transactionID.String(), Err: err}
	case errors.Is(err, ledger.ErrInsufficientCredits):
		return ledger.TransactionID{}, orchestrator.insufficient(ctx, userID, transactionID, err)
	default:
		return ledger.TransactionID{}, &Failure{Code: CodeDeductionFailed, Message: "retry transaction", CanRetry: true, TransactionID: transactionID.String(), Err: err}
	}
	if !result.CanRetry {
		remaining := result.BalanceAfter.Int64()
		return ledger.TransactionID{}, &Failure{
			Code:          CodeMaxRetriesExceeded,
			Message:       fmt.Sprintf("retry budget of %d exhausted", result.Transaction.MaxRetries),
			TransactionID: transactionID.String(),
			Remaining:     &remaining,
		}
	}
	orchestrator.logger.Info("transaction retried",
		zap.String("user_id", userID.String()),
		zap.String("transaction_id", transactionID.String()),
		zap.Int("retry_count", result.RetryCount),
		zap.Bool("rearmed", result.Rearmed),
	)
	return transactionID, nil
}

func (orchestrator *Orchestrator) reserveFailure(ctx context.Context, userID ledger.UserID, transactionID ledger.TransactionID, err error) *Failure {
	switch {
	case errors.Is(err, ledger.ErrInsufficientCredits):
		return orchestrator.insufficient(ctx, userID, transactionID, err)
	case errors.Is(err, ledger.ErrTransactionOwnerMismatch):
		return &Failure{Code: CodeDuplicateTransactionID, Message: "transaction id belongs to another user", Err: err}
	case isValidationError(err):
		return &Failure{Code: CodeInvalidParameters, Message: err.Error(), Err: err}
	default:
		orchestrator.logger.Error("reserve credits failed",
			zap.String("user_id", userID.String()),
			zap.String("transaction_id", transactionID.String()),
			zap.Error(err),
		)
		return &Failure{Code: CodeDeductionFailed, Message: "reserve credits", CanRetry: true, Err: err}
	}
}

func (orchestrator *Orchestrator) insufficient(ctx context.Context, userID ledger.UserID, transactionID ledger.TransactionID, err error) *Failure {
	failure := &Failure{Code: CodeInsufficientCredits, Message: "insufficient credits", Err: err}
	if balance, balanceErr := orchestrator.ledger.Balance(ctx, userID); balanceErr == nil {
		remaining := balance.Int64()
		failure.Remaining = &remaining
	}
	orchestrator.logger.Info("insufficient credits",
		zap.String("user_id", userID.String()),
		zap.String("transaction_id", transactionID.String()),
		zap.Int64("cost", orchestrator.cost.Int64()),
	)
	return failure
}

// callProvider tries credentials in rotation until one succeeds, a
// non-credential failure occurs, or every credential in the pool was tried.
func (orchestrator *Orchestrator) callProvider(ctx context.Context, prompt string, model string, images []string, transactionID ledger.TransactionID) (Artifact, credentials.Credential, int, error) {
	providerCtx, cancel := context.WithTimeout(ctx, orchestrator.providerTimeout)
	defer cancel()
	request := ProviderRequest{Prompt: prompt, Images: images, Model: model, TransactionID: transactionID.String()}
	failovers := 0
	var lastErr error
	for attempt := 0; attempt < orchestrator.pool.Size(); attempt++ {
		credential, err := orchestrator.pool.Current(providerCtx)
		if err != nil {
			return Artifact{}, credentials.Credential{}, failovers, err
		}
		artifact, err := orchestrator.invoke(providerCtx, credential, request)
		if err == nil {
			return artifact, credential, failovers, nil
		}
		lastErr = err
		kind := ClassifyError(err)
		orchestrator.logger.Warn("provider call failed",
			zap.String("transaction_id", transactionID.String()),
			zap.String("credential", credential.String()),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
		if kind != FailureKindCredential {
			return Artifact{}, credential, failovers, err
		}
		if markErr := orchestrator.pool.MarkFailed(providerCtx, credential); markErr != nil {
			orchestrator.logger.Warn("mark credential failed", zap.String("credential", credential.String()), zap.Error(markErr))
		}
		failovers++
		orchestrator.metrics.CredentialFailover(orchestrator.provider.Name())
	}
	if lastErr == nil {
		lastErr = credentials.ErrPoolExhausted
	}
	return Artifact{}, credentials.Credential{}, failovers, lastErr
}

func (orchestrator *Orchestrator) invoke(ctx context.Context, credential credentials.Credential, request ProviderRequest) (artifact Artifact, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("%w: %v", errProviderPanic, recovered)
		}
	}()
	return orchestrator.provider.Generate(ctx, credential, request)
}

// settleFailure marks the transaction failed, refunds it and builds the
// caller-facing failure.
func (orchestrator *Orchestrator) settleFailure(ctx context.Context, userID ledger.UserID, transactionID ledger.TransactionID, code Code, reason string, canRetry bool, cause error) *Failure {
	if _, err := orchestrator.ledger.Fail(ctx, transactionID, reason); err != nil && !errors.Is(err, ledger.ErrTransactionClosed) {
		orchestrator.logger.Warn("mark transaction failed",
			zap.String("transaction_id", transactionID.String()),
			zap.Error(err),
		)
	}
	failure := &Failure{Code: code, Message: reason, CanRetry: canRetry, TransactionID: transactionID.String(), Err: cause}
	refund, err := orchestrator.ledger.Refund(ctx, transactionID, reason)
	if err != nil {
		orchestrator.logger.Error("refund failed",
			zap.String("user_id", userID.String()),
			zap.String("transaction_id", transactionID.String()),
			zap.Error(err),
		)
		failure.Code = CodeUnexpectedError
		failure.Message = "refund failed: " + reason
		failure.CanRetry = true
		failure.Err = errors.Join(cause, err)
		return failure
	}
	if refund.Refunded {
		orchestrator.metrics.RefundIssued(string(code))
	}
	remaining := refund.BalanceAfter.Int64()
	failure.Remaining = &remaining
	orchestrator.logger.Info("generation refunded",
		zap.String("user_id", userID.String()),
		zap.String("transaction_id", transactionID.String()),
		zap.Bool("refunded", refund.Refunded),
		zap.String("code", string(code)),
		zap.String("reason", reason),
	)
	return failure
}

// DeriveTransactionID returns a deterministic id for a (user, request key)
// pair, or a random one when requestKey is blank.
func DeriveTransactionID(userID string, requestKey string) string {
	requestKey = strings.TrimSpace(requestKey)
	if requestKey == "" {
		return transactionIDPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	sum := sha256.Sum256([]byte(userID + ":" + requestKey))
	return transactionIDPrefix + hex.EncodeToString(sum[:])[:derivedIDHexLength]
}

// PromptFingerprint returns the sha256 of the prompt. Prompts themselves are not stored.
func PromptFingerprint(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:])
}

func validateRequest(request Request) (ledger.UserID, string, *Failure) {
	var missing []string
	if strings.TrimSpace(request.UserID) == "" {
		missing = append(missing, "user_id")
	}
	prompt := strings.TrimSpace(request.Prompt)
	if prompt == "" {
		missing = append(missing, "prompt")
	}
	if len(missing) > 0 {
		return ledger.UserID{}, "", &Failure{Code: CodeMissingParameters, Message: "missing " + strings.Join(missing, ", ")}
	}
	userID, err := ledger.NewUserID(request.UserID)
	if err != nil {
		return ledger.UserID{}, "", &Failure{Code: CodeInvalidParameters, Message: "invalid user_id", Err: err}
	}
	for _, image := range request.Images {
		if strings.TrimSpace(image) == "" {
			return ledger.UserID{}, "", &Failure{Code: CodeInvalidParameters, Message: "images must not contain empty entries"}
		}
	}
	return userID, prompt, nil
}

func isValidationError(err error) bool {
	for _, sentinel := range []error{
		ledger.ErrInvalidUserID,
		ledger.ErrInvalidTransactionID,
		ledger.ErrInvalidCredits,
		ledger.ErrInvalidMaxRetries,
		ledger.ErrInvalidMetadataJSON,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

func defaultIfEmpty(value string, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
