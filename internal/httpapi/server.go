// Package httpapi exposes generation, balance reads and the payment webhook over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/genmeter/internal/config"
	"github.com/MarkoPoloResearchLab/genmeter/internal/webhook"
	"github.com/MarkoPoloResearchLab/genmeter/pkg/generation"
	"github.com/MarkoPoloResearchLab/genmeter/pkg/ledger"
)

// IdempotencyKeyHeader derives a stable transaction id for a first attempt.
const IdempotencyKeyHeader = "Idempotency-Key"

const (
	claimsContextKey    = "auth_claims"
	maxWebhookBodyBytes = 1 << 20
	maxGenerateBytes    = 32 << 20
)

// ErrInvalidServerConfig indicates missing dependencies.
var ErrInvalidServerConfig = errors.New("httpapi: invalid server configuration")

// Generator runs one generation attempt.
type Generator interface {
	Generate(ctx context.Context, request generation.Request) (generation.Result, error)
}

// LedgerReader is the read side of ledger.Service.
type LedgerReader interface {
	Balance(ctx context.Context, userID ledger.UserID) (ledger.Credits, error)
	Transaction(ctx context.Context, transactionID ledger.TransactionID) (ledger.Transaction, error)
	ListTransactions(ctx context.Context, userID ledger.UserID, limit int) ([]ledger.Transaction, error)
}

// WebhookHandler applies a verified payment event.
type WebhookHandler interface {
	Handle(ctx context.Context, body []byte) (webhook.Outcome, error)
}

// SignatureVerifier checks a webhook signature.
type SignatureVerifier interface {
	Verify(body []byte, signature string) error
}

// Dependencies wires the server to the domain services.
type Dependencies struct {
	Generator  Generator
	Ledger     LedgerReader
	Webhook    WebhookHandler
	Verifier   SignatureVerifier
	Middleware []gin.HandlerFunc
	// Metrics is served on /metrics when set.
	Metrics http.Handler
	Logger  *zap.Logger
}

// Server is the HTTP façade of the daemon.
type Server struct {
	cfg       config.Config
	deps      Dependencies
	logger    *zap.Logger
	validator *sessionvalidator.Validator
}

// NewServer validates deps and builds the session validator when sessions are enabled.
func NewServer(cfg config.Config, deps Dependencies) (*Server, error) {
	if deps.Generator == nil || deps.Ledger == nil || deps.Webhook == nil || deps.Verifier == nil {
		return nil, ErrInvalidServerConfig
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	server := &Server{cfg: cfg, deps: deps, logger: logger}
	if cfg.SessionEnabled() {
		validator, err := sessionvalidator.New(sessionvalidator.Config{
			SigningKey: []byte(cfg.SessionSigningKey),
			Issuer:     cfg.SessionIssuer,
			CookieName: cfg.SessionCookieName,
		})
		if err != nil {
			return nil, fmt.Errorf("session validator: %w", err)
		}
		server.validator = validator
	}
	return server, nil
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              server.cfg.ListenAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("genmeterd listening", zap.String("addr", server.cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), server.cfg.ShutdownTimeout)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Router builds the gin engine.
func (server *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(server.deps.Middleware...)
	router.Use(cors.New(cors.Config{
		AllowOrigins:     server.cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", IdempotencyKeyHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if server.deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(server.deps.Metrics))
	}
	router.POST("/webhook", server.handleWebhook)

	api := router.Group("/api")
	if server.validator != nil {
		api.Use(server.validator.GinMiddleware(claimsContextKey))
	}
	api.POST("/generate", server.handleGenerate)
	api.GET("/balance", server.handleBalance)
	api.GET("/transactions", server.handleListTransactions)
	api.GET("/transactions/:id", server.handleTransaction)

	return router
}

func (server *Server) handleGenerate(ctx *gin.Context) {
	var request GenerateRequest
	ctx.Request.Body = http.MaxBytesReader(ctx.Writer, ctx.Request.Body, maxGenerateBytes)
	if err := ctx.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		ctx.JSON(http.StatusBadRequest, GenerateResponse{
			Error: "expected JSON body",
			Code:  generation.CodeInvalidParameters,
		})
		return
	}
	userID, ok := server.resolveUser(ctx, request.UserID)
	if !ok {
		return
	}

	result, err := server.deps.Generator.Generate(ctx.Request.Context(), generation.Request{
		UserID:        userID,
		Prompt:        request.Prompt,
		Images:        request.Images,
		Model:         request.Model,
		TransactionID: request.TransactionID,
		RequestKey:    strings.TrimSpace(ctx.GetHeader(IdempotencyKeyHeader)),
		Metadata:      request.Metadata,
	})
	if err != nil {
		var failure *generation.Failure
		if !errors.As(err, &failure) {
			server.logger.Error("generate failed", zap.Error(err))
			ctx.JSON(http.StatusInternalServerError, GenerateResponse{
				Error:    "unexpected error",
				Code:     generation.CodeUnexpectedError,
				CanRetry: true,
			})
			return
		}
		ctx.JSON(failure.Code.HTTPStatus(), GenerateResponse{
			Error:         failure.Message,
			Code:          failure.Code,
			CanRetry:      failure.CanRetry,
			TransactionID: failure.TransactionID,
			Remaining:     failure.Remaining,
		})
		return
	}

	remaining := result.Remaining
	ctx.JSON(http.StatusOK, GenerateResponse{
		Success:       true,
		Image:         result.Image,
		MimeType:      result.MimeType,
		Model:         result.Model,
		Remaining:     &remaining,
		TransactionID: result.TransactionID,
	})
}

func (server *Server) handleBalance(ctx *gin.Context) {
	rawUserID, ok := server.resolveUser(ctx, ctx.Query("user_id"))
	if !ok {
		return
	}
	userID, err := ledger.NewUserID(rawUserID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_user_id", "user_id is required"))
		return
	}
	balance, err := server.deps.Ledger.Balance(ctx.Request.Context(), userID)
	if err != nil {
		server.logger.Error("balance read failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("ledger_error", "balance unavailable"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"user_id": userID.String(), "balance": balance.Int64()})
}

func (server *Server) handleTransaction(ctx *gin.Context) {
	transactionID, err := ledger.NewTransactionID(ctx.Param("id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_transaction_id", "transaction id is required"))
		return
	}
	transaction, err := server.deps.Ledger.Transaction(ctx.Request.Context(), transactionID)
	if err != nil {
		if errors.Is(err, ledger.ErrTransactionNotFound) {
			ctx.JSON(http.StatusNotFound, errorResponse("transaction_not_found", "transaction not found"))
			return
		}
		server.logger.Error("transaction read failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("ledger_error", "transaction unavailable"))
		return
	}
	if claims := getClaims(ctx); claims != nil && claims.GetUserID() != transaction.UserID.String() {
		ctx.JSON(http.StatusNotFound, errorResponse("transaction_not_found", "transaction not found"))
		return
	}
	ctx.JSON(http.StatusOK, newTransactionPayload(transaction))
}

func (server *Server) handleListTransactions(ctx *gin.Context) {
	rawUserID, ok := server.resolveUser(ctx, ctx.Query("user_id"))
	if !ok {
		return
	}
	userID, err := ledger.NewUserID(rawUserID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_user_id", "user_id is required"))
		return
	}
	limit := 0
	if rawLimit := strings.TrimSpace(ctx.Query("limit")); rawLimit != "" {
		parsed, parseErr := strconv.Atoi(rawLimit)
		if parseErr != nil || parsed < 0 {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_limit", "limit must be a non-negative integer"))
			return
		}
		limit = parsed
	}
	transactions, err := server.deps.Ledger.ListTransactions(ctx.Request.Context(), userID, limit)
	if err != nil {
		if errors.Is(err, ledger.ErrInvalidListLimit) {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_limit", err.Error()))
			return
		}
		server.logger.Error("transaction list failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("ledger_error", "transactions unavailable"))
		return
	}
	payload := make([]transactionPayload, 0, len(transactions))
	for _, transaction := range transactions {
		payload = append(payload, newTransactionPayload(transaction))
	}
	ctx.JSON(http.StatusOK, gin.H{"user_id": userID.String(), "transactions": payload})
}

func (server *Server) handleWebhook(ctx *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(ctx.Writer, ctx.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			server.logger.Warn("webhook body too large", zap.Int64("limit", tooLarge.Limit))
			ctx.JSON(http.StatusRequestEntityTooLarge, errorResponse("payload_too_large", fmt.Sprintf("body exceeds %d bytes", tooLarge.Limit)))
			return
		}
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "unreadable body"))
		return
	}
	if err := server.deps.Verifier.Verify(body, ctx.GetHeader(webhook.SignatureHeader)); err != nil {
		server.logger.Warn("webhook signature rejected", zap.Error(err))
		ctx.JSON(http.StatusUnauthorized, errorResponse("invalid_signature", "signature verification failed"))
		return
	}
	outcome, err := server.deps.Webhook.Handle(ctx.Request.Context(), body)
	if err != nil {
		if errors.Is(err, webhook.ErrMalformedEvent) {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", err.Error()))
			return
		}
		server.logger.Error("webhook processing failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("ledger_error", "event not applied"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"received": true, "status": string(outcome)})
}

// resolveUser returns the session user when sessions are enabled, fallback otherwise.
func (server *Server) resolveUser(ctx *gin.Context, fallback string) (string, bool) {
	if server.validator == nil {
		return fallback, true
	}
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return "", false
	}
	return claims.GetUserID(), true
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

// GenerateRequest is the body of POST /api/generate.
type GenerateRequest struct {
	UserID        string            `json:"user_id"`
	Prompt        string            `json:"prompt"`
	Images        []string          `json:"images,omitempty"`
	Model         string            `json:"model,omitempty"`
	TransactionID string            `json:"transaction_id,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// GenerateResponse is the body returned by POST /api/generate.
type GenerateResponse struct {
	Success       bool            `json:"success"`
	Image         string          `json:"image,omitempty"`
	MimeType      string          `json:"mime_type,omitempty"`
	Model         string          `json:"model,omitempty"`
	Remaining     *int64          `json:"remaining,omitempty"`
	TransactionID string          `json:"transaction_id,omitempty"`
	Error         string          `json:"error,omitempty"`
	Code          generation.Code `json:"code,omitempty"`
	CanRetry      bool            `json:"can_retry"`
}

type transactionPayload struct {
	TransactionID     string          `json:"transaction_id"`
	UserID            string          `json:"user_id"`
	Amount            int64           `json:"amount"`
	Status            string          `json:"status"`
	RetryCount        int             `json:"retry_count"`
	MaxRetries        int             `json:"max_retries"`
	OperationType     string          `json:"operation_type"`
	Provider          string          `json:"provider"`
	Model             string          `json:"model"`
	PromptFingerprint string          `json:"prompt_fingerprint,omitempty"`
	FailureReason     string          `json:"failure_reason,omitempty"`
	Metadata          json.RawMessage `json:"metadata"`
	CreatedUnixUTC    int64           `json:"created_unix_utc"`
	UpdatedUnixUTC    int64           `json:"updated_unix_utc"`
}

func newTransactionPayload(transaction ledger.Transaction) transactionPayload {
	return transactionPayload{
		TransactionID:     transaction.TransactionID.String(),
		UserID:            transaction.UserID.String(),
		Amount:            transaction.Amount.Int64(),
		Status:            transaction.Status.String(),
		RetryCount:        transaction.RetryCount,
		MaxRetries:        transaction.MaxRetries,
		OperationType:     transaction.OperationType,
		Provider:          transaction.Provider,
		Model:             transaction.ModelUsed,
		PromptFingerprint: transaction.PromptFingerprint,
		FailureReason:     transaction.FailureReason,
		Metadata:          json.RawMessage(transaction.Metadata.String()),
		CreatedUnixUTC:    transaction.CreatedUnixUTC,
		UpdatedUnixUTC:    transaction.UpdatedUnixUTC,
	}
}
