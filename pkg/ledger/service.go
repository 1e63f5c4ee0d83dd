package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Service contains the credit ledger logic over a Store.
type Service struct {
	store             Store
	nowFn             func() int64
	logger            OperationLogger
	initialCredits    Credits
	defaultMaxRetries int
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now, defaultMaxRetries: defaultMaxRetries}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	if service.initialCredits < 0 {
		return nil, fmt.Errorf("%w: initial credits must be non-negative", ErrInvalidServiceConfig)
	}
	if service.defaultMaxRetries < 0 {
		return nil, fmt.Errorf("%w: max retries must be non-negative", ErrInvalidServiceConfig)
	}
	return service, nil
}

// Reserve debits amount and opens a processing transaction, or replays the
// existing transaction when the id has been seen before.
func (service *Service) Reserve(ctx context.Context, request ReserveRequest) (Reservation, error) {
	var reservation Reservation
	operationError := validateReserveRequest(request)
	if operationError == nil {
		operationError = service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			existing, err := transactionStore.GetTransaction(ctx, request.TransactionID)
			if err == nil {
				return service.replayReservation(ctx, transactionStore, request, existing, &reservation)
			}
			if !errors.Is(err, ErrTransactionNotFound) {
				return err
			}
			account, err := transactionStore.GetOrCreateAccount(ctx, request.UserID, service.initialCredits)
			if err != nil {
				return err
			}
			if account.Balance < request.Amount.ToCredits() {
				return ErrInsufficientCredits
			}
			balanceAfter, err := transactionStore.AdjustBalance(ctx, request.UserID, -request.Amount.Int64())
			if err != nil {
				return err
			}
			nowUnixUTC := service.nowFn()
			transaction := Transaction{
				TransactionID:     request.TransactionID,
				UserID:            request.UserID,
				Amount:            request.Amount,
				Status:            TransactionStatusProcessing,
				RetryCount:        0,
				MaxRetries:        service.maxRetriesFor(request.MaxRetries),
				OperationType:     defaultIfEmpty(request.OperationType, defaultOperationType),
				Provider:          request.Provider,
				ModelUsed:         request.Model,
				PromptFingerprint: request.PromptFingerprint,
				Metadata:          request.Metadata,
				CreatedUnixUTC:    nowUnixUTC,
				UpdatedUnixUTC:    nowUnixUTC,
			}
			if err := transactionStore.InsertTransaction(ctx, transaction); err != nil {
				return err
			}
			reservation = Reservation{BalanceAfter: balanceAfter, Transaction: transaction}
			return nil
		})
	}
	if errors.Is(operationError, ErrDuplicateTransaction) {
		// A concurrent reservation committed the same id first; our debit was rolled back.
		operationError = service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			existing, err := transactionStore.GetTransaction(ctx, request.TransactionID)
			if err != nil {
				return WrapError(errorOperationService, errorSubjectTransaction, errorCodeReread, err)
			}
			return service.replayReservation(ctx, transactionStore, request, existing, &reservation)
		})
	}
	status := ""
	if operationError == nil && reservation.Duplicate {
		status = operationStatusDuplicate
	}
	service.logOperation(ctx, OperationLog{
		Operation:     operationReserve,
		UserID:        request.UserID,
		TransactionID: request.TransactionID,
		Amount:        request.Amount.Int64(),
		Status:        status,
		Error:         operationError,
	})
	if operationError != nil {
		return Reservation{}, operationError
	}
	return reservation, nil
}

func (service *Service) replayReservation(ctx context.Context, transactionStore Store, request ReserveRequest, existing Transaction, reservation *Reservation) error {
	if existing.UserID != request.UserID {
		return ErrTransactionOwnerMismatch
	}
	account, err := transactionStore.GetOrCreateAccount(ctx, existing.UserID, service.initialCredits)
	if err != nil {
		return err
	}
	*reservation = Reservation{BalanceAfter: account.Balance, Transaction: existing, Duplicate: true}
	return nil
}

// Complete marks a processing transaction completed and stamps metadata.
// Completing an already completed transaction returns it unchanged.
func (service *Service) Complete(ctx context.Context, transactionID TransactionID, metadata MetadataJSON) (Transaction, error) {
	var completed Transaction
	status := ""
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		existing, err := transactionStore.GetTransaction(ctx, transactionID)
		if err != nil {
			return err
		}
		switch existing.Status {
		case TransactionStatusCompleted:
			completed = existing
			status = operationStatusNoop
			return nil
		case TransactionStatusProcessing:
		default:
			return fmt.Errorf("%w: cannot complete from %s", ErrTransactionClosed, existing.Status)
		}
		next := existing
		next.Status = TransactionStatusCompleted
		next.Metadata = mergeMetadata(existing.Metadata, metadata)
		next.UpdatedUnixUTC = service.nowFn()
		if err := transactionStore.CompareAndSwapTransaction(ctx, existing, next); err != nil {
			return err
		}
		completed = next
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operationComplete,
		UserID:        completed.UserID,
		TransactionID: transactionID,
		Amount:        completed.Amount.Int64(),
		Status:        status,
		Error:         operationError,
	})
	if operationError != nil {
		return Transaction{}, operationError
	}
	return completed, nil
}

// Fail records a failure reason on a processing transaction without moving credits.
func (service *Service) Fail(ctx context.Context, transactionID TransactionID, reason string) (Transaction, error) {
	var failed Transaction
	status := ""
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		existing, err := transactionStore.GetTransaction(ctx, transactionID)
		if err != nil {
			return err
		}
		switch existing.Status {
		case TransactionStatusFailed:
			failed = existing
			status = operationStatusNoop
			return nil
		case TransactionStatusProcessing:
		default:
			return fmt.Errorf("%w: cannot fail from %s", ErrTransactionClosed, existing.Status)
		}
		next := existing
		next.Status = TransactionStatusFailed
		next.FailureReason = reason
		next.UpdatedUnixUTC = service.nowFn()
		if err := transactionStore.CompareAndSwapTransaction(ctx, existing, next); err != nil {
			return err
		}
		failed = next
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operationFail,
		UserID:        failed.UserID,
		TransactionID: transactionID,
		Amount:        failed.Amount.Int64(),
		Reason:        reason,
		Status:        status,
		Error:         operationError,
	})
	if operationError != nil {
		return Transaction{}, operationError
	}
	return failed, nil
}

// Refund credits the reserved amount back once. Refunding a completed or
// already refunded transaction reports Refunded=false and changes nothing.
func (service *Service) Refund(ctx context.Context, transactionID TransactionID, reason string) (RefundResult, error) {
	var result RefundResult
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		existing, err := transactionStore.GetTransaction(ctx, transactionID)
		if err != nil {
			return err
		}
		account, err := transactionStore.GetOrCreateAccount(ctx, existing.UserID, service.initialCredits)
		if err != nil {
			return err
		}
		if !existing.Status.Refundable() {
			result = RefundResult{BalanceAfter: account.Balance, Refunded: false, Transaction: existing}
			return nil
		}
		next := existing
		next.Status = TransactionStatusRefunded
		if reason != "" {
			next.FailureReason = reason
		}
		next.UpdatedUnixUTC = service.nowFn()
		if err := transactionStore.CompareAndSwapTransaction(ctx, existing, next); err != nil {
			return err
		}
		balanceAfter, err := transactionStore.AdjustBalance(ctx, existing.UserID, existing.Amount.Int64())
		if err != nil {
			return err
		}
		result = RefundResult{BalanceAfter: balanceAfter, Refunded: true, Transaction: next}
		return nil
	})
	status := ""
	if operationError == nil && !result.Refunded {
		status = operationStatusNoop
	}
	service.logOperation(ctx, OperationLog{
		Operation:     operationRefund,
		UserID:        result.Transaction.UserID,
		TransactionID: transactionID,
		Amount:        result.Transaction.Amount.Int64(),
		Reason:        reason,
		Status:        status,
		Error:         operationError,
	})
	if operationError != nil {
		return RefundResult{}, operationError
	}
	return result, nil
}

// Retry consumes one unit of the transaction's retry budget. A refunded
// transaction is re-armed by debiting its amount again.
func (service *Service) Retry(ctx context.Context, transactionID TransactionID) (RetryResult, error) {
	var result RetryResult
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		existing, err := transactionStore.GetTransaction(ctx, transactionID)
		if err != nil {
			return err
		}
		if existing.Status == TransactionStatusCompleted {
			return fmt.Errorf("%w: transaction already completed", ErrTransactionClosed)
		}
		account, err := transactionStore.GetOrCreateAccount(ctx, existing.UserID, service.initialCredits)
		if err != nil {
			return err
		}
		if existing.RetryCount >= existing.MaxRetries {
			result = RetryResult{CanRetry: false, RetryCount: existing.RetryCount, BalanceAfter: account.Balance, Transaction: existing}
			return nil
		}
		next := existing
		next.Status = TransactionStatusProcessing
		next.RetryCount = existing.RetryCount + 1
		next.FailureReason = ""
		next.UpdatedUnixUTC = service.nowFn()
		balanceAfter := account.Balance
		rearmed := false
		if existing.Status == TransactionStatusRefunded {
			if account.Balance < existing.Amount.ToCredits() {
				return ErrInsufficientCredits
			}
			balanceAfter, err = transactionStore.AdjustBalance(ctx, existing.UserID, -existing.Amount.Int64())
			if err != nil {
				return err
			}
			rearmed = true
		}
		if err := transactionStore.CompareAndSwapTransaction(ctx, existing, next); err != nil {
			return err
		}
		result = RetryResult{CanRetry: true, RetryCount: next.RetryCount, Rearmed: rearmed, BalanceAfter: balanceAfter, Transaction: next}
		return nil
	})
	status := ""
	if operationError == nil && !result.CanRetry {
		status = operationStatusNoop
	}
	service.logOperation(ctx, OperationLog{
		Operation:     operationRetry,
		UserID:        result.Transaction.UserID,
		TransactionID: transactionID,
		Amount:        result.Transaction.Amount.Int64(),
		Status:        status,
		Error:         operationError,
	})
	if operationError != nil {
		return RetryResult{}, operationError
	}
	return result, nil
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func (service *Service) maxRetriesFor(requested int) int {
	if requested > 0 {
		return requested
	}
	return service.defaultMaxRetries
}

func validateReserveRequest(request ReserveRequest) error {
	if request.UserID.String() == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if request.TransactionID.String() == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidTransactionID)
	}
	if request.Amount <= 0 {
		return fmt.Errorf("%w: must be greater than zero", ErrInvalidCredits)
	}
	if request.MaxRetries < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidMaxRetries, request.MaxRetries)
	}
	return nil
}

// mergeMetadata overlays object keys from overlay onto base. Non-object
// payloads are replaced wholesale.
func mergeMetadata(base MetadataJSON, overlay MetadataJSON) MetadataJSON {
	baseFields := map[string]json.RawMessage{}
	overlayFields := map[string]json.RawMessage{}
	if err := json.Unmarshal([]byte(overlay.String()), &overlayFields); err != nil {
		return overlay
	}
	if len(overlayFields) == 0 {
		return base
	}
	if err := json.Unmarshal([]byte(base.String()), &baseFields); err != nil {
		return overlay
	}
	if baseFields == nil {
		baseFields = map[string]json.RawMessage{}
	}
	for key, value := range overlayFields {
		baseFields[key] = value
	}
	return MarshalMetadata(baseFields)
}

func defaultIfEmpty(value string, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
