package ledger

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the ledger service.
var (
	ErrInsufficientCredits      = errors.New("insufficient credits")
	ErrDuplicateTransaction     = errors.New("duplicate transaction")
	ErrTransactionNotFound      = errors.New("transaction not found")
	ErrTransactionClosed        = errors.New("transaction closed")
	ErrAccountNotFound          = errors.New("account not found")
	ErrDuplicateOrder           = errors.New("duplicate order")
	ErrOrderNotFound            = errors.New("order not found")
	ErrInvalidUserID            = errors.New("invalid user id")
	ErrInvalidTransactionID     = errors.New("invalid transaction id")
	ErrInvalidExternalOrderID   = errors.New("invalid external order id")
	ErrInvalidEmail             = errors.New("invalid email")
	ErrInvalidCredits           = errors.New("invalid credits")
	ErrInvalidMaxRetries        = errors.New("invalid max retries")
	ErrInvalidMetadataJSON      = errors.New("invalid metadata json")
	ErrInvalidTransactionStatus = errors.New("invalid transaction status")
	ErrInvalidOrderStatus       = errors.New("invalid order status")
	ErrInvalidServiceConfig     = errors.New("invalid service config")
	ErrInvalidBalance           = errors.New("invalid balance")
	ErrTransactionOwnerMismatch = errors.New("transaction belongs to another user")
	ErrInvalidListLimit         = errors.New("invalid list limit")
	ErrInvalidStaleCutoff       = errors.New("invalid stale cutoff")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
