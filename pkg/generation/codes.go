package generation

import (
	"fmt"
	"net/http"
)

// Code classifies the outcome of a generation request for callers.
type Code string

const (
	CodeMissingParameters      Code = "MISSING_PARAMETERS"
	CodeInvalidParameters      Code = "INVALID_PARAMETERS"
	CodeInsufficientCredits    Code = "INSUFFICIENT_CREDITS"
	CodeDuplicateTransactionID Code = "DUPLICATE_TRANSACTION_ID"
	CodeTransactionNotFound    Code = "TRANSACTION_NOT_FOUND"
	CodeMaxRetriesExceeded     Code = "MAX_RETRIES_EXCEEDED"
	CodeGenerationFailed       Code = "GENERATION_FAILED"
	CodeDeductionFailed        Code = "DEDUCTION_FAILED"
	CodeUnexpectedError        Code = "UNEXPECTED_ERROR"
)

// HTTPStatus maps the code onto the status returned by the generation endpoint.
func (code Code) HTTPStatus() int {
	switch code {
	case CodeMissingParameters, CodeInvalidParameters:
		return http.StatusBadRequest
	case CodeInsufficientCredits:
		return http.StatusPaymentRequired
	case CodeDuplicateTransactionID:
		return http.StatusConflict
	case CodeTransactionNotFound:
		return http.StatusNotFound
	case CodeMaxRetriesExceeded:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Failure is the error returned by Generate for every unsuccessful request.
type Failure struct {
	Code          Code
	Message       string
	CanRetry      bool
	TransactionID string
	// Remaining is the caller's balance when it is known.
	Remaining *int64
	Err       error
}

func (failure *Failure) Error() string {
	if failure.Err != nil {
		return fmt.Sprintf("%s: %s: %v", failure.Code, failure.Message, failure.Err)
	}
	return fmt.Sprintf("%s: %s", failure.Code, failure.Message)
}

func (failure *Failure) Unwrap() error {
	return failure.Err
}
