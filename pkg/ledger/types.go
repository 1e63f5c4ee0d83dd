package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Credits is a non-negative credit count.
type Credits int64

// PositiveCredits is a strictly positive credit count.
type PositiveCredits int64

// UserID identifies an account owner.
type UserID struct {
	value string
}

// TransactionID is the idempotency key of a metered generation.
type TransactionID struct {
	value string
}

// ExternalOrderID is the payment provider's order identifier.
type ExternalOrderID struct {
	value string
}

// Email is a normalized customer email address.
type Email struct {
	value string
}

// MetadataJSON stores arbitrary request metadata.
type MetadataJSON struct {
	value string
}

// TransactionStatus defines the transaction lifecycle.
type TransactionStatus string

const (
	TransactionStatusProcessing TransactionStatus = "processing"
	TransactionStatusCompleted  TransactionStatus = "completed"
	TransactionStatusFailed     TransactionStatus = "failed"
	TransactionStatusRefunded   TransactionStatus = "refunded"
)

// OrderStatus defines the lifecycle of a recorded payment order.
type OrderStatus string

const (
	OrderStatusCompleted OrderStatus = "completed"
	OrderStatusPaid      OrderStatus = "paid"
	OrderStatusCanceled  OrderStatus = "canceled"
	OrderStatusRefunded  OrderStatus = "refunded"
	OrderStatusDisputed  OrderStatus = "disputed"
)

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// NewTransactionID validates and normalizes a transaction id.
func NewTransactionID(raw string) (TransactionID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return TransactionID{}, fmt.Errorf("%w: empty value", ErrInvalidTransactionID)
	}
	return TransactionID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id TransactionID) String() string {
	return id.value
}

// NewExternalOrderID validates and normalizes an external order id.
func NewExternalOrderID(raw string) (ExternalOrderID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ExternalOrderID{}, fmt.Errorf("%w: empty value", ErrInvalidExternalOrderID)
	}
	return ExternalOrderID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ExternalOrderID) String() string {
	return id.value
}

// NewEmail validates and lowercases an email address.
func NewEmail(raw string) (Email, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	at := strings.LastIndex(normalized, "@")
	if at <= 0 || at == len(normalized)-1 {
		return Email{}, fmt.Errorf("%w: %q", ErrInvalidEmail, raw)
	}
	return Email{value: normalized}, nil
}

// String returns the normalized address.
func (email Email) String() string {
	return email.value
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// MarshalMetadata encodes a value as metadata, falling back to "{}".
func MarshalMetadata(value any) MetadataJSON {
	raw, err := json.Marshal(value)
	if err != nil {
		return MetadataJSON{value: "{}"}
	}
	metadata, err := NewMetadataJSON(string(raw))
	if err != nil {
		return MetadataJSON{value: "{}"}
	}
	return metadata
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

// NewCredits validates a non-negative credit count.
func NewCredits(raw int64) (Credits, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must be non-negative", ErrInvalidCredits)
	}
	return Credits(raw), nil
}

// Int64 returns the raw value.
func (credits Credits) Int64() int64 {
	return int64(credits)
}

// NewPositiveCredits validates a strictly positive credit count.
func NewPositiveCredits(raw int64) (PositiveCredits, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidCredits)
	}
	return PositiveCredits(raw), nil
}

// Int64 returns the raw value.
func (credits PositiveCredits) Int64() int64 {
	return int64(credits)
}

// ToCredits widens the value to Credits.
func (credits PositiveCredits) ToCredits() Credits {
	return Credits(credits)
}

// ParseTransactionStatus validates a stored transaction status.
func ParseTransactionStatus(raw string) (TransactionStatus, error) {
	status := TransactionStatus(strings.TrimSpace(raw))
	switch status {
	case TransactionStatusProcessing, TransactionStatusCompleted, TransactionStatusFailed, TransactionStatusRefunded:
		return status, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTransactionStatus, raw)
	}
}

// String returns the status value.
func (status TransactionStatus) String() string {
	return string(status)
}

// Refundable reports whether a refund may be applied from this status.
func (status TransactionStatus) Refundable() bool {
	return status == TransactionStatusProcessing || status == TransactionStatusFailed
}

// ParseOrderStatus validates a stored order status.
func ParseOrderStatus(raw string) (OrderStatus, error) {
	status := OrderStatus(strings.TrimSpace(raw))
	switch status {
	case OrderStatusCompleted, OrderStatusPaid, OrderStatusCanceled, OrderStatusRefunded, OrderStatusDisputed:
		return status, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidOrderStatus, raw)
	}
}

// String returns the status value.
func (status OrderStatus) String() string {
	return string(status)
}

// Account is the balance row of a user.
type Account struct {
	UserID  UserID
	Balance Credits
	Email   string
}

// Transaction is the audit record of one metered generation.
type Transaction struct {
	TransactionID     TransactionID
	UserID            UserID
	Amount            PositiveCredits
	Status            TransactionStatus
	RetryCount        int
	MaxRetries        int
	OperationType     string
	Provider          string
	ModelUsed         string
	PromptFingerprint string
	Metadata          MetadataJSON
	FailureReason     string
	CreatedUnixUTC    int64
	UpdatedUnixUTC    int64
}

// Order is a payment order that topped up a balance.
type Order struct {
	ExternalID     ExternalOrderID
	UserID         UserID
	Amount         Credits
	BonusCredits   Credits
	Status         OrderStatus
	EventType      string
	Metadata       MetadataJSON
	CreatedUnixUTC int64
	UpdatedUnixUTC int64
}

// TotalCredits returns the credits granted by the order.
func (order Order) TotalCredits() Credits {
	return order.Amount + order.BonusCredits
}

// ReserveRequest describes a reservation to open.
type ReserveRequest struct {
	UserID            UserID
	Amount            PositiveCredits
	TransactionID     TransactionID
	MaxRetries        int
	OperationType     string
	Provider          string
	Model             string
	PromptFingerprint string
	Metadata          MetadataJSON
}

// Reservation is the outcome of Reserve.
type Reservation struct {
	BalanceAfter Credits
	Transaction  Transaction
	// Duplicate is set when the transaction id already existed and nothing was debited.
	Duplicate bool
}

// RefundResult is the outcome of Refund.
type RefundResult struct {
	BalanceAfter Credits
	Refunded     bool
	Transaction  Transaction
}

// RetryResult is the outcome of Retry.
type RetryResult struct {
	CanRetry     bool
	RetryCount   int
	Rearmed      bool
	BalanceAfter Credits
	Transaction  Transaction
}

// OrderResult is the outcome of RecordOrder.
type OrderResult struct {
	Order        Order
	BalanceAfter Credits
	Duplicate    bool
}

// Store is the persistence contract used by Service.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	// GetOrCreateAccount returns the account row, locked for the rest of the transaction.
	GetOrCreateAccount(ctx context.Context, userID UserID, initialBalance Credits) (Account, error)
	// AdjustBalance applies delta and returns the new balance; it fails with
	// ErrInsufficientCredits rather than letting the balance go negative.
	AdjustBalance(ctx context.Context, userID UserID, delta int64) (Credits, error)
	SetAccountEmail(ctx context.Context, userID UserID, email Email) error
	FindUserByEmail(ctx context.Context, email Email) (UserID, error)
	InsertTransaction(ctx context.Context, transaction Transaction) error
	GetTransaction(ctx context.Context, transactionID TransactionID) (Transaction, error)
	// CompareAndSwapTransaction writes next only if the stored row still matches
	// expected's status and retry count; otherwise it fails with ErrTransactionClosed.
	CompareAndSwapTransaction(ctx context.Context, expected Transaction, next Transaction) error
	ListTransactions(ctx context.Context, userID UserID, limit int) ([]Transaction, error)
	ListStaleTransactions(ctx context.Context, updatedBeforeUnixUTC int64, limit int) ([]Transaction, error)
	GetOrder(ctx context.Context, externalID ExternalOrderID) (Order, error)
	InsertOrder(ctx context.Context, order Order) error
	UpdateOrderStatus(ctx context.Context, externalID ExternalOrderID, status OrderStatus, updatedUnixUTC int64) error
}
