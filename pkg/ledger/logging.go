package ledger

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation     string
	UserID        UserID
	TransactionID TransactionID
	OrderID       ExternalOrderID
	Amount        int64
	Reason        string
	Status        string
	Error         error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithInitialCredits sets the balance granted to accounts on creation.
func WithInitialCredits(credits Credits) ServiceOption {
	return func(service *Service) {
		service.initialCredits = credits
	}
}

// WithDefaultMaxRetries sets the retry budget used when a reservation does not specify one.
func WithDefaultMaxRetries(maxRetries int) ServiceOption {
	return func(service *Service) {
		service.defaultMaxRetries = maxRetries
	}
}
