// Package webhook turns payment provider events into idempotent ledger
// top-ups and order status changes.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/genmeter/pkg/ledger"
)

// Event types acted on by the reconciler.
const (
	EventCheckoutCompleted    = "checkout.completed"
	EventSubscriptionPaid     = "subscription.paid"
	EventSubscriptionCanceled = "subscription.canceled"
	EventRefundCreated        = "refund.created"
	EventDisputeCreated       = "dispute.created"
)

const metadataUserIDKey = "user_id"

// Outcome describes how an event was handled.
type Outcome string

const (
	OutcomeApplied    Outcome = "applied"
	OutcomeDuplicate  Outcome = "duplicate"
	OutcomeIgnored    Outcome = "ignored"
	OutcomeUnresolved Outcome = "unresolved"
)

// ErrMalformedEvent indicates a body that is not a valid event envelope.
var ErrMalformedEvent = errors.New("webhook: malformed event")

// Ledger is the subset of ledger.Service used by the reconciler.
type Ledger interface {
	RecordOrder(ctx context.Context, order ledger.Order) (ledger.OrderResult, error)
	UpdateOrderStatus(ctx context.Context, externalID ledger.ExternalOrderID, status ledger.OrderStatus) (ledger.Order, error)
	ResolveEmail(ctx context.Context, email ledger.Email) (ledger.UserID, error)
	LinkEmail(ctx context.Context, userID ledger.UserID, email ledger.Email) error
}

// Recorder receives webhook metrics.
type Recorder interface {
	WebhookProcessed(eventType string, outcome string)
}

// Envelope is the outer shape of every delivery.
type Envelope struct {
	ID        string          `json:"id"`
	EventType string          `json:"eventType"`
	Object    json.RawMessage `json:"object"`
}

// Object is the event payload fields the reconciler reads.
type Object struct {
	ID        string            `json:"id"`
	OrderID   string            `json:"order_id"`
	ProductID string            `json:"product_id"`
	Customer  Customer          `json:"customer"`
	Product   ProductRef        `json:"product"`
	Metadata  map[string]string `json:"metadata"`
}

// Customer identifies the payer.
type Customer struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// ProductRef names the purchased product.
type ProductRef struct {
	ID string `json:"id"`
}

func (object Object) orderID() string {
	if strings.TrimSpace(object.OrderID) != "" {
		return object.OrderID
	}
	return object.ID
}

func (object Object) productID() string {
	if strings.TrimSpace(object.Product.ID) != "" {
		return object.Product.ID
	}
	return object.ProductID
}

// Reconciler applies webhook events to the ledger.
type Reconciler struct {
	ledger   Ledger
	products ProductTable
	logger   *zap.Logger
	metrics  Recorder
}

// NewReconciler wires a Reconciler. metrics may be nil.
func NewReconciler(ledgerService Ledger, products ProductTable, logger *zap.Logger, metrics Recorder) (*Reconciler, error) {
	if ledgerService == nil {
		return nil, errors.New("webhook: ledger is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if products == nil {
		products = ProductTable{}
	}
	return &Reconciler{ledger: ledgerService, products: products, logger: logger, metrics: metrics}, nil
}

// Handle decodes body and applies the event. Errors other than
// ErrMalformedEvent are ledger failures the sender should redeliver.
func (reconciler *Reconciler) Handle(ctx context.Context, body []byte) (Outcome, error) {
	var envelope Envelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if strings.TrimSpace(envelope.EventType) == "" {
		return "", fmt.Errorf("%w: missing eventType", ErrMalformedEvent)
	}
	outcome, err := reconciler.dispatch(ctx, envelope)
	if err == nil && reconciler.metrics != nil {
		reconciler.metrics.WebhookProcessed(envelope.EventType, string(outcome))
	}
	return outcome, err
}

func (reconciler *Reconciler) dispatch(ctx context.Context, envelope Envelope) (Outcome, error) {
	switch envelope.EventType {
	case EventCheckoutCompleted:
		return reconciler.topUp(ctx, envelope, ledger.OrderStatusCompleted)
	case EventSubscriptionPaid:
		return reconciler.topUp(ctx, envelope, ledger.OrderStatusPaid)
	case EventSubscriptionCanceled:
		return reconciler.updateStatus(ctx, envelope, ledger.OrderStatusCanceled)
	case EventRefundCreated:
		return reconciler.updateStatus(ctx, envelope, ledger.OrderStatusRefunded)
	case EventDisputeCreated:
		return reconciler.updateStatus(ctx, envelope, ledger.OrderStatusDisputed)
	default:
		reconciler.logger.Info("webhook event ignored", zap.String("event_id", envelope.ID), zap.String("event_type", envelope.EventType))
		return OutcomeIgnored, nil
	}
}

func (reconciler *Reconciler) topUp(ctx context.Context, envelope Envelope, status ledger.OrderStatus) (Outcome, error) {
	object, err := decodeObject(envelope)
	if err != nil {
		return "", err
	}
	externalID, err := ledger.NewExternalOrderID(object.orderID())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	product, found := reconciler.products.Lookup(object.productID())
	if !found {
		reconciler.logger.Warn("webhook product not in table",
			zap.String("event_id", envelope.ID),
			zap.String("order_id", externalID.String()),
			zap.String("product_id", object.productID()),
		)
		return OutcomeUnresolved, nil
	}
	userID, resolved, err := reconciler.resolveUser(ctx, object)
	if err != nil {
		return "", err
	}
	if !resolved {
		reconciler.logger.Warn("webhook customer not resolved",
			zap.String("event_id", envelope.ID),
			zap.String("order_id", externalID.String()),
		)
		return OutcomeUnresolved, nil
	}

	result, err := reconciler.ledger.RecordOrder(ctx, ledger.Order{
		ExternalID:   externalID,
		UserID:       userID,
		Amount:       ledger.Credits(product.Credits),
		BonusCredits: ledger.Credits(product.Bonus),
		Status:       status,
		EventType:    envelope.EventType,
		Metadata: ledger.MarshalMetadata(map[string]string{
			"event_id":   envelope.ID,
			"product_id": product.ID,
		}),
	})
	if err != nil {
		return "", fmt.Errorf("record order %s: %w", externalID.String(), err)
	}
	if result.Duplicate {
		reconciler.logger.Info("webhook order already recorded", zap.String("order_id", externalID.String()))
		return OutcomeDuplicate, nil
	}
	reconciler.logger.Info("webhook order recorded",
		zap.String("order_id", externalID.String()),
		zap.String("user_id", userID.String()),
		zap.Int64("credits", result.Order.TotalCredits().Int64()),
		zap.Int64("balance_after", result.BalanceAfter.Int64()),
	)
	return OutcomeApplied, nil
}

// resolveUser maps the payer onto a user: by linked email first, then by the
// user id the checkout was created with. An email seen with a metadata user id
// is linked for later events.
func (reconciler *Reconciler) resolveUser(ctx context.Context, object Object) (ledger.UserID, bool, error) {
	email, emailErr := ledger.NewEmail(object.Customer.Email)
	if emailErr == nil {
		userID, err := reconciler.ledger.ResolveEmail(ctx, email)
		if err == nil {
			return userID, true, nil
		}
		if !errors.Is(err, ledger.ErrAccountNotFound) {
			return ledger.UserID{}, false, fmt.Errorf("resolve customer email: %w", err)
		}
	}
	userID, err := ledger.NewUserID(object.Metadata[metadataUserIDKey])
	if err != nil {
		return ledger.UserID{}, false, nil
	}
	if emailErr == nil {
		if err := reconciler.ledger.LinkEmail(ctx, userID, email); err != nil {
			reconciler.logger.Warn("link customer email failed", zap.String("user_id", userID.String()), zap.Error(err))
		}
	}
	return userID, true, nil
}

func (reconciler *Reconciler) updateStatus(ctx context.Context, envelope Envelope, status ledger.OrderStatus) (Outcome, error) {
	object, err := decodeObject(envelope)
	if err != nil {
		return "", err
	}
	externalID, err := ledger.NewExternalOrderID(object.orderID())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if _, err := reconciler.ledger.UpdateOrderStatus(ctx, externalID, status); err != nil {
		if errors.Is(err, ledger.ErrOrderNotFound) {
			reconciler.logger.Warn("webhook references unknown order",
				zap.String("event_id", envelope.ID),
				zap.String("order_id", externalID.String()),
				zap.String("status", status.String()),
			)
			return OutcomeUnresolved, nil
		}
		return "", fmt.Errorf("update order %s: %w", externalID.String(), err)
	}
	reconciler.logger.Info("webhook order status updated",
		zap.String("order_id", externalID.String()),
		zap.String("status", status.String()),
	)
	return OutcomeApplied, nil
}

func decodeObject(envelope Envelope) (Object, error) {
	var object Object
	if len(envelope.Object) == 0 {
		return Object{}, fmt.Errorf("%w: missing object", ErrMalformedEvent)
	}
	if err := json.Unmarshal(envelope.Object, &object); err != nil {
		return Object{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return object, nil
}
