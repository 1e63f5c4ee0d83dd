package ledger

import (
	"context"
	"errors"
	"fmt"
)

// Recharge credits a user's balance unconditionally and returns the new balance.
func (service *Service) Recharge(ctx context.Context, userID UserID, amount PositiveCredits) (Credits, error) {
	var balanceAfter Credits
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if _, err := transactionStore.GetOrCreateAccount(ctx, userID, service.initialCredits); err != nil {
			return err
		}
		updated, err := transactionStore.AdjustBalance(ctx, userID, amount.Int64())
		if err != nil {
			return err
		}
		balanceAfter = updated
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationRecharge,
		UserID:    userID,
		Amount:    amount.Int64(),
		Error:     operationError,
	})
	if operationError != nil {
		return 0, operationError
	}
	return balanceAfter, nil
}

// RecordOrder tops up the order owner's balance and stores the order, once per external id.
func (service *Service) RecordOrder(ctx context.Context, order Order) (OrderResult, error) {
	var result OrderResult
	operationError := validateOrder(order)
	if operationError == nil {
		operationError = service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			return service.recordOrder(ctx, transactionStore, order, &result)
		})
	}
	if errors.Is(operationError, ErrDuplicateOrder) {
		operationError = service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			return service.recordOrder(ctx, transactionStore, order, &result)
		})
	}
	status := ""
	if operationError == nil && result.Duplicate {
		status = operationStatusDuplicate
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationRecordOrder,
		UserID:    order.UserID,
		OrderID:   order.ExternalID,
		Amount:    order.TotalCredits().Int64(),
		Status:    status,
		Error:     operationError,
	})
	if operationError != nil {
		return OrderResult{}, operationError
	}
	return result, nil
}

func (service *Service) recordOrder(ctx context.Context, transactionStore Store, order Order, result *OrderResult) error {
	existing, err := transactionStore.GetOrder(ctx, order.ExternalID)
	if err == nil {
		account, err := transactionStore.GetOrCreateAccount(ctx, existing.UserID, service.initialCredits)
		if err != nil {
			return err
		}
		*result = OrderResult{Order: existing, BalanceAfter: account.Balance, Duplicate: true}
		return nil
	}
	if !errors.Is(err, ErrOrderNotFound) {
		return err
	}
	account, err := transactionStore.GetOrCreateAccount(ctx, order.UserID, service.initialCredits)
	if err != nil {
		return err
	}
	balanceAfter := account.Balance
	if total := order.TotalCredits(); total > 0 {
		balanceAfter, err = transactionStore.AdjustBalance(ctx, order.UserID, total.Int64())
		if err != nil {
			return err
		}
	}
	nowUnixUTC := service.nowFn()
	order.CreatedUnixUTC = nowUnixUTC
	order.UpdatedUnixUTC = nowUnixUTC
	if err := transactionStore.InsertOrder(ctx, order); err != nil {
		return err
	}
	*result = OrderResult{Order: order, BalanceAfter: balanceAfter}
	return nil
}

// UpdateOrderStatus moves a recorded order to a new status without touching balances.
func (service *Service) UpdateOrderStatus(ctx context.Context, externalID ExternalOrderID, status OrderStatus) (Order, error) {
	var updated Order
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		existing, err := transactionStore.GetOrder(ctx, externalID)
		if err != nil {
			return err
		}
		nowUnixUTC := service.nowFn()
		if err := transactionStore.UpdateOrderStatus(ctx, externalID, status, nowUnixUTC); err != nil {
			return err
		}
		existing.Status = status
		existing.UpdatedUnixUTC = nowUnixUTC
		updated = existing
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationOrderStatus,
		UserID:    updated.UserID,
		OrderID:   externalID,
		Reason:    status.String(),
		Error:     operationError,
	})
	if operationError != nil {
		return Order{}, operationError
	}
	return updated, nil
}

// Balance returns the user's balance, creating the account on first use.
func (service *Service) Balance(ctx context.Context, userID UserID) (Credits, error) {
	var balance Credits
	err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		account, err := transactionStore.GetOrCreateAccount(ctx, userID, service.initialCredits)
		if err != nil {
			return err
		}
		balance = account.Balance
		return nil
	})
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// LinkEmail associates an email with the user's account for payment reconciliation.
func (service *Service) LinkEmail(ctx context.Context, userID UserID, email Email) error {
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		account, err := transactionStore.GetOrCreateAccount(ctx, userID, service.initialCredits)
		if err != nil {
			return err
		}
		if account.Email == email.String() {
			return nil
		}
		return transactionStore.SetAccountEmail(ctx, userID, email)
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationLinkEmail,
		UserID:    userID,
		Error:     operationError,
	})
	return operationError
}

// ResolveEmail returns the user that owns email.
func (service *Service) ResolveEmail(ctx context.Context, email Email) (UserID, error) {
	return service.store.FindUserByEmail(ctx, email)
}

// Transaction returns the stored transaction.
func (service *Service) Transaction(ctx context.Context, transactionID TransactionID) (Transaction, error) {
	return service.store.GetTransaction(ctx, transactionID)
}

// ListTransactions lists a user's most recent transactions.
func (service *Service) ListTransactions(ctx context.Context, userID UserID, limit int) ([]Transaction, error) {
	normalized, err := normalizeListLimit(limit)
	if err != nil {
		return nil, err
	}
	return service.store.ListTransactions(ctx, userID, normalized)
}

// ListStale lists processing or failed transactions not updated since olderThanUnixUTC.
func (service *Service) ListStale(ctx context.Context, olderThanUnixUTC int64, limit int) ([]Transaction, error) {
	if olderThanUnixUTC <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidStaleCutoff, olderThanUnixUTC)
	}
	normalized, err := normalizeListLimit(limit)
	if err != nil {
		return nil, err
	}
	return service.store.ListStaleTransactions(ctx, olderThanUnixUTC, normalized)
}

func normalizeListLimit(limit int) (int, error) {
	if limit <= 0 {
		return defaultListLimit, nil
	}
	if limit > maxListLimit {
		return 0, fmt.Errorf("%w: %d > %d", ErrInvalidListLimit, limit, maxListLimit)
	}
	return limit, nil
}

func validateOrder(order Order) error {
	if order.ExternalID.String() == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidExternalOrderID)
	}
	if order.UserID.String() == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if order.Amount < 0 || order.BonusCredits < 0 {
		return fmt.Errorf("%w: order credits must be non-negative", ErrInvalidCredits)
	}
	if _, err := ParseOrderStatus(order.Status.String()); err != nil {
		return err
	}
	return nil
}
