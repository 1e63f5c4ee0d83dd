// Package memstore implements ledger.Store in process memory. Every
// transaction holds a single store-wide mutex, so operations are serialized
// and a failed transaction restores the state it started from.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/MarkoPoloResearchLab/genmeter/pkg/ledger"
)

const (
	errorOperationStore     = "store"
	errorSubjectAccount     = "account"
	errorSubjectTransaction = "transaction"
	errorSubjectOrder       = "order"
	errorCodeAdjust         = "adjust"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeLookup         = "lookup"
	errorCodeUpdate         = "update"
)

type state struct {
	accounts     map[string]ledger.Account
	transactions map[string]ledger.Transaction
	orders       map[string]ledger.Order
}

func newState() *state {
	return &state{
		accounts:     make(map[string]ledger.Account),
		transactions: make(map[string]ledger.Transaction),
		orders:       make(map[string]ledger.Order),
	}
}

func (current *state) clone() *state {
	copied := newState()
	for key, value := range current.accounts {
		copied.accounts[key] = value
	}
	for key, value := range current.transactions {
		copied.transactions[key] = value
	}
	for key, value := range current.orders {
		copied.orders[key] = value
	}
	return copied
}

// Store implements ledger.Store in memory.
type Store struct {
	mu   *sync.Mutex
	data **state
	inTx bool
}

// New returns an empty Store.
func New() *Store {
	initial := newState()
	return &Store{mu: &sync.Mutex{}, data: &initial}
}

// WithTx executes fn while holding the store lock, rolling back on error.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	if store.inTx {
		return fn(ctx, store)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	snapshot := (*store.data).clone()
	transactionStore := &Store{mu: store.mu, data: store.data, inTx: true}
	if err := fn(ctx, transactionStore); err != nil {
		*store.data = snapshot
		return err
	}
	return nil
}

func (store *Store) locked(fn func(current *state) error) error {
	if store.inTx {
		return fn(*store.data)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	return fn(*store.data)
}

func (store *Store) GetOrCreateAccount(_ context.Context, userID ledger.UserID, initialBalance ledger.Credits) (ledger.Account, error) {
	var account ledger.Account
	err := store.locked(func(current *state) error {
		existing, ok := current.accounts[userID.String()]
		if !ok {
			existing = ledger.Account{UserID: userID, Balance: initialBalance}
			current.accounts[userID.String()] = existing
		}
		account = existing
		return nil
	})
	return account, err
}

func (store *Store) AdjustBalance(_ context.Context, userID ledger.UserID, delta int64) (ledger.Credits, error) {
	var balance ledger.Credits
	err := store.locked(func(current *state) error {
		account, ok := current.accounts[userID.String()]
		if !ok {
			return wrapStoreError(errorSubjectAccount, errorCodeAdjust, ledger.ErrAccountNotFound)
		}
		updated := account.Balance.Int64() + delta
		if updated < 0 {
			return wrapStoreError(errorSubjectAccount, errorCodeAdjust, ledger.ErrInsufficientCredits)
		}
		account.Balance = ledger.Credits(updated)
		current.accounts[userID.String()] = account
		balance = account.Balance
		return nil
	})
	return balance, err
}

func (store *Store) SetAccountEmail(_ context.Context, userID ledger.UserID, email ledger.Email) error {
	return store.locked(func(current *state) error {
		account, ok := current.accounts[userID.String()]
		if !ok {
			return wrapStoreError(errorSubjectAccount, errorCodeUpdate, ledger.ErrAccountNotFound)
		}
		account.Email = email.String()
		current.accounts[userID.String()] = account
		return nil
	})
}

func (store *Store) FindUserByEmail(_ context.Context, email ledger.Email) (ledger.UserID, error) {
	var userID ledger.UserID
	err := store.locked(func(current *state) error {
		for _, account := range current.accounts {
			if account.Email == email.String() {
				userID = account.UserID
				return nil
			}
		}
		return wrapStoreError(errorSubjectAccount, errorCodeLookup, ledger.ErrAccountNotFound)
	})
	return userID, err
}

func (store *Store) InsertTransaction(_ context.Context, transaction ledger.Transaction) error {
	return store.locked(func(current *state) error {
		key := transaction.TransactionID.String()
		if _, exists := current.transactions[key]; exists {
			return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, ledger.ErrDuplicateTransaction)
		}
		current.transactions[key] = transaction
		return nil
	})
}

func (store *Store) GetTransaction(_ context.Context, transactionID ledger.TransactionID) (ledger.Transaction, error) {
	var transaction ledger.Transaction
	err := store.locked(func(current *state) error {
		existing, ok := current.transactions[transactionID.String()]
		if !ok {
			return wrapStoreError(errorSubjectTransaction, errorCodeGet, ledger.ErrTransactionNotFound)
		}
		transaction = existing
		return nil
	})
	return transaction, err
}

func (store *Store) CompareAndSwapTransaction(_ context.Context, expected ledger.Transaction, next ledger.Transaction) error {
	return store.locked(func(current *state) error {
		key := expected.TransactionID.String()
		existing, ok := current.transactions[key]
		if !ok {
			return wrapStoreError(errorSubjectTransaction, errorCodeUpdate, ledger.ErrTransactionNotFound)
		}
		if existing.Status != expected.Status || existing.RetryCount != expected.RetryCount {
			return wrapStoreError(errorSubjectTransaction, errorCodeUpdate, ledger.ErrTransactionClosed)
		}
		current.transactions[key] = next
		return nil
	})
}

func (store *Store) ListTransactions(_ context.Context, userID ledger.UserID, limit int) ([]ledger.Transaction, error) {
	var transactions []ledger.Transaction
	err := store.locked(func(current *state) error {
		for _, transaction := range current.transactions {
			if transaction.UserID == userID {
				transactions = append(transactions, transaction)
			}
		}
		return nil
	})
	sortNewestFirst(transactions)
	return truncate(transactions, limit), err
}

func (store *Store) ListStaleTransactions(_ context.Context, updatedBeforeUnixUTC int64, limit int) ([]ledger.Transaction, error) {
	var transactions []ledger.Transaction
	err := store.locked(func(current *state) error {
		for _, transaction := range current.transactions {
			if !transaction.Status.Refundable() {
				continue
			}
			if transaction.UpdatedUnixUTC < updatedBeforeUnixUTC {
				transactions = append(transactions, transaction)
			}
		}
		return nil
	})
	sort.SliceStable(transactions, func(left, right int) bool {
		return transactions[left].UpdatedUnixUTC < transactions[right].UpdatedUnixUTC
	})
	return truncate(transactions, limit), err
}

func (store *Store) GetOrder(_ context.Context, externalID ledger.ExternalOrderID) (ledger.Order, error) {
	var order ledger.Order
	err := store.locked(func(current *state) error {
		existing, ok := current.orders[externalID.String()]
		if !ok {
			return wrapStoreError(errorSubjectOrder, errorCodeGet, ledger.ErrOrderNotFound)
		}
		order = existing
		return nil
	})
	return order, err
}

func (store *Store) InsertOrder(_ context.Context, order ledger.Order) error {
	return store.locked(func(current *state) error {
		key := order.ExternalID.String()
		if _, exists := current.orders[key]; exists {
			return wrapStoreError(errorSubjectOrder, errorCodeDuplicate, ledger.ErrDuplicateOrder)
		}
		current.orders[key] = order
		return nil
	})
}

func (store *Store) UpdateOrderStatus(_ context.Context, externalID ledger.ExternalOrderID, status ledger.OrderStatus, updatedUnixUTC int64) error {
	return store.locked(func(current *state) error {
		order, ok := current.orders[externalID.String()]
		if !ok {
			return wrapStoreError(errorSubjectOrder, errorCodeUpdate, ledger.ErrOrderNotFound)
		}
		order.Status = status
		order.UpdatedUnixUTC = updatedUnixUTC
		current.orders[externalID.String()] = order
		return nil
	})
}

// OrderCount returns the number of stored orders.
func (store *Store) OrderCount() int {
	count := 0
	_ = store.locked(func(current *state) error {
		count = len(current.orders)
		return nil
	})
	return count
}

func sortNewestFirst(transactions []ledger.Transaction) {
	sort.SliceStable(transactions, func(left, right int) bool {
		if transactions[left].CreatedUnixUTC == transactions[right].CreatedUnixUTC {
			return transactions[left].TransactionID.String() > transactions[right].TransactionID.String()
		}
		return transactions[left].CreatedUnixUTC > transactions[right].CreatedUnixUTC
	})
}

func truncate(transactions []ledger.Transaction, limit int) []ledger.Transaction {
	if limit > 0 && len(transactions) > limit {
		return transactions[:limit]
	}
	return transactions
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}
