package ledger

import (
	"context"
	"sync"
	"testing"
)

type stubStore struct {
	mu           sync.Mutex
	accounts     map[UserID]Account
	transactions map[TransactionID]Transaction
	orders       map[ExternalOrderID]Order

	getAccountError      error
	adjustBalanceError   error
	insertTxError        error
	getTransactionError  error
	compareAndSwapError  error
	insertOrderError     error
	updateOrderError     error
	listTransactionsSeen int
	staleCutoffSeen      int64
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		accounts:     make(map[UserID]Account),
		transactions: make(map[TransactionID]Transaction),
		orders:       make(map[ExternalOrderID]Order),
	}
}

func (store *stubStore) withBalance(test *testing.T, userID UserID, balance int64) *stubStore {
	test.Helper()
	store.accounts[userID] = Account{UserID: userID, Balance: mustCredits(test, balance)}
	return store
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	accounts := make(map[UserID]Account, len(store.accounts))
	for key, value := range store.accounts {
		accounts[key] = value
	}
	transactions := make(map[TransactionID]Transaction, len(store.transactions))
	for key, value := range store.transactions {
		transactions[key] = value
	}
	orders := make(map[ExternalOrderID]Order, len(store.orders))
	for key, value := range store.orders {
		orders[key] = value
	}
	if err := fn(ctx, store); err != nil {
		store.accounts = accounts
		store.transactions = transactions
		store.orders = orders
		return err
	}
	return nil
}

func (store *stubStore) GetOrCreateAccount(ctx context.Context, userID UserID, initialBalance Credits) (Account, error) {
	if store.getAccountError != nil {
		return Account{}, store.getAccountError
	}
	account, ok := store.accounts[userID]
	if !ok {
		account = Account{UserID: userID, Balance: initialBalance}
		store.accounts[userID] = account
	}
	return account, nil
}

func (store *stubStore) AdjustBalance(ctx context.Context, userID UserID, delta int64) (Credits, error) {
	if store.adjustBalanceError != nil {
		return 0, store.adjustBalanceError
	}
	account, ok := store.accounts[userID]
	if !ok {
		return 0, ErrAccountNotFound
	}
	updated := account.Balance.Int64() + delta
	if updated < 0 {
		return 0, ErrInsufficientCredits
	}
	account.Balance = Credits(updated)
	store.accounts[userID] = account
	return account.Balance, nil
}

func (store *stubStore) SetAccountEmail(ctx context.Context, userID UserID, email Email) error {
	account, ok := store.accounts[userID]
	if !ok {
		return ErrAccountNotFound
	}
	account.Email = email.String()
	store.accounts[userID] = account
	return nil
}

func (store *stubStore) FindUserByEmail(ctx context.Context, email Email) (UserID, error) {
	for _, account := range store.accounts {
		if account.Email == email.String() {
			return account.UserID, nil
		}
	}
	return UserID{}, ErrAccountNotFound
}

func (store *stubStore) InsertTransaction(ctx context.Context, transaction Transaction) error {
	if store.insertTxError != nil {
		return store.insertTxError
	}
	if _, exists := store.transactions[transaction.TransactionID]; exists {
		return ErrDuplicateTransaction
	}
	store.transactions[transaction.TransactionID] = transaction
	return nil
}

func (store *stubStore) GetTransaction(ctx context.Context, transactionID TransactionID) (Transaction, error) {
	if store.getTransactionError != nil {
		return Transaction{}, store.getTransactionError
	}
	transaction, ok := store.transactions[transactionID]
	if !ok {
		return Transaction{}, ErrTransactionNotFound
	}
	return transaction, nil
}

func (store *stubStore) CompareAndSwapTransaction(ctx context.Context, expected Transaction, next Transaction) error {
	if store.compareAndSwapError != nil {
		return store.compareAndSwapError
	}
	current, ok := store.transactions[expected.TransactionID]
	if !ok {
		return ErrTransactionNotFound
	}
	if current.Status != expected.Status || current.RetryCount != expected.RetryCount {
		return ErrTransactionClosed
	}
	store.transactions[expected.TransactionID] = next
	return nil
}

func (store *stubStore) ListTransactions(ctx context.Context, userID UserID, limit int) ([]Transaction, error) {
	store.listTransactionsSeen = limit
	var transactions []Transaction
	for _, transaction := range store.transactions {
		if transaction.UserID == userID {
			transactions = append(transactions, transaction)
		}
	}
	return transactions, nil
}

func (store *stubStore) ListStaleTransactions(ctx context.Context, updatedBeforeUnixUTC int64, limit int) ([]Transaction, error) {
	store.staleCutoffSeen = updatedBeforeUnixUTC
	var transactions []Transaction
	for _, transaction := range store.transactions {
		if transaction.Status.Refundable() && transaction.UpdatedUnixUTC < updatedBeforeUnixUTC {
			transactions = append(transactions, transaction)
		}
	}
	return transactions, nil
}

func (store *stubStore) GetOrder(ctx context.Context, externalID ExternalOrderID) (Order, error) {
	order, ok := store.orders[externalID]
	if !ok {
		return Order{}, ErrOrderNotFound
	}
	return order, nil
}

func (store *stubStore) InsertOrder(ctx context.Context, order Order) error {
	if store.insertOrderError != nil {
		return store.insertOrderError
	}
	if _, exists := store.orders[order.ExternalID]; exists {
		return ErrDuplicateOrder
	}
	store.orders[order.ExternalID] = order
	return nil
}

func (store *stubStore) UpdateOrderStatus(ctx context.Context, externalID ExternalOrderID, status OrderStatus, updatedUnixUTC int64) error {
	if store.updateOrderError != nil {
		return store.updateOrderError
	}
	order, ok := store.orders[externalID]
	if !ok {
		return ErrOrderNotFound
	}
	order.Status = status
	order.UpdatedUnixUTC = updatedUnixUTC
	store.orders[externalID] = order
	return nil
}

func (store *stubStore) balance(test *testing.T, userID UserID) int64 {
	test.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	account, ok := store.accounts[userID]
	if !ok {
		test.Fatalf("account %s not found", userID.String())
	}
	return account.Balance.Int64()
}

func (store *stubStore) mustTransaction(test *testing.T, transactionID TransactionID) Transaction {
	test.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	transaction, ok := store.transactions[transactionID]
	if !ok {
		test.Fatalf("transaction %s not found", transactionID.String())
	}
	return transaction
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, func() int64 { return 100 }, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	value, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return value
}

func mustTransactionID(test *testing.T, raw string) TransactionID {
	test.Helper()
	value, err := NewTransactionID(raw)
	if err != nil {
		test.Fatalf("transaction id: %v", err)
	}
	return value
}

func mustOrderID(test *testing.T, raw string) ExternalOrderID {
	test.Helper()
	value, err := NewExternalOrderID(raw)
	if err != nil {
		test.Fatalf("order id: %v", err)
	}
	return value
}

func mustEmail(test *testing.T, raw string) Email {
	test.Helper()
	value, err := NewEmail(raw)
	if err != nil {
		test.Fatalf("email: %v", err)
	}
	return value
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	value, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	return value
}

func mustPositiveCredits(test *testing.T, raw int64) PositiveCredits {
	test.Helper()
	value, err := NewPositiveCredits(raw)
	if err != nil {
		test.Fatalf("positive credits: %v", err)
	}
	return value
}

func mustCredits(test *testing.T, raw int64) Credits {
	test.Helper()
	value, err := NewCredits(raw)
	if err != nil {
		test.Fatalf("credits: %v", err)
	}
	return value
}

func reserveRequest(test *testing.T, userID UserID, transactionID string, amount int64) ReserveRequest {
	test.Helper()
	return ReserveRequest{
		UserID:        userID,
		Amount:        mustPositiveCredits(test, amount),
		TransactionID: mustTransactionID(test, transactionID),
		Provider:      "stub",
		Model:         "stub-model",
		Metadata:      mustMetadata(test, `{"source":"test"}`),
	}
}
