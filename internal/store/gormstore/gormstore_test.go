package gormstore

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/MarkoPoloResearchLab/genmeter/pkg/ledger"
)

const errorMismatchMessage = "expected %v, got %v"

func newSQLiteStore(test *testing.T) *Store {
	test.Helper()
	path := filepath.Join(test.TempDir(), "genmeter.db")
	database, err := gorm.Open(sqlite.Open(path+"?_pragma=busy_timeout(5000)"), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		test.Fatalf("sqlite open: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		test.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	test.Cleanup(func() { _ = sqlDB.Close() })
	if err := Migrate(context.Background(), database); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	return New(database)
}

func mustService(test *testing.T, store ledger.Store, options ...ledger.ServiceOption) *ledger.Service {
	test.Helper()
	clock := int64(1_700_000_000)
	var mu sync.Mutex
	service, err := ledger.NewService(store, func() int64 {
		mu.Lock()
		defer mu.Unlock()
		clock++
		return clock
	}, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) ledger.UserID {
	test.Helper()
	value, err := ledger.NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return value
}

func mustTransactionID(test *testing.T, raw string) ledger.TransactionID {
	test.Helper()
	value, err := ledger.NewTransactionID(raw)
	if err != nil {
		test.Fatalf("transaction id: %v", err)
	}
	return value
}

func reserve(test *testing.T, service *ledger.Service, userID ledger.UserID, rawTransactionID string, amount int64) (ledger.Reservation, error) {
	test.Helper()
	credits, err := ledger.NewPositiveCredits(amount)
	if err != nil {
		test.Fatalf("credits: %v", err)
	}
	metadata, err := ledger.NewMetadataJSON(`{"source":"test"}`)
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	return service.Reserve(context.Background(), ledger.ReserveRequest{
		UserID:        userID,
		Amount:        credits,
		TransactionID: mustTransactionID(test, rawTransactionID),
		Provider:      "stub",
		Model:         "stub-model",
		Metadata:      metadata,
	})
}

func balance(test *testing.T, service *ledger.Service, userID ledger.UserID) int64 {
	test.Helper()
	value, err := service.Balance(context.Background(), userID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	return value.Int64()
}

func TestAdjustBalanceRejectsOverdraft(test *testing.T) {
	test.Parallel()
	store := newSQLiteStore(test)
	ctx := context.Background()
	userID := mustUserID(test, "user-1")

	if _, err := store.GetOrCreateAccount(ctx, userID, ledger.Credits(5)); err != nil {
		test.Fatalf("create account: %v", err)
	}
	updated, err := store.AdjustBalance(ctx, userID, -3)
	if err != nil || updated.Int64() != 2 {
		test.Fatalf("expected balance 2, got %d (%v)", updated.Int64(), err)
	}
	if _, err := store.AdjustBalance(ctx, userID, -3); !errors.Is(err, ledger.ErrInsufficientCredits) {
		test.Fatalf(errorMismatchMessage, ledger.ErrInsufficientCredits, err)
	}
	if _, err := store.AdjustBalance(ctx, mustUserID(test, "ghost"), 1); !errors.Is(err, ledger.ErrAccountNotFound) {
		test.Fatalf(errorMismatchMessage, ledger.ErrAccountNotFound, err)
	}
	account, err := store.GetOrCreateAccount(ctx, userID, ledger.Credits(100))
	if err != nil || account.Balance.Int64() != 2 {
		test.Fatalf("existing account must keep its balance, got %+v (%v)", account, err)
	}
}

func TestReserveCompleteAndRefundOnSQLite(test *testing.T) {
	test.Parallel()
	store := newSQLiteStore(test)
	service := mustService(test, store)
	userID := mustUserID(test, "user-1")
	amount, _ := ledger.NewPositiveCredits(50)
	if _, err := service.Recharge(context.Background(), userID, amount); err != nil {
		test.Fatalf("recharge: %v", err)
	}

	if _, err := reserve(test, service, userID, "txn_a", 50); err != nil {
		test.Fatalf("reserve: %v", err)
	}
	if got := balance(test, service, userID); got != 0 {
		test.Fatalf(errorMismatchMessage, 0, got)
	}
	if _, err := reserve(test, service, userID, "txn_b", 50); !errors.Is(err, ledger.ErrInsufficientCredits) {
		test.Fatalf(errorMismatchMessage, ledger.ErrInsufficientCredits, err)
	}

	refund, err := service.Refund(context.Background(), mustTransactionID(test, "txn_a"), "provider failed")
	if err != nil || !refund.Refunded || refund.BalanceAfter.Int64() != 50 {
		test.Fatalf("unexpected refund %+v (%v)", refund, err)
	}
	again, err := service.Refund(context.Background(), mustTransactionID(test, "txn_a"), "provider failed")
	if err != nil || again.Refunded {
		test.Fatalf("second refund must be a no-op, got %+v (%v)", again, err)
	}

	if _, err := reserve(test, service, userID, "txn_c", 50); err != nil {
		test.Fatalf("reserve: %v", err)
	}
	completed, err := service.Complete(context.Background(), mustTransactionID(test, "txn_c"), ledger.MarshalMetadata(map[string]string{"mime_type": "image/png"}))
	if err != nil || completed.Status != ledger.TransactionStatusCompleted {
		test.Fatalf("unexpected completion %+v (%v)", completed, err)
	}
	stored, err := service.Transaction(context.Background(), mustTransactionID(test, "txn_c"))
	if err != nil {
		test.Fatalf("transaction: %v", err)
	}
	if stored.Status != ledger.TransactionStatusCompleted || stored.Provider != "stub" || stored.Amount.Int64() != 50 {
		test.Fatalf("unexpected stored transaction %+v", stored)
	}
	if got := balance(test, service, userID); got != 0 {
		test.Fatalf(errorMismatchMessage, 0, got)
	}
}

func TestConcurrentReservationsDebitOnce(test *testing.T) {
	test.Parallel()
	store := newSQLiteStore(test)
	service := mustService(test, store)
	userID := mustUserID(test, "user-1")
	amount, _ := ledger.NewPositiveCredits(10)
	if _, err := service.Recharge(context.Background(), userID, amount); err != nil {
		test.Fatalf("recharge: %v", err)
	}
	credits, _ := ledger.NewPositiveCredits(3)
	request := ledger.ReserveRequest{UserID: userID, Amount: credits, TransactionID: mustTransactionID(test, "txn_same")}

	var waitGroup sync.WaitGroup
	errs := make(chan error, 8)
	for worker := 0; worker < 8; worker++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			_, err := service.Reserve(context.Background(), request)
			errs <- err
		}()
	}
	waitGroup.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			test.Fatalf("reserve: %v", err)
		}
	}
	if got := balance(test, service, userID); got != 7 {
		test.Fatalf(errorMismatchMessage, 7, got)
	}
}

func TestInsertDuplicatesAreClassified(test *testing.T) {
	test.Parallel()
	store := newSQLiteStore(test)
	ctx := context.Background()
	userID := mustUserID(test, "user-1")
	transaction := ledger.Transaction{
		TransactionID:  mustTransactionID(test, "txn_dup"),
		UserID:         userID,
		Amount:         ledger.PositiveCredits(1),
		Status:         ledger.TransactionStatusProcessing,
		CreatedUnixUTC: 10,
		UpdatedUnixUTC: 10,
	}
	if err := store.InsertTransaction(ctx, transaction); err != nil {
		test.Fatalf("insert: %v", err)
	}
	if err := store.InsertTransaction(ctx, transaction); !errors.Is(err, ledger.ErrDuplicateTransaction) {
		test.Fatalf(errorMismatchMessage, ledger.ErrDuplicateTransaction, err)
	}

	orderID, _ := ledger.NewExternalOrderID("ord_1")
	order := ledger.Order{ExternalID: orderID, UserID: userID, Amount: 100, Status: ledger.OrderStatusCompleted, CreatedUnixUTC: 10, UpdatedUnixUTC: 10}
	if err := store.InsertOrder(ctx, order); err != nil {
		test.Fatalf("insert order: %v", err)
	}
	if err := store.InsertOrder(ctx, order); !errors.Is(err, ledger.ErrDuplicateOrder) {
		test.Fatalf(errorMismatchMessage, ledger.ErrDuplicateOrder, err)
	}
	if err := store.UpdateOrderStatus(ctx, orderID, ledger.OrderStatusRefunded, 20); err != nil {
		test.Fatalf("update order: %v", err)
	}
	stored, err := store.GetOrder(ctx, orderID)
	if err != nil || stored.Status != ledger.OrderStatusRefunded || stored.UpdatedUnixUTC != 20 {
		test.Fatalf("unexpected order %+v (%v)", stored, err)
	}
	missing, _ := ledger.NewExternalOrderID("ord_missing")
	if err := store.UpdateOrderStatus(ctx, missing, ledger.OrderStatusRefunded, 20); !errors.Is(err, ledger.ErrOrderNotFound) {
		test.Fatalf(errorMismatchMessage, ledger.ErrOrderNotFound, err)
	}
}

func TestCompareAndSwapTransaction(test *testing.T) {
	test.Parallel()
	store := newSQLiteStore(test)
	ctx := context.Background()
	transaction := ledger.Transaction{
		TransactionID:  mustTransactionID(test, "txn_cas"),
		UserID:         mustUserID(test, "user-1"),
		Amount:         ledger.PositiveCredits(2),
		Status:         ledger.TransactionStatusProcessing,
		MaxRetries:     2,
		CreatedUnixUTC: 10,
		UpdatedUnixUTC: 10,
	}
	if err := store.InsertTransaction(ctx, transaction); err != nil {
		test.Fatalf("insert: %v", err)
	}
	next := transaction
	next.Status = ledger.TransactionStatusFailed
	next.FailureReason = "boom"
	next.UpdatedUnixUTC = 11
	if err := store.CompareAndSwapTransaction(ctx, transaction, next); err != nil {
		test.Fatalf("swap: %v", err)
	}
	if err := store.CompareAndSwapTransaction(ctx, transaction, next); !errors.Is(err, ledger.ErrTransactionClosed) {
		test.Fatalf(errorMismatchMessage, ledger.ErrTransactionClosed, err)
	}
	ghost := transaction
	ghost.TransactionID = mustTransactionID(test, "txn_ghost")
	if err := store.CompareAndSwapTransaction(ctx, ghost, next); !errors.Is(err, ledger.ErrTransactionNotFound) {
		test.Fatalf(errorMismatchMessage, ledger.ErrTransactionNotFound, err)
	}
	stored, err := store.GetTransaction(ctx, transaction.TransactionID)
	if err != nil || stored.Status != ledger.TransactionStatusFailed || stored.FailureReason != "boom" || stored.UpdatedUnixUTC != 11 {
		test.Fatalf("unexpected stored transaction %+v (%v)", stored, err)
	}
}

func TestListQueries(test *testing.T) {
	test.Parallel()
	store := newSQLiteStore(test)
	ctx := context.Background()
	userID := mustUserID(test, "user-1")
	seed := []struct {
		id      string
		status  ledger.TransactionStatus
		updated int64
	}{
		{id: "txn_1", status: ledger.TransactionStatusProcessing, updated: 100},
		{id: "txn_2", status: ledger.TransactionStatusFailed, updated: 200},
		{id: "txn_3", status: ledger.TransactionStatusCompleted, updated: 50},
		{id: "txn_4", status: ledger.TransactionStatusProcessing, updated: 900},
	}
	for index, row := range seed {
		err := store.InsertTransaction(ctx, ledger.Transaction{
			TransactionID:  mustTransactionID(test, row.id),
			UserID:         userID,
			Amount:         ledger.PositiveCredits(1),
			Status:         row.status,
			CreatedUnixUTC: int64(10 + index),
			UpdatedUnixUTC: row.updated,
		})
		if err != nil {
			test.Fatalf("insert %s: %v", row.id, err)
		}
	}

	recent, err := store.ListTransactions(ctx, userID, 2)
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if len(recent) != 2 || recent[0].TransactionID.String() != "txn_4" || recent[1].TransactionID.String() != "txn_3" {
		test.Fatalf("unexpected recent transactions %+v", recent)
	}

	stale, err := store.ListStaleTransactions(ctx, 500, 10)
	if err != nil {
		test.Fatalf("list stale: %v", err)
	}
	if len(stale) != 2 || stale[0].TransactionID.String() != "txn_1" || stale[1].TransactionID.String() != "txn_2" {
		test.Fatalf("unexpected stale transactions %+v", stale)
	}
}

func TestEmailLookup(test *testing.T) {
	test.Parallel()
	store := newSQLiteStore(test)
	ctx := context.Background()
	userID := mustUserID(test, "user-1")
	email, _ := ledger.NewEmail("Buyer@Example.com")

	if _, err := store.FindUserByEmail(ctx, email); !errors.Is(err, ledger.ErrAccountNotFound) {
		test.Fatalf(errorMismatchMessage, ledger.ErrAccountNotFound, err)
	}
	if _, err := store.GetOrCreateAccount(ctx, userID, 0); err != nil {
		test.Fatalf("create account: %v", err)
	}
	if err := store.SetAccountEmail(ctx, userID, email); err != nil {
		test.Fatalf("set email: %v", err)
	}
	resolved, err := store.FindUserByEmail(ctx, email)
	if err != nil || resolved != userID {
		test.Fatalf("expected %s, got %s (%v)", userID.String(), resolved.String(), err)
	}
	if err := store.SetAccountEmail(ctx, mustUserID(test, "ghost"), email); !errors.Is(err, ledger.ErrAccountNotFound) {
		test.Fatalf(errorMismatchMessage, ledger.ErrAccountNotFound, err)
	}
}

func TestWithTxRollsBack(test *testing.T) {
	test.Parallel()
	store := newSQLiteStore(test)
	ctx := context.Background()
	userID := mustUserID(test, "user-1")
	if _, err := store.GetOrCreateAccount(ctx, userID, 10); err != nil {
		test.Fatalf("create account: %v", err)
	}
	sentinel := errors.New("abort")
	err := store.WithTx(ctx, func(ctx context.Context, txStore ledger.Store) error {
		if _, err := txStore.AdjustBalance(ctx, userID, -4); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		test.Fatalf(errorMismatchMessage, sentinel, err)
	}
	account, err := store.GetOrCreateAccount(ctx, userID, 0)
	if err != nil || account.Balance.Int64() != 10 {
		test.Fatalf("expected rollback to keep balance 10, got %+v (%v)", account, err)
	}
}
