package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestNewServiceValidatesDependencies(test *testing.T) {
	test.Parallel()
	if _, err := NewService(nil, func() int64 { return 0 }); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf(errorMismatchMessage, ErrInvalidServiceConfig, err)
	}
	if _, err := NewService(newStubStore(test), nil); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf(errorMismatchMessage, ErrInvalidServiceConfig, err)
	}
	if _, err := NewService(newStubStore(test), func() int64 { return 0 }, WithDefaultMaxRetries(-1)); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf(errorMismatchMessage, ErrInvalidServiceConfig, err)
	}
}

func TestReserveDebitsAndOpensProcessingTransaction(test *testing.T) {
	test.Parallel()
	userID := mustUserID(test, "user-1")
	store := newStubStore(test).withBalance(test, userID, 100)
	service := mustNewService(test, store)

	reservation, err := service.Reserve(context.Background(), reserveRequest(test, userID, "txn-1", 30))
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}
	if reservation.Duplicate {
		test.Fatalf("expected first reservation not to be a duplicate")
	}
	if reservation.BalanceAfter != 70 || store.balance(test, userID) != 70 {
		test.Fatalf("expected balance 70, got %d (stored %d)", reservation.BalanceAfter, store.balance(test, userID))
	}
	stored := store.mustTransaction(test, mustTransactionID(test, "txn-1"))
	if stored.Status != TransactionStatusProcessing || stored.RetryCount != 0 || stored.MaxRetries != defaultMaxRetries {
		test.Fatalf("unexpected stored transaction: %+v", stored)
	}
	if stored.OperationType != defaultOperationType || stored.CreatedUnixUTC != 100 {
		test.Fatalf("unexpected stored defaults: %+v", stored)
	}
}

func TestReserveGrantsInitialCreditsToNewAccounts(test *testing.T) {
	test.Parallel()
	userID := mustUserID(test, "user-new")
	store := newStubStore(test)
	service := mustNewService(test, store, WithInitialCredits(mustCredits(test, 10)))

	reservation, err := service.Reserve(context.Background(), reserveRequest(test, userID, "txn-new", 4))
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}
	if reservation.BalanceAfter != 6 {
		test.Fatalf(errorMismatchMessage, 6, reservation.BalanceAfter)
	}
}

func TestReserveInsufficientCreditsLeavesStateUntouched(test *testing.T) {
	test.Parallel()
	userID := mustUserID(test, "user-poor")
	store := newStubStore(test).withBalance(test, userID, 10)
	service := mustNewService(test, store)

	_, err := service.Reserve(context.Background(), reserveRequest(test, userID, "txn-poor", 11))
	if !errors.Is(err, ErrInsufficientCredits) {
		test.Fatalf(errorMismatchMessage, ErrInsufficientCredits, err)
	}
	if store.balance(test, userID) != 10 {
		test.Fatalf("expected balance to stay 10, got %d", store.balance(test, userID))
	}
	if len(store.transactions) != 0 {
		test.Fatalf("expected no transaction rows, got %d", len(store.transactions))
	}
}

func TestReserveValidation(test *testing.T) {
	test.Parallel()
	userID := mustUserID(test, "user-v")
	valid := reserveRequest(test, userID, "txn-v", 1)
	testCases := []struct {
		name    string
		mutate  func(request *ReserveRequest)
		wantErr error
	}{
		{name: "missing user", mutate: func(request *ReserveRequest) { request.UserID = UserID{} }, wantErr: ErrInvalidUserID},
		{name: "missing transaction", mutate: func(request *ReserveRequest) { request.TransactionID = TransactionID{} }, wantErr: ErrInvalidTransactionID},
		{name: "zero amount", mutate: func(request *ReserveRequest) { request.Amount = 0 }, wantErr: ErrInvalidCredits},
		{name: "negative retries", mutate: func(request *ReserveRequest) { request.MaxRetries = -1 }, wantErr: ErrInvalidMaxRetries},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			service := mustNewService(test, newStubStore(test).withBalance(test, userID, 5))
			request := valid
			testCase.mutate(&request)
			if _, err := service.Reserve(context.Background(), request); !errors.Is(err, testCase.wantErr) {
				test.Fatalf(errorMismatchMessage, testCase.wantErr, err)
			}
		})
	}
}

func TestReserveReplaysExistingTransaction(test *testing.T) {
	test.Parallel()
	userID := mustUserID(test, "user-replay")
	store := newStubStore(test).withBalance(test, userID, 50)
	service := mustNewService(test, store)
	ctx := context.Background()

	if _, err := service.Reserve(ctx, reserveRequest(test, userID, "txn-replay", 20)); err != nil {
		test.Fatalf("reserve: %v", err)
	}
	replay, err := service.Reserve(ctx, reserveRequest(test, userID, "txn-replay", 20))
	if err != nil {
		test.Fatalf("replay: %v", err)
	}
	if !replay.Duplicate || replay.BalanceAfter != 30 {
		test.Fatalf("expected duplicate replay at balance 30, got %+v", replay)
	}
	if store.balance(test, userID) != 30 {
		test.Fatalf("expected a single debit, balance %d", store.balance(test, userID))
	}

	otherUser := mustUserID(test, "user-other")
	store.withBalance(test, otherUser, 50)
	if _, err := service.Reserve(ctx, reserveRequest(test, otherUser, "txn-replay", 20)); !errors.Is(err, ErrTransactionOwnerMismatch) {
		test.Fatalf(errorMismatchMessage, ErrTransactionOwnerMismatch, err)
	}
}

func TestConcurrentReserveWithSameIDDebitsOnce(test *testing.T) {
	test.Parallel()
	userID := mustUserID(test, "user-race")
	store := newStubStore(test).withBalance(test, userID, 100)
	service := mustNewService(test, store)

	const workers = 16
	request := reserveRequest(test, userID, "txn-race", 10)
	var waitGroup sync.WaitGroup
	results := make(chan Reservation, workers)
	failures := make(chan error, workers)
	for index := 0; index < workers; index++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			reservation, err := service.Reserve(context.Background(), request)
			if err != nil {
				failures <- err
				return
			}
			results <- reservation
		}()
	}
	waitGroup.Wait()
	close(results)
	close(failures)
	for err := range failures {
		test.Fatalf("reserve: %v", err)
	}
	fresh := 0
	for reservation := range results {
		if !reservation.Duplicate {
			fresh++
		}
	}
	if fresh != 1 {
		test.Fatalf("expected exactly one fresh reservation, got %d", fresh)
	}
	if store.balance(test, userID) != 90 {
		test.Fatalf("expected balance 90, got %d", store.balance(test, userID))
	}
}

type racingStore struct {
	*stubStore
	winner Transaction
	raced  bool
}

func (store *racingStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return store.stubStore.WithTx(ctx, func(ctx context.Context, _ Store) error {
		return fn(ctx, store)
	})
}

func (store *racingStore) InsertTransaction(ctx context.Context, transaction Transaction) error {
	if !store.raced {
		store.raced = true
		return WrapError("store", "transaction", "duplicate", ErrDuplicateTransaction)
	}
	return store.stubStore.InsertTransaction(ctx, transaction)
}

func (store *racingStore) GetTransaction(ctx context.Context, transactionID TransactionID) (Transaction, error) {
	if store.raced {
		return store.winner, nil
	}
	return store.stubStore.GetTransaction(ctx, transactionID)
}

func TestReserveLosingInsertRaceReplaysWinner(test *testing.T) {
	test.Parallel()
	userID := mustUserID(test, "user-lost")
	base := newStubStore(test).withBalance(test, userID, 40)
	winner := Transaction{
		TransactionID: mustTransactionID(test, "txn-lost"),
		UserID:        userID,
		Amount:        mustPositiveCredits(test, 15),
		Status:        TransactionStatusProcessing,
		MaxRetries:    defaultMaxRetries,
	}
	store := &racingStore{stubStore: base, winner: winner}
	service := mustNewService(test, store)

	reservation, err := service.Reserve(context.Background(), reserveRequest(test, userID, "txn-lost", 15))
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}
	if !reservation.Duplicate || reservation.Transaction.TransactionID != winner.TransactionID {
		test.Fatalf("expected replay of winner, got %+v", reservation)
	}
	if base.balance(test, userID) != 40 {
		test.Fatalf("expected losing debit to roll back, balance %d", base.balance(test, userID))
	}
}

func TestCompleteTransitions(test *testing.T) {
	test.Parallel()
	userID := mustUserID(test, "user-complete")
	store := newStubStore(test).withBalance(test, userID, 50)
	service := mustNewService(test, store)
	ctx := context.Background()
	transactionID := mustTransactionID(test, "txn-complete")

	if _, err := service.Reserve(ctx, reserveRequest(test, userID, transactionID.String(), 50)); err != nil {
		test.Fatalf("reserve: %v", err)
	}
	completed, err := service.Complete(ctx, transactionID, mustMetadata(test, `{"image_url":"https://cdn/x.png"}`))
	if err != nil {
		test.Fatalf("complete: %v", err)
	}
	if completed.Status != TransactionStatusCompleted {
		test.Fatalf(errorMismatchMessage, TransactionStatusCompleted, completed.Status)
	}
	expectedMetadata := `{"image_url":"https://cdn/x.png","source":"test"}`
	if completed.Metadata.String() != expectedMetadata {
		test.Fatalf("expected %s, got %s", expectedMetadata, completed.Metadata.String())
	}
	again, err := service.Complete(ctx, transactionID, MetadataJSON{})
	if err != nil || again.Status != TransactionStatusCompleted {
		test.Fatalf("expected idempotent completion, got %+v (%v)", again, err)
	}
	if store.balance(test, userID) != 0 {
		test.Fatalf("expected balance 0 after completion, got %d", store.balance(test, userID))
	}
	if _, err := service.Complete(ctx, mustTransactionID(test, "txn-missing"), MetadataJSON{}); !errors.Is(err, ErrTransactionNotFound) {
		test.Fatalf(errorMismatchMessage, ErrTransactionNotFound, err)
	}
}

func TestCompleteRejectsRefundedTransaction(test *testing.T) {
	test.Parallel()
	userID := mustUserID(test, "user-closed")
	store := newStubStore(test).withBalance(test, userID, 10)
	service := mustNewService(test, store)
	ctx := context.Background()
	transactionID := mustTransactionID(test, "txn-closed")

	if _, err := service.Reserve(ctx, reserveRequest(test, userID, transactionID.String(), 5)); err != nil {
		test.Fatalf("reserve: %v", err)
	}
	if _, err := service.Refund(ctx, transactionID, "provider down"); err != nil {
		test.Fatalf("refund: %v", err)
	}
	if _, err := service.Complete(ctx, transactionID, MetadataJSON{}); !errors.Is(err, ErrTransactionClosed) {
		test.Fatalf(errorMismatchMessage, ErrTransactionClosed, err)
	}
	if _, err := service.Fail(ctx, transactionID, "late"); !errors.Is(err, ErrTransactionClosed) {
		test.Fatalf(errorMismatchMessage, ErrTransactionClosed, err)
	}
}

func TestRefundCreditsExactlyOnce(test *testing.T) {
	test.Parallel()
	userID := mustUserID(test, "user-refund")
	store := newStubStore(test).withBalance(test, userID, 50)
	service := mustNewService(test, store)
	ctx := context.Background()
	transactionID := mustTransactionID(test, "txn-refund")

	if _, err := service.Reserve(ctx, reserveRequest(test, userID, transactionID.String(), 50)); err != nil {
		test.Fatalf("reserve: %v", err)
	}
	if _, err := service.Fail(ctx, transactionID, "quota exceeded"); err != nil {
		test.Fatalf("fail: %v", err)
	}
	first, err := service.Refund(ctx, transactionID, "")
	if err != nil {
		test.Fatalf("refund: %v", err)
	}
	if !first.Refunded || first.BalanceAfter != 50 {
		test.Fatalf("expected refund to balance 50, got %+v", first)
	}
	if first.Transaction.FailureReason != "quota exceeded" {
		test.Fatalf("expected failure reason to be kept, got %q", first.Transaction.FailureReason)
	}
	second, err := service.Refund(ctx, transactionID, "again")
	if err != nil {
		test.Fatalf("second refund: %v", err)
	}
	if second.Refunded || second.BalanceAfter != 50 {
		test.Fatalf("expected second refund to be a noop, got %+v", second)
	}
	if store.balance(test, userID) != 50 {
		test.Fatalf("expected balance 50, got %d", store.balance(test, userID))
	}
}

func TestRefundRollsBackWhenStoreFails(test *testing.T) {
	test.Parallel()
	userID := mustUserID(test, "user-cas")
	store := newStubStore(test).withBalance(test, userID, 20)
	service := mustNewService(test, store)
	ctx := context.Background()
	transactionID := mustTransactionID(test, "txn-cas")

	if _, err := service.Reserve(ctx, reserveRequest(test, userID, transactionID.String(), 5)); err != nil {
		test.Fatalf("reserve: %v", err)
	}
	storeError := errors.New("connection reset")
	store.adjustBalanceError = storeError
	if _, err := service.Refund(ctx, transactionID, ""); !errors.Is(err, storeError) {
		test.Fatalf(errorMismatchMessage, storeError, err)
	}
	store.adjustBalanceError = nil
	if status := store.mustTransaction(test, transactionID).Status; status != TransactionStatusProcessing {
		test.Fatalf("expected status rollback to processing, got %s", status)
	}
	if store.balance(test, userID) != 15 {
		test.Fatalf("expected balance 15, got %d", store.balance(test, userID))
	}
}

func TestRetryHonorsBudget(test *testing.T) {
	test.Parallel()
	userID := mustUserID(test, "user-retry")
	store := newStubStore(test).withBalance(test, userID, 10)
	service := mustNewService(test, store)
	ctx := context.Background()
	transactionID := mustTransactionID(test, "txn-retry")

	if _, err := service.Reserve(ctx, reserveRequest(test, userID, transactionID.String(), 3)); err != nil {
		test.Fatalf("reserve: %v", err)
	}
	for attempt := 1; attempt <= defaultMaxRetries; attempt++ {
		if _, err := service.Fail(ctx, transactionID, "transient"); err != nil {
			test.Fatalf("fail: %v", err)
		}
		result, err := service.Retry(ctx, transactionID)
		if err != nil {
			test.Fatalf("retry %d: %v", attempt, err)
		}
		if !result.CanRetry || result.RetryCount != attempt || result.Rearmed {
			test.Fatalf("unexpected retry result at attempt %d: %+v", attempt, result)
		}
		if result.Transaction.Status != TransactionStatusProcessing || result.Transaction.FailureReason != "" {
			test.Fatalf("expected retry to reopen the transaction, got %+v", result.Transaction)
		}
	}
	exhausted, err := service.Retry(ctx, transactionID)
	if err != nil {
		test.Fatalf("retry: %v", err)
	}
	if exhausted.CanRetry || exhausted.RetryCount != defaultMaxRetries {
		test.Fatalf("expected exhausted retry budget, got %+v", exhausted)
	}
	if stored := store.mustTransaction(test, transactionID); stored.RetryCount > stored.MaxRetries {
		test.Fatalf("retry count %d exceeds max %d", stored.RetryCount, stored.MaxRetries)
	}
	if store.balance(test, userID) != 7 {
		test.Fatalf("expected balance 7, got %d", store.balance(test, userID))
	}
}

func TestRetryRearmsRefundedTransaction(test *testing.T) {
	test.Parallel()
	userID := mustUserID(test, "user-rearm")
	store := newStubStore(test).withBalance(test, userID, 8)
	service := mustNewService(test, store)
	ctx := context.Background()
	transactionID := mustTransactionID(test, "txn-rearm")

	if _, err := service.Reserve(ctx, reserveRequest(test, userID, transactionID.String(), 5)); err != nil {
		test.Fatalf("reserve: %v", err)
	}
	if _, err := service.Refund(ctx, transactionID, "provider error"); err != nil {
		test.Fatalf("refund: %v", err)
	}
	result, err := service.Retry(ctx, transactionID)
	if err != nil {
		test.Fatalf("retry: %v", err)
	}
	if !result.Rearmed || result.BalanceAfter != 3 {
		test.Fatalf("expected re-armed retry at balance 3, got %+v", result)
	}
	refund, err := service.Refund(ctx, transactionID, "still failing")
	if err != nil || !refund.Refunded || refund.BalanceAfter != 8 {
		test.Fatalf("expected second debit to be refunded, got %+v (%v)", refund, err)
	}

	store.withBalance(test, userID, 2)
	if _, err := service.Retry(ctx, transactionID); !errors.Is(err, ErrInsufficientCredits) {
		test.Fatalf(errorMismatchMessage, ErrInsufficientCredits, err)
	}
	if stored := store.mustTransaction(test, transactionID); stored.Status != TransactionStatusRefunded || stored.RetryCount != 1 {
		test.Fatalf("expected failed re-arm to leave the transaction refunded, got %+v", stored)
	}
}

func TestRetryRejectsCompletedTransaction(test *testing.T) {
	test.Parallel()
	userID := mustUserID(test, "user-done")
	store := newStubStore(test).withBalance(test, userID, 5)
	service := mustNewService(test, store)
	ctx := context.Background()
	transactionID := mustTransactionID(test, "txn-done")

	if _, err := service.Reserve(ctx, reserveRequest(test, userID, transactionID.String(), 5)); err != nil {
		test.Fatalf("reserve: %v", err)
	}
	if _, err := service.Complete(ctx, transactionID, MetadataJSON{}); err != nil {
		test.Fatalf("complete: %v", err)
	}
	if _, err := service.Retry(ctx, transactionID); !errors.Is(err, ErrTransactionClosed) {
		test.Fatalf(errorMismatchMessage, ErrTransactionClosed, err)
	}
}

func TestGenerationScenarios(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name         string
		succeed      bool
		finalBalance int64
		finalStatus  TransactionStatus
	}{
		{name: "successful generation spends the reservation", succeed: true, finalBalance: 0, finalStatus: TransactionStatusCompleted},
		{name: "failed generation refunds the reservation", succeed: false, finalBalance: 50, finalStatus: TransactionStatusRefunded},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			userID := mustUserID(test, "user-scenario")
			store := newStubStore(test).withBalance(test, userID, 50)
			service := mustNewService(test, store)
			ctx := context.Background()
			transactionID := mustTransactionID(test, "txn-scenario")

			reservation, err := service.Reserve(ctx, reserveRequest(test, userID, transactionID.String(), 50))
			if err != nil {
				test.Fatalf("reserve: %v", err)
			}
			if reservation.BalanceAfter != 0 {
				test.Fatalf("expected balance 0 after reserve, got %d", reservation.BalanceAfter)
			}
			if testCase.succeed {
				_, err = service.Complete(ctx, transactionID, MetadataJSON{})
			} else {
				_, err = service.Refund(ctx, transactionID, "all credentials failed")
			}
			if err != nil {
				test.Fatalf("settle: %v", err)
			}
			if store.balance(test, userID) != testCase.finalBalance {
				test.Fatalf(errorMismatchMessage, testCase.finalBalance, store.balance(test, userID))
			}
			if status := store.mustTransaction(test, transactionID).Status; status != testCase.finalStatus {
				test.Fatalf(errorMismatchMessage, testCase.finalStatus, status)
			}
		})
	}
}

func TestStoreErrorsPropagate(test *testing.T) {
	test.Parallel()
	userID := mustUserID(test, "user-err")
	storeError := errors.New("database unavailable")
	store := newStubStore(test).withBalance(test, userID, 10)
	store.getAccountError = storeError
	service := mustNewService(test, store)

	if _, err := service.Reserve(context.Background(), reserveRequest(test, userID, "txn-err", 1)); !errors.Is(err, storeError) {
		test.Fatalf(errorMismatchMessage, storeError, err)
	}
	store.getAccountError = nil
	if store.balance(test, userID) != 10 {
		test.Fatalf("expected untouched balance, got %d", store.balance(test, userID))
	}
}
