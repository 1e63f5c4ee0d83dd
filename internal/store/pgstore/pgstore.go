package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MarkoPoloResearchLab/genmeter/pkg/ledger"
)

const (
	constraintTransactionPrimary = "transactions_pkey"
	constraintOrderPrimary       = "orders_pkey"
	pgUniqueViolationCode        = "23505"
	errorOperationStore          = "store"
	errorSubjectAccount          = "account"
	errorSubjectOrder            = "order"
	errorSubjectSchema           = "schema"
	errorSubjectTransaction      = "transaction"
	errorCodeAdjust              = "adjust"
	errorCodeBegin               = "begin"
	errorCodeCommit              = "commit"
	errorCodeCreate              = "create"
	errorCodeDuplicate           = "duplicate"
	errorCodeGet                 = "get"
	errorCodeInsert              = "insert"
	errorCodeInvalid             = "invalid"
	errorCodeList                = "list"
	errorCodeLookup              = "lookup"
	errorCodeMigrate             = "migrate"
	errorCodeUpdate              = "update"

	// Schema matches the tables created by gormstore.Migrate.
	Schema = `
		create table if not exists accounts (
			user_id text primary key,
			balance bigint not null constraint chk_accounts_balance check (balance >= 0),
			email text,
			created_at timestamptz not null,
			updated_at timestamptz not null
		);
		create index if not exists idx_accounts_email on accounts(email);

		create table if not exists transactions (
			transaction_id text primary key,
			user_id text not null,
			amount bigint not null,
			status text not null,
			retry_count bigint not null,
			max_retries bigint not null,
			operation_type text not null,
			provider text not null,
			model_used text not null,
			prompt_fingerprint text not null,
			metadata jsonb not null,
			failure_reason text not null,
			created_at timestamptz not null,
			updated_at timestamptz not null
		);
		create index if not exists idx_transactions_user_created on transactions(user_id, created_at desc);
		create index if not exists idx_transactions_status_updated on transactions(status, updated_at);

		create table if not exists orders (
			external_id text primary key,
			user_id text not null,
			amount bigint not null,
			bonus_credits bigint not null,
			status text not null,
			event_type text not null,
			metadata jsonb not null,
			created_at timestamptz not null,
			updated_at timestamptz not null
		);
		create index if not exists idx_orders_user on orders(user_id);
	`

	sqlInsertAccount = `
		insert into accounts(user_id, balance, created_at, updated_at) values($1, $2, now(), now())
		on conflict (user_id) do nothing
	`

	sqlSelectAccountForUpdate = `
		select user_id, balance, coalesce(email,'') from accounts where user_id = $1 for update
	`

	sqlAdjustBalance = `
		update accounts set balance = balance + $2, updated_at = now()
		where user_id = $1 and balance + $2 >= 0
		returning balance
	`

	sqlAccountExists = `select exists(select 1 from accounts where user_id = $1)`

	sqlSetAccountEmail = `update accounts set email = $2, updated_at = now() where user_id = $1`

	sqlFindUserByEmail = `select user_id from accounts where email = $1 order by updated_at desc limit 1`

	sqlInsertTransaction = `
		insert into transactions(
			transaction_id, user_id, amount, status, retry_count, max_retries, operation_type,
			provider, model_used, prompt_fingerprint, metadata, failure_reason, created_at, updated_at
		)
		values($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, coalesce(nullif($11,''),'{}')::jsonb, $12, to_timestamp($13), to_timestamp($14))
	`

	transactionColumns = `
		transaction_id, user_id, amount, status, retry_count, max_retries, operation_type,
		provider, model_used, prompt_fingerprint, coalesce(metadata::text,'{}'), failure_reason,
		extract(epoch from created_at)::bigint, extract(epoch from updated_at)::bigint
	`

	sqlSelectTransactionForUpdate = `select ` + transactionColumns + ` from transactions where transaction_id = $1 for update`

	sqlCompareAndSwapTransaction = `
		update transactions
		set status = $4, retry_count = $5, model_used = $6, metadata = coalesce(nullif($7,''),'{}')::jsonb,
			failure_reason = $8, updated_at = to_timestamp($9)
		where transaction_id = $1 and status = $2 and retry_count = $3
	`

	sqlTransactionExists = `select exists(select 1 from transactions where transaction_id = $1)`

	sqlListTransactions = `
		select ` + transactionColumns + ` from transactions
		where user_id = $1
		order by created_at desc, transaction_id desc
		limit $2
	`

	sqlListStaleTransactions = `
		select ` + transactionColumns + ` from transactions
		where status in ('processing','failed') and updated_at < to_timestamp($1)
		order by updated_at asc
		limit $2
	`

	sqlSelectOrderForUpdate = `
		select external_id, user_id, amount, bonus_credits, status, event_type, coalesce(metadata::text,'{}'),
			extract(epoch from created_at)::bigint, extract(epoch from updated_at)::bigint
		from orders where external_id = $1 for update
	`

	sqlInsertOrder = `
		insert into orders(external_id, user_id, amount, bonus_credits, status, event_type, metadata, created_at, updated_at)
		values($1, $2, $3, $4, $5, $6, coalesce(nullif($7,''),'{}')::jsonb, to_timestamp($8), to_timestamp($9))
	`

	sqlUpdateOrderStatus = `update orders set status = $2, updated_at = to_timestamp($3) where external_id = $1`
)

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements ledger.Store using a pgx connection pool. Outside WithTx
// every statement runs in autocommit mode.
type Store struct {
	pool *pgxpool.Pool
	db   querier
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, db: pool}
}

// Migrate applies Schema.
func (store *Store) Migrate(ctx context.Context) error {
	if _, err := store.db.Exec(ctx, Schema); err != nil {
		return wrapStoreError(errorSubjectSchema, errorCodeMigrate, err)
	}
	return nil
}

// WithTx executes fn within a transaction. Nested calls reuse the open transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	if store.pool == nil {
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	if err := fn(ctx, &Store{db: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) GetOrCreateAccount(ctx context.Context, userID ledger.UserID, initialBalance ledger.Credits) (ledger.Account, error) {
	if _, err := store.db.Exec(ctx, sqlInsertAccount, userID.String(), initialBalance.Int64()); err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	var (
		userValue    string
		balanceValue int64
		emailValue   string
	)
	if err := store.db.QueryRow(ctx, sqlSelectAccountForUpdate, userID.String()).Scan(&userValue, &balanceValue, &emailValue); err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	parsedUserID, err := ledger.NewUserID(userValue)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	balance, err := ledger.NewCredits(balanceValue)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return ledger.Account{UserID: parsedUserID, Balance: balance, Email: emailValue}, nil
}

func (store *Store) AdjustBalance(ctx context.Context, userID ledger.UserID, delta int64) (ledger.Credits, error) {
	var balanceValue int64
	err := store.db.QueryRow(ctx, sqlAdjustBalance, userID.String(), delta).Scan(&balanceValue)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if existsErr := store.db.QueryRow(ctx, sqlAccountExists, userID.String()).Scan(&exists); existsErr != nil {
			return 0, wrapStoreError(errorSubjectAccount, errorCodeAdjust, existsErr)
		}
		if !exists {
			return 0, wrapStoreError(errorSubjectAccount, errorCodeAdjust, ledger.ErrAccountNotFound)
		}
		return 0, wrapStoreError(errorSubjectAccount, errorCodeAdjust, ledger.ErrInsufficientCredits)
	}
	if err != nil {
		return 0, wrapStoreError(errorSubjectAccount, errorCodeAdjust, err)
	}
	balance, err := ledger.NewCredits(balanceValue)
	if err != nil {
		return 0, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return balance, nil
}

func (store *Store) SetAccountEmail(ctx context.Context, userID ledger.UserID, email ledger.Email) error {
	tag, err := store.db.Exec(ctx, sqlSetAccountEmail, userID.String(), email.String())
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, ledger.ErrAccountNotFound)
	}
	return nil
}

func (store *Store) FindUserByEmail(ctx context.Context, email ledger.Email) (ledger.UserID, error) {
	var userValue string
	err := store.db.QueryRow(ctx, sqlFindUserByEmail, email.String()).Scan(&userValue)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.UserID{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, ledger.ErrAccountNotFound)
		}
		return ledger.UserID{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	userID, err := ledger.NewUserID(userValue)
	if err != nil {
		return ledger.UserID{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return userID, nil
}

func (store *Store) InsertTransaction(ctx context.Context, transaction ledger.Transaction) error {
	_, err := store.db.Exec(ctx, sqlInsertTransaction,
		transaction.TransactionID.String(),
		transaction.UserID.String(),
		transaction.Amount.Int64(),
		transaction.Status.String(),
		transaction.RetryCount,
		transaction.MaxRetries,
		transaction.OperationType,
		transaction.Provider,
		transaction.ModelUsed,
		transaction.PromptFingerprint,
		transaction.Metadata.String(),
		transaction.FailureReason,
		transaction.CreatedUnixUTC,
		transaction.UpdatedUnixUTC,
	)
	if isUniqueViolation(err, constraintTransactionPrimary) {
		return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, ledger.ErrDuplicateTransaction)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) GetTransaction(ctx context.Context, transactionID ledger.TransactionID) (ledger.Transaction, error) {
	transaction, err := scanTransaction(store.db.QueryRow(ctx, sqlSelectTransactionForUpdate, transactionID.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, ledger.ErrTransactionNotFound)
		}
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, err)
	}
	return transaction, nil
}

func (store *Store) CompareAndSwapTransaction(ctx context.Context, expected ledger.Transaction, next ledger.Transaction) error {
	tag, err := store.db.Exec(ctx, sqlCompareAndSwapTransaction,
		expected.TransactionID.String(),
		expected.Status.String(),
		expected.RetryCount,
		next.Status.String(),
		next.RetryCount,
		next.ModelUsed,
		next.Metadata.String(),
		next.FailureReason,
		next.UpdatedUnixUTC,
	)
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeUpdate, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := store.db.QueryRow(ctx, sqlTransactionExists, expected.TransactionID.String()).Scan(&exists); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeUpdate, err)
	}
	if !exists {
		return wrapStoreError(errorSubjectTransaction, errorCodeUpdate, ledger.ErrTransactionNotFound)
	}
	return wrapStoreError(errorSubjectTransaction, errorCodeUpdate, ledger.ErrTransactionClosed)
}

func (store *Store) ListTransactions(ctx context.Context, userID ledger.UserID, limit int) ([]ledger.Transaction, error) {
	rows, err := store.db.Query(ctx, sqlListTransactions, userID.String(), limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	defer rows.Close()
	transactions, err := scanTransactions(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transactions, nil
}

func (store *Store) ListStaleTransactions(ctx context.Context, updatedBeforeUnixUTC int64, limit int) ([]ledger.Transaction, error) {
	rows, err := store.db.Query(ctx, sqlListStaleTransactions, updatedBeforeUnixUTC, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	defer rows.Close()
	transactions, err := scanTransactions(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transactions, nil
}

func (store *Store) GetOrder(ctx context.Context, externalID ledger.ExternalOrderID) (ledger.Order, error) {
	var (
		externalValue string
		userValue     string
		amountValue   int64
		bonusValue    int64
		statusValue   string
		eventType     string
		metadataValue string
		createdUnix   int64
		updatedUnix   int64
	)
	err := store.db.QueryRow(ctx, sqlSelectOrderForUpdate, externalID.String()).Scan(
		&externalValue, &userValue, &amountValue, &bonusValue, &statusValue, &eventType, &metadataValue, &createdUnix, &updatedUnix,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Order{}, wrapStoreError(errorSubjectOrder, errorCodeGet, ledger.ErrOrderNotFound)
		}
		return ledger.Order{}, wrapStoreError(errorSubjectOrder, errorCodeGet, err)
	}
	order, err := buildOrder(externalValue, userValue, amountValue, bonusValue, statusValue, eventType, metadataValue, createdUnix, updatedUnix)
	if err != nil {
		return ledger.Order{}, wrapStoreError(errorSubjectOrder, errorCodeInvalid, err)
	}
	return order, nil
}

func (store *Store) InsertOrder(ctx context.Context, order ledger.Order) error {
	_, err := store.db.Exec(ctx, sqlInsertOrder,
		order.ExternalID.String(),
		order.UserID.String(),
		order.Amount.Int64(),
		order.BonusCredits.Int64(),
		order.Status.String(),
		order.EventType,
		order.Metadata.String(),
		order.CreatedUnixUTC,
		order.UpdatedUnixUTC,
	)
	if isUniqueViolation(err, constraintOrderPrimary) {
		return wrapStoreError(errorSubjectOrder, errorCodeDuplicate, ledger.ErrDuplicateOrder)
	}
	if err != nil {
		return wrapStoreError(errorSubjectOrder, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) UpdateOrderStatus(ctx context.Context, externalID ledger.ExternalOrderID, status ledger.OrderStatus, updatedUnixUTC int64) error {
	tag, err := store.db.Exec(ctx, sqlUpdateOrderStatus, externalID.String(), status.String(), updatedUnixUTC)
	if err != nil {
		return wrapStoreError(errorSubjectOrder, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectOrder, errorCodeUpdate, ledger.ErrOrderNotFound)
	}
	return nil
}

func scanTransactions(rows pgx.Rows) ([]ledger.Transaction, error) {
	transactions := make([]ledger.Transaction, 0, 16)
	for rows.Next() {
		transaction, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, transaction)
	}
	return transactions, rows.Err()
}

func scanTransaction(row pgx.Row) (ledger.Transaction, error) {
	var (
		transactionValue  string
		userValue         string
		amountValue       int64
		statusValue       string
		retryCount        int
		maxRetries        int
		operationType     string
		provider          string
		modelUsed         string
		promptFingerprint string
		metadataValue     string
		failureReason     string
		createdUnix       int64
		updatedUnix       int64
	)
	if err := row.Scan(
		&transactionValue,
		&userValue,
		&amountValue,
		&statusValue,
		&retryCount,
		&maxRetries,
		&operationType,
		&provider,
		&modelUsed,
		&promptFingerprint,
		&metadataValue,
		&failureReason,
		&createdUnix,
		&updatedUnix,
	); err != nil {
		return ledger.Transaction{}, err
	}
	transactionID, err := ledger.NewTransactionID(transactionValue)
	if err != nil {
		return ledger.Transaction{}, err
	}
	userID, err := ledger.NewUserID(userValue)
	if err != nil {
		return ledger.Transaction{}, err
	}
	amount, err := ledger.NewPositiveCredits(amountValue)
	if err != nil {
		return ledger.Transaction{}, err
	}
	status, err := ledger.ParseTransactionStatus(statusValue)
	if err != nil {
		return ledger.Transaction{}, err
	}
	metadata, err := ledger.NewMetadataJSON(metadataValue)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if retryCount < 0 || maxRetries < 0 {
		return ledger.Transaction{}, fmt.Errorf("%w: negative retry counters", ledger.ErrInvalidMaxRetries)
	}
	return ledger.Transaction{
		TransactionID:     transactionID,
		UserID:            userID,
		Amount:            amount,
		Status:            status,
		RetryCount:        retryCount,
		MaxRetries:        maxRetries,
		OperationType:     operationType,
		Provider:          provider,
		ModelUsed:         modelUsed,
		PromptFingerprint: promptFingerprint,
		Metadata:          metadata,
		FailureReason:     failureReason,
		CreatedUnixUTC:    createdUnix,
		UpdatedUnixUTC:    updatedUnix,
	}, nil
}

func buildOrder(externalValue string, userValue string, amountValue int64, bonusValue int64, statusValue string, eventType string, metadataValue string, createdUnix int64, updatedUnix int64) (ledger.Order, error) {
	externalID, err := ledger.NewExternalOrderID(externalValue)
	if err != nil {
		return ledger.Order{}, err
	}
	userID, err := ledger.NewUserID(userValue)
	if err != nil {
		return ledger.Order{}, err
	}
	amount, err := ledger.NewCredits(amountValue)
	if err != nil {
		return ledger.Order{}, err
	}
	bonus, err := ledger.NewCredits(bonusValue)
	if err != nil {
		return ledger.Order{}, err
	}
	status, err := ledger.ParseOrderStatus(statusValue)
	if err != nil {
		return ledger.Order{}, err
	}
	metadata, err := ledger.NewMetadataJSON(metadataValue)
	if err != nil {
		return ledger.Order{}, err
	}
	return ledger.Order{
		ExternalID:     externalID,
		UserID:         userID,
		Amount:         amount,
		BonusCredits:   bonus,
		Status:         status,
		EventType:      eventType,
		Metadata:       metadata,
		CreatedUnixUTC: createdUnix,
		UpdatedUnixUTC: updatedUnix,
	}, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraint
	}
	return false
}
