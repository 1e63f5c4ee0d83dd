package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarkoPoloResearchLab/genmeter/pkg/ledger"
)

const (
	constraintTransactionPrimary = "transactions_pkey"
	constraintOrderPrimary       = "orders_pkey"
	defaultMetadataJSON          = "{}"
	pgUniqueViolationCode        = "23505"
	sqliteConstraintCode         = 19
	errorOperationStore          = "store"
	errorSubjectAccount          = "account"
	errorSubjectTransaction      = "transaction"
	errorSubjectOrder            = "order"
	errorSubjectSchema           = "schema"
	errorCodeAdjust              = "adjust"
	errorCodeCreate              = "create"
	errorCodeDuplicate           = "duplicate"
	errorCodeGet                 = "get"
	errorCodeInsert              = "insert"
	errorCodeInvalid             = "invalid"
	errorCodeList                = "list"
	errorCodeLookup              = "lookup"
	errorCodeMigrate             = "migrate"
	errorCodeUpdate              = "update"
)

// Store implements ledger.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the tables used by the store.
func Migrate(ctx context.Context, db *gorm.DB) error {
	if err := db.WithContext(ctx).AutoMigrate(Models()...); err != nil {
		return wrapStoreError(errorSubjectSchema, errorCodeMigrate, err)
	}
	return nil
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) GetOrCreateAccount(ctx context.Context, userID ledger.UserID, initialBalance ledger.Credits) (ledger.Account, error) {
	now := time.Now().UTC()
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(&Account{UserID: userID.String(), Balance: initialBalance.Int64(), CreatedAt: now, UpdatedAt: now}).Error
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	var model Account
	err = store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID.String()).
		Take(&model).Error
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	account, err := mapAccount(model)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return account, nil
}

func (store *Store) AdjustBalance(ctx context.Context, userID ledger.UserID, delta int64) (ledger.Credits, error) {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("user_id = ? AND balance + ? >= 0", userID.String(), delta).
		Updates(map[string]any{
			"balance":    gorm.Expr("balance + ?", delta),
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectAccount, errorCodeAdjust, result.Error)
	}
	var model Account
	err := store.db.WithContext(ctx).Where("user_id = ?", userID.String()).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, wrapStoreError(errorSubjectAccount, errorCodeAdjust, ledger.ErrAccountNotFound)
		}
		return 0, wrapStoreError(errorSubjectAccount, errorCodeAdjust, err)
	}
	if result.RowsAffected == 0 {
		return 0, wrapStoreError(errorSubjectAccount, errorCodeAdjust, ledger.ErrInsufficientCredits)
	}
	balance, err := ledger.NewCredits(model.Balance)
	if err != nil {
		return 0, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return balance, nil
}

func (store *Store) SetAccountEmail(ctx context.Context, userID ledger.UserID, email ledger.Email) error {
	value := email.String()
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("user_id = ?", userID.String()).
		Updates(map[string]any{"email": &value, "updated_at": time.Now().UTC()})
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, ledger.ErrAccountNotFound)
	}
	return nil
}

func (store *Store) FindUserByEmail(ctx context.Context, email ledger.Email) (ledger.UserID, error) {
	var model Account
	err := store.db.WithContext(ctx).
		Where("email = ?", email.String()).
		Order("updated_at DESC").
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.UserID{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, ledger.ErrAccountNotFound)
		}
		return ledger.UserID{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	userID, err := ledger.NewUserID(model.UserID)
	if err != nil {
		return ledger.UserID{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return userID, nil
}

func (store *Store) InsertTransaction(ctx context.Context, transaction ledger.Transaction) error {
	model := transactionModel(transaction)
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err, constraintTransactionPrimary) {
		return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, ledger.ErrDuplicateTransaction)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) GetTransaction(ctx context.Context, transactionID ledger.TransactionID) (ledger.Transaction, error) {
	var model Transaction
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("transaction_id = ?", transactionID.String()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, ledger.ErrTransactionNotFound)
		}
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, err)
	}
	transaction, err := mapTransaction(model)
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transaction, nil
}

func (store *Store) CompareAndSwapTransaction(ctx context.Context, expected ledger.Transaction, next ledger.Transaction) error {
	result := store.db.WithContext(ctx).
		Model(&Transaction{}).
		Where("transaction_id = ? AND status = ? AND retry_count = ?", expected.TransactionID.String(), expected.Status.String(), expected.RetryCount).
		Updates(map[string]any{
			"status":         next.Status.String(),
			"retry_count":    next.RetryCount,
			"model_used":     next.ModelUsed,
			"metadata":       datatypesJSON(next.Metadata.String()),
			"failure_reason": next.FailureReason,
			"updated_at":     unixToTime(next.UpdatedUnixUTC),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}
	var count int64
	if err := store.db.WithContext(ctx).Model(&Transaction{}).Where("transaction_id = ?", expected.TransactionID.String()).Count(&count).Error; err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeUpdate, err)
	}
	if count == 0 {
		return wrapStoreError(errorSubjectTransaction, errorCodeUpdate, ledger.ErrTransactionNotFound)
	}
	return wrapStoreError(errorSubjectTransaction, errorCodeUpdate, ledger.ErrTransactionClosed)
}

func (store *Store) ListTransactions(ctx context.Context, userID ledger.UserID, limit int) ([]ledger.Transaction, error) {
	var rows []Transaction
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Order("created_at DESC").
		Order("transaction_id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	return mapTransactions(rows)
}

func (store *Store) ListStaleTransactions(ctx context.Context, updatedBeforeUnixUTC int64, limit int) ([]ledger.Transaction, error) {
	var rows []Transaction
	err := store.db.WithContext(ctx).
		Where("status IN ?", []string{ledger.TransactionStatusProcessing.String(), ledger.TransactionStatusFailed.String()}).
		Where("updated_at < ?", unixToTime(updatedBeforeUnixUTC)).
		Order("updated_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	return mapTransactions(rows)
}

func (store *Store) GetOrder(ctx context.Context, externalID ledger.ExternalOrderID) (ledger.Order, error) {
	var model Order
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("external_id = ?", externalID.String()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Order{}, wrapStoreError(errorSubjectOrder, errorCodeGet, ledger.ErrOrderNotFound)
		}
		return ledger.Order{}, wrapStoreError(errorSubjectOrder, errorCodeGet, err)
	}
	order, err := mapOrder(model)
	if err != nil {
		return ledger.Order{}, wrapStoreError(errorSubjectOrder, errorCodeInvalid, err)
	}
	return order, nil
}

func (store *Store) InsertOrder(ctx context.Context, order ledger.Order) error {
	model := Order{
		ExternalID:   order.ExternalID.String(),
		UserID:       order.UserID.String(),
		Amount:       order.Amount.Int64(),
		BonusCredits: order.BonusCredits.Int64(),
		Status:       order.Status.String(),
		EventType:    order.EventType,
		Metadata:     datatypesJSON(order.Metadata.String()),
		CreatedAt:    unixToTime(order.CreatedUnixUTC),
		UpdatedAt:    unixToTime(order.UpdatedUnixUTC),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err, constraintOrderPrimary) {
		return wrapStoreError(errorSubjectOrder, errorCodeDuplicate, ledger.ErrDuplicateOrder)
	}
	if err != nil {
		return wrapStoreError(errorSubjectOrder, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) UpdateOrderStatus(ctx context.Context, externalID ledger.ExternalOrderID, status ledger.OrderStatus, updatedUnixUTC int64) error {
	result := store.db.WithContext(ctx).
		Model(&Order{}).
		Where("external_id = ?", externalID.String()).
		Updates(map[string]any{"status": status.String(), "updated_at": unixToTime(updatedUnixUTC)})
	if result.Error != nil {
		return wrapStoreError(errorSubjectOrder, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectOrder, errorCodeUpdate, ledger.ErrOrderNotFound)
	}
	return nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func transactionModel(transaction ledger.Transaction) Transaction {
	return Transaction{
		TransactionID:     transaction.TransactionID.String(),
		UserID:            transaction.UserID.String(),
		Amount:            transaction.Amount.Int64(),
		Status:            transaction.Status.String(),
		RetryCount:        transaction.RetryCount,
		MaxRetries:        transaction.MaxRetries,
		OperationType:     transaction.OperationType,
		Provider:          transaction.Provider,
		ModelUsed:         transaction.ModelUsed,
		PromptFingerprint: transaction.PromptFingerprint,
		Metadata:          datatypesJSON(transaction.Metadata.String()),
		FailureReason:     transaction.FailureReason,
		CreatedAt:         unixToTime(transaction.CreatedUnixUTC),
		UpdatedAt:         unixToTime(transaction.UpdatedUnixUTC),
	}
}

func mapAccount(model Account) (ledger.Account, error) {
	userID, err := ledger.NewUserID(model.UserID)
	if err != nil {
		return ledger.Account{}, err
	}
	balance, err := ledger.NewCredits(model.Balance)
	if err != nil {
		return ledger.Account{}, err
	}
	email := ""
	if model.Email != nil {
		email = *model.Email
	}
	return ledger.Account{UserID: userID, Balance: balance, Email: email}, nil
}

func mapTransactions(rows []Transaction) ([]ledger.Transaction, error) {
	transactions := make([]ledger.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransaction(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

func mapTransaction(row Transaction) (ledger.Transaction, error) {
	transactionID, err := ledger.NewTransactionID(row.TransactionID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	userID, err := ledger.NewUserID(row.UserID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	amount, err := ledger.NewPositiveCredits(row.Amount)
	if err != nil {
		return ledger.Transaction{}, err
	}
	status, err := ledger.ParseTransactionStatus(row.Status)
	if err != nil {
		return ledger.Transaction{}, err
	}
	metadata, err := ledger.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return ledger.Transaction{}, err
	}
	if row.RetryCount < 0 || row.MaxRetries < 0 {
		return ledger.Transaction{}, fmt.Errorf("%w: negative retry counters", ledger.ErrInvalidMaxRetries)
	}
	return ledger.Transaction{
		TransactionID:     transactionID,
		UserID:            userID,
		Amount:            amount,
		Status:            status,
		RetryCount:        row.RetryCount,
		MaxRetries:        row.MaxRetries,
		OperationType:     row.OperationType,
		Provider:          row.Provider,
		ModelUsed:         row.ModelUsed,
		PromptFingerprint: row.PromptFingerprint,
		Metadata:          metadata,
		FailureReason:     row.FailureReason,
		CreatedUnixUTC:    row.CreatedAt.Unix(),
		UpdatedUnixUTC:    row.UpdatedAt.Unix(),
	}, nil
}

func mapOrder(row Order) (ledger.Order, error) {
	externalID, err := ledger.NewExternalOrderID(row.ExternalID)
	if err != nil {
		return ledger.Order{}, err
	}
	userID, err := ledger.NewUserID(row.UserID)
	if err != nil {
		return ledger.Order{}, err
	}
	amount, err := ledger.NewCredits(row.Amount)
	if err != nil {
		return ledger.Order{}, err
	}
	bonus, err := ledger.NewCredits(row.BonusCredits)
	if err != nil {
		return ledger.Order{}, err
	}
	status, err := ledger.ParseOrderStatus(row.Status)
	if err != nil {
		return ledger.Order{}, err
	}
	metadata, err := ledger.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return ledger.Order{}, err
	}
	return ledger.Order{
		ExternalID:     externalID,
		UserID:         userID,
		Amount:         amount,
		BonusCredits:   bonus,
		Status:         status,
		EventType:      row.EventType,
		Metadata:       metadata,
		CreatedUnixUTC: row.CreatedAt.Unix(),
		UpdatedUnixUTC: row.UpdatedAt.Unix(),
	}, nil
}

func unixToTime(value int64) time.Time {
	if value == 0 {
		return time.Now().UTC()
	}
	return time.Unix(value, 0).UTC()
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error, constraint string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraint
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
