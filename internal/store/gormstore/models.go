package gormstore

import (
	"time"

	"gorm.io/datatypes"
)

// Account represents the accounts table.
type Account struct {
	UserID    string    `gorm:"primaryKey"`
	Balance   int64     `gorm:"not null;check:chk_accounts_balance,balance >= 0"`
	Email     *string   `gorm:"index:idx_accounts_email"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

// Transaction mirrors the transactions table.
type Transaction struct {
	TransactionID     string         `gorm:"primaryKey"`
	UserID            string         `gorm:"not null;index:idx_transactions_user_created,priority:1"`
	Amount            int64          `gorm:"not null"`
	Status            string         `gorm:"not null;index:idx_transactions_status_updated,priority:1"`
	RetryCount        int            `gorm:"not null"`
	MaxRetries        int            `gorm:"not null"`
	OperationType     string         `gorm:"not null"`
	Provider          string         `gorm:"not null"`
	ModelUsed         string         `gorm:"not null"`
	PromptFingerprint string         `gorm:"not null"`
	Metadata          datatypes.JSON `gorm:"type:jsonb;not null"`
	FailureReason     string         `gorm:"not null"`
	CreatedAt         time.Time      `gorm:"not null;index:idx_transactions_user_created,priority:2,sort:desc"`
	UpdatedAt         time.Time      `gorm:"not null;index:idx_transactions_status_updated,priority:2"`
}

func (Transaction) TableName() string { return "transactions" }

// Order mirrors the orders table.
type Order struct {
	ExternalID   string         `gorm:"primaryKey"`
	UserID       string         `gorm:"not null;index:idx_orders_user"`
	Amount       int64          `gorm:"not null"`
	BonusCredits int64          `gorm:"not null"`
	Status       string         `gorm:"not null"`
	EventType    string         `gorm:"not null"`
	Metadata     datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt    time.Time      `gorm:"not null"`
	UpdatedAt    time.Time      `gorm:"not null"`
}

func (Order) TableName() string { return "orders" }

// Models lists every table managed by the store, in migration order.
func Models() []any {
	return []any{&Account{}, &Transaction{}, &Order{}}
}
