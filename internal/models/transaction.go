package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	apperrors "github.com/welldanyogia/certbroker/internal/errors"
)

// Transaction types
const (
	TransactionOrder   = "order"
	TransactionDeposit = "deposit"
	TransactionRefund  = "refund"
	TransactionAdjust  = "adjustment"
)

// Invoice limit types
const (
	InvoiceLimitIssue   = "invoice"
	InvoiceLimitRestore = "restore"
	InvoiceLimitGrant   = "grant"
)

// Transaction is an immutable balance ledger entry. Creating one is the only
// way a user's balance changes.
type Transaction struct {
	ID            uint            `gorm:"primaryKey" json:"id"`
	UserID        uint            `gorm:"not null;index" json:"user_id"`
	Type          string          `gorm:"not null;size:20;uniqueIndex:idx_transactions_type_ref,where:type <> 'order'" json:"type"`
	TransactionID string          `gorm:"not null;size:128;uniqueIndex:idx_transactions_type_ref,where:type <> 'order'" json:"transaction_id"`
	Amount        decimal.Decimal `gorm:"type:decimal(14,2);not null" json:"amount"`
	BalanceBefore decimal.Decimal `gorm:"type:decimal(14,2);not null" json:"balance_before"`
	BalanceAfter  decimal.Decimal `gorm:"type:decimal(14,2);not null" json:"balance_after"`
	Remark        string          `gorm:"size:255" json:"remark,omitempty"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

// TableName returns the table name for Transaction
func (Transaction) TableName() string {
	return "transactions"
}

// BeforeCreate locks the owning user, snapshots the balance and applies the
// signed amount with 2-decimal precision.
func (t *Transaction) BeforeCreate(tx *gorm.DB) error {
	if t.Amount.IsZero() {
		return fmt.Errorf("zero amount transaction: %w", apperrors.ErrInvalidInput)
	}
	t.Amount = t.Amount.Round(2)

	user, err := lockUser(tx, t.UserID)
	if err != nil {
		return err
	}
	t.BalanceBefore = user.Balance.Round(2)
	t.BalanceAfter = t.BalanceBefore.Add(t.Amount)

	return tx.Session(&gorm.Session{NewDB: true}).
		Model(&User{}).
		Where("id = ?", t.UserID).
		UpdateColumn("balance", t.BalanceAfter).Error
}

// BeforeUpdate refuses every update.
func (t *Transaction) BeforeUpdate(tx *gorm.DB) error {
	return apperrors.ErrImmutable
}

// BeforeDelete refuses every delete.
func (t *Transaction) BeforeDelete(tx *gorm.DB) error {
	return apperrors.ErrImmutable
}

// InvoiceLimit is an immutable ledger entry against a user's invoice quota.
type InvoiceLimit struct {
	ID            uint            `gorm:"primaryKey" json:"id"`
	UserID        uint            `gorm:"not null;index" json:"user_id"`
	Type          string          `gorm:"not null;size:20;uniqueIndex:idx_invoice_limits_type_ref,where:type <> 'invoice'" json:"type"`
	TransactionID string          `gorm:"not null;size:128;uniqueIndex:idx_invoice_limits_type_ref,where:type <> 'invoice'" json:"transaction_id"`
	Amount        decimal.Decimal `gorm:"type:decimal(14,2);not null" json:"amount"`
	LimitBefore   decimal.Decimal `gorm:"type:decimal(14,2);not null" json:"limit_before"`
	LimitAfter    decimal.Decimal `gorm:"type:decimal(14,2);not null" json:"limit_after"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

// TableName returns the table name for InvoiceLimit
func (InvoiceLimit) TableName() string {
	return "invoice_limits"
}

// BeforeCreate locks the owning user and applies the amount to its quota.
func (l *InvoiceLimit) BeforeCreate(tx *gorm.DB) error {
	if l.Amount.IsZero() {
		return fmt.Errorf("zero amount invoice limit: %w", apperrors.ErrInvalidInput)
	}
	l.Amount = l.Amount.Round(2)

	user, err := lockUser(tx, l.UserID)
	if err != nil {
		return err
	}
	l.LimitBefore = user.InvoiceQuota.Round(2)
	l.LimitAfter = l.LimitBefore.Add(l.Amount)

	return tx.Session(&gorm.Session{NewDB: true}).
		Model(&User{}).
		Where("id = ?", l.UserID).
		UpdateColumn("invoice_quota", l.LimitAfter).Error
}

// BeforeUpdate refuses every update.
func (l *InvoiceLimit) BeforeUpdate(tx *gorm.DB) error {
	return apperrors.ErrImmutable
}

// BeforeDelete refuses every delete.
func (l *InvoiceLimit) BeforeDelete(tx *gorm.DB) error {
	return apperrors.ErrImmutable
}

func lockUser(tx *gorm.DB, userID uint) (*User, error) {
	var user User
	err := tx.Session(&gorm.Session{NewDB: true}).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&user, userID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("user %d: %w", userID, apperrors.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to lock user: %w", err)
	}
	return &user, nil
}
