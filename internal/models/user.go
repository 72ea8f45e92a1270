package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// User is a customer account. Balance and InvoiceQuota change only through
// Transaction and InvoiceLimit creation.
type User struct {
	ID           uint            `gorm:"primaryKey" json:"id"`
	Email        string          `gorm:"uniqueIndex;not null;size:255" json:"email"`
	Balance      decimal.Decimal `gorm:"type:decimal(14,2);not null;default:0" json:"balance"`
	Credit       decimal.Decimal `gorm:"type:decimal(14,2);not null;default:0" json:"credit"`
	InvoiceQuota decimal.Decimal `gorm:"type:decimal(14,2);not null;default:0" json:"invoice_quota"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for User
func (User) TableName() string {
	return "users"
}

// CanAfford reports whether debiting amount keeps the balance at or above -Credit.
func (u *User) CanAfford(amount decimal.Decimal) bool {
	return u.Balance.Sub(amount).GreaterThanOrEqual(u.Credit.Neg())
}
