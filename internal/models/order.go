package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order is one purchased certificate subscription. Certificates issued for
// it form a backward-linked chain, and LatestCertID points at the newest one.
type Order struct {
	ID                uint            `gorm:"primaryKey" json:"id"`
	UserID            uint            `gorm:"not null;index" json:"user_id"`
	ProductID         uint            `gorm:"not null;index;uniqueIndex:idx_orders_acme_subscription,where:eab_kid IS NOT NULL" json:"product_id"`
	Brand             string          `gorm:"size:50" json:"brand"`
	Period            int             `gorm:"not null;default:12" json:"period"`
	PurchasedStandard int             `gorm:"not null;default:0" json:"purchased_standard_count"`
	PurchasedWildcard int             `gorm:"not null;default:0" json:"purchased_wildcard_count"`
	Amount            decimal.Decimal `gorm:"type:decimal(14,2);not null;default:0" json:"amount"`
	PeriodFrom        *time.Time      `json:"period_from,omitempty"`
	PeriodTill        *time.Time      `json:"period_till,omitempty"`
	CancelledAt       *time.Time      `gorm:"index" json:"cancelled_at,omitempty"`

	// ACME subscription
	Email         string     `gorm:"size:255;uniqueIndex:idx_orders_acme_subscription,where:eab_kid IS NOT NULL" json:"email,omitempty"`
	EabKid        *string    `gorm:"uniqueIndex;size:64" json:"eab_kid,omitempty"`
	EabHmac       string     `gorm:"size:128" json:"-"`
	EabUsedAt     *time.Time `json:"eab_used_at,omitempty"`
	AcmeAccountID *uint      `json:"acme_account_id,omitempty"`

	AutoRenew    bool  `gorm:"not null;default:false" json:"auto_renew"`
	AutoReissue  bool  `gorm:"not null;default:false" json:"auto_reissue"`
	LatestCertID *uint `json:"latest_cert_id,omitempty"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`

	// Relationships
	Product *Product `gorm:"foreignKey:ProductID" json:"product,omitempty"`
}

// TableName returns the table name for Order
func (Order) TableName() string {
	return "orders"
}

// IsValidityExpired reports whether the order's validity window has ended.
func (o *Order) IsValidityExpired(now time.Time) bool {
	return o.PeriodTill != nil && now.After(*o.PeriodTill)
}

// IsCancelled reports whether the order was logically deleted.
func (o *Order) IsCancelled() bool {
	return o.CancelledAt != nil
}
