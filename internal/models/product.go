package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// CA identifies an upstream certificate authority.
type CA string

const (
	CASectigo  CA = "sectigo"
	CADigicert CA = "digicert"
	CACertum   CA = "certum"
	CAACME     CA = "acme"
)

// Product types
const (
	ProductTypeSSL      = "ssl"
	ProductTypeSMIME    = "smime"
	ProductTypeCodeSign = "codesign"
)

// Validation tiers
const (
	ValidationDV = "dv"
	ValidationOV = "ov"
	ValidationEV = "ev"
)

// Product is a sellable certificate product of one CA.
type Product struct {
	ID             uint   `gorm:"primaryKey" json:"id"`
	Code           string `gorm:"not null;size:100" json:"code"`
	Name           string `gorm:"not null;size:255" json:"name"`
	Brand          string `gorm:"not null;size:50" json:"brand"`
	CA             CA     `gorm:"column:ca;not null;size:20" json:"ca"`
	Type           string `gorm:"not null;size:20;default:ssl" json:"type"`
	ValidationType string `gorm:"not null;size:10;default:dv" json:"validation_type"`

	StandardMin int `gorm:"not null;default:0" json:"standard_min"`
	StandardMax int `gorm:"not null;default:0" json:"standard_max"`
	WildcardMin int `gorm:"not null;default:0" json:"wildcard_min"`
	WildcardMax int `gorm:"not null;default:0" json:"wildcard_max"`
	TotalMax    int `gorm:"not null;default:0" json:"total_max"`

	AddSAN     bool `gorm:"not null;default:false" json:"add_san"`
	ReplaceSAN bool `gorm:"not null;default:false" json:"replace_san"`
	Renew      bool `gorm:"not null;default:false" json:"renew"`
	Reissue    bool `gorm:"not null;default:false" json:"reissue"`
	ReuseCSR   bool `gorm:"column:reuse_csr;not null;default:false" json:"reuse_csr"`
	Enabled    bool `gorm:"not null;default:false" json:"enabled"`

	PriceBase     decimal.Decimal `gorm:"type:decimal(14,2);not null;default:0" json:"price_base"`
	PriceStandard decimal.Decimal `gorm:"type:decimal(14,2);not null;default:0" json:"price_standard"`
	PriceWildcard decimal.Decimal `gorm:"type:decimal(14,2);not null;default:0" json:"price_wildcard"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for Product
func (Product) TableName() string {
	return "products"
}

// RequiresApplyInfo reports whether organization and contact data are mandatory.
func (p *Product) RequiresApplyInfo() bool {
	return p.ValidationType != ValidationDV || p.Type != ProductTypeSSL
}

// SupportsBatch reports whether the product can be ordered in batch mode.
func (p *Product) SupportsBatch() bool {
	return p.Type == ProductTypeSSL
}

// Supports reports whether the product allows the given action.
func (p *Product) Supports(action string) bool {
	switch action {
	case ActionNew:
		return true
	case ActionRenew:
		return p.Renew
	case ActionReissue:
		return p.Reissue
	default:
		return false
	}
}
