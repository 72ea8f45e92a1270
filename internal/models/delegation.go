package models

import (
	"time"
)

// Delegation prefixes
const (
	PrefixPKIValidation = "_pki-validation"
	PrefixDNSAuth       = "_dnsauth"
	PrefixCertum        = "_certum"
	PrefixACMEChallenge = "_acme-challenge"
)

// CnameDelegation maps a customer's (zone, prefix) onto a proxy DNS label the
// platform controls.
type CnameDelegation struct {
	ID            uint       `gorm:"primaryKey" json:"id"`
	UserID        uint       `gorm:"not null;uniqueIndex:idx_delegations_tuple" json:"user_id"`
	Zone          string     `gorm:"not null;size:255;uniqueIndex:idx_delegations_tuple" json:"zone"`
	Prefix        string     `gorm:"not null;size:32;uniqueIndex:idx_delegations_tuple" json:"prefix"`
	Label         string     `gorm:"not null;size:64;uniqueIndex" json:"label"`
	Target        string     `gorm:"not null;size:255" json:"target"`
	Valid         bool       `gorm:"not null;default:false" json:"valid"`
	FailCount     int        `gorm:"not null;default:0" json:"fail_count"`
	LastError     string     `gorm:"size:500" json:"last_error,omitempty"`
	LastCheckedAt *time.Time `json:"last_checked_at,omitempty"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for CnameDelegation
func (CnameDelegation) TableName() string {
	return "cname_delegations"
}

// Host is the name the customer points at Target with a CNAME record.
func (d *CnameDelegation) Host() string {
	return d.Prefix + "." + d.Zone
}
