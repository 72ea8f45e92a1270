package models

import (
	"time"
)

// ACME account and authorization statuses
const (
	AcmeStatusPending     = "pending"
	AcmeStatusReady       = "ready"
	AcmeStatusProcessing  = "processing"
	AcmeStatusValid       = "valid"
	AcmeStatusInvalid     = "invalid"
	AcmeStatusDeactivated = "deactivated"
)

// AcmeAccount is a local ACME account bound to exactly one Order.
type AcmeAccount struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	OrderID       uint      `gorm:"not null;uniqueIndex" json:"order_id"`
	UserID        uint      `gorm:"not null;index" json:"user_id"`
	KeyThumbprint string    `gorm:"not null;size:128;uniqueIndex" json:"key_thumbprint"`
	Contact       string    `gorm:"size:500" json:"contact,omitempty"`
	Status        string    `gorm:"not null;size:20" json:"status"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for AcmeAccount
func (AcmeAccount) TableName() string {
	return "acme_accounts"
}

// Authorization is a local ACME authorization for one identifier of a cert.
// The upstream challenge id never leaves the engine.
type Authorization struct {
	ID               uint       `gorm:"primaryKey" json:"id"`
	CertID           uint       `gorm:"not null;index" json:"cert_id"`
	Identifier       string     `gorm:"not null;size:255" json:"identifier"`
	Wildcard         bool       `gorm:"not null;default:false" json:"wildcard"`
	Status           string     `gorm:"not null;size:20" json:"status"`
	ChallengeType    string     `gorm:"size:20" json:"challenge_type"`
	Token            string     `gorm:"size:255" json:"token"`
	KeyAuthorization string     `gorm:"size:255" json:"key_authorization"`
	AcmeChallengeID  string     `gorm:"size:500" json:"-"`
	ValidatedAt      *time.Time `json:"validated_at,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for Authorization
func (Authorization) TableName() string {
	return "authorizations"
}
