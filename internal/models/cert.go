package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Certificate statuses
const (
	CertStatusUnpaid     = "unpaid"
	CertStatusPending    = "pending"
	CertStatusProcessing = "processing"
	CertStatusApproving  = "approving"
	CertStatusActive     = "active"
	CertStatusExpired    = "expired"
	CertStatusCancelling = "cancelling"
	CertStatusCancelled  = "cancelled"
	CertStatusRevoked    = "revoked"
)

// Certificate actions
const (
	ActionNew     = "new"
	ActionRenew   = "renew"
	ActionReissue = "reissue"
)

// Certificate channels
const (
	ChannelAdmin = "admin"
	ChannelAPI   = "api"
	ChannelACME  = "acme"
)

// Validation methods
const (
	MethodEmail      = "email"
	MethodCNAME      = "cname"
	MethodTXT        = "txt"
	MethodHTTP       = "http"
	MethodHTTPS      = "https"
	MethodFile       = "file"
	MethodDelegation = "delegation"
)

// IsFileMethod reports whether method proves control by serving a file.
func IsFileMethod(method string) bool {
	return method == MethodHTTP || method == MethodHTTPS || method == MethodFile
}

// DNSChallenge is a DNS record the customer (or a delegation) must publish.
type DNSChallenge struct {
	Host  string `json:"host"`
	Type  string `json:"type"`
	Value string `json:"value"`
}

// FileChallenge is a file the customer must serve under the domain.
type FileChallenge struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	Content string `json:"content"`
}

// DCV describes how domain control is proven for one certificate.
type DCV struct {
	Method     string         `json:"method"`
	CA         CA             `json:"ca"`
	IsDelegate bool           `json:"is_delegate,omitempty"`
	DNS        *DNSChallenge  `json:"dns,omitempty"`
	File       *FileChallenge `json:"file,omitempty"`
}

// Validation is the per-domain expansion of a DCV.
type Validation struct {
	Domain string   `json:"domain"`
	Method string   `json:"method"`
	Emails []string `json:"emails,omitempty"`
	Email  string   `json:"email,omitempty"`
	Host   string   `json:"host,omitempty"`
	Value  string   `json:"value,omitempty"`
	Link   string   `json:"link,omitempty"`

	IsDelegate       bool   `json:"is_delegate,omitempty"`
	DelegationID     uint   `json:"delegation_id,omitempty"`
	DelegationTarget string `json:"delegation_target,omitempty"`
	DelegationZone   string `json:"delegation_zone,omitempty"`
	DelegationValid  bool   `json:"delegation_valid,omitempty"`
	AutoTxtWritten   bool   `json:"auto_txt_written,omitempty"`

	Verified bool `json:"verified,omitempty"`
}

// Organization is the certificate subject organization.
type Organization struct {
	Name       string `json:"name" validate:"required,max=255"`
	Country    string `json:"country" validate:"required,len=2"`
	State      string `json:"state,omitempty"`
	City       string `json:"city" validate:"required"`
	Address    string `json:"address,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
}

// Contact is the person the CA reaches during validation.
type Contact struct {
	FirstName string `json:"first_name" validate:"required"`
	LastName  string `json:"last_name" validate:"required"`
	Email     string `json:"email" validate:"required,email"`
	Phone     string `json:"phone" validate:"required"`
	Title     string `json:"title,omitempty"`
}

// Applicant is the organization and contact data submitted with a request.
type Applicant struct {
	Organization *Organization `json:"organization,omitempty"`
	Contact      *Contact      `json:"contact,omitempty"`
}

// Cert is one issuance attempt tied to an Order.
type Cert struct {
	ID         uint   `gorm:"primaryKey" json:"id"`
	OrderID    uint   `gorm:"not null;index" json:"order_id"`
	LastCertID *uint  `gorm:"index" json:"last_cert_id,omitempty"`
	Action     string `gorm:"not null;size:20" json:"action"`
	Channel    string `gorm:"not null;size:20" json:"channel"`

	CommonName       string `gorm:"size:255" json:"common_name"`
	AlternativeNames string `gorm:"type:text" json:"alternative_names"`
	StandardCount    int    `gorm:"not null;default:0" json:"standard_count"`
	WildcardCount    int    `gorm:"not null;default:0" json:"wildcard_count"`

	CSR        string `gorm:"type:text" json:"csr,omitempty"`
	CSRMD5     string `gorm:"column:csr_md5;size:32;index" json:"csr_md5,omitempty"`
	PrivateKey string `gorm:"type:text" json:"-"`

	DCV         datatypes.JSONType[DCV]         `gorm:"column:dcv" json:"dcv"`
	Validation  datatypes.JSONSlice[Validation] `gorm:"column:validation" json:"validation"`
	UniqueValue string                          `gorm:"size:64" json:"unique_value,omitempty"`
	Applicant   datatypes.JSONType[Applicant]   `gorm:"column:applicant" json:"applicant"`

	Serial             string     `gorm:"size:128" json:"serial,omitempty"`
	Fingerprint        string     `gorm:"size:64" json:"fingerprint,omitempty"`
	KeyAlgorithm       string     `gorm:"size:20" json:"key_algorithm,omitempty"`
	KeyBits            int        `json:"key_bits,omitempty"`
	SignatureAlgorithm string     `gorm:"size:50" json:"signature_algorithm,omitempty"`
	IssuedAt           *time.Time `json:"issued_at,omitempty"`
	ExpiresAt          *time.Time `gorm:"index" json:"expires_at,omitempty"`
	Certificate        string     `gorm:"type:text" json:"certificate,omitempty"`
	Chain              string     `gorm:"type:text" json:"chain,omitempty"`

	ApiID          string          `gorm:"column:api_id;size:255" json:"-"`
	Amount         decimal.Decimal `gorm:"type:decimal(14,2);not null;default:0" json:"amount"`
	PreviousStatus string          `gorm:"size:20" json:"-"`
	Status         string          `gorm:"not null;size:20;index" json:"status"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for Cert
func (Cert) TableName() string {
	return "certs"
}

// Domains returns the comma-joined alternative names as a slice.
func (c *Cert) Domains() []string {
	if c.AlternativeNames == "" {
		return nil
	}
	return strings.Split(c.AlternativeNames, ",")
}

// SetDomains stores domains and recounts standard and wildcard entries.
func (c *Cert) SetDomains(domains []string) {
	c.AlternativeNames = strings.Join(domains, ",")
	c.StandardCount, c.WildcardCount = CountSANs(domains)
}

// IsIssued reports whether the certificate body has been stored.
func (c *Cert) IsIssued() bool {
	return c.Certificate != ""
}

// CountSANs splits domains into standard and wildcard counts.
func CountSANs(domains []string) (standard, wildcard int) {
	for _, d := range domains {
		if strings.HasPrefix(d, "*.") {
			wildcard++
		} else {
			standard++
		}
	}
	return standard, wildcard
}
