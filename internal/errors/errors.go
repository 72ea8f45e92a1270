package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Domain-specific error types
var (
	// ErrNotFound indicates a resource was not found
	ErrNotFound = errors.New("record not found")

	// ErrDuplicateEntry indicates a unique constraint violation
	ErrDuplicateEntry = errors.New("duplicate entry")

	// ErrInvalidInput indicates invalid input data
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnauthorized indicates unauthorized access
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden indicates the caller does not own the resource
	ErrForbidden = errors.New("forbidden")

	// ErrInternal indicates an internal server error
	ErrInternal = errors.New("internal server error")

	// Validation errors
	ErrSANLimitExceeded    = errors.New("SAN count outside product limits")
	ErrDomainMethodInvalid = errors.New("validation method not allowed for domain")
	ErrApplyInfoMissing    = errors.New("organization and contact information required")
	ErrProductUnavailable  = errors.New("product unavailable")
	ErrActionNotSupported  = errors.New("action not supported by product")
	ErrOrderExpired        = errors.New("order validity period has ended")
	ErrBatchNotAllowed     = errors.New("batch mode not allowed")
	ErrInvalidCSR          = errors.New("invalid certificate signing request")

	// Conflict errors
	ErrNotUnpaid              = errors.New("order not unpaid")
	ErrInvalidStatus          = errors.New("invalid certificate status")
	ErrCSRAlreadyUsed         = errors.New("CSR already used")
	ErrDelegationZoneMismatch = errors.New("delegation zone does not match domain")
	ErrDuplicateTransaction   = errors.New("transaction already recorded")
	ErrEABAlreadyBound        = errors.New("external account binding already used")

	// Financial errors
	ErrInsufficientBalance = errors.New("insufficient balance")

	// Invariant violations
	ErrImmutable = errors.New("ledger entries are immutable")

	// Upstream errors
	ErrUpstream           = errors.New("upstream request failed")
	ErrNotIssued          = errors.New("certificate not issued yet")
	ErrRejectedIdentifier = errors.New("rejected identifier")
	ErrUnsupported        = errors.New("operation not supported by upstream")
)

// Error codes for API responses
const (
	CodeNotFound             = "NOT_FOUND"
	CodeDuplicateEntry       = "DUPLICATE_ENTRY"
	CodeInvalidInput         = "INVALID_INPUT"
	CodeUnauthorized         = "UNAUTHORIZED"
	CodeForbidden            = "FORBIDDEN"
	CodeInternalError        = "INTERNAL_ERROR"
	CodeSANLimitExceeded     = "SAN_LIMIT_EXCEEDED"
	CodeDomainMethodInvalid  = "DOMAIN_METHOD_INVALID"
	CodeApplyInfoMissing     = "APPLY_INFO_MISSING"
	CodeProductUnavailable   = "PRODUCT_UNAVAILABLE"
	CodeActionNotSupported   = "ACTION_NOT_SUPPORTED"
	CodeOrderExpired         = "ORDER_EXPIRED"
	CodeBatchNotAllowed      = "BATCH_NOT_ALLOWED"
	CodeInvalidCSR           = "INVALID_CSR"
	CodeNotUnpaid            = "NOT_UNPAID"
	CodeInvalidStatus        = "INVALID_STATUS"
	CodeCSRAlreadyUsed       = "CSR_ALREADY_USED"
	CodeDelegationMismatch   = "DELEGATION_ZONE_MISMATCH"
	CodeDuplicateTransaction = "DUPLICATE_TRANSACTION"
	CodeEABAlreadyBound      = "EAB_ALREADY_BOUND"
	CodeInsufficientBalance  = "INSUFFICIENT_BALANCE"
	CodeImmutable            = "IMMUTABLE"
	CodeUpstream             = "UPSTREAM_ERROR"
	CodeNotIssued            = "NOT_ISSUED"
	CodeRejectedIdentifier   = "REJECTED_IDENTIFIER"
	CodeUnsupported          = "UNSUPPORTED"
)

// Kind groups errors by how callers and the task worker must react to them.
type Kind string

const (
	KindValidation Kind = "validation"
	KindConflict   Kind = "conflict"
	KindFinancial  Kind = "financial"
	KindUpstream   Kind = "upstream"
	KindInvariant  Kind = "invariant"
	KindNotFound   Kind = "not_found"
	KindAccess     Kind = "access"
	KindInternal   Kind = "internal"
)

type classified struct {
	err  error
	kind Kind
	code string
}

// Order matters: the first sentinel matched by errors.Is wins.
var classes = []classified{
	{ErrRejectedIdentifier, KindUpstream, CodeRejectedIdentifier},
	{ErrNotFound, KindNotFound, CodeNotFound},
	{ErrDuplicateTransaction, KindConflict, CodeDuplicateTransaction},
	{ErrDuplicateEntry, KindConflict, CodeDuplicateEntry},
	{ErrInvalidInput, KindValidation, CodeInvalidInput},
	{ErrUnauthorized, KindAccess, CodeUnauthorized},
	{ErrForbidden, KindAccess, CodeForbidden},
	{ErrSANLimitExceeded, KindValidation, CodeSANLimitExceeded},
	{ErrDomainMethodInvalid, KindValidation, CodeDomainMethodInvalid},
	{ErrApplyInfoMissing, KindValidation, CodeApplyInfoMissing},
	{ErrProductUnavailable, KindValidation, CodeProductUnavailable},
	{ErrActionNotSupported, KindValidation, CodeActionNotSupported},
	{ErrOrderExpired, KindValidation, CodeOrderExpired},
	{ErrBatchNotAllowed, KindValidation, CodeBatchNotAllowed},
	{ErrInvalidCSR, KindValidation, CodeInvalidCSR},
	{ErrNotUnpaid, KindConflict, CodeNotUnpaid},
	{ErrInvalidStatus, KindConflict, CodeInvalidStatus},
	{ErrCSRAlreadyUsed, KindConflict, CodeCSRAlreadyUsed},
	{ErrDelegationZoneMismatch, KindConflict, CodeDelegationMismatch},
	{ErrEABAlreadyBound, KindConflict, CodeEABAlreadyBound},
	{ErrInsufficientBalance, KindFinancial, CodeInsufficientBalance},
	{ErrImmutable, KindInvariant, CodeImmutable},
	{ErrNotIssued, KindUpstream, CodeNotIssued},
	{ErrUnsupported, KindUpstream, CodeUnsupported},
	{ErrUpstream, KindUpstream, CodeUpstream},
}

// AppError represents an application error with context
type AppError struct {
	Err     error
	Message string
	Code    string
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Err.Error()
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError creates a new AppError
func NewAppError(err error, message string, code string) *AppError {
	return &AppError{
		Err:     err,
		Message: message,
		Code:    code,
	}
}

// New wraps a sentinel with a human-readable message, keeping the sentinel's code.
func New(sentinel error, format string, args ...any) *AppError {
	return &AppError{
		Err:     sentinel,
		Message: fmt.Sprintf(format, args...),
		Code:    GetErrorCode(sentinel),
	}
}

// RejectedIdentifierError is returned when ACME identifiers fall outside what
// the bound order's product allows. It is never retried.
type RejectedIdentifierError struct {
	Identifiers []string
	Reason      string
}

// Error implements the error interface
func (e *RejectedIdentifierError) Error() string {
	if len(e.Identifiers) == 0 {
		return fmt.Sprintf("rejected identifier: %s", e.Reason)
	}
	return fmt.Sprintf("rejected identifier %s: %s", strings.Join(e.Identifiers, ","), e.Reason)
}

// Unwrap returns ErrRejectedIdentifier
func (e *RejectedIdentifierError) Unwrap() error {
	return ErrRejectedIdentifier
}

// NewRejectedIdentifierError creates a RejectedIdentifierError
func NewRejectedIdentifierError(reason string, identifiers ...string) *RejectedIdentifierError {
	return &RejectedIdentifierError{Identifiers: identifiers, Reason: reason}
}

// UpstreamError wraps a failure reported by a CA or DNS collaborator.
type UpstreamError struct {
	Op  string
	Err error
}

// Error implements the error interface
func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s: %v", e.Op, e.Err)
}

// Unwrap exposes both ErrUpstream and the original cause to errors.Is.
func (e *UpstreamError) Unwrap() []error {
	return []error{ErrUpstream, e.Err}
}

// Upstream wraps err as an UpstreamError. A nil err stays nil.
func Upstream(op string, err error) error {
	if err == nil {
		return nil
	}
	return &UpstreamError{Op: op, Err: err}
}

// Wrap wraps an error with additional context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// IsNotFound checks if the error is a not found error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsDuplicateEntry checks if the error is a duplicate entry error
func IsDuplicateEntry(err error) bool {
	return errors.Is(err, ErrDuplicateEntry)
}

// IsInvalidInput checks if the error is an invalid input error
func IsInvalidInput(err error) bool {
	return errors.Is(err, ErrInvalidInput)
}

// KindOf classifies err. Unknown errors are internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	for _, c := range classes {
		if errors.Is(err, c.err) {
			return c.kind
		}
	}
	return KindInternal
}

// IsRetryable reports whether a failed task may be attempted again.
// Rejected identifiers, ledger and invariant failures are final; other
// upstream and internal failures are transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRejectedIdentifier) || errors.Is(err, ErrUnsupported) {
		return false
	}
	switch KindOf(err) {
	case KindUpstream, KindInternal:
		return true
	default:
		return false
	}
}

// GetErrorCode returns the appropriate error code for an error
func GetErrorCode(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.Code != "" {
		return appErr.Code
	}
	for _, c := range classes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternalError
}

// IsRejectedIdentifier checks if the error is a RejectedIdentifierError
func IsRejectedIdentifier(err error) bool {
	var rejected *RejectedIdentifierError
	return errors.As(err, &rejected)
}
