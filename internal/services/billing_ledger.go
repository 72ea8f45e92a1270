package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	apperrors "github.com/welldanyogia/certbroker/internal/errors"
	"github.com/welldanyogia/certbroker/internal/logger"
	"github.com/welldanyogia/certbroker/internal/metrics"
	"github.com/welldanyogia/certbroker/internal/models"
	"github.com/welldanyogia/certbroker/internal/repository"
)

// Entry is a request to append to one of the ledgers.
type Entry struct {
	UserID    uint
	Type      string
	Reference string
	// Amount is signed: negative debits, positive credits.
	Amount decimal.Decimal
	Remark string
}

// CertReference is the ledger reference of charges and refunds of a cert.
func CertReference(certID uint) string {
	return fmt.Sprintf("cert:%d", certID)
}

// Ledger appends balance and invoice-quota entries. Balances are only ever
// changed by creating entries.
type Ledger struct {
	store *repository.Store
	audit *logger.AuditLogger
	log   zerolog.Logger
}

// NewLedger creates a new Ledger
func NewLedger(store *repository.Store, log zerolog.Logger) *Ledger {
	return &Ledger{
		store: store,
		audit: logger.NewAuditLogger(log),
		log:   log.With().Str("component", "ledger").Logger(),
	}
}

// Record appends e to the balance ledger through tx. A zero amount returns
// an unsaved entry and no error. Types other than order are unique per
// reference.
func (l *Ledger) Record(ctx context.Context, tx *repository.Store, e Entry) (*models.Transaction, error) {
	txn := &models.Transaction{
		UserID:        e.UserID,
		Type:          e.Type,
		TransactionID: e.Reference,
		Amount:        e.Amount.Round(2),
		Remark:        e.Remark,
	}
	if txn.Amount.IsZero() {
		return txn, nil
	}

	if e.Type != models.TransactionOrder {
		_, err := tx.Transactions.GetByReference(ctx, e.Type, e.Reference)
		if err == nil {
			return nil, apperrors.New(apperrors.ErrDuplicateTransaction, "%s %s already recorded", e.Type, e.Reference)
		}
		if !apperrors.IsNotFound(err) {
			return nil, err
		}
	}

	if err := tx.Transactions.Create(ctx, txn); err != nil {
		if apperrors.IsDuplicateEntry(err) {
			return nil, apperrors.New(apperrors.ErrDuplicateTransaction, "%s %s already recorded", e.Type, e.Reference)
		}
		return nil, err
	}

	metrics.LedgerEntries.WithLabelValues("balance", txn.Type).Inc()
	l.audit.TransactionRecorded(txn.UserID, txn.Type, txn.TransactionID, txn.Amount.StringFixed(2), txn.BalanceAfter.StringFixed(2))
	return txn, nil
}

// Debit records a charge of e.Amount. With enforceCredit the resulting
// balance may not fall below the user's negative credit limit; the error
// is returned so the caller's transaction rolls back.
func (l *Ledger) Debit(ctx context.Context, tx *repository.Store, e Entry, enforceCredit bool) (*models.Transaction, error) {
	e.Amount = e.Amount.Abs().Neg()
	txn, err := l.Record(ctx, tx, e)
	if err != nil || txn.ID == 0 || !enforceCredit {
		return txn, err
	}

	user, err := tx.Users.GetByID(ctx, e.UserID)
	if err != nil {
		return nil, err
	}
	if txn.BalanceAfter.LessThan(user.Credit.Neg()) {
		return nil, apperrors.New(apperrors.ErrInsufficientBalance,
			"insufficient balance: %s needed, %s available",
			txn.Amount.Neg().StringFixed(2), txn.BalanceBefore.Add(user.Credit).StringFixed(2))
	}
	return txn, nil
}

// EnsureAvailable fails with ErrInsufficientBalance when debiting amount
// would take userID below its credit limit. Debit checks again under the
// user lock.
func (l *Ledger) EnsureAvailable(ctx context.Context, userID uint, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return nil
	}
	user, err := l.store.Users.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	if !user.CanAfford(amount) {
		return apperrors.New(apperrors.ErrInsufficientBalance,
			"insufficient balance: %s needed, %s available",
			amount.StringFixed(2), user.Balance.Add(user.Credit).StringFixed(2))
	}
	return nil
}

// Refund credits amount back for certID. The reference makes a second
// refund of the same cert a conflict.
func (l *Ledger) Refund(ctx context.Context, tx *repository.Store, userID, certID uint, amount decimal.Decimal) (*models.Transaction, error) {
	return l.Record(ctx, tx, Entry{
		UserID:    userID,
		Type:      models.TransactionRefund,
		Reference: CertReference(certID),
		Amount:    amount.Abs(),
		Remark:    "certificate cancelled",
	})
}

// Deposit records a confirmed payment. A redelivered confirmation returns
// the entry recorded the first time.
func (l *Ledger) Deposit(ctx context.Context, userID uint, reference string, amount decimal.Decimal) (*models.Transaction, error) {
	if reference == "" {
		return nil, apperrors.New(apperrors.ErrInvalidInput, "payment reference is required")
	}
	if !amount.IsPositive() {
		return nil, apperrors.New(apperrors.ErrInvalidInput, "deposit amount must be positive")
	}

	var txn *models.Transaction
	err := l.store.WithinTransaction(ctx, func(tx *repository.Store) error {
		var err error
		txn, err = l.Record(ctx, tx, Entry{
			UserID:    userID,
			Type:      models.TransactionDeposit,
			Reference: reference,
			Amount:    amount,
			Remark:    "payment received",
		})
		return err
	})
	if errors.Is(err, apperrors.ErrDuplicateTransaction) {
		existing, getErr := l.store.Transactions.GetByReference(ctx, models.TransactionDeposit, reference)
		if getErr != nil {
			return nil, getErr
		}
		if existing.UserID != userID {
			return nil, apperrors.New(apperrors.ErrDuplicateTransaction, "payment %s belongs to another account", reference)
		}
		l.log.Info().Str("reference", reference).Msg("payment confirmation redelivered")
		return existing, nil
	}
	if err != nil {
		return nil, err
	}
	return txn, nil
}

// History returns a page of userID's balance ledger, newest first, with
// the total number of entries.
func (l *Ledger) History(ctx context.Context, userID uint, limit, offset int) ([]models.Transaction, int64, error) {
	if userID == 0 {
		return nil, 0, apperrors.New(apperrors.ErrInvalidInput, "user is required")
	}
	return l.store.Transactions.ListByUser(ctx, userID, limit, offset)
}

// RecordInvoiceLimit appends e to the invoice quota ledger through tx. It
// follows the same zero and uniqueness rules as Record, with invoice as
// the repeatable type.
func (l *Ledger) RecordInvoiceLimit(ctx context.Context, tx *repository.Store, e Entry) (*models.InvoiceLimit, error) {
	entry := &models.InvoiceLimit{
		UserID:        e.UserID,
		Type:          e.Type,
		TransactionID: e.Reference,
		Amount:        e.Amount.Round(2),
	}
	if entry.Amount.IsZero() {
		return entry, nil
	}

	if e.Type != models.InvoiceLimitIssue {
		_, err := tx.InvoiceLimits.GetByReference(ctx, e.Type, e.Reference)
		if err == nil {
			return nil, apperrors.New(apperrors.ErrDuplicateTransaction, "%s %s already recorded", e.Type, e.Reference)
		}
		if !apperrors.IsNotFound(err) {
			return nil, err
		}
	}

	if err := tx.InvoiceLimits.Create(ctx, entry); err != nil {
		if apperrors.IsDuplicateEntry(err) {
			return nil, apperrors.New(apperrors.ErrDuplicateTransaction, "%s %s already recorded", e.Type, e.Reference)
		}
		return nil, err
	}

	metrics.LedgerEntries.WithLabelValues("invoice_limit", entry.Type).Inc()
	l.audit.TransactionRecorded(entry.UserID, "invoice_limit:"+entry.Type, entry.TransactionID, entry.Amount.StringFixed(2), entry.LimitAfter.StringFixed(2))
	return entry, nil
}
