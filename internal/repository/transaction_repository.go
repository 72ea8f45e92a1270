package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/welldanyogia/certbroker/internal/models"
	"gorm.io/gorm"
)

// TransactionRepository defines append-only access to the balance ledger.
// There is deliberately no Update or Delete.
type TransactionRepository interface {
	Create(ctx context.Context, txn *models.Transaction) error
	GetByID(ctx context.Context, id uint) (*models.Transaction, error)
	GetByReference(ctx context.Context, txnType, reference string) (*models.Transaction, error)
	ListByUser(ctx context.Context, userID uint, limit, offset int) ([]models.Transaction, int64, error)
}

// transactionRepository implements TransactionRepository using GORM
type transactionRepository struct {
	db *gorm.DB
}

// NewTransactionRepository creates a new TransactionRepository instance
func NewTransactionRepository(db *gorm.DB) TransactionRepository {
	return &transactionRepository{db: db}
}

// Create appends a ledger entry. Balance bookkeeping happens in the model's
// BeforeCreate hook under a lock on the user row.
func (r *transactionRepository) Create(ctx context.Context, txn *models.Transaction) error {
	result := r.db.WithContext(ctx).Create(txn)
	if result.Error != nil {
		if isDuplicateKeyError(result.Error) {
			return fmt.Errorf("transaction %s/%s already recorded: %w", txn.Type, txn.TransactionID, ErrDuplicateEntry)
		}
		return fmt.Errorf("failed to create transaction: %w", result.Error)
	}
	return nil
}

// GetByID retrieves a ledger entry by its ID
func (r *transactionRepository) GetByID(ctx context.Context, id uint) (*models.Transaction, error) {
	var txn models.Transaction
	if err := r.db.WithContext(ctx).First(&txn, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return &txn, nil
}

// GetByReference retrieves the entry recorded for (type, reference)
func (r *transactionRepository) GetByReference(ctx context.Context, txnType, reference string) (*models.Transaction, error) {
	var txn models.Transaction
	err := r.db.WithContext(ctx).
		Where("type = ? AND transaction_id = ?", txnType, reference).
		Order("id ASC").
		First(&txn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get transaction by reference: %w", err)
	}
	return &txn, nil
}

// ListByUser retrieves a page of a user's ledger, newest first
func (r *transactionRepository) ListByUser(ctx context.Context, userID uint, limit, offset int) ([]models.Transaction, int64, error) {
	var (
		txns  []models.Transaction
		total int64
	)
	query := r.db.WithContext(ctx).Model(&models.Transaction{}).Where("user_id = ?", userID)
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count transactions: %w", err)
	}
	if err := query.Order("id DESC").Limit(limit).Offset(offset).Find(&txns).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list transactions: %w", err)
	}
	return txns, total, nil
}

// InvoiceLimitRepository defines append-only access to the invoice quota ledger
type InvoiceLimitRepository interface {
	Create(ctx context.Context, entry *models.InvoiceLimit) error
	GetByReference(ctx context.Context, entryType, reference string) (*models.InvoiceLimit, error)
	ListByUser(ctx context.Context, userID uint) ([]models.InvoiceLimit, error)
}

// invoiceLimitRepository implements InvoiceLimitRepository using GORM
type invoiceLimitRepository struct {
	db *gorm.DB
}

// NewInvoiceLimitRepository creates a new InvoiceLimitRepository instance
func NewInvoiceLimitRepository(db *gorm.DB) InvoiceLimitRepository {
	return &invoiceLimitRepository{db: db}
}

// Create appends an invoice quota entry
func (r *invoiceLimitRepository) Create(ctx context.Context, entry *models.InvoiceLimit) error {
	result := r.db.WithContext(ctx).Create(entry)
	if result.Error != nil {
		if isDuplicateKeyError(result.Error) {
			return fmt.Errorf("invoice limit %s/%s already recorded: %w", entry.Type, entry.TransactionID, ErrDuplicateEntry)
		}
		return fmt.Errorf("failed to create invoice limit: %w", result.Error)
	}
	return nil
}

// GetByReference retrieves the entry recorded for (type, reference)
func (r *invoiceLimitRepository) GetByReference(ctx context.Context, entryType, reference string) (*models.InvoiceLimit, error) {
	var entry models.InvoiceLimit
	err := r.db.WithContext(ctx).
		Where("type = ? AND transaction_id = ?", entryType, reference).
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get invoice limit by reference: %w", err)
	}
	return &entry, nil
}

// ListByUser retrieves a user's invoice quota ledger, oldest first
func (r *invoiceLimitRepository) ListByUser(ctx context.Context, userID uint) ([]models.InvoiceLimit, error) {
	var entries []models.InvoiceLimit
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("id ASC").Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to list invoice limits: %w", err)
	}
	return entries, nil
}
