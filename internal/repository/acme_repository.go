package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/welldanyogia/certbroker/internal/models"
	"gorm.io/gorm"
)

// AcmeAccountRepository defines the interface for ACME account data access
type AcmeAccountRepository interface {
	Create(ctx context.Context, account *models.AcmeAccount) error
	GetByID(ctx context.Context, id uint) (*models.AcmeAccount, error)
	GetByThumbprint(ctx context.Context, thumbprint string) (*models.AcmeAccount, error)
	GetByOrderID(ctx context.Context, orderID uint) (*models.AcmeAccount, error)
}

// acmeAccountRepository implements AcmeAccountRepository using GORM
type acmeAccountRepository struct {
	db *gorm.DB
}

// NewAcmeAccountRepository creates a new AcmeAccountRepository instance
func NewAcmeAccountRepository(db *gorm.DB) AcmeAccountRepository {
	return &acmeAccountRepository{db: db}
}

// Create creates a new ACME account
func (r *acmeAccountRepository) Create(ctx context.Context, account *models.AcmeAccount) error {
	result := r.db.WithContext(ctx).Create(account)
	if result.Error != nil {
		if isDuplicateKeyError(result.Error) {
			return fmt.Errorf("acme account already bound: %w", ErrDuplicateEntry)
		}
		return fmt.Errorf("failed to create acme account: %w", result.Error)
	}
	return nil
}

// GetByID retrieves an ACME account by its ID
func (r *acmeAccountRepository) GetByID(ctx context.Context, id uint) (*models.AcmeAccount, error) {
	return r.first(ctx, "id = ?", id)
}

// GetByThumbprint retrieves an ACME account by its key thumbprint
func (r *acmeAccountRepository) GetByThumbprint(ctx context.Context, thumbprint string) (*models.AcmeAccount, error) {
	return r.first(ctx, "key_thumbprint = ?", thumbprint)
}

// GetByOrderID retrieves the ACME account bound to an order
func (r *acmeAccountRepository) GetByOrderID(ctx context.Context, orderID uint) (*models.AcmeAccount, error) {
	return r.first(ctx, "order_id = ?", orderID)
}

func (r *acmeAccountRepository) first(ctx context.Context, cond string, arg any) (*models.AcmeAccount, error) {
	var account models.AcmeAccount
	if err := r.db.WithContext(ctx).Where(cond, arg).First(&account).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get acme account: %w", err)
	}
	return &account, nil
}

// AuthorizationRepository defines the interface for ACME authorization data access
type AuthorizationRepository interface {
	CreateBatch(ctx context.Context, authzs []models.Authorization) error
	GetByID(ctx context.Context, id uint) (*models.Authorization, error)
	ListByCert(ctx context.Context, certID uint) ([]models.Authorization, error)
	CountByCert(ctx context.Context, certID uint) (int64, error)
	UpdateFields(ctx context.Context, id uint, fields map[string]any) error
}

// authorizationRepository implements AuthorizationRepository using GORM
type authorizationRepository struct {
	db *gorm.DB
}

// NewAuthorizationRepository creates a new AuthorizationRepository instance
func NewAuthorizationRepository(db *gorm.DB) AuthorizationRepository {
	return &authorizationRepository{db: db}
}

// CreateBatch inserts authorizations in one statement
func (r *authorizationRepository) CreateBatch(ctx context.Context, authzs []models.Authorization) error {
	if len(authzs) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).Create(&authzs).Error; err != nil {
		return fmt.Errorf("failed to create authorizations: %w", err)
	}
	return nil
}

// GetByID retrieves an authorization by its ID
func (r *authorizationRepository) GetByID(ctx context.Context, id uint) (*models.Authorization, error) {
	var authz models.Authorization
	if err := r.db.WithContext(ctx).First(&authz, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get authorization: %w", err)
	}
	return &authz, nil
}

// ListByCert retrieves the authorizations of a certificate
func (r *authorizationRepository) ListByCert(ctx context.Context, certID uint) ([]models.Authorization, error) {
	var authzs []models.Authorization
	if err := r.db.WithContext(ctx).Where("cert_id = ?", certID).Order("id ASC").Find(&authzs).Error; err != nil {
		return nil, fmt.Errorf("failed to list authorizations: %w", err)
	}
	return authzs, nil
}

// CountByCert counts the authorizations of a certificate
func (r *authorizationRepository) CountByCert(ctx context.Context, certID uint) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&models.Authorization{}).Where("cert_id = ?", certID).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count authorizations: %w", err)
	}
	return count, nil
}

// UpdateFields updates the given columns of an authorization
func (r *authorizationRepository) UpdateFields(ctx context.Context, id uint, fields map[string]any) error {
	result := r.db.WithContext(ctx).Model(&models.Authorization{}).Where("id = ?", id).Updates(fields)
	if result.Error != nil {
		return fmt.Errorf("failed to update authorization: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
