package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/welldanyogia/certbroker/internal/models"
	"gorm.io/gorm"
)

// CertRepository defines the interface for certificate data access
type CertRepository interface {
	Create(ctx context.Context, cert *models.Cert) error
	GetByID(ctx context.Context, id uint) (*models.Cert, error)
	ListByOrder(ctx context.Context, orderID uint) ([]models.Cert, error)
	CountByOrder(ctx context.Context, orderID uint) (int64, error)
	CSRUsedOutsideOrder(ctx context.Context, csrMD5 string, orderID uint) (bool, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]models.Cert, error)
	Save(ctx context.Context, cert *models.Cert) error
	UpdateFields(ctx context.Context, id uint, fields map[string]any) error
	UpdateStatus(ctx context.Context, id uint, from []string, to string) (bool, error)
	Delete(ctx context.Context, id uint) error
}

// certRepository implements CertRepository using GORM
type certRepository struct {
	db *gorm.DB
}

// NewCertRepository creates a new CertRepository instance
func NewCertRepository(db *gorm.DB) CertRepository {
	return &certRepository{db: db}
}

// Create creates a new certificate
func (r *certRepository) Create(ctx context.Context, cert *models.Cert) error {
	if err := r.db.WithContext(ctx).Create(cert).Error; err != nil {
		return fmt.Errorf("failed to create cert: %w", err)
	}
	return nil
}

// GetByID retrieves a certificate by its ID
func (r *certRepository) GetByID(ctx context.Context, id uint) (*models.Cert, error) {
	var cert models.Cert
	result := r.db.WithContext(ctx).First(&cert, id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get cert by ID: %w", result.Error)
	}
	return &cert, nil
}

// ListByOrder retrieves the certificate history of an order, newest first
func (r *certRepository) ListByOrder(ctx context.Context, orderID uint) ([]models.Cert, error) {
	var certs []models.Cert
	err := r.db.WithContext(ctx).Where("order_id = ?", orderID).Order("id DESC").Find(&certs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list certs: %w", err)
	}
	return certs, nil
}

// CountByOrder counts the certificates of an order
func (r *certRepository) CountByOrder(ctx context.Context, orderID uint) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Cert{}).Where("order_id = ?", orderID).Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count certs: %w", err)
	}
	return count, nil
}

// CSRUsedOutsideOrder reports whether another order already submitted a CSR
// with the same digest. Cancelled certificates do not count.
func (r *certRepository) CSRUsedOutsideOrder(ctx context.Context, csrMD5 string, orderID uint) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Cert{}).
		Where("csr_md5 = ? AND order_id <> ? AND status <> ?", csrMD5, orderID, models.CertStatusCancelled).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check csr usage: %w", err)
	}
	return count > 0, nil
}

// ListExpired retrieves active certificates whose expiry has passed
func (r *certRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]models.Cert, error) {
	var certs []models.Cert
	err := r.db.WithContext(ctx).
		Where("status = ? AND expires_at IS NOT NULL AND expires_at < ?", models.CertStatusActive, now).
		Order("expires_at ASC").
		Limit(limit).
		Find(&certs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list expired certs: %w", err)
	}
	return certs, nil
}

// Save writes every column of cert
func (r *certRepository) Save(ctx context.Context, cert *models.Cert) error {
	if err := r.db.WithContext(ctx).Save(cert).Error; err != nil {
		return fmt.Errorf("failed to save cert: %w", err)
	}
	return nil
}

// UpdateFields updates the given columns of a certificate
func (r *certRepository) UpdateFields(ctx context.Context, id uint, fields map[string]any) error {
	result := r.db.WithContext(ctx).Model(&models.Cert{}).Where("id = ?", id).Updates(fields)
	if result.Error != nil {
		return fmt.Errorf("failed to update cert: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateStatus moves a certificate to status to when its current status is
// one of from. It reports whether a row changed.
func (r *certRepository) UpdateStatus(ctx context.Context, id uint, from []string, to string) (bool, error) {
	result := r.db.WithContext(ctx).Model(&models.Cert{}).
		Where("id = ? AND status IN ?", id, from).
		Update("status", to)
	if result.Error != nil {
		return false, fmt.Errorf("failed to update cert status: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// Delete hard-deletes a certificate
func (r *certRepository) Delete(ctx context.Context, id uint) error {
	result := r.db.WithContext(ctx).Delete(&models.Cert{}, id)
	if result.Error != nil {
		return fmt.Errorf("failed to delete cert: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
