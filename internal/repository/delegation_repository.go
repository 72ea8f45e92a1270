package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/welldanyogia/certbroker/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DelegationRepository defines the interface for CNAME delegation data access
type DelegationRepository interface {
	CreateIfAbsent(ctx context.Context, delegation *models.CnameDelegation) (*models.CnameDelegation, error)
	GetByID(ctx context.Context, id uint) (*models.CnameDelegation, error)
	GetByTuple(ctx context.Context, userID uint, zone, prefix string) (*models.CnameDelegation, error)
	FindValid(ctx context.Context, userID uint, zone, prefix string) (*models.CnameDelegation, error)
	ListByUser(ctx context.Context, userID uint) ([]models.CnameDelegation, error)
	ListStale(ctx context.Context, limit int) ([]models.CnameDelegation, error)
	UpdateHealth(ctx context.Context, delegation *models.CnameDelegation) error
}

// delegationRepository implements DelegationRepository using GORM
type delegationRepository struct {
	db *gorm.DB
}

// NewDelegationRepository creates a new DelegationRepository instance
func NewDelegationRepository(db *gorm.DB) DelegationRepository {
	return &delegationRepository{db: db}
}

// CreateIfAbsent inserts the delegation unless its (user, zone, prefix) tuple
// already exists, and returns the stored row either way. Concurrent callers
// converge on the same row.
func (r *delegationRepository) CreateIfAbsent(ctx context.Context, delegation *models.CnameDelegation) (*models.CnameDelegation, error) {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(delegation).Error
	if err != nil && !isDuplicateKeyError(err) {
		return nil, fmt.Errorf("failed to create delegation: %w", err)
	}
	return r.GetByTuple(ctx, delegation.UserID, delegation.Zone, delegation.Prefix)
}

// GetByID retrieves a delegation by its ID
func (r *delegationRepository) GetByID(ctx context.Context, id uint) (*models.CnameDelegation, error) {
	var d models.CnameDelegation
	if err := r.db.WithContext(ctx).First(&d, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get delegation: %w", err)
	}
	return &d, nil
}

// GetByTuple retrieves the delegation for (user, zone, prefix)
func (r *delegationRepository) GetByTuple(ctx context.Context, userID uint, zone, prefix string) (*models.CnameDelegation, error) {
	var d models.CnameDelegation
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND zone = ? AND prefix = ?", userID, zone, prefix).
		First(&d).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get delegation: %w", err)
	}
	return &d, nil
}

// FindValid retrieves the delegation for (user, zone, prefix) only if it is valid
func (r *delegationRepository) FindValid(ctx context.Context, userID uint, zone, prefix string) (*models.CnameDelegation, error) {
	var d models.CnameDelegation
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND zone = ? AND prefix = ? AND valid = ?", userID, zone, prefix, true).
		First(&d).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find valid delegation: %w", err)
	}
	return &d, nil
}

// ListByUser retrieves all delegations of a user
func (r *delegationRepository) ListByUser(ctx context.Context, userID uint) ([]models.CnameDelegation, error) {
	var ds []models.CnameDelegation
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("zone ASC, prefix ASC").Find(&ds).Error; err != nil {
		return nil, fmt.Errorf("failed to list delegations: %w", err)
	}
	return ds, nil
}

// ListStale retrieves delegations ordered by how long ago they were checked
func (r *delegationRepository) ListStale(ctx context.Context, limit int) ([]models.CnameDelegation, error) {
	var ds []models.CnameDelegation
	err := r.db.WithContext(ctx).
		Order("last_checked_at IS NOT NULL, last_checked_at ASC").
		Limit(limit).
		Find(&ds).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list stale delegations: %w", err)
	}
	return ds, nil
}

// UpdateHealth persists the result of a validity check
func (r *delegationRepository) UpdateHealth(ctx context.Context, d *models.CnameDelegation) error {
	result := r.db.WithContext(ctx).Model(&models.CnameDelegation{}).
		Where("id = ?", d.ID).
		Updates(map[string]any{
			"valid":           d.Valid,
			"fail_count":      d.FailCount,
			"last_error":      d.LastError,
			"last_checked_at": d.LastCheckedAt,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update delegation health: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
