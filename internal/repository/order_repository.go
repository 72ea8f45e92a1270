package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/welldanyogia/certbroker/internal/models"
	"gorm.io/gorm"
)

// OrderRepository defines the interface for order data access
type OrderRepository interface {
	Create(ctx context.Context, order *models.Order) error
	GetByID(ctx context.Context, id uint) (*models.Order, error)
	GetWithProduct(ctx context.Context, id uint) (*models.Order, error)
	LockByID(ctx context.Context, id uint) (*models.Order, error)
	GetByEabKid(ctx context.Context, kid string) (*models.Order, error)
	GetAcmeSubscription(ctx context.Context, email string, productID uint) (*models.Order, error)
	UpdateFields(ctx context.Context, id uint, fields map[string]any) error
	Delete(ctx context.Context, id uint) error
}

// orderRepository implements OrderRepository using GORM
type orderRepository struct {
	db *gorm.DB
}

// NewOrderRepository creates a new OrderRepository instance
func NewOrderRepository(db *gorm.DB) OrderRepository {
	return &orderRepository{db: db}
}

// Create creates a new order
func (r *orderRepository) Create(ctx context.Context, order *models.Order) error {
	result := r.db.WithContext(ctx).Omit("Product").Create(order)
	if result.Error != nil {
		if isDuplicateKeyError(result.Error) {
			return fmt.Errorf("order subscription already exists: %w", ErrDuplicateEntry)
		}
		return fmt.Errorf("failed to create order: %w", result.Error)
	}
	return nil
}

// GetByID retrieves an order by its ID
func (r *orderRepository) GetByID(ctx context.Context, id uint) (*models.Order, error) {
	return r.first(r.db.WithContext(ctx), "id = ?", id)
}

// GetWithProduct retrieves an order and preloads its product
func (r *orderRepository) GetWithProduct(ctx context.Context, id uint) (*models.Order, error) {
	return r.first(r.db.WithContext(ctx).Preload("Product"), "id = ?", id)
}

// LockByID retrieves an order with a row lock held until the surrounding transaction ends
func (r *orderRepository) LockByID(ctx context.Context, id uint) (*models.Order, error) {
	return r.first(r.db.WithContext(ctx).Clauses(forUpdate()), "id = ?", id)
}

// GetByEabKid retrieves the order that issued an EAB key id
func (r *orderRepository) GetByEabKid(ctx context.Context, kid string) (*models.Order, error) {
	return r.first(r.db.WithContext(ctx), "eab_kid = ?", kid)
}

// GetAcmeSubscription retrieves the ACME subscription order for (email, product)
func (r *orderRepository) GetAcmeSubscription(ctx context.Context, email string, productID uint) (*models.Order, error) {
	var order models.Order
	err := r.db.WithContext(ctx).
		Where("email = ? AND product_id = ? AND eab_kid IS NOT NULL", email, productID).
		First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get acme subscription: %w", err)
	}
	return &order, nil
}

// UpdateFields updates the given columns of an order
func (r *orderRepository) UpdateFields(ctx context.Context, id uint, fields map[string]any) error {
	result := r.db.WithContext(ctx).Model(&models.Order{}).Where("id = ?", id).Updates(fields)
	if result.Error != nil {
		return fmt.Errorf("failed to update order: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete hard-deletes an order
func (r *orderRepository) Delete(ctx context.Context, id uint) error {
	result := r.db.WithContext(ctx).Delete(&models.Order{}, id)
	if result.Error != nil {
		return fmt.Errorf("failed to delete order: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *orderRepository) first(q *gorm.DB, cond string, arg any) (*models.Order, error) {
	var order models.Order
	if err := q.Where(cond, arg).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return &order, nil
}
