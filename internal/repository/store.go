package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store bundles every repository over one *gorm.DB. Inside WithinTransaction
// the bundled repositories share the transaction handle.
type Store struct {
	db *gorm.DB

	Users          UserRepository
	Products       ProductRepository
	Orders         OrderRepository
	Certs          CertRepository
	Transactions   TransactionRepository
	InvoiceLimits  InvoiceLimitRepository
	Delegations    DelegationRepository
	Tasks          TaskRepository
	AcmeAccounts   AcmeAccountRepository
	Authorizations AuthorizationRepository
}

// NewStore creates a Store over db
func NewStore(db *gorm.DB) *Store {
	return &Store{
		db:             db,
		Users:          NewUserRepository(db),
		Products:       NewProductRepository(db),
		Orders:         NewOrderRepository(db),
		Certs:          NewCertRepository(db),
		Transactions:   NewTransactionRepository(db),
		InvoiceLimits:  NewInvoiceLimitRepository(db),
		Delegations:    NewDelegationRepository(db),
		Tasks:          NewTaskRepository(db),
		AcmeAccounts:   NewAcmeAccountRepository(db),
		Authorizations: NewAuthorizationRepository(db),
	}
}

// DB returns the underlying handle
func (s *Store) DB() *gorm.DB {
	return s.db
}

// WithinTransaction runs fn with a Store bound to a database transaction.
// The transaction commits when fn returns nil and rolls back otherwise.
func (s *Store) WithinTransaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(NewStore(tx))
	})
}

func forUpdate() clause.Locking {
	return clause.Locking{Strength: "UPDATE"}
}
