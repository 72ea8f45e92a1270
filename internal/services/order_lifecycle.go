package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"

	"github.com/welldanyogia/certbroker/internal/caller"
	apperrors "github.com/welldanyogia/certbroker/internal/errors"
	"github.com/welldanyogia/certbroker/internal/logger"
	"github.com/welldanyogia/certbroker/internal/metrics"
	"github.com/welldanyogia/certbroker/internal/models"
	"github.com/welldanyogia/certbroker/internal/repository"
	"github.com/welldanyogia/certbroker/internal/validator"
)

// DefaultSyncDelay is how long after submission the first issuance poll runs.
const DefaultSyncDelay = time.Minute

// ActionParams is a request to start a new, renew or reissue action.
type ActionParams struct {
	Action    string `json:"action" validate:"required,oneof=new renew reissue"`
	ProductID uint   `json:"product_id"`
	OrderID   uint   `json:"order_id"`
	// UserID selects the customer when an operator orders on their behalf.
	UserID       uint                 `json:"user_id"`
	Period       int                  `json:"period" validate:"omitempty,oneof=1 3 6 12 24 36"`
	Domains      []string             `json:"domains"`
	CSR          string               `json:"csr"`
	Batch        bool                 `json:"batch"`
	Method       string               `json:"method" validate:"required,oneof=email cname txt http https file delegation"`
	Channel      string               `json:"channel" validate:"omitempty,oneof=admin api acme"`
	Organization *models.Organization `json:"organization" validate:"-"`
	Contact      *models.Contact      `json:"contact" validate:"-"`
}

// ApplyInfo is a resolved and validated action request.
type ApplyInfo struct {
	Action    string
	Channel   string
	UserID    uint
	Product   *models.Product
	Order     *models.Order
	Prior     *models.Cert
	Period    int
	Domains   []string
	CSR       string
	CSRMD5    string
	Method    string
	Applicant models.Applicant
	Plan      *SANPlan
	Amount    decimal.Decimal
}

// OrderService drives the order and certificate state machine.
type OrderService struct {
	store       *repository.Store
	ledger      *Ledger
	dcv         *DCVGenerator
	delegations *DelegationService
	tasks       *TaskOrchestrator
	clients     CAClients
	audit       *logger.AuditLogger
	log         zerolog.Logger
	now         func() time.Time
	syncDelay   time.Duration
}

// NewOrderService creates a new OrderService
func NewOrderService(
	store *repository.Store,
	ledger *Ledger,
	dcv *DCVGenerator,
	delegations *DelegationService,
	tasks *TaskOrchestrator,
	clients CAClients,
	log zerolog.Logger,
) *OrderService {
	return &OrderService{
		store:       store,
		ledger:      ledger,
		dcv:         dcv,
		delegations: delegations,
		tasks:       tasks,
		clients:     clients,
		audit:       logger.NewAuditLogger(log),
		log:         log.With().Str("component", "orders").Logger(),
		now:         time.Now,
		syncDelay:   DefaultSyncDelay,
	}
}

// InitParams resolves and validates an action request without changing
// any state.
func (s *OrderService) InitParams(ctx context.Context, p ActionParams) (*ApplyInfo, error) {
	if err := validator.Struct(p); err != nil {
		return nil, apperrors.New(apperrors.ErrInvalidInput, "invalid request: %s", strings.Join(validator.FieldErrors(err), ", "))
	}
	actor := caller.FromContext(ctx)

	info := &ApplyInfo{
		Action:  p.Action,
		Channel: lo.Ternary(p.Channel == "", channelFor(actor), p.Channel),
		Method:  p.Method,
		Period:  p.Period,
	}

	switch p.Action {
	case models.ActionNew:
		if err := s.resolveNew(ctx, actor, p, info); err != nil {
			return nil, err
		}
	default:
		if err := s.resolveExisting(ctx, actor, p, info); err != nil {
			return nil, err
		}
	}

	if info.Product.RequiresApplyInfo() {
		if p.Organization == nil || p.Contact == nil {
			return nil, apperrors.New(apperrors.ErrApplyInfoMissing, "%s requires organization and contact information", info.Product.Name)
		}
		if err := validator.Struct(p.Organization); err != nil {
			return nil, apperrors.New(apperrors.ErrApplyInfoMissing, "organization: %s", strings.Join(validator.FieldErrors(err), ", "))
		}
		if err := validator.Struct(p.Contact); err != nil {
			return nil, apperrors.New(apperrors.ErrApplyInfoMissing, "contact: %s", strings.Join(validator.FieldErrors(err), ", "))
		}
		info.Applicant = models.Applicant{Organization: p.Organization, Contact: p.Contact}
	}

	if err := s.resolveDomains(ctx, p, info); err != nil {
		return nil, err
	}
	for _, d := range info.Domains {
		if err := CheckDomainMethod(d, info.Method); err != nil {
			return nil, err
		}
	}

	var err error
	switch info.Action {
	case models.ActionNew:
		info.Plan, err = PlanNew(info.Product, info.Domains)
	default:
		info.Plan, err = PlanReplacement(info.Product, info.Order, info.Prior, info.Domains)
	}
	if err != nil {
		return nil, err
	}
	info.Domains = info.Plan.Domains

	switch info.Action {
	case models.ActionReissue:
		info.Amount = PlanCost(info.Product, info.Period, info.Plan, false)
	case models.ActionRenew:
		// A renewal buys a full new period.
		full := *info.Plan
		full.BillStandard, full.BillWildcard = full.Standard, full.Wildcard
		info.Amount = PlanCost(info.Product, info.Period, &full, true)
	default:
		info.Amount = PlanCost(info.Product, info.Period, info.Plan, true)
	}
	return info, nil
}

func (s *OrderService) resolveNew(ctx context.Context, actor caller.Actor, p ActionParams, info *ApplyInfo) error {
	if p.ProductID == 0 {
		return apperrors.New(apperrors.ErrInvalidInput, "product_id is required for new orders")
	}
	product, err := s.store.Products.GetByID(ctx, p.ProductID)
	if err != nil {
		return err
	}
	if !product.Enabled {
		return apperrors.New(apperrors.ErrProductUnavailable, "%s is not available", product.Name)
	}
	if p.Batch {
		if !product.SupportsBatch() {
			return apperrors.New(apperrors.ErrBatchNotAllowed, "%s products cannot be ordered in batch", product.Type)
		}
		if p.CSR != "" {
			return apperrors.New(apperrors.ErrBatchNotAllowed, "batch orders use server-generated CSRs")
		}
	}

	info.UserID = actor.UserID
	if actor.IsOperator() && p.UserID != 0 {
		info.UserID = p.UserID
	}
	if info.UserID == 0 {
		return apperrors.New(apperrors.ErrInvalidInput, "user_id is required")
	}
	if _, err := s.store.Users.GetByID(ctx, info.UserID); err != nil {
		return err
	}

	info.Product = product
	if info.Period == 0 {
		info.Period = 12
	}
	return nil
}

func (s *OrderService) resolveExisting(ctx context.Context, actor caller.Actor, p ActionParams, info *ApplyInfo) error {
	if p.OrderID == 0 {
		return apperrors.New(apperrors.ErrInvalidInput, "order_id is required for %s", p.Action)
	}
	order, err := s.store.Orders.GetWithProduct(ctx, p.OrderID)
	if err != nil {
		return err
	}
	if !actor.Owns(order.UserID) {
		return apperrors.New(apperrors.ErrForbidden, "order %d does not belong to caller", order.ID)
	}
	if order.IsCancelled() || order.LatestCertID == nil {
		return apperrors.New(apperrors.ErrInvalidStatus, "order %d has no certificate to %s", order.ID, p.Action)
	}

	prior, err := s.store.Certs.GetByID(ctx, *order.LatestCertID)
	if err != nil {
		return err
	}
	switch {
	case p.Action == models.ActionRenew && prior.Status != models.CertStatusActive:
		return apperrors.New(apperrors.ErrInvalidStatus, "only active certificates can be renewed, certificate is %s", prior.Status)
	case p.Action == models.ActionReissue && prior.Status != models.CertStatusActive && prior.Status != models.CertStatusExpired:
		return apperrors.New(apperrors.ErrInvalidStatus, "only active or expired certificates can be reissued, certificate is %s", prior.Status)
	}
	if order.IsValidityExpired(s.now()) {
		return apperrors.New(apperrors.ErrOrderExpired, "order %d validity ended %s", order.ID, order.PeriodTill.Format(time.DateOnly))
	}

	product := order.Product
	if product == nil {
		return apperrors.New(apperrors.ErrProductUnavailable, "product of order %d not found", order.ID)
	}
	if !product.Supports(p.Action) {
		return apperrors.New(apperrors.ErrActionNotSupported, "%s does not support %s", product.Name, p.Action)
	}
	if !product.Enabled {
		return apperrors.New(apperrors.ErrProductUnavailable, "%s is not available", product.Name)
	}

	info.UserID = order.UserID
	info.Order = order
	info.Prior = prior
	info.Product = product
	if info.Period == 0 || p.Action == models.ActionReissue {
		info.Period = order.Period
	}
	return nil
}

// resolveDomains normalizes the requested names, folds in the CSR and
// enforces CSR uniqueness.
func (s *OrderService) resolveDomains(ctx context.Context, p ActionParams, info *ApplyInfo) error {
	names := p.Domains
	if p.CSR != "" {
		parsed, err := ParseCSR(p.CSR)
		if err != nil {
			return err
		}
		if parsed.CommonName != "" {
			names = append([]string{parsed.CommonName}, names...)
		}
		info.CSR = p.CSR
		info.CSRMD5 = parsed.MD5
	}

	domains, err := validator.NormalizeDomains(names)
	if err != nil {
		return apperrors.New(apperrors.ErrInvalidInput, "invalid domains: %v", err)
	}
	info.Domains = domains

	if info.CSRMD5 != "" && !info.Product.ReuseCSR {
		var orderID uint
		if info.Order != nil {
			orderID = info.Order.ID
		}
		used, err := s.store.Certs.CSRUsedOutsideOrder(ctx, info.CSRMD5, orderID)
		if err != nil {
			return err
		}
		if used {
			return apperrors.New(apperrors.ErrCSRAlreadyUsed, "this CSR was already submitted for another order")
		}
	}
	return nil
}

// Apply creates an unpaid certificate for the action, and the order itself
// for new purchases. The order's latest pointer moves to the new cert.
func (s *OrderService) Apply(ctx context.Context, p ActionParams) (*models.Cert, error) {
	info, err := s.InitParams(ctx, p)
	if err != nil {
		return nil, err
	}

	var privateKey string
	if info.CSR == "" {
		info.CSR, privateKey, err = GenerateCSR(info.Domains[0], info.Domains)
		if err != nil {
			return nil, err
		}
		parsed, err := ParseCSR(info.CSR)
		if err != nil {
			return nil, err
		}
		info.CSRMD5 = parsed.MD5
	}

	unique := NewUniqueValue()
	dcv, err := s.dcv.GenerateDCV(info.Product.CA, info.Method, info.CSR, unique)
	if err != nil {
		return nil, err
	}
	// Delegations are created lazily here and outlive a failed apply.
	validations, err := s.dcv.GenerateValidation(ctx, dcv, info.Domains, info.UserID)
	if err != nil {
		return nil, err
	}

	cert := &models.Cert{
		Action:      info.Action,
		Channel:     info.Channel,
		CommonName:  info.Domains[0],
		CSR:         info.CSR,
		CSRMD5:      info.CSRMD5,
		PrivateKey:  privateKey,
		DCV:         datatypes.NewJSONType(dcv),
		Validation:  datatypes.NewJSONSlice(validations),
		UniqueValue: unique,
		Applicant:   datatypes.NewJSONType(info.Applicant),
		Amount:      info.Amount,
		Status:      models.CertStatusUnpaid,
	}
	cert.SetDomains(info.Domains)

	err = s.store.WithinTransaction(ctx, func(tx *repository.Store) error {
		order := info.Order
		if order == nil {
			order = &models.Order{
				UserID:            info.UserID,
				ProductID:         info.Product.ID,
				Brand:             info.Product.Brand,
				Period:            info.Period,
				PurchasedStandard: info.Plan.Standard,
				PurchasedWildcard: info.Plan.Wildcard,
			}
			if err := tx.Orders.Create(ctx, order); err != nil {
				return err
			}
		} else {
			locked, err := tx.Orders.LockByID(ctx, order.ID)
			if err != nil {
				return err
			}
			if locked.LatestCertID == nil || *locked.LatestCertID != info.Prior.ID {
				return apperrors.New(apperrors.ErrInvalidStatus, "order %d changed while applying", order.ID)
			}
			cert.LastCertID = &info.Prior.ID
		}

		cert.OrderID = order.ID
		if err := tx.Certs.Create(ctx, cert); err != nil {
			return err
		}
		return tx.Orders.UpdateFields(ctx, order.ID, map[string]any{"latest_cert_id": cert.ID})
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Uint("order_id", cert.OrderID).
		Uint("cert_id", cert.ID).
		Str("action", cert.Action).
		Str("amount", cert.Amount.StringFixed(2)).
		Msg("certificate applied")
	return cert, nil
}

// Charge bills the order's unpaid latest certificate, moves it to pending
// and schedules its submission, all in one transaction under a lock on the
// order. Self-service callers are held to their credit limit.
func (s *OrderService) Charge(ctx context.Context, orderID uint) (*models.Transaction, error) {
	actor := caller.FromContext(ctx)
	enforceCredit := actor.Kind == caller.KindUser

	var (
		txn    *models.Transaction
		userID uint
	)
	err := s.store.WithinTransaction(ctx, func(tx *repository.Store) error {
		order, err := tx.Orders.LockByID(ctx, orderID)
		if err != nil {
			return err
		}
		userID = order.UserID
		if !actor.Owns(order.UserID) {
			return apperrors.New(apperrors.ErrForbidden, "order %d does not belong to caller", order.ID)
		}
		if order.LatestCertID == nil {
			return apperrors.New(apperrors.ErrNotUnpaid, "order not unpaid")
		}
		cert, err := tx.Certs.GetByID(ctx, *order.LatestCertID)
		if err != nil {
			return err
		}
		if cert.Status != models.CertStatusUnpaid {
			return apperrors.New(apperrors.ErrNotUnpaid, "order not unpaid")
		}

		txn, err = s.ledger.Debit(ctx, tx, Entry{
			UserID:    order.UserID,
			Type:      models.TransactionOrder,
			Reference: CertReference(cert.ID),
			Amount:    cert.Amount,
			Remark:    fmt.Sprintf("%s certificate for order %d", cert.Action, order.ID),
		}, enforceCredit)
		if err != nil {
			return err
		}

		moved, err := tx.Certs.UpdateStatus(ctx, cert.ID, []string{models.CertStatusUnpaid}, models.CertStatusPending)
		if err != nil {
			return err
		}
		if !moved {
			return apperrors.New(apperrors.ErrNotUnpaid, "order not unpaid")
		}

		fields := map[string]any{"amount": order.Amount.Add(cert.Amount)}
		if cert.StandardCount > order.PurchasedStandard {
			fields["purchased_standard"] = cert.StandardCount
		}
		if cert.WildcardCount > order.PurchasedWildcard {
			fields["purchased_wildcard"] = cert.WildcardCount
		}
		if err := tx.Orders.UpdateFields(ctx, order.ID, fields); err != nil {
			return err
		}

		_, err = s.tasks.CreateTask(ctx, tx, []uint{order.ID}, models.TaskCommit, 0)
		return err
	})
	if err != nil {
		metrics.ChargesRejected.WithLabelValues(apperrors.GetErrorCode(err)).Inc()
		s.audit.ChargeRejected(orderID, userID, err.Error())
		return nil, err
	}

	s.log.Info().
		Uint("order_id", orderID).
		Str("amount", txn.Amount.StringFixed(2)).
		Msg("order charged")
	return txn, nil
}

func channelFor(actor caller.Actor) string {
	if actor.Kind == caller.KindUser {
		return models.ChannelAPI
	}
	return models.ChannelAdmin
}

// latestCert loads order and its latest certificate through repos.
func latestCert(ctx context.Context, repos *repository.Store, orderID uint, lock bool) (*models.Order, *models.Cert, error) {
	var (
		order *models.Order
		err   error
	)
	if lock {
		order, err = repos.Orders.LockByID(ctx, orderID)
	} else {
		order, err = repos.Orders.GetByID(ctx, orderID)
	}
	if err != nil {
		return nil, nil, err
	}
	if order.LatestCertID == nil {
		return order, nil, apperrors.New(apperrors.ErrInvalidStatus, "order %d has no certificate", orderID)
	}
	cert, err := repos.Certs.GetByID(ctx, *order.LatestCertID)
	if err != nil {
		return nil, nil, err
	}
	return order, cert, nil
}
