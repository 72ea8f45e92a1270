package services

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/ksuid"
	"gorm.io/datatypes"

	"github.com/welldanyogia/certbroker/internal/caller"
	apperrors "github.com/welldanyogia/certbroker/internal/errors"
	"github.com/welldanyogia/certbroker/internal/logger"
	"github.com/welldanyogia/certbroker/internal/models"
	"github.com/welldanyogia/certbroker/internal/repository"
	"github.com/welldanyogia/certbroker/internal/validator"
)

const eabHMACBytes = 32

// EABCredentials are the external account binding credentials of an ACME
// subscription.
type EABCredentials struct {
	OrderID uint   `json:"order_id"`
	KeyID   string `json:"eab_kid"`
	HMACKey string `json:"eab_hmac_key"`
	// Created is false when an existing subscription was returned.
	Created bool `json:"created"`
}

// AcmeOrderView is an ACME order as the customer sees it. Only local ids
// appear in it.
type AcmeOrderView struct {
	ID             uint                   `json:"id"`
	Status         string                 `json:"status"`
	Identifiers    []string               `json:"identifiers"`
	Authorizations []models.Authorization `json:"authorizations"`
	Certificate    string                 `json:"certificate,omitempty"`
	Chain          string                 `json:"chain,omitempty"`
	ExpiresAt      *time.Time             `json:"expires_at,omitempty"`
}

// AcmeBridge maps local ACME accounts, orders and authorizations onto an
// upstream ACME CA. Upstream identifiers are stored but never returned.
type AcmeBridge struct {
	store       *repository.Store
	ledger      *Ledger
	delegations *DelegationService
	orders      *OrderService
	clients     CAClients
	audit       *logger.AuditLogger
	log         zerolog.Logger
	now         func() time.Time
}

// NewAcmeBridge creates a new AcmeBridge
func NewAcmeBridge(store *repository.Store, ledger *Ledger, delegations *DelegationService, orders *OrderService, clients CAClients, log zerolog.Logger) *AcmeBridge {
	return &AcmeBridge{
		store:       store,
		ledger:      ledger,
		delegations: delegations,
		orders:      orders,
		clients:     clients,
		audit:       logger.NewAuditLogger(log),
		log:         log.With().Str("component", "acme_bridge").Logger(),
		now:         time.Now,
	}
}

// CreateAccount issues EAB credentials for (email, productID). The first
// call creates the subscription order and charges the product's base
// price; later calls return the same credentials and charge nothing.
func (b *AcmeBridge) CreateAccount(ctx context.Context, email string, productID uint) (*EABCredentials, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if err := validator.ValidateEmail(email); err != nil {
		return nil, apperrors.New(apperrors.ErrInvalidInput, "invalid email: %v", err)
	}

	actor := caller.FromContext(ctx)
	owner, err := b.store.Users.GetByEmail(ctx, email)
	if apperrors.IsNotFound(err) && actor.Kind == caller.KindUser {
		return nil, apperrors.New(apperrors.ErrForbidden, "%s is not the email of this account", email)
	}
	if err != nil {
		return nil, err
	}
	if !actor.Owns(owner.ID) {
		return nil, apperrors.New(apperrors.ErrForbidden, "%s is not the email of this account", email)
	}

	existing, err := b.store.Orders.GetAcmeSubscription(ctx, email, productID)
	if err == nil {
		if existing.UserID != owner.ID {
			return nil, apperrors.New(apperrors.ErrForbidden, "subscription %d belongs to another user", existing.ID)
		}
		return subscriptionCredentials(existing, false), nil
	}
	if !apperrors.IsNotFound(err) {
		return nil, err
	}

	product, err := b.store.Products.GetByID(ctx, productID)
	if err != nil {
		return nil, err
	}
	if !product.Enabled {
		return nil, apperrors.New(apperrors.ErrProductUnavailable, "%s is not available", product.Name)
	}
	if product.CA != models.CAACME {
		return nil, apperrors.New(apperrors.ErrActionNotSupported, "%s is not an ACME product", product.Name)
	}

	userID := owner.ID

	hmacKey, err := newHMACKey()
	if err != nil {
		return nil, err
	}
	kid := ksuid.New().String()
	now := b.now().UTC()
	till := now.AddDate(0, 12, 0)
	order := &models.Order{
		UserID:     userID,
		ProductID:  product.ID,
		Brand:      product.Brand,
		Period:     12,
		Amount:     BaseCost(product, 12),
		PeriodFrom: &now,
		PeriodTill: &till,
		Email:      email,
		EabKid:     &kid,
		EabHmac:    hmacKey,
	}

	err = b.store.WithinTransaction(ctx, func(tx *repository.Store) error {
		if err := tx.Orders.Create(ctx, order); err != nil {
			return err
		}
		_, err := b.ledger.Debit(ctx, tx, Entry{
			UserID:    userID,
			Type:      models.TransactionOrder,
			Reference: fmt.Sprintf("acme:%d", order.ID),
			Amount:    order.Amount,
			Remark:    fmt.Sprintf("ACME subscription %s", product.Name),
		}, actor.Kind == caller.KindUser)
		return err
	})
	if apperrors.IsDuplicateEntry(err) {
		// A concurrent request created the subscription first.
		existing, getErr := b.store.Orders.GetAcmeSubscription(ctx, email, productID)
		if getErr != nil {
			return nil, getErr
		}
		if existing.UserID != owner.ID {
			return nil, apperrors.New(apperrors.ErrForbidden, "subscription %d belongs to another user", existing.ID)
		}
		return subscriptionCredentials(existing, false), nil
	}
	if err != nil {
		return nil, err
	}

	b.audit.EABIssued(order.ID, email, kid)
	return subscriptionCredentials(order, true), nil
}

func subscriptionCredentials(order *models.Order, created bool) *EABCredentials {
	creds := &EABCredentials{OrderID: order.ID, HMACKey: order.EabHmac, Created: created}
	if order.EabKid != nil {
		creds.KeyID = *order.EabKid
	}
	return creds
}

func newHMACKey() (string, error) {
	buf := make([]byte, eabHMACBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate EAB key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// BindAccount consumes the EAB credentials of kid for the account key with
// thumbprint. Binding the same key again returns the same account.
func (b *AcmeBridge) BindAccount(ctx context.Context, kid, contact, thumbprint string) (*models.AcmeAccount, error) {
	if kid == "" || thumbprint == "" {
		return nil, apperrors.New(apperrors.ErrInvalidInput, "eab kid and key thumbprint are required")
	}
	order, err := b.store.Orders.GetByEabKid(ctx, kid)
	if err != nil {
		return nil, err
	}
	if !caller.FromContext(ctx).Owns(order.UserID) {
		return nil, apperrors.New(apperrors.ErrForbidden, "eab %s belongs to another user", kid)
	}

	account, err := b.store.AcmeAccounts.GetByThumbprint(ctx, thumbprint)
	switch {
	case err == nil && account.OrderID == order.ID:
		return account, nil
	case err == nil:
		return nil, apperrors.New(apperrors.ErrEABAlreadyBound, "account key is bound to another subscription")
	case !apperrors.IsNotFound(err):
		return nil, err
	}

	account = &models.AcmeAccount{
		OrderID:       order.ID,
		UserID:        order.UserID,
		KeyThumbprint: thumbprint,
		Contact:       contact,
		Status:        models.AcmeStatusValid,
	}
	err = b.store.WithinTransaction(ctx, func(tx *repository.Store) error {
		locked, err := tx.Orders.LockByID(ctx, order.ID)
		if err != nil {
			return err
		}
		if locked.AcmeAccountID != nil || locked.EabUsedAt != nil {
			return apperrors.New(apperrors.ErrEABAlreadyBound, "eab %s was already used", kid)
		}
		if err := tx.AcmeAccounts.Create(ctx, account); err != nil {
			return err
		}
		return tx.Orders.UpdateFields(ctx, order.ID, map[string]any{
			"eab_used_at":     b.now().UTC(),
			"acme_account_id": account.ID,
		})
	})
	if err != nil {
		return nil, err
	}

	b.log.Info().Uint("order_id", order.ID).Uint("account_id", account.ID).Msg("acme account bound")
	return account, nil
}

// CreateOrder opens an ACME order for identifiers under accountID.
// Identifiers beyond the product's limits are rejected before anything is
// created or charged. SANs beyond those already purchased are billed.
func (b *AcmeBridge) CreateOrder(ctx context.Context, accountID uint, identifiers []string) (*AcmeOrderView, error) {
	account, order, err := b.subscription(ctx, accountID)
	if err != nil {
		return nil, err
	}
	product := order.Product

	domains, err := validator.NormalizeDomains(identifiers)
	if err != nil {
		return nil, apperrors.NewRejectedIdentifierError(err.Error(), identifiers...)
	}
	estimate, err := PlanIncrement(product, order, domains)
	if err != nil {
		return nil, err
	}
	actor := caller.FromContext(ctx)
	if actor.Kind == caller.KindUser {
		cost := SANCost(product, order.Period, estimate.BillStandard, estimate.BillWildcard)
		if err := b.ledger.EnsureAvailable(ctx, order.UserID, cost); err != nil {
			return nil, err
		}
	}

	client, err := b.clients.For(product.CA)
	if err != nil {
		return nil, err
	}
	upstream, err := client.CreateOrder(ctx, fmt.Sprintf("acme:%d", account.ID), domains, product.Code)
	if err != nil {
		return nil, err
	}

	authzs := authorizationsFor(0, upstream.Authorizations, "dns-01")
	validations, err := b.delegatedValidations(ctx, order.UserID, authzs)
	if err != nil {
		return nil, err
	}

	cert := &models.Cert{
		Action:      models.ActionNew,
		Channel:     models.ChannelACME,
		CommonName:  domains[0],
		DCV:         datatypes.NewJSONType(models.DCV{Method: models.MethodTXT, CA: product.CA}),
		Validation:  datatypes.NewJSONSlice(validations),
		UniqueValue: NewUniqueValue(),
		ApiID:       upstream.ID,
		Status:      models.CertStatusPending,
	}
	cert.SetDomains(domains)

	err = b.store.WithinTransaction(ctx, func(tx *repository.Store) error {
		locked, err := tx.Orders.LockByID(ctx, order.ID)
		if err != nil {
			return err
		}
		plan, err := PlanIncrement(product, locked, domains)
		if err != nil {
			return err
		}
		cert.Amount = SANCost(product, locked.Period, plan.BillStandard, plan.BillWildcard)
		cert.OrderID = locked.ID
		cert.LastCertID = locked.LatestCertID
		if err := tx.Certs.Create(ctx, cert); err != nil {
			return err
		}

		_, err = b.ledger.Debit(ctx, tx, Entry{
			UserID:    locked.UserID,
			Type:      models.TransactionOrder,
			Reference: CertReference(cert.ID),
			Amount:    cert.Amount,
			Remark:    fmt.Sprintf("ACME order %d: %d standard, %d wildcard added", cert.ID, plan.BillStandard, plan.BillWildcard),
		}, actor.Kind == caller.KindUser)
		if err != nil {
			return err
		}

		err = tx.Orders.UpdateFields(ctx, locked.ID, map[string]any{
			"purchased_standard": max(locked.PurchasedStandard, plan.Standard),
			"purchased_wildcard": max(locked.PurchasedWildcard, plan.Wildcard),
			"amount":             locked.Amount.Add(cert.Amount),
			"latest_cert_id":     cert.ID,
		})
		if err != nil {
			return err
		}

		for i := range authzs {
			authzs[i].CertID = cert.ID
		}
		return tx.Authorizations.CreateBatch(ctx, authzs)
	})
	if err != nil {
		if cerr := client.CancelOrder(ctx, upstream.ID); cerr != nil && !errors.Is(cerr, apperrors.ErrUnsupported) {
			b.log.Warn().Err(cerr).Uint("order_id", order.ID).Msg("failed to cancel upstream order")
		}
		return nil, err
	}

	written, err := b.delegations.WriteValidationTokens(ctx, validations)
	if err != nil {
		b.log.Warn().Err(err).Uint("cert_id", cert.ID).Msg("delegated TXT write failed")
	}
	if err := b.orders.saveValidation(ctx, cert, written); err != nil {
		return nil, err
	}

	b.log.Info().
		Uint("order_id", order.ID).
		Uint("cert_id", cert.ID).
		Int("identifiers", len(domains)).
		Str("amount", cert.Amount.StringFixed(2)).
		Msg("acme order created")
	return orderView(cert, authzs), nil
}

// delegatedValidations builds the validation entries of an ACME order,
// attaching the caller's valid delegation where one covers the identifier.
func (b *AcmeBridge) delegatedValidations(ctx context.Context, userID uint, authzs []models.Authorization) ([]models.Validation, error) {
	out := make([]models.Validation, 0, len(authzs))
	for _, a := range authzs {
		v := models.Validation{
			Domain: a.Identifier,
			Method: models.MethodTXT,
			Host:   models.PrefixACMEChallenge + "." + baseDomain(a.Identifier),
			Value:  a.KeyAuthorization,
		}
		d, err := b.delegations.FindValidDelegation(ctx, userID, a.Identifier, models.PrefixACMEChallenge)
		switch {
		case err == nil:
			v.IsDelegate = true
			v.DelegationID = d.ID
			v.DelegationTarget = d.Target
			v.DelegationZone = d.Zone
			v.DelegationValid = d.Valid
		case !apperrors.IsNotFound(err):
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// RespondToChallenge tells the CA that the challenge of the local
// authorization authzID is ready.
func (b *AcmeBridge) RespondToChallenge(ctx context.Context, accountID, authzID uint) (*models.Authorization, error) {
	_, order, err := b.subscription(ctx, accountID)
	if err != nil {
		return nil, err
	}
	authz, err := b.store.Authorizations.GetByID(ctx, authzID)
	if err != nil {
		return nil, err
	}
	cert, err := b.store.Certs.GetByID(ctx, authz.CertID)
	if err != nil {
		return nil, err
	}
	if cert.OrderID != order.ID {
		return nil, apperrors.New(apperrors.ErrNotFound, "authorization %d not found", authzID)
	}
	if authz.Status != models.AcmeStatusPending {
		return authz, nil
	}

	client, err := b.clients.For(order.Product.CA)
	if err != nil {
		return nil, err
	}
	status, err := client.RespondToChallenge(ctx, authz.AcmeChallengeID)
	if err != nil {
		return nil, err
	}

	fields := map[string]any{"status": authorizationStatus(status)}
	authz.Status = authorizationStatus(status)
	if authz.Status == models.AcmeStatusValid {
		now := b.now().UTC()
		fields["validated_at"] = now
		authz.ValidatedAt = &now
	}
	if err := b.store.Authorizations.UpdateFields(ctx, authz.ID, fields); err != nil {
		return nil, err
	}
	return authz, nil
}

// FinalizeOrder submits csrPEM for the ACME order certID.
func (b *AcmeBridge) FinalizeOrder(ctx context.Context, accountID, certID uint, csrPEM string) (*AcmeOrderView, error) {
	_, order, err := b.subscription(ctx, accountID)
	if err != nil {
		return nil, err
	}
	cert, err := b.ownedCert(ctx, order, certID)
	if err != nil {
		return nil, err
	}
	if cert.CSR != "" {
		return b.GetOrder(ctx, accountID, certID)
	}
	if cert.Status != models.CertStatusPending {
		return nil, apperrors.New(apperrors.ErrInvalidStatus, "a %s order cannot be finalized", cert.Status)
	}

	parsed, err := ParseCSR(csrPEM)
	if err != nil {
		return nil, err
	}
	names, err := validator.NormalizeDomains(parsed.Domains)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrInvalidCSR, "CSR names: %v", err)
	}
	ordered := cert.Domains()
	for _, n := range names {
		if !slices.Contains(ordered, n) {
			return nil, apperrors.New(apperrors.ErrInvalidCSR, "CSR names %s which is not in the order", n)
		}
	}
	if !order.Product.ReuseCSR {
		used, err := b.store.Certs.CSRUsedOutsideOrder(ctx, parsed.MD5, order.ID)
		if err != nil {
			return nil, err
		}
		if used {
			return nil, apperrors.New(apperrors.ErrCSRAlreadyUsed, "this CSR was already submitted for another order")
		}
	}

	client, err := b.clients.For(order.Product.CA)
	if err != nil {
		return nil, err
	}
	if err := client.FinalizeOrder(ctx, cert.ApiID, parsed.DER); err != nil {
		return nil, err
	}

	err = b.store.Certs.UpdateFields(ctx, cert.ID, map[string]any{
		"csr":     csrPEM,
		"csr_md5": parsed.MD5,
		"status":  models.CertStatusProcessing,
	})
	if err != nil {
		return nil, err
	}
	return b.GetOrder(ctx, accountID, certID)
}

// GetOrder returns the ACME order certID, collecting the certificate from
// the CA once it has been issued.
func (b *AcmeBridge) GetOrder(ctx context.Context, accountID, certID uint) (*AcmeOrderView, error) {
	_, order, err := b.subscription(ctx, accountID)
	if err != nil {
		return nil, err
	}
	cert, err := b.ownedCert(ctx, order, certID)
	if err != nil {
		return nil, err
	}

	if cert.CSR != "" && !cert.IsIssued() && cert.ApiID != "" &&
		(cert.Status == models.CertStatusProcessing || cert.Status == models.CertStatusApproving) {
		client, err := b.clients.For(order.Product.CA)
		if err != nil {
			return nil, err
		}
		issued, err := client.GetCertificate(ctx, cert.ApiID)
		switch {
		case err == nil:
			if err := b.orders.storeIssued(ctx, order, cert, issued); err != nil {
				return nil, err
			}
			if cert, err = b.store.Certs.GetByID(ctx, certID); err != nil {
				return nil, err
			}
		case !errors.Is(err, apperrors.ErrNotIssued):
			return nil, err
		}
	}

	authzs, err := b.store.Authorizations.ListByCert(ctx, cert.ID)
	if err != nil {
		return nil, err
	}
	return orderView(cert, authzs), nil
}

// subscription loads accountID and the order it is bound to.
func (b *AcmeBridge) subscription(ctx context.Context, accountID uint) (*models.AcmeAccount, *models.Order, error) {
	account, err := b.store.AcmeAccounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, nil, err
	}
	if account.Status != models.AcmeStatusValid {
		return nil, nil, apperrors.New(apperrors.ErrForbidden, "account %d is %s", account.ID, account.Status)
	}
	if !caller.FromContext(ctx).Owns(account.UserID) {
		return nil, nil, apperrors.New(apperrors.ErrForbidden, "account %d does not belong to caller", account.ID)
	}
	order, err := b.store.Orders.GetWithProduct(ctx, account.OrderID)
	if err != nil {
		return nil, nil, err
	}
	if order.Product == nil {
		return nil, nil, apperrors.New(apperrors.ErrProductUnavailable, "product of order %d not found", order.ID)
	}
	if order.IsCancelled() {
		return nil, nil, apperrors.New(apperrors.ErrInvalidStatus, "subscription %d is cancelled", order.ID)
	}
	if order.IsValidityExpired(b.now()) {
		return nil, nil, apperrors.New(apperrors.ErrOrderExpired, "subscription %d has ended", order.ID)
	}
	return account, order, nil
}

func (b *AcmeBridge) ownedCert(ctx context.Context, order *models.Order, certID uint) (*models.Cert, error) {
	cert, err := b.store.Certs.GetByID(ctx, certID)
	if err != nil {
		return nil, err
	}
	if cert.OrderID != order.ID || cert.Channel != models.ChannelACME {
		return nil, apperrors.New(apperrors.ErrNotFound, "order %d not found", certID)
	}
	return cert, nil
}

func orderView(cert *models.Cert, authzs []models.Authorization) *AcmeOrderView {
	return &AcmeOrderView{
		ID:             cert.ID,
		Status:         AcmeStatus(cert, authzs),
		Identifiers:    cert.Domains(),
		Authorizations: authzs,
		Certificate:    cert.Certificate,
		Chain:          cert.Chain,
		ExpiresAt:      cert.ExpiresAt,
	}
}

// AcmeStatus derives the ACME order status of cert from stored state.
func AcmeStatus(cert *models.Cert, authzs []models.Authorization) string {
	switch {
	case cert.Status == models.CertStatusRevoked || cert.Status == models.CertStatusCancelled:
		return models.AcmeStatusInvalid
	case cert.Certificate != "":
		return models.AcmeStatusValid
	case cert.CSR != "":
		return models.AcmeStatusProcessing
	case len(authzs) > 0 && allValid(authzs):
		return models.AcmeStatusReady
	case len(authzs) > 0:
		return models.AcmeStatusPending
	default:
		return cert.Status
	}
}

func allValid(authzs []models.Authorization) bool {
	for _, a := range authzs {
		if a.Status != models.AcmeStatusValid {
			return false
		}
	}
	return true
}
