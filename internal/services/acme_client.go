package services

import (
	"context"
	"crypto"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/acme"

	apperrors "github.com/welldanyogia/certbroker/internal/errors"
	"github.com/welldanyogia/certbroker/internal/validator"
)

const problemRejectedIdentifier = "urn:ietf:params:acme:error:rejectedIdentifier"

// ACMEClientConfig holds configuration for the ACME client
type ACMEClientConfig struct {
	DirectoryURL string // ACME directory URL (production or staging)
	Email        string // Contact email for account registration
	// AccountKeyPEM is the platform account key. A fresh EC P-256 key is
	// generated when empty.
	AccountKeyPEM string
}

// acmeClient adapts golang.org/x/crypto/acme to CAClient. All upstream
// orders are placed under one platform account; resource URLs serve as
// upstream ids.
type acmeClient struct {
	config ACMEClientConfig
	client *acme.Client
	log    zerolog.Logger

	mu         sync.Mutex
	registered bool
}

// NewACMEClient creates a new ACME-backed CAClient
func NewACMEClient(config ACMEClientConfig, log zerolog.Logger) (CAClient, error) {
	var (
		key crypto.PrivateKey
		err error
	)
	if config.AccountKeyPEM != "" {
		key, err = certcrypto.ParsePEMPrivateKey([]byte(config.AccountKeyPEM))
		if err != nil {
			return nil, fmt.Errorf("failed to parse account key: %w", err)
		}
	} else {
		key, err = certcrypto.GeneratePrivateKey(certcrypto.EC256)
		if err != nil {
			return nil, fmt.Errorf("failed to generate account key: %w", err)
		}
		log.Warn().Msg("no ACME account key configured, using an ephemeral key")
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("account key of type %T cannot sign", key)
	}

	directoryURL := config.DirectoryURL
	if directoryURL == "" {
		directoryURL = acme.LetsEncryptURL
	}

	return &acmeClient{
		config: config,
		client: &acme.Client{Key: signer, DirectoryURL: directoryURL},
		log:    log.With().Str("component", "acme_client").Logger(),
	}, nil
}

// ensureAccount registers the platform account once, reusing an existing
// registration for the same key.
func (c *acmeClient) ensureAccount(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.registered {
		return nil
	}

	var contact []string
	if c.config.Email != "" {
		contact = []string{"mailto:" + c.config.Email}
	}

	_, err := c.client.Register(ctx, &acme.Account{Contact: contact}, acme.AcceptTOS)
	if errors.Is(err, acme.ErrAccountAlreadyExists) {
		_, err = c.client.GetReg(ctx, "")
	}
	if err != nil {
		return apperrors.Upstream("register account", err)
	}
	c.registered = true
	return nil
}

// CreateOrder places a new order and expands every authorization.
func (c *acmeClient) CreateOrder(ctx context.Context, accountRef string, domains []string, productCode string) (*UpstreamOrder, error) {
	if len(domains) == 0 {
		return nil, apperrors.New(apperrors.ErrInvalidInput, "at least one domain is required")
	}
	if err := c.ensureAccount(ctx); err != nil {
		return nil, err
	}

	ids := make([]acme.AuthzID, 0, len(domains))
	for _, d := range domains {
		typ := "dns"
		if validator.IsIP(d) {
			typ = "ip"
		}
		ids = append(ids, acme.AuthzID{Type: typ, Value: d})
	}

	order, err := c.client.AuthorizeOrder(ctx, ids)
	if err != nil {
		return nil, c.translate("create order", err, domains)
	}

	out := &UpstreamOrder{ID: order.URI, Status: order.Status}
	for _, u := range order.AuthzURLs {
		authz, err := c.client.GetAuthorization(ctx, u)
		if err != nil {
			return nil, apperrors.Upstream("get authorization", err)
		}
		ua, err := c.convertAuthorization(authz)
		if err != nil {
			return nil, err
		}
		out.Authorizations = append(out.Authorizations, ua)
	}

	c.log.Info().
		Str("account_ref", accountRef).
		Str("product", productCode).
		Int("identifiers", len(domains)).
		Msg("acme order created")
	return out, nil
}

func (c *acmeClient) convertAuthorization(authz *acme.Authorization) (UpstreamAuthorization, error) {
	identifier := authz.Identifier.Value
	if authz.Wildcard {
		identifier = "*." + identifier
	}
	ua := UpstreamAuthorization{
		Identifier: identifier,
		Wildcard:   authz.Wildcard,
		Status:     authz.Status,
	}
	if !authz.Expires.IsZero() {
		expires := authz.Expires.UTC()
		ua.Expires = &expires
	}

	for _, ch := range authz.Challenges {
		uc := UpstreamChallenge{ID: ch.URI, Type: ch.Type, Token: ch.Token, Status: ch.Status}
		var err error
		switch ch.Type {
		case "dns-01":
			uc.KeyAuthorization, err = c.client.DNS01ChallengeRecord(ch.Token)
		case "http-01":
			uc.KeyAuthorization, err = c.client.HTTP01ChallengeResponse(ch.Token)
		}
		if err != nil {
			return UpstreamAuthorization{}, fmt.Errorf("failed to compute key authorization: %w", err)
		}
		ua.Challenges = append(ua.Challenges, uc)
	}
	return ua, nil
}

// RespondToChallenge accepts the challenge at challengeID.
func (c *acmeClient) RespondToChallenge(ctx context.Context, challengeID string) (string, error) {
	if err := c.ensureAccount(ctx); err != nil {
		return "", err
	}
	ch, err := c.client.GetChallenge(ctx, challengeID)
	if err != nil {
		return "", apperrors.Upstream("get challenge", err)
	}
	if ch.Status != acme.StatusPending {
		return ch.Status, nil
	}
	ch, err = c.client.Accept(ctx, ch)
	if err != nil {
		return "", apperrors.Upstream("accept challenge", err)
	}
	return ch.Status, nil
}

// FinalizeOrder submits the CSR once the order is ready.
func (c *acmeClient) FinalizeOrder(ctx context.Context, orderID string, csrDER []byte) error {
	if err := c.ensureAccount(ctx); err != nil {
		return err
	}
	order, err := c.client.GetOrder(ctx, orderID)
	if err != nil {
		return apperrors.Upstream("get order", err)
	}
	switch order.Status {
	case acme.StatusReady:
	case acme.StatusProcessing, acme.StatusValid:
		return nil
	default:
		return apperrors.Upstream("finalize order", fmt.Errorf("order is %s, not ready", order.Status))
	}

	if _, _, err := c.client.CreateOrderCert(ctx, order.FinalizeURL, csrDER, true); err != nil {
		return c.translate("finalize order", err, nil)
	}
	return nil
}

// GetCertificate fetches the issued chain of a valid order.
func (c *acmeClient) GetCertificate(ctx context.Context, orderID string) (*IssuedCertificate, error) {
	if err := c.ensureAccount(ctx); err != nil {
		return nil, err
	}
	order, err := c.client.GetOrder(ctx, orderID)
	if err != nil {
		return nil, apperrors.Upstream("get order", err)
	}
	switch order.Status {
	case acme.StatusValid:
	case acme.StatusInvalid:
		detail := "order is invalid"
		if order.Error != nil {
			detail = order.Error.Detail
		}
		return nil, apperrors.Upstream("get certificate", errors.New(detail))
	default:
		return nil, apperrors.New(apperrors.ErrNotIssued, "order is %s", order.Status)
	}

	ders, err := c.client.FetchCert(ctx, order.CertURL, true)
	if err != nil {
		return nil, apperrors.Upstream("fetch certificate", err)
	}
	if len(ders) == 0 {
		return nil, apperrors.New(apperrors.ErrNotIssued, "no certificate returned")
	}

	var chain strings.Builder
	for _, der := range ders[1:] {
		chain.Write(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
	}
	return &IssuedCertificate{
		Certificate: string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ders[0]})),
		Chain:       chain.String(),
	}, nil
}

// ReissueOrder is not an ACME concept; a reissue is a new order.
func (c *acmeClient) ReissueOrder(ctx context.Context, orderID string, csrDER []byte) (string, error) {
	return "", apperrors.New(apperrors.ErrUnsupported, "acme orders cannot be reissued")
}

// RevokeCertificate revokes with the account key.
func (c *acmeClient) RevokeCertificate(ctx context.Context, req RevokeRequest) error {
	if err := c.ensureAccount(ctx); err != nil {
		return err
	}
	block, _ := pem.Decode([]byte(req.CertificatePEM))
	if block == nil {
		return apperrors.New(apperrors.ErrInvalidInput, "certificate %s has no PEM body", req.Serial)
	}
	if err := c.client.RevokeCert(ctx, nil, block.Bytes, revocationReason(req.Reason)); err != nil {
		return apperrors.Upstream("revoke certificate", err)
	}
	return nil
}

// CancelOrder is a no-op upstream: unfinished ACME orders expire on their own.
func (c *acmeClient) CancelOrder(ctx context.Context, orderID string) error {
	return apperrors.New(apperrors.ErrUnsupported, "acme orders cannot be cancelled")
}

// translate maps ACME problem documents onto engine errors.
func (c *acmeClient) translate(op string, err error, identifiers []string) error {
	var ae *acme.Error
	if errors.As(err, &ae) && ae.ProblemType == problemRejectedIdentifier {
		rejected := identifiers
		if len(ae.Subproblems) > 0 {
			rejected = nil
			for _, sp := range ae.Subproblems {
				if sp.Identifier != nil {
					rejected = append(rejected, sp.Identifier.Value)
				}
			}
		}
		return apperrors.NewRejectedIdentifierError(ae.Detail, rejected...)
	}
	return apperrors.Upstream(op, err)
}

func revocationReason(reason string) acme.CRLReasonCode {
	switch reason {
	case "keyCompromise":
		return acme.CRLReasonKeyCompromise
	case "affiliationChanged":
		return acme.CRLReasonAffiliationChanged
	case "superseded":
		return acme.CRLReasonSuperseded
	case "cessationOfOperation":
		return acme.CRLReasonCessationOfOperation
	default:
		return acme.CRLReasonUnspecified
	}
}
