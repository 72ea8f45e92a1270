package services

import (
	"context"
	"time"

	apperrors "github.com/welldanyogia/certbroker/internal/errors"
	"github.com/welldanyogia/certbroker/internal/models"
)

// UpstreamChallenge is one challenge offered by the CA for an authorization.
type UpstreamChallenge struct {
	ID               string
	Type             string
	Token            string
	KeyAuthorization string
	Status           string
}

// UpstreamAuthorization is the CA's view of one identifier of an order.
type UpstreamAuthorization struct {
	Identifier string
	Wildcard   bool
	Status     string
	Expires    *time.Time
	Challenges []UpstreamChallenge
}

// Challenge returns the challenge of type typ, if offered.
func (a UpstreamAuthorization) Challenge(typ string) (UpstreamChallenge, bool) {
	for _, ch := range a.Challenges {
		if ch.Type == typ {
			return ch, true
		}
	}
	return UpstreamChallenge{}, false
}

// UpstreamOrder is the CA's answer to an order creation. ID is opaque and
// stored verbatim.
type UpstreamOrder struct {
	ID             string
	Status         string
	Authorizations []UpstreamAuthorization
}

// IssuedCertificate is a certificate fetched from the CA, PEM encoded.
type IssuedCertificate struct {
	Certificate string
	Chain       string
}

// RevokeRequest identifies a certificate to revoke.
type RevokeRequest struct {
	Serial         string
	CertificatePEM string
	Reason         string
}

// CAClient is the engine's view of an upstream certificate authority. Calls
// block on the network and are never made while holding a row lock.
type CAClient interface {
	CreateOrder(ctx context.Context, accountRef string, domains []string, productCode string) (*UpstreamOrder, error)
	// RespondToChallenge tells the CA the challenge is ready and returns its
	// new status.
	RespondToChallenge(ctx context.Context, challengeID string) (string, error)
	FinalizeOrder(ctx context.Context, orderID string, csrDER []byte) error
	// GetCertificate returns ErrNotIssued while the CA is still working.
	GetCertificate(ctx context.Context, orderID string) (*IssuedCertificate, error)
	// ReissueOrder returns the upstream id of the replacement order.
	ReissueOrder(ctx context.Context, orderID string, csrDER []byte) (string, error)
	RevokeCertificate(ctx context.Context, req RevokeRequest) error
	CancelOrder(ctx context.Context, orderID string) error
}

// CAClients routes calls to the client of each certificate authority.
type CAClients map[models.CA]CAClient

// For returns the client of ca.
func (c CAClients) For(ca models.CA) (CAClient, error) {
	client, ok := c[ca]
	if !ok || client == nil {
		return nil, apperrors.New(apperrors.ErrUnsupported, "no upstream client configured for %s", ca)
	}
	return client, nil
}
