package services

import (
	"context"
	"strings"

	"github.com/google/uuid"

	apperrors "github.com/welldanyogia/certbroker/internal/errors"
	"github.com/welldanyogia/certbroker/internal/models"
	"github.com/welldanyogia/certbroker/internal/validator"
)

// DCVGenerator builds domain control validation material for certificates.
type DCVGenerator struct {
	delegations *DelegationService
}

// NewDCVGenerator creates a new DCVGenerator
func NewDCVGenerator(delegations *DelegationService) *DCVGenerator {
	return &DCVGenerator{delegations: delegations}
}

// NewUniqueValue returns a fresh per-certificate validation token. It is
// generated once and persisted on the certificate.
func NewUniqueValue() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// GenerateDCV produces the challenge descriptor of ca for method. The
// delegation pseudo-method becomes a delegated txt challenge.
func (g *DCVGenerator) GenerateDCV(ca models.CA, method, csrPEM, uniqueValue string) (models.DCV, error) {
	profile, err := ProfileFor(ca)
	if err != nil {
		return models.DCV{}, err
	}

	delegate := method == models.MethodDelegation
	if delegate {
		method = models.MethodTXT
	}
	if !profile.Supports(method) {
		return models.DCV{}, apperrors.New(apperrors.ErrDomainMethodInvalid, "%s does not support %s validation", ca, method)
	}

	var der []byte
	if csrPEM != "" {
		parsed, err := ParseCSR(csrPEM)
		if err != nil {
			return models.DCV{}, err
		}
		der = parsed.DER
	}

	dcv, err := profile.BuildDCV(method, der, uniqueValue)
	if err != nil {
		return models.DCV{}, err
	}
	dcv.IsDelegate = delegate
	return dcv, nil
}

// GenerateValidation expands dcv into one entry per domain. Delegated
// entries record their delegation even while it is invalid.
func (g *DCVGenerator) GenerateValidation(ctx context.Context, dcv models.DCV, domains []string, userID uint) ([]models.Validation, error) {
	profile, err := ProfileFor(dcv.CA)
	if err != nil {
		return nil, err
	}

	method := dcv.Method
	if dcv.IsDelegate {
		method = models.MethodDelegation
	}

	out := make([]models.Validation, 0, len(domains))
	for _, domain := range domains {
		if err := CheckDomainMethod(domain, method); err != nil {
			return nil, err
		}
		v := profile.Expand(dcv, domain)

		if dcv.IsDelegate {
			d, err := g.delegations.CreateForDomain(ctx, userID, dcv.CA, domain)
			if err != nil {
				return nil, err
			}
			v.IsDelegate = true
			v.DelegationID = d.ID
			v.DelegationTarget = d.Target
			v.DelegationZone = d.Zone
			v.DelegationValid = d.Valid
		}
		out = append(out, v)
	}
	return out, nil
}

// CheckDomainMethod rejects method for domain when the combination cannot
// succeed: wildcards never validate by file, bare IPs only by file.
func CheckDomainMethod(domain, method string) error {
	fileBased := models.IsFileMethod(method)
	switch {
	case validator.IsWildcard(domain) && fileBased:
		return apperrors.New(apperrors.ErrDomainMethodInvalid, "wildcard %s cannot use %s validation", domain, method)
	case validator.IsIP(domain) && !fileBased:
		return apperrors.New(apperrors.ErrDomainMethodInvalid, "IP address %s can only use file validation", domain)
	}
	return nil
}
