package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/welldanyogia/certbroker/internal/caller"
	apperrors "github.com/welldanyogia/certbroker/internal/errors"
	"github.com/welldanyogia/certbroker/internal/metrics"
	"github.com/welldanyogia/certbroker/internal/models"
	"github.com/welldanyogia/certbroker/internal/repository"
	"github.com/welldanyogia/certbroker/internal/validator"
)

// DelegationWarnThreshold is the number of consecutive failed checks after
// which a delegation is reported to its owner.
const DelegationWarnThreshold = 3

const delegationLabelLength = 32

// DelegationService manages CNAME delegations of customer validation names
// onto the platform's proxy zone.
type DelegationService struct {
	store     *repository.Store
	verifier  *DNSVerifier
	writer    DelegationWriter
	proxyZone string
	log       zerolog.Logger
}

// NewDelegationService creates a new DelegationService. writer may be nil,
// in which case token writes are skipped.
func NewDelegationService(store *repository.Store, verifier *DNSVerifier, writer DelegationWriter, proxyZone string, log zerolog.Logger) *DelegationService {
	return &DelegationService{
		store:     store,
		verifier:  verifier,
		writer:    writer,
		proxyZone: normalizeHost(proxyZone),
		log:       log.With().Str("component", "delegation").Logger(),
	}
}

// DelegationLabel derives the proxy label of (userID, zone, prefix).
func DelegationLabel(userID uint, zone, prefix string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d:%s.%s", userID, prefix, zone)))
	return hex.EncodeToString(sum[:])[:delegationLabelLength]
}

// CreateOrGet returns the delegation of (userID, zone, prefix), creating it
// on first use.
func (s *DelegationService) CreateOrGet(ctx context.Context, userID uint, zone, prefix string) (*models.CnameDelegation, error) {
	zone = normalizeHost(zone)
	if zone == "" {
		return nil, apperrors.New(apperrors.ErrInvalidInput, "delegation zone is required")
	}
	exact, ok := prefixExactZone(prefix)
	if !ok {
		return nil, apperrors.New(apperrors.ErrInvalidInput, "unknown delegation prefix %q", prefix)
	}
	if !exact && RegistrableDomain(zone) != zone {
		return nil, apperrors.New(apperrors.ErrDelegationZoneMismatch,
			"%s is validated at the registrable domain %s", prefix, RegistrableDomain(zone))
	}

	label := DelegationLabel(userID, zone, prefix)
	d, err := s.store.Delegations.CreateIfAbsent(ctx, &models.CnameDelegation{
		UserID: userID,
		Zone:   zone,
		Prefix: prefix,
		Label:  label,
		Target: label + "." + s.proxyZone,
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// CreateForDomain resolves the delegation zone of domain under ca and
// returns its delegation.
func (s *DelegationService) CreateForDomain(ctx context.Context, userID uint, ca models.CA, domain string) (*models.CnameDelegation, error) {
	profile, err := ProfileFor(ca)
	if err != nil {
		return nil, err
	}
	return s.CreateOrGet(ctx, userID, DelegationZone(profile, domain), profile.DelegationPrefix())
}

// FindValidDelegation looks up a valid delegation covering domain for
// prefix, matching the zone exactly or at the registrable root depending on
// the prefix.
func (s *DelegationService) FindValidDelegation(ctx context.Context, userID uint, domain, prefix string) (*models.CnameDelegation, error) {
	exact, ok := prefixExactZone(prefix)
	if !ok {
		return nil, apperrors.New(apperrors.ErrInvalidInput, "unknown delegation prefix %q", prefix)
	}
	zone := baseDomain(normalizeHost(domain))
	if !exact {
		zone = RegistrableDomain(zone)
	}
	return s.store.Delegations.FindValid(ctx, userID, zone, prefix)
}

// CheckAndUpdateValidity looks up the customer's CNAME and records the
// outcome. A failed check is not an error; the delegation stops being valid
// after DelegationWarnThreshold consecutive failures.
func (s *DelegationService) CheckAndUpdateValidity(ctx context.Context, d *models.CnameDelegation) (*models.CnameDelegation, error) {
	ok, checkErr := s.verifier.VerifyCNAME(ctx, d.Host(), d.Target)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}

	now := time.Now().UTC()
	d.LastCheckedAt = &now
	if ok {
		d.Valid = true
		d.FailCount = 0
		d.LastError = ""
		metrics.DelegationChecks.WithLabelValues("valid").Inc()
	} else {
		// Valid until DelegationWarnThreshold consecutive failures.
		d.FailCount++
		if d.FailCount >= DelegationWarnThreshold {
			d.Valid = false
		}
		d.LastError = validator.SanitizeString(errString(checkErr, "CNAME not found"), 500)
		metrics.DelegationChecks.WithLabelValues("invalid").Inc()
	}

	if err := s.store.Delegations.UpdateHealth(ctx, d); err != nil {
		return nil, err
	}

	s.log.Debug().
		Uint("delegation_id", d.ID).
		Str("host", d.Host()).
		Bool("valid", d.Valid).
		Int("fail_count", d.FailCount).
		Msg("delegation checked")
	return d, nil
}

// Check runs a live check of the delegation id on behalf of the caller in
// ctx.
func (s *DelegationService) Check(ctx context.Context, id uint) (*models.CnameDelegation, error) {
	d, err := s.store.Delegations.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !caller.FromContext(ctx).Owns(d.UserID) {
		return nil, apperrors.New(apperrors.ErrForbidden, "delegation %d belongs to another user", id)
	}
	return s.CheckAndUpdateValidity(ctx, d)
}

// CheckStale re-checks up to limit delegations, least recently checked first.
func (s *DelegationService) CheckStale(ctx context.Context, limit int) (int, error) {
	ds, err := s.store.Delegations.ListStale(ctx, limit)
	if err != nil {
		return 0, err
	}
	checked := 0
	for i := range ds {
		if _, err := s.CheckAndUpdateValidity(ctx, &ds[i]); err != nil {
			return checked, err
		}
		checked++
	}
	return checked, nil
}

// Warnings returns one actionable message per delegation of userID that has
// failed DelegationWarnThreshold or more consecutive checks.
func (s *DelegationService) Warnings(ctx context.Context, userID uint) ([]string, error) {
	ds, err := s.store.Delegations.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, d := range ds {
		if d.FailCount < DelegationWarnThreshold {
			continue
		}
		msg := fmt.Sprintf("CNAME %s must point to %s (%d consecutive failed checks)", d.Host(), d.Target, d.FailCount)
		if d.LastError != "" {
			msg += ": " + d.LastError
		}
		out = append(out, msg)
	}
	return out, nil
}

// WriteValidationTokens publishes the TXT tokens of delegated validation
// entries. Entries sharing a delegation are written together with one call
// per distinct token set. The returned slice carries the updated
// auto_txt_written flags.
func (s *DelegationService) WriteValidationTokens(ctx context.Context, validations []models.Validation) ([]models.Validation, error) {
	out := make([]models.Validation, len(validations))
	copy(out, validations)

	groups := make(map[uint][]int)
	var order []uint
	for i, v := range out {
		if !v.IsDelegate || v.DelegationID == 0 || v.Value == "" {
			continue
		}
		if _, seen := groups[v.DelegationID]; !seen {
			order = append(order, v.DelegationID)
		}
		groups[v.DelegationID] = append(groups[v.DelegationID], i)
	}
	if len(order) == 0 {
		return out, nil
	}
	if s.writer == nil {
		s.log.Warn().Int("delegations", len(order)).Msg("no delegation writer configured, skipping TXT writes")
		return out, nil
	}

	for _, id := range order {
		idx := groups[id]
		pending := false
		for _, i := range idx {
			if !out[i].AutoTxtWritten {
				pending = true
				break
			}
		}
		if !pending {
			continue
		}

		d, err := s.store.Delegations.GetByID(ctx, id)
		if err != nil {
			return out, err
		}
		if !d.Valid {
			continue
		}

		tokens := make([]string, 0, len(idx))
		seen := make(map[string]struct{}, len(idx))
		for _, i := range idx {
			if _, dup := seen[out[i].Value]; dup {
				continue
			}
			seen[out[i].Value] = struct{}{}
			tokens = append(tokens, out[i].Value)
		}
		sort.Strings(tokens)

		if _, err := s.writer.SetTxtByLabel(ctx, s.proxyZone, d.Label, tokens); err != nil {
			return out, apperrors.Upstream("set txt by label", err)
		}
		metrics.DelegationWrites.Inc()
		for _, i := range idx {
			out[i].AutoTxtWritten = true
		}

		s.log.Info().
			Uint("delegation_id", d.ID).
			Str("target", d.Target).
			Int("tokens", len(tokens)).
			Msg("delegation TXT written")
	}
	return out, nil
}

// prefixExactZone reports whether prefix requires an exact-zone delegation,
// and whether prefix is known at all.
func prefixExactZone(prefix string) (exact bool, ok bool) {
	switch prefix {
	case models.PrefixACMEChallenge, models.PrefixDNSAuth:
		return true, true
	case models.PrefixPKIValidation, models.PrefixCertum:
		return false, true
	default:
		return false, false
	}
}

func errString(err error, fallback string) string {
	if err == nil {
		return fallback
	}
	return err.Error()
}

