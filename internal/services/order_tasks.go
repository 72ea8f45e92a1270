package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"

	"github.com/welldanyogia/certbroker/internal/caller"
	apperrors "github.com/welldanyogia/certbroker/internal/errors"
	"github.com/welldanyogia/certbroker/internal/models"
	"github.com/welldanyogia/certbroker/internal/repository"
)

// Commit submits the latest certificate of orderID to its CA. It is the
// handler of commit tasks and safe to run again after a partial failure:
// the upstream id is persisted as soon as it is known.
func (s *OrderService) Commit(ctx context.Context, orderID uint) error {
	order, err := s.store.Orders.GetWithProduct(ctx, orderID)
	if err != nil {
		return err
	}
	if order.LatestCertID == nil || order.Product == nil {
		return apperrors.New(apperrors.ErrInvalidStatus, "order %d has nothing to submit", orderID)
	}
	cert, err := s.store.Certs.GetByID(ctx, *order.LatestCertID)
	if err != nil {
		return err
	}
	if cert.Channel == models.ChannelACME {
		return nil
	}
	if cert.Status != models.CertStatusPending && cert.Status != models.CertStatusProcessing {
		s.log.Info().Uint("order_id", orderID).Str("status", cert.Status).Msg("commit skipped")
		return nil
	}

	client, err := s.clients.For(order.Product.CA)
	if err != nil {
		return err
	}
	parsed, err := ParseCSR(cert.CSR)
	if err != nil {
		return err
	}

	if cert.ApiID == "" {
		if err := s.submit(ctx, client, order, cert, parsed.DER); err != nil {
			return err
		}
	}

	validations, err := s.delegations.WriteValidationTokens(ctx, cert.Validation)
	if err != nil {
		s.log.Warn().Err(err).Uint("cert_id", cert.ID).Msg("delegated TXT write failed")
	}
	if err := s.saveValidation(ctx, cert, validations); err != nil {
		return err
	}
	if err := s.respondReady(ctx, client, cert); err != nil {
		return err
	}

	if err := client.FinalizeOrder(ctx, cert.ApiID, parsed.DER); err != nil {
		return err
	}

	return s.store.WithinTransaction(ctx, func(tx *repository.Store) error {
		if _, err := tx.Certs.UpdateStatus(ctx, cert.ID, []string{models.CertStatusPending}, models.CertStatusProcessing); err != nil {
			return err
		}
		_, err := s.tasks.CreateTask(ctx, tx, []uint{orderID}, models.TaskSync, s.syncDelay)
		return err
	})
}

// submit places the upstream order, or the reissue of the prior one, and
// stores the upstream id together with any authorizations returned.
func (s *OrderService) submit(ctx context.Context, client CAClient, order *models.Order, cert *models.Cert, csrDER []byte) error {
	var upstream *UpstreamOrder

	if cert.Action == models.ActionReissue && cert.LastCertID != nil {
		prior, err := s.store.Certs.GetByID(ctx, *cert.LastCertID)
		if err != nil {
			return err
		}
		if prior.ApiID != "" {
			id, err := client.ReissueOrder(ctx, prior.ApiID, csrDER)
			switch {
			case err == nil:
				upstream = &UpstreamOrder{ID: id}
			case !errors.Is(err, apperrors.ErrUnsupported):
				return err
			}
		}
	}
	if upstream == nil {
		var err error
		upstream, err = client.CreateOrder(ctx, fmt.Sprintf("user:%d", order.UserID), cert.Domains(), order.Product.Code)
		if err != nil {
			return err
		}
	}

	cert.ApiID = upstream.ID
	authzs := authorizationsFor(cert.ID, upstream.Authorizations, preferredChallenge(cert.DCV.Data().Method))
	cert.Validation = datatypes.NewJSONSlice(applyChallenges(cert.Validation, authzs))

	err := s.store.WithinTransaction(ctx, func(tx *repository.Store) error {
		err := tx.Certs.UpdateFields(ctx, cert.ID, map[string]any{
			"api_id":     cert.ApiID,
			"validation": cert.Validation,
		})
		if err != nil {
			return err
		}
		if len(authzs) == 0 {
			return nil
		}
		return tx.Authorizations.CreateBatch(ctx, authzs)
	})
	if err != nil {
		return err
	}

	s.log.Info().
		Uint("order_id", order.ID).
		Uint("cert_id", cert.ID).
		Int("authorizations", len(authzs)).
		Msg("certificate submitted")
	return nil
}

// Sync polls the CA for the issued certificate of orderID. While the CA is
// still validating the certificate moves to approving and ErrNotIssued is
// returned so the task is retried.
func (s *OrderService) Sync(ctx context.Context, orderID uint) error {
	order, err := s.store.Orders.GetWithProduct(ctx, orderID)
	if err != nil {
		return err
	}
	if order.LatestCertID == nil || order.Product == nil {
		return apperrors.New(apperrors.ErrInvalidStatus, "order %d has nothing to sync", orderID)
	}
	cert, err := s.store.Certs.GetByID(ctx, *order.LatestCertID)
	if err != nil {
		return err
	}
	if cert.Status != models.CertStatusProcessing && cert.Status != models.CertStatusApproving {
		return nil
	}

	client, err := s.clients.For(order.Product.CA)
	if err != nil {
		return err
	}
	issued, err := client.GetCertificate(ctx, cert.ApiID)
	if errors.Is(err, apperrors.ErrNotIssued) {
		if _, uerr := s.store.Certs.UpdateStatus(ctx, cert.ID, []string{models.CertStatusProcessing}, models.CertStatusApproving); uerr != nil {
			return uerr
		}
		return err
	}
	if err != nil {
		return err
	}

	if err := s.storeIssued(ctx, order, cert, issued); err != nil {
		return err
	}
	s.log.Info().
		Uint("order_id", orderID).
		Uint("cert_id", cert.ID).
		Str("serial", cert.Serial).
		Msg("certificate issued")
	return nil
}

// storeIssued records the issued certificate and its metadata, activates
// it and moves the order's validity window.
func (s *OrderService) storeIssued(ctx context.Context, order *models.Order, cert *models.Cert, issued *IssuedCertificate) error {
	leaf, chain := SplitChain(issued.Certificate)
	if issued.Chain != "" {
		chain = issued.Chain
	}
	meta, err := ParseIssuedCertificate(leaf)
	if err != nil {
		return err
	}

	validations := make([]models.Validation, len(cert.Validation))
	for i, v := range cert.Validation {
		v.Verified = true
		validations[i] = v
	}

	cert.Certificate = leaf
	cert.Chain = chain
	cert.Serial = meta.Serial

	return s.store.WithinTransaction(ctx, func(tx *repository.Store) error {
		locked, err := tx.Orders.LockByID(ctx, order.ID)
		if err != nil {
			return err
		}
		moved, err := tx.Certs.UpdateStatus(ctx, cert.ID,
			[]string{models.CertStatusProcessing, models.CertStatusApproving}, models.CertStatusActive)
		if err != nil {
			return err
		}
		if !moved {
			return apperrors.New(apperrors.ErrInvalidStatus, "certificate %d changed while issuing", cert.ID)
		}

		err = tx.Certs.UpdateFields(ctx, cert.ID, map[string]any{
			"certificate":         leaf,
			"chain":               chain,
			"serial":              meta.Serial,
			"fingerprint":         meta.Fingerprint,
			"key_algorithm":       meta.KeyAlgorithm,
			"key_bits":            meta.KeyBits,
			"signature_algorithm": meta.SignatureAlgorithm,
			"issued_at":           meta.NotBefore,
			"expires_at":          meta.NotAfter,
			"validation":          datatypes.NewJSONSlice(validations),
		})
		if err != nil {
			return err
		}

		from, till := validityWindow(locked, cert, meta.NotBefore)
		return tx.Orders.UpdateFields(ctx, order.ID, map[string]any{
			"period_from": from,
			"period_till": till,
		})
	})
}

// validityWindow computes the order's subscription window after cert is
// issued at issuedAt. Renewals extend the current window; reissues and
// ACME issuances keep it.
func validityWindow(order *models.Order, cert *models.Cert, issuedAt time.Time) (time.Time, time.Time) {
	hasWindow := order.PeriodFrom != nil && order.PeriodTill != nil
	switch {
	case hasWindow && (cert.Action == models.ActionReissue || cert.Channel == models.ChannelACME):
		return *order.PeriodFrom, *order.PeriodTill
	case hasWindow && cert.Action == models.ActionRenew:
		start := *order.PeriodTill
		if issuedAt.After(start) {
			start = issuedAt
		}
		return *order.PeriodFrom, start.AddDate(0, order.Period, 0)
	default:
		return issuedAt, issuedAt.AddDate(0, order.Period, 0)
	}
}

// Revalidate re-checks the delegations of the latest certificate, writes
// any delegated tokens not yet written and tells the CA about challenges
// that are now ready.
func (s *OrderService) Revalidate(ctx context.Context, orderID uint) error {
	order, err := s.store.Orders.GetWithProduct(ctx, orderID)
	if err != nil {
		return err
	}
	if order.LatestCertID == nil || order.Product == nil {
		return nil
	}
	cert, err := s.store.Certs.GetByID(ctx, *order.LatestCertID)
	if err != nil {
		return err
	}
	switch cert.Status {
	case models.CertStatusPending, models.CertStatusProcessing, models.CertStatusApproving:
	default:
		return nil
	}

	validations := make([]models.Validation, len(cert.Validation))
	copy(validations, cert.Validation)
	checked := make(map[uint]bool)
	for i, v := range validations {
		if !v.IsDelegate || v.DelegationID == 0 {
			continue
		}
		valid, seen := checked[v.DelegationID]
		if !seen {
			d, err := s.store.Delegations.GetByID(ctx, v.DelegationID)
			if err != nil {
				return err
			}
			if d, err = s.delegations.CheckAndUpdateValidity(ctx, d); err != nil {
				return err
			}
			valid = d.Valid
			checked[v.DelegationID] = valid
		}
		validations[i].DelegationValid = valid
	}

	written, werr := s.delegations.WriteValidationTokens(ctx, validations)
	if err := s.saveValidation(ctx, cert, written); err != nil {
		return err
	}
	if werr != nil {
		return werr
	}

	if cert.ApiID == "" {
		return nil
	}
	client, err := s.clients.For(order.Product.CA)
	if err != nil {
		return err
	}
	return s.respondReady(ctx, client, cert)
}

// UpdateDCV switches the validation method of the latest certificate of
// orderID. The unique value is kept so issued tokens stay stable.
func (s *OrderService) UpdateDCV(ctx context.Context, orderID uint, method string) (*models.Cert, error) {
	actor := caller.FromContext(ctx)

	order, err := s.store.Orders.GetWithProduct(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !actor.Owns(order.UserID) {
		return nil, apperrors.New(apperrors.ErrForbidden, "order %d does not belong to caller", order.ID)
	}
	if order.LatestCertID == nil || order.Product == nil {
		return nil, apperrors.New(apperrors.ErrInvalidStatus, "order %d has no certificate", orderID)
	}
	cert, err := s.store.Certs.GetByID(ctx, *order.LatestCertID)
	if err != nil {
		return nil, err
	}

	domains := cert.Domains()
	for _, d := range domains {
		if err := CheckDomainMethod(d, method); err != nil {
			return nil, err
		}
	}
	switch cert.Status {
	case models.CertStatusUnpaid, models.CertStatusPending, models.CertStatusProcessing, models.CertStatusApproving:
	default:
		return nil, apperrors.New(apperrors.ErrInvalidStatus, "validation of a %s certificate cannot change", cert.Status)
	}
	if cert.Channel == models.ChannelACME {
		return nil, apperrors.New(apperrors.ErrInvalidStatus, "ACME certificates are validated through their authorizations")
	}

	dcv, err := s.dcv.GenerateDCV(order.Product.CA, method, cert.CSR, cert.UniqueValue)
	if err != nil {
		return nil, err
	}
	validations, err := s.dcv.GenerateValidation(ctx, dcv, domains, order.UserID)
	if err != nil {
		return nil, err
	}
	if cert.ApiID != "" {
		authzs, err := s.store.Authorizations.ListByCert(ctx, cert.ID)
		if err != nil {
			return nil, err
		}
		validations = applyChallenges(validations, authzs)
	}

	if cert.Status != models.CertStatusUnpaid {
		written, err := s.delegations.WriteValidationTokens(ctx, validations)
		if err != nil {
			s.log.Warn().Err(err).Uint("cert_id", cert.ID).Msg("delegated TXT write failed")
		}
		validations = written
	}

	cert.DCV = datatypes.NewJSONType(dcv)
	cert.Validation = datatypes.NewJSONSlice(validations)
	err = s.store.WithinTransaction(ctx, func(tx *repository.Store) error {
		err := tx.Certs.UpdateFields(ctx, cert.ID, map[string]any{
			"dcv":        cert.DCV,
			"validation": cert.Validation,
		})
		if err != nil {
			return err
		}
		if cert.ApiID == "" {
			return nil
		}
		_, err = s.tasks.CreateTask(ctx, tx, []uint{order.ID}, models.TaskRevalidate, 0)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().Uint("order_id", orderID).Str("method", method).Msg("validation method updated")
	return cert, nil
}

// ExpireDue moves up to limit active certificates past their expiry to
// expired.
func (s *OrderService) ExpireDue(ctx context.Context, now time.Time, limit int) (int, error) {
	certs, err := s.store.Certs.ListExpired(ctx, now, limit)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, c := range certs {
		moved, err := s.store.Certs.UpdateStatus(ctx, c.ID, []string{models.CertStatusActive}, models.CertStatusExpired)
		if err != nil {
			return expired, err
		}
		if moved {
			expired++
		}
	}
	if expired > 0 {
		s.log.Info().Int("expired", expired).Msg("certificates expired")
	}
	return expired, nil
}

func (s *OrderService) saveValidation(ctx context.Context, cert *models.Cert, validations []models.Validation) error {
	cert.Validation = datatypes.NewJSONSlice(validations)
	return s.store.Certs.UpdateFields(ctx, cert.ID, map[string]any{"validation": cert.Validation})
}

// respondReady answers the pending upstream challenges whose delegated
// token has been published.
func (s *OrderService) respondReady(ctx context.Context, client CAClient, cert *models.Cert) error {
	authzs, err := s.store.Authorizations.ListByCert(ctx, cert.ID)
	if err != nil || len(authzs) == 0 {
		return err
	}
	ready := make(map[string]bool)
	for _, v := range cert.Validation {
		if v.IsDelegate && v.AutoTxtWritten {
			ready[v.Domain] = true
		}
	}

	for _, a := range authzs {
		if a.Status != models.AcmeStatusPending || a.AcmeChallengeID == "" || !ready[a.Identifier] {
			continue
		}
		status, err := client.RespondToChallenge(ctx, a.AcmeChallengeID)
		if err != nil {
			return err
		}
		if err := s.store.Authorizations.UpdateFields(ctx, a.ID, map[string]any{"status": authorizationStatus(status)}); err != nil {
			return err
		}
	}
	return nil
}

// preferredChallenge maps a validation method onto an ACME challenge type.
func preferredChallenge(method string) string {
	if models.IsFileMethod(method) {
		return "http-01"
	}
	return "dns-01"
}

// authorizationsFor builds local authorization rows of certID from the
// upstream's, keeping the challenge of type challengeType.
func authorizationsFor(certID uint, upstream []UpstreamAuthorization, challengeType string) []models.Authorization {
	out := make([]models.Authorization, 0, len(upstream))
	for _, ua := range upstream {
		a := models.Authorization{
			CertID:     certID,
			Identifier: ua.Identifier,
			Wildcard:   ua.Wildcard,
			Status:     authorizationStatus(ua.Status),
			ExpiresAt:  ua.Expires,
		}
		if ch, ok := ua.Challenge(challengeType); ok {
			a.ChallengeType = ch.Type
			a.Token = ch.Token
			a.KeyAuthorization = ch.KeyAuthorization
			a.AcmeChallengeID = ch.ID
		}
		out = append(out, a)
	}
	return out
}

// applyChallenges fills the validation entries of an ACME-validated
// certificate with the values the CA expects.
func applyChallenges(validations []models.Validation, authzs []models.Authorization) []models.Validation {
	if len(authzs) == 0 {
		return validations
	}
	byIdentifier := make(map[string]models.Authorization, len(authzs))
	for _, a := range authzs {
		byIdentifier[a.Identifier] = a
	}

	out := make([]models.Validation, len(validations))
	for i, v := range validations {
		a, ok := byIdentifier[v.Domain]
		if ok && a.KeyAuthorization != "" {
			if v.Value != a.KeyAuthorization {
				v.AutoTxtWritten = false
			}
			v.Value = a.KeyAuthorization
			if a.ChallengeType == "http-01" {
				v.Link = fileLink(v.Method, v.Domain, acmeChallengePath+a.Token)
			}
		}
		out[i] = v
	}
	return out
}

func authorizationStatus(status string) string {
	switch status {
	case models.AcmeStatusValid, models.AcmeStatusInvalid, models.AcmeStatusDeactivated:
		return status
	case "expired", "revoked":
		return models.AcmeStatusInvalid
	default:
		return models.AcmeStatusPending
	}
}
