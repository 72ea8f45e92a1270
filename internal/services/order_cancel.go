package services

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/welldanyogia/certbroker/internal/caller"
	apperrors "github.com/welldanyogia/certbroker/internal/errors"
	"github.com/welldanyogia/certbroker/internal/models"
	"github.com/welldanyogia/certbroker/internal/repository"
)

// CancelResult describes what a cancellation did.
type CancelResult struct {
	OrderID      uint            `json:"order_id"`
	CertID       uint            `json:"cert_id"`
	Status       string          `json:"status"`
	Refunded     decimal.Decimal `json:"refunded"`
	OrderDeleted bool            `json:"order_deleted,omitempty"`
}

// Cancel cancels the latest certificate of orderID. Unpaid certificates
// are removed, pending ones refunded at once, and certificates already at
// the CA enter cancelling with a delayed cancel task.
func (s *OrderService) Cancel(ctx context.Context, orderID uint) (*CancelResult, error) {
	actor := caller.FromContext(ctx)
	result := &CancelResult{OrderID: orderID, Refunded: decimal.Zero}

	err := s.store.WithinTransaction(ctx, func(tx *repository.Store) error {
		order, cert, err := latestCert(ctx, tx, orderID, true)
		if err != nil {
			return err
		}
		if !actor.Owns(order.UserID) {
			return apperrors.New(apperrors.ErrForbidden, "order %d does not belong to caller", order.ID)
		}
		result.CertID = cert.ID

		switch cert.Status {
		case models.CertStatusUnpaid:
			if err := tx.Certs.Delete(ctx, cert.ID); err != nil {
				return err
			}
			result.Status = "deleted"
			if cert.LastCertID != nil {
				return tx.Orders.UpdateFields(ctx, order.ID, map[string]any{"latest_cert_id": *cert.LastCertID})
			}
			remaining, err := tx.Certs.CountByOrder(ctx, order.ID)
			if err != nil {
				return err
			}
			if remaining > 0 {
				return apperrors.New(apperrors.ErrInvalidStatus, "order %d has certificates but no prior link", order.ID)
			}
			result.OrderDeleted = true
			return tx.Orders.Delete(ctx, order.ID)

		case models.CertStatusPending:
			if _, err := s.tasks.DeleteTask(ctx, tx, []uint{order.ID}, []string{models.TaskCommit, models.TaskSync}); err != nil {
				return err
			}
			refunded, err := s.settleCancelled(ctx, tx, order, cert, []string{models.CertStatusPending})
			if err != nil {
				return err
			}
			result.Refunded = refunded
			result.Status = models.CertStatusCancelled
			return nil

		case models.CertStatusProcessing, models.CertStatusApproving, models.CertStatusActive:
			err := tx.Certs.UpdateFields(ctx, cert.ID, map[string]any{
				"previous_status": cert.Status,
				"status":          models.CertStatusCancelling,
			})
			if err != nil {
				return err
			}
			if _, err := s.tasks.CreateTask(ctx, tx, []uint{order.ID}, models.TaskCancel, MinCancelDelay); err != nil {
				return err
			}
			result.Status = models.CertStatusCancelling
			return nil

		default:
			return apperrors.New(apperrors.ErrInvalidStatus, "a %s certificate cannot be cancelled", cert.Status)
		}
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Uint("order_id", orderID).
		Uint("cert_id", result.CertID).
		Str("status", result.Status).
		Str("refunded", result.Refunded.StringFixed(2)).
		Msg("certificate cancelled")
	return result, nil
}

// BatchRevokeCancel aborts pending cancellations of orderIDs, restoring
// each certificate's status from before the cancel request. Orders that
// are not cancelling are skipped. It returns the orders restored.
func (s *OrderService) BatchRevokeCancel(ctx context.Context, orderIDs []uint) ([]uint, error) {
	actor := caller.FromContext(ctx)
	var restored []uint

	err := s.store.WithinTransaction(ctx, func(tx *repository.Store) error {
		for _, id := range orderIDs {
			order, cert, err := latestCert(ctx, tx, id, true)
			if err != nil {
				return err
			}
			if !actor.Owns(order.UserID) {
				return apperrors.New(apperrors.ErrForbidden, "order %d does not belong to caller", order.ID)
			}
			if cert.Status != models.CertStatusCancelling || cert.PreviousStatus == "" {
				continue
			}

			if _, err := s.tasks.DeleteTask(ctx, tx, []uint{order.ID}, []string{models.TaskCancel}); err != nil {
				return err
			}
			err = tx.Certs.UpdateFields(ctx, cert.ID, map[string]any{
				"status":          cert.PreviousStatus,
				"previous_status": "",
			})
			if err != nil {
				return err
			}
			restored = append(restored, order.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(restored) > 0 {
		s.log.Info().Interface("order_ids", restored).Msg("cancellation revoked")
	}
	return restored, nil
}

// FinalizeCancel completes a grace-period cancellation: the upstream order
// is cancelled or the issued certificate revoked, then the certificate is
// refunded and marked cancelled. A cancellation revoked in the meantime is
// left alone.
func (s *OrderService) FinalizeCancel(ctx context.Context, orderID uint) error {
	order, err := s.store.Orders.GetWithProduct(ctx, orderID)
	if err != nil {
		return err
	}
	if order.LatestCertID == nil {
		return nil
	}
	cert, err := s.store.Certs.GetByID(ctx, *order.LatestCertID)
	if err != nil {
		return err
	}
	if cert.Status != models.CertStatusCancelling {
		s.log.Info().Uint("order_id", orderID).Str("status", cert.Status).Msg("cancellation no longer pending")
		return nil
	}

	if err := s.cancelUpstream(ctx, order, cert); err != nil {
		return err
	}

	var refunded decimal.Decimal
	err = s.store.WithinTransaction(ctx, func(tx *repository.Store) error {
		locked, err := tx.Orders.LockByID(ctx, orderID)
		if err != nil {
			return err
		}
		if locked.LatestCertID == nil || *locked.LatestCertID != cert.ID {
			return nil
		}
		refunded, err = s.settleCancelled(ctx, tx, locked, cert, []string{models.CertStatusCancelling})
		return err
	})
	if err != nil {
		return err
	}

	s.log.Info().
		Uint("order_id", orderID).
		Uint("cert_id", cert.ID).
		Str("refunded", refunded.StringFixed(2)).
		Msg("cancellation finalized")
	return nil
}

// Revoke revokes the active certificate of orderID at the CA.
func (s *OrderService) Revoke(ctx context.Context, orderID uint, reason string) (*models.Cert, error) {
	actor := caller.FromContext(ctx)

	order, err := s.store.Orders.GetWithProduct(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !actor.Owns(order.UserID) {
		return nil, apperrors.New(apperrors.ErrForbidden, "order %d does not belong to caller", order.ID)
	}
	if order.LatestCertID == nil {
		return nil, apperrors.New(apperrors.ErrInvalidStatus, "order %d has no certificate", orderID)
	}
	cert, err := s.store.Certs.GetByID(ctx, *order.LatestCertID)
	if err != nil {
		return nil, err
	}
	if cert.Status != models.CertStatusActive || !cert.IsIssued() {
		return nil, apperrors.New(apperrors.ErrInvalidStatus, "only active certificates can be revoked, certificate is %s", cert.Status)
	}
	if order.Product == nil {
		return nil, apperrors.New(apperrors.ErrProductUnavailable, "product of order %d not found", order.ID)
	}

	client, err := s.clients.For(order.Product.CA)
	if err != nil {
		return nil, err
	}
	err = client.RevokeCertificate(ctx, RevokeRequest{
		Serial:         cert.Serial,
		CertificatePEM: cert.Certificate,
		Reason:         reason,
	})
	if err != nil {
		return nil, err
	}

	moved, err := s.store.Certs.UpdateStatus(ctx, cert.ID, []string{models.CertStatusActive}, models.CertStatusRevoked)
	if err != nil {
		return nil, err
	}
	if !moved {
		return nil, apperrors.New(apperrors.ErrInvalidStatus, "certificate %d changed while revoking", cert.ID)
	}
	cert.Status = models.CertStatusRevoked

	s.log.Info().
		Uint("order_id", orderID).
		Uint("cert_id", cert.ID).
		Str("serial", cert.Serial).
		Str("reason", reason).
		Msg("certificate revoked")
	return cert, nil
}

// cancelUpstream revokes an issued certificate or cancels the upstream
// order. CAs without the operation are treated as done.
func (s *OrderService) cancelUpstream(ctx context.Context, order *models.Order, cert *models.Cert) error {
	if order.Product == nil || (!cert.IsIssued() && cert.ApiID == "") {
		return nil
	}
	client, err := s.clients.For(order.Product.CA)
	if err != nil {
		return err
	}

	if cert.IsIssued() {
		err = client.RevokeCertificate(ctx, RevokeRequest{
			Serial:         cert.Serial,
			CertificatePEM: cert.Certificate,
			Reason:         "cessationOfOperation",
		})
	} else {
		err = client.CancelOrder(ctx, cert.ApiID)
	}
	if errors.Is(err, apperrors.ErrUnsupported) {
		s.log.Debug().Uint("cert_id", cert.ID).Str("ca", string(order.Product.CA)).Msg("upstream cancel not supported")
		return nil
	}
	return err
}

// settleCancelled refunds cert, marks it cancelled and either restores the
// prior certificate as latest or closes the order. It must run under the
// order lock.
func (s *OrderService) settleCancelled(ctx context.Context, tx *repository.Store, order *models.Order, cert *models.Cert, from []string) (decimal.Decimal, error) {
	moved, err := tx.Certs.UpdateStatus(ctx, cert.ID, from, models.CertStatusCancelled)
	if err != nil {
		return decimal.Zero, err
	}
	if !moved {
		return decimal.Zero, apperrors.New(apperrors.ErrInvalidStatus, "certificate %d changed while cancelling", cert.ID)
	}

	if _, err := s.ledger.Refund(ctx, tx, order.UserID, cert.ID, cert.Amount); err != nil {
		return decimal.Zero, err
	}

	fields := map[string]any{"amount": decimal.Max(order.Amount.Sub(cert.Amount), decimal.Zero)}
	if cert.LastCertID != nil {
		fields["latest_cert_id"] = *cert.LastCertID
	} else {
		fields["cancelled_at"] = s.now().UTC()
	}

	std, wc, err := paidCounts(ctx, tx, order.ID)
	if err != nil {
		return decimal.Zero, err
	}
	fields["purchased_standard"] = std
	fields["purchased_wildcard"] = wc

	if err := tx.Orders.UpdateFields(ctx, order.ID, fields); err != nil {
		return decimal.Zero, err
	}
	return cert.Amount, nil
}

// paidCounts returns the largest SAN counts among the order's paid
// certificates, which is what the order has purchased.
func paidCounts(ctx context.Context, tx *repository.Store, orderID uint) (standard, wildcard int, err error) {
	certs, err := tx.Certs.ListByOrder(ctx, orderID)
	if err != nil {
		return 0, 0, err
	}
	for _, c := range certs {
		if c.Status == models.CertStatusCancelled || c.Status == models.CertStatusUnpaid {
			continue
		}
		standard = max(standard, c.StandardCount)
		wildcard = max(wildcard, c.WildcardCount)
	}
	return standard, wildcard, nil
}
