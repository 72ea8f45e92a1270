package logger

import (
	"time"

	"github.com/rs/zerolog"
)

// AuditLogger records financial, invariant and security events. It never
// writes credentials, EAB secrets or private keys.
type AuditLogger struct {
	logger zerolog.Logger
}

// NewAuditLogger creates an AuditLogger writing through log.
func NewAuditLogger(log zerolog.Logger) *AuditLogger {
	return &AuditLogger{logger: log.With().Str("channel", "audit").Logger()}
}

// TransactionRecorded logs a persisted ledger entry.
func (a *AuditLogger) TransactionRecorded(userID uint, txnType, reference, amount, balanceAfter string) {
	a.logger.Info().
		Str("event_type", "transaction_recorded").
		Uint("user_id", userID).
		Str("type", txnType).
		Str("reference", reference).
		Str("amount", amount).
		Str("balance_after", balanceAfter).
		Time("timestamp", time.Now().UTC()).
		Msg("ledger entry recorded")
}

// ChargeRejected logs a charge that was rolled back.
func (a *AuditLogger) ChargeRejected(orderID, userID uint, reason string) {
	a.logger.Warn().
		Str("event_type", "charge_rejected").
		Uint("order_id", orderID).
		Uint("user_id", userID).
		Str("reason", reason).
		Time("timestamp", time.Now().UTC()).
		Msg("charge rejected")
}

// EABIssued logs a new external account binding. The MAC key is not logged.
func (a *AuditLogger) EABIssued(orderID uint, email, kid string) {
	a.logger.Info().
		Str("event_type", "eab_issued").
		Uint("order_id", orderID).
		Str("email", email).
		Str("kid", kid).
		Time("timestamp", time.Now().UTC()).
		Msg("external account binding issued")
}

// AuthFailure logs a failed authentication attempt.
// Never logs the actual credentials.
func (a *AuditLogger) AuthFailure(ip, path, reason string) {
	a.logger.Warn().
		Str("event_type", "auth_failure").
		Str("ip", ip).
		Str("path", path).
		Str("reason", reason).
		Time("timestamp", time.Now().UTC()).
		Msg("authentication failure")
}

// RateLimitExceeded logs when a client exceeds rate limits.
func (a *AuditLogger) RateLimitExceeded(ip, path string) {
	a.logger.Warn().
		Str("event_type", "rate_limit").
		Str("ip", ip).
		Str("path", path).
		Time("timestamp", time.Now().UTC()).
		Msg("rate limit exceeded")
}

// Event logs a generic audit event, dropping sensitive keys.
func (a *AuditLogger) Event(eventType string, details map[string]string) {
	ev := a.logger.Info().Str("event_type", eventType).Time("timestamp", time.Now().UTC())
	for k, v := range details {
		if isSensitiveKey(k) {
			continue
		}
		ev = ev.Str(k, v)
	}
	ev.Msg("audit event")
}

// isSensitiveKey checks if a key might contain sensitive data.
func isSensitiveKey(key string) bool {
	sensitiveKeys := map[string]bool{
		"password":      true,
		"api_key":       true,
		"apikey":        true,
		"token":         true,
		"secret":        true,
		"authorization": true,
		"hmac":          true,
		"eab_hmac":      true,
		"private_key":   true,
		"credential":    true,
		"credentials":   true,
	}
	return sensitiveKeys[key]
}
