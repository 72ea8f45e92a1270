package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestNew_AddsServiceFieldsAndLevel(t *testing.T) {
	var buf bytes.Buffer
	log := New(Options{ServiceName: "certbroker", Env: "test", Level: "warn", Output: &buf})

	log.Info().Msg("hidden")
	assert.Zero(t, buf.Len())

	log.Warn().Msg("shown")
	entry := decode(t, &buf)
	assert.Equal(t, "certbroker", entry["service"])
	assert.Equal(t, "test", entry["env"])
	assert.Equal(t, "shown", entry["message"])
}

func TestNew_UnknownLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	log := New(Options{Level: "loud", Output: &buf})

	log.Debug().Msg("hidden")
	assert.Zero(t, buf.Len())
	log.Info().Msg("shown")
	assert.NotZero(t, buf.Len())
}

func TestAuditLogger_TransactionRecorded_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	audit := NewAuditLogger(New(Options{Output: &buf}))

	audit.TransactionRecorded(7, "deposit", "pay-1", "10.00", "25.50")

	entry := decode(t, &buf)
	assert.Equal(t, "transaction_recorded", entry["event_type"])
	assert.Equal(t, "audit", entry["channel"])
	assert.Equal(t, float64(7), entry["user_id"])
	assert.Equal(t, "pay-1", entry["reference"])
	assert.Equal(t, "25.50", entry["balance_after"])
	assert.Contains(t, entry, "timestamp")
}

func TestAuditLogger_Event_FiltersSensitiveKeys(t *testing.T) {
	var buf bytes.Buffer
	audit := NewAuditLogger(New(Options{Output: &buf}))

	audit.Event("acme_bind", map[string]string{
		"kid":      "2abc",
		"eab_hmac": "super-secret",
		"token":    "t",
	})

	entry := decode(t, &buf)
	assert.Equal(t, "2abc", entry["kid"])
	assert.NotContains(t, entry, "eab_hmac")
	assert.NotContains(t, entry, "token")
}

func TestAuditLogger_AuthFailure_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	audit := NewAuditLogger(New(Options{Output: &buf}))

	audit.AuthFailure("192.168.1.1", "/api/orders", "invalid_key")

	entry := decode(t, &buf)
	assert.Equal(t, "auth_failure", entry["event_type"])
	assert.Equal(t, "192.168.1.1", entry["ip"])
	assert.Equal(t, "invalid_key", entry["reason"])
}
