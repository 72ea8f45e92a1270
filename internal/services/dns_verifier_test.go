package services

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func testVerifierConfig() DNSVerifierConfig {
	return DNSVerifierConfig{
		MaxRetries:    0,
		RetryDelay:    time.Millisecond,
		LookupTimeout: time.Second,
	}
}

func TestVerifyCNAME_Success(t *testing.T) {
	mockResolver := new(MockDNSResolver)
	verifier := NewDNSVerifierWithResolver(testVerifierConfig(), mockResolver)

	mockResolver.On("LookupCNAME", mock.Anything, "_pki-validation.example.com").Return("abc.dcv.proxy.test", nil)

	verified, err := verifier.VerifyCNAME(context.Background(), "_pki-validation.example.com", "ABC.dcv.proxy.test.")

	assert.NoError(t, err)
	assert.True(t, verified)
	mockResolver.AssertExpectations(t)
}

func TestVerifyCNAME_Mismatch(t *testing.T) {
	mockResolver := new(MockDNSResolver)
	verifier := NewDNSVerifierWithResolver(testVerifierConfig(), mockResolver)

	mockResolver.On("LookupCNAME", mock.Anything, "_pki-validation.example.com").Return("other.proxy.test", nil)

	verified, err := verifier.VerifyCNAME(context.Background(), "_pki-validation.example.com", "abc.dcv.proxy.test")

	assert.Error(t, err)
	assert.False(t, verified)
	assert.Contains(t, err.Error(), "CNAME mismatch")
}

func TestVerifyCNAME_NoRecord(t *testing.T) {
	mockResolver := new(MockDNSResolver)
	verifier := NewDNSVerifierWithResolver(testVerifierConfig(), mockResolver)

	mockResolver.On("LookupCNAME", mock.Anything, "_pki-validation.example.com").Return("", ErrNoRecord)

	verified, err := verifier.VerifyCNAME(context.Background(), "_pki-validation.example.com", "abc.dcv.proxy.test")

	assert.ErrorIs(t, err, ErrNoRecord)
	assert.False(t, verified)
}

func TestVerifyCNAME_EmptyArguments(t *testing.T) {
	verifier := NewDNSVerifierWithResolver(testVerifierConfig(), new(MockDNSResolver))

	_, err := verifier.VerifyCNAME(context.Background(), "", "abc.dcv.proxy.test")
	assert.ErrorContains(t, err, "host cannot be empty")

	_, err = verifier.VerifyCNAME(context.Background(), "_pki-validation.example.com", "")
	assert.ErrorContains(t, err, "expected target cannot be empty")
}

func TestVerifyTXT_Success(t *testing.T) {
	mockResolver := new(MockDNSResolver)
	verifier := NewDNSVerifierWithResolver(testVerifierConfig(), mockResolver)

	mockResolver.On("LookupTXT", mock.Anything, "_acme-challenge.example.com").Return([]string{" tok-a", "tok-b", "unrelated"}, nil)

	verified, err := verifier.VerifyTXT(context.Background(), "_acme-challenge.example.com", []string{"tok-a", "tok-b"})

	assert.NoError(t, err)
	assert.True(t, verified)
}

func TestVerifyTXT_MissingToken(t *testing.T) {
	mockResolver := new(MockDNSResolver)
	verifier := NewDNSVerifierWithResolver(testVerifierConfig(), mockResolver)

	mockResolver.On("LookupTXT", mock.Anything, "_acme-challenge.example.com").Return([]string{"tok-a"}, nil)

	verified, err := verifier.VerifyTXT(context.Background(), "_acme-challenge.example.com", []string{"tok-a", "tok-b"})

	assert.False(t, verified)
	assert.ErrorContains(t, err, `"tok-b" missing`)
}

func TestVerifyTXT_EmptyHost(t *testing.T) {
	verifier := NewDNSVerifierWithResolver(testVerifierConfig(), new(MockDNSResolver))

	_, err := verifier.VerifyTXT(context.Background(), "", []string{"tok"})

	assert.ErrorContains(t, err, "host cannot be empty")
}

func TestVerifyWithRetry_SuccessOnRetry(t *testing.T) {
	mockResolver := new(MockDNSResolver)
	config := testVerifierConfig()
	config.MaxRetries = 2
	verifier := NewDNSVerifierWithResolver(config, mockResolver)

	mockResolver.On("LookupCNAME", mock.Anything, "_dnsauth.example.com").Return("", errors.New("i/o timeout")).Once()
	mockResolver.On("LookupCNAME", mock.Anything, "_dnsauth.example.com").Return("abc.dcv.proxy.test", nil).Once()

	verified, err := verifier.VerifyCNAME(context.Background(), "_dnsauth.example.com", "abc.dcv.proxy.test")

	assert.NoError(t, err)
	assert.True(t, verified)
	mockResolver.AssertNumberOfCalls(t, "LookupCNAME", 2)
}

func TestVerifyWithRetry_ContextCancellation(t *testing.T) {
	mockResolver := new(MockDNSResolver)
	config := testVerifierConfig()
	config.MaxRetries = 5
	config.RetryDelay = time.Second
	verifier := NewDNSVerifierWithResolver(config, mockResolver)

	ctx, cancel := context.WithCancel(context.Background())
	mockResolver.On("LookupCNAME", mock.Anything, "_dnsauth.example.com").
		Return("", ErrNoRecord).
		Run(func(mock.Arguments) { cancel() }).
		Once()

	verified, err := verifier.VerifyCNAME(ctx, "_dnsauth.example.com", "abc.dcv.proxy.test")

	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, verified)
}

func TestDefaultDNSVerifierConfig(t *testing.T) {
	config := DefaultDNSVerifierConfig()

	assert.Equal(t, "8.8.8.8:53", config.ResolverAddr)
	assert.Equal(t, 2, config.MaxRetries)
	assert.Equal(t, 2*time.Second, config.RetryDelay)
	assert.Equal(t, 5*time.Second, config.LookupTimeout)
}

// startDNSServer serves a fixed zone on a loopback UDP port.
func startDNSServer(t *testing.T) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	handler := dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		q := r.Question[0]
		switch {
		case q.Qtype == dns.TypeCNAME && q.Name == "_pki-validation.example.com.":
			m.Answer = append(m.Answer, &dns.CNAME{
				Hdr:    dns.RR_Header{Name: q.Name, Rrtype: dns.TypeCNAME, Class: dns.ClassINET, Ttl: 60},
				Target: "ABC.dcv.proxy.test.",
			})
		case q.Qtype == dns.TypeTXT && q.Name == "_acme-challenge.example.com.":
			m.Answer = append(m.Answer, &dns.TXT{
				Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: 60},
				Txt: []string{"first-half", "-second-half"},
			})
		case q.Name == "servfail.example.com.":
			m.Rcode = dns.RcodeServerFailure
		case q.Name == "_pki-validation.empty.com.":
		default:
			m.Rcode = dns.RcodeNameError
		}
		_ = w.WriteMsg(m)
	})

	started := make(chan struct{})
	server := &dns.Server{PacketConn: pc, Handler: handler, NotifyStartedFunc: func() { close(started) }}
	go func() { _ = server.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = server.Shutdown() })

	return pc.LocalAddr().String()
}

func TestDNSResolver_LookupCNAME(t *testing.T) {
	resolver := NewDNSResolver(startDNSServer(t), time.Second)
	ctx := context.Background()

	target, err := resolver.LookupCNAME(ctx, "_pki-validation.example.com")
	require.NoError(t, err)
	assert.Equal(t, "abc.dcv.proxy.test", target)

	_, err = resolver.LookupCNAME(ctx, "_pki-validation.missing.com")
	assert.ErrorIs(t, err, ErrNoRecord)

	_, err = resolver.LookupCNAME(ctx, "_pki-validation.empty.com")
	assert.ErrorIs(t, err, ErrNoRecord)

	_, err = resolver.LookupCNAME(ctx, "servfail.example.com")
	assert.ErrorContains(t, err, "SERVFAIL")
}

func TestDNSResolver_LookupTXTJoinsStrings(t *testing.T) {
	resolver := NewDNSResolver(startDNSServer(t), time.Second)

	records, err := resolver.LookupTXT(context.Background(), "_acme-challenge.example.com")

	require.NoError(t, err)
	assert.Equal(t, []string{"first-half-second-half"}, records)
}

func TestDNSVerifier_AgainstServer(t *testing.T) {
	config := testVerifierConfig()
	verifier := NewDNSVerifierWithResolver(config, NewDNSResolver(startDNSServer(t), time.Second))

	verified, err := verifier.VerifyCNAME(context.Background(), "_pki-validation.example.com", "abc.dcv.proxy.test")

	assert.NoError(t, err)
	assert.True(t, verified)
}
