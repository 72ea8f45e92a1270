package services

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/welldanyogia/certbroker/internal/caller"
	"github.com/welldanyogia/certbroker/internal/database"
	"github.com/welldanyogia/certbroker/internal/models"
	"github.com/welldanyogia/certbroker/internal/repository"
)

const testProxyZone = "dcv.proxy.test"

// MockDNSResolver is a mock implementation of DNSResolver
type MockDNSResolver struct {
	mock.Mock
}

func (m *MockDNSResolver) LookupCNAME(ctx context.Context, host string) (string, error) {
	args := m.Called(ctx, host)
	return args.String(0), args.Error(1)
}

func (m *MockDNSResolver) LookupTXT(ctx context.Context, host string) ([]string, error) {
	args := m.Called(ctx, host)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

// MockDelegationWriter is a mock implementation of DelegationWriter
type MockDelegationWriter struct {
	mock.Mock
}

func (m *MockDelegationWriter) SetTxtByLabel(ctx context.Context, proxyZone, label string, tokens []string) (bool, error) {
	args := m.Called(ctx, proxyZone, label, tokens)
	return args.Bool(0), args.Error(1)
}

// MockCAClient is a mock implementation of CAClient
type MockCAClient struct {
	mock.Mock
}

func (m *MockCAClient) CreateOrder(ctx context.Context, accountRef string, domains []string, productCode string) (*UpstreamOrder, error) {
	args := m.Called(ctx, accountRef, domains, productCode)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*UpstreamOrder), args.Error(1)
}

func (m *MockCAClient) RespondToChallenge(ctx context.Context, challengeID string) (string, error) {
	args := m.Called(ctx, challengeID)
	return args.String(0), args.Error(1)
}

func (m *MockCAClient) FinalizeOrder(ctx context.Context, orderID string, csrDER []byte) error {
	args := m.Called(ctx, orderID, csrDER)
	return args.Error(0)
}

func (m *MockCAClient) GetCertificate(ctx context.Context, orderID string) (*IssuedCertificate, error) {
	args := m.Called(ctx, orderID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*IssuedCertificate), args.Error(1)
}

func (m *MockCAClient) ReissueOrder(ctx context.Context, orderID string, csrDER []byte) (string, error) {
	args := m.Called(ctx, orderID, csrDER)
	return args.String(0), args.Error(1)
}

func (m *MockCAClient) RevokeCertificate(ctx context.Context, req RevokeRequest) error {
	args := m.Called(ctx, req)
	return args.Error(0)
}

func (m *MockCAClient) CancelOrder(ctx context.Context, orderID string) error {
	args := m.Called(ctx, orderID)
	return args.Error(0)
}

// engine wires every service over one in-memory database with mocked
// DNS, DNS writer and CA.
type engine struct {
	db          *gorm.DB
	store       *repository.Store
	resolver    *MockDNSResolver
	writer      *MockDelegationWriter
	ca          *MockCAClient
	ledger      *Ledger
	delegations *DelegationService
	dcv         *DCVGenerator
	tasks       *TaskOrchestrator
	orders      *OrderService
	acme        *AcmeBridge
}

func newEngine(t *testing.T) *engine {
	t.Helper()

	db, err := database.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })

	log := zerolog.Nop()
	e := &engine{
		db:       db,
		store:    repository.NewStore(db),
		resolver: new(MockDNSResolver),
		writer:   new(MockDelegationWriter),
		ca:       new(MockCAClient),
	}
	verifier := NewDNSVerifierWithResolver(DNSVerifierConfig{MaxRetries: 0}, e.resolver)
	clients := CAClients{models.CASectigo: e.ca, models.CAACME: e.ca}

	e.delegations = NewDelegationService(e.store, verifier, e.writer, testProxyZone, log)
	e.dcv = NewDCVGenerator(e.delegations)
	e.ledger = NewLedger(e.store, log)
	e.tasks = NewTaskOrchestrator(log)
	e.orders = NewOrderService(e.store, e.ledger, e.dcv, e.delegations, e.tasks, clients, log)
	e.acme = NewAcmeBridge(e.store, e.ledger, e.delegations, e.orders, clients, log)
	return e
}

// createUser creates a user holding balance with the given credit limit.
func (e *engine) createUser(t *testing.T, email, balance, credit string) *models.User {
	t.Helper()
	ctx := context.Background()

	user := &models.User{Email: email, Credit: decimal.RequireFromString(credit)}
	require.NoError(t, e.store.Users.Create(ctx, user))
	if amount := decimal.RequireFromString(balance); amount.IsPositive() {
		_, err := e.ledger.Deposit(ctx, user.ID, "seed-"+email, amount)
		require.NoError(t, err)
	}
	return user
}

// createProduct creates an enabled Sectigo DV product; mutate adjusts it.
func (e *engine) createProduct(t *testing.T, mutate func(p *models.Product)) *models.Product {
	t.Helper()
	p := &models.Product{
		Code:           "positive-ssl",
		Name:           "PositiveSSL",
		Brand:          "sectigo",
		CA:             models.CASectigo,
		Type:           models.ProductTypeSSL,
		ValidationType: models.ValidationDV,
		StandardMin:    0,
		StandardMax:    5,
		WildcardMax:    2,
		AddSAN:         true,
		ReplaceSAN:     true,
		Renew:          true,
		Reissue:        true,
		Enabled:        true,
		PriceBase:      decimal.RequireFromString("10.00"),
		PriceStandard:  decimal.RequireFromString("5.00"),
		PriceWildcard:  decimal.RequireFromString("50.00"),
	}
	if mutate != nil {
		mutate(p)
	}
	require.NoError(t, e.store.Products.Create(context.Background(), p))
	return p
}

func (e *engine) balance(t *testing.T, userID uint) string {
	t.Helper()
	user, err := e.store.Users.GetByID(context.Background(), userID)
	require.NoError(t, err)
	return user.Balance.StringFixed(2)
}

func (e *engine) latest(t *testing.T, orderID uint) *models.Cert {
	t.Helper()
	order, err := e.store.Orders.GetByID(context.Background(), orderID)
	require.NoError(t, err)
	require.NotNil(t, order.LatestCertID)
	cert, err := e.store.Certs.GetByID(context.Background(), *order.LatestCertID)
	require.NoError(t, err)
	return cert
}

// applyAndCharge places and pays a new order for domains as userID.
func (e *engine) applyAndCharge(t *testing.T, userID, productID uint, domains ...string) *models.Cert {
	t.Helper()
	ctx := caller.User(context.Background(), userID)
	cert, err := e.orders.Apply(ctx, ActionParams{
		Action:    models.ActionNew,
		ProductID: productID,
		Domains:   domains,
		Method:    models.MethodTXT,
	})
	require.NoError(t, err)
	_, err = e.orders.Charge(ctx, cert.OrderID)
	require.NoError(t, err)
	return cert
}

func testCSR(t *testing.T, domains ...string) string {
	t.Helper()
	csrPEM, _, err := GenerateCSR(domains[0], domains)
	require.NoError(t, err)
	return csrPEM
}

// issueTestCert signs the key of csrPEM with a throwaway CA and returns the
// leaf and issuer PEMs.
func issueTestCert(t *testing.T, csrPEM string, notBefore, notAfter time.Time) (leafPEM, issuerPEM string) {
	t.Helper()

	block, _ := pem.Decode([]byte(csrPEM))
	require.NotNil(t, block)
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	require.NoError(t, err)

	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	caTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test Issuing CA"},
		NotBefore:             notBefore.Add(-time.Hour),
		NotAfter:              notAfter.Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, &caKey.PublicKey, caKey)
	require.NoError(t, err)
	caCert, err := x509.ParseCertificate(caDER)
	require.NoError(t, err)

	leafTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(0xC0FFEE),
		Subject:      pkix.Name{CommonName: csr.Subject.CommonName},
		DNSNames:     csr.DNSNames,
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTemplate, caCert, csr.PublicKey, caKey)
	require.NoError(t, err)

	leafPEM = string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: leafDER}))
	issuerPEM = string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: caDER}))
	return leafPEM, issuerPEM
}
