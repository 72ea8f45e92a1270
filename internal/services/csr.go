package services

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/md5"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"strings"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"

	apperrors "github.com/welldanyogia/certbroker/internal/errors"
)

// ParsedCSR is a decoded certificate signing request.
type ParsedCSR struct {
	DER        []byte
	CommonName string
	// Domains lists the common name first, then the remaining SANs.
	Domains []string
	MD5     string
}

// ParseCSR decodes a PEM CSR and checks its self-signature.
func ParseCSR(csrPEM string) (*ParsedCSR, error) {
	csr, err := certcrypto.PemDecodeTox509CSR([]byte(strings.TrimSpace(csrPEM)))
	if err != nil {
		return nil, apperrors.New(apperrors.ErrInvalidCSR, "invalid CSR: %v", err)
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, apperrors.New(apperrors.ErrInvalidCSR, "CSR signature check failed: %v", err)
	}

	domains := certcrypto.ExtractDomainsCSR(csr)
	for _, ip := range csr.IPAddresses {
		domains = append(domains, ip.String())
	}

	sum := md5.Sum(csr.Raw)
	return &ParsedCSR{
		DER:        csr.Raw,
		CommonName: csr.Subject.CommonName,
		Domains:    domains,
		MD5:        hex.EncodeToString(sum[:]),
	}, nil
}

// GenerateCSR creates an RSA-2048 key and a CSR for commonName and sans.
// Both are returned PEM encoded.
func GenerateCSR(commonName string, sans []string) (csrPEM, keyPEM string, err error) {
	key, err := certcrypto.GeneratePrivateKey(certcrypto.RSA2048)
	if err != nil {
		return "", "", apperrors.Wrap(err, "failed to generate private key")
	}
	der, err := certcrypto.GenerateCSR(key, commonName, sans, false)
	if err != nil {
		return "", "", apperrors.Wrap(err, "failed to generate CSR")
	}
	csrPEM = string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der}))
	keyPEM = string(certcrypto.PEMEncode(key))
	return csrPEM, keyPEM, nil
}

// IssuanceMetadata is what the engine records about an issued certificate.
type IssuanceMetadata struct {
	Serial             string
	Fingerprint        string
	KeyAlgorithm       string
	KeyBits            int
	SignatureAlgorithm string
	NotBefore          time.Time
	NotAfter           time.Time
}

// ParseIssuedCertificate reads the leaf of a PEM bundle.
func ParseIssuedCertificate(bundlePEM string) (*IssuanceMetadata, error) {
	certs, err := certcrypto.ParsePEMBundle([]byte(bundlePEM))
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to parse issued certificate")
	}
	leaf := certs[0]

	fp := sha1.Sum(leaf.Raw)
	meta := &IssuanceMetadata{
		Serial:             strings.ToUpper(leaf.SerialNumber.Text(16)),
		Fingerprint:        strings.ToUpper(hex.EncodeToString(fp[:])),
		SignatureAlgorithm: leaf.SignatureAlgorithm.String(),
		NotBefore:          leaf.NotBefore.UTC(),
		NotAfter:           leaf.NotAfter.UTC(),
	}
	meta.KeyAlgorithm, meta.KeyBits = publicKeyInfo(leaf)
	return meta, nil
}

// SplitChain separates the leaf PEM from the rest of the bundle.
func SplitChain(bundlePEM string) (leaf, chain string) {
	rest := []byte(bundlePEM)
	var blocks []string
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		blocks = append(blocks, string(pem.EncodeToMemory(block)))
	}
	if len(blocks) == 0 {
		return bundlePEM, ""
	}
	return blocks[0], strings.Join(blocks[1:], "")
}

func publicKeyInfo(cert *x509.Certificate) (string, int) {
	switch pub := cert.PublicKey.(type) {
	case *rsa.PublicKey:
		return "RSA", pub.N.BitLen()
	case *ecdsa.PublicKey:
		return "ECDSA", pub.Curve.Params().BitSize
	case ed25519.PublicKey:
		return "Ed25519", 256
	default:
		return cert.PublicKeyAlgorithm.String(), 0
	}
}
