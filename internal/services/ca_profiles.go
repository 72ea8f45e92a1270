package services

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/weppos/publicsuffix-go/publicsuffix"

	apperrors "github.com/welldanyogia/certbroker/internal/errors"
	"github.com/welldanyogia/certbroker/internal/models"
	"github.com/welldanyogia/certbroker/internal/validator"
)

const (
	pkiValidationPath  = "/.well-known/pki-validation/"
	acmeChallengePath  = "/.well-known/acme-challenge/"
	sectigoCNAMESuffix = "sectigo.com"
)

// adminMailboxes are the local parts CAs accept for email validation.
var adminMailboxes = []string{"admin", "administrator", "hostmaster", "postmaster", "webmaster"}

// CAProfile captures everything that differs between certificate
// authorities during domain validation.
type CAProfile interface {
	CA() models.CA
	// DelegationPrefix is the label the CA queries for DNS validation.
	DelegationPrefix() string
	// ExactZone reports whether the delegation must sit on the validated
	// name itself rather than on its registrable root.
	ExactZone() bool
	Supports(method string) bool
	// BuildDCV derives the certificate-wide challenge descriptor.
	BuildDCV(method string, csrDER []byte, uniqueValue string) (models.DCV, error)
	// Expand produces the validation entry of one domain.
	Expand(dcv models.DCV, domain string) models.Validation
}

var caProfiles = map[models.CA]CAProfile{
	models.CASectigo: sectigoProfile{},
	models.CADigicert: genericProfile{
		ca:      models.CADigicert,
		prefix:  models.PrefixDNSAuth,
		exact:   true,
		methods: []string{models.MethodEmail, models.MethodTXT, models.MethodCNAME, models.MethodHTTP, models.MethodHTTPS, models.MethodFile},
		cname:   "dcv.digicert.com",
	},
	models.CACertum: genericProfile{
		ca:      models.CACertum,
		prefix:  models.PrefixCertum,
		methods: []string{models.MethodEmail, models.MethodTXT, models.MethodHTTP, models.MethodHTTPS, models.MethodFile},
	},
	models.CAACME: genericProfile{
		ca:      models.CAACME,
		prefix:  models.PrefixACMEChallenge,
		exact:   true,
		methods: []string{models.MethodTXT, models.MethodHTTP},
		acme:    true,
	},
}

// ProfileFor returns the validation profile of ca.
func ProfileFor(ca models.CA) (CAProfile, error) {
	p, ok := caProfiles[ca]
	if !ok {
		return nil, apperrors.New(apperrors.ErrUnsupported, "unknown certificate authority %q", ca)
	}
	return p, nil
}

// genericProfile covers CAs whose challenges only depend on the unique value.
type genericProfile struct {
	ca      models.CA
	prefix  string
	exact   bool
	methods []string
	cname   string
	acme    bool
}

func (p genericProfile) CA() models.CA            { return p.ca }
func (p genericProfile) DelegationPrefix() string { return p.prefix }
func (p genericProfile) ExactZone() bool          { return p.exact }

func (p genericProfile) Supports(method string) bool {
	for _, m := range p.methods {
		if m == method {
			return true
		}
	}
	return false
}

func (p genericProfile) BuildDCV(method string, _ []byte, uniqueValue string) (models.DCV, error) {
	dcv := models.DCV{Method: method, CA: p.ca}
	switch {
	case method == models.MethodEmail:
	case method == models.MethodTXT:
		// ACME tokens are per identifier and filled in from the authorizations.
		value := uniqueValue
		if p.acme {
			value = ""
		}
		dcv.DNS = &models.DNSChallenge{Host: p.prefix, Type: "TXT", Value: value}
	case method == models.MethodCNAME:
		dcv.DNS = &models.DNSChallenge{Host: uniqueValue, Type: "CNAME", Value: p.cname}
	case models.IsFileMethod(method):
		if p.acme {
			dcv.File = &models.FileChallenge{Path: acmeChallengePath}
			break
		}
		name := uniqueValue + ".txt"
		dcv.File = &models.FileChallenge{Name: name, Path: pkiValidationPath + name, Content: uniqueValue}
	default:
		return models.DCV{}, apperrors.New(apperrors.ErrDomainMethodInvalid, "method %q not supported by %s", method, p.ca)
	}
	return dcv, nil
}

func (p genericProfile) Expand(dcv models.DCV, domain string) models.Validation {
	return expand(p, dcv, domain)
}

// sectigoProfile derives cname and file challenges from the CSR digests so
// the same CSR always yields the same material.
type sectigoProfile struct{}

func (sectigoProfile) CA() models.CA            { return models.CASectigo }
func (sectigoProfile) DelegationPrefix() string { return models.PrefixPKIValidation }
func (sectigoProfile) ExactZone() bool          { return false }

func (sectigoProfile) Supports(method string) bool {
	switch method {
	case models.MethodEmail, models.MethodCNAME, models.MethodTXT, models.MethodHTTP, models.MethodHTTPS, models.MethodFile:
		return true
	}
	return false
}

func (p sectigoProfile) BuildDCV(method string, csrDER []byte, uniqueValue string) (models.DCV, error) {
	dcv := models.DCV{Method: method, CA: models.CASectigo}
	switch {
	case method == models.MethodEmail:
		return dcv, nil
	case method == models.MethodTXT:
		dcv.DNS = &models.DNSChallenge{Host: p.DelegationPrefix(), Type: "TXT", Value: uniqueValue}
		return dcv, nil
	}

	if len(csrDER) == 0 {
		return models.DCV{}, apperrors.New(apperrors.ErrInvalidCSR, "%s validation needs a CSR", method)
	}
	md5Sum := md5.Sum(csrDER)
	shaSum := sha256.Sum256(csrDER)
	md5Hex := strings.ToUpper(hex.EncodeToString(md5Sum[:]))
	shaHex := strings.ToUpper(hex.EncodeToString(shaSum[:]))

	switch {
	case method == models.MethodCNAME:
		value := strings.ToLower(shaHex[:32] + "." + shaHex[32:])
		if uniqueValue != "" {
			value += "." + uniqueValue
		}
		dcv.DNS = &models.DNSChallenge{
			Host:  "_" + md5Hex,
			Type:  "CNAME",
			Value: value + "." + sectigoCNAMESuffix,
		}
	case models.IsFileMethod(method):
		content := shaHex + "\n" + sectigoCNAMESuffix
		if uniqueValue != "" {
			content += "\n" + uniqueValue
		}
		name := md5Hex + ".txt"
		dcv.File = &models.FileChallenge{Name: name, Path: pkiValidationPath + name, Content: content}
	default:
		return models.DCV{}, apperrors.New(apperrors.ErrDomainMethodInvalid, "method %q not supported by sectigo", method)
	}
	return dcv, nil
}

func (p sectigoProfile) Expand(dcv models.DCV, domain string) models.Validation {
	return expand(p, dcv, domain)
}

func expand(p CAProfile, dcv models.DCV, domain string) models.Validation {
	v := models.Validation{Domain: domain, Method: dcv.Method}
	switch {
	case dcv.Method == models.MethodEmail:
		v.Emails = AdminEmails(domain)
		if len(v.Emails) > 0 {
			v.Email = v.Emails[0]
		}
	case dcv.Method == models.MethodTXT && dcv.DNS != nil:
		v.Host = dcv.DNS.Host + "." + DelegationZone(p, domain)
		v.Value = dcv.DNS.Value
	case dcv.Method == models.MethodCNAME && dcv.DNS != nil:
		v.Host = dcv.DNS.Host + "." + baseDomain(domain)
		v.Value = dcv.DNS.Value
	case dcv.File != nil:
		v.Link = fileLink(dcv.Method, domain, dcv.File.Path)
		v.Value = dcv.File.Content
	}
	return v
}

// DelegationZone returns the zone a delegation for domain lives in under
// profile p: the name itself or its registrable root.
func DelegationZone(p CAProfile, domain string) string {
	base := baseDomain(domain)
	if p.ExactZone() {
		return base
	}
	return RegistrableDomain(base)
}

// RegistrableDomain returns the public-suffix-plus-one root of name, or name
// itself when it cannot be determined.
func RegistrableDomain(name string) string {
	name = baseDomain(name)
	if validator.IsIP(name) {
		return name
	}
	root, err := publicsuffix.Domain(name)
	if err != nil || root == "" {
		return name
	}
	return root
}

// AdminEmails lists the administrative addresses accepted for email
// validation of domain, most specific name first.
func AdminEmails(domain string) []string {
	base := baseDomain(domain)
	if validator.IsIP(base) {
		return nil
	}
	root := RegistrableDomain(base)

	names := []string{base}
	for name := base; name != root && strings.Contains(name, "."); {
		name = name[strings.Index(name, ".")+1:]
		names = append(names, name)
		if name == root {
			break
		}
	}

	emails := make([]string, 0, len(names)*len(adminMailboxes))
	for _, n := range names {
		for _, box := range adminMailboxes {
			emails = append(emails, fmt.Sprintf("%s@%s", box, n))
		}
	}
	return emails
}

func baseDomain(domain string) string {
	return strings.TrimPrefix(domain, "*.")
}

func fileLink(method, domain, path string) string {
	scheme := "http"
	if method == models.MethodHTTPS {
		scheme = "https"
	}
	host := domain
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return scheme + "://" + host + path
}
