// Package validator provides input validation and normalization for
// certificate identifiers, contact data and request structs.
package validator

import (
	"errors"
	"fmt"
	"net"
	"net/mail"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"

	playground "github.com/go-playground/validator/v10"
	"golang.org/x/net/idna"
)

// Validation errors
var (
	ErrInvalidEmail    = errors.New("invalid email format")
	ErrInvalidDomain   = errors.New("invalid domain format")
	ErrInputTooLong    = errors.New("input exceeds maximum length")
	ErrEmptyInput      = errors.New("input cannot be empty")
	ErrInvalidWildcard = errors.New("wildcard must be the leftmost label")
	ErrNoDomains       = errors.New("no domains given")
)

// Domain regex: lowercase alphanumeric labels with inner hyphens, at least
// two labels, alphabetic or punycode top-level label.
var domainRegex = regexp.MustCompile(`^([a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?\.)+([a-z]{2,63}|xn--[a-z0-9-]{1,59})$`)

var idnaProfile = idna.New(idna.MapForLookup(), idna.Transitional(false), idna.StrictDomainName(false))

// ValidateEmail validates email address format according to RFC 5322.
func ValidateEmail(email string) error {
	email = strings.TrimSpace(strings.ToLower(email))

	if email == "" {
		return ErrEmptyInput
	}

	// RFC 5321 specifies max email length of 254 characters
	if utf8.RuneCountInString(email) > 254 {
		return ErrInputTooLong
	}

	if _, err := mail.ParseAddress(email); err != nil {
		return ErrInvalidEmail
	}

	return nil
}

// NormalizeDomain lowercases, trims and converts an identifier to its ASCII
// (punycode) form. IP addresses are returned in canonical form.
func NormalizeDomain(domain string) (string, error) {
	domain = strings.TrimSuffix(strings.TrimSpace(domain), ".")
	if domain == "" {
		return "", ErrEmptyInput
	}

	if ip := net.ParseIP(domain); ip != nil {
		return ip.String(), nil
	}

	wildcard := strings.HasPrefix(domain, "*.")
	base := strings.TrimPrefix(domain, "*.")

	ascii, err := idnaProfile.ToASCII(base)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidDomain, domain)
	}
	ascii = strings.ToLower(ascii)

	if wildcard {
		ascii = "*." + ascii
	}
	if err := ValidateDomain(ascii); err != nil {
		return "", err
	}
	return ascii, nil
}

// ValidateDomain validates an ASCII domain, wildcard domain or IP address.
func ValidateDomain(domain string) error {
	domain = strings.TrimSpace(strings.ToLower(domain))

	if domain == "" {
		return ErrEmptyInput
	}

	if net.ParseIP(domain) != nil {
		return nil
	}

	// RFC 1035 specifies max domain length of 253 characters
	if len(domain) > 253 {
		return ErrInputTooLong
	}

	base := strings.TrimPrefix(domain, "*.")
	if strings.Contains(base, "*") {
		return ErrInvalidWildcard
	}

	if !domainRegex.MatchString(base) {
		return ErrInvalidDomain
	}

	return nil
}

// NormalizeDomains normalizes every identifier and removes duplicates while
// keeping first-seen order.
func NormalizeDomains(domains []string) ([]string, error) {
	seen := make(map[string]struct{}, len(domains))
	out := make([]string, 0, len(domains))
	for _, d := range domains {
		if strings.TrimSpace(d) == "" {
			continue
		}
		n, err := NormalizeDomain(d)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", d, err)
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	if len(out) == 0 {
		return nil, ErrNoDomains
	}
	return out, nil
}

// IsWildcard reports whether domain is a wildcard identifier.
func IsWildcard(domain string) bool {
	return strings.HasPrefix(domain, "*.")
}

// IsIP reports whether identifier is a bare IP address.
func IsIP(identifier string) bool {
	return net.ParseIP(identifier) != nil
}

// Pagination constants
const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// ValidatePagination validates and sanitizes pagination parameters.
func ValidatePagination(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	if offset < 0 {
		offset = 0
	}

	return limit, offset
}

// SanitizeString removes control characters and enforces length limits.
func SanitizeString(input string, maxLength int) string {
	input = strings.Map(func(r rune) rune {
		if r < 32 || r == 127 {
			return -1
		}
		return r
	}, input)

	input = strings.TrimSpace(input)

	if maxLength > 0 && utf8.RuneCountInString(input) > maxLength {
		runes := []rune(input)
		input = string(runes[:maxLength])
	}

	return input
}

var (
	structValidator     *playground.Validate
	structValidatorOnce sync.Once
)

// Struct validates s using its `validate` struct tags.
func Struct(s any) error {
	structValidatorOnce.Do(func() {
		structValidator = playground.New(playground.WithRequiredStructEnabled())
	})
	return structValidator.Struct(s)
}

// FieldErrors flattens validation errors into "field: tag" messages.
func FieldErrors(err error) []string {
	var verrs playground.ValidationErrors
	if !errors.As(err, &verrs) {
		if err == nil {
			return nil
		}
		return []string{err.Error()}
	}
	out := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, fmt.Sprintf("%s: %s", fe.Field(), fe.Tag()))
	}
	return out
}
