package sso

import (
	"errors"
	"fmt"
	"strings"

	"github.com/platinummonkey/boxvault/pkg/auth"
)

// DefaultDNClaim is the claim consulted for a distinguished name when "sub" is absent
const DefaultDNClaim = "dn"

var errUnparseableDN = errors.New("distinguished name has no leading uid or cn attribute")

// profileFromClaims builds a profile from ID token (and userinfo) claims
func profileFromClaims(claims map[string]interface{}, dnClaim string) (*Profile, error) {
	subject, err := resolveSubject(claims, dnClaim)
	if err != nil {
		return nil, err
	}

	return &Profile{
		Subject:       subject,
		Email:         strings.TrimSpace(getStringValue(claims, "email")),
		EmailVerified: getBoolValue(claims, "email_verified"),
		Username:      getStringValue(claims, "preferred_username"),
		Name:          getStringValue(claims, "name"),
		Claims:        claims,
	}, nil
}

// resolveSubject returns "sub", or the uid/cn value leading the DN claim
func resolveSubject(claims map[string]interface{}, dnClaim string) (string, error) {
	if sub := strings.TrimSpace(getStringValue(claims, "sub")); sub != "" {
		return sub, nil
	}
	if dnClaim == "" {
		dnClaim = DefaultDNClaim
	}
	dn := getStringValue(claims, dnClaim)
	if dn == "" {
		return "", fmt.Errorf("%w: no sub or %s claim", auth.ErrSubjectResolutionFailed, dnClaim)
	}
	subject, err := ParseDNSubject(dn)
	if err != nil {
		return "", fmt.Errorf("%w: %v", auth.ErrSubjectResolutionFailed, err)
	}
	return subject, nil
}

// ParseDNSubject extracts the value of a leading uid= or cn= attribute, as in
// "uid=jdoe,ou=people,dc=example,dc=com".
func ParseDNSubject(dn string) (string, error) {
	first, _, _ := strings.Cut(dn, ",")
	key, value, ok := strings.Cut(first, "=")
	if !ok {
		return "", errUnparseableDN
	}
	switch strings.ToLower(strings.TrimSpace(key)) {
	case "uid", "cn":
		if v := strings.TrimSpace(value); v != "" {
			return v, nil
		}
	}
	return "", errUnparseableDN
}

func getStringValue(data map[string]interface{}, key string) string {
	if key == "" {
		return ""
	}
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}

// Some providers send email_verified as a string
func getBoolValue(data map[string]interface{}, key string) bool {
	switch v := data[key].(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(v, "true")
	}
	return false
}
