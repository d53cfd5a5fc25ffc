package sso

import (
	"encoding/json"
	"sort"
	"strings"
)

// DomainMap maps organization names to the email domains that belong to them
type DomainMap map[string][]string

// ParseDomainMap decodes a JSON object of organization name to domain list.
// Malformed input yields an empty map, and entries whose value is not an
// array of strings are ignored.
func ParseDomainMap(raw string) DomainMap {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return DomainMap{}
	}

	var entries map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return DomainMap{}
	}

	m := make(DomainMap, len(entries))
	for org, value := range entries {
		var domains []string
		if err := json.Unmarshal(value, &domains); err != nil || domains == nil {
			continue
		}
		m[org] = domains
	}
	return m
}

// Lookup returns the organization a domain is mapped to. When several
// organizations list the domain the alphabetically first wins.
func (m DomainMap) Lookup(domain string) (string, bool) {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return "", false
	}

	orgs := make([]string, 0, len(m))
	for org := range m {
		orgs = append(orgs, org)
	}
	sort.Strings(orgs)

	for _, org := range orgs {
		for _, d := range m[org] {
			if strings.ToLower(strings.TrimSpace(d)) == domain {
				return org, true
			}
		}
	}
	return "", false
}

// EmailDomain returns the lowercased part after the last "@"
func EmailDomain(email string) string {
	i := strings.LastIndex(email, "@")
	if i < 0 || i == len(email)-1 {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(email[i+1:]))
}
