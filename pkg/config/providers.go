package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ProviderConfig configures one external identity provider
type ProviderConfig struct {
	Name                    string   `yaml:"name"`
	DisplayName             string   `yaml:"display_name"`
	Enabled                 bool     `yaml:"enabled"`
	Issuer                  string   `yaml:"issuer"`
	ClientID                string   `yaml:"client_id"`
	ClientSecret            string   `yaml:"client_secret"`
	TokenEndpointAuthMethod string   `yaml:"token_endpoint_auth_method"`
	Scopes                  []string `yaml:"scopes"`
	RedirectURL             string   `yaml:"redirect_url"`
	PostLogoutRedirectURL   string   `yaml:"post_logout_redirect_url"`
	// SubjectDNClaim names the claim holding a distinguished name when "sub" is absent
	SubjectDNClaim string `yaml:"subject_dn_claim"`
	UseUserInfo    bool   `yaml:"use_userinfo"`
}

type providersFile struct {
	Providers []ProviderConfig `yaml:"providers"`
}

// LoadProviders reads the providers YAML file. ${VAR} references are
// expanded from the environment so secrets can stay out of the file.
func LoadProviders(path string) ([]ProviderConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read providers file: %w", err)
	}
	return ParseProviders(data)
}

// ParseProviders decodes providers YAML
func ParseProviders(data []byte) ([]ProviderConfig, error) {
	var file providersFile
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &file); err != nil {
		return nil, fmt.Errorf("failed to parse providers file: %w", err)
	}

	seen := make(map[string]bool, len(file.Providers))
	providers := make([]ProviderConfig, 0, len(file.Providers))
	for _, p := range file.Providers {
		p.Name = strings.TrimSpace(p.Name)
		if p.Name == "" {
			return nil, fmt.Errorf("provider name is required")
		}
		if seen[p.Name] {
			return nil, fmt.Errorf("duplicate provider name: %s", p.Name)
		}
		seen[p.Name] = true
		if p.DisplayName == "" {
			p.DisplayName = p.Name
		}
		providers = append(providers, p)
	}
	return providers, nil
}
