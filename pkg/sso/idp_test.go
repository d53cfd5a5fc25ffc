package sso

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/boxvault/pkg/config"
)

const (
	testClientID     = "boxvault"
	testClientSecret = "s3cret"
	testKeyID        = "test-key"
)

var (
	rsaKeyOnce sync.Once
	rsaKey     *rsa.PrivateKey
)

func signingKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	rsaKeyOnce.Do(func() {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		rsaKey = key
	})
	return rsaKey
}

// fakeIdP is a minimal OpenID Connect provider
type fakeIdP struct {
	t      *testing.T
	server *httptest.Server
	key    *rsa.PrivateKey

	pkce       bool
	endSession bool

	mu            sync.Mutex
	claims        map[string]interface{}
	userinfo      map[string]interface{}
	tokenError    string
	refreshToken  string
	omitIDToken   bool
	lastForm      url.Values
	lastBasicUser string
	tokenCalls    int
}

func newFakeIdP(t *testing.T) *fakeIdP {
	t.Helper()
	idp := &fakeIdP{
		t:            t,
		key:          signingKey(t),
		pkce:         true,
		endSession:   true,
		refreshToken: "rt-1",
		claims: map[string]interface{}{
			"sub":                "user-123",
			"email":              "alice@example.com",
			"email_verified":     true,
			"preferred_username": "alice",
			"name":               "Alice Example",
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", idp.discovery)
	mux.HandleFunc("/jwks", idp.jwks)
	mux.HandleFunc("/token", idp.token)
	mux.HandleFunc("/userinfo", idp.userInfo)
	idp.server = httptest.NewServer(mux)
	t.Cleanup(idp.server.Close)
	return idp
}

func (idp *fakeIdP) URL() string { return idp.server.URL }

func (idp *fakeIdP) providerConfig(name string) config.ProviderConfig {
	return config.ProviderConfig{
		Name:        name,
		DisplayName: "Corporate SSO",
		Enabled:     true,
		Issuer:      idp.URL(),
		ClientID:    testClientID,
		// basic is the default token endpoint auth method
		ClientSecret: testClientSecret,
		RedirectURL:  "https://app.example.com/auth/oidc/callback",
	}
}

func (idp *fakeIdP) setClaims(mutate func(map[string]interface{})) {
	idp.mu.Lock()
	defer idp.mu.Unlock()
	mutate(idp.claims)
}

func (idp *fakeIdP) form() url.Values {
	idp.mu.Lock()
	defer idp.mu.Unlock()
	return idp.lastForm
}

func (idp *fakeIdP) discovery(w http.ResponseWriter, r *http.Request) {
	doc := map[string]interface{}{
		"issuer":                                idp.URL(),
		"authorization_endpoint":                idp.URL() + "/authorize",
		"token_endpoint":                        idp.URL() + "/token",
		"jwks_uri":                              idp.URL() + "/jwks",
		"userinfo_endpoint":                     idp.URL() + "/userinfo",
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"response_types_supported":              []string{"code"},
		"subject_types_supported":               []string{"public"},
	}
	if idp.pkce {
		doc["code_challenge_methods_supported"] = []string{"plain", "S256"}
	}
	if idp.endSession {
		doc["end_session_endpoint"] = idp.URL() + "/logout"
	}
	writeTestJSON(w, http.StatusOK, doc)
}

func (idp *fakeIdP) jwks(w http.ResponseWriter, r *http.Request) {
	pub := idp.key.PublicKey
	writeTestJSON(w, http.StatusOK, map[string]interface{}{
		"keys": []map[string]string{{
			"kty": "RSA",
			"kid": testKeyID,
			"alg": "RS256",
			"use": "sig",
			"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		}},
	})
}

func (idp *fakeIdP) token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	user, _, _ := r.BasicAuth()

	idp.mu.Lock()
	idp.lastForm = r.PostForm
	idp.lastBasicUser = user
	idp.tokenCalls++
	tokenError := idp.tokenError
	refresh := idp.refreshToken
	omitIDToken := idp.omitIDToken
	idp.mu.Unlock()

	if tokenError != "" {
		writeTestJSON(w, http.StatusBadRequest, map[string]string{
			"error":             tokenError,
			"error_description": "rejected by test provider",
		})
		return
	}

	resp := map[string]interface{}{
		"access_token": "at-" + r.PostForm.Get("grant_type"),
		"token_type":   "Bearer",
		"expires_in":   3600,
	}
	if refresh != "" {
		resp["refresh_token"] = refresh
	}
	if !omitIDToken {
		resp["id_token"] = idp.signIDToken(time.Hour)
	}
	writeTestJSON(w, http.StatusOK, resp)
}

func (idp *fakeIdP) userInfo(w http.ResponseWriter, r *http.Request) {
	idp.mu.Lock()
	info := map[string]interface{}{"sub": idp.claims["sub"]}
	for k, v := range idp.userinfo {
		info[k] = v
	}
	idp.mu.Unlock()
	writeTestJSON(w, http.StatusOK, info)
}

func (idp *fakeIdP) signIDToken(ttl time.Duration) string {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": idp.URL(),
		"aud": testClientID,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	idp.mu.Lock()
	for k, v := range idp.claims {
		claims[k] = v
	}
	idp.mu.Unlock()

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = testKeyID
	signed, err := tok.SignedString(idp.key)
	require.NoError(idp.t, err)
	return signed
}

func writeTestJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func nullLogger() *logrus.Logger {
	logger, _ := test.NewNullLogger()
	return logger
}

func initRegistry(t *testing.T, configs ...config.ProviderConfig) *Registry {
	t.Helper()
	return Initialize(context.Background(), configs, RegistryOptions{
		Timeout: 5 * time.Second,
		Logger:  nullLogger(),
	})
}
