package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestIssuer(t *testing.T, expiration string) *TokenIssuer {
	t.Helper()
	ti, err := NewTokenIssuer(TokenConfig{Secret: "test-secret", Expiration: expiration}, nil)
	require.NoError(t, err)
	ti.now = func() time.Time { return testNow }
	return ti
}

type stubRefresher struct {
	tokens   *OIDCTokens
	err      error
	calls    int
	provider string
}

func (s *stubRefresher) RefreshOIDC(_ context.Context, providerName, _ string) (*OIDCTokens, error) {
	s.calls++
	s.provider = providerName
	return s.tokens, s.err
}

func TestNewTokenIssuer_RequiresSecret(t *testing.T) {
	_, err := NewTokenIssuer(TokenConfig{}, nil)
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestParseExpiration(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", LongLivedExpiry},
		{"1h", time.Hour},
		{"90m", 90 * time.Minute},
		{"3600", time.Hour},
		{"0", LongLivedExpiry},
		{"-5", LongLivedExpiry},
		{"-1h", LongLivedExpiry},
		{"forever", LongLivedExpiry},
		{" 2h ", 2 * time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseExpiration(tt.in))
		})
	}
}

func TestIssue_LocalDefaultsProvider(t *testing.T) {
	ti := newTestIssuer(t, "1h")
	user := &User{ID: 5, Username: "alice", Email: "alice@example.com"}

	token, _, err := ti.Issue(LocalPrincipal{User: user}, nil, IssueOptions{})
	require.NoError(t, err)

	claims, err := ti.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, ProviderLocal, claims.Provider)
	assert.Equal(t, "5", claims.Subject)
	assert.Equal(t, int64(5), claims.UserID)
	assert.Nil(t, claims.ServiceAccountID)
	assert.False(t, claims.IsServiceAccount)
	assert.Equal(t, testNow.Add(time.Hour).Unix(), claims.ExpiresAt.Unix())
}

func TestIssue_UserProviderTagIsKept(t *testing.T) {
	ti := newTestIssuer(t, "1h")
	user := &User{ID: 5, Username: "alice", AuthProvider: "oidc-corp"}

	_, claims, err := ti.Issue(LocalPrincipal{User: user}, nil, IssueOptions{})
	require.NoError(t, err)
	assert.Equal(t, "oidc-corp", claims.Provider)
}

func TestIssue_ServiceAccount(t *testing.T) {
	ti := newTestIssuer(t, "1h")
	owner := &User{ID: 7, Username: "owner", AuthProvider: "oidc-corp"}
	sa := &ServiceAccount{ID: 42, Username: "ci-bot", UserID: 7}

	token, _, err := ti.Issue(ServiceAccountPrincipal{Account: sa, Owner: owner}, nil, IssueOptions{Provider: "local"})
	require.NoError(t, err)

	claims, err := ti.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, "7", claims.Subject)
	require.NotNil(t, claims.ServiceAccountID)
	assert.Equal(t, int64(42), *claims.ServiceAccountID)
	assert.True(t, claims.IsServiceAccount)
	assert.Equal(t, ProviderServiceAccount, claims.Provider)
}

func TestIssue_Expiry(t *testing.T) {
	user := &User{ID: 1, Username: "alice"}

	tests := []struct {
		name       string
		expiration string
		opts       IssueOptions
		want       time.Duration
	}{
		{"configured", "2h", IssueOptions{}, 2 * time.Hour},
		{"stay logged in overrides configured", "2h", IssueOptions{StayLoggedIn: true}, 24 * time.Hour},
		{"stay logged in overrides explicit", "2h", IssueOptions{StayLoggedIn: true, ExpiresIn: time.Minute}, 24 * time.Hour},
		{"explicit expiry", "2h", IssueOptions{ExpiresIn: 30 * time.Minute}, 30 * time.Minute},
		{"malformed configuration", "soon", IssueOptions{}, 24 * time.Hour},
		{"unset configuration", "", IssueOptions{}, 24 * time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ti := newTestIssuer(t, tt.expiration)
			_, claims, err := ti.Issue(LocalPrincipal{User: user}, nil, tt.opts)
			require.NoError(t, err)
			assert.Equal(t, testNow.Add(tt.want).Unix(), claims.ExpiresAt.Unix())
		})
	}
}

func TestIssue_RoundTrip(t *testing.T) {
	ti := newTestIssuer(t, "1h")
	oidcExp := testNow.Add(time.Hour)

	shapes := []struct {
		name      string
		principal Principal
		orgs      []OrgClaim
		opts      IssueOptions
	}{
		{
			name:      "local single org",
			principal: LocalPrincipal{User: &User{ID: 1, Username: "alice", Email: "a@example.com"}},
			orgs:      []OrgClaim{{Name: "acme", Role: RoleAdmin, IsPrimary: true}},
		},
		{
			name:      "local multi org stay logged in",
			principal: LocalPrincipal{User: &User{ID: 2, Username: "bob"}},
			orgs: []OrgClaim{
				{Name: "acme", Role: RoleUser, IsPrimary: true},
				{Name: "globex", Role: RoleModerator},
			},
			opts: IssueOptions{StayLoggedIn: true},
		},
		{
			name:      "external login",
			principal: LocalPrincipal{User: &User{ID: 3, Username: "carol"}},
			orgs:      []OrgClaim{{Name: "initech", Role: RoleUser, IsPrimary: true}},
			opts: IssueOptions{
				Provider:  "oidc-corp",
				ExpiresIn: 10 * time.Minute,
				OIDC:      &OIDCTokens{ExpiresAt: oidcExp, RefreshToken: "rt", IDToken: "idt"},
			},
		},
		{
			name: "service account",
			principal: ServiceAccountPrincipal{
				Account: &ServiceAccount{ID: 9, Username: "bot", UserID: 4},
				Owner:   &User{ID: 4, Username: "dave"},
			},
		},
	}

	for _, tt := range shapes {
		t.Run(tt.name, func(t *testing.T) {
			token, issued, err := ti.Issue(tt.principal, tt.orgs, tt.opts)
			require.NoError(t, err)

			decoded, err := ti.Parse(token)
			require.NoError(t, err)

			// Compare modulo timestamps
			issued.RegisteredClaims = jwt.RegisteredClaims{Subject: issued.Subject}
			decoded.RegisteredClaims = jwt.RegisteredClaims{Subject: decoded.Subject}
			assert.Equal(t, issued, decoded)
		})
	}
}

func TestParse_Rejects(t *testing.T) {
	ti := newTestIssuer(t, "1h")
	token, _, err := ti.Issue(LocalPrincipal{User: &User{ID: 1}}, nil, IssueOptions{})
	require.NoError(t, err)

	t.Run("wrong secret", func(t *testing.T) {
		other, err := NewTokenIssuer(TokenConfig{Secret: "other"}, nil)
		require.NoError(t, err)
		other.now = ti.now
		_, err = other.Parse(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("expired", func(t *testing.T) {
		later := newTestIssuer(t, "1h")
		later.now = func() time.Time { return testNow.Add(2 * time.Hour) }
		_, err := later.Parse(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := ti.Parse("not-a-token")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("none algorithm", func(t *testing.T) {
		unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{UserID: 1})
		s, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		_, err = ti.Parse(s)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestRefresh_RejectsServiceAccounts(t *testing.T) {
	ti := newTestIssuer(t, "1h")

	for _, id := range []int64{1, 2, 99} {
		said := id
		prior := &Claims{UserID: 1, ServiceAccountID: &said, IsServiceAccount: true, Provider: ProviderServiceAccount}
		_, _, err := ti.Refresh(context.Background(), prior, RefreshOptions{})
		assert.ErrorIs(t, err, ErrRefreshNotAllowed)
	}

	// The flag alone is enough
	_, _, err := ti.Refresh(context.Background(), &Claims{UserID: 1, IsServiceAccount: true}, RefreshOptions{})
	assert.ErrorIs(t, err, ErrRefreshNotAllowed)
}

func TestRefresh_PreservesAndOverrides(t *testing.T) {
	ti := newTestIssuer(t, "1h")
	prior := &Claims{UserID: 1, StayLoggedIn: true, Provider: "oidc-corp"}
	prior.Subject = "1"

	_, next, err := ti.Refresh(context.Background(), prior, RefreshOptions{})
	require.NoError(t, err)
	assert.True(t, next.StayLoggedIn)
	assert.Equal(t, "oidc-corp", next.Provider)
	assert.Equal(t, testNow.Add(24*time.Hour).Unix(), next.ExpiresAt.Unix())

	stay := false
	orgs := []OrgClaim{{Name: "acme", Role: RoleUser, IsPrimary: true}}
	_, next, err = ti.Refresh(context.Background(), prior, RefreshOptions{StayLoggedIn: &stay, Provider: "local", Organizations: orgs})
	require.NoError(t, err)
	assert.False(t, next.StayLoggedIn)
	assert.Equal(t, "local", next.Provider)
	assert.Equal(t, orgs, next.Organizations)
	assert.Equal(t, testNow.Add(time.Hour).Unix(), next.ExpiresAt.Unix())
}

func TestRefresh_OIDCWithinLookahead(t *testing.T) {
	ti := newTestIssuer(t, "1h")
	newExp := testNow.Add(time.Hour)
	refresher := &stubRefresher{tokens: &OIDCTokens{ExpiresAt: newExp, RefreshToken: "rt2", IDToken: "id2"}}
	ti.SetRefresher(refresher)

	exp := testNow.Add(2 * time.Minute).Unix()
	prior := &Claims{UserID: 1, Provider: "oidc-corp", OIDCExpiresAt: &exp, OIDCRefreshToken: "rt1", OIDCIDToken: "id1"}

	_, next, err := ti.Refresh(context.Background(), prior, RefreshOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, refresher.calls)
	assert.Equal(t, "corp", refresher.provider)
	assert.Equal(t, newExp.Unix(), *next.OIDCExpiresAt)
	assert.Equal(t, "rt2", next.OIDCRefreshToken)
	assert.Equal(t, "id2", next.OIDCIDToken)
}

func TestRefresh_OIDCOutsideLookahead(t *testing.T) {
	ti := newTestIssuer(t, "1h")
	refresher := &stubRefresher{}
	ti.SetRefresher(refresher)

	exp := testNow.Add(time.Hour).Unix()
	prior := &Claims{UserID: 1, Provider: "oidc-corp", OIDCExpiresAt: &exp, OIDCRefreshToken: "rt1"}

	_, next, err := ti.Refresh(context.Background(), prior, RefreshOptions{})
	require.NoError(t, err)
	assert.Zero(t, refresher.calls)
	assert.Equal(t, "rt1", next.OIDCRefreshToken)
}

func TestRefresh_OIDCFailureDegrades(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	ti, err := NewTokenIssuer(TokenConfig{Secret: "s"}, logger)
	require.NoError(t, err)
	ti.now = func() time.Time { return testNow }
	ti.SetRefresher(&stubRefresher{err: errors.New("invalid_grant")})

	exp := testNow.Add(time.Minute).Unix()
	prior := &Claims{UserID: 1, Provider: "oidc-corp", OIDCExpiresAt: &exp, OIDCRefreshToken: "rt1", OIDCIDToken: "id1"}

	token, next, err := ti.Refresh(context.Background(), prior, RefreshOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.Equal(t, exp, *next.OIDCExpiresAt)
	assert.Equal(t, "rt1", next.OIDCRefreshToken)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
}
