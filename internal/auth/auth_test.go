package auth

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robodyne/robosync/internal/model"
)

const (
	testIssuer   = "https://auth.robodyne.test/"
	testAudience = "robosync"
)

func TestStaticProvider(t *testing.T) {
	ownerID, err := RequireOwner(context.Background(), Static("u1"))
	require.NoError(t, err)
	assert.Equal(t, "u1", ownerID)

	_, err = RequireOwner(context.Background(), Static(""))
	assert.True(t, errors.Is(err, model.ErrUnauthenticated))

	_, err = RequireOwner(context.Background(), nil)
	assert.True(t, errors.Is(err, model.ErrUnauthenticated))
}

func TestContextProvider(t *testing.T) {
	_, ok := Context{}.CurrentOwner(context.Background())
	assert.False(t, ok)

	ownerID, ok := Context{}.CurrentOwner(WithOwner(context.Background(), "u1"))
	assert.True(t, ok)
	assert.Equal(t, "u1", ownerID)

	_, ok = Context{}.CurrentOwner(WithOwner(context.Background(), ""))
	assert.False(t, ok)
}

func signToken(t *testing.T, key *rsa.PrivateKey, claims jwt.MapClaims) string {
	t.Helper()

	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	require.NoError(t, err)

	return token
}

func newTestVerifier(t *testing.T) (*Verifier, *rsa.PrivateKey) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	keySet := &oidc.StaticKeySet{PublicKeys: []crypto.PublicKey{&key.PublicKey}}

	return NewVerifierWithKeySet(testIssuer, testAudience, keySet), key
}

func validClaims(subject string) jwt.MapClaims {
	return jwt.MapClaims{
		"iss": testIssuer,
		"aud": testAudience,
		"sub": subject,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(time.Hour).Unix(),
	}
}

func TestVerifierOwner(t *testing.T) {
	verifier, key := newTestVerifier(t)
	ctx := context.Background()

	ownerID, err := verifier.Owner(ctx, signToken(t, key, validClaims("auth0|u1")))
	require.NoError(t, err)
	assert.Equal(t, "auth0|u1", ownerID)

	expired := validClaims("u1")
	expired["exp"] = time.Now().Add(-time.Hour).Unix()

	_, err = verifier.Owner(ctx, signToken(t, key, expired))
	assert.True(t, errors.Is(err, model.ErrUnauthenticated))

	wrongAudience := validClaims("u1")
	wrongAudience["aud"] = "someone-else"

	_, err = verifier.Owner(ctx, signToken(t, key, wrongAudience))
	assert.True(t, errors.Is(err, model.ErrUnauthenticated))

	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	_, err = verifier.Owner(ctx, signToken(t, otherKey, validClaims("u1")))
	assert.True(t, errors.Is(err, model.ErrUnauthenticated))
}

func TestVerifierMiddleware(t *testing.T) {
	verifier, key := newTestVerifier(t)

	var seen string

	handler := verifier.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = OwnerFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/robots", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/robots", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/robots", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, key, validClaims("u1")))

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "u1", seen)
}

func TestHeaderMiddleware(t *testing.T) {
	var (
		seen string
		ok   bool
	)

	handler := HeaderMiddleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen, ok = OwnerFromContext(r.Context())
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.False(t, ok)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(OwnerHeader, "u1")

	handler.ServeHTTP(httptest.NewRecorder(), req)
	assert.True(t, ok)
	assert.Equal(t, "u1", seen)
}

func TestVerifierServiceGrant(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	keySet := &oidc.StaticKeySet{PublicKeys: []crypto.PublicKey{&key.PublicKey}}
	verifier := NewVerifierWithKeySet(testIssuer, testAudience, keySet, WithServiceScope("robosync:documents"))

	var granted bool

	handler := verifier.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		granted = HasServiceGrant(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	cases := []struct {
		name  string
		claim string
		value any
		want  bool
	}{
		{"no scope", "", nil, false},
		{"space separated scope", "scope", "openid robosync:documents", true},
		{"other scope", "scope", "openid robots:read", false},
		{"scp list", "scp", []string{"robosync:documents"}, true},
		{"scp string", "scp", "robosync:documents", true},
		{"scope prefix only", "scope", "robosync:documents:read", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			claims := validClaims("svc")
			if tc.claim != "" {
				claims[tc.claim] = tc.value
			}

			req := httptest.NewRequest(http.MethodGet, "/v1/owners/u1/robots", nil)
			req.Header.Set("Authorization", "Bearer "+signToken(t, key, claims))

			granted = false
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusNoContent, rec.Code)
			assert.Equal(t, tc.want, granted)
		})
	}

	// without a configured scope no token gets the grant
	plain, _ := newTestVerifier(t)
	_, service, err := plain.verify(context.Background(), "not-a-token")
	assert.Error(t, err)
	assert.False(t, service)
}

func TestOwnerPath(t *testing.T) {
	guard := OwnerPath(func(r *http.Request) string { return r.URL.Query().Get("owner") })
	handler := guard(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	serve := func(ctx context.Context, owner string) int {
		req := httptest.NewRequest(http.MethodGet, "/?owner="+owner, nil).WithContext(ctx)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		return rec.Code
	}

	ctx := context.Background()

	assert.Equal(t, http.StatusUnauthorized, serve(ctx, "u1"))
	assert.Equal(t, http.StatusNoContent, serve(WithOwner(ctx, "u1"), "u1"))
	assert.Equal(t, http.StatusForbidden, serve(WithOwner(ctx, "mallory"), "u1"))
	assert.Equal(t, http.StatusNoContent, serve(WithServiceGrant(WithOwner(ctx, "svc")), "u1"))
	assert.Equal(t, http.StatusUnauthorized, serve(WithServiceGrant(ctx), "u1"))
}
