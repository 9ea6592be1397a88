package handlers

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/robodyne/robosync/internal/auth"
	"github.com/robodyne/robosync/internal/configuration"
	"github.com/robodyne/robosync/internal/model"
	"github.com/robodyne/robosync/internal/profile"
	"github.com/robodyne/robosync/internal/registry"
	"github.com/robodyne/robosync/internal/store"
	"github.com/robodyne/robosync/internal/store/httpdoc"
	"github.com/robodyne/robosync/internal/store/memory"
	"github.com/robodyne/robosync/internal/view"
)

func newTestServer(t *testing.T, robots store.RecordStore) *httptest.Server {
	t.Helper()

	h := NewHandlerFactory(registry.New(robots), robots, profile.NewService(profile.NewMemoryStore()))
	srv := httptest.NewServer(h.Router(auth.HeaderMiddleware, nil))
	t.Cleanup(srv.Close)

	return srv
}

func do(t *testing.T, srv *httptest.Server, method, path, owner string, body any) (*http.Response, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)

		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(context.Background(), method, srv.URL+path, reader)
	require.NoError(t, err)

	if owner != "" {
		req.Header.Set(auth.OwnerHeader, owner)
	}

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)

	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp, raw
}

func TestRobotLifecycle(t *testing.T) {
	srv := newTestServer(t, memory.New())

	resp, raw := do(t, srv, http.MethodPost, "/v1/robots", "u1", map[string]any{
		"name": "Alpha", "type": "drone", "status": "idle", "battery": 42,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))

	var created model.Robot
	require.NoError(t, json.Unmarshal(raw, &created))
	require.NotEmpty(t, created.ID)

	resp, raw = do(t, srv, http.MethodPatch, "/v1/robots/"+created.ID, "u1", map[string]any{"battery": 10})
	require.Equal(t, http.StatusNoContent, resp.StatusCode, string(raw))

	resp, raw = do(t, srv, http.MethodGet, "/v1/robots", "u1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var robots []*model.Robot
	require.NoError(t, json.Unmarshal(raw, &robots))
	require.Len(t, robots, 1)
	assert.Equal(t, "Alpha", robots[0].Name)
	assert.Equal(t, 10, *robots[0].Battery)

	resp, raw = do(t, srv, http.MethodGet, "/v1/summary", "u1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var summary view.Summary
	require.NoError(t, json.Unmarshal(raw, &summary))
	assert.Equal(t, view.Summary{Count: 1, Message: view.MessageNominal}, summary)

	resp, _ = do(t, srv, http.MethodDelete, "/v1/robots/"+created.ID, "u1", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, raw = do(t, srv, http.MethodDelete, "/v1/robots/"+created.ID, "u1", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, string(raw), "NOT_FOUND")

	resp, raw = do(t, srv, http.MethodGet, "/v1/robots", "u1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[]`, string(raw))
}

func TestErrorMapping(t *testing.T) {
	srv := newTestServer(t, memory.New())

	resp, _ := do(t, srv, http.MethodGet, "/v1/robots", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodPost, "/v1/robots", "u1", map[string]any{"name": "Alpha", "battery": 101})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodPost, "/v1/robots", "u1", map[string]any{"name": "Alpha", "id": "r1"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodPost, "/v1/robots", "u1", map[string]any{"name": "Alpha", "colour": "red"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodPatch, "/v1/robots/missing", "u1", map[string]any{"name": "X"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodPatch, "/v1/robots/missing", "u1", map[string]any{"battery": "full"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	status, code := statusOf(errors.New("boom"))
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "INTERNAL_ERROR", code)
}

func TestStoreUnavailableIs503(t *testing.T) {
	ctrl := gomock.NewController(t)
	mock := store.NewMockRecordStore(ctrl)
	mock.EXPECT().List(gomock.Any(), "u1").Return(nil, errors.New("connection refused")).AnyTimes()

	srv := newTestServer(t, mock)

	resp, raw := do(t, srv, http.MethodGet, "/v1/robots", "u1", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, string(raw), "STORE_UNAVAILABLE")
}

func TestProfileRoutes(t *testing.T) {
	srv := newTestServer(t, memory.New())

	resp, _ := do(t, srv, http.MethodGet, "/v1/profile", "u1", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodPut, "/v1/profile/settings", "u1", map[string]any{"notificationsEnabled": false})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, raw := do(t, srv, http.MethodPost, "/v1/profile", "u1", map[string]any{
		"email":   "ada@example.com",
		"profile": map[string]any{"firstName": "aDA", "lastName": "lovelace", "userType": "individual"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))

	resp, _ = do(t, srv, http.MethodPut, "/v1/profile/settings", "u1", map[string]any{"notificationsEnabled": false})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, raw = do(t, srv, http.MethodGet, "/v1/profile", "u1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var p profile.Profile
	require.NoError(t, json.Unmarshal(raw, &p))
	assert.Equal(t, "Ada", p.Details.FirstName)
	assert.False(t, p.Settings.NotificationsEnabled)

	resp, raw = do(t, srv, http.MethodGet, "/v1/summary", "u1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"count":0,"message":"No bots connected","greeting":"Ada"}`, string(raw))
}

func TestDocumentAPIServesHTTPStore(t *testing.T) {
	ctx := context.Background()

	docSrv := newDocumentServer(t)

	remote, err := httpdoc.New(ctx, &configuration.HTTPStoreOptions{
		Endpoint:     docSrv.URL,
		Timeout:      time.Second,
		DisableOAuth: true,
	}, logrus.NewEntry(logrus.New()))
	require.NoError(t, err)

	remoteRegistry := registry.New(remote)

	created, err := remoteRegistry.Create(ctx, "u1", &model.Robot{Name: "Alpha", Type: "drone", Status: "idle", Battery: model.Ptr(42)})
	require.NoError(t, err)

	require.NoError(t, remoteRegistry.Update(ctx, "u1", created.ID, &model.Patch{Battery: model.Ptr(10)}))

	robots, err := remoteRegistry.LoadAll(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, robots, 1)
	assert.Equal(t, 10, *robots[0].Battery)
	assert.Equal(t, "Alpha", robots[0].Name)

	require.NoError(t, remoteRegistry.Remove(ctx, "u1", created.ID))

	err = remoteRegistry.Remove(ctx, "u1", created.ID)
	assert.True(t, errors.Is(err, model.ErrNotFound))

	_, err = remote.Insert(ctx, "u1", model.Fields{"battery": 500})
	assert.True(t, errors.Is(err, model.ErrInvalidRecord))
}

// newDocumentServer authenticates every peer request as a service holding the service grant.
func newDocumentServer(t *testing.T) *httptest.Server {
	t.Helper()

	robots := memory.New()
	h := NewHandlerFactory(registry.New(robots), robots, profile.NewService(profile.NewMemoryStore()))

	service := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := auth.WithServiceGrant(auth.WithOwner(r.Context(), "svc-peer"))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}

	srv := httptest.NewServer(h.Router(service, service))
	t.Cleanup(srv.Close)

	return srv
}

func TestDocumentAPINotServedInHeaderMode(t *testing.T) {
	srv := newTestServer(t, memory.New())

	resp, _ := do(t, srv, http.MethodPost, "/v1/robots", "u1", map[string]any{"name": "Alpha"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodGet, "/v1/owners/u1/robots", "mallory", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodPost, "/v1/owners/u1/robots", "mallory", map[string]any{"name": "Injected"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, raw := do(t, srv, http.MethodGet, "/v1/robots", "u1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotContains(t, string(raw), "Injected")
}

const (
	testIssuer       = "https://auth.robodyne.test/"
	testAudience     = "robosync"
	testServiceScope = "robosync:documents"
)

type tokenSigner struct {
	key *rsa.PrivateKey
}

func (s *tokenSigner) sign(t *testing.T, subject, scope string) string {
	t.Helper()

	claims := jwt.MapClaims{
		"iss": testIssuer,
		"aud": testAudience,
		"sub": subject,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(time.Hour).Unix(),
	}

	if scope != "" {
		claims["scope"] = scope
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(s.key)
	require.NoError(t, err)

	return token
}

func newVerifiedServer(t *testing.T, robots store.RecordStore) (*httptest.Server, *tokenSigner) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	verifier := auth.NewVerifierWithKeySet(
		testIssuer,
		testAudience,
		&oidc.StaticKeySet{PublicKeys: []crypto.PublicKey{&key.PublicKey}},
		auth.WithServiceScope(testServiceScope),
	)

	h := NewHandlerFactory(registry.New(robots), robots, profile.NewService(profile.NewMemoryStore()))
	srv := httptest.NewServer(h.Router(verifier.Middleware, verifier.Middleware))
	t.Cleanup(srv.Close)

	return srv, &tokenSigner{key: key}
}

func doWithToken(t *testing.T, srv *httptest.Server, method, path, token string, body any) (*http.Response, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)

		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(context.Background(), method, srv.URL+path, reader)
	require.NoError(t, err)

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)

	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp, raw
}

func TestDocumentAPIRejectsOtherOwners(t *testing.T) {
	srv, signer := newVerifiedServer(t, memory.New())

	u1 := signer.sign(t, "u1", "")
	mallory := signer.sign(t, "mallory", "")
	malloryWithOtherScope := signer.sign(t, "mallory", "robots:read")
	service := signer.sign(t, "svc-peer", "openid "+testServiceScope)

	resp, raw := doWithToken(t, srv, http.MethodPost, "/v1/robots", u1, map[string]any{"name": "Alpha", "battery": 42})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))

	resp, _ = doWithToken(t, srv, http.MethodGet, "/v1/owners/u1/robots", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, raw = doWithToken(t, srv, http.MethodGet, "/v1/owners/u1/robots", mallory, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.NotContains(t, string(raw), "Alpha")

	resp, _ = doWithToken(t, srv, http.MethodPost, "/v1/owners/u1/robots", mallory, map[string]any{"name": "Injected"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = doWithToken(t, srv, http.MethodPost, "/v1/owners/u1/robots", malloryWithOtherScope, map[string]any{"name": "Injected"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = doWithToken(t, srv, http.MethodDelete, "/v1/owners/u1/robots/any", mallory, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, raw = doWithToken(t, srv, http.MethodGet, "/v1/robots", u1, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotContains(t, string(raw), "Injected")

	// owners may use the document API on their own path
	resp, raw = doWithToken(t, srv, http.MethodGet, "/v1/owners/u1/robots", u1, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), "Alpha")

	resp, raw = doWithToken(t, srv, http.MethodGet, "/v1/owners/u1/robots", service, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), "Alpha")

	resp, _ = doWithToken(t, srv, http.MethodPost, "/v1/owners/u2/robots", service, map[string]any{"name": "Beta"})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}
