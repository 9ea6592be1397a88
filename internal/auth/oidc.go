package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/pkg/errors"

	"github.com/robodyne/robosync/internal/model"
)

// OwnerHeader carries the owner id when token verification is disabled.
const OwnerHeader = "X-Robosync-Owner"

// Verifier maps OIDC bearer tokens to owners: the token subject is the owner id.
type Verifier struct {
	verifier     *oidc.IDTokenVerifier
	serviceScope string
}

type VerifierOption func(*Verifier)

// WithServiceScope sets the scope that grants a token the service grant, letting it act on any owner.
func WithServiceScope(scope string) VerifierOption {
	return func(v *Verifier) {
		v.serviceScope = scope
	}
}

// NewVerifier discovers the issuer's signing keys. An empty audience skips the audience check.
func NewVerifier(ctx context.Context, issuer, audience string, opts ...VerifierOption) (*Verifier, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, errors.Wrap(model.ErrConfig, "oidc provider "+issuer+": "+err.Error())
	}

	return newVerifier(provider.Verifier(verifierConfig(audience)), opts), nil
}

// NewVerifierWithKeySet builds a Verifier over a fixed key set, skipping discovery.
func NewVerifierWithKeySet(issuer, audience string, keySet oidc.KeySet, opts ...VerifierOption) *Verifier {
	return newVerifier(oidc.NewVerifier(issuer, keySet, verifierConfig(audience)), opts)
}

func newVerifier(idTokenVerifier *oidc.IDTokenVerifier, opts []VerifierOption) *Verifier {
	v := &Verifier{verifier: idTokenVerifier}

	for _, opt := range opts {
		opt(v)
	}

	return v
}

func verifierConfig(audience string) *oidc.Config {
	return &oidc.Config{
		ClientID:          audience,
		SkipClientIDCheck: audience == "",
	}
}

// Owner verifies the raw token and returns its subject.
func (v *Verifier) Owner(ctx context.Context, rawToken string) (string, error) {
	ownerID, _, err := v.verify(ctx, rawToken)
	return ownerID, err
}

// verify returns the token subject and whether the token carries the service scope.
func (v *Verifier) verify(ctx context.Context, rawToken string) (string, bool, error) {
	token, err := v.verifier.Verify(ctx, rawToken)
	if err != nil {
		return "", false, errors.Wrap(model.ErrUnauthenticated, err.Error())
	}

	if token.Subject == "" {
		return "", false, errors.Wrap(model.ErrUnauthenticated, "token has no subject")
	}

	if v.serviceScope == "" {
		return token.Subject, false, nil
	}

	var claims scopeClaims
	if err := token.Claims(&claims); err != nil {
		return token.Subject, false, nil
	}

	return token.Subject, slices.Contains(claims.scopes(), v.serviceScope), nil
}

// scopeClaims reads the space separated "scope" claim and the "scp" claim, which issuers
// emit either as a list or as a single string.
type scopeClaims struct {
	Scope string          `json:"scope"`
	Scp   json.RawMessage `json:"scp"`
}

func (c *scopeClaims) scopes() []string {
	scopes := strings.Fields(c.Scope)

	if len(c.Scp) == 0 {
		return scopes
	}

	var list []string
	if err := json.Unmarshal(c.Scp, &list); err == nil {
		return append(scopes, list...)
	}

	var single string
	if err := json.Unmarshal(c.Scp, &single); err == nil {
		scopes = append(scopes, strings.Fields(single)...)
	}

	return scopes
}

// Middleware rejects requests without a valid bearer token and sets the token owner on the request context.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawToken, ok := bearerToken(r)
		if !ok {
			writeUnauthorized(w, "missing bearer token")
			return
		}

		ownerID, service, err := v.verify(r.Context(), rawToken)
		if err != nil {
			writeUnauthorized(w, "invalid bearer token")
			return
		}

		ctx := WithOwner(r.Context(), ownerID)
		if service {
			ctx = WithServiceGrant(ctx)
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// HeaderMiddleware trusts the owner header. Only for local development and tests, it never
// sets the service grant.
func HeaderMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if ownerID := strings.TrimSpace(r.Header.Get(OwnerHeader)); ownerID != "" {
			ctx = WithOwner(ctx, ownerID)
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")

	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(token) == "" {
		return "", false
	}

	return strings.TrimSpace(token), true
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeAuthError(w, http.StatusUnauthorized, msg)
}

func writeAuthError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
