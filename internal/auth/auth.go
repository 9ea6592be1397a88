package auth

import (
	"context"
	"net/http"

	"github.com/pkg/errors"

	"github.com/robodyne/robosync/internal/model"
)

// OwnerProvider resolves the owner a call acts on behalf of.
type OwnerProvider interface {
	// CurrentOwner returns the owner id, or false when no owner is signed in.
	CurrentOwner(ctx context.Context) (string, bool)
}

// Static is an OwnerProvider always returning the same owner, as set from the command line.
type Static string

func (s Static) CurrentOwner(context.Context) (string, bool) {
	return string(s), s != ""
}

type (
	ownerKey        struct{}
	serviceGrantKey struct{}
)

// WithOwner returns a copy of ctx carrying the owner id.
func WithOwner(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ownerKey{}, ownerID)
}

func OwnerFromContext(ctx context.Context) (string, bool) {
	ownerID, ok := ctx.Value(ownerKey{}).(string)
	return ownerID, ok && ownerID != ""
}

// WithServiceGrant marks ctx as carrying a service token, allowed to act on any owner's records.
func WithServiceGrant(ctx context.Context) context.Context {
	return context.WithValue(ctx, serviceGrantKey{}, true)
}

func HasServiceGrant(ctx context.Context) bool {
	granted, _ := ctx.Value(serviceGrantKey{}).(bool)
	return granted
}

// Context is an OwnerProvider reading the owner set on the request context by a middleware.
type Context struct{}

func (Context) CurrentOwner(ctx context.Context) (string, bool) {
	return OwnerFromContext(ctx)
}

// RequireOwner returns the current owner, or model.ErrUnauthenticated when there is none.
func RequireOwner(ctx context.Context, provider OwnerProvider) (string, error) {
	if provider == nil {
		return "", errors.Wrap(model.ErrUnauthenticated, "no owner provider")
	}

	ownerID, ok := provider.CurrentOwner(ctx)
	if !ok {
		return "", model.ErrUnauthenticated
	}

	return ownerID, nil
}

// OwnerPath returns a middleware allowing a request on the owner named by ownerOf only when the
// caller is that owner or holds the service grant. It must run after an authenticating middleware.
func OwnerPath(ownerOf func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			callerID, ok := OwnerFromContext(r.Context())
			if !ok {
				writeUnauthorized(w, "missing owner")
				return
			}

			if !HasServiceGrant(r.Context()) && callerID != ownerOf(r) {
				writeAuthError(w, http.StatusForbidden, "not allowed to act on this owner")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
