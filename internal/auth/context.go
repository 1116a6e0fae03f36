package auth

import "context"

// Identity is the authenticated operator behind a control API request.
type Identity struct {
	OperatorID string
	Role       string
}

type identityKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the identity set by RequireAccessToken. ok is false
// when the request was not authenticated.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	if !ok || id.OperatorID == "" {
		return Identity{}, false
	}
	return id, true
}
