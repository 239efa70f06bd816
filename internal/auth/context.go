package auth

import "context"

// Identity is the verified reader of a request.
type Identity struct {
	UserID string
	Role   string
}

type identityKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the identity set by RequireAccessToken. ok is false
// when the route is not guarded.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// CanReadCall reports whether the request may read a call started by
// callerUserID. Unguarded requests may read everything.
func CanReadCall(ctx context.Context, callerUserID string) bool {
	id, ok := IdentityFrom(ctx)
	switch {
	case !ok:
		return true
	case id.Role == RoleService:
		return true
	default:
		return callerUserID != "" && id.UserID == callerUserID
	}
}
