package auth

import "github.com/golang-jwt/jwt/v5"

const (
	// RoleService may read every call session.
	RoleService = "service"
	// RoleUser may read only sessions it initiated (context callerUserId).
	RoleUser = "user"
)

// sessionReadClaims is the token shape accepted by the query routes. The
// caller's user id travels in the registered subject claim.
type sessionReadClaims struct {
	jwt.RegisteredClaims

	Role string `json:"role"`
}

func validRole(r string) bool { return r == RoleService || r == RoleUser }
