package auth

import (
	"errors"
	"fmt"
	"time"

	"voicebridge/internal/config"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	readTokenTTL = 15 * time.Minute
	clockLeeway  = 30 * time.Second
)

var (
	ErrMissingSubject = errors.New("auth: token has no subject")
	ErrUnknownRole    = errors.New("auth: unknown role")
)

// Manager verifies the bearer tokens that guard the session query routes.
// Tokens are HS256 with a secret shared with the call-initiation API.
type Manager struct {
	secret   []byte
	issuer   string
	audience string
	parser   *jwt.Parser
}

func NewManager(cfg config.AuthConfig) (*Manager, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}

	// Claims are validated separately so tests and callers control the clock.
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	return &Manager{
		secret:   []byte(cfg.JWTSecret),
		issuer:   cfg.JWTIssuer,
		audience: cfg.JWTAudience,
		parser:   parser,
	}, nil
}

// IssueAccess mints a read token for userID. Used by the initiating side
// and in tests.
func (m *Manager) IssueAccess(now time.Time, userID, role string) (string, error) {
	rc := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    m.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(readTokenTTL)),
		ID:        uuid.NewString(),
	}
	if m.audience != "" {
		rc.Audience = jwt.ClaimStrings{m.audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, sessionReadClaims{RegisteredClaims: rc, Role: role}).SignedString(m.secret)
}

// Verify checks signature, time window, issuer and audience at now, and
// returns the identity the token carries.
func (m *Manager) Verify(token string, now time.Time) (Identity, error) {
	var claims sessionReadClaims
	if _, err := m.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return m.secret, nil
	}); err != nil {
		return Identity{}, fmt.Errorf("auth: parse: %w", err)
	}

	if err := m.validator(now).Validate(claims.RegisteredClaims); err != nil {
		return Identity{}, fmt.Errorf("auth: claims: %w", err)
	}
	if claims.Subject == "" {
		return Identity{}, ErrMissingSubject
	}
	if !validRole(claims.Role) {
		return Identity{}, ErrUnknownRole
	}
	return Identity{UserID: claims.Subject, Role: claims.Role}, nil
}

func (m *Manager) validator(now time.Time) *jwt.Validator {
	opts := []jwt.ParserOption{
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithLeeway(clockLeeway),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}
	if m.audience != "" {
		opts = append(opts, jwt.WithAudience(m.audience))
	}
	return jwt.NewValidator(opts...)
}
