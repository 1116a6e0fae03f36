package auth

import (
	"errors"
	"maps"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"outbound-engine/internal/config"
)

var (
	ErrTokenType       = errors.New("auth: token_type mismatch")
	ErrClaims          = errors.New("auth: required claim missing")
	ErrUnknownOperator = errors.New("auth: operator not in roster")
)

// clockSkew is tolerated on iat/exp checks.
const clockSkew = 30 * time.Second

// Manager issues and verifies operator tokens for the control API.
type Manager struct {
	secret     []byte
	issuer     string
	audience   string
	accessTTL  time.Duration
	refreshTTL time.Duration
	roster     map[string]string
}

func NewManager(cfg config.AuthConfig) (*Manager, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}
	if cfg.AccessTokenTTL <= 0 || cfg.RefreshTokenTTL <= 0 {
		return nil, errors.New("auth: token TTLs must be positive")
	}
	return &Manager{
		secret:     []byte(cfg.JWTSecret),
		issuer:     cfg.JWTIssuer,
		audience:   cfg.JWTAudience,
		accessTTL:  cfg.AccessTokenTTL,
		refreshTTL: cfg.RefreshTokenTTL,
		roster:     maps.Clone(cfg.Operators),
	}, nil
}

type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// HasRoster reports whether roles come from configuration.
func (m *Manager) HasRoster() bool { return len(m.roster) > 0 }

// RoleOf looks an operator up in the configured roster.
func (m *Manager) RoleOf(operatorID string) (string, bool) {
	role, ok := m.roster[operatorID]
	return role, ok
}

// IssuePair signs an access and a refresh token for an operator.
// The refresh token carries no role.
func (m *Manager) IssuePair(now time.Time, operatorID, role string) (TokenPair, error) {
	if operatorID == "" || role == "" {
		return TokenPair{}, ErrClaims
	}
	access, err := m.sign(now, Claims{OperatorID: operatorID, Role: role, TokenType: TokenTypeAccess}, m.accessTTL)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := m.sign(now, Claims{OperatorID: operatorID, TokenType: TokenTypeRefresh}, m.refreshTTL)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

// Refresh exchanges a valid refresh token for a new pair. The role is taken
// from the roster, so an operator removed from it cannot refresh.
func (m *Manager) Refresh(now time.Time, refreshToken string) (TokenPair, error) {
	claims, err := m.Verify(refreshToken, TokenTypeRefresh, now)
	if err != nil {
		return TokenPair{}, err
	}
	role, ok := m.RoleOf(claims.OperatorID)
	if !ok {
		return TokenPair{}, ErrUnknownOperator
	}
	return m.IssuePair(now, claims.OperatorID, role)
}

// Verify parses an HS256 token and checks time claims against now,
// issuer/audience when configured, and the expected token type.
func (m *Manager) Verify(tokenString string, expected TokenType, now time.Time) (Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithLeeway(clockSkew),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}
	if m.audience != "" {
		opts = append(opts, jwt.WithAudience(m.audience))
	}

	var claims Claims
	_, err := jwt.NewParser(opts...).ParseWithClaims(tokenString, &claims, func(*jwt.Token) (any, error) {
		return m.secret, nil
	})
	if err != nil {
		return Claims{}, err
	}

	if claims.TokenType != expected {
		return Claims{}, ErrTokenType
	}
	if claims.OperatorID == "" {
		return Claims{}, ErrClaims
	}
	if expected == TokenTypeAccess && claims.Role == "" {
		return Claims{}, ErrClaims
	}
	return claims, nil
}

func (m *Manager) sign(now time.Time, claims Claims, ttl time.Duration) (string, error) {
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Issuer:    m.issuer,
		Subject:   claims.OperatorID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		ID:        uuid.NewString(),
	}
	if m.audience != "" {
		claims.Audience = jwt.ClaimStrings{m.audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}
