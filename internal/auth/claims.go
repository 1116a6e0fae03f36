package auth

import "github.com/golang-jwt/jwt/v5"

type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// Claims is the only JWT shape the control API accepts.
// Role rides on access tokens only; Refresh looks it up again in the roster.
type Claims struct {
	jwt.RegisteredClaims

	OperatorID string    `json:"operator_id"`
	Role       string    `json:"role,omitempty"`
	TokenType  TokenType `json:"token_type"`
}

func (c Claims) Identity() Identity {
	return Identity{OperatorID: c.OperatorID, Role: c.Role}
}
