package auth

import "github.com/golang-jwt/jwt/v5"

type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// Claims are the only supported JWT claims shape for this service.
// ManufacturerID is empty for platform-wide roles (regulator, super_admin);
// tenant scoping is enforced by internal/rbac, not here.
type Claims struct {
	jwt.RegisteredClaims

	UserID         string    `json:"user_id"`
	ManufacturerID string    `json:"manufacturer_id,omitempty"`
	Role           string    `json:"role"`
	TokenType      TokenType `json:"token_type"`
}
