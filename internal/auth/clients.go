package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"authenticity-platform/internal/config"
)

// ErrInvalidCredentials covers unknown clients, wrong secrets and refresh tokens whose
// account was removed or rescoped.
var ErrInvalidCredentials = errors.New("invalid client credentials")

// ExchangeClientCredentials issues a token pair for a configured service account.
func (m *Manager) ExchangeClientCredentials(now time.Time, clientID, secret string) (TokenPair, error) {
	acct, ok := m.clients[clientID]
	if !ok {
		// Keep the work the same as for a known client.
		_ = secretMatches(secret, secret)
		return TokenPair{}, ErrInvalidCredentials
	}
	if !secretMatches(acct.Secret, secret) {
		return TokenPair{}, ErrInvalidCredentials
	}
	return m.IssuePair(now, acct.ClientID, acct.ManufacturerID, acct.Role)
}

// Refresh rotates a pair. The role is read from the current account configuration, so
// removing or rescoping an account stops its refresh tokens.
func (m *Manager) Refresh(now time.Time, refreshToken string) (TokenPair, error) {
	claims, err := m.Verify(refreshToken, TokenTypeRefresh, now)
	if err != nil {
		return TokenPair{}, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	acct, ok := m.clients[claims.UserID]
	if !ok || acct.ManufacturerID != claims.ManufacturerID {
		return TokenPair{}, ErrInvalidCredentials
	}
	return m.IssuePair(now, acct.ClientID, acct.ManufacturerID, acct.Role)
}

// AccessTTL is reported to clients as expires_in.
func (m *Manager) AccessTTL() time.Duration { return m.accessTTL }

func secretMatches(want, got string) bool {
	w := sha256.Sum256([]byte(want))
	g := sha256.Sum256([]byte(got))
	return subtle.ConstantTimeCompare(w[:], g[:]) == 1
}

func indexClients(accounts []config.ServiceAccount) map[string]config.ServiceAccount {
	out := make(map[string]config.ServiceAccount, len(accounts))
	for _, a := range accounts {
		out[a.ClientID] = a
	}
	return out
}
