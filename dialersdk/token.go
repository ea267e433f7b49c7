/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package dialersdk

import (
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

// tokenAlgorithms are the signature algorithms accepted when parsing agent tokens.
var tokenAlgorithms = []jose.SignatureAlgorithm{
	jose.HS256, jose.HS384, jose.HS512,
	jose.RS256, jose.ES256,
}

// TokenClaims are the claims the authentication backend puts in an agent's
// bearer token.
type TokenClaims struct {
	Username  string `json:"sub"`
	AgentID   int64  `json:"agent_id"`
	SessionID string `json:"session_id"`

	Expiry *jwt.NumericDate `json:"exp,omitempty"`
}

// ExpiresAt returns the token expiry, or the zero time when the token has none.
func (c *TokenClaims) ExpiresAt() time.Time {
	if c.Expiry == nil {
		return time.Time{}
	}
	return c.Expiry.Time()
}

// Expired reports whether the token is past its expiry at t.
func (c *TokenClaims) Expired(t time.Time) bool {
	exp := c.ExpiresAt()
	return !exp.IsZero() && !t.Before(exp)
}

// ParseToken decodes the claims of an agent token without verifying its
// signature. The console only reads identity out of the token; the backend
// remains the party that validates it.
func ParseToken(token string) (*TokenClaims, error) {
	parsed, err := jwt.ParseSigned(token, tokenAlgorithms)
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims := &TokenClaims{}
	if err := parsed.UnsafeClaimsWithoutVerification(claims); err != nil {
		return nil, fmt.Errorf("decode token claims: %w", err)
	}
	if claims.AgentID == 0 {
		return nil, fmt.Errorf("token has no agent_id claim")
	}
	return claims, nil
}

// VerifyToken decodes the claims of an HMAC-signed agent token after checking
// its signature against secret.
func VerifyToken(token string, secret []byte) (*TokenClaims, error) {
	parsed, err := jwt.ParseSigned(token, tokenAlgorithms)
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims := &TokenClaims{}
	if err := parsed.Claims(secret, claims); err != nil {
		return nil, fmt.Errorf("verify token: %w", err)
	}
	if claims.AgentID == 0 {
		return nil, fmt.Errorf("token has no agent_id claim")
	}
	return claims, nil
}

// Claims parses the client's own access token.
func (c *Client) Claims() (*TokenClaims, error) {
	return ParseToken(c.accessToken)
}
