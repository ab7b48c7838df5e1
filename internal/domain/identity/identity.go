// Package identity contains the domain types and logic for resolving the
// caller identity from a bearer token.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Identity represents a verified caller context. It is derived once per
// request by the Resolver and immutable thereafter; stages downstream of
// identity resolution only read it.
type Identity struct {
	// Subject is the unique caller id (the token sub claim).
	Subject string
	// Tenant is the organization the caller acts within. Optional.
	Tenant string
	// Roles are the caller's normalized role names (prefix applied).
	Roles []string
	// ExpiresAt is the token expiry instant.
	ExpiresAt time.Time
	// TokenHash is the SHA-256 hex of the presented token, for logging.
	// Never log the token itself.
	TokenHash string
	// Anonymous marks the shared unauthenticated identity used on public
	// routes. It carries no subject, roles, or tenant.
	Anonymous bool
}

// Anonymous returns the identity used for public routes when no usable
// credentials are presented.
func Anonymous() Identity {
	return Identity{Anonymous: true}
}

// HasRole returns true if the identity carries the given normalized role.
func (i *Identity) HasRole(role string) bool {
	for _, r := range i.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HasAnyRole returns true if the identity carries any of the given
// normalized roles.
func (i *Identity) HasAnyRole(roles ...string) bool {
	for _, role := range roles {
		if i.HasRole(role) {
			return true
		}
	}
	return false
}

// NormalizeRole prepends prefix to role unless it is already present, so
// tokens and route tables may spell roles either way ("admin" or
// "ROLE_ADMIN"). Comparison stays case-sensitive after the prefix.
func NormalizeRole(prefix, role string) string {
	if prefix == "" || strings.HasPrefix(role, prefix) {
		return role
	}
	return prefix + role
}

// HashToken returns the SHA-256 hex digest of a raw token. Used for
// correlation in logs and journal entries without retaining the credential.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
