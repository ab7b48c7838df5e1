package identity

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Typed resolution failures. The transport maps these to the 401 taxonomy;
// on public routes they all degrade to the anonymous identity.
var (
	// ErrMissingToken means no Authorization header or a non-Bearer scheme.
	ErrMissingToken = errors.New("missing bearer token")
	// ErrMalformedToken means the credential is not a well-formed signed
	// token (bad shape, undecodable, or missing required claims).
	ErrMalformedToken = errors.New("malformed token")
	// ErrSignatureInvalid means the signature does not verify against the
	// configured key.
	ErrSignatureInvalid = errors.New("token signature invalid")
	// ErrTokenExpired means the exp claim is in the past. Reported even when
	// the signature is also invalid: expiry is checked on the decoded claims
	// before verification.
	ErrTokenExpired = errors.New("token expired")
	// ErrIssuerMismatch means the iss claim does not match the configured
	// issuer.
	ErrIssuerMismatch = errors.New("token issuer mismatch")
)

// Profile is the verification material and claim layout for bearer tokens.
// It is swapped wholesale on config reload.
type Profile struct {
	// Secret is the HMAC-SHA256 verification key.
	Secret []byte
	// Issuer, when non-empty, must match the iss claim.
	Issuer string
	// TenantClaim names the claim carrying the tenant id.
	TenantClaim string
	// RolesClaim names the claim carrying roles (string or list of strings).
	RolesClaim string
	// RolePrefix is applied to role names that lack it.
	RolePrefix string
}

// Resolver verifies bearer tokens and produces identities. The verification
// profile is read-mostly: Resolve loads it via an atomic pointer, and
// UpdateProfile publishes a replacement under a lock. Safe for concurrent
// use.
type Resolver struct {
	mu      sync.Mutex
	profile atomic.Pointer[Profile]
	parser  *jwt.Parser

	// now is the clock, replaceable in tests.
	now func() time.Time
}

// NewResolver returns a Resolver verifying tokens against the given profile.
func NewResolver(p Profile) *Resolver {
	r := &Resolver{
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
		),
		now: time.Now,
	}
	r.profile.Store(&p)
	return r
}

// UpdateProfile swaps in new verification material. In-flight resolutions
// finish against the profile they loaded; subsequent ones see the new one.
func (r *Resolver) UpdateProfile(p Profile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profile.Store(&p)
}

// ExtractBearer pulls the token out of an Authorization header value.
// Returns ErrMissingToken for an empty header or a non-Bearer scheme.
func ExtractBearer(header string) (string, error) {
	if header == "" {
		return "", ErrMissingToken
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", ErrMissingToken
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}

// Resolve verifies a raw bearer token and returns the caller identity.
//
// Expiry is classified before signature verification: a token whose exp is
// in the past yields ErrTokenExpired regardless of signature validity, so an
// expired credential never reads as a forgery in logs and metrics.
func (r *Resolver) Resolve(raw string) (Identity, error) {
	p := r.profile.Load()

	// Decode without verifying to get at exp first. ParseUnverified also
	// catches structurally broken tokens.
	unverified := jwt.MapClaims{}
	if _, _, err := r.parser.ParseUnverified(raw, unverified); err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	exp, err := unverified.GetExpirationTime()
	if err != nil || exp == nil {
		return Identity{}, fmt.Errorf("%w: missing exp claim", ErrMalformedToken)
	}
	if exp.Before(r.now()) {
		return Identity{}, ErrTokenExpired
	}

	claims := jwt.MapClaims{}
	_, err = r.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return p.Secret, nil
	})
	if err != nil {
		return Identity{}, classifyParseError(err)
	}

	if p.Issuer != "" {
		iss, _ := claims.GetIssuer()
		if iss != p.Issuer {
			return Identity{}, ErrIssuerMismatch
		}
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return Identity{}, fmt.Errorf("%w: missing sub claim", ErrMalformedToken)
	}

	ident := Identity{
		Subject:   sub,
		ExpiresAt: exp.Time,
		TokenHash: HashToken(raw),
	}
	if tenant, ok := claims[p.TenantClaim].(string); ok {
		ident.Tenant = tenant
	}
	ident.Roles = extractRoles(claims[p.RolesClaim], p.RolePrefix)

	return ident, nil
}

// classifyParseError maps verification failures onto the typed sentinels.
func classifyParseError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrTokenExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return ErrSignatureInvalid
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	default:
		return fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
}

// extractRoles accepts the roles claim as either a single string or a list
// of strings, normalizing each entry with the configured prefix. Anything
// else yields no roles.
func extractRoles(claim any, prefix string) []string {
	switch v := claim.(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{NormalizeRole(prefix, v)}
	case []any:
		roles := make([]string, 0, len(v))
		for _, entry := range v {
			if s, ok := entry.(string); ok && s != "" {
				roles = append(roles, NormalizeRole(prefix, s))
			}
		}
		if len(roles) == 0 {
			return nil
		}
		return roles
	default:
		return nil
	}
}
