// Package admin provides the gated diagnostics surface: a key-checked
// middleware and read-only handlers exposing breaker state, rate limit
// buckets, the active route table, and the suspicious-actor table.
package admin

import (
	"encoding/json"
	"net"
	"net/http"

	"github.com/gatewarden/gatewarden/internal/domain/auth"
)

// AdminKeyHeader carries the admin credential on gated endpoints.
const AdminKeyHeader = "X-Admin-Key"

// KeyGate guards the admin endpoints. A request passes when it
// presents a key matching the keyring, or originates from loopback
// while AllowLocalhost is set.
type KeyGate struct {
	keyring        *auth.Keyring
	allowLocalhost bool
}

// NewKeyGate builds the gate. keyring may be nil when no keys are
// configured; then only the localhost bypass can admit.
func NewKeyGate(keyring *auth.Keyring, allowLocalhost bool) *KeyGate {
	return &KeyGate{keyring: keyring, allowLocalhost: allowLocalhost}
}

// Middleware enforces the gate around next.
func (g *KeyGate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.admit(r) {
			next.ServeHTTP(w, r)
			return
		}
		respondError(w, http.StatusForbidden, "admin access denied")
	})
}

func (g *KeyGate) admit(r *http.Request) bool {
	if key := r.Header.Get(AdminKeyHeader); key != "" && g.keyring != nil && g.keyring.Verify(key) {
		return true
	}
	return g.allowLocalhost && isLocalhost(r)
}

// isLocalhost checks if the request originates from a loopback address.
// It parses the host portion from r.RemoteAddr; X-Forwarded-For is
// intentionally NOT trusted here, an attacker could spoof it.
func isLocalhost(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
