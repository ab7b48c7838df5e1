// Package journal defines the security journal: an append-only record
// of every admission denial and breaker transition, written off the
// request path.
package journal

import (
	"context"
	"time"
)

// Kind classifies a journal entry.
type Kind string

const (
	// KindScanBlock records a request blocked by the payload scanner.
	KindScanBlock Kind = "scan_block"

	// KindRateLimit records a request rejected by the rate limiter.
	KindRateLimit Kind = "rate_limit"

	// KindRBACDeny records a role or guard check failure.
	KindRBACDeny Kind = "rbac_deny"

	// KindReputationBlock records a peer blocked by IP reputation.
	KindReputationBlock Kind = "reputation_block"

	// KindBreakerTransition records a circuit breaker state change.
	KindBreakerTransition Kind = "breaker_transition"
)

// Entry is one journal record. Entries are serialized as JSON Lines.
type Entry struct {
	Timestamp time.Time `json:"ts"`
	Kind      Kind      `json:"kind"`
	RequestID string    `json:"request_id,omitempty"`
	Subject   string    `json:"subject,omitempty"`
	Tenant    string    `json:"tenant,omitempty"`
	PeerIP    string    `json:"peer_ip,omitempty"`
	Method    string    `json:"method,omitempty"`
	Path      string    `json:"path,omitempty"`
	Upstream  string    `json:"upstream,omitempty"`
	Reason    string    `json:"reason"`
}

// Store persists journal entries. Implementations handle batching;
// Append receives whole batches from the journal worker.
type Store interface {
	// Append writes entries in order.
	Append(ctx context.Context, entries ...Entry) error

	// Flush forces pending entries to the sink. Called during shutdown.
	Flush(ctx context.Context) error

	// Close releases resources.
	Close() error
}
