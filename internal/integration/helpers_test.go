// Package integration exercises the assembled gateway: identity,
// admission, dispatch, and journaling wired together the way the start
// command wires them, in front of real httptest upstreams.
package integration

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"

	gwhttp "github.com/gatewarden/gatewarden/internal/adapter/inbound/http"
	"github.com/gatewarden/gatewarden/internal/adapter/outbound/cel"
	"github.com/gatewarden/gatewarden/internal/adapter/outbound/dispatch"
	"github.com/gatewarden/gatewarden/internal/adapter/outbound/memory"
	"github.com/gatewarden/gatewarden/internal/domain/identity"
	"github.com/gatewarden/gatewarden/internal/domain/journal"
	"github.com/gatewarden/gatewarden/internal/domain/ratelimit"
	"github.com/gatewarden/gatewarden/internal/domain/resilience"
	"github.com/gatewarden/gatewarden/internal/domain/route"
	"github.com/gatewarden/gatewarden/internal/domain/scan"
	"github.com/gatewarden/gatewarden/internal/service"
)

var tokenSecret = []byte("integration-test-secret")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = time.Now().Add(time.Hour).Unix()
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(tokenSecret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return raw
}

// captureSink records journal entries in memory for assertions.
type captureSink struct {
	mu      sync.Mutex
	entries []journal.Entry
}

func (s *captureSink) Append(_ context.Context, entries ...journal.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entries...)
	return nil
}

func (s *captureSink) Flush(context.Context) error { return nil }
func (s *captureSink) Close() error                { return nil }

func (s *captureSink) Entries() []journal.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]journal.Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// upstreamSpec declares one backend of a test gateway.
type upstreamSpec struct {
	name string
	url  string

	// breakerMinCalls below this the failure ratio never trips.
	// Zero selects a threshold high enough to keep the breaker quiet.
	breakerMinCalls uint32

	// maxAttempts for idempotent retries; zero means one attempt.
	maxAttempts int

	timeout time.Duration
}

func (s upstreamSpec) envelope() *resilience.Envelope {
	minCalls := s.breakerMinCalls
	if minCalls == 0 {
		minCalls = 1000
	}
	attempts := s.maxAttempts
	if attempts == 0 {
		attempts = 1
	}
	timeout := s.timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return resilience.NewEnvelope(
		s.name,
		resilience.NewBulkhead(resilience.BulkheadConfig{Name: s.name, MaxConcurrent: 16}),
		resilience.NewBreaker(resilience.BreakerConfig{
			Name:             s.name,
			FailureThreshold: 0.5,
			MinCalls:         minCalls,
			Window:           time.Minute,
			Cooldown:         time.Minute,
		}),
		resilience.RetryPolicy{MaxAttempts: attempts, Base: time.Millisecond, Multiplier: 2},
		timeout,
	)
}

func testPolicies() map[string]ratelimit.Policy {
	return map[string]ratelimit.Policy{
		"default": {
			Name:     "default",
			Strategy: ratelimit.StrategyUser,
			Rate:     100,
			Burst:    100,
			Window:   time.Minute,
		},
		"burst1": {
			Name:     "burst1",
			Strategy: ratelimit.StrategyUser,
			Rate:     1,
			Burst:    1,
			Window:   time.Minute,
		},
	}
}

// buildGateway assembles the full pipeline the way the start command
// does: resolver, route table, guards, scanner, limiter on the given
// store, dispatch set, and the request id middleware around the proxy.
func buildGateway(t *testing.T, store ratelimit.Store, journalSvc *service.JournalService, routes []route.Route, upstreams []upstreamSpec) http.Handler {
	t.Helper()

	table, err := route.NewTable(routes)
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}

	conditions := make(map[string]string)
	for _, r := range routes {
		if r.Condition != "" {
			conditions[r.Template] = r.Condition
		}
	}
	guards, err := cel.CompileGuards(conditions)
	if err != nil {
		t.Fatalf("CompileGuards: %v", err)
	}

	if store == nil {
		store = memory.NewCounterStore()
	}
	logger := testLogger()
	limiter := ratelimit.NewLimiter(store, testPolicies())
	scanner := scan.NewScanner(scan.Options{MaxPayloadBytes: 1 << 20}, nil)
	admission := service.NewAdmissionService(nil, scanner, limiter, guards, false, logger)

	ups := make([]*dispatch.Upstream, 0, len(upstreams))
	for _, spec := range upstreams {
		up, err := dispatch.NewUpstream(spec.name, spec.url, 4, spec.envelope())
		if err != nil {
			t.Fatalf("NewUpstream %s: %v", spec.name, err)
		}
		ups = append(ups, up)
	}

	proxy := gwhttp.NewProxyHandler(gwhttp.ProxyHandlerConfig{
		Resolver:         identity.NewResolver(identity.Profile{Secret: tokenSecret, RolesClaim: "roles", TenantClaim: "org"}),
		Routes:           table,
		Admission:        admission,
		Upstreams:        dispatch.NewSet(ups),
		Journal:          journalSvc,
		Metrics:          gwhttp.NewMetrics(prometheus.NewRegistry()),
		MaxBodyBytes:     1 << 20,
		ScanPayloadBytes: 1 << 20,
	})
	return gwhttp.RequestIDMiddleware(testLogger())(proxy)
}
