// Package dispatch forwards admitted requests to their upstream. Each
// upstream owns a pooled transport and a resilience envelope; attempts
// are rebuilt per retry so buffered bodies replay cleanly.
package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/gatewarden/gatewarden/internal/domain/resilience"
)

// Request is one admitted request ready for forwarding. The original
// path is preserved verbatim, version segments included.
type Request struct {
	Method   string
	Path     string
	RawQuery string
	Header   http.Header

	// Body is the buffered, replayable payload. Nil when Stream is set.
	Body []byte

	// Stream carries an oversized payload end to end without
	// buffering. Streamed requests get exactly one attempt.
	Stream io.Reader

	// Host is the client-facing Host header, forwarded as
	// X-Forwarded-Host.
	Host string

	// PeerIP is appended to X-Forwarded-For.
	PeerIP string

	// TLS reports whether the client connection was encrypted.
	TLS bool

	RequestID string
	Subject   string
	Tenant    string

	// Idempotent permits retries of failed attempts.
	Idempotent bool
}

// Upstream forwards requests to one backend through its resilience
// envelope.
type Upstream struct {
	name     string
	base     *url.URL
	client   *http.Client
	envelope *resilience.Envelope
}

// NewUpstream builds the pooled transport for one backend. poolSize
// caps idle connections kept open.
func NewUpstream(name, baseURL string, poolSize int, envelope *resilience.Envelope) (*Upstream, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("upstream %s: %w", name, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("upstream %s: unsupported scheme %q", name, base.Scheme)
	}
	if poolSize <= 0 {
		poolSize = 64
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          poolSize,
		MaxIdleConnsPerHost:   poolSize,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &Upstream{
		name: name,
		base: base,
		client: &http.Client{
			Transport: transport,
			// Redirects pass through to the caller untouched.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		envelope: envelope,
	}, nil
}

// Name returns the upstream's configured name.
func (u *Upstream) Name() string {
	return u.name
}

// Envelope exposes the resilience envelope for diagnostics.
func (u *Upstream) Envelope() *resilience.Envelope {
	return u.envelope
}

// Forward dispatches req through the resilience envelope. On success
// the caller owns the response; closing its body releases the bulkhead
// permit. Streamed bodies force a single attempt regardless of the
// route's idempotency.
func (u *Upstream) Forward(ctx context.Context, req *Request) (*http.Response, error) {
	idempotent := req.Idempotent
	if req.Stream != nil {
		idempotent = false
	}

	return u.envelope.Execute(ctx, idempotent, func(attemptCtx context.Context) (*http.Response, error) {
		out, err := u.buildAttempt(attemptCtx, req)
		if err != nil {
			return nil, err
		}
		return u.client.Do(out)
	})
}

// buildAttempt constructs a fresh outbound request for one attempt.
func (u *Upstream) buildAttempt(ctx context.Context, req *Request) (*http.Request, error) {
	target := strings.TrimRight(u.base.String(), "/") + req.Path
	if req.RawQuery != "" {
		target += "?" + req.RawQuery
	}

	var body io.Reader
	switch {
	case req.Stream != nil:
		body = req.Stream
	case len(req.Body) > 0:
		body = bytes.NewReader(req.Body)
	}

	out, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	if len(req.Body) > 0 {
		out.ContentLength = int64(len(req.Body))
	}

	for name, values := range req.Header {
		for _, v := range values {
			out.Header.Add(name, v)
		}
	}
	StripHopByHop(out.Header)

	if req.RequestID != "" {
		out.Header.Set("X-Request-Id", req.RequestID)
	}
	if req.Subject != "" {
		out.Header.Set("X-User-Id", req.Subject)
	}
	if req.Tenant != "" {
		out.Header.Set("X-Organization-Id", req.Tenant)
	}

	if req.PeerIP != "" {
		if prior := out.Header.Get("X-Forwarded-For"); prior != "" {
			out.Header.Set("X-Forwarded-For", prior+", "+req.PeerIP)
		} else {
			out.Header.Set("X-Forwarded-For", req.PeerIP)
		}
	}
	scheme := "http"
	if req.TLS {
		scheme = "https"
	}
	out.Header.Set("X-Forwarded-Proto", scheme)
	if req.Host != "" {
		out.Header.Set("X-Forwarded-Host", req.Host)
	}

	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(out.Header))

	return out, nil
}

// Set is the immutable upstream registry built at boot.
type Set struct {
	upstreams map[string]*Upstream
}

// NewSet builds a registry from the given upstreams.
func NewSet(upstreams []*Upstream) *Set {
	m := make(map[string]*Upstream, len(upstreams))
	for _, u := range upstreams {
		m[u.name] = u
	}
	return &Set{upstreams: m}
}

// Get returns the named upstream.
func (s *Set) Get(name string) (*Upstream, bool) {
	u, ok := s.upstreams[name]
	return u, ok
}

// BreakerSnapshots returns the breaker state of every upstream, sorted
// by the caller if needed.
func (s *Set) BreakerSnapshots() []resilience.BreakerSnapshot {
	out := make([]resilience.BreakerSnapshot, 0, len(s.upstreams))
	for _, u := range s.upstreams {
		out = append(out, u.envelope.Breaker().Snapshot())
	}
	return out
}
