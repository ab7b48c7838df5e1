package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/gatewarden/gatewarden/internal/adapter/outbound/dispatch"
	"github.com/gatewarden/gatewarden/internal/domain/identity"
	"github.com/gatewarden/gatewarden/internal/domain/journal"
	"github.com/gatewarden/gatewarden/internal/domain/ratelimit"
	"github.com/gatewarden/gatewarden/internal/domain/resilience"
	"github.com/gatewarden/gatewarden/internal/domain/route"
	"github.com/gatewarden/gatewarden/internal/service"
)

// ProxyHandlerConfig carries the proxy handler's collaborators.
type ProxyHandlerConfig struct {
	Resolver  *identity.Resolver
	Routes    *route.Table
	Admission *service.AdmissionService
	Upstreams *dispatch.Set

	// Journal may be nil when journaling is disabled.
	Journal *service.JournalService

	Metrics *Metrics
	Tracer  trace.Tracer

	// MaxBodyBytes rejects larger request bodies with 413.
	MaxBodyBytes int64

	// ScanPayloadBytes bounds how much of a body is buffered for the
	// scanner. Larger bodies stream through with a single attempt.
	ScanPayloadBytes int64
}

// ProxyHandler runs the full request pipeline: identity, route lookup,
// admission, dispatch, and response relay.
type ProxyHandler struct {
	cfg ProxyHandlerConfig
}

// NewProxyHandler builds the pipeline handler.
func NewProxyHandler(cfg ProxyHandlerConfig) *ProxyHandler {
	if cfg.Tracer == nil {
		cfg.Tracer = noop.NewTracerProvider().Tracer("")
	}
	return &ProxyHandler{cfg: cfg}
}

// stageTiming is one pipeline stage's wall time, reported in the
// Server-Timing response header.
type stageTiming struct {
	name string
	d    time.Duration
}

func (h *ProxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqStart := time.Now()
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	ctx, span := h.cfg.Tracer.Start(ctx, "gateway.request",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
		),
	)
	defer span.End()
	r = r.WithContext(ctx)

	// Trace context flows back to the caller as well as onward to the
	// upstream.
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(w.Header()))

	logger := LoggerFromContext(ctx)
	peerIP := RealIP(r)
	timings := make([]stageTiming, 0, 5)

	if h.cfg.MaxBodyBytes > 0 && r.ContentLength > h.cfg.MaxBodyBytes {
		h.writeError(w, r, timings, reqStart, http.StatusRequestEntityTooLarge, "payload_too_large",
			fmt.Sprintf("request body exceeds %d bytes", h.cfg.MaxBodyBytes))
		return
	}
	if h.cfg.MaxBodyBytes > 0 && r.Body != nil {
		r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes)
	}

	// Identity.
	stageStart := time.Now()
	_, identSpan := h.cfg.Tracer.Start(ctx, "gateway.identity")
	ident, identErr := h.resolveIdentity(r)
	identSpan.SetAttributes(attribute.Bool("gateway.authenticated", identErr == nil))
	identSpan.End()
	timings = append(timings, stageTiming{"identity", time.Since(stageStart)})
	h.cfg.Metrics.StageDuration.WithLabelValues("identity").Observe(time.Since(stageStart).Seconds())

	// Route lookup happens before the identity error disposition:
	// public routes degrade token failures to anonymous, and unmatched
	// paths answer 404 either way.
	_, routeSpan := h.cfg.Tracer.Start(ctx, "gateway.route")
	rt, ok := h.cfg.Routes.Resolve(r.Method, r.URL.Path)
	routeSpan.SetAttributes(attribute.Bool("gateway.matched", ok))
	if ok {
		routeSpan.SetAttributes(attribute.String("gateway.route", rt.Template))
	}
	routeSpan.End()
	if !ok {
		h.writeError(w, r, timings, reqStart, http.StatusNotFound, "not_found", "no route matches this path")
		return
	}
	span.SetAttributes(
		attribute.String("gateway.route", rt.Template),
		attribute.String("gateway.upstream", rt.Upstream),
	)

	if identErr != nil {
		if rt.Public {
			ident = identity.Anonymous()
		} else {
			status, code, message := classifyIdentityError(identErr)
			h.writeError(w, r, timings, reqStart, status, code, message)
			return
		}
	}

	// Body capture: small bodies buffer for the scanner and replay on
	// retries, large ones stream through with a single attempt.
	body, stream, bodySize, err := h.captureBody(r)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			h.writeError(w, r, timings, reqStart, http.StatusRequestEntityTooLarge, "payload_too_large",
				fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit))
			return
		}
		logger.Warn("failed to read request body", "error", err)
		h.writeError(w, r, timings, reqStart, http.StatusBadRequest, "bad_request", "unreadable request body")
		return
	}

	// Admission.
	stageStart = time.Now()
	admitCtx, admitSpan := h.cfg.Tracer.Start(ctx, "gateway.admission")
	decision := h.cfg.Admission.Admit(admitCtx, service.AdmissionRequest{
		Method:   r.Method,
		Path:     r.URL.Path,
		RawQuery: r.URL.RawQuery,
		Header:   r.Header,
		Body:     body,
		BodySize: bodySize,
		PeerIP:   peerIP,
		Group:    route.Group(r.URL.Path),
		Identity: ident,
		Route:    rt,
	})
	admitSpan.SetAttributes(attribute.Bool("gateway.allowed", decision.Allowed))
	if !decision.Allowed {
		admitSpan.SetAttributes(attribute.String("gateway.denied_stage", string(decision.Stage)))
	}
	admitSpan.End()
	timings = append(timings, stageTiming{"admission", time.Since(stageStart)})
	h.cfg.Metrics.StageDuration.WithLabelValues("admission").Observe(time.Since(stageStart).Seconds())
	h.recordAdmission(decision)

	if decision.RateLimit != nil {
		writeRateLimitHeaders(w, decision.RateLimit)
	}

	if !decision.Allowed {
		h.journalDenial(r, ident, peerIP, decision)
		span.SetAttributes(attribute.String("gateway.denied_stage", string(decision.Stage)))
		if decision.Stage == service.StageRateLimit && decision.RateLimit != nil {
			w.Header().Set("Retry-After", strconv.Itoa(ceilSeconds(decision.RateLimit.RetryAfter)))
		}
		h.writeError(w, r, timings, reqStart, decision.Status, decision.Code, decision.Reason)
		return
	}

	// Dispatch.
	up, ok := h.cfg.Upstreams.Get(rt.Upstream)
	if !ok {
		logger.Error("route references unknown upstream", "route", rt.Template, "upstream", rt.Upstream)
		h.writeError(w, r, timings, reqStart, http.StatusBadGateway, "upstream_error", "upstream not configured")
		return
	}

	// The buffered prefix of an overflowed body already rides inside
	// the stream; forwarding it as Body too would send it twice.
	dispatchBody := body
	if stream != nil {
		dispatchBody = nil
	}

	stageStart = time.Now()
	dispatchCtx, dispatchSpan := h.cfg.Tracer.Start(ctx, "gateway.dispatch",
		trace.WithAttributes(attribute.String("gateway.upstream", rt.Upstream)))
	resp, err := up.Forward(dispatchCtx, &dispatch.Request{
		Method:     r.Method,
		Path:       r.URL.Path,
		RawQuery:   r.URL.RawQuery,
		Header:     r.Header,
		Body:       dispatchBody,
		Stream:     stream,
		Host:       r.Host,
		PeerIP:     peerIP,
		TLS:        r.TLS != nil,
		RequestID:  RequestIDFromContext(ctx),
		Subject:    subjectOf(ident),
		Tenant:     ident.Tenant,
		Idempotent: rt.IdempotentFor(r.Method),
	})
	if err == nil {
		dispatchSpan.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	}
	dispatchSpan.End()
	dispatchTime := time.Since(stageStart)
	timings = append(timings, stageTiming{"upstream", dispatchTime})
	h.cfg.Metrics.StageDuration.WithLabelValues("upstream").Observe(dispatchTime.Seconds())

	if err != nil {
		h.writeDispatchError(w, r, logger, rt.Upstream, err, timings, reqStart)
		return
	}
	defer resp.Body.Close()

	h.cfg.Metrics.UpstreamResponses.WithLabelValues(rt.Upstream, statusClass(resp.StatusCode)).Inc()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	h.relay(w, resp, finishTimings(timings, reqStart), logger)
}

// resolveIdentity runs bearer resolution. The error is returned rather
// than handled so the route's Public flag can decide its disposition.
func (h *ProxyHandler) resolveIdentity(r *http.Request) (identity.Identity, error) {
	raw, err := identity.ExtractBearer(r.Header.Get("Authorization"))
	if err != nil {
		return identity.Anonymous(), err
	}
	return h.cfg.Resolver.Resolve(raw)
}

// captureBody reads the request payload. Bodies within the scan budget
// are fully buffered (replayable); larger or unsized ones return a
// stream carrying the buffered prefix plus the remainder. When a
// stream comes back, body still holds the scanned prefix for
// admission; only the stream is forwarded.
func (h *ProxyHandler) captureBody(r *http.Request) (body []byte, stream io.Reader, size int64, err error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil, 0, nil
	}
	limit := h.cfg.ScanPayloadBytes
	if limit <= 0 {
		limit = 1 << 20
	}

	if r.ContentLength > limit {
		// Known oversized: stream end to end, never buffer.
		return nil, r.Body, r.ContentLength, nil
	}

	buf, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, nil, 0, err
	}
	if int64(len(buf)) > limit {
		// Unsized body that outgrew the budget mid-read: the scanner
		// sees the buffered prefix, the upstream gets prefix plus
		// remainder as a stream. The negative size marks the overflow.
		return buf, io.MultiReader(bytes.NewReader(buf), r.Body), -1, nil
	}

	return buf, nil, int64(len(buf)), nil
}

// relay copies the upstream response to the client: headers minus
// hop-by-hop, the Server-Timing breakdown, the streamed body, then
// trailers.
func (h *ProxyHandler) relay(w http.ResponseWriter, resp *http.Response, timings []stageTiming, logger *slog.Logger) {
	header := w.Header()
	for name, values := range resp.Header {
		for _, v := range values {
			header.Add(name, v)
		}
	}
	dispatch.StripHopByHop(header)

	for name := range resp.Trailer {
		header.Add("Trailer", name)
	}

	header.Set("Server-Timing", formatServerTiming(timings))

	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		logger.Debug("error relaying upstream body", "error", err)
	}

	for name, values := range resp.Trailer {
		for _, v := range values {
			header.Add(http.TrailerPrefix+name, v)
		}
	}
}

func (h *ProxyHandler) writeDispatchError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, upstream string, err error, timings []stageTiming, reqStart time.Time) {
	switch {
	case errors.Is(err, resilience.ErrBulkheadFull):
		h.writeError(w, r, timings, reqStart, http.StatusServiceUnavailable, "bulkhead_full", "upstream at capacity")
	case errors.Is(err, resilience.ErrCircuitOpen):
		h.writeError(w, r, timings, reqStart, http.StatusServiceUnavailable, "circuit_open", "upstream circuit open")
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to write.
		logger.Debug("client cancelled request", "upstream", upstream)
	default:
		var ue *resilience.UpstreamError
		if errors.As(err, &ue) && ue.Timeout {
			h.writeError(w, r, timings, reqStart, http.StatusGatewayTimeout, "upstream_timeout", "upstream did not answer in time")
			return
		}
		logger.Warn("upstream dispatch failed", "upstream", upstream, "error", err)
		h.writeError(w, r, timings, reqStart, http.StatusBadGateway, "upstream_error", "upstream request failed")
	}
}

// writeError emits the error envelope together with the Server-Timing
// accumulated up to the failure point.
func (h *ProxyHandler) writeError(w http.ResponseWriter, r *http.Request, timings []stageTiming, reqStart time.Time, status int, code, message string) {
	w.Header().Set("Server-Timing", formatServerTiming(finishTimings(timings, reqStart)))
	WriteError(w, r, status, code, message)
}

// recordAdmission translates one admission decision into metrics.
func (h *ProxyHandler) recordAdmission(d service.AdmissionDecision) {
	m := h.cfg.Metrics

	if d.ReputationOutcome != "" {
		m.ReputationChecks.WithLabelValues(string(d.ReputationOutcome)).Inc()
	}
	if d.Scan != nil {
		for _, threat := range d.Scan.Threats {
			m.ThreatsDetected.WithLabelValues(string(threat.Type)).Inc()
		}
	}
	if d.RateLimit != nil {
		outcome := "allowed"
		if !d.RateLimit.Allowed {
			outcome = "denied"
		}
		m.RateLimitDecisions.WithLabelValues(d.RateLimit.Policy, outcome).Inc()
	}
	if !d.Allowed {
		m.AdmissionDenials.WithLabelValues(string(d.Stage), d.Code).Inc()
	}
}

// journalDenial records the denial in the security journal.
func (h *ProxyHandler) journalDenial(r *http.Request, ident identity.Identity, peerIP string, d service.AdmissionDecision) {
	if h.cfg.Journal == nil {
		return
	}
	kind, ok := denialKind(d.Stage)
	if !ok {
		return
	}
	h.cfg.Journal.Record(journal.Entry{
		Kind:      kind,
		RequestID: RequestIDFromContext(r.Context()),
		Subject:   subjectOf(ident),
		Tenant:    ident.Tenant,
		PeerIP:    peerIP,
		Method:    r.Method,
		Path:      r.URL.Path,
		Reason:    d.Reason,
	})
}

func denialKind(stage service.AdmissionStage) (journal.Kind, bool) {
	switch stage {
	case service.StageScan:
		return journal.KindScanBlock, true
	case service.StageRateLimit:
		return journal.KindRateLimit, true
	case service.StageRBAC:
		return journal.KindRBACDeny, true
	case service.StageReputation:
		return journal.KindReputationBlock, true
	default:
		return "", false
	}
}

func classifyIdentityError(err error) (status int, code, message string) {
	switch {
	case errors.Is(err, identity.ErrTokenExpired):
		return http.StatusUnauthorized, "token_expired", "bearer token has expired"
	case errors.Is(err, identity.ErrMissingToken):
		return http.StatusUnauthorized, "unauthorized", "missing bearer token"
	default:
		return http.StatusUnauthorized, "unauthorized", "bearer token rejected"
	}
}

func writeRateLimitHeaders(w http.ResponseWriter, d *ratelimit.Decision) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.Itoa(ceilSeconds(d.Reset)))
}

// ceilSeconds rounds up so a positive residual never reads as zero.
func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	s := int(d / time.Second)
	if d%time.Second != 0 {
		s++
	}
	return s
}

func subjectOf(ident identity.Identity) string {
	if ident.Anonymous {
		return ""
	}
	return ident.Subject
}

func statusClass(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

// finishTimings caps the stage breakdown with the end-to-end total, so
// Server-Timing is never empty even on pre-pipeline rejections.
func finishTimings(timings []stageTiming, reqStart time.Time) []stageTiming {
	return append(timings, stageTiming{"total", time.Since(reqStart)})
}

func formatServerTiming(timings []stageTiming) string {
	parts := make([]string, len(timings))
	for i, t := range timings {
		parts[i] = fmt.Sprintf("%s;dur=%.1f", t.name, float64(t.d.Microseconds())/1000)
	}
	return strings.Join(parts, ", ")
}
