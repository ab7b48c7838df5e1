// Package service orchestrates the domain components into the request
// admission pipeline and the async security journal.
package service

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/gatewarden/gatewarden/internal/adapter/outbound/cel"
	"github.com/gatewarden/gatewarden/internal/domain/identity"
	"github.com/gatewarden/gatewarden/internal/domain/ratelimit"
	"github.com/gatewarden/gatewarden/internal/domain/reputation"
	"github.com/gatewarden/gatewarden/internal/domain/route"
	"github.com/gatewarden/gatewarden/internal/domain/scan"
)

// AdmissionStage names one check of the admission chain, in order.
type AdmissionStage string

const (
	StageReputation AdmissionStage = "reputation"
	StageScan       AdmissionStage = "scan"
	StageRateLimit  AdmissionStage = "rate_limit"
	StageRBAC       AdmissionStage = "rbac"
)

// AdmissionRequest is the request view the admission chain inspects.
type AdmissionRequest struct {
	Method   string
	Path     string
	RawQuery string
	Header   http.Header

	// Body is the captured payload prefix, nil in streaming mode.
	Body []byte

	// BodySize is the full payload size when known, -1 otherwise.
	BodySize int64

	PeerIP string

	// Group is the normalized path group used for rate accounting.
	Group string

	Identity identity.Identity
	Route    *route.Route
}

// AdmissionDecision is the outcome of running the chain. The first
// denying stage short-circuits the rest.
type AdmissionDecision struct {
	Allowed bool

	// Stage is the denying stage; empty when allowed.
	Stage AdmissionStage

	// Status and Code shape the client-facing rejection.
	Status int
	Code   string
	Reason string

	// RateLimit is set whenever the rate limit stage ran, so allowed
	// responses still carry quota headers.
	RateLimit *ratelimit.Decision

	// Scan is set when the scan stage found threats.
	Scan *scan.Result

	// Reputation describes the reputation stage outcome.
	Reputation        *reputation.Verdict
	ReputationOutcome reputation.Outcome
}

// AdmissionService runs the four admission stages in a fixed order:
// IP reputation, payload scan, rate limit, RBAC with CEL guard.
type AdmissionService struct {
	checker *reputation.Checker // nil when reputation is disabled
	scanner *scan.Scanner

	// monitorOnly logs scan blocks without denying, for dev mode.
	monitorOnly bool

	limiter atomic.Pointer[ratelimit.Limiter]
	guards  atomic.Pointer[cel.GuardSet]

	logger *slog.Logger
}

// NewAdmissionService wires the admission chain. checker and scanner
// may be nil when their stage is disabled.
func NewAdmissionService(
	checker *reputation.Checker,
	scanner *scan.Scanner,
	limiter *ratelimit.Limiter,
	guards *cel.GuardSet,
	monitorOnly bool,
	logger *slog.Logger,
) *AdmissionService {
	s := &AdmissionService{
		checker:     checker,
		scanner:     scanner,
		monitorOnly: monitorOnly,
		logger:      logger,
	}
	s.limiter.Store(limiter)
	s.guards.Store(guards)
	return s
}

// UpdateLimiter swaps the rate limiter after a config reload.
func (s *AdmissionService) UpdateLimiter(l *ratelimit.Limiter) {
	s.limiter.Store(l)
}

// UpdateGuards swaps the compiled guard set after a config reload.
func (s *AdmissionService) UpdateGuards(g *cel.GuardSet) {
	s.guards.Store(g)
}

// Limiter returns the active limiter, for diagnostics.
func (s *AdmissionService) Limiter() *ratelimit.Limiter {
	return s.limiter.Load()
}

// Admit runs the chain. The first deny wins; later stages never run,
// so a blocked scan is not charged against the rate limit.
func (s *AdmissionService) Admit(ctx context.Context, req AdmissionRequest) AdmissionDecision {
	d := AdmissionDecision{Allowed: true}

	if s.checker != nil {
		verdict, outcome := s.checker.Check(ctx, req.PeerIP)
		d.Reputation = &verdict
		d.ReputationOutcome = outcome
		if outcome == reputation.OutcomeBlocked {
			return AdmissionDecision{
				Stage:             StageReputation,
				Status:            http.StatusForbidden,
				Code:              "blocked",
				Reason:            "request blocked by security policy",
				Reputation:        d.Reputation,
				ReputationOutcome: outcome,
			}
		}
	}

	if s.scanner != nil {
		if deny := s.runScan(req); deny != nil {
			deny.Reputation = d.Reputation
			deny.ReputationOutcome = d.ReputationOutcome
			return *deny
		}
	}

	limiter := s.limiter.Load()
	policyName := ""
	if req.Route != nil {
		policyName = req.Route.RatePolicy
	}
	subject := req.Identity.Subject
	if req.Identity.Anonymous {
		subject = ""
	}
	decision, err := limiter.Check(ctx, policyName, ratelimit.Request{
		Subject:   subject,
		Tenant:    req.Identity.Tenant,
		Roles:     req.Identity.Roles,
		PeerIP:    req.PeerIP,
		PathGroup: req.Group,
		Header:    req.Header,
	})
	d.RateLimit = &decision
	if err != nil {
		// Store trouble fails open; the request proceeds uncounted.
		s.logger.Warn("rate limit store unavailable, failing open",
			"policy", decision.Policy,
			"error", err,
		)
	} else if !decision.Allowed {
		d.Allowed = false
		d.Stage = StageRateLimit
		d.Status = http.StatusTooManyRequests
		d.Code = "rate_limited"
		d.Reason = "rate limit exceeded for policy " + decision.Policy
		return d
	}

	if deny := s.checkAccess(ctx, req); deny != nil {
		deny.RateLimit = d.RateLimit
		deny.Reputation = d.Reputation
		deny.ReputationOutcome = d.ReputationOutcome
		return *deny
	}

	return d
}

// runScan is the payload scan stage. A nil return allows; in monitor
// mode blocks are logged and suppressed.
func (s *AdmissionService) runScan(req AdmissionRequest) *AdmissionDecision {
	result := s.scanner.Scan(scan.Input{
		Path:     req.Path,
		RawQuery: req.RawQuery,
		Header:   req.Header,
		Body:     req.Body,
		BodySize: req.BodySize,
		Actor:    actorKey(req),
	})
	if !result.Blocked {
		return nil
	}
	if s.monitorOnly {
		s.logger.Warn("scanner block suppressed in monitor mode",
			"path", req.Path,
			"peer_ip", req.PeerIP,
			"reason", result.Reason,
		)
		return nil
	}
	return &AdmissionDecision{
		Stage:  StageScan,
		Status: http.StatusForbidden,
		Code:   "blocked",
		Reason: result.Reason,
		Scan:   &result,
	}
}

// checkAccess is the RBAC stage: authentication, required roles, then
// the route's CEL guard. A nil return allows.
func (s *AdmissionService) checkAccess(ctx context.Context, req AdmissionRequest) *AdmissionDecision {
	r := req.Route
	if r == nil {
		return nil
	}

	if !r.Public && req.Identity.Anonymous {
		return &AdmissionDecision{
			Stage:  StageRBAC,
			Status: http.StatusUnauthorized,
			Code:   "unauthorized",
			Reason: "authentication required",
		}
	}

	if len(r.RequiredRoles) > 0 && !req.Identity.HasAnyRole(r.RequiredRoles...) {
		return &AdmissionDecision{
			Stage:  StageRBAC,
			Status: http.StatusForbidden,
			Code:   "forbidden",
			Reason: "missing required role",
		}
	}

	allowed, err := s.guards.Load().Evaluate(ctx, r.Template, cel.GuardInput{
		Method:    req.Method,
		Path:      req.Path,
		Group:     req.Group,
		Query:     req.RawQuery,
		Headers:   flattenHeaders(req.Header),
		Subject:   req.Identity.Subject,
		Tenant:    req.Identity.Tenant,
		Roles:     req.Identity.Roles,
		Anonymous: req.Identity.Anonymous,
	})
	if err != nil {
		s.logger.Warn("route guard evaluation failed",
			"route", r.Template,
			"error", err,
		)
	}
	if err != nil || !allowed {
		return &AdmissionDecision{
			Stage:  StageRBAC,
			Status: http.StatusForbidden,
			Code:   "forbidden",
			Reason: "route condition not satisfied",
		}
	}
	return nil
}

// actorKey charges scan events to the authenticated subject when
// present, the peer IP otherwise.
func actorKey(req AdmissionRequest) string {
	if !req.Identity.Anonymous && req.Identity.Subject != "" {
		return "sub:" + req.Identity.Subject
	}
	if req.PeerIP != "" {
		return "ip:" + req.PeerIP
	}
	return ""
}

// flattenHeaders lowers header names and keeps first values, the shape
// guard expressions index into.
func flattenHeaders(h http.Header) map[string]string {
	if len(h) == 0 {
		return map[string]string{}
	}
	out := make(map[string]string, len(h))
	for name, values := range h {
		if len(values) > 0 {
			out[lowerASCII(name)] = values[0]
		}
	}
	return out
}

func lowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if 'A' <= c && c <= 'Z' {
			b[i] = c + 'a' - 'A'
		}
	}
	return string(b)
}
