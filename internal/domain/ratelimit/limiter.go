package ratelimit

import (
	"context"
	"time"
)

// DefaultPolicyName is consulted when a route names no rate policy.
const DefaultPolicyName = "default"

// Limiter derives the accounting key for a request, performs the
// atomic take on the shared store, and shapes the result into a
// Decision. Safe for concurrent use; the policy catalogue is fixed at
// construction and replaced wholesale on reload.
type Limiter struct {
	store    Store
	policies map[string]Policy
}

// NewLimiter builds a limiter over store with the given catalogue.
func NewLimiter(store Store, policies map[string]Policy) *Limiter {
	return &Limiter{store: store, policies: policies}
}

// Policy returns the named policy, falling back to the default class
// for unknown or empty names.
func (l *Limiter) Policy(name string) Policy {
	if name == "" {
		name = DefaultPolicyName
	}
	if p, ok := l.policies[name]; ok {
		return p
	}
	return l.policies[DefaultPolicyName]
}

// Check performs one rate-limit take for the request under the named
// policy. A store error is returned alongside an allowing decision so
// the caller can choose to fail open.
func (l *Limiter) Check(ctx context.Context, policyName string, req Request) (Decision, error) {
	p := l.Policy(policyName)
	key := DeriveKey(p, req)

	d := Decision{
		Key:      key,
		Strategy: p.Strategy,
		Policy:   p.Name,
		Limit:    p.Burst,
	}

	res, err := l.store.Take(ctx, key, p.Window, p.Burst, p.BurstLimit())
	if err != nil {
		d.Allowed = true
		d.Remaining = p.Burst
		return d, err
	}

	d.Allowed = res.Allowed
	d.Reset = orWindow(res.WindowTTL, p.Window)

	if res.Allowed {
		d.Remaining = clampRemaining(p.Burst, res.Count)
		return d, nil
	}

	d.Remaining = 0
	d.RetryAfter = retryAfter(p, res)
	return d, nil
}

// retryAfter is the residual life of whichever counter caused the
// denial; when both are exhausted the longer one governs.
func retryAfter(p Policy, res TakeResult) time.Duration {
	var wait time.Duration
	if res.Count >= int64(p.Burst) {
		wait = orWindow(res.WindowTTL, p.Window)
	}
	if res.Burst >= int64(p.BurstLimit()) {
		if b := orWindow(res.BurstTTL, BurstWindow); b > wait {
			wait = b
		}
	}
	if wait <= 0 {
		wait = orWindow(res.WindowTTL, p.Window)
	}
	return wait
}

func orWindow(ttl, fallback time.Duration) time.Duration {
	if ttl > 0 {
		return ttl
	}
	return fallback
}

func clampRemaining(limit int, count int64) int {
	remaining := limit - int(count)
	if remaining < 0 {
		return 0
	}
	return remaining
}
