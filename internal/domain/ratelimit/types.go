// Package ratelimit provides multi-strategy rate limiting: key
// derivation from caller attributes, policy classes, and the decision
// types shared by the counter store backends.
package ratelimit

import (
	"context"
	"time"
)

// Strategy selects how the accounting key is derived from a request.
// Two distinct strategies never share a bucket.
type Strategy string

const (
	StrategyUser      Strategy = "user"
	StrategyIP        Strategy = "ip"
	StrategyAPIKey    Strategy = "api_key"
	StrategyPath      Strategy = "path"
	StrategyTenant    Strategy = "tenant"
	StrategyRole      Strategy = "role"
	StrategyComposite Strategy = "composite"
)

// Policy is one named rate class. Burst is the ceiling enforced per
// window; Rate is the sustained per-second replenishment enforced as
// Rate*60 over a fixed one-minute counter.
type Policy struct {
	Name      string
	Strategy  Strategy
	Of        []Strategy // composite members
	Rate      int
	Burst     int
	Window    time.Duration
	KeyHeader string // header consulted by the api_key strategy
}

// BurstLimit returns the sustained ceiling for the one-minute counter.
func (p Policy) BurstLimit() int {
	return p.Rate * 60
}

// Decision is the outcome of one rate check, carrying everything the
// HTTP layer needs for the RateLimit response headers.
type Decision struct {
	Allowed    bool
	Key        string
	Strategy   Strategy
	Policy     string
	Limit      int
	Remaining  int
	RetryAfter time.Duration // until a retry can succeed; zero when allowed
	Reset      time.Duration // until the window counter expires
}

// TakeResult reports the counter state after one atomic take.
type TakeResult struct {
	Allowed   bool
	Count     int64
	Burst     int64
	WindowTTL time.Duration
	BurstTTL  time.Duration
}

// BucketView is a read-only snapshot of one key's counters.
type BucketView struct {
	Key       string        `json:"key"`
	Count     int64         `json:"count"`
	Burst     int64         `json:"burst"`
	WindowTTL time.Duration `json:"window_ttl"`
	BurstTTL  time.Duration `json:"burst_ttl"`
}

// Store is the shared counter backend. Take must be atomic: the deny
// check and both increments happen as one step, and concurrent takes
// on the same key serialize.
//
// The effect of Take, given the window counter at key and the
// sustained counter at key+":burst":
//  1. If count >= limit or burst >= burstLimit, deny without
//     incrementing.
//  2. Otherwise increment both, stamping the window TTL on first use
//     of the window counter and a one-minute TTL on first use of the
//     sustained counter.
type Store interface {
	Take(ctx context.Context, key string, window time.Duration, limit, burstLimit int) (TakeResult, error)

	// Peek reads counters without consuming. Missing keys report
	// zero counts.
	Peek(ctx context.Context, key string) (BucketView, error)
}

// BurstKey returns the sustained-counter key paired with key.
func BurstKey(key string) string {
	return key + ":burst"
}

// BurstWindow is the fixed span of the sustained-rate counter.
const BurstWindow = time.Minute
