// Package reputation provides the best-effort IP reputation check that
// runs first in the admission pipeline. Lookups go to an external
// scoring service and always fail open: an unreachable, slow, or
// over-budget reputation service never blocks traffic.
package reputation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// maxResponseBytes bounds how much of a reputation reply is read.
const maxResponseBytes = 64 << 10

// Verdict is the cached outcome of one IP lookup.
type Verdict struct {
	IP      string    `json:"ip"`
	Score   int       `json:"score"`
	Blocked bool      `json:"blocked"`
	Checked time.Time `json:"checked"`
}

// Outcome classifies how a check concluded, for metrics.
type Outcome string

const (
	OutcomeAllowed  Outcome = "allowed"
	OutcomeBlocked  Outcome = "blocked"
	OutcomeCached   Outcome = "cached"
	OutcomeFailOpen Outcome = "fail_open"
	OutcomeSkipped  Outcome = "skipped"
)

// Config parameterizes a Checker.
type Config struct {
	// URL is the reputation endpoint. The peer IP is appended as the
	// "ip" query parameter.
	URL string

	// APIKey, when set, is sent in the X-Api-Key header.
	APIKey string

	// BlockScore denies peers scoring at or above it.
	BlockScore int

	// Timeout bounds one lookup.
	Timeout time.Duration

	// CacheTTL is how long verdicts are reused per IP.
	CacheTTL time.Duration

	// CacheSize caps the verdict cache entry count.
	CacheSize int

	// MaxLookupsPerSecond caps outbound lookups. Excess requests skip
	// the check and fail open.
	MaxLookupsPerSecond int
}

// Checker performs rate-capped, cached, fail-open reputation lookups.
// Safe for concurrent use. Concurrent checks of the same IP are
// collapsed into one outbound request.
type Checker struct {
	cfg     Config
	client  *http.Client
	cache   *verdictCache
	flight  singleflight.Group
	limiter *rate.Limiter
	logger  *slog.Logger

	now func() time.Time
}

// NewChecker builds a Checker from cfg. The zero values of cfg fall
// back to conservative defaults matching the configuration schema.
func NewChecker(cfg Config, logger *slog.Logger) *Checker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 4096
	}
	if cfg.BlockScore <= 0 {
		cfg.BlockScore = 75
	}
	if cfg.MaxLookupsPerSecond <= 0 {
		cfg.MaxLookupsPerSecond = 50
	}
	return &Checker{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		cache:   newVerdictCache(cfg.CacheSize),
		limiter: rate.NewLimiter(rate.Limit(cfg.MaxLookupsPerSecond), cfg.MaxLookupsPerSecond),
		logger:  logger,
		now:     time.Now,
	}
}

// Check returns the verdict for ip and how it was obtained. Every
// failure path returns an allowing verdict: only a successful lookup
// (or a cached one) can block.
func (c *Checker) Check(ctx context.Context, ip string) (Verdict, Outcome) {
	if ip == "" {
		return Verdict{IP: ip}, OutcomeSkipped
	}

	if v, ok := c.cache.get(ip, c.now()); ok {
		if v.Blocked {
			return v, OutcomeBlocked
		}
		return v, OutcomeCached
	}

	// Over the lookup budget: skip rather than queue, the check is
	// best-effort.
	if !c.limiter.Allow() {
		return Verdict{IP: ip}, OutcomeSkipped
	}

	res, err, _ := c.flight.Do(ip, func() (any, error) {
		return c.lookup(ctx, ip)
	})
	if err != nil {
		c.logger.Debug("reputation lookup failed open", "ip", ip, "error", err)
		return Verdict{IP: ip}, OutcomeFailOpen
	}

	v := res.(Verdict)
	c.cache.put(ip, v, c.now().Add(c.cfg.CacheTTL))
	if v.Blocked {
		return v, OutcomeBlocked
	}
	return v, OutcomeAllowed
}

// lookupResponse is the wire shape of the reputation service reply.
// Only the score is consulted; unknown fields are ignored.
type lookupResponse struct {
	Score int `json:"score"`
}

func (c *Checker) lookup(ctx context.Context, ip string) (Verdict, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return Verdict{}, fmt.Errorf("reputation url: %w", err)
	}
	q := u.Query()
	q.Set("ip", ip)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Verdict{}, err
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("X-Api-Key", c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Verdict{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Verdict{}, fmt.Errorf("reputation service status %d", resp.StatusCode)
	}

	var body lookupResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&body); err != nil {
		return Verdict{}, fmt.Errorf("reputation reply: %w", err)
	}
	if body.Score < 0 || body.Score > 100 {
		return Verdict{}, errors.New("reputation score out of range")
	}

	return Verdict{
		IP:      ip,
		Score:   body.Score,
		Blocked: body.Score >= c.cfg.BlockScore,
		Checked: c.now(),
	}, nil
}

// CacheSize returns the number of cached verdicts, for diagnostics.
func (c *Checker) CacheSize() int {
	return c.cache.size()
}
