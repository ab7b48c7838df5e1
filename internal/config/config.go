// Package config provides configuration types for Gatewarden.
//
// The schema is file-first: one YAML document declares the listener, the
// route table, rate policies, upstreams, and the security chain. A few
// deliberate exclusions keep the surface small:
//
//   - NO dynamic route mutation API (edit the file; the watcher reloads it)
//   - NO per-route TLS material (the listener terminates TLS once)
//   - NO external config stores (file + environment variables only)
//
// Reloadable fields (token secret, routes, rate policies) are picked up by
// the config watcher without a restart; everything else needs one.
package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration for Gatewarden.
type Config struct {
	// Server configures process-wide settings.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Listener configures the public HTTP listener that accepts proxied traffic.
	Listener ListenerConfig `yaml:"listener" mapstructure:"listener"`

	// Token configures bearer token verification.
	Token TokenConfig `yaml:"token" mapstructure:"token"`

	// Admin configures access to the operational endpoints
	// (health, metrics, diagnostics).
	Admin AdminConfig `yaml:"admin" mapstructure:"admin"`

	// Routes is the route table. Matching is template-based, not
	// first-match-wins; order is for readability only.
	Routes []RouteConfig `yaml:"routes" mapstructure:"routes" validate:"omitempty,dive"`

	// RatePolicies maps policy names to rate limiting policies. Routes refer
	// to these by name. The standard catalogue (default, premium, ai,
	// read_only) is seeded by SetDefaults; declaring a policy under one of
	// those names overrides the seed.
	RatePolicies map[string]RatePolicyConfig `yaml:"rate_policies" mapstructure:"rate_policies" validate:"omitempty,dive"`

	// Store selects where rate limit counters live.
	Store StoreConfig `yaml:"store" mapstructure:"store"`

	// Upstreams maps upstream names to backend services. Routes refer to
	// these by name.
	Upstreams map[string]UpstreamConfig `yaml:"upstreams" mapstructure:"upstreams" validate:"omitempty,dive"`

	// Scan configures the request security scanner.
	Scan ScanConfig `yaml:"scan" mapstructure:"scan"`

	// IPReputation configures the external IP reputation lookup.
	IPReputation ReputationConfig `yaml:"ip_reputation" mapstructure:"ip_reputation"`

	// Journal configures the asynchronous security journal.
	Journal JournalConfig `yaml:"journal" mapstructure:"journal"`

	// Tracing configures span export.
	Tracing TracingConfig `yaml:"tracing" mapstructure:"tracing"`

	// DevMode relaxes validation and seeds development defaults
	// (fixed signing secret, debug logging). Never enable in production.
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures process-wide settings.
type ServerConfig struct {
	// LogLevel sets the minimum log level.
	// Valid values: "debug", "info", "warn", "error".
	// Defaults to "info" if empty. DevMode=true overrides to "debug".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`
}

// ListenerConfig configures the public HTTP listener.
type ListenerConfig struct {
	// Address is the address to listen on (e.g., "127.0.0.1:8080", "0.0.0.0:8080").
	// Defaults to "127.0.0.1:8080" (localhost only) if empty.
	Address string `yaml:"address" mapstructure:"address" validate:"omitempty,hostname_port"`

	// TLS enables HTTPS when both cert_file and key_file are set.
	// Plain HTTP otherwise.
	TLS TLSConfig `yaml:"tls" mapstructure:"tls"`

	// MaxBodyBytes caps inbound request bodies. Larger requests are rejected
	// with 413 before any upstream work. Defaults to 10485760 (10 MiB).
	MaxBodyBytes int64 `yaml:"max_body_bytes" mapstructure:"max_body_bytes" validate:"omitempty,min=1"`

	// ReadHeaderTimeout is how long the server waits for request headers
	// (e.g., "10s"). Defaults to "10s".
	ReadHeaderTimeout string `yaml:"read_header_timeout" mapstructure:"read_header_timeout" validate:"omitempty,duration"`

	// ShutdownGrace is how long in-flight requests get to finish on shutdown
	// (e.g., "10s"). Defaults to "10s".
	ShutdownGrace string `yaml:"shutdown_grace" mapstructure:"shutdown_grace" validate:"omitempty,duration"`
}

// TLSConfig holds the certificate pair for the listener.
// Set both fields or neither.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded certificate.
	CertFile string `yaml:"cert_file" mapstructure:"cert_file"`

	// KeyFile is the path to the PEM-encoded private key.
	KeyFile string `yaml:"key_file" mapstructure:"key_file"`
}

// TokenConfig configures bearer token verification.
type TokenConfig struct {
	// Secret is the HMAC-SHA256 signing key. Required outside dev mode.
	// Picked up on config reload without a restart.
	Secret string `yaml:"secret" mapstructure:"secret"`

	// Issuer, when set, must match the token's iss claim exactly.
	Issuer string `yaml:"issuer" mapstructure:"issuer"`

	// TenantClaim names the claim carrying the tenant identifier.
	// Defaults to "organization_id".
	TenantClaim string `yaml:"tenant_claim" mapstructure:"tenant_claim"`

	// RolesClaim names the claim carrying roles. The claim value may be a
	// single string or a list of strings. Defaults to "roles".
	RolesClaim string `yaml:"roles_claim" mapstructure:"roles_claim"`

	// RolePrefix is prepended to role names that lack it, so tokens may carry
	// either "admin" or "ROLE_ADMIN". Defaults to "ROLE_".
	RolePrefix string `yaml:"role_prefix" mapstructure:"role_prefix"`
}

// AdminConfig configures access to the operational endpoints.
type AdminConfig struct {
	// Keys lists admin API key hashes: argon2id PHC strings ("$argon2id$...")
	// or "sha256:<hex>". Generate with: gatewarden hash-key
	Keys []string `yaml:"keys" mapstructure:"keys"`

	// AllowLocalhost admits loopback connections to operational endpoints
	// without a key. Defaults to true.
	AllowLocalhost bool `yaml:"allow_localhost" mapstructure:"allow_localhost"`
}

// RouteConfig declares one route in the route table.
type RouteConfig struct {
	// Match is the route template (e.g., "/api/users/{id}"). Matching happens
	// against the normalized request path; "{id}" segments match UUIDs and
	// decimal numbers.
	Match string `yaml:"match" mapstructure:"match" validate:"required,startswith=/"`

	// Methods restricts the route to the listed HTTP methods.
	// Empty means all methods.
	Methods []string `yaml:"methods" mapstructure:"methods" validate:"omitempty,dive,oneof=GET HEAD POST PUT PATCH DELETE OPTIONS"`

	// Upstream names the backend (a key of upstreams) that serves this route.
	Upstream string `yaml:"upstream" mapstructure:"upstream" validate:"required"`

	// RequiredRoles lists roles allowed to call the route. Empty means any
	// authenticated principal (or anyone at all, when Public).
	RequiredRoles []string `yaml:"required_roles" mapstructure:"required_roles"`

	// RatePolicy names the rate policy (a key of rate_policies) applied to
	// this route. Empty selects "default".
	RatePolicy string `yaml:"rate_policy" mapstructure:"rate_policy"`

	// Idempotent marks the route safe to retry regardless of method.
	// When unset, the method decides: GET, HEAD, OPTIONS, PUT, DELETE retry;
	// POST and PATCH do not.
	Idempotent *bool `yaml:"idempotent" mapstructure:"idempotent"`

	// Public skips token verification for this route. Requests proceed as
	// the anonymous principal.
	Public bool `yaml:"public" mapstructure:"public"`

	// Condition is an optional CEL expression evaluated against the request
	// (request.path, request.method, request.headers, user.id, user.roles).
	// A false result denies the request with 403.
	Condition string `yaml:"condition" mapstructure:"condition" validate:"omitempty,max=1024"`
}

// RatePolicyConfig declares one named rate limiting policy.
type RatePolicyConfig struct {
	// Strategy selects how requests are bucketed:
	// "user", "ip", "api_key", "path", "tenant", "role", or "composite".
	// Defaults to "user".
	Strategy string `yaml:"strategy" mapstructure:"strategy" validate:"omitempty,oneof=user ip api_key path tenant role composite"`

	// Of lists the member strategies of a composite policy. Every member must
	// admit the request. Only meaningful when Strategy is "composite".
	Of []string `yaml:"of" mapstructure:"of" validate:"omitempty,dive,oneof=user ip api_key path tenant role"`

	// ReplenishRate is the sustained allowance in requests per second.
	ReplenishRate int `yaml:"replenish_rate" mapstructure:"replenish_rate" validate:"omitempty,min=1"`

	// BurstCapacity is the short-term ceiling within one accounting window.
	BurstCapacity int `yaml:"burst_capacity" mapstructure:"burst_capacity" validate:"omitempty,min=1"`

	// WindowSeconds is the short-window length in seconds over which
	// BurstCapacity applies. The sustained allowance (ReplenishRate per
	// second) is enforced over a fixed one-minute horizon. Defaults to 1.
	WindowSeconds int `yaml:"window_seconds" mapstructure:"window_seconds" validate:"omitempty,min=1"`

	// KeyHeader names the request header read by the api_key strategy.
	// Defaults to "X-Api-Key".
	KeyHeader string `yaml:"key_header" mapstructure:"key_header"`
}

// StoreConfig selects where rate limit counters live.
type StoreConfig struct {
	// Backend is "memory" (single instance) or "redis" (shared across
	// replicas). Defaults to "memory".
	Backend string `yaml:"backend" mapstructure:"backend" validate:"omitempty,oneof=memory redis"`

	// Redis configures the redis backend. Ignored when Backend is "memory".
	Redis RedisConfig `yaml:"redis" mapstructure:"redis"`
}

// RedisConfig holds redis connection settings for the counter store.
type RedisConfig struct {
	// Addr is the host:port of the redis server.
	// Defaults to "127.0.0.1:6379".
	Addr string `yaml:"addr" mapstructure:"addr" validate:"omitempty,hostname_port"`

	// Password authenticates the connection. Empty for no auth.
	Password string `yaml:"password" mapstructure:"password"`

	// DB selects the redis logical database.
	DB int `yaml:"db" mapstructure:"db" validate:"omitempty,min=0"`
}

// UpstreamConfig declares one backend service.
type UpstreamConfig struct {
	// BaseURL is the scheme://host[:port] prefix requests are forwarded to
	// (e.g., "http://10.0.3.12:9000").
	BaseURL string `yaml:"base_url" mapstructure:"base_url" validate:"required,url"`

	// PoolSize caps idle connections kept open to this upstream.
	// Defaults to 64.
	PoolSize int `yaml:"pool_size" mapstructure:"pool_size" validate:"omitempty,min=1"`

	// Timeout bounds each forwarding attempt (e.g., "10s"). An attempt that
	// exceeds it counts as an upstream timeout. Defaults to "10s".
	Timeout string `yaml:"timeout" mapstructure:"timeout" validate:"omitempty,duration"`

	// Bulkhead caps concurrent in-flight requests to this upstream.
	Bulkhead BulkheadConfig `yaml:"bulkhead" mapstructure:"bulkhead"`

	// Retry configures re-dispatch of failed idempotent requests.
	Retry RetryConfig `yaml:"retry_policy" mapstructure:"retry_policy"`

	// Breaker configures the circuit breaker guarding this upstream.
	Breaker BreakerConfig `yaml:"breaker" mapstructure:"breaker"`
}

// BulkheadConfig caps concurrency per upstream.
type BulkheadConfig struct {
	// MaxConcurrent is the number of requests allowed in flight at once.
	// Defaults to 32.
	MaxConcurrent int `yaml:"max_concurrent" mapstructure:"max_concurrent" validate:"omitempty,min=1"`

	// MaxWait is how long a request queues for a slot before 503
	// (e.g., "100ms"). Defaults to "100ms".
	MaxWait string `yaml:"max_wait" mapstructure:"max_wait" validate:"omitempty,duration"`
}

// RetryConfig configures retry of failed idempotent attempts.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts including the first.
	// Defaults to 3.
	MaxAttempts int `yaml:"max_attempts" mapstructure:"max_attempts" validate:"omitempty,min=1,max=10"`

	// Base is the first backoff delay (e.g., "1s"). Later delays multiply by
	// Multiplier, with jitter. Defaults to "1s".
	Base string `yaml:"base" mapstructure:"base" validate:"omitempty,duration"`

	// Multiplier scales the backoff between attempts. Defaults to 2.
	Multiplier float64 `yaml:"multiplier" mapstructure:"multiplier" validate:"omitempty,min=1"`
}

// BreakerConfig configures the per-upstream circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the failure ratio (0, 1] that opens the circuit.
	// Defaults to 0.5.
	FailureThreshold float64 `yaml:"failure_threshold" mapstructure:"failure_threshold" validate:"omitempty,gt=0,lte=1"`

	// MinCalls is the minimum number of calls in the window before the
	// threshold applies. Defaults to 10.
	MinCalls int `yaml:"min_calls" mapstructure:"min_calls" validate:"omitempty,min=1"`

	// Window is the sliding window over which failures are counted
	// (e.g., "30s"). Defaults to "30s".
	Window string `yaml:"window" mapstructure:"window" validate:"omitempty,duration"`

	// Cooldown is how long the circuit stays open before a single probe is
	// allowed through (e.g., "15s"). Defaults to "15s".
	Cooldown string `yaml:"cooldown" mapstructure:"cooldown" validate:"omitempty,duration"`
}

// ScanConfig configures the request security scanner.
type ScanConfig struct {
	// Enabled turns scanning on. Defaults to true.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// StrictMode blocks on any detected threat regardless of severity.
	StrictMode bool `yaml:"strict_mode" mapstructure:"strict_mode"`

	// MaxPayloadBytes is the largest body the scanner inspects. Larger bodies
	// are flagged and forwarded unscanned. Defaults to 1048576 (1 MiB).
	MaxPayloadBytes int64 `yaml:"max_payload_bytes" mapstructure:"max_payload_bytes" validate:"omitempty,min=1"`

	// BlockSeverity is the single-threat severity at or above which a request
	// is blocked. Defaults to 9.
	BlockSeverity int `yaml:"block_severity" mapstructure:"block_severity" validate:"omitempty,min=1,max=10"`

	// BlockRisk is the summed-severity score above which a request is
	// blocked. Defaults to 15.
	BlockRisk int `yaml:"block_risk" mapstructure:"block_risk" validate:"omitempty,min=1"`

	// LDAPInjection enables the LDAP injection rule family. Off by default:
	// the patterns false-positive on parenthesized query syntax.
	LDAPInjection bool `yaml:"ldap_injection" mapstructure:"ldap_injection"`

	// BlockUserAgents enables detection of known scanner user agents
	// (sqlmap, nikto, nmap, and similar). Defaults to true.
	BlockUserAgents bool `yaml:"block_user_agents" mapstructure:"block_user_agents"`
}

// ReputationConfig configures the external IP reputation lookup.
// Lookups always fail open: an unreachable or slow reputation service never
// blocks traffic.
type ReputationConfig struct {
	// Enabled turns reputation checks on. Off by default.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// URL is the reputation service endpoint. The peer IP is appended as the
	// "ip" query parameter.
	URL string `yaml:"url" mapstructure:"url" validate:"omitempty,url"`

	// APIKey authenticates to the reputation service via the X-Api-Key header.
	APIKey string `yaml:"api_key" mapstructure:"api_key"`

	// BlockScore is the score at or above which a peer is denied (1-100).
	// Defaults to 75.
	BlockScore int `yaml:"block_score" mapstructure:"block_score" validate:"omitempty,min=1,max=100"`

	// Timeout bounds a single lookup (e.g., "2s"). Defaults to "2s".
	Timeout string `yaml:"timeout" mapstructure:"timeout" validate:"omitempty,duration"`

	// CacheTTL is how long verdicts are cached per IP (e.g., "5m").
	// Defaults to "5m".
	CacheTTL string `yaml:"cache_ttl" mapstructure:"cache_ttl" validate:"omitempty,duration"`

	// CacheSize caps the verdict cache entry count. Defaults to 4096.
	CacheSize int `yaml:"cache_size" mapstructure:"cache_size" validate:"omitempty,min=1"`

	// MaxLookupsPerSecond caps outbound lookups; excess requests skip the
	// check and fail open. Defaults to 50.
	MaxLookupsPerSecond int `yaml:"max_lookups_per_second" mapstructure:"max_lookups_per_second" validate:"omitempty,min=1"`
}

// JournalConfig configures the asynchronous security journal.
type JournalConfig struct {
	// Enabled turns the journal on. Defaults to true.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// Output specifies where journal entries are written.
	// Valid values: "stdout" or "file:///absolute/path/to/journal.log".
	// Defaults to "stdout".
	Output string `yaml:"output" mapstructure:"output" validate:"omitempty,journal_output"`

	// Buffer is the in-memory queue length. Entries beyond it are dropped
	// (and counted) rather than blocking request handling. Defaults to 1024.
	Buffer int `yaml:"buffer" mapstructure:"buffer" validate:"omitempty,min=1"`

	// BatchSize is the number of entries written per flush. Defaults to 64.
	BatchSize int `yaml:"batch_size" mapstructure:"batch_size" validate:"omitempty,min=1"`

	// FlushInterval is the maximum time an entry waits before being written
	// (e.g., "2s"). Defaults to "2s".
	FlushInterval string `yaml:"flush_interval" mapstructure:"flush_interval" validate:"omitempty,duration"`
}

// TracingConfig configures span export.
type TracingConfig struct {
	// Exporter selects the span exporter: "none" or "stdout".
	// Defaults to "none".
	Exporter string `yaml:"exporter" mapstructure:"exporter" validate:"omitempty,oneof=none stdout"`

	// SampleRatio is the fraction of requests traced (0-1). Defaults to 1.
	SampleRatio float64 `yaml:"sample_ratio" mapstructure:"sample_ratio" validate:"omitempty,min=0,max=1"`
}

// Defaults referenced from more than one place.
const (
	DefaultListenAddr      = "127.0.0.1:8080"
	DefaultMaxBodyBytes    = 10 << 20
	DefaultMaxPayloadBytes = 1 << 20
	DefaultKeyHeader       = "X-Api-Key"

	// DevTokenSecret signs tokens in dev mode so that `gatewarden start --dev`
	// works with zero configuration.
	DevTokenSecret = "gatewarden-dev-secret-do-not-use-in-production"
)

// SetDevDefaults applies permissive defaults for development mode.
// These are applied BEFORE validation so required fields are satisfied.
// No-op outside dev mode.
func (c *Config) SetDevDefaults() {
	if !c.DevMode {
		return
	}

	if c.Token.Secret == "" {
		c.Token.Secret = DevTokenSecret
	}

	// Dev mode is for poking at the gateway; surface everything.
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "debug"
	}
	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = "stdout"
	}
}

// SetDefaults applies sensible default values to the configuration.
func (c *Config) SetDefaults() {
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}

	// Listener defaults — bind to localhost only for security.
	// Users who need network access must explicitly set address: ":8080" or "0.0.0.0:8080".
	if c.Listener.Address == "" {
		c.Listener.Address = DefaultListenAddr
	}
	if c.Listener.MaxBodyBytes == 0 {
		c.Listener.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.Listener.ReadHeaderTimeout == "" {
		c.Listener.ReadHeaderTimeout = "10s"
	}
	if c.Listener.ShutdownGrace == "" {
		c.Listener.ShutdownGrace = "10s"
	}

	// Token defaults
	if c.Token.TenantClaim == "" {
		c.Token.TenantClaim = "organization_id"
	}
	if c.Token.RolesClaim == "" {
		c.Token.RolesClaim = "roles"
	}
	if c.Token.RolePrefix == "" {
		c.Token.RolePrefix = "ROLE_"
	}

	// Admin defaults — localhost access enabled by default.
	// Only apply the default when the user hasn't explicitly set it in YAML/env.
	// viper.IsSet distinguishes "not set" (zero value) from "explicitly false".
	if !viper.IsSet("admin.allow_localhost") {
		c.Admin.AllowLocalhost = true
	}

	c.setRatePolicyDefaults()

	// Store defaults
	if c.Store.Backend == "" {
		c.Store.Backend = "memory"
	}
	if c.Store.Redis.Addr == "" {
		c.Store.Redis.Addr = "127.0.0.1:6379"
	}

	// Upstream defaults
	for name, u := range c.Upstreams {
		u.setDefaults()
		c.Upstreams[name] = u
	}

	// Scanner defaults — enabled by default for security.
	if !viper.IsSet("scan.enabled") {
		c.Scan.Enabled = true
	}
	if !viper.IsSet("scan.block_user_agents") {
		c.Scan.BlockUserAgents = true
	}
	if c.Scan.MaxPayloadBytes == 0 {
		c.Scan.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	if c.Scan.BlockSeverity == 0 {
		c.Scan.BlockSeverity = 9
	}
	if c.Scan.BlockRisk == 0 {
		c.Scan.BlockRisk = 15
	}

	// Reputation defaults (the check itself is opt-in)
	if c.IPReputation.BlockScore == 0 {
		c.IPReputation.BlockScore = 75
	}
	if c.IPReputation.Timeout == "" {
		c.IPReputation.Timeout = "2s"
	}
	if c.IPReputation.CacheTTL == "" {
		c.IPReputation.CacheTTL = "5m"
	}
	if c.IPReputation.CacheSize == 0 {
		c.IPReputation.CacheSize = 4096
	}
	if c.IPReputation.MaxLookupsPerSecond == 0 {
		c.IPReputation.MaxLookupsPerSecond = 50
	}

	// Journal defaults — enabled by default for security.
	if !viper.IsSet("journal.enabled") {
		c.Journal.Enabled = true
	}
	if c.Journal.Output == "" {
		c.Journal.Output = "stdout"
	}
	if c.Journal.Buffer == 0 {
		c.Journal.Buffer = 1024
	}
	if c.Journal.BatchSize == 0 {
		c.Journal.BatchSize = 64
	}
	if c.Journal.FlushInterval == "" {
		c.Journal.FlushInterval = "2s"
	}

	// Tracing defaults
	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = "none"
	}
	if c.Tracing.SampleRatio == 0 {
		c.Tracing.SampleRatio = 1.0
	}
}

// setRatePolicyDefaults seeds the standard policy catalogue and fills gaps in
// user-declared policies. A user policy declared under a standard name
// replaces the seed entirely.
func (c *Config) setRatePolicyDefaults() {
	if c.RatePolicies == nil {
		c.RatePolicies = make(map[string]RatePolicyConfig, 4)
	}

	standard := map[string]RatePolicyConfig{
		"default":   {Strategy: "user", ReplenishRate: 10, BurstCapacity: 20},
		"premium":   {Strategy: "user", ReplenishRate: 50, BurstCapacity: 100},
		"ai":        {Strategy: "user", ReplenishRate: 5, BurstCapacity: 10},
		"read_only": {Strategy: "user", ReplenishRate: 30, BurstCapacity: 60},
	}
	for name, p := range standard {
		if _, exists := c.RatePolicies[name]; !exists {
			c.RatePolicies[name] = p
		}
	}

	for name, p := range c.RatePolicies {
		if p.Strategy == "" {
			p.Strategy = "user"
		}
		// Composite without members means the classic triple.
		if p.Strategy == "composite" && len(p.Of) == 0 {
			p.Of = []string{"user", "tenant", "path"}
		}
		if p.ReplenishRate == 0 {
			p.ReplenishRate = 10
		}
		if p.BurstCapacity == 0 {
			p.BurstCapacity = 2 * p.ReplenishRate
		}
		if p.WindowSeconds == 0 {
			p.WindowSeconds = 1
		}
		if p.KeyHeader == "" {
			p.KeyHeader = DefaultKeyHeader
		}
		c.RatePolicies[name] = p
	}
}

// setDefaults fills the per-upstream resilience defaults.
func (u *UpstreamConfig) setDefaults() {
	if u.PoolSize == 0 {
		u.PoolSize = 64
	}
	if u.Timeout == "" {
		u.Timeout = "10s"
	}
	if u.Bulkhead.MaxConcurrent == 0 {
		u.Bulkhead.MaxConcurrent = 32
	}
	if u.Bulkhead.MaxWait == "" {
		u.Bulkhead.MaxWait = "100ms"
	}
	if u.Retry.MaxAttempts == 0 {
		u.Retry.MaxAttempts = 3
	}
	if u.Retry.Base == "" {
		u.Retry.Base = "1s"
	}
	if u.Retry.Multiplier == 0 {
		u.Retry.Multiplier = 2
	}
	if u.Breaker.FailureThreshold == 0 {
		u.Breaker.FailureThreshold = 0.5
	}
	if u.Breaker.MinCalls == 0 {
		u.Breaker.MinCalls = 10
	}
	if u.Breaker.Window == "" {
		u.Breaker.Window = "30s"
	}
	if u.Breaker.Cooldown == "" {
		u.Breaker.Cooldown = "15s"
	}
}

// parseDuration returns the parsed duration, or fallback when the value is
// empty or malformed. Validation rejects malformed values at load time, so
// the fallback path only covers programmatic construction.
func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// ReadHeaderTimeoutDuration returns the parsed read header timeout.
func (l ListenerConfig) ReadHeaderTimeoutDuration() time.Duration {
	return parseDuration(l.ReadHeaderTimeout, 10*time.Second)
}

// ShutdownGraceDuration returns the parsed shutdown grace period.
func (l ListenerConfig) ShutdownGraceDuration() time.Duration {
	return parseDuration(l.ShutdownGrace, 10*time.Second)
}

// TimeoutDuration returns the parsed per-attempt timeout.
func (u UpstreamConfig) TimeoutDuration() time.Duration {
	return parseDuration(u.Timeout, 10*time.Second)
}

// MaxWaitDuration returns the parsed bulkhead queue wait.
func (b BulkheadConfig) MaxWaitDuration() time.Duration {
	return parseDuration(b.MaxWait, 100*time.Millisecond)
}

// BaseDuration returns the parsed first backoff delay.
func (r RetryConfig) BaseDuration() time.Duration {
	return parseDuration(r.Base, time.Second)
}

// WindowDuration returns the parsed breaker window.
func (b BreakerConfig) WindowDuration() time.Duration {
	return parseDuration(b.Window, 30*time.Second)
}

// CooldownDuration returns the parsed breaker cooldown.
func (b BreakerConfig) CooldownDuration() time.Duration {
	return parseDuration(b.Cooldown, 15*time.Second)
}

// TimeoutDuration returns the parsed reputation lookup timeout.
func (r ReputationConfig) TimeoutDuration() time.Duration {
	return parseDuration(r.Timeout, 2*time.Second)
}

// CacheTTLDuration returns the parsed verdict cache TTL.
func (r ReputationConfig) CacheTTLDuration() time.Duration {
	return parseDuration(r.CacheTTL, 5*time.Minute)
}

// FlushIntervalDuration returns the parsed journal flush interval.
func (j JournalConfig) FlushIntervalDuration() time.Duration {
	return parseDuration(j.FlushInterval, 2*time.Second)
}

// IdempotentForMethod reports whether a request on this route with the given
// method may be retried. An explicit Idempotent flag wins; otherwise the
// method decides.
func (r RouteConfig) IdempotentForMethod(method string) bool {
	if r.Idempotent != nil {
		return *r.Idempotent
	}
	switch method {
	case "GET", "HEAD", "OPTIONS", "PUT", "DELETE":
		return true
	default:
		return false
	}
}
