package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/gatewarden/gatewarden/internal/adapter/inbound/admin"
	"github.com/gatewarden/gatewarden/internal/adapter/inbound/http"
	celguard "github.com/gatewarden/gatewarden/internal/adapter/outbound/cel"
	"github.com/gatewarden/gatewarden/internal/adapter/outbound/dispatch"
	journalsink "github.com/gatewarden/gatewarden/internal/adapter/outbound/journal"
	"github.com/gatewarden/gatewarden/internal/adapter/outbound/memory"
	"github.com/gatewarden/gatewarden/internal/adapter/outbound/redisstore"
	"github.com/gatewarden/gatewarden/internal/config"
	"github.com/gatewarden/gatewarden/internal/domain/auth"
	"github.com/gatewarden/gatewarden/internal/domain/identity"
	"github.com/gatewarden/gatewarden/internal/domain/journal"
	"github.com/gatewarden/gatewarden/internal/domain/ratelimit"
	"github.com/gatewarden/gatewarden/internal/domain/reputation"
	"github.com/gatewarden/gatewarden/internal/domain/resilience"
	"github.com/gatewarden/gatewarden/internal/domain/route"
	"github.com/gatewarden/gatewarden/internal/domain/scan"
	"github.com/gatewarden/gatewarden/internal/observability"
	"github.com/gatewarden/gatewarden/internal/service"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the gateway",
	Long: `Start the Gatewarden gateway.

The gateway listens on the configured address, verifies bearer tokens,
runs the admission checks (IP reputation, payload scan, rate limit,
RBAC), and forwards admitted requests to the configured upstreams under
a per-upstream resilience envelope.

Examples:
  # Start with config file settings
  gatewarden start

  # Start in development mode (debug logging, dev token secret,
  # scanner in monitor-only)
  gatewarden start --dev

  # Start with a specific config file
  gatewarden --config /path/to/gatewarden.yaml start`,
	RunE: runStart,
}

var devMode bool

func init() {
	startCmd.Flags().BoolVar(&devMode, "dev", false, "Enable development mode (debug logging, relaxed validation)")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	// Load configuration without validation so the --dev flag can
	// override first.
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if devMode {
		cfg.DevMode = true
	}
	cfg.SetDevDefaults()

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	// Create signal context for graceful shutdown.
	// stop() restores default signal handling so a second Ctrl+C does a hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	go func() {
		<-ctx.Done()
		stop() // Restore default: next Ctrl+C = immediate exit.
	}()

	// Priority: DevMode=true -> debug, otherwise use configured log_level
	logLevel := parseLogLevel(cfg.Server.LogLevel)
	if cfg.DevMode {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	logger.Debug("log level configured", "level", cfg.Server.LogLevel, "effective", logLevel.String())

	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	// Write PID file so "gatewarden stop" can find us.
	pidPath := pidFilePath()
	if err := writePIDFile(pidPath); err != nil {
		logger.Warn("failed to write PID file", "path", pidPath, "error", err)
	} else {
		defer os.Remove(pidPath)
	}

	if err := run(ctx, cfg, logger); err != nil {
		return err
	}

	logger.Info("gatewarden stopped")
	return nil
}

// run wires all components together and serves until ctx is done.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if cfg.DevMode {
		logger.Warn("development mode enabled",
			"token_secret", "dev default",
			"scanner", "monitor-only",
		)
	}

	// ===== Tracing =====
	tracer, shutdownTracing, err := observability.Setup(observability.TracingOptions{
		Exporter:    cfg.Tracing.Exporter,
		SampleRatio: cfg.Tracing.SampleRatio,
		Version:     Version,
	})
	if err != nil {
		return fmt.Errorf("tracing setup failed: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	// ===== Metrics =====
	// The transport adds the Go and process collectors at Start.
	registry := prometheus.NewRegistry()
	metrics := http.NewMetrics(registry)

	// ===== Security journal =====
	var journalSvc *service.JournalService
	if cfg.Journal.Enabled {
		sink, err := journalsink.NewSink(cfg.Journal.Output, journalsink.FileConfig{}, logger)
		if err != nil {
			return fmt.Errorf("failed to create journal sink: %w", err)
		}
		defer func() { _ = sink.Close() }()

		journalSvc = service.NewJournalService(sink, logger,
			service.WithJournalChannelSize(cfg.Journal.Buffer),
			service.WithJournalBatchSize(cfg.Journal.BatchSize),
			service.WithJournalFlushInterval(cfg.Journal.FlushIntervalDuration()),
		)
		journalSvc.Start(ctx)
		defer journalSvc.Stop()

		http.RegisterJournalGauges(registry,
			func() float64 { return float64(journalSvc.ChannelDepth()) },
			func() float64 { return float64(journalSvc.DroppedEntries()) },
		)
		logger.Debug("security journal enabled",
			"output", cfg.Journal.Output,
			"buffer", cfg.Journal.Buffer,
			"batch_size", cfg.Journal.BatchSize,
		)
	}

	// ===== Suspicious-actor table and payload scanner =====
	actors := scan.NewActorTable()
	actors.StartCleanup(ctx)
	defer actors.Stop()
	http.RegisterActorGauge(registry, func() float64 { return float64(actors.Size()) })

	var scanner *scan.Scanner
	if cfg.Scan.Enabled {
		scanner = scan.NewScanner(scan.Options{
			MaxPayloadBytes: cfg.Scan.MaxPayloadBytes,
			StrictMode:      cfg.Scan.StrictMode,
			BlockSeverity:   cfg.Scan.BlockSeverity,
			BlockRisk:       cfg.Scan.BlockRisk,
			LDAPInjection:   cfg.Scan.LDAPInjection,
			BlockUserAgents: cfg.Scan.BlockUserAgents,
		}, actors)
		logger.Debug("payload scanner enabled",
			"strict_mode", cfg.Scan.StrictMode,
			"block_severity", cfg.Scan.BlockSeverity,
			"block_risk", cfg.Scan.BlockRisk,
		)
	} else {
		logger.Warn("payload scanner disabled")
	}

	// ===== IP reputation (optional, fail-open) =====
	var checker *reputation.Checker
	if cfg.IPReputation.Enabled {
		checker = reputation.NewChecker(reputation.Config{
			URL:                 cfg.IPReputation.URL,
			APIKey:              cfg.IPReputation.APIKey,
			BlockScore:          cfg.IPReputation.BlockScore,
			Timeout:             cfg.IPReputation.TimeoutDuration(),
			CacheTTL:            cfg.IPReputation.CacheTTLDuration(),
			CacheSize:           cfg.IPReputation.CacheSize,
			MaxLookupsPerSecond: cfg.IPReputation.MaxLookupsPerSecond,
		}, logger)
		logger.Info("ip reputation enabled",
			"url", cfg.IPReputation.URL,
			"block_score", cfg.IPReputation.BlockScore,
		)
	}

	// ===== Counter store =====
	store, closeStore, err := buildCounterStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	// ===== Admission chain =====
	limiter := ratelimit.NewLimiter(store, ratePoliciesFromConfig(cfg))

	guards, err := celguard.CompileGuards(guardConditions(cfg))
	if err != nil {
		return fmt.Errorf("failed to compile route guards: %w", err)
	}

	table, err := route.NewTable(routesFromConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to build route table: %w", err)
	}

	admission := service.NewAdmissionService(checker, scanner, limiter, guards, cfg.DevMode, logger)

	// ===== Upstreams and resilience envelopes =====
	upstreams, err := buildUpstreams(cfg, metrics, journalSvc)
	if err != nil {
		return err
	}

	// ===== Identity =====
	resolver := identity.NewResolver(tokenProfile(cfg))

	// ===== Proxy pipeline =====
	proxy := http.NewProxyHandler(http.ProxyHandlerConfig{
		Resolver:         resolver,
		Routes:           table,
		Admission:        admission,
		Upstreams:        upstreams,
		Journal:          journalSvc,
		Metrics:          metrics,
		Tracer:           tracer,
		MaxBodyBytes:     cfg.Listener.MaxBodyBytes,
		ScanPayloadBytes: cfg.Scan.MaxPayloadBytes,
	})

	// ===== Admin surface =====
	var keyring *auth.Keyring
	if len(cfg.Admin.Keys) > 0 {
		keyring, err = auth.NewKeyring(cfg.Admin.Keys)
		if err != nil {
			return fmt.Errorf("invalid admin keys: %w", err)
		}
	}
	gate := admin.NewKeyGate(keyring, cfg.Admin.AllowLocalhost)
	diagnostics := admin.NewHandler(upstreams, store, table, actors, logger)

	healthChecker := http.NewHealthChecker(store, journalSvc, actors, Version)

	serverOpts := []http.Option{
		http.WithAddr(cfg.Listener.Address),
		http.WithLogger(logger),
		http.WithHealthChecker(healthChecker),
		http.WithAdminGate(gate.Middleware),
		http.WithAdminHandler(diagnostics),
		http.WithReadHeaderTimeout(cfg.Listener.ReadHeaderTimeoutDuration()),
		http.WithShutdownGrace(cfg.Listener.ShutdownGraceDuration()),
	}
	if cfg.Listener.TLS.CertFile != "" && cfg.Listener.TLS.KeyFile != "" {
		serverOpts = append(serverOpts, http.WithTLS(cfg.Listener.TLS.CertFile, cfg.Listener.TLS.KeyFile))
	}
	server := http.NewServer(proxy, metrics, registry, serverOpts...)

	// ===== Hot reload =====
	// Token secret, routes, guards, and rate policies swap in place.
	// Listener, store backend, and upstreams need a restart.
	config.Watch(logger, cfg, func(next *config.Config) {
		resolver.UpdateProfile(tokenProfile(next))
		if err := table.Reload(routesFromConfig(next)); err != nil {
			logger.Warn("route table reload failed, keeping previous", "error", err)
		}
		if guards, err := celguard.CompileGuards(guardConditions(next)); err != nil {
			logger.Warn("route guard recompile failed, keeping previous", "error", err)
		} else {
			admission.UpdateGuards(guards)
		}
		admission.UpdateLimiter(ratelimit.NewLimiter(store, ratePoliciesFromConfig(next)))
	})

	printBanner(Version, cfg.Listener.Address, cfg.Listener.TLS.CertFile != "", cfg.DevMode, len(cfg.Routes), len(cfg.Upstreams))

	logger.Info("gatewarden starting",
		"addr", cfg.Listener.Address,
		"dev_mode", cfg.DevMode,
		"routes", len(cfg.Routes),
		"upstreams", len(cfg.Upstreams),
		"store", cfg.Store.Backend,
		"journal", cfg.Journal.Enabled,
		"reputation", cfg.IPReputation.Enabled,
	)
	return server.Start(ctx)
}

// buildCounterStore selects the rate limit counter backend. The
// returned cleanup releases the backend's resources on shutdown.
func buildCounterStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (ratelimit.Store, func(), error) {
	switch cfg.Store.Backend {
	case "redis":
		rs, err := redisstore.NewStore(cfg.Store.Redis.Addr, cfg.Store.Redis.Password, cfg.Store.Redis.DB)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		logger.Info("counter store: redis", "addr", cfg.Store.Redis.Addr, "db", cfg.Store.Redis.DB)
		return rs, func() { _ = rs.Close() }, nil

	default:
		ms := memory.NewCounterStore()
		ms.StartCleanup(ctx)
		logger.Debug("counter store: memory")
		return ms, ms.Stop, nil
	}
}

// buildUpstreams constructs one dispatcher per configured upstream,
// each under its own bulkhead, breaker, retry, and attempt timeout.
// Breaker transitions and bulkhead activity feed metrics; transitions
// are also journaled.
func buildUpstreams(cfg *config.Config, metrics *http.Metrics, journalSvc *service.JournalService) (*dispatch.Set, error) {
	ups := make([]*dispatch.Upstream, 0, len(cfg.Upstreams))
	for name, uc := range cfg.Upstreams {
		poolCap := int64(uc.Bulkhead.MaxConcurrent)
		bulkhead := resilience.NewBulkhead(resilience.BulkheadConfig{
			Name:          name,
			MaxConcurrent: poolCap,
			MaxWait:       uc.Bulkhead.MaxWaitDuration(),
			OnDepthChange: func(n string, inFlight int64) {
				metrics.BulkheadInFlight.WithLabelValues(n).Set(float64(inFlight))
				if poolCap > 0 {
					metrics.UpstreamPoolUtilization.WithLabelValues(n).Set(float64(inFlight) / float64(poolCap))
				}
			},
			OnReject: func(n string) {
				metrics.BulkheadRejections.WithLabelValues(n).Inc()
			},
		})

		breaker := resilience.NewBreaker(resilience.BreakerConfig{
			Name:             name,
			FailureThreshold: uc.Breaker.FailureThreshold,
			MinCalls:         uint32(uc.Breaker.MinCalls),
			Window:           uc.Breaker.WindowDuration(),
			Cooldown:         uc.Breaker.CooldownDuration(),
			OnStateChange: func(n string, from, to resilience.BreakerState) {
				metrics.BreakerTransitions.WithLabelValues(n, to.String()).Inc()
				if journalSvc != nil {
					journalSvc.Record(journal.Entry{
						Kind:     journal.KindBreakerTransition,
						Upstream: n,
						Reason:   fmt.Sprintf("breaker %s -> %s", from, to),
					})
				}
			},
		})

		envelope := resilience.NewEnvelope(name, bulkhead, breaker, resilience.RetryPolicy{
			MaxAttempts: uc.Retry.MaxAttempts,
			Base:        uc.Retry.BaseDuration(),
			Multiplier:  uc.Retry.Multiplier,
		}, uc.TimeoutDuration())

		up, err := dispatch.NewUpstream(name, uc.BaseURL, uc.PoolSize, envelope)
		if err != nil {
			return nil, fmt.Errorf("upstream %s: %w", name, err)
		}
		ups = append(ups, up)
	}
	return dispatch.NewSet(ups), nil
}

// tokenProfile maps the token config onto the resolver's verification
// profile. Called at boot and on every config reload.
func tokenProfile(cfg *config.Config) identity.Profile {
	return identity.Profile{
		Secret:      []byte(cfg.Token.Secret),
		Issuer:      cfg.Token.Issuer,
		TenantClaim: cfg.Token.TenantClaim,
		RolesClaim:  cfg.Token.RolesClaim,
		RolePrefix:  cfg.Token.RolePrefix,
	}
}

// routesFromConfig converts the configured routes to the route table's
// shape. Required roles are normalized with the configured role prefix
// so config may carry either "admin" or "ROLE_ADMIN".
func routesFromConfig(cfg *config.Config) []route.Route {
	routes := make([]route.Route, 0, len(cfg.Routes))
	for _, rc := range cfg.Routes {
		var roles []string
		for _, r := range rc.RequiredRoles {
			roles = append(roles, identity.NormalizeRole(cfg.Token.RolePrefix, r))
		}
		routes = append(routes, route.Route{
			Template:      rc.Match,
			Methods:       rc.Methods,
			Upstream:      rc.Upstream,
			RequiredRoles: roles,
			RatePolicy:    rc.RatePolicy,
			Idempotent:    rc.Idempotent,
			Public:        rc.Public,
			Condition:     rc.Condition,
		})
	}
	return routes
}

// guardConditions collects the CEL expressions by route template.
func guardConditions(cfg *config.Config) map[string]string {
	conditions := make(map[string]string)
	for _, rc := range cfg.Routes {
		if rc.Condition != "" {
			conditions[rc.Match] = rc.Condition
		}
	}
	return conditions
}

// ratePoliciesFromConfig converts the configured rate policies to the
// limiter's policy table.
func ratePoliciesFromConfig(cfg *config.Config) map[string]ratelimit.Policy {
	policies := make(map[string]ratelimit.Policy, len(cfg.RatePolicies))
	for name, pc := range cfg.RatePolicies {
		var of []ratelimit.Strategy
		for _, s := range pc.Of {
			of = append(of, ratelimit.Strategy(s))
		}
		policies[name] = ratelimit.Policy{
			Name:      name,
			Strategy:  ratelimit.Strategy(pc.Strategy),
			Of:        of,
			Rate:      pc.ReplenishRate,
			Burst:     pc.BurstCapacity,
			Window:    time.Duration(pc.WindowSeconds) * time.Second,
			KeyHeader: pc.KeyHeader,
		}
	}
	return policies
}

// parseLogLevel converts a string log level to slog.Level.
// Returns slog.LevelInfo for unrecognized values.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// printBanner prints a formatted startup banner to stderr with version,
// addresses, mode, and resource counts.
func printBanner(version, addr string, tls, devMode bool, routeCount, upstreamCount int) {
	const (
		reset  = "\033[0m"
		bold   = "\033[1m"
		cyan   = "\033[36m"
		green  = "\033[32m"
		yellow = "\033[33m"
		dim    = "\033[2m"
	)

	scheme := "http"
	if tls {
		scheme = "https"
	}
	baseURL := fmt.Sprintf("%s://%s", scheme, addr)
	if strings.HasPrefix(addr, ":") {
		baseURL = fmt.Sprintf("%s://localhost%s", scheme, addr)
	}

	modeStr := green + "production" + reset
	if devMode {
		modeStr = yellow + "development" + reset + dim + " (monitor-only scanning)" + reset
	}

	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "  %s%s Gatewarden %s%s\n", bold, cyan, version, reset)
	fmt.Fprintf(os.Stderr, "  %s─────────────────────────────────────%s\n", dim, reset)
	fmt.Fprintf(os.Stderr, "  %-14s %s\n", "Listener:", baseURL)
	fmt.Fprintf(os.Stderr, "  %-14s %s/health\n", "Health:", baseURL)
	fmt.Fprintf(os.Stderr, "  %-14s %s/metrics\n", "Metrics:", baseURL)
	fmt.Fprintf(os.Stderr, "  %-14s %s\n", "Mode:", modeStr)
	fmt.Fprintf(os.Stderr, "  %-14s %d configured\n", "Routes:", routeCount)
	fmt.Fprintf(os.Stderr, "  %-14s %d configured\n", "Upstreams:", upstreamCount)
	fmt.Fprintf(os.Stderr, "  %s─────────────────────────────────────%s\n", dim, reset)
	fmt.Fprintf(os.Stderr, "\n")
}

// pidFilePath returns the standard location for the Gatewarden PID file.
func pidFilePath() string {
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, ".gatewarden", "server.pid")
	}
	return filepath.Join(os.TempDir(), "gatewarden-server.pid")
}

// writePIDFile writes the current process PID to the given path, creating
// parent directories as needed.
func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0644)
}

// readPIDFile reads a PID from the given file path. Returns 0 if unreadable.
func readPIDFile(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}
