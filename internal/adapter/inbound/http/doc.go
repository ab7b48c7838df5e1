// Package http provides the inbound HTTP listener for the gateway.
//
// The listener mounts the proxy handler as the catch-all route and
// carves out the operational endpoints around it:
//
//	/health, /actuator/health  - liveness and component health, always open
//	/metrics                   - Prometheus scrape endpoint, admin-gated
//	/diagnostics/...           - runtime diagnostics, admin-gated
//	/                          - everything else is proxied traffic
//
// Proxied requests pass through middleware before the pipeline handler:
//
//  1. MetricsMiddleware - records end-to-end duration and status
//  2. RequestIDMiddleware - extracts or generates X-Request-Id and
//     enriches the per-request logger
//  3. ProxyHandler - identity, admission, dispatch, response relay
//
// Errors the gateway originates use a single JSON envelope (see
// ErrorBody); upstream-produced responses pass through untouched.
//
// Create and start a listener:
//
//	srv := http.NewServer(handler, metrics, registry,
//	    http.WithAddr(":8080"),
//	    http.WithTLS("cert.pem", "key.pem"),
//	    http.WithHealthChecker(checker),
//	    http.WithLogger(logger),
//	)
//	err := srv.Start(ctx)
//
// Start blocks until the context is cancelled, then drains in-flight
// requests within the configured grace period.
package http
