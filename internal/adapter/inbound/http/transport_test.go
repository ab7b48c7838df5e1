package http

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

// markerHandler returns an http.Handler that writes a specific marker string.
// Used in routing tests to verify which handler received the request.
func markerHandler(marker string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Handler", marker)
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, marker)
	})
}

// denyAllGate simulates the admin key check: everything is rejected.
func denyAllGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
}

func newTestServer(t *testing.T, opts ...Option) *httptest.Server {
	t.Helper()
	reg := prometheus.NewRegistry()
	base := []Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithHealthChecker(NewHealthChecker(nil, nil, nil, "test")),
	}
	srv := NewServer(markerHandler("proxy"), NewMetrics(reg), reg, append(base, opts...)...)
	ts := httptest.NewServer(srv.buildHandler())
	t.Cleanup(ts.Close)
	return ts
}

func get(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestRoutingProxyCatchAll(t *testing.T) {
	ts := newTestServer(t)

	resp := get(t, ts.URL+"/api/orders/42")
	if resp.Header.Get("X-Handler") != "proxy" {
		t.Errorf("handler = %q, want proxy", resp.Header.Get("X-Handler"))
	}
	if resp.Header.Get("X-Request-Id") == "" {
		t.Error("request id header missing from proxied response")
	}
}

func TestRoutingHealthOpen(t *testing.T) {
	ts := newTestServer(t, WithAdminGate(denyAllGate))

	for _, path := range []string{"/health", "/actuator/health"} {
		resp := get(t, ts.URL+path)
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s = %d, want 200 even with a deny-all gate", path, resp.StatusCode)
		}
	}
}

func TestRoutingMetricsGated(t *testing.T) {
	ts := newTestServer(t, WithAdminGate(denyAllGate))

	resp := get(t, ts.URL+"/metrics")
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("GET /metrics = %d, want 403 behind gate", resp.StatusCode)
	}
}

func TestRoutingMetricsOpenWithoutGate(t *testing.T) {
	ts := newTestServer(t)

	resp := get(t, ts.URL+"/metrics")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /metrics = %d, want 200 without gate", resp.StatusCode)
	}
}

func TestRoutingDiagnosticsGated(t *testing.T) {
	ts := newTestServer(t,
		WithAdminGate(denyAllGate),
		WithAdminHandler(markerHandler("diag")),
	)

	resp := get(t, ts.URL+"/diagnostics/breakers")
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("GET /diagnostics/breakers = %d, want 403 behind gate", resp.StatusCode)
	}
}

func TestRoutingDiagnosticsReachable(t *testing.T) {
	ts := newTestServer(t, WithAdminHandler(markerHandler("diag")))

	resp := get(t, ts.URL+"/diagnostics/breakers")
	if resp.Header.Get("X-Handler") != "diag" {
		t.Fatalf("handler = %q, want diag", resp.Header.Get("X-Handler"))
	}
}

func TestRoutingFavicon(t *testing.T) {
	ts := newTestServer(t)

	resp := get(t, ts.URL+"/favicon.ico")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("GET /favicon.ico = %d, want 204", resp.StatusCode)
	}
}
