package cel

import (
	"context"
	"strings"
	"testing"
)

func mustCompile(t *testing.T, conditions map[string]string) *GuardSet {
	t.Helper()
	set, err := CompileGuards(conditions)
	if err != nil {
		t.Fatalf("CompileGuards: %v", err)
	}
	return set
}

func TestEvaluateRoleGuard(t *testing.T) {
	set := mustCompile(t, map[string]string{
		"/admin/{id}": `"admin" in user.roles`,
	})

	tests := []struct {
		name  string
		roles []string
		want  bool
	}{
		{"has role", []string{"admin", "user"}, true},
		{"missing role", []string{"user"}, false},
		{"no roles", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			allowed, err := set.Evaluate(context.Background(), "/admin/{id}", GuardInput{
				Method: "GET", Path: "/admin/42", Roles: tt.roles,
			})
			if err != nil {
				t.Fatalf("Evaluate: %v", err)
			}
			if allowed != tt.want {
				t.Errorf("allowed = %v, want %v", allowed, tt.want)
			}
		})
	}
}

func TestEvaluateRequestFields(t *testing.T) {
	set := mustCompile(t, map[string]string{
		"/orders": `request.method == "GET" && request.group == "/orders"`,
	})

	allowed, err := set.Evaluate(context.Background(), "/orders", GuardInput{
		Method: "GET", Path: "/orders", Group: "/orders",
	})
	if err != nil || !allowed {
		t.Fatalf("GET = %v, %v, want allowed", allowed, err)
	}

	allowed, err = set.Evaluate(context.Background(), "/orders", GuardInput{
		Method: "POST", Path: "/orders", Group: "/orders",
	})
	if err != nil || allowed {
		t.Fatalf("POST = %v, %v, want denied", allowed, err)
	}
}

func TestEvaluateHeaderGuard(t *testing.T) {
	set := mustCompile(t, map[string]string{
		"/internal": `request.headers["x-channel"] == "partner"`,
	})

	allowed, err := set.Evaluate(context.Background(), "/internal", GuardInput{
		Headers: map[string]string{"x-channel": "partner"},
	})
	if err != nil || !allowed {
		t.Fatalf("partner = %v, %v, want allowed", allowed, err)
	}

	// Same non-header fields, different header: must not hit a cached
	// decision.
	if _, err := set.Evaluate(context.Background(), "/internal", GuardInput{
		Headers: map[string]string{"x-channel": "public"},
	}); err == nil {
		t.Fatal("missing key comparison should error or deny, got allow path")
	}
}

func TestEvaluateTenantGuard(t *testing.T) {
	set := mustCompile(t, map[string]string{
		"/billing": `user.tenant == "acme" && !user.anonymous`,
	})

	allowed, err := set.Evaluate(context.Background(), "/billing", GuardInput{
		Subject: "u1", Tenant: "acme",
	})
	if err != nil || !allowed {
		t.Fatalf("tenant match = %v, %v, want allowed", allowed, err)
	}

	allowed, err = set.Evaluate(context.Background(), "/billing", GuardInput{
		Subject: "u1", Tenant: "other",
	})
	if err != nil || allowed {
		t.Fatalf("tenant mismatch = %v, %v, want denied", allowed, err)
	}
}

func TestEvaluateUnguardedRoutePasses(t *testing.T) {
	set := mustCompile(t, map[string]string{})
	allowed, err := set.Evaluate(context.Background(), "/anything", GuardInput{})
	if err != nil || !allowed {
		t.Fatalf("unguarded = %v, %v, want allowed", allowed, err)
	}
}

func TestEvaluateCachesDecisions(t *testing.T) {
	set := mustCompile(t, map[string]string{
		"/r": `"admin" in user.roles`,
	})
	in := GuardInput{Subject: "u1", Roles: []string{"admin"}}

	if _, err := set.Evaluate(context.Background(), "/r", in); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	set.mu.Lock()
	cached := len(set.cache)
	set.mu.Unlock()
	if cached != 1 {
		t.Fatalf("cache entries = %d, want 1", cached)
	}

	// Different roles must produce a different cache key.
	if allowed, err := set.Evaluate(context.Background(), "/r", GuardInput{Subject: "u1"}); err != nil || allowed {
		t.Fatalf("no roles = %v, %v, want denied", allowed, err)
	}
}

func TestCompileGuardsRejectsBrokenExpression(t *testing.T) {
	if _, err := CompileGuards(map[string]string{"/r": `request.method ==`}); err == nil {
		t.Fatal("expected compile error")
	}
}

func TestCompileGuardsRejectsEmptyExpression(t *testing.T) {
	if _, err := CompileGuards(map[string]string{"/r": ""}); err == nil {
		t.Fatal("expected error for empty expression")
	}
}

func TestCompileGuardsRejectsOversizedExpression(t *testing.T) {
	expr := `"` + strings.Repeat("a", maxExpressionLength) + `" == request.path`
	if _, err := CompileGuards(map[string]string{"/r": expr}); err == nil {
		t.Fatal("expected error for oversized expression")
	}
}

func TestCompileGuardsRejectsDeepNesting(t *testing.T) {
	expr := strings.Repeat("(", 60) + "true" + strings.Repeat(")", 60)
	if _, err := CompileGuards(map[string]string{"/r": expr}); err == nil {
		t.Fatal("expected error for deep nesting")
	}
}

func TestEvaluateNonBooleanDenies(t *testing.T) {
	set := mustCompile(t, map[string]string{"/r": `request.path`})
	allowed, err := set.Evaluate(context.Background(), "/r", GuardInput{Path: "/r"})
	if allowed {
		t.Fatal("non-boolean result must not allow")
	}
	if err == nil {
		t.Fatal("expected error for non-boolean result")
	}
}
