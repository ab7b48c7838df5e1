package route

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
)

// Route is one entry of the route table: the descriptor that drives RBAC,
// rate policy selection, retry eligibility, and upstream binding for every
// request it matches.
type Route struct {
	// Template is the configured match pattern, e.g. "/api/users/{id}" or
	// "/api/llm/*" for a prefix route.
	Template string
	// Methods restricts the route to these HTTP methods. Empty means all.
	Methods []string
	// Upstream names the backend serving this route.
	Upstream string
	// RequiredRoles lists normalized roles allowed to call the route.
	// Empty means any authenticated caller (or anyone, when Public).
	RequiredRoles []string
	// RatePolicy names the rate limiting policy for this route.
	RatePolicy string
	// Idempotent, when set, overrides the per-method retry heuristic.
	Idempotent *bool
	// Public admits unauthenticated callers as the anonymous identity.
	Public bool
	// Condition is an optional CEL guard expression, compiled and evaluated
	// by the guard service.
	Condition string

	methodSet map[string]struct{}
}

// Allows reports whether the route accepts the given HTTP method.
func (r *Route) Allows(method string) bool {
	if len(r.methodSet) == 0 {
		return true
	}
	_, ok := r.methodSet[method]
	return ok
}

// IdempotentFor reports whether a request with the given method on this
// route may be retried. An explicit Idempotent flag wins; otherwise GET,
// HEAD, OPTIONS, PUT and DELETE retry.
func (r *Route) IdempotentFor(method string) bool {
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

// tables is one immutable snapshot of the compiled route table.
type tables struct {
	exact    map[string][]*Route
	prefixes []*prefixRoute
}

// prefixRoute is a compiled wildcard entry ("/api/llm/*").
type prefixRoute struct {
	prefix string
	route  *Route
}

// Table resolves normalized paths to routes. Lookups read an atomic
// snapshot; Reload swaps the whole snapshot, so readers never see a
// partially updated table.
type Table struct {
	snapshot atomic.Pointer[tables]
}

// NewTable compiles the given routes into a table.
// Routes whose template ends in "/*" match any path under that prefix;
// everything else matches its normalized template exactly. Two routes that
// claim the same template and overlap in methods are rejected.
func NewTable(routes []Route) (*Table, error) {
	snap, err := compile(routes)
	if err != nil {
		return nil, err
	}
	t := &Table{}
	t.snapshot.Store(snap)
	return t, nil
}

// Reload atomically replaces the table contents. On error the previous
// snapshot stays in effect.
func (t *Table) Reload(routes []Route) error {
	snap, err := compile(routes)
	if err != nil {
		return err
	}
	t.snapshot.Store(snap)
	return nil
}

// Resolve returns the route for the given method and request path, or false
// when nothing matches. Exact templates win over prefix routes; among
// prefix routes the longest prefix wins.
func (t *Table) Resolve(method, path string) (*Route, bool) {
	snap := t.snapshot.Load()
	key := MatchKey(path)

	for _, r := range snap.exact[key] {
		if r.Allows(method) {
			return r, true
		}
	}
	for _, p := range snap.prefixes {
		if !matchPrefix(key, p.prefix) {
			continue
		}
		if p.route.Allows(method) {
			return p.route, true
		}
	}
	return nil, false
}

// Routes returns every route in the current snapshot, exact entries first,
// for diagnostics.
func (t *Table) Routes() []*Route {
	snap := t.snapshot.Load()

	keys := make([]string, 0, len(snap.exact))
	for k := range snap.exact {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []*Route
	for _, k := range keys {
		out = append(out, snap.exact[k]...)
	}
	for _, p := range snap.prefixes {
		out = append(out, p.route)
	}
	return out
}

func compile(routes []Route) (*tables, error) {
	snap := &tables{exact: make(map[string][]*Route, len(routes))}

	for i := range routes {
		r := routes[i]
		if len(r.Methods) > 0 {
			r.methodSet = make(map[string]struct{}, len(r.Methods))
			for _, m := range r.Methods {
				r.methodSet[strings.ToUpper(m)] = struct{}{}
			}
		}

		if prefix, ok := strings.CutSuffix(r.Template, "/*"); ok {
			snap.prefixes = append(snap.prefixes, &prefixRoute{
				prefix: MatchKey(prefix),
				route:  &r,
			})
			continue
		}

		key := MatchKey(r.Template)
		for _, existing := range snap.exact[key] {
			if methodsOverlap(existing, &r) {
				return nil, fmt.Errorf("route %q: conflicts with %q on %s",
					r.Template, existing.Template, key)
			}
		}
		snap.exact[key] = append(snap.exact[key], &r)
	}

	// Longest prefix first so the most specific wildcard wins.
	sort.SliceStable(snap.prefixes, func(i, j int) bool {
		return len(snap.prefixes[i].prefix) > len(snap.prefixes[j].prefix)
	})
	return snap, nil
}

// matchPrefix reports whether key falls under prefix at a segment boundary.
func matchPrefix(key, prefix string) bool {
	if prefix == "/" {
		return true
	}
	if !strings.HasPrefix(key, prefix) {
		return false
	}
	return len(key) == len(prefix) || key[len(prefix)] == '/'
}

// methodsOverlap reports whether two routes could both claim a request.
func methodsOverlap(a, b *Route) bool {
	if len(a.methodSet) == 0 || len(b.methodSet) == 0 {
		return true
	}
	for m := range a.methodSet {
		if _, ok := b.methodSet[m]; ok {
			return true
		}
	}
	return false
}
