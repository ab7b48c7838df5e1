// Package cel compiles and evaluates the CEL guard expressions that
// routes may attach as an extra admission condition. Expressions see a
// `request` map (method, path, group, query, headers) and a `user` map
// (id, tenant, roles, anonymous) and must yield a boolean.
package cel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/cel-go/cel"
)

// maxExpressionLength is the maximum allowed length for guard expressions.
const maxExpressionLength = 1024

// maxCostBudget is the CEL runtime cost limit, preventing cost-exhaustion
// through pathological expressions.
const maxCostBudget = 100_000

// maxNestingDepth is the maximum allowed parenthesis/bracket nesting depth.
const maxNestingDepth = 50

// evalTimeout bounds a single guard evaluation.
const evalTimeout = 1 * time.Second

// interruptCheckFreq is how often (in comprehension iterations) context
// cancellation is checked.
const interruptCheckFreq = 100

// decisionCacheSize caps the per-guard-set decision cache. The cache is
// cleared wholesale when full; guard inputs have high locality so a
// simple reset beats tracking recency.
const decisionCacheSize = 8192

// GuardInput is the request/identity view a guard evaluates against.
type GuardInput struct {
	Method    string
	Path      string
	Group     string
	Query     string
	Headers   map[string]string
	Subject   string
	Tenant    string
	Roles     []string
	Anonymous bool
}

// newGuardEnv builds the CEL environment guards compile against.
func newGuardEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("request", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("user", cel.MapType(cel.StringType, cel.DynType)),
	)
}

type guard struct {
	prg cel.Program

	// headerSensitive guards reference request.headers; their
	// decisions vary per request and are never cached.
	headerSensitive bool
}

// GuardSet holds the compiled guards of one route table generation,
// keyed by route template. Immutable after CompileGuards; a config
// reload builds a fresh set.
type GuardSet struct {
	env    *cel.Env
	guards map[string]*guard

	mu    sync.Mutex
	cache map[uint64]bool
}

// CompileGuards compiles every expression in conditions (route template
// to CEL source). Any compile failure fails the whole set so a broken
// guard is caught at load time, not at request time.
func CompileGuards(conditions map[string]string) (*GuardSet, error) {
	env, err := newGuardEnv()
	if err != nil {
		return nil, fmt.Errorf("guard environment: %w", err)
	}

	set := &GuardSet{
		env:    env,
		guards: make(map[string]*guard, len(conditions)),
		cache:  make(map[uint64]bool),
	}
	for template, expr := range conditions {
		if err := validateExpression(expr); err != nil {
			return nil, fmt.Errorf("route %s: %w", template, err)
		}
		prg, err := set.compile(expr)
		if err != nil {
			return nil, fmt.Errorf("route %s: %w", template, err)
		}
		set.guards[template] = &guard{
			prg:             prg,
			headerSensitive: strings.Contains(expr, "request.headers"),
		}
	}
	return set, nil
}

// Len returns the number of compiled guards.
func (s *GuardSet) Len() int {
	return len(s.guards)
}

// Evaluate runs the guard attached to template, if any. Routes without
// a guard always pass. A failed or non-boolean evaluation denies.
func (s *GuardSet) Evaluate(ctx context.Context, template string, in GuardInput) (bool, error) {
	g, ok := s.guards[template]
	if !ok {
		return true, nil
	}

	var key uint64
	if !g.headerSensitive {
		key = cacheKey(template, in)
		if allowed, hit := s.cached(key); hit {
			return allowed, nil
		}
	}

	activation := map[string]any{
		"request": map[string]any{
			"method":  in.Method,
			"path":    in.Path,
			"group":   in.Group,
			"query":   in.Query,
			"headers": in.Headers,
		},
		"user": map[string]any{
			"id":        in.Subject,
			"tenant":    in.Tenant,
			"roles":     in.Roles,
			"anonymous": in.Anonymous,
		},
	}

	evalCtx, cancel := context.WithTimeout(ctx, evalTimeout)
	defer cancel()

	result, _, err := g.prg.ContextEval(evalCtx, activation)
	if err != nil {
		return false, fmt.Errorf("guard evaluation failed: %w", err)
	}
	allowed, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("guard did not return a boolean, got %T", result.Value())
	}

	if !g.headerSensitive {
		s.store(key, allowed)
	}
	return allowed, nil
}

func (s *GuardSet) compile(expression string) (cel.Program, error) {
	ast, issues := s.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compilation failed: %w", issues.Err())
	}
	prg, err := s.env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(maxCostBudget),
		cel.InterruptCheckFrequency(interruptCheckFreq),
	)
	if err != nil {
		return nil, fmt.Errorf("program creation failed: %w", err)
	}
	return prg, nil
}

func (s *GuardSet) cached(key uint64) (allowed, hit bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	allowed, hit = s.cache[key]
	return allowed, hit
}

func (s *GuardSet) store(key uint64, allowed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.cache) >= decisionCacheSize {
		s.cache = make(map[uint64]bool, decisionCacheSize)
	}
	s.cache[key] = allowed
}

// cacheKey hashes the guard-relevant input fields. Headers are excluded;
// header-sensitive guards bypass the cache entirely.
func cacheKey(template string, in GuardInput) uint64 {
	d := xxhash.New()
	for _, part := range []string{template, in.Method, in.Path, in.Group, in.Query, in.Subject, in.Tenant} {
		d.WriteString(part)
		d.Write([]byte{0})
	}
	for _, role := range in.Roles {
		d.WriteString(role)
		d.Write([]byte{0})
	}
	if in.Anonymous {
		d.Write([]byte{1})
	}
	return d.Sum64()
}

// validateNesting checks that the expression does not exceed the
// maximum allowed nesting depth for parentheses, brackets, and braces.
func validateNesting(expr string) error {
	var depth, maxDepth int
	for _, ch := range expr {
		switch ch {
		case '(', '[', '{':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
		case ')', ']', '}':
			depth--
		}
	}
	if maxDepth > maxNestingDepth {
		return fmt.Errorf("expression nesting too deep: %d levels (max %d)", maxDepth, maxNestingDepth)
	}
	return nil
}

// validateExpression enforces the safety limits on guard sources before
// compilation.
func validateExpression(expr string) error {
	if expr == "" {
		return errors.New("expression is empty")
	}
	if len(expr) > maxExpressionLength {
		return fmt.Errorf("expression too long: %d characters (max %d)", len(expr), maxExpressionLength)
	}
	return validateNesting(expr)
}
