// Package policy classifies incoming requests into rate-limit tiers using OPA.
package policy

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/open-policy-agent/opa/rego"
)

// Tier is the rate-limit bucket a request is charged against.
type Tier string

const (
	TierRead   Tier = "read"
	TierWrite  Tier = "write"
	TierExempt Tier = "exempt"
)

// Surface names the transport a request arrived on.
type Surface string

const (
	SurfaceHTTP Surface = "http"
	SurfaceWS   Surface = "ws"
)

// Request is the policy input. Path is the route template, not the raw URL,
// so the set of distinct inputs stays small.
type Request struct {
	Surface Surface `json:"surface"`
	Method  string  `json:"method,omitempty"`
	Path    string  `json:"path,omitempty"`
	Event   string  `json:"event,omitempty"`
}

// maxCachedInputs bounds the memo. Inputs beyond it are evaluated every time.
const maxCachedInputs = 512

// Engine is the OPA policy engine.
type Engine struct {
	query  rego.PreparedEvalQuery
	cache  sync.Map // Request -> Tier
	cached atomic.Int64
}

// NewEngine creates a new policy engine with the given policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.request_policy.tier"),
		rego.Module("request_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// Classify returns the tier for req. Results are memoized per input up to
// maxCachedInputs distinct inputs.
func (e *Engine) Classify(ctx context.Context, req Request) (Tier, error) {
	if v, ok := e.cache.Load(req); ok {
		return v.(Tier), nil
	}

	results, err := e.query.Eval(ctx, rego.EvalInput(req))
	if err != nil {
		return "", fmt.Errorf("failed to evaluate policy: %w", err)
	}

	tier := TierRead
	if len(results) > 0 && len(results[0].Expressions) > 0 {
		s, ok := results[0].Expressions[0].Value.(string)
		if !ok {
			return "", fmt.Errorf("policy returned %T, want string", results[0].Expressions[0].Value)
		}
		switch Tier(s) {
		case TierRead, TierWrite, TierExempt:
			tier = Tier(s)
		default:
			return "", fmt.Errorf("policy returned unknown tier %q", s)
		}
	}

	if e.cached.Load() < maxCachedInputs {
		if _, loaded := e.cache.LoadOrStore(req, tier); !loaded {
			e.cached.Add(1)
		}
	}
	return tier, nil
}

// DefaultPolicy charges mutations to the write tier and everything else to
// the read tier. Health and metrics endpoints are exempt.
const DefaultPolicy = `
package request_policy

default tier = "read"

write_methods = {"POST", "PUT", "PATCH", "DELETE"}

write_events = {
	"create-session",
	"send-message",
	"agent-join-session",
	"agent-leave-session",
	"close-session",
}

exempt_paths = {"/health", "/metrics", "/ws"}

tier = "exempt" {
	input.surface == "http"
	exempt_paths[input.path]
}

tier = "write" {
	input.surface == "http"
	write_methods[input.method]
	not exempt_paths[input.path]
}

tier = "write" {
	input.surface == "ws"
	write_events[input.event]
}
`
