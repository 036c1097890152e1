package scheduler

import (
	"context"

	"github.com/agentcom/agentcom/internal/taskqueue"
)

// RoutingResolver is the external tier/endpoint resolution collaborator the
// Scheduler calls once per task per pass. Kept out-of-tree on purpose: the
// kernel only needs the decision shape, never the model-selection policy
// itself.
type RoutingResolver interface {
	Resolve(ctx context.Context, t *taskqueue.Task) (RoutingResult, error)
}

// RoutingResult is either a concrete decision or a fallback signal.
type RoutingResult struct {
	Fallback bool
	Tier     string // requested tier when Fallback is true
	Reason   string
	Decision taskqueue.RoutingDecision
}

// RepoRegistry reports whether a repo is in the active set a task may be
// scheduled against. A nil registry admits every repo (and every task with
// an empty repo).
type RepoRegistry interface {
	Active(repo string) bool
}

// EndpointLocator maps a selected endpoint to the agent capability/host that
// declares it, used to prefer a matching local-model agent over any
// capability-matching one.
type EndpointLocator interface {
	// AgentHost returns the local endpoint host an agent declares, or "" if
	// the agent has none.
	AgentHost(agentID string) string
}

// StaticResolver is the package-provided no-op RoutingResolver: every task
// resolves immediately at a fixed tier with no endpoint selection, so the
// kernel compiles and runs standalone before a real tier/endpoint policy is
// wired in. Grounded on the teacher's own ChatTaskRouter interface, used the
// same way to avoid an import cycle between engine and agent.
type StaticResolver struct {
	// Tier is the effective_tier every decision reports. Defaults to
	// "standard" if empty.
	Tier string
}

func (r StaticResolver) Resolve(_ context.Context, t *taskqueue.Task) (RoutingResult, error) {
	tier := r.Tier
	if tier == "" {
		tier = "standard"
	}
	return RoutingResult{
		Decision: taskqueue.RoutingDecision{
			EffectiveTier:        tier,
			TargetType:           "capability_only",
			ClassificationReason: "static_resolver_default",
		},
	}, nil
}

// fallbackChain is the tier escalation order a fired fallback timer walks.
var fallbackChain = map[string]string{
	"trivial":  "standard",
	"standard": "complex",
}

func nextTier(tier string) (string, bool) {
	next, ok := fallbackChain[tier]
	return next, ok
}
