package agent

import (
	"fmt"
	"slices"

	"github.com/nugget/toolloop/internal/llm"
	"github.com/nugget/toolloop/internal/state"
	"github.com/nugget/toolloop/internal/tools"
)

// Termination and suspension reasons reported in [Result.Reason].
const (
	ReasonNoToolCalls = "no_tool_calls"
	ReasonStepLimit   = "step_limit"
	ReasonToolPolicy  = "tool_policy"
	ReasonInterrupted = "interrupted"
	ReasonReplayed    = "replayed"
)

// Decision is the outcome of ROUTE.
type Decision struct {
	Next   state.Node
	Reason string

	// Blocked names the tool a policy refused, if any.
	Blocked string
}

// route decides what follows a GENERATE step. It reads the state only.
// The step limit is checked first, so a model that keeps asking for
// tools still stops after stepLimit calls in one turn.
func route(st state.State, stepLimit int, policy *RoutePolicy) Decision {
	if st.TurnSteps() >= stepLimit {
		return Decision{Next: state.NodeDone, Reason: ReasonStepLimit}
	}
	if len(st.Messages) == 0 {
		return Decision{Next: state.NodeDone, Reason: ReasonNoToolCalls}
	}
	last := st.Messages[len(st.Messages)-1]
	if !last.HasToolCalls() {
		return Decision{Next: state.NodeDone, Reason: ReasonNoToolCalls}
	}
	if tool, blocked := policy.Blocks(st, last.ToolCalls); blocked {
		return Decision{Next: state.NodeDone, Reason: ReasonToolPolicy, Blocked: tool}
	}
	return Decision{Next: state.NodeAct}
}

// PolicyScope sets how long an expensive category stays blocked after
// it runs.
type PolicyScope string

// Scopes.
const (
	// ScopeConversation blocks the category for the rest of the
	// conversation.
	ScopeConversation PolicyScope = "conversation"
	// ScopeStep blocks the category only for the model call right after
	// it ran.
	ScopeStep PolicyScope = "step"
)

// ParsePolicyScope parses a scope name. Empty means conversation.
func ParsePolicyScope(s string) (PolicyScope, error) {
	switch PolicyScope(s) {
	case "", ScopeConversation:
		return ScopeConversation, nil
	case ScopeStep:
		return ScopeStep, nil
	}
	return "", fmt.Errorf("unknown policy scope %q (want conversation or step)", s)
}

// RoutePolicy ends a turn when the model asks again for a tool category
// marked expensive. The step at which a category last ran is kept in
// the conversation counters under "expensive:<category>".
type RoutePolicy struct {
	scope      PolicyScope
	categories []string
	categoryOf func(tool string) string
}

// NewRoutePolicy creates a policy for the given expensive categories.
// Tool categories are looked up in registry.
func NewRoutePolicy(registry *tools.Registry, scope PolicyScope, categories ...string) *RoutePolicy {
	if scope == "" {
		scope = ScopeConversation
	}
	return &RoutePolicy{
		scope:      scope,
		categories: categories,
		categoryOf: registry.Category,
	}
}

func counterKey(category string) string {
	return "expensive:" + category
}

func (p *RoutePolicy) expensive(tool string) (string, bool) {
	cat := p.categoryOf(tool)
	if cat == "" || !slices.Contains(p.categories, cat) {
		return "", false
	}
	return cat, true
}

// Blocks reports the first call whose category already ran within the
// policy scope. A nil policy blocks nothing.
func (p *RoutePolicy) Blocks(st state.State, calls []llm.ToolCall) (string, bool) {
	if p == nil {
		return "", false
	}
	for _, tc := range calls {
		cat, ok := p.expensive(tc.Name)
		if !ok {
			continue
		}
		ran, seen := st.Counters[counterKey(cat)]
		if !seen {
			continue
		}
		switch p.scope {
		case ScopeStep:
			if ran == st.Steps-1 {
				return tc.Name, true
			}
		default:
			return tc.Name, true
		}
	}
	return "", false
}

// Record returns the counters to merge after calls ran at step.
func (p *RoutePolicy) Record(step int, calls []llm.ToolCall) map[string]int {
	if p == nil {
		return nil
	}
	var out map[string]int
	for _, tc := range calls {
		if cat, ok := p.expensive(tc.Name); ok {
			if out == nil {
				out = make(map[string]int)
			}
			out[counterKey(cat)] = step
		}
	}
	return out
}
