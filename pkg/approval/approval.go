// Package approval implements the Approval Policy (C5): an ordered rule
// evaluator that decides whether a tool call proceeds, backed by a
// session-scoped cache and an external "ask the user" callback.
package approval

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"github.com/lace-ai/lace/pkg/eventbus"
	"github.com/lace-ai/lace/pkg/tools"
)

// ApprovalRequestPayload is the eventbus.ApprovalRequest payload published
// just before the external Callback is consulted (rule 6 of §4.5).
type ApprovalRequestPayload struct {
	ToolName   string
	Arguments  json.RawMessage
	IsReadOnly bool
	RequestID  string
}

// Callback asks an external collaborator (a UI, a CLI prompt) to decide on
// a tool call the policy couldn't resolve on its own. Errors surface as a
// deny decision, per §4.5. shouldStop lets the user abort the whole turn
// rather than just this one call.
type Callback func(ctx context.Context, tool tools.Tool, args json.RawMessage) (decision tools.Decision, shouldStop bool, err error)

// Config mirrors the rule inputs described in §4.5, evaluated in order.
type Config struct {
	DisableAllTools          bool
	DisableTools             []string
	AutoApproveTools         []string
	AllowNonDestructiveTools bool
}

// Policy evaluates Config's rules against each call, falling back to a
// session-scoped cache and finally the external Callback.
type Policy struct {
	cfg      Config
	callback Callback
	bus      *eventbus.Bus

	mu    sync.Mutex
	cache map[string]bool // tool name -> allow_session granted
}

// New builds a Policy. callback may be nil, in which case any call that
// falls through to rule 6 is denied.
func New(cfg Config, callback Callback) *Policy {
	return &Policy{cfg: cfg, callback: callback, cache: make(map[string]bool)}
}

// WithBus attaches an Event Bus so rule 6 publishes an ApprovalRequest
// before consulting the callback. Optional; a Policy with no bus simply
// skips the publish.
func (p *Policy) WithBus(bus *eventbus.Bus) *Policy {
	p.bus = bus
	return p
}

func contains(list []string, name string) bool {
	for _, n := range list {
		if n == name {
			return true
		}
	}
	return false
}

// Decide implements tools.Approver, evaluating the six rules of §4.5 in
// order and returning the first match.
func (p *Policy) Decide(ctx context.Context, tool tools.Tool, args json.RawMessage) (tools.Decision, bool, error) {
	name := tool.Name()

	if p.cfg.DisableAllTools {
		return tools.DecisionDeny, false, nil
	}
	if contains(p.cfg.DisableTools, name) {
		return tools.DecisionDeny, false, nil
	}
	if contains(p.cfg.AutoApproveTools, name) {
		return tools.DecisionAllowOnce, false, nil
	}
	if p.cfg.AllowNonDestructiveTools && tool.Annotations().ReadOnly {
		return tools.DecisionAllowOnce, false, nil
	}

	p.mu.Lock()
	cached := p.cache[name]
	p.mu.Unlock()
	if cached {
		return tools.DecisionAllowOnce, false, nil
	}

	if p.callback == nil {
		return tools.DecisionDeny, false, nil
	}

	if p.bus != nil {
		p.bus.Publish(eventbus.Event{
			Name: eventbus.ApprovalRequest,
			Payload: ApprovalRequestPayload{
				ToolName:   name,
				Arguments:  args,
				IsReadOnly: tool.Annotations().ReadOnly,
				RequestID:  uuid.NewString(),
			},
		})
	}

	decision, shouldStop, err := p.callback(ctx, tool, args)
	if err != nil {
		return tools.DecisionDeny, false, err
	}
	if decision == tools.DecisionAllowSession {
		p.mu.Lock()
		p.cache[name] = true
		p.mu.Unlock()
	}
	return decision, shouldStop, nil
}

var _ tools.Approver = (*Policy)(nil)
