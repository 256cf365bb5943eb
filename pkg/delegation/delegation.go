// Package delegation implements the Delegation Subsystem (C7): a tool that
// spawns a restricted child Agent on a hierarchical sub-thread, waits for it
// to finish or time out, and folds its responses back into the parent's
// tool result.
package delegation

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"

	"github.com/lace-ai/lace/pkg/agent"
	"github.com/lace-ai/lace/pkg/errs"
	"github.com/lace-ai/lace/pkg/eventbus"
	"github.com/lace-ai/lace/pkg/events"
	"github.com/lace-ai/lace/pkg/logger"
	"github.com/lace-ai/lace/pkg/provider"
	"github.com/lace-ai/lace/pkg/thread"
	"github.com/lace-ai/lace/pkg/tools"
)

// ToolName is the name the delegation tool registers itself under. A
// restricted delegate executor is built by excluding exactly this name, so
// a delegate can never recurse into delegation.
const ToolName = "delegate"

// DefaultTimeout is the wait bound on a delegation before the child is
// cancelled and an error result is returned.
const DefaultTimeout = 5 * time.Minute

// conservative token budget knobs a delegate's system prompt advertises;
// enforcement of the cap itself is the child provider's context window.
const (
	defaultMaxTokens     = 50_000
	defaultWarningRatio  = 0.70
	defaultReserveTokens = 1_000
)

// Args is the delegate tool's argument schema.
type Args struct {
	Title            string `json:"title" jsonschema:"description=Short label for the delegated task"`
	Prompt           string `json:"prompt" jsonschema:"description=Instructions for the delegate"`
	ExpectedResponse string `json:"expected_response" jsonschema:"description=What shape the answer should take"`
	Model            string `json:"model" jsonschema:"description=<provider>:<model>, e.g. anthropic:claude-sonnet-4-20250514"`
}

// Config wires the delegate tool to its parent's collaborators.
type Config struct {
	Manager        *thread.Manager
	Bus            *eventbus.Bus
	ParentThreadID string
	// ParentTools is the parent's full registry; a copy excluding ToolName
	// is built fresh for every delegation.
	ParentTools *tools.Registry
	// Approver is the parent's approval callback, inherited by the
	// delegate per §4.7 step 3. Nil defaults to deny.
	Approver tools.Approver
	Timeout  time.Duration
	Now      func() time.Time

	// ProviderFactory builds the child's Provider from a parsed model spec.
	// Defaults to provider.Build; tests substitute a factory that returns a
	// scripted provider.MockProvider.
	ProviderFactory func(ctx context.Context, spec provider.Spec) (provider.Provider, error)
}

// Tool is the "delegate" tool (C7), registered into a parent Agent's
// Registry like any other Tool.
type Tool struct {
	cfg Config
}

// New builds the delegate tool from cfg, defaulting Timeout and Now.
func New(cfg Config) *Tool {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.ProviderFactory == nil {
		cfg.ProviderFactory = provider.Build
	}
	return &Tool{cfg: cfg}
}

func (t *Tool) Name() string        { return ToolName }
func (t *Tool) Description() string {
	return "Delegate a focused, bounded sub-task to a fresh agent and return its final answer."
}

func (t *Tool) Annotations() tools.Annotations {
	return tools.Annotations{ReadOnly: false, Destructive: false, OpenWorld: true}
}

func (t *Tool) GenerateSchema() *jsonschema.Schema {
	return tools.GenerateSchema[Args]()
}

// Execute runs the full delegation lifecycle: parse the model spec, allocate
// a delegate thread, build a restricted child Agent, send the task, wait for
// completion within the timeout, and join the child's AGENT_MESSAGEs.
func (t *Tool) Execute(ctx context.Context, rawArgs json.RawMessage) (string, error) {
	var args Args
	if err := json.Unmarshal(rawArgs, &args); err != nil {
		return "", errors.Wrap(errs.ErrValidationFailed, "invalid delegate arguments: "+err.Error())
	}
	if args.Prompt == "" {
		return "", errors.Wrap(errs.ErrValidationFailed, "delegate requires a non-empty prompt")
	}

	spec, err := provider.ParseSpec(args.Model)
	if err != nil {
		return "", errors.Wrap(errs.ErrValidationFailed, err.Error())
	}
	childProvider, err := t.cfg.ProviderFactory(ctx, spec)
	if err != nil {
		return "", errors.Wrap(err, "failed to build delegate provider")
	}

	meta, err := t.cfg.Manager.CreateDelegateThread(ctx, t.cfg.ParentThreadID, map[string]string{"title": args.Title})
	if err != nil {
		return "", errors.Wrap(err, "failed to allocate delegate thread")
	}

	restricted := t.cfg.ParentTools.CopyExcluding(ToolName)
	executor := tools.NewExecutor(restricted, t.cfg.Approver, tools.DefaultExecutorConfig)

	childAgent := agent.New(agent.Config{
		Provider:           childProvider,
		Executor:           executor,
		Registry:           restricted,
		Bus:                t.cfg.Bus,
		Manager:            t.cfg.Manager,
		ThreadID:           meta.ID,
		SystemPrompt:       systemPrompt(args.ExpectedResponse),
		Now:                t.cfg.Now,
		ContextUtilization: defaultWarningRatio,
	})

	timeout := t.cfg.Timeout
	childCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type sendOutcome struct {
		metrics agent.TurnMetrics
		err     error
	}
	done := make(chan sendOutcome, 1)
	go func() {
		m, sendErr := childAgent.Send(childCtx, "Task: "+args.Title+"\n\n"+args.Prompt, agent.SendOptions{})
		done <- sendOutcome{metrics: m, err: sendErr}
	}()

	select {
	case outcome := <-done:
		if outcome.err != nil && !errors.Is(outcome.err, errs.ErrIterationLimit) {
			return "", errors.Wrapf(outcome.err, "delegate %q failed", meta.ID)
		}
	case <-childCtx.Done():
		childAgent.Abort()
		<-done // always drain so the goroutine's Send completes before we return
		logger.G(ctx).WithField("delegate_thread_id", meta.ID).Warn("delegate timed out")
		return "", errors.Wrapf(childCtx.Err(), "delegate %q timed out after %s", meta.ID, timeout)
	}

	return joinAgentMessages(ctx, t.cfg.Manager, meta.ID)
}

// systemPrompt builds the fresh, bounded-work system prompt every delegate
// opens its thread with, per §4.7 step 4.
func systemPrompt(expectedResponse string) string {
	var b strings.Builder
	b.WriteString("You are a focused sub-agent delegated a single bounded task. ")
	b.WriteString("Do the minimum work required to answer, then stop using tools once you can answer. ")
	b.WriteString("You operate under a conservative token budget: aim to stay well under ")
	b.WriteString(strconv.Itoa(defaultMaxTokens))
	b.WriteString(" tokens total, leaving the last ")
	b.WriteString(strconv.Itoa(defaultReserveTokens))
	b.WriteString(" as reserve.")
	if expectedResponse != "" {
		b.WriteString(" Expected response shape: ")
		b.WriteString(expectedResponse)
	}
	return b.String()
}

// joinAgentMessages collects every AGENT_MESSAGE the delegate thread
// accumulated and joins them with blank lines, per §4.7 step 7.
func joinAgentMessages(ctx context.Context, manager *thread.Manager, threadID string) (string, error) {
	evs, err := manager.Events(ctx, threadID)
	if err != nil {
		return "", errors.Wrap(err, "failed to read delegate thread events")
	}

	var parts []string
	for _, e := range evs {
		if e.Type != events.TypeAgentMessage {
			continue
		}
		var d events.TextData
		if err := events.DecodeData(e, &d); err != nil {
			return "", errors.Wrap(err, "failed to decode delegate AGENT_MESSAGE")
		}
		if d.Text != "" {
			parts = append(parts, d.Text)
		}
	}
	return strings.Join(parts, "\n\n"), nil
}

var _ tools.Tool = (*Tool)(nil)
