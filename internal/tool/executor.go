package tool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"golang.org/x/sync/errgroup"

	"github.com/llmrtc/llmrtc/pkg/types"
)

// Defaults applied by NewExecutor when the config leaves them zero.
const (
	DefaultMaxConcurrency = 4
	DefaultCallTimeout    = 30 * time.Second
)

// ExecutorConfig tunes batch dispatch.
type ExecutorConfig struct {
	// DefaultPolicy applies to tools whose definition leaves Policy empty.
	// Defaults to sequential.
	DefaultPolicy types.ExecutionPolicy

	// MaxConcurrency bounds parallel-policy calls running at once.
	MaxConcurrency int

	// Timeout is the per-call deadline. Zero means DefaultCallTimeout.
	Timeout time.Duration

	// SkipValidation disables JSON Schema argument validation. Left off in
	// production; some tests exercise handlers with free-form arguments.
	SkipValidation bool
}

// CallContext carries per-batch identity and lifecycle callbacks.
//
// OnStart fires immediately before a handler is invoked (or before a
// synthetic failure is produced) and OnEnd fires with the finished result.
// Every request produces exactly one OnStart/OnEnd pair, in that order.
type CallContext struct {
	SessionID string
	TurnID    string
	OnStart   func(req types.ToolCallRequest)
	OnEnd     func(res types.ToolCallResult)
}

// Executor dispatches tool-call batches against a registry.
type Executor struct {
	reg *Registry
	cfg ExecutorConfig
}

// NewExecutor builds an executor over reg.
func NewExecutor(reg *Registry, cfg ExecutorConfig) *Executor {
	if cfg.DefaultPolicy == "" {
		cfg.DefaultPolicy = types.PolicySequential
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultCallTimeout
	}
	return &Executor{reg: reg, cfg: cfg}
}

// Execute runs a batch of tool calls and returns exactly one result per
// request, in request order.
//
// The batch is partitioned into maximal runs of same-policy requests,
// preserving order. Sequential runs execute one call at a time; parallel
// runs execute concurrently up to MaxConcurrency. Runs themselves always
// execute in order, so a sequential call after a parallel run starts only
// once the whole run has finished.
//
// Failures never abort the batch: validation errors, handler errors, and
// per-call timeouts each produce a failed result and dispatch continues.
// Context cancellation is the exception. Once ctx is done, calls not yet
// started complete immediately with a synthetic "cancelled" result.
func (e *Executor) Execute(ctx context.Context, reqs []types.ToolCallRequest, cc CallContext) []types.ToolCallResult {
	results := make([]types.ToolCallResult, len(reqs))

	for _, run := range e.partition(reqs) {
		if run.policy == types.PolicyParallel && len(run.indices) > 1 {
			e.runParallel(ctx, reqs, results, run.indices, cc)
			continue
		}
		for _, i := range run.indices {
			results[i] = e.executeOne(ctx, reqs[i], cc)
		}
	}
	return results
}

// ExecuteSingle runs one call end to end and returns its result. It is the
// single-request form of Execute: same lifecycle callbacks, validation, and
// per-call timeout.
func (e *Executor) ExecuteSingle(ctx context.Context, req types.ToolCallRequest, cc CallContext) types.ToolCallResult {
	return e.executeOne(ctx, req, cc)
}

// run is a maximal stretch of consecutive same-policy requests.
type run struct {
	policy  types.ExecutionPolicy
	indices []int
}

func (e *Executor) partition(reqs []types.ToolCallRequest) []run {
	var runs []run
	for i, req := range reqs {
		p := e.policyFor(req.Name)
		if n := len(runs); n > 0 && runs[n-1].policy == p {
			runs[n-1].indices = append(runs[n-1].indices, i)
			continue
		}
		runs = append(runs, run{policy: p, indices: []int{i}})
	}
	return runs
}

// policyFor resolves the effective policy for a tool name. Unknown tools
// get the default policy; they fail later during dispatch anyway.
func (e *Executor) policyFor(name string) types.ExecutionPolicy {
	if def, ok := e.reg.Definition(name); ok && def.Policy != "" {
		return def.Policy
	}
	return e.cfg.DefaultPolicy
}

func (e *Executor) runParallel(ctx context.Context, reqs []types.ToolCallRequest, results []types.ToolCallResult, indices []int, cc CallContext) {
	var mu sync.Mutex
	g := &errgroup.Group{}
	g.SetLimit(e.cfg.MaxConcurrency)
	for _, i := range indices {
		g.Go(func() error {
			res := e.executeOne(ctx, reqs[i], cc)
			mu.Lock()
			results[i] = res
			mu.Unlock()
			return nil
		})
	}
	g.Wait() // workers never return errors; failures live in the results
}

// executeOne runs one call end to end: lifecycle callbacks, the
// short-circuit failure paths, validation, and the timed handler invocation.
func (e *Executor) executeOne(ctx context.Context, req types.ToolCallRequest, cc CallContext) types.ToolCallResult {
	if cc.OnStart != nil {
		cc.OnStart(req)
	}
	start := time.Now()

	res := e.dispatch(ctx, req, cc)
	res.CallID = req.CallID
	res.Name = req.Name
	res.Duration = time.Since(start)

	if cc.OnEnd != nil {
		cc.OnEnd(res)
	}
	return res
}

func (e *Executor) dispatch(ctx context.Context, req types.ToolCallRequest, cc CallContext) types.ToolCallResult {
	if err := ctx.Err(); err != nil {
		return types.ToolCallResult{Error: "cancelled"}
	}
	if req.ParseError != "" {
		return types.ToolCallResult{Error: fmt.Sprintf("invalid arguments: %s", req.ParseError)}
	}

	ent, ok := e.reg.lookup(req.Name)
	if !ok {
		return types.ToolCallResult{Error: fmt.Sprintf("unknown tool %q", req.Name)}
	}

	if !e.cfg.SkipValidation && ent.schema != nil {
		if msg, ok := e.validate(ent.schema, req.Arguments); !ok {
			return types.ToolCallResult{Error: msg}
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	value, err := ent.handler(callCtx, Call{
		SessionID: cc.SessionID,
		TurnID:    cc.TurnID,
		Arguments: req.Arguments,
	})
	switch {
	case err == nil:
		return types.ToolCallResult{Success: true, Value: value}
	case errors.Is(err, context.DeadlineExceeded) || callCtx.Err() == context.DeadlineExceeded:
		return types.ToolCallResult{Error: "timeout"}
	case errors.Is(err, context.Canceled):
		return types.ToolCallResult{Error: "cancelled"}
	default:
		return types.ToolCallResult{Error: err.Error()}
	}
}

// validate checks args against the compiled schema. Failures produce a
// message listing every violated constraint; the handler is never invoked.
func (e *Executor) validate(schema *gojsonschema.Schema, args map[string]any) (string, bool) {
	if args == nil {
		args = map[string]any{}
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return fmt.Sprintf("validation error: %v", err), false
	}
	if result.Valid() {
		return "", true
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		msgs = append(msgs, desc.String())
	}
	return "validation failed: " + strings.Join(msgs, "; "), false
}
