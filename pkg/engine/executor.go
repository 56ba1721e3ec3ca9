package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-vision/pkg/domain"
	"github.com/polisai/polis-vision/pkg/engine/expr"
	"github.com/polisai/polis-vision/pkg/engine/runtime"
	"github.com/polisai/polis-vision/pkg/telemetry"
)

const tracerName = "vision.pipeline"

// Executor walks pipeline graphs, dispatching operation nodes to the step runtime.
type Executor struct {
	registry            *PipelineRegistry
	operations          domain.OperationStore
	sandbox             runtime.StepExecutionSandbox
	exprEval            *expr.Evaluator
	logger              *slog.Logger
	stepTimeout         time.Duration
	verbose             bool
	respectRequiredFlag bool
	redact              map[string]struct{}
}

// ExecutorConfig holds dependencies for creating an Executor.
type ExecutorConfig struct {
	Registry   *PipelineRegistry
	Operations domain.OperationStore
	Sandbox    runtime.StepExecutionSandbox
	Evaluator  *expr.Evaluator
	Logger     *slog.Logger
	// StepTimeout bounds each operation invocation. Zero disables the bound.
	StepTimeout time.Duration
	// Verbose and RespectRequiredFlag are defaults OR-ed with the per-call options.
	Verbose             bool
	RespectRequiredFlag bool
	// RedactParams lists parameter names whose values never reach span attributes.
	RedactParams []string
}

// ApplyOptions tune a single run.
type ApplyOptions struct {
	// Verbose retains the execution log in the RunResult.
	Verbose bool
	// RespectRequiredFlag lets optional pipeline inputs be omitted; they take their default.
	RespectRequiredFlag bool
}

// RunResult is the outcome of one Apply call.
type RunResult struct {
	RunID      string
	PipelineID string
	Outputs    map[string]domain.Value
	Log        []domain.LogEntry
	Nodes      map[string]domain.NodeResult
	Trace      []TraceEntry
	Duration   time.Duration
}

// NewExecutor creates a new executor with the given configuration.
func NewExecutor(cfg ExecutorConfig) *Executor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	evaluator := cfg.Evaluator
	if evaluator == nil {
		evaluator = expr.NewEvaluator(expr.Options{})
	}
	redact := make(map[string]struct{}, len(cfg.RedactParams))
	for _, name := range cfg.RedactParams {
		redact[name] = struct{}{}
	}

	return &Executor{
		registry:            cfg.Registry,
		operations:          cfg.Operations,
		sandbox:             cfg.Sandbox,
		exprEval:            evaluator,
		logger:              logger,
		stepTimeout:         cfg.StepTimeout,
		verbose:             cfg.Verbose,
		respectRequiredFlag: cfg.RespectRequiredFlag,
		redact:              redact,
	}
}

// Execute runs the registered pipeline with the given id.
func (e *Executor) Execute(ctx context.Context, pipelineID string, inputs map[string]domain.Value, opts ApplyOptions) (*RunResult, error) {
	if e.registry == nil {
		return nil, fmt.Errorf("pipeline %q: no registry configured: %w", pipelineID, domain.ErrPipelineNotFound)
	}
	g, err := e.registry.graph(pipelineID)
	if err != nil {
		return nil, err
	}
	return e.apply(ctx, g, inputs, opts)
}

// Apply validates def and runs it. Structural, missing-input, condition and output-stage
// errors abort the run; the returned RunResult then still carries the log and the node
// results gathered so far. Failures of individual operation nodes are recorded in
// RunResult.Nodes and only abandon their own branch.
func (e *Executor) Apply(ctx context.Context, def *domain.PipelineDef, inputs map[string]domain.Value, opts ApplyOptions) (*RunResult, error) {
	g, err := compileGraph(def)
	if err != nil {
		return nil, err
	}
	return e.apply(ctx, g, inputs, opts)
}

func (e *Executor) apply(ctx context.Context, g *graph, inputs map[string]domain.Value, opts ApplyOptions) (*RunResult, error) {
	started := time.Now()
	runID := uuid.NewString()
	logger := e.logger.With("pipeline_id", g.def.ID, "run_id", runID)

	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "pipeline.apply", trace.WithAttributes(
		attribute.String("pipeline.id", g.def.ID),
		attribute.String("pipeline.name", g.def.Name),
		attribute.String("run.id", runID),
	))
	defer span.End()

	r := &run{
		e:       e,
		g:       g,
		ctx:     ctx,
		tracer:  tracer,
		states:  make([]nodeState, g.size()),
		results: make([]domain.NodeResult, g.size()),
		reached: make([]bool, g.size()),
		log:     NewExecutionLog(logger, opts.Verbose || e.verbose),
	}
	r.resolver = NewResolver(r.log)

	result := &RunResult{RunID: runID, PipelineID: g.def.ID}
	finish := func(err error) (*RunResult, error) {
		result.Log = r.log.Entries()
		result.Nodes = r.snapshot()
		result.Trace = r.trace
		result.Duration = time.Since(started)

		outcome := telemetry.OutcomeSuccess
		if err != nil {
			outcome = telemetry.OutcomeFailure
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			logger.Error("pipeline run failed", "error", err)
		} else {
			logger.Info("pipeline run completed", "duration", result.Duration)
		}
		telemetry.RecordRunMetrics(ctx, telemetry.RunMetrics{PipelineID: g.def.ID, Outcome: outcome, Duration: result.Duration})
		return result, err
	}

	prepared, err := r.prepareInputs(inputs, opts.RespectRequiredFlag || e.respectRequiredFlag)
	if err != nil {
		return finish(err)
	}
	r.inputs = prepared
	r.log.Info("", "run %s started with %d inputs", runID, len(prepared))

	if err := r.traverse(); err != nil {
		return finish(err)
	}

	outputs, err := r.mapOutputs()
	if err != nil {
		return finish(err)
	}
	result.Outputs = outputs
	return finish(nil)
}

type nodeState uint8

const (
	stateUnvisited nodeState = iota
	stateDone
	stateSkipped
)

type edgeState uint8

const (
	edgePending edgeState = iota
	edgeLive
	edgeDead
)

// run holds the state of one Apply call. Nothing in it is shared between runs.
type run struct {
	e        *Executor
	g        *graph
	ctx      context.Context
	tracer   trace.Tracer
	inputs   map[string]domain.Value
	states   []nodeState
	results  []domain.NodeResult
	reached  []bool
	log      *ExecutionLog
	resolver *Resolver
	trace    []TraceEntry
}

// Result implements ResultTable over the nodes that have run.
func (r *run) Result(nodeID string) (domain.NodeResult, bool) {
	idx, ok := r.g.index[nodeID]
	if !ok || r.states[idx] != stateDone {
		return domain.NodeResult{}, false
	}
	return r.results[idx], true
}

func (r *run) snapshot() map[string]domain.NodeResult {
	out := make(map[string]domain.NodeResult)
	for i, state := range r.states {
		if state == stateDone {
			out[r.g.nodes[i].ID] = r.results[i]
		}
	}
	return out
}

func (r *run) prepareInputs(inputs map[string]domain.Value, respectRequired bool) (map[string]domain.Value, error) {
	prepared := make(map[string]domain.Value, len(inputs))
	for k, v := range inputs {
		prepared[k] = v
	}

	var missing []string
	for _, schema := range r.g.def.Inputs {
		if _, ok := prepared[schema.Name]; ok {
			continue
		}
		if respectRequired && !schema.Required {
			if !schema.Default.IsNull() {
				prepared[schema.Name] = schema.Default
			}
			continue
		}
		missing = append(missing, schema.Name)
	}
	if len(missing) > 0 {
		r.log.Error("", "missing pipeline inputs: %v", missing)
		return nil, &domain.MissingInputError{PipelineID: r.g.def.ID, Names: missing}
	}
	return prepared, nil
}

// edgeStatus classifies an edge by the state of its source node.
func (r *run) edgeStatus(ei int) edgeState {
	edge := r.g.edges[ei]
	switch r.states[edge.from] {
	case stateUnvisited:
		return edgePending
	case stateSkipped:
		return edgeDead
	}

	result := r.results[edge.from]
	if !result.Success {
		return edgeDead
	}
	if r.g.nodes[edge.from].Type == domain.NodeCondition && edge.typ != domain.EdgeNormal {
		outcome, _ := result.Value.AsBool()
		if (edge.typ == domain.EdgeTrue) != outcome {
			return edgeDead
		}
	}
	return edgeLive
}

func (r *run) readiness(idx int) (pending, live int) {
	if idx == r.g.start {
		return 0, 1
	}
	for _, ei := range r.g.in[idx] {
		switch r.edgeStatus(ei) {
		case edgePending:
			pending++
		case edgeLive:
			live++
		}
	}
	return pending, live
}

// traverse walks the graph with an explicit LIFO worklist. A node runs once all of its
// incoming edges are settled and at least one is live; a node whose edges are all dead is
// skipped, which prunes the branches a condition did not take. When only blocked nodes
// remain the graph has a cycle, and the lowest-index node waiting only on its own cycle
// is forced.
func (r *run) traverse() error {
	stack := []int{r.g.start}
	r.reached[r.g.start] = true

	for {
		for len(stack) > 0 {
			if err := r.ctx.Err(); err != nil {
				return fmt.Errorf("pipeline %q cancelled: %w", r.g.def.ID, err)
			}

			idx := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if r.states[idx] != stateUnvisited {
				continue
			}

			pending, live := r.readiness(idx)
			if pending > 0 {
				continue
			}
			next, err := r.settle(idx, live > 0)
			if err != nil {
				return err
			}
			stack = r.pushSuccessors(stack, next)
		}

		forced := r.forcedNode()
		if forced < 0 {
			return nil
		}

		r.log.Warn(r.g.nodes[forced].ID, "cycle detected, forcing node before all predecessors finished")
		_, live := r.readiness(forced)
		next, err := r.settle(forced, live > 0)
		if err != nil {
			return err
		}
		stack = r.pushSuccessors(stack, next)
	}
}

// forcedNode picks the lowest-index reached node whose pending predecessors all sit on
// its own cycle. Nodes merely downstream of a cycle keep waiting for it.
func (r *run) forcedNode() int {
	fallback := -1
	for i, state := range r.states {
		if state != stateUnvisited || !r.reached[i] {
			continue
		}
		if fallback < 0 {
			fallback = i
		}
		if r.blockedByOwnCycle(i) {
			return i
		}
	}
	return fallback
}

func (r *run) blockedByOwnCycle(idx int) bool {
	for _, ei := range r.g.in[idx] {
		if r.edgeStatus(ei) == edgePending && r.g.scc[r.g.edges[ei].from] != r.g.scc[idx] {
			return false
		}
	}
	return true
}

// settle runs or skips idx and returns the node whose successors should be scheduled,
// or -1 when the node is terminal.
func (r *run) settle(idx int, runnable bool) (int, error) {
	node := r.g.nodes[idx]
	if !runnable {
		r.states[idx] = stateSkipped
		r.log.Debug(node.ID, "skipped: no live incoming edge")
		telemetry.RecordNodeMetrics(r.ctx, telemetry.NodeMetrics{
			PipelineID: r.g.def.ID,
			NodeID:     node.ID,
			NodeType:   string(node.Type),
			Outcome:    telemetry.OutcomeSkipped,
		})
		r.trace = append(r.trace, TraceEntry{NodeID: node.ID, Type: node.Type, Outcome: telemetry.OutcomeSkipped})
		if node.Type == domain.NodeEnd {
			return -1, nil
		}
		return idx, nil
	}

	result, err := r.executeNode(idx)
	if err != nil {
		return -1, err
	}
	r.results[idx] = result
	r.states[idx] = stateDone

	outcome := telemetry.OutcomeSuccess
	if !result.Success {
		outcome = telemetry.OutcomeFailure
	}
	r.trace = append(r.trace, TraceEntry{NodeID: node.ID, Type: node.Type, Outcome: outcome})

	if node.Type == domain.NodeEnd {
		return -1, nil
	}
	return idx, nil
}

// pushSuccessors schedules the targets of idx in reverse so the first edge runs first.
func (r *run) pushSuccessors(stack []int, idx int) []int {
	if idx < 0 {
		return stack
	}
	out := r.g.out[idx]
	for i := len(out) - 1; i >= 0; i-- {
		target := r.g.edges[out[i]].to
		r.reached[target] = true
		if r.states[target] == stateUnvisited {
			stack = append(stack, target)
		}
	}
	return stack
}

// executeNode runs one node. A returned error aborts the run; node-local failures are
// reported through a failed NodeResult instead.
func (r *run) executeNode(idx int) (domain.NodeResult, error) {
	node := r.g.nodes[idx]
	started := time.Now()

	ctx, span := r.tracer.Start(r.ctx, "pipeline.node", trace.WithAttributes(
		attribute.String("node.id", node.ID),
		attribute.String("node.type", string(node.Type)),
	))
	defer span.End()

	result := domain.NodeResult{NodeID: node.ID, Type: node.Type, Success: true}
	var abort error

	switch node.Type {
	case domain.NodeStart:
		result.Outputs = make(map[string]domain.Value, len(r.inputs))
		for k, v := range r.inputs {
			result.Outputs[k] = v
		}
		r.log.Info(node.ID, "start node received %d inputs", len(r.inputs))

	case domain.NodeEnd:
		r.log.Info(node.ID, "end node reached")

	case domain.NodeMerge:
		result.Outputs = r.mergeOutputs(idx)
		r.log.Info(node.ID, "merged %d values", len(result.Outputs))

	case domain.NodeCondition:
		abort = r.evaluateCondition(ctx, span, node, &result)

	case domain.NodeOperation:
		r.runOperation(ctx, span, node, &result)
	}

	result.Duration = time.Since(started)

	outcome := telemetry.OutcomeSuccess
	if abort != nil || !result.Success {
		outcome = telemetry.OutcomeFailure
		err := abort
		if err == nil {
			err = result.Err
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.String("node.outcome", outcome))
	telemetry.RecordNodeMetrics(ctx, telemetry.NodeMetrics{
		PipelineID:  r.g.def.ID,
		NodeID:      node.ID,
		NodeType:    string(node.Type),
		OperationID: node.OperationID,
		Outcome:     outcome,
		Duration:    result.Duration,
	})

	return result, abort
}

func (r *run) evaluateCondition(ctx context.Context, span trace.Span, node *domain.Node, result *domain.NodeResult) error {
	params := r.resolver.Resolve(node, r, r.inputs)
	scope := make(map[string]any, len(params))
	for name, value := range params {
		scope[name] = value.Native()
	}

	outcome, err := r.e.exprEval.Evaluate(ctx, node.Config.Expression, expr.ScopeLookup(map[string]any{"input": scope}))
	if err != nil {
		r.log.Error(node.ID, "condition %q failed: %v", node.Config.Expression, err)
		return &domain.ConditionEvaluationError{NodeID: node.ID, Expression: node.Config.Expression, Err: err}
	}

	telemetry.RecordConditionEvent(span, node.ID, node.Config.Expression, outcome)
	r.log.Info(node.ID, "condition %q evaluated to %t", node.Config.Expression, outcome)
	result.Value = domain.Bool(outcome)
	return nil
}

func (r *run) runOperation(ctx context.Context, span trace.Span, node *domain.Node, result *domain.NodeResult) {
	result.OperationID = node.OperationID

	fail := func(name string, err error) {
		var opErr *domain.OperationExecutionError
		if errors.As(err, &opErr) {
			copied := *opErr
			copied.NodeID = node.ID
			err = &copied
		} else {
			err = &domain.OperationExecutionError{OperationID: node.OperationID, Operation: name, NodeID: node.ID, Err: err}
		}
		result.Success = false
		result.Err = err
		r.log.Error(node.ID, "operation failed: %v", err)
	}

	if r.e.operations == nil {
		fail(node.OperationID, fmt.Errorf("no operation store configured: %w", domain.ErrOperationNotFound))
		return
	}
	op, err := r.e.operations.Get(ctx, node.OperationID)
	if err != nil {
		fail(node.OperationID, err)
		return
	}
	result.OperationName = op.Name

	params := r.resolver.Resolve(node, r, r.inputs)
	span.SetAttributes(attribute.String("operation.id", op.ID), attribute.String("operation.name", op.Name))
	span.SetAttributes(telemetry.ValueAttributes("node.input", params, r.e.redact)...)

	stepCtx := ctx
	if r.e.stepTimeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, r.e.stepTimeout)
		defer cancel()
	}

	r.log.Info(node.ID, "invoking operation %q", op.Name)
	outputs, err := runtime.Invoke(stepCtx, r.e.sandbox, op, params)
	if err != nil {
		fail(op.Name, err)
		return
	}
	result.Outputs = outputs
	r.log.Info(node.ID, "operation %q produced %d outputs", op.Name, len(outputs))
}
