package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/polisai/polis-vision/pkg/domain"
	"github.com/polisai/polis-vision/pkg/engine/expr"
	"github.com/polisai/polis-vision/pkg/engine/runtime"
)

// TraceEntry records one settled node in execution order.
type TraceEntry struct {
	NodeID  string          `json:"nodeId"`
	Type    domain.NodeType `json:"type"`
	Outcome string          `json:"outcome"`
}

// Simulator runs pipelines without invoking any step body. Every operation returns its
// declared output defaults, or the zero value of the output type when no default is set,
// so conditions and output mappings can be inspected safely.
type Simulator struct {
	operations domain.OperationStore
	evaluator  *expr.Evaluator
	logger     *slog.Logger
}

// NewSimulator creates a new side-effect-free pipeline simulator.
func NewSimulator(operations domain.OperationStore, logger *slog.Logger) *Simulator {
	if logger == nil {
		logger = slog.Default()
	}

	return &Simulator{
		operations: operations,
		evaluator:  expr.NewEvaluator(expr.Options{}),
		logger:     logger,
	}
}

// Simulate executes def with stubbed operations and returns the verbose run result.
func (s *Simulator) Simulate(ctx context.Context, def *domain.PipelineDef, inputs map[string]domain.Value) (*RunResult, error) {
	if def == nil {
		return nil, fmt.Errorf("simulate: %w", domain.ErrPipelineNotFound)
	}
	s.logger.Info("starting pipeline simulation", slog.String("pipeline_id", def.ID))

	stub := &simulationStub{inner: s.operations, ops: make(map[string]*domain.OperationDef)}
	executor := NewExecutor(ExecutorConfig{
		Operations: stub,
		Sandbox:    stub,
		Evaluator:  s.evaluator,
		Logger:     s.logger,
		Verbose:    true,
	})

	return executor.Apply(ctx, def, inputs, ApplyOptions{Verbose: true, RespectRequiredFlag: true})
}

// simulationStub is both the operation store and the sandbox of a simulated run.
type simulationStub struct {
	inner domain.OperationStore
	mu    sync.Mutex
	ops   map[string]*domain.OperationDef
}

func (s *simulationStub) Get(ctx context.Context, id string) (*domain.OperationDef, error) {
	if s.inner == nil {
		return nil, fmt.Errorf("operation %q: %w", id, domain.ErrOperationNotFound)
	}
	op, err := s.inner.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	stubbed := *op
	stubbed.Source = "simulate:" + op.ID

	s.mu.Lock()
	s.ops[stubbed.Source] = &stubbed
	s.mu.Unlock()
	return &stubbed, nil
}

func (s *simulationStub) Invoke(_ context.Context, source string, _ map[string]domain.Value) (map[string]domain.Value, error) {
	s.mu.Lock()
	op, ok := s.ops[source]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("simulate: unknown source %q", source)
	}

	out := make(map[string]domain.Value, len(op.Outputs))
	for _, schema := range op.Outputs {
		out[schema.Name] = placeholder(schema)
	}
	return out, nil
}

func placeholder(schema domain.ParamSchema) domain.Value {
	if !schema.Default.IsNull() {
		return schema.Default
	}
	switch schema.Type {
	case domain.ParamNumber:
		return domain.Number(0)
	case domain.ParamBoolean:
		return domain.Bool(false)
	case domain.ParamText:
		return domain.Text("")
	case domain.ParamArray:
		return domain.Array([]any{})
	case domain.ParamObject:
		return domain.Object(map[string]any{})
	case domain.ParamImage:
		return domain.Image(runtime.BlankImage())
	default:
		return domain.Null()
	}
}
