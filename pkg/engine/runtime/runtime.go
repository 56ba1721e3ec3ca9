// Package runtime executes a single operation: it fills defaults, coerces inputs to their
// declared types, dispatches to the step sandbox and checks the declared outputs.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/polisai/polis-vision/pkg/domain"
)

// ErrUnknownSource indicates the sandbox has no step registered under a source key.
var ErrUnknownSource = errors.New("unknown operation source")

// Operation is the body of a processing step.
type Operation interface {
	Execute(ctx context.Context, inputs map[string]domain.Value) (map[string]domain.Value, error)
}

// OperationFunc adapts a function to the Operation interface.
type OperationFunc func(ctx context.Context, inputs map[string]domain.Value) (map[string]domain.Value, error)

// Execute calls f.
func (f OperationFunc) Execute(ctx context.Context, inputs map[string]domain.Value) (map[string]domain.Value, error) {
	return f(ctx, inputs)
}

// StepExecutionSandbox runs the step identified by an operation's Source.
type StepExecutionSandbox interface {
	Invoke(ctx context.Context, source string, inputs map[string]domain.Value) (map[string]domain.Value, error)
}

// PluginSandbox is an in-process sandbox mapping source keys to registered operations.
// Source text is only ever used as a lookup key.
type PluginSandbox struct {
	mu  sync.RWMutex
	ops map[string]Operation
}

// NewPluginSandbox constructs an empty sandbox.
func NewPluginSandbox() *PluginSandbox {
	return &PluginSandbox{ops: make(map[string]Operation)}
}

// Register binds source to op, replacing any previous registration.
func (s *PluginSandbox) Register(source string, op Operation) {
	if source == "" || op == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops[source] = op
}

// RegisterFunc is Register for plain functions.
func (s *PluginSandbox) RegisterFunc(source string, fn OperationFunc) {
	if fn == nil {
		return
	}
	s.Register(source, fn)
}

// Sources lists registered source keys in sorted order.
func (s *PluginSandbox) Sources() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.ops))
	for k := range s.ops {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Invoke implements StepExecutionSandbox.
func (s *PluginSandbox) Invoke(ctx context.Context, source string, inputs map[string]domain.Value) (map[string]domain.Value, error) {
	s.mu.RLock()
	op, ok := s.ops[source]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSource, source)
	}
	return op.Execute(ctx, inputs)
}

// Invoke runs op inside sandbox. Missing or Null inputs take their schema default, every declared
// input is coerced to its type, and every declared output must be present in the result.
// Step failures and panics surface as *domain.OperationExecutionError.
func Invoke(ctx context.Context, sandbox StepExecutionSandbox, op *domain.OperationDef, inputs map[string]domain.Value) (map[string]domain.Value, error) {
	if op == nil {
		return nil, fmt.Errorf("%w: nil operation", domain.ErrOperationNotFound)
	}
	if sandbox == nil {
		return nil, &domain.OperationExecutionError{OperationID: op.ID, Operation: op.Name, Err: errors.New("no step sandbox configured")}
	}

	prepared, err := prepareInputs(op, inputs)
	if err != nil {
		return nil, err
	}

	outputs, err := call(ctx, sandbox, op.Source, prepared)
	if err != nil {
		return nil, &domain.OperationExecutionError{OperationID: op.ID, Operation: op.Name, Err: err}
	}

	if missing := missingOutputs(op.Outputs, outputs); len(missing) > 0 {
		return nil, &domain.MissingOutputError{Scope: fmt.Sprintf("operation %q", op.Name), Names: missing}
	}
	return outputs, nil
}

func prepareInputs(op *domain.OperationDef, inputs map[string]domain.Value) (map[string]domain.Value, error) {
	prepared := make(map[string]domain.Value, len(inputs)+len(op.Inputs))
	for k, v := range inputs {
		prepared[k] = v
	}
	for _, schema := range op.Inputs {
		value, ok := prepared[schema.Name]
		if !ok || value.IsNull() {
			value = schema.Default
		}
		coerced, err := Coerce(schema.Name, schema.Type, value)
		if err != nil {
			return nil, err
		}
		prepared[schema.Name] = coerced
	}
	return prepared, nil
}

// call invokes the step, converting panics to errors. When ctx can be cancelled the step
// runs on its own goroutine so an expired deadline returns even if the step ignores ctx.
func call(ctx context.Context, sandbox StepExecutionSandbox, source string, inputs map[string]domain.Value) (map[string]domain.Value, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ctx.Done() == nil {
		return guarded(ctx, sandbox, source, inputs)
	}

	type reply struct {
		out map[string]domain.Value
		err error
	}
	done := make(chan reply, 1)
	go func() {
		out, err := guarded(ctx, sandbox, source, inputs)
		done <- reply{out: out, err: err}
	}()

	select {
	case r := <-done:
		return r.out, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func guarded(ctx context.Context, sandbox StepExecutionSandbox, source string, inputs map[string]domain.Value) (out map[string]domain.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step panicked: %v\n%s", r, debug.Stack())
			out = nil
		}
	}()
	return sandbox.Invoke(ctx, source, inputs)
}

func missingOutputs(declared []domain.ParamSchema, outputs map[string]domain.Value) []string {
	var missing []string
	if outputs == nil {
		for _, schema := range declared {
			missing = append(missing, schema.Name)
		}
		if len(missing) == 0 {
			missing = []string{"<result>"}
		}
		return missing
	}
	for _, schema := range declared {
		if _, ok := outputs[schema.Name]; !ok {
			missing = append(missing, schema.Name)
		}
	}
	return missing
}
