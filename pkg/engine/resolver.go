package engine

import (
	"fmt"
	"sort"

	"github.com/polisai/polis-vision/pkg/domain"
	"github.com/polisai/polis-vision/pkg/engine/runtime"
)

// ImageParam is the conventional name of the raster-carrying parameter.
const ImageParam = "image"

// ResultTable exposes the node results of the current run.
type ResultTable interface {
	Result(nodeID string) (domain.NodeResult, bool)
}

// ResultMap is a ResultTable backed by a plain map.
type ResultMap map[string]domain.NodeResult

// Result implements ResultTable.
func (m ResultMap) Result(nodeID string) (domain.NodeResult, bool) {
	r, ok := m[nodeID]
	return r, ok
}

// Resolver computes the concrete parameter map of a node.
type Resolver struct {
	log *ExecutionLog
}

// NewResolver returns a resolver reporting fallbacks to log.
func NewResolver(log *ExecutionLog) *Resolver {
	if log == nil {
		log = NewExecutionLog(nil, false)
	}
	return &Resolver{log: log}
}

// Resolve never fails: a binding that cannot be satisfied falls back to its literal and
// the fallback is logged.
func (r *Resolver) Resolve(node *domain.Node, results ResultTable, inputs map[string]domain.Value) map[string]domain.Value {
	params := make(map[string]domain.Value, len(node.Config.Params))

	names := make([]string, 0, len(node.Config.Params))
	for name := range node.Config.Params {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		binding := node.Config.Params[name]
		params[name] = r.resolveBinding(node.ID, name, binding, results, inputs)
	}

	if value, ok := params[ImageParam]; ok && value.EmptyRaster() {
		r.log.Warn(node.ID, "parameter %q resolved to an empty image, substituting a blank raster", ImageParam)
		params[ImageParam] = domain.Image(runtime.BlankImage())
	}
	return params
}

func (r *Resolver) resolveBinding(nodeID, name string, binding domain.ParamBinding, results ResultTable, inputs map[string]domain.Value) (value domain.Value) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error(nodeID, "resolving parameter %q panicked: %v; using literal", name, rec)
			value = binding.Value
		}
	}()

	if binding.Source.Kind == domain.SourceLiteral {
		return binding.Value
	}

	value, err := lookupSource(binding.Source, results, inputs)
	if err != nil {
		r.log.Warn(nodeID, "parameter %q: %v; using literal", name, err)
		return binding.Value
	}
	r.log.Debug(nodeID, "parameter %q resolved from %s", name, binding.Source)
	return value
}

// sourceError explains why a source could not be read.
type sourceError struct {
	source domain.ParamSource
	reason string
	failed *domain.NodeResult
}

func (e *sourceError) Error() string {
	return fmt.Sprintf("%s %s", e.source, e.reason)
}

// lookupSource reads src. The literal variant has no value of its own and reports an
// error so callers fall back to their literal or default.
func lookupSource(src domain.ParamSource, results ResultTable, inputs map[string]domain.Value) (domain.Value, error) {
	switch src.Kind {
	case domain.SourceLiteral:
		return domain.Null(), &sourceError{source: src, reason: "is a literal"}
	case domain.SourceInput:
		value, ok := inputs[src.Input]
		if !ok {
			return domain.Null(), &sourceError{source: src, reason: "is not a pipeline input"}
		}
		return value, nil
	case domain.SourceNode:
		result, ok := results.Result(src.NodeID)
		if !ok {
			return domain.Null(), &sourceError{source: src, reason: "has not run"}
		}
		if !result.Success {
			return domain.Null(), &sourceError{source: src, reason: "failed", failed: &result}
		}
		if !result.IsMapping() {
			return result.Value, nil
		}
		value, ok := result.Outputs[src.Output]
		if !ok {
			return domain.Null(), &sourceError{source: src, reason: "has no such output"}
		}
		return value, nil
	default:
		return domain.Null(), &sourceError{source: src, reason: "has an unknown kind"}
	}
}
