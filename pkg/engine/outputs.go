package engine

import (
	"errors"
	"fmt"

	"github.com/polisai/polis-vision/pkg/domain"
)

// mapOutputs resolves the end node's output mappings against the finished run.
func (r *run) mapOutputs() (map[string]domain.Value, error) {
	var mappings map[string]domain.ParamSource
	if end := r.g.nodes[r.g.end]; end != nil {
		mappings = end.Config.OutputMappings
	}

	outputs := make(map[string]domain.Value, len(r.g.def.Outputs))
	var missing []string
	for _, schema := range r.g.def.Outputs {
		value, ok, err := r.resolveOutput(schema, mappings)
		if err != nil {
			return nil, err
		}
		if !ok {
			missing = append(missing, schema.Name)
			continue
		}
		outputs[schema.Name] = value
	}

	if len(missing) > 0 {
		return nil, &domain.MissingOutputError{Scope: fmt.Sprintf("pipeline %q", r.g.def.ID), Names: missing}
	}
	return outputs, nil
}

// resolveOutput reports the value for one declared output and whether it is present.
// A mapping that points at a failed node is fatal unless a default is configured.
func (r *run) resolveOutput(schema domain.ParamSchema, mappings map[string]domain.ParamSource) (domain.Value, bool, error) {
	endID := r.g.nodes[r.g.end].ID

	src, mapped := mappings[schema.Name]
	if !mapped {
		r.log.Warn(endID, "output %q is not mapped, using default %s", schema.Name, schema.Default)
		return schema.Default, !schema.Default.IsNull(), nil
	}

	value, err := lookupSource(src, r, r.inputs)
	if err == nil {
		return value, true, nil
	}

	var srcErr *sourceError
	if errors.As(err, &srcErr) && srcErr.failed != nil && schema.Default.IsNull() {
		r.log.Error(endID, "output %q depends on failed node %q", schema.Name, srcErr.failed.NodeID)
		return domain.Null(), false, srcErr.failed.Err
	}

	r.log.Warn(endID, "output %q: %v; using default %s", schema.Name, err, schema.Default)
	return schema.Default, !schema.Default.IsNull(), nil
}
