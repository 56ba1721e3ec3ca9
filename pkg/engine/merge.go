package engine

import (
	"github.com/polisai/polis-vision/pkg/domain"
)

// mergeOutputs joins the results feeding a merge node. Mapping results are unioned in
// incoming-edge order so a later edge wins a key collision; any other result is stored
// under its node id. Predecessors reached through dead edges contribute nothing.
func (r *run) mergeOutputs(idx int) map[string]domain.Value {
	merged := make(map[string]domain.Value)
	seen := make(map[int]bool, len(r.g.in[idx]))

	for _, ei := range r.g.in[idx] {
		if r.edgeStatus(ei) != edgeLive {
			continue
		}
		from := r.g.edges[ei].from
		if seen[from] {
			continue
		}
		seen[from] = true

		result := r.results[from]
		if result.IsMapping() {
			for name, value := range result.Outputs {
				merged[name] = value
			}
			continue
		}
		merged[r.g.nodes[from].ID] = result.Value
	}
	return merged
}
