package engine

import (
	"github.com/polisai/polis-vision/pkg/domain"
)

// graphEdge is an edge rewritten to arena indices.
type graphEdge struct {
	id   string
	from int
	to   int
	typ  domain.EdgeType
}

// graph is the arena form of a validated pipeline. Nodes are addressed by their position
// in the definition, so iteration order is stable across runs.
type graph struct {
	def   *domain.PipelineDef
	nodes []*domain.Node
	index map[string]int
	edges []graphEdge
	in    [][]int // node -> incoming edge indices, in definition order
	out   [][]int // node -> outgoing edge indices, in definition order
	scc   []int   // node -> strongly connected component label
	start int
	end   int
}

// compileGraph validates def and lays it out as an arena.
func compileGraph(def *domain.PipelineDef) (*graph, error) {
	if err := Validate(def); err != nil {
		return nil, err
	}

	g := &graph{
		def:   def,
		nodes: make([]*domain.Node, len(def.Nodes)),
		index: make(map[string]int, len(def.Nodes)),
		in:    make([][]int, len(def.Nodes)),
		out:   make([][]int, len(def.Nodes)),
		edges: make([]graphEdge, 0, len(def.Edges)),
		start: -1,
		end:   -1,
	}

	for i := range def.Nodes {
		node := &def.Nodes[i]
		g.nodes[i] = node
		g.index[node.ID] = i
		switch node.Type {
		case domain.NodeStart:
			g.start = i
		case domain.NodeEnd:
			g.end = i
		}
	}

	for _, edge := range def.Edges {
		idx := len(g.edges)
		from, to := g.index[edge.Source], g.index[edge.Target]
		g.edges = append(g.edges, graphEdge{id: edge.ID, from: from, to: to, typ: edge.Type.Normalize()})
		g.out[from] = append(g.out[from], idx)
		g.in[to] = append(g.in[to], idx)
	}
	g.scc = g.components()

	return g, nil
}

// components labels every node with its strongly connected component, so nodes on a
// common cycle share a label. Both passes use explicit stacks.
func (g *graph) components() []int {
	n := g.size()
	visited := make([]bool, n)
	order := make([]int, 0, n)

	type frame struct{ node, next int }
	for root := 0; root < n; root++ {
		if visited[root] {
			continue
		}
		visited[root] = true
		stack := []frame{{node: root}}
		for len(stack) > 0 {
			top := len(stack) - 1
			node, next := stack[top].node, stack[top].next
			if next < len(g.out[node]) {
				stack[top].next++
				if to := g.edges[g.out[node][next]].to; !visited[to] {
					visited[to] = true
					stack = append(stack, frame{node: to})
				}
				continue
			}
			order = append(order, node)
			stack = stack[:top]
		}
	}

	labels := make([]int, n)
	for i := range labels {
		labels[i] = -1
	}
	label := 0
	for i := len(order) - 1; i >= 0; i-- {
		root := order[i]
		if labels[root] >= 0 {
			continue
		}
		labels[root] = label
		stack := []int{root}
		for len(stack) > 0 {
			node := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			for _, ei := range g.in[node] {
				if from := g.edges[ei].from; labels[from] < 0 {
					labels[from] = label
					stack = append(stack, from)
				}
			}
		}
		label++
	}
	return labels
}

func (g *graph) size() int { return len(g.nodes) }
