package fifo

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cacheaccel/streamengine/stream"
)

// Graph is the flat table of static stream declarations plus their
// base/step-root edges (spec Section 9, "Cyclic stream dependency
// graphs": "store streams in a flat table; represent edges as streamId
// integers; back-references (parent, root) are lookups, never
// ownership").
type Graph struct {
	streams map[stream.ID]*stream.Static
	order   []stream.ID
}

// NewGraph creates an empty dependency graph.
func NewGraph() *Graph {
	return &Graph{streams: make(map[stream.ID]*stream.Static)}
}

// Register adds a static stream declaration, detecting cycles in its base
// and step-root edges (spec Section 4.2, 4.3: "Cycle in the step-graph ->
// fatal at initialization").
func (g *Graph) Register(s *stream.Static) error {
	g.streams[s.ID] = s
	g.order = append(g.order, s.ID)
	return g.checkCycles()
}

// Get looks up a registered static stream.
func (g *Graph) Get(id stream.ID) (*stream.Static, bool) {
	s, ok := g.streams[id]
	return s, ok
}

// checkCycles runs a DFS over base-stream edges for every registered
// stream, and a separate DFS over step-root edges, rejecting the first
// cycle found in either.
func (g *Graph) checkCycles() error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[stream.ID]int, len(g.streams))

	var visitBase func(id stream.ID) error
	visitBase = func(id stream.ID) error {
		switch color[id] {
		case gray:
			return stream.ErrCycleInGraph
		case black:
			return nil
		}
		color[id] = gray
		s, ok := g.streams[id]
		if ok {
			for _, b := range s.BaseStreams {
				if err := visitBase(b); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}

	for id := range g.streams {
		if err := visitBase(id); err != nil {
			return err
		}
	}

	color = make(map[stream.ID]int, len(g.streams))
	var visitStep func(id stream.ID) error
	visitStep = func(id stream.ID) error {
		switch color[id] {
		case gray:
			return stream.ErrCycleInGraph
		case black:
			return nil
		}
		color[id] = gray
		s, ok := g.streams[id]
		if ok && s.StepRoot != id {
			if err := visitStep(s.StepRoot); err != nil {
				return err
			}
		}
		color[id] = black
		return nil
	}
	for id := range g.streams {
		if err := visitStep(id); err != nil {
			return err
		}
	}

	return nil
}

// StepDependents returns every stream whose StepRoot is root, in
// topological order over BaseStreams (spec Section 4.2,
// "getStepStreamList"): a dependent appears only after every base stream
// it reads from (that is itself in the same step group) has appeared.
func (g *Graph) StepDependents(root stream.ID) []stream.ID {
	var group []stream.ID
	for _, id := range g.order {
		s := g.streams[id]
		if s.StepRoot == root {
			group = append(group, id)
		}
	}

	inGroup := make(map[stream.ID]bool, len(group))
	for _, id := range group {
		inGroup[id] = true
	}

	visited := make(map[stream.ID]bool, len(group))
	var out []stream.ID
	var visit func(id stream.ID)
	visit = func(id stream.ID) {
		if visited[id] {
			return
		}
		visited[id] = true
		s := g.streams[id]
		for _, b := range s.BaseStreams {
			if inGroup[b] {
				visit(b)
			}
		}
		out = append(out, id)
	}

	sort.Slice(group, func(i, j int) bool { return group[i] < group[j] })
	for _, id := range group {
		visit(id)
	}
	return out
}

// DotGraph renders the base/step-root dependency graph in Graphviz dot
// notation, generalized from the teacher's Stream.DotGraph (stream_test.go
// calls t.Log(stream.DotGraph()) to visualize a topology DAG before
// running it); here it visualizes the base-stream and step-root DAG
// instead of a processing topology.
func (g *Graph) DotGraph() string {
	var b strings.Builder
	b.WriteString("digraph streams {\n")
	for _, id := range g.order {
		s := g.streams[id]
		b.WriteString(fmt.Sprintf("  %d [label=%q];\n", id, fmt.Sprintf("%d:%s", id, s.Kind)))
		for _, base := range s.BaseStreams {
			b.WriteString(fmt.Sprintf("  %d -> %d [label=\"base\"];\n", base, id))
		}
		if s.StepRoot != id {
			b.WriteString(fmt.Sprintf("  %d -> %d [label=\"step\", style=dashed];\n", s.StepRoot, id))
		}
	}
	b.WriteString("}\n")
	return b.String()
}
