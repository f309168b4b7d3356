package engine

import (
	"fmt"
	"strings"
)

// EdgeType describes why one step must precede another.
type EdgeType string

const (
	// EdgeAttach links a container's create step to a component load step.
	// The load may only be issued once the container is ready.
	EdgeAttach EdgeType = "attach"
)

// GraphNode is a step in the start graph.
type GraphNode struct {
	ID           string   `json:"id"`
	Level        int      `json:"level"`
	Dependencies []string `json:"dependencies,omitempty"`
	Dependents   []string `json:"dependents,omitempty"`
}

// GraphEdge is a directed edge between two steps.
type GraphEdge struct {
	From string   `json:"from"`
	To   string   `json:"to"`
	Type EdgeType `json:"type"`
}

// StartGraph captures the start-ordering constraints between plan steps.
type StartGraph struct {
	Nodes map[string]*GraphNode `json:"nodes"`
	Edges []GraphEdge           `json:"edges"`
	Roots []string              `json:"roots"`
	Depth int                   `json:"depth"`
}

// DependenciesOf returns the steps that must be ready before id may start.
func (g *StartGraph) DependenciesOf(id string) []string {
	if g == nil {
		return nil
	}
	if n, ok := g.Nodes[id]; ok {
		return n.Dependencies
	}
	return nil
}

// GraphBuilder builds the start graph for a list of plan steps.
type GraphBuilder struct {
	steps    []PlanStep
	index    map[string]int
	forward  map[string][]string
	backward map[string][]string
	edges    []GraphEdge
	levels   [][]string
}

// NewGraphBuilder creates a new graph builder.
func NewGraphBuilder() *GraphBuilder {
	return &GraphBuilder{
		index:    make(map[string]int),
		forward:  make(map[string][]string),
		backward: make(map[string][]string),
	}
}

// Build constructs the start graph. Every load step gets an edge from the
// create step of the same container in the same scope.
func (b *GraphBuilder) Build(steps []PlanStep) (*StartGraph, error) {
	b.steps = steps
	creators := make(map[string]string)

	for i, s := range steps {
		if s.ID == "" {
			return nil, NewPlanError(ErrCodeInvalidAction, "plan step has empty ID", nil).
				WithAction(s.Action)
		}
		if _, exists := b.index[s.ID]; exists {
			return nil, NewPlanError(ErrCodeInvalidAction,
				fmt.Sprintf("duplicate plan step ID: %s", s.ID), nil).WithAction(s.Action)
		}
		b.index[s.ID] = i
		if s.Kind == StepCreateContainer {
			creators[qualify(s.Scope, s.Container)] = s.ID
		}
	}

	for _, s := range steps {
		if s.Kind != StepLoadComponent {
			continue
		}
		owner, ok := creators[qualify(s.Scope, s.Container)]
		if !ok {
			return nil, NewPlanError(ErrCodeNoContainerOwner,
				"load step has no create step for its container", nil).
				WithAction(s.Action).
				WithContainer(s.Container)
		}
		if b.index[owner] > b.index[s.ID] {
			return nil, NewPlanError(ErrCodeInvalidAction,
				"load step precedes its container's create step", nil).
				WithAction(s.Action).
				WithContainer(s.Container)
		}
		b.forward[owner] = append(b.forward[owner], s.ID)
		b.backward[s.ID] = append(b.backward[s.ID], owner)
		b.edges = append(b.edges, GraphEdge{From: owner, To: s.ID, Type: EdgeAttach})
	}

	if err := b.detectCycles(); err != nil {
		return nil, err
	}
	b.computeLevels()

	return b.graph(), nil
}

// detectCycles uses depth-first search over the forward edges.
func (b *GraphBuilder) detectCycles() error {
	visited := make(map[string]bool)
	onStack := make(map[string]bool)

	var visit func(id string, path []string) []string
	visit = func(id string, path []string) []string {
		visited[id] = true
		onStack[id] = true
		path = append(path, id)
		for _, next := range b.forward[id] {
			if onStack[next] {
				return append(path, next)
			}
			if !visited[next] {
				if cycle := visit(next, path); cycle != nil {
					return cycle
				}
			}
		}
		onStack[id] = false
		return nil
	}

	for _, s := range b.steps {
		if visited[s.ID] {
			continue
		}
		if cycle := visit(s.ID, nil); cycle != nil {
			return NewPlanError(ErrCodeInvalidAction,
				fmt.Sprintf("circular start dependency: %s", strings.Join(cycle, " -> ")), nil)
		}
	}
	return nil
}

// computeLevels assigns levels with Kahn's algorithm, keeping plan order
// within each level.
func (b *GraphBuilder) computeLevels() {
	inDegree := make(map[string]int, len(b.steps))
	for _, s := range b.steps {
		inDegree[s.ID] = len(b.backward[s.ID])
	}

	var current []string
	for _, s := range b.steps {
		if inDegree[s.ID] == 0 {
			current = append(current, s.ID)
		}
	}

	for len(current) > 0 {
		b.levels = append(b.levels, current)
		var next []string
		for _, id := range current {
			for _, dep := range b.forward[id] {
				inDegree[dep]--
				if inDegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		current = next
	}
}

func (b *GraphBuilder) graph() *StartGraph {
	g := &StartGraph{
		Nodes: make(map[string]*GraphNode, len(b.steps)),
		Edges: b.edges,
		Depth: len(b.levels),
	}
	for level, ids := range b.levels {
		for _, id := range ids {
			g.Nodes[id] = &GraphNode{
				ID:           id,
				Level:        level,
				Dependencies: b.backward[id],
				Dependents:   b.forward[id],
			}
			if level == 0 {
				g.Roots = append(g.Roots, id)
			}
		}
	}
	if g.Edges == nil {
		g.Edges = []GraphEdge{}
	}
	return g
}

// ToDOT renders the plan as a Graphviz digraph. Steps are listed in start
// order and clustered by container.
func ToDOT(plan *Plan) string {
	var sb strings.Builder

	sb.WriteString("digraph LaunchPlan {\n")
	sb.WriteString("  rankdir=LR;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	clusters := make(map[string][]PlanStep)
	var clusterOrder []string
	for _, s := range plan.Steps {
		if s.Container == "" {
			sb.WriteString(fmt.Sprintf("  %q [label=%q, fillcolor=%q, style=\"filled,rounded\"];\n",
				s.ID, stepLabel(s), stepColor(s.Kind)))
			continue
		}
		key := qualify(s.Scope, s.Container)
		if _, ok := clusters[key]; !ok {
			clusterOrder = append(clusterOrder, key)
		}
		clusters[key] = append(clusters[key], s)
	}

	for i, key := range clusterOrder {
		sb.WriteString(fmt.Sprintf("\n  subgraph cluster_%d {\n", i))
		sb.WriteString(fmt.Sprintf("    label=%q;\n", key))
		sb.WriteString("    style=dashed;\n")
		for _, s := range clusters[key] {
			sb.WriteString(fmt.Sprintf("    %q [label=%q, fillcolor=%q, style=\"filled,rounded\"];\n",
				s.ID, stepLabel(s), stepColor(s.Kind)))
		}
		sb.WriteString("  }\n")
	}

	if plan.Graph != nil && len(plan.Graph.Edges) > 0 {
		sb.WriteString("\n")
		for _, e := range plan.Graph.Edges {
			sb.WriteString(fmt.Sprintf("  %q -> %q [style=dashed, label=%q];\n", e.From, e.To, e.Type))
		}
	}

	for i := 1; i < len(plan.Steps); i++ {
		sb.WriteString(fmt.Sprintf("  %q -> %q [style=dotted, color=gray];\n",
			plan.Steps[i-1].ID, plan.Steps[i].ID))
	}

	sb.WriteString("}\n")
	return sb.String()
}

func stepLabel(s PlanStep) string {
	return fmt.Sprintf("%s\n%s", s.QualifiedName(), s.Kind)
}

func stepColor(kind StepKind) string {
	switch kind {
	case StepCreateContainer:
		return "lightblue"
	case StepLoadComponent:
		return "lightgreen"
	default:
		return "white"
	}
}
