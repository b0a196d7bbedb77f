package engine

import (
	"fmt"
	"strings"
)

// dependencyGraph is the component dependency relation in declaration order.
type dependencyGraph struct {
	// order is the declaration order of node ids
	order []string

	// dependencies maps a node to the nodes it depends on
	dependencies map[string][]string
}

func newDependencyGraph() *dependencyGraph {
	return &dependencyGraph{
		order:        make([]string, 0),
		dependencies: make(map[string][]string),
	}
}

func (g *dependencyGraph) addNode(id string, deps []string) {
	if _, exists := g.dependencies[id]; !exists {
		g.order = append(g.order, id)
	}
	g.dependencies[id] = deps
}

// findCycle runs a depth-first traversal with an in-progress marker set and
// returns the first cycle found as a path whose last element repeats the
// first, or nil when the graph is acyclic.
func (g *dependencyGraph) findCycle() []string {
	visited := make(map[string]bool)
	inProgress := make(map[string]bool)
	path := make([]string, 0)

	var visit func(id string) []string
	visit = func(id string) []string {
		visited[id] = true
		inProgress[id] = true
		path = append(path, id)

		for _, dep := range g.dependencies[id] {
			if _, known := g.dependencies[dep]; !known {
				continue
			}
			if inProgress[dep] {
				for i, p := range path {
					if p == dep {
						cycle := append([]string(nil), path[i:]...)
						return append(cycle, dep)
					}
				}
			}
			if !visited[dep] {
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}

		inProgress[id] = false
		path = path[:len(path)-1]
		return nil
	}

	for _, id := range g.order {
		if !visited[id] {
			if cycle := visit(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// collectDependencies marks every transitive dependency of id in selected.
func (g *dependencyGraph) collectDependencies(id string, selected map[string]bool) {
	for _, dep := range g.dependencies[id] {
		if !selected[dep] {
			selected[dep] = true
			g.collectDependencies(dep, selected)
		}
	}
}

// nearestInPlan returns the dependencies of id that are in plan, walking
// through dependencies that are not.
func (g *dependencyGraph) nearestInPlan(id string, plan map[string]int) []string {
	out := make([]string, 0)
	seen := make(map[string]bool)
	var walk func(string)
	walk = func(cur string) {
		for _, dep := range g.dependencies[cur] {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			if _, ok := plan[dep]; ok {
				out = append(out, dep)
				continue
			}
			walk(dep)
		}
	}
	walk(id)
	return out
}

// postOrder returns the selected ids in dependency post-order, seeded in
// declaration order. Unselected nodes are traversed but not emitted so that
// ordering through them is preserved in exact mode. The graph must be acyclic.
func (g *dependencyGraph) postOrder(selected map[string]bool) []string {
	visited := make(map[string]bool)
	out := make([]string, 0, len(selected))

	var visit func(id string)
	visit = func(id string) {
		visited[id] = true
		for _, dep := range g.dependencies[id] {
			if !visited[dep] {
				visit(dep)
			}
		}
		if selected[id] {
			out = append(out, id)
		}
	}

	for _, id := range g.order {
		if selected[id] && !visited[id] {
			visit(id)
		}
	}
	return out
}

// Levels groups the plan by dependency depth. Components in the same level
// have no ordering edge between them and may run concurrently.
func (p *ExecutionPlan) Levels() [][]string {
	depth := make(map[string]int, len(p.Components))
	levels := make([][]string, 0)

	for _, c := range p.Components {
		level := 0
		for _, dep := range p.DependenciesInPlan(c.ID) {
			if d, ok := depth[dep]; ok && d+1 > level {
				level = d + 1
			}
		}
		depth[c.ID] = level
		for len(levels) <= level {
			levels = append(levels, make([]string, 0))
		}
		levels[level] = append(levels[level], c.ID)
	}
	return levels
}

// DependenciesInPlan returns the planned components id must wait for.
func (p *ExecutionPlan) DependenciesInPlan(id string) []string {
	if p.deps != nil {
		return p.deps[id]
	}
	c, ok := p.Component(id)
	if !ok {
		return nil
	}
	deps := make([]string, 0, len(c.DependsOn))
	for _, dep := range c.DependsOn {
		if p.Contains(dep) {
			deps = append(deps, dep)
		}
	}
	return deps
}

// Ancestors returns the transitive in-plan dependencies of id.
func (p *ExecutionPlan) Ancestors(id string) map[string]bool {
	seen := make(map[string]bool)
	var walk func(string)
	walk = func(cur string) {
		for _, dep := range p.DependenciesInPlan(cur) {
			if !seen[dep] {
				seen[dep] = true
				walk(dep)
			}
		}
	}
	walk(id)
	return seen
}

// ToDOT generates a DOT format representation of the plan for visualization.
// The output can be rendered with Graphviz tools.
func (p *ExecutionPlan) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph ExecutionPlan {\n")
	sb.WriteString("  rankdir=LR;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, ids := range p.Levels() {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")
		for _, id := range ids {
			c, _ := p.Component(id)
			sb.WriteString(fmt.Sprintf("    %q [label=%q, fillcolor=%q, style=\"filled,rounded\"];\n",
				id, c.DisplayName(), levelColor(level)))
		}
		sb.WriteString("  }\n\n")
	}

	for _, c := range p.Components {
		for _, dep := range p.DependenciesInPlan(c.ID) {
			sb.WriteString(fmt.Sprintf("  %q -> %q;\n", dep, c.ID))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

// levelColor returns a fill color for a plan level.
func levelColor(level int) string {
	colors := []string{"lightgreen", "lightblue", "khaki", "lightsalmon"}
	return colors[level%len(colors)]
}
