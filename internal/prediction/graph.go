package prediction

// DependencyGraph is the static service dependency graph with a reverse
// index, built once from the configured edge set and shared read-only across
// analysis runs.
type DependencyGraph struct {
	edges      []DependencyEdge
	dependents map[string][]DependencyEdge
}

// NewDependencyGraph indexes the edge set. A nil or empty edge set yields a
// graph with no dependents anywhere, which degrades cascade analysis to "no
// cascade predictions" rather than an error.
func NewDependencyGraph(edges []DependencyEdge) *DependencyGraph {
	g := &DependencyGraph{
		edges:      append([]DependencyEdge(nil), edges...),
		dependents: make(map[string][]DependencyEdge),
	}
	for _, e := range g.edges {
		g.dependents[e.DependsOn] = append(g.dependents[e.DependsOn], e)
	}
	return g
}

// Dependents returns the edges of services that declare a dependency on the
// given service, i.e. the services a failure of it may cascade into.
func (g *DependencyGraph) Dependents(service string) []DependencyEdge {
	if g == nil {
		return nil
	}
	return g.dependents[service]
}

// CascadeDepth returns the longest dependent-chain length reachable from the
// failing service via depth-first traversal of the reverse graph. A leaf with
// no dependents contributes depth 1. A visited set guards cycles: a revisited
// node contributes depth 0 so traversal always terminates.
func (g *DependencyGraph) CascadeDepth(service string) int {
	if g == nil {
		return 0
	}
	visited := make(map[string]bool)
	return g.depth(service, visited)
}

func (g *DependencyGraph) depth(service string, visited map[string]bool) int {
	if visited[service] {
		return 0
	}
	visited[service] = true

	deps := g.dependents[service]
	if len(deps) == 0 {
		return 1
	}
	longest := 0
	for _, e := range deps {
		if d := g.depth(e.ServiceName, visited); d > longest {
			longest = d
		}
	}
	return 1 + longest
}
