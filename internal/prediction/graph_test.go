package prediction

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	tm, err := time.Parse(time.RFC3339, s)
	require.NoError(t, err)
	return tm
}

func edge(from, to string, dt DependencyType, w float64) DependencyEdge {
	return DependencyEdge{ServiceName: from, DependsOn: to, DependencyType: dt, Weight: w}
}

func TestDependencyGraph_Dependents(t *testing.T) {
	g := NewDependencyGraph([]DependencyEdge{
		edge("api", "db", DependencyCritical, 0.9),
		edge("worker", "db", DependencyOptional, 0.4),
		edge("api", "cache", DependencyOptional, 0.2),
	})

	deps := g.Dependents("db")
	assert.Len(t, deps, 2)

	assert.Empty(t, g.Dependents("api"), "nothing depends on api")
	assert.Empty(t, g.Dependents("unknown"))
}

func TestDependencyGraph_CascadeDepth(t *testing.T) {
	t.Run("leaf contributes depth one", func(t *testing.T) {
		g := NewDependencyGraph([]DependencyEdge{
			edge("api", "db", DependencyCritical, 1),
		})
		assert.Equal(t, 2, g.CascadeDepth("db"))
		assert.Equal(t, 1, g.CascadeDepth("api"))
	})

	t.Run("longest chain wins", func(t *testing.T) {
		// db <- api <- gateway, db <- worker
		g := NewDependencyGraph([]DependencyEdge{
			edge("api", "db", DependencyCritical, 1),
			edge("gateway", "api", DependencyCritical, 1),
			edge("worker", "db", DependencyOptional, 0.5),
		})
		assert.Equal(t, 3, g.CascadeDepth("db"))
	})

	t.Run("cycles terminate", func(t *testing.T) {
		g := NewDependencyGraph([]DependencyEdge{
			edge("a", "b", DependencyCritical, 1),
			edge("b", "a", DependencyCritical, 1),
		})
		assert.Equal(t, 2, g.CascadeDepth("a"))
		assert.Equal(t, 2, g.CascadeDepth("b"))
	})

	t.Run("self loop terminates", func(t *testing.T) {
		g := NewDependencyGraph([]DependencyEdge{
			edge("a", "a", DependencyCritical, 1),
		})
		assert.Equal(t, 1, g.CascadeDepth("a"))
	})

	t.Run("nil graph", func(t *testing.T) {
		var g *DependencyGraph
		assert.Equal(t, 0, g.CascadeDepth("a"))
		assert.Empty(t, g.Dependents("a"))
	})
}

func TestNewID_DeterministicWithinMinute(t *testing.T) {
	at := mustTime(t, "2025-06-01T12:00:10Z")
	same := mustTime(t, "2025-06-01T12:00:55Z")
	next := mustTime(t, "2025-06-01T12:01:05Z")

	a := NewID("payments", TypeFailure, at)
	assert.Equal(t, a, NewID("payments", TypeFailure, same), "same minute bucket")
	assert.NotEqual(t, a, NewID("payments", TypeFailure, next), "new bucket")
	assert.NotEqual(t, a, NewID("payments", TypeLatency, at), "type distinguishes")
	assert.NotEqual(t, a, NewID("ledger", TypeFailure, at), "service distinguishes")
}
