package topology

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func edge(from, to uuid.UUID) Edge {
	return Edge{From: from, To: to, Transport: TransportSimulated, Quality: 1}
}

func presence(id uuid.UUID) Presence {
	return Presence{DeviceID: id, Reachability: ReachabilityDirect}
}

func TestUpsertAndRemoveCascadesEdges(t *testing.T) {
	topo := New()
	a, b, c := uuid.New(), uuid.New(), uuid.New()

	assert.True(t, topo.UpsertPiece(presence(a)))
	assert.False(t, topo.UpsertPiece(presence(a)), "second upsert is an update")
	topo.UpsertPiece(presence(b))
	topo.UpsertPiece(presence(c))

	topo.AddEdge(edge(a, b))
	topo.AddEdge(edge(b, a))
	topo.AddEdge(edge(b, c))
	require.Equal(t, 3, topo.EdgeCount())

	assert.True(t, topo.RemovePiece(b))
	assert.Equal(t, 0, topo.EdgeCount(), "removing a piece removes every edge touching it")
	assert.False(t, topo.RemovePiece(b))
}

func TestReachabilityClassification(t *testing.T) {
	topo := New()
	a, b, c, d := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	for _, id := range []uuid.UUID{a, b, c, d} {
		topo.UpsertPiece(presence(id))
	}
	// a -> b -> c; d isolated.
	topo.AddEdge(edge(a, b))
	topo.AddEdge(edge(b, c))

	direct := topo.ComputeReachability(a, b)
	assert.Equal(t, ReachabilityDirect, direct.Kind)
	assert.Equal(t, b, direct.NextHop)
	assert.Equal(t, 1, direct.Hops)

	indirect := topo.ComputeReachability(a, c)
	assert.Equal(t, ReachabilityIndirect, indirect.Kind)
	assert.Equal(t, b, indirect.NextHop, "forward through the first hop toward c")
	assert.Equal(t, 2, indirect.Hops)

	assert.Equal(t, ReachabilityNone, topo.ComputeReachability(a, d).Kind)

	// Directed: edges do not imply their reverse.
	assert.True(t, topo.IsReachable(a, c))
	assert.False(t, topo.IsReachable(c, a))
}

func TestReachabilitySurvivesCycles(t *testing.T) {
	topo := New()
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	for _, id := range []uuid.UUID{a, b, c} {
		topo.UpsertPiece(presence(id))
	}
	topo.AddEdge(edge(a, b))
	topo.AddEdge(edge(b, a))
	topo.AddEdge(edge(b, c))
	topo.AddEdge(edge(c, b))

	assert.True(t, topo.IsReachable(a, c))
	assert.False(t, topo.IsReachable(a, uuid.New()), "BFS terminates despite cycles")
}

func TestHashIgnoresConstructionOrder(t *testing.T) {
	a, b, c := uuid.New(), uuid.New(), uuid.New()

	first := New()
	first.UpsertPiece(presence(a))
	first.UpsertPiece(presence(b))
	first.UpsertPiece(presence(c))
	first.AddEdge(edge(a, b))
	first.AddEdge(edge(b, c))

	second := New()
	second.AddEdge(edge(b, c))
	second.AddEdge(edge(a, b))
	second.UpsertPiece(presence(c))
	second.UpsertPiece(presence(b))
	second.UpsertPiece(presence(a))

	assert.Equal(t, first.Hash(), second.Hash())

	second.AddEdge(edge(c, a))
	assert.NotEqual(t, first.Hash(), second.Hash(), "edge-set change must change the hash")

	second.RemoveEdgesBetween(c, a)
	assert.Equal(t, first.Hash(), second.Hash())
}

func TestRemoveEdgesBetweenIsDirectional(t *testing.T) {
	topo := New()
	a, b := uuid.New(), uuid.New()
	topo.UpsertPiece(presence(a))
	topo.UpsertPiece(presence(b))
	topo.AddEdge(edge(a, b))
	topo.AddEdge(edge(b, a))

	assert.Equal(t, 1, topo.RemoveEdgesBetween(a, b))
	assert.Equal(t, 1, topo.EdgeCount())
	assert.False(t, topo.IsReachable(a, b))
	assert.True(t, topo.IsReachable(b, a))
}

func TestDegreeCountsBothDirections(t *testing.T) {
	topo := New()
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	topo.AddEdge(edge(a, b))
	topo.AddEdge(edge(b, a))
	topo.AddEdge(edge(c, a))
	assert.Equal(t, 3, topo.Degree(a))
	assert.Equal(t, 2, topo.Degree(b))
}

// Property 3: is_reachable equals path existence for arbitrary graphs.
// The reference answer comes from a plain transitive closure.
func TestReachabilityMatchesClosureProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		numPieces := rapid.IntRange(2, 8).Draw(t, "pieces")
		ids := make([]uuid.UUID, numPieces)
		for i := range ids {
			ids[i] = uuid.New()
		}

		topo := New()
		for _, id := range ids {
			topo.UpsertPiece(presence(id))
		}

		adjacency := make([][]bool, numPieces)
		for i := range adjacency {
			adjacency[i] = make([]bool, numPieces)
		}
		numEdges := rapid.IntRange(0, numPieces*numPieces).Draw(t, "edges")
		for e := 0; e < numEdges; e++ {
			from := rapid.IntRange(0, numPieces-1).Draw(t, "from")
			to := rapid.IntRange(0, numPieces-1).Draw(t, "to")
			if from == to {
				continue
			}
			adjacency[from][to] = true
			topo.AddEdge(edge(ids[from], ids[to]))
		}

		// Floyd-Warshall closure as the oracle.
		closure := make([][]bool, numPieces)
		for i := range closure {
			closure[i] = append([]bool(nil), adjacency[i]...)
		}
		for k := 0; k < numPieces; k++ {
			for i := 0; i < numPieces; i++ {
				for j := 0; j < numPieces; j++ {
					if closure[i][k] && closure[k][j] {
						closure[i][j] = true
					}
				}
			}
		}

		for i := 0; i < numPieces; i++ {
			for j := 0; j < numPieces; j++ {
				if i == j {
					continue
				}
				if got := topo.IsReachable(ids[i], ids[j]); got != closure[i][j] {
					t.Fatalf("reachable(%d,%d) = %v, closure says %v", i, j, got, closure[i][j])
				}
			}
		}
	})
}
