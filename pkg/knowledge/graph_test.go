package knowledge

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testGraph(t *testing.T) *Graph {
	t.Helper()

	entities := []*Entity{
		{ID: "kitas-investor", Type: "permit", Name: "Investor KITAS", Aliases: []string{"C313", "C314"}},
		{ID: "pt-pma", Type: "legal_entity", Name: "PT PMA"},
		{ID: "bkpm", Type: "agency", Name: "BKPM", Aliases: []string{"Ministry of Investment"}},
		{ID: "npwp", Type: "tax_id", Name: "NPWP"},
		{ID: "kitap", Type: "permit", Name: "KITAP"},
	}
	edges := []Edge{
		{From: "kitas-investor", To: "pt-pma", Relation: "requires"},
		{From: "pt-pma", To: "bkpm", Relation: "registered_with"},
		{From: "pt-pma", To: "npwp", Relation: "requires"},
		{From: "kitas-investor", To: "kitap", Relation: "upgrades_to"},
	}

	g, err := NewGraph(entities, edges)
	require.NoError(t, err)
	return g
}

func TestNewGraphRejectsDanglingEdges(t *testing.T) {
	entities := []*Entity{{ID: "a", Name: "A"}}

	_, err := NewGraph(entities, []Edge{{From: "a", To: "missing", Relation: "rel"}})
	assert.ErrorContains(t, err, "unknown entity")

	_, err = NewGraph(entities, []Edge{{From: "missing", To: "a", Relation: "rel"}})
	assert.ErrorContains(t, err, "unknown entity")
}

func TestNewGraphRejectsDuplicateIDs(t *testing.T) {
	_, err := NewGraph([]*Entity{{ID: "a", Name: "A"}, {ID: "a", Name: "B"}}, nil)
	assert.ErrorContains(t, err, "duplicate entity id")
}

func TestLookupByNameAliasAndID(t *testing.T) {
	g := testGraph(t)

	byID, ok := g.Lookup("kitas-investor")
	require.True(t, ok)
	assert.Equal(t, "Investor KITAS", byID.Name)

	byName, ok := g.Lookup("investor kitas")
	require.True(t, ok)
	assert.Equal(t, byID, byName)

	byAlias, ok := g.Lookup("c313")
	require.True(t, ok)
	assert.Equal(t, byID, byAlias)

	_, ok = g.Lookup("golden visa")
	assert.False(t, ok)
}

func TestNeighborsDepthOne(t *testing.T) {
	g := testGraph(t)

	neighbors, err := g.Neighbors("kitas-investor", 1, nil)
	require.NoError(t, err)
	require.Len(t, neighbors, 2)

	ids := []string{neighbors[0].Entity.ID, neighbors[1].Entity.ID}
	assert.ElementsMatch(t, []string{"pt-pma", "kitap"}, ids)
	for _, n := range neighbors {
		assert.Equal(t, 1, n.Depth)
	}
}

func TestNeighborsDepthIsClamped(t *testing.T) {
	g := testGraph(t)

	atTwo, err := g.Neighbors("kitas-investor", 2, nil)
	require.NoError(t, err)
	atTen, err := g.Neighbors("kitas-investor", 10, nil)
	require.NoError(t, err)

	assert.Equal(t, atTwo, atTen)

	// depth 2 reaches bkpm and npwp through pt-pma
	ids := make([]string, 0, len(atTwo))
	for _, n := range atTwo {
		ids = append(ids, n.Entity.ID)
	}
	assert.ElementsMatch(t, []string{"pt-pma", "kitap", "bkpm", "npwp"}, ids)
}

func TestNeighborsUnknownEntity(t *testing.T) {
	g := testGraph(t)

	_, err := g.Neighbors("nonexistent", 1, nil)
	assert.Error(t, err)
}

func TestFindPath(t *testing.T) {
	g := testGraph(t)

	path, err := g.FindPath("kitas-investor", "bkpm", 0)
	require.NoError(t, err)
	require.Len(t, path, 3)

	assert.Equal(t, "kitas-investor", path[0].Entity.ID)
	assert.Empty(t, path[0].Relation)
	assert.Equal(t, "pt-pma", path[1].Entity.ID)
	assert.Equal(t, "bkpm", path[2].Entity.ID)
}

func TestFindPathSameEntity(t *testing.T) {
	g := testGraph(t)

	path, err := g.FindPath("kitas-investor", "C313", 0)
	require.NoError(t, err)
	require.Len(t, path, 1)
}

func TestFindPathDisconnected(t *testing.T) {
	entities := []*Entity{{ID: "a", Name: "A"}, {ID: "b", Name: "B"}}
	g, err := NewGraph(entities, nil)
	require.NoError(t, err)

	path, err := g.FindPath("a", "b", 0)
	require.NoError(t, err)
	assert.Nil(t, path)
}

func TestNeighborsEdgeTypeFilter(t *testing.T) {
	g := testGraph(t)

	neighbors, err := g.Neighbors("kitas-investor", 2, []string{"requires"})
	require.NoError(t, err)

	ids := make([]string, 0, len(neighbors))
	for _, n := range neighbors {
		assert.Equal(t, "requires", n.Relation)
		ids = append(ids, n.Entity.ID)
	}
	// upgrades_to and registered_with edges are filtered out at every hop
	assert.ElementsMatch(t, []string{"pt-pma", "npwp"}, ids)
}

func TestFindPathRespectsMaxHops(t *testing.T) {
	g := testGraph(t)

	// kitas-investor -> pt-pma -> bkpm needs two hops
	path, err := g.FindPath("kitas-investor", "bkpm", 1)
	require.NoError(t, err)
	assert.Nil(t, path)

	path, err = g.FindPath("kitas-investor", "bkpm", 2)
	require.NoError(t, err)
	assert.Len(t, path, 3)
}

func TestFindPathPrefersHeavierEqualLengthPath(t *testing.T) {
	entities := []*Entity{
		{ID: "a", Name: "A"},
		{ID: "b", Name: "B"},
		{ID: "c", Name: "C"},
		{ID: "d", Name: "D"},
	}
	// two 2-hop routes from a to d; the one through c carries more weight
	edges := []Edge{
		{From: "a", To: "b", Relation: "weak", Weight: 0.2},
		{From: "b", To: "d", Relation: "weak", Weight: 0.2},
		{From: "a", To: "c", Relation: "strong", Weight: 0.9},
		{From: "c", To: "d", Relation: "strong", Weight: 0.9},
	}
	g, err := NewGraph(entities, edges)
	require.NoError(t, err)

	path, err := g.FindPath("a", "d", 0)
	require.NoError(t, err)
	require.Len(t, path, 3)
	assert.Equal(t, "c", path[1].Entity.ID)
}

func TestNewGraphDefaultsEdgeWeight(t *testing.T) {
	g := testGraph(t)

	neighbors, err := g.Neighbors("kitas-investor", 1, nil)
	require.NoError(t, err)
	for _, n := range neighbors {
		assert.Equal(t, 1.0, n.Weight)
	}
}

func TestNewGraphRejectsNegativeWeight(t *testing.T) {
	entities := []*Entity{{ID: "a", Name: "A"}, {ID: "b", Name: "B"}}
	_, err := NewGraph(entities, []Edge{{From: "a", To: "b", Relation: "rel", Weight: -1}})
	assert.ErrorContains(t, err, "negative weight")
}

func TestLoadGraphFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "graph.yaml")

	content := `
entities:
  - id: kitas
    type: permit
    name: KITAS
  - id: sponsor
    type: legal_entity
    name: Sponsor Company
edges:
  - from: kitas
    to: sponsor
    relation: sponsored_by
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	g, err := LoadGraph(path)
	require.NoError(t, err)

	entities, edges := g.Size()
	assert.Equal(t, 2, entities)
	assert.Equal(t, 1, edges)
}

func TestLoadGraphMissingFile(t *testing.T) {
	_, err := LoadGraph("/nonexistent/graph.yaml")
	assert.Error(t, err)
}
