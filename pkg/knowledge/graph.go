// Package knowledge holds the in-memory knowledge graph of domain entities
// (visa types, legal entities, permits, agencies) and their relations.
package knowledge

import (
	"fmt"
	"sort"
	"strings"
)

// Entity is one node in the graph.
type Entity struct {
	ID      string            `yaml:"id" json:"id"`
	Type    string            `yaml:"type" json:"type"`
	Name    string            `yaml:"name" json:"name"`
	Aliases []string          `yaml:"aliases" json:"aliases,omitempty"`
	Attrs   map[string]string `yaml:"attrs" json:"attrs,omitempty"`
}

// Edge is one directed relation between two entities. The relation doubles as
// the edge type for traversal filters. Weight expresses relation strength;
// an omitted weight counts as 1.
type Edge struct {
	From     string  `yaml:"from" json:"from"`
	To       string  `yaml:"to" json:"to"`
	Relation string  `yaml:"relation" json:"relation"`
	Weight   float64 `yaml:"weight" json:"weight,omitempty"`
}

// Neighbor is an entity reachable from a start node, with the relation and
// hop count that reached it.
type Neighbor struct {
	Entity   *Entity `json:"entity"`
	Relation string  `json:"relation"`
	Weight   float64 `json:"weight"`
	Depth    int     `json:"depth"`
}

// PathStep is one hop in a path between two entities.
type PathStep struct {
	Entity   *Entity `json:"entity"`
	Relation string  `json:"relation,omitempty"` // relation that led here, empty for the start
}

const (
	// MaxNeighborDepth bounds neighbor traversal; deeper hops add noise,
	// not signal.
	MaxNeighborDepth = 2

	// MaxPathHops bounds path search length.
	MaxPathHops = 6
)

// Graph is immutable after construction. Traversal treats edges as
// bidirectional; the stored direction only affects how relations read.
type Graph struct {
	entities map[string]*Entity
	names    map[string]string // lowercased name or alias -> entity id
	adjacent map[string][]Edge // both directions
	edges    int
}

// NewGraph builds and validates a graph. Every edge endpoint must name a
// declared entity; a dangling edge fails construction rather than loading a
// silently broken graph.
func NewGraph(entities []*Entity, edges []Edge) (*Graph, error) {
	g := &Graph{
		entities: make(map[string]*Entity, len(entities)),
		names:    make(map[string]string),
		adjacent: make(map[string][]Edge),
	}

	for _, e := range entities {
		if e.ID == "" {
			return nil, fmt.Errorf("entity with name %q has no id", e.Name)
		}
		if _, dup := g.entities[e.ID]; dup {
			return nil, fmt.Errorf("duplicate entity id %q", e.ID)
		}
		g.entities[e.ID] = e
		g.names[strings.ToLower(e.Name)] = e.ID
		for _, alias := range e.Aliases {
			g.names[strings.ToLower(alias)] = e.ID
		}
	}

	for _, edge := range edges {
		if _, ok := g.entities[edge.From]; !ok {
			return nil, fmt.Errorf("edge %s-[%s]->%s references unknown entity %q", edge.From, edge.Relation, edge.To, edge.From)
		}
		if _, ok := g.entities[edge.To]; !ok {
			return nil, fmt.Errorf("edge %s-[%s]->%s references unknown entity %q", edge.From, edge.Relation, edge.To, edge.To)
		}
		if edge.Weight < 0 {
			return nil, fmt.Errorf("edge %s-[%s]->%s has negative weight", edge.From, edge.Relation, edge.To)
		}
		if edge.Weight == 0 {
			edge.Weight = 1
		}
		g.adjacent[edge.From] = append(g.adjacent[edge.From], edge)
		g.adjacent[edge.To] = append(g.adjacent[edge.To], Edge{
			From:     edge.To,
			To:       edge.From,
			Relation: edge.Relation,
			Weight:   edge.Weight,
		})
		g.edges++
	}

	return g, nil
}

// Size returns entity and edge counts.
func (g *Graph) Size() (entities, edges int) {
	return len(g.entities), g.edges
}

// Lookup resolves an entity by id, name or alias, case-insensitively.
func (g *Graph) Lookup(nameOrID string) (*Entity, bool) {
	if e, ok := g.entities[nameOrID]; ok {
		return e, true
	}
	if id, ok := g.names[strings.ToLower(nameOrID)]; ok {
		return g.entities[id], true
	}
	return nil, false
}

// Neighbors returns entities within depth hops of the start, breadth-first.
// depth is clamped to MaxNeighborDepth. A non-empty edgeTypes set restricts
// every hop to those relations. The start entity is not included.
func (g *Graph) Neighbors(nameOrID string, depth int, edgeTypes []string) ([]Neighbor, error) {
	start, ok := g.Lookup(nameOrID)
	if !ok {
		return nil, fmt.Errorf("unknown entity %q", nameOrID)
	}
	if depth < 1 {
		depth = 1
	}
	if depth > MaxNeighborDepth {
		depth = MaxNeighborDepth
	}

	var allowed map[string]bool
	if len(edgeTypes) > 0 {
		allowed = make(map[string]bool, len(edgeTypes))
		for _, t := range edgeTypes {
			allowed[strings.ToLower(t)] = true
		}
	}

	visited := map[string]bool{start.ID: true}
	frontier := []string{start.ID}
	var out []Neighbor

	for hop := 1; hop <= depth; hop++ {
		var next []string
		for _, id := range frontier {
			for _, edge := range g.adjacent[id] {
				if allowed != nil && !allowed[strings.ToLower(edge.Relation)] {
					continue
				}
				if visited[edge.To] {
					continue
				}
				visited[edge.To] = true
				out = append(out, Neighbor{
					Entity:   g.entities[edge.To],
					Relation: edge.Relation,
					Weight:   edge.Weight,
					Depth:    hop,
				})
				next = append(next, edge.To)
			}
		}
		frontier = next
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Depth != out[j].Depth {
			return out[i].Depth < out[j].Depth
		}
		return out[i].Entity.ID < out[j].Entity.ID
	})
	return out, nil
}

// FindPath returns a shortest path of at most maxHops edges between two
// entities, or nil when none exists within the bound. maxHops outside
// [1, MaxPathHops] is clamped to MaxPathHops. Among equal-length paths the
// one with the highest total edge weight wins, so each search level is
// finished before the destination is read.
func (g *Graph) FindPath(from, to string, maxHops int) ([]PathStep, error) {
	src, ok := g.Lookup(from)
	if !ok {
		return nil, fmt.Errorf("unknown entity %q", from)
	}
	dst, ok := g.Lookup(to)
	if !ok {
		return nil, fmt.Errorf("unknown entity %q", to)
	}
	if maxHops < 1 || maxHops > MaxPathHops {
		maxHops = MaxPathHops
	}

	if src.ID == dst.ID {
		return []PathStep{{Entity: src}}, nil
	}

	visited := map[string]hop{src.ID: {}}
	frontier := []string{src.ID}

	for h := 1; h <= maxHops && len(frontier) > 0; h++ {
		level := make(map[string]hop)
		for _, id := range frontier {
			base := visited[id].weight
			for _, edge := range g.adjacent[id] {
				if _, seen := visited[edge.To]; seen {
					continue
				}
				cand := hop{prev: id, relation: edge.Relation, weight: base + edge.Weight}
				if cur, ok := level[edge.To]; ok && cur.weight >= cand.weight {
					continue
				}
				level[edge.To] = cand
			}
		}

		next := make([]string, 0, len(level))
		for id, v := range level {
			visited[id] = v
			next = append(next, id)
		}
		if _, found := visited[dst.ID]; found {
			return g.reconstructPath(src.ID, dst.ID, visited), nil
		}
		sort.Strings(next)
		frontier = next
	}

	return nil, nil
}

func (g *Graph) reconstructPath(srcID, dstID string, visited map[string]hop) []PathStep {
	var reversed []PathStep
	for id := dstID; ; {
		h := visited[id]
		reversed = append(reversed, PathStep{Entity: g.entities[id], Relation: h.relation})
		if id == srcID {
			break
		}
		id = h.prev
	}

	path := make([]PathStep, 0, len(reversed))
	for i := len(reversed) - 1; i >= 0; i-- {
		path = append(path, reversed[i])
	}
	path[0].Relation = ""
	return path
}

type hop struct {
	prev     string
	relation string
	weight   float64
}
