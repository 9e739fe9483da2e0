package rbac

import "sort"

// Graph is an in-memory view of the role hierarchy. Traversals keep a visited
// set, so they terminate even if the stored edges were to contain a cycle.
type Graph struct {
	parents  map[int64][]int64
	children map[int64][]int64
	levels   map[[2]int64]int
}

// NewGraph indexes edges in both directions
func NewGraph(edges []HierarchyEdge) *Graph {
	g := &Graph{
		parents:  make(map[int64][]int64),
		children: make(map[int64][]int64),
		levels:   make(map[[2]int64]int, len(edges)),
	}
	for _, e := range edges {
		g.parents[e.ChildRoleID] = append(g.parents[e.ChildRoleID], e.ParentRoleID)
		g.children[e.ParentRoleID] = append(g.children[e.ParentRoleID], e.ChildRoleID)
		g.levels[[2]int64{e.ParentRoleID, e.ChildRoleID}] = e.InheritanceLevel
	}
	return g
}

// HasEdge reports whether parent -> child exists
func (g *Graph) HasEdge(parentID, childID int64) bool {
	_, ok := g.levels[[2]int64{parentID, childID}]
	return ok
}

// Children returns the direct children of roleID
func (g *Graph) Children(roleID int64) []int64 {
	return append([]int64(nil), g.children[roleID]...)
}

// Ancestors returns every role roleID inherits from, excluding itself
func (g *Graph) Ancestors(roleID int64) []int64 {
	return g.walk(roleID, g.parents)
}

// Descendants returns every role that inherits from roleID, excluding itself
func (g *Graph) Descendants(roleID int64) []int64 {
	return g.walk(roleID, g.children)
}

// WouldCycle reports whether adding parent -> child would close a cycle
func (g *Graph) WouldCycle(parentID, childID int64) bool {
	if parentID == childID {
		return true
	}
	for _, id := range g.Descendants(childID) {
		if id == parentID {
			return true
		}
	}
	return false
}

// LevelFor returns the inheritance level a new edge under parentID gets:
// one more than the deepest edge already pointing into the parent
func (g *Graph) LevelFor(parentID int64) int {
	level := 0
	for _, grand := range g.parents[parentID] {
		if l := g.levels[[2]int64{grand, parentID}]; l > level {
			level = l
		}
	}
	return level + 1
}

func (g *Graph) walk(start int64, next map[int64][]int64) []int64 {
	visited := map[int64]bool{start: true}
	queue := []int64{start}
	var out []int64

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, n := range next[id] {
			if visited[n] {
				continue
			}
			visited[n] = true
			out = append(out, n)
			queue = append(queue, n)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
