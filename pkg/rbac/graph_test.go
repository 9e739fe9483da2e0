package rbac

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// 1 -> 2 -> 4, 1 -> 3 -> 4, 4 -> 5
func diamond() *Graph {
	return NewGraph([]HierarchyEdge{
		{ParentRoleID: 1, ChildRoleID: 2, InheritanceLevel: 1},
		{ParentRoleID: 1, ChildRoleID: 3, InheritanceLevel: 1},
		{ParentRoleID: 2, ChildRoleID: 4, InheritanceLevel: 2},
		{ParentRoleID: 3, ChildRoleID: 4, InheritanceLevel: 2},
		{ParentRoleID: 4, ChildRoleID: 5, InheritanceLevel: 3},
	})
}

func TestGraph_Ancestors(t *testing.T) {
	g := diamond()

	assert.Equal(t, []int64{1, 2, 3, 4}, g.Ancestors(5))
	assert.Equal(t, []int64{1, 2, 3}, g.Ancestors(4))
	assert.Empty(t, g.Ancestors(1))
	assert.Empty(t, g.Ancestors(99))
}

func TestGraph_Descendants(t *testing.T) {
	g := diamond()

	assert.Equal(t, []int64{2, 3, 4, 5}, g.Descendants(1))
	assert.Equal(t, []int64{4, 5}, g.Descendants(3))
	assert.Empty(t, g.Descendants(5))
}

func TestGraph_WouldCycle(t *testing.T) {
	g := diamond()

	tests := []struct {
		name          string
		parent, child int64
		want          bool
	}{
		{"self edge", 2, 2, true},
		{"direct back edge", 2, 1, true},
		{"transitive back edge", 5, 1, true},
		{"sibling edge", 2, 3, false},
		{"new leaf", 5, 6, false},
		{"skip level", 1, 5, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, g.WouldCycle(tt.parent, tt.child))
		})
	}
}

func TestGraph_HasEdgeAndChildren(t *testing.T) {
	g := diamond()

	assert.True(t, g.HasEdge(1, 2))
	assert.False(t, g.HasEdge(2, 1))
	assert.ElementsMatch(t, []int64{2, 3}, g.Children(1))

	// returned slice is a copy
	children := g.Children(1)
	children[0] = 42
	assert.ElementsMatch(t, []int64{2, 3}, g.Children(1))
}

func TestGraph_LevelFor(t *testing.T) {
	g := diamond()

	assert.Equal(t, 1, g.LevelFor(1))
	assert.Equal(t, 2, g.LevelFor(2))
	assert.Equal(t, 3, g.LevelFor(4))
	assert.Equal(t, 4, g.LevelFor(5))
}

func TestGraph_TraversalTerminatesOnStoredCycle(t *testing.T) {
	g := NewGraph([]HierarchyEdge{
		{ParentRoleID: 1, ChildRoleID: 2},
		{ParentRoleID: 2, ChildRoleID: 3},
		{ParentRoleID: 3, ChildRoleID: 1},
	})

	assert.Equal(t, []int64{2, 3}, g.Ancestors(1))
	assert.Equal(t, []int64{2, 3}, g.Descendants(1))
}
