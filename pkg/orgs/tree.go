package orgs

import (
	"fmt"
	"sort"

	"github.com/platinummonkey/bastion/pkg/errdefs"
)

const noParent = -1

// Tree is an organization's units held as a flat arena. parent[i] is the
// arena index of node i's parent, or noParent for roots.
type Tree struct {
	nodes    []Unit
	index    map[int64]int
	parent   []int
	children [][]int
	roots    []int
}

// TreeNode is the nested rendering of one unit, used for JSON responses.
type TreeNode struct {
	Unit
	Children []TreeNode `json:"children"`
}

// BuildTree indexes units. Every parent must be present and the parent links
// must not form a cycle.
func BuildTree(units []Unit) (*Tree, error) {
	sorted := append([]Unit(nil), units...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	t := &Tree{
		nodes:    sorted,
		index:    make(map[int64]int, len(sorted)),
		parent:   make([]int, len(sorted)),
		children: make([][]int, len(sorted)),
	}
	for i, u := range sorted {
		t.index[u.ID] = i
	}
	for i, u := range sorted {
		if u.ParentID == nil {
			t.parent[i] = noParent
			t.roots = append(t.roots, i)
			continue
		}
		p, ok := t.index[*u.ParentID]
		if !ok {
			return nil, fmt.Errorf("unit %d references missing parent %d", u.ID, *u.ParentID)
		}
		t.parent[i] = p
		t.children[p] = append(t.children[p], i)
	}

	// Every node must reach a root within len(nodes) steps.
	for i := range t.nodes {
		steps := 0
		for j := i; j != noParent; j = t.parent[j] {
			if steps > len(t.nodes) {
				return nil, fmt.Errorf("unit %d is part of a cycle", t.nodes[i].ID)
			}
			steps++
		}
	}
	return t, nil
}

// Len is the number of units.
func (t *Tree) Len() int { return len(t.nodes) }

// Get returns the unit with id.
func (t *Tree) Get(id int64) (Unit, bool) {
	i, ok := t.index[id]
	if !ok {
		return Unit{}, false
	}
	return t.nodes[i], true
}

// Roots returns the top-level units in id order.
func (t *Tree) Roots() []Unit { return t.collect(t.roots) }

// Children returns the direct children of id.
func (t *Tree) Children(id int64) []Unit {
	i, ok := t.index[id]
	if !ok {
		return nil
	}
	return t.collect(t.children[i])
}

// Ancestors returns the chain from the parent of id up to its root.
func (t *Tree) Ancestors(id int64) []Unit {
	i, ok := t.index[id]
	if !ok {
		return nil
	}
	var out []Unit
	for p := t.parent[i]; p != noParent; p = t.parent[p] {
		out = append(out, t.nodes[p])
	}
	return out
}

// Descendants returns every unit below id, breadth first.
func (t *Tree) Descendants(id int64) []Unit {
	i, ok := t.index[id]
	if !ok {
		return nil
	}
	var out []Unit
	queue := append([]int(nil), t.children[i]...)
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		out = append(out, t.nodes[n])
		queue = append(queue, t.children[n]...)
	}
	return out
}

// Depth is 0 for roots.
func (t *Tree) Depth(id int64) int {
	return len(t.Ancestors(id))
}

// CanMove reports whether id may be re-parented under newParent (nil for root)
// without creating a cycle.
func (t *Tree) CanMove(id int64, newParent *int64) error {
	if newParent == nil {
		return nil
	}
	if *newParent == id {
		return errdefs.ValidationErrors{"parent_id": "a unit cannot be its own parent"}
	}
	if _, ok := t.index[*newParent]; !ok {
		return errdefs.ValidationErrors{"parent_id": "must be a unit of the same organization"}
	}
	for _, d := range t.Descendants(id) {
		if d.ID == *newParent {
			return errdefs.ValidationErrors{"parent_id": "cannot move a unit below one of its descendants"}
		}
	}
	return nil
}

// Nested renders the tree with nested children.
func (t *Tree) Nested() []TreeNode {
	var build func(idx []int) []TreeNode
	build = func(idx []int) []TreeNode {
		out := make([]TreeNode, 0, len(idx))
		for _, i := range idx {
			out = append(out, TreeNode{Unit: t.nodes[i], Children: build(t.children[i])})
		}
		return out
	}
	return build(t.roots)
}

func (t *Tree) collect(idx []int) []Unit {
	out := make([]Unit, len(idx))
	for k, i := range idx {
		out[k] = t.nodes[i]
	}
	return out
}
