package walker

import (
	"github.com/gofhir/conformance/pkg/element"
	"github.com/gofhir/conformance/pkg/registry"
)

// ElementInfo is one instance child and what it was assigned to.
type ElementInfo struct {
	Name string
	Node *element.Node
	// Path is the literal instance path.
	Path string
	// Count is the position among siblings with the same name.
	Count int

	// Definition is the matched element; Slice the matched named slice and
	// Slicer the slicing entry it belongs to.
	Definition *registry.ElementDefinition
	Slice      *registry.ElementDefinition
	Slicer     *registry.ElementDefinition
	// Index is the snapshot position of Definition among the children
	// (used for ordering), SliceIndex the position of Slice.
	Index      int
	SliceIndex int
	// Additional marks a child that matched the slicing entry but none of
	// its slices.
	Additional bool
}

// Children lists the children of n in document order.
func Children(n *element.Node, path string) []*ElementInfo {
	counts := make(map[string]int)
	out := make([]*ElementInfo, 0, len(n.Children))
	for _, c := range n.Children {
		out = append(out, &ElementInfo{
			Name:       c.Name,
			Node:       c,
			Path:       ItemPath(path, c),
			Count:      counts[c.Name],
			Index:      -1,
			SliceIndex: -1,
		})
		counts[c.Name]++
	}
	return out
}

// Line and Column return the source position of the child.
func (ei *ElementInfo) Line() int   { return ei.Node.Line }
func (ei *ElementInfo) Column() int { return ei.Node.Column }

// Assigned reports whether the child matched a definition.
func (ei *ElementInfo) Assigned() bool { return ei.Definition != nil }

// Reset clears the assignment so the child can be matched again.
func (ei *ElementInfo) Reset() {
	ei.Definition, ei.Slice, ei.Slicer = nil, nil, nil
	ei.Index, ei.SliceIndex = -1, -1
	ei.Additional = false
}
