package walker

import (
	"strconv"

	"github.com/gofhir/conformance/pkg/element"
	"github.com/gofhir/conformance/pkg/registry"
)

// Stack is the chain of nodes from the validated resource down to the
// current element, with the literal path used in messages.
type Stack struct {
	Parent     *Stack
	Node       *element.Node
	Definition *registry.ElementDefinition
	// Profile is the definition Definition belongs to.
	Profile     *registry.StructureDefinition
	LiteralPath string
	// LogicalPath is the definition path, with choice types spelled out.
	LogicalPath string
}

// NewStack starts a stack at a resource node.
func NewStack(root *element.Node, path string) *Stack {
	if path == "" {
		path = root.Name
		if path == "" {
			path = root.Type
		}
	}
	return &Stack{Node: root, LiteralPath: path, LogicalPath: root.Type}
}

// Push returns a child frame for n.
func (s *Stack) Push(n *element.Node, def *registry.ElementDefinition, profile *registry.StructureDefinition) *Stack {
	child := &Stack{
		Parent:      s,
		Node:        n,
		Definition:  def,
		Profile:     profile,
		LiteralPath: ItemPath(s.LiteralPath, n),
	}
	if def != nil {
		child.LogicalPath = def.Path
	}
	return child
}

// ItemPath renders parent.name, with [i] for array members.
func ItemPath(parent string, n *element.Node) string {
	p := parent + "." + n.Name
	if n.IsList {
		p += "[" + strconv.Itoa(n.Index) + "]"
	}
	return p
}

// Depth returns the number of frames above s.
func (s *Stack) Depth() int {
	d := 0
	for p := s.Parent; p != nil; p = p.Parent {
		d++
	}
	return d
}

// InExtension reports whether s or one of its ancestors is an extension.
func (s *Stack) InExtension() bool {
	for f := s.Parent; f != nil; f = f.Parent {
		if f.Node != nil && (f.Node.Name == "extension" || f.Node.Name == "modifierExtension") {
			return true
		}
	}
	return false
}
