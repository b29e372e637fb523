// Package element holds the generic, ordered instance tree the engine validates.
//
// A Node is produced once by Parse and is never modified afterwards; per-call
// validation state is kept by the caller in side tables keyed by *Node.
package element

import (
	"strings"

	"github.com/gofhir/conformance/pkg/issue"
)

// Special marks nodes that start a nested resource context.
type Special int

// Special markers.
const (
	SpecialNone Special = iota
	SpecialContained
	SpecialBundleEntry
	SpecialBundleOutcome
	SpecialParameter
)

func (s Special) String() string {
	switch s {
	case SpecialContained:
		return "contained"
	case SpecialBundleEntry:
		return "bundle-entry"
	case SpecialBundleOutcome:
		return "bundle-outcome"
	case SpecialParameter:
		return "parameter"
	default:
		return ""
	}
}

// Kind is the JSON kind of a node's value.
type Kind int

// JSON kinds.
const (
	KindObject Kind = iota
	KindString
	KindNumber
	KindBool
	KindNull
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "boolean"
	case KindNull:
		return "null"
	default:
		return "object"
	}
}

// Node is one instance element.
type Node struct {
	// Name is the JSON property name (e.g. "valueQuantity", "given").
	Name string
	// Type is the resource type for resource nodes, "" otherwise.
	Type string
	// Value is the primitive value in its JSON text form (numbers keep their
	// literal representation).
	Value string
	// HasValue is false for primitives that only carry id/extension.
	HasValue bool
	// Kind is the JSON kind of the value; KindObject for complex nodes.
	Kind Kind
	// Children in document order. Repeating properties appear as repeated
	// siblings with the same Name.
	Children []*Node
	// IsList is true when the node came from a JSON array.
	IsList bool
	// Index is the position within the JSON array, or -1.
	Index   int
	Special Special

	Line   int
	Column int
}

// Pos returns the node's source location.
func (n *Node) Pos() issue.Location {
	if n == nil {
		return issue.Location{}
	}
	return issue.Location{Line: n.Line, Column: n.Column}
}

// IsResource reports whether the node is a resource (has a resourceType).
func (n *Node) IsResource() bool {
	return n != nil && n.Type != ""
}

// IsPrimitive reports whether the node holds (or could hold) a primitive value.
func (n *Node) IsPrimitive() bool {
	return n != nil && n.Kind != KindObject
}

// HasChildren reports whether the node has any children.
func (n *Node) HasChildren() bool {
	return n != nil && len(n.Children) > 0
}

// Child returns the first child with the given name.
func (n *Node) Child(name string) *Node {
	if n == nil {
		return nil
	}
	for _, c := range n.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// ChildrenNamed returns all children with the given name, in order.
func (n *Node) ChildrenNamed(name string) []*Node {
	if n == nil {
		return nil
	}
	var out []*Node
	for _, c := range n.Children {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

// ChildValue returns the primitive value of the first child named name.
func (n *Node) ChildValue(name string) string {
	c := n.Child(name)
	if c == nil || !c.HasValue {
		return ""
	}
	return c.Value
}

// ChildWithPrefix returns the first child whose name starts with prefix and
// the remaining suffix, e.g. ("value", "Quantity") for valueQuantity.
func (n *Node) ChildWithPrefix(prefix string) (*Node, string) {
	if n == nil {
		return nil, ""
	}
	for _, c := range n.Children {
		if len(c.Name) > len(prefix) && strings.HasPrefix(c.Name, prefix) {
			rest := c.Name[len(prefix):]
			if rest[0] >= 'A' && rest[0] <= 'Z' {
				return c, rest
			}
		}
	}
	return nil, ""
}

// Extensions returns the extension children with the given url.
func (n *Node) Extensions(url string) []*Node {
	var out []*Node
	for _, e := range n.ChildrenNamed("extension") {
		if e.ChildValue("url") == url {
			out = append(out, e)
		}
	}
	return out
}

// PrimitiveValue returns Value, or "" when the node has none.
func (n *Node) PrimitiveValue() string {
	if n == nil || !n.HasValue {
		return ""
	}
	return n.Value
}

// Walk visits n and its descendants depth-first. Returning false from fn
// skips the node's children.
func (n *Node) Walk(fn func(*Node) bool) {
	if n == nil || !fn(n) {
		return
	}
	for _, c := range n.Children {
		c.Walk(fn)
	}
}
