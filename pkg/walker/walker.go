// Package walker enumerates profile children and instance children and walks
// the resources nested in an instance (contained resources, Bundle entries).
package walker

import (
	"fmt"
	"strings"

	"github.com/gofhir/conformance/pkg/element"
	"github.com/gofhir/conformance/pkg/registry"
)

// ChildMap returns the direct children of ed in sd, slices included, in
// snapshot order, together with the definition they belong to. A content
// reference ("#id" or "url#id") is followed first. An element with no
// children on this profile yields an empty list; the caller then falls back
// to the type's own definition.
func ChildMap(r registry.Resolver, sd *registry.StructureDefinition, ed *registry.ElementDefinition) ([]*registry.ElementDefinition, *registry.StructureDefinition, error) {
	if ed.ContentReference != "" {
		target, owner, err := ResolveContentReference(r, sd, ed.ContentReference)
		if err != nil {
			return nil, nil, err
		}
		return DirectChildren(owner, target), owner, nil
	}
	return DirectChildren(sd, ed), sd, nil
}

// ResolveContentReference finds the element a contentReference points at.
func ResolveContentReference(r registry.Resolver, sd *registry.StructureDefinition, ref string) (*registry.ElementDefinition, *registry.StructureDefinition, error) {
	hash := strings.IndexByte(ref, '#')
	if hash < 0 {
		return nil, nil, fmt.Errorf("content reference %q in %s has no element id", ref, sd.URL)
	}
	owner := sd
	if hash > 0 {
		target, err := r.Resolve(ref[:hash])
		if err != nil {
			return nil, nil, err
		}
		if target == nil {
			return nil, nil, fmt.Errorf("unable to resolve content reference %s in %s", ref, sd.URL)
		}
		owner = target
	}
	id := ref[hash+1:]
	if ed := owner.ElementByID(id); ed != nil {
		return ed, owner, nil
	}
	if owner.HasSnapshot() {
		for i := range owner.Snapshot.Element {
			if e := &owner.Snapshot.Element[i]; e.Path == id && e.SliceName == "" {
				return e, owner, nil
			}
		}
	}
	return nil, nil, fmt.Errorf("unable to resolve content reference %s in %s", ref, sd.URL)
}

// DirectChildren returns the elements immediately below ed in sd's snapshot.
func DirectChildren(sd *registry.StructureDefinition, ed *registry.ElementDefinition) []*registry.ElementDefinition {
	idx := sd.IndexOf(ed)
	if idx < 0 && ed != nil {
		for i := range sd.Snapshot.Element {
			if sd.Snapshot.Element[i].ID == ed.ID && ed.ID != "" {
				idx = i
				break
			}
		}
	}
	if idx < 0 {
		return nil
	}
	elems := sd.Snapshot.Element
	prefix := elems[idx].Path + "."
	var out []*registry.ElementDefinition
	for i := idx + 1; i < len(elems); i++ {
		p := elems[i].Path
		if !strings.HasPrefix(p, prefix) {
			break
		}
		if !strings.Contains(p[len(prefix):], ".") {
			out = append(out, &elems[i])
		}
	}
	return out
}

// TypeRoot resolves the definition that seeds children for a type: the
// single declared profile when there is one, else the core type.
func TypeRoot(r registry.Resolver, t *registry.Type) (*registry.StructureDefinition, error) {
	if len(t.Profile) == 1 {
		sd, err := r.Resolve(t.Profile[0])
		if sd != nil || err != nil {
			return sd, err
		}
	}
	return r.ResolveType(t.WorkingCode())
}

// ResourceContext describes one resource found while walking an instance.
type ResourceContext struct {
	Node         *element.Node
	ResourceType string
	// Path is the literal path of the resource node.
	Path string
	// Profiles are the meta.profile values.
	Profiles      []string
	IsContained   bool
	IsBundleEntry bool
	// EntryIndex is the Bundle.entry position for bundle entries, else -1.
	EntryIndex int
	Parent     *ResourceContext
}

// ResourceVisitor is called for each resource found. Returning false stops
// the walk.
type ResourceVisitor func(rc *ResourceContext) bool

// Resources visits root, its contained resources, and Bundle entry resources
// (recursively, nested Bundles included).
func Resources(root *element.Node, rootPath string, visit ResourceVisitor) {
	rc := newContext(root, rootPath, nil)
	walkResource(rc, visit)
}

func newContext(n *element.Node, path string, parent *ResourceContext) *ResourceContext {
	return &ResourceContext{
		Node:         n,
		ResourceType: n.Type,
		Path:         path,
		Profiles:     MetaProfiles(n),
		EntryIndex:   -1,
		Parent:       parent,
	}
}

func walkResource(rc *ResourceContext, visit ResourceVisitor) bool {
	if !visit(rc) {
		return false
	}
	for _, c := range rc.Node.ChildrenNamed("contained") {
		if !c.IsResource() {
			continue
		}
		child := newContext(c, ItemPath(rc.Path, c), rc)
		child.IsContained = true
		if !walkResource(child, visit) {
			return false
		}
	}
	if rc.ResourceType != "Bundle" {
		return true
	}
	for i, entry := range rc.Node.ChildrenNamed("entry") {
		res := entry.Child("resource")
		if res == nil || !res.IsResource() {
			continue
		}
		child := newContext(res, ItemPath(rc.Path, entry)+".resource", rc)
		child.IsBundleEntry = true
		child.EntryIndex = i
		if !walkResource(child, visit) {
			return false
		}
	}
	return true
}

// MetaProfiles returns the meta.profile values of a resource node.
func MetaProfiles(n *element.Node) []string {
	var out []string
	for _, p := range n.Child("meta").ChildrenNamed("profile") {
		if p.HasValue {
			out = append(out, p.Value)
		}
	}
	return out
}

// ContainingResource walks up from rc to the nearest resource that is not
// itself contained.
func (rc *ResourceContext) ContainingResource() *ResourceContext {
	for rc.IsContained && rc.Parent != nil {
		rc = rc.Parent
	}
	return rc
}

// Bundle returns the nearest enclosing Bundle, or nil.
func (rc *ResourceContext) Bundle() *ResourceContext {
	for p := rc.Parent; p != nil; p = p.Parent {
		if p.ResourceType == "Bundle" {
			return p
		}
	}
	return nil
}
