// Package structural assigns the children of an instance element to the
// child definitions of its profile, resolving slices along the way.
package structural

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gofhir/conformance/pkg/element"
	"github.com/gofhir/conformance/pkg/issue"
	"github.com/gofhir/conformance/pkg/registry"
	"github.com/gofhir/conformance/pkg/slicing"
	"github.com/gofhir/conformance/pkg/walker"
)

// Assigner matches instance children to definitions.
type Assigner struct {
	matcher *slicing.Matcher
}

// New creates an Assigner backed by matcher.
func New(matcher *slicing.Matcher) *Assigner {
	return &Assigner{matcher: matcher}
}

// Input is one element's assignment problem.
type Input struct {
	// Profile owns Definitions.
	Profile     *registry.StructureDefinition
	Definitions []*registry.ElementDefinition
	Children    []*walker.ElementInfo
	// Root is the resource the element belongs to; Instance answers
	// reference and profile questions for slice predicates.
	Root     *element.Node
	Instance slicing.Instance
}

// Assign fills in Definition, Slice and the ordering indexes of every child.
// It returns the definition paths whose slices could not be evaluated; their
// minimum cardinality cannot be checked. A slicing declaration the engine
// cannot use is returned as a *slicing.DefinitionError.
func (a *Assigner) Assign(ctx context.Context, in Input, result *issue.Result) (map[string]bool, error) {
	problematic := make(map[string]bool)
	unsupported := false

	var slicer *registry.ElementDefinition
	sliceOffset := 0
	for i, ed := range in.Definitions {
		if ed.Slicing != nil && !ed.IsSlice() {
			if slicer != nil && slicer.Path == ed.Path {
				return nil, midway(in, slicer)
			}
			slicer = ed
			sliceOffset = i
		} else if slicer != nil && slicer.Path != ed.Path {
			slicer = nil
		}

		for _, ei := range in.Children {
			failed, err := a.match(ctx, in, slicer, sliceOffset, i, ed, ei, result)
			if err != nil {
				return nil, err
			}
			if failed {
				unsupported = true
				problematic[ed.Path] = true
			}
		}
	}

	if !unsupported {
		a.reportUnassigned(in, result)
	}
	return problematic, nil
}

// match tries ed against one child. failed is true when the slice predicate
// could not be evaluated.
func (a *Assigner) match(ctx context.Context, in Input, slicer *registry.ElementDefinition, sliceOffset, i int,
	ed *registry.ElementDefinition, ei *walker.ElementInfo, result *issue.Result) (failed bool, err error) {
	if !NameMatches(ei.Name, ed.Tail()) {
		return false, nil
	}

	matched := true
	if slicer != nil && slicer != ed {
		p, err := a.matcher.Compile(in.Profile, slicer, ed)
		if err != nil {
			var defErr *slicing.DefinitionError
			if errors.As(err, &defErr) {
				return false, err
			}
			return false, &slicing.DefinitionError{Profile: in.Profile.VersionedURL(), Slice: ed.ID, Msg: "compiling slice", Err: err}
		}
		matched, err = a.matcher.Matches(ctx, in.Instance, in.Root, ei.Node, p)
		if err != nil {
			result.Report(issue.DiagSliceEvalError, ei.Node.Pos(), ei.Path, map[string]any{
				"profile":    in.Profile.VersionedURL(),
				"path":       ed.ID,
				"expression": p.String(),
				"error":      err.Error(),
			})
			return true, nil
		}
	}
	if !matched {
		return false, nil
	}

	if prev := ei.Definition; prev != nil && prev != slicer && !sameChoice(prev, ed) {
		switch {
		case reslices(ed, prev):
			// ed narrows the slice already matched
		case reslices(prev, ed):
			return false, nil
		default:
			result.Report(issue.DiagSliceMultiple, ei.Node.Pos(), ei.Path, map[string]any{
				"first":  sliceLabel(prev),
				"second": sliceLabel(ed),
			})
			return false, nil
		}
	}

	ei.Definition = ed
	if slicer != nil && slicer != ed {
		ei.Slice, ei.Slicer = ed, slicer
		ei.Index = sliceOffset
		ei.SliceIndex = i - (sliceOffset + 1)
	} else {
		ei.Slice, ei.Slicer = nil, slicer
		ei.Index = i
		ei.SliceIndex = -1
	}
	return false, nil
}

// reportUnassigned reports children left on a slicing entry and children
// with no definition at all.
func (a *Assigner) reportUnassigned(in Input, result *issue.Result) {
	profile := in.Profile.VersionedURL()
	for _, ei := range in.Children {
		def := ei.Definition
		switch {
		case def != nil && def.Slicing != nil && ei.Slice == nil && hasSlices(in.Definitions, def):
			ei.Additional = true
			if def.Slicing.Rules == registry.RulesClosed {
				result.Report(issue.DiagSliceNoMatchClosed, ei.Node.Pos(), ei.Path, map[string]any{"profile": profile})
			} else {
				result.Report(issue.DiagSliceNoMatchOpen, ei.Node.Pos(), ei.Path, map[string]any{"profile": profile})
			}
		case def != nil:
		case in.Profile.Abstract:
		case known(in.Definitions, ei.Name):
			result.Report(issue.DiagSliceUnverified, ei.Node.Pos(), ei.Path, map[string]any{"profile": profile})
		default:
			result.Report(issue.DiagStructureUnknownElement, ei.Node.Pos(), ei.Path, map[string]any{"element": ei.Path})
		}
	}
}

// NameMatches reports whether an instance property name fits a definition
// tail; choice tails match any typed name.
func NameMatches(name, tail string) bool {
	if prefix, ok := strings.CutSuffix(tail, "[x]"); ok {
		if !strings.HasPrefix(name, prefix) || len(name) == len(prefix) {
			return false
		}
		c := name[len(prefix)]
		return c >= 'A' && c <= 'Z'
	}
	return name == tail
}

func known(defs []*registry.ElementDefinition, name string) bool {
	for _, ed := range defs {
		if NameMatches(name, ed.Tail()) {
			return true
		}
	}
	return false
}

func hasSlices(defs []*registry.ElementDefinition, entry *registry.ElementDefinition) bool {
	for _, ed := range defs {
		if ed != entry && ed.Path == entry.Path && ed.IsSlice() {
			return true
		}
	}
	return false
}

// sameChoice is true when prev is an unsliced choice element and ed one of
// its typed renderings.
func sameChoice(prev, ed *registry.ElementDefinition) bool {
	return prev.IsChoice() && !prev.IsSlice() && strings.HasPrefix(ed.Path, strings.TrimSuffix(prev.Path, "[x]"))
}

// reslices reports whether child is a re-slice of parent (name "a/b" under "a").
func reslices(child, parent *registry.ElementDefinition) bool {
	return parent.SliceName != "" && strings.HasPrefix(child.SliceName, parent.SliceName+"/")
}

func sliceLabel(ed *registry.ElementDefinition) string {
	if ed.SliceName != "" {
		return ed.SliceName
	}
	return ed.ID
}

func midway(in Input, slicer *registry.ElementDefinition) error {
	msg := fmt.Sprintf("slice encountered midway through set (path = %s, id = %s)", slicer.Path, slicer.ID)
	if in.Root != nil {
		if id := in.Root.ChildValue("id"); id != "" {
			msg += "; instance " + id
		}
	}
	return &slicing.DefinitionError{Profile: in.Profile.VersionedURL(), Slice: slicer.ID, Msg: msg}
}
