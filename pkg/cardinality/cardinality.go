// Package cardinality checks how many children were assigned to each child
// definition, and the order they appear in.
package cardinality

import (
	"strconv"

	"github.com/gofhir/conformance/pkg/issue"
	"github.com/gofhir/conformance/pkg/registry"
	"github.com/gofhir/conformance/pkg/walker"
)

// Check reports, for every definition, a count below min or above max.
// Definitions in problematic had slices that could not be evaluated, so a
// short count there is only a hint. Counts for a slicing entry include the
// children assigned to its slices.
func Check(profile *registry.StructureDefinition, defs []*registry.ElementDefinition, children []*walker.ElementInfo,
	problematic map[string]bool, stack *walker.Stack, result *issue.Result) {
	loc := stack.Node.Pos()
	for _, ed := range defs {
		count := Count(ed, defs, children)
		label := Label(profile, ed)

		if ed.Min > 0 && count < ed.Min {
			params := map[string]any{"location": label, "min": ed.Min, "count": count}
			if problematic[ed.Path] {
				result.Report(issue.DiagCardinalityMinUnchecked, loc, stack.LiteralPath, params)
			} else {
				result.Report(issue.DiagCardinalityMin, loc, stack.LiteralPath, params)
			}
		}
		if max, bounded := ed.MaxCount(); bounded && count > max {
			result.Report(issue.DiagCardinalityMax, loc, stack.LiteralPath, map[string]any{
				"location": label, "max": ed.Max, "count": count,
			})
		}
	}
}

// Count returns the children assigned to ed, or to one of its slices when
// ed declares slicing.
func Count(ed *registry.ElementDefinition, defs []*registry.ElementDefinition, children []*walker.ElementInfo) int {
	var slices map[*registry.ElementDefinition]bool
	if ed.Slicing != nil && !ed.IsSlice() {
		slices = make(map[*registry.ElementDefinition]bool)
		for _, s := range defs {
			if s != ed && s.Path == ed.Path && s.IsSlice() {
				slices[s] = true
			}
		}
	}
	n := 0
	for _, ei := range children {
		if ei.Definition == ed || slices[ei.Definition] {
			n++
		}
	}
	return n
}

// Label names a definition in cardinality messages.
func Label(profile *registry.StructureDefinition, ed *registry.ElementDefinition) string {
	name := ed.Path
	if ed.SliceName != "" {
		name += "[" + ed.SliceName + "]"
	}
	return "Profile " + profile.VersionedURL() + ", Element '" + name + "'"
}

// CheckOrder reports children whose definitions appear out of snapshot
// order. JSON groups repeats of a property into one array, so order is
// compared among siblings sharing a name; within an ordered slicing the
// slices must appear in declaration order, and with openAtEnd rules any
// unmatched items must follow every slice.
func CheckOrder(profile *registry.StructureDefinition, children []*walker.ElementInfo, result *issue.Result) {
	if profile.NoOrder() {
		return
	}
	type mark struct{ index, slice int }
	last := make(map[string]mark)
	openTail := make(map[string]bool)
	for _, ei := range children {
		if ei.Definition == nil {
			continue
		}
		if ei.Slice != nil && openTail[ei.Name] {
			result.Report(issue.DiagStructureOutOfOrderSlice, ei.Node.Pos(), ei.Path, map[string]any{
				"profile": profile.VersionedURL(), "element": ei.Name + "[" + strconv.Itoa(ei.Count) + "]",
			})
		}
		if ei.Additional && ei.Slicer != nil && ei.Slicer.Slicing.Rules == registry.RulesOpenAtEnd {
			openTail[ei.Name] = true
		}
		prev, seen := last[ei.Name]
		if seen && ei.Index < prev.index {
			result.Report(issue.DiagStructureOutOfOrder, ei.Node.Pos(), ei.Path, map[string]any{
				"profile": profile.VersionedURL(), "element": ei.Name,
			})
		}
		if seen && ei.Slice != nil && ei.Slicer != nil && ei.Slicer.Slicing.Ordered &&
			ei.Index == prev.index && prev.slice != -1 && ei.SliceIndex < prev.slice {
			result.Report(issue.DiagStructureOutOfOrderSlice, ei.Node.Pos(), ei.Path, map[string]any{
				"profile": profile.VersionedURL(), "element": ei.Name + "[" + strconv.Itoa(ei.Count) + "]",
			})
		}
		m := mark{index: ei.Index, slice: -1}
		if ei.Slice != nil {
			m.slice = ei.SliceIndex
		}
		last[ei.Name] = m
	}
}
