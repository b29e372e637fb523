package validator

import (
	"context"
	"fmt"
	"strings"

	"github.com/gofhir/conformance/pkg/cardinality"
	"github.com/gofhir/conformance/pkg/constraint"
	"github.com/gofhir/conformance/pkg/element"
	"github.com/gofhir/conformance/pkg/extension"
	"github.com/gofhir/conformance/pkg/fixedpattern"
	"github.com/gofhir/conformance/pkg/issue"
	"github.com/gofhir/conformance/pkg/reference"
	"github.com/gofhir/conformance/pkg/registry"
	"github.com/gofhir/conformance/pkg/structural"
	"github.com/gofhir/conformance/pkg/walker"
)

// FHIRPath system types used by the core definitions for id and url
// elements, and the primitive each one is checked as.
var systemTypes = map[string]string{
	"http://hl7.org/fhirpath/System.String":   "string",
	"http://hl7.org/fhirpath/System.Boolean":  "boolean",
	"http://hl7.org/fhirpath/System.Integer":  "integer",
	"http://hl7.org/fhirpath/System.Decimal":  "decimal",
	"http://hl7.org/fhirpath/System.Date":     "date",
	"http://hl7.org/fhirpath/System.DateTime": "dateTime",
	"http://hl7.org/fhirpath/System.Time":     "time",
}

// validateElement checks the node at stack against definition, an element
// of profile, and walks its children. actualType is the instance type of
// the node, used when the profile does not constrain the children.
func (r *run) validateElement(ctx context.Context, sc scope, profile *registry.StructureDefinition, definition *registry.ElementDefinition,
	actualType string, stack *walker.Stack, result *issue.Result) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if definition == nil {
		return &DefinitionError{Profile: profile.VersionedURL(), Path: stack.LiteralPath, Err: fmt.Errorf("profile has no snapshot root")}
	}
	n := stack.Node
	r.visited++

	if err := r.v.constraints.Check(ctx, constraint.Request{
		Root:       sc.resource,
		Node:       n,
		Path:       stack.LiteralPath,
		Profile:    profile,
		Definition: definition,
		Executed:   r.executed,
	}, result); err != nil {
		return definitionError(profile, stack.LiteralPath, err)
	}

	defs, owner, err := walker.ChildMap(r.v.registry, profile, definition)
	if err != nil {
		return definitionError(profile, stack.LiteralPath, err)
	}
	if len(defs) == 0 {
		if actualType == "" || !n.HasChildren() {
			return nil
		}
		typeSD, err := r.v.registry.ResolveType(actualType)
		if err != nil {
			return definitionError(profile, stack.LiteralPath, err)
		}
		if typeSD == nil {
			return &DefinitionError{Profile: profile.VersionedURL(), Path: stack.LiteralPath,
				Err: fmt.Errorf("unable to resolve the actual type %s", actualType)}
		}
		owner = typeSD
		defs = walker.DirectChildren(typeSD, typeSD.Root())
	}

	children := walker.Children(n, stack.LiteralPath)
	problematic, err := r.v.assigner.Assign(ctx, structural.Input{
		Profile:     owner,
		Definitions: defs,
		Children:    children,
		Root:        sc.resource,
		Instance:    r,
	}, result)
	if err != nil {
		return definitionError(owner, stack.LiteralPath, err)
	}
	cardinality.Check(owner, defs, children, problematic, stack, result)
	cardinality.CheckOrder(owner, children, result)

	for _, ei := range children {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.checkChild(ctx, sc, owner, definition, actualType, stack, ei, result); err != nil {
			return err
		}
	}
	return nil
}

// childType works out the instance type of a child and the profiles its
// definition declares for that type. An empty type means the child is a
// backbone element or a content reference and is walked against its own
// definition.
func (r *run) childType(ei *walker.ElementInfo, result *issue.Result) (string, []string, bool) {
	def := ei.Definition
	switch {
	case def.ContentReference != "":
		return "", nil, true
	case len(def.Type) == 0:
		return "", nil, true
	case len(def.Type) == 1:
		t := &def.Type[0]
		code := t.WorkingCode()
		switch code {
		case "Element", "BackboneElement":
			return "", t.Profile, true
		case "*":
			suffix := strings.TrimPrefix(ei.Name, strings.TrimSuffix(def.Tail(), "[x]"))
			return r.typeFromSuffix(suffix), t.Profile, true
		}
		if sys, ok := systemTypes[code]; ok {
			code = sys
		}
		return code, t.Profile, true
	}

	if def.HasRepresentation("typeAttr") && ei.Node.Type != "" {
		return ei.Node.Type, nil, true
	}
	prefix := strings.TrimSuffix(def.Tail(), "[x]")
	var profiles []string
	typ := ""
	for i := range def.Type {
		t := &def.Type[i]
		code := t.WorkingCode()
		if prefix+capitalize(code) != ei.Name {
			continue
		}
		typ = code
		if code != "Reference" {
			profiles = append(profiles, t.Profile...)
		}
		break
	}
	if typ != "" {
		return typ, profiles, true
	}
	if def.Type[0].WorkingCode() == "Reference" {
		return "Reference", nil, true
	}
	result.Report(issue.DiagStructureChoiceUnknown, ei.Node.Pos(), ei.Path, map[string]any{
		"element": ei.Name,
		"types":   strings.Join(def.TypeCodes(), ", "),
	})
	return "", nil, false
}

// typeFromSuffix maps the suffix of a choice name (valueString) to a type
// code, lowercasing primitives.
func (r *run) typeFromSuffix(suffix string) string {
	if suffix == "" {
		return ""
	}
	lower := strings.ToLower(suffix[:1]) + suffix[1:]
	if r.v.registry.IsPrimitiveType(lower) {
		return lower
	}
	return suffix
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// checkChild validates one assigned child and descends into it.
func (r *run) checkChild(ctx context.Context, sc scope, profile *registry.StructureDefinition, parentDef *registry.ElementDefinition,
	parentType string, stack *walker.Stack, ei *walker.ElementInfo, result *issue.Result) error {
	def := ei.Definition
	if def == nil {
		return nil
	}
	typ, profiles, ok := r.childType(ei, result)
	if !ok {
		return nil
	}

	child := stack.Push(ei.Node, def, profile)
	n := ei.Node

	if err := r.v.constraints.Check(ctx, constraint.Request{
		Root:             sc.resource,
		Node:             n,
		Path:             ei.Path,
		Profile:          profile,
		Definition:       def,
		OnlyNonInherited: true,
		Executed:         r.executed,
	}, result); err != nil {
		return definitionError(profile, ei.Path, err)
	}

	if typ == "" {
		// backbone element or content reference
		fixedpattern.Check(n, def, profile, ei.Path, result)
		if len(profiles) > 0 {
			return r.checkProfiles(ctx, sc, profiles, "", def, child, result)
		}
		return r.validateElement(ctx, sc, profile, def, "", child, result)
	}

	if r.v.registry.IsPrimitiveType(typ) {
		if r.v.primitives.Check(n, typ, def, ei.Path, result) {
			r.bindingsFor(sc.language).Check(ctx, n, ei.Path, typ, def, false, result)
		}
	} else if n.IsPrimitive() && n.HasValue {
		result.Rule(false, issue.CodeStructure, n.Pos(), ei.Path,
			"This property must be an object, not a %s", n.Kind)
		return nil
	}
	fixedpattern.Check(n, def, profile, ei.Path, result)

	childScope := sc
	switch typ {
	case "Coding":
		r.bindingsFor(sc.language).Check(ctx, n, ei.Path, typ, def, sc.inConcept, result)
	case "CodeableConcept":
		r.bindingsFor(sc.language).Check(ctx, n, ei.Path, typ, def, false, result)
		childScope.inConcept = true
	case "Identifier":
		r.checkIdentifier(n, ei.Path, result)
	case "Reference":
		if _, err := r.v.references.Check(ctx, reference.Request{
			Stack:      child,
			Definition: def,
			Validate:   r.validateTarget(sc),
		}, result); err != nil {
			return definitionError(profile, ei.Path, err)
		}
	case "Extension":
		handled, err := r.checkExtension(ctx, childScope, profile, parentDef, parentType, stack, child, result)
		if handled || err != nil {
			return err
		}
		childScope.extension = n.ChildValue("url")
	case "Resource":
		return r.validateContained(ctx, sc, child, result)
	}

	if _, sys := systemTypes[def.Type[0].Code]; sys && len(def.Type) == 1 {
		return nil
	}

	if len(profiles) > 0 {
		if err := r.checkProfiles(ctx, childScope, profiles, typ, def, child, result); err != nil {
			return err
		}
		return r.walkOwnSubtree(ctx, childScope, profile, def, typ, child, result)
	}

	typeSD, err := r.v.registry.ResolveType(typ)
	if err != nil {
		return definitionError(profile, ei.Path, err)
	}
	if typeSD == nil {
		result.Report(issue.DiagStructureUnknownType, n.Pos(), ei.Path, map[string]any{"type": typ})
		return nil
	}

	if len(walker.DirectChildren(profile, def)) > 0 {
		// The profile constrains the children here: walk its subtree, with
		// the type's own invariants checked on the node.
		if err := r.v.constraints.Check(ctx, constraint.Request{
			Root: childScope.resource, Node: n, Path: ei.Path,
			Profile: typeSD, Definition: typeSD.Root(), Executed: r.executed,
		}, result); err != nil {
			return definitionError(typeSD, ei.Path, err)
		}
		return r.validateElement(ctx, childScope, profile, def, typ, child, result)
	}
	return r.validateElement(ctx, childScope, typeSD, typeSD.Root(), typ, child, result)
}

// walkOwnSubtree walks def's children in profile when the profile
// constrains them, after the type profiles have been checked.
func (r *run) walkOwnSubtree(ctx context.Context, sc scope, profile *registry.StructureDefinition, def *registry.ElementDefinition,
	typ string, child *walker.Stack, result *issue.Result) error {
	if len(walker.DirectChildren(profile, def)) == 0 {
		return nil
	}
	return r.validateElement(ctx, sc, profile, def, typ, child, result)
}

// checkProfiles validates the node against its declared type profiles. A
// single profile is checked directly. With several, each is tried in its
// own buffer: one clean match is kept, none is an error listing every
// failure, and more than one is a warning.
func (r *run) checkProfiles(ctx context.Context, sc scope, profiles []string, typ string, def *registry.ElementDefinition,
	child *walker.Stack, result *issue.Result) error {
	n := child.Node
	if len(profiles) == 1 {
		sd, ed, err := r.profileElement(profiles[0])
		if err != nil {
			return definitionError(nil, child.LiteralPath, err)
		}
		if sd == nil {
			result.Report(issue.DiagStructureUnknownProfile, n.Pos(), child.LiteralPath, map[string]any{"profile": profiles[0]})
			return nil
		}
		return r.validateElement(ctx, sc, sd, ed, typ, child, result)
	}

	var good, bad []*issue.Result
	var goodNames, badNames []string
	var goodRuns, badRuns []*constraint.Executed
	for _, url := range profiles {
		sd, ed, err := r.profileElement(url)
		if err != nil {
			return definitionError(nil, child.LiteralPath, err)
		}
		if sd == nil {
			result.Report(issue.DiagStructureUnknownProfile, n.Pos(), child.LiteralPath, map[string]any{"profile": url})
			continue
		}
		buf := issue.NewResult()
		trial := r.trial(r.executed.Fork())
		err = trial.validateElement(ctx, sc, sd, ed, typ, child, buf)
		r.absorb(trial)
		if err != nil {
			return err
		}
		if buf.HasErrors() {
			bad = append(bad, buf)
			badNames = append(badNames, sd.Describe())
			badRuns = append(badRuns, trial.executed)
		} else {
			good = append(good, buf)
			goodNames = append(goodNames, sd.VersionedURL())
			goodRuns = append(goodRuns, trial.executed)
		}
	}

	switch len(good) {
	case 1:
		result.Merge(good[0])
		r.executed.Merge(goodRuns[0])
	case 0:
		if len(bad) == 0 {
			return nil
		}
		result.Report(issue.DiagProfileNoMatch, n.Pos(), child.LiteralPath, map[string]any{"profiles": strings.Join(profiles, ", ")})
		for i, b := range bad {
			result.MergeWithSuffix(b, " (validating against "+badNames[i]+")")
			r.executed.Merge(badRuns[i])
		}
	default:
		result.Report(issue.DiagProfileMultipleMatch, n.Pos(), child.LiteralPath, map[string]any{"profiles": strings.Join(goodNames, ", ")})
		result.Merge(good[0])
		r.executed.Merge(goodRuns[0])
	}
	return nil
}

// profileElement resolves a type profile, which may name an element inside
// it as url#elementId.
func (r *run) profileElement(url string) (*registry.StructureDefinition, *registry.ElementDefinition, error) {
	base, id, _ := strings.Cut(url, "#")
	sd, err := r.v.registry.Resolve(base)
	if err != nil || sd == nil {
		return nil, nil, err
	}
	if id == "" {
		return sd, sd.Root(), nil
	}
	ed := sd.ElementByID(id)
	if ed == nil {
		return nil, nil, fmt.Errorf("element %s not found in %s", id, sd.VersionedURL())
	}
	return sd, ed, nil
}

// checkExtension validates an extension's url, context and value type, then
// walks it against its own definition. handled is false when the extension
// could not be resolved and the caller should walk it against the element
// definition instead.
func (r *run) checkExtension(ctx context.Context, sc scope, profile *registry.StructureDefinition, parentDef *registry.ElementDefinition,
	parentType string, parent, child *walker.Stack, result *issue.Result) (bool, error) {
	n := child.Node
	hostPaths := []string{parentDef.Path}
	if parent.LogicalPath != "" && parent.LogicalPath != parentDef.Path {
		hostPaths = append(hostPaths, parent.LogicalPath)
	}
	ex := r.v.extensions.Check(extension.Use{
		Node:       n,
		Path:       child.LiteralPath,
		Definition: child.Definition,
		Profile:    profile,
		ParentURL:  sc.extension,
		HostType:   parentType,
		HostPaths:  hostPaths,
	}, result)
	if ex == nil {
		return false, nil
	}
	sc.extension = ex.URL
	if err := r.validateElement(ctx, sc, ex, ex.Root(), "Extension", child, result); err != nil {
		return true, err
	}
	return true, nil
}

// checkIdentifier reports identifiers whose system is not absolute.
func (r *run) checkIdentifier(n *element.Node, path string, result *issue.Result) {
	system := n.ChildValue("system")
	if system == "" {
		return
	}
	ok := strings.Contains(system, ":") && !strings.HasPrefix(system, "#")
	result.Rule(ok, issue.CodeInvalid, n.Pos(), path+".system",
		"Identifier.system must be an absolute reference, not a local reference")
}

// validateTarget returns the reference.TargetValidator for references in
// scope sc. Targets inside the instance are validated in place, so only
// profiles other than the core definition of the target type are checked
// for them here.
func (r *run) validateTarget(sc scope) reference.TargetValidator {
	return func(ctx context.Context, target *element.Node, targetPath, profile string, buf *issue.Result) (func(), error) {
		sd, err := r.v.registry.Resolve(profile)
		if err != nil {
			return nil, err
		}
		if sd == nil {
			buf.Report(issue.DiagProfileNotFound, target.Pos(), targetPath, map[string]any{"profile": profile})
			return nil, nil
		}
		if r.inTree(target) && sd.Derivation != "constraint" {
			return nil, nil
		}
		stack := r.stackFor(target, targetPath)
		tsc := sc
		tsc.resource = resourceRoot(stack)
		tsc.inConcept, tsc.extension = false, ""
		trial := r.trial(r.executed.Fork())
		err = trial.validateElement(ctx, tsc, sd, sd.Root(), target.Type, stack, buf)
		r.absorb(trial)
		if err != nil {
			return nil, err
		}
		return func() { r.executed.Merge(trial.executed) }, nil
	}
}
