// Package reference validates FHIR Reference elements: where the target
// lives, whether it must exist, and whether its type and profiles fit the
// element's target profiles.
package reference

import (
	"context"
	"fmt"
	"strings"

	"github.com/gofhir/conformance/pkg/element"
	"github.com/gofhir/conformance/pkg/issue"
	"github.com/gofhir/conformance/pkg/logger"
	"github.com/gofhir/conformance/pkg/registry"
	"github.com/gofhir/conformance/pkg/walker"
)

const resourceProfile = registry.CoreURL + "Resource"

// TargetValidator validates a resolved target against a profile, writing
// the outcome into result. Each call runs in isolation; keep, when not nil,
// is called for the outcomes that end up in the report.
type TargetValidator func(ctx context.Context, target *element.Node, targetPath, profile string, result *issue.Result) (keep func(), err error)

// Request is one Reference element to check.
type Request struct {
	// Stack ends at the Reference element.
	Stack      *walker.Stack
	Definition *registry.ElementDefinition
	// Validate is called for every candidate target profile when the policy
	// asks for valid targets. It may be nil.
	Validate TargetValidator
}

// Outcome describes what the check found.
type Outcome struct {
	Reference  string
	Kind       Kind
	Policy     Policy
	Target     *element.Node
	TargetPath string
	TargetType string
}

// Checker validates references. It is safe for concurrent use.
type Checker struct {
	resolver registry.Resolver
	fetcher  Fetcher
}

// New creates a checker. fetcher may be nil, in which case remote
// references are not checked.
func New(resolver registry.Resolver, fetcher Fetcher) *Checker {
	return &Checker{resolver: resolver, fetcher: fetcher}
}

// Check validates the Reference at req.Stack.
func (c *Checker) Check(ctx context.Context, req Request, result *issue.Result) (*Outcome, error) {
	n := req.Stack.Node
	path := req.Stack.LiteralPath
	loc := n.Pos()

	ref := n.ChildValue("reference")
	if ref == "" {
		id := n.Child("identifier")
		if id.ChildValue("system") == "" && id.ChildValue("value") == "" && n.ChildValue("display") == "" {
			result.Report(issue.DiagReferenceNoDisplay, loc, path, nil)
		}
		return nil, nil
	}

	out := &Outcome{Reference: ref, Kind: KindRemote}
	if strings.HasPrefix(ref, "#") {
		out.Kind = KindContained
	}
	out.Target, out.TargetPath = c.localResolve(ref, req.Stack, result)
	if out.Target != nil && out.Kind == KindRemote {
		out.Kind = KindBundled
	}

	switch {
	case out.Kind != KindRemote:
		out.Policy = PolicyCheckValid
	case c.fetcher == nil:
		out.Policy = PolicyIgnore
	default:
		out.Policy = c.fetcher.Policy(ctx, path, ref)
	}

	if out.Policy.checkExists() {
		fetchFailed := false
		if out.Target == nil && out.Kind == KindRemote && c.fetcher != nil {
			target, err := c.fetcher.Fetch(ctx, ref)
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return out, ctxErr
				}
				logger.Debug("reference: fetching %s: %v", ref, err)
				result.Report(issue.DiagReferenceFetchFailed, loc, path, map[string]any{"ref": ref, "error": err.Error()})
				fetchFailed = true
			}
			if target != nil {
				out.Target, out.TargetPath = target, ref
			}
		}
		if out.Target == nil && !fetchFailed && out.Policy != PolicyCheckTypeIfExists {
			result.Report(issue.DiagReferenceUnresolved, loc, path, map[string]any{"ref": ref})
		}
	}

	if out.Target != nil {
		out.TargetType = out.Target.Type
	} else {
		out.TargetType = c.typeFromURL(ref)
	}

	c.checkDeclaredType(n, req.Definition, out.TargetType, path, result)

	if out.Target != nil && out.Policy.checkType() {
		if err := c.checkTarget(ctx, req, out, result); err != nil {
			return out, err
		}
	}

	if out.Target == nil && requiresLocal(req.Definition) {
		result.Rule(false, issue.CodeRequired, loc, path,
			"Bundled or contained reference not found within the bundle/resource %s", ref)
	}
	return out, nil
}

// checkDeclaredType compares Reference.type with the element's targets and
// with the type actually found.
func (c *Checker) checkDeclaredType(n *element.Node, ed *registry.ElementDefinition, found, path string, result *issue.Result) {
	declared := n.ChildValue("type")
	if declared == "" || ed == nil {
		return
	}
	loc := n.Pos()
	url := declared
	if !strings.Contains(declared, ":") {
		url = registry.CoreURL + declared
	}
	if t := ed.TypeFor("Reference"); t != nil && len(t.TargetProfile) > 0 &&
		!contains(t.TargetProfile, url) && !contains(t.TargetProfile, resourceProfile) {
		matching := false
		for _, target := range t.TargetProfile {
			if c.baseType(target) == declared {
				matching = true
				break
			}
		}
		result.Rule(matching, issue.CodeStructure, loc, path,
			"The type '%s' is not a valid Target for this element (must be one of %s)", declared, strings.Join(t.TargetProfile, ", "))
	}
	result.Rule(found == "" || found == declared, issue.CodeStructure, loc, path,
		"The specified type '%s' does not match the found type '%s'", declared, found)
}

// checkTarget checks the resolved target's type against the allowed target
// profiles and, for valid-target policies, validates it against each
// candidate profile in isolation.
func (c *Checker) checkTarget(ctx context.Context, req Request, out *Outcome, result *issue.Result) error {
	n := req.Stack.Node
	loc, path := n.Pos(), req.Stack.LiteralPath
	if !result.Warning(out.TargetType != "", issue.CodeStructure, loc, path, "Unable to determine type of target resource") {
		return nil
	}
	if req.Definition == nil {
		return nil
	}

	ok := false
	var expected []string
	for i := range req.Definition.Type {
		t := &req.Definition.Type[i]
		if ok {
			break
		}
		switch t.WorkingCode() {
		case "*":
			ok = true
			continue
		case "Reference":
		default:
			continue
		}
		if len(t.TargetProfile) == 0 || contains(t.TargetProfile, resourceProfile) {
			ok = true
			c.checkAggregation(t, out, loc, path, result)
			continue
		}
		var candidates []string
		for _, pr := range t.TargetProfile {
			bt := c.baseType(pr)
			if !result.Rule(bt != "", issue.CodeStructure, loc, path, "Unable to resolve the profile reference '%s'", pr) {
				continue
			}
			expected = append(expected, bt)
			if bt == out.TargetType {
				ok = true
				if out.Policy.checkValid() {
					candidates = append(candidates, pr)
				}
			}
		}
		if ok {
			c.checkAggregation(t, out, loc, path, result)
		}
		if err := c.tryProfiles(ctx, req, out, candidates, result); err != nil {
			return err
		}
	}
	if !ok {
		result.Report(issue.DiagReferenceInvalidTarget, loc, path, map[string]any{
			"type":    out.TargetType,
			"allowed": strings.Join(expected, ", "),
		})
	}
	return nil
}

// tryProfiles validates the target against every candidate in its own
// buffer: one clean match wins, none is an error, several is a warning.
func (c *Checker) tryProfiles(ctx context.Context, req Request, out *Outcome, candidates []string, result *issue.Result) error {
	if len(candidates) == 0 || req.Validate == nil {
		return nil
	}
	n := req.Stack.Node
	loc, path := n.Pos(), req.Stack.LiteralPath

	var good, bad []*issue.Result
	var goodNames []string
	var goodKeep, badKeep []func()
	for _, pr := range candidates {
		buf := issue.NewResult()
		keep, err := req.Validate(ctx, out.Target, out.TargetPath, pr, buf)
		if err != nil {
			return fmt.Errorf("validating reference target %s against %s: %w", out.Reference, pr, err)
		}
		if buf.HasErrors() {
			bad = append(bad, buf)
			badKeep = append(badKeep, keep)
		} else {
			good = append(good, buf)
			goodNames = append(goodNames, pr)
			goodKeep = append(goodKeep, keep)
		}
	}
	switch len(good) {
	case 0:
		result.Rule(len(candidates) == 1, issue.CodeStructure, loc, path,
			"Unable to find matching profile among choices: %s", strings.Join(candidates, "; "))
		for i, b := range bad {
			result.Merge(b)
			runKeep(badKeep[i])
		}
	case 1:
		result.Merge(good[0])
		runKeep(goodKeep[0])
	default:
		result.Warning(false, issue.CodeStructure, loc, path,
			"Found multiple matching profiles among choices: %s", strings.Join(goodNames, "; "))
		result.Merge(good[0])
		runKeep(goodKeep[0])
	}
	return nil
}

func runKeep(fn func()) {
	if fn != nil {
		fn()
	}
}

func (c *Checker) checkAggregation(t *registry.Type, out *Outcome, loc issue.Location, path string, result *issue.Result) {
	if len(t.Aggregation) == 0 {
		return
	}
	ok := false
	for _, mode := range t.Aggregation {
		switch mode {
		case "contained":
			ok = ok || out.Kind == KindContained
		case "bundled":
			ok = ok || out.Kind == KindBundled
		case "referenced":
			ok = ok || out.Kind == KindBundled || out.Kind == KindRemote
		}
	}
	if !ok {
		result.Report(issue.DiagReferenceAggregation, loc, path, map[string]any{"kind": out.Kind.String()})
	}
}

// requiresLocal reports whether the element only allows contained or
// bundled targets.
func requiresLocal(ed *registry.ElementDefinition) bool {
	if ed == nil {
		return false
	}
	for i := range ed.Type {
		t := &ed.Type[i]
		if t.Code == "Reference" && (t.HasAggregation("contained") || t.HasAggregation("bundled")) {
			return true
		}
	}
	return false
}

// baseType returns the resource type a target profile constrains.
func (c *Checker) baseType(profile string) string {
	sd, err := c.resolver.Resolve(profile)
	if err != nil || sd == nil {
		return ""
	}
	return sd.Type
}

// typeFromURL guesses the target type from a relative or absolute
// reference, e.g. Patient/1 or http://x/fhir/Patient/1/_history/2.
func (c *Checker) typeFromURL(ref string) string {
	if strings.HasPrefix(ref, "#") || strings.HasPrefix(ref, "urn:") {
		return ""
	}
	if i := strings.Index(ref, "/_history/"); i >= 0 {
		ref = ref[:i]
	}
	parts := strings.Split(ref, "/")
	if len(parts) < 2 {
		return ""
	}
	candidate := parts[len(parts)-2]
	if sd, _ := c.resolver.ResolveType(candidate); sd != nil && sd.Kind == registry.KindResource {
		return candidate
	}
	return ""
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
