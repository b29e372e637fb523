package validator

import (
	"context"
	"strings"

	"github.com/gofhir/conformance/pkg/element"
	"github.com/gofhir/conformance/pkg/issue"
	"github.com/gofhir/conformance/pkg/logger"
	"github.com/gofhir/conformance/pkg/registry"
	"github.com/gofhir/conformance/pkg/walker"
)

// validateResource checks the resource at stack against its profiles. The
// first visit reads meta.profile and, when no declared profile resolves,
// walks the core definition of the resource type. Every profile still
// unchecked is then drained.
func (r *run) validateResource(ctx context.Context, sc scope, stack *walker.Stack, result *issue.Result) error {
	n := stack.Node
	if lang := n.ChildValue("language"); lang != "" {
		sc.language = lang
	}

	rec := r.record(stack)
	if !rec.processed {
		rec.processed = true
		if err := r.declaredProfiles(rec, stack, result); err != nil {
			return err
		}

		if len(rec.profiles) == 0 {
			base, err := r.v.registry.ResolveType(n.Type)
			if err != nil {
				return definitionError(nil, stack.LiteralPath, err)
			}
			if base == nil || base.Kind != registry.KindResource {
				result.Report(issue.DiagStructureUnknownResource, n.Pos(), stack.LiteralPath, map[string]any{"type": n.Type})
				return nil
			}
			rec.base = base
			if err := r.validateElement(ctx, sc, base, base.Root(), n.Type, stack, result); err != nil {
				return err
			}
		}

		r.resourceRules(stack, result)
	}
	return r.drain(ctx, sc, rec, result)
}

// declaredProfiles adds the resolvable meta.profile entries of the resource
// to its record.
func (r *run) declaredProfiles(rec *resourceProfiles, stack *walker.Stack, result *issue.Result) error {
	n := stack.Node
	meta := n.Child("meta")
	for _, p := range meta.ChildrenNamed("profile") {
		path := walker.ItemPath(stack.LiteralPath+".meta", p)
		url := p.PrimitiveValue()
		if !result.Rule(url != "", issue.CodeInvalid, p.Pos(), path, "StructureDefinition reference \"%s\" is not valid", url) {
			continue
		}

		sd, err := r.v.registry.Resolve(url)
		if err != nil {
			logger.Debug("validator: snapshot for %s: %v", url, err)
			result.Report(issue.DiagStructureNoSnapshot, p.Pos(), path, nil)
			continue
		}
		if sd == nil {
			sev := issue.SeverityWarning
			if r.opts.ErrorForUnknownProfiles {
				sev = issue.SeverityError
			}
			result.ReportAs(issue.DiagProfileNotFound, sev, p.Pos(), path, map[string]any{"profile": url})
			continue
		}
		if !r.typeFits(sd, n.Type) {
			result.Rule(false, issue.CodeStructure, p.Pos(), path,
				"Profile mismatch on type for %s: the profile is for %s but the resource is %s", sd.VersionedURL(), sd.Type, n.Type)
			continue
		}
		rec.add(sd)
	}
	return nil
}

// typeFits reports whether a profile constraining sd.Type applies to a
// resource of resourceType.
func (r *run) typeFits(sd *registry.StructureDefinition, resourceType string) bool {
	if sd.Type == resourceType {
		return true
	}
	return r.v.registry.InheritsFrom(r.v.registry.GetByType(resourceType), registry.CoreURL+sd.Type)
}

// drain checks the pending profiles of rec, including any added while it
// runs.
func (r *run) drain(ctx context.Context, sc scope, rec *resourceProfiles, result *issue.Result) error {
	for len(rec.pending) > 0 {
		u := rec.pending[0]
		rec.pending = rec.pending[1:]
		if u.checked {
			continue
		}
		u.checked = true
		if err := ctx.Err(); err != nil {
			return err
		}
		logger.Debug("validator: %s against %s", rec.stack.LiteralPath, u.profile.VersionedURL())
		if err := r.validateElement(ctx, sc, u.profile, u.profile.Root(), rec.stack.Node.Type, rec.stack, result); err != nil {
			return err
		}
	}
	return nil
}

// resourceRules runs the checks that depend on the resource type rather
// than on a profile.
func (r *run) resourceRules(stack *walker.Stack, result *issue.Result) {
	r.checkSecurityLabels(stack, result)
	r.checkLanguage(stack, result)
	switch stack.Node.Type {
	case "Bundle":
		r.validateBundle(stack, result)
	case "Observation":
		r.checkObservation(stack, result)
	}
}

// checkSecurityLabels warns about repeated meta.security codings.
func (r *run) checkSecurityLabels(stack *walker.Stack, result *issue.Result) {
	meta := stack.Node.Child("meta")
	labels := meta.ChildrenNamed("security")
	path := stack.LiteralPath + ".meta"
	for i, a := range labels {
		for _, b := range labels[:i] {
			if a.ChildValue("system") == b.ChildValue("system") && a.ChildValue("code") == b.ChildValue("code") {
				result.Warning(false, issue.CodeBusinessRule, a.Pos(), walker.ItemPath(path, a),
					"Duplicate Security Label %s#%s", a.ChildValue("system"), a.ChildValue("code"))
				break
			}
		}
	}
}

// checkLanguage looks at the shape of Resource.language. Whether the tag is
// registered is left to the binding.
func (r *run) checkLanguage(stack *walker.Stack, result *issue.Result) {
	lang := stack.Node.Child("language")
	if lang == nil || !lang.HasValue {
		return
	}
	v := lang.Value
	ok := v != "" && !strings.ContainsAny(v, " _") && !strings.HasPrefix(v, "-") && !strings.HasSuffix(v, "-")
	result.Warning(ok, issue.CodeValue, lang.Pos(), stack.LiteralPath+".language",
		"The language code '%s' is not a valid BCP 47 language tag", v)
}

// checkObservation reports the Observation elements that best practice
// expects, at the configured best-practice level.
func (r *run) checkObservation(stack *walker.Stack, result *issue.Result) {
	sev, report := r.v.config.BestPractice.Severity()
	if !report {
		return
	}
	n := stack.Node
	check := func(present bool, what string) {
		if !present {
			result.Add(sev, issue.CodeInvalid, n.Pos(), stack.LiteralPath,
				"Best Practice Recommendation: In general, all observations should have a "+what)
		}
	}
	eff, _ := n.ChildWithPrefix("effective")
	check(n.Child("subject") != nil, "subject")
	check(n.Child("performer") != nil, "performer")
	check(eff != nil, "effective[x] value")
}

// validateContained starts a nested resource: a contained resource, a
// Bundle entry or outcome, or a Parameters resource.
func (r *run) validateContained(ctx context.Context, sc scope, stack *walker.Stack, result *issue.Result) error {
	n := stack.Node
	if n.Type == "" {
		result.Report(issue.DiagStructureNoResourceType, n.Pos(), stack.LiteralPath, nil)
		return nil
	}
	if n.Special != element.SpecialContained {
		sc.resource = n
	}
	return r.validateResource(ctx, sc, stack, result)
}
