// Package binding validates coded elements against their terminology
// bindings and the code systems they name.
package binding

import (
	"context"
	"fmt"
	"strings"

	"github.com/gofhir/conformance/pkg/element"
	"github.com/gofhir/conformance/pkg/issue"
	"github.com/gofhir/conformance/pkg/logger"
	"github.com/gofhir/conformance/pkg/registry"
	"github.com/gofhir/conformance/pkg/terminology"
)

// Strength is a binding strength.
type Strength int

// Binding strengths.
const (
	StrengthRequired Strength = iota
	StrengthExtensible
	StrengthPreferred
	StrengthExample
)

// ParseStrength maps a binding.strength code. Unknown codes map to
// StrengthExample, which is never checked.
func ParseStrength(s string) (Strength, bool) {
	switch s {
	case "required":
		return StrengthRequired, true
	case "extensible":
		return StrengthExtensible, true
	case "preferred":
		return StrengthPreferred, true
	case "example":
		return StrengthExample, true
	}
	return StrengthExample, false
}

func (s Strength) String() string {
	switch s {
	case StrengthRequired:
		return "required"
	case StrengthExtensible:
		return "extensible"
	case StrengthPreferred:
		return "preferred"
	case StrengthExample:
		return "example"
	}
	return fmt.Sprintf("Strength(%d)", int(s))
}

// suffix completes the "not in the value set" messages.
func (s Strength) suffix() string {
	switch s {
	case StrengthRequired:
		return ", and a code is required from this value set"
	case StrengthExtensible:
		return ", and a code should come from this value set unless it has no suitable code"
	case StrengthPreferred:
		return ", and a code is recommended to come from this value set"
	case StrengthExample:
		return ""
	}
	return ""
}

// Options tunes the checker.
type Options struct {
	// NoTerminologyChecks turns every check in this package off.
	NoTerminologyChecks bool
	// NoExtensibleWarnings drops the warning for codes outside an
	// extensible binding.
	NoExtensibleWarnings bool
	// SuppressNoSourceHints drops the hint for bindings without a value set.
	SuppressNoSourceHints bool
	// CheckDisplay compares Coding.display with the code system.
	CheckDisplay bool
	// Language is passed to the terminology service.
	Language string
}

// Systems that the core tooling never asks a missing server about.
var coreSystems = []string{
	"http://loinc.org",
	"http://unitsofmeasure.org",
	"http://snomed.info/sct",
	"http://www.nlm.nih.gov/research/umls/rxnorm",
}

// Code systems under the core namespace that are not checked.
var uncheckedSystems = []string{
	"http://hl7.org/fhir/sid/icd-10",
	"http://hl7.org/fhir/sid/cvx",
	"http://hl7.org/fhir/sid/icd-10-cm",
	"http://hl7.org/fhir/sid/icd-9",
	"http://hl7.org/fhir/sid/ndc",
	"http://hl7.org/fhir/sid/srt",
}

// Checker validates bindings. It is safe for concurrent use.
type Checker struct {
	resolver registry.Resolver
	tx       terminology.Service
	local    *terminology.LocalService
	opts     Options
}

// New creates a checker using tx for code validation. Code systems under
// the core namespace that tx does not support are looked up in resolver.
func New(resolver registry.Resolver, tx terminology.Service, opts Options) *Checker {
	local := terminology.NewLocal(resolver)
	if tx == nil {
		tx = local
	}
	return &Checker{resolver: resolver, tx: tx, local: local, opts: opts}
}

// WithLanguage returns a copy of c that asks for displays in lang.
func (c *Checker) WithLanguage(lang string) *Checker {
	if lang == c.opts.Language {
		return c
	}
	cp := *c
	cp.opts.Language = lang
	return &cp
}

func (c *Checker) txOptions(checkDisplay bool) terminology.Options {
	return terminology.Options{Language: c.opts.Language, CheckDisplay: checkDisplay}
}

// Check validates n, an instance of typeCode, against def. Codings have
// their code system checked whether or not def carries a binding.
// inConcept marks a Coding that belongs to a CodeableConcept.
func (c *Checker) Check(ctx context.Context, n *element.Node, path, typeCode string, def *registry.ElementDefinition, inConcept bool, result *issue.Result) {
	if c.opts.NoTerminologyChecks || n == nil {
		return
	}
	switch typeCode {
	case "Coding":
		c.CheckCoding(ctx, n, path, def, inConcept, result)
	case "CodeableConcept":
		c.CheckCodeableConcept(ctx, n, path, def, result)
	case "code", "string", "uri", "url", "canonical":
		c.CheckPrimitive(ctx, n, path, typeCode, def, result)
	}
}

// CheckPrimitive validates a code-like primitive against def's binding.
func (c *Checker) CheckPrimitive(ctx context.Context, n *element.Node, path, typeCode string, def *registry.ElementDefinition, result *issue.Result) {
	if def == nil || def.Binding == nil || !n.HasValue {
		return
	}
	b := def.Binding
	loc := n.Pos()
	if b.ValueSet == "" {
		if !c.opts.SuppressNoSourceHints {
			result.Hint(typeCode != "code", issue.CodeCodeInvalid, loc, path, "Binding has no source, so can't be checked")
		}
		return
	}
	strength, _ := ParseStrength(b.Strength)
	vs := c.valueSet(b.ValueSet, loc, path, result)
	if vs == nil || strength == StrengthExample {
		return
	}

	value := n.Value
	r := c.tx.ValidateCode(ctx, c.txOptions(false), terminology.CodeValue(value), vs)
	if r.OK {
		result.Warning(r.Message == "", issue.CodeCodeInvalid, loc, path, "%s", r.Message)
		return
	}
	m := failure{
		notIn:     fmt.Sprintf("The value provided ('%s') is not in the value set %s", value, b.ValueSet),
		unchecked: fmt.Sprintf("Could not confirm that the value provided ('%s') is in the value set %s", value, b.ValueSet),
		noService: fmt.Sprintf("The value provided ('%s') could not be validated in the absence of a terminology server", value),
		detail:    errorDetail(r.Message),
	}
	c.reportFailure(ctx, r, strength, b, vs, m, terminology.CodeValue(value), loc, path, result)
}

// CheckCoding validates a Coding's system and code and, when def has a
// binding, its membership of the bound value set.
func (c *Checker) CheckCoding(ctx context.Context, n *element.Node, path string, def *registry.ElementDefinition, inConcept bool, result *issue.Result) {
	cd := codingOf(n)
	loc := n.Pos()
	result.Rule(isAbsolute(cd.System), issue.CodeCodeInvalid, loc, path,
		"Coding.system must be an absolute reference, not a local reference")
	if cd.System == "" || cd.Code == "" || c.silent(ctx, cd.System) {
		return
	}
	result.Rule(c.resolver.FetchCanonical("ValueSet", cd.System) == nil, issue.CodeCodeInvalid, loc, path,
		"The Coding references a value set, not a code system (\"%s\")", cd.System)
	if !c.checkSystem(ctx, cd, loc, path, result) {
		return
	}
	if def == nil || def.Binding == nil {
		return
	}

	b := def.Binding
	if b.ValueSet == "" {
		if !inConcept && !c.opts.SuppressNoSourceHints {
			result.Hint(false, issue.CodeCodeInvalid, loc, path, "Binding for path %s has no source, so can't be checked", path)
		}
		return
	}
	strength, _ := ParseStrength(b.Strength)
	vs := c.valueSet(b.ValueSet, loc, path, result)
	if vs == nil || strength == StrengthExample {
		return
	}

	in := terminology.CodingValue(cd)
	r := c.tx.ValidateCode(ctx, c.txOptions(false), in, vs)
	if r.OK {
		result.Warning(r.Message == "", issue.CodeCodeInvalid, loc, path, "%s", r.Message)
		return
	}
	m := failure{
		notIn:     "The Coding provided is not in the value set " + b.ValueSet,
		unchecked: "Could not confirm that the codes provided are in the value set " + b.ValueSet,
		noService: "The value provided could not be validated in the absence of a terminology server",
		detail:    errorDetail(r.Message),
	}
	c.reportFailure(ctx, r, strength, b, vs, m, in, loc, path, result)
}

// CheckCodeableConcept validates a CodeableConcept against def's binding.
// Its codings are checked on their own by CheckCoding.
func (c *Checker) CheckCodeableConcept(ctx context.Context, n *element.Node, path string, def *registry.ElementDefinition, result *issue.Result) {
	if def == nil || def.Binding == nil {
		return
	}
	b := def.Binding
	loc := n.Pos()
	if b.ValueSet == "" {
		if !c.opts.SuppressNoSourceHints {
			result.Hint(false, issue.CodeCodeInvalid, loc, path, "Binding for path %s has no source, so can't be checked", path)
		}
		return
	}
	strength, _ := ParseStrength(b.Strength)
	vs := c.valueSet(b.ValueSet, loc, path, result)
	if vs == nil {
		return
	}

	codings := conceptOf(n)
	if len(codings) == 0 {
		switch {
		case strength == StrengthRequired:
			result.Rule(false, issue.CodeCodeInvalid, loc, path,
				"No code provided, and a code is required from the value set %s (%s)", b.ValueSet, vs.VersionedURL())
		case strength == StrengthExtensible && b.MaxValueSet() != "":
			result.Rule(false, issue.CodeCodeInvalid, loc, path,
				"No code provided, and a code must be provided from the value set %s (max value set %s)", b.MaxValueSet(), vs.VersionedURL())
		case strength == StrengthExtensible:
			result.Warning(false, issue.CodeCodeInvalid, loc, path,
				"No code provided, and a code should be provided from the value set %s (%s)", b.ValueSet, vs.VersionedURL())
		}
		return
	}
	if strength == StrengthExample || c.allSilent(ctx, codings) {
		return
	}

	in := terminology.ConceptValue(codings...)
	r := c.tx.ValidateCode(ctx, c.txOptions(false), in, vs)
	if r.OK {
		result.Warning(r.Message == "", issue.CodeCodeInvalid, loc, path, "%s", r.Message)
		return
	}
	m := failure{
		notIn:     "None of the codes provided are in the value set " + b.ValueSet,
		unchecked: "Could not confirm that the codes provided are in the value set " + b.ValueSet,
		detail:    " (codes = " + in.Summary() + ")",
		concept:   true,
	}
	c.reportFailure(ctx, r, strength, b, vs, m, in, loc, path, result)
}

// failure holds the message stems for one kind of coded value.
type failure struct {
	notIn     string
	unchecked string
	// noService is used for ErrorClassNoService when set.
	noService string
	detail    string
	concept   bool
}

// reportFailure grades a failed validate-code answer by binding strength.
// Failures to check never become errors.
func (c *Checker) reportFailure(ctx context.Context, r terminology.Result, strength Strength, b *registry.Binding, vs *registry.Canonical,
	m failure, in terminology.CodeInput, loc issue.Location, path string, result *issue.Result) {
	maxVS := b.MaxValueSet()

	if r.ErrorClass.IsInfrastructure() {
		logger.Debug("binding: %s could not be checked against %s: %s (%s)", path, vs.VersionedURL(), r.Message, r.ErrorClass)
		if r.ErrorClass == terminology.ErrorClassNoService && m.noService != "" {
			if strength == StrengthRequired {
				result.Warning(false, issue.CodeCodeInvalid, loc, path, "%s", m.noService)
			} else {
				result.Hint(false, issue.CodeCodeInvalid, loc, path, "%s", m.noService)
			}
			return
		}
		msg := fmt.Sprintf("%s (%s%s) (class = %s)", m.unchecked, vs.VersionedURL(), strength.suffix(), r.ErrorClass)
		switch strength {
		case StrengthRequired:
			result.Warning(false, issue.CodeCodeInvalid, loc, path, "%s", msg)
		case StrengthExtensible:
			if maxVS != "" {
				c.checkMax(ctx, in, maxVS, m.concept, loc, path, result)
			} else if !c.opts.NoExtensibleWarnings {
				result.Warning(false, issue.CodeCodeInvalid, loc, path, "%s", msg)
			}
		case StrengthPreferred:
			result.Hint(false, issue.CodeCodeInvalid, loc, path, "%s", msg)
		case StrengthExample:
		}
		return
	}

	msg := fmt.Sprintf("%s (%s%s)%s", m.notIn, vs.VersionedURL(), strength.suffix(), m.detail)
	switch strength {
	case StrengthRequired:
		result.Rule(false, issue.CodeCodeInvalid, loc, path, "%s", msg)
	case StrengthExtensible:
		if maxVS != "" {
			c.checkMax(ctx, in, maxVS, m.concept, loc, path, result)
		} else if !c.opts.NoExtensibleWarnings {
			result.Warning(false, issue.CodeCodeInvalid, loc, path, "%s", msg)
		}
	case StrengthPreferred:
		result.Hint(false, issue.CodeCodeInvalid, loc, path, "%s", msg)
	case StrengthExample:
	}
}

// checkMax validates in against the maxValueSet of an extensible binding.
func (c *Checker) checkMax(ctx context.Context, in terminology.CodeInput, maxURL string, concept bool, loc issue.Location, path string, result *issue.Result) {
	vs := c.valueSet(maxURL, loc, path, result)
	if vs == nil {
		return
	}
	r := c.tx.ValidateCode(ctx, c.txOptions(false), in, vs)
	if r.OK {
		return
	}
	subject, notIn, codes := "The code provided", "The code provided is not", "code = "+in.Summary()
	if concept {
		subject, notIn, codes = "None of the codes provided", "None of the codes provided are", "codes = "+in.Summary()
	}
	if r.ErrorClass.IsInfrastructure() {
		result.Warning(false, issue.CodeCodeInvalid, loc, path,
			"%s could not be validated against the maximum value set %s (%s), (error = %s)", subject, maxURL, vs.VersionedURL(), r.Message)
		return
	}
	result.Rule(false, issue.CodeCodeInvalid, loc, path,
		"%s in the maximum value set %s (%s, and a code from this value set is required) (%s)", notIn, maxURL, vs.VersionedURL(), codes)
}

// checkSystem validates a coding's code in its code system. It returns
// false when the value set check should be skipped.
func (c *Checker) checkSystem(ctx context.Context, cd terminology.Coding, loc issue.Location, path string, result *issue.Result) bool {
	system := cd.System
	if c.tx.SupportsSystem(ctx, system) {
		r := c.tx.ValidateCode(ctx, c.txOptions(c.opts.CheckDisplay), terminology.CodingValue(cd), nil)
		switch {
		case r.OK:
			result.Warning(r.Message == "", issue.CodeCodeInvalid, loc, path, "%s", r.Message)
		case r.ErrorClass.IsInfrastructure(), r.Severity == issue.SeverityWarning:
			result.Warning(false, issue.CodeCodeInvalid, loc, path, "%s", r.Message)
		case r.Severity == issue.SeverityInformation:
			result.Hint(false, issue.CodeCodeInvalid, loc, path, "%s", r.Message)
		default:
			return result.Rule(false, issue.CodeCodeInvalid, loc, path, "%s for '%s#%s'", r.Message, system, cd.Code)
		}
		return true
	}

	switch {
	case strings.HasPrefix(system, "http://hl7.org/fhir"):
		if contains(uncheckedSystems, system) || strings.HasPrefix(system, "http://hl7.org/fhir/test") {
			return true
		}
		if !result.Rule(c.resolver.FetchCanonical("CodeSystem", system) != nil, issue.CodeCodeInvalid, loc, path,
			"Unknown Code System %s", system) {
			return false
		}
		r := c.local.ValidateCode(ctx, c.txOptions(c.opts.CheckDisplay), terminology.CodingValue(cd), nil)
		if !result.Warning(r.OK, issue.CodeCodeInvalid, loc, path, "Unknown Code (%s)", cd) {
			return false
		}
		return result.Warning(r.Message == "", issue.CodeCodeInvalid, loc, path, "%s", r.Message)
	case nearMiss(system):
		return result.Rule(false, issue.CodeCodeInvalid, loc, path, "Invalid System URI: %s", system)
	}
	return true
}

// silent reports whether codes from system are accepted unchecked: a core
// system the service cannot validate, with no server to ask.
func (c *Checker) silent(ctx context.Context, system string) bool {
	return !c.tx.HasServer() && contains(coreSystems, system) && !c.tx.SupportsSystem(ctx, system)
}

func (c *Checker) allSilent(ctx context.Context, codings []terminology.Coding) bool {
	for _, cd := range codings {
		if !c.silent(ctx, cd.System) {
			return false
		}
	}
	return true
}

func (c *Checker) valueSet(url string, loc issue.Location, path string, result *issue.Result) *registry.Canonical {
	vs := c.resolver.FetchCanonical("ValueSet", url)
	result.Warning(vs != nil, issue.CodeCodeInvalid, loc, path, "ValueSet %s not found by validator", url)
	return vs
}

func codingOf(n *element.Node) terminology.Coding {
	return terminology.Coding{
		System:  n.ChildValue("system"),
		Version: n.ChildValue("version"),
		Code:    n.ChildValue("code"),
		Display: n.ChildValue("display"),
	}
}

func conceptOf(n *element.Node) []terminology.Coding {
	var out []terminology.Coding
	for _, cn := range n.ChildrenNamed("coding") {
		out = append(out, codingOf(cn))
	}
	return out
}

func errorDetail(msg string) string {
	if msg == "" {
		return ""
	}
	return " (error message = " + msg + ")"
}

// nearMiss reports a system that extends a core system URI without being it,
// e.g. "http://loinc.org/8867-4".
func nearMiss(system string) bool {
	for _, s := range coreSystems {
		if system != s && strings.HasPrefix(system, s) {
			return true
		}
	}
	return false
}

func isAbsolute(uri string) bool {
	return uri == "" || strings.HasPrefix(uri, "http:") || strings.HasPrefix(uri, "https:") || strings.HasPrefix(uri, "urn:")
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
