package terminology

import (
	"context"
	"strings"
	"sync"

	"github.com/gofhir/conformance/pkg/issue"
	"github.com/gofhir/conformance/pkg/metrics"
	"github.com/gofhir/conformance/pkg/registry"
)

// LocalService validates codes against the ValueSet and CodeSystem
// resources of a profile store. It has no server, so codes from systems the
// store does not hold cannot be checked and come back as ErrorClassNoService.
type LocalService struct {
	resolver   registry.Resolver
	expansions sync.Map // versioned value set url -> *expansion
	systems    sync.Map // system url -> *codeSystem, nil when unknown
}

// NewLocal creates a service reading terminology from resolver.
func NewLocal(resolver registry.Resolver) *LocalService {
	return &LocalService{resolver: resolver}
}

// HasServer implements Service.
func (s *LocalService) HasServer() bool { return false }

// SupportsSystem implements Service.
func (s *LocalService) SupportsSystem(_ context.Context, system string) bool {
	cs := s.codeSystem(system)
	return cs != nil && cs.content != "not-present"
}

// ValidateCode implements Service.
func (s *LocalService) ValidateCode(ctx context.Context, opts Options, in CodeInput, vs *registry.Canonical) Result {
	r := s.validate(ctx, opts, in, vs)
	outcome := "valid"
	switch {
	case !r.OK && r.ErrorClass.IsInfrastructure():
		outcome = "unchecked"
	case !r.OK:
		outcome = "invalid"
	}
	metrics.RecordTerminology("local", outcome)
	return r
}

func (s *LocalService) validate(ctx context.Context, opts Options, in CodeInput, vs *registry.Canonical) Result {
	if err := ctx.Err(); err != nil {
		return failed(ErrorClassUnknown, "%v", err)
	}
	if vs == nil {
		return s.againstSystems(opts, in)
	}
	exp, err := s.expand(vs)
	if err != nil {
		return failed(ErrorClassValueSetUnsupported, "Unable to expand the value set %s: %v", vs.VersionedURL(), err)
	}

	r := s.againstExpansion(opts, in, exp)
	r.Link = vs.VersionedURL()
	return r
}

func (s *LocalService) againstSystems(opts Options, in CodeInput) Result {
	if in.Kind == InputCode {
		return failed(ErrorClassUnknown, "No system provided for the code '%s'", in.Code)
	}
	return anyOf(in.Codings, func(c Coding) Result { return s.inSystem(opts, c) },
		"None of the codes provided are valid (codes = "+in.Summary()+")")
}

func (s *LocalService) inSystem(opts Options, c Coding) Result {
	cs := s.codeSystem(c.System)
	if cs == nil || cs.content == "not-present" {
		return failed(ErrorClassNoService, "The code system %s is not available, so the code '%s' could not be checked", c.System, c.Code)
	}
	display, ok := cs.display[c.Code]
	if !ok {
		if !cs.complete() {
			return Result{OK: true, Severity: issue.SeverityWarning, Link: cs.url,
				Message: "Unknown code '" + c.Code + "' in the CodeSystem '" + c.System + "', which is only a " + cs.content}
		}
		r := failed(ErrorClassNone, "Unknown code '%s' in the CodeSystem '%s'", c.Code, c.System)
		r.Link = cs.url
		return r
	}
	return checkDisplay(opts, c, display, cs.url)
}

func (s *LocalService) againstExpansion(opts Options, in CodeInput, exp *expansion) Result {
	if in.Kind == InputCode {
		if display, ok := exp.find("", in.Code); ok {
			return Result{OK: true, Display: display}
		}
		if len(exp.open) > 0 {
			return failed(ErrorClassNoService, "The value '%s' could not be checked against the value set %s because it includes code systems that are not available", in.Code, exp.url)
		}
		return failed(ErrorClassNone, "The value '%s' is not in the value set %s", in.Code, exp.url)
	}
	return anyOf(in.Codings, func(c Coding) Result {
		if display, ok := exp.find(c.System, c.Code); ok {
			return checkDisplay(opts, c, display, exp.url)
		}
		if exp.open[c.System] {
			return failed(ErrorClassNoService, "Unable to check whether the code is in the value set %s because the code system %s was not found", exp.url, c.System)
		}
		return failed(ErrorClassNone, "The code %s is not in the value set %s", c, exp.url)
	}, "None of the codes provided are in the value set "+exp.url+" (codes = "+in.Summary()+")")
}

// anyOf passes when one coding passes. Otherwise it returns the first
// infrastructure failure, since one unchecked coding may still be valid, or
// a combined rejection.
func anyOf(codings []Coding, check func(Coding) Result, rejected string) Result {
	if len(codings) == 0 {
		return failed(ErrorClassUnknown, "No codes provided")
	}
	var first, unchecked *Result
	for _, c := range codings {
		r := check(c)
		if r.OK {
			return r
		}
		if first == nil {
			first = &r
		}
		if unchecked == nil && r.ErrorClass.IsInfrastructure() {
			unchecked = &r
		}
	}
	switch {
	case unchecked != nil:
		return *unchecked
	case len(codings) == 1:
		return *first
	}
	return failed(ErrorClassNone, "%s", rejected)
}

func checkDisplay(opts Options, c Coding, display, link string) Result {
	r := Result{OK: true, Display: display, Link: link}
	if opts.CheckDisplay && c.Display != "" && display != "" && !strings.EqualFold(c.Display, display) {
		r.Severity = issue.SeverityWarning
		r.Message = "Wrong Display Name '" + c.Display + "' for " + c.String() + " - should be '" + display + "'"
	}
	return r
}
