package binding

import (
	"context"
	"strings"
	"testing"

	"github.com/gofhir/conformance/internal/fhirtest"
	"github.com/gofhir/conformance/pkg/element"
	"github.com/gofhir/conformance/pkg/issue"
	"github.com/gofhir/conformance/pkg/registry"
	"github.com/gofhir/conformance/pkg/terminology"
)

// fakeService answers every validate-code call with result.
type fakeService struct {
	result terminology.Result
	server bool
}

func (f *fakeService) SupportsSystem(context.Context, string) bool { return false }

func (f *fakeService) ValidateCode(context.Context, terminology.Options, terminology.CodeInput, *registry.Canonical) terminology.Result {
	return f.result
}

func (f *fakeService) HasServer() bool { return f.server }

func node(t *testing.T, src, name string) *element.Node {
	t.Helper()
	root, _, err := element.Parse([]byte(src))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	n := root.Child(name)
	if n == nil {
		t.Fatalf("no %s in %s", name, src)
	}
	return n
}

func bound(path, typeCode, strength, vs string) *registry.ElementDefinition {
	ed := fhirtest.Bound(fhirtest.El(path, 0, "1", typeCode), strength, vs)
	return &ed
}

type want struct {
	errors, warnings, hints int
	message                 string
}

func checkIssues(t *testing.T, result *issue.Result, w want) {
	t.Helper()
	var errs, warns, hints int
	for _, iss := range result.Issues {
		switch iss.Severity {
		case issue.SeverityError, issue.SeverityFatal:
			errs++
		case issue.SeverityWarning:
			warns++
		case issue.SeverityInformation:
			hints++
		}
	}
	if errs != w.errors || warns != w.warnings || hints != w.hints {
		t.Errorf("got %d errors, %d warnings, %d hints, want %d, %d, %d: %v",
			errs, warns, hints, w.errors, w.warnings, w.hints, result.Issues)
	}
	if w.message == "" {
		return
	}
	for _, iss := range result.Issues {
		if strings.Contains(iss.Diagnostics, w.message) {
			return
		}
	}
	t.Errorf("no issue contains %q: %v", w.message, result.Issues)
}

func TestCheckPrimitive(t *testing.T) {
	reg := fhirtest.NewTerminologyRegistry()
	statusVS := fhirtest.ObservationStatusVS + "|4.0.1"

	tests := []struct {
		name     string
		value    string
		typeCode string
		strength string
		vs       string
		opts     Options
		want     want
	}{
		{name: "valid required code", value: "final", strength: "required", vs: statusVS},
		{
			name: "invalid required code", value: "done", strength: "required", vs: statusVS,
			want: want{errors: 1, message: "The value provided ('done') is not in the value set " + statusVS},
		},
		{
			name: "invalid extensible code", value: "done", strength: "extensible", vs: statusVS,
			want: want{warnings: 1, message: "unless it has no suitable code"},
		},
		{
			name: "extensible warnings suppressed", value: "done", strength: "extensible", vs: statusVS,
			opts: Options{NoExtensibleWarnings: true},
		},
		{
			name: "invalid preferred code", value: "done", strength: "preferred", vs: statusVS,
			want: want{hints: 1, message: "recommended to come from this value set"},
		},
		{name: "example binding", value: "done", strength: "example", vs: statusVS},
		{
			name: "value set not found", value: "done", strength: "required", vs: "http://example.org/ValueSet/missing",
			want: want{warnings: 1, message: "ValueSet http://example.org/ValueSet/missing not found by validator"},
		},
		{
			name: "code binding without source", value: "done", strength: "required",
			want: want{hints: 1, message: "Binding has no source, so can't be checked"},
		},
		{name: "string binding without source", value: "done", typeCode: "string", strength: "required"},
		{
			name: "no source hints suppressed", value: "done", strength: "required",
			opts: Options{SuppressNoSourceHints: true},
		},
		{
			name: "terminology checks off", value: "done", strength: "required", vs: statusVS,
			opts: Options{NoTerminologyChecks: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			typeCode := tt.typeCode
			if typeCode == "" {
				typeCode = "code"
			}
			n := node(t, `{"resourceType": "Observation", "status": "`+tt.value+`"}`, "status")
			def := bound("Observation.status", typeCode, tt.strength, tt.vs)

			result := issue.NewResult()
			New(reg, nil, tt.opts).Check(context.Background(), n, "Observation.status", typeCode, def, false, result)
			checkIssues(t, result, tt.want)
		})
	}
}

func TestInfrastructureFailureIsDowngraded(t *testing.T) {
	reg := fhirtest.NewTerminologyRegistry()
	down := terminology.Result{Severity: issue.SeverityError, ErrorClass: terminology.ErrorClassServer, Message: "connection refused"}
	noService := terminology.Result{Severity: issue.SeverityError, ErrorClass: terminology.ErrorClassNoService}

	tests := []struct {
		name     string
		result   terminology.Result
		strength string
		want     want
	}{
		{"required server error", down, "required", want{warnings: 1, message: "(class = SERVER_ERROR)"}},
		{"extensible server error", down, "extensible", want{warnings: 1, message: "Could not confirm"}},
		{"preferred server error", down, "preferred", want{hints: 1}},
		{"required without service", noService, "required", want{warnings: 1, message: "in the absence of a terminology server"}},
		{"preferred without service", noService, "preferred", want{hints: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeService{result: tt.result, server: true}
			n := node(t, `{"resourceType": "Patient", "gender": "male"}`, "gender")
			def := bound("Patient.gender", "code", tt.strength, fhirtest.GenderVS)

			result := issue.NewResult()
			New(reg, svc, Options{}).Check(context.Background(), n, "Patient.gender", "code", def, false, result)
			checkIssues(t, result, tt.want)
			if result.HasErrors() {
				t.Errorf("infrastructure failure produced an error: %v", result.Issues)
			}
		})
	}
}

func TestCheckCoding(t *testing.T) {
	reg := fhirtest.NewTerminologyRegistry()

	tests := []struct {
		name   string
		coding string
		def    *registry.ElementDefinition
		opts   Options
		want   want
	}{
		{
			name:   "valid coding",
			coding: `{"system": "` + fhirtest.GenderCS + `", "code": "male"}`,
			def:    bound("Patient.extension.valueCoding", "Coding", "required", fhirtest.GenderVS),
		},
		{
			name:   "core system without server is silent",
			coding: `{"system": "http://loinc.org", "code": "8867-4"}`,
			def:    bound("Observation.valueCoding", "Coding", "required", fhirtest.LabCodesVS),
		},
		{
			name:   "near miss of a core system",
			coding: `{"system": "http://loinc.org/8867-4", "code": "8867-4"}`,
			want:   want{errors: 1, message: "Invalid System URI: http://loinc.org/8867-4"},
		},
		{
			name:   "relative system",
			coding: `{"system": "local-codes", "code": "a"}`,
			want:   want{errors: 1, message: "Coding.system must be an absolute reference"},
		},
		{
			name:   "value set used as system",
			coding: `{"system": "` + fhirtest.LabCodesVS + `", "code": "laboratory"}`,
			want:   want{errors: 1, message: "The Coding references a value set, not a code system"},
		},
		{
			name:   "unknown code in supported system",
			coding: `{"system": "` + fhirtest.GenderCS + `", "code": "M"}`,
			def:    bound("Observation.valueCoding", "Coding", "required", fhirtest.GenderVS),
			want:   want{errors: 1, message: "for '" + fhirtest.GenderCS + "#M'"},
		},
		{
			name:   "wrong display",
			coding: `{"system": "` + fhirtest.GenderCS + `", "code": "male", "display": "Man"}`,
			opts:   Options{CheckDisplay: true},
			want:   want{warnings: 1, message: "Wrong Display Name 'Man'"},
		},
		{
			name:   "unknown core namespace code system",
			coding: `{"system": "http://hl7.org/fhir/no-such-system", "code": "x"}`,
			want:   want{errors: 1, message: "Unknown Code System http://hl7.org/fhir/no-such-system"},
		},
		{
			name:   "unchecked core namespace code system",
			coding: `{"system": "http://hl7.org/fhir/sid/icd-10", "code": "A00"}`,
		},
		{
			name:   "coding outside required binding",
			coding: `{"system": "` + fhirtest.GenderCS + `", "code": "female"}`,
			def:    bound("Observation.valueCoding", "Coding", "required", fhirtest.NoFemaleVS),
			want:   want{errors: 1, message: "The Coding provided is not in the value set " + fhirtest.NoFemaleVS},
		},
		{
			name:   "binding without source",
			coding: `{"system": "` + fhirtest.GenderCS + `", "code": "female"}`,
			def:    bound("Observation.valueCoding", "Coding", "required", ""),
			want:   want{hints: 1, message: "has no source"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := node(t, `{"resourceType": "Observation", "valueCoding": `+tt.coding+`}`, "valueCoding")
			result := issue.NewResult()
			New(reg, nil, tt.opts).Check(context.Background(), n, "Observation.valueCoding", "Coding", tt.def, false, result)
			checkIssues(t, result, tt.want)
		})
	}
}

func TestCheckCodeableConcept(t *testing.T) {
	reg := fhirtest.NewTerminologyRegistry()

	withMax := func(vs, max string) *registry.ElementDefinition {
		def := bound("Observation.code", "CodeableConcept", "extensible", vs)
		def.Binding.Extension = []registry.Extension{{URL: registry.ExtMaxValueSet, ValueCanonical: max}}
		return def
	}

	tests := []struct {
		name    string
		concept string
		def     *registry.ElementDefinition
		want    want
	}{
		{
			name:    "one matching coding",
			concept: `{"coding": [{"system": "http://example.org/x", "code": "1"}, {"system": "` + fhirtest.GenderCS + `", "code": "male"}]}`,
			def:     bound("Observation.code", "CodeableConcept", "required", fhirtest.GenderVS),
		},
		{
			name:    "no matching coding",
			concept: `{"coding": [{"system": "` + fhirtest.GenderCS + `", "code": "female"}]}`,
			def:     bound("Observation.code", "CodeableConcept", "required", fhirtest.NoFemaleVS),
			want:    want{errors: 1, message: "(codes = " + fhirtest.GenderCS + "#female)"},
		},
		{
			name:    "text only under required binding",
			concept: `{"text": "a man"}`,
			def:     bound("Observation.code", "CodeableConcept", "required", fhirtest.GenderVS),
			want:    want{errors: 1, message: "No code provided, and a code is required"},
		},
		{
			name:    "text only under extensible binding",
			concept: `{"text": "a man"}`,
			def:     bound("Observation.code", "CodeableConcept", "extensible", fhirtest.GenderVS),
			want:    want{warnings: 1, message: "No code provided, and a code should be provided"},
		},
		{
			name:    "text only under preferred binding",
			concept: `{"text": "a man"}`,
			def:     bound("Observation.code", "CodeableConcept", "preferred", fhirtest.GenderVS),
		},
		{
			name:    "outside extensible binding but inside max value set",
			concept: `{"coding": [{"system": "` + fhirtest.GenderCS + `", "code": "female"}]}`,
			def:     withMax(fhirtest.NoFemaleVS, fhirtest.GenderVS),
		},
		{
			name:    "outside max value set",
			concept: `{"coding": [{"system": "` + fhirtest.GenderCS + `", "code": "female"}]}`,
			def:     withMax(fhirtest.NoFemaleVS, fhirtest.CategoryVS),
			want:    want{errors: 1, message: "None of the codes provided are in the maximum value set " + fhirtest.CategoryVS},
		},
		{
			name:    "only silent core systems",
			concept: `{"coding": [{"system": "http://snomed.info/sct", "code": "271649006"}]}`,
			def:     bound("Observation.code", "CodeableConcept", "required", fhirtest.GenderVS),
		},
		{
			name:    "example binding",
			concept: `{"coding": [{"system": "` + fhirtest.GenderCS + `", "code": "female"}]}`,
			def:     bound("Observation.code", "CodeableConcept", "example", fhirtest.NoFemaleVS),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := node(t, `{"resourceType": "Observation", "code": `+tt.concept+`}`, "code")
			result := issue.NewResult()
			New(reg, nil, Options{}).Check(context.Background(), n, "Observation.code", "CodeableConcept", tt.def, false, result)
			checkIssues(t, result, tt.want)
		})
	}
}

func TestParseStrength(t *testing.T) {
	for _, s := range []string{"required", "extensible", "preferred", "example"} {
		got, ok := ParseStrength(s)
		if !ok || got.String() != s {
			t.Errorf("ParseStrength(%q) = %v, %v", s, got, ok)
		}
	}
	if got, ok := ParseStrength("mandatory"); ok || got != StrengthExample {
		t.Errorf("ParseStrength(mandatory) = %v, %v", got, ok)
	}
}
