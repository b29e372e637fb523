package fixedpattern

import (
	"strings"
	"testing"

	"github.com/gofhir/conformance/internal/fhirtest"
	"github.com/gofhir/conformance/pkg/element"
	"github.com/gofhir/conformance/pkg/issue"
	"github.com/gofhir/conformance/pkg/registry"
)

func child(t *testing.T, resource, name string) *element.Node {
	t.Helper()
	root, _, err := element.Parse([]byte(resource))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	n := root.Child(name)
	if n == nil {
		t.Fatalf("no %s in %s", name, resource)
	}
	return n
}

func profile() *registry.StructureDefinition {
	sd := fhirtest.SD("Patient", registry.KindResource, "DomainResource", fhirtest.El("Patient", 0, "*"))
	sd.URL = "http://example.org/StructureDefinition/fp"
	sd.Version = "1.0.0"
	return sd
}

func TestCheck(t *testing.T) {
	tests := []struct {
		name     string
		resource string
		field    string
		fixed    string
		pattern  string
		want     []string
	}{
		{
			name:     "fixed scalar matches",
			resource: `{"resourceType": "Patient", "gender": "female"}`,
			field:    "gender",
			fixed:    `"female"`,
		},
		{
			name:     "fixed scalar mismatch",
			resource: `{"resourceType": "Patient", "gender": "male"}`,
			field:    "gender",
			fixed:    `"female"`,
			want:     []string{"Value is 'male' but must be 'female'"},
		},
		{
			name:     "fixed number compares as decimal",
			resource: `{"resourceType": "Observation", "valueInteger": 10}`,
			field:    "valueInteger",
			fixed:    `10.0`,
		},
		{
			name:     "fixed address line count reported first",
			resource: `{"resourceType": "Patient", "address": {"line": ["1 Main St", "Apt 2", "Floor 3"], "city": "Springfield"}}`,
			field:    "address",
			fixed:    `{"line": ["1 Main St", "Apt 2"], "city": "Springfield"}`,
			want:     []string{"Expected 2 but found 3 line elements"},
		},
		{
			name:     "fixed extra field",
			resource: `{"resourceType": "Patient", "address": {"city": "Springfield", "state": "IL"}}`,
			field:    "address",
			fixed:    `{"city": "Springfield"}`,
			want:     []string{"The element state is present in the instance but not allowed in the applicable fixed value"},
		},
		{
			name:     "missing element",
			resource: `{"resourceType": "Patient", "address": {"city": "Springfield"}}`,
			field:    "address",
			pattern:  `{"city": "Springfield", "country": "US"}`,
			want:     []string{"Missing element 'country' - required by pattern assigned in profile http://example.org/StructureDefinition/fp|1.0.0"},
		},
		{
			name:     "pattern allows extra codings",
			resource: `{"resourceType": "Observation", "code": {"coding": [{"system": "http://loinc.org", "code": "1234-5"}, {"system": "http://snomed.info/sct", "code": "123"}], "text": "x"}}`,
			field:    "code",
			pattern:  `{"coding": [{"system": "http://snomed.info/sct", "code": "123"}]}`,
		},
		{
			name:     "pattern coding not found",
			resource: `{"resourceType": "Observation", "code": {"coding": [{"system": "http://loinc.org", "code": "1234-5"}]}}`,
			field:    "code",
			pattern:  `{"coding": [{"system": "http://snomed.info/sct", "code": "123"}]}`,
			want:     []string{"The pattern [system http://snomed.info/sct, code 123] defined in the profile"},
		},
		{
			name:     "fixed without extensions",
			resource: `{"resourceType": "Patient", "gender": "female", "_gender": {"extension": [{"url": "http://example.org/x", "valueString": "y"}]}}`,
			field:    "gender",
			fixed:    `"female"`,
			want:     []string{"No extensions allowed"},
		},
		{
			name:     "fixed extension count",
			resource: `{"resourceType": "Patient", "address": {"extension": [{"url": "http://example.org/a", "valueString": "1"}, {"url": "http://example.org/b", "valueString": "2"}]}}`,
			field:    "address",
			fixed:    `{"extension": [{"url": "http://example.org/a", "valueString": "1"}]}`,
			want:     []string{"Extension count mismatch: should be 1 but is 2"},
		},
		{
			name:     "pattern extension missing",
			resource: `{"resourceType": "Patient", "address": {"city": "x", "extension": [{"url": "http://example.org/b", "valueString": "2"}]}}`,
			field:    "address",
			pattern:  `{"extension": [{"url": "http://example.org/a", "valueString": "1"}]}`,
			want:     []string{"unable to find extension: http://example.org/a"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ed := fhirtest.El("Patient."+tt.field, 0, "1")
			if tt.fixed != "" {
				ed.Fixed = []byte(tt.fixed)
			}
			if tt.pattern != "" {
				ed.Pattern = []byte(tt.pattern)
			}
			result := issue.NewResult()
			ok := Check(child(t, tt.resource, tt.field), &ed, profile(), "Patient."+tt.field, result)
			if ok != (len(tt.want) == 0) {
				t.Errorf("Check = %v, issues %v", ok, result.Issues)
			}
			if result.Len() != len(tt.want) {
				t.Fatalf("got %d issues, want %d: %v", result.Len(), len(tt.want), result.Issues)
			}
			for i, w := range tt.want {
				if !strings.Contains(result.Issues[i].Diagnostics, w) {
					t.Errorf("issue %d = %q, want containing %q", i, result.Issues[i].Diagnostics, w)
				}
			}
		})
	}
}

func TestCheckNoValues(t *testing.T) {
	ed := fhirtest.El("Patient.gender", 0, "1", "code")
	result := issue.NewResult()
	if !Check(child(t, `{"resourceType": "Patient", "gender": "x"}`, "gender"), &ed, nil, "Patient.gender", result) {
		t.Error("an element without fixed or pattern always passes")
	}
	if result.Len() != 0 {
		t.Errorf("unexpected issues: %v", result.Issues)
	}
}

func TestCheckListItemPath(t *testing.T) {
	ed := fhirtest.El("Patient.address", 0, "1")
	ed.Fixed = []byte(`{"line": ["1 Main St", "Apt 2"]}`)
	resource := `{"resourceType": "Patient", "address": {"line": ["1 Main St", "Apt 3"]}}`

	result := issue.NewResult()
	if Check(child(t, resource, "address"), &ed, profile(), "Patient.address", result) {
		t.Fatal("Check passed a mismatched line")
	}
	if result.Len() != 1 {
		t.Fatalf("got %d issues, want 1: %v", result.Len(), result.Issues)
	}
	got := result.Issues[0].Expression
	if len(got) != 1 || got[0] != "Patient.address.line[1]" {
		t.Errorf("Expression = %v, want [Patient.address.line[1]]", got)
	}
}
