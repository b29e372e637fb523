package structural

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/gofhir/conformance/internal/fhirtest"
	"github.com/gofhir/conformance/pkg/element"
	"github.com/gofhir/conformance/pkg/expression"
	"github.com/gofhir/conformance/pkg/issue"
	"github.com/gofhir/conformance/pkg/registry"
	"github.com/gofhir/conformance/pkg/slicing"
	"github.com/gofhir/conformance/pkg/walker"
)

const assignPatient = `{
  "resourceType": "StructureDefinition",
  "url": "http://example.org/StructureDefinition/assign-patient",
  "version": "1.0.0",
  "name": "AssignPatient", "kind": "resource", "type": "Patient",
  "baseDefinition": "http://hl7.org/fhir/StructureDefinition/Patient",
  "derivation": "constraint",
  "differential": {"element": [
    {"id": "Patient.identifier", "path": "Patient.identifier",
     "slicing": {"discriminator": [{"type": "value", "path": "system"}], "ordered": true, "rules": "closed"}},
    {"id": "Patient.identifier:mrn", "path": "Patient.identifier", "sliceName": "mrn", "max": "1"},
    {"id": "Patient.identifier:mrn.system", "path": "Patient.identifier.system", "min": 1, "fixedUri": "http://hospital.org/mrn"},
    {"id": "Patient.identifier:ssn", "path": "Patient.identifier", "sliceName": "ssn"},
    {"id": "Patient.identifier:ssn.system", "path": "Patient.identifier.system", "min": 1, "fixedUri": "http://hl7.org/fhir/sid/us-ssn"},
    {"id": "Patient.name", "path": "Patient.name",
     "slicing": {"discriminator": [{"type": "value", "path": "use"}], "rules": "open"}},
    {"id": "Patient.name:official", "path": "Patient.name", "sliceName": "official"},
    {"id": "Patient.name:official.use", "path": "Patient.name.use", "fixedCode": "official"},
    {"id": "Patient.name:legal", "path": "Patient.name", "sliceName": "legal"},
    {"id": "Patient.name:legal.use", "path": "Patient.name.use", "fixedCode": "official"}
  ]}
}`

const memberObservation = `{
  "resourceType": "StructureDefinition",
  "url": "http://example.org/StructureDefinition/panel",
  "name": "Panel", "kind": "resource", "type": "Observation",
  "baseDefinition": "http://hl7.org/fhir/StructureDefinition/Observation",
  "derivation": "constraint",
  "differential": {"element": [
    {"id": "Observation.hasMember", "path": "Observation.hasMember",
     "slicing": {"discriminator": [{"type": "profile", "path": "resolve()"}], "rules": "open"}},
    {"id": "Observation.hasMember:bp", "path": "Observation.hasMember", "sliceName": "bp", "min": 1,
     "type": [{"code": "Reference", "targetProfile": ["http://example.org/StructureDefinition/bp"]}]}
  ]}
}`

type failingInstance struct{}

func (failingInstance) ResolveReference(_ context.Context, ref *element.Node) *element.Node {
	return ref
}

func (failingInstance) ConformsTo(context.Context, *element.Node, string) (bool, error) {
	return false, errors.New("profile unavailable")
}

type fixture struct {
	reg      *registry.Registry
	assigner *Assigner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := fhirtest.MustAdd(fhirtest.NewRegistry(), assignPatient, memberObservation)
	return &fixture{reg: reg, assigner: New(slicing.New(expression.NewFHIRPath(reg), reg))}
}

func (f *fixture) input(t *testing.T, url, instance string) Input {
	t.Helper()
	sd, err := f.reg.Resolve(url)
	if err != nil || sd == nil {
		t.Fatalf("Resolve(%s) = %v, %v", url, sd, err)
	}
	root, _, err := element.Parse([]byte(instance))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	defs, owner, err := walker.ChildMap(f.reg, sd, sd.Root())
	if err != nil {
		t.Fatalf("ChildMap: %v", err)
	}
	return Input{
		Profile:     owner,
		Definitions: defs,
		Children:    walker.Children(root, root.Name),
		Root:        root,
	}
}

func childNamed(in Input, path string) *walker.ElementInfo {
	for _, ei := range in.Children {
		if ei.Path == path {
			return ei
		}
	}
	return nil
}

func messages(r *issue.Result) string {
	var b strings.Builder
	for _, iss := range r.Issues {
		b.WriteString(iss.String())
		b.WriteString("\n")
	}
	return b.String()
}

func TestAssignSlices(t *testing.T) {
	f := newFixture(t)
	in := f.input(t, "http://example.org/StructureDefinition/assign-patient", `{
	  "resourceType": "Patient",
	  "active": true,
	  "identifier": [
	    {"system": "http://hospital.org/mrn", "value": "1"},
	    {"system": "http://hl7.org/fhir/sid/us-ssn", "value": "2"}
	  ]
	}`)
	result := issue.NewResult()
	problematic, err := f.assigner.Assign(context.Background(), in, result)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if len(problematic) != 0 {
		t.Errorf("problematic = %v", problematic)
	}
	if result.Len() != 0 {
		t.Errorf("unexpected issues:\n%s", messages(result))
	}

	tests := []struct {
		path      string
		slice     string
		sliceIdx  int
		defineID  string
		slicerSet bool
	}{
		{"Patient.identifier[0]", "mrn", 0, "Patient.identifier:mrn", true},
		{"Patient.identifier[1]", "ssn", 1, "Patient.identifier:ssn", true},
		{"Patient.active", "", -1, "Patient.active", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			ei := childNamed(in, tt.path)
			if ei == nil {
				t.Fatalf("no child %s", tt.path)
			}
			if ei.Definition == nil || ei.Definition.ID != tt.defineID {
				t.Fatalf("Definition = %v, want %s", ei.Definition, tt.defineID)
			}
			if tt.slice != "" && (ei.Slice == nil || ei.Slice.SliceName != tt.slice) {
				t.Errorf("Slice = %v, want %s", ei.Slice, tt.slice)
			}
			if ei.SliceIndex != tt.sliceIdx {
				t.Errorf("SliceIndex = %d, want %d", ei.SliceIndex, tt.sliceIdx)
			}
			if (ei.Slicer != nil) != tt.slicerSet {
				t.Errorf("Slicer = %v", ei.Slicer)
			}
		})
	}
}

func TestAssignClosedSlicing(t *testing.T) {
	f := newFixture(t)
	in := f.input(t, "http://example.org/StructureDefinition/assign-patient", `{
	  "resourceType": "Patient",
	  "identifier": [{"system": "http://other.org", "value": "1"}]
	}`)
	result := issue.NewResult()
	if _, err := f.assigner.Assign(context.Background(), in, result); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if result.ErrorCount() != 1 {
		t.Fatalf("ErrorCount = %d, want 1:\n%s", result.ErrorCount(), messages(result))
	}
	iss := result.Issues[0]
	if !strings.Contains(iss.Diagnostics, "CLOSED") || !strings.Contains(iss.Diagnostics, "assign-patient|1.0.0") {
		t.Errorf("Diagnostics = %q", iss.Diagnostics)
	}
	if ei := childNamed(in, "Patient.identifier[0]"); !ei.Additional {
		t.Error("unmatched identifier should be marked additional")
	}
}

func TestAssignOpenAndMultiple(t *testing.T) {
	f := newFixture(t)
	in := f.input(t, "http://example.org/StructureDefinition/assign-patient", `{
	  "resourceType": "Patient",
	  "name": [{"use": "official", "family": "Doe"}, {"use": "nickname", "given": ["Jo"]}]
	}`)
	result := issue.NewResult()
	if _, err := f.assigner.Assign(context.Background(), in, result); err != nil {
		t.Fatalf("Assign: %v", err)
	}

	var multiple, open int
	for _, iss := range result.Issues {
		switch iss.MessageID {
		case string(issue.DiagSliceMultiple):
			multiple++
			if iss.Severity != issue.SeverityError || !strings.Contains(iss.Diagnostics, "official, legal") {
				t.Errorf("multiple match issue = %s", iss)
			}
		case string(issue.DiagSliceNoMatchOpen):
			open++
			if iss.Severity != issue.SeverityInformation {
				t.Errorf("open slicing should only hint, got %s", iss.Severity)
			}
		default:
			t.Errorf("unexpected issue %s", iss)
		}
	}
	if multiple != 1 || open != 1 {
		t.Errorf("multiple = %d, open = %d; want 1 and 1:\n%s", multiple, open, messages(result))
	}
}

func TestAssignUnknownElement(t *testing.T) {
	f := newFixture(t)
	in := f.input(t, registry.CoreURL+"Patient", `{"resourceType": "Patient", "nickname": "JD"}`)
	result := issue.NewResult()
	if _, err := f.assigner.Assign(context.Background(), in, result); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if result.ErrorCount() != 1 || result.Issues[0].MessageID != string(issue.DiagStructureUnknownElement) {
		t.Errorf("want one unknown element error:\n%s", messages(result))
	}
}

func TestAssignAbstractProfileIsSilent(t *testing.T) {
	f := newFixture(t)
	in := f.input(t, registry.CoreURL+"Patient", `{"resourceType": "Patient", "nickname": "JD"}`)
	abstract := *in.Profile
	abstract.Abstract = true
	in.Profile = &abstract
	result := issue.NewResult()
	if _, err := f.assigner.Assign(context.Background(), in, result); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if result.Len() != 0 {
		t.Errorf("abstract profile should tolerate unassigned children:\n%s", messages(result))
	}
}

func TestAssignEvaluationFailureIsProblematic(t *testing.T) {
	f := newFixture(t)
	in := f.input(t, "http://example.org/StructureDefinition/panel", `{
	  "resourceType": "Observation",
	  "status": "final",
	  "hasMember": [{"reference": "Observation/bp1"}]
	}`)
	in.Instance = failingInstance{}
	result := issue.NewResult()
	problematic, err := f.assigner.Assign(context.Background(), in, result)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if !problematic["Observation.hasMember"] {
		t.Errorf("problematic = %v, want Observation.hasMember", problematic)
	}
	if result.Len() != 1 || result.Issues[0].MessageID != string(issue.DiagSliceEvalError) {
		t.Errorf("want one evaluation error:\n%s", messages(result))
	}
}

func TestAssignSlicingMidway(t *testing.T) {
	f := newFixture(t)
	in := f.input(t, registry.CoreURL+"Patient", `{"resourceType": "Patient", "active": true}`)

	first := fhirtest.El("Patient.identifier", 0, "*", "Identifier")
	first.Slicing = &registry.Slicing{Discriminator: []registry.Discriminator{{Type: "value", Path: "system"}}, Rules: registry.RulesOpen}
	second := first
	second.ID = "Patient.identifier-again"
	in.Definitions = []*registry.ElementDefinition{&first, &second}

	_, err := f.assigner.Assign(context.Background(), in, issue.NewResult())
	var defErr *slicing.DefinitionError
	if !errors.As(err, &defErr) {
		t.Fatalf("err = %v, want *slicing.DefinitionError", err)
	}
	if !strings.Contains(defErr.Error(), "midway") {
		t.Errorf("err = %v", defErr)
	}
}

func TestNameMatches(t *testing.T) {
	tests := []struct {
		name, tail string
		want       bool
	}{
		{"gender", "gender", true},
		{"valueQuantity", "value[x]", true},
		{"value", "value[x]", false},
		{"valueset", "value[x]", false},
		{"given", "gender", false},
	}
	for _, tt := range tests {
		t.Run(tt.name+"/"+tt.tail, func(t *testing.T) {
			if got := NameMatches(tt.name, tt.tail); got != tt.want {
				t.Errorf("NameMatches = %v, want %v", got, tt.want)
			}
		})
	}
}
