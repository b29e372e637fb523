package validator

import (
	"strings"
	"testing"

	"github.com/gofhir/conformance/internal/fhirtest"
	"github.com/gofhir/conformance/pkg/issue"
)

const activePatient = `{
  "resourceType": "StructureDefinition",
  "url": "http://example.org/StructureDefinition/active-patient",
  "version": "1.0.0",
  "name": "ActivePatient", "kind": "resource", "type": "Patient",
  "baseDefinition": "http://hl7.org/fhir/StructureDefinition/Patient",
  "derivation": "constraint",
  "differential": {"element": [
    {"id": "Patient.active", "path": "Patient.active", "min": 1}
  ]}
}`

const slicedPatient = `{
  "resourceType": "StructureDefinition",
  "url": "http://example.org/StructureDefinition/sliced-patient",
  "version": "1.0.0",
  "name": "SlicedPatient", "kind": "resource", "type": "Patient",
  "baseDefinition": "http://hl7.org/fhir/StructureDefinition/Patient",
  "derivation": "constraint",
  "differential": {"element": [
    {"id": "Patient.identifier", "path": "Patient.identifier",
     "slicing": {"discriminator": [{"type": "value", "path": "system"}], "ordered": false, "rules": "closed"}},
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

const requiredSlicePatient = `{
  "resourceType": "StructureDefinition",
  "url": "http://example.org/StructureDefinition/mrn-patient",
  "version": "1.0.0",
  "name": "MrnPatient", "kind": "resource", "type": "Patient",
  "baseDefinition": "http://hl7.org/fhir/StructureDefinition/Patient",
  "derivation": "constraint",
  "differential": {"element": [
    {"id": "Patient.identifier", "path": "Patient.identifier",
     "slicing": {"discriminator": [{"type": "value", "path": "system"}], "rules": "open"}},
    {"id": "Patient.identifier:mrn", "path": "Patient.identifier", "sliceName": "mrn", "min": 1, "max": "1"},
    {"id": "Patient.identifier:mrn.system", "path": "Patient.identifier.system", "min": 1, "fixedUri": "http://hospital.org/mrn"}
  ]}
}`

const vitalSign = `{
  "resourceType": "StructureDefinition",
  "url": "http://example.org/StructureDefinition/vital-sign",
  "version": "1.0.0",
  "name": "VitalSign", "kind": "resource", "type": "Observation",
  "baseDefinition": "http://hl7.org/fhir/StructureDefinition/Observation",
  "derivation": "constraint",
  "differential": {"element": [
    {"id": "Observation.category", "path": "Observation.category", "min": 1,
     "patternCodeableConcept": {"coding": [{"system": "http://terminology.hl7.org/CodeSystem/observation-category", "code": "vital-signs"}]}}
  ]}
}`

const fixedAddressPatient = `{
  "resourceType": "StructureDefinition",
  "url": "http://example.org/StructureDefinition/fixed-address",
  "version": "1.0.0",
  "name": "FixedAddress", "kind": "resource", "type": "Patient",
  "baseDefinition": "http://hl7.org/fhir/StructureDefinition/Patient",
  "derivation": "constraint",
  "differential": {"element": [
    {"id": "Patient.address", "path": "Patient.address",
     "fixedAddress": {"line": ["Ward 4", "Bed 2"], "city": "PleasantVille"}}
  ]}
}`

// namedPatient returns a profile whose root carries the nam-1 invariant.
func namedPatient(name string) string {
	return `{
	  "resourceType": "StructureDefinition",
	  "url": "http://example.org/StructureDefinition/` + name + `",
	  "version": "1.0.0",
	  "name": "` + name + `", "kind": "resource", "type": "Patient",
	  "baseDefinition": "http://hl7.org/fhir/StructureDefinition/Patient",
	  "derivation": "constraint",
	  "differential": {"element": [
	    {"id": "Patient", "path": "Patient",
	     "constraint": [{"key": "nam-1", "severity": "error", "human": "A patient needs a name",
	                     "expression": "name.exists()"}]}
	  ]}
	}`
}

const (
	nicknameURL    = "http://example.org/fhir/StructureDefinition/nickname"
	contactPrefURL = "http://example.org/fhir/StructureDefinition/contact-preference"
)

func TestSlicing(t *testing.T) {
	v := newValidator(t, []string{slicedPatient, requiredSlicePatient})
	const sliced = "http://example.org/StructureDefinition/sliced-patient"
	const mrn = "http://example.org/StructureDefinition/mrn-patient"

	tests := []struct {
		name     string
		profile  string
		resource string
		id       issue.DiagnosticID
		severity issue.Severity
		path     string
		errors   int
	}{
		{
			name:    "matching slices",
			profile: sliced,
			resource: `{"resourceType": "Patient", "identifier": [
			  {"system": "http://hospital.org/mrn", "value": "1"},
			  {"system": "http://hl7.org/fhir/sid/us-ssn", "value": "2"}]}`,
		},
		{
			name:     "closed slicing",
			profile:  sliced,
			resource: `{"resourceType": "Patient", "identifier": [{"system": "http://other.org/id", "value": "3"}]}`,
			id:       issue.DiagSliceNoMatchClosed,
			severity: issue.SeverityError,
			path:     "Patient.identifier[0]",
			errors:   1,
		},
		{
			name:     "open slicing",
			profile:  sliced,
			resource: `{"resourceType": "Patient", "name": [{"use": "usual", "family": "Chalmers"}]}`,
			id:       issue.DiagSliceNoMatchOpen,
			severity: issue.SeverityInformation,
			path:     "Patient.name[0]",
		},
		{
			name:     "two matching slices",
			profile:  sliced,
			resource: `{"resourceType": "Patient", "name": [{"use": "official", "family": "Chalmers"}]}`,
			id:       issue.DiagSliceMultiple,
			severity: issue.SeverityError,
			path:     "Patient.name[0]",
			errors:   1,
		},
		{
			name:     "slice max",
			profile:  sliced,
			resource: `{"resourceType": "Patient", "identifier": [{"system": "http://hospital.org/mrn", "value": "1"}, {"system": "http://hospital.org/mrn", "value": "2"}]}`,
			id:       issue.DiagCardinalityMax,
			severity: issue.SeverityError,
			path:     "Patient",
			errors:   1,
		},
		{
			name:     "required slice missing",
			profile:  mrn,
			resource: `{"resourceType": "Patient", "identifier": [{"system": "http://other.org/id", "value": "3"}]}`,
			id:       issue.DiagCardinalityMin,
			severity: issue.SeverityError,
			path:     "Patient",
			errors:   1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := validate(t, v, tt.resource, ValidateWithProfile(tt.profile))
			if got := len(errorsOf(result)); got != tt.errors {
				t.Errorf("got %d errors, want %d\n%s", got, tt.errors, dump(result))
			}
			if tt.id == "" {
				return
			}
			got := withID(result, tt.id)
			if len(got) != 1 {
				t.Fatalf("got %d %s issues, want 1\n%s", len(got), tt.id, dump(result))
			}
			if got[0].Severity != tt.severity {
				t.Errorf("Severity = %s, want %s", got[0].Severity, tt.severity)
			}
			if got[0].Path() != tt.path {
				t.Errorf("Path() = %q, want %q", got[0].Path(), tt.path)
			}
		})
	}
}

func TestSliceMinimumMessage(t *testing.T) {
	v := newValidator(t, []string{requiredSlicePatient})
	result := validate(t, v, `{"resourceType": "Patient"}`,
		ValidateWithProfile("http://example.org/StructureDefinition/mrn-patient"))

	got := withID(result, issue.DiagCardinalityMin)
	if len(got) != 1 {
		t.Fatalf("got %d cardinality issues, want 1\n%s", len(got), dump(result))
	}
	msg := got[0].Diagnostics
	for _, want := range []string{"http://example.org/StructureDefinition/mrn-patient|1.0.0", "Patient.identifier[mrn]"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Diagnostics = %q, want it to mention %q", msg, want)
		}
	}
}

func TestPatternAndFixedValues(t *testing.T) {
	v := newValidator(t, []string{vitalSign, fixedAddressPatient})
	const vital = "http://example.org/StructureDefinition/vital-sign"
	const fixed = "http://example.org/StructureDefinition/fixed-address"

	tests := []struct {
		name      string
		profile   string
		resource  string
		wantError string
	}{
		{
			name:    "pattern with extra codings",
			profile: vital,
			resource: `{"resourceType": "Observation", "status": "final", "code": {"text": "BP"},
			  "category": [{"coding": [
			    {"system": "http://terminology.hl7.org/CodeSystem/observation-category", "code": "laboratory"},
			    {"system": "http://terminology.hl7.org/CodeSystem/observation-category", "code": "vital-signs"}]}]}`,
		},
		{
			name:    "pattern coding missing",
			profile: vital,
			resource: `{"resourceType": "Observation", "status": "final", "code": {"text": "BP"},
			  "category": [{"coding": [
			    {"system": "http://terminology.hl7.org/CodeSystem/observation-category", "code": "laboratory"}]}]}`,
			wantError: "Observation.category[0]",
		},
		{
			name:      "pattern element absent",
			profile:   vital,
			resource:  `{"resourceType": "Observation", "status": "final", "code": {"text": "BP"}}`,
			wantError: "Observation",
		},
		{
			name:     "fixed value",
			profile:  fixed,
			resource: `{"resourceType": "Patient", "address": [{"line": ["Ward 4", "Bed 2"], "city": "PleasantVille"}]}`,
		},
		{
			name:      "fixed repeat count",
			profile:   fixed,
			resource:  `{"resourceType": "Patient", "address": [{"line": ["Ward 4"], "city": "PleasantVille"}]}`,
			wantError: "Patient.address[0]",
		},
		{
			name:      "fixed value differs",
			profile:   fixed,
			resource:  `{"resourceType": "Patient", "address": [{"line": ["Ward 4", "Bed 2"], "city": "Elsewhere"}]}`,
			wantError: "Patient.address[0]",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := validate(t, v, tt.resource, ValidateWithProfile(tt.profile))
			errs := errorsOf(result)
			if tt.wantError == "" {
				if len(errs) != 0 {
					t.Errorf("unexpected errors\n%s", dump(result))
				}
				return
			}
			found := false
			for _, iss := range errs {
				if strings.HasPrefix(iss.Path(), tt.wantError) {
					found = true
				}
			}
			if !found {
				t.Errorf("expected an error at %s\n%s", tt.wantError, dump(result))
			}
		})
	}
}

func TestInvariantsRunOnce(t *testing.T) {
	v := newValidator(t, []string{namedPatient("first-named"), namedPatient("second-named")})
	result := validate(t, v, `{
	  "resourceType": "Patient",
	  "meta": {"profile": ["http://example.org/StructureDefinition/first-named"]}
	}`, ValidateWithProfile("http://example.org/StructureDefinition/second-named"))

	count := 0
	for _, iss := range result.Issues {
		if strings.HasPrefix(iss.Diagnostics, "nam-1") {
			count++
			if iss.Code != issue.CodeInvariant {
				t.Errorf("Code = %s, want invariant", iss.Code)
			}
		}
	}
	if count != 1 {
		t.Errorf("nam-1 reported %d times, want 1\n%s", count, dump(result))
	}

	result = validate(t, v, `{"resourceType": "Patient", "name": [{"family": "Chalmers"}]}`,
		ValidateWithProfile("http://example.org/StructureDefinition/first-named"))
	if result.HasErrors() {
		t.Errorf("unexpected errors\n%s", dump(result))
	}
}

func TestExtensions(t *testing.T) {
	reg := fhirtest.NewTerminologyRegistry(
		fhirtest.ExtensionSD(nicknameURL, []string{"string"}),
		fhirtest.ExtensionSD(contactPrefURL, nil, "channel", "rank"),
	)
	v, err := New(WithRegistry(reg))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	tests := []struct {
		name     string
		resource string
		id       issue.DiagnosticID
		errors   int
	}{
		{
			name:     "simple extension",
			resource: `{"resourceType": "Patient", "extension": [{"url": "` + nicknameURL + `", "valueString": "Pete"}]}`,
		},
		{
			name:     "wrong value type",
			resource: `{"resourceType": "Patient", "extension": [{"url": "` + nicknameURL + `", "valueCode": "pete"}]}`,
			id:       issue.DiagExtensionWrongType,
			errors:   -1,
		},
		{
			name: "complex extension",
			resource: `{"resourceType": "Patient", "extension": [{"url": "` + contactPrefURL + `", "extension": [
			  {"url": "channel", "valueString": "phone"}, {"url": "rank", "valueString": "1"}]}]}`,
		},
		{
			name: "unknown sub-extension",
			resource: `{"resourceType": "Patient", "extension": [{"url": "` + contactPrefURL + `", "extension": [
			  {"url": "channel", "valueString": "phone"}, {"url": "bogus", "valueString": "x"}]}]}`,
			id:     issue.DiagExtensionSubUnknown,
			errors: 1,
		},
		{
			name:     "unknown domain",
			resource: `{"resourceType": "Patient", "extension": [{"url": "http://unknown.net/fhir/ext", "valueString": "x"}]}`,
			id:       issue.DiagExtensionNotAllowed,
			errors:   1,
		},
		{
			name:     "no url",
			resource: `{"resourceType": "Patient", "extension": [{"valueString": "x"}]}`,
			id:       issue.DiagExtensionNoURL,
			errors:   -1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := validate(t, v, tt.resource)
			errs := errorsOf(result)
			switch {
			case tt.errors == -1 && len(errs) == 0:
				t.Errorf("expected errors\n%s", dump(result))
			case tt.errors >= 0 && len(errs) != tt.errors:
				t.Errorf("got %d errors, want %d\n%s", len(errs), tt.errors, dump(result))
			}
			if tt.id != "" && len(withID(result, tt.id)) != 1 {
				t.Errorf("expected one %s issue\n%s", tt.id, dump(result))
			}
		})
	}

	t.Run("allowed domain", func(t *testing.T) {
		v, err := New(WithRegistry(fhirtest.NewRegistry()), WithExtensionDomains("http://unknown.net/"))
		if err != nil {
			t.Fatalf("New() error: %v", err)
		}
		result := validate(t, v, `{"resourceType": "Patient", "extension": [{"url": "http://unknown.net/fhir/ext", "valueString": "x"}]}`)
		if result.HasErrors() {
			t.Errorf("unexpected errors\n%s", dump(result))
		}
	})

	t.Run("any extension", func(t *testing.T) {
		v, err := New(WithRegistry(fhirtest.NewRegistry()), WithAnyExtension(true))
		if err != nil {
			t.Fatalf("New() error: %v", err)
		}
		result := validate(t, v, `{"resourceType": "Patient", "extension": [{"url": "http://unknown.net/fhir/ext", "valueString": "x"}]}`)
		if result.HasErrors() {
			t.Errorf("unexpected errors\n%s", dump(result))
		}
		got := withID(result, issue.DiagExtensionUnknown)
		if len(got) != 1 || got[0].Severity != issue.SeverityInformation {
			t.Errorf("expected one unknown extension hint\n%s", dump(result))
		}
	})
}

// systemIdentifier returns an Identifier profile whose root requires a
// system through the idn-1 invariant.
func systemIdentifier(name string) string {
	return `{
	  "resourceType": "StructureDefinition",
	  "url": "http://example.org/StructureDefinition/` + name + `",
	  "version": "1.0.0",
	  "name": "` + name + `", "kind": "complex-type", "type": "Identifier",
	  "baseDefinition": "http://hl7.org/fhir/StructureDefinition/Identifier",
	  "derivation": "constraint",
	  "differential": {"element": [
	    {"id": "Identifier", "path": "Identifier",
	     "constraint": [{"key": "idn-1", "severity": "error", "human": "An identifier needs a system",
	                     "expression": "system.exists()"}]}
	  ]}
	}`
}

const idn1 = `"constraint": [{"key": "idn-1", "severity": "error", "human": "An identifier needs a system", "expression": "system.exists()"}]`

const profileSlicedPatient = `{
  "resourceType": "StructureDefinition",
  "url": "http://example.org/StructureDefinition/profile-sliced-patient",
  "version": "1.0.0",
  "name": "ProfileSlicedPatient", "kind": "resource", "type": "Patient",
  "baseDefinition": "http://hl7.org/fhir/StructureDefinition/Patient",
  "derivation": "constraint",
  "differential": {"element": [
    {"id": "Patient.identifier", "path": "Patient.identifier", ` + idn1 + `,
     "slicing": {"discriminator": [{"type": "profile", "path": "$this"}], "rules": "open"}},
    {"id": "Patient.identifier:sys", "path": "Patient.identifier", "sliceName": "sys",
     "type": [{"code": "Identifier", "profile": ["http://example.org/StructureDefinition/sys-identifier"]}]}
  ]}
}`

const checkedIdentifierPatient = `{
  "resourceType": "StructureDefinition",
  "url": "http://example.org/StructureDefinition/checked-identifier-patient",
  "version": "1.0.0",
  "name": "CheckedIdentifierPatient", "kind": "resource", "type": "Patient",
  "baseDefinition": "http://hl7.org/fhir/StructureDefinition/Patient",
  "derivation": "constraint",
  "differential": {"element": [
    {"id": "Patient.identifier", "path": "Patient.identifier", ` + idn1 + `}
  ]}
}`

const twoIdentifierProfiles = `{
  "resourceType": "StructureDefinition",
  "url": "http://example.org/StructureDefinition/two-identifier-profiles",
  "version": "1.0.0",
  "name": "TwoIdentifierProfiles", "kind": "resource", "type": "Patient",
  "baseDefinition": "http://hl7.org/fhir/StructureDefinition/Patient",
  "derivation": "constraint",
  "differential": {"element": [
    {"id": "Patient.identifier", "path": "Patient.identifier",
     "type": [{"code": "Identifier", "profile": [
       "http://example.org/StructureDefinition/sys-identifier",
       "http://example.org/StructureDefinition/sys-identifier2"]}]}
  ]}
}`

func countKey(r *issue.Result, key string) int {
	n := 0
	for _, iss := range r.Issues {
		if strings.HasPrefix(iss.Diagnostics, key) {
			n++
		}
	}
	return n
}

func TestInvariantsAfterProfileDiscriminator(t *testing.T) {
	v := newValidator(t, []string{
		systemIdentifier("sys-identifier"), profileSlicedPatient, checkedIdentifierPatient,
	})
	const instance = `{"resourceType": "Patient", "identifier": [{"value": "x"}]}`

	for _, profile := range []string{
		"http://example.org/StructureDefinition/checked-identifier-patient",
		"http://example.org/StructureDefinition/profile-sliced-patient",
	} {
		t.Run(profile, func(t *testing.T) {
			result := validate(t, v, instance, ValidateWithProfile(profile))
			if got := countKey(result, "idn-1"); got != 1 {
				t.Errorf("idn-1 reported %d times, want 1\n%s", got, dump(result))
			}
			if !result.HasErrors() {
				t.Errorf("expected an error\n%s", dump(result))
			}
		})
	}

	result := validate(t, v, `{"resourceType": "Patient", "identifier": [{"system": "http://example.org/ids", "value": "x"}]}`,
		ValidateWithProfile("http://example.org/StructureDefinition/profile-sliced-patient"))
	if result.HasErrors() {
		t.Errorf("unexpected errors\n%s", dump(result))
	}
}

func TestEveryTypeProfileFailsSameInvariant(t *testing.T) {
	v := newValidator(t, []string{
		systemIdentifier("sys-identifier"), systemIdentifier("sys-identifier2"), twoIdentifierProfiles,
	})
	const profile = "http://example.org/StructureDefinition/two-identifier-profiles"

	result := validate(t, v, `{"resourceType": "Patient", "identifier": [{"value": "x"}]}`, ValidateWithProfile(profile))
	if got := withID(result, issue.DiagProfileNoMatch); len(got) != 1 {
		t.Fatalf("got %d no-match issues, want 1\n%s", len(got), dump(result))
	}
	if got := countKey(result, "idn-1"); got != 2 {
		t.Errorf("idn-1 reported %d times, want once per profile\n%s", got, dump(result))
	}

	result = validate(t, v, `{"resourceType": "Patient", "identifier": [{"system": "http://example.org/ids", "value": "x"}]}`,
		ValidateWithProfile(profile))
	if got := withID(result, issue.DiagProfileMultipleMatch); len(got) != 1 {
		t.Errorf("got %d multiple-match issues, want 1\n%s", len(got), dump(result))
	}
	if result.HasErrors() {
		t.Errorf("unexpected errors\n%s", dump(result))
	}
}
