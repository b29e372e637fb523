package fhirtest

import "github.com/gofhir/conformance/pkg/registry"

// Value set and code system urls of the terminology fixtures.
const (
	ObservationStatusVS = "http://hl7.org/fhir/ValueSet/observation-status"
	GenderVS            = "http://hl7.org/fhir/ValueSet/administrative-gender"
	CategoryVS          = "http://hl7.org/fhir/ValueSet/observation-category"
	EncounterClassVS    = "http://example.org/fhir/ValueSet/encounter-class"
	LabCodesVS          = "http://example.org/fhir/ValueSet/lab-codes"
	PersonCodesVS       = "http://example.org/fhir/ValueSet/person-codes"
	NoFemaleVS          = "http://example.org/fhir/ValueSet/no-female"
	BrokenFilterVS      = "http://example.org/fhir/ValueSet/broken-filter"

	ObservationStatusCS = "http://hl7.org/fhir/observation-status"
	GenderCS            = "http://hl7.org/fhir/administrative-gender"
	CategoryCS          = "http://terminology.hl7.org/CodeSystem/observation-category"
	ActCodeCS           = "http://terminology.hl7.org/CodeSystem/v3-ActCode"
	LOINC               = "http://loinc.org"
)

// TerminologyResources returns the ValueSet and CodeSystem fixtures as JSON.
func TerminologyResources() []string {
	return []string{
		`{"resourceType": "CodeSystem", "url": "` + ObservationStatusCS + `", "version": "4.0.1", "content": "complete",
		  "concept": [
		    {"code": "registered", "display": "Registered"},
		    {"code": "preliminary", "display": "Preliminary"},
		    {"code": "final", "display": "Final"},
		    {"code": "amended", "display": "Amended", "concept": [
		      {"code": "corrected", "display": "Corrected"}]},
		    {"code": "cancelled", "display": "Cancelled"},
		    {"code": "entered-in-error", "display": "Entered in Error"},
		    {"code": "unknown", "display": "Unknown"}]}`,
		`{"resourceType": "ValueSet", "url": "` + ObservationStatusVS + `", "version": "4.0.1",
		  "compose": {"include": [{"system": "` + ObservationStatusCS + `"}]}}`,

		`{"resourceType": "CodeSystem", "url": "` + GenderCS + `", "content": "complete",
		  "concept": [
		    {"code": "male", "display": "Male"},
		    {"code": "female", "display": "Female"},
		    {"code": "other", "display": "Other"},
		    {"code": "unknown", "display": "Unknown"}]}`,
		`{"resourceType": "ValueSet", "url": "` + GenderVS + `", "version": "4.0.1",
		  "compose": {"include": [{"system": "` + GenderCS + `"}]}}`,

		`{"resourceType": "ValueSet", "url": "` + CategoryVS + `",
		  "compose": {"include": [{"system": "` + CategoryCS + `", "concept": [
		    {"code": "vital-signs", "display": "Vital Signs"},
		    {"code": "laboratory", "display": "Laboratory"}]}]}}`,

		`{"resourceType": "CodeSystem", "url": "` + ActCodeCS + `", "content": "complete",
		  "concept": [
		    {"code": "_ActEncounterCode", "display": "ActEncounterCode"},
		    {"code": "AMB", "display": "ambulatory",
		     "property": [{"code": "subsumedBy", "valueCode": "_ActEncounterCode"}]},
		    {"code": "EMER", "display": "emergency",
		     "property": [{"code": "subsumedBy", "valueCode": "_ActEncounterCode"}]},
		    {"code": "IMP", "display": "inpatient encounter",
		     "property": [{"code": "subsumedBy", "valueCode": "_ActEncounterCode"}]},
		    {"code": "ACADR", "display": "adverse drug reaction"}]}`,
		`{"resourceType": "ValueSet", "url": "` + EncounterClassVS + `",
		  "compose": {"include": [{"system": "` + ActCodeCS + `",
		    "filter": [{"property": "concept", "op": "is-a", "value": "_ActEncounterCode"}]}]}}`,

		`{"resourceType": "ValueSet", "url": "` + LabCodesVS + `",
		  "compose": {"include": [{"system": "` + LOINC + `"}]}}`,
		`{"resourceType": "ValueSet", "url": "` + PersonCodesVS + `",
		  "compose": {"include": [{"valueSet": ["` + GenderVS + `"]}]}}`,
		`{"resourceType": "ValueSet", "url": "` + NoFemaleVS + `",
		  "compose": {
		    "include": [{"system": "` + GenderCS + `"}],
		    "exclude": [{"system": "` + GenderCS + `", "concept": [{"code": "female"}]}]}}`,
		`{"resourceType": "ValueSet", "url": "` + BrokenFilterVS + `",
		  "compose": {"include": [{"system": "` + ActCodeCS + `",
		    "filter": [{"property": "concept", "op": "generalizes", "value": "AMB"}]}]}}`,
	}
}

// NewTerminologyRegistry returns NewRegistry(extra...) with the
// terminology fixtures added.
func NewTerminologyRegistry(extra ...*registry.StructureDefinition) *registry.Registry {
	return MustAdd(NewRegistry(extra...), TerminologyResources()...)
}
