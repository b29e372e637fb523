package registry

import (
	"testing"

	"github.com/goccy/go-json"
)

func TestElementDefinitionPolymorphicValues(t *testing.T) {
	tests := []struct {
		name       string
		json       string
		wantFixed  string
		fixedType  string
		wantPat    string
		patType    string
		minValType string
	}{
		{
			name:      "fixedUri",
			json:      `{"path": "Extension.url", "fixedUri": "http://example.org/ext"}`,
			wantFixed: `"http://example.org/ext"`,
			fixedType: "Uri",
		},
		{
			name:      "fixedBoolean",
			json:      `{"path": "Group.actual", "fixedBoolean": true}`,
			wantFixed: `true`,
			fixedType: "Boolean",
		},
		{
			name:    "patternCodeableConcept",
			json:    `{"path": "Observation.code", "patternCodeableConcept": {"coding": [{"system": "http://loinc.org", "code": "12345"}]}}`,
			wantPat: `{"coding": [{"system": "http://loinc.org", "code": "12345"}]}`,
			patType: "CodeableConcept",
		},
		{
			name:       "minValueInteger",
			json:       `{"path": "Observation.valueInteger", "minValueInteger": 1}`,
			minValType: "Integer",
		},
		{
			name: "lowercase suffix is not a value",
			json: `{"path": "Patient.name", "fixedness": "x"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ed ElementDefinition
			if err := json.Unmarshal([]byte(tt.json), &ed); err != nil {
				t.Fatalf("unmarshal error: %v", err)
			}
			if string(ed.Fixed) != tt.wantFixed || ed.FixedType != tt.fixedType {
				t.Errorf("fixed = %s (%s), want %s (%s)", ed.Fixed, ed.FixedType, tt.wantFixed, tt.fixedType)
			}
			if string(ed.Pattern) != tt.wantPat || ed.PatternType != tt.patType {
				t.Errorf("pattern = %s (%s)", ed.Pattern, ed.PatternType)
			}
			if ed.MinValueType != tt.minValType {
				t.Errorf("minValue type = %q", ed.MinValueType)
			}
			_, _, exists := ed.GetFixed()
			if exists != (tt.wantFixed != "") {
				t.Errorf("GetFixed exists = %v", exists)
			}
		})
	}
}

func TestElementDefinitionHelpers(t *testing.T) {
	yes := true
	ed := ElementDefinition{
		Path:           "Observation.value[x]",
		Max:            "3",
		Type:           []Type{{Code: "Quantity"}, {Code: "Reference", Aggregation: []string{"bundled"}}},
		Representation: []string{"xmlAttr"},
	}
	if ed.Tail() != "value[x]" || !ed.IsChoice() || ed.IsSlice() {
		t.Errorf("tail/choice/slice = %s %v %v", ed.Tail(), ed.IsChoice(), ed.IsSlice())
	}
	if n, ok := ed.MaxCount(); !ok || n != 3 {
		t.Errorf("MaxCount() = %d, %v", n, ok)
	}
	ed.Max = "*"
	if _, ok := ed.MaxCount(); ok {
		t.Error("MaxCount() should be unbounded for *")
	}
	if ref := ed.TypeFor("Reference"); ref == nil || !ref.HasAggregation("bundled") {
		t.Errorf("TypeFor(Reference) = %+v", ref)
	}
	if !ed.HasRepresentation("xmlAttr") {
		t.Error("HasRepresentation(xmlAttr) = false")
	}

	c := Constraint{Key: "bp-1", Extension: []Extension{{URL: ExtBestPractice, ValueBoolean: &yes}}}
	if !c.IsBestPractice() {
		t.Error("IsBestPractice() = false")
	}
	b := Binding{Strength: "extensible", Extension: []Extension{{URL: ExtMaxValueSet, ValueCanonical: "http://example.org/vs-max"}}}
	if b.MaxValueSet() != "http://example.org/vs-max" {
		t.Errorf("MaxValueSet() = %q", b.MaxValueSet())
	}

	sd := &StructureDefinition{URL: "http://example.org/p", Version: "2.0", Name: "P",
		Extension: []Extension{{URL: ExtXMLNoOrder, ValueBoolean: &yes}}}
	if sd.Describe() != "http://example.org/p|2.0 [P]" || !sd.NoOrder() {
		t.Errorf("Describe() = %q, NoOrder() = %v", sd.Describe(), sd.NoOrder())
	}
}

func TestDifferentialKeepsRawElements(t *testing.T) {
	var d Differential
	if err := json.Unmarshal([]byte(`{"element":[{"id":"Patient.name","path":"Patient.name","min":1}]}`), &d); err != nil {
		t.Fatal(err)
	}
	if len(d.Element) != 1 || d.Element[0].Min != 1 || len(d.Element[0].raw) == 0 {
		t.Errorf("differential = %+v", d.Element)
	}
}
