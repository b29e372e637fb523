package element

import (
	"strings"
	"testing"

	"github.com/goccy/go-json"
)

const patientJSON = `{
  "resourceType": "Patient",
  "id": "example",
  "active": true,
  "name": [
    {"family": "Chalmers", "given": ["Peter", "James"]},
    {"given": ["Jim"], "_given": [{"extension": [{"url": "http://example.org/nick", "valueBoolean": true}]}]}
  ],
  "birthDate": "1974-12-25",
  "_birthDate": {"extension": [{"url": "http://hl7.org/fhir/StructureDefinition/patient-birthTime", "valueDateTime": "1974-12-25T14:35:45-05:00"}]},
  "multipleBirthInteger": 2,
  "contained": [{"resourceType": "Organization", "id": "org1", "name": "ACME"}]
}`

func mustParse(t *testing.T, src string) (*Node, int) {
	t.Helper()
	n, issues, err := Parse([]byte(src))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	return n, len(issues)
}

func TestParsePatient(t *testing.T) {
	root, nIssues := mustParse(t, patientJSON)
	if nIssues != 0 {
		t.Fatalf("expected no parse issues, got %d", nIssues)
	}
	if root.Name != "Patient" || root.Type != "Patient" || !root.IsResource() {
		t.Fatalf("unexpected root %+v", root)
	}
	if root.Line != 1 || root.Column != 1 {
		t.Errorf("root position = %d:%d", root.Line, root.Column)
	}

	active := root.Child("active")
	if active == nil || active.Kind != KindBool || active.Value != "true" {
		t.Errorf("unexpected active node %+v", active)
	}
	if active.Line != 4 || active.Column != 3 {
		t.Errorf("active position = %d:%d, want 4:3", active.Line, active.Column)
	}

	names := root.ChildrenNamed("name")
	if len(names) != 2 || !names[0].IsList || names[1].Index != 1 {
		t.Fatalf("unexpected names %+v", names)
	}
	given := names[0].ChildrenNamed("given")
	if len(given) != 2 || given[1].Value != "James" || given[1].Index != 1 {
		t.Errorf("unexpected given %+v", given)
	}
	jim := names[1].Child("given")
	if jim.Value != "Jim" || len(jim.ChildrenNamed("extension")) != 1 {
		t.Errorf("companion not merged into given: %+v", jim)
	}

	bd := root.Child("birthDate")
	if bd.Value != "1974-12-25" || len(bd.Extensions("http://hl7.org/fhir/StructureDefinition/patient-birthTime")) != 1 {
		t.Errorf("birthDate companion not merged: %+v", bd)
	}

	mb, suffix := root.ChildWithPrefix("multipleBirth")
	if mb == nil || suffix != "Integer" || mb.Kind != KindNumber || mb.Value != "2" {
		t.Errorf("ChildWithPrefix = %+v, %q", mb, suffix)
	}

	c := root.Child("contained")
	if c == nil || c.Type != "Organization" || c.Special != SpecialContained {
		t.Errorf("unexpected contained %+v", c)
	}
}

func TestParseSpecialMarkers(t *testing.T) {
	src := `{"resourceType":"Bundle","type":"collection","entry":[
		{"fullUrl":"urn:uuid:1","resource":{"resourceType":"Patient"},
		 "response":{"status":"200","outcome":{"resourceType":"OperationOutcome"}}}]}`
	root, _ := mustParse(t, src)
	entry := root.Child("entry")
	if got := entry.Child("resource").Special; got != SpecialBundleEntry {
		t.Errorf("entry.resource special = %v", got)
	}
	if got := entry.Child("response").Child("outcome").Special; got != SpecialBundleOutcome {
		t.Errorf("response.outcome special = %v", got)
	}

	params, _ := mustParse(t, `{"resourceType":"Parameters","parameter":[{"name":"x","resource":{"resourceType":"Patient"}}]}`)
	if got := params.Child("parameter").Child("resource").Special; got != SpecialParameter {
		t.Errorf("parameter.resource special = %v", got)
	}
}

func TestParseShapeIssues(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"null property", `{"resourceType":"Patient","gender":null}`, "null value"},
		{"duplicate key", `{"resourceType":"Patient","id":"a","id":"b"}`, "Duplicated property name: id"},
		{"null array item", `{"resourceType":"Patient","name":[{"given":["a",null]}]}`, "is null and has no extensions"},
		{"nested array", `{"resourceType":"Patient","name":[[]]}`, "Nested arrays"},
		{"companion on object", `{"resourceType":"Patient","text":{"status":"generated"},"_text":{}}`, "only allowed on primitive"},
		{"companion not object", `{"resourceType":"Patient","gender":"male","_gender":"x"}`, "must be an object"},
		{"array length mismatch", `{"resourceType":"Patient","name":[{"given":["a"],"_given":[null,{"id":"x"}]}]}`, "different lengths"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, issues, err := Parse([]byte(tt.src))
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			found := false
			for _, iss := range issues {
				if strings.Contains(iss.Diagnostics, tt.want) {
					found = true
				}
			}
			if !found {
				t.Errorf("expected issue containing %q, got %+v", tt.want, issues)
			}
		})
	}
}

func TestParseErrors(t *testing.T) {
	for _, src := range []string{`{"resourceType":`, `[1,2]`, `{"a":1} {"b":2}`} {
		if _, _, err := Parse([]byte(src)); err == nil {
			t.Errorf("Parse(%q) expected error", src)
		}
	}
}

func TestExtensionOnlyPrimitive(t *testing.T) {
	root, n := mustParse(t, `{"resourceType":"Patient","_gender":{"extension":[{"url":"http://x","valueCode":"u"}]}}`)
	if n != 0 {
		t.Fatalf("unexpected issues: %d", n)
	}
	g := root.Child("gender")
	if g == nil || g.HasValue || !g.IsPrimitive() || len(g.Children) != 1 {
		t.Errorf("unexpected gender node %+v", g)
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	root, _ := mustParse(t, patientJSON)
	out, err := MarshalJSON(root)
	if err != nil {
		t.Fatalf("MarshalJSON() error = %v", err)
	}

	var got, want map[string]any
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatalf("output is not valid JSON: %v\n%s", err, out)
	}
	if err := json.Unmarshal([]byte(patientJSON), &want); err != nil {
		t.Fatal(err)
	}

	for _, key := range []string{"resourceType", "id", "active", "birthDate", "multipleBirthInteger"} {
		if got[key] != want[key] {
			t.Errorf("%s = %v, want %v", key, got[key], want[key])
		}
	}
	if _, ok := got["_birthDate"].(map[string]any); !ok {
		t.Errorf("_birthDate missing from output: %s", out)
	}
	names, _ := got["name"].([]any)
	if len(names) != 2 {
		t.Fatalf("name array = %v", got["name"])
	}
	second, _ := names[1].(map[string]any)
	if g, _ := second["given"].([]any); len(g) != 1 || g[0] != "Jim" {
		t.Errorf("given = %v", second["given"])
	}
	if g, _ := second["_given"].([]any); len(g) != 1 {
		t.Errorf("_given = %v", second["_given"])
	}
	if !strings.HasPrefix(string(out), `{"resourceType":"Patient"`) {
		t.Errorf("resourceType should come first: %s", out)
	}
}

func TestWalk(t *testing.T) {
	root, _ := mustParse(t, patientJSON)
	count := 0
	root.Walk(func(n *Node) bool {
		count++
		return n.Name != "contained"
	})
	if count == 0 {
		t.Fatal("Walk visited nothing")
	}
	sawOrg := false
	root.Walk(func(n *Node) bool {
		if n.Value == "ACME" {
			sawOrg = true
		}
		return n.Name != "contained"
	})
	if sawOrg {
		t.Error("Walk descended into a skipped subtree")
	}
}
