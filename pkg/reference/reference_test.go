package reference

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/gofhir/conformance/internal/fhirtest"
	"github.com/gofhir/conformance/pkg/element"
	"github.com/gofhir/conformance/pkg/issue"
	"github.com/gofhir/conformance/pkg/registry"
	"github.com/gofhir/conformance/pkg/walker"
)

const (
	profileA = "http://example.org/fhir/StructureDefinition/PatientA"
	profileB = "http://example.org/fhir/StructureDefinition/PatientB"
)

func patientProfile(url string) *registry.StructureDefinition {
	sd := fhirtest.SD(url[strings.LastIndex(url, "/")+1:], registry.KindResource, "Patient",
		fhirtest.El("Patient", 0, "*"))
	sd.URL = url
	sd.Type = "Patient"
	sd.Derivation = "constraint"
	return sd
}

func parse(t *testing.T, src string) *element.Node {
	t.Helper()
	root, _, err := element.Parse([]byte(src))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return root
}

// stackTo pushes frames for steps such as "entry[1]" or "subject".
func stackTo(t *testing.T, root *element.Node, steps ...string) *walker.Stack {
	t.Helper()
	s := walker.NewStack(root, "")
	for _, step := range steps {
		name, idx := step, 0
		if i := strings.IndexByte(step, '['); i > 0 {
			name = step[:i]
			idx, _ = strconv.Atoi(step[i+1 : len(step)-1])
		}
		kids := s.Node.ChildrenNamed(name)
		if idx >= len(kids) {
			t.Fatalf("no %s in %s", step, s.LiteralPath)
		}
		s = s.Push(kids[idx], nil, nil)
	}
	return s
}

type call struct {
	path, profile string
}

// recorder is a TargetValidator that fails the profiles in failing.
type recorder struct {
	failing map[string]bool
	calls   []call
	// kept lists the profiles whose outcome was kept.
	kept []string
}

func (r *recorder) validate(_ context.Context, target *element.Node, path, profile string, result *issue.Result) (func(), error) {
	r.calls = append(r.calls, call{path, profile})
	if r.failing[profile] {
		result.Rule(false, issue.CodeInvariant, target.Pos(), path, "does not conform to %s", profile)
	}
	return func() { r.kept = append(r.kept, profile) }, nil
}

// downFetcher fails every fetch the way an unreachable server does.
type downFetcher struct{}

func (downFetcher) Policy(context.Context, string, string) Policy { return PolicyCheckExists }

func (downFetcher) Fetch(context.Context, string) (*element.Node, error) {
	return nil, errors.New("dial tcp 10.0.0.1:443: connect: connection refused")
}

func TestCheck(t *testing.T) {
	reg := fhirtest.NewRegistry(patientProfile(profileA), patientProfile(profileB))

	subject := fhirtest.El("Observation.subject", 0, "1", "Reference|Patient")
	anything := fhirtest.El("Observation.subject", 0, "1", "Reference")
	containedOnly := subject
	containedOnly.Type = []registry.Type{{Code: "Reference", TargetProfile: subject.Type[0].TargetProfile, Aggregation: []string{"contained"}}}
	bundledOnly := subject
	bundledOnly.Type = []registry.Type{{Code: "Reference", TargetProfile: subject.Type[0].TargetProfile, Aggregation: []string{"bundled"}}}
	twoProfiles := fhirtest.El("Observation.subject", 0, "1", "Reference|"+profileA+"|"+profileB)

	containedObservation := `{"resourceType": "Observation",
		"contained": [{"resourceType": "Observation", "id": "o1", "status": "final"}],
		"subject": {"reference": "#o1"}}`
	containedPatient := `{"resourceType": "Observation",
		"contained": [{"resourceType": "Patient", "id": "p1"}],
		"subject": {"reference": "#p1"}}`
	organization := parse(t, `{"resourceType": "Organization", "id": "1"}`)

	tests := []struct {
		name       string
		src        string
		definition registry.ElementDefinition
		fetcher    Fetcher
		failing    []string
		want       []string
		severities []issue.Severity
		kind       Kind
		targetPath string
		calls      int
		kept       []string
	}{
		{
			name:       "contained target of the wrong type",
			src:        containedObservation,
			definition: subject,
			want:       []string{"Invalid Resource target type. Found Observation, but expected one of (Patient)"},
			severities: []issue.Severity{issue.SeverityError},
			kind:       KindContained,
			targetPath: "Observation.contained[0]",
		},
		{
			name:       "contained target is validated",
			src:        containedPatient,
			definition: subject,
			kind:       KindContained,
			targetPath: "Observation.contained[0]",
			calls:      1,
			kept:       []string{registry.CoreURL + "Patient"},
		},
		{
			name:       "any resource type",
			src:        containedObservation,
			definition: anything,
			kind:       KindContained,
			targetPath: "Observation.contained[0]",
		},
		{
			name:       "missing contained resource",
			src:        `{"resourceType": "Observation", "subject": {"reference": "#nope"}}`,
			definition: subject,
			want:       []string{"Unable to resolve resource '#nope'"},
			severities: []issue.Severity{issue.SeverityError},
			kind:       KindContained,
		},
		{
			name:       "remote reference without fetcher",
			src:        `{"resourceType": "Observation", "subject": {"reference": "Patient/123"}}`,
			definition: subject,
		},
		{
			name:       "remote reference that must exist",
			src:        `{"resourceType": "Observation", "subject": {"reference": "Patient/123"}}`,
			definition: subject,
			fetcher:    &StaticFetcher{Default: PolicyCheckExists},
			want:       []string{"Unable to resolve resource 'Patient/123'"},
			severities: []issue.Severity{issue.SeverityError},
		},
		{
			name:       "remote reference while the server is down",
			src:        `{"resourceType": "Observation", "subject": {"reference": "Patient/123"}}`,
			definition: subject,
			fetcher:    downFetcher{},
			want:       []string{"Unable to check resource 'Patient/123': the reference server failed (dial tcp"},
			severities: []issue.Severity{issue.SeverityWarning},
		},
		{
			name:       "remote reference checked only if it exists",
			src:        `{"resourceType": "Observation", "subject": {"reference": "Patient/123"}}`,
			definition: subject,
			fetcher:    &StaticFetcher{Default: PolicyCheckTypeIfExists},
		},
		{
			name:       "fetched remote target of the wrong type",
			src:        `{"resourceType": "Observation", "subject": {"reference": "Organization/1"}}`,
			definition: subject,
			fetcher: &StaticFetcher{
				Default:   PolicyCheckExistsAndType,
				Resources: map[string]*element.Node{"Organization/1": organization},
			},
			want:       []string{"Invalid Resource target type. Found Organization"},
			severities: []issue.Severity{issue.SeverityError},
			targetPath: "Organization/1",
		},
		{
			name:       "declared type is not a target",
			src:        `{"resourceType": "Observation", "subject": {"reference": "Patient/1", "type": "Organization"}}`,
			definition: subject,
			want: []string{
				"The type 'Organization' is not a valid Target for this element",
				"The specified type 'Organization' does not match the found type 'Patient'",
			},
			severities: []issue.Severity{issue.SeverityError, issue.SeverityError},
		},
		{
			name:       "contained aggregation without a local target",
			src:        `{"resourceType": "Observation", "subject": {"reference": "Patient/1"}}`,
			definition: containedOnly,
			want:       []string{"Bundled or contained reference not found within the bundle/resource Patient/1"},
			severities: []issue.Severity{issue.SeverityError},
		},
		{
			name:       "aggregation mode mismatch",
			src:        containedPatient,
			definition: bundledOnly,
			want:       []string{"Reference is contained which isn't supported"},
			severities: []issue.Severity{issue.SeverityError},
			kind:       KindContained,
			targetPath: "Observation.contained[0]",
			calls:      1,
			kept:       []string{registry.CoreURL + "Patient"},
		},
		{
			name:       "one matching profile",
			src:        containedPatient,
			definition: twoProfiles,
			failing:    []string{profileA},
			kind:       KindContained,
			targetPath: "Observation.contained[0]",
			calls:      2,
			kept:       []string{profileB},
		},
		{
			name:       "no matching profile",
			src:        containedPatient,
			definition: twoProfiles,
			failing:    []string{profileA, profileB},
			want: []string{
				"Unable to find matching profile among choices",
				"does not conform to " + profileA,
				"does not conform to " + profileB,
			},
			severities: []issue.Severity{issue.SeverityError, issue.SeverityError, issue.SeverityError},
			kind:       KindContained,
			targetPath: "Observation.contained[0]",
			calls:      2,
			kept:       []string{profileA, profileB},
		},
		{
			name:       "several matching profiles",
			src:        containedPatient,
			definition: twoProfiles,
			want:       []string{"Found multiple matching profiles among choices"},
			severities: []issue.Severity{issue.SeverityWarning},
			kind:       KindContained,
			targetPath: "Observation.contained[0]",
			calls:      2,
			kept:       []string{profileA},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := parse(t, tt.src)
			rec := &recorder{failing: map[string]bool{}}
			for _, p := range tt.failing {
				rec.failing[p] = true
			}
			def := tt.definition
			result := issue.NewResult()
			out, err := New(reg, tt.fetcher).Check(context.Background(), Request{
				Stack:      stackTo(t, root, "subject"),
				Definition: &def,
				Validate:   rec.validate,
			}, result)
			if err != nil {
				t.Fatalf("Check: %v", err)
			}
			if result.Len() != len(tt.want) {
				t.Fatalf("got %d issues, want %d: %v", result.Len(), len(tt.want), result.Issues)
			}
			for i, w := range tt.want {
				if !strings.Contains(result.Issues[i].Diagnostics, w) {
					t.Errorf("issue %d = %q, want containing %q", i, result.Issues[i].Diagnostics, w)
				}
				if result.Issues[i].Severity != tt.severities[i] {
					t.Errorf("issue %d severity = %s, want %s", i, result.Issues[i].Severity, tt.severities[i])
				}
			}
			if out.Kind != tt.kind {
				t.Errorf("kind = %s, want %s", out.Kind, tt.kind)
			}
			if out.TargetPath != tt.targetPath {
				t.Errorf("target path = %q, want %q", out.TargetPath, tt.targetPath)
			}
			if len(rec.calls) != tt.calls {
				t.Errorf("validator called %d times, want %d: %v", len(rec.calls), tt.calls, rec.calls)
			}
			if diff := cmp.Diff(tt.kept, rec.kept); diff != "" {
				t.Errorf("kept outcomes mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCheckWithoutReference(t *testing.T) {
	reg := fhirtest.NewRegistry()
	tests := []struct {
		name  string
		src   string
		warns int
	}{
		{"empty", `{"resourceType": "Observation", "subject": {"id": "x"}}`, 1},
		{"display", `{"resourceType": "Observation", "subject": {"display": "Peter"}}`, 0},
		{"identifier", `{"resourceType": "Observation", "subject": {"identifier": {"value": "1"}}}`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := issue.NewResult()
			out, err := New(reg, nil).Check(context.Background(), Request{Stack: stackTo(t, parse(t, tt.src), "subject")}, result)
			if err != nil || out != nil {
				t.Fatalf("Check = %v, %v; want nil, nil", out, err)
			}
			if result.WarningCount() != tt.warns || result.Len() != tt.warns {
				t.Errorf("issues = %v, want %d warnings", result.Issues, tt.warns)
			}
		})
	}
}

func TestCheckInBundle(t *testing.T) {
	reg := fhirtest.NewRegistry()
	subject := fhirtest.El("Observation.subject", 0, "1", "Reference|Patient")

	bundle := func(subjectRef, patientURL string) string {
		return `{"resourceType": "Bundle", "type": "collection", "entry": [
			{"fullUrl": "http://x.org/fhir/Observation/1",
			 "resource": {"resourceType": "Observation", "status": "final", "subject": {"reference": "` + subjectRef + `"}}},
			{"fullUrl": "` + patientURL + `",
			 "resource": {"resourceType": "Patient", "id": "2"}}]}`
	}

	tests := []struct {
		name       string
		src        string
		want       []string
		severities []issue.Severity
		kind       Kind
		targetPath string
	}{
		{
			name:       "relative reference",
			src:        bundle("Patient/2", "http://x.org/fhir/Patient/2"),
			kind:       KindBundled,
			targetPath: "Bundle.entry[1].resource",
		},
		{
			name:       "absolute reference",
			src:        bundle("http://x.org/fhir/Patient/2", "http://x.org/fhir/Patient/2"),
			kind:       KindBundled,
			targetPath: "Bundle.entry[1].resource",
		},
		{
			name: "relative reference on another server",
			src:  bundle("Patient/2", "http://y.org/fhir/Patient/2"),
			kind: KindRemote,
		},
		{
			name:       "urn not in bundle",
			src:        bundle("urn:uuid:0c3151bd-1cbf-4d64-b04d-cd9187a4c6e0", "http://x.org/fhir/Patient/2"),
			want:       []string{"URN reference is not locally contained within the bundle"},
			severities: []issue.Severity{issue.SeverityWarning},
			kind:       KindRemote,
		},
		{
			name: "missing fullUrl",
			src: `{"resourceType": "Bundle", "type": "collection", "entry": [
				{"resource": {"resourceType": "Observation", "subject": {"reference": "Patient/2"}}}]}`,
			want:       []string{"Relative Reference appears inside Bundle whose entry is missing a fullUrl"},
			severities: []issue.Severity{issue.SeverityError},
			kind:       KindRemote,
		},
		{
			name: "multiple matches",
			src: `{"resourceType": "Bundle", "type": "collection", "entry": [
				{"fullUrl": "http://x.org/fhir/Observation/1",
				 "resource": {"resourceType": "Observation", "subject": {"reference": "Patient/2"}}},
				{"fullUrl": "http://x.org/fhir/Patient/2", "resource": {"resourceType": "Patient", "id": "2"}},
				{"fullUrl": "http://x.org/fhir/Patient/2", "resource": {"resourceType": "Patient", "id": "2"}}]}`,
			want:       []string{"Multiple matches in bundle for reference Patient/2"},
			severities: []issue.Severity{issue.SeverityError},
			kind:       KindBundled,
			targetPath: "Bundle.entry[1].resource",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := subject
			result := issue.NewResult()
			out, err := New(reg, nil).Check(context.Background(), Request{
				Stack:      stackTo(t, parse(t, tt.src), "entry[0]", "resource", "subject"),
				Definition: &def,
			}, result)
			if err != nil {
				t.Fatalf("Check: %v", err)
			}
			if result.Len() != len(tt.want) {
				t.Fatalf("got %d issues, want %d: %v", result.Len(), len(tt.want), result.Issues)
			}
			for i, w := range tt.want {
				if !strings.Contains(result.Issues[i].Diagnostics, w) {
					t.Errorf("issue %d = %q, want containing %q", i, result.Issues[i].Diagnostics, w)
				}
				if result.Issues[i].Severity != tt.severities[i] {
					t.Errorf("issue %d severity = %s, want %s", i, result.Issues[i].Severity, tt.severities[i])
				}
			}
			if out.Kind != tt.kind || out.TargetPath != tt.targetPath {
				t.Errorf("outcome = %s %q, want %s %q", out.Kind, out.TargetPath, tt.kind, tt.targetPath)
			}
		})
	}
}

func TestFindInBundleVersioned(t *testing.T) {
	bundle := parse(t, `{"resourceType": "Bundle", "type": "collection", "entry": [
		{"fullUrl": "http://x.org/fhir/Patient/2", "resource": {"resourceType": "Patient", "id": "2", "meta": {"versionId": "1"}}},
		{"fullUrl": "http://x.org/fhir/Patient/2", "resource": {"resourceType": "Patient", "id": "2", "meta": {"versionId": "2"}}},
		{"fullUrl": "http://x.org/fhir/Patient/3", "resource": {"resourceType": "Patient", "id": "3"}}]}`)
	tests := []struct {
		ref      string
		idx      int
		warnings int
	}{
		{"Patient/2/_history/2", 1, 0},
		{"http://x.org/fhir/Patient/2/_history/1", 0, 0},
		{"Patient/2/_history/3", -1, 0},
		{"Patient/3/_history/1", -1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			result := issue.NewResult()
			_, idx := FindInBundle(bundle, tt.ref, "http://x.org/fhir/Observation/1", "Bundle.entry[0]", issue.Location{}, result)
			if idx != tt.idx {
				t.Errorf("index = %d, want %d", idx, tt.idx)
			}
			if result.WarningCount() != tt.warnings || result.ErrorCount() != 0 {
				t.Errorf("issues = %v", result.Issues)
			}
		})
	}
}

func TestResolveBase(t *testing.T) {
	tests := []struct {
		fullURL, want string
	}{
		{"http://x.org/fhir/Observation/1", "http://x.org/fhir/Patient/2"},
		{"urn:uuid:0c3151bd-1cbf-4d64-b04d-cd9187a4c6e0", "urn:uuid:2"},
		{"Observation", "Patient/2"},
	}
	for _, tt := range tests {
		if got := resolveBase(tt.fullURL, "Patient", "2"); got != tt.want {
			t.Errorf("resolveBase(%q) = %q, want %q", tt.fullURL, got, tt.want)
		}
	}
}

func TestParsePolicy(t *testing.T) {
	for _, p := range []Policy{PolicyIgnore, PolicyCheckTypeIfExists, PolicyCheckExists, PolicyCheckExistsAndType, PolicyCheckValid} {
		got, err := ParsePolicy(p.String())
		if err != nil || got != p {
			t.Errorf("ParsePolicy(%q) = %v, %v", p.String(), got, err)
		}
	}
	if _, err := ParsePolicy("maybe"); err == nil {
		t.Error("expected error for unknown policy")
	}
}
