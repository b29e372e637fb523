package reference

import (
	"context"
	"net/http"
	"testing"

	"github.com/h2non/gock"

	"github.com/gofhir/conformance/pkg/element"
)

const fhirBase = "http://fhir.example.org/r4"

func newHTTPFetcher(t *testing.T, policy Policy) *HTTPFetcher {
	t.Helper()
	client := &http.Client{}
	gock.InterceptClient(client)
	t.Cleanup(func() {
		gock.Off()
		gock.RestoreClient(client)
	})
	return NewHTTPFetcher(fhirBase+"/", policy, WithClient(client), WithTries(2))
}

func TestHTTPFetcher(t *testing.T) {
	ctx := context.Background()

	t.Run("relative", func(t *testing.T) {
		f := newHTTPFetcher(t, PolicyCheckValid)
		gock.New(fhirBase).Get("/Patient/123").
			MatchHeader("Accept", "application/fhir\\+json").
			Reply(200).JSON(map[string]any{"resourceType": "Patient", "id": "123"})

		n, err := f.Fetch(ctx, "Patient/123")
		if err != nil {
			t.Fatalf("Fetch() error: %v", err)
		}
		if n == nil || n.Type != "Patient" {
			t.Fatalf("Fetch() = %v, want a Patient", n)
		}
		if f.Policy(ctx, "Observation.subject", "Patient/123") != PolicyCheckValid {
			t.Error("Policy() is not the configured policy")
		}
	})

	t.Run("absolute below base", func(t *testing.T) {
		f := newHTTPFetcher(t, PolicyCheckExists)
		gock.New(fhirBase).Get("/Organization/1").
			Reply(200).JSON(map[string]any{"resourceType": "Organization", "id": "1"})

		n, err := f.Fetch(ctx, fhirBase+"/Organization/1")
		if err != nil || n == nil {
			t.Fatalf("Fetch() = %v, %v", n, err)
		}
	})

	t.Run("not found", func(t *testing.T) {
		f := newHTTPFetcher(t, PolicyCheckExists)
		gock.New(fhirBase).Get("/Patient/404").Reply(404)

		n, err := f.Fetch(ctx, "Patient/404")
		if n != nil || err != nil {
			t.Errorf("Fetch() = %v, %v; want nil, nil", n, err)
		}
	})

	t.Run("retries server errors", func(t *testing.T) {
		f := newHTTPFetcher(t, PolicyCheckExists)
		gock.New(fhirBase).Get("/Patient/1").Reply(503)
		gock.New(fhirBase).Get("/Patient/1").
			Reply(200).JSON(map[string]any{"resourceType": "Patient", "id": "1"})

		n, err := f.Fetch(ctx, "Patient/1")
		if err != nil || n == nil {
			t.Fatalf("Fetch() = %v, %v", n, err)
		}
	})

	t.Run("client error", func(t *testing.T) {
		f := newHTTPFetcher(t, PolicyCheckExists)
		gock.New(fhirBase).Get("/Patient/1").Reply(403)

		if _, err := f.Fetch(ctx, "Patient/1"); err == nil {
			t.Error("Fetch() error = nil for 403")
		}
	})

	t.Run("not json", func(t *testing.T) {
		f := newHTTPFetcher(t, PolicyCheckExists)
		gock.New(fhirBase).Get("/Patient/1").Reply(200).BodyString("<html/>")

		if _, err := f.Fetch(ctx, "Patient/1"); err == nil {
			t.Error("Fetch() error = nil for a non-JSON body")
		}
	})

	t.Run("outside base", func(t *testing.T) {
		f := newHTTPFetcher(t, PolicyCheckExists)
		for _, ref := range []string{"http://other.example.org/Patient/1", "urn:uuid:9a8b7c6d-5e4f-4a3b-8c2d-1e0f9a8b7c6d", ""} {
			n, err := f.Fetch(ctx, ref)
			if n != nil || err != nil {
				t.Errorf("Fetch(%q) = %v, %v; want nil, nil", ref, n, err)
			}
		}
	})
}

func TestChainFetcher(t *testing.T) {
	ctx := context.Background()
	patient, _, err := element.Parse([]byte(`{"resourceType": "Patient", "id": "1"}`))
	if err != nil {
		t.Fatal(err)
	}
	org, _, err := element.Parse([]byte(`{"resourceType": "Organization", "id": "1"}`))
	if err != nil {
		t.Fatal(err)
	}

	chain := ChainFetcher{
		&StaticFetcher{Default: PolicyCheckExists, Resources: map[string]*element.Node{"Patient/1": patient}},
		&StaticFetcher{Default: PolicyCheckValid, Resources: map[string]*element.Node{"Patient/1": org, "Organization/1": org}},
	}

	if got := chain.Policy(ctx, "Observation.subject", "Patient/1"); got != PolicyCheckValid {
		t.Errorf("Policy() = %v, want %v", got, PolicyCheckValid)
	}
	if n, _ := chain.Fetch(ctx, "Patient/1"); n != patient {
		t.Error("Fetch(Patient/1) did not return the first member's resource")
	}
	if n, _ := chain.Fetch(ctx, "Organization/1"); n != org {
		t.Error("Fetch(Organization/1) did not fall through to the second member")
	}
	if n, err := chain.Fetch(ctx, "Practitioner/1"); n != nil || err != nil {
		t.Errorf("Fetch(Practitioner/1) = %v, %v; want nil, nil", n, err)
	}
	if got := (ChainFetcher{}).Policy(ctx, "", ""); got != PolicyIgnore {
		t.Errorf("empty chain Policy() = %v, want ignore", got)
	}
}
