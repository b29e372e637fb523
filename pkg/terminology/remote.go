package terminology

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/buger/jsonparser"
	"github.com/cenkalti/backoff"
	"github.com/cespare/xxhash/v2"
	"github.com/goccy/go-json"
	"golang.org/x/sync/singleflight"

	"github.com/gofhir/conformance/internal/lru"
	"github.com/gofhir/conformance/pkg/issue"
	"github.com/gofhir/conformance/pkg/logger"
	"github.com/gofhir/conformance/pkg/metrics"
	"github.com/gofhir/conformance/pkg/registry"
)

const fhirJSON = "application/fhir+json"

// RemoteService validates codes with a FHIR terminology server's
// $validate-code operations. Identical concurrent requests share one call,
// transport or 5xx failures are retried with exponential backoff, and
// definite answers are kept in an LRU cache.
type RemoteService struct {
	base      string
	client    *http.Client
	tries     uint64
	interval  time.Duration
	cacheSize int

	group   singleflight.Group
	results *lru.Cache[string, Result] // nil when caching is off
	systems sync.Map                   // system -> bool
}

// RemoteOption configures a RemoteService.
type RemoteOption func(*RemoteService)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) RemoteOption {
	return func(s *RemoteService) { s.client = c }
}

// WithMaxTries sets how many times a failing request is attempted.
func WithMaxTries(n uint64) RemoteOption {
	return func(s *RemoteService) {
		if n > 0 {
			s.tries = n
		}
	}
}

// WithRetryInterval sets the first backoff interval.
func WithRetryInterval(d time.Duration) RemoteOption {
	return func(s *RemoteService) { s.interval = d }
}

// WithCacheSize bounds the number of cached answers. Zero turns the cache
// off.
func WithCacheSize(n int) RemoteOption {
	return func(s *RemoteService) { s.cacheSize = n }
}

// NewRemote creates a client for the server at base, e.g.
// "https://tx.fhir.org/r4".
func NewRemote(base string, opts ...RemoteOption) *RemoteService {
	s := &RemoteService{
		base:      strings.TrimRight(base, "/"),
		client:    &http.Client{Timeout: 30 * time.Second},
		tries:     3,
		interval:  200 * time.Millisecond,
		cacheSize: 4096,
	}
	for _, o := range opts {
		o(s)
	}
	if s.cacheSize > 0 {
		s.results = lru.New[string, Result](s.cacheSize)
	}
	return s
}

// HasServer implements Service.
func (s *RemoteService) HasServer() bool { return true }

// SupportsSystem implements Service. A system is supported when the server
// holds a CodeSystem with that url.
func (s *RemoteService) SupportsSystem(ctx context.Context, system string) bool {
	if v, ok := s.systems.Load(system); ok {
		return v.(bool)
	}
	target := s.base + "/CodeSystem?_summary=count&url=" + url.QueryEscape(system)
	body, status, err := s.send(ctx, http.MethodGet, target, nil)
	if err != nil {
		logger.Debug("terminology: checking support for %s: %v", system, err)
		return false
	}
	total, _ := jsonparser.GetInt(body, "total")
	supported := status == http.StatusOK && total > 0
	s.systems.Store(system, supported)
	return supported
}

// ValidateCode implements Service.
func (s *RemoteService) ValidateCode(ctx context.Context, opts Options, in CodeInput, vs *registry.Canonical) Result {
	endpoint := "/CodeSystem/$validate-code"
	if vs != nil {
		endpoint = "/ValueSet/$validate-code"
	}
	payload, err := json.Marshal(validateParameters(opts, in, vs))
	if err != nil {
		return failed(ErrorClassUnknown, "Unable to encode the request: %v", err)
	}

	key := endpoint + ":" + strconv.FormatUint(xxhash.Sum64(payload), 16)
	if s.results != nil {
		if r, ok := s.results.Get(key); ok {
			metrics.RecordTerminology("remote", "cached")
			return r
		}
	}
	v, _, _ := s.group.Do(key, func() (any, error) {
		return s.validate(ctx, endpoint, payload, vs), nil
	})
	r := v.(Result)
	if s.results != nil && !r.ErrorClass.IsInfrastructure() {
		s.results.Add(key, r)
	}

	outcome := "valid"
	switch {
	case !r.OK && r.ErrorClass.IsInfrastructure():
		outcome = "unchecked"
	case !r.OK:
		outcome = "invalid"
	}
	metrics.RecordTerminology("remote", outcome)
	return r
}

func (s *RemoteService) validate(ctx context.Context, endpoint string, payload []byte, vs *registry.Canonical) Result {
	target := s.base + endpoint
	body, status, err := s.send(ctx, http.MethodPost, target, payload)
	if err != nil {
		r := failed(ErrorClassServer, "Error from the terminology server: %v", err)
		r.Link = target
		return r
	}
	if status >= 400 {
		class := ErrorClassServer
		if status == http.StatusNotFound || status == http.StatusUnprocessableEntity {
			class = ErrorClassCodeSystemUnsupported
			if vs != nil {
				class = ErrorClassValueSetUnsupported
			}
		}
		r := failed(class, "The terminology server returned %d: %s", status, outcomeText(body))
		r.Link = target
		return r
	}
	return parseValidateResult(body, target)
}

// send performs one request, retrying transport failures and 5xx answers.
func (s *RemoteService) send(ctx context.Context, method, target string, payload []byte) ([]byte, int, error) {
	var body []byte
	var status int
	op := func() error {
		var rd io.Reader
		if payload != nil {
			rd = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, rd)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Accept", fhirJSON)
		if payload != nil {
			req.Header.Set("Content-Type", fhirJSON)
		}
		resp, err := s.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		defer resp.Body.Close()
		if body, err = io.ReadAll(resp.Body); err != nil {
			return err
		}
		if resp.StatusCode >= 500 {
			logger.Debug("terminology: %s %s returned %d", method, target, resp.StatusCode)
			return fmt.Errorf("%s %s: status %d", method, target, resp.StatusCode)
		}
		status = resp.StatusCode
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.interval
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, s.tries-1), ctx))
	return body, status, err
}

type wireCoding struct {
	System  string `json:"system,omitempty"`
	Version string `json:"version,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

type wireConcept struct {
	Coding []wireCoding `json:"coding"`
}

type parameter struct {
	Name                 string       `json:"name"`
	ValueURI             string       `json:"valueUri,omitempty"`
	ValueString          string       `json:"valueString,omitempty"`
	ValueCode            string       `json:"valueCode,omitempty"`
	ValueCoding          *wireCoding  `json:"valueCoding,omitempty"`
	ValueCodeableConcept *wireConcept `json:"valueCodeableConcept,omitempty"`
}

type parameters struct {
	ResourceType string      `json:"resourceType"`
	Parameter    []parameter `json:"parameter"`
}

func validateParameters(opts Options, in CodeInput, vs *registry.Canonical) parameters {
	p := parameters{ResourceType: "Parameters"}
	if vs != nil {
		p.Parameter = append(p.Parameter, parameter{Name: "url", ValueURI: vs.URL})
		if vs.Version != "" {
			p.Parameter = append(p.Parameter, parameter{Name: "valueSetVersion", ValueString: vs.Version})
		}
	}
	switch in.Kind {
	case InputCode:
		p.Parameter = append(p.Parameter, parameter{Name: "code", ValueCode: in.Code})
	case InputCoding:
		c := toWire(in.Codings[0])
		p.Parameter = append(p.Parameter, parameter{Name: "coding", ValueCoding: &c})
	case InputConcept:
		cc := &wireConcept{}
		for _, c := range in.Codings {
			cc.Coding = append(cc.Coding, toWire(c))
		}
		p.Parameter = append(p.Parameter, parameter{Name: "codeableConcept", ValueCodeableConcept: cc})
	}
	if opts.Language != "" {
		p.Parameter = append(p.Parameter, parameter{Name: "displayLanguage", ValueCode: opts.Language})
	}
	return p
}

func toWire(c Coding) wireCoding {
	return wireCoding{System: c.System, Version: c.Version, Code: c.Code, Display: c.Display}
}

// parseValidateResult reads the result, message and display parameters of
// a $validate-code response.
func parseValidateResult(body []byte, link string) Result {
	r := Result{Link: link}
	found := false
	_, err := jsonparser.ArrayEach(body, func(p []byte, _ jsonparser.ValueType, _ int, _ error) {
		name, _ := jsonparser.GetString(p, "name")
		switch name {
		case "result":
			r.OK, _ = jsonparser.GetBoolean(p, "valueBoolean")
			found = true
		case "message":
			r.Message, _ = jsonparser.GetString(p, "valueString")
		case "display":
			r.Display, _ = jsonparser.GetString(p, "valueString")
		}
	}, "parameter")
	if err != nil || !found {
		return Result{Link: link, Severity: issue.SeverityError, ErrorClass: ErrorClassServer,
			Message: "The terminology server returned an unreadable $validate-code response"}
	}
	switch {
	case !r.OK:
		r.Severity = issue.SeverityError
	case r.Message != "":
		r.Severity = issue.SeverityWarning
	}
	return r
}

// outcomeText joins the diagnostics of an OperationOutcome body.
func outcomeText(body []byte) string {
	var parts []string
	_, _ = jsonparser.ArrayEach(body, func(v []byte, _ jsonparser.ValueType, _ int, _ error) {
		if d, err := jsonparser.GetString(v, "diagnostics"); err == nil {
			parts = append(parts, d)
		} else if d, err := jsonparser.GetString(v, "details", "text"); err == nil {
			parts = append(parts, d)
		}
	}, "issue")
	if len(parts) == 0 {
		return "no details"
	}
	return strings.Join(parts, "; ")
}
