package reference

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/gofhir/conformance/pkg/element"
	"github.com/gofhir/conformance/pkg/logger"
)

// HTTPFetcher reads referenced resources from a FHIR REST server. Relative
// references are resolved against the base; absolute ones are fetched only
// when they point below it.
type HTTPFetcher struct {
	base   string
	policy Policy
	client *http.Client
	tries  uint64
}

// HTTPOption configures an HTTPFetcher.
type HTTPOption func(*HTTPFetcher)

// WithClient sets the HTTP client.
func WithClient(c *http.Client) HTTPOption {
	return func(f *HTTPFetcher) { f.client = c }
}

// WithTries sets how many times a request is attempted.
func WithTries(n uint64) HTTPOption {
	return func(f *HTTPFetcher) {
		if n > 0 {
			f.tries = n
		}
	}
}

// NewHTTPFetcher creates a fetcher for the server at base, applying policy
// to every remote reference.
func NewHTTPFetcher(base string, policy Policy, opts ...HTTPOption) *HTTPFetcher {
	f := &HTTPFetcher{
		base:   strings.TrimRight(base, "/"),
		policy: policy,
		client: &http.Client{Timeout: 30 * time.Second},
		tries:  3,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Policy implements Fetcher.
func (f *HTTPFetcher) Policy(context.Context, string, string) Policy { return f.policy }

// Fetch implements Fetcher. A 404 or 410 answer means the resource does not
// exist.
func (f *HTTPFetcher) Fetch(ctx context.Context, ref string) (*element.Node, error) {
	target, ok := f.target(ref)
	if !ok {
		return nil, nil
	}

	var body []byte
	var status int
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/fhir+json")
		resp, err := f.client.Do(req)
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
			return fmt.Errorf("GET %s: status %d", target, resp.StatusCode)
		}
		status = resp.StatusCode
		return nil
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, f.tries-1), ctx)); err != nil {
		return nil, err
	}

	switch {
	case status == http.StatusNotFound || status == http.StatusGone:
		return nil, nil
	case status >= 400:
		return nil, fmt.Errorf("GET %s: status %d", target, status)
	}
	n, _, err := element.Parse(body)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", target, err)
	}
	logger.Debug("reference: fetched %s (%s)", ref, n.Type)
	return n, nil
}

func (f *HTTPFetcher) target(ref string) (string, bool) {
	if i := strings.IndexByte(ref, '#'); i >= 0 {
		ref = ref[:i]
	}
	switch {
	case ref == "":
		return "", false
	case strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://"):
		return ref, strings.HasPrefix(ref, f.base+"/")
	case strings.HasPrefix(ref, "urn:"):
		return "", false
	}
	return f.base + "/" + ref, true
}
