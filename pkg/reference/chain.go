package reference

import (
	"context"
	"errors"

	"github.com/gofhir/conformance/pkg/element"
)

// ChainFetcher asks each fetcher in turn. The policy is the most thorough
// any member asks for; Fetch returns the first resource found.
type ChainFetcher []Fetcher

// Policy implements Fetcher.
func (c ChainFetcher) Policy(ctx context.Context, path, url string) Policy {
	p := PolicyIgnore
	for _, f := range c {
		if fp := f.Policy(ctx, path, url); fp > p {
			p = fp
		}
	}
	return p
}

// Fetch implements Fetcher. Errors from members that found nothing are
// joined and returned only when no member has the resource.
func (c ChainFetcher) Fetch(ctx context.Context, url string) (*element.Node, error) {
	var errs []error
	for _, f := range c {
		n, err := f.Fetch(ctx, url)
		if n != nil {
			return n, nil
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return nil, errors.Join(errs...)
}
