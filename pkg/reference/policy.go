package reference

import (
	"context"
	"fmt"

	"github.com/gofhir/conformance/pkg/element"
)

// Policy says how far the target of a reference is checked.
type Policy int

// Resolution policies, least to most thorough.
const (
	PolicyIgnore Policy = iota
	PolicyCheckTypeIfExists
	PolicyCheckExists
	PolicyCheckExistsAndType
	PolicyCheckValid
)

func (p Policy) String() string {
	switch p {
	case PolicyIgnore:
		return "ignore"
	case PolicyCheckTypeIfExists:
		return "check-type-if-exists"
	case PolicyCheckExists:
		return "check-exists"
	case PolicyCheckExistsAndType:
		return "check-type"
	case PolicyCheckValid:
		return "check-valid"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ParsePolicy maps a configuration name to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "ignore":
		return PolicyIgnore, nil
	case "check-type-if-exists":
		return PolicyCheckTypeIfExists, nil
	case "check-exists":
		return PolicyCheckExists, nil
	case "check-type":
		return PolicyCheckExistsAndType, nil
	case "check-valid":
		return PolicyCheckValid, nil
	default:
		return PolicyIgnore, fmt.Errorf("unknown reference policy %q", s)
	}
}

func (p Policy) checkExists() bool {
	switch p {
	case PolicyCheckTypeIfExists, PolicyCheckExists, PolicyCheckExistsAndType, PolicyCheckValid:
		return true
	case PolicyIgnore:
		return false
	}
	return false
}

func (p Policy) checkType() bool {
	switch p {
	case PolicyCheckTypeIfExists, PolicyCheckExistsAndType, PolicyCheckValid:
		return true
	case PolicyIgnore, PolicyCheckExists:
		return false
	}
	return false
}

func (p Policy) checkValid() bool { return p == PolicyCheckValid }

// Fetcher resolves references that point outside the validated instance.
type Fetcher interface {
	// Policy chooses how the reference at path to url is checked.
	Policy(ctx context.Context, path, url string) Policy
	// Fetch returns the referenced resource, or nil when it does not exist.
	Fetch(ctx context.Context, url string) (*element.Node, error)
}

// StaticFetcher applies one policy to every remote reference and serves
// resources from an in-memory map keyed by reference.
type StaticFetcher struct {
	Default   Policy
	Resources map[string]*element.Node
}

// Policy implements Fetcher.
func (f *StaticFetcher) Policy(context.Context, string, string) Policy { return f.Default }

// Fetch implements Fetcher.
func (f *StaticFetcher) Fetch(_ context.Context, url string) (*element.Node, error) {
	return f.Resources[url], nil
}

// Kind classifies where a reference target lives.
type Kind int

// Reference kinds.
const (
	KindRemote Kind = iota
	KindContained
	KindBundled
)

func (k Kind) String() string {
	switch k {
	case KindContained:
		return "contained"
	case KindBundled:
		return "bundled"
	case KindRemote:
		return "remote"
	}
	return "unknown"
}
