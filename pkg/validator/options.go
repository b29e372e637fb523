package validator

import (
	"github.com/gofhir/conformance/pkg/constraint"
	"github.com/gofhir/conformance/pkg/extension"
	"github.com/gofhir/conformance/pkg/metrics"
	"github.com/gofhir/conformance/pkg/reference"
	"github.com/gofhir/conformance/pkg/registry"
	"github.com/gofhir/conformance/pkg/terminology"
)

// PackageSpec represents an additional FHIR package to load.
type PackageSpec struct {
	Name    string
	Version string
}

// Config holds the validator configuration.
type Config struct {
	FHIRVersion          string        // e.g., "4.0.1", "4.3.0", "5.0.0"
	Profiles             []string      // Profiles every validation also checks the root resource against
	StrictMode           bool          // Treat warnings as errors
	PackagePath          string        // Path to FHIR package cache
	AdditionalPackages   []PackageSpec // Additional packages to load (e.g., US Core)
	PackageTgzPaths      []string      // Paths to local .tgz package files
	PackageURLs          []string      // URLs to remote .tgz package files
	PackageData          [][]byte      // In-memory .tgz package bytes
	ConformanceResources [][]byte      // Individual conformance resource JSON bytes

	// Registry replaces package loading with a prepared profile store.
	Registry *registry.Registry

	TerminologyServer string              // Base URL of a FHIR terminology server
	Terminology       terminology.Service // Overrides TerminologyServer
	Fetcher           reference.Fetcher   // Resolves references outside the instance

	Extensions   extension.Policy
	BestPractice constraint.BestPracticeLevel

	NoTerminologyChecks   bool
	NoExtensibleWarnings  bool
	SuppressNoSourceHints bool
	CheckDisplay          bool
	Language              string // Display language when the resource declares none

	// ErrorForUnknownProfiles reports meta.profile entries that cannot be
	// resolved as errors instead of warnings.
	ErrorForUnknownProfiles bool

	Metrics *metrics.Metrics
}

// Option is a functional option for configuring the validator.
type Option func(*Config)

// WithVersion sets the FHIR version.
func WithVersion(version string) Option {
	return func(c *Config) {
		c.FHIRVersion = version
	}
}

// WithProfile adds a profile URL to validate against.
func WithProfile(profileURL string) Option {
	return func(c *Config) {
		c.Profiles = append(c.Profiles, profileURL)
	}
}

// WithStrictMode enables strict mode (warnings become errors).
func WithStrictMode(strict bool) Option {
	return func(c *Config) {
		c.StrictMode = strict
	}
}

// WithPackagePath sets the FHIR package cache path.
func WithPackagePath(path string) Option {
	return func(c *Config) {
		c.PackagePath = path
	}
}

// WithPackage adds an additional FHIR package to load (e.g., US Core, IPS).
func WithPackage(name, version string) Option {
	return func(c *Config) {
		c.AdditionalPackages = append(c.AdditionalPackages, PackageSpec{Name: name, Version: version})
	}
}

// WithPackageTgz adds a local .tgz package file to load.
func WithPackageTgz(path string) Option {
	return func(c *Config) {
		c.PackageTgzPaths = append(c.PackageTgzPaths, path)
	}
}

// WithPackageURL adds a remote .tgz package URL to load.
func WithPackageURL(url string) Option {
	return func(c *Config) {
		c.PackageURLs = append(c.PackageURLs, url)
	}
}

// WithPackageData loads a FHIR package from .tgz bytes in memory.
func WithPackageData(data []byte) Option {
	return func(c *Config) {
		c.PackageData = append(c.PackageData, data)
	}
}

// WithConformanceResources loads individual conformance resources (JSON
// StructureDefinition, ValueSet, CodeSystem...) into the profile store.
func WithConformanceResources(resources [][]byte) Option {
	return func(c *Config) {
		c.ConformanceResources = append(c.ConformanceResources, resources...)
	}
}

// WithRegistry uses reg as the profile store and skips package loading.
// Conformance resources given with WithConformanceResources are still added.
func WithRegistry(reg *registry.Registry) Option {
	return func(c *Config) {
		c.Registry = reg
	}
}

// WithTerminologyServer validates codes against a FHIR terminology server.
func WithTerminologyServer(baseURL string) Option {
	return func(c *Config) {
		c.TerminologyServer = baseURL
	}
}

// WithTerminology sets the terminology service directly.
func WithTerminology(svc terminology.Service) Option {
	return func(c *Config) {
		c.Terminology = svc
	}
}

// WithFetcher sets how references to resources outside the instance are
// checked.
func WithFetcher(f reference.Fetcher) Option {
	return func(c *Config) {
		c.Fetcher = f
	}
}

// WithExtensionDomains accepts unresolvable extensions under the given URL
// prefixes.
func WithExtensionDomains(domains ...string) Option {
	return func(c *Config) {
		c.Extensions.Domains = append(c.Extensions.Domains, domains...)
	}
}

// WithAnyExtension accepts every unresolvable extension.
func WithAnyExtension(allow bool) Option {
	return func(c *Config) {
		c.Extensions.AllowAny = allow
	}
}

// WithBestPractice sets the severity of failed best-practice invariants.
func WithBestPractice(level constraint.BestPracticeLevel) Option {
	return func(c *Config) {
		c.BestPractice = level
	}
}

// WithNoTerminologyChecks turns binding validation off.
func WithNoTerminologyChecks(off bool) Option {
	return func(c *Config) {
		c.NoTerminologyChecks = off
	}
}

// WithNoExtensibleWarnings drops warnings for codes outside extensible
// bindings.
func WithNoExtensibleWarnings(off bool) Option {
	return func(c *Config) {
		c.NoExtensibleWarnings = off
	}
}

// WithCheckDisplay compares Coding.display with the code system.
func WithCheckDisplay(check bool) Option {
	return func(c *Config) {
		c.CheckDisplay = check
	}
}

// WithLanguage sets the default display language.
func WithLanguage(lang string) Option {
	return func(c *Config) {
		c.Language = lang
	}
}

// WithErrorForUnknownProfiles reports unresolvable meta.profile entries as
// errors.
func WithErrorForUnknownProfiles(on bool) Option {
	return func(c *Config) {
		c.ErrorForUnknownProfiles = on
	}
}

// WithMetrics records runs into m instead of a private Metrics value.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Config) {
		c.Metrics = m
	}
}

// Options are the settings one validation runs with. They are fixed when
// the call starts and passed by value down the walk.
type Options struct {
	// Profiles are checked against the root resource in addition to its
	// meta.profile entries.
	Profiles []string
	// Language is the working display language; a resource's own language
	// element replaces it for that resource.
	Language                string
	StrictMode              bool
	ErrorForUnknownProfiles bool
	// Path is the literal path of the root, defaulting to its type.
	Path string
}

// ValidateOption configures a single Validate call.
type ValidateOption func(*Options)

// ValidateWithProfile adds a profile URL to validate against for this call only.
// Does not modify the Validator's construction-time config.
func ValidateWithProfile(profileURL string) ValidateOption {
	return func(o *Options) {
		o.Profiles = append(o.Profiles, profileURL)
	}
}

// ValidateWithLanguage sets the display language for this call.
func ValidateWithLanguage(lang string) ValidateOption {
	return func(o *Options) {
		o.Language = lang
	}
}

// ValidateWithStrictMode reports warnings as errors for this call.
func ValidateWithStrictMode(strict bool) ValidateOption {
	return func(o *Options) {
		o.StrictMode = strict
	}
}

// ValidateWithPath names the root in message paths, e.g. "Bundle.entry[3].resource".
func ValidateWithPath(path string) ValidateOption {
	return func(o *Options) {
		o.Path = path
	}
}

func (v *Validator) callOptions(opts []ValidateOption) Options {
	o := Options{
		Profiles:                append([]string(nil), v.config.Profiles...),
		Language:                v.config.Language,
		StrictMode:              v.config.StrictMode,
		ErrorForUnknownProfiles: v.config.ErrorForUnknownProfiles,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
