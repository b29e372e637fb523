// Package validator checks FHIR instances against StructureDefinition
// profiles.
//
// A Validator walks the instance tree and the snapshot of each applicable
// profile side by side: children are assigned to element definitions and
// slices, cardinality and order are checked, and every assigned child is
// handed to the value checkers (primitives, fixed and pattern values,
// bindings, references, extensions, invariants) before the walk descends
// into it. Nested resources (contained resources, Bundle entries,
// Parameters resources) start their own profile set.
package validator

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/gofhir/fhirpath/funcs"

	"github.com/gofhir/conformance/pkg/binding"
	"github.com/gofhir/conformance/pkg/constraint"
	"github.com/gofhir/conformance/pkg/element"
	"github.com/gofhir/conformance/pkg/expression"
	"github.com/gofhir/conformance/pkg/extension"
	"github.com/gofhir/conformance/pkg/issue"
	"github.com/gofhir/conformance/pkg/loader"
	"github.com/gofhir/conformance/pkg/logger"
	"github.com/gofhir/conformance/pkg/metrics"
	"github.com/gofhir/conformance/pkg/primitive"
	"github.com/gofhir/conformance/pkg/reference"
	"github.com/gofhir/conformance/pkg/registry"
	"github.com/gofhir/conformance/pkg/slicing"
	"github.com/gofhir/conformance/pkg/structural"
	"github.com/gofhir/conformance/pkg/terminology"
)

func init() {
	// dom-3 and friends call trace(); keep it quiet unless asked for.
	funcs.SetTraceLogger(funcs.NullTraceLogger{})
}

// DefinitionError reports a profile the engine cannot validate against,
// such as an unresolvable content reference or type. The instance may be
// fine; the validation result is incomplete.
type DefinitionError struct {
	Profile string
	Path    string
	Err     error
}

func (e *DefinitionError) Error() string {
	return fmt.Sprintf("unable to validate %s against %s: %v", e.Path, e.Profile, e.Err)
}

func (e *DefinitionError) Unwrap() error { return e.Err }

// Validator validates FHIR resources. It is safe for concurrent use; each
// Validate call keeps its own state.
type Validator struct {
	registry *registry.Registry
	config   *Config
	metrics  *metrics.Metrics

	eval        *expression.FHIRPath
	assigner    *structural.Assigner
	primitives  *primitive.Validator
	extensions  *extension.Checker
	references  *reference.Checker
	bindings    *binding.Checker
	constraints *constraint.Checker
}

// New creates a new Validator with the given options.
func New(opts ...Option) (*Validator, error) {
	startTime := time.Now()
	startMem := getMemUsage()

	config := &Config{
		FHIRVersion: "4.0.1", // Default to R4
	}
	for _, opt := range opts {
		opt(config)
	}

	reg := config.Registry
	if reg == nil {
		logger.Info("Initializing FHIR conformance validator v%s", config.FHIRVersion)
		logger.Info("  Memory at start: %s", formatBytes(startMem))

		packages, err := loadPackages(config)
		if err != nil {
			return nil, err
		}

		registryStart := time.Now()
		reg = registry.New()
		if err := reg.LoadFromPackages(packages); err != nil {
			return nil, fmt.Errorf("failed to load conformance resources: %w", err)
		}
		logger.Info("  Indexed %d StructureDefinitions in %v", reg.Count(), time.Since(registryStart).Round(time.Millisecond))
	} else {
		for i, data := range config.ConformanceResources {
			if err := reg.Add(data); err != nil {
				return nil, fmt.Errorf("conformance resource %d: %w", i, err)
			}
		}
	}
	metrics.SetProfilesLoaded(reg.Count())

	var tx terminology.Service
	switch {
	case config.Terminology != nil:
		tx = config.Terminology
	case config.TerminologyServer != "":
		logger.Info("  Terminology server: %s", config.TerminologyServer)
		tx = terminology.NewRemote(config.TerminologyServer)
	}

	m := config.Metrics
	if m == nil {
		m = metrics.New()
	}

	eval := expression.NewFHIRPath(reg)
	v := &Validator{
		registry:    reg,
		config:      config,
		metrics:     m,
		eval:        eval,
		assigner:    structural.New(slicing.New(eval, reg)),
		primitives:  primitive.New(reg),
		extensions:  extension.New(reg, config.Extensions),
		references:  reference.New(reg, config.Fetcher),
		constraints: constraint.New(eval, config.BestPractice),
		bindings: binding.New(reg, tx, binding.Options{
			NoTerminologyChecks:   config.NoTerminologyChecks,
			NoExtensibleWarnings:  config.NoExtensibleWarnings,
			SuppressNoSourceHints: config.SuppressNoSourceHints,
			CheckDisplay:          config.CheckDisplay,
			Language:              config.Language,
		}),
	}

	if config.Registry == nil {
		logger.Info("Validator ready in %v (total memory: %s)",
			time.Since(startTime).Round(time.Millisecond), formatBytes(getMemUsage()-startMem))
	}
	return v, nil
}

// loadPackages gathers the core packages for the configured version and
// every additional package source. Additional sources that fail are logged
// and skipped.
func loadPackages(config *Config) ([]*loader.Package, error) {
	l := loader.NewLoader(config.PackagePath)
	logger.Debug("Package cache: %s", l.BasePath())

	logger.Info("Loading FHIR packages...")
	loadStart := time.Now()
	packages, err := l.LoadVersion(config.FHIRVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to load FHIR packages: %w", err)
	}

	for _, spec := range config.AdditionalPackages {
		pkg, err := l.LoadPackage(spec.Name, spec.Version)
		if err != nil {
			logger.Warn("Could not load additional package %s#%s: %v", spec.Name, spec.Version, err)
			continue
		}
		packages = append(packages, pkg)
	}

	for _, path := range config.PackageTgzPaths {
		pkg, err := l.LoadFromTgz(path)
		if err != nil {
			logger.Warn("Could not load package from tgz %s: %v", path, err)
			continue
		}
		packages = append(packages, pkg)
	}

	for _, url := range config.PackageURLs {
		pkg, err := l.LoadFromURL(context.Background(), url)
		if err != nil {
			logger.Warn("Could not load package from URL %s: %v", url, err)
			continue
		}
		packages = append(packages, pkg)
	}

	for i, data := range config.PackageData {
		pkg, err := l.LoadFromTgzData(data)
		if err != nil {
			logger.Warn("Could not load package from memory data[%d]: %v", i, err)
			continue
		}
		packages = append(packages, pkg)
	}

	if len(config.ConformanceResources) > 0 {
		pkg, err := l.LoadFromResources(config.ConformanceResources)
		if err != nil {
			logger.Warn("Could not load conformance resources: %v", err)
		} else {
			packages = append(packages, pkg)
		}
	}

	total := 0
	for _, pkg := range packages {
		logger.Info("  Loaded %s#%s (%d resources)", pkg.Name, pkg.Version, len(pkg.Resources))
		total += len(pkg.Resources)
	}
	logger.Info("  Total: %d resources from %d packages in %v", total, len(packages), time.Since(loadStart).Round(time.Millisecond))
	return packages, nil
}

// getMemUsage returns the current memory allocation in bytes.
func getMemUsage() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.Alloc
}

// formatBytes formats bytes as human-readable string.
func formatBytes(b uint64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := uint64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}

// Validate parses resource and validates it against its core definition,
// its meta.profile entries and any configured profiles.
//
// Problems with the instance are returned as issues. A non-nil error means
// the validation could not be completed, either because ctx ended or because
// a profile could not be used (a *DefinitionError, *slicing.DefinitionError
// or *constraint.DefinitionError); the issues found so far are returned
// with it.
func (v *Validator) Validate(ctx context.Context, resource []byte, opts ...ValidateOption) (*issue.Result, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	o := v.callOptions(opts)
	result := issue.NewResult()
	result.Stats = &issue.Stats{ResourceSize: len(resource)}

	root, parseIssues, err := element.Parse(resource)
	if err != nil {
		result.Report(issue.DiagStructureInvalidJSON, issue.Location{}, "", map[string]any{"error": err.Error()})
		v.finish(result, o, start, nil)
		return result, nil
	}
	result.Issues = append(result.Issues, parseIssues...)

	err = v.validate(ctx, root, o, result)
	v.finish(result, o, start, err)
	return result, err
}

// ValidateNode validates an already parsed instance.
func (v *Validator) ValidateNode(ctx context.Context, root *element.Node, opts ...ValidateOption) (*issue.Result, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	o := v.callOptions(opts)
	result := issue.NewResult()
	result.Stats = &issue.Stats{}
	err := v.validate(ctx, root, o, result)
	v.finish(result, o, start, err)
	return result, err
}

func (v *Validator) validate(ctx context.Context, root *element.Node, opts Options, result *issue.Result) error {
	result.Stats.ResourceType = root.Type
	if root.Type == "" {
		result.Report(issue.DiagStructureNoResourceType, root.Pos(), opts.Path, nil)
		return nil
	}

	r := newRun(v, root, opts)
	result.Stats.ExecutionID = r.id
	logger.Debug("validator: run %s on %s", r.id, root.Type)

	err := r.start(ctx, result)
	result.Stats.Profiles = r.rootProfiles()
	result.Stats.ElementsChecked = r.visited
	return err
}

// finish applies strict mode, drops repeated messages and records metrics.
func (v *Validator) finish(result *issue.Result, opts Options, start time.Time, err error) {
	result.Dedupe()
	if opts.StrictMode {
		for i := range result.Issues {
			if result.Issues[i].Severity == issue.SeverityWarning {
				result.Issues[i].Severity = issue.SeverityError
			}
		}
	}

	elapsed := time.Since(start)
	result.Stats.Duration = elapsed.Nanoseconds()

	outcome := metrics.OutcomeValid
	switch {
	case err != nil:
		outcome = metrics.OutcomeAborted
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			logger.Warn("validation of %s stopped: %v", result.Stats.ResourceType, err)
		}
	case result.HasErrors():
		outcome = metrics.OutcomeInvalid
	}
	v.metrics.RecordValidation(elapsed, outcome)
	v.metrics.RecordIssues(result.ErrorCount(), result.WarningCount(), result.InfoCount())

	logger.Debug("validator: %s done in %v: %d errors, %d warnings, %d information",
		result.Stats.ResourceType, elapsed, result.ErrorCount(), result.WarningCount(), result.InfoCount())
}

// Registry returns the profile store.
func (v *Validator) Registry() *registry.Registry {
	return v.registry
}

// Config returns the validator configuration.
func (v *Validator) Config() *Config {
	return v.config
}

// Version returns the FHIR version the validator was configured for.
func (v *Validator) Version() string {
	return v.config.FHIRVersion
}

// Metrics returns the counters of this validator's runs.
func (v *Validator) Metrics() *metrics.Metrics {
	return v.metrics
}
