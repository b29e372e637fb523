package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/gofhir/conformance/pkg/config"
	"github.com/gofhir/conformance/pkg/issue"
	"github.com/gofhir/conformance/pkg/logger"
	"github.com/gofhir/conformance/pkg/validator"
)

// Output formats.
const (
	OutputText    = "text"
	OutputJSON    = "json"
	OutputOutcome = "outcome"
)

type validateFlags struct {
	configFile       string
	fhirVersion      string
	profiles         []string
	packages         []string
	packageFiles     []string
	packageURLs      []string
	output           string
	strict           bool
	tx               string
	bestPractice     string
	language         string
	extensionDomains []string
	anyExtension     bool
	refServer        string
	refPolicy        string
	quiet            bool
	verbose          bool
	jobs             int
}

func newValidateCmd(newValidator factory) *cobra.Command {
	f := &validateFlags{}
	c := &cobra.Command{
		Use:   "validate [flags] <file|glob|->...",
		Short: "Validate FHIR resources",
		Example: `  fhir-conformance validate patient.json
  fhir-conformance validate --ig http://hl7.org/fhir/us/core/StructureDefinition/us-core-patient patient.json
  fhir-conformance validate --package hl7.fhir.us.core#6.1.0 --output json *.json
  fhir-conformance validate --tx n/a patient.json
  cat patient.json | fhir-conformance validate -`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd, f, newValidator, args)
		},
	}

	fl := c.Flags()
	fl.StringVarP(&f.configFile, "config", "c", "", "YAML or TOML configuration file")
	fl.StringVar(&f.fhirVersion, "fhir-version", "4.0.1", "FHIR version (4.0.1, 4.3.0, 5.0.0)")
	fl.StringSliceVar(&f.profiles, "ig", nil, "Profile URL(s) to validate against")
	fl.StringSliceVar(&f.packages, "package", nil, "Additional FHIR package(s) to load, as name#version")
	fl.StringSliceVar(&f.packageFiles, "package-file", nil, "Local .tgz package file(s) to load")
	fl.StringSliceVar(&f.packageURLs, "package-url", nil, "Remote .tgz package URL(s) to load")
	fl.StringVarP(&f.output, "output", "o", OutputText, "Output format: text, json, outcome")
	fl.BoolVar(&f.strict, "strict", false, "Treat warnings as errors")
	fl.StringVar(&f.tx, "tx", "", "Terminology server base URL, or n/a to disable terminology checks")
	fl.StringVar(&f.bestPractice, "best-practice", "warning", "Severity of failed best-practice invariants: ignore, hint, warning, error")
	fl.StringVar(&f.language, "language", "", "Default display language")
	fl.StringSliceVar(&f.extensionDomains, "extension-domain", nil, "URL prefix whose unknown extensions are accepted")
	fl.BoolVar(&f.anyExtension, "any-extension", false, "Accept every unknown extension")
	fl.StringVar(&f.refServer, "ref-server", "", "FHIR server base URL used to resolve references outside the resource")
	fl.StringVar(&f.refPolicy, "ref-policy", "check-valid", "How far resolved references are checked: ignore, check-type-if-exists, check-exists, check-type, check-valid")
	fl.BoolVarP(&f.quiet, "quiet", "q", false, "Only show errors and warnings")
	fl.BoolVarP(&f.verbose, "verbose", "v", false, "Log loading and validation details")
	fl.IntVarP(&f.jobs, "jobs", "j", 4, "Resources validated in parallel")
	return c
}

// config loads the configuration file, if any, and applies the flags that
// were set explicitly on top of it.
func (f *validateFlags) config(cmd *cobra.Command) (*config.Config, error) {
	fl := cmd.Flags()
	cfg := config.Default()
	if f.configFile != "" {
		var err error
		if cfg, err = config.Load(f.configFile); err != nil {
			return nil, err
		}
	}
	if fl.Changed("fhir-version") {
		cfg.FHIRVersion = f.fhirVersion
	}
	cfg.Profiles = append(cfg.Profiles, f.profiles...)
	cfg.Packages = append(cfg.Packages, f.packages...)
	cfg.PackageFiles = append(cfg.PackageFiles, f.packageFiles...)
	cfg.PackageURLs = append(cfg.PackageURLs, f.packageURLs...)
	cfg.Extensions.Domains = append(cfg.Extensions.Domains, f.extensionDomains...)
	if fl.Changed("strict") {
		cfg.Strict = f.strict
	}
	if fl.Changed("tx") {
		cfg.Terminology.Server = f.tx
	}
	if fl.Changed("best-practice") {
		cfg.BestPractice = f.bestPractice
	}
	if fl.Changed("language") {
		cfg.Language = f.language
	}
	if fl.Changed("ref-server") {
		cfg.References.Server = f.refServer
	}
	if fl.Changed("ref-policy") {
		cfg.References.Policy = f.refPolicy
	}
	if fl.Changed("any-extension") {
		cfg.Extensions.AllowAny = f.anyExtension
	}
	switch {
	case f.verbose:
		cfg.Log.Level = "debug"
	case f.quiet:
		cfg.Log.Level = "error"
	}
	return cfg, cfg.Validate()
}

// input is one resource to validate.
type input struct {
	name string
	data []byte
	err  error
}

// report is the outcome for one input.
type report struct {
	name     string
	result   *issue.Result
	duration time.Duration
}

func runValidate(cmd *cobra.Command, f *validateFlags, newValidator factory, args []string) error {
	switch f.output {
	case OutputText, OutputJSON, OutputOutcome:
	default:
		return fmt.Errorf("unknown output format %q", f.output)
	}
	if f.jobs < 1 {
		return fmt.Errorf("--jobs must be at least 1")
	}

	cfg, err := f.config(cmd)
	if err != nil {
		return err
	}
	logger.SetDefault(cfg.Logger())
	opts, err := cfg.Options()
	if err != nil {
		return err
	}

	inputs, err := collectInputs(cmd.InOrStdin(), args)
	if err != nil {
		return err
	}

	v, err := newValidator(opts...)
	if err != nil {
		return fmt.Errorf("failed to initialize validator: %w", err)
	}
	logger.Info("Validator ready. Processing %d resource(s)", len(inputs))

	reports, err := validateAll(cmd.Context(), v, inputs, f.jobs)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	switch f.output {
	case OutputJSON:
		err = writeJSON(out, summaries(reports))
	case OutputOutcome:
		err = writeOutcomes(out, reports)
	default:
		for _, r := range reports {
			printText(out, r, f.quiet)
		}
	}
	if err != nil {
		return err
	}

	for _, r := range reports {
		if r.result.HasErrors() {
			return exitCode(ExitInvalid)
		}
	}
	return nil
}

// collectInputs reads stdin for "-" and expands every other argument as a
// glob. Unreadable files become inputs carrying their read error.
func collectInputs(stdin io.Reader, args []string) ([]input, error) {
	var inputs []input
	for _, arg := range args {
		if arg == "-" {
			data, err := io.ReadAll(stdin)
			if err != nil {
				return nil, fmt.Errorf("reading stdin: %w", err)
			}
			inputs = append(inputs, input{name: "stdin", data: data})
			continue
		}
		matches, err := filepath.Glob(arg)
		if err != nil {
			return nil, fmt.Errorf("bad pattern %q: %w", arg, err)
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("no files match %s", arg)
		}
		for _, path := range matches {
			data, err := os.ReadFile(path)
			inputs = append(inputs, input{name: path, data: data, err: err})
		}
	}
	return inputs, nil
}

// validateAll validates the readable inputs as one batch. Read failures
// become error reports; a validation that could not complete is returned as
// an error.
func validateAll(ctx context.Context, v *validator.Validator, inputs []input, jobs int) ([]report, error) {
	reports := make([]report, len(inputs))
	var data [][]byte
	var index []int
	for i, in := range inputs {
		reports[i].name = in.name
		if in.err != nil {
			result := issue.NewResult()
			result.AddError(issue.CodeException, fmt.Sprintf("Failed to read file: %v", in.err))
			reports[i].result = result
			continue
		}
		data = append(data, in.data)
		index = append(index, i)
	}

	br := v.ValidateBatch(ctx, data, jobs)
	for j, it := range br.Items {
		i := index[j]
		if it.Err != nil {
			return nil, fmt.Errorf("%s: %w", inputs[i].name, it.Err)
		}
		reports[i].result = it.Result
		reports[i].duration = it.Duration
	}
	logger.Debug("validated %d resource(s) in %v", len(data), br.Duration.Round(time.Millisecond))
	return reports, nil
}

// ValidationOutput is the JSON summary of one resource.
type ValidationOutput struct {
	Resource string        `json:"resource"`
	Valid    bool          `json:"valid"`
	Errors   int           `json:"errors"`
	Warnings int           `json:"warnings"`
	Info     int           `json:"info"`
	Profiles []string      `json:"profiles,omitempty"`
	Issues   []IssueOutput `json:"issues,omitempty"`
	Duration string        `json:"duration"`
}

// IssueOutput is one issue in a ValidationOutput.
type IssueOutput struct {
	Severity    string   `json:"severity"`
	Code        string   `json:"code"`
	Diagnostics string   `json:"diagnostics"`
	Expression  []string `json:"expression,omitempty"`
	Line        int      `json:"line,omitempty"`
	Column      int      `json:"column,omitempty"`
	MessageID   string   `json:"messageId,omitempty"`
}

func summaries(reports []report) []ValidationOutput {
	outputs := make([]ValidationOutput, 0, len(reports))
	for _, r := range reports {
		o := ValidationOutput{
			Resource: r.name,
			Valid:    !r.result.HasErrors(),
			Errors:   r.result.ErrorCount(),
			Warnings: r.result.WarningCount(),
			Info:     r.result.InfoCount(),
			Duration: r.duration.Round(time.Microsecond).String(),
		}
		if r.result.Stats != nil {
			o.Profiles = r.result.Stats.Profiles
		}
		for _, iss := range r.result.Issues {
			out := IssueOutput{
				Severity:    string(iss.Severity),
				Code:        string(iss.Code),
				Diagnostics: iss.Diagnostics,
				Expression:  iss.Expression,
				MessageID:   iss.MessageID,
			}
			if iss.Location != nil {
				out.Line, out.Column = iss.Location.Line, iss.Location.Column
			}
			o.Issues = append(o.Issues, out)
		}
		outputs = append(outputs, o)
	}
	return outputs
}

// writeOutcomes prints a single OperationOutcome for one input and an array
// of them otherwise.
func writeOutcomes(w io.Writer, reports []report) error {
	if len(reports) == 1 {
		return writeJSON(w, reports[0].result.ToOperationOutcome())
	}
	outcomes := make([]*issue.OperationOutcome, 0, len(reports))
	for _, r := range reports {
		outcomes = append(outcomes, r.result.ToOperationOutcome())
	}
	return writeJSON(w, outcomes)
}

func writeJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func printText(w io.Writer, r report, quiet bool) {
	status := "VALID"
	if r.result.HasErrors() {
		status = "INVALID"
	}

	fmt.Fprintf(w, "== %s ==\n", r.name)
	fmt.Fprintf(w, "Status: %s\n", status)
	fmt.Fprintf(w, "Errors: %d, Warnings: %d, Info: %d\n", r.result.ErrorCount(), r.result.WarningCount(), r.result.InfoCount())
	if r.result.Stats != nil && len(r.result.Stats.Profiles) > 0 {
		fmt.Fprintf(w, "Profiles: %s\n", strings.Join(r.result.Stats.Profiles, ", "))
		fmt.Fprintf(w, "Duration: %s\n", r.duration.Round(time.Microsecond))
	}

	if len(r.result.Issues) > 0 {
		fmt.Fprintln(w, "\nIssues:")
		for _, iss := range r.result.Issues {
			if quiet && iss.Severity == issue.SeverityInformation {
				continue
			}
			location := ""
			if p := iss.Path(); p != "" {
				location = " @ " + p
			}
			if iss.Location != nil && iss.Location.Line > 0 {
				location += fmt.Sprintf(" (line %d, col %d)", iss.Location.Line, iss.Location.Column)
			}
			fmt.Fprintf(w, "  %s [%s] %s%s\n", severityLabel(iss.Severity), iss.Code, iss.Diagnostics, location)
		}
	}
	fmt.Fprintln(w)
}

func severityLabel(severity issue.Severity) string {
	switch severity {
	case issue.SeverityFatal:
		return "FATAL"
	case issue.SeverityError:
		return "ERROR"
	case issue.SeverityWarning:
		return "WARN "
	case issue.SeverityInformation:
		return "INFO "
	default:
		return "     "
	}
}
