// Package issue defines validation issues aligned with FHIR OperationOutcome.
package issue

import (
	"fmt"
	"sync"
)

// Severity represents the severity of a validation issue.
type Severity string

// Severity constants aligned with FHIR IssueSeverity.
const (
	SeverityFatal       Severity = "fatal"
	SeverityError       Severity = "error"
	SeverityWarning     Severity = "warning"
	SeverityInformation Severity = "information"
)

// Rank orders severities, fatal highest.
func (s Severity) Rank() int {
	switch s {
	case SeverityFatal:
		return 3
	case SeverityError:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

// IsError reports whether the severity is error or fatal.
func (s Severity) IsError() bool {
	return s == SeverityError || s == SeverityFatal
}

// Code represents the type of validation issue (IssueType).
type Code string

// Code constants aligned with FHIR IssueType.
const (
	CodeInvalid       Code = "invalid"
	CodeStructure     Code = "structure"
	CodeRequired      Code = "required"
	CodeValue         Code = "value"
	CodeInvariant     Code = "invariant"
	CodeSecurity      Code = "security"
	CodeUnknown       Code = "unknown"
	CodeProcessing    Code = "processing"
	CodeNotSupported  Code = "not-supported"
	CodeDuplicate     Code = "duplicate"
	CodeMultipleMatch Code = "multiple-matches"
	CodeNotFound      Code = "not-found"
	CodeTooLong       Code = "too-long"
	CodeCodeInvalid   Code = "code-invalid"
	CodeExtension     Code = "extension"
	CodeBusinessRule  Code = "business-rule"
	CodeConflict      Code = "conflict"
	CodeTransient     Code = "transient"
	CodeException     Code = "exception"
	CodeTimeout       Code = "timeout"
	CodeIncomplete    Code = "incomplete"
	CodeInformational Code = "informational"
)

// Issue represents a single validation issue.
type Issue struct {
	// Severity indicates the severity level (error, warning, etc.)
	Severity Severity

	// Code indicates the type of issue
	Code Code

	// Diagnostics is the human-readable description of the issue
	Diagnostics string

	// Expression holds the literal instance path of the issue
	Expression []string

	// Location contains line and column information
	Location *Location

	// Source identifies the component that generated this issue
	Source string

	// MessageID is the identifier from the diagnostic catalog
	MessageID string
}

// Path returns the first expression, or "" when there is none.
func (i Issue) Path() string {
	if len(i.Expression) == 0 {
		return ""
	}
	return i.Expression[0]
}

// String renders the issue on one line.
func (i Issue) String() string {
	at := i.Path()
	if i.Location != nil && i.Location.Line > 0 {
		at = fmt.Sprintf("%s (line %d, col %d)", at, i.Location.Line, i.Location.Column)
	}
	return fmt.Sprintf("%s [%s] %s: %s", i.Severity, i.Code, at, i.Diagnostics)
}

// Location represents the position in the source JSON.
type Location struct {
	Line   int
	Column int
}

// At builds a Location.
func At(line, col int) Location {
	return Location{Line: line, Column: col}
}

func (l Location) ptr() *Location {
	if l.Line <= 0 && l.Column <= 0 {
		return nil
	}
	loc := l
	return &loc
}

// Stats contains validation statistics.
type Stats struct {
	// ResourceType is the type of resource validated
	ResourceType string
	// ResourceSize is the size of the input in bytes
	ResourceSize int
	// Profiles lists the profiles the root resource was validated against
	Profiles []string
	// ExecutionID identifies the top-level validation call
	ExecutionID string
	// Duration is the total validation time
	Duration int64 // nanoseconds
	// ElementsChecked is the number of instance nodes visited
	ElementsChecked int
	// InvariantsEvaluated is the number of constraint expressions run
	InvariantsEvaluated int
}

// DurationMs returns the duration in milliseconds.
func (s *Stats) DurationMs() float64 {
	return float64(s.Duration) / 1e6
}

// Result holds the ordered collection of issues from validation.
type Result struct {
	Issues []Issue
	Stats  *Stats
}

// defaultIssueCapacity is the pre-allocated capacity for Issues slice.
const defaultIssueCapacity = 16

var resultPool = sync.Pool{
	New: func() any {
		return &Result{
			Issues: make([]Issue, 0, defaultIssueCapacity),
		}
	},
}

// NewResult creates a new empty Result with pre-allocated capacity.
func NewResult() *Result {
	return &Result{
		Issues: make([]Issue, 0, defaultIssueCapacity),
	}
}

// GetPooledResult returns a Result from the pool.
// Call ReleaseResult when done to return it to the pool.
func GetPooledResult() *Result {
	r, ok := resultPool.Get().(*Result)
	if !ok {
		r = &Result{Issues: make([]Issue, 0, defaultIssueCapacity)}
	}
	r.Issues = r.Issues[:0]
	r.Stats = nil
	return r
}

// ReleaseResult returns a Result to the pool for reuse.
// Do not use the Result after calling this function.
func ReleaseResult(r *Result) {
	if r == nil {
		return
	}
	for i := range r.Issues {
		r.Issues[i] = Issue{}
	}
	r.Issues = r.Issues[:0]
	r.Stats = nil
	resultPool.Put(r)
}

// AddIssue adds an issue to the result.
func (r *Result) AddIssue(issue Issue) {
	r.Issues = append(r.Issues, issue)
}

// Add appends an issue with an explicit severity.
func (r *Result) Add(sev Severity, code Code, loc Location, path, msg string) {
	iss := Issue{
		Severity:    sev,
		Code:        code,
		Diagnostics: msg,
		Location:    loc.ptr(),
	}
	if path != "" {
		iss.Expression = []string{path}
	}
	r.Issues = append(r.Issues, iss)
}

// Rule adds an error when ok is false and returns ok, so checks can be chained.
func (r *Result) Rule(ok bool, code Code, loc Location, path, format string, args ...any) bool {
	if !ok {
		r.Add(SeverityError, code, loc, path, sprintf(format, args))
	}
	return ok
}

// Warning adds a warning when ok is false and returns ok.
func (r *Result) Warning(ok bool, code Code, loc Location, path, format string, args ...any) bool {
	if !ok {
		r.Add(SeverityWarning, code, loc, path, sprintf(format, args))
	}
	return ok
}

// Hint adds an information-level issue when ok is false and returns ok.
func (r *Result) Hint(ok bool, code Code, loc Location, path, format string, args ...any) bool {
	if !ok {
		r.Add(SeverityInformation, code, loc, path, sprintf(format, args))
	}
	return ok
}

// Fatal adds a fatal issue.
func (r *Result) Fatal(code Code, loc Location, path, format string, args ...any) {
	r.Add(SeverityFatal, code, loc, path, sprintf(format, args))
}

func sprintf(format string, args []any) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}

// AddError adds an error-level issue.
func (r *Result) AddError(code Code, diagnostics string, expression ...string) {
	r.Issues = append(r.Issues, Issue{
		Severity:    SeverityError,
		Code:        code,
		Diagnostics: diagnostics,
		Expression:  expression,
	})
}

// AddWarning adds a warning-level issue.
func (r *Result) AddWarning(code Code, diagnostics string, expression ...string) {
	r.Issues = append(r.Issues, Issue{
		Severity:    SeverityWarning,
		Code:        code,
		Diagnostics: diagnostics,
		Expression:  expression,
	})
}

// AddInfo adds an information-level issue.
func (r *Result) AddInfo(code Code, diagnostics string, expression ...string) {
	r.Issues = append(r.Issues, Issue{
		Severity:    SeverityInformation,
		Code:        code,
		Diagnostics: diagnostics,
		Expression:  expression,
	})
}

// HasErrors returns true if there are any error-level issues.
func (r *Result) HasErrors() bool {
	for _, issue := range r.Issues {
		if issue.Severity.IsError() {
			return true
		}
	}
	return false
}

// ErrorCount returns the number of error-level issues.
func (r *Result) ErrorCount() int {
	count := 0
	for _, issue := range r.Issues {
		if issue.Severity.IsError() {
			count++
		}
	}
	return count
}

// WarningCount returns the number of warning-level issues.
func (r *Result) WarningCount() int {
	count := 0
	for _, issue := range r.Issues {
		if issue.Severity == SeverityWarning {
			count++
		}
	}
	return count
}

// InfoCount returns the number of information-level issues.
func (r *Result) InfoCount() int {
	count := 0
	for _, issue := range r.Issues {
		if issue.Severity == SeverityInformation {
			count++
		}
	}
	return count
}

// Merge combines another result into this one.
func (r *Result) Merge(other *Result) {
	if other == nil {
		return
	}
	r.Issues = append(r.Issues, other.Issues...)
}

// MergeWithSuffix appends other's issues with suffix added to each message.
func (r *Result) MergeWithSuffix(other *Result, suffix string) {
	if other == nil {
		return
	}
	for _, iss := range other.Issues {
		iss.Diagnostics += suffix
		r.Issues = append(r.Issues, iss)
	}
}

// Dedupe drops issues identical to an earlier one in severity, code,
// path and message, keeping the first.
func (r *Result) Dedupe() {
	type key struct {
		sev  Severity
		code Code
		path string
		msg  string
	}
	seen := make(map[key]bool, len(r.Issues))
	out := r.Issues[:0]
	for _, iss := range r.Issues {
		k := key{iss.Severity, iss.Code, iss.Path(), iss.Diagnostics}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, iss)
	}
	for i := len(out); i < len(r.Issues); i++ {
		r.Issues[i] = Issue{}
	}
	r.Issues = out
}

// Len returns the number of issues.
func (r *Result) Len() int {
	return len(r.Issues)
}

// Truncate drops every issue after the first n.
func (r *Result) Truncate(n int) {
	if n < len(r.Issues) {
		r.Issues = r.Issues[:n]
	}
}

// Filter returns a new Result with only issues matching the given severity.
func (r *Result) Filter(severity Severity) *Result {
	filtered := NewResult()
	for _, issue := range r.Issues {
		if issue.Severity == severity {
			filtered.Issues = append(filtered.Issues, issue)
		}
	}
	return filtered
}

// TagSource sets Source on every issue from index from onwards that has none.
func (r *Result) TagSource(from int, source string) {
	for i := from; i < len(r.Issues); i++ {
		if r.Issues[i].Source == "" {
			r.Issues[i].Source = source
		}
	}
}
