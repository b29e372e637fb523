// Package terminology validates codes against value sets and code systems.
//
// The validator consumes terminology through Service. LocalService answers
// from ValueSet and CodeSystem resources held by the profile store;
// RemoteService calls a FHIR terminology server.
package terminology

import (
	"context"
	"fmt"
	"strings"

	"github.com/gofhir/conformance/pkg/issue"
	"github.com/gofhir/conformance/pkg/registry"
)

// ErrorClass tells a substantive rejection apart from a failure to check.
type ErrorClass int

// Error classes.
const (
	ErrorClassNone ErrorClass = iota
	ErrorClassUnknown
	ErrorClassNoService
	ErrorClassServer
	ErrorClassCodeSystemUnsupported
	ErrorClassValueSetUnsupported
	ErrorClassInfrastructure
)

func (c ErrorClass) String() string {
	switch c {
	case ErrorClassNone:
		return "NONE"
	case ErrorClassUnknown:
		return "UNKNOWN"
	case ErrorClassNoService:
		return "NOSERVICE"
	case ErrorClassServer:
		return "SERVER_ERROR"
	case ErrorClassCodeSystemUnsupported:
		return "CODESYSTEM_UNSUPPORTED"
	case ErrorClassValueSetUnsupported:
		return "VALUESET_UNSUPPORTED"
	case ErrorClassInfrastructure:
		return "INFRASTRUCTURE"
	}
	return fmt.Sprintf("ErrorClass(%d)", int(c))
}

// IsInfrastructure reports whether the failure says nothing about the code
// itself, only that it could not be checked.
func (c ErrorClass) IsInfrastructure() bool {
	switch c {
	case ErrorClassNoService, ErrorClassServer, ErrorClassValueSetUnsupported, ErrorClassInfrastructure:
		return true
	case ErrorClassNone, ErrorClassUnknown, ErrorClassCodeSystemUnsupported:
		return false
	}
	return false
}

// Options carries per-call settings.
type Options struct {
	// Language is the working language for display checks.
	Language string
	// CheckDisplay compares Coding.display with the code system's display.
	CheckDisplay bool
}

// Coding is a system/code pair with optional version and display.
type Coding struct {
	System  string
	Version string
	Code    string
	Display string
}

func (c Coding) String() string {
	return c.System + "#" + c.Code
}

// InputKind says what shape of value is being validated.
type InputKind int

// Input kinds.
const (
	InputCode InputKind = iota
	InputCoding
	InputConcept
)

// CodeInput is a bare code, a single Coding, or the codings of a
// CodeableConcept.
type CodeInput struct {
	Kind    InputKind
	Code    string
	Codings []Coding
}

// CodeValue builds a bare code input.
func CodeValue(code string) CodeInput { return CodeInput{Kind: InputCode, Code: code} }

// CodingValue builds a single coding input.
func CodingValue(c Coding) CodeInput { return CodeInput{Kind: InputCoding, Codings: []Coding{c}} }

// ConceptValue builds a CodeableConcept input.
func ConceptValue(codings ...Coding) CodeInput {
	return CodeInput{Kind: InputConcept, Codings: codings}
}

// Summary renders the codes for messages, e.g. "http://loinc.org#1234-5".
func (in CodeInput) Summary() string {
	if in.Kind == InputCode {
		return in.Code
	}
	parts := make([]string, len(in.Codings))
	for i, c := range in.Codings {
		parts[i] = c.String()
	}
	return strings.Join(parts, ", ")
}

// Result is the outcome of one validate-code call.
type Result struct {
	OK       bool
	Severity issue.Severity
	Message  string
	// Display is the code system's display for a matched code.
	Display    string
	ErrorClass ErrorClass
	// Link points at the resource or request the answer came from.
	Link string
}

// Service validates codes. Implementations must be safe for concurrent use.
type Service interface {
	// SupportsSystem reports whether codes from system can be validated.
	SupportsSystem(ctx context.Context, system string) bool
	// ValidateCode checks in against vs, or against its code systems when
	// vs is nil.
	ValidateCode(ctx context.Context, opts Options, in CodeInput, vs *registry.Canonical) Result
	// HasServer reports whether a terminology server backs the service.
	HasServer() bool
}

func failed(class ErrorClass, format string, args ...any) Result {
	return Result{Severity: issue.SeverityError, ErrorClass: class, Message: fmt.Sprintf(format, args...)}
}
