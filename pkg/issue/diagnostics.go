package issue

import (
	"fmt"
	"strings"
)

// DiagnosticID identifies a specific diagnostic message.
type DiagnosticID string

// Diagnostic IDs for structure and assignment.
const (
	DiagStructureUnknownElement  DiagnosticID = "STRUCTURE_UNKNOWN_ELEMENT"
	DiagStructureInvalidJSON     DiagnosticID = "STRUCTURE_INVALID_JSON"
	DiagStructureNoResourceType  DiagnosticID = "STRUCTURE_NO_RESOURCE_TYPE"
	DiagStructureUnknownResource DiagnosticID = "STRUCTURE_UNKNOWN_RESOURCE"
	DiagStructureUnknownType     DiagnosticID = "STRUCTURE_UNKNOWN_TYPE"
	DiagStructureUnknownProfile  DiagnosticID = "STRUCTURE_UNKNOWN_PROFILE"
	DiagStructureNoSnapshot      DiagnosticID = "STRUCTURE_NO_SNAPSHOT"
	DiagStructureOutOfOrder      DiagnosticID = "STRUCTURE_OUT_OF_ORDER"
	DiagStructureOutOfOrderSlice DiagnosticID = "STRUCTURE_OUT_OF_ORDER_SLICE"
	DiagStructureChoiceUnknown   DiagnosticID = "STRUCTURE_CHOICE_TYPE_UNKNOWN"
)

// Diagnostic IDs for primitive values.
const (
	DiagTypeWrongJSONType DiagnosticID = "TYPE_WRONG_JSON_TYPE"
	DiagTypeInvalidFormat DiagnosticID = "TYPE_INVALID_FORMAT"
)

// Diagnostic IDs for cardinality.
const (
	DiagCardinalityMin          DiagnosticID = "CARDINALITY_MIN"
	DiagCardinalityMax          DiagnosticID = "CARDINALITY_MAX"
	DiagCardinalityMinUnchecked DiagnosticID = "CARDINALITY_MIN_UNCHECKED"
)

// Diagnostic IDs for slicing.
const (
	DiagSliceNoMatchOpen   DiagnosticID = "SLICE_NO_MATCH_OPEN"
	DiagSliceNoMatchClosed DiagnosticID = "SLICE_NO_MATCH_CLOSED"
	DiagSliceMultiple      DiagnosticID = "SLICE_MULTIPLE_MATCH"
	DiagSliceUnverified    DiagnosticID = "SLICE_UNVERIFIED"
	DiagSliceEvalError     DiagnosticID = "SLICE_EVALUATION_ERROR"
)

// Diagnostic IDs for extensions.
const (
	DiagExtensionNoURL         DiagnosticID = "EXTENSION_NO_URL"
	DiagExtensionNotAllowed    DiagnosticID = "EXTENSION_NOT_ALLOWED"
	DiagExtensionUnknown       DiagnosticID = "EXTENSION_UNKNOWN"
	DiagExtensionSubUnknown    DiagnosticID = "EXTENSION_SUB_UNKNOWN"
	DiagExtensionCrossVersion  DiagnosticID = "EXTENSION_CROSS_VERSION"
	DiagExtensionContext       DiagnosticID = "EXTENSION_CONTEXT"
	DiagExtensionModifier      DiagnosticID = "EXTENSION_MODIFIER_MISMATCH"
	DiagExtensionMustBeMod     DiagnosticID = "EXTENSION_MUST_BE_MODIFIER"
	DiagExtensionMustNotBeMod  DiagnosticID = "EXTENSION_MUST_NOT_BE_MODIFIER"
	DiagExtensionSimpleNoValue DiagnosticID = "EXTENSION_SIMPLE_NO_VALUE"
	DiagExtensionWrongType     DiagnosticID = "EXTENSION_WRONG_TYPE"
)

// Diagnostic IDs for references.
const (
	DiagReferenceUnresolved    DiagnosticID = "REFERENCE_UNRESOLVED"
	DiagReferenceInvalidTarget DiagnosticID = "REFERENCE_INVALID_TARGET"
	DiagReferenceNotInBundle   DiagnosticID = "REFERENCE_NOT_IN_BUNDLE"
	DiagReferenceAggregation   DiagnosticID = "REFERENCE_AGGREGATION"
	DiagReferenceNoDisplay     DiagnosticID = "REFERENCE_NO_DISPLAY"
	DiagReferenceFetchFailed   DiagnosticID = "REFERENCE_FETCH_FAILED"
)

// Diagnostic IDs for profile selection.
const (
	DiagProfileNoMatch       DiagnosticID = "PROFILE_NO_MATCH"
	DiagProfileMultipleMatch DiagnosticID = "PROFILE_MULTIPLE_MATCH"
	DiagProfileNotFound      DiagnosticID = "PROFILE_NOT_FOUND"
)

// Diagnostic IDs for constraints.
const (
	DiagConstraintFailed DiagnosticID = "CONSTRAINT_FAILED"
)

// Diagnostic IDs for bundles.
const (
	DiagBundleEmpty           DiagnosticID = "BUNDLE_EMPTY"
	DiagBundleFirstEntry      DiagnosticID = "BUNDLE_FIRST_ENTRY"
	DiagBundleUnreachable     DiagnosticID = "BUNDLE_ENTRY_UNREACHABLE"
	DiagBundleRefNotFound     DiagnosticID = "BUNDLE_REFERENCE_NOT_FOUND"
	DiagBundleMultipleMatches DiagnosticID = "BUNDLE_MULTIPLE_MATCHES"
)

// DiagnosticTemplate defines the structure for a diagnostic message.
type DiagnosticTemplate struct {
	ID       DiagnosticID
	Severity Severity
	Code     Code
	Template string
}

// diagnosticTemplates maps diagnostic IDs to their templates.
// Templates use {placeholder} syntax for variable substitution.
var diagnosticTemplates = map[DiagnosticID]DiagnosticTemplate{
	DiagStructureUnknownElement: {
		Severity: SeverityError,
		Code:     CodeStructure,
		Template: "Unrecognised Content {element}",
	},
	DiagStructureInvalidJSON: {
		Severity: SeverityFatal,
		Code:     CodeStructure,
		Template: "Invalid JSON: {error}",
	},
	DiagStructureNoResourceType: {
		Severity: SeverityError,
		Code:     CodeStructure,
		Template: "Missing 'resourceType' property",
	},
	DiagStructureUnknownResource: {
		Severity: SeverityError,
		Code:     CodeStructure,
		Template: "Unknown resourceType '{type}'",
	},
	DiagStructureUnknownType: {
		Severity: SeverityError,
		Code:     CodeStructure,
		Template: "Unknown type {type}",
	},
	DiagStructureUnknownProfile: {
		Severity: SeverityError,
		Code:     CodeStructure,
		Template: "Unknown profile {profile}",
	},
	DiagStructureNoSnapshot: {
		Severity: SeverityError,
		Code:     CodeStructure,
		Template: "StructureDefinition has no snapshot - validation is against the snapshot, so it must be provided",
	},
	DiagStructureOutOfOrder: {
		Severity: SeverityError,
		Code:     CodeInvalid,
		Template: "As specified by profile {profile}, Element '{element}' is out of order",
	},
	DiagStructureOutOfOrderSlice: {
		Severity: SeverityError,
		Code:     CodeInvalid,
		Template: "As specified by profile {profile}, Element '{element}' is out of order in ordered slice",
	},
	DiagStructureChoiceUnknown: {
		Severity: SeverityError,
		Code:     CodeStructure,
		Template: "The type of element {element} is not known, which is illegal. Valid types at this point are {types}",
	},

	DiagTypeWrongJSONType: {
		Severity: SeverityError,
		Code:     CodeStructure,
		Template: "Error parsing JSON: the primitive value must be a {expected}, not a {actual}",
	},
	DiagTypeInvalidFormat: {
		Severity: SeverityError,
		Code:     CodeInvalid,
		Template: "The value '{value}' is not a valid {type}",
	},

	DiagCardinalityMin: {
		Severity: SeverityError,
		Code:     CodeStructure,
		Template: "{location}: minimum required = {min}, but only found {count}",
	},
	DiagCardinalityMax: {
		Severity: SeverityError,
		Code:     CodeStructure,
		Template: "{location}: max allowed = {max}, but found {count}",
	},
	DiagCardinalityMinUnchecked: {
		Severity: SeverityInformation,
		Code:     CodeNotSupported,
		Template: "{location}: Unable to check minimum required ({min}) due to lack of slicing validation",
	},

	DiagSliceNoMatchOpen: {
		Severity: SeverityInformation,
		Code:     CodeInformational,
		Template: "This element does not match any known slice for the profile {profile}",
	},
	DiagSliceNoMatchClosed: {
		Severity: SeverityError,
		Code:     CodeInvalid,
		Template: "This element does not match any known slice for profile {profile} and slicing is CLOSED",
	},
	DiagSliceMultiple: {
		Severity: SeverityError,
		Code:     CodeStructure,
		Template: "Element matches more than one slice - {first}, {second}",
	},
	DiagSliceUnverified: {
		Severity: SeverityInformation,
		Code:     CodeNotSupported,
		Template: "Could not verify slice for profile {profile}",
	},
	DiagSliceEvalError: {
		Severity: SeverityError,
		Code:     CodeProcessing,
		Template: "Problem evaluating slicing expression for element in profile {profile} path {path} (fhirPath = {expression}): {error}",
	},

	DiagProfileNoMatch: {
		Severity: SeverityError,
		Code:     CodeStructure,
		Template: "Unable to find matching profile among choices: {profiles}",
	},
	DiagProfileMultipleMatch: {
		Severity: SeverityWarning,
		Code:     CodeStructure,
		Template: "Found multiple matching profiles among choices: {profiles}",
	},
	DiagProfileNotFound: {
		Severity: SeverityWarning,
		Code:     CodeNotFound,
		Template: "Profile reference '{profile}' could not be resolved, so has not been checked",
	},

	DiagExtensionNoURL: {
		Severity: SeverityError,
		Code:     CodeRequired,
		Template: "Extension.url is required",
	},
	DiagExtensionNotAllowed: {
		Severity: SeverityError,
		Code:     CodeStructure,
		Template: "The extension {url} is unknown, and not allowed here",
	},
	DiagExtensionUnknown: {
		Severity: SeverityInformation,
		Code:     CodeStructure,
		Template: "Unknown extension {url}",
	},
	DiagExtensionSubUnknown: {
		Severity: SeverityError,
		Code:     CodeInvalid,
		Template: "Sub-extension url '{url}' is not defined by the Extension {parent}",
	},
	DiagExtensionCrossVersion: {
		Severity: SeverityError,
		Code:     CodeInvalid,
		Template: "Extension url '{url}' evaluation state is not valid ({reason})",
	},
	DiagExtensionContext: {
		Severity: SeverityError,
		Code:     CodeStructure,
		Template: "The extension {url} is not allowed to be used at this point (allowed = {allowed}; this element is [{context}])",
	},
	DiagExtensionModifier: {
		Severity: SeverityError,
		Code:     CodeStructure,
		Template: "Extension modifier mismatch: the extension element is {labelled} a modifier, but the underlying extension {actual}",
	},
	DiagExtensionMustBeMod: {
		Severity: SeverityError,
		Code:     CodeStructure,
		Template: "The Extension '{url}' must be used as a modifierExtension",
	},
	DiagExtensionMustNotBeMod: {
		Severity: SeverityError,
		Code:     CodeStructure,
		Template: "The Extension '{url}' must not be used as an extension (it's a modifierExtension)",
	},
	DiagExtensionSimpleNoValue: {
		Severity: SeverityError,
		Code:     CodeStructure,
		Template: "The Extension '{url}' definition is for a simple extension, so it must contain a value, not extensions",
	},
	DiagExtensionWrongType: {
		Severity: SeverityError,
		Code:     CodeStructure,
		Template: "The Extension '{url}' definition allows for the types [{allowed}] but found type {type}",
	},

	DiagReferenceUnresolved: {
		Severity: SeverityError,
		Code:     CodeStructure,
		Template: "Unable to resolve resource '{ref}'",
	},
	DiagReferenceFetchFailed: {
		Severity: SeverityWarning,
		Code:     CodeTransient,
		Template: "Unable to check resource '{ref}': the reference server failed ({error})",
	},
	DiagReferenceInvalidTarget: {
		Severity: SeverityError,
		Code:     CodeStructure,
		Template: "Invalid Resource target type. Found {type}, but expected one of ({allowed})",
	},
	DiagReferenceNotInBundle: {
		Severity: SeverityWarning,
		Code:     CodeRequired,
		Template: "URN reference is not locally contained within the bundle {ref}",
	},
	DiagReferenceAggregation: {
		Severity: SeverityError,
		Code:     CodeStructure,
		Template: "Reference is {kind} which isn't supported by the specified aggregation mode(s) for the reference",
	},
	DiagReferenceNoDisplay: {
		Severity: SeverityWarning,
		Code:     CodeStructure,
		Template: "A Reference without an actual reference or identifier should have a display",
	},

	DiagConstraintFailed: {
		Severity: SeverityError,
		Code:     CodeInvariant,
		Template: "{key}: {human}{detail} [{expression}]",
	},

	DiagBundleEmpty: {
		Severity: SeverityError,
		Code:     CodeInvalid,
		Template: "Documents or Messages must contain at least one entry",
	},
	DiagBundleFirstEntry: {
		Severity: SeverityError,
		Code:     CodeInvalid,
		Template: "The first entry in a {kind} must be a {type}",
	},
	DiagBundleUnreachable: {
		Severity: SeverityError,
		Code:     CodeInformational,
		Template: "Entry '{fullUrl}' isn't reachable by traversing from first Bundle entry",
	},
	DiagBundleRefNotFound: {
		Severity: SeverityError,
		Code:     CodeNotFound,
		Template: "Can't find '{ref}' in the bundle ({name})",
	},
	DiagBundleMultipleMatches: {
		Severity: SeverityError,
		Code:     CodeInvalid,
		Template: "Multiple matches in bundle for reference {ref}",
	},
}

// FormatDiagnostic formats a diagnostic message with the given parameters.
func FormatDiagnostic(id DiagnosticID, params map[string]any) string {
	tmpl, ok := diagnosticTemplates[id]
	if !ok {
		return string(id)
	}
	return formatTemplate(tmpl.Template, params)
}

// GetDiagnosticTemplate returns the template for a diagnostic ID.
func GetDiagnosticTemplate(id DiagnosticID) (DiagnosticTemplate, bool) {
	tmpl, ok := diagnosticTemplates[id]
	if ok {
		tmpl.ID = id
	}
	return tmpl, ok
}

// formatTemplate replaces {placeholder} with values from params.
func formatTemplate(template string, params map[string]any) string {
	result := template
	for key, value := range params {
		placeholder := "{" + key + "}"
		result = strings.ReplaceAll(result, placeholder, fmt.Sprint(value))
	}
	return result
}

// Report adds an issue using a diagnostic template at its catalog severity.
func (r *Result) Report(id DiagnosticID, loc Location, path string, params map[string]any) {
	tmpl, ok := diagnosticTemplates[id]
	if !ok {
		r.Add(SeverityError, CodeProcessing, loc, path, string(id))
		return
	}
	r.ReportAs(id, tmpl.Severity, loc, path, params)
}

// ReportAs adds an issue using a diagnostic template with an overridden severity.
func (r *Result) ReportAs(id DiagnosticID, sev Severity, loc Location, path string, params map[string]any) {
	tmpl, ok := diagnosticTemplates[id]
	if !ok {
		r.Add(sev, CodeProcessing, loc, path, string(id))
		return
	}
	r.Issues = append(r.Issues, Issue{
		Severity:    sev,
		Code:        tmpl.Code,
		Diagnostics: formatTemplate(tmpl.Template, params),
		Expression:  pathExpr(path),
		Location:    loc.ptr(),
		MessageID:   string(id),
	})
}

func pathExpr(path string) []string {
	if path == "" {
		return nil
	}
	return []string{path}
}
