package issue

import "strconv"

const (
	extIssueLine   = "http://hl7.org/fhir/StructureDefinition/operationoutcome-issue-line"
	extIssueCol    = "http://hl7.org/fhir/StructureDefinition/operationoutcome-issue-col"
	extIssueSource = "http://hl7.org/fhir/StructureDefinition/operationoutcome-issue-source"
	extMessageID   = "http://hl7.org/fhir/StructureDefinition/operationoutcome-message-id"
)

// OperationOutcome is the JSON shape of a FHIR OperationOutcome.
type OperationOutcome struct {
	ResourceType string         `json:"resourceType"`
	Issue        []OutcomeIssue `json:"issue"`
}

// OutcomeIssue is one OperationOutcome.issue entry.
type OutcomeIssue struct {
	Extension   []OutcomeExtension `json:"extension,omitempty"`
	Severity    string             `json:"severity"`
	Code        string             `json:"code"`
	Diagnostics string             `json:"diagnostics,omitempty"`
	Expression  []string           `json:"expression,omitempty"`
}

// OutcomeExtension carries line/column/source metadata.
type OutcomeExtension struct {
	URL          string `json:"url"`
	ValueInteger *int   `json:"valueInteger,omitempty"`
	ValueString  string `json:"valueString,omitempty"`
	ValueCode    string `json:"valueCode,omitempty"`
}

// ToOperationOutcome converts the result. An empty result yields a single
// informational "All OK" issue, as OperationOutcome requires at least one.
func (r *Result) ToOperationOutcome() *OperationOutcome {
	oo := &OperationOutcome{ResourceType: "OperationOutcome"}
	for _, iss := range r.Issues {
		out := OutcomeIssue{
			Severity:    string(iss.Severity),
			Code:        string(iss.Code),
			Diagnostics: iss.Diagnostics,
			Expression:  iss.Expression,
		}
		if iss.Location != nil {
			line, col := iss.Location.Line, iss.Location.Column
			out.Extension = append(out.Extension,
				OutcomeExtension{URL: extIssueLine, ValueInteger: &line},
				OutcomeExtension{URL: extIssueCol, ValueInteger: &col})
		}
		if iss.Source != "" {
			out.Extension = append(out.Extension, OutcomeExtension{URL: extIssueSource, ValueString: iss.Source})
		}
		if iss.MessageID != "" {
			out.Extension = append(out.Extension, OutcomeExtension{URL: extMessageID, ValueCode: iss.MessageID})
		}
		oo.Issue = append(oo.Issue, out)
	}
	if len(oo.Issue) == 0 {
		oo.Issue = append(oo.Issue, OutcomeIssue{
			Severity:    string(SeverityInformation),
			Code:        string(CodeInformational),
			Diagnostics: "All OK",
		})
	}
	return oo
}

// Summary returns "N errors, M warnings, K hints".
func (r *Result) Summary() string {
	return strconv.Itoa(r.ErrorCount()) + " errors, " +
		strconv.Itoa(r.WarningCount()) + " warnings, " +
		strconv.Itoa(r.InfoCount()) + " hints"
}
