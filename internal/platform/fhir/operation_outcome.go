package fhir

import "fmt"

// OperationOutcome severity levels per FHIR R4 spec.
const (
	IssueSeverityFatal       = "fatal"
	IssueSeverityError       = "error"
	IssueSeverityWarning     = "warning"
	IssueSeverityInformation = "information"
)

// OperationOutcome issue type codes used by this service.
const (
	IssueTypeInvalid      = "invalid"
	IssueTypeStructure    = "structure"
	IssueTypeRequired     = "required"
	IssueTypeValue        = "value"
	IssueTypeInvariant    = "invariant"
	IssueTypeNotFound     = "not-found"
	IssueTypeProcessing   = "processing"
	IssueTypeNotSupported = "not-supported"
	IssueTypeException    = "exception"
	IssueTypeCodeInvalid  = "code-invalid"
)

// blockingSeverities are the severities that stop a report from being submitted,
// warnings included.
var blockingSeverities = map[string]bool{
	IssueSeverityFatal:   true,
	IssueSeverityError:   true,
	IssueSeverityWarning: true,
}

// IsBlocking reports whether the issue severity blocks report submission.
func (i OperationOutcomeIssue) IsBlocking() bool {
	return blockingSeverities[i.Severity]
}

// HasBlockingIssues returns true if any issue is fatal, error or warning.
func HasBlockingIssues(issues []OperationOutcomeIssue) bool {
	for _, issue := range issues {
		if issue.IsBlocking() {
			return true
		}
	}
	return false
}

// OutcomeBuilder provides a fluent API for constructing OperationOutcome resources.
type OutcomeBuilder struct {
	outcome *OperationOutcome
}

// NewOutcomeBuilder creates a new OutcomeBuilder.
func NewOutcomeBuilder() *OutcomeBuilder {
	return &OutcomeBuilder{
		outcome: &OperationOutcome{
			ResourceType: "OperationOutcome",
		},
	}
}

// AddIssue adds a single issue to the OperationOutcome.
func (b *OutcomeBuilder) AddIssue(severity, code, diagnostics string) *OutcomeBuilder {
	b.outcome.Issue = append(b.outcome.Issue, OperationOutcomeIssue{
		Severity:    severity,
		Code:        code,
		Diagnostics: diagnostics,
	})
	return b
}

// AddIssueWithLocation adds an issue including an expression/location path.
func (b *OutcomeBuilder) AddIssueWithLocation(severity, code, diagnostics, location string) *OutcomeBuilder {
	b.outcome.Issue = append(b.outcome.Issue, OperationOutcomeIssue{
		Severity:    severity,
		Code:        code,
		Diagnostics: diagnostics,
		Expression:  []string{location},
	})
	return b
}

// Build returns the constructed OperationOutcome.
func (b *OutcomeBuilder) Build() *OperationOutcome {
	return b.outcome
}

// HasErrors returns true if the outcome contains any error or fatal issues.
func (o *OperationOutcome) HasErrors() bool {
	for _, issue := range o.Issue {
		if issue.Severity == IssueSeverityError || issue.Severity == IssueSeverityFatal {
			return true
		}
	}
	return false
}

// RequiredFieldOutcome creates an OperationOutcome for a missing required field.
func RequiredFieldOutcome(field string) *OperationOutcome {
	return NewOutcomeBuilder().
		AddIssueWithLocation(IssueSeverityError, IssueTypeRequired, fmt.Sprintf("%s is required", field), field).
		Build()
}

// InternalErrorOutcome creates an OperationOutcome for internal server errors.
func InternalErrorOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityFatal, IssueTypeException, diagnostics)
}

// MultipleIssuesOutcome wraps a list of issues, e.g. from validation.
func MultipleIssuesOutcome(issues []OperationOutcomeIssue) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue:        issues,
	}
}

// IssuesFromOutcome extracts the issue list from a decoded OperationOutcome map,
// as returned by a remote $validate call.
func IssuesFromOutcome(m map[string]interface{}) []OperationOutcomeIssue {
	raw, _ := m["issue"].([]interface{})
	issues := make([]OperationOutcomeIssue, 0, len(raw))
	for _, r := range raw {
		im, ok := r.(map[string]interface{})
		if !ok {
			continue
		}
		issue := OperationOutcomeIssue{
			Severity:    String(im, "severity"),
			Code:        String(im, "code"),
			Diagnostics: String(im, "diagnostics"),
		}
		for _, e := range Slice(im, "expression") {
			if s, ok := e.(string); ok {
				issue.Expression = append(issue.Expression, s)
			}
		}
		issues = append(issues, issue)
	}
	return issues
}
