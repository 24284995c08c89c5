package validation

import "github.com/ehr/phreport/internal/platform/fhir"

// DefaultConstraints returns the FHIR R4 Bundle invariants relevant to message
// reports plus the reporting rules for message headers and content bundles.
func DefaultConstraints() []Constraint {
	return []Constraint{
		{
			Key:        "bdl-1",
			Context:    "Bundle",
			Severity:   fhir.IssueSeverityError,
			Human:      "total only when a search or history",
			Expression: "total.empty() or (type = 'searchset') or (type = 'history')",
		},
		{
			Key:        "bdl-2",
			Context:    "Bundle",
			Severity:   fhir.IssueSeverityError,
			Human:      "entry.search only when a search",
			Expression: "entry.search.empty() or (type = 'searchset')",
		},
		{
			Key:        "bdl-12",
			Context:    "Bundle",
			Severity:   fhir.IssueSeverityError,
			Human:      "A message must start with a MessageHeader",
			Expression: "type = 'message' implies entry.first().resource.is(MessageHeader)",
		},
		{
			Key:        "rpt-bdl-1",
			Context:    "Bundle",
			Severity:   fhir.IssueSeverityError,
			Human:      "A report message carries a content bundle after its header",
			Expression: "type = 'message' implies entry.count() >= 2",
		},
		{
			Key:        "rpt-bdl-2",
			Context:    "Bundle",
			Severity:   fhir.IssueSeverityError,
			Human:      "A content bundle is not empty",
			Expression: "type = 'collection' implies entry.exists()",
		},
		{
			Key:        "rpt-msh-1",
			Context:    "MessageHeader",
			Severity:   fhir.IssueSeverityError,
			Human:      "A report header names its event",
			Expression: "eventCoding.code.exists()",
		},
		{
			Key:        "rpt-msh-2",
			Context:    "MessageHeader",
			Severity:   fhir.IssueSeverityError,
			Human:      "A report header has a destination endpoint",
			Expression: "destination.exists() and destination.all(endpoint.exists())",
		},
		{
			Key:        "rpt-msh-3",
			Context:    "MessageHeader",
			Severity:   fhir.IssueSeverityError,
			Human:      "A report header points at its content",
			Expression: "focus.exists()",
		},
		{
			Key:        "rpt-msh-4",
			Context:    "MessageHeader",
			Severity:   fhir.IssueSeverityWarning,
			Human:      "A report header should carry a reason",
			Expression: "reason.coding.exists()",
		},
	}
}
