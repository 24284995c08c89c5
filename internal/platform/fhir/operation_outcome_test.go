package fhir

import (
	"testing"
)

func TestHasBlockingIssues(t *testing.T) {
	cases := []struct {
		severity string
		want     bool
	}{
		{IssueSeverityFatal, true},
		{IssueSeverityError, true},
		{IssueSeverityWarning, true},
		{IssueSeverityInformation, false},
	}
	for _, c := range cases {
		issues := []OperationOutcomeIssue{{Severity: c.severity, Code: IssueTypeProcessing}}
		if got := HasBlockingIssues(issues); got != c.want {
			t.Errorf("HasBlockingIssues(%s) = %v, want %v", c.severity, got, c.want)
		}
	}
	if HasBlockingIssues(nil) {
		t.Error("expected no blocking issues for an empty list")
	}
}

func TestOutcomeBuilder(t *testing.T) {
	oo := NewOutcomeBuilder().
		AddIssue(IssueSeverityWarning, IssueTypeInvariant, "bdl-1").
		AddIssueWithLocation(IssueSeverityError, IssueTypeRequired, "type is required", "Bundle.type").
		Build()

	if oo.ResourceType != "OperationOutcome" {
		t.Errorf("expected OperationOutcome, got %s", oo.ResourceType)
	}
	if len(oo.Issue) != 2 {
		t.Fatalf("expected 2 issues, got %d", len(oo.Issue))
	}
	if !oo.HasErrors() {
		t.Error("expected HasErrors to be true")
	}
	if oo.Issue[1].Expression[0] != "Bundle.type" {
		t.Errorf("unexpected expression %v", oo.Issue[1].Expression)
	}
}

func TestIssuesFromOutcome(t *testing.T) {
	m := map[string]interface{}{
		"resourceType": "OperationOutcome",
		"issue": []interface{}{
			map[string]interface{}{
				"severity":    "warning",
				"code":        "invariant",
				"diagnostics": "dom-6",
				"expression":  []interface{}{"Bundle.entry[0]"},
			},
			"not-an-object",
		},
	}
	issues := IssuesFromOutcome(m)
	if len(issues) != 1 {
		t.Fatalf("expected 1 issue, got %d", len(issues))
	}
	if issues[0].Severity != "warning" || issues[0].Expression[0] != "Bundle.entry[0]" {
		t.Errorf("unexpected issue: %+v", issues[0])
	}
}
