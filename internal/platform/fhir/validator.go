package fhir

import (
	"fmt"
	"regexp"
	"strings"
)

// referencePattern matches relative references in the format "ResourceType/id".
var referencePattern = regexp.MustCompile(`^[A-Z][a-zA-Z]+/[A-Za-z0-9\-\.]{1,64}(/_history/[A-Za-z0-9\-\.]{1,64})?$`)

// uuidURNPattern matches bundle-local references such as "urn:uuid:...".
var uuidURNPattern = regexp.MustCompile(`^urn:uuid:[0-9a-fA-F\-]{36}$`)

// knownResourceTypes lists FHIR R4 resource types that flow through reporting
// workflows.
var knownResourceTypes = map[string]bool{
	"Patient": true, "Practitioner": true, "PractitionerRole": true,
	"Organization": true, "Location": true, "Encounter": true,
	"Condition": true, "Observation": true, "AllergyIntolerance": true,
	"Procedure": true, "Medication": true, "MedicationRequest": true,
	"MedicationAdministration": true, "MedicationDispense": true,
	"MedicationStatement": true, "ServiceRequest": true,
	"DiagnosticReport": true, "Specimen": true, "Immunization": true,
	"Coverage": true, "DocumentReference": true, "Composition": true,
	"Bundle": true, "MessageHeader": true, "OperationOutcome": true,
	"PlanDefinition": true, "ValueSet": true, "Subscription": true,
	"Parameters": true, "Endpoint": true, "CarePlan": true, "Goal": true,
}

// statusValues maps resource types to their valid status values per FHIR R4.
var statusValues = map[string][]string{
	"Encounter":                {"planned", "arrived", "triaged", "in-progress", "onleave", "finished", "cancelled", "entered-in-error", "unknown"},
	"Observation":              {"registered", "preliminary", "final", "amended", "corrected", "cancelled", "entered-in-error", "unknown"},
	"Procedure":                {"preparation", "in-progress", "not-done", "on-hold", "stopped", "completed", "entered-in-error", "unknown"},
	"Medication":               {"active", "inactive", "entered-in-error"},
	"MedicationRequest":        {"active", "on-hold", "cancelled", "completed", "entered-in-error", "stopped", "draft", "unknown"},
	"MedicationAdministration": {"in-progress", "not-done", "on-hold", "completed", "entered-in-error", "stopped", "unknown"},
	"MedicationDispense":       {"preparation", "in-progress", "cancelled", "on-hold", "completed", "entered-in-error", "stopped", "declined", "unknown"},
	"MedicationStatement":      {"active", "completed", "entered-in-error", "intended", "stopped", "on-hold", "unknown", "not-taken"},
	"ServiceRequest":           {"draft", "active", "on-hold", "revoked", "completed", "entered-in-error", "unknown"},
	"DiagnosticReport":         {"registered", "partial", "preliminary", "final", "amended", "corrected", "appended", "cancelled", "entered-in-error", "unknown"},
	"Immunization":             {"completed", "entered-in-error", "not-done"},
	"PlanDefinition":           {"draft", "active", "retired", "unknown"},
	"ValueSet":                 {"draft", "active", "retired", "unknown"},
	"Subscription":             {"requested", "active", "error", "off"},
}

// ValidationResult holds the results of a FHIR resource validation.
type ValidationResult struct {
	Valid  bool
	Issues []OperationOutcomeIssue
}

func (vr *ValidationResult) add(issue OperationOutcomeIssue) {
	if issue.IsBlocking() {
		vr.Valid = false
	}
	vr.Issues = append(vr.Issues, issue)
}

// Validator performs structural checks on a resource held as a map. Bundles
// are checked entry by entry.
type Validator struct{}

// NewValidator creates a new FHIR Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateResourceMap validates a resource already parsed as a map.
func (v *Validator) ValidateResourceMap(resource map[string]interface{}) *ValidationResult {
	result := &ValidationResult{Valid: true}
	v.validate(resource, "", result)
	return result
}

func (v *Validator) validate(resource map[string]interface{}, path string, result *ValidationResult) {
	if !v.validateResourceType(resource, path, result) {
		return
	}
	v.validateStatus(resource, path, result)
	v.walkReferences(resource, path, result)

	if TypeOf(resource) != "Bundle" {
		return
	}
	for i, e := range Objects(resource, "entry") {
		r := Object(e, "resource")
		if r == nil {
			continue
		}
		v.validate(r, join(path, fmt.Sprintf("entry[%d].resource", i)), result)
	}
}

// validateResourceType checks that resourceType is present and recognized.
func (v *Validator) validateResourceType(resource map[string]interface{}, path string, result *ValidationResult) bool {
	at := join(path, "resourceType")
	rt, ok := resource["resourceType"]
	if !ok {
		result.add(OperationOutcomeIssue{
			Severity:    IssueSeverityError,
			Code:        IssueTypeRequired,
			Diagnostics: "resourceType is required",
			Expression:  []string{at},
		})
		return false
	}

	rtStr, ok := rt.(string)
	if !ok || rtStr == "" {
		result.add(OperationOutcomeIssue{
			Severity:    IssueSeverityError,
			Code:        IssueTypeValue,
			Diagnostics: "resourceType must be a non-empty string",
			Expression:  []string{at},
		})
		return false
	}

	if !knownResourceTypes[rtStr] {
		result.add(OperationOutcomeIssue{
			Severity:    IssueSeverityError,
			Code:        IssueTypeValue,
			Diagnostics: fmt.Sprintf("unknown resourceType: %s", rtStr),
			Expression:  []string{at},
		})
		return false
	}
	return true
}

// validateStatus checks that status values match the valid set for the resource type.
func (v *Validator) validateStatus(resource map[string]interface{}, path string, result *ValidationResult) {
	status, ok := resource["status"]
	if !ok {
		return
	}
	at := join(path, "status")

	statusStr, ok := status.(string)
	if !ok {
		result.add(OperationOutcomeIssue{
			Severity:    IssueSeverityError,
			Code:        IssueTypeValue,
			Diagnostics: "status must be a string",
			Expression:  []string{at},
		})
		return
	}

	rt := TypeOf(resource)
	validStatuses, hasStatuses := statusValues[rt]
	if !hasStatuses {
		return
	}
	for _, vs := range validStatuses {
		if vs == statusStr {
			return
		}
	}

	result.add(OperationOutcomeIssue{
		Severity:    IssueSeverityError,
		Code:        IssueTypeCodeInvalid,
		Diagnostics: fmt.Sprintf("invalid status '%s' for %s; valid values: %s", statusStr, rt, strings.Join(validStatuses, ", ")),
		Expression:  []string{at},
	})
}

// walkReferences recursively checks reference fields. Nested bundle entry
// resources are skipped here and validated on their own.
func (v *Validator) walkReferences(obj map[string]interface{}, path string, result *ValidationResult) {
	for key, val := range obj {
		if key == "entry" && TypeOf(obj) == "Bundle" {
			continue
		}
		currentPath := join(path, key)

		switch typedVal := val.(type) {
		case map[string]interface{}:
			if refStr, ok := typedVal["reference"].(string); ok && refStr != "" {
				if !ValidateReferenceFormat(refStr) {
					result.add(OperationOutcomeIssue{
						Severity:    IssueSeverityError,
						Code:        IssueTypeValue,
						Diagnostics: fmt.Sprintf("invalid reference format '%s'; expected 'ResourceType/id', an absolute URL or urn:uuid", refStr),
						Expression:  []string{currentPath + ".reference"},
					})
				}
			}
			v.walkReferences(typedVal, currentPath, result)

		case []interface{}:
			for i, item := range typedVal {
				if m, ok := item.(map[string]interface{}); ok {
					v.walkReferences(m, fmt.Sprintf("%s[%d]", currentPath, i), result)
				}
			}
		}
	}
}

// ValidateReferenceFormat accepts relative, absolute, urn:uuid and contained references.
func ValidateReferenceFormat(ref string) bool {
	switch {
	case strings.HasPrefix(ref, "#"):
		return len(ref) > 1
	case strings.HasPrefix(ref, "urn:uuid:"):
		return uuidURNPattern.MatchString(ref)
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		typ, id := SplitReference(ref)
		return referencePattern.MatchString(typ + "/" + id)
	}
	return referencePattern.MatchString(ref)
}

// IsKnownResourceType returns true if the resource type is recognized.
func IsKnownResourceType(rt string) bool {
	return knownResourceTypes[rt]
}

func join(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}
