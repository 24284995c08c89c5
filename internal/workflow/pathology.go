package workflow

const PathologyReportProfile = "http://hl7.org/fhir/us/cancer-reporting/StructureDefinition/us-pathology-diagnostic-report"

// BuildPathologyReport returns a final pathology synoptic DiagnosticReport
// about subject. performer and results are references; an empty performer
// is left out.
func BuildPathologyReport(subject, performer string, results []string) map[string]interface{} {
	r := map[string]interface{}{
		"resourceType": "DiagnosticReport",
		"meta":         map[string]interface{}{"profile": []interface{}{PathologyReportProfile}},
		"status":       "final",
		"category": []interface{}{
			map[string]interface{}{"coding": []interface{}{
				map[string]interface{}{"system": "http://terminology.hl7.org/CodeSystem/v2-0074", "code": "PAT", "display": "Pathology"},
			}},
		},
		"code": map[string]interface{}{"coding": []interface{}{
			map[string]interface{}{"system": "http://loinc.org", "code": "60568-3", "display": "Pathology Synoptic report"},
		}},
		"subject": map[string]interface{}{"reference": subject},
	}
	if performer != "" {
		r["performer"] = []interface{}{map[string]interface{}{"reference": performer}}
	}
	if len(results) > 0 {
		refs := make([]interface{}, len(results))
		for i, ref := range results {
			refs[i] = map[string]interface{}{"reference": ref}
		}
		r["result"] = refs
	}
	return r
}
