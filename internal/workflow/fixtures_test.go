package workflow

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ehr/phreport/internal/platform/delivery"
	"github.com/ehr/phreport/internal/platform/fhir"
	"github.com/ehr/phreport/internal/platform/metrics"
	"github.com/ehr/phreport/internal/platform/store"
	"github.com/ehr/phreport/internal/platform/validation"
)

const (
	testPlanURL        = "http://example.org/PlanDefinition/cancer-reporting"
	testReportEndpoint = "https://ph.example.org/fhir/$process-message"
	testMRNSystem      = "http://hospital.example.org/mrn"
)

func testMetrics() *metrics.Metrics {
	return metrics.NewWithRegistry(prometheus.NewRegistry())
}

func newTestStore() *store.InMemoryStore {
	return store.NewInMemoryStore(validation.New(zerolog.Nop(), true))
}

func mustCreate(t *testing.T, st store.Store, r map[string]interface{}) map[string]interface{} {
	t.Helper()
	out, err := st.Create(context.Background(), r)
	require.NoError(t, err)
	return out
}

func patient(id string) map[string]interface{} {
	return map[string]interface{}{
		"resourceType": "Patient",
		"id":           id,
		"gender":       "female",
		"identifier": []interface{}{
			map[string]interface{}{"system": testMRNSystem, "value": id},
		},
	}
}

// pathologyReport is a cancer pathology DiagnosticReport for patientID.
func pathologyReport(id, patientID string) map[string]interface{} {
	r := BuildPathologyReport("Patient/"+patientID, "", nil)
	r["id"] = id
	return r
}

func collectionBundle(resources ...map[string]interface{}) map[string]interface{} {
	entries := make([]interface{}, len(resources))
	for i, r := range resources {
		entries[i] = map[string]interface{}{"resource": r}
	}
	return map[string]interface{}{"resourceType": "Bundle", "id": "incoming", "type": "collection", "entry": entries}
}

// --- plan builders ----------------------------------------------------------

type actionOpt func(map[string]interface{})

func act(id string, code ActionCode, opts ...actionOpt) map[string]interface{} {
	a := map[string]interface{}{"id": id}
	if code != "" {
		a["code"] = []interface{}{map[string]interface{}{"coding": []interface{}{
			map[string]interface{}{"system": ActionCodeSystem, "code": string(code)},
		}}}
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func appendTo(a map[string]interface{}, key string, v interface{}) {
	list, _ := a[key].([]interface{})
	a[key] = append(list, v)
}

func withInput(in map[string]interface{}) actionOpt {
	return func(a map[string]interface{}) { appendTo(a, "input", in) }
}

func withQueryInput(id, resourceType, pattern string) actionOpt {
	return withInput(map[string]interface{}{
		"id":   id,
		"type": resourceType,
		"extension": []interface{}{
			map[string]interface{}{"url": QueryPatternExtension, "valueString": pattern},
		},
	})
}

func withOutput(resourceType string, profiles ...string) actionOpt {
	return func(a map[string]interface{}) {
		out := map[string]interface{}{"type": resourceType}
		if len(profiles) > 0 {
			list := make([]interface{}, len(profiles))
			for i, p := range profiles {
				list[i] = p
			}
			out["profile"] = list
		}
		appendTo(a, "output", out)
	}
}

func withCondition(expr string) actionOpt {
	return func(a map[string]interface{}) {
		appendTo(a, "condition", map[string]interface{}{
			"kind":       "applicability",
			"expression": map[string]interface{}{"language": FHIRPathLanguage, "expression": expr},
		})
	}
}

func withRelated(actionID, relationship string) actionOpt {
	return func(a map[string]interface{}) {
		appendTo(a, "relatedAction", map[string]interface{}{"actionId": actionID, "relationship": relationship})
	}
}

func withChildren(children ...map[string]interface{}) actionOpt {
	return func(a map[string]interface{}) {
		for _, c := range children {
			appendTo(a, "action", c)
		}
	}
}

func withNamedEvent(code string) actionOpt {
	return func(a map[string]interface{}) {
		appendTo(a, "trigger", map[string]interface{}{
			"type": "named-event",
			"extension": []interface{}{
				map[string]interface{}{
					"url": NamedEventExtension,
					"valueCodeableConcept": map[string]interface{}{"coding": []interface{}{
						map[string]interface{}{"system": NamedEventSystem, "code": code},
					}},
				},
			},
		})
	}
}

func planResource(actions ...map[string]interface{}) map[string]interface{} {
	list := make([]interface{}, len(actions))
	for i, a := range actions {
		list[i] = a
	}
	return map[string]interface{}{
		"resourceType": "PlanDefinition",
		"id":           "cancer-reporting",
		"url":          testPlanURL,
		"version":      "1.0.0",
		"name":         "CancerReporting",
		"status":       "active",
		"action":       list,
	}
}

func mustParse(t *testing.T, actions ...map[string]interface{}) *Plan {
	t.Helper()
	p, err := ParsePlan(planResource(actions...))
	require.NoError(t, err)
	return p
}

// recordingSubmitter captures submitted reports.
type recordingSubmitter struct {
	endpoints []string
	reports   []map[string]interface{}
}

func (s *recordingSubmitter) Submit(_ context.Context, endpoint string, report map[string]interface{}) (*delivery.Attempt, error) {
	s.endpoints = append(s.endpoints, endpoint)
	s.reports = append(s.reports, fhir.Clone(report))
	return &delivery.Attempt{StatusCode: 200, Status: "success"}, nil
}
