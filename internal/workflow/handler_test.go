package workflow

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/phreport/internal/platform/fhir"
	"github.com/ehr/phreport/internal/platform/metrics"
	"github.com/ehr/phreport/internal/platform/store"
)

type service struct {
	store   *store.InMemoryStore
	runner  *Runner
	handler *Handler
	metrics *metrics.Metrics
	sub     *recordingSubmitter
}

func newService(t *testing.T, st store.Store, mem *store.InMemoryStore) *service {
	t.Helper()
	m := testMetrics()
	sub := &recordingSubmitter{}
	plans := NewPlanResolver(st)
	runner := NewRunner(plans,
		NewContextManager(st, testMRNSystem, m, zerolog.Nop()),
		NewInterpreter(st, sub, InterpreterConfig{}, m, zerolog.Nop()),
		m, zerolog.Nop())
	return &service{
		store:   mem,
		runner:  runner,
		handler: NewHandler(runner, plans, st, testSubscriptionParams(), zerolog.Nop()),
		metrics: m,
		sub:     sub,
	}
}

// reportingPlan creates, validates and submits a report for a pathology
// result.
func reportingPlan() map[string]interface{} {
	return planResource(
		act("start", CodeInitiateReportingWorkflow,
			withNamedEvent("new-labresult"),
			withRelated("route", "before-start"),
		),
		act("route", CodeExecuteReportingWorkflow, withChildren(
			act("create", CodeCreateReport,
				withQueryInput("path-reports", "DiagnosticReport", "DiagnosticReport?patient={{context.patientId}}"),
				withOutput("Bundle"),
				withRelated("validate", "before-start"),
			),
		)),
		act("validate", CodeValidateReport,
			withInput(map[string]interface{}{"id": "reports", "type": "Bundle"}),
			withRelated("submit", "before-start"),
		),
		act("submit", CodeSubmitReport,
			withInput(map[string]interface{}{"id": "reports", "type": "Bundle"}),
		),
	)
}

func seededService(t *testing.T) *service {
	t.Helper()
	mem := newTestStore()
	mustCreate(t, mem, reportingPlan())
	return newService(t, mem, mem)
}

func notifyRequest(body string, headers map[string]string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/notify", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, "application/fhir+json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req
}

func notifyHeaders() map[string]string {
	return map[string]string{
		HeaderPlan:           url.QueryEscape(testPlanURL),
		HeaderAction:         "start",
		HeaderReportEndpoint: url.QueryEscape(testReportEndpoint),
	}
}

func serve(h *Handler, req *http.Request) *httptest.ResponseRecorder {
	e := echo.New()
	h.RegisterRoutes(e)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestNotify_BundleRunsWholeWorkflow(t *testing.T) {
	svc := seededService(t)
	bundle := collectionBundle(patient("p1"), pathologyReport("dr1", "p1"))
	delete(bundle, "id")
	body, err := json.Marshal(bundle)
	require.NoError(t, err)

	rec := serve(svc.handler, notifyRequest(string(body), notifyHeaders()))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"completed"`)

	require.Len(t, svc.sub.reports, 1)
	assert.Equal(t, testReportEndpoint, svc.sub.endpoints[0])
	report := svc.sub.reports[0]
	assert.Equal(t, "message", fhir.String(report, "type"))

	// only the plan is left once the run is torn down
	assert.Equal(t, 1, svc.store.Len())
	assert.Equal(t, float64(1), testutil.ToFloat64(svc.metrics.RunsTotal.WithLabelValues("completed")))
}

func TestNotify_StoredResourceIsReadBack(t *testing.T) {
	svc := seededService(t)
	mustCreate(t, svc.store, patient("p1"))
	mustCreate(t, svc.store, pathologyReport("dr1", "p1"))

	rec := serve(svc.handler, notifyRequest(`{"resourceType":"DiagnosticReport","id":"dr1"}`, notifyHeaders()))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, svc.sub.reports, 1)

	content := fhir.EntryResources(svc.sub.reports[0])[1]
	var keys []string
	for _, r := range fhir.EntryResources(content) {
		keys = append(keys, fhir.Key(r))
	}
	assert.Equal(t, []string{"Patient/p1", "DiagnosticReport/dr1"}, keys)
	assert.Equal(t, 3, svc.store.Len())
}

func TestNotify_MissingHeaders(t *testing.T) {
	for _, missing := range []string{HeaderPlan, HeaderAction, HeaderReportEndpoint} {
		t.Run(missing, func(t *testing.T) {
			svc := seededService(t)
			headers := notifyHeaders()
			delete(headers, missing)
			rec := serve(svc.handler, notifyRequest(`{"resourceType":"Patient","id":"p1"}`, headers))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), missing)
		})
	}
}

func TestNotify_InvalidBody(t *testing.T) {
	svc := seededService(t)
	rec := serve(svc.handler, notifyRequest(`{"id":"x"}`, notifyHeaders()))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNotify_NotApplicable(t *testing.T) {
	svc := seededService(t)
	rec := serve(svc.handler, notifyRequest(`{"resourceType":"Organization","name":"no patient here"}`, notifyHeaders()))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "cannot be handled")
	assert.Empty(t, svc.sub.reports)
	assert.Equal(t, float64(1), testutil.ToFloat64(svc.metrics.RunsTotal.WithLabelValues("not_applicable")))
}

func TestNotify_UnknownPlanIsClientError(t *testing.T) {
	svc := seededService(t)
	headers := notifyHeaders()
	headers[HeaderPlan] = url.QueryEscape("http://example.org/PlanDefinition/unknown")
	rec := serve(svc.handler, notifyRequest(`{"resourceType":"Patient","name":[{"family":"X"}]}`, headers))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestNotify_FailureIsServerErrorAndCleansUp(t *testing.T) {
	mem := newTestStore()
	mustCreate(t, mem, planResource(
		act("start", CodeCreateReport,
			withOutput("Bundle"),
			withRelated("submit", "before-start"),
		),
		// no Bundle input, so the report cannot be located
		act("submit", CodeSubmitReport),
	))
	svc := newService(t, mem, mem)

	body, _ := json.Marshal(map[string]interface{}{
		"resourceType": "Bundle",
		"type":         "collection",
		"entry":        []interface{}{map[string]interface{}{"resource": patient("p1")}},
	})
	rec := serve(svc.handler, notifyRequest(string(body), notifyHeaders()))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "report not found")
	assert.Equal(t, 1, mem.Len())
	assert.Equal(t, float64(1), testutil.ToFloat64(svc.metrics.RunsTotal.WithLabelValues("failed")))
}

func TestGenerateSubscriptionsEndpoint(t *testing.T) {
	svc := seededService(t)

	rec := serve(svc.handler, httptest.NewRequest(http.MethodPost, "/subscriptions/$generate", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var bundle map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &bundle))
	subs := fhir.EntryResources(bundle)
	require.Len(t, subs, 1)
	assert.Equal(t, "Observation?category=laboratory", fhir.String(subs[0], "criteria"))
	assert.Empty(t, fhir.IDOf(subs[0]))
	assert.Equal(t, 1, svc.store.Len())

	rec = serve(svc.handler, httptest.NewRequest(http.MethodPost, "/subscriptions/$generate?register=true", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &bundle))
	assert.NotEmpty(t, fhir.IDOf(fhir.EntryResources(bundle)[0]))
	assert.Equal(t, 2, svc.store.Len())

	rec = serve(svc.handler, httptest.NewRequest(http.MethodPost, "/subscriptions/$generate?plan="+url.QueryEscape("http://example.org/nope"), nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
