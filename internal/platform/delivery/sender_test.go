package delivery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/phreport/internal/platform/auth"
	"github.com/ehr/phreport/internal/platform/metrics"
)

func TestSubmit_PostsReportWithBearerToken(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, contentType, r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"resourceType":"OperationOutcome"}`))
	}))
	defer srv.Close()

	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	s := NewSender(auth.StaticToken("secret"), zerolog.Nop(), WithHTTPClient(srv.Client()), WithMetrics(m))

	report := map[string]interface{}{"resourceType": "Bundle", "type": "message"}
	attempt, err := s.Submit(context.Background(), srv.URL+"/$process-message", report)
	require.NoError(t, err)

	assert.Equal(t, "success", attempt.Status)
	assert.Equal(t, http.StatusAccepted, attempt.StatusCode)
	assert.Contains(t, attempt.ResponseBody, "OperationOutcome")
	assert.NotEmpty(t, attempt.ID)
	assert.Equal(t, "message", got["type"])
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReportsSubmittedTotal.WithLabelValues("success")))
}

func TestSubmit_Non2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	s := NewSender(nil, zerolog.Nop(), WithHTTPClient(srv.Client()), WithMetrics(m))

	attempt, err := s.Submit(context.Background(), srv.URL, map[string]interface{}{"resourceType": "Bundle"})
	require.Error(t, err)
	assert.Equal(t, "failed", attempt.Status)
	assert.Equal(t, http.StatusBadRequest, attempt.StatusCode)
	assert.Contains(t, attempt.Error, "400")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReportsSubmittedTotal.WithLabelValues("failed")))
}

func TestSubmit_UnreachableEndpoint(t *testing.T) {
	s := NewSender(nil, zerolog.Nop())
	attempt, err := s.Submit(context.Background(), "http://127.0.0.1:1/report", map[string]interface{}{"resourceType": "Bundle"})
	require.Error(t, err)
	assert.Equal(t, 0, attempt.StatusCode)
}
