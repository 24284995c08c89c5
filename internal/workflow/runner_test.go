package workflow

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/phreport/internal/platform/store"
)

func bundleRequest(actionID string) RunRequest {
	return RunRequest{
		Coordinates: Coordinates{PlanURL: testPlanURL, ActionID: actionID, ReportEndpoint: testReportEndpoint},
		Resource:    collectionBundle(patient("p1"), pathologyReport("dr1", "p1")),
	}
}

func TestRun_CompletedLeavesNoTemporaries(t *testing.T) {
	svc := seededService(t)

	outcome, err := svc.runner.Run(context.Background(), bundleRequest("start"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)
	assert.Equal(t, 1, svc.store.Len())
	assert.Equal(t, float64(3), testutil.ToFloat64(svc.metrics.TemporaryResourcesDeleted))
}

func TestRun_PlanNotFound(t *testing.T) {
	svc := newService(t, newTestStore(), newTestStore())

	outcome, err := svc.runner.Run(context.Background(), bundleRequest("start"))
	assert.Equal(t, OutcomeFailed, outcome)
	assert.ErrorIs(t, err, ErrPlanNotFound)
	assert.True(t, IsClientError(err))
	assert.Equal(t, float64(1), testutil.ToFloat64(svc.metrics.RunsTotal.WithLabelValues("failed")))
}

func TestRun_UnknownActionCleansUp(t *testing.T) {
	svc := seededService(t)

	outcome, err := svc.runner.Run(context.Background(), bundleRequest("missing"))
	assert.Equal(t, OutcomeFailed, outcome)
	assert.ErrorIs(t, err, ErrActionNotFound)
	assert.True(t, IsClientError(err))
	assert.Equal(t, 1, svc.store.Len())
}

func TestRun_CanceledContextStillTearsDown(t *testing.T) {
	svc := seededService(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome, err := svc.runner.Run(ctx, bundleRequest("start"))
	assert.Equal(t, OutcomeFailed, outcome)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, IsClientError(err))
	assert.Equal(t, 1, svc.store.Len())
}

// deleteFailingStore refuses every delete.
type deleteFailingStore struct{ store.Store }

func (deleteFailingStore) Delete(context.Context, string, string) error {
	return errors.New("store unavailable")
}

func TestRun_TeardownFailureDoesNotReplaceResult(t *testing.T) {
	mem := newTestStore()
	mustCreate(t, mem, planResource(act("start", CodeCompleteReporting)))
	svc := newService(t, deleteFailingStore{mem}, mem)

	outcome, err := svc.runner.Run(context.Background(), bundleRequest("start"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)
	assert.Equal(t, float64(2), testutil.ToFloat64(svc.metrics.CleanupFailuresTotal))
	assert.Equal(t, 3, mem.Len())
}
