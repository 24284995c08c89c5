package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/phreport/internal/platform/fhir"
	"github.com/ehr/phreport/internal/platform/metrics"
)

// Outcome is how a run ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	// OutcomeNotApplicable means no run context could be built for the
	// notification, e.g. a resource without a patient.
	OutcomeNotApplicable Outcome = "not_applicable"
)

// RunRequest describes one notification to process. Resource, when set, is
// used as the notifying resource; otherwise ResourceType/ResourceID are
// read from the store.
type RunRequest struct {
	Coordinates
	ResourceType string
	ResourceID   string
	Resource     map[string]interface{}
}

// Runner ties plan resolution, context management and the interpreter
// together for one notification.
type Runner struct {
	plans    *PlanResolver
	contexts *ContextManager
	interp   *Interpreter
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

func NewRunner(plans *PlanResolver, contexts *ContextManager, interp *Interpreter, m *metrics.Metrics, logger zerolog.Logger) *Runner {
	return &Runner{plans: plans, contexts: contexts, interp: interp, metrics: m, logger: logger}
}

// Run resolves the plan, builds the context, performs the action and tears
// the context down on every path. Teardown failures are logged and counted
// but never replace the run's own result.
func (r *Runner) Run(ctx context.Context, req RunRequest) (outcome Outcome, err error) {
	start := time.Now()
	log := r.logger.With().
		Str("plan", req.PlanURL).
		Str("action", req.ActionID).
		Logger()
	defer func() {
		r.metrics.RunsTotal.WithLabelValues(string(outcome)).Inc()
		evt := log.Info()
		if err != nil {
			evt = log.Error().Err(err)
		}
		evt.Str("outcome", string(outcome)).Dur("duration", time.Since(start)).Msg("run finished")
	}()

	plan, err := r.plans.Resolve(ctx, req.PlanURL)
	if err != nil {
		return OutcomeFailed, err
	}

	var rc *RunContext
	if req.Resource != nil {
		rc, err = r.contexts.BuildFromResource(ctx, req.Coordinates, req.Resource)
	} else {
		rc, err = r.contexts.Build(ctx, req.Coordinates, req.ResourceType, req.ResourceID)
	}
	if err != nil {
		log.Info().Err(err).Msg("notification cannot be handled")
		return OutcomeNotApplicable, nil
	}
	log = log.With().Str("run_tag", rc.RunTag).Str("patient", rc.PatientID()).Logger()
	log.Info().Str("resource", fhir.Key(rc.Notification)).Msg("run started")

	defer func() {
		// a canceled request still cleans up
		if terr := r.contexts.Teardown(context.WithoutCancel(ctx), rc); terr != nil {
			log.Warn().Err(terr).Msg("run teardown incomplete")
		}
	}()

	if err := r.interp.PerformAction(ctx, plan, req.ActionID, rc); err != nil {
		return OutcomeFailed, err
	}
	return OutcomeCompleted, nil
}

// IsClientError reports whether err stems from the request rather than the
// service: an unknown plan or action.
func IsClientError(err error) bool {
	return errors.Is(err, ErrPlanNotFound) || errors.Is(err, ErrActionNotFound)
}
