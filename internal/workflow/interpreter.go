package workflow

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/phreport/internal/platform/delivery"
	"github.com/ehr/phreport/internal/platform/fhir"
	"github.com/ehr/phreport/internal/platform/metrics"
	"github.com/ehr/phreport/internal/platform/store"
)

// DefaultMaxDepth bounds action recursion when no limit is configured.
const DefaultMaxDepth = 32

// Submitter posts a finished report to its destination.
type Submitter interface {
	Submit(ctx context.Context, endpoint string, report map[string]interface{}) (*delivery.Attempt, error)
}

// InterpreterConfig holds the interpreter's tunables.
type InterpreterConfig struct {
	PageSize int
	MaxDepth int
	Report   ReportOptions
}

// Interpreter executes plan actions against a run context.
type Interpreter struct {
	store      store.Store
	inputs     *Materializer
	conditions *ConditionEvaluator
	submitter  Submitter
	cfg        InterpreterConfig
	metrics    *metrics.Metrics
	logger     zerolog.Logger
	now        func() time.Time
}

func NewInterpreter(st store.Store, submitter Submitter, cfg InterpreterConfig, m *metrics.Metrics, logger zerolog.Logger) *Interpreter {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultMaxDepth
	}
	return &Interpreter{
		store:      st,
		inputs:     NewMaterializer(st, cfg.PageSize),
		conditions: NewConditionEvaluator(),
		submitter:  submitter,
		cfg:        cfg,
		metrics:    m,
		logger:     logger,
		now:        time.Now,
	}
}

// PerformAction locates actionID anywhere in plan and executes it.
func (in *Interpreter) PerformAction(ctx context.Context, plan *Plan, actionID string, rc *RunContext) error {
	a, err := plan.FindAction(actionID)
	if err != nil {
		return err
	}
	return in.execute(ctx, plan, a, rc, 0)
}

// execute runs one action: inputs, conditions, the "after" related actions,
// the action's own dispatch and then the remaining related actions.
func (in *Interpreter) execute(ctx context.Context, plan *Plan, a *Action, rc *RunContext, depth int) error {
	if depth > in.cfg.MaxDepth {
		return newError(KindRecursionLimit, "action %s at depth %d", a.ID, depth)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if !a.Code.Known() {
		return newError(KindMissingActionCode, "action %s has code %q", a.ID, a.Code)
	}

	inputs, err := in.inputs.Materialize(ctx, rc, a)
	if err != nil {
		return err
	}
	ok, err := in.conditions.Allows(a.Conditions, inputs)
	if err != nil {
		return err
	}
	if !ok {
		in.metrics.ActionsVetoedTotal.Inc()
		in.logger.Debug().Str("action", a.ID).Str("code", string(a.Code)).Msg("action vetoed by condition")
		return nil
	}

	if err := in.related(ctx, plan, a, rc, depth, true); err != nil {
		return err
	}
	if err := in.dispatch(ctx, plan, a, rc, inputs, depth); err != nil {
		return err
	}
	return in.related(ctx, plan, a, rc, depth, false)
}

func (in *Interpreter) related(ctx context.Context, plan *Plan, a *Action, rc *RunContext, depth int, before bool) error {
	for _, ra := range a.Related {
		if ra.runsBeforeDispatch() != before {
			continue
		}
		target, err := plan.FindAction(ra.ActionID)
		if err != nil {
			return err
		}
		if ra.Offset != "" {
			in.logger.Debug().Str("action", a.ID).Str("related", ra.ActionID).Str("offset", ra.Offset).Msg("offset not scheduled")
		}
		if err := in.execute(ctx, plan, target, rc, depth+1); err != nil {
			return err
		}
	}
	return nil
}

func (in *Interpreter) dispatch(ctx context.Context, plan *Plan, a *Action, rc *RunContext, inputs *InputSet, depth int) (err error) {
	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
		}
		in.metrics.ActionsDispatchedTotal.WithLabelValues(string(a.Code), status).Inc()
		in.metrics.ActionDuration.WithLabelValues(string(a.Code)).Observe(time.Since(start).Seconds())
	}()

	in.logger.Info().Str("action", a.ID).Str("code", string(a.Code)).Str("run_tag", rc.RunTag).Msg("dispatching action")

	switch a.Code {
	case CodeExecuteReportingWorkflow:
		children := plan.Children(a)
		if len(children) == 0 {
			return nil
		}
		return in.execute(ctx, plan, children[0], rc, depth+1)
	case CodeCreateReport:
		return in.createReport(ctx, a, rc, inputs)
	case CodeValidateReport:
		return in.validateReport(ctx, a, rc, inputs)
	case CodeSubmitReport:
		return in.submitReport(ctx, a, rc, inputs)
	case CodeEvaluateMeasure, CodeCompleteReporting, CodeCheckParticipant, CodeCheckResponse:
		in.logger.Debug().Str("action", a.ID).Str("code", string(a.Code)).Msg("action not implemented, skipped")
		return nil
	default:
		// initiate-reporting-workflow, check-trigger-codes and
		// evaluate-condition finish with their inputs and conditions
		return nil
	}
}

func (in *Interpreter) createReport(ctx context.Context, a *Action, rc *RunContext, inputs *InputSet) error {
	out, ok := a.FirstOutput("Bundle")
	if !ok {
		return newError(KindMissingOutputSpec, "action %s declares no Bundle output", a.ID)
	}
	report := BuildReport(rc, a, out, inputs, in.cfg.Report, in.now())
	stored, err := in.store.Create(ctx, report)
	if err != nil {
		return storeError(err, "persist report of action %s", a.ID)
	}
	rc.track(stored)
	in.metrics.TemporaryResourcesCreated.Inc()
	in.logger.Info().Str("action", a.ID).Str("report", fhir.IDOf(stored)).Msg("report created")
	return nil
}

func (in *Interpreter) validateReport(ctx context.Context, a *Action, rc *RunContext, inputs *InputSet) error {
	report := findReport(rc, a, inputs)
	if report == nil {
		return newError(KindReportNotFound, "action %s found no report for patient %s", a.ID, rc.PatientID())
	}
	issues, err := in.store.Validate(ctx, report)
	if err != nil {
		return storeError(err, "validate report %s", fhir.IDOf(report))
	}
	var blocking []string
	for _, i := range issues {
		if i.IsBlocking() {
			blocking = append(blocking, i.Severity+": "+i.Diagnostics)
		}
	}
	if len(blocking) > 0 {
		return newError(KindReportValidationFailed, "report %s: %s", fhir.IDOf(report), strings.Join(blocking, "; "))
	}
	return nil
}

func (in *Interpreter) submitReport(ctx context.Context, a *Action, rc *RunContext, inputs *InputSet) error {
	report := findReport(rc, a, inputs)
	if report == nil {
		return newError(KindReportNotFound, "action %s found no report for patient %s", a.ID, rc.PatientID())
	}
	body := stripEndpointProfiles(report, rc.ReportEndpoint)
	attempt, err := in.submitter.Submit(ctx, rc.ReportEndpoint, body)
	if err != nil {
		return &Error{Kind: KindStoreOperationFailed, Message: "submit report " + fhir.IDOf(report), Err: err}
	}
	in.logger.Info().
		Str("action", a.ID).
		Str("report", fhir.IDOf(report)).
		Int("status_code", attempt.StatusCode).
		Msg("report submitted")
	return nil
}
