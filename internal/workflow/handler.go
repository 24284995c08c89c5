package workflow

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/phreport/internal/platform/fhir"
	"github.com/ehr/phreport/internal/platform/store"
)

// Handler exposes the notification entrypoint and subscription generation.
type Handler struct {
	runner   *Runner
	plans    *PlanResolver
	store    store.Store
	defaults SubscriptionParams
	logger   zerolog.Logger
}

// NewHandler creates a Handler. defaults fill query parameters left out of
// subscription generation requests.
func NewHandler(runner *Runner, plans *PlanResolver, st store.Store, defaults SubscriptionParams, logger zerolog.Logger) *Handler {
	return &Handler{runner: runner, plans: plans, store: st, defaults: defaults, logger: logger}
}

func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.POST("/notify", h.Notify)
	e.POST("/subscriptions/$generate", h.GenerateSubscriptions)
}

// Notify runs the plan action named by the request headers for the
// resource in the body.
func (h *Handler) Notify(c echo.Context) error {
	var coords Coordinates
	for _, hv := range []struct {
		name string
		dst  *string
	}{
		{HeaderPlan, &coords.PlanURL},
		{HeaderAction, &coords.ActionID},
		{HeaderReportEndpoint, &coords.ReportEndpoint},
	} {
		raw := c.Request().Header.Get(hv.name)
		if raw == "" {
			return c.JSON(http.StatusBadRequest, fhir.RequiredFieldOutcome(hv.name+" header"))
		}
		v, err := url.QueryUnescape(raw)
		if err != nil {
			return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome("invalid "+hv.name+" header: "+err.Error()))
		}
		*hv.dst = v
	}

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome("failed to read request body"))
	}
	resource, ok := fhir.ToMap(body)
	if !ok || fhir.TypeOf(resource) == "" {
		return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome("body must be a FHIR resource"))
	}

	req := RunRequest{Coordinates: coords}
	if id := fhir.IDOf(resource); id != "" {
		req.ResourceType, req.ResourceID = fhir.TypeOf(resource), id
	} else {
		req.Resource = resource
	}

	outcome, err := h.runner.Run(c.Request().Context(), req)
	switch {
	case err != nil && IsClientError(err):
		return c.JSON(http.StatusUnprocessableEntity, fhir.ErrorOutcome(err.Error()))
	case err != nil:
		h.logger.Error().Err(err).Str("kind", KindOf(err).String()).Msg("notification failed")
		return c.JSON(http.StatusInternalServerError, fhir.InternalErrorOutcome(err.Error()))
	case outcome == OutcomeNotApplicable:
		return c.JSON(http.StatusOK, map[string]string{
			"status":  string(outcome),
			"message": "resource cannot be handled",
		})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": string(outcome)})
}

// GenerateSubscriptions returns the subscriptions a plan needs as a
// collection bundle. With register=true they are also stored.
func (h *Handler) GenerateSubscriptions(c echo.Context) error {
	p := h.defaults
	if v := c.QueryParam("plan"); v != "" {
		p.PlanURL = v
	}
	if v := c.QueryParam("report-endpoint"); v != "" {
		p.ReportEndpoint = v
	}
	if v := c.QueryParam("notify-endpoint"); v != "" {
		p.NotifyEndpoint = v
	}
	if p.PlanURL == "" {
		return c.JSON(http.StatusBadRequest, fhir.RequiredFieldOutcome("plan"))
	}

	ctx := c.Request().Context()
	plan, err := h.plans.Resolve(ctx, p.PlanURL)
	if err != nil {
		if errors.Is(err, ErrPlanNotFound) {
			return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("PlanDefinition", p.PlanURL))
		}
		return c.JSON(http.StatusInternalServerError, fhir.InternalErrorOutcome(err.Error()))
	}
	subs := GenerateSubscriptions(plan, p)

	register, _ := strconv.ParseBool(c.QueryParam("register"))
	if register {
		stored, created, err := RegisterSubscriptions(ctx, h.store, subs)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, fhir.InternalErrorOutcome(err.Error()))
		}
		h.logger.Info().Str("plan", p.PlanURL).Int("created", created).Int("total", len(stored)).Msg("subscriptions registered")
		subs = stored
	}
	return c.JSON(http.StatusOK, collection(subs))
}

func collection(resources []map[string]interface{}) map[string]interface{} {
	entries := make([]interface{}, len(resources))
	for i, r := range resources {
		entries[i] = map[string]interface{}{"resource": r}
	}
	return map[string]interface{}{
		"resourceType": "Bundle",
		"type":         "collection",
		"entry":        entries,
	}
}
