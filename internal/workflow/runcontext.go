package workflow

import (
	"context"
	"errors"
	"net/url"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/phreport/internal/platform/fhir"
	"github.com/ehr/phreport/internal/platform/metrics"
	"github.com/ehr/phreport/internal/platform/store"
)

// Tags written by the service.
const (
	ProjectTagSystem    = "http://example.org/fhir/tags"
	ServerGeneratedCode = "server-generated"
	BotGeneratedCode    = "bot-generated"
	// RunTagSystem scopes the temporary resources of one run; the code is
	// the run tag itself.
	RunTagSystem = "http://example.org/fhir/run-tags"
)

// TempResource identifies a resource created for the duration of a run.
type TempResource struct {
	Type string
	ID   string
}

// Coordinates are the values besides the triggering resource that
// determine a run.
type Coordinates struct {
	PlanURL        string
	ActionID       string
	ReportEndpoint string
}

// RunContext is the state of one interpreter run. It is owned by a single
// run and passed through every recursive call.
type RunContext struct {
	Coordinates

	Subject      map[string]interface{}
	Notification map[string]interface{}
	// RunTag is set only when the notification was a bundle whose contents
	// were stored temporarily.
	RunTag    string
	Temporary []TempResource
}

// PatientID returns the id of the subject.
func (rc *RunContext) PatientID() string { return fhir.IDOf(rc.Subject) }

func (rc *RunContext) track(r map[string]interface{}) {
	rc.Temporary = append(rc.Temporary, TempResource{Type: fhir.TypeOf(r), ID: fhir.IDOf(r)})
}

// ContextManager builds and tears down run contexts.
type ContextManager struct {
	store            store.Store
	identifierSystem string
	metrics          *metrics.Metrics
	logger           zerolog.Logger
	newTag           func() string
	newID            func() string
}

// NewContextManager creates a ContextManager. identifierSystem is the
// Patient.identifier system that subject references resolve through; when
// empty the reference id is read directly.
func NewContextManager(st store.Store, identifierSystem string, m *metrics.Metrics, logger zerolog.Logger) *ContextManager {
	return &ContextManager{
		store:            st,
		identifierSystem: identifierSystem,
		metrics:          m,
		logger:           logger,
		newTag:           uuid.NewString,
		newID:            uuid.NewString,
	}
}

// Build reads the notifying resource from the store and builds a context
// around it.
func (m *ContextManager) Build(ctx context.Context, coords Coordinates, resourceType, id string) (*RunContext, error) {
	r, err := m.store.Read(ctx, resourceType, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &Error{Kind: KindStoreOperationFailed, Message: "notifying resource " + fhir.FormatReference(resourceType, id), Err: err}
		}
		return nil, storeError(err, "read %s/%s", resourceType, id)
	}
	return m.BuildFromResource(ctx, coords, r)
}

// BuildFromResource builds a context around an already loaded resource.
// If an error is returned after temporary resources were stored, they have
// already been removed.
func (m *ContextManager) BuildFromResource(ctx context.Context, coords Coordinates, r map[string]interface{}) (*RunContext, error) {
	rc := &RunContext{Coordinates: coords, Notification: r}

	switch fhir.TypeOf(r) {
	case "Bundle":
		if err := m.materializeBundle(ctx, rc, r); err != nil {
			if len(rc.Temporary) > 0 {
				if terr := m.Teardown(ctx, rc); terr != nil {
					err = errors.Join(err, terr)
				}
			}
			return nil, err
		}
	case "Patient":
		rc.Subject = r
	default:
		subject, err := m.resolveSubject(ctx, r)
		if err != nil {
			return nil, err
		}
		rc.Subject = subject
	}
	return rc, nil
}

func (m *ContextManager) materializeBundle(ctx context.Context, rc *RunContext, bundle map[string]interface{}) error {
	if selfGenerated(bundle) {
		return newError(KindSelfGeneratedBundleIgnored, "bundle %s", fhir.IDOf(bundle))
	}

	entries := m.assignRunIDs(bundle)
	patient := -1
	for i, e := range entries {
		if fhir.TypeOf(e) == "Patient" {
			patient = i
			break
		}
	}
	if patient < 0 {
		return newError(KindPatientNotFound, "bundle %s has no Patient entry", fhir.IDOf(bundle))
	}

	rc.RunTag = m.newTag()
	// patient first so the subject exists before anything referencing it
	order := append([]int{patient}, without(len(entries), patient)...)
	for _, i := range order {
		e := entries[i]
		fhir.AddTag(e, RunTagSystem, rc.RunTag)
		stored, err := m.store.Create(ctx, e)
		if err != nil {
			return storeError(err, "store %s from bundle %s", fhir.TypeOf(e), fhir.IDOf(bundle))
		}
		rc.track(stored)
		m.metrics.TemporaryResourcesCreated.Inc()
		if i == patient {
			rc.Subject = stored
		}
	}

	m.logger.Debug().
		Str("run_tag", rc.RunTag).
		Int("resources", len(rc.Temporary)).
		Msg("bundle materialized")
	return nil
}

// assignRunIDs copies the entry resources of bundle under fresh ids so a
// run never writes over a stored resource or over another run's copy.
// References between entries, by fullUrl or by Type/id, follow the new ids.
func (m *ContextManager) assignRunIDs(bundle map[string]interface{}) []map[string]interface{} {
	var out []map[string]interface{}
	refs := map[string]string{}
	for _, entry := range fhir.Objects(bundle, "entry") {
		r := fhir.Object(entry, "resource")
		if r == nil {
			continue
		}
		r = fhir.Clone(r)
		rt := fhir.TypeOf(r)
		id := m.newID()
		if old := fhir.IDOf(r); old != "" {
			refs[fhir.FormatReference(rt, old)] = fhir.FormatReference(rt, id)
		}
		if fu := fhir.String(entry, "fullUrl"); fu != "" {
			refs[fu] = fhir.FormatReference(rt, id)
		}
		r["id"] = id
		out = append(out, r)
	}
	for _, r := range out {
		fhir.RewriteReferences(r, refs)
	}
	return out
}

// selfGenerated reports whether the bundle, or its MessageHeader, carries
// the server-generated tag.
func selfGenerated(bundle map[string]interface{}) bool {
	if fhir.HasTag(bundle, ProjectTagSystem, ServerGeneratedCode) {
		return true
	}
	entries := fhir.EntryResources(bundle)
	return len(entries) > 0 &&
		fhir.TypeOf(entries[0]) == "MessageHeader" &&
		fhir.HasTag(entries[0], ProjectTagSystem, ServerGeneratedCode)
}

func without(n, skip int) []int {
	out := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if i != skip {
			out = append(out, i)
		}
	}
	return out
}

// resolveSubject follows the subject (or patient) reference of a clinical
// resource and looks the patient up by identifier.
func (m *ContextManager) resolveSubject(ctx context.Context, r map[string]interface{}) (map[string]interface{}, error) {
	ref := fhir.ReferenceOf(r, "subject")
	if ref == "" {
		ref = fhir.ReferenceOf(r, "patient")
	}
	rt, id := fhir.SplitReference(ref)
	if id == "" || (rt != "" && rt != "Patient") {
		return nil, newError(KindPatientNotFound, "%s/%s has no patient subject", fhir.TypeOf(r), fhir.IDOf(r))
	}

	q := "Patient?_id=" + url.QueryEscape(id)
	if m.identifierSystem != "" {
		q = "Patient?identifier=" + url.QueryEscape(m.identifierSystem) + "|" + url.QueryEscape(id)
	}
	found, err := m.store.Search(ctx, q)
	if err != nil {
		return nil, storeError(err, "resolve subject %s", ref)
	}
	if len(found) == 0 {
		return nil, newError(KindPatientNotFound, "no patient matches %s", ref)
	}
	return found[0], nil
}

// Teardown deletes every temporary resource of the run. Each deletion is
// attempted even when an earlier one failed; failures are joined.
func (m *ContextManager) Teardown(ctx context.Context, rc *RunContext) error {
	var errs []error
	for _, t := range rc.Temporary {
		err := m.store.Delete(ctx, t.Type, t.ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			m.metrics.CleanupFailuresTotal.Inc()
			m.logger.Warn().Err(err).
				Str("run_tag", rc.RunTag).
				Str("resource", fhir.FormatReference(t.Type, t.ID)).
				Msg("temporary resource not deleted")
			errs = append(errs, err)
			continue
		}
		m.metrics.TemporaryResourcesDeleted.Inc()
	}
	rc.Temporary = nil
	return errors.Join(errs...)
}
