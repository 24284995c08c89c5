package workflow

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/phreport/internal/platform/fhir"
	"github.com/ehr/phreport/internal/platform/store"
)

func taggedCount(t *testing.T, st store.Store, tag string) int {
	t.Helper()
	total := 0
	for _, rt := range []string{"Patient", "DiagnosticReport", "Encounter", "Bundle"} {
		found, err := st.Search(context.Background(), rt+"?_tag="+RunTagSystem+"|"+tag)
		require.NoError(t, err)
		total += len(found)
	}
	return total
}

func TestBuild_BundleWithoutPatient(t *testing.T) {
	st := newTestStore()
	mustCreate(t, st, collectionBundle(pathologyReport("dr1", "p1")))

	cm := NewContextManager(st, "", testMetrics(), zerolog.Nop())
	_, err := cm.Build(context.Background(), Coordinates{}, "Bundle", "incoming")
	assert.ErrorIs(t, err, ErrPatientNotFound)
	assert.Equal(t, 1, st.Len())
}

func TestBuild_SelfGeneratedBundleIgnored(t *testing.T) {
	st := newTestStore()
	b := collectionBundle(patient("p1"))
	fhir.AddTag(b, ProjectTagSystem, ServerGeneratedCode)
	mustCreate(t, st, b)

	cm := NewContextManager(st, "", testMetrics(), zerolog.Nop())
	_, err := cm.Build(context.Background(), Coordinates{}, "Bundle", "incoming")
	assert.ErrorIs(t, err, ErrSelfGeneratedBundleIgnored)
}

func TestBuild_SelfGeneratedHeaderIgnored(t *testing.T) {
	header := map[string]interface{}{"resourceType": "MessageHeader", "id": "h1"}
	fhir.AddTag(header, ProjectTagSystem, ServerGeneratedCode)
	b := collectionBundle(header, patient("p1"))

	cm := NewContextManager(newTestStore(), "", testMetrics(), zerolog.Nop())
	_, err := cm.BuildFromResource(context.Background(), Coordinates{}, b)
	assert.ErrorIs(t, err, ErrSelfGeneratedBundleIgnored)
}

func TestBuild_BundleMaterializesUnderUniqueTags(t *testing.T) {
	st := newTestStore()
	m := testMetrics()
	cm := NewContextManager(st, "", m, zerolog.Nop())
	ctx := context.Background()

	b := collectionBundle(pathologyReport("dr1", "p1"), patient("p1"))
	first, err := cm.BuildFromResource(ctx, Coordinates{PlanURL: testPlanURL}, b)
	require.NoError(t, err)
	second, err := cm.BuildFromResource(ctx, Coordinates{PlanURL: testPlanURL}, b)
	require.NoError(t, err)

	assert.NotEmpty(t, first.RunTag)
	assert.NotEqual(t, first.RunTag, second.RunTag)
	assert.Equal(t, testPlanURL, first.PlanURL)

	// the patient is stored first, under an id of its own
	require.Len(t, first.Temporary, 2)
	assert.Equal(t, "Patient", first.Temporary[0].Type)
	assert.Equal(t, "DiagnosticReport", first.Temporary[1].Type)
	assert.Equal(t, first.PatientID(), first.Temporary[0].ID)
	assert.NotEqual(t, "p1", first.PatientID())
	assert.NotEqual(t, first.PatientID(), second.PatientID())
	assert.True(t, fhir.HasTag(first.Subject, RunTagSystem, first.RunTag))

	stored, err := st.Read(ctx, "DiagnosticReport", first.Temporary[1].ID)
	require.NoError(t, err)
	assert.Equal(t, "Patient/"+first.PatientID(), fhir.ReferenceOf(stored, "subject"))
	assert.False(t, fhir.HasTag(stored, RunTagSystem, second.RunTag))
	assert.Equal(t, float64(4), testutil.ToFloat64(m.TemporaryResourcesCreated))

	// the incoming bundle is left untouched
	assert.Equal(t, "dr1", fhir.IDOf(fhir.EntryResources(b)[0]))

	// tearing down one run leaves the other intact
	require.NoError(t, cm.Teardown(ctx, first))
	assert.Zero(t, taggedCount(t, st, first.RunTag))
	assert.Equal(t, 2, taggedCount(t, st, second.RunTag))
}

func TestBuild_BundleDoesNotOverwriteStoredResources(t *testing.T) {
	st := newTestStore()
	existing := patient("p1")
	existing["gender"] = "male"
	mustCreate(t, st, existing)
	cm := NewContextManager(st, "", testMetrics(), zerolog.Nop())
	ctx := context.Background()

	rc, err := cm.BuildFromResource(ctx, Coordinates{}, collectionBundle(patient("p1"), pathologyReport("dr1", "p1")))
	require.NoError(t, err)
	require.NoError(t, cm.Teardown(ctx, rc))

	kept, err := st.Read(ctx, "Patient", "p1")
	require.NoError(t, err)
	assert.Equal(t, "male", fhir.String(kept, "gender"))
	assert.False(t, fhir.HasTag(kept, RunTagSystem, ""))
	assert.Equal(t, 1, st.Len())
}

func TestBuild_BundleReferencesFollowFullURL(t *testing.T) {
	st := newTestStore()
	cm := NewContextManager(st, "", testMetrics(), zerolog.Nop())
	ctx := context.Background()

	p := patient("p1")
	delete(p, "id")
	dr := pathologyReport("dr1", "p1")
	dr["subject"] = map[string]interface{}{"reference": "urn:uuid:0c4c9a8e-6f5e-4a5b-9d0e-3c1f2a7b8e90"}
	b := map[string]interface{}{
		"resourceType": "Bundle",
		"type":         "collection",
		"entry": []interface{}{
			map[string]interface{}{"fullUrl": "urn:uuid:0c4c9a8e-6f5e-4a5b-9d0e-3c1f2a7b8e90", "resource": p},
			map[string]interface{}{"fullUrl": "https://ehr.example.org/fhir/DiagnosticReport/dr1", "resource": dr},
		},
	}

	rc, err := cm.BuildFromResource(ctx, Coordinates{}, b)
	require.NoError(t, err)
	require.NotEmpty(t, rc.PatientID())

	stored, err := st.Read(ctx, "DiagnosticReport", rc.Temporary[1].ID)
	require.NoError(t, err)
	assert.Equal(t, "Patient/"+rc.PatientID(), fhir.ReferenceOf(stored, "subject"))
}

func TestBuild_ResolvesSubjectByIdentifier(t *testing.T) {
	st := newTestStore()
	p := patient("internal-7")
	p["identifier"] = []interface{}{map[string]interface{}{"system": testMRNSystem, "value": "mrn-1"}}
	mustCreate(t, st, p)
	dr := pathologyReport("dr1", "mrn-1")
	mustCreate(t, st, dr)

	cm := NewContextManager(st, testMRNSystem, testMetrics(), zerolog.Nop())
	rc, err := cm.Build(context.Background(), Coordinates{}, "DiagnosticReport", "dr1")
	require.NoError(t, err)
	assert.Equal(t, "internal-7", rc.PatientID())
	assert.Empty(t, rc.RunTag)
	assert.Empty(t, rc.Temporary)
	assert.Equal(t, "dr1", fhir.IDOf(rc.Notification))
}

func TestBuild_ResolvesSubjectByID(t *testing.T) {
	st := newTestStore()
	mustCreate(t, st, patient("p1"))
	imm := map[string]interface{}{"resourceType": "Immunization", "id": "i1", "status": "completed", "patient": map[string]interface{}{"reference": "Patient/p1"}}

	cm := NewContextManager(st, "", testMetrics(), zerolog.Nop())
	rc, err := cm.BuildFromResource(context.Background(), Coordinates{}, imm)
	require.NoError(t, err)
	assert.Equal(t, "p1", rc.PatientID())
}

func TestBuild_SubjectNotFound(t *testing.T) {
	st := newTestStore()
	cm := NewContextManager(st, testMRNSystem, testMetrics(), zerolog.Nop())

	_, err := cm.BuildFromResource(context.Background(), Coordinates{}, pathologyReport("dr1", "nobody"))
	assert.ErrorIs(t, err, ErrPatientNotFound)

	noSubject := map[string]interface{}{"resourceType": "Organization", "id": "o1"}
	_, err = cm.BuildFromResource(context.Background(), Coordinates{}, noSubject)
	assert.ErrorIs(t, err, ErrPatientNotFound)
}

func TestBuild_MissingNotificationResource(t *testing.T) {
	cm := NewContextManager(newTestStore(), "", testMetrics(), zerolog.Nop())
	_, err := cm.Build(context.Background(), Coordinates{}, "DiagnosticReport", "gone")
	assert.ErrorIs(t, err, ErrStoreOperationFailed)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// flakyStore fails Create and Delete for chosen resource types.
type flakyStore struct {
	store.Store
	failCreate string
	failDelete string
	deletes    []string
}

func (s *flakyStore) Create(ctx context.Context, r map[string]interface{}) (map[string]interface{}, error) {
	if fhir.TypeOf(r) == s.failCreate {
		return nil, errors.New("create refused")
	}
	return s.Store.Create(ctx, r)
}

func (s *flakyStore) Delete(ctx context.Context, rt, id string) error {
	s.deletes = append(s.deletes, rt+"/"+id)
	if rt == s.failDelete {
		return errors.New("delete refused")
	}
	return s.Store.Delete(ctx, rt, id)
}

func TestBuild_PartialMaterializationIsRolledBack(t *testing.T) {
	mem := newTestStore()
	st := &flakyStore{Store: mem, failCreate: "Encounter"}
	cm := NewContextManager(st, "", testMetrics(), zerolog.Nop())

	enc := map[string]interface{}{"resourceType": "Encounter", "id": "e1", "status": "finished"}
	_, err := cm.BuildFromResource(context.Background(), Coordinates{}, collectionBundle(patient("p1"), pathologyReport("dr1", "p1"), enc))
	assert.ErrorIs(t, err, ErrStoreOperationFailed)
	require.Len(t, st.deletes, 2)
	assert.True(t, strings.HasPrefix(st.deletes[0], "Patient/"))
	assert.True(t, strings.HasPrefix(st.deletes[1], "DiagnosticReport/"))
	assert.Equal(t, 0, mem.Len())
}

func TestTeardown_ContinuesAfterFailure(t *testing.T) {
	mem := newTestStore()
	st := &flakyStore{Store: mem, failDelete: "Patient"}
	m := testMetrics()
	cm := NewContextManager(st, "", m, zerolog.Nop())

	rc, err := cm.BuildFromResource(context.Background(), Coordinates{}, collectionBundle(patient("p1"), pathologyReport("dr1", "p1")))
	require.NoError(t, err)
	var want []string
	for _, tr := range rc.Temporary {
		want = append(want, fhir.FormatReference(tr.Type, tr.ID))
	}

	err = cm.Teardown(context.Background(), rc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "delete refused")
	assert.Equal(t, want, st.deletes)
	assert.Equal(t, 1, mem.Len())
	assert.Empty(t, rc.Temporary)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CleanupFailuresTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.TemporaryResourcesDeleted))
}

func TestTeardown_IgnoresAlreadyDeleted(t *testing.T) {
	st := newTestStore()
	cm := NewContextManager(st, "", testMetrics(), zerolog.Nop())
	rc := &RunContext{Temporary: []TempResource{{Type: "Patient", ID: "gone"}}}
	assert.NoError(t, cm.Teardown(context.Background(), rc))
}
