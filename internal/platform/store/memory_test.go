package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ehr/phreport/internal/platform/fhir"
)

func newTestStore(t *testing.T) *InMemoryStore {
	t.Helper()
	s := NewInMemoryStore(nil)
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}
	return s
}

func patient(id, system, value string) map[string]interface{} {
	return map[string]interface{}{
		"resourceType": "Patient",
		"id":           id,
		"identifier": []interface{}{
			map[string]interface{}{"system": system, "value": value},
		},
	}
}

func TestInMemoryStore_CreateAssignsID(t *testing.T) {
	s := newTestStore(t)
	out, err := s.Create(context.Background(), map[string]interface{}{"resourceType": "Patient"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if fhir.IDOf(out) == "" {
		t.Fatal("expected a generated id")
	}
	meta := fhir.Object(out, "meta")
	if meta["versionId"] != "1" {
		t.Errorf("versionId = %v, want 1", meta["versionId"])
	}
	if meta["lastUpdated"] == nil {
		t.Error("expected lastUpdated")
	}
}

func TestInMemoryStore_CreateKeepsIDAndVersions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.Create(ctx, patient("p1", "urn:mrn", "1")); err != nil {
		t.Fatal(err)
	}
	out, err := s.Create(ctx, patient("p1", "urn:mrn", "2"))
	if err != nil {
		t.Fatal(err)
	}
	if fhir.IDOf(out) != "p1" {
		t.Errorf("id = %q, want p1", fhir.IDOf(out))
	}
	if v := fhir.Object(out, "meta")["versionId"]; v != "2" {
		t.Errorf("versionId = %v, want 2", v)
	}
	if s.Len() != 1 {
		t.Errorf("Len = %d, want 1", s.Len())
	}
}

func TestInMemoryStore_CreateRequiresType(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Create(context.Background(), map[string]interface{}{"id": "x"}); err == nil {
		t.Fatal("expected an error for a resource without resourceType")
	}
}

func TestInMemoryStore_ReadReturnsCopy(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.Create(ctx, patient("p1", "urn:mrn", "1")); err != nil {
		t.Fatal(err)
	}
	got, err := s.Read(ctx, "Patient", "p1")
	if err != nil {
		t.Fatal(err)
	}
	got["gender"] = "female"

	again, _ := s.Read(ctx, "Patient", "p1")
	if _, ok := again["gender"]; ok {
		t.Error("mutating a read result changed the stored resource")
	}
}

func TestInMemoryStore_ReadNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Read(context.Background(), "Patient", "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestInMemoryStore_Search(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seed := []map[string]interface{}{
		patient("p1", "urn:mrn", "100"),
		patient("p2", "urn:mrn", "200"),
		{
			"resourceType": "Condition",
			"id":           "c1",
			"subject":      map[string]interface{}{"reference": "Patient/p1"},
			"code": map[string]interface{}{
				"coding": []interface{}{map[string]interface{}{"system": "http://snomed.info/sct", "code": "363346000"}},
			},
			"category": []interface{}{
				map[string]interface{}{"coding": []interface{}{map[string]interface{}{"code": "encounter-diagnosis"}}},
			},
		},
		{
			"resourceType": "Condition",
			"id":           "c2",
			"subject":      map[string]interface{}{"reference": "Patient/p2"},
			"code": map[string]interface{}{
				"coding": []interface{}{map[string]interface{}{"system": "http://snomed.info/sct", "code": "44054006"}},
			},
		},
	}
	for _, r := range seed {
		if _, err := s.Create(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		query string
		want  []string
	}{
		{"Patient", []string{"p1", "p2"}},
		{"Patient?_count=1", []string{"p1"}},
		{"Patient?_id=p2", []string{"p2"}},
		{"Patient?_id=p1,p2", []string{"p1", "p2"}},
		{"Patient?identifier=urn:mrn|200", []string{"p2"}},
		{"Patient?identifier=other|200", nil},
		{"Patient?identifier=100", []string{"p1"}},
		{"Condition?patient=p1", []string{"c1"}},
		{"Condition?subject=Patient/p2", []string{"c2"}},
		{"Condition?code=http://snomed.info/sct|44054006", []string{"c2"}},
		{"Condition?code=363346000,44054006", []string{"c1", "c2"}},
		{"Condition?category=encounter-diagnosis", []string{"c1"}},
		{"Condition?category:missing=true", []string{"c2"}},
		{"Condition?patient=p1&code=44054006", nil},
		{"Observation", nil},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			got, err := s.Search(ctx, tt.query)
			if err != nil {
				t.Fatalf("Search: %v", err)
			}
			var ids []string
			for _, r := range got {
				ids = append(ids, fhir.IDOf(r))
			}
			if len(ids) != len(tt.want) {
				t.Fatalf("ids = %v, want %v", ids, tt.want)
			}
			for i := range ids {
				if ids[i] != tt.want[i] {
					t.Fatalf("ids = %v, want %v", ids, tt.want)
				}
			}
		})
	}
}

func TestInMemoryStore_SearchTagAndLastUpdated(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tagged := patient("p1", "urn:mrn", "1")
	fhir.AddTag(tagged, "urn:run", "run-1")
	if _, err := s.Create(ctx, tagged); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Create(ctx, patient("p2", "urn:mrn", "2")); err != nil {
		t.Fatal(err)
	}

	got, err := s.Search(ctx, "Patient?_tag=urn:run|")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || fhir.IDOf(got[0]) != "p1" {
		t.Fatalf("tag search = %v", got)
	}

	// p1 was stored at 12:01 and p2 at 12:02
	got, err = s.Search(ctx, "Patient?_lastUpdated=lt2024-03-01T12:01:30Z")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || fhir.IDOf(got[0]) != "p1" {
		t.Fatalf("_lastUpdated search = %v", got)
	}
}

func TestInMemoryStore_SearchBadQuery(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Search(context.Background(), "?name=x"); err == nil {
		t.Fatal("expected an error for a query without a resource type")
	}
	if _, err := s.Search(context.Background(), "Patient?_count=abc"); err == nil {
		t.Fatal("expected an error for a bad _count")
	}
}

func TestInMemoryStore_CreateIfNoneExist(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	vs := map[string]interface{}{
		"resourceType": "ValueSet",
		"url":          "http://example.org/vs/cancer",
	}

	first, created, err := s.CreateIfNoneExist(ctx, vs, "ValueSet?url=http://example.org/vs/cancer")
	if err != nil || !created {
		t.Fatalf("first call: created=%v err=%v", created, err)
	}
	second, created, err := s.CreateIfNoneExist(ctx, vs, "ValueSet?url=http://example.org/vs/cancer")
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Error("second call created a duplicate")
	}
	if fhir.IDOf(first) != fhir.IDOf(second) {
		t.Errorf("ids differ: %s vs %s", fhir.IDOf(first), fhir.IDOf(second))
	}
	if s.Len() != 1 {
		t.Errorf("Len = %d, want 1", s.Len())
	}
}

func TestInMemoryStore_Delete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.Create(ctx, patient("p1", "urn:mrn", "1")); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, "Patient", "p1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(ctx, "Patient", "p1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Delete err = %v, want ErrNotFound", err)
	}
	if got, _ := s.Search(ctx, "Patient"); len(got) != 0 {
		t.Errorf("search after delete returned %d resources", len(got))
	}
}

func TestInMemoryStore_ValidateDefaultsToStructural(t *testing.T) {
	s := newTestStore(t)
	issues, err := s.Validate(context.Background(), map[string]interface{}{"resourceType": "NotAType"})
	if err != nil {
		t.Fatal(err)
	}
	if !fhir.HasBlockingIssues(issues) {
		t.Fatalf("expected blocking issues, got %v", issues)
	}
}
