package workflow

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/ehr/phreport/internal/platform/fhir"
	"github.com/ehr/phreport/internal/platform/store"
)

// InputSet maps input names to the resources that satisfied them, in the
// order the inputs were declared. It always holds the "patient" input.
type InputSet struct {
	names []string
	sets  map[string][]map[string]interface{}
}

func newInputSet() *InputSet {
	return &InputSet{sets: make(map[string][]map[string]interface{})}
}

// Put binds name to resources, replacing any previous binding.
func (s *InputSet) Put(name string, resources []map[string]interface{}) {
	if _, ok := s.sets[name]; !ok {
		s.names = append(s.names, name)
	}
	s.sets[name] = resources
}

func (s *InputSet) Get(name string) []map[string]interface{} { return s.sets[name] }

func (s *InputSet) Names() []string { return append([]string(nil), s.names...) }

// All flattens every input in declaration order.
func (s *InputSet) All() []map[string]interface{} {
	var out []map[string]interface{}
	for _, n := range s.names {
		out = append(out, s.sets[n]...)
	}
	return out
}

// retainTagged drops, from every input, resources not carrying the tag.
func (s *InputSet) retainTagged(system, code string) {
	for _, n := range s.names {
		kept := s.sets[n][:0:0]
		for _, r := range s.sets[n] {
			if fhir.HasTag(r, system, code) {
				kept = append(kept, r)
			}
		}
		s.sets[n] = kept
	}
}

// inputName is the key an input is bound under: its id, else its type.
func inputName(in DataRequirement) string {
	if in.ID != "" {
		return in.ID
	}
	return in.Type
}

// Materializer turns an action's data requirements into store queries.
type Materializer struct {
	store    store.Store
	pageSize int
}

func NewMaterializer(st store.Store, pageSize int) *Materializer {
	if pageSize <= 0 {
		pageSize = store.DefaultPageSize
	}
	return &Materializer{store: st, pageSize: pageSize}
}

// Materialize builds the input set of a for the run.
func (m *Materializer) Materialize(ctx context.Context, rc *RunContext, a *Action) (*InputSet, error) {
	set := newInputSet()
	set.Put(patientInputID, []map[string]interface{}{rc.Subject})

	for _, in := range a.Inputs {
		query, ok, err := m.Query(ctx, rc, in)
		if err != nil {
			return nil, err
		}
		var results []map[string]interface{}
		if ok {
			results, err = m.store.Search(ctx, query)
			if err != nil {
				return nil, storeError(err, "input %s of action %s", inputName(in), a.ID)
			}
		}
		if len(in.Profile) > 0 {
			results = filterProfiles(results, in.Profile)
		}
		set.Put(inputName(in), results)

		// applies to every input built so far, not only this one
		if rc.RunTag != "" {
			set.retainTagged(RunTagSystem, rc.RunTag)
		}
	}
	return set, nil
}

// Query builds the search for one input. ok is false when the input can
// match nothing, which happens for a value set with an empty expansion.
func (m *Materializer) Query(ctx context.Context, rc *RunContext, in DataRequirement) (string, bool, error) {
	if in.QueryPattern != "" {
		q := strings.ReplaceAll(in.QueryPattern, PatientIDPlaceholder, url.QueryEscape(rc.PatientID()))
		return m.withCount(q), true, nil
	}

	var clauses []string
	for _, cf := range in.CodeFilter {
		clause, ok, err := m.filterClause(ctx, rc, cf)
		if err != nil {
			return "", false, err
		}
		if !ok {
			return "", false, nil
		}
		clauses = append(clauses, clause)
	}
	q := in.Type
	if len(clauses) > 0 {
		q += "?" + strings.Join(clauses, "&")
	}
	return m.withCount(q), true, nil
}

func (m *Materializer) withCount(q string) string {
	if strings.Contains(q, "_count=") {
		return q
	}
	sep := "?"
	if strings.Contains(q, "?") {
		sep = "&"
	}
	return q + sep + "_count=" + strconv.Itoa(m.pageSize)
}

// filterClause renders one codeFilter. A searchParam holding a full
// name=value pair is used literally, with the patient placeholder filled in.
func (m *Materializer) filterClause(ctx context.Context, rc *RunContext, cf CodeFilter) (string, bool, error) {
	if strings.Contains(cf.SearchParam, "=") {
		return strings.ReplaceAll(cf.SearchParam, PatientIDPlaceholder, url.QueryEscape(rc.PatientID())), true, nil
	}
	attr := cf.SearchParam
	if attr == "" {
		attr = cf.Path
	}

	switch {
	case cf.ValueSet != "":
		codes, err := m.expand(ctx, cf.ValueSet)
		if err != nil {
			return "", false, err
		}
		if len(codes) == 0 {
			return "", false, nil
		}
		return attr + "=" + tokenList(codes), true, nil
	case len(cf.Code) > 0:
		return attr + "=" + tokenList(cf.Code), true, nil
	default:
		return attr + ":missing=false", true, nil
	}
}

func tokenList(codes []fhir.Coding) string {
	parts := make([]string, len(codes))
	for i, c := range codes {
		if c.System == "" {
			parts[i] = url.QueryEscape(c.Code)
			continue
		}
		parts[i] = url.QueryEscape(c.System) + "|" + url.QueryEscape(c.Code)
	}
	return strings.Join(parts, ",")
}

// expand reads a ValueSet by canonical URL and returns its codes from the
// expansion, or from compose.include when it has none.
func (m *Materializer) expand(ctx context.Context, canonical string) ([]fhir.Coding, error) {
	ref, version, _ := strings.Cut(canonical, "|")
	q := "ValueSet?url=" + url.QueryEscape(ref)
	if version != "" {
		q += "&version=" + url.QueryEscape(version)
	}
	found, err := m.store.Search(ctx, q)
	if err != nil {
		return nil, storeError(err, "read value set %s", canonical)
	}
	if len(found) == 0 {
		return nil, &Error{Kind: KindStoreOperationFailed, Message: fmt.Sprintf("value set %s", canonical), Err: store.ErrNotFound}
	}

	vs := found[0]
	if exp := fhir.Object(vs, "expansion"); exp != nil {
		return containsCodes(fhir.Objects(exp, "contains")), nil
	}
	var out []fhir.Coding
	for _, inc := range fhir.Objects(fhir.Object(vs, "compose"), "include") {
		system := fhir.String(inc, "system")
		for _, c := range fhir.Objects(inc, "concept") {
			out = append(out, fhir.Coding{System: system, Code: fhir.String(c, "code")})
		}
	}
	return out, nil
}

func containsCodes(contains []map[string]interface{}) []fhir.Coding {
	var out []fhir.Coding
	for _, c := range contains {
		if code := fhir.String(c, "code"); code != "" {
			out = append(out, fhir.Coding{System: fhir.String(c, "system"), Code: code})
		}
		out = append(out, containsCodes(fhir.Objects(c, "contains"))...)
	}
	return out
}

func filterProfiles(resources []map[string]interface{}, profiles []string) []map[string]interface{} {
	var out []map[string]interface{}
	for _, r := range resources {
		if fhir.HasAnyProfile(r, profiles) {
			out = append(out, r)
		}
	}
	return out
}
