package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/phreport/internal/platform/fhir"
)

type memEntry struct {
	resource    map[string]interface{}
	lastUpdated time.Time
	version     int
}

// InMemoryStore is a thread-safe Store kept in process memory. Search order
// is insertion order.
type InMemoryStore struct {
	mu        sync.RWMutex
	resources map[string]*memEntry
	order     []string
	validator Validator
	now       func() time.Time
}

// NewInMemoryStore creates an empty store. A nil validator falls back to the
// structural fhir validator.
func NewInMemoryStore(v Validator) *InMemoryStore {
	if v == nil {
		v = basicValidator{fhir.NewValidator()}
	}
	return &InMemoryStore{
		resources: make(map[string]*memEntry),
		validator: v,
		now:       time.Now,
	}
}

func (s *InMemoryStore) Read(_ context.Context, resourceType, id string) (map[string]interface{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.resources[fhir.FormatReference(resourceType, id)]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", resourceType, id, ErrNotFound)
	}
	return fhir.Clone(e.resource), nil
}

func (s *InMemoryStore) Search(_ context.Context, query string) ([]map[string]interface{}, error) {
	pq, err := fhir.ParseQuery(query)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := pq.Count
	if limit == 0 {
		limit = DefaultPageSize
	}
	prefix := pq.ResourceType + "/"
	var out []map[string]interface{}
	for _, key := range s.order {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		e := s.resources[key]
		if !matchesAll(e, pq.Params) {
			continue
		}
		out = append(out, fhir.Clone(e.resource))
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *InMemoryStore) Create(_ context.Context, resource map[string]interface{}) (map[string]interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked(resource)
}

func (s *InMemoryStore) createLocked(resource map[string]interface{}) (map[string]interface{}, error) {
	rt := fhir.TypeOf(resource)
	if rt == "" {
		return nil, fmt.Errorf("create: resourceType is required")
	}
	stored := fhir.Clone(resource)
	id := fhir.IDOf(stored)
	if id == "" {
		id = uuid.NewString()
		stored["id"] = id
	}

	key := fhir.FormatReference(rt, id)
	version := 1
	if prev, ok := s.resources[key]; ok {
		version = prev.version + 1
	} else {
		s.order = append(s.order, key)
	}

	now := s.now().UTC()
	meta, _ := stored["meta"].(map[string]interface{})
	if meta == nil {
		meta = map[string]interface{}{}
		stored["meta"] = meta
	}
	meta["versionId"] = strconv.Itoa(version)
	meta["lastUpdated"] = now.Format(time.RFC3339Nano)

	s.resources[key] = &memEntry{resource: stored, lastUpdated: now, version: version}
	return fhir.Clone(stored), nil
}

func (s *InMemoryStore) CreateIfNoneExist(ctx context.Context, resource map[string]interface{}, query string) (map[string]interface{}, bool, error) {
	pq, err := fhir.ParseQuery(query)
	if err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := pq.ResourceType + "/"
	for _, key := range s.order {
		if strings.HasPrefix(key, prefix) && matchesAll(s.resources[key], pq.Params) {
			return fhir.Clone(s.resources[key].resource), false, nil
		}
	}
	created, err := s.createLocked(resource)
	if err != nil {
		return nil, false, err
	}
	return created, true, nil
}

func (s *InMemoryStore) Delete(_ context.Context, resourceType, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := fhir.FormatReference(resourceType, id)
	if _, ok := s.resources[key]; !ok {
		return fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	delete(s.resources, key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *InMemoryStore) Validate(ctx context.Context, resource map[string]interface{}) ([]fhir.OperationOutcomeIssue, error) {
	return s.validator.Validate(ctx, resource)
}

// Len returns the number of stored resources.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.resources)
}

func matchesAll(e *memEntry, params []fhir.SearchParam) bool {
	for _, p := range params {
		if !matchParam(e, p) {
			return false
		}
	}
	return true
}

func matchParam(e *memEntry, p fhir.SearchParam) bool {
	r := e.resource
	if p.Modifier == fhir.ModifierMissing {
		present := r[p.Name] != nil
		if p.Name == "patient" {
			present = present || r["subject"] != nil
		}
		missing := len(p.Values) > 0 && p.Values[0] == "true"
		return present != missing
	}

	if p.Name == "_lastUpdated" {
		for _, v := range p.Values {
			if !fhir.MatchDate(e.lastUpdated, v) {
				return false
			}
		}
		return true
	}

	for _, v := range p.Values {
		if matchValue(r, p.Name, v) {
			return true
		}
	}
	return false
}

func matchValue(r map[string]interface{}, name, v string) bool {
	switch name {
	case "_id":
		return fhir.IDOf(r) == v
	case "_tag":
		return fhir.MatchToken(fhir.Tags(r), v)
	case "_profile":
		for _, p := range fhir.Profiles(r) {
			if p == v {
				return true
			}
		}
		return false
	case "identifier":
		var ids []fhir.Coding
		for _, id := range fhir.Objects(r, "identifier") {
			ids = append(ids, fhir.Coding{System: fhir.String(id, "system"), Code: fhir.String(id, "value")})
		}
		return fhir.MatchToken(ids, v)
	case "code":
		return fhir.MatchToken(fhir.Codings(fhir.Object(r, "code")), v)
	case "category":
		var codings []fhir.Coding
		for _, cc := range fhir.Objects(r, "category") {
			codings = append(codings, fhir.Codings(cc)...)
		}
		return fhir.MatchToken(codings, v)
	case "url":
		if u := fhir.String(r, "url"); u != "" {
			return u == v
		}
		return fhir.String(fhir.Object(r, "channel"), "endpoint") == v
	case "patient", "subject":
		return matchReference(fhir.ReferenceOf(r, "subject"), v) || matchReference(fhir.ReferenceOf(r, "patient"), v)
	default:
		return fmt.Sprint(r[name]) == v && r[name] != nil
	}
}

func matchReference(ref, v string) bool {
	if ref == "" {
		return false
	}
	if strings.Contains(v, "/") {
		return ref == v
	}
	return strings.HasSuffix(ref, "/"+v)
}

// basicValidator adapts the structural fhir validator to Validator.
type basicValidator struct{ v *fhir.Validator }

func (b basicValidator) Validate(_ context.Context, resource map[string]interface{}) ([]fhir.OperationOutcomeIssue, error) {
	return b.v.ValidateResourceMap(resource).Issues, nil
}
