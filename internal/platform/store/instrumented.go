package store

import (
	"context"
	"errors"
	"time"

	"github.com/ehr/phreport/internal/platform/fhir"
	"github.com/ehr/phreport/internal/platform/metrics"
)

// Instrumented wraps a Store and records each call's outcome and latency.
// ErrNotFound counts as success.
type Instrumented struct {
	next    Store
	metrics *metrics.Metrics
}

func NewInstrumented(next Store, m *metrics.Metrics) *Instrumented {
	return &Instrumented{next: next, metrics: m}
}

func (s *Instrumented) observe(op string, start time.Time, err error) {
	if errors.Is(err, ErrNotFound) {
		err = nil
	}
	s.metrics.RecordStoreOperation(op, time.Since(start).Seconds(), err)
}

func (s *Instrumented) Read(ctx context.Context, resourceType, id string) (map[string]interface{}, error) {
	start := time.Now()
	out, err := s.next.Read(ctx, resourceType, id)
	s.observe("read", start, err)
	return out, err
}

func (s *Instrumented) Search(ctx context.Context, query string) ([]map[string]interface{}, error) {
	start := time.Now()
	out, err := s.next.Search(ctx, query)
	s.observe("search", start, err)
	return out, err
}

func (s *Instrumented) Create(ctx context.Context, resource map[string]interface{}) (map[string]interface{}, error) {
	start := time.Now()
	out, err := s.next.Create(ctx, resource)
	s.observe("create", start, err)
	return out, err
}

func (s *Instrumented) CreateIfNoneExist(ctx context.Context, resource map[string]interface{}, query string) (map[string]interface{}, bool, error) {
	start := time.Now()
	out, created, err := s.next.CreateIfNoneExist(ctx, resource, query)
	s.observe("conditional_create", start, err)
	return out, created, err
}

func (s *Instrumented) Delete(ctx context.Context, resourceType, id string) error {
	start := time.Now()
	err := s.next.Delete(ctx, resourceType, id)
	s.observe("delete", start, err)
	return err
}

func (s *Instrumented) Validate(ctx context.Context, resource map[string]interface{}) ([]fhir.OperationOutcomeIssue, error) {
	start := time.Now()
	issues, err := s.next.Validate(ctx, resource)
	s.observe("validate", start, err)
	return issues, err
}
