// Package delivery posts finished reports to external public-health
// endpoints.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/phreport/internal/platform/auth"
	"github.com/ehr/phreport/internal/platform/metrics"
)

const contentType = "application/fhir+json"

// Attempt records one POST of a report.
type Attempt struct {
	ID           string
	Endpoint     string
	StatusCode   int
	ResponseBody string
	Duration     time.Duration
	Status       string // success or failed
	Error        string
	CreatedAt    time.Time
}

// Option configures a Sender.
type Option func(*Sender)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Sender) { s.httpClient = c }
}

// WithMetrics records submissions on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Sender) { s.metrics = m }
}

// Sender posts FHIR JSON bodies with a bearer token.
type Sender struct {
	tokens     auth.TokenSource
	httpClient *http.Client
	metrics    *metrics.Metrics
	logger     zerolog.Logger
}

// NewSender creates a Sender. A nil token source sends no Authorization
// header.
func NewSender(tokens auth.TokenSource, logger zerolog.Logger, opts ...Option) *Sender {
	if tokens == nil {
		tokens = auth.StaticToken("")
	}
	s := &Sender{
		tokens:     tokens,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Submit POSTs report to endpoint. A non-2xx answer is an error; the
// returned Attempt is populated in every case.
func (s *Sender) Submit(ctx context.Context, endpoint string, report map[string]interface{}) (*Attempt, error) {
	attempt := &Attempt{
		ID:        uuid.NewString(),
		Endpoint:  endpoint,
		Status:    "failed",
		CreatedAt: time.Now(),
	}
	err := s.submit(ctx, attempt, report)
	if err != nil {
		attempt.Error = err.Error()
	} else {
		attempt.Status = "success"
	}

	if s.metrics != nil {
		s.metrics.ReportsSubmittedTotal.WithLabelValues(attempt.Status).Inc()
		s.metrics.SubmitDuration.Observe(attempt.Duration.Seconds())
	}
	evt := s.logger.Info()
	if err != nil {
		evt = s.logger.Warn().Err(err)
	}
	evt.Str("delivery_id", attempt.ID).
		Str("endpoint", endpoint).
		Int("status_code", attempt.StatusCode).
		Dur("duration", attempt.Duration).
		Msg("report submitted")

	return attempt, err
}

func (s *Sender) submit(ctx context.Context, attempt *Attempt, report map[string]interface{}) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, attempt.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build report request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", contentType)

	tok, err := s.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("obtain access token: %w", err)
	}
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	start := time.Now()
	resp, err := s.httpClient.Do(req)
	attempt.Duration = time.Since(start)
	if err != nil {
		return fmt.Errorf("post report to %s: %w", attempt.Endpoint, err)
	}
	defer resp.Body.Close()

	attempt.StatusCode = resp.StatusCode
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	attempt.ResponseBody = string(body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("post report to %s: non-2xx response: %d", attempt.Endpoint, resp.StatusCode)
	}
	return nil
}
