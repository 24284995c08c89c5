// Package janitor removes run-tagged temporary resources that a crashed
// process left behind.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/ehr/phreport/internal/platform/fhir"
	"github.com/ehr/phreport/internal/platform/metrics"
	"github.com/ehr/phreport/internal/platform/store"
)

// Config controls what the janitor sweeps and when.
type Config struct {
	// Schedule is a standard five-field cron expression or a descriptor
	// such as "@every 15m".
	Schedule string
	// Grace is the minimum age of a resource before it is swept. Live runs
	// finish well within it.
	Grace time.Duration
	// Types are the resource types searched on each sweep.
	Types []string
	// TagSystem is the coding system of the per-run tag.
	TagSystem string
	// BatchSize bounds one search per type; later sweeps pick up the rest.
	BatchSize int
}

// Janitor sweeps leaked temporary resources on a cron schedule.
type Janitor struct {
	cfg     Config
	store   store.Store
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

// New creates a Janitor. m may be nil.
func New(cfg Config, st store.Store, m *metrics.Metrics, logger zerolog.Logger) (*Janitor, error) {
	if cfg.TagSystem == "" {
		return nil, errors.New("janitor: tag system is required")
	}
	if cfg.Grace <= 0 {
		return nil, errors.New("janitor: grace period must be positive")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = store.DefaultPageSize
	}
	return &Janitor{
		cfg:     cfg,
		store:   st,
		metrics: m,
		logger:  logger.With().Str("component", "janitor").Logger(),
		now:     time.Now,
	}, nil
}

// Start schedules Sweep. Overlapping sweeps are skipped.
func (j *Janitor) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cron != nil {
		return errors.New("janitor: already started")
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(j.cfg.Schedule, func() {
		if _, err := j.Sweep(ctx); err != nil {
			j.logger.Error().Err(err).Msg("sweep failed")
		}
	})
	if err != nil {
		return fmt.Errorf("janitor: invalid schedule %q: %w", j.cfg.Schedule, err)
	}
	c.Start()
	j.cron = c
	j.logger.Info().Str("schedule", j.cfg.Schedule).Dur("grace", j.cfg.Grace).Msg("janitor started")
	return nil
}

// Stop unschedules the janitor and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	j.mu.Lock()
	c := j.cron
	j.cron = nil
	j.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// Sweep deletes every tagged resource of the configured types last updated
// before now minus the grace period. Individual delete failures are joined
// into the returned error without stopping the sweep.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	cutoff := j.now().Add(-j.cfg.Grace).UTC().Format("2006-01-02T15:04:05Z")

	var (
		errs  []error
		swept int
	)
	for _, rt := range j.cfg.Types {
		query := fmt.Sprintf("%s?_tag=%s&_lastUpdated=lt%s&_count=%d",
			rt, url.QueryEscape(j.cfg.TagSystem+"|"), cutoff, j.cfg.BatchSize)
		found, err := j.store.Search(ctx, query)
		if err != nil {
			errs = append(errs, fmt.Errorf("search %s: %w", rt, err))
			continue
		}
		for _, r := range found {
			// tagged by some other system that shares the prefix
			if !fhir.HasTag(r, j.cfg.TagSystem, "") {
				continue
			}
			err := j.store.Delete(ctx, fhir.TypeOf(r), fhir.IDOf(r))
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				errs = append(errs, fmt.Errorf("delete %s: %w", fhir.Key(r), err))
				continue
			}
			swept++
			if j.metrics != nil {
				j.metrics.JanitorSweptTotal.WithLabelValues(rt).Inc()
			}
		}
	}

	err := errors.Join(errs...)
	if err != nil && j.metrics != nil {
		j.metrics.JanitorErrorsTotal.Inc()
	}
	j.logger.Info().Int("swept", swept).Str("cutoff", cutoff).Msg("sweep finished")
	return swept, err
}
