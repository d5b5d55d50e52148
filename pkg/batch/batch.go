// Package batch drains the staged record feed through the resolver on a
// bounded worker pool.
package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"golang.org/x/sync/errgroup"

	"github.com/Ramsey-B/clover/internal/store"
	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/records"
	"github.com/Ramsey-B/clover/pkg/resolution"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

const (
	DefaultWorkers     = 4
	DefaultLimit       = 500
	DefaultMaxAttempts = 5
	DefaultLockTTL     = 2 * time.Minute
)

// Outcome labels for the batch records metric.
const (
	OutcomeResolved = "resolved"
	OutcomeQueued   = "queued"
	OutcomeSkipped  = "skipped"
	OutcomeInvalid  = "invalid"
	OutcomeRetry    = "retry"
	OutcomeFailed   = "failed"
)

// Resolver resolves one normalized record.
type Resolver interface {
	ResolveIdentity(ctx context.Context, rec *models.SourceRecord) (*models.Resolution, error)
}

// Locker serializes work on one key across processes.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error
}

type Config struct {
	Workers     int
	Limit       int
	MaxAttempts int
	LockTTL     time.Duration
}

func DefaultConfig() Config {
	return Config{
		Workers:     DefaultWorkers,
		Limit:       DefaultLimit,
		MaxAttempts: DefaultMaxAttempts,
		LockTTL:     DefaultLockTTL,
	}
}

// RunOptions selects the staged records of one run. Zero values fall back to
// the processor config.
type RunOptions struct {
	SourceSystem string            `json:"source_system,omitempty"`
	SourceTable  string            `json:"source_table,omitempty"`
	Kind         models.EntityKind `json:"entity_kind,omitempty"`
	Limit        int               `json:"limit,omitempty"`
	Workers      int               `json:"workers,omitempty"`
}

type Summary struct {
	Processed int `json:"processed"`
	Skipped   int `json:"skipped"`
	Queued    int `json:"queued"`
	Errored   int `json:"errored"`
}

// Total is the number of records the run looked at.
func (s Summary) Total() int {
	return s.Processed + s.Skipped + s.Queued + s.Errored
}

type Processor struct {
	store    store.StagedRecordStore
	registry *records.Registry
	resolver Resolver
	locker   Locker
	cfg      Config
	logger   ectologger.Logger
}

// NewProcessor builds a processor. locker may be nil, in which case the
// resolution marker alone guards against duplicate work.
func NewProcessor(s store.StagedRecordStore, registry *records.Registry, resolver Resolver, locker Locker, cfg Config, logger ectologger.Logger) *Processor {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.Limit <= 0 {
		cfg.Limit = def.Limit
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	return &Processor{
		store:    s,
		registry: registry,
		resolver: resolver,
		locker:   locker,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run claims pending staged records and resolves each of them. A failing
// record never stops the run; cancellation stops claiming new records.
func (p *Processor) Run(ctx context.Context, opts RunOptions) (*Summary, error) {
	ctx, span := tracing.StartSpan(ctx, "batch.Processor.Run")
	defer span.End()

	start := time.Now()
	limit := opts.Limit
	if limit <= 0 {
		limit = p.cfg.Limit
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = p.cfg.Workers
	}

	log := p.logger.WithContext(ctx).WithFields(map[string]any{
		"source_system": opts.SourceSystem,
		"source_table":  opts.SourceTable,
		"entity_kind":   opts.Kind,
	})

	staged, err := p.store.ListPendingStaged(ctx, models.StagedQuery{
		SourceSystem: opts.SourceSystem,
		SourceTable:  opts.SourceTable,
		Kind:         opts.Kind,
		Limit:        limit,
		MaxAttempts:  p.cfg.MaxAttempts,
	})
	if err != nil {
		log.WithError(err).Error("Failed to list pending staged records")
		return nil, fmt.Errorf("list pending staged records: %w", err)
	}

	var (
		mu      sync.Mutex
		summary Summary
	)
	var g errgroup.Group
	g.SetLimit(workers)

	for i := range staged {
		if ctx.Err() != nil {
			break
		}
		row := staged[i]
		g.Go(func() error {
			b := p.process(ctx, &row)
			mu.Lock()
			defer mu.Unlock()
			switch b {
			case bucketProcessed:
				summary.Processed++
			case bucketQueued:
				summary.Queued++
			case bucketErrored:
				summary.Errored++
			default:
				summary.Skipped++
			}
			return nil
		})
	}
	_ = g.Wait()

	metrics.BatchRunDuration.WithLabelValues(opts.SourceSystem).Observe(time.Since(start).Seconds())
	log.WithFields(map[string]any{
		"processed":   summary.Processed,
		"skipped":     summary.Skipped,
		"queued":      summary.Queued,
		"errored":     summary.Errored,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Info("Batch run finished")

	if err := ctx.Err(); err != nil {
		return &summary, err
	}
	return &summary, nil
}

type bucket int

const (
	bucketProcessed bucket = iota
	bucketSkipped
	bucketQueued
	bucketErrored
)

// process resolves one staged record and records its outcome on the row.
func (p *Processor) process(ctx context.Context, staged *models.StagedRecord) bucket {
	ctx, span := tracing.StartSpan(ctx, "batch.Processor.process")
	defer span.End()

	metrics.BatchRecordsInFlight.Inc()
	defer metrics.BatchRecordsInFlight.Dec()

	key := staged.Key()
	log := p.logger.WithContext(ctx).WithFields(map[string]any{
		"source":   key.String(),
		"attempts": staged.Attempts,
	})

	rec, err := p.registry.Normalize(staged)
	if err != nil {
		log.WithError(err).Warn("Staged record payload is malformed")
		p.mark(ctx, key, models.StagedInvalid, err.Error(), OutcomeInvalid)
		return bucketSkipped
	}

	result := p.resolve(ctx, rec)
	switch result.Kind {
	case resolution.ResultSuccess:
		switch {
		case result.Resolution.AlreadyResolved:
			status := models.StagedResolved
			if result.Queued() {
				status = models.StagedQueued
			}
			p.mark(ctx, key, status, "", OutcomeSkipped)
			return bucketSkipped
		case result.Queued():
			p.mark(ctx, key, models.StagedQueued, "", OutcomeQueued)
			return bucketQueued
		default:
			p.mark(ctx, key, models.StagedResolved, "", OutcomeResolved)
			return bucketProcessed
		}
	case resolution.ResultValidation:
		log.WithError(result.Err).Warn("Staged record failed validation")
		p.mark(ctx, key, models.StagedInvalid, result.Err.Error(), OutcomeInvalid)
		return bucketSkipped
	case resolution.ResultTransient:
		if staged.Attempts+1 >= p.cfg.MaxAttempts {
			log.WithError(result.Err).Error("Staged record exhausted its attempts")
			detail := fmt.Sprintf("gave up after %d attempts: %s", staged.Attempts+1, result.Err)
			p.mark(ctx, key, models.StagedFailed, detail, OutcomeFailed)
			return bucketErrored
		}
		log.WithError(result.Err).Warn("Staged record will be retried")
		p.mark(ctx, key, models.StagedPending, result.Err.Error(), OutcomeRetry)
		return bucketSkipped
	default:
		log.WithError(result.Err).Error("Failed to resolve staged record")
		p.mark(ctx, key, models.StagedFailed, result.Err.Error(), OutcomeFailed)
		return bucketErrored
	}
}

// resolve runs the resolver, under the record's lock when a locker is set.
func (p *Processor) resolve(ctx context.Context, rec *models.SourceRecord) resolution.Result {
	if p.locker == nil {
		return resolution.NewResult(p.resolver.ResolveIdentity(ctx, rec))
	}

	var res *models.Resolution
	var resolveErr error
	err := p.locker.WithLock(ctx, rec.SourceKey.String(), p.cfg.LockTTL, func(ctx context.Context) error {
		res, resolveErr = p.resolver.ResolveIdentity(ctx, rec)
		return nil
	})
	if err != nil {
		return resolution.NewResult(nil, fmt.Errorf("%w: lock %s: %w", resolution.ErrTransient, rec.SourceKey, err))
	}
	return resolution.NewResult(res, resolveErr)
}

// mark records the outcome on the staged row. It runs even when the run was
// cancelled so a record is never left claimed.
func (p *Processor) mark(ctx context.Context, key models.SourceKey, status models.StagedStatus, detail, outcome string) {
	metrics.RecordBatchRecord(key.SourceSystem, outcome)
	if err := p.store.MarkStaged(context.WithoutCancel(ctx), key, status, detail); err != nil {
		p.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"source": key.String(),
			"status": status,
		}).Error("Failed to mark staged record")
	}
}
