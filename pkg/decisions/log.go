// Package decisions is the match decision log: the durable, append-only
// record of every resolution, merge and review outcome.
package decisions

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/clover/internal/store"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// DefaultPendingLimit bounds PendingReviews when no limit is given.
const DefaultPendingLimit = 100

type Log struct {
	store  store.DecisionStore
	logger ectologger.Logger
}

func NewLog(s store.DecisionStore, logger ectologger.Logger) *Log {
	return &Log{store: s, logger: logger}
}

// Snapshot encodes the normalized record stored with a decision.
func Snapshot(rec *models.SourceRecord) (models.ObjectValue, error) {
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode record snapshot: %w", err)
	}
	return models.ObjectValue(b), nil
}

// Record decodes the record snapshot of a decision.
func Record(d *models.MatchDecision) (*models.SourceRecord, error) {
	if len(d.Record) == 0 {
		return nil, fmt.Errorf("decision %s has no record snapshot", d.ID)
	}
	var rec models.SourceRecord
	if err := json.Unmarshal(d.Record, &rec); err != nil {
		return nil, fmt.Errorf("decode record snapshot of %s: %w", d.ID, err)
	}
	return &rec, nil
}

// Append validates and stores a decision. Callers count it in metrics once
// their transaction commits.
func (l *Log) Append(ctx context.Context, d *models.MatchDecision) error {
	ctx, span := tracing.StartSpan(ctx, "decisions.Log.Append")
	defer span.End()

	if !d.DecisionType.Valid() {
		return httperror.NewHTTPErrorf(http.StatusBadRequest, "invalid decision type %q", d.DecisionType)
	}
	switch d.ReviewStatus {
	case models.ReviewAutoResolved, models.ReviewPending:
	default:
		return httperror.NewHTTPErrorf(http.StatusBadRequest, "decision cannot be created as %q", d.ReviewStatus)
	}
	if d.Candidates == nil {
		d.Candidates = models.Candidates{}
	}

	if err := l.store.CreateDecision(ctx, d); err != nil {
		return err
	}

	l.logger.WithContext(ctx).WithFields(map[string]any{
		"decision_id":   d.ID,
		"entity_kind":   d.Kind,
		"outcome":       d.Outcome(),
		"review_status": d.ReviewStatus,
		"confidence":    d.Confidence,
		"source":        d.SourceKey().String(),
	}).Info("Recorded match decision")
	return nil
}

func (l *Log) Get(ctx context.Context, id string) (*models.MatchDecision, error) {
	ctx, span := tracing.StartSpan(ctx, "decisions.Log.Get")
	defer span.End()

	return l.store.GetDecision(ctx, id)
}

// PendingReviews lists decisions awaiting a reviewer, oldest first. An empty
// kind lists every kind.
func (l *Log) PendingReviews(ctx context.Context, kind models.EntityKind, limit int) ([]models.MatchDecision, error) {
	ctx, span := tracing.StartSpan(ctx, "decisions.Log.PendingReviews")
	defer span.End()

	if kind != "" && !kind.Valid() {
		return nil, httperror.NewHTTPErrorf(http.StatusBadRequest, "unknown entity kind %q", kind)
	}
	if limit <= 0 {
		limit = DefaultPendingLimit
	}
	return l.store.ListPendingDecisions(ctx, kind, limit)
}

// Stats summarizes decisions by kind, type and review status.
type Stats struct {
	AutoResolved  int                    `json:"auto_resolved"`
	ReviewPending int                    `json:"review_pending"`
	Reviewed      int                    `json:"reviewed"`
	ContactInfo   int                    `json:"update_contact_info"`
	Merges        int                    `json:"merges"`
	Buckets       []models.DecisionCount `json:"buckets"`
}

func (l *Log) Stats(ctx context.Context) (*Stats, error) {
	ctx, span := tracing.StartSpan(ctx, "decisions.Log.Stats")
	defer span.End()

	counts, err := l.store.DecisionCounts(ctx)
	if err != nil {
		return nil, err
	}
	stats := &Stats{Buckets: counts}
	for _, c := range counts {
		switch c.ReviewStatus {
		case models.ReviewAutoResolved:
			stats.AutoResolved += c.Count
		case models.ReviewPending:
			stats.ReviewPending += c.Count
		default:
			stats.Reviewed += c.Count
		}
		switch c.DecisionType {
		case models.DecisionUpdateContactInfo:
			stats.ContactInfo += c.Count
		case models.DecisionMergeInto:
			if c.ReviewStatus != models.ReviewPending {
				stats.Merges += c.Count
			}
		}
	}
	return stats, nil
}
