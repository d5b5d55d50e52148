// Package resolution decides, for each incoming source record, whether it
// names a new entity, an existing one or needs a reviewer, and applies that
// decision atomically with its audit trail.
package resolution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/clover/internal/store"
	"github.com/Ramsey-B/clover/pkg/attributes"
	"github.com/Ramsey-B/clover/pkg/decisions"
	"github.com/Ramsey-B/clover/pkg/events"
	"github.com/Ramsey-B/clover/pkg/guardrails"
	"github.com/Ramsey-B/clover/pkg/identity"
	"github.com/Ramsey-B/clover/pkg/matching"
	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/normalizers"
	"github.com/Ramsey-B/clover/pkg/records"
	"github.com/Ramsey-B/clover/pkg/textanalysis"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// TextSourceSuffix is appended to a record's source system for observations
// extracted from its free text, so they supersede independently.
const TextSourceSuffix = "/text_analysis"

var errMarkerExists = errors.New("resolution marker already exists")

// TextAnalyzer extracts attribute observations from free text.
type TextAnalyzer interface {
	Analyze(ctx context.Context, req textanalysis.Request) (*textanalysis.Response, error)
}

// Deps are the collaborators of a Resolver. Analyzer and Emitter may be nil.
type Deps struct {
	Store      store.Store
	Index      *identity.Index
	Screener   *guardrails.Screener
	Matcher    *matching.Matcher
	Gate       *Gate
	Attributes *attributes.Service
	Log        *decisions.Log
	Analyzer   TextAnalyzer
	Emitter    *events.Emitter
}

type Resolver struct {
	store    store.Store
	index    *identity.Index
	screener *guardrails.Screener
	matcher  *matching.Matcher
	gate     *Gate
	attrs    *attributes.Service
	log      *decisions.Log
	analyzer TextAnalyzer
	emitter  *events.Emitter
	logger   ectologger.Logger
	now      func() time.Time
}

func NewResolver(deps Deps, logger ectologger.Logger) *Resolver {
	return &Resolver{
		store:    deps.Store,
		index:    deps.Index,
		screener: deps.Screener,
		matcher:  deps.Matcher,
		gate:     deps.Gate,
		attrs:    deps.Attributes,
		log:      deps.Log,
		analyzer: deps.Analyzer,
		emitter:  deps.Emitter,
		logger:   logger,
		now:      time.Now,
	}
}

// ResolveIdentity runs guard rails, candidate matching and the gate for one
// record and applies the decision in a single transaction. A record whose
// source key was already resolved returns the earlier resolution with
// AlreadyResolved set and changes nothing.
func (r *Resolver) ResolveIdentity(ctx context.Context, rec *models.SourceRecord) (*models.Resolution, error) {
	ctx, span := tracing.StartSpan(ctx, "resolution.Resolver.ResolveIdentity")
	defer span.End()
	start := r.now()

	if err := records.Validate(rec); err != nil {
		return nil, err
	}
	copied := *rec
	rec = &copied
	if rec.ObservedAt.IsZero() {
		rec.ObservedAt = start.UTC()
	}

	if res, err := r.existing(ctx, rec.SourceKey); err != nil || res != nil {
		return res, err
	}

	verdict := r.screener.Screen(rec)
	match, err := r.matcher.FindCandidates(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("find candidates for %s: %w", rec.SourceKey, err)
	}
	if rec.Address == "" && match.GeocodedAddress != "" {
		rec.Address = match.GeocodedAddress
	}

	differs := false
	if top, ok := match.Candidates.Top(); ok {
		if differs, err = r.contactInfoDiffers(ctx, rec, top); err != nil {
			return nil, err
		}
	}
	decision := r.gate.Decide(GateInput{
		Kind:               rec.Kind,
		Verdict:            verdict,
		Candidates:         match.Candidates,
		ContactInfoDiffers: differs,
	})

	var text []models.AttributeInput
	if decision.Resolves() {
		if text, err = r.analyze(ctx, rec); err != nil {
			return nil, err
		}
	}

	var out *outcome
	err = r.store.InTx(ctx, func(ctx context.Context) error {
		var err error
		out = &outcome{}
		if decision.Resolves() {
			act := action{Type: decision.Type, Strict: true}
			if decision.Target != nil {
				act.TargetID = decision.Target.EntityID
			}
			if out, err = r.apply(ctx, rec, act, text); err != nil {
				return err
			}
		}

		if out.decision, err = r.record(ctx, rec, decision, match.Candidates, out.entity); err != nil {
			return err
		}

		marker := &models.ResolutionMarker{
			SourceSystem:   rec.SourceSystem,
			SourceTable:    rec.SourceTable,
			SourceRecordID: rec.SourceRecordID,
			Kind:           rec.Kind,
			DecisionID:     out.decision.ID,
		}
		if out.entity != nil {
			marker.EntityID = &out.entity.ID
		}
		created, err := r.store.CreateMarker(ctx, marker)
		if err != nil {
			return err
		}
		if !created {
			return errMarkerExists
		}
		return nil
	})
	if errors.Is(err, errMarkerExists) {
		res, err := r.existing(ctx, rec.SourceKey)
		if err != nil {
			return nil, err
		}
		if res == nil {
			return nil, fmt.Errorf("%w: resolution marker for %s disappeared", ErrTransient, rec.SourceKey)
		}
		r.logger.WithContext(ctx).WithFields(map[string]any{
			"source": rec.SourceKey.String(),
		}).Info("Lost resolution race, returning the committed resolution")
		return res, nil
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"source":        rec.SourceKey.String(),
			"entity_kind":   rec.Kind,
			"decision_type": decision.Type,
		}).Error("Failed to apply resolution")
		return nil, err
	}

	r.committed(ctx, rec, out)
	metrics.ResolveDuration.WithLabelValues(string(rec.Kind)).Observe(time.Since(start).Seconds())

	res := out.resolution()
	r.logger.WithContext(ctx).WithFields(map[string]any{
		"source":        rec.SourceKey.String(),
		"entity_kind":   rec.Kind,
		"entity_id":     res.EntityID,
		"outcome":       res.Outcome,
		"review_status": res.ReviewStatus,
		"confidence":    res.Confidence,
		"guard_rail":    verdict.Rule,
	}).Info("Resolved record")
	return res, nil
}

// existing returns the resolution recorded for key, or nil.
func (r *Resolver) existing(ctx context.Context, key models.SourceKey) (*models.Resolution, error) {
	marker, err := r.store.GetMarker(ctx, key)
	if err != nil || marker == nil {
		return nil, err
	}
	d, err := r.log.Get(ctx, marker.DecisionID)
	if err != nil {
		return nil, err
	}

	var entity *models.Entity
	if marker.EntityID != nil {
		if entity, err = r.index.Canonicalize(ctx, marker.Kind, *marker.EntityID); err != nil {
			return nil, err
		}
	}
	res := (&outcome{decision: d, entity: entity}).resolution()
	res.AlreadyResolved = true
	return res, nil
}

// contactInfoDiffers reports whether the record anchors on top through a
// strong identifier while carrying a phone, email or address that differs
// from the one top has on file.
func (r *Resolver) contactInfoDiffers(ctx context.Context, rec *models.SourceRecord, top models.Candidate) (bool, error) {
	if top.MatchedOn != models.MatchedOnIdentifier || !strongMatch(top) {
		return false, nil
	}

	live, err := r.index.LiveIdentifiers(ctx, rec.Kind, top.EntityID, "")
	if err != nil {
		return false, err
	}
	onFile := map[models.IdentifierType]map[string]bool{}
	for _, ident := range live {
		if onFile[ident.Type] == nil {
			onFile[ident.Type] = map[string]bool{}
		}
		onFile[ident.Type][ident.NormalizedValue] = true
	}

	byType := map[models.IdentifierType][]string{}
	for _, key := range identity.KeysFor(rec) {
		byType[key.Type] = append(byType[key.Type], key.Value)
	}
	for _, t := range []models.IdentifierType{models.IdentifierTypePhone, models.IdentifierTypeEmail} {
		if len(byType[t]) == 0 || len(onFile[t]) == 0 {
			continue
		}
		shared := false
		for _, v := range byType[t] {
			shared = shared || onFile[t][v]
		}
		if !shared {
			return true, nil
		}
	}

	if rec.Address == "" {
		return false, nil
	}
	entity, err := r.store.GetEntity(ctx, rec.Kind, top.EntityID)
	if err != nil {
		return false, err
	}
	return entity.Address != "" && normalizers.NormalizeAddress(entity.Address) != normalizers.NormalizeAddress(rec.Address), nil
}

// analyze runs text analysis over the record's free text. A failure is
// transient; an answer without signal yields no observations.
func (r *Resolver) analyze(ctx context.Context, rec *models.SourceRecord) ([]models.AttributeInput, error) {
	if r.analyzer == nil || strings.TrimSpace(rec.FreeText) == "" {
		return nil, nil
	}
	resp, err := r.analyzer.Analyze(ctx, textanalysis.Request{
		Kind:   rec.Kind,
		Text:   rec.FreeText,
		Schema: r.attrs.Schema().Keys(rec.Kind),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: text analysis for %s: %w", ErrTransient, rec.SourceKey, err)
	}
	if !resp.Signal {
		return nil, nil
	}
	return resp.Observations, nil
}

func (r *Resolver) record(ctx context.Context, rec *models.SourceRecord, d Decision, candidates models.Candidates, entity *models.Entity) (*models.MatchDecision, error) {
	snapshot, err := decisions.Snapshot(rec)
	if err != nil {
		return nil, err
	}
	md := &models.MatchDecision{
		Kind:           rec.Kind,
		SourceSystem:   rec.SourceSystem,
		SourceTable:    rec.SourceTable,
		SourceRecordID: rec.SourceRecordID,
		Candidates:     candidates,
		DecisionType:   d.Type,
		Confidence:     d.Confidence,
		Reason:         d.Reason,
		Record:         snapshot,
		ReviewStatus:   d.Status,
	}
	switch {
	case entity != nil:
		id := entity.ID
		md.TargetEntityID = &id
	case d.Target != nil:
		id := d.Target.EntityID
		md.TargetEntityID = &id
	}
	if err := r.log.Append(ctx, md); err != nil {
		return nil, err
	}
	return md, nil
}

// committed publishes metrics and events for a committed outcome.
func (r *Resolver) committed(ctx context.Context, rec *models.SourceRecord, out *outcome) {
	kind := string(rec.Kind)
	metrics.RecordDecision(kind, string(out.decision.DecisionType), string(out.decision.ReviewStatus))
	if out.stored > 0 {
		metrics.AttributeObservationsTotal.WithLabelValues(kind, "stored").Add(float64(out.stored))
	}
	if out.rejected > 0 {
		metrics.AttributeObservationsTotal.WithLabelValues(kind, "rejected").Add(float64(out.rejected))
	}

	source := rec.SourceKey
	if out.entity != nil {
		eventType := events.TypeEntityUpdated
		if out.created {
			eventType = events.TypeEntityCreated
		}
		r.emitter.Emit(ctx, &events.Event{
			Type:       eventType,
			Kind:       rec.Kind,
			EntityID:   out.entity.ID,
			DecisionID: out.decision.ID,
			Source:     &source,
			Entity:     out.entity,
		})
	}
	r.emitter.Emit(ctx, &events.Event{
		Type:           events.TypeDecisionRecorded,
		Kind:           rec.Kind,
		EntityID:       out.entityID(),
		TargetEntityID: deref(out.decision.TargetEntityID),
		DecisionID:     out.decision.ID,
		DecisionType:   out.decision.DecisionType,
		ReviewStatus:   out.decision.ReviewStatus,
		Source:         &source,
	})
	if len(out.relationships) > 0 {
		r.emitter.Emit(ctx, &events.Event{
			Type:          events.TypeRelationshipUpserted,
			Kind:          rec.Kind,
			EntityID:      out.entity.ID,
			Source:        &source,
			Relationships: out.relationships,
		})
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
