// Package merging collapses a duplicate canonical entity into another. The
// loser becomes a tombstone redirecting to the winner and everything it owned
// moves to the winner in one transaction.
package merging

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/clover/internal/store"
	"github.com/Ramsey-B/clover/pkg/decisions"
	"github.com/Ramsey-B/clover/pkg/events"
	"github.com/Ramsey-B/clover/pkg/identity"
	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// SourceSystem is recorded on merge decisions that did not come from a
// staged record.
const SourceSystem = "merge"

var (
	ErrSelfMerge     = errors.New("cannot merge an entity into itself")
	ErrMergeCycle    = errors.New("merge would create a redirect cycle")
	ErrNotCanonical  = errors.New("entity is not canonical")
	ErrAlreadyMerged = errors.New("entity was already merged into another entity")
)

type MergeRequest struct {
	Kind     models.EntityKind `json:"entity_kind" validate:"required"`
	LoserID  string            `json:"loser_id" validate:"required"`
	WinnerID string            `json:"winner_id" validate:"required"`
	Reason   string            `json:"reason,omitempty"`
	Actor    string            `json:"actor,omitempty"`
	// Source ties the merge decision to a staged record when one caused it.
	Source *models.SourceKey `json:"source,omitempty"`
}

type MergeResult struct {
	Kind                  models.EntityKind `json:"entity_kind"`
	LoserID               string            `json:"loser_id"`
	WinnerID              string            `json:"winner_id"`
	DecisionID            string            `json:"decision_id,omitempty"`
	IdentifiersMoved      int               `json:"identifiers_moved"`
	IdentifiersSuperseded int               `json:"identifiers_superseded"`
	RelationshipsRewired  int               `json:"relationships_rewired"`
	RelationshipsDropped  int               `json:"relationships_dropped"`
	AttributesRepointed   int               `json:"attributes_repointed"`
	AlreadyApplied        bool              `json:"already_applied"`
	MergedAt              time.Time         `json:"merged_at"`
}

type Merger struct {
	store   store.Store
	index   *identity.Index
	log     *decisions.Log
	emitter *events.Emitter
	logger  ectologger.Logger
	now     func() time.Time
}

func NewMerger(s store.Store, index *identity.Index, log *decisions.Log, emitter *events.Emitter, logger ectologger.Logger) *Merger {
	return &Merger{
		store:   s,
		index:   index,
		log:     log,
		emitter: emitter,
		logger:  logger,
		now:     time.Now,
	}
}

// Merge redirects req.LoserID to req.WinnerID. Re-running a completed merge
// returns the earlier result with AlreadyApplied set.
func (m *Merger) Merge(ctx context.Context, req MergeRequest) (*MergeResult, error) {
	ctx, span := tracing.StartSpan(ctx, "merging.Merger.Merge")
	defer span.End()

	if !req.Kind.Valid() {
		return nil, fmt.Errorf("unknown entity kind %q", req.Kind)
	}
	if req.LoserID == req.WinnerID {
		return nil, fmt.Errorf("%w: %s", ErrSelfMerge, req.LoserID)
	}

	var result *MergeResult
	err := m.store.InTx(ctx, func(ctx context.Context) error {
		var err error
		result, err = m.merge(ctx, req)
		return err
	})
	if err != nil {
		m.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"entity_kind": req.Kind,
			"loser_id":    req.LoserID,
			"winner_id":   req.WinnerID,
		}).Error("Merge failed")
		metrics.RecordMerge(string(req.Kind), "failed")
		return nil, err
	}

	if result.AlreadyApplied {
		metrics.RecordMerge(string(req.Kind), "already_applied")
		return result, nil
	}

	metrics.RecordMerge(string(req.Kind), "merged")
	metrics.RecordDecision(string(req.Kind), string(models.DecisionMergeInto), string(models.ReviewAutoResolved))
	m.logger.WithContext(ctx).WithFields(map[string]any{
		"entity_kind":            req.Kind,
		"loser_id":               req.LoserID,
		"winner_id":              req.WinnerID,
		"decision_id":            result.DecisionID,
		"identifiers_moved":      result.IdentifiersMoved,
		"identifiers_superseded": result.IdentifiersSuperseded,
		"relationships_rewired":  result.RelationshipsRewired,
		"relationships_dropped":  result.RelationshipsDropped,
		"attributes_repointed":   result.AttributesRepointed,
	}).Info("Merged entities")

	relationships, err := m.store.ListRelationships(ctx, req.Kind, req.WinnerID)
	if err != nil {
		m.logger.WithContext(ctx).WithError(err).Warn("Failed to list relationships for merge event")
	}
	m.emitter.Emit(ctx, &events.Event{
		Type:           events.TypeEntityMerged,
		Kind:           req.Kind,
		EntityID:       req.LoserID,
		TargetEntityID: req.WinnerID,
		DecisionID:     result.DecisionID,
		DecisionType:   models.DecisionMergeInto,
		Relationships:  relationships,
	})
	return result, nil
}

func (m *Merger) merge(ctx context.Context, req MergeRequest) (*MergeResult, error) {
	loser, winner, err := m.lock(ctx, req.Kind, req.LoserID, req.WinnerID)
	if err != nil {
		return nil, err
	}

	if !loser.IsCanonical() {
		if *loser.MergedIntoEntityID == winner.ID {
			return m.applied(ctx, req)
		}
		return nil, fmt.Errorf("%w: %s %s redirects to %s", ErrAlreadyMerged, req.Kind, loser.ID, *loser.MergedIntoEntityID)
	}
	if !winner.IsCanonical() {
		path, _, err := m.index.RedirectPath(ctx, req.Kind, winner.ID)
		if err != nil && !errors.Is(err, identity.ErrRedirectCycle) {
			return nil, err
		}
		if slices.Contains(path, loser.ID) || errors.Is(err, identity.ErrRedirectCycle) {
			return nil, fmt.Errorf("%w: %s redirects to %s", ErrMergeCycle, winner.ID, loser.ID)
		}
		return nil, fmt.Errorf("%w: %s %s redirects to %s", ErrNotCanonical, req.Kind, winner.ID, *winner.MergedIntoEntityID)
	}

	at := m.now().UTC()
	result := &MergeResult{Kind: req.Kind, LoserID: loser.ID, WinnerID: winner.ID, MergedAt: at}

	if err := m.store.SetMergedInto(ctx, req.Kind, loser.ID, winner.ID); err != nil {
		return nil, err
	}
	if result.IdentifiersMoved, result.IdentifiersSuperseded, err = m.store.ReassignIdentifiers(ctx, req.Kind, loser.ID, winner.ID, at); err != nil {
		return nil, err
	}
	if result.RelationshipsRewired, result.RelationshipsDropped, err = m.store.RewireRelationships(ctx, req.Kind, loser.ID, winner.ID); err != nil {
		return nil, err
	}
	if result.AttributesRepointed, err = m.store.RepointAttributes(ctx, req.Kind, loser.ID, winner.ID); err != nil {
		return nil, err
	}

	absorb(winner, loser)
	if err := m.store.UpdateEntity(ctx, winner); err != nil {
		return nil, err
	}

	decision := &models.MatchDecision{
		Kind:            req.Kind,
		SourceSystem:    SourceSystem,
		SourceTable:     req.Kind.Table(),
		SourceRecordID:  loser.ID,
		SubjectEntityID: &loser.ID,
		TargetEntityID:  &winner.ID,
		DecisionType:    models.DecisionMergeInto,
		Confidence:      1.0,
		Reason:          reason(req),
		ReviewStatus:    models.ReviewAutoResolved,
	}
	if req.Source != nil {
		decision.SourceSystem = req.Source.SourceSystem
		decision.SourceTable = req.Source.SourceTable
		decision.SourceRecordID = req.Source.SourceRecordID
	}
	if err := m.log.Append(ctx, decision); err != nil {
		return nil, err
	}
	result.DecisionID = decision.ID
	return result, nil
}

// lock takes both row locks in id order.
func (m *Merger) lock(ctx context.Context, kind models.EntityKind, loserID, winnerID string) (*models.Entity, *models.Entity, error) {
	first, second := loserID, winnerID
	if second < first {
		first, second = second, first
	}
	a, err := m.store.GetEntityForUpdate(ctx, kind, first)
	if err != nil {
		return nil, nil, err
	}
	b, err := m.store.GetEntityForUpdate(ctx, kind, second)
	if err != nil {
		return nil, nil, err
	}
	if a.ID == loserID {
		return a, b, nil
	}
	return b, a, nil
}

func (m *Merger) applied(ctx context.Context, req MergeRequest) (*MergeResult, error) {
	result := &MergeResult{Kind: req.Kind, LoserID: req.LoserID, WinnerID: req.WinnerID, AlreadyApplied: true}
	prior, err := m.store.FindMergeDecision(ctx, req.Kind, req.LoserID, req.WinnerID)
	if err != nil {
		return nil, err
	}
	if prior != nil {
		result.DecisionID = prior.ID
		result.MergedAt = prior.CreatedAt
	}
	return result, nil
}

// absorb fills the winner's empty display fields from the loser.
func absorb(winner, loser *models.Entity) {
	if winner.DisplayName == "" {
		winner.DisplayName = loser.DisplayName
	}
	if winner.Address == "" {
		winner.Address = loser.Address
	}
	if winner.Locality == "" {
		winner.Locality = loser.Locality
	}
	if !winner.HasLocation() && loser.HasLocation() {
		winner.Latitude, winner.Longitude = loser.Latitude, loser.Longitude
	}
	if loser.LastActivityAt.After(winner.LastActivityAt) {
		winner.LastActivityAt = loser.LastActivityAt
	}
}

func reason(req MergeRequest) string {
	parts := []string{}
	if req.Reason != "" {
		parts = append(parts, req.Reason)
	}
	if req.Actor != "" {
		parts = append(parts, "by "+req.Actor)
	}
	if len(parts) == 0 {
		return "merge"
	}
	return strings.Join(parts, " ")
}
