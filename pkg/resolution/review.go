package resolution

import (
	"context"
	"fmt"

	"github.com/Ramsey-B/clover/internal/store"
	"github.com/Ramsey-B/clover/pkg/decisions"
	"github.com/Ramsey-B/clover/pkg/events"
	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

type ReviewAction string

const (
	ActionApprove   ReviewAction = "approve"
	ActionCreateNew ReviewAction = "create-new"
	ActionMergeInto ReviewAction = "merge-into"
	ActionReject    ReviewAction = "reject"
)

// ReviewOutcome is a reviewer's verdict on a pending decision.
type ReviewOutcome struct {
	Action         ReviewAction `json:"action" validate:"required,oneof=approve create-new merge-into reject"`
	TargetEntityID string       `json:"target_entity_id,omitempty" validate:"required_if=Action merge-into"`
	Reviewer       string       `json:"reviewer" validate:"required"`
	Note           string       `json:"note,omitempty"`
}

// plan turns the outcome into the action to apply and the terminal status.
// Approving a reject confirms it; approving a proposal attaches to its target;
// approving a proposal without a target creates a new entity.
func (o ReviewOutcome) plan(d *models.MatchDecision) (action, models.ReviewStatus, error) {
	if o.Reviewer == "" {
		return action{}, "", fmt.Errorf("%w: reviewer is required", ErrInvalidReview)
	}
	switch o.Action {
	case ActionReject:
		return action{Type: models.DecisionReject}, models.ReviewRejected, nil
	case ActionCreateNew:
		return action{Type: models.DecisionCreateNew}, models.ReviewApproved, nil
	case ActionMergeInto:
		if o.TargetEntityID == "" {
			return action{}, "", fmt.Errorf("%w: merge-into requires a target entity", ErrInvalidReview)
		}
		return action{Type: models.DecisionMergeInto, TargetID: o.TargetEntityID}, models.ReviewApproved, nil
	case ActionApprove:
		switch {
		case d.DecisionType == models.DecisionReject:
			return action{Type: models.DecisionReject}, models.ReviewApproved, nil
		case d.TargetEntityID != nil:
			return action{Type: d.DecisionType, TargetID: *d.TargetEntityID}, models.ReviewApproved, nil
		default:
			return action{Type: models.DecisionCreateNew}, models.ReviewApproved, nil
		}
	}
	return action{}, "", fmt.Errorf("%w: unknown action %q", ErrInvalidReview, o.Action)
}

// ApplyReviewDecision applies a reviewer's outcome to a review_pending
// decision, resolving the stored record snapshot when the outcome links it to
// an entity. Guard rails are not re-run.
func (r *Resolver) ApplyReviewDecision(ctx context.Context, decisionID string, rv ReviewOutcome) (*models.Resolution, error) {
	ctx, span := tracing.StartSpan(ctx, "resolution.Resolver.ApplyReviewDecision")
	defer span.End()

	d, err := r.log.Get(ctx, decisionID)
	if err != nil {
		return nil, err
	}
	if d.ReviewStatus.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrAlreadyReviewed, d.ID, d.ReviewStatus)
	}
	act, status, err := rv.plan(d)
	if err != nil {
		return nil, err
	}
	rec, err := decisions.Record(d)
	if err != nil {
		return nil, err
	}

	var text []models.AttributeInput
	if act.Type != models.DecisionReject {
		if text, err = r.analyze(ctx, rec); err != nil {
			return nil, err
		}
	}

	var out *outcome
	err = r.store.InTx(ctx, func(ctx context.Context) error {
		var err error
		if out, err = r.apply(ctx, rec, act, text); err != nil {
			return err
		}

		review := models.Review{
			Status:       status,
			DecisionType: act.Type,
			ReviewedBy:   rv.Reviewer,
			Note:         rv.Note,
			ReviewedAt:   r.now().UTC(),
		}
		if out.entity != nil {
			review.TargetEntityID = &out.entity.ID
		}
		if err := r.store.ApplyReview(ctx, d.ID, review); err != nil {
			if store.IsConflict(err) {
				return fmt.Errorf("%w: %s", ErrAlreadyReviewed, d.ID)
			}
			return err
		}

		if err := r.remark(ctx, d, out.entity); err != nil {
			return err
		}

		stagedStatus, detail := models.StagedResolved, "review "+string(rv.Action)
		if act.Type == models.DecisionReject {
			stagedStatus = models.StagedInvalid
		}
		if err := r.store.MarkStaged(ctx, d.SourceKey(), stagedStatus, detail); err != nil && !store.IsNotFound(err) {
			return err
		}

		out.decision, err = r.log.Get(ctx, d.ID)
		return err
	})
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"decision_id": decisionID,
			"action":      rv.Action,
		}).Error("Failed to apply review")
		return nil, err
	}

	metrics.ReviewsTotal.WithLabelValues(string(d.Kind), string(rv.Action)).Inc()
	r.committed(ctx, rec, out)
	r.emitter.Emit(ctx, &events.Event{
		Type:           events.TypeReviewApplied,
		Kind:           d.Kind,
		EntityID:       out.entityID(),
		TargetEntityID: deref(out.decision.TargetEntityID),
		DecisionID:     d.ID,
		DecisionType:   out.decision.DecisionType,
		ReviewStatus:   out.decision.ReviewStatus,
	})

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"decision_id":   d.ID,
		"action":        rv.Action,
		"reviewer":      rv.Reviewer,
		"entity_id":     out.entityID(),
		"outcome":       out.decision.Outcome(),
		"review_status": out.decision.ReviewStatus,
	}).Info("Applied review decision")
	return out.resolution(), nil
}

// remark points the record's resolution marker at the reviewed outcome.
func (r *Resolver) remark(ctx context.Context, d *models.MatchDecision, entity *models.Entity) error {
	marker, err := r.store.GetMarker(ctx, d.SourceKey())
	if err != nil {
		return err
	}
	if marker == nil {
		marker = &models.ResolutionMarker{
			SourceSystem:   d.SourceSystem,
			SourceTable:    d.SourceTable,
			SourceRecordID: d.SourceRecordID,
			Kind:           d.Kind,
			DecisionID:     d.ID,
		}
		if entity != nil {
			marker.EntityID = &entity.ID
		}
		_, err := r.store.CreateMarker(ctx, marker)
		return err
	}
	marker.DecisionID = d.ID
	marker.EntityID = nil
	if entity != nil {
		marker.EntityID = &entity.ID
	}
	return r.store.UpdateMarker(ctx, marker)
}
