package decision

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

var columns = []string{
	"decision_id", "entity_kind", "source_system", "source_table", "source_record_id",
	"subject_entity_id", "target_entity_id", "candidates", "decision_type", "confidence",
	"reason", "record", "review_status", "reviewed_by", "review_note", "reviewed_at",
	"created_at", "updated_at",
}

// Repository is the append-mostly match decision log.
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

func (r *Repository) CreateDecision(ctx context.Context, decision *models.MatchDecision) error {
	ctx, span := tracing.StartSpan(ctx, "decision.Repository.CreateDecision")
	defer span.End()

	if decision.ID == "" {
		decision.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	decision.CreatedAt = now
	decision.UpdatedAt = now

	sb := database.NewInsertBuilder()
	sb.InsertInto("match_decisions")
	sb.Cols(columns...)
	sb.Values(decision.ID, decision.Kind, decision.SourceSystem, decision.SourceTable, decision.SourceRecordID,
		decision.SubjectEntityID, decision.TargetEntityID, decision.Candidates, decision.DecisionType, decision.Confidence,
		decision.Reason, decision.Record, decision.ReviewStatus, decision.ReviewedBy, decision.ReviewNote, decision.ReviewedAt,
		decision.CreatedAt, decision.UpdatedAt)

	query, args := sb.Build()
	if _, err := r.db.Conn(ctx).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"entity_kind":   decision.Kind,
			"decision_type": decision.DecisionType,
			"source":        decision.SourceKey().String(),
		}).Error("Failed to create match decision")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to create match decision")
	}
	return nil
}

func (r *Repository) GetDecision(ctx context.Context, id string) (*models.MatchDecision, error) {
	ctx, span := tracing.StartSpan(ctx, "decision.Repository.GetDecision")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From("match_decisions")
	sb.Where(sb.Equal("decision_id", id))

	query, args := sb.Build()
	var decision models.MatchDecision
	if err := r.db.Conn(ctx).GetContext(ctx, &decision, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "decision %s not found", id)
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"decision_id": id}).Error("Failed to get match decision")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get match decision")
	}
	return &decision, nil
}

// ListPendingDecisions returns the review queue, oldest first. An empty kind
// lists every kind.
func (r *Repository) ListPendingDecisions(ctx context.Context, kind models.EntityKind, limit int) ([]models.MatchDecision, error) {
	ctx, span := tracing.StartSpan(ctx, "decision.Repository.ListPendingDecisions")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From("match_decisions")
	sb.Where(sb.Equal("review_status", models.ReviewPending))
	if kind != "" {
		sb.Where(sb.Equal("entity_kind", kind))
	}
	sb.OrderBy("created_at ASC", "decision_id ASC")
	if limit > 0 {
		sb.Limit(limit)
	}

	query, args := sb.Build()
	var decisions []models.MatchDecision
	if err := r.db.Conn(ctx).SelectContext(ctx, &decisions, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"entity_kind": kind}).Error("Failed to list pending decisions")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list pending decisions")
	}
	return decisions, nil
}

// ApplyReview transitions a pending decision. The status guard in the WHERE
// clause makes concurrent reviews of one decision collapse to a single winner.
func (r *Repository) ApplyReview(ctx context.Context, id string, review models.Review) error {
	ctx, span := tracing.StartSpan(ctx, "decision.Repository.ApplyReview")
	defer span.End()

	sb := database.NewUpdateBuilder()
	sb.Update("match_decisions")
	assignments := []string{
		sb.Assign("review_status", review.Status),
		sb.Assign("reviewed_by", review.ReviewedBy),
		sb.Assign("review_note", review.Note),
		sb.Assign("reviewed_at", review.ReviewedAt.UTC()),
		sb.Assign("updated_at", time.Now().UTC()),
	}
	if review.DecisionType != "" {
		assignments = append(assignments, sb.Assign("decision_type", review.DecisionType))
	}
	if review.TargetEntityID != nil {
		assignments = append(assignments, sb.Assign("target_entity_id", *review.TargetEntityID))
	}
	sb.Set(assignments...)
	sb.Where(
		sb.Equal("decision_id", id),
		sb.Equal("review_status", models.ReviewPending),
	)

	query, args := sb.Build()
	result, err := r.db.Conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"decision_id": id}).Error("Failed to apply review")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to apply review")
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		existing, err := r.GetDecision(ctx, id)
		if err != nil {
			return err
		}
		return httperror.NewHTTPErrorf(http.StatusConflict, "decision %s is %s", id, existing.ReviewStatus)
	}
	return nil
}

// FindMergeDecision returns the latest merge-into decision for the pair, or nil.
func (r *Repository) FindMergeDecision(ctx context.Context, kind models.EntityKind, loserID, winnerID string) (*models.MatchDecision, error) {
	ctx, span := tracing.StartSpan(ctx, "decision.Repository.FindMergeDecision")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From("match_decisions")
	sb.Where(
		sb.Equal("entity_kind", kind),
		sb.Equal("decision_type", models.DecisionMergeInto),
		sb.Equal("subject_entity_id", loserID),
		sb.Equal("target_entity_id", winnerID),
	)
	sb.OrderBy("created_at DESC", "decision_id DESC")
	sb.Limit(1)

	query, args := sb.Build()
	var decision models.MatchDecision
	if err := r.db.Conn(ctx).GetContext(ctx, &decision, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"loser_id":  loserID,
			"winner_id": winnerID,
		}).Error("Failed to find merge decision")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to find merge decision")
	}
	return &decision, nil
}

// DecisionCounts groups the log by kind, decision type and review status.
func (r *Repository) DecisionCounts(ctx context.Context) ([]models.DecisionCount, error) {
	ctx, span := tracing.StartSpan(ctx, "decision.Repository.DecisionCounts")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("entity_kind", "decision_type", "review_status", "COUNT(*) AS count")
	sb.From("match_decisions")
	sb.GroupBy("entity_kind", "decision_type", "review_status")
	sb.OrderBy("entity_kind", "decision_type", "review_status")

	query, args := sb.Build()
	var counts []models.DecisionCount
	if err := r.db.Conn(ctx).SelectContext(ctx, &counts, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to count decisions")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to count decisions")
	}
	return counts, nil
}
