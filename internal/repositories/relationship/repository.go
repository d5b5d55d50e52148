package relationship

import (
	"context"
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
	"id", "relationship_type", "from_kind", "from_entity_id", "to_kind", "to_entity_id",
	"confidence", "source_system", "source_record_id", "created_at", "updated_at",
}

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

type upserted struct {
	models.Relationship
	Inserted bool `db:"inserted"`
}

// UpsertRelationship inserts the edge or keeps the higher confidence of the
// existing one. It reports whether a new row was inserted.
func (r *Repository) UpsertRelationship(ctx context.Context, rel *models.Relationship) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "relationship.Repository.UpsertRelationship")
	defer span.End()

	if rel.ID == "" {
		rel.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	rel.CreatedAt = now
	rel.UpdatedAt = now

	sb := database.NewInsertBuilder()
	sb.InsertInto("relationships")
	sb.Cols(columns...)
	sb.Values(rel.ID, rel.Type, rel.FromKind, rel.FromEntityID, rel.ToKind, rel.ToEntityID,
		rel.Confidence, rel.SourceSystem, rel.SourceRecordID, rel.CreatedAt, rel.UpdatedAt)
	ub := sb.OnConflict("relationship_type", "from_entity_id", "to_entity_id")
	ub.Set(
		"confidence = GREATEST(relationships.confidence, EXCLUDED.confidence)",
		ub.Assign("updated_at", database.Excluded("updated_at")),
	)
	sb.Returning(append(columns, "(xmax = 0) AS inserted")...)

	query, args := sb.Build()
	var row upserted
	if err := r.db.Conn(ctx).GetContext(ctx, &row, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"relationship_type": rel.Type,
			"from_entity_id":    rel.FromEntityID,
			"to_entity_id":      rel.ToEntityID,
		}).Error("Failed to upsert relationship")
		return false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to upsert relationship")
	}

	*rel = row.Relationship
	return row.Inserted, nil
}

// ListRelationships returns every edge touching the entity.
func (r *Repository) ListRelationships(ctx context.Context, kind models.EntityKind, entityID string) ([]models.Relationship, error) {
	ctx, span := tracing.StartSpan(ctx, "relationship.Repository.ListRelationships")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From("relationships")
	sb.Where(sb.Or(
		sb.And(sb.Equal("from_kind", kind), sb.Equal("from_entity_id", entityID)),
		sb.And(sb.Equal("to_kind", kind), sb.Equal("to_entity_id", entityID)),
	))
	sb.OrderBy("created_at ASC", "id ASC")

	query, args := sb.Build()
	var rels []models.Relationship
	if err := r.db.Conn(ctx).SelectContext(ctx, &rels, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"entity_kind": kind,
			"entity_id":   entityID,
		}).Error("Failed to list relationships")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list relationships")
	}
	return rels, nil
}

const (
	dropSelfLoops = `DELETE FROM relationships
WHERE (from_kind = $1 AND to_kind = $1)
AND ((from_entity_id = $2 AND to_entity_id IN ($2, $3)) OR (to_entity_id = $2 AND from_entity_id IN ($2, $3)))`

	foldFromDuplicates = `UPDATE relationships AS w
SET confidence = GREATEST(w.confidence, l.confidence), updated_at = NOW()
FROM relationships AS l
WHERE l.from_kind = $1 AND l.from_entity_id = $2
AND w.relationship_type = l.relationship_type AND w.from_entity_id = $3 AND w.to_entity_id = l.to_entity_id`

	dropFromDuplicates = `DELETE FROM relationships AS l
WHERE l.from_kind = $1 AND l.from_entity_id = $2
AND EXISTS (
	SELECT 1 FROM relationships AS w
	WHERE w.relationship_type = l.relationship_type AND w.from_entity_id = $3 AND w.to_entity_id = l.to_entity_id
)`

	foldToDuplicates = `UPDATE relationships AS w
SET confidence = GREATEST(w.confidence, l.confidence), updated_at = NOW()
FROM relationships AS l
WHERE l.to_kind = $1 AND l.to_entity_id = $2
AND w.relationship_type = l.relationship_type AND w.to_entity_id = $3 AND w.from_entity_id = l.from_entity_id`

	dropToDuplicates = `DELETE FROM relationships AS l
WHERE l.to_kind = $1 AND l.to_entity_id = $2
AND EXISTS (
	SELECT 1 FROM relationships AS w
	WHERE w.relationship_type = l.relationship_type AND w.to_entity_id = $3 AND w.from_entity_id = l.from_entity_id
)`

	rewireFrom = `UPDATE relationships SET from_entity_id = $3, updated_at = NOW() WHERE from_kind = $1 AND from_entity_id = $2`
	rewireTo   = `UPDATE relationships SET to_entity_id = $3, updated_at = NOW() WHERE to_kind = $1 AND to_entity_id = $2`
)

// RewireRelationships moves every edge off fromID onto toID. Edges that would
// loop or duplicate an edge toID already has are folded into it and removed.
func (r *Repository) RewireRelationships(ctx context.Context, kind models.EntityKind, fromID, toID string) (int, int, error) {
	ctx, span := tracing.StartSpan(ctx, "relationship.Repository.RewireRelationships")
	defer span.End()

	conn := r.db.Conn(ctx)
	var rewired, dropped int64
	steps := []struct {
		query   string
		counter *int64
	}{
		{dropSelfLoops, &dropped},
		{foldFromDuplicates, nil},
		{dropFromDuplicates, &dropped},
		{foldToDuplicates, nil},
		{dropToDuplicates, &dropped},
		{rewireFrom, &rewired},
		{rewireTo, &rewired},
	}

	for _, step := range steps {
		result, err := conn.ExecContext(ctx, step.query, kind, fromID, toID)
		if err != nil {
			r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"entity_kind": kind,
				"from_id":     fromID,
				"to_id":       toID,
			}).Error("Failed to rewire relationships")
			return 0, 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to rewire relationships")
		}
		if step.counter != nil {
			n, _ := result.RowsAffected()
			*step.counter += n
		}
	}

	return int(rewired), int(dropped), nil
}
