package entity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

var columns = []string{
	"entity_id", "display_name", "address", "locality", "latitude", "longitude",
	"merged_into_entity_id", "source_system", "source_record_id", "data_quality",
	"last_activity_at", "created_at", "updated_at",
}

// Repository persists canonical entities. Each kind lives in its own table.
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

func table(kind models.EntityKind) (string, error) {
	if !kind.Valid() {
		return "", httperror.NewHTTPErrorf(http.StatusBadRequest, "unknown entity kind %q", kind)
	}
	return kind.Table(), nil
}

// CreateEntity inserts a new canonical entity.
func (r *Repository) CreateEntity(ctx context.Context, entity *models.Entity) error {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.CreateEntity")
	defer span.End()

	tbl, err := table(entity.Kind)
	if err != nil {
		return err
	}

	if entity.ID == "" {
		entity.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if entity.CreatedAt.IsZero() {
		entity.CreatedAt = now
	}
	entity.UpdatedAt = now
	if entity.LastActivityAt.IsZero() {
		entity.LastActivityAt = now
	}
	if entity.DataQuality == "" {
		entity.DataQuality = models.DataQualityRaw
	}

	sb := database.NewInsertBuilder()
	sb.InsertInto(tbl)
	sb.Cols(columns...)
	sb.Values(entity.ID, entity.DisplayName, entity.Address, entity.Locality, entity.Latitude, entity.Longitude,
		entity.MergedIntoEntityID, entity.SourceSystem, entity.SourceRecordID, entity.DataQuality,
		entity.LastActivityAt, entity.CreatedAt, entity.UpdatedAt)

	query, args := sb.Build()
	if _, err := r.db.Conn(ctx).ExecContext(ctx, query, args...); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return httperror.NewHTTPErrorf(http.StatusConflict, "%s %s already exists", entity.Kind, entity.ID)
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"entity_kind": entity.Kind,
			"entity_id":   entity.ID,
		}).Error("Failed to create entity")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to create entity")
	}

	return nil
}

func (r *Repository) get(ctx context.Context, kind models.EntityKind, id string, lock bool) (*models.Entity, error) {
	tbl, err := table(kind)
	if err != nil {
		return nil, err
	}

	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(tbl)
	sb.Where(sb.Equal("entity_id", id))
	if lock {
		sb.ForUpdate()
	}

	query, args := sb.Build()
	var entity models.Entity
	if err := r.db.Conn(ctx).GetContext(ctx, &entity, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "%s %s not found", kind, id)
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"entity_kind": kind,
			"entity_id":   id,
		}).Error("Failed to get entity")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get entity")
	}
	entity.Kind = kind
	return &entity, nil
}

// GetEntity returns the entity row as stored, without walking redirects.
func (r *Repository) GetEntity(ctx context.Context, kind models.EntityKind, id string) (*models.Entity, error) {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.GetEntity")
	defer span.End()

	return r.get(ctx, kind, id, false)
}

// GetEntityForUpdate locks the row until the surrounding transaction ends.
func (r *Repository) GetEntityForUpdate(ctx context.Context, kind models.EntityKind, id string) (*models.Entity, error) {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.GetEntityForUpdate")
	defer span.End()

	return r.get(ctx, kind, id, true)
}

// UpdateEntity writes the mutable display fields. The redirect is only
// changed through SetMergedInto.
func (r *Repository) UpdateEntity(ctx context.Context, entity *models.Entity) error {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.UpdateEntity")
	defer span.End()

	tbl, err := table(entity.Kind)
	if err != nil {
		return err
	}

	entity.UpdatedAt = time.Now().UTC()
	sb := database.NewUpdateBuilder()
	sb.Update(tbl)
	sb.Set(
		sb.Assign("display_name", entity.DisplayName),
		sb.Assign("address", entity.Address),
		sb.Assign("locality", entity.Locality),
		sb.Assign("latitude", entity.Latitude),
		sb.Assign("longitude", entity.Longitude),
		sb.Assign("data_quality", entity.DataQuality),
		sb.Assign("last_activity_at", entity.LastActivityAt),
		sb.Assign("updated_at", entity.UpdatedAt),
	)
	sb.Where(sb.Equal("entity_id", entity.ID))

	query, args := sb.Build()
	result, err := r.db.Conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"entity_kind": entity.Kind,
			"entity_id":   entity.ID,
		}).Error("Failed to update entity")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update entity")
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "%s %s not found", entity.Kind, entity.ID)
	}
	return nil
}

// SetMergedInto turns the loser into a redirect to the winner.
func (r *Repository) SetMergedInto(ctx context.Context, kind models.EntityKind, loserID, winnerID string) error {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.SetMergedInto")
	defer span.End()

	tbl, err := table(kind)
	if err != nil {
		return err
	}

	sb := database.NewUpdateBuilder()
	sb.Update(tbl)
	sb.Set(
		sb.Assign("merged_into_entity_id", winnerID),
		sb.Assign("updated_at", time.Now().UTC()),
	)
	sb.Where(sb.Equal("entity_id", loserID))

	query, args := sb.Build()
	result, err := r.db.Conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"entity_kind": kind,
			"loser_id":    loserID,
			"winner_id":   winnerID,
		}).Error("Failed to set merge redirect")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to set merge redirect")
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "%s %s not found", kind, loserID)
	}
	return nil
}

// FindByWeakSignals returns canonical entities in the same locality or linked
// to one of the related entities.
func (r *Repository) FindByWeakSignals(ctx context.Context, q models.WeakSignalQuery) ([]models.Entity, error) {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.FindByWeakSignals")
	defer span.End()

	if q.Empty() {
		return nil, nil
	}
	tbl, err := table(q.Kind)
	if err != nil {
		return nil, err
	}

	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(tbl)

	var signals []string
	if q.Locality != "" {
		signals = append(signals, fmt.Sprintf("lower(locality) = lower(%s)", sb.Var(strings.TrimSpace(q.Locality))))
	}
	if len(q.RelatedEntityIDs) > 0 {
		ids := pq.Array(q.RelatedEntityIDs)
		signals = append(signals, fmt.Sprintf(
			"entity_id IN (SELECT to_entity_id FROM relationships WHERE to_kind = %s AND from_entity_id = ANY(%s) "+
				"UNION SELECT from_entity_id FROM relationships WHERE from_kind = %s AND to_entity_id = ANY(%s))",
			sb.Var(q.Kind), sb.Var(ids), sb.Var(q.Kind), sb.Var(ids)))
	}
	sb.Where(sb.IsNull("merged_into_entity_id"), sb.Or(signals...))
	sb.OrderBy("last_activity_at DESC", "entity_id ASC")
	if q.Limit > 0 {
		sb.Limit(q.Limit)
	}

	query, args := sb.Build()
	var entities []models.Entity
	if err := r.db.Conn(ctx).SelectContext(ctx, &entities, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"entity_kind": q.Kind,
			"locality":    q.Locality,
		}).Error("Failed to find entities by weak signals")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to find candidate entities")
	}
	for i := range entities {
		entities[i].Kind = q.Kind
	}
	return entities, nil
}

const nearQuery = `SELECT * FROM (
	SELECT %s,
		2 * 6371008.8 * asin(least(1, sqrt(
			power(sin(radians(latitude - $1) / 2), 2) +
			cos(radians($1)) * cos(radians(latitude)) * power(sin(radians(longitude - $2) / 2), 2)
		))) AS distance_meters
	FROM %s
	WHERE merged_into_entity_id IS NULL AND latitude IS NOT NULL AND longitude IS NOT NULL
) AS near
WHERE distance_meters <= $3
ORDER BY distance_meters ASC, entity_id ASC
LIMIT $4`

// FindNear returns canonical entities within radiusMeters of the point.
func (r *Repository) FindNear(ctx context.Context, kind models.EntityKind, lat, lon, radiusMeters float64, limit int) ([]models.NearbyEntity, error) {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.FindNear")
	defer span.End()

	tbl, err := table(kind)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 25
	}

	query := fmt.Sprintf(nearQuery, strings.Join(columns, ", "), tbl)
	var nearby []models.NearbyEntity
	if err := r.db.Conn(ctx).SelectContext(ctx, &nearby, query, lat, lon, radiusMeters, limit); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"entity_kind": kind,
			"radius":      radiusMeters,
		}).Error("Failed to find nearby entities")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to find nearby entities")
	}
	for i := range nearby {
		nearby[i].Kind = kind
	}
	return nearby, nil
}
