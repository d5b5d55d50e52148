package marker

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

var columns = []string{
	"source_system", "source_table", "source_record_id", "entity_kind", "entity_id",
	"decision_id", "created_at", "updated_at",
}

// Repository persists the per-source-record resolution markers.
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

func (r *Repository) GetMarker(ctx context.Context, key models.SourceKey) (*models.ResolutionMarker, error) {
	ctx, span := tracing.StartSpan(ctx, "marker.Repository.GetMarker")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From("resolution_markers")
	sb.Where(
		sb.Equal("source_system", key.SourceSystem),
		sb.Equal("source_table", key.SourceTable),
		sb.Equal("source_record_id", key.SourceRecordID),
	)

	query, args := sb.Build()
	var marker models.ResolutionMarker
	if err := r.db.Conn(ctx).GetContext(ctx, &marker, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"source": key.String()}).Error("Failed to get resolution marker")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get resolution marker")
	}
	return &marker, nil
}

// CreateMarker inserts the marker and reports false if another resolution
// already wrote one for the same source record.
func (r *Repository) CreateMarker(ctx context.Context, marker *models.ResolutionMarker) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "marker.Repository.CreateMarker")
	defer span.End()

	now := time.Now().UTC()
	marker.CreatedAt = now
	marker.UpdatedAt = now

	sb := database.NewInsertBuilder()
	sb.InsertInto("resolution_markers")
	sb.Cols(columns...)
	sb.Values(marker.SourceSystem, marker.SourceTable, marker.SourceRecordID, marker.Kind, marker.EntityID,
		marker.DecisionID, marker.CreatedAt, marker.UpdatedAt)
	sb.OnConflictDoNothing()

	query, args := sb.Build()
	result, err := r.db.Conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"source": marker.Key().String()}).Error("Failed to create resolution marker")
		return false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to create resolution marker")
	}
	rows, _ := result.RowsAffected()
	return rows == 1, nil
}

func (r *Repository) UpdateMarker(ctx context.Context, marker *models.ResolutionMarker) error {
	ctx, span := tracing.StartSpan(ctx, "marker.Repository.UpdateMarker")
	defer span.End()

	marker.UpdatedAt = time.Now().UTC()
	sb := database.NewUpdateBuilder()
	sb.Update("resolution_markers")
	sb.Set(
		sb.Assign("entity_id", marker.EntityID),
		sb.Assign("decision_id", marker.DecisionID),
		sb.Assign("updated_at", marker.UpdatedAt),
	)
	sb.Where(
		sb.Equal("source_system", marker.SourceSystem),
		sb.Equal("source_table", marker.SourceTable),
		sb.Equal("source_record_id", marker.SourceRecordID),
	)

	query, args := sb.Build()
	result, err := r.db.Conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"source": marker.Key().String()}).Error("Failed to update resolution marker")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update resolution marker")
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "resolution marker %s not found", marker.Key())
	}
	return nil
}
