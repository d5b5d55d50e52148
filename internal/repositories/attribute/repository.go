package attribute

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
	"id", "entity_kind", "entity_id", "attribute_key", "data_type", "value_text", "value_number",
	"value_bool", "value_json", "confidence", "evidence", "source_system", "source_record_id",
	"extracted_by", "auto_verified", "created_at", "superseded_at",
}

// Repository persists attribute observations. Rows are never deleted.
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

func (r *Repository) InsertAttribute(ctx context.Context, attr *models.Attribute) error {
	ctx, span := tracing.StartSpan(ctx, "attribute.Repository.InsertAttribute")
	defer span.End()

	if attr.ID == "" {
		attr.ID = uuid.New().String()
	}
	if attr.CreatedAt.IsZero() {
		attr.CreatedAt = time.Now().UTC()
	}

	sb := database.NewInsertBuilder()
	sb.InsertInto("attributes")
	sb.Cols(columns...)
	sb.Values(attr.ID, attr.Kind, attr.EntityID, attr.Key, attr.DataType, attr.Text, attr.Number,
		attr.Bool, attr.Object, attr.Confidence, attr.Evidence, attr.SourceSystem, attr.SourceRecordID,
		attr.ExtractedBy, attr.AutoVerified, attr.CreatedAt, attr.SupersededAt)

	query, args := sb.Build()
	if _, err := r.db.Conn(ctx).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"entity_kind":   attr.Kind,
			"entity_id":     attr.EntityID,
			"attribute_key": attr.Key,
		}).Error("Failed to insert attribute")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to insert attribute")
	}
	return nil
}

// SupersedeAttributes retires the live rows of one source for the key.
func (r *Repository) SupersedeAttributes(ctx context.Context, kind models.EntityKind, entityID, key, sourceSystem string, at time.Time) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "attribute.Repository.SupersedeAttributes")
	defer span.End()

	sb := database.NewUpdateBuilder()
	sb.Update("attributes")
	sb.Set(sb.Assign("superseded_at", at.UTC()))
	sb.Where(
		sb.Equal("entity_kind", kind),
		sb.Equal("entity_id", entityID),
		sb.Equal("attribute_key", key),
		sb.Equal("source_system", sourceSystem),
		sb.IsNull("superseded_at"),
	)

	query, args := sb.Build()
	result, err := r.db.Conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"entity_id":     entityID,
			"attribute_key": key,
			"source_system": sourceSystem,
		}).Error("Failed to supersede attributes")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to supersede attributes")
	}
	rows, _ := result.RowsAffected()
	return int(rows), nil
}

func (r *Repository) list(ctx context.Context, sb *database.SelectBuilder) ([]models.Attribute, error) {
	sb.OrderBy("created_at ASC", "id ASC")
	query, args := sb.Build()
	var attrs []models.Attribute
	if err := r.db.Conn(ctx).SelectContext(ctx, &attrs, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list attributes")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list attributes")
	}
	return attrs, nil
}

func (r *Repository) ListLiveAttributes(ctx context.Context, kind models.EntityKind, entityID string) ([]models.Attribute, error) {
	ctx, span := tracing.StartSpan(ctx, "attribute.Repository.ListLiveAttributes")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From("attributes")
	sb.Where(
		sb.Equal("entity_kind", kind),
		sb.Equal("entity_id", entityID),
		sb.IsNull("superseded_at"),
	)
	return r.list(ctx, sb)
}

// ListAttributeHistory returns live and superseded rows for the key, oldest first.
func (r *Repository) ListAttributeHistory(ctx context.Context, kind models.EntityKind, entityID, key string) ([]models.Attribute, error) {
	ctx, span := tracing.StartSpan(ctx, "attribute.Repository.ListAttributeHistory")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From("attributes")
	sb.Where(
		sb.Equal("entity_kind", kind),
		sb.Equal("entity_id", entityID),
		sb.Equal("attribute_key", key),
	)
	return r.list(ctx, sb)
}

// RepointAttributes moves every row, live or superseded, to toID.
func (r *Repository) RepointAttributes(ctx context.Context, kind models.EntityKind, fromID, toID string) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "attribute.Repository.RepointAttributes")
	defer span.End()

	sb := database.NewUpdateBuilder()
	sb.Update("attributes")
	sb.Set(sb.Assign("entity_id", toID))
	sb.Where(
		sb.Equal("entity_kind", kind),
		sb.Equal("entity_id", fromID),
	)

	query, args := sb.Build()
	result, err := r.db.Conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"entity_kind": kind,
			"from_id":     fromID,
			"to_id":       toID,
		}).Error("Failed to repoint attributes")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to repoint attributes")
	}
	rows, _ := result.RowsAffected()
	return int(rows), nil
}
