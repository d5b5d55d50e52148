package identifier

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
	"id", "entity_kind", "id_type", "normalized_value", "raw_value", "entity_id",
	"source_system", "created_at", "superseded_at",
}

// Repository persists the identifier index.
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

// LookupIdentifier returns the live owner row for the key, or nil.
func (r *Repository) LookupIdentifier(ctx context.Context, kind models.EntityKind, key models.IdentifierKey) (*models.Identifier, error) {
	ctx, span := tracing.StartSpan(ctx, "identifier.Repository.LookupIdentifier")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From("identifiers")
	sb.Where(
		sb.Equal("entity_kind", kind),
		sb.Equal("id_type", key.Type),
		sb.Equal("normalized_value", key.Value),
		sb.IsNull("superseded_at"),
	)

	query, args := sb.Build()
	var ident models.Identifier
	if err := r.db.Conn(ctx).GetContext(ctx, &ident, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"identifier": key.String(),
		}).Error("Failed to look up identifier")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to look up identifier")
	}
	return &ident, nil
}

// ClaimIdentifier inserts the identifier unless the key is already live. A
// concurrent claim of the same key collapses to one row: the loser of the race
// gets the winner's row back with created=false.
func (r *Repository) ClaimIdentifier(ctx context.Context, ident *models.Identifier) (*models.Identifier, bool, error) {
	ctx, span := tracing.StartSpan(ctx, "identifier.Repository.ClaimIdentifier")
	defer span.End()

	if ident.ID == "" {
		ident.ID = uuid.New().String()
	}
	if ident.CreatedAt.IsZero() {
		ident.CreatedAt = time.Now().UTC()
	}
	ident.SupersededAt = nil

	sb := database.NewInsertBuilder()
	sb.InsertInto("identifiers")
	sb.Cols(columns...)
	sb.Values(ident.ID, ident.Kind, ident.Type, ident.NormalizedValue, ident.RawValue, ident.EntityID,
		ident.SourceSystem, ident.CreatedAt, nil)
	sb.OnConflictWhereDoNothing("superseded_at IS NULL", "entity_kind", "id_type", "normalized_value")
	sb.Returning(columns...)

	query, args := sb.Build()
	var created models.Identifier
	err := r.db.Conn(ctx).GetContext(ctx, &created, query, args...)
	if err == nil {
		return &created, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"identifier": ident.Type,
			"entity_id":  ident.EntityID,
		}).Error("Failed to claim identifier")
		return nil, false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to claim identifier")
	}

	owner, err := r.LookupIdentifier(ctx, ident.Kind, models.IdentifierKey{Type: ident.Type, Value: ident.NormalizedValue})
	if err != nil {
		return nil, false, err
	}
	if owner == nil {
		// the conflicting row was superseded between the insert and the read
		return nil, false, httperror.NewHTTPErrorf(http.StatusConflict, "identifier %s:%s changed owner concurrently", ident.Type, ident.NormalizedValue)
	}
	return owner, false, nil
}

// ListIdentifiers returns every identifier row of the entity, live or not.
func (r *Repository) ListIdentifiers(ctx context.Context, kind models.EntityKind, entityID string) ([]models.Identifier, error) {
	ctx, span := tracing.StartSpan(ctx, "identifier.Repository.ListIdentifiers")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From("identifiers")
	sb.Where(
		sb.Equal("entity_kind", kind),
		sb.Equal("entity_id", entityID),
	)
	sb.OrderBy("created_at ASC", "id ASC")

	query, args := sb.Build()
	var idents []models.Identifier
	if err := r.db.Conn(ctx).SelectContext(ctx, &idents, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"entity_kind": kind,
			"entity_id":   entityID,
		}).Error("Failed to list identifiers")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list identifiers")
	}
	return idents, nil
}

// SupersedeIdentifier retires a live identifier. Already superseded rows keep
// their original timestamp.
func (r *Repository) SupersedeIdentifier(ctx context.Context, id string, at time.Time) error {
	ctx, span := tracing.StartSpan(ctx, "identifier.Repository.SupersedeIdentifier")
	defer span.End()

	sb := database.NewUpdateBuilder()
	sb.Update("identifiers")
	sb.Set("superseded_at = COALESCE(superseded_at, " + sb.Var(at.UTC()) + ")")
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	result, err := r.db.Conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"id": id}).Error("Failed to supersede identifier")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to supersede identifier")
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "identifier %s not found", id)
	}
	return nil
}

const (
	supersedeCollisions = `UPDATE identifiers AS l
SET superseded_at = $4, entity_id = $3
WHERE l.entity_kind = $1 AND l.entity_id = $2 AND l.superseded_at IS NULL
AND EXISTS (
	SELECT 1 FROM identifiers AS w
	WHERE w.entity_kind = $1 AND w.entity_id = $3 AND w.superseded_at IS NULL
	AND w.id_type = l.id_type AND w.normalized_value = l.normalized_value
)`
	moveLive    = `UPDATE identifiers SET entity_id = $3 WHERE entity_kind = $1 AND entity_id = $2 AND superseded_at IS NULL`
	moveHistory = `UPDATE identifiers SET entity_id = $3 WHERE entity_kind = $1 AND entity_id = $2`
)

// ReassignIdentifiers re-owns every identifier row of fromID, including
// superseded history, by toID.
func (r *Repository) ReassignIdentifiers(ctx context.Context, kind models.EntityKind, fromID, toID string, at time.Time) (int, int, error) {
	ctx, span := tracing.StartSpan(ctx, "identifier.Repository.ReassignIdentifiers")
	defer span.End()

	conn := r.db.Conn(ctx)
	fail := func(err error) (int, int, error) {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"entity_kind": kind,
			"from_id":     fromID,
			"to_id":       toID,
		}).Error("Failed to reassign identifiers")
		return 0, 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to reassign identifiers")
	}

	result, err := conn.ExecContext(ctx, supersedeCollisions, kind, fromID, toID, at.UTC())
	if err != nil {
		return fail(err)
	}
	superseded, _ := result.RowsAffected()

	result, err = conn.ExecContext(ctx, moveLive, kind, fromID, toID)
	if err != nil {
		return fail(err)
	}
	moved, _ := result.RowsAffected()

	if _, err := conn.ExecContext(ctx, moveHistory, kind, fromID, toID); err != nil {
		return fail(err)
	}

	return int(moved), int(superseded), nil
}
