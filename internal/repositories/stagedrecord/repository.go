package stagedrecord

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
	"source_system", "source_table", "source_record_id", "entity_kind", "payload", "free_text",
	"status", "attempts", "last_error", "staged_at", "processed_at",
}

// Repository reads and updates the upstream staging feed.
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

// ListPendingStaged returns pending records in staging order.
func (r *Repository) ListPendingStaged(ctx context.Context, q models.StagedQuery) ([]models.StagedRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "stagedrecord.Repository.ListPendingStaged")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From("staged_records")
	sb.Where(sb.Equal("status", models.StagedPending))
	if q.SourceSystem != "" {
		sb.Where(sb.Equal("source_system", q.SourceSystem))
	}
	if q.SourceTable != "" {
		sb.Where(sb.Equal("source_table", q.SourceTable))
	}
	if q.Kind != "" {
		sb.Where(sb.Equal("entity_kind", q.Kind))
	}
	if q.MaxAttempts > 0 {
		sb.Where(sb.LessThan("attempts", q.MaxAttempts))
	}
	sb.OrderBy("staged_at ASC", "source_record_id ASC")
	if q.Limit > 0 {
		sb.Limit(q.Limit)
	}

	query, args := sb.Build()
	var records []models.StagedRecord
	if err := r.db.Conn(ctx).SelectContext(ctx, &records, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"source_system": q.SourceSystem,
			"source_table":  q.SourceTable,
		}).Error("Failed to list staged records")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list staged records")
	}
	return records, nil
}

func (r *Repository) GetStaged(ctx context.Context, key models.SourceKey) (*models.StagedRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "stagedrecord.Repository.GetStaged")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From("staged_records")
	sb.Where(
		sb.Equal("source_system", key.SourceSystem),
		sb.Equal("source_table", key.SourceTable),
		sb.Equal("source_record_id", key.SourceRecordID),
	)

	query, args := sb.Build()
	var record models.StagedRecord
	if err := r.db.Conn(ctx).GetContext(ctx, &record, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "staged record %s not found", key)
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"source": key.String()}).Error("Failed to get staged record")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get staged record")
	}
	return &record, nil
}

// MarkStaged records the outcome of a processing attempt. Returning a record
// to pending counts the attempt so the batch can stop retrying it.
func (r *Repository) MarkStaged(ctx context.Context, key models.SourceKey, status models.StagedStatus, detail string) error {
	ctx, span := tracing.StartSpan(ctx, "stagedrecord.Repository.MarkStaged")
	defer span.End()

	var lastError *string
	if detail != "" {
		lastError = &detail
	}

	sb := database.NewUpdateBuilder()
	sb.Update("staged_records")
	assignments := []string{
		sb.Assign("status", status),
		sb.Assign("last_error", lastError),
	}
	if status == models.StagedPending {
		assignments = append(assignments, sb.Add("attempts", 1), sb.Assign("processed_at", nil))
	} else {
		assignments = append(assignments, sb.Assign("processed_at", time.Now().UTC()))
	}
	sb.Set(assignments...)
	sb.Where(
		sb.Equal("source_system", key.SourceSystem),
		sb.Equal("source_table", key.SourceTable),
		sb.Equal("source_record_id", key.SourceRecordID),
	)

	query, args := sb.Build()
	result, err := r.db.Conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"source": key.String(),
			"status": status,
		}).Error("Failed to mark staged record")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to mark staged record")
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "staged record %s not found", key)
	}
	return nil
}

// Stage inserts or replaces a staged record. Used by tooling and tests; the
// upstream feed normally owns these rows.
func (r *Repository) Stage(ctx context.Context, record *models.StagedRecord) error {
	ctx, span := tracing.StartSpan(ctx, "stagedrecord.Repository.Stage")
	defer span.End()

	if record.Status == "" {
		record.Status = models.StagedPending
	}
	if record.StagedAt.IsZero() {
		record.StagedAt = time.Now().UTC()
	}

	sb := database.NewInsertBuilder()
	sb.InsertInto("staged_records")
	sb.Cols(columns...)
	sb.Values(record.SourceSystem, record.SourceTable, record.SourceRecordID, record.Kind, record.Payload,
		record.FreeText, record.Status, record.Attempts, record.LastError, record.StagedAt, record.ProcessedAt)
	ub := sb.OnConflict("source_system", "source_table", "source_record_id")
	ub.Set(
		ub.Assign("entity_kind", database.Excluded("entity_kind")),
		ub.Assign("payload", database.Excluded("payload")),
		ub.Assign("free_text", database.Excluded("free_text")),
		ub.Assign("status", database.Excluded("status")),
		ub.Assign("attempts", database.Excluded("attempts")),
		ub.Assign("last_error", database.Excluded("last_error")),
		ub.Assign("staged_at", database.Excluded("staged_at")),
		ub.Assign("processed_at", database.Excluded("processed_at")),
	)

	query, args := sb.Build()
	if _, err := r.db.Conn(ctx).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"source": record.Key().String()}).Error("Failed to stage record")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to stage record")
	}
	return nil
}
