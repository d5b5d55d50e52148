// Package store defines the persistence contract shared by the Postgres
// repositories and the in-memory store used in tests.
//
// Every method takes a context. A transaction opened by InTx travels on that
// context, so calls made with the context passed to fn join the transaction.
package store

import (
	"context"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"

	"github.com/Ramsey-B/clover/pkg/models"
)

type Store interface {
	// InTx runs fn atomically. An error from fn rolls everything back.
	InTx(ctx context.Context, fn func(ctx context.Context) error) error

	EntityStore
	IdentifierStore
	RelationshipStore
	AttributeStore
	DecisionStore
	MarkerStore
	StagedRecordStore
}

type EntityStore interface {
	CreateEntity(ctx context.Context, entity *models.Entity) error
	GetEntity(ctx context.Context, kind models.EntityKind, id string) (*models.Entity, error)
	// GetEntityForUpdate locks the row for the rest of the transaction.
	GetEntityForUpdate(ctx context.Context, kind models.EntityKind, id string) (*models.Entity, error)
	UpdateEntity(ctx context.Context, entity *models.Entity) error
	SetMergedInto(ctx context.Context, kind models.EntityKind, loserID, winnerID string) error
	// FindByWeakSignals returns canonical entities sharing the query's locality
	// or related to one of its entities.
	FindByWeakSignals(ctx context.Context, q models.WeakSignalQuery) ([]models.Entity, error)
	// FindNear returns canonical entities within radius meters, nearest first.
	FindNear(ctx context.Context, kind models.EntityKind, lat, lon, radiusMeters float64, limit int) ([]models.NearbyEntity, error)
}

type IdentifierStore interface {
	// LookupIdentifier returns the live identifier for the key within the
	// kind, or nil.
	LookupIdentifier(ctx context.Context, kind models.EntityKind, key models.IdentifierKey) (*models.Identifier, error)
	// ClaimIdentifier inserts a live identifier unless the key is already
	// live for the kind. It returns the row that owns the key afterwards and whether this
	// call created it.
	ClaimIdentifier(ctx context.Context, ident *models.Identifier) (*models.Identifier, bool, error)
	ListIdentifiers(ctx context.Context, kind models.EntityKind, entityID string) ([]models.Identifier, error)
	SupersedeIdentifier(ctx context.Context, id string, at time.Time) error
	// ReassignIdentifiers moves live identifiers of fromID to toID. Keys toID
	// already owns are superseded on fromID instead of moved.
	ReassignIdentifiers(ctx context.Context, kind models.EntityKind, fromID, toID string, at time.Time) (moved int, superseded int, err error)
}

type RelationshipStore interface {
	// UpsertRelationship inserts or raises the confidence of the edge.
	UpsertRelationship(ctx context.Context, rel *models.Relationship) (bool, error)
	ListRelationships(ctx context.Context, kind models.EntityKind, entityID string) ([]models.Relationship, error)
	// RewireRelationships points edges at fromID to toID, dropping edges that
	// would duplicate an existing one or loop back onto toID.
	RewireRelationships(ctx context.Context, kind models.EntityKind, fromID, toID string) (rewired int, dropped int, err error)
}

type AttributeStore interface {
	InsertAttribute(ctx context.Context, attr *models.Attribute) error
	// SupersedeAttributes marks live rows for (entity, key, source) superseded.
	SupersedeAttributes(ctx context.Context, kind models.EntityKind, entityID, key, sourceSystem string, at time.Time) (int, error)
	ListLiveAttributes(ctx context.Context, kind models.EntityKind, entityID string) ([]models.Attribute, error)
	ListAttributeHistory(ctx context.Context, kind models.EntityKind, entityID, key string) ([]models.Attribute, error)
	RepointAttributes(ctx context.Context, kind models.EntityKind, fromID, toID string) (int, error)
}

type DecisionStore interface {
	CreateDecision(ctx context.Context, decision *models.MatchDecision) error
	GetDecision(ctx context.Context, id string) (*models.MatchDecision, error)
	ListPendingDecisions(ctx context.Context, kind models.EntityKind, limit int) ([]models.MatchDecision, error)
	// ApplyReview moves a pending decision to a terminal status. It returns a
	// 409 error when the decision is no longer pending.
	ApplyReview(ctx context.Context, id string, review models.Review) error
	// FindMergeDecision returns the merge decision for the loser/winner pair, or nil.
	FindMergeDecision(ctx context.Context, kind models.EntityKind, loserID, winnerID string) (*models.MatchDecision, error)
	DecisionCounts(ctx context.Context) ([]models.DecisionCount, error)
}

type MarkerStore interface {
	// GetMarker returns the marker for the key, or nil.
	GetMarker(ctx context.Context, key models.SourceKey) (*models.ResolutionMarker, error)
	// CreateMarker inserts the marker. It returns false when one already exists.
	CreateMarker(ctx context.Context, marker *models.ResolutionMarker) (bool, error)
	UpdateMarker(ctx context.Context, marker *models.ResolutionMarker) error
}

type StagedRecordStore interface {
	ListPendingStaged(ctx context.Context, q models.StagedQuery) ([]models.StagedRecord, error)
	GetStaged(ctx context.Context, key models.SourceKey) (*models.StagedRecord, error)
	MarkStaged(ctx context.Context, key models.SourceKey, status models.StagedStatus, detail string) error
}

// IsNotFound reports whether err is a 404 store error.
func IsNotFound(err error) bool {
	return err != nil && httperror.IsHTTPError(err) && httperror.GetStatusCode(err) == http.StatusNotFound
}

// IsConflict reports whether err is a 409 store error.
func IsConflict(err error) bool {
	return err != nil && httperror.IsHTTPError(err) && httperror.GetStatusCode(err) == http.StatusConflict
}
