// Package repositories is the Postgres implementation of store.Store.
package repositories

import (
	"context"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/clover/internal/repositories/attribute"
	"github.com/Ramsey-B/clover/internal/repositories/decision"
	"github.com/Ramsey-B/clover/internal/repositories/entity"
	"github.com/Ramsey-B/clover/internal/repositories/identifier"
	"github.com/Ramsey-B/clover/internal/repositories/marker"
	"github.com/Ramsey-B/clover/internal/repositories/relationship"
	"github.com/Ramsey-B/clover/internal/repositories/stagedrecord"
	"github.com/Ramsey-B/clover/internal/store"
	"github.com/Ramsey-B/clover/pkg/database"
)

type (
	Entities      = entity.Repository
	Identifiers   = identifier.Repository
	Relationships = relationship.Repository
	Attributes    = attribute.Repository
	Decisions     = decision.Repository
	Markers       = marker.Repository
	StagedRecords = stagedrecord.Repository
)

// Store composes the per-table repositories over one database handle.
type Store struct {
	db database.DB

	*Entities
	*Identifiers
	*Relationships
	*Attributes
	*Decisions
	*Markers
	*StagedRecords
}

var _ store.Store = (*Store)(nil)

func NewStore(db database.DB, logger ectologger.Logger) *Store {
	return &Store{
		db:            db,
		Entities:      entity.NewRepository(db, logger),
		Identifiers:   identifier.NewRepository(db, logger),
		Relationships: relationship.NewRepository(db, logger),
		Attributes:    attribute.NewRepository(db, logger),
		Decisions:     decision.NewRepository(db, logger),
		Markers:       marker.NewRepository(db, logger),
		StagedRecords: stagedrecord.NewRepository(db, logger),
	}
}

// InTx runs fn in a transaction carried on its context. Nested calls join the
// outer transaction.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.db.InTx(ctx, fn)
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
