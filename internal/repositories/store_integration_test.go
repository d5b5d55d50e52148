//go:build integration

package repositories

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/Ramsey-B/clover/internal/store"
	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/logging"
	"github.com/Ramsey-B/clover/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("clover"),
		tcpostgres.WithUsername("clover"),
		tcpostgres.WithPassword("clover"),
		tcpostgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	sqlxDB, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlxDB.Close() })

	logger := logging.Nop()
	migrations := database.NewMigrationService(logger, database.MigrationConfig{FolderPath: "../../db/pg"})
	require.NoError(t, migrations.MigratePostgres(sqlxDB.DB, "clover"))

	return NewStore(database.NewDatabaseInstance(sqlxDB, logger), logger)
}

func TestStoreIntegration(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	person := func(name string) *models.Entity {
		e := &models.Entity{Kind: models.EntityKindPerson, DisplayName: name, Locality: "San Jose", SourceSystem: "test", SourceRecordID: name}
		require.NoError(t, s.CreateEntity(ctx, e))
		return e
	}

	t.Run("live identifier uniqueness", func(t *testing.T) {
		a, b := person("A"), person("B")
		first, created, err := s.ClaimIdentifier(ctx, &models.Identifier{Kind: models.EntityKindPerson, Type: models.IdentifierTypeEmail, NormalizedValue: "a@x.com", EntityID: a.ID, SourceSystem: "test"})
		require.NoError(t, err)
		assert.True(t, created)

		owner, created, err := s.ClaimIdentifier(ctx, &models.Identifier{Kind: models.EntityKindPerson, Type: models.IdentifierTypeEmail, NormalizedValue: "a@x.com", EntityID: b.ID, SourceSystem: "test"})
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, a.ID, owner.EntityID)

		require.NoError(t, s.SupersedeIdentifier(ctx, first.ID, time.Now()))
		owner, created, err = s.ClaimIdentifier(ctx, &models.Identifier{Kind: models.EntityKindPerson, Type: models.IdentifierTypeEmail, NormalizedValue: "a@x.com", EntityID: b.ID, SourceSystem: "test"})
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, b.ID, owner.EntityID)
	})

	t.Run("transaction rollback", func(t *testing.T) {
		var id string
		err := s.InTx(ctx, func(ctx context.Context) error {
			e := &models.Entity{Kind: models.EntityKindPerson, DisplayName: "Ghost", SourceSystem: "test"}
			require.NoError(t, s.CreateEntity(ctx, e))
			id = e.ID
			return assert.AnError
		})
		require.ErrorIs(t, err, assert.AnError)

		_, err = s.GetEntity(ctx, models.EntityKindPerson, id)
		assert.True(t, store.IsNotFound(err))
	})

	t.Run("merge plumbing", func(t *testing.T) {
		loser, winner := person("Loser"), person("Winner")
		place := &models.Entity{Kind: models.EntityKindPlace, DisplayName: "12 Elm St", SourceSystem: "test"}
		require.NoError(t, s.CreateEntity(ctx, place))

		_, _, err := s.ClaimIdentifier(ctx, &models.Identifier{Kind: models.EntityKindPerson, Type: models.IdentifierTypePhone, NormalizedValue: "5551234", EntityID: loser.ID, SourceSystem: "test"})
		require.NoError(t, err)
		for _, e := range []*models.Entity{loser, winner} {
			_, err := s.UpsertRelationship(ctx, &models.Relationship{
				Type: models.RelationshipPersonAtPlace, FromKind: models.EntityKindPerson, FromEntityID: e.ID,
				ToKind: models.EntityKindPlace, ToEntityID: place.ID, Confidence: 0.8, SourceSystem: "test",
			})
			require.NoError(t, err)
		}
		require.NoError(t, s.InsertAttribute(ctx, &models.Attribute{
			Kind: models.EntityKindPerson, EntityID: loser.ID, Key: "preferred_language",
			Value: models.StringValue("es"), Confidence: 0.9, SourceSystem: "test", ExtractedBy: models.ExtractedBySourcePayload,
		}))

		err = s.InTx(ctx, func(ctx context.Context) error {
			if _, err := s.GetEntityForUpdate(ctx, models.EntityKindPerson, loser.ID); err != nil {
				return err
			}
			if err := s.SetMergedInto(ctx, models.EntityKindPerson, loser.ID, winner.ID); err != nil {
				return err
			}
			if _, _, err := s.ReassignIdentifiers(ctx, models.EntityKindPerson, loser.ID, winner.ID, time.Now()); err != nil {
				return err
			}
			rewired, dropped, err := s.RewireRelationships(ctx, models.EntityKindPerson, loser.ID, winner.ID)
			if err != nil {
				return err
			}
			assert.Equal(t, 0, rewired)
			assert.Equal(t, 1, dropped)
			_, err = s.RepointAttributes(ctx, models.EntityKindPerson, loser.ID, winner.ID)
			return err
		})
		require.NoError(t, err)

		owner, err := s.LookupIdentifier(ctx, models.EntityKindPerson, models.IdentifierKey{Type: models.IdentifierTypePhone, Value: "5551234"})
		require.NoError(t, err)
		require.NotNil(t, owner)
		assert.Equal(t, winner.ID, owner.EntityID)

		attrs, err := s.ListLiveAttributes(ctx, models.EntityKindPerson, winner.ID)
		require.NoError(t, err)
		require.Len(t, attrs, 1)
		assert.Equal(t, "es", attrs[0].String())

		got, err := s.GetEntity(ctx, models.EntityKindPerson, loser.ID)
		require.NoError(t, err)
		require.NotNil(t, got.MergedIntoEntityID)
		assert.Equal(t, winner.ID, *got.MergedIntoEntityID)

		similar, err := s.FindByWeakSignals(ctx, models.WeakSignalQuery{Kind: models.EntityKindPerson, RelatedEntityIDs: []string{place.ID}})
		require.NoError(t, err)
		require.Len(t, similar, 1)
		assert.Equal(t, winner.ID, similar[0].ID)
	})

	t.Run("decisions and markers", func(t *testing.T) {
		d := &models.MatchDecision{
			Kind: models.EntityKindPerson, SourceSystem: "web_intake", SourceTable: "forms", SourceRecordID: "r1",
			DecisionType: models.DecisionReject, ReviewStatus: models.ReviewPending, Reason: "organizational_vocabulary",
		}
		require.NoError(t, s.CreateDecision(ctx, d))

		created, err := s.CreateMarker(ctx, &models.ResolutionMarker{SourceSystem: "web_intake", SourceTable: "forms", SourceRecordID: "r1", Kind: models.EntityKindPerson, DecisionID: d.ID})
		require.NoError(t, err)
		assert.True(t, created)
		created, err = s.CreateMarker(ctx, &models.ResolutionMarker{SourceSystem: "web_intake", SourceTable: "forms", SourceRecordID: "r1", Kind: models.EntityKindPerson, DecisionID: d.ID})
		require.NoError(t, err)
		assert.False(t, created)

		pending, err := s.ListPendingDecisions(ctx, models.EntityKindPerson, 10)
		require.NoError(t, err)
		require.Len(t, pending, 1)

		review := models.Review{Status: models.ReviewRejected, ReviewedBy: "sam", ReviewedAt: time.Now()}
		require.NoError(t, s.ApplyReview(ctx, d.ID, review))
		assert.True(t, store.IsConflict(s.ApplyReview(ctx, d.ID, review)))

		counts, err := s.DecisionCounts(ctx)
		require.NoError(t, err)
		require.Len(t, counts, 1)
		assert.Equal(t, 1, counts[0].Count)
	})

	t.Run("places near a point", func(t *testing.T) {
		lat, lon := 37.3382, -121.8863
		near := &models.Entity{Kind: models.EntityKindPlace, DisplayName: "near", SourceSystem: "test", Latitude: &lat, Longitude: &lon}
		require.NoError(t, s.CreateEntity(ctx, near))

		found, err := s.FindNear(ctx, models.EntityKindPlace, lat+0.0005, lon, 100, 5)
		require.NoError(t, err)
		require.Len(t, found, 1)
		assert.InDelta(t, 55.6, found[0].DistanceMeters, 1)
	})
}
