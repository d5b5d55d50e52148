package merging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/internal/store/memstore"
	"github.com/Ramsey-B/clover/pkg/decisions"
	"github.com/Ramsey-B/clover/pkg/events"
	"github.com/Ramsey-B/clover/pkg/identity"
	"github.com/Ramsey-B/clover/pkg/logging"
	"github.com/Ramsey-B/clover/pkg/models"
)

type fixture struct {
	store    *memstore.Store
	index    *identity.Index
	merger   *Merger
	recorder *events.Recorder
}

func newFixture(t *testing.T, ids ...string) *fixture {
	t.Helper()
	s := memstore.New()
	index := identity.NewIndex(s, logging.Nop())
	rec := &events.Recorder{}
	f := &fixture{
		store:    s,
		index:    index,
		recorder: rec,
		merger:   NewMerger(s, index, decisions.NewLog(s, logging.Nop()), events.NewEmitter(logging.Nop(), rec), logging.Nop()),
	}
	for _, id := range ids {
		require.NoError(t, s.CreateEntity(context.Background(), &models.Entity{ID: id, Kind: models.EntityKindPerson, DisplayName: "Person " + id}))
	}
	return f
}

func (f *fixture) merge(loser, winner string) (*MergeResult, error) {
	return f.merger.Merge(context.Background(), MergeRequest{Kind: models.EntityKindPerson, LoserID: loser, WinnerID: winner, Actor: "tester"})
}

func (f *fixture) canonical(t *testing.T, id string) string {
	t.Helper()
	e, err := f.index.Canonicalize(context.Background(), models.EntityKindPerson, id)
	require.NoError(t, err)
	return e.ID
}

func TestMergeTransitivity(t *testing.T) {
	f := newFixture(t, "a", "b", "c")

	_, err := f.merge("a", "b")
	require.NoError(t, err)
	_, err = f.merge("b", "c")
	require.NoError(t, err)

	assert.Equal(t, "c", f.canonical(t, "a"))
	assert.Equal(t, "c", f.canonical(t, "b"))
	assert.Equal(t, "c", f.canonical(t, "c"))
}

func TestMergePreconditions(t *testing.T) {
	tests := []struct {
		name    string
		setup   [][2]string
		loser   string
		winner  string
		wantErr error
	}{
		{name: "self", loser: "a", winner: "a", wantErr: ErrSelfMerge},
		{name: "cycle", setup: [][2]string{{"a", "b"}}, loser: "b", winner: "a", wantErr: ErrMergeCycle},
		{name: "transitive cycle", setup: [][2]string{{"a", "b"}, {"b", "c"}}, loser: "c", winner: "a", wantErr: ErrMergeCycle},
		{name: "winner not canonical", setup: [][2]string{{"a", "b"}}, loser: "c", winner: "a", wantErr: ErrNotCanonical},
		{name: "loser merged elsewhere", setup: [][2]string{{"a", "b"}}, loser: "a", winner: "c", wantErr: ErrAlreadyMerged},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, "a", "b", "c")
			for _, m := range tt.setup {
				_, err := f.merge(m[0], m[1])
				require.NoError(t, err)
			}
			_, err := f.merge(tt.loser, tt.winner)
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestMergeMissingEntity(t *testing.T) {
	f := newFixture(t, "a")
	_, err := f.merge("a", "zzz")
	require.Error(t, err)
}

func TestMergeIdempotent(t *testing.T) {
	f := newFixture(t, "a", "b")

	first, err := f.merge("a", "b")
	require.NoError(t, err)
	assert.False(t, first.AlreadyApplied)
	require.NotEmpty(t, first.DecisionID)

	second, err := f.merge("a", "b")
	require.NoError(t, err)
	assert.True(t, second.AlreadyApplied)
	assert.Equal(t, first.DecisionID, second.DecisionID)

	stats, err := decisions.NewLog(f.store, logging.Nop()).Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Merges)
	assert.Equal(t, []string{events.TypeEntityMerged}, f.recorder.Types())
}

func TestMergeMovesIdentifiers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "p2", "p7")
	key := identity.Key{IdentifierKey: models.IdentifierKey{Type: models.IdentifierTypePhone, Value: "5551234"}, Raw: "555-1234"}
	_, _, err := f.index.Claim(ctx, models.EntityKindPerson, "p7", key, "clinic_export")
	require.NoError(t, err)

	res, err := f.merge("p7", "p2")
	require.NoError(t, err)
	assert.Equal(t, 1, res.IdentifiersMoved)

	owner, err := f.index.Lookup(ctx, models.EntityKindPerson, key.IdentifierKey)
	require.NoError(t, err)
	require.NotNil(t, owner)
	assert.Equal(t, "p2", owner.ID)

	live, err := f.index.LiveIdentifiers(ctx, models.EntityKindPerson, "p2", models.IdentifierTypePhone)
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "5551234", live[0].NormalizedValue)

	decision, err := f.store.GetDecision(ctx, res.DecisionID)
	require.NoError(t, err)
	assert.Equal(t, "p7", *decision.SubjectEntityID)
	assert.Equal(t, "p2", *decision.TargetEntityID)
	assert.Equal(t, "merge-into:p2", decision.Outcome())
}

func TestMergeRewiresRelationshipsAndAttributes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "p1", "p2")
	require.NoError(t, f.store.CreateEntity(ctx, &models.Entity{ID: "pl1", Kind: models.EntityKindPlace, Address: "12 Oak St"}))
	require.NoError(t, f.store.CreateEntity(ctx, &models.Entity{ID: "pl2", Kind: models.EntityKindPlace, Address: "9 Elm St"}))

	edge := func(person, place string, confidence float64) {
		_, err := f.store.UpsertRelationship(ctx, &models.Relationship{
			Type:         models.RelationshipPersonAtPlace,
			FromKind:     models.EntityKindPerson,
			FromEntityID: person,
			ToKind:       models.EntityKindPlace,
			ToEntityID:   place,
			Confidence:   confidence,
		})
		require.NoError(t, err)
	}
	edge("p1", "pl1", 0.9)
	edge("p2", "pl1", 0.5)
	edge("p1", "pl2", 0.7)

	require.NoError(t, f.store.InsertAttribute(ctx, &models.Attribute{
		Kind: models.EntityKindPerson, EntityID: "p1", Key: "notes", Value: models.StringValue("feeds at dusk"),
		Confidence: 0.8, SourceSystem: "field_report",
	}))

	res, err := f.merge("p1", "p2")
	require.NoError(t, err)
	assert.Equal(t, 1, res.RelationshipsRewired)
	assert.Equal(t, 1, res.RelationshipsDropped)
	assert.Equal(t, 1, res.AttributesRepointed)

	rels, err := f.store.ListRelationships(ctx, models.EntityKindPerson, "p2")
	require.NoError(t, err)
	require.Len(t, rels, 2)
	for _, rel := range rels {
		if rel.ToEntityID == "pl1" {
			assert.Equal(t, 0.9, rel.Confidence, "duplicate edge keeps the highest confidence")
		}
	}
	orphaned, err := f.store.ListRelationships(ctx, models.EntityKindPerson, "p1")
	require.NoError(t, err)
	assert.Empty(t, orphaned)

	attrs, err := f.store.ListLiveAttributes(ctx, models.EntityKindPerson, "p2")
	require.NoError(t, err)
	require.Len(t, attrs, 1)

	require.Len(t, f.recorder.Events, 1)
	assert.Len(t, f.recorder.Events[0].Relationships, 2)
}

func TestMergeRollsBack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "a", "b")
	f.store.FailOn("RepointAttributes", assert.AnError)

	_, err := f.merge("a", "b")
	require.ErrorIs(t, err, assert.AnError)

	loser, err := f.store.GetEntity(ctx, models.EntityKindPerson, "a")
	require.NoError(t, err)
	assert.True(t, loser.IsCanonical())
	assert.Empty(t, f.recorder.Events)
}
