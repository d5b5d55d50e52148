package attributes

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/internal/store/memstore"
	"github.com/Ramsey-B/clover/pkg/identity"
	"github.com/Ramsey-B/clover/pkg/logging"
	"github.com/Ramsey-B/clover/pkg/models"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func (c *clock) tick() { c.t = c.t.Add(time.Minute) }

func setup(t *testing.T) (*Service, *memstore.Store, *clock) {
	t.Helper()
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := memstore.New().WithClock(c.now)
	svc := NewService(s, identity.NewIndex(s, logging.Nop()), DefaultSchema(), DefaultConfig(), logging.Nop())
	svc.now = c.now
	for _, e := range []models.Entity{
		{ID: "pl1", Kind: models.EntityKindPlace, DisplayName: "12 Oak St"},
		{ID: "a1", Kind: models.EntityKindAnimal, DisplayName: "Whiskers"},
	} {
		require.NoError(t, s.CreateEntity(context.Background(), &e))
	}
	return svc, s, c
}

func observation(kind models.EntityKind, id, key string, v models.Value, confidence float64, source string) models.Observation {
	return models.Observation{
		Kind:           kind,
		EntityID:       id,
		Key:            key,
		Value:          v,
		Confidence:     confidence,
		SourceSystem:   source,
		SourceRecordID: "r1",
	}
}

func TestObserveSupersedesSameSource(t *testing.T) {
	ctx := context.Background()
	svc, _, c := setup(t)

	_, err := svc.Observe(ctx, observation(models.EntityKindPlace, "pl1", "cats_trapped", models.NumberValue(3), 0.7, "clinic_export"))
	require.NoError(t, err)
	c.tick()
	_, err = svc.Observe(ctx, observation(models.EntityKindPlace, "pl1", "cats_trapped", models.NumberValue(5), 0.7, "clinic_export"))
	require.NoError(t, err)

	history, err := svc.History(ctx, models.EntityKindPlace, "pl1", "cats_trapped")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.False(t, history[0].IsLive())
	assert.True(t, history[1].IsLive())
	assert.Equal(t, 5.0, *history[1].Number)

	cur, err := svc.CurrentValue(ctx, models.EntityKindPlace, "pl1", "cats_trapped")
	require.NoError(t, err)
	assert.Equal(t, 5.0, *cur.Value.Number)
}

func TestCurrentValuePolicy(t *testing.T) {
	tests := []struct {
		name   string
		obs    []models.Observation
		want   string
		source string
	}{
		{
			name: "highest confidence",
			obs: []models.Observation{
				observation(models.EntityKindAnimal, "a1", "coat_color", models.StringValue("black"), 0.6, "web_intake"),
				observation(models.EntityKindAnimal, "a1", "coat_color", models.StringValue("tabby"), 0.8, "field_report"),
			},
			want: "tabby", source: "field_report",
		},
		{
			name: "most recent on tie",
			obs: []models.Observation{
				observation(models.EntityKindAnimal, "a1", "coat_color", models.StringValue("black"), 0.6, "web_intake"),
				observation(models.EntityKindAnimal, "a1", "coat_color", models.StringValue("gray"), 0.6, "field_report"),
			},
			want: "gray", source: "field_report",
		},
		{
			name: "auto-verified beats higher nominal confidence",
			obs: []models.Observation{
				observation(models.EntityKindAnimal, "a1", "coat_color", models.StringValue("calico"), 0.9, "clinic_export"),
				func() models.Observation {
					o := observation(models.EntityKindAnimal, "a1", "coat_color", models.StringValue("orange"), 0.93, "text_analysis")
					o.ExtractedBy = models.ExtractedByTextAnalysis
					return o
				}(),
			},
			want: "calico", source: "clinic_export",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			svc, _, c := setup(t)
			for _, obs := range tt.obs {
				_, err := svc.Observe(ctx, obs)
				require.NoError(t, err)
				c.tick()
			}
			cur, err := svc.CurrentValue(ctx, models.EntityKindAnimal, "a1", "coat_color")
			require.NoError(t, err)
			assert.Equal(t, tt.want, *cur.Value.Text)
			assert.Equal(t, tt.source, cur.SourceSystem)
		})
	}
}

func TestAutoVerified(t *testing.T) {
	svc, _, _ := setup(t)
	assert.True(t, svc.AutoVerified(models.ExtractedBySourcePayload, 0.9))
	assert.False(t, svc.AutoVerified(models.ExtractedBySourcePayload, 0.89))
	assert.False(t, svc.AutoVerified(models.ExtractedByTextAnalysis, 0.93))
	assert.True(t, svc.AutoVerified(models.ExtractedByReviewer, 0.1))
}

func TestObserveRejections(t *testing.T) {
	tests := []struct {
		name    string
		obs     models.Observation
		wantErr error
	}{
		{
			name:    "unknown key",
			obs:     observation(models.EntityKindAnimal, "a1", "favorite_toy", models.StringValue("mouse"), 0.5, "web_intake"),
			wantErr: ErrUnknownKey,
		},
		{
			name:    "wrong variant",
			obs:     observation(models.EntityKindAnimal, "a1", "age_months", models.StringValue("six"), 0.5, "web_intake"),
			wantErr: ErrInvalidValue,
		},
		{
			name:    "out of bounds",
			obs:     observation(models.EntityKindAnimal, "a1", "weight_kg", models.NumberValue(40), 0.5, "web_intake"),
			wantErr: ErrInvalidValue,
		},
		{
			name:    "not in enumeration",
			obs:     observation(models.EntityKindAnimal, "a1", "sex", models.StringValue("tom"), 0.5, "web_intake"),
			wantErr: ErrInvalidValue,
		},
		{
			name:    "confidence above one",
			obs:     observation(models.EntityKindAnimal, "a1", "sex", models.StringValue("male"), 1.5, "web_intake"),
			wantErr: ErrInvalidConfidence,
		},
		{
			name:    "polarity without boolean",
			obs:     observation(models.EntityKindAnimal, "a1", "is_injured", models.StringValue("maybe"), 0.5, "web_intake"),
			wantErr: ErrMissingPolarity,
		},
		{
			name:    "positive polarity without evidence",
			obs:     observation(models.EntityKindAnimal, "a1", "is_injured", models.BoolValue(true), 0.5, "web_intake"),
			wantErr: ErrPolarityEvidence,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, s, _ := setup(t)
			_, err := svc.Observe(context.Background(), tt.obs)
			require.ErrorIs(t, err, tt.wantErr)
			require.ErrorIs(t, err, ErrRejected)

			live, err := s.ListLiveAttributes(context.Background(), tt.obs.Kind, tt.obs.EntityID)
			require.NoError(t, err)
			assert.Empty(t, live)
		})
	}
}

func TestObservePolarity(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := setup(t)

	_, err := svc.FromInput(models.EntityKindAnimal, "a1", models.AttributeInput{Key: "is_injured", Confidence: 0.8}, models.SourceKey{SourceSystem: "field_report"}, "")
	require.ErrorIs(t, err, ErrMissingPolarity)

	obs, err := svc.FromInput(models.EntityKindAnimal, "a1", models.AttributeInput{Key: "is_injured", Value: "no", Confidence: 0.8}, models.SourceKey{SourceSystem: "field_report"}, "")
	require.NoError(t, err)
	_, err = svc.Observe(ctx, obs)
	require.NoError(t, err, "explicit negative needs no evidence")

	positive := observation(models.EntityKindAnimal, "a1", "is_injured", models.BoolValue(true), 0.8, "clinic_export")
	positive.Evidence = "limping on left hind leg"
	_, err = svc.Observe(ctx, positive)
	require.NoError(t, err)
}

func TestDerivedColonySize(t *testing.T) {
	ctx := context.Background()
	svc, s, c := setup(t)

	_, err := svc.CurrentValue(ctx, models.EntityKindPlace, "pl1", "colony_size_total")
	require.ErrorIs(t, err, ErrNoValue)

	_, err = svc.Observe(ctx, observation(models.EntityKindPlace, "pl1", "cats_trapped", models.NumberValue(3), 0.8, "clinic_export"))
	require.NoError(t, err)
	_, err = svc.CurrentValue(ctx, models.EntityKindPlace, "pl1", "colony_size_total")
	require.ErrorIs(t, err, ErrNoValue, "a missing component means no derived value")

	c.tick()
	_, err = svc.Observe(ctx, observation(models.EntityKindPlace, "pl1", "cats_remaining", models.NumberValue(4), 0.6, "field_report"))
	require.NoError(t, err)

	cur, err := svc.CurrentValue(ctx, models.EntityKindPlace, "pl1", "colony_size_total")
	require.NoError(t, err)
	assert.True(t, cur.Derived)
	assert.Equal(t, 7.0, *cur.Value.Number)
	assert.Equal(t, 0.6, cur.Confidence)

	live, err := s.ListLiveAttributes(ctx, models.EntityKindPlace, "pl1")
	require.NoError(t, err)
	assert.Len(t, live, 2, "derived values are never stored")

	_, err = svc.Observe(ctx, observation(models.EntityKindPlace, "pl1", "colony_size_total", models.NumberValue(10), 0.5, "web_intake"))
	require.NoError(t, err)
	cur, err = svc.CurrentValue(ctx, models.EntityKindPlace, "pl1", "colony_size_total")
	require.NoError(t, err)
	assert.False(t, cur.Derived)
	assert.Equal(t, 10.0, *cur.Value.Number)
}

func TestObserveFollowsRedirect(t *testing.T) {
	ctx := context.Background()
	svc, s, _ := setup(t)
	require.NoError(t, s.CreateEntity(ctx, &models.Entity{ID: "a2", Kind: models.EntityKindAnimal, DisplayName: "Whiskers"}))
	require.NoError(t, s.SetMergedInto(ctx, models.EntityKindAnimal, "a2", "a1"))

	attr, err := svc.Observe(ctx, observation(models.EntityKindAnimal, "a2", "sex", models.StringValue("female"), 0.8, "clinic_export"))
	require.NoError(t, err)
	assert.Equal(t, "a1", attr.EntityID)

	values, err := svc.CurrentAttributes(ctx, models.EntityKindAnimal, "a2")
	require.NoError(t, err)
	assert.Equal(t, "female", *values["sex"].Value.Text)
}

func TestObserveAll(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := setup(t)

	stored, rejected, err := svc.ObserveAll(ctx, []models.Observation{
		observation(models.EntityKindAnimal, "a1", "sex", models.StringValue("female"), 0.8, "clinic_export"),
		observation(models.EntityKindAnimal, "a1", "is_pregnant", models.BoolValue(true), 0.8, "clinic_export"),
		observation(models.EntityKindAnimal, "a1", "age_months", models.NumberValue(14), 0.8, "clinic_export"),
	})
	require.NoError(t, err)
	assert.Len(t, stored, 2)
	require.Len(t, rejected, 1)
	assert.Equal(t, "is_pregnant", rejected[0].Observation.Key)
}

func TestObserveStoreFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	svc, s, _ := setup(t)

	_, err := svc.Observe(ctx, observation(models.EntityKindAnimal, "a1", "sex", models.StringValue("female"), 0.8, "clinic_export"))
	require.NoError(t, err)

	s.FailOn("InsertAttribute", assert.AnError)
	_, err = svc.Observe(ctx, observation(models.EntityKindAnimal, "a1", "sex", models.StringValue("male"), 0.8, "clinic_export"))
	require.ErrorIs(t, err, assert.AnError)

	live, err := s.ListLiveAttributes(ctx, models.EntityKindAnimal, "a1")
	require.NoError(t, err)
	require.Len(t, live, 1, "the supersede is rolled back with the failed insert")
	assert.Equal(t, "female", *live[0].Text)
}

func TestObserveLocksEntityBeforeWriting(t *testing.T) {
	ctx := context.Background()
	svc, s, _ := setup(t)

	s.FailOn("GetEntityForUpdate", assert.AnError)
	_, err := svc.Observe(ctx, observation(models.EntityKindAnimal, "a1", "sex", models.StringValue("female"), 0.8, "clinic_export"))
	require.ErrorIs(t, err, assert.AnError)

	live, err := s.ListLiveAttributes(ctx, models.EntityKindAnimal, "a1")
	require.NoError(t, err)
	assert.Empty(t, live)
}

func TestObserveConcurrentSameSourceKeepsOneLiveRow(t *testing.T) {
	ctx := context.Background()
	svc, s, _ := setup(t)

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Observe(ctx, observation(models.EntityKindPlace, "pl1", "cats_trapped", models.NumberValue(float64(i)), 0.7, "clinic_export"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	live, err := s.ListLiveAttributes(ctx, models.EntityKindPlace, "pl1")
	require.NoError(t, err)
	assert.Len(t, live, 1)

	history, err := svc.History(ctx, models.EntityKindPlace, "pl1", "cats_trapped")
	require.NoError(t, err)
	assert.Len(t, history, 8)
}
