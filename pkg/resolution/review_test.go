package resolution

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/pkg/events"
	"github.com/Ramsey-B/clover/pkg/models"
)

// pendingNameMatch stages and resolves a record that only matches P1 by name.
func pendingNameMatch(t *testing.T, f *fixture) (*models.SourceRecord, *models.Resolution) {
	t.Helper()
	f.person(t, "P1", "Myrna Lopez", nil, nil)

	rec := personRecord("o-20", "Mirna Lopez")
	rec.Locality = "Reno"
	rec.Phones = []string{"775-555-0142"}
	f.store.PutStaged(models.StagedRecord{
		SourceSystem:   rec.SourceSystem,
		SourceTable:    rec.SourceTable,
		SourceRecordID: rec.SourceRecordID,
		Kind:           rec.Kind,
	})

	res := f.resolve(t, rec)
	require.Equal(t, models.ReviewPending, res.ReviewStatus)
	require.Equal(t, "merge-into:P1", res.Outcome)
	f.recorder.Events = nil
	return rec, res
}

func (f *fixture) stagedStatus(t *testing.T, key models.SourceKey) models.StagedStatus {
	t.Helper()
	staged, err := f.store.GetStaged(context.Background(), key)
	require.NoError(t, err)
	return staged.Status
}

func TestApplyReviewDecision_ApproveAttaches(t *testing.T) {
	f := newFixture(t)
	rec, pending := pendingNameMatch(t, f)

	res, err := f.resolver.ApplyReviewDecision(context.Background(), pending.DecisionID, ReviewOutcome{
		Action:   ActionApprove,
		Reviewer: "kim",
		Note:     "same caller",
	})
	require.NoError(t, err)
	assert.Equal(t, "P1", res.EntityID)
	assert.Equal(t, models.ReviewApproved, res.ReviewStatus)
	assert.Equal(t, "merge-into:P1", res.Outcome)
	assert.True(t, res.Resolved())

	assert.Equal(t, []string{"7755550142"}, f.liveValues(t, "P1", models.IdentifierTypePhone))
	assert.Equal(t, models.StagedResolved, f.stagedStatus(t, rec.SourceKey))

	marker, err := f.store.GetMarker(context.Background(), rec.SourceKey)
	require.NoError(t, err)
	require.NotNil(t, marker.EntityID)
	assert.Equal(t, "P1", *marker.EntityID)

	d, err := f.log.Get(context.Background(), pending.DecisionID)
	require.NoError(t, err)
	require.NotNil(t, d.ReviewedBy)
	assert.Equal(t, "kim", *d.ReviewedBy)

	assert.Equal(t, []string{events.TypeEntityUpdated, events.TypeDecisionRecorded, events.TypeReviewApplied}, f.recorder.Types())

	again := f.resolve(t, rec)
	assert.True(t, again.AlreadyResolved)
	assert.Equal(t, "P1", again.EntityID)
}

func TestApplyReviewDecision_CreateNew(t *testing.T) {
	f := newFixture(t)
	rec, pending := pendingNameMatch(t, f)

	res, err := f.resolver.ApplyReviewDecision(context.Background(), pending.DecisionID, ReviewOutcome{
		Action:   ActionCreateNew,
		Reviewer: "kim",
	})
	require.NoError(t, err)
	assert.Equal(t, models.DecisionCreateNew, res.DecisionType)
	assert.NotEqual(t, "P1", res.EntityID)
	require.NotEmpty(t, res.EntityID)

	owner, err := f.index.Lookup(context.Background(), models.EntityKindPerson, models.IdentifierKey{Type: models.IdentifierTypePhone, Value: "7755550142"})
	require.NoError(t, err)
	require.NotNil(t, owner)
	assert.Equal(t, res.EntityID, owner.ID)
	assert.Equal(t, "Mirna Lopez", owner.DisplayName)
	assert.Equal(t, models.StagedResolved, f.stagedStatus(t, rec.SourceKey))
	assert.Contains(t, f.recorder.Types(), events.TypeEntityCreated)
}

func TestApplyReviewDecision_MergeIntoOtherTarget(t *testing.T) {
	f := newFixture(t)
	_, pending := pendingNameMatch(t, f)
	f.person(t, "P2", "Mirna Lopez-Gray", nil, nil)

	res, err := f.resolver.ApplyReviewDecision(context.Background(), pending.DecisionID, ReviewOutcome{
		Action:         ActionMergeInto,
		TargetEntityID: "P2",
		Reviewer:       "kim",
	})
	require.NoError(t, err)
	assert.Equal(t, "merge-into:P2", res.Outcome)
	assert.Equal(t, []string{"7755550142"}, f.liveValues(t, "P2", models.IdentifierTypePhone))
	assert.Empty(t, f.liveValues(t, "P1", models.IdentifierTypePhone))
}

func TestApplyReviewDecision_Reject(t *testing.T) {
	f := newFixture(t)
	rec, pending := pendingNameMatch(t, f)

	res, err := f.resolver.ApplyReviewDecision(context.Background(), pending.DecisionID, ReviewOutcome{
		Action:   ActionReject,
		Reviewer: "kim",
	})
	require.NoError(t, err)
	assert.Equal(t, models.ReviewRejected, res.ReviewStatus)
	assert.Equal(t, models.DecisionReject, res.DecisionType)
	assert.Empty(t, res.EntityID)
	assert.Equal(t, models.StagedInvalid, f.stagedStatus(t, rec.SourceKey))
	assert.Empty(t, f.liveValues(t, "P1", models.IdentifierTypePhone))

	marker, err := f.store.GetMarker(context.Background(), rec.SourceKey)
	require.NoError(t, err)
	assert.Nil(t, marker.EntityID)
}

func TestApplyReviewDecision_ApproveGuardRailReject(t *testing.T) {
	f := newFixture(t)
	pending := f.resolve(t, personRecord("o-21", "COMSTOCK MIDDLE SCHOOL"))
	require.Equal(t, models.DecisionReject, pending.DecisionType)

	res, err := f.resolver.ApplyReviewDecision(context.Background(), pending.DecisionID, ReviewOutcome{
		Action:   ActionApprove,
		Reviewer: "kim",
	})
	require.NoError(t, err)
	assert.Equal(t, models.ReviewApproved, res.ReviewStatus)
	assert.Equal(t, models.DecisionReject, res.DecisionType)
	assert.Empty(t, res.EntityID)
}

func TestApplyReviewDecision_Errors(t *testing.T) {
	f := newFixture(t)
	_, pending := pendingNameMatch(t, f)
	ctx := context.Background()

	_, err := f.resolver.ApplyReviewDecision(ctx, pending.DecisionID, ReviewOutcome{Action: ActionMergeInto, Reviewer: "kim"})
	require.ErrorIs(t, err, ErrInvalidReview)

	_, err = f.resolver.ApplyReviewDecision(ctx, pending.DecisionID, ReviewOutcome{Action: ActionApprove})
	require.ErrorIs(t, err, ErrInvalidReview)

	_, err = f.resolver.ApplyReviewDecision(ctx, pending.DecisionID, ReviewOutcome{Action: "shrug", Reviewer: "kim"})
	require.ErrorIs(t, err, ErrInvalidReview)

	d, err := f.log.Get(ctx, pending.DecisionID)
	require.NoError(t, err)
	assert.Equal(t, models.ReviewPending, d.ReviewStatus)

	_, err = f.resolver.ApplyReviewDecision(ctx, pending.DecisionID, ReviewOutcome{Action: ActionApprove, Reviewer: "kim"})
	require.NoError(t, err)

	_, err = f.resolver.ApplyReviewDecision(ctx, pending.DecisionID, ReviewOutcome{Action: ActionReject, Reviewer: "lee"})
	require.ErrorIs(t, err, ErrAlreadyReviewed)
}

func TestApplyReviewDecision_SkipsOwnedIdentifiers(t *testing.T) {
	f := newFixture(t)
	_, pending := pendingNameMatch(t, f)
	f.person(t, "P3", "Sam Ortiz", []string{"775-555-0142"}, nil)

	res, err := f.resolver.ApplyReviewDecision(context.Background(), pending.DecisionID, ReviewOutcome{
		Action:   ActionApprove,
		Reviewer: "kim",
	})
	require.NoError(t, err)
	assert.Equal(t, "P1", res.EntityID)
	assert.Empty(t, f.liveValues(t, "P1", models.IdentifierTypePhone))
	assert.Equal(t, []string{"7755550142"}, f.liveValues(t, "P3", models.IdentifierTypePhone))
}
