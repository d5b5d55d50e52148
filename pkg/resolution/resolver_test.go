package resolution

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/internal/store/memstore"
	"github.com/Ramsey-B/clover/pkg/attributes"
	"github.com/Ramsey-B/clover/pkg/decisions"
	"github.com/Ramsey-B/clover/pkg/events"
	"github.com/Ramsey-B/clover/pkg/geocode"
	"github.com/Ramsey-B/clover/pkg/guardrails"
	"github.com/Ramsey-B/clover/pkg/identity"
	"github.com/Ramsey-B/clover/pkg/logging"
	"github.com/Ramsey-B/clover/pkg/matching"
	"github.com/Ramsey-B/clover/pkg/merging"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/records"
	"github.com/Ramsey-B/clover/pkg/textanalysis"
)

type fakeAnalyzer struct {
	resp   *textanalysis.Response
	err    error
	calls  int
	before func()
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, req textanalysis.Request) (*textanalysis.Response, error) {
	f.calls++
	if f.before != nil {
		f.before()
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.resp == nil {
		return &textanalysis.Response{}, nil
	}
	return f.resp, nil
}

type fixture struct {
	store    *memstore.Store
	index    *identity.Index
	attrs    *attributes.Service
	log      *decisions.Log
	analyzer *fakeAnalyzer
	recorder *events.Recorder
	resolver *Resolver
	merger   *merging.Merger
}

var seedTime = time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := memstore.New()
	index := identity.NewIndex(s, logging.Nop())
	attrs := attributes.NewService(s, index, attributes.DefaultSchema(), attributes.DefaultConfig(), logging.Nop())
	log := decisions.NewLog(s, logging.Nop())
	analyzer := &fakeAnalyzer{}
	recorder := &events.Recorder{}
	emitter := events.NewEmitter(logging.Nop(), recorder)

	return &fixture{
		store:    s,
		index:    index,
		attrs:    attrs,
		log:      log,
		analyzer: analyzer,
		recorder: recorder,
		merger:   merging.NewMerger(s, index, log, emitter, logging.Nop()),
		resolver: NewResolver(Deps{
			Store:      s,
			Index:      index,
			Screener:   guardrails.New(guardrails.DefaultConfig()),
			Matcher:    matching.NewMatcher(s, index, nil, matching.DefaultConfig(), logging.Nop()),
			Gate:       NewGate(nil),
			Attributes: attrs,
			Log:        log,
			Analyzer:   analyzer,
			Emitter:    emitter,
		}, logging.Nop()),
	}
}

// person seeds a canonical person owning the given phones and emails.
func (f *fixture) person(t *testing.T, id, name string, phones, emails []string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.CreateEntity(ctx, &models.Entity{
		ID:             id,
		Kind:           models.EntityKindPerson,
		DisplayName:    name,
		Locality:       "reno",
		SourceSystem:   "seed",
		LastActivityAt: seedTime,
	}))
	rec := &models.SourceRecord{Kind: models.EntityKindPerson, Phones: phones, Emails: emails}
	for _, key := range identity.KeysFor(rec) {
		owner, _, err := f.index.Claim(ctx, models.EntityKindPerson, id, key, "seed")
		require.NoError(t, err)
		require.Equal(t, id, owner)
	}
}

func personRecord(id, name string) *models.SourceRecord {
	return &models.SourceRecord{
		SourceKey: models.SourceKey{SourceSystem: records.SourceClinicExport, SourceTable: "owners", SourceRecordID: id},
		Kind:      models.EntityKindPerson,
		Name:      name,
	}
}

func placeRecord(id, address string) *models.SourceRecord {
	return &models.SourceRecord{
		SourceKey: models.SourceKey{SourceSystem: records.SourceFieldReport, SourceTable: "reports", SourceRecordID: id},
		Kind:      models.EntityKindPlace,
		Address:   address,
		Locality:  "Reno",
	}
}

func (f *fixture) resolve(t *testing.T, rec *models.SourceRecord) *models.Resolution {
	t.Helper()
	res, err := f.resolver.ResolveIdentity(context.Background(), rec)
	require.NoError(t, err)
	return res
}

func (f *fixture) liveValues(t *testing.T, id string, typ models.IdentifierType) []string {
	t.Helper()
	live, err := f.index.LiveIdentifiers(context.Background(), models.EntityKindPerson, id, typ)
	require.NoError(t, err)
	var out []string
	for _, ident := range live {
		out = append(out, ident.NormalizedValue)
	}
	return out
}

func TestResolveIdentity_CreateNew(t *testing.T) {
	f := newFixture(t)
	rec := personRecord("o-1", "Dana Reyes")
	rec.Phones = []string{"(775) 555-0100"}

	res := f.resolve(t, rec)
	assert.Equal(t, models.DecisionCreateNew, res.DecisionType)
	assert.Equal(t, models.ReviewAutoResolved, res.ReviewStatus)
	assert.True(t, res.Resolved())
	require.NotEmpty(t, res.EntityID)

	owner, err := f.index.Lookup(context.Background(), models.EntityKindPerson, models.IdentifierKey{Type: models.IdentifierTypePhone, Value: "7755550100"})
	require.NoError(t, err)
	require.NotNil(t, owner)
	assert.Equal(t, res.EntityID, owner.ID)
	assert.Equal(t, "Dana Reyes", owner.DisplayName)

	marker, err := f.store.GetMarker(context.Background(), rec.SourceKey)
	require.NoError(t, err)
	require.NotNil(t, marker)
	assert.Equal(t, res.DecisionID, marker.DecisionID)

	assert.Equal(t, []string{events.TypeEntityCreated, events.TypeDecisionRecorded}, f.recorder.Types())
}

func TestResolveIdentity_Idempotent(t *testing.T) {
	f := newFixture(t)
	rec := personRecord("o-1", "Dana Reyes")
	rec.Emails = []string{"dana@example.com"}

	first := f.resolve(t, rec)
	second := f.resolve(t, rec)

	assert.False(t, first.AlreadyResolved)
	assert.True(t, second.AlreadyResolved)
	assert.Equal(t, first.EntityID, second.EntityID)
	assert.Equal(t, first.DecisionID, second.DecisionID)
	assert.Equal(t, first.Outcome, second.Outcome)

	stats, err := f.log.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.AutoResolved)
	assert.Len(t, f.recorder.Types(), 2)
}

func TestResolveIdentity_IdentifierMatchAttaches(t *testing.T) {
	f := newFixture(t)
	f.person(t, "P1", "Dana Reyes", []string{"775-555-0100"}, nil)

	rec := personRecord("o-2", "Dana M Reyes")
	rec.Phones = []string{"1 (775) 555-0100"}
	rec.Emails = []string{"dana@example.com"}

	res := f.resolve(t, rec)
	assert.Equal(t, "merge-into:P1", res.Outcome)
	assert.Equal(t, models.ReviewAutoResolved, res.ReviewStatus)
	assert.Equal(t, "P1", res.EntityID)
	assert.Equal(t, []string{"dana@example.com"}, f.liveValues(t, "P1", models.IdentifierTypeEmail))

	p1, err := f.store.GetEntity(context.Background(), models.EntityKindPerson, "P1")
	require.NoError(t, err)
	assert.Equal(t, "Dana Reyes", p1.DisplayName, "attach fills only empty display fields")
}

func TestResolveIdentity_ContactInfoConflict(t *testing.T) {
	f := newFixture(t)
	f.person(t, "P1", "Mirna Lopez", []string{"555-0100"}, []string{"mlopez@example.com"})

	rec := personRecord("o-3", "Myrna Lopez")
	rec.Emails = []string{"MLopez@example.com"}
	rec.Phones = []string{"555-0199"}

	res := f.resolve(t, rec)
	assert.Equal(t, "update-contact-info:P1", res.Outcome)
	assert.Equal(t, models.ReviewAutoResolved, res.ReviewStatus)
	assert.Equal(t, "P1", res.EntityID)

	assert.Equal(t, []string{"5550199"}, f.liveValues(t, "P1", models.IdentifierTypePhone))
	all, err := f.store.ListIdentifiers(context.Background(), models.EntityKindPerson, "P1")
	require.NoError(t, err)
	var old *models.Identifier
	for i := range all {
		if all[i].NormalizedValue == "5550100" {
			old = &all[i]
		}
	}
	require.NotNil(t, old, "old phone is kept")
	assert.False(t, old.IsLive())

	p1, err := f.store.GetEntity(context.Background(), models.EntityKindPerson, "P1")
	require.NoError(t, err)
	assert.Equal(t, "Myrna Lopez", p1.DisplayName)

	assert.NotContains(t, f.recorder.Types(), events.TypeEntityCreated)
	stats, err := f.log.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ContactInfo)
	assert.Equal(t, 0, stats.Merges)
}

func TestResolveIdentity_GuardRailsReject(t *testing.T) {
	f := newFixture(t)

	res := f.resolve(t, personRecord("o-4", "COMSTOCK MIDDLE SCHOOL"))
	assert.Equal(t, models.DecisionReject, res.DecisionType)
	assert.Equal(t, models.ReviewPending, res.ReviewStatus)
	assert.Empty(t, res.EntityID)
	assert.False(t, res.Resolved())

	pending, err := f.log.PendingReviews(context.Background(), models.EntityKindPerson, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Contains(t, pending[0].Reason, guardrails.RuleOrganizationalVocabulary)
	assert.Equal(t, []string{events.TypeDecisionRecorded}, f.recorder.Types())
}

func TestResolveIdentity_VetoedRecordIgnoresCandidates(t *testing.T) {
	f := newFixture(t)
	f.person(t, "P1", "Dana Reyes", []string{"775-555-0100"}, nil)

	rec := personRecord("o-5", "COMSTOCK MIDDLE SCHOOL")
	rec.Phones = []string{"775-555-0100", "775-555-0177"}
	rec.Address = "900 Comstock Rd"

	res := f.resolve(t, rec)
	assert.Equal(t, models.DecisionReject, res.DecisionType)
	assert.Equal(t, models.ReviewPending, res.ReviewStatus)
	assert.Empty(t, res.EntityID)

	p1, err := f.store.GetEntity(context.Background(), models.EntityKindPerson, "P1")
	require.NoError(t, err)
	assert.Equal(t, "Dana Reyes", p1.DisplayName)
	assert.Empty(t, p1.Address)
	assert.Equal(t, []string{"7755550100"}, f.liveValues(t, "P1", models.IdentifierTypePhone))
}

func TestResolveIdentity_OrganizationalEmailNeverLinks(t *testing.T) {
	f := newFixture(t)
	f.person(t, "P1", "Dana Reyes", []string{"775-555-0100"}, nil)

	rec := personRecord("o-7", "Dana Reyes")
	rec.Phones = []string{"775-555-0100"}
	rec.Emails = []string{"info@sparksrescue.org"}
	res := f.resolve(t, rec)
	assert.Equal(t, models.DecisionReject, res.DecisionType)
	assert.Equal(t, models.ReviewPending, res.ReviewStatus)
	assert.Empty(t, res.EntityID)
	assert.Empty(t, f.liveValues(t, "P1", models.IdentifierTypeEmail))

	other := personRecord("o-8", "Robert Jones")
	other.Emails = []string{"info@sparksrescue.org"}
	res = f.resolve(t, other)
	assert.Equal(t, models.DecisionReject, res.DecisionType)
	assert.Empty(t, res.EntityID)

	d, err := f.log.Get(context.Background(), res.DecisionID)
	require.NoError(t, err)
	for _, c := range d.Candidates {
		assert.NotEqual(t, models.MatchedOnIdentifier, c.MatchedOn)
	}
}

func TestResolveIdentity_IdentifierConflict(t *testing.T) {
	f := newFixture(t)
	f.person(t, "P1", "Dana Reyes", []string{"775-555-0100"}, nil)
	f.person(t, "P2", "Dana Reyes", nil, []string{"dana@example.com"})

	rec := personRecord("o-6", "Dana Reyes")
	rec.Phones = []string{"775-555-0100"}
	rec.Emails = []string{"dana@example.com"}

	res := f.resolve(t, rec)
	assert.Equal(t, models.ReviewPending, res.ReviewStatus)
	assert.Empty(t, res.EntityID)

	d, err := f.log.Get(context.Background(), res.DecisionID)
	require.NoError(t, err)
	assert.Equal(t, ReasonIdentifierConflict, d.Reason)
	assert.Len(t, d.Candidates, 2)
	assert.Empty(t, f.liveValues(t, "P1", models.IdentifierTypeEmail))
}

func TestResolveIdentity_NameOnlyGoesToReview(t *testing.T) {
	f := newFixture(t)
	f.person(t, "P1", "Myrna Lopez", nil, nil)

	rec := personRecord("o-7", "Mirna Lopez")
	rec.Locality = "Reno"

	res := f.resolve(t, rec)
	assert.Equal(t, models.ReviewPending, res.ReviewStatus)
	assert.Equal(t, "merge-into:P1", res.Outcome)
	assert.Empty(t, res.EntityID)
	assert.Less(t, res.Confidence, 1.0)
}

func TestResolveIdentity_FollowsMerges(t *testing.T) {
	f := newFixture(t)
	f.person(t, "P2", "Lee Park", nil, nil)
	f.person(t, "P7", "Lee Park", []string{"555-1234"}, nil)

	_, err := f.merger.Merge(context.Background(), merging.MergeRequest{Kind: models.EntityKindPerson, LoserID: "P7", WinnerID: "P2"})
	require.NoError(t, err)

	rec := personRecord("o-8", "Lee Park")
	rec.Phones = []string{"555-1234"}

	res := f.resolve(t, rec)
	assert.Equal(t, "merge-into:P2", res.Outcome)
	assert.Equal(t, "P2", res.EntityID)
}

func TestResolveIdentity_AttributesAndText(t *testing.T) {
	f := newFixture(t)
	f.analyzer.resp = &textanalysis.Response{Signal: true, Observations: []models.AttributeInput{
		{Key: "cats_remaining", Value: 3, Confidence: 0.8},
	}}

	rec := placeRecord("r-1", "900 Comstock Rd")
	rec.FreeText = "three cats still around the dumpster"
	rec.Attributes = []models.AttributeInput{
		{Key: "cats_trapped", Value: 4, Confidence: 0.85},
		{Key: "has_kittens", Value: true, Confidence: 0.85},
		{Key: "favorite_color", Value: "blue", Confidence: 0.5},
	}

	res := f.resolve(t, rec)
	assert.Equal(t, models.DecisionCreateNew, res.DecisionType)
	assert.Equal(t, 2, res.AttributesStored)
	assert.Equal(t, 2, res.AttributesRejected)
	assert.Equal(t, 1, f.analyzer.calls)

	current, err := f.attrs.CurrentAttributes(context.Background(), models.EntityKindPlace, res.EntityID)
	require.NoError(t, err)
	require.Contains(t, current, "colony_size_total")
	assert.Equal(t, 7.0, *current["colony_size_total"].Value.Number)
	assert.Equal(t, "field_report/text_analysis", current["cats_remaining"].SourceSystem)
	assert.NotContains(t, current, "has_kittens")
}

func TestResolveIdentity_TextAnalysisFailureIsTransient(t *testing.T) {
	f := newFixture(t)
	f.analyzer.err = textanalysis.ErrMalformedResponse

	rec := placeRecord("r-2", "12 Elm St")
	rec.FreeText = "colony of five"

	_, err := f.resolver.ResolveIdentity(context.Background(), rec)
	require.Error(t, err)
	assert.Equal(t, ResultTransient, Classify(err))

	marker, err := f.store.GetMarker(context.Background(), rec.SourceKey)
	require.NoError(t, err)
	assert.Nil(t, marker)
	assert.Empty(t, f.recorder.Types())

	f.analyzer.err = nil
	res := f.resolve(t, rec)
	assert.Equal(t, models.DecisionCreateNew, res.DecisionType)
}

func TestResolveIdentity_Relationships(t *testing.T) {
	f := newFixture(t)
	place := f.resolve(t, placeRecord("r-3", "4 Oak Ave"))

	rec := personRecord("o-9", "Ana Ruiz")
	rec.Relationships = []models.RelationshipRef{
		{Type: models.RelationshipPersonAtPlace, EntityID: place.EntityID, Confidence: 0.9},
		{Type: models.RelationshipPersonAtPlace, EntityID: "missing-place", Confidence: 0.9},
	}
	res := f.resolve(t, rec)
	assert.Equal(t, 1, res.RelationshipsStored)

	rels, err := f.store.ListRelationships(context.Background(), models.EntityKindPerson, res.EntityID)
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, res.EntityID, rels[0].FromEntityID)
	assert.Equal(t, place.EntityID, rels[0].ToEntityID)
	assert.Contains(t, f.recorder.Types(), events.TypeRelationshipUpserted)
}

func TestResolveIdentity_LostRace(t *testing.T) {
	f := newFixture(t)
	rec := placeRecord("r-4", "77 Pine St")
	rec.FreeText = "quiet colony"

	var concurrent *models.Resolution
	f.analyzer.before = func() {
		other := *rec
		other.FreeText = ""
		concurrent = f.resolve(t, &other)
	}

	res := f.resolve(t, rec)
	require.NotNil(t, concurrent)
	assert.True(t, res.AlreadyResolved)
	assert.Equal(t, concurrent.EntityID, res.EntityID)
	assert.Equal(t, concurrent.DecisionID, res.DecisionID)

	places, err := f.store.FindByWeakSignals(context.Background(), models.WeakSignalQuery{Kind: models.EntityKindPlace, Locality: "reno"})
	require.NoError(t, err)
	assert.Len(t, places, 1)
}

func TestResolveIdentity_MalformedRecord(t *testing.T) {
	f := newFixture(t)
	rec := personRecord("", "Dana Reyes")

	_, err := f.resolver.ResolveIdentity(context.Background(), rec)
	require.ErrorIs(t, err, records.ErrMalformedPayload)
	assert.Equal(t, ResultValidation, Classify(err))
}

func TestResolveIdentity_StoreFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	f.store.FailOn("CreateMarker", errors.New("disk full"))

	rec := personRecord("o-10", "Dana Reyes")
	rec.Phones = []string{"775-555-0100"}
	_, err := f.resolver.ResolveIdentity(context.Background(), rec)
	require.Error(t, err)
	assert.Equal(t, ResultFatal, Classify(err))

	owner, err := f.index.Lookup(context.Background(), models.EntityKindPerson, models.IdentifierKey{Type: models.IdentifierTypePhone, Value: "7755550100"})
	require.NoError(t, err)
	assert.Nil(t, owner)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want ResultKind
	}{
		{nil, ResultSuccess},
		{records.ErrMalformedPayload, ResultValidation},
		{ErrTransient, ResultTransient},
		{context.DeadlineExceeded, ResultTransient},
		{geocode.ErrServiceError, ResultTransient},
		{textanalysis.ErrServiceUnavailable, ResultTransient},
		{merging.ErrMergeCycle, ResultFatal},
		{identity.ErrRedirectCycle, ResultFatal},
		{errors.New("boom"), ResultFatal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.err), "%v", tt.err)
	}
}
