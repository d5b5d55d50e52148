package resolution

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/pkg/guardrails"
	"github.com/Ramsey-B/clover/pkg/models"
)

func cand(id string, score float64, on models.MatchTier, keys ...models.IdentifierKey) models.Candidate {
	return models.Candidate{EntityID: id, Score: score, MatchedOn: on, MatchedIdentifiers: keys}
}

var (
	emailKey = models.IdentifierKey{Type: models.IdentifierTypeEmail, Value: "a@example.com"}
	phoneKey = models.IdentifierKey{Type: models.IdentifierTypePhone, Value: "5550100"}
	accepted = guardrails.Verdict{Accepted: true}
	vetoed   = guardrails.Verdict{Rule: guardrails.RuleOrganizationalVocabulary}
)

func TestGateDecide(t *testing.T) {
	tests := []struct {
		name       string
		in         GateInput
		wantType   models.DecisionType
		wantStatus models.ReviewStatus
		wantTarget string
		wantReason string
	}{
		{
			name:       "no candidates creates",
			in:         GateInput{Kind: models.EntityKindPerson, Verdict: accepted},
			wantType:   models.DecisionCreateNew,
			wantStatus: models.ReviewAutoResolved,
			wantReason: ReasonNoCandidates,
		},
		{
			name:       "no candidates and vetoed goes to review",
			in:         GateInput{Kind: models.EntityKindPerson, Verdict: vetoed},
			wantType:   models.DecisionReject,
			wantStatus: models.ReviewPending,
			wantReason: "ambiguous_source_data: organizational_vocabulary",
		},
		{
			name: "identifier match merges",
			in: GateInput{Kind: models.EntityKindPerson, Verdict: accepted, Candidates: models.Candidates{
				cand("P1", 1.0, models.MatchedOnIdentifier, phoneKey),
			}},
			wantType:   models.DecisionMergeInto,
			wantStatus: models.ReviewAutoResolved,
			wantTarget: "P1",
			wantReason: ReasonAutoMerge,
		},
		{
			name: "strong identifier with new contact updates",
			in: GateInput{Kind: models.EntityKindPerson, Verdict: accepted, ContactInfoDiffers: true, Candidates: models.Candidates{
				cand("P1", 1.0, models.MatchedOnIdentifier, emailKey),
			}},
			wantType:   models.DecisionUpdateContactInfo,
			wantStatus: models.ReviewAutoResolved,
			wantTarget: "P1",
			wantReason: ReasonContactInfo,
		},
		{
			name: "weak identifier with new contact merges",
			in: GateInput{Kind: models.EntityKindPerson, Verdict: accepted, ContactInfoDiffers: true, Candidates: models.Candidates{
				cand("P1", 1.0, models.MatchedOnIdentifier, phoneKey),
			}},
			wantType:   models.DecisionMergeInto,
			wantStatus: models.ReviewAutoResolved,
			wantTarget: "P1",
			wantReason: ReasonAutoMerge,
		},
		{
			name: "name match is ambiguous",
			in: GateInput{Kind: models.EntityKindPerson, Verdict: accepted, Candidates: models.Candidates{
				cand("P1", 0.99, models.MatchedOnName),
			}},
			wantType:   models.DecisionMergeInto,
			wantStatus: models.ReviewPending,
			wantTarget: "P1",
			wantReason: ReasonAmbiguous,
		},
		{
			name: "below review floor counts as none",
			in: GateInput{Kind: models.EntityKindPerson, Verdict: accepted, Candidates: models.Candidates{
				cand("P1", 0.5, models.MatchedOnName),
			}},
			wantType:   models.DecisionCreateNew,
			wantStatus: models.ReviewAutoResolved,
			wantReason: ReasonNoCandidates,
		},
		{
			name: "two identifier owners conflict",
			in: GateInput{Kind: models.EntityKindPerson, Verdict: accepted, Candidates: models.Candidates{
				cand("P2", 1.0, models.MatchedOnIdentifier, emailKey),
				cand("P1", 1.0, models.MatchedOnIdentifier, phoneKey),
			}},
			wantType:   models.DecisionMergeInto,
			wantStatus: models.ReviewPending,
			wantTarget: "P2",
			wantReason: ReasonIdentifierConflict,
		},
		{
			name: "vetoed record with identifier match is rejected",
			in: GateInput{Kind: models.EntityKindPerson, Verdict: vetoed, Candidates: models.Candidates{
				cand("P1", 1.0, models.MatchedOnIdentifier, phoneKey),
			}},
			wantType:   models.DecisionReject,
			wantStatus: models.ReviewPending,
			wantReason: "ambiguous_source_data: organizational_vocabulary",
		},
		{
			name: "vetoed record with contact change is rejected",
			in: GateInput{Kind: models.EntityKindPerson, Verdict: vetoed, ContactInfoDiffers: true, Candidates: models.Candidates{
				cand("P1", 1.0, models.MatchedOnIdentifier, emailKey),
			}},
			wantType:   models.DecisionReject,
			wantStatus: models.ReviewPending,
			wantReason: "ambiguous_source_data: organizational_vocabulary",
		},
		{
			name: "vetoed record with identifier conflict is rejected",
			in: GateInput{Kind: models.EntityKindPerson, Verdict: vetoed, Candidates: models.Candidates{
				cand("P2", 1.0, models.MatchedOnIdentifier, emailKey),
				cand("P1", 1.0, models.MatchedOnIdentifier, phoneKey),
			}},
			wantType:   models.DecisionReject,
			wantStatus: models.ReviewPending,
			wantReason: "ambiguous_source_data: organizational_vocabulary",
		},
		{
			name: "vetoed record with name match is rejected",
			in: GateInput{Kind: models.EntityKindPerson, Verdict: vetoed, Candidates: models.Candidates{
				cand("P1", 0.95, models.MatchedOnName),
			}},
			wantType:   models.DecisionReject,
			wantStatus: models.ReviewPending,
			wantReason: "ambiguous_source_data: organizational_vocabulary",
		},
		{
			name: "place location above auto threshold merges",
			in: GateInput{Kind: models.EntityKindPlace, Verdict: accepted, Candidates: models.Candidates{
				cand("L1", 0.93, models.MatchedOnLocation),
			}},
			wantType:   models.DecisionMergeInto,
			wantStatus: models.ReviewAutoResolved,
			wantTarget: "L1",
			wantReason: ReasonAutoMerge,
		},
		{
			name: "place location in band goes to review",
			in: GateInput{Kind: models.EntityKindPlace, Verdict: accepted, Candidates: models.Candidates{
				cand("L1", 0.7, models.MatchedOnLocation),
			}},
			wantType:   models.DecisionMergeInto,
			wantStatus: models.ReviewPending,
			wantTarget: "L1",
			wantReason: ReasonAmbiguous,
		},
	}

	gate := NewGate(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := gate.Decide(tt.in)
			assert.Equal(t, tt.wantType, d.Type)
			assert.Equal(t, tt.wantStatus, d.Status)
			assert.Equal(t, tt.wantReason, d.Reason)
			if tt.wantTarget == "" {
				assert.Nil(t, d.Target)
				return
			}
			require.NotNil(t, d.Target)
			assert.Equal(t, tt.wantTarget, d.Target.EntityID)
		})
	}
}

func TestNewGate_OverridesKind(t *testing.T) {
	gate := NewGate(map[models.EntityKind]Thresholds{
		models.EntityKindPerson: {AutoMerge: 0.95, ReviewFloor: 0.8},
	})
	assert.Equal(t, Thresholds{AutoMerge: 0.95, ReviewFloor: 0.8}, gate.Thresholds(models.EntityKindPerson))
	assert.Equal(t, DefaultThresholds()[models.EntityKindPlace], gate.Thresholds(models.EntityKindPlace))

	d := gate.Decide(GateInput{Kind: models.EntityKindPerson, Verdict: accepted, Candidates: models.Candidates{
		cand("P1", 0.96, models.MatchedOnName),
	}})
	assert.Equal(t, models.ReviewAutoResolved, d.Status)
}
