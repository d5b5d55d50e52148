package resolution

import (
	"fmt"

	"github.com/Ramsey-B/clover/pkg/guardrails"
	"github.com/Ramsey-B/clover/pkg/models"
)

// Decision reasons.
const (
	ReasonNoCandidates       = "no_candidates"
	ReasonAutoMerge          = "auto_merge"
	ReasonContactInfo        = "contact_info_changed"
	ReasonAmbiguous          = "ambiguous_match"
	ReasonIdentifierConflict = "identifier_conflict"
	ReasonAmbiguousSource    = "ambiguous_source_data"
)

// Thresholds are the per-kind gate bounds. Scores at or above AutoMerge attach
// automatically, scores in [ReviewFloor, AutoMerge) go to review and lower
// scores count as no candidate.
type Thresholds struct {
	AutoMerge   float64
	ReviewFloor float64
}

func DefaultThresholds() map[models.EntityKind]Thresholds {
	return map[models.EntityKind]Thresholds{
		models.EntityKindPerson:  {AutoMerge: 1.0, ReviewFloor: 0.85},
		models.EntityKindPlace:   {AutoMerge: 0.9, ReviewFloor: 0.6},
		models.EntityKindAnimal:  {AutoMerge: 1.0, ReviewFloor: 0.85},
		models.EntityKindRequest: {AutoMerge: 1.0, ReviewFloor: 0.9},
	}
}

type GateInput struct {
	Kind       models.EntityKind
	Verdict    guardrails.Verdict
	Candidates models.Candidates
	// ContactInfoDiffers is set when the record's phone, email or address
	// differs from the live one of the top candidate.
	ContactInfoDiffers bool
}

// Decision is the gate's output for one record.
type Decision struct {
	Type       models.DecisionType
	Status     models.ReviewStatus
	Target     *models.Candidate
	Confidence float64
	Reason     string
}

// Resolves reports whether applying the decision links the record to an
// entity now.
func (d Decision) Resolves() bool {
	return d.Status == models.ReviewAutoResolved && d.Type != models.DecisionReject
}

type Gate struct {
	thresholds map[models.EntityKind]Thresholds
}

// NewGate builds a gate. Kinds missing from thresholds use the defaults.
func NewGate(thresholds map[models.EntityKind]Thresholds) *Gate {
	merged := DefaultThresholds()
	for kind, t := range thresholds {
		merged[kind] = t
	}
	return &Gate{thresholds: merged}
}

func (g *Gate) Thresholds(kind models.EntityKind) Thresholds {
	return g.thresholds[kind]
}

// Decide applies the resolution policy. It never touches storage.
func (g *Gate) Decide(in GateInput) Decision {
	t := g.thresholds[in.Kind]

	var candidates models.Candidates
	for _, c := range in.Candidates {
		if c.Score >= t.ReviewFloor {
			candidates = append(candidates, c)
		}
	}

	top, ok := candidates.Top()

	// A vetoed record goes to review whatever it matched.
	if !in.Verdict.Accepted {
		return Decision{
			Type:       models.DecisionReject,
			Status:     models.ReviewPending,
			Confidence: top.Score,
			Reason:     rejectReason(in.Verdict),
		}
	}

	if !ok {
		return Decision{
			Type:       models.DecisionCreateNew,
			Status:     models.ReviewAutoResolved,
			Confidence: 1.0,
			Reason:     ReasonNoCandidates,
		}
	}

	if owners(candidates) > 1 {
		return Decision{
			Type:       models.DecisionMergeInto,
			Status:     models.ReviewPending,
			Target:     &top,
			Confidence: top.Score,
			Reason:     ReasonIdentifierConflict,
		}
	}

	if in.ContactInfoDiffers && top.MatchedOn == models.MatchedOnIdentifier && strongMatch(top) {
		return Decision{
			Type:       models.DecisionUpdateContactInfo,
			Status:     models.ReviewAutoResolved,
			Target:     &top,
			Confidence: top.Score,
			Reason:     ReasonContactInfo,
		}
	}

	if top.Score >= t.AutoMerge {
		return Decision{
			Type:       models.DecisionMergeInto,
			Status:     models.ReviewAutoResolved,
			Target:     &top,
			Confidence: top.Score,
			Reason:     ReasonAutoMerge,
		}
	}

	return Decision{
		Type:       models.DecisionMergeInto,
		Status:     models.ReviewPending,
		Target:     &top,
		Confidence: top.Score,
		Reason:     ReasonAmbiguous,
	}
}

func owners(c models.Candidates) int {
	n := 0
	for _, cand := range c {
		if cand.MatchedOn == models.MatchedOnIdentifier {
			n++
		}
	}
	return n
}

func strongMatch(c models.Candidate) bool {
	for _, k := range c.MatchedIdentifiers {
		if k.Type.Strong() {
			return true
		}
	}
	return false
}

func rejectReason(v guardrails.Verdict) string {
	if v.Rule == "" {
		return ReasonAmbiguousSource
	}
	return fmt.Sprintf("%s: %s", ReasonAmbiguousSource, v.Rule)
}
