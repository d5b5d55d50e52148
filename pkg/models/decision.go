package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// DecisionType is the outcome chosen by the resolution gate or a merge.
type DecisionType string

const (
	DecisionCreateNew         DecisionType = "create-new"
	DecisionMergeInto         DecisionType = "merge-into"
	DecisionUpdateContactInfo DecisionType = "update-contact-info"
	DecisionReject            DecisionType = "reject"
)

func (t DecisionType) Valid() bool {
	switch t {
	case DecisionCreateNew, DecisionMergeInto, DecisionUpdateContactInfo, DecisionReject:
		return true
	}
	return false
}

// ReviewStatus is the human review lifecycle of a decision.
type ReviewStatus string

const (
	ReviewAutoResolved ReviewStatus = "auto_resolved"
	ReviewPending      ReviewStatus = "review_pending"
	ReviewApproved     ReviewStatus = "review_approved"
	ReviewRejected     ReviewStatus = "review_rejected"
)

// Terminal reports whether no further transition is allowed.
func (s ReviewStatus) Terminal() bool {
	return s != ReviewPending
}

// MatchTier names the candidate matcher tier that produced a candidate.
type MatchTier string

const (
	MatchedOnIdentifier MatchTier = "identifier"
	MatchedOnName       MatchTier = "name"
	MatchedOnLocation   MatchTier = "location"
)

// Candidate is one scored existing entity considered for a record.
type Candidate struct {
	EntityID           string          `json:"entity_id"`
	Score              float64         `json:"score"`
	MatchedOn          MatchTier       `json:"matched_on"`
	MatchedIdentifiers []IdentifierKey `json:"matched_identifiers,omitempty"`
	LastActivityAt     time.Time       `json:"last_activity_at"`
	DistanceMeters     *float64        `json:"distance_meters,omitempty"`
}

// Candidates is stored as jsonb on the decision row.
type Candidates []Candidate

func (c *Candidates) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*c = nil
		return nil
	case []byte:
		return json.Unmarshal(v, c)
	case string:
		return json.Unmarshal([]byte(v), c)
	default:
		return fmt.Errorf("Candidates.Scan: unsupported type %T", src)
	}
}

func (c Candidates) Value() (driver.Value, error) {
	if c == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]Candidate(c))
}

// Top returns the first candidate, if any.
func (c Candidates) Top() (Candidate, bool) {
	if len(c) == 0 {
		return Candidate{}, false
	}
	return c[0], true
}

// MatchDecision is the durable record of one resolution or merge decision.
type MatchDecision struct {
	ID              string       `db:"decision_id" json:"decision_id"`
	Kind            EntityKind   `db:"entity_kind" json:"entity_kind"`
	SourceSystem    string       `db:"source_system" json:"source_system"`
	SourceTable     string       `db:"source_table" json:"source_table"`
	SourceRecordID  string       `db:"source_record_id" json:"source_record_id"`
	SubjectEntityID *string      `db:"subject_entity_id" json:"subject_entity_id,omitempty"`
	TargetEntityID  *string      `db:"target_entity_id" json:"target_entity_id,omitempty"`
	Candidates      Candidates   `db:"candidates" json:"candidates"`
	DecisionType    DecisionType `db:"decision_type" json:"decision_type"`
	Confidence      float64      `db:"confidence" json:"confidence"`
	Reason          string       `db:"reason" json:"reason,omitempty"`
	Record          ObjectValue  `db:"record" json:"record,omitempty"`
	ReviewStatus    ReviewStatus `db:"review_status" json:"review_status"`
	ReviewedBy      *string      `db:"reviewed_by" json:"reviewed_by,omitempty"`
	ReviewNote      *string      `db:"review_note" json:"review_note,omitempty"`
	ReviewedAt      *time.Time   `db:"reviewed_at" json:"reviewed_at,omitempty"`
	CreatedAt       time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time    `db:"updated_at" json:"updated_at"`
}

// Outcome renders the decision as create-new, merge-into:X,
// update-contact-info:X or reject.
func (d *MatchDecision) Outcome() string {
	switch d.DecisionType {
	case DecisionMergeInto, DecisionUpdateContactInfo:
		if d.TargetEntityID != nil {
			return string(d.DecisionType) + ":" + *d.TargetEntityID
		}
	}
	return string(d.DecisionType)
}

// SourceKey returns the staged-record key the decision was made for.
func (d *MatchDecision) SourceKey() SourceKey {
	return SourceKey{SourceSystem: d.SourceSystem, SourceTable: d.SourceTable, SourceRecordID: d.SourceRecordID}
}

// Review is the terminal transition applied by a human reviewer.
type Review struct {
	Status         ReviewStatus
	DecisionType   DecisionType
	TargetEntityID *string
	ReviewedBy     string
	Note           string
	ReviewedAt     time.Time
}

// DecisionCount is one bucket of the decision statistics surface.
type DecisionCount struct {
	Kind         EntityKind   `db:"entity_kind" json:"entity_kind"`
	DecisionType DecisionType `db:"decision_type" json:"decision_type"`
	ReviewStatus ReviewStatus `db:"review_status" json:"review_status"`
	Count        int          `db:"count" json:"count"`
}

// ResolutionMarker is the durable "already resolved from this source record"
// marker.
type ResolutionMarker struct {
	SourceSystem   string     `db:"source_system" json:"source_system"`
	SourceTable    string     `db:"source_table" json:"source_table"`
	SourceRecordID string     `db:"source_record_id" json:"source_record_id"`
	Kind           EntityKind `db:"entity_kind" json:"entity_kind"`
	EntityID       *string    `db:"entity_id" json:"entity_id,omitempty"`
	DecisionID     string     `db:"decision_id" json:"decision_id"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
}

func (m *ResolutionMarker) Key() SourceKey {
	return SourceKey{SourceSystem: m.SourceSystem, SourceTable: m.SourceTable, SourceRecordID: m.SourceRecordID}
}
