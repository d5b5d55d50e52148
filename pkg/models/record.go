package models

import (
	"fmt"
	"time"
)

// SourceKey identifies a staged source record.
type SourceKey struct {
	SourceSystem   string `json:"source_system" validate:"required"`
	SourceTable    string `json:"source_table" validate:"required"`
	SourceRecordID string `json:"source_record_id" validate:"required"`
}

func (k SourceKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.SourceSystem, k.SourceTable, k.SourceRecordID)
}

// RelationshipRef links the record's entity to an already known entity.
// The record's side of the edge follows from the relationship type.
type RelationshipRef struct {
	Type       RelationshipType `json:"relationship_type" validate:"required,relationship_type"`
	EntityID   string           `json:"entity_id" validate:"required"`
	Confidence float64          `json:"confidence" validate:"gte=0,lte=1"`
}

// AttributeInput is an attribute observation carried on the record itself.
type AttributeInput struct {
	Key        string  `json:"attribute_key" validate:"required"`
	Value      any     `json:"value"`
	Confidence float64 `json:"confidence" validate:"gte=0,lte=1"`
	Evidence   string  `json:"evidence,omitempty"`
}

// SourceRecord is a staged record after per-source payload normalization.
type SourceRecord struct {
	SourceKey
	Kind          EntityKind        `json:"entity_kind" validate:"required,entity_kind"`
	Name          string            `json:"name,omitempty"`
	Emails        []string          `json:"emails,omitempty"`
	Phones        []string          `json:"phones,omitempty"`
	Tags          []string          `json:"tags,omitempty"`
	Address       string            `json:"address,omitempty"`
	Locality      string            `json:"locality,omitempty"`
	Latitude      *float64          `json:"latitude,omitempty" validate:"omitempty,gte=-90,lte=90"`
	Longitude     *float64          `json:"longitude,omitempty" validate:"omitempty,gte=-180,lte=180"`
	FreeText      string            `json:"free_text,omitempty"`
	Relationships []RelationshipRef `json:"relationships,omitempty" validate:"dive"`
	Attributes    []AttributeInput  `json:"attributes,omitempty" validate:"dive"`
	ObservedAt    time.Time         `json:"observed_at"`
}

// HasLocation reports whether both coordinates are present.
func (r *SourceRecord) HasLocation() bool {
	return r.Latitude != nil && r.Longitude != nil
}

// Resolution is what resolveIdentity returns for one record.
type Resolution struct {
	EntityID            string       `json:"entity_id,omitempty"`
	Kind                EntityKind   `json:"entity_kind"`
	DecisionID          string       `json:"decision_id"`
	DecisionType        DecisionType `json:"decision_type"`
	Outcome             string       `json:"outcome"`
	ReviewStatus        ReviewStatus `json:"review_status"`
	Confidence          float64      `json:"confidence"`
	AlreadyResolved     bool         `json:"already_resolved"`
	AttributesStored    int          `json:"attributes_stored"`
	AttributesRejected  int          `json:"attributes_rejected"`
	RelationshipsStored int          `json:"relationships_stored"`
}

// Resolved reports whether the record is linked to an entity.
func (r *Resolution) Resolved() bool {
	return r.EntityID != "" && r.ReviewStatus != ReviewPending
}

// StagedStatus tracks a staged record through batch runs.
type StagedStatus string

const (
	StagedPending  StagedStatus = "pending"
	StagedResolved StagedStatus = "resolved"
	StagedQueued   StagedStatus = "queued"
	StagedInvalid  StagedStatus = "invalid"
	StagedFailed   StagedStatus = "failed"
)

// StagedRecord is a row of the upstream staging feed.
type StagedRecord struct {
	SourceSystem   string       `db:"source_system" json:"source_system"`
	SourceTable    string       `db:"source_table" json:"source_table"`
	SourceRecordID string       `db:"source_record_id" json:"source_record_id"`
	Kind           EntityKind   `db:"entity_kind" json:"entity_kind"`
	Payload        ObjectValue  `db:"payload" json:"payload"`
	FreeText       string       `db:"free_text" json:"free_text,omitempty"`
	Status         StagedStatus `db:"status" json:"status"`
	Attempts       int          `db:"attempts" json:"attempts"`
	LastError      *string      `db:"last_error" json:"last_error,omitempty"`
	StagedAt       time.Time    `db:"staged_at" json:"staged_at"`
	ProcessedAt    *time.Time   `db:"processed_at" json:"processed_at,omitempty"`
}

func (s *StagedRecord) Key() SourceKey {
	return SourceKey{SourceSystem: s.SourceSystem, SourceTable: s.SourceTable, SourceRecordID: s.SourceRecordID}
}

// StagedQuery selects pending staged records for a batch run.
type StagedQuery struct {
	SourceSystem string
	SourceTable  string
	Kind         EntityKind
	Limit        int
	MaxAttempts  int
}
