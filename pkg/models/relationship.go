package models

import "time"

type RelationshipType string

const (
	RelationshipPersonAtPlace         RelationshipType = "person_at_place"
	RelationshipAnimalAtPlace         RelationshipType = "animal_at_place"
	RelationshipPersonCaretakerAnimal RelationshipType = "person_caretaker_of_animal"
	RelationshipRequestForPlace       RelationshipType = "request_for_place"
	RelationshipRequestByPerson       RelationshipType = "request_by_person"
)

type relationshipEnds struct {
	from EntityKind
	to   EntityKind
}

var relationshipKinds = map[RelationshipType]relationshipEnds{
	RelationshipPersonAtPlace:         {EntityKindPerson, EntityKindPlace},
	RelationshipAnimalAtPlace:         {EntityKindAnimal, EntityKindPlace},
	RelationshipPersonCaretakerAnimal: {EntityKindPerson, EntityKindAnimal},
	RelationshipRequestForPlace:       {EntityKindRequest, EntityKindPlace},
	RelationshipRequestByPerson:       {EntityKindRequest, EntityKindPerson},
}

// Ends returns the kinds a relationship type connects.
func (t RelationshipType) Ends() (from EntityKind, to EntityKind, ok bool) {
	ends, ok := relationshipKinds[t]
	return ends.from, ends.to, ok
}

// Relationship is a typed edge between two canonical entities.
type Relationship struct {
	ID             string           `db:"id" json:"id"`
	Type           RelationshipType `db:"relationship_type" json:"relationship_type"`
	FromKind       EntityKind       `db:"from_kind" json:"from_kind"`
	FromEntityID   string           `db:"from_entity_id" json:"from_entity_id"`
	ToKind         EntityKind       `db:"to_kind" json:"to_kind"`
	ToEntityID     string           `db:"to_entity_id" json:"to_entity_id"`
	Confidence     float64          `db:"confidence" json:"confidence"`
	SourceSystem   string           `db:"source_system" json:"source_system"`
	SourceRecordID string           `db:"source_record_id" json:"source_record_id"`
	CreatedAt      time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time        `db:"updated_at" json:"updated_at"`
}

// Touches reports whether the relationship references the entity on either end.
func (r *Relationship) Touches(kind EntityKind, entityID string) bool {
	return (r.FromKind == kind && r.FromEntityID == entityID) || (r.ToKind == kind && r.ToEntityID == entityID)
}
