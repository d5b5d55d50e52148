package models

import (
	"fmt"
	"time"
)

// EntityKind is the kind of canonical entity. Each kind has its own table.
type EntityKind string

const (
	EntityKindPerson  EntityKind = "person"
	EntityKindPlace   EntityKind = "place"
	EntityKindAnimal  EntityKind = "animal"
	EntityKindRequest EntityKind = "request"
)

// EntityKinds lists every supported kind.
var EntityKinds = []EntityKind{EntityKindPerson, EntityKindPlace, EntityKindAnimal, EntityKindRequest}

var entityTables = map[EntityKind]string{
	EntityKindPerson:  "people",
	EntityKindPlace:   "places",
	EntityKindAnimal:  "animals",
	EntityKindRequest: "requests",
}

func (k EntityKind) Valid() bool {
	_, ok := entityTables[k]
	return ok
}

// Table returns the table holding entities of this kind.
func (k EntityKind) Table() string {
	return entityTables[k]
}

// ParseEntityKind validates a kind from user input.
func ParseEntityKind(s string) (EntityKind, error) {
	k := EntityKind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown entity kind %q", s)
	}
	return k, nil
}

// DataQuality marks how much an entity's display data has been curated.
type DataQuality string

const (
	DataQualityRaw      DataQuality = "raw"
	DataQualityCleaned  DataQuality = "cleaned"
	DataQualityVerified DataQuality = "verified"
)

// Entity is a canonical entity row. MergedIntoEntityID forms the redirect
// chain; an entity with a nil redirect is canonical.
type Entity struct {
	ID                 string      `db:"entity_id" json:"entity_id"`
	Kind               EntityKind  `db:"-" json:"kind"`
	DisplayName        string      `db:"display_name" json:"display_name"`
	Address            string      `db:"address" json:"address,omitempty"`
	Locality           string      `db:"locality" json:"locality,omitempty"`
	Latitude           *float64    `db:"latitude" json:"latitude,omitempty"`
	Longitude          *float64    `db:"longitude" json:"longitude,omitempty"`
	MergedIntoEntityID *string     `db:"merged_into_entity_id" json:"merged_into_entity_id,omitempty"`
	SourceSystem       string      `db:"source_system" json:"source_system"`
	SourceRecordID     string      `db:"source_record_id" json:"source_record_id"`
	DataQuality        DataQuality `db:"data_quality" json:"data_quality"`
	LastActivityAt     time.Time   `db:"last_activity_at" json:"last_activity_at"`
	CreatedAt          time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time   `db:"updated_at" json:"updated_at"`
}

// IsCanonical reports whether the entity is the end of its redirect chain.
func (e *Entity) IsCanonical() bool {
	return e.MergedIntoEntityID == nil
}

// HasLocation reports whether both coordinates are set.
func (e *Entity) HasLocation() bool {
	return e.Latitude != nil && e.Longitude != nil
}

// NearbyEntity is an entity found by a radius search.
type NearbyEntity struct {
	Entity
	DistanceMeters float64 `db:"distance_meters" json:"distance_meters"`
}

// WeakSignalQuery bounds the fuzzy-name candidate set to entities that share
// a locality or are related to one of RelatedEntityIDs.
type WeakSignalQuery struct {
	Kind             EntityKind
	Locality         string
	RelatedEntityIDs []string
	Limit            int
}

// Empty reports whether the query carries no signal at all.
func (q WeakSignalQuery) Empty() bool {
	return q.Locality == "" && len(q.RelatedEntityIDs) == 0
}
