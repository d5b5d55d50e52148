package models

import "time"

// IdentifierType is the type half of an identifier's natural key.
type IdentifierType string

const (
	IdentifierTypePhone IdentifierType = "phone"
	IdentifierTypeEmail IdentifierType = "email"
	IdentifierTypeTag   IdentifierType = "tag"
)

// Strong reports whether a match on this type is trusted to anchor a
// contact-info update.
func (t IdentifierType) Strong() bool {
	return t == IdentifierTypeEmail || t == IdentifierTypeTag
}

// Contact reports whether the type is contact information a person may change.
func (t IdentifierType) Contact() bool {
	return t == IdentifierTypePhone || t == IdentifierTypeEmail
}

// Identifier is a normalized exact-match key owned by one entity. Only live
// rows (SupersededAt nil) take part in the uniqueness constraint.
type Identifier struct {
	ID              string         `db:"id" json:"id"`
	Kind            EntityKind     `db:"entity_kind" json:"entity_kind"`
	Type            IdentifierType `db:"id_type" json:"id_type"`
	NormalizedValue string         `db:"normalized_value" json:"normalized_value"`
	RawValue        string         `db:"raw_value" json:"raw_value"`
	EntityID        string         `db:"entity_id" json:"entity_id"`
	SourceSystem    string         `db:"source_system" json:"source_system"`
	CreatedAt       time.Time      `db:"created_at" json:"created_at"`
	SupersededAt    *time.Time     `db:"superseded_at" json:"superseded_at,omitempty"`
}

// IsLive reports whether the identifier still resolves.
func (i *Identifier) IsLive() bool {
	return i.SupersededAt == nil
}

// IdentifierKey is the (type, normalized value) natural key.
type IdentifierKey struct {
	Type  IdentifierType `json:"id_type"`
	Value string         `json:"value"`
}

func (k IdentifierKey) String() string {
	return string(k.Type) + ":" + k.Value
}
