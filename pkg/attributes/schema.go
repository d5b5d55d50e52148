package attributes

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/Ramsey-B/clover/pkg/models"
)

var (
	// ErrRejected wraps every reason an observation is refused at write time.
	ErrRejected = errors.New("attribute observation rejected")

	ErrUnknownKey        = errors.New("unknown attribute key")
	ErrInvalidValue      = errors.New("invalid attribute value")
	ErrInvalidConfidence = errors.New("confidence must be between 0 and 1")
	// ErrMissingPolarity means a polarity key carried no explicit true/false.
	ErrMissingPolarity = errors.New("polarity attribute requires an explicit signal")
	// ErrPolarityEvidence means a positive polarity value carried no evidence.
	ErrPolarityEvidence = errors.New("positive polarity attribute requires evidence")
)

// KeySchema describes one recognized attribute key of an entity kind.
type KeySchema struct {
	Key         string          `json:"attribute_key"`
	DataType    models.DataType `json:"data_type"`
	Enum        []string        `json:"enum,omitempty"`
	Min         *float64        `json:"min,omitempty"`
	Max         *float64        `json:"max,omitempty"`
	// Polarity keys are health or status flags that must never be assumed.
	Polarity    bool            `json:"polarity,omitempty"`
	Description string          `json:"description,omitempty"`
}

// DerivedKey is a numeric key read as the sum of its components when it has
// no direct observation.
type DerivedKey struct {
	Key        string
	Components []string
}

// Schema is the per-kind registry of recognized attribute keys.
type Schema struct {
	keys    map[models.EntityKind]map[string]KeySchema
	derived map[models.EntityKind][]DerivedKey
}

func NewSchema() *Schema {
	return &Schema{
		keys:    map[models.EntityKind]map[string]KeySchema{},
		derived: map[models.EntityKind][]DerivedKey{},
	}
}

// Register adds or replaces a key for the kind.
func (s *Schema) Register(kind models.EntityKind, ks KeySchema) {
	if s.keys[kind] == nil {
		s.keys[kind] = map[string]KeySchema{}
	}
	s.keys[kind][ks.Key] = ks
}

// RegisterDerived adds a summed key. The key and its components must be
// registered numeric keys.
func (s *Schema) RegisterDerived(kind models.EntityKind, d DerivedKey) error {
	for _, k := range append([]string{d.Key}, d.Components...) {
		ks, ok := s.Lookup(kind, k)
		if !ok || ks.DataType != models.DataTypeNumber {
			return fmt.Errorf("derived key %s: %s is not a numeric %s key", d.Key, k, kind)
		}
	}
	s.derived[kind] = append(s.derived[kind], d)
	return nil
}

func (s *Schema) Lookup(kind models.EntityKind, key string) (KeySchema, bool) {
	ks, ok := s.keys[kind][key]
	return ks, ok
}

// Keys returns the kind's keys ordered by name.
func (s *Schema) Keys(kind models.EntityKind) []KeySchema {
	out := make([]KeySchema, 0, len(s.keys[kind]))
	for _, ks := range s.keys[kind] {
		out = append(out, ks)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (s *Schema) Derived(kind models.EntityKind) []DerivedKey {
	return s.derived[kind]
}

func (s *Schema) derivedKey(kind models.EntityKind, key string) (DerivedKey, bool) {
	for _, d := range s.derived[kind] {
		if d.Key == key {
			return d, true
		}
	}
	return DerivedKey{}, false
}

func bound(f float64) *float64 { return &f }

// DefaultSchema returns the attribute keys known for each entity kind.
func DefaultSchema() *Schema {
	s := NewSchema()

	s.Register(models.EntityKindPerson, KeySchema{Key: "preferred_language", DataType: models.DataTypeString, Enum: []string{"english", "spanish", "other"}})
	s.Register(models.EntityKindPerson, KeySchema{Key: "contact_preference", DataType: models.DataTypeString, Enum: []string{"phone", "text", "email", "in_person"}})
	s.Register(models.EntityKindPerson, KeySchema{Key: "is_colony_feeder", DataType: models.DataTypeBoolean, Polarity: true, Description: "person feeds a community cat colony"})
	s.Register(models.EntityKindPerson, KeySchema{Key: "notes", DataType: models.DataTypeString})

	s.Register(models.EntityKindPlace, KeySchema{Key: "property_type", DataType: models.DataTypeString, Enum: []string{"residential", "apartment", "commercial", "farm", "park", "school", "other"}})
	s.Register(models.EntityKindPlace, KeySchema{Key: "cats_trapped", DataType: models.DataTypeNumber, Min: bound(0), Max: bound(1000), Description: "cats trapped at the site"})
	s.Register(models.EntityKindPlace, KeySchema{Key: "cats_remaining", DataType: models.DataTypeNumber, Min: bound(0), Max: bound(1000), Description: "cats still at the site"})
	s.Register(models.EntityKindPlace, KeySchema{Key: "colony_size_total", DataType: models.DataTypeNumber, Min: bound(0), Max: bound(2000), Description: "total colony size"})
	s.Register(models.EntityKindPlace, KeySchema{Key: "has_kittens", DataType: models.DataTypeBoolean, Polarity: true, Description: "kittens observed at the site"})
	s.Register(models.EntityKindPlace, KeySchema{Key: "feeding_schedule", DataType: models.DataTypeString})
	s.Register(models.EntityKindPlace, KeySchema{Key: "access_notes", DataType: models.DataTypeString})

	s.Register(models.EntityKindAnimal, KeySchema{Key: "sex", DataType: models.DataTypeString, Enum: []string{"male", "female", "unknown"}})
	s.Register(models.EntityKindAnimal, KeySchema{Key: "altered_status", DataType: models.DataTypeString, Enum: []string{"intact", "spayed", "neutered", "unknown"}})
	s.Register(models.EntityKindAnimal, KeySchema{Key: "age_months", DataType: models.DataTypeNumber, Min: bound(0), Max: bound(300)})
	s.Register(models.EntityKindAnimal, KeySchema{Key: "weight_kg", DataType: models.DataTypeNumber, Min: bound(0), Max: bound(15)})
	s.Register(models.EntityKindAnimal, KeySchema{Key: "coat_color", DataType: models.DataTypeString})
	s.Register(models.EntityKindAnimal, KeySchema{Key: "is_ear_tipped", DataType: models.DataTypeBoolean, Polarity: true})
	s.Register(models.EntityKindAnimal, KeySchema{Key: "is_injured", DataType: models.DataTypeBoolean, Polarity: true, Description: "visible injury or illness"})
	s.Register(models.EntityKindAnimal, KeySchema{Key: "is_pregnant", DataType: models.DataTypeBoolean, Polarity: true})
	s.Register(models.EntityKindAnimal, KeySchema{Key: "fiv_positive", DataType: models.DataTypeBoolean, Polarity: true})
	s.Register(models.EntityKindAnimal, KeySchema{Key: "felv_positive", DataType: models.DataTypeBoolean, Polarity: true})
	s.Register(models.EntityKindAnimal, KeySchema{Key: "clinic_visit", DataType: models.DataTypeObject})

	s.Register(models.EntityKindRequest, KeySchema{Key: "urgency", DataType: models.DataTypeString, Enum: []string{"low", "normal", "high", "emergency"}})
	s.Register(models.EntityKindRequest, KeySchema{Key: "status", DataType: models.DataTypeString, Enum: []string{"open", "scheduled", "closed"}})
	s.Register(models.EntityKindRequest, KeySchema{Key: "cat_count", DataType: models.DataTypeNumber, Min: bound(0), Max: bound(500)})
	s.Register(models.EntityKindRequest, KeySchema{Key: "has_kittens", DataType: models.DataTypeBoolean, Polarity: true})
	s.Register(models.EntityKindRequest, KeySchema{Key: "has_injured_cat", DataType: models.DataTypeBoolean, Polarity: true})

	if err := s.RegisterDerived(models.EntityKindPlace, DerivedKey{Key: "colony_size_total", Components: []string{"cats_trapped", "cats_remaining"}}); err != nil {
		panic(err)
	}
	return s
}

var polarityWords = map[string]bool{
	"true": true, "yes": true, "y": true, "positive": true,
	"false": false, "no": false, "n": false, "negative": false,
}

// Coerce converts a loosely typed input into the key's value variant. Nil,
// blank and unrecognized inputs for polarity keys are ErrMissingPolarity.
func Coerce(ks KeySchema, raw any) (models.Value, error) {
	switch ks.DataType {
	case models.DataTypeString:
		str, ok := raw.(string)
		if !ok || strings.TrimSpace(str) == "" {
			return models.Value{}, fmt.Errorf("%w: %s expects a non-empty string, got %T", ErrInvalidValue, ks.Key, raw)
		}
		str = strings.TrimSpace(str)
		if len(ks.Enum) > 0 {
			str = strings.ToLower(str)
		}
		return models.StringValue(str), nil

	case models.DataTypeNumber:
		n, err := toNumber(raw)
		if err != nil {
			return models.Value{}, fmt.Errorf("%w: %s: %v", ErrInvalidValue, ks.Key, err)
		}
		return models.NumberValue(n), nil

	case models.DataTypeBoolean:
		switch v := raw.(type) {
		case bool:
			return models.BoolValue(v), nil
		case string:
			if b, ok := polarityWords[strings.ToLower(strings.TrimSpace(v))]; ok {
				return models.BoolValue(b), nil
			}
		}
		if ks.Polarity {
			return models.Value{}, fmt.Errorf("%w: %s", ErrMissingPolarity, ks.Key)
		}
		return models.Value{}, fmt.Errorf("%w: %s expects a boolean, got %v", ErrInvalidValue, ks.Key, raw)

	case models.DataTypeObject:
		if raw == nil {
			return models.Value{}, fmt.Errorf("%w: %s expects an object", ErrInvalidValue, ks.Key)
		}
		return models.ObjectFrom(raw)
	}
	return models.Value{}, fmt.Errorf("%w: %s has unknown data type %q", ErrInvalidValue, ks.Key, ks.DataType)
}

func toNumber(raw any) (float64, error) {
	var n float64
	switch v := raw.(type) {
	case float64:
		n = v
	case float32:
		n = float64(v)
	case int:
		n = float64(v)
	case int64:
		n = float64(v)
	case int32:
		n = float64(v)
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, err
		}
		n = f
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("%q is not a number", v)
		}
		n = f
	default:
		return 0, fmt.Errorf("expected a number, got %T", raw)
	}
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, errors.New("number must be finite")
	}
	return n, nil
}

// Validate checks a typed value against the key: variant, enumeration,
// bounds and polarity evidence.
func Validate(ks KeySchema, v models.Value, evidence string) error {
	if ks.Polarity && (v.DataType != models.DataTypeBoolean || v.Bool == nil) {
		return fmt.Errorf("%w: %s", ErrMissingPolarity, ks.Key)
	}
	if v.DataType != ks.DataType {
		return fmt.Errorf("%w: %s expects %s, got %s", ErrInvalidValue, ks.Key, ks.DataType, v.DataType)
	}
	if err := v.Check(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidValue, ks.Key, err)
	}

	switch ks.DataType {
	case models.DataTypeString:
		if len(ks.Enum) > 0 && !contains(ks.Enum, *v.Text) {
			return fmt.Errorf("%w: %s must be one of %s, got %q", ErrInvalidValue, ks.Key, strings.Join(ks.Enum, ", "), *v.Text)
		}
	case models.DataTypeNumber:
		if ks.Min != nil && *v.Number < *ks.Min {
			return fmt.Errorf("%w: %s must be at least %g", ErrInvalidValue, ks.Key, *ks.Min)
		}
		if ks.Max != nil && *v.Number > *ks.Max {
			return fmt.Errorf("%w: %s must be at most %g", ErrInvalidValue, ks.Key, *ks.Max)
		}
	case models.DataTypeBoolean:
		if ks.Polarity && *v.Bool && strings.TrimSpace(evidence) == "" {
			return fmt.Errorf("%w: %s", ErrPolarityEvidence, ks.Key)
		}
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
