package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// DataType discriminates the attribute value variant.
type DataType string

const (
	DataTypeString  DataType = "string"
	DataTypeNumber  DataType = "number"
	DataTypeBoolean DataType = "boolean"
	DataTypeObject  DataType = "object"
)

// Extraction pathways recorded on attribute rows.
const (
	ExtractedBySourcePayload = "source_payload"
	ExtractedByTextAnalysis  = "text_analysis"
	ExtractedByReviewer      = "reviewer"
	ExtractedByDerived       = "derived"
)

// ObjectValue is a jsonb payload that scans NULL as empty.
type ObjectValue json.RawMessage

func (o *ObjectValue) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*o = nil
	case []byte:
		*o = append(ObjectValue(nil), v...)
	case string:
		*o = ObjectValue(v)
	default:
		return fmt.Errorf("ObjectValue.Scan: unsupported type %T", src)
	}
	return nil
}

func (o ObjectValue) Value() (driver.Value, error) {
	if len(o) == 0 {
		return nil, nil
	}
	return []byte(o), nil
}

func (o ObjectValue) MarshalJSON() ([]byte, error) {
	if len(o) == 0 {
		return []byte("null"), nil
	}
	return []byte(o), nil
}

func (o *ObjectValue) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*o = nil
		return nil
	}
	*o = append(ObjectValue(nil), b...)
	return nil
}

// Value is a tagged variant: DataType says which single payload field is set.
type Value struct {
	DataType DataType    `db:"data_type" json:"data_type"`
	Text     *string     `db:"value_text" json:"text,omitempty"`
	Number   *float64    `db:"value_number" json:"number,omitempty"`
	Bool     *bool       `db:"value_bool" json:"bool,omitempty"`
	Object   ObjectValue `db:"value_json" json:"object,omitempty"`
}

func StringValue(s string) Value {
	return Value{DataType: DataTypeString, Text: &s}
}

func NumberValue(n float64) Value {
	return Value{DataType: DataTypeNumber, Number: &n}
}

func BoolValue(b bool) Value {
	return Value{DataType: DataTypeBoolean, Bool: &b}
}

func ObjectFrom(v any) (Value, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Value{}, fmt.Errorf("encode object value: %w", err)
	}
	return Value{DataType: DataTypeObject, Object: ObjectValue(b)}, nil
}

// Check verifies that exactly the payload matching DataType is set.
func (v Value) Check() error {
	set := 0
	if v.Text != nil {
		set++
	}
	if v.Number != nil {
		set++
	}
	if v.Bool != nil {
		set++
	}
	if len(v.Object) > 0 {
		set++
	}
	if set != 1 {
		return fmt.Errorf("value must carry exactly one payload, got %d", set)
	}

	var ok bool
	switch v.DataType {
	case DataTypeString:
		ok = v.Text != nil
	case DataTypeNumber:
		ok = v.Number != nil
	case DataTypeBoolean:
		ok = v.Bool != nil
	case DataTypeObject:
		ok = len(v.Object) > 0 && json.Valid(v.Object)
	default:
		return fmt.Errorf("unknown data type %q", v.DataType)
	}
	if !ok {
		return fmt.Errorf("payload does not match data type %q", v.DataType)
	}
	return nil
}

// Interface returns the payload as a plain Go value.
func (v Value) Interface() any {
	switch v.DataType {
	case DataTypeString:
		if v.Text != nil {
			return *v.Text
		}
	case DataTypeNumber:
		if v.Number != nil {
			return *v.Number
		}
	case DataTypeBoolean:
		if v.Bool != nil {
			return *v.Bool
		}
	case DataTypeObject:
		var out any
		if err := json.Unmarshal(v.Object, &out); err == nil {
			return out
		}
	}
	return nil
}

func (v Value) String() string {
	switch v.DataType {
	case DataTypeString:
		if v.Text != nil {
			return *v.Text
		}
	case DataTypeNumber:
		if v.Number != nil {
			return strconv.FormatFloat(*v.Number, 'f', -1, 64)
		}
	case DataTypeBoolean:
		if v.Bool != nil {
			return strconv.FormatBool(*v.Bool)
		}
	case DataTypeObject:
		return string(v.Object)
	}
	return ""
}

// Attribute is one time-versioned, source-attributed observation. Rows with a
// nil SupersededAt are live.
type Attribute struct {
	ID       string     `db:"id" json:"id"`
	Kind     EntityKind `db:"entity_kind" json:"entity_kind"`
	EntityID string     `db:"entity_id" json:"entity_id"`
	Key      string     `db:"attribute_key" json:"attribute_key"`
	Value
	Confidence     float64    `db:"confidence" json:"confidence"`
	Evidence       string     `db:"evidence" json:"evidence,omitempty"`
	SourceSystem   string     `db:"source_system" json:"source_system"`
	SourceRecordID string     `db:"source_record_id" json:"source_record_id"`
	ExtractedBy    string     `db:"extracted_by" json:"extracted_by"`
	AutoVerified   bool       `db:"auto_verified" json:"auto_verified"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	SupersededAt   *time.Time `db:"superseded_at" json:"superseded_at,omitempty"`
}

func (a *Attribute) IsLive() bool {
	return a.SupersededAt == nil
}

// Observation is the input to the fusion layer.
type Observation struct {
	Kind           EntityKind `json:"entity_kind"`
	EntityID       string     `json:"entity_id"`
	Key            string     `json:"attribute_key"`
	Value          Value      `json:"value"`
	Confidence     float64    `json:"confidence"`
	Evidence       string     `json:"evidence,omitempty"`
	SourceSystem   string     `json:"source_system"`
	SourceRecordID string     `json:"source_record_id"`
	ExtractedBy    string     `json:"extracted_by"`
}

// CurrentValue is the fused read of one key.
type CurrentValue struct {
	Key          string  `json:"attribute_key"`
	Value        Value   `json:"value"`
	Confidence   float64 `json:"confidence"`
	SourceSystem string  `json:"source_system,omitempty"`
	AutoVerified bool    `json:"auto_verified"`
	Derived      bool    `json:"derived"`
	AttributeID  string  `json:"attribute_id,omitempty"`
}
