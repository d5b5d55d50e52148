// Package records turns staged source payloads into SourceRecords. Each
// upstream source system has its own payload shape and a normalizer
// registered under its name; unknown systems fall back to the generic shape.
package records

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/Ramsey-B/clover/pkg/models"
)

// ErrMalformedPayload marks a staged record that cannot become a valid
// SourceRecord. Such records are flagged invalid and never retried.
var ErrMalformedPayload = errors.New("malformed source payload")

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("entity_kind", func(fl validator.FieldLevel) bool {
		return models.EntityKind(fl.Field().String()).Valid()
	})
	_ = v.RegisterValidation("relationship_type", func(fl validator.FieldLevel) bool {
		_, _, ok := models.RelationshipType(fl.Field().String()).Ends()
		return ok
	})
	return v
}

// Normalizer maps one staged row to a SourceRecord. The registry stamps the
// source key afterwards, and the kind, free text and staging time when the
// normalizer leaves them empty.
type Normalizer func(staged *models.StagedRecord) (*models.SourceRecord, error)

type Registry struct {
	normalizers map[string]Normalizer
	fallback    Normalizer
}

// NewRegistry returns a registry with every known source system.
func NewRegistry() *Registry {
	r := &Registry{normalizers: map[string]Normalizer{}, fallback: Generic}
	r.Register(SourceClinicExport, ClinicExport)
	r.Register(SourceWebIntake, WebIntake)
	r.Register(SourceMapAnnotation, MapAnnotation)
	r.Register(SourceFieldReport, FieldReport)
	return r
}

func (r *Registry) Register(sourceSystem string, n Normalizer) {
	r.normalizers[sourceSystem] = n
}

// Normalize converts and validates the staged row.
func (r *Registry) Normalize(staged *models.StagedRecord) (*models.SourceRecord, error) {
	n, ok := r.normalizers[staged.SourceSystem]
	if !ok {
		n = r.fallback
	}
	rec, err := n(staged)
	if err != nil {
		return nil, err
	}

	rec.SourceKey = staged.Key()
	if rec.Kind == "" {
		rec.Kind = staged.Kind
	}
	if rec.FreeText == "" {
		rec.FreeText = strings.TrimSpace(staged.FreeText)
	}
	if rec.ObservedAt.IsZero() {
		rec.ObservedAt = staged.StagedAt
	}

	if err := Validate(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Validate checks field constraints and that every relationship has the
// record's kind on one end.
func Validate(rec *models.SourceRecord) error {
	if err := validate.Struct(rec); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrMalformedPayload, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	for _, ref := range rec.Relationships {
		from, to, _ := ref.Type.Ends()
		if from != rec.Kind && to != rec.Kind {
			return fmt.Errorf("%w: relationship %s does not involve a %s", ErrMalformedPayload, ref.Type, rec.Kind)
		}
	}
	return nil
}

// Side returns the kind of the entity at the other end of ref, and whether
// the record sits on the from side.
func Side(rec *models.SourceRecord, ref models.RelationshipRef) (other models.EntityKind, recordIsFrom bool) {
	from, to, _ := ref.Type.Ends()
	if from == rec.Kind {
		return to, true
	}
	return from, false
}

func decode(staged *models.StagedRecord, dst any) error {
	if len(staged.Payload) == 0 {
		return fmt.Errorf("%w: %s has an empty payload", ErrMalformedPayload, staged.Key())
	}
	if err := json.Unmarshal(staged.Payload, dst); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedPayload, staged.Key(), err)
	}
	return nil
}

func fullName(parts ...string) string {
	return strings.Join(strings.Fields(strings.Join(parts, " ")), " ")
}

func nonEmpty(values ...string) []string {
	var out []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// present reports whether a loosely typed payload value carries anything.
func present(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(x) != ""
	}
	return true
}

func relate(refs []models.RelationshipRef, t models.RelationshipType, entityID string, confidence float64) []models.RelationshipRef {
	if entityID = strings.TrimSpace(entityID); entityID == "" {
		return refs
	}
	return append(refs, models.RelationshipRef{Type: t, EntityID: entityID, Confidence: confidence})
}
