package records

import (
	"fmt"
	"strings"

	"github.com/Ramsey-B/clover/pkg/models"
)

// Known source systems.
const (
	SourceClinicExport  = "clinic_export"
	SourceWebIntake     = "web_intake"
	SourceMapAnnotation = "map_annotation"
	SourceFieldReport   = "field_report"
)

// Confidence assigned to structured payload fields per source.
const (
	clinicConfidence     = 0.95
	fieldConfidence      = 0.85
	intakeConfidence     = 0.7
	annotationConfidence = 0.6
)

type attributeSet struct {
	source     string
	confidence float64
	inputs     []models.AttributeInput
}

func (a *attributeSet) add(key string, value any) {
	if !present(value) {
		return
	}
	a.inputs = append(a.inputs, models.AttributeInput{Key: key, Value: value, Confidence: a.confidence})
}

// flag adds a polarity key. A positive value quotes the payload field as its
// evidence; anything unrecognized is passed through for the schema to refuse.
func (a *attributeSet) flag(key, field string, value any) {
	if !present(value) {
		return
	}
	in := models.AttributeInput{Key: key, Value: value, Confidence: a.confidence}
	if s, ok := value.(string); ok {
		value = strings.ToLower(strings.TrimSpace(s))
	}
	switch value {
	case true, "yes", "y", "true", "positive":
		in.Evidence = fmt.Sprintf("%s field %s=%v", a.source, field, in.Value)
	}
	a.inputs = append(a.inputs, in)
}

type clinicOwner struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Phone     string `json:"phone"`
	AltPhone  string `json:"alt_phone"`
	Email     string `json:"email"`
	Street    string `json:"street"`
	City      string `json:"city"`
	Language  string `json:"preferred_language"`
	Notes     string `json:"notes"`
	PlaceID   string `json:"place_entity_id"`
}

type clinicAnimal struct {
	Name      string   `json:"name"`
	Microchip string   `json:"microchip"`
	EarTag    string   `json:"ear_tag"`
	Sex       string   `json:"sex"`
	Altered   string   `json:"altered_status"`
	AgeMonths any      `json:"age_months"`
	WeightKg  any      `json:"weight_kg"`
	Color     string   `json:"coat_color"`
	EarTipped any      `json:"ear_tipped"`
	FIV       any      `json:"fiv"`
	FeLV      any      `json:"felv"`
	Pregnant  any      `json:"pregnant"`
	VisitDate string   `json:"visit_date"`
	Procedure []string `json:"procedures"`
	Notes     string   `json:"visit_notes"`
	OwnerID   string   `json:"owner_entity_id"`
	PlaceID   string   `json:"place_entity_id"`
}

// ClinicExport handles the clinic's owner and animal exports. The table name
// decides the kind.
func ClinicExport(staged *models.StagedRecord) (*models.SourceRecord, error) {
	switch staged.SourceTable {
	case "owners":
		var p clinicOwner
		if err := decode(staged, &p); err != nil {
			return nil, err
		}
		attrs := attributeSet{source: SourceClinicExport, confidence: clinicConfidence}
		attrs.add("preferred_language", p.Language)
		rec := &models.SourceRecord{
			Kind:       models.EntityKindPerson,
			Name:       fullName(p.FirstName, p.LastName),
			Emails:     nonEmpty(p.Email),
			Phones:     nonEmpty(p.Phone, p.AltPhone),
			Address:    strings.TrimSpace(p.Street),
			Locality:   strings.TrimSpace(p.City),
			FreeText:   strings.TrimSpace(p.Notes),
			Attributes: attrs.inputs,
		}
		rec.Relationships = relate(rec.Relationships, models.RelationshipPersonAtPlace, p.PlaceID, clinicConfidence)
		return rec, nil

	case "animals":
		var a clinicAnimal
		if err := decode(staged, &a); err != nil {
			return nil, err
		}
		attrs := attributeSet{source: SourceClinicExport, confidence: clinicConfidence}
		attrs.add("sex", a.Sex)
		attrs.add("altered_status", a.Altered)
		attrs.add("age_months", a.AgeMonths)
		attrs.add("weight_kg", a.WeightKg)
		attrs.add("coat_color", a.Color)
		attrs.flag("is_ear_tipped", "ear_tipped", a.EarTipped)
		attrs.flag("fiv_positive", "fiv", a.FIV)
		attrs.flag("felv_positive", "felv", a.FeLV)
		attrs.flag("is_pregnant", "pregnant", a.Pregnant)
		if a.VisitDate != "" || len(a.Procedure) > 0 {
			attrs.add("clinic_visit", map[string]any{"date": a.VisitDate, "procedures": a.Procedure})
		}
		rec := &models.SourceRecord{
			Kind:       models.EntityKindAnimal,
			Name:       strings.TrimSpace(a.Name),
			Tags:       nonEmpty(a.Microchip, a.EarTag),
			FreeText:   strings.TrimSpace(a.Notes),
			Attributes: attrs.inputs,
		}
		rec.Relationships = relate(rec.Relationships, models.RelationshipPersonCaretakerAnimal, a.OwnerID, clinicConfidence)
		rec.Relationships = relate(rec.Relationships, models.RelationshipAnimalAtPlace, a.PlaceID, clinicConfidence)
		return rec, nil
	}
	return nil, fmt.Errorf("%w: unknown clinic export table %q", ErrMalformedPayload, staged.SourceTable)
}

type webIntake struct {
	FirstName   string   `json:"first_name"`
	LastName    string   `json:"last_name"`
	Email       string   `json:"email"`
	Phone       string   `json:"phone"`
	Address     string   `json:"address"`
	City        string   `json:"city"`
	Latitude    *float64 `json:"latitude"`
	Longitude   *float64 `json:"longitude"`
	Subject     string   `json:"subject"`
	Description string   `json:"description"`
	CatCount    any      `json:"cat_count"`
	Kittens     any      `json:"kittens"`
	Injured     any      `json:"injured_cat"`
	Urgency     string   `json:"urgency"`
	PlaceID     string   `json:"place_entity_id"`
	PersonID    string   `json:"requester_entity_id"`
}

// WebIntake handles the public help-request form. The same payload yields a
// person (requester) or a request depending on the staged kind.
func WebIntake(staged *models.StagedRecord) (*models.SourceRecord, error) {
	var f webIntake
	if err := decode(staged, &f); err != nil {
		return nil, err
	}
	attrs := attributeSet{source: SourceWebIntake, confidence: intakeConfidence}
	rec := &models.SourceRecord{
		Kind:     staged.Kind,
		Address:  strings.TrimSpace(f.Address),
		Locality: strings.TrimSpace(f.City),
	}

	switch staged.Kind {
	case models.EntityKindPerson:
		rec.Name = fullName(f.FirstName, f.LastName)
		rec.Emails = nonEmpty(f.Email)
		rec.Phones = nonEmpty(f.Phone)
		rec.Relationships = relate(rec.Relationships, models.RelationshipPersonAtPlace, f.PlaceID, intakeConfidence)
	case models.EntityKindRequest:
		rec.Name = strings.TrimSpace(f.Subject)
		if rec.Name == "" {
			rec.Name = firstLine(f.Description)
		}
		rec.Latitude, rec.Longitude = f.Latitude, f.Longitude
		rec.FreeText = strings.TrimSpace(f.Description)
		attrs.add("cat_count", f.CatCount)
		attrs.add("urgency", f.Urgency)
		attrs.flag("has_kittens", "kittens", f.Kittens)
		attrs.flag("has_injured_cat", "injured_cat", f.Injured)
		rec.Relationships = relate(rec.Relationships, models.RelationshipRequestForPlace, f.PlaceID, intakeConfidence)
		rec.Relationships = relate(rec.Relationships, models.RelationshipRequestByPerson, f.PersonID, intakeConfidence)
	default:
		return nil, fmt.Errorf("%w: web intake cannot produce a %q record", ErrMalformedPayload, staged.Kind)
	}
	rec.Attributes = attrs.inputs
	return rec, nil
}

type mapAnnotation struct {
	Label      string   `json:"label"`
	Address    string   `json:"address"`
	City       string   `json:"city"`
	Latitude   *float64 `json:"lat"`
	Longitude  *float64 `json:"lon"`
	Note       string   `json:"note"`
	ColonySize any      `json:"colony_size"`
	Property   string   `json:"property_type"`
}

// MapAnnotation handles pins dropped on the volunteer map.
func MapAnnotation(staged *models.StagedRecord) (*models.SourceRecord, error) {
	var m mapAnnotation
	if err := decode(staged, &m); err != nil {
		return nil, err
	}
	attrs := attributeSet{source: SourceMapAnnotation, confidence: annotationConfidence}
	attrs.add("cats_remaining", m.ColonySize)
	attrs.add("property_type", m.Property)
	return &models.SourceRecord{
		Kind:       models.EntityKindPlace,
		Name:       strings.TrimSpace(m.Label),
		Address:    strings.TrimSpace(m.Address),
		Locality:   strings.TrimSpace(m.City),
		Latitude:   m.Latitude,
		Longitude:  m.Longitude,
		FreeText:   strings.TrimSpace(m.Note),
		Attributes: attrs.inputs,
	}, nil
}

type fieldReport struct {
	SiteAddress   string   `json:"site_address"`
	City          string   `json:"city"`
	Latitude      *float64 `json:"lat"`
	Longitude     *float64 `json:"lon"`
	CatsTrapped   any      `json:"cats_trapped"`
	CatsRemaining any      `json:"cats_remaining"`
	KittensSeen   any      `json:"kittens_seen"`
	Feeding       string   `json:"feeding_schedule"`
	Access        string   `json:"access_notes"`
	Notes         string   `json:"notes"`
	TrapperID     string   `json:"trapper_entity_id"`
}

// FieldReport handles trapper site reports, one per visited place.
func FieldReport(staged *models.StagedRecord) (*models.SourceRecord, error) {
	var r fieldReport
	if err := decode(staged, &r); err != nil {
		return nil, err
	}
	attrs := attributeSet{source: SourceFieldReport, confidence: fieldConfidence}
	attrs.add("cats_trapped", r.CatsTrapped)
	attrs.add("cats_remaining", r.CatsRemaining)
	attrs.flag("has_kittens", "kittens_seen", r.KittensSeen)
	attrs.add("feeding_schedule", r.Feeding)
	attrs.add("access_notes", r.Access)
	rec := &models.SourceRecord{
		Kind:       models.EntityKindPlace,
		Address:    strings.TrimSpace(r.SiteAddress),
		Locality:   strings.TrimSpace(r.City),
		Latitude:   r.Latitude,
		Longitude:  r.Longitude,
		FreeText:   strings.TrimSpace(r.Notes),
		Attributes: attrs.inputs,
	}
	rec.Relationships = relate(rec.Relationships, models.RelationshipPersonAtPlace, r.TrapperID, fieldConfidence)
	return rec, nil
}

// Generic decodes a payload already shaped like a SourceRecord.
func Generic(staged *models.StagedRecord) (*models.SourceRecord, error) {
	var rec models.SourceRecord
	if err := decode(staged, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		s = s[:i]
	}
	if len(s) > 120 {
		s = s[:120]
	}
	return strings.TrimSpace(s)
}
