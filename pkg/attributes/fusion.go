// Package attributes is the attribute fusion layer: it stores time-versioned,
// source-attributed observations and reads a single current value per key.
package attributes

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/clover/internal/store"
	"github.com/Ramsey-B/clover/pkg/identity"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// DefaultHighConfidence is the confidence at which an observation is
// auto-verified when its extraction pathway has no threshold of its own.
const DefaultHighConfidence = 0.9

type Config struct {
	HighConfidence float64
	// PathwayThresholds overrides HighConfidence per extraction pathway.
	PathwayThresholds map[string]float64
}

func DefaultConfig() Config {
	return Config{
		HighConfidence: DefaultHighConfidence,
		PathwayThresholds: map[string]float64{
			models.ExtractedByReviewer:     0,
			models.ExtractedByTextAnalysis: 0.95,
		},
	}
}

// ErrEntityMoved is returned when the target keeps being merged away while
// an observation is stored. Retrying is safe.
var ErrEntityMoved = errors.New("entity merged concurrently")

const lockAttempts = 3

// ErrNoValue is returned when a key has no live or derivable value.
var ErrNoValue = errors.New("attribute has no current value")

// Rejection is an observation refused by the schema.
type Rejection struct {
	Observation models.Observation `json:"observation"`
	Reason      string             `json:"reason"`
}

type Service struct {
	store  store.Store
	index  *identity.Index
	schema *Schema
	cfg    Config
	logger ectologger.Logger
	now    func() time.Time
}

func NewService(s store.Store, index *identity.Index, schema *Schema, cfg Config, logger ectologger.Logger) *Service {
	if cfg.HighConfidence <= 0 || cfg.HighConfidence > 1 {
		cfg.HighConfidence = DefaultHighConfidence
	}
	return &Service{
		store:  s,
		index:  index,
		schema: schema,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// AutoVerified reports whether an observation from the pathway at this
// confidence is treated as ground truth.
func (s *Service) AutoVerified(extractedBy string, confidence float64) bool {
	threshold, ok := s.cfg.PathwayThresholds[extractedBy]
	if !ok {
		threshold = s.cfg.HighConfidence
	}
	return confidence >= threshold
}

func (s *Service) Schema() *Schema {
	return s.schema
}

// Check validates an observation without storing it.
func (s *Service) Check(obs models.Observation) error {
	ks, ok := s.schema.Lookup(obs.Kind, obs.Key)
	if !ok {
		return fmt.Errorf("%w: %w: %s %s", ErrRejected, ErrUnknownKey, obs.Kind, obs.Key)
	}
	if obs.Confidence < 0 || obs.Confidence > 1 {
		return fmt.Errorf("%w: %w: %v", ErrRejected, ErrInvalidConfidence, obs.Confidence)
	}
	if err := Validate(ks, obs.Value, obs.Evidence); err != nil {
		return fmt.Errorf("%w: %w", ErrRejected, err)
	}
	return nil
}

// Observe stores the observation on the canonical entity. A live row of the
// same source and key is superseded in the same transaction.
func (s *Service) Observe(ctx context.Context, obs models.Observation) (*models.Attribute, error) {
	ctx, span := tracing.StartSpan(ctx, "attributes.Service.Observe")
	defer span.End()

	if err := s.Check(obs); err != nil {
		return nil, err
	}

	var attr *models.Attribute
	err := s.store.InTx(ctx, func(ctx context.Context) error {
		entity, err := s.lockCanonical(ctx, obs.Kind, obs.EntityID)
		if err != nil {
			return err
		}

		at := s.now().UTC()
		superseded, err := s.store.SupersedeAttributes(ctx, obs.Kind, entity.ID, obs.Key, obs.SourceSystem, at)
		if err != nil {
			return err
		}

		extractedBy := obs.ExtractedBy
		if extractedBy == "" {
			extractedBy = models.ExtractedBySourcePayload
		}
		attr = &models.Attribute{
			Kind:           obs.Kind,
			EntityID:       entity.ID,
			Key:            obs.Key,
			Value:          obs.Value,
			Confidence:     obs.Confidence,
			Evidence:       obs.Evidence,
			SourceSystem:   obs.SourceSystem,
			SourceRecordID: obs.SourceRecordID,
			ExtractedBy:    extractedBy,
			AutoVerified:   s.AutoVerified(extractedBy, obs.Confidence),
			CreatedAt:      at,
		}
		if err := s.store.InsertAttribute(ctx, attr); err != nil {
			return err
		}

		if superseded > 0 {
			s.logger.WithContext(ctx).WithFields(map[string]any{
				"entity_kind":   obs.Kind,
				"entity_id":     entity.ID,
				"attribute_key": obs.Key,
				"source_system": obs.SourceSystem,
				"superseded":    superseded,
			}).Debug("Superseded same-source attribute rows")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return attr, nil
}

// lockCanonical locks the canonical entity so concurrent observations of one
// entity supersede each other in order. A merge that lands between the lookup
// and the lock moves the target, so the lookup is repeated.
func (s *Service) lockCanonical(ctx context.Context, kind models.EntityKind, id string) (*models.Entity, error) {
	for range lockAttempts {
		canonical, err := s.index.Canonicalize(ctx, kind, id)
		if err != nil {
			return nil, err
		}
		entity, err := s.store.GetEntityForUpdate(ctx, kind, canonical.ID)
		if err != nil {
			return nil, err
		}
		if entity.IsCanonical() {
			return entity, nil
		}
	}
	return nil, fmt.Errorf("%w: %s %s kept moving while observing", ErrEntityMoved, kind, id)
}

// ObserveAll stores every valid observation. Schema rejections are collected
// and do not stop the rest; a store failure aborts.
func (s *Service) ObserveAll(ctx context.Context, observations []models.Observation) ([]models.Attribute, []Rejection, error) {
	ctx, span := tracing.StartSpan(ctx, "attributes.Service.ObserveAll")
	defer span.End()

	var stored []models.Attribute
	var rejected []Rejection
	for _, obs := range observations {
		attr, err := s.Observe(ctx, obs)
		switch {
		case errors.Is(err, ErrRejected):
			rejected = append(rejected, Rejection{Observation: obs, Reason: err.Error()})
			s.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"entity_kind":   obs.Kind,
				"entity_id":     obs.EntityID,
				"attribute_key": obs.Key,
				"source_system": obs.SourceSystem,
			}).Warn("Rejected attribute observation")
		case err != nil:
			return stored, rejected, err
		default:
			stored = append(stored, *attr)
		}
	}
	return stored, rejected, nil
}

// Pick applies the conflict policy to live rows of one key: auto-verified
// first, then highest confidence, then most recent, then lowest id.
func Pick(rows []models.Attribute) (models.Attribute, bool) {
	if len(rows) == 0 {
		return models.Attribute{}, false
	}
	sorted := append([]models.Attribute(nil), rows...)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.AutoVerified != b.AutoVerified {
			return a.AutoVerified
		}
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return sorted[0], true
}

func currentFrom(attr models.Attribute) models.CurrentValue {
	return models.CurrentValue{
		Key:          attr.Key,
		Value:        attr.Value,
		Confidence:   attr.Confidence,
		SourceSystem: attr.SourceSystem,
		AutoVerified: attr.AutoVerified,
		AttributeID:  attr.ID,
	}
}

// CurrentValue returns the fused value of one key.
func (s *Service) CurrentValue(ctx context.Context, kind models.EntityKind, entityID, key string) (*models.CurrentValue, error) {
	ctx, span := tracing.StartSpan(ctx, "attributes.Service.CurrentValue")
	defer span.End()

	values, err := s.CurrentAttributes(ctx, kind, entityID)
	if err != nil {
		return nil, err
	}
	v, ok := values[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s %s %s", ErrNoValue, kind, entityID, key)
	}
	return &v, nil
}

// CurrentAttributes returns the fused value of every key with a live row,
// plus derived keys whose components are all present.
func (s *Service) CurrentAttributes(ctx context.Context, kind models.EntityKind, entityID string) (map[string]models.CurrentValue, error) {
	ctx, span := tracing.StartSpan(ctx, "attributes.Service.CurrentAttributes")
	defer span.End()

	entity, err := s.index.Canonicalize(ctx, kind, entityID)
	if err != nil {
		return nil, err
	}
	live, err := s.store.ListLiveAttributes(ctx, kind, entity.ID)
	if err != nil {
		return nil, err
	}

	byKey := map[string][]models.Attribute{}
	for _, attr := range live {
		byKey[attr.Key] = append(byKey[attr.Key], attr)
	}

	values := make(map[string]models.CurrentValue, len(byKey))
	for key, rows := range byKey {
		if attr, ok := Pick(rows); ok {
			values[key] = currentFrom(attr)
		}
	}

	for _, d := range s.schema.Derived(kind) {
		if _, ok := values[d.Key]; ok {
			continue
		}
		if v, ok := derive(d, values); ok {
			values[d.Key] = v
		}
	}
	return values, nil
}

// derive sums the components. The confidence is the weakest component's.
func derive(d DerivedKey, values map[string]models.CurrentValue) (models.CurrentValue, bool) {
	total := 0.0
	confidence := 1.0
	for _, c := range d.Components {
		v, ok := values[c]
		if !ok || v.Value.DataType != models.DataTypeNumber || v.Value.Number == nil {
			return models.CurrentValue{}, false
		}
		total += *v.Value.Number
		confidence = min(confidence, v.Confidence)
	}
	return models.CurrentValue{
		Key:        d.Key,
		Value:      models.NumberValue(total),
		Confidence: confidence,
		Derived:    true,
	}, true
}

// History returns every row of the key, superseded ones included, oldest
// first.
func (s *Service) History(ctx context.Context, kind models.EntityKind, entityID, key string) ([]models.Attribute, error) {
	ctx, span := tracing.StartSpan(ctx, "attributes.Service.History")
	defer span.End()

	entity, err := s.index.Canonicalize(ctx, kind, entityID)
	if err != nil {
		return nil, err
	}
	return s.store.ListAttributeHistory(ctx, kind, entity.ID, key)
}

// FromInput turns a loosely typed attribute carried on a record into an
// observation for the entity.
func (s *Service) FromInput(kind models.EntityKind, entityID string, in models.AttributeInput, source models.SourceKey, extractedBy string) (models.Observation, error) {
	obs := models.Observation{
		Kind:           kind,
		EntityID:       entityID,
		Key:            in.Key,
		Confidence:     in.Confidence,
		Evidence:       in.Evidence,
		SourceSystem:   source.SourceSystem,
		SourceRecordID: source.SourceRecordID,
		ExtractedBy:    extractedBy,
	}
	ks, ok := s.schema.Lookup(kind, in.Key)
	if !ok {
		return obs, fmt.Errorf("%w: %w: %s %s", ErrRejected, ErrUnknownKey, kind, in.Key)
	}
	v, err := Coerce(ks, in.Value)
	if err != nil {
		return obs, fmt.Errorf("%w: %w", ErrRejected, err)
	}
	obs.Value = v
	return obs, nil
}
