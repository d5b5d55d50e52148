package resolution

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/Ramsey-B/clover/internal/store"
	"github.com/Ramsey-B/clover/pkg/identity"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/normalizers"
	"github.com/Ramsey-B/clover/pkg/records"
)

// action is a decision ready to be applied to storage.
type action struct {
	Type     models.DecisionType
	TargetID string
	// Strict turns an identifier owned by someone else into a transient
	// failure instead of skipping it.
	Strict bool
}

// outcome is what one applied decision changed.
type outcome struct {
	decision      *models.MatchDecision
	entity        *models.Entity
	created       bool
	relationships []models.Relationship
	stored        int
	rejected      int
}

func (o *outcome) entityID() string {
	if o.entity == nil {
		return ""
	}
	return o.entity.ID
}

func (o *outcome) resolution() *models.Resolution {
	d := o.decision
	return &models.Resolution{
		EntityID:            o.entityID(),
		Kind:                d.Kind,
		DecisionID:          d.ID,
		DecisionType:        d.DecisionType,
		Outcome:             d.Outcome(),
		ReviewStatus:        d.ReviewStatus,
		Confidence:          d.Confidence,
		AttributesStored:    o.stored,
		AttributesRejected:  o.rejected,
		RelationshipsStored: len(o.relationships),
	}
}

// apply links the record to an entity according to act. It must run inside
// a transaction.
func (r *Resolver) apply(ctx context.Context, rec *models.SourceRecord, act action, text []models.AttributeInput) (*outcome, error) {
	out := &outcome{}
	keys := identity.KeysFor(rec)

	var err error
	switch act.Type {
	case models.DecisionReject:
		return out, nil

	case models.DecisionCreateNew:
		if out.entity, err = r.createEntity(ctx, rec); err != nil {
			return nil, err
		}
		out.created = true
		if err := r.claim(ctx, out.entity, keys, rec.SourceSystem, act.Strict); err != nil {
			return nil, err
		}

	case models.DecisionMergeInto:
		if out.entity, err = r.lockTarget(ctx, rec.Kind, act.TargetID); err != nil {
			return nil, err
		}
		if err := r.claim(ctx, out.entity, keys, rec.SourceSystem, act.Strict); err != nil {
			return nil, err
		}
		enrich(out.entity, rec)
		if err := r.store.UpdateEntity(ctx, out.entity); err != nil {
			return nil, err
		}

	case models.DecisionUpdateContactInfo:
		if out.entity, err = r.lockTarget(ctx, rec.Kind, act.TargetID); err != nil {
			return nil, err
		}
		if err := r.replaceContacts(ctx, out.entity, keys, rec.SourceSystem, act.Strict); err != nil {
			return nil, err
		}
		updateContact(out.entity, rec)
		if err := r.store.UpdateEntity(ctx, out.entity); err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("cannot apply decision type %q", act.Type)
	}

	if out.relationships, err = r.relate(ctx, rec, out.entity); err != nil {
		return nil, err
	}
	if out.stored, out.rejected, err = r.observe(ctx, rec, out.entity, text); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Resolver) createEntity(ctx context.Context, rec *models.SourceRecord) (*models.Entity, error) {
	entity := &models.Entity{
		ID:             uuid.NewString(),
		Kind:           rec.Kind,
		DisplayName:    displayName(rec),
		Address:        rec.Address,
		Locality:       normalizers.NormalizeLocality(rec.Locality),
		Latitude:       rec.Latitude,
		Longitude:      rec.Longitude,
		SourceSystem:   rec.SourceSystem,
		SourceRecordID: rec.SourceRecordID,
		DataQuality:    models.DataQualityRaw,
		LastActivityAt: rec.ObservedAt,
	}
	if err := r.store.CreateEntity(ctx, entity); err != nil {
		return nil, err
	}
	return entity, nil
}

// lockTarget locks the canonical entity id resolves to. The target may have
// been merged since it was matched.
func (r *Resolver) lockTarget(ctx context.Context, kind models.EntityKind, id string) (*models.Entity, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: decision has no target", ErrInvalidReview)
	}
	canonical, err := r.index.Canonicalize(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	entity, err := r.store.GetEntityForUpdate(ctx, kind, canonical.ID)
	if err != nil {
		return nil, err
	}
	if !entity.IsCanonical() {
		return nil, fmt.Errorf("%w: %s %s was merged concurrently", ErrTransient, kind, canonical.ID)
	}
	entity.Kind = kind
	return entity, nil
}

func (r *Resolver) claim(ctx context.Context, entity *models.Entity, keys []identity.Key, sourceSystem string, strict bool) error {
	for _, key := range keys {
		owner, _, err := r.index.Claim(ctx, entity.Kind, entity.ID, key, sourceSystem)
		if err != nil {
			return err
		}
		if owner == entity.ID {
			continue
		}
		if strict {
			return fmt.Errorf("%w: %s is owned by %s", ErrTransient, key.IdentifierKey, owner)
		}
		r.logger.WithContext(ctx).WithFields(map[string]any{
			"entity_kind": entity.Kind,
			"entity_id":   entity.ID,
			"identifier":  key.IdentifierKey.String(),
			"owner_id":    owner,
		}).Warn("Skipped identifier owned by another entity")
	}
	return nil
}

// replaceContacts supersedes the entity's phone or email when the record
// carries a different one, and claims every other key.
func (r *Resolver) replaceContacts(ctx context.Context, entity *models.Entity, keys []identity.Key, sourceSystem string, strict bool) error {
	live, err := r.index.LiveIdentifiers(ctx, entity.Kind, entity.ID, "")
	if err != nil {
		return err
	}
	onFile := map[models.IdentifierKey]bool{}
	hasType := map[models.IdentifierType]bool{}
	for _, ident := range live {
		onFile[models.IdentifierKey{Type: ident.Type, Value: ident.NormalizedValue}] = true
		hasType[ident.Type] = true
	}
	sharesType := map[models.IdentifierType]bool{}
	for _, key := range keys {
		if onFile[key.IdentifierKey] {
			sharesType[key.Type] = true
		}
	}

	replaced := map[models.IdentifierType]bool{}
	var rest []identity.Key
	for _, key := range keys {
		if !key.Type.Contact() || !hasType[key.Type] || sharesType[key.Type] || replaced[key.Type] {
			rest = append(rest, key)
			continue
		}
		_, err := r.index.Replace(ctx, entity.Kind, entity.ID, key, sourceSystem)
		switch {
		case errors.Is(err, identity.ErrIdentifierOwned) && strict:
			return fmt.Errorf("%w: %w", ErrTransient, err)
		case errors.Is(err, identity.ErrIdentifierOwned):
			r.logger.WithContext(ctx).WithError(err).Warn("Skipped contact identifier owned by another entity")
			continue
		case err != nil:
			return err
		}
		replaced[key.Type] = true
	}
	return r.claim(ctx, entity, rest, sourceSystem, strict)
}

// enrich fills the entity's empty display fields from the record.
func enrich(entity *models.Entity, rec *models.SourceRecord) {
	if entity.DisplayName == "" {
		entity.DisplayName = displayName(rec)
	}
	if entity.Address == "" {
		entity.Address = rec.Address
	}
	if entity.Locality == "" {
		entity.Locality = normalizers.NormalizeLocality(rec.Locality)
	}
	if !entity.HasLocation() && rec.HasLocation() {
		entity.Latitude, entity.Longitude = rec.Latitude, rec.Longitude
	}
	touch(entity, rec)
}

// updateContact overwrites display name and address with the record's.
func updateContact(entity *models.Entity, rec *models.SourceRecord) {
	if rec.Name != "" {
		entity.DisplayName = rec.Name
	}
	if rec.Address != "" {
		entity.Address = rec.Address
		if rec.Locality != "" {
			entity.Locality = normalizers.NormalizeLocality(rec.Locality)
		}
		if rec.HasLocation() {
			entity.Latitude, entity.Longitude = rec.Latitude, rec.Longitude
		}
	}
	touch(entity, rec)
}

func touch(entity *models.Entity, rec *models.SourceRecord) {
	if rec.ObservedAt.After(entity.LastActivityAt) {
		entity.LastActivityAt = rec.ObservedAt
	}
}

func displayName(rec *models.SourceRecord) string {
	if rec.Name == "" && rec.Kind == models.EntityKindPlace {
		return rec.Address
	}
	return rec.Name
}

// relate upserts the record's relationships with both ends canonical.
// References to unknown entities are skipped.
func (r *Resolver) relate(ctx context.Context, rec *models.SourceRecord, entity *models.Entity) ([]models.Relationship, error) {
	var out []models.Relationship
	for _, ref := range rec.Relationships {
		otherKind, recordIsFrom := records.Side(rec, ref)
		other, err := r.index.Canonicalize(ctx, otherKind, ref.EntityID)
		if store.IsNotFound(err) {
			r.logger.WithContext(ctx).WithFields(map[string]any{
				"source":            rec.SourceKey.String(),
				"relationship_type": ref.Type,
				"entity_id":         ref.EntityID,
			}).Warn("Skipped relationship to unknown entity")
			continue
		}
		if err != nil {
			return nil, err
		}

		confidence := ref.Confidence
		if confidence == 0 {
			confidence = 1.0
		}
		rel := &models.Relationship{
			Type:           ref.Type,
			Confidence:     confidence,
			SourceSystem:   rec.SourceSystem,
			SourceRecordID: rec.SourceRecordID,
		}
		if recordIsFrom {
			rel.FromKind, rel.FromEntityID = rec.Kind, entity.ID
			rel.ToKind, rel.ToEntityID = otherKind, other.ID
		} else {
			rel.FromKind, rel.FromEntityID = otherKind, other.ID
			rel.ToKind, rel.ToEntityID = rec.Kind, entity.ID
		}
		if _, err := r.store.UpsertRelationship(ctx, rel); err != nil {
			return nil, err
		}
		out = append(out, *rel)
	}
	return out, nil
}

// observe stores the record's payload attributes and text-analysis
// observations on the entity. Schema rejections are counted, not fatal.
func (r *Resolver) observe(ctx context.Context, rec *models.SourceRecord, entity *models.Entity, text []models.AttributeInput) (int, int, error) {
	var observations []models.Observation
	rejected := 0
	add := func(in models.AttributeInput, source models.SourceKey, extractedBy string) {
		obs, err := r.attrs.FromInput(entity.Kind, entity.ID, in, source, extractedBy)
		if err != nil {
			rejected++
			r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"source":        rec.SourceKey.String(),
				"attribute_key": in.Key,
				"extracted_by":  extractedBy,
			}).Warn("Rejected attribute input")
			return
		}
		observations = append(observations, obs)
	}

	for _, in := range rec.Attributes {
		add(in, rec.SourceKey, models.ExtractedBySourcePayload)
	}
	textSource := rec.SourceKey
	textSource.SourceSystem += TextSourceSuffix
	for _, in := range text {
		add(in, textSource, models.ExtractedByTextAnalysis)
	}

	stored, rejections, err := r.attrs.ObserveAll(ctx, observations)
	if err != nil {
		return 0, 0, err
	}
	return len(stored), rejected + len(rejections), nil
}
