// Package identity is the identifier index: exact-match lookup of normalized
// identifiers and the redirect-chain walk that turns any entity id into its
// canonical representative.
package identity

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/Gobusters/ectolinq"
	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/clover/internal/store"
	"github.com/Ramsey-B/clover/pkg/guardrails"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/normalizers"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// MaxRedirectHops bounds the redirect walk. Merge prevents cycles, so hitting
// the bound means stored data is corrupt.
const MaxRedirectHops = 64

var (
	ErrRedirectCycle = errors.New("redirect chain does not terminate")
	// ErrIdentifierOwned is returned when another canonical entity owns the key.
	ErrIdentifierOwned = errors.New("identifier is owned by another entity")
)

// Key is a normalized identifier together with the raw spelling it came from.
type Key struct {
	models.IdentifierKey
	Raw string
}

// Match is a canonical entity owning one or more of the looked-up keys.
type Match struct {
	Entity models.Entity
	Keys   []models.IdentifierKey
}

type Index struct {
	store  store.Store
	logger ectologger.Logger
	now    func() time.Time
}

func NewIndex(s store.Store, logger ectologger.Logger) *Index {
	return &Index{store: s, logger: logger, now: time.Now}
}

// KeysFor normalizes the record's emails, phones and tags. Values that do not
// normalize are dropped and duplicates collapse. Organizational mailboxes are
// shared by many people and never become keys.
func KeysFor(rec *models.SourceRecord) []Key {
	var keys []Key
	seen := map[models.IdentifierKey]bool{}
	add := func(t models.IdentifierType, raws []string) {
		for _, raw := range raws {
			v, ok := normalizers.Identifier(t, raw)
			if !ok {
				continue
			}
			if t == models.IdentifierTypeEmail && guardrails.IsOrganizationalEmail(v) {
				continue
			}
			k := models.IdentifierKey{Type: t, Value: v}
			if seen[k] {
				continue
			}
			seen[k] = true
			keys = append(keys, Key{IdentifierKey: k, Raw: raw})
		}
	}
	add(models.IdentifierTypeEmail, rec.Emails)
	add(models.IdentifierTypePhone, rec.Phones)
	add(models.IdentifierTypeTag, rec.Tags)
	return keys
}

// Canonicalize walks the redirect chain from id to the canonical entity.
func (x *Index) Canonicalize(ctx context.Context, kind models.EntityKind, id string) (*models.Entity, error) {
	_, entity, err := x.RedirectPath(ctx, kind, id)
	return entity, err
}

// RedirectPath returns every id visited from id to the canonical entity,
// inclusive of both ends, and the canonical entity itself.
func (x *Index) RedirectPath(ctx context.Context, kind models.EntityKind, id string) ([]string, *models.Entity, error) {
	ctx, span := tracing.StartSpan(ctx, "identity.Index.RedirectPath")
	defer span.End()

	path := []string{id}
	seen := map[string]bool{id: true}
	current := id
	for hop := 0; hop <= MaxRedirectHops; hop++ {
		entity, err := x.store.GetEntity(ctx, kind, current)
		if err != nil {
			return path, nil, err
		}
		if entity.IsCanonical() {
			return path, entity, nil
		}
		next := *entity.MergedIntoEntityID
		if seen[next] {
			break
		}
		seen[next] = true
		path = append(path, next)
		current = next
	}

	x.logger.WithContext(ctx).WithFields(map[string]any{
		"entity_kind": kind,
		"entity_id":   id,
		"path":        path,
	}).Error("Redirect chain does not terminate")
	return path, nil, fmt.Errorf("%w: %s %s", ErrRedirectCycle, kind, id)
}

// Lookup returns the canonical owner of the key, or nil when no live
// identifier matches.
func (x *Index) Lookup(ctx context.Context, kind models.EntityKind, key models.IdentifierKey) (*models.Entity, error) {
	ctx, span := tracing.StartSpan(ctx, "identity.Index.Lookup")
	defer span.End()

	ident, err := x.store.LookupIdentifier(ctx, kind, key)
	if err != nil || ident == nil {
		return nil, err
	}
	return x.Canonicalize(ctx, kind, ident.EntityID)
}

// LookupAll resolves every key and groups them by canonical owner. Matches are
// ordered by entity id.
func (x *Index) LookupAll(ctx context.Context, kind models.EntityKind, keys []Key) ([]Match, error) {
	ctx, span := tracing.StartSpan(ctx, "identity.Index.LookupAll")
	defer span.End()

	byOwner := map[string]*Match{}
	for _, key := range keys {
		owner, err := x.Lookup(ctx, kind, key.IdentifierKey)
		if err != nil {
			return nil, err
		}
		if owner == nil {
			continue
		}
		m, ok := byOwner[owner.ID]
		if !ok {
			m = &Match{Entity: *owner}
			byOwner[owner.ID] = m
		}
		m.Keys = append(m.Keys, key.IdentifierKey)
	}

	matches := make([]Match, 0, len(byOwner))
	for _, m := range byOwner {
		matches = append(matches, *m)
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Entity.ID < matches[j].Entity.ID })
	return matches, nil
}

// Claim gives the key to entityID unless another entity already owns it live.
// It returns the canonical id of the owner after the call.
func (x *Index) Claim(ctx context.Context, kind models.EntityKind, entityID string, key Key, sourceSystem string) (string, bool, error) {
	ctx, span := tracing.StartSpan(ctx, "identity.Index.Claim")
	defer span.End()

	owner, created, err := x.store.ClaimIdentifier(ctx, &models.Identifier{
		Kind:            kind,
		Type:            key.Type,
		NormalizedValue: key.Value,
		RawValue:        key.Raw,
		EntityID:        entityID,
		SourceSystem:    sourceSystem,
	})
	if err != nil {
		return "", false, err
	}
	if created || owner.EntityID == entityID {
		return entityID, created, nil
	}
	canonical, err := x.Canonicalize(ctx, kind, owner.EntityID)
	if err != nil {
		return "", false, err
	}
	return canonical.ID, false, nil
}

// LiveIdentifiers returns the entity's live identifiers of the given type, or
// of every type when t is empty.
func (x *Index) LiveIdentifiers(ctx context.Context, kind models.EntityKind, entityID string, t models.IdentifierType) ([]models.Identifier, error) {
	all, err := x.store.ListIdentifiers(ctx, kind, entityID)
	if err != nil {
		return nil, err
	}
	return ectolinq.Filter(all, func(ident models.Identifier) bool {
		return ident.IsLive() && (t == "" || ident.Type == t)
	}), nil
}

// Replace supersedes the entity's live identifiers of key's type that differ
// from key and claims key for it. Superseded rows are kept for audit.
func (x *Index) Replace(ctx context.Context, kind models.EntityKind, entityID string, key Key, sourceSystem string) ([]models.Identifier, error) {
	ctx, span := tracing.StartSpan(ctx, "identity.Index.Replace")
	defer span.End()

	live, err := x.LiveIdentifiers(ctx, kind, entityID, key.Type)
	if err != nil {
		return nil, err
	}
	var superseded []models.Identifier
	at := x.now()
	for _, ident := range live {
		if ident.NormalizedValue == key.Value {
			continue
		}
		if err := x.store.SupersedeIdentifier(ctx, ident.ID, at); err != nil {
			return nil, err
		}
		superseded = append(superseded, ident)
	}

	owner, _, err := x.Claim(ctx, kind, entityID, key, sourceSystem)
	if err != nil {
		return nil, err
	}
	if owner != entityID {
		return nil, fmt.Errorf("%w: %s is owned by %s", ErrIdentifierOwned, key.IdentifierKey, owner)
	}

	x.logger.WithContext(ctx).WithFields(map[string]any{
		"entity_kind": kind,
		"entity_id":   entityID,
		"identifier":  key.IdentifierKey.String(),
		"superseded":  len(superseded),
	}).Info("Replaced contact identifier")
	return superseded, nil
}
