// Package matching finds and scores existing canonical entities that an
// incoming record may refer to.
package matching

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/clover/internal/store"
	"github.com/Ramsey-B/clover/pkg/geocode"
	"github.com/Ramsey-B/clover/pkg/identity"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/normalizers"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

const (
	addressWeight   = 0.7
	proximityWeight = 0.3
)

// Geocoder turns coordinates into a street address.
type Geocoder interface {
	Reverse(ctx context.Context, lat, lon float64) (string, error)
}

type Config struct {
	// MinNameSimilarity is the lowest name score kept, per kind.
	MinNameSimilarity map[models.EntityKind]float64
	// MaxCandidates bounds the returned candidate list.
	MaxCandidates int
	// WeakSignalScan bounds how many weak-signal entities are scored.
	WeakSignalScan int
	// RadiusMeters is the place proximity radius.
	RadiusMeters float64
}

func DefaultConfig() Config {
	return Config{
		MinNameSimilarity: map[models.EntityKind]float64{
			models.EntityKindPerson:  0.85,
			models.EntityKindPlace:   0.85,
			models.EntityKindAnimal:  0.9,
			models.EntityKindRequest: 0.9,
		},
		MaxCandidates:  10,
		WeakSignalScan: 500,
		RadiusMeters:   75,
	}
}

// Result is the matcher output for one record.
type Result struct {
	Candidates models.Candidates
	// GeocodedAddress is set when the geocoder filled in a missing address.
	GeocodedAddress string
}

// IdentifierOwners counts the distinct entities matched on identifiers.
func (r Result) IdentifierOwners() int {
	n := 0
	for _, c := range r.Candidates {
		if c.MatchedOn == models.MatchedOnIdentifier {
			n++
		}
	}
	return n
}

type Matcher struct {
	store    store.EntityStore
	index    *identity.Index
	geocoder Geocoder
	scorer   *Scorer
	cfg      Config
	logger   ectologger.Logger
}

// NewMatcher builds a matcher. geocoder may be nil.
func NewMatcher(s store.EntityStore, index *identity.Index, geocoder Geocoder, cfg Config, logger ectologger.Logger) *Matcher {
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = DefaultConfig().MaxCandidates
	}
	if cfg.WeakSignalScan <= 0 {
		cfg.WeakSignalScan = DefaultConfig().WeakSignalScan
	}
	if cfg.RadiusMeters <= 0 {
		cfg.RadiusMeters = DefaultConfig().RadiusMeters
	}
	if cfg.MinNameSimilarity == nil {
		cfg.MinNameSimilarity = DefaultConfig().MinNameSimilarity
	}
	return &Matcher{
		store:    s,
		index:    index,
		geocoder: geocoder,
		scorer:   NewScorer(),
		cfg:      cfg,
		logger:   logger,
	}
}

// FindCandidates runs the identifier, name and location tiers in order and
// returns the candidates of the first tier that yields any.
func (m *Matcher) FindCandidates(ctx context.Context, rec *models.SourceRecord) (Result, error) {
	ctx, span := tracing.StartSpan(ctx, "matching.Matcher.FindCandidates")
	defer span.End()

	candidates, err := m.byIdentifier(ctx, rec)
	if err != nil {
		return Result{}, err
	}
	if len(candidates) > 0 {
		return Result{Candidates: candidates}, nil
	}

	candidates, err = m.byName(ctx, rec)
	if err != nil {
		return Result{}, err
	}
	if len(candidates) > 0 {
		return Result{Candidates: m.limit(candidates)}, nil
	}

	if rec.Kind != models.EntityKindPlace || !rec.HasLocation() {
		return Result{}, nil
	}
	return m.byLocation(ctx, rec)
}

func (m *Matcher) byIdentifier(ctx context.Context, rec *models.SourceRecord) (models.Candidates, error) {
	keys := identity.KeysFor(rec)
	if len(keys) == 0 {
		return nil, nil
	}
	matches, err := m.index.LookupAll(ctx, rec.Kind, keys)
	if err != nil {
		return nil, fmt.Errorf("identifier lookup: %w", err)
	}
	candidates := make(models.Candidates, 0, len(matches))
	for _, match := range matches {
		candidates = append(candidates, models.Candidate{
			EntityID:           match.Entity.ID,
			Score:              1.0,
			MatchedOn:          models.MatchedOnIdentifier,
			MatchedIdentifiers: match.Keys,
			LastActivityAt:     match.Entity.LastActivityAt,
		})
	}
	SortCandidates(candidates)
	return candidates, nil
}

func (m *Matcher) byName(ctx context.Context, rec *models.SourceRecord) (models.Candidates, error) {
	text := matchText(rec.Kind, rec.Name, rec.Address)
	if text == "" {
		return nil, nil
	}

	related, err := m.relatedIDs(ctx, rec)
	if err != nil {
		return nil, err
	}
	q := models.WeakSignalQuery{
		Kind:             rec.Kind,
		Locality:         normalizers.NormalizeLocality(rec.Locality),
		RelatedEntityIDs: related,
		Limit:            m.cfg.WeakSignalScan,
	}
	if q.Empty() {
		return nil, nil
	}
	entities, err := m.store.FindByWeakSignals(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("weak signal search: %w", err)
	}

	floor := m.cfg.MinNameSimilarity[rec.Kind]
	var candidates models.Candidates
	for _, e := range entities {
		score := m.textSimilarity(rec.Kind, text, matchText(rec.Kind, e.DisplayName, e.Address))
		if score < floor || score <= 0 {
			continue
		}
		candidates = append(candidates, models.Candidate{
			EntityID:       e.ID,
			Score:          score,
			MatchedOn:      models.MatchedOnName,
			LastActivityAt: e.LastActivityAt,
		})
	}
	SortCandidates(candidates)
	return candidates, nil
}

// relatedIDs canonicalizes the entities the record references so the weak
// signal search follows merges.
func (m *Matcher) relatedIDs(ctx context.Context, rec *models.SourceRecord) ([]string, error) {
	var ids []string
	seen := map[string]bool{}
	for _, ref := range rec.Relationships {
		from, to, ok := ref.Type.Ends()
		if !ok {
			continue
		}
		otherKind := to
		if to == rec.Kind {
			otherKind = from
		}
		other, err := m.index.Canonicalize(ctx, otherKind, ref.EntityID)
		if err != nil {
			if store.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		if !seen[other.ID] {
			seen[other.ID] = true
			ids = append(ids, other.ID)
		}
	}
	return ids, nil
}

func (m *Matcher) byLocation(ctx context.Context, rec *models.SourceRecord) (Result, error) {
	lat, lon := *rec.Latitude, *rec.Longitude
	nearby, err := m.store.FindNear(ctx, rec.Kind, lat, lon, m.cfg.RadiusMeters, m.cfg.MaxCandidates)
	if err != nil {
		return Result{}, fmt.Errorf("radius search: %w", err)
	}
	if len(nearby) == 0 {
		return Result{}, nil
	}

	var result Result
	address := rec.Address
	if address == "" && m.geocoder != nil {
		geocoded, err := m.geocoder.Reverse(ctx, lat, lon)
		switch {
		case errors.Is(err, geocode.ErrNoResult):
			m.logger.WithContext(ctx).WithFields(map[string]any{
				"latitude":  lat,
				"longitude": lon,
			}).Debug("No geocode result, scoring on proximity only")
		case err != nil:
			return Result{}, fmt.Errorf("reverse geocode: %w", err)
		default:
			address = geocoded
			result.GeocodedAddress = geocoded
		}
	}

	for _, n := range nearby {
		dist := n.DistanceMeters
		proximity := m.scorer.NumericProximity(dist, 0, m.cfg.RadiusMeters)
		score := proximity
		if address != "" && n.Address != "" {
			score = m.scorer.WeightedScore(
				map[string]float64{"address": m.scorer.AddressSimilarity(address, n.Address), "proximity": proximity},
				map[string]float64{"address": addressWeight, "proximity": proximityWeight},
			)
		}
		if score <= 0 {
			continue
		}
		result.Candidates = append(result.Candidates, models.Candidate{
			EntityID:       n.ID,
			Score:          score,
			MatchedOn:      models.MatchedOnLocation,
			LastActivityAt: n.LastActivityAt,
			DistanceMeters: &dist,
		})
	}
	SortCandidates(result.Candidates)
	result.Candidates = m.limit(result.Candidates)
	return result, nil
}

func (m *Matcher) limit(c models.Candidates) models.Candidates {
	if len(c) > m.cfg.MaxCandidates {
		return c[:m.cfg.MaxCandidates]
	}
	return c
}

func (m *Matcher) textSimilarity(kind models.EntityKind, a, b string) float64 {
	if kind == models.EntityKindPlace {
		return min(m.scorer.AddressSimilarity(a, b), MaxFuzzyScore)
	}
	return m.scorer.NameSimilarity(a, b)
}

// matchText is the string compared in the name tier. Places compare on their
// address when they have one.
func matchText(kind models.EntityKind, name, address string) string {
	if kind == models.EntityKindPlace && address != "" {
		return address
	}
	return name
}

// SortCandidates orders by score, then most recent activity, then lowest id.
func SortCandidates(c models.Candidates) {
	sort.SliceStable(c, func(i, j int) bool {
		if c[i].Score != c[j].Score {
			return c[i].Score > c[j].Score
		}
		if !c[i].LastActivityAt.Equal(c[j].LastActivityAt) {
			return c[i].LastActivityAt.After(c[j].LastActivityAt)
		}
		return c[i].EntityID < c[j].EntityID
	})
}
