// Package memstore is an in-memory store.Store used by unit tests and local
// runs without a database.
//
// Transactions are serialized. InTx snapshots the state on entry and restores
// it when fn fails, so a rolled-back transaction leaves nothing behind. Writes
// made outside InTx while a transaction is open are lost on its rollback too.
package memstore

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/google/uuid"

	"github.com/Ramsey-B/clover/internal/store"
	"github.com/Ramsey-B/clover/pkg/geo"
	"github.com/Ramsey-B/clover/pkg/models"
)

type txKey struct{}

type entityKey struct {
	kind models.EntityKind
	id   string
}

type state struct {
	entities      map[entityKey]models.Entity
	identifiers   map[string]models.Identifier
	relationships map[string]models.Relationship
	attributes    map[string]models.Attribute
	decisions     map[string]models.MatchDecision
	markers       map[models.SourceKey]models.ResolutionMarker
	staged        map[models.SourceKey]models.StagedRecord
	seq           map[string]int64
	next          int64
}

func newState() *state {
	return &state{
		entities:      map[entityKey]models.Entity{},
		identifiers:   map[string]models.Identifier{},
		relationships: map[string]models.Relationship{},
		attributes:    map[string]models.Attribute{},
		decisions:     map[string]models.MatchDecision{},
		markers:       map[models.SourceKey]models.ResolutionMarker{},
		staged:        map[models.SourceKey]models.StagedRecord{},
		seq:           map[string]int64{},
	}
}

func (s *state) clone() *state {
	c := &state{
		entities:      make(map[entityKey]models.Entity, len(s.entities)),
		identifiers:   make(map[string]models.Identifier, len(s.identifiers)),
		relationships: make(map[string]models.Relationship, len(s.relationships)),
		attributes:    make(map[string]models.Attribute, len(s.attributes)),
		decisions:     make(map[string]models.MatchDecision, len(s.decisions)),
		markers:       make(map[models.SourceKey]models.ResolutionMarker, len(s.markers)),
		staged:        make(map[models.SourceKey]models.StagedRecord, len(s.staged)),
		seq:           make(map[string]int64, len(s.seq)),
		next:          s.next,
	}
	for k, v := range s.entities {
		c.entities[k] = v
	}
	for k, v := range s.identifiers {
		c.identifiers[k] = v
	}
	for k, v := range s.relationships {
		c.relationships[k] = v
	}
	for k, v := range s.attributes {
		c.attributes[k] = v
	}
	for k, v := range s.decisions {
		c.decisions[k] = v
	}
	for k, v := range s.markers {
		c.markers[k] = v
	}
	for k, v := range s.staged {
		c.staged[k] = v
	}
	for k, v := range s.seq {
		c.seq[k] = v
	}
	return c
}

// order records insertion order so equal timestamps still sort stably.
func (s *state) order(id string) {
	s.next++
	s.seq[id] = s.next
}

// Store implements store.Store in memory.
type Store struct {
	txMu sync.Mutex
	mu   sync.Mutex
	st   *state
	now  func() time.Time

	faultMu sync.Mutex
	faults  map[string]error
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{st: newState(), now: time.Now, faults: map[string]error{}}
}

// WithClock replaces the clock used for generated timestamps.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// FailOn makes the named method return err until cleared with a nil err.
func (s *Store) FailOn(method string, err error) {
	s.faultMu.Lock()
	defer s.faultMu.Unlock()
	if err == nil {
		delete(s.faults, method)
		return
	}
	s.faults[method] = err
}

func (s *Store) fault(method string) error {
	s.faultMu.Lock()
	defer s.faultMu.Unlock()
	return s.faults[method]
}

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txKey{}) == s {
		return fn(ctx)
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	snapshot := s.st.clone()
	s.mu.Unlock()

	var err error
	func() {
		defer func() {
			if p := recover(); p != nil {
				s.mu.Lock()
				s.st = snapshot
				s.mu.Unlock()
				panic(p)
			}
		}()
		err = fn(context.WithValue(ctx, txKey{}, s))
	}()
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		s.mu.Lock()
		s.st = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}

func notFound(format string, args ...any) error {
	return httperror.NewHTTPErrorf(http.StatusNotFound, format, args...)
}

// Entities

func (s *Store) CreateEntity(ctx context.Context, entity *models.Entity) error {
	if err := s.fault("CreateEntity"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if entity.ID == "" {
		entity.ID = uuid.NewString()
	}
	key := entityKey{entity.Kind, entity.ID}
	if _, ok := s.st.entities[key]; ok {
		return httperror.NewHTTPErrorf(http.StatusConflict, "%s %s already exists", entity.Kind, entity.ID)
	}
	now := s.now().UTC()
	if entity.CreatedAt.IsZero() {
		entity.CreatedAt = now
	}
	entity.UpdatedAt = now
	if entity.LastActivityAt.IsZero() {
		entity.LastActivityAt = now
	}
	if entity.DataQuality == "" {
		entity.DataQuality = models.DataQualityRaw
	}
	s.st.entities[key] = *entity
	return nil
}

func (s *Store) GetEntity(ctx context.Context, kind models.EntityKind, id string) (*models.Entity, error) {
	if err := s.fault("GetEntity"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.st.entities[entityKey{kind, id}]
	if !ok {
		return nil, notFound("%s %s not found", kind, id)
	}
	return &e, nil
}

func (s *Store) GetEntityForUpdate(ctx context.Context, kind models.EntityKind, id string) (*models.Entity, error) {
	if err := s.fault("GetEntityForUpdate"); err != nil {
		return nil, err
	}
	return s.GetEntity(ctx, kind, id)
}

func (s *Store) UpdateEntity(ctx context.Context, entity *models.Entity) error {
	if err := s.fault("UpdateEntity"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := entityKey{entity.Kind, entity.ID}
	existing, ok := s.st.entities[key]
	if !ok {
		return notFound("%s %s not found", entity.Kind, entity.ID)
	}
	entity.CreatedAt = existing.CreatedAt
	entity.MergedIntoEntityID = existing.MergedIntoEntityID
	entity.UpdatedAt = s.now().UTC()
	s.st.entities[key] = *entity
	return nil
}

func (s *Store) SetMergedInto(ctx context.Context, kind models.EntityKind, loserID, winnerID string) error {
	if err := s.fault("SetMergedInto"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := entityKey{kind, loserID}
	e, ok := s.st.entities[key]
	if !ok {
		return notFound("%s %s not found", kind, loserID)
	}
	if _, ok := s.st.entities[entityKey{kind, winnerID}]; !ok {
		return notFound("%s %s not found", kind, winnerID)
	}
	winner := winnerID
	e.MergedIntoEntityID = &winner
	e.UpdatedAt = s.now().UTC()
	s.st.entities[key] = e
	return nil
}

func (s *Store) FindByWeakSignals(ctx context.Context, q models.WeakSignalQuery) ([]models.Entity, error) {
	if err := s.fault("FindByWeakSignals"); err != nil {
		return nil, err
	}
	if q.Empty() {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	related := map[string]bool{}
	for _, id := range q.RelatedEntityIDs {
		for _, rel := range s.st.relationships {
			switch {
			case rel.FromEntityID == id && rel.ToKind == q.Kind:
				related[rel.ToEntityID] = true
			case rel.ToEntityID == id && rel.FromKind == q.Kind:
				related[rel.FromEntityID] = true
			}
		}
	}

	var out []models.Entity
	for key, e := range s.st.entities {
		if key.kind != q.Kind || !e.IsCanonical() {
			continue
		}
		sameLocality := q.Locality != "" && strings.EqualFold(strings.TrimSpace(e.Locality), strings.TrimSpace(q.Locality))
		if sameLocality || related[e.ID] {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActivityAt.Equal(out[j].LastActivityAt) {
			return out[i].LastActivityAt.After(out[j].LastActivityAt)
		}
		return out[i].ID < out[j].ID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *Store) FindNear(ctx context.Context, kind models.EntityKind, lat, lon, radiusMeters float64, limit int) ([]models.NearbyEntity, error) {
	if err := s.fault("FindNear"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.NearbyEntity
	for key, e := range s.st.entities {
		if key.kind != kind || !e.IsCanonical() || !e.HasLocation() {
			continue
		}
		d := geo.DistanceMeters(lat, lon, *e.Latitude, *e.Longitude)
		if d <= radiusMeters {
			out = append(out, models.NearbyEntity{Entity: e, DistanceMeters: d})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceMeters != out[j].DistanceMeters {
			return out[i].DistanceMeters < out[j].DistanceMeters
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Identifiers

func (s *Store) liveIdentifier(kind models.EntityKind, key models.IdentifierKey) (models.Identifier, bool) {
	for _, ident := range s.st.identifiers {
		if ident.IsLive() && ident.Kind == kind && ident.Type == key.Type && ident.NormalizedValue == key.Value {
			return ident, true
		}
	}
	return models.Identifier{}, false
}

func (s *Store) LookupIdentifier(ctx context.Context, kind models.EntityKind, key models.IdentifierKey) (*models.Identifier, error) {
	if err := s.fault("LookupIdentifier"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if ident, ok := s.liveIdentifier(kind, key); ok {
		return &ident, nil
	}
	return nil, nil
}

func (s *Store) ClaimIdentifier(ctx context.Context, ident *models.Identifier) (*models.Identifier, bool, error) {
	if err := s.fault("ClaimIdentifier"); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if owner, ok := s.liveIdentifier(ident.Kind, models.IdentifierKey{Type: ident.Type, Value: ident.NormalizedValue}); ok {
		return &owner, false, nil
	}
	if ident.ID == "" {
		ident.ID = uuid.NewString()
	}
	if ident.CreatedAt.IsZero() {
		ident.CreatedAt = s.now().UTC()
	}
	ident.SupersededAt = nil
	s.st.identifiers[ident.ID] = *ident
	s.st.order(ident.ID)
	created := *ident
	return &created, true, nil
}

func (s *Store) ListIdentifiers(ctx context.Context, kind models.EntityKind, entityID string) ([]models.Identifier, error) {
	if err := s.fault("ListIdentifiers"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Identifier
	for _, ident := range s.st.identifiers {
		if ident.Kind == kind && ident.EntityID == entityID {
			out = append(out, ident)
		}
	}
	sort.Slice(out, func(i, j int) bool { return s.st.seq[out[i].ID] < s.st.seq[out[j].ID] })
	return out, nil
}

func (s *Store) SupersedeIdentifier(ctx context.Context, id string, at time.Time) error {
	if err := s.fault("SupersedeIdentifier"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ident, ok := s.st.identifiers[id]
	if !ok {
		return notFound("identifier %s not found", id)
	}
	if ident.SupersededAt == nil {
		t := at.UTC()
		ident.SupersededAt = &t
		s.st.identifiers[id] = ident
	}
	return nil
}

func (s *Store) ReassignIdentifiers(ctx context.Context, kind models.EntityKind, fromID, toID string, at time.Time) (int, int, error) {
	if err := s.fault("ReassignIdentifiers"); err != nil {
		return 0, 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	winnerKeys := map[models.IdentifierKey]bool{}
	for _, ident := range s.st.identifiers {
		if ident.Kind == kind && ident.EntityID == toID && ident.IsLive() {
			winnerKeys[models.IdentifierKey{Type: ident.Type, Value: ident.NormalizedValue}] = true
		}
	}

	moved, superseded := 0, 0
	t := at.UTC()
	for id, ident := range s.st.identifiers {
		if ident.Kind != kind || ident.EntityID != fromID {
			continue
		}
		if ident.IsLive() && winnerKeys[models.IdentifierKey{Type: ident.Type, Value: ident.NormalizedValue}] {
			ident.SupersededAt = &t
			superseded++
		} else if ident.IsLive() {
			moved++
		}
		ident.EntityID = toID
		s.st.identifiers[id] = ident
	}
	return moved, superseded, nil
}

// Relationships

func (s *Store) findRelationship(t models.RelationshipType, fromID, toID string) (models.Relationship, bool) {
	for _, rel := range s.st.relationships {
		if rel.Type == t && rel.FromEntityID == fromID && rel.ToEntityID == toID {
			return rel, true
		}
	}
	return models.Relationship{}, false
}

func (s *Store) UpsertRelationship(ctx context.Context, rel *models.Relationship) (bool, error) {
	if err := s.fault("UpsertRelationship"); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	if existing, ok := s.findRelationship(rel.Type, rel.FromEntityID, rel.ToEntityID); ok {
		if rel.Confidence > existing.Confidence {
			existing.Confidence = rel.Confidence
		}
		existing.UpdatedAt = now
		s.st.relationships[existing.ID] = existing
		*rel = existing
		return false, nil
	}
	if rel.ID == "" {
		rel.ID = uuid.NewString()
	}
	rel.CreatedAt = now
	rel.UpdatedAt = now
	s.st.relationships[rel.ID] = *rel
	s.st.order(rel.ID)
	return true, nil
}

func (s *Store) ListRelationships(ctx context.Context, kind models.EntityKind, entityID string) ([]models.Relationship, error) {
	if err := s.fault("ListRelationships"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Relationship
	for _, rel := range s.st.relationships {
		if rel.Touches(kind, entityID) {
			out = append(out, rel)
		}
	}
	sort.Slice(out, func(i, j int) bool { return s.st.seq[out[i].ID] < s.st.seq[out[j].ID] })
	return out, nil
}

func (s *Store) RewireRelationships(ctx context.Context, kind models.EntityKind, fromID, toID string) (int, int, error) {
	if err := s.fault("RewireRelationships"); err != nil {
		return 0, 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var touching []models.Relationship
	for _, rel := range s.st.relationships {
		if rel.Touches(kind, fromID) {
			touching = append(touching, rel)
		}
	}
	sort.Slice(touching, func(i, j int) bool { return s.st.seq[touching[i].ID] < s.st.seq[touching[j].ID] })

	rewired, dropped := 0, 0
	now := s.now().UTC()
	for _, rel := range touching {
		delete(s.st.relationships, rel.ID)
		if rel.FromKind == kind && rel.FromEntityID == fromID {
			rel.FromEntityID = toID
		}
		if rel.ToKind == kind && rel.ToEntityID == fromID {
			rel.ToEntityID = toID
		}
		if rel.FromKind == rel.ToKind && rel.FromEntityID == rel.ToEntityID {
			dropped++
			continue
		}
		if existing, ok := s.findRelationship(rel.Type, rel.FromEntityID, rel.ToEntityID); ok {
			if rel.Confidence > existing.Confidence {
				existing.Confidence = rel.Confidence
				existing.UpdatedAt = now
				s.st.relationships[existing.ID] = existing
			}
			dropped++
			continue
		}
		rel.UpdatedAt = now
		s.st.relationships[rel.ID] = rel
		rewired++
	}
	return rewired, dropped, nil
}

// Attributes

func (s *Store) InsertAttribute(ctx context.Context, attr *models.Attribute) error {
	if err := s.fault("InsertAttribute"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if attr.ID == "" {
		attr.ID = uuid.NewString()
	}
	if attr.CreatedAt.IsZero() {
		attr.CreatedAt = s.now().UTC()
	}
	s.st.attributes[attr.ID] = *attr
	s.st.order(attr.ID)
	return nil
}

func (s *Store) SupersedeAttributes(ctx context.Context, kind models.EntityKind, entityID, key, sourceSystem string, at time.Time) (int, error) {
	if err := s.fault("SupersedeAttributes"); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	t := at.UTC()
	for id, attr := range s.st.attributes {
		if attr.Kind == kind && attr.EntityID == entityID && attr.Key == key && attr.SourceSystem == sourceSystem && attr.IsLive() {
			attr.SupersededAt = &t
			s.st.attributes[id] = attr
			n++
		}
	}
	return n, nil
}

func (s *Store) sortedAttributes(match func(models.Attribute) bool) []models.Attribute {
	var out []models.Attribute
	for _, attr := range s.st.attributes {
		if match(attr) {
			out = append(out, attr)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return s.st.seq[out[i].ID] < s.st.seq[out[j].ID]
	})
	return out
}

func (s *Store) ListLiveAttributes(ctx context.Context, kind models.EntityKind, entityID string) ([]models.Attribute, error) {
	if err := s.fault("ListLiveAttributes"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.sortedAttributes(func(a models.Attribute) bool {
		return a.Kind == kind && a.EntityID == entityID && a.IsLive()
	}), nil
}

func (s *Store) ListAttributeHistory(ctx context.Context, kind models.EntityKind, entityID, key string) ([]models.Attribute, error) {
	if err := s.fault("ListAttributeHistory"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.sortedAttributes(func(a models.Attribute) bool {
		return a.Kind == kind && a.EntityID == entityID && a.Key == key
	}), nil
}

func (s *Store) RepointAttributes(ctx context.Context, kind models.EntityKind, fromID, toID string) (int, error) {
	if err := s.fault("RepointAttributes"); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, attr := range s.st.attributes {
		if attr.Kind == kind && attr.EntityID == fromID {
			attr.EntityID = toID
			s.st.attributes[id] = attr
			n++
		}
	}
	return n, nil
}

// Decisions

func (s *Store) CreateDecision(ctx context.Context, decision *models.MatchDecision) error {
	if err := s.fault("CreateDecision"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if decision.ID == "" {
		decision.ID = uuid.NewString()
	}
	now := s.now().UTC()
	decision.CreatedAt = now
	decision.UpdatedAt = now
	stored := *decision
	stored.Candidates = append(models.Candidates(nil), decision.Candidates...)
	s.st.decisions[decision.ID] = stored
	s.st.order(decision.ID)
	return nil
}

func (s *Store) GetDecision(ctx context.Context, id string) (*models.MatchDecision, error) {
	if err := s.fault("GetDecision"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.st.decisions[id]
	if !ok {
		return nil, notFound("decision %s not found", id)
	}
	return &d, nil
}

func (s *Store) ListPendingDecisions(ctx context.Context, kind models.EntityKind, limit int) ([]models.MatchDecision, error) {
	if err := s.fault("ListPendingDecisions"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.MatchDecision
	for _, d := range s.st.decisions {
		if d.ReviewStatus != models.ReviewPending {
			continue
		}
		if kind != "" && d.Kind != kind {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return s.st.seq[out[i].ID] < s.st.seq[out[j].ID] })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ApplyReview(ctx context.Context, id string, review models.Review) error {
	if err := s.fault("ApplyReview"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.st.decisions[id]
	if !ok {
		return notFound("decision %s not found", id)
	}
	if d.ReviewStatus != models.ReviewPending {
		return httperror.NewHTTPErrorf(http.StatusConflict, "decision %s is %s", id, d.ReviewStatus)
	}
	d.ReviewStatus = review.Status
	if review.DecisionType != "" {
		d.DecisionType = review.DecisionType
	}
	if review.TargetEntityID != nil {
		target := *review.TargetEntityID
		d.TargetEntityID = &target
	}
	reviewer, note := review.ReviewedBy, review.Note
	at := review.ReviewedAt.UTC()
	d.ReviewedBy = &reviewer
	d.ReviewNote = &note
	d.ReviewedAt = &at
	d.UpdatedAt = s.now().UTC()
	s.st.decisions[id] = d
	return nil
}

func (s *Store) FindMergeDecision(ctx context.Context, kind models.EntityKind, loserID, winnerID string) (*models.MatchDecision, error) {
	if err := s.fault("FindMergeDecision"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var found *models.MatchDecision
	for _, d := range s.st.decisions {
		if d.Kind != kind || d.DecisionType != models.DecisionMergeInto {
			continue
		}
		if d.SubjectEntityID == nil || *d.SubjectEntityID != loserID {
			continue
		}
		if d.TargetEntityID == nil || *d.TargetEntityID != winnerID {
			continue
		}
		if found == nil || s.st.seq[d.ID] > s.st.seq[found.ID] {
			d := d
			found = &d
		}
	}
	return found, nil
}

func (s *Store) DecisionCounts(ctx context.Context) ([]models.DecisionCount, error) {
	if err := s.fault("DecisionCounts"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	type bucket struct {
		kind   models.EntityKind
		typ    models.DecisionType
		status models.ReviewStatus
	}
	counts := map[bucket]int{}
	for _, d := range s.st.decisions {
		counts[bucket{d.Kind, d.DecisionType, d.ReviewStatus}]++
	}
	out := make([]models.DecisionCount, 0, len(counts))
	for b, n := range counts {
		out = append(out, models.DecisionCount{Kind: b.kind, DecisionType: b.typ, ReviewStatus: b.status, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		if out[i].DecisionType != out[j].DecisionType {
			return out[i].DecisionType < out[j].DecisionType
		}
		return out[i].ReviewStatus < out[j].ReviewStatus
	})
	return out, nil
}

// Markers

func (s *Store) GetMarker(ctx context.Context, key models.SourceKey) (*models.ResolutionMarker, error) {
	if err := s.fault("GetMarker"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.st.markers[key]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (s *Store) CreateMarker(ctx context.Context, marker *models.ResolutionMarker) (bool, error) {
	if err := s.fault("CreateMarker"); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := marker.Key()
	if _, ok := s.st.markers[key]; ok {
		return false, nil
	}
	now := s.now().UTC()
	marker.CreatedAt = now
	marker.UpdatedAt = now
	s.st.markers[key] = *marker
	return true, nil
}

func (s *Store) UpdateMarker(ctx context.Context, marker *models.ResolutionMarker) error {
	if err := s.fault("UpdateMarker"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := marker.Key()
	existing, ok := s.st.markers[key]
	if !ok {
		return notFound("resolution marker %s not found", key)
	}
	marker.CreatedAt = existing.CreatedAt
	marker.UpdatedAt = s.now().UTC()
	s.st.markers[key] = *marker
	return nil
}

// Staged records

// PutStaged adds or replaces a staged record. The upstream feed owns this
// table, so it is not part of store.Store.
func (s *Store) PutStaged(rec models.StagedRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.Status == "" {
		rec.Status = models.StagedPending
	}
	if rec.StagedAt.IsZero() {
		rec.StagedAt = s.now().UTC()
	}
	key := rec.Key()
	if _, ok := s.st.staged[key]; !ok {
		s.st.order(key.String())
	}
	s.st.staged[key] = rec
}

func (s *Store) ListPendingStaged(ctx context.Context, q models.StagedQuery) ([]models.StagedRecord, error) {
	if err := s.fault("ListPendingStaged"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.StagedRecord
	for _, rec := range s.st.staged {
		if rec.Status != models.StagedPending {
			continue
		}
		if q.SourceSystem != "" && rec.SourceSystem != q.SourceSystem {
			continue
		}
		if q.SourceTable != "" && rec.SourceTable != q.SourceTable {
			continue
		}
		if q.Kind != "" && rec.Kind != q.Kind {
			continue
		}
		if q.MaxAttempts > 0 && rec.Attempts >= q.MaxAttempts {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StagedAt.Equal(out[j].StagedAt) {
			return out[i].StagedAt.Before(out[j].StagedAt)
		}
		return s.st.seq[out[i].Key().String()] < s.st.seq[out[j].Key().String()]
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *Store) GetStaged(ctx context.Context, key models.SourceKey) (*models.StagedRecord, error) {
	if err := s.fault("GetStaged"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.st.staged[key]
	if !ok {
		return nil, notFound("staged record %s not found", key)
	}
	return &rec, nil
}

func (s *Store) MarkStaged(ctx context.Context, key models.SourceKey, status models.StagedStatus, detail string) error {
	if err := s.fault("MarkStaged"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.st.staged[key]
	if !ok {
		return notFound("staged record %s not found", key)
	}
	rec.Status = status
	if detail != "" {
		d := detail
		rec.LastError = &d
	} else {
		rec.LastError = nil
	}
	if status == models.StagedPending {
		rec.Attempts++
		rec.ProcessedAt = nil
	} else {
		at := s.now().UTC()
		rec.ProcessedAt = &at
	}
	s.st.staged[key] = rec
	return nil
}
