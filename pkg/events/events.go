// Package events fans entity lifecycle changes out to best-effort sinks such
// as the Kafka topic and the graph projection.
package events

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// SchemaVersion is the current event schema version
const SchemaVersion = "1.0"

const (
	TypeEntityCreated        = "entity.created"
	TypeEntityUpdated        = "entity.updated"
	TypeEntityMerged         = "entity.merged"
	TypeDecisionRecorded     = "decision.recorded"
	TypeReviewApplied        = "review.applied"
	TypeRelationshipUpserted = "relationship.upserted"
	TypeRelationshipsRewired = "relationships.rewired"
)

// Event describes one committed change.
type Event struct {
	Type           string                `json:"event_type"`
	SchemaVersion  string                `json:"schema_version"`
	Kind           models.EntityKind     `json:"entity_kind,omitempty"`
	EntityID       string                `json:"entity_id,omitempty"`
	TargetEntityID string                `json:"target_entity_id,omitempty"`
	DecisionID     string                `json:"decision_id,omitempty"`
	DecisionType   models.DecisionType   `json:"decision_type,omitempty"`
	ReviewStatus   models.ReviewStatus   `json:"review_status,omitempty"`
	Source         *models.SourceKey     `json:"source,omitempty"`
	Entity         *models.Entity        `json:"entity,omitempty"`
	Relationships  []models.Relationship `json:"relationships,omitempty"`
	Timestamp      time.Time             `json:"timestamp"`
}

// Key is the partitioning key: the entity the event is about.
func (e *Event) Key() string {
	if e.EntityID != "" {
		return e.EntityID
	}
	return e.DecisionID
}

// Sink receives events after the change committed.
type Sink interface {
	Publish(ctx context.Context, event *Event) error
}

// Emitter publishes to every sink. Sink failures are logged and never
// reported to the caller. A nil Emitter drops events.
type Emitter struct {
	sinks  []Sink
	logger ectologger.Logger
}

func NewEmitter(logger ectologger.Logger, sinks ...Sink) *Emitter {
	return &Emitter{sinks: sinks, logger: logger}
}

func (e *Emitter) Emit(ctx context.Context, event *Event) {
	if e == nil || len(e.sinks) == 0 {
		return
	}
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.Emit")
	defer span.End()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	event.SchemaVersion = SchemaVersion

	for _, sink := range e.sinks {
		if err := sink.Publish(ctx, event); err != nil {
			e.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"event_type": event.Type,
				"entity_id":  event.EntityID,
			}).Error("Failed to emit event")
		}
	}
}

// Recorder is an in-memory Sink.
type Recorder struct {
	Events []Event
	Err    error
}

func (r *Recorder) Publish(ctx context.Context, event *Event) error {
	r.Events = append(r.Events, *event)
	return r.Err
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []string {
	out := make([]string, len(r.Events))
	for i, e := range r.Events {
		out[i] = e.Type
	}
	return out
}
