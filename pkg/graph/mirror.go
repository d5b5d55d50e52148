package graph

import (
	"context"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/clover/pkg/events"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// Mirror projects committed events into the graph. It implements
// events.Sink; the relational store stays the source of truth.
type Mirror struct {
	client *Client
	logger ectologger.Logger
}

var _ events.Sink = (*Mirror)(nil)

func NewMirror(client *Client, logger ectologger.Logger) *Mirror {
	return &Mirror{client: client, logger: logger}
}

// Publish applies the event's projection in one write transaction.
func (m *Mirror) Publish(ctx context.Context, event *events.Event) error {
	ctx, span := tracing.StartSpan(ctx, "graph.Mirror.Publish")
	defer span.End()

	p := project(event)
	if p.Empty() {
		return nil
	}

	log := m.logger.WithContext(ctx).WithFields(map[string]any{
		"event_type": event.Type,
		"entity_id":  event.EntityID,
	})
	stats, err := m.client.Apply(ctx, p)
	if err != nil {
		log.WithError(err).Error("Failed to mirror event into graph")
		return err
	}
	log.WithFields(map[string]any{
		"nodes_created":         stats.NodesCreated,
		"relationships_created": stats.RelationshipsCreated,
		"relationships_deleted": stats.RelationshipsDeleted,
	}).Debug("Mirrored event into graph")
	return nil
}

// project translates an event into the graph steps it implies.
func project(event *events.Event) *Projection {
	p := &Projection{}
	switch event.Type {
	case events.TypeEntityCreated, events.TypeEntityUpdated:
		if event.Entity != nil {
			p.UpsertEntity(event.Entity)
		}
	case events.TypeEntityMerged:
		p.Redirect(event.Kind, event.EntityID, event.TargetEntityID, event.DecisionID)
	}

	for i := range event.Relationships {
		p.UpsertRelationship(&event.Relationships[i])
	}
	return p
}
