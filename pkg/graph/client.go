// Package graph mirrors entities, relationships and merge redirects into a
// Neo4j or Memgraph database over Bolt.
package graph

import (
	"context"
	"fmt"
	"strings"

	"github.com/Gobusters/ectologger"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// MergedIntoType is the edge from a merged entity to its winner.
const MergedIntoType = "MERGED_INTO"

// Config points the mirror at a graph database. An empty Host disables it.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	// Database selects a named Neo4j database; empty uses the server default.
	Database string
}

func (c Config) Enabled() bool {
	return c.Host != ""
}

func (c Config) uri() string {
	return fmt.Sprintf("bolt://%s:%d", c.Host, c.Port)
}

// Client writes entity projections to the graph.
type Client struct {
	driver   neo4j.DriverWithContext
	database string
	logger   ectologger.Logger
}

func NewClient(cfg Config, logger ectologger.Logger) (*Client, error) {
	auth := neo4j.NoAuth()
	if cfg.Username != "" {
		auth = neo4j.BasicAuth(cfg.Username, cfg.Password, "")
	}

	driver, err := neo4j.NewDriverWithContext(cfg.uri(), auth)
	if err != nil {
		return nil, fmt.Errorf("failed to create graph driver: %w", err)
	}
	return &Client{driver: driver, database: cfg.Database, logger: logger}, nil
}

func (c *Client) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

// Ping reports whether the graph database answers. It doubles as a health check.
func (c *Client) Ping(ctx context.Context) error {
	return c.driver.VerifyConnectivity(ctx)
}

// ApplyStats counts what one projection changed in the graph.
type ApplyStats struct {
	NodesCreated         int
	RelationshipsCreated int
	RelationshipsDeleted int
	PropertiesSet        int
}

// Apply writes every step of the projection in one transaction. An empty
// projection never opens a session.
func (c *Client) Apply(ctx context.Context, p *Projection) (ApplyStats, error) {
	var stats ApplyStats
	if p.Empty() {
		return stats, nil
	}

	ctx, span := tracing.StartSpan(ctx, "graph.Client.Apply")
	defer span.End()

	session := c.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeWrite,
		DatabaseName: c.database,
	})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		stats = ApplyStats{}
		for _, st := range p.steps {
			result, err := tx.Run(ctx, st.cypher, st.params)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", st.name, err)
			}
			summary, err := result.Consume(ctx)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", st.name, err)
			}
			counters := summary.Counters()
			stats.NodesCreated += counters.NodesCreated()
			stats.RelationshipsCreated += counters.RelationshipsCreated()
			stats.RelationshipsDeleted += counters.RelationshipsDeleted()
			stats.PropertiesSet += counters.PropertiesSet()
		}
		return nil, nil
	})
	if err != nil {
		return ApplyStats{}, err
	}
	return stats, nil
}

type step struct {
	name   string
	cypher string
	params map[string]any
}

// Projection is an ordered set of idempotent MERGE steps that bring the
// graph in line with committed entity state.
type Projection struct {
	steps []step
}

func (p *Projection) Empty() bool {
	return p == nil || len(p.steps) == 0
}

// UpsertEntity merges the entity node and overwrites its mirrored properties.
func (p *Projection) UpsertEntity(e *models.Entity) *Projection {
	props := map[string]any{
		"id":               e.ID,
		"kind":             string(e.Kind),
		"display_name":     e.DisplayName,
		"locality":         e.Locality,
		"address":          e.Address,
		"last_activity_at": e.LastActivityAt.UTC().Format("2006-01-02T15:04:05Z"),
	}
	if e.HasLocation() {
		props["latitude"] = *e.Latitude
		props["longitude"] = *e.Longitude
	}
	p.steps = append(p.steps, step{
		name: "upsert entity",
		cypher: fmt.Sprintf(`
		MERGE (e:%s {id: $id})
		SET e += $props
	`, kindLabel(e.Kind)),
		params: map[string]any{"id": e.ID, "props": props},
	})
	return p
}

// Redirect points the merged entity at its winner and drops the loser's
// other edges; the winner's edges arrive as relationship upserts.
func (p *Projection) Redirect(kind models.EntityKind, loserID, winnerID, decisionID string) *Projection {
	label := kindLabel(kind)
	p.steps = append(p.steps,
		step{
			name: "redirect merged entity",
			cypher: fmt.Sprintf(`
		MERGE (loser:%[1]s {id: $loser_id})
		MERGE (winner:%[1]s {id: $winner_id})
		SET loser.merged = true
		MERGE (loser)-[r:%[2]s]->(winner)
		SET r.decision_id = $decision_id
	`, label, MergedIntoType),
			params: map[string]any{
				"loser_id":    loserID,
				"winner_id":   winnerID,
				"decision_id": decisionID,
			},
		},
		step{
			name: "detach merged entity",
			cypher: fmt.Sprintf(`
		MATCH (loser:%s {id: $loser_id})-[r]-()
		WHERE type(r) <> '%s'
		DELETE r
	`, label, MergedIntoType),
			params: map[string]any{"loser_id": loserID},
		},
	)
	return p
}

// UpsertRelationship merges both endpoints and the typed edge between them.
func (p *Projection) UpsertRelationship(rel *models.Relationship) *Projection {
	p.steps = append(p.steps, step{
		name: "upsert relationship",
		cypher: fmt.Sprintf(`
		MERGE (from:%s {id: $from_id})
		MERGE (to:%s {id: $to_id})
		MERGE (from)-[r:%s]->(to)
		SET r.confidence = $confidence, r.source_system = $source_system
	`, kindLabel(rel.FromKind), kindLabel(rel.ToKind), relationshipLabel(rel.Type)),
		params: map[string]any{
			"from_id":       rel.FromEntityID,
			"to_id":         rel.ToEntityID,
			"confidence":    rel.Confidence,
			"source_system": rel.SourceSystem,
		},
	})
	return p
}

// kindLabel turns person into Person.
func kindLabel(kind models.EntityKind) string {
	label := sanitizeLabel(string(kind))
	return strings.ToUpper(label[:1]) + label[1:]
}

// relationshipLabel turns person_at_place into PERSON_AT_PLACE.
func relationshipLabel(t models.RelationshipType) string {
	return strings.ToUpper(sanitizeLabel(string(t)))
}

// Labels cannot be parameterized, so only identifier characters survive.
func sanitizeLabel(label string) string {
	var b strings.Builder
	for _, c := range label {
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' {
			b.WriteRune(c)
		}
	}
	if b.Len() == 0 {
		return "Entity"
	}
	return b.String()
}
