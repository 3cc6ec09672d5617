package memory

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresEntityStore persists DomainEntity nodes in Postgres with per-user
// partitioning and a typed identity index. Timestamps are maintained server
// side: created_at on insert, last_accessed_at on every upsert.
type PostgresEntityStore struct {
	pool *pgxpool.Pool
}

// NewPostgresEntityStore wraps an existing pool.
func NewPostgresEntityStore(pool *pgxpool.Pool) *PostgresEntityStore {
	return &PostgresEntityStore{pool: pool}
}

// EnsureSchema creates the entity table and its indexes.
func (s *PostgresEntityStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("entity store not initialized")
	}
	statements := []string{
		`CREATE TABLE IF NOT EXISTS maestro_memory_entities (
    id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    entity_system TEXT NOT NULL,
    kind TEXT NOT NULL,
    summary TEXT NOT NULL DEFAULT '',
    tags TEXT[] NOT NULL DEFAULT '{}',
    content JSONB NOT NULL DEFAULT '{}'::jsonb,
    base_relevance DOUBLE PRECISION NOT NULL DEFAULT 0.5,
    access_count INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    last_accessed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (user_id, entity_id, entity_system)
);`,
		`CREATE INDEX IF NOT EXISTS idx_maestro_entities_user
    ON maestro_memory_entities (user_id, last_accessed_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_maestro_entities_identity
    ON maestro_memory_entities (entity_id, entity_system);`,
		`CREATE TABLE IF NOT EXISTS maestro_memory_relations (
    user_id TEXT NOT NULL,
    from_id TEXT NOT NULL,
    to_id TEXT NOT NULL,
    edge_type TEXT NOT NULL,
    strength DOUBLE PRECISION NOT NULL DEFAULT 0.5,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (user_id, from_id, to_id, edge_type)
);`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure entity schema: %w", err)
		}
	}
	return nil
}

// UpsertEntity writes the merged node. The row id is pinned on first insert
// so the entity keeps one node identity across threads.
func (s *PostgresEntityStore) UpsertEntity(ctx context.Context, node Node) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("entity store not initialized")
	}
	if !node.HasDedupKey() {
		return fmt.Errorf("entity node %s has no identity", node.ID)
	}
	contentJSON, err := json.Marshal(node.Content)
	if err != nil {
		return fmt.Errorf("encode entity content: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
INSERT INTO maestro_memory_entities
    (id, user_id, entity_id, entity_system, kind, summary, tags, content, base_relevance, access_count)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9, $10)
ON CONFLICT (user_id, entity_id, entity_system) DO UPDATE SET
    kind = EXCLUDED.kind,
    summary = EXCLUDED.summary,
    tags = EXCLUDED.tags,
    content = EXCLUDED.content,
    base_relevance = EXCLUDED.base_relevance,
    access_count = EXCLUDED.access_count,
    last_accessed_at = now()
`, node.ID, node.UserID, node.EntityID, node.EntitySystem, string(node.Kind),
		node.Summary, node.Tags, contentJSON, node.BaseRelevance, node.AccessCount)
	return err
}

// UpsertRelation writes an edge between two persistent entity nodes.
// Repeated relates land as strength updates on the same row.
func (s *PostgresEntityStore) UpsertRelation(ctx context.Context, userID string, edge Edge) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("entity store not initialized")
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO maestro_memory_relations (user_id, from_id, to_id, edge_type, strength, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (user_id, from_id, to_id, edge_type) DO UPDATE SET
    strength = EXCLUDED.strength,
    updated_at = now()
`, userID, edge.From, edge.To, string(edge.Type), edge.Strength, edge.AddedAt)
	return err
}

// LoadRelations returns a user's persisted entity relations.
func (s *PostgresEntityStore) LoadRelations(ctx context.Context, userID string) ([]Edge, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("entity store not initialized")
	}
	rows, err := s.pool.Query(ctx, `
SELECT from_id, to_id, edge_type, strength, created_at
FROM maestro_memory_relations
WHERE user_id = $1
`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var edges []Edge
	for rows.Next() {
		var (
			edge     Edge
			edgeType string
		)
		if err := rows.Scan(&edge.From, &edge.To, &edgeType, &edge.Strength, &edge.AddedAt); err != nil {
			return nil, err
		}
		edge.Type = EdgeType(edgeType)
		edges = append(edges, edge)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return edges, nil
}

// LoadEntities returns a user's entities, most recently touched first.
func (s *PostgresEntityStore) LoadEntities(ctx context.Context, userID string) ([]Node, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("entity store not initialized")
	}
	rows, err := s.pool.Query(ctx, `
SELECT id, user_id, entity_id, entity_system, kind, summary, tags, content,
       base_relevance, access_count, created_at, last_accessed_at
FROM maestro_memory_entities
WHERE user_id = $1
ORDER BY last_accessed_at DESC
`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []Node
	for rows.Next() {
		var (
			node        Node
			kind        string
			contentJSON []byte
		)
		if err := rows.Scan(&node.ID, &node.UserID, &node.EntityID, &node.EntitySystem,
			&kind, &node.Summary, &node.Tags, &contentJSON,
			&node.BaseRelevance, &node.AccessCount, &node.CreatedAt, &node.LastAccessedAt); err != nil {
			return nil, err
		}
		node.Kind = NodeKind(kind)
		if len(contentJSON) > 0 {
			if err := json.Unmarshal(contentJSON, &node.Content); err != nil {
				return nil, fmt.Errorf("parse entity content for %s: %w", node.ID, err)
			}
		}
		nodes = append(nodes, node)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return nodes, nil
}
