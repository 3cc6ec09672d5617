package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"maestro/internal/checkpoint"
)

// EntityPersistence stores DomainEntity nodes durably so they survive the
// thread that produced them, plus the edges between two such nodes. The
// graph does the content merging and the damped strengthening; persistence
// only has to keep the latest record per identity or edge key.
type EntityPersistence interface {
	UpsertEntity(ctx context.Context, node Node) error
	LoadEntities(ctx context.Context, userID string) ([]Node, error)
	UpsertRelation(ctx context.Context, userID string, edge Edge) error
	LoadRelations(ctx context.Context, userID string) ([]Edge, error)
}

// Checkpoint keys holding a user's entity list and entity relations.
const (
	entitiesKey  = "entities"
	relationsKey = "relations"
)

// CheckpointEntityStore keeps per-user entity lists in the checkpoint store.
// It is the fallback when no Postgres pool is configured.
type CheckpointEntityStore struct {
	store checkpoint.Store

	mu sync.Mutex
}

// NewCheckpointEntityStore wraps a checkpoint store.
func NewCheckpointEntityStore(store checkpoint.Store) *CheckpointEntityStore {
	return &CheckpointEntityStore{store: store}
}

// UpsertEntity reads the user's entity list, replaces the matching identity,
// and writes it back. The mutex serializes read-modify-write cycles.
func (s *CheckpointEntityStore) UpsertEntity(ctx context.Context, node Node) error {
	if !node.HasDedupKey() {
		return fmt.Errorf("entity node %s has no identity", node.ID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	nodes, err := s.loadLocked(ctx, node.UserID)
	if err != nil {
		return err
	}
	replaced := false
	for i, existing := range nodes {
		if existing.EntityID == node.EntityID && existing.EntitySystem == node.EntitySystem {
			nodes[i] = node
			replaced = true
			break
		}
	}
	if !replaced {
		nodes = append(nodes, node)
	}

	blob, err := json.Marshal(nodes)
	if err != nil {
		return fmt.Errorf("marshal entities: %w", err)
	}
	return s.store.Put(ctx, checkpoint.MemoryNamespace(node.UserID), entitiesKey, blob)
}

// LoadEntities returns the persisted entity nodes for a user.
func (s *CheckpointEntityStore) LoadEntities(ctx context.Context, userID string) ([]Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(ctx, userID)
}

func (s *CheckpointEntityStore) loadLocked(ctx context.Context, userID string) ([]Node, error) {
	blob, err := s.store.Get(ctx, checkpoint.MemoryNamespace(userID), entitiesKey)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var nodes []Node
	if err := json.Unmarshal(blob, &nodes); err != nil {
		return nil, fmt.Errorf("parse entities for %s: %w", userID, err)
	}
	return nodes, nil
}

// UpsertRelation reads the user's relation list, replaces the matching
// (from, to, type) entry, and writes it back.
func (s *CheckpointEntityStore) UpsertRelation(ctx context.Context, userID string, edge Edge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	edges, err := s.loadRelationsLocked(ctx, userID)
	if err != nil {
		return err
	}
	replaced := false
	for i, existing := range edges {
		if existing.From == edge.From && existing.To == edge.To && existing.Type == edge.Type {
			edges[i] = edge
			replaced = true
			break
		}
	}
	if !replaced {
		edges = append(edges, edge)
	}

	blob, err := json.Marshal(edges)
	if err != nil {
		return fmt.Errorf("marshal relations: %w", err)
	}
	return s.store.Put(ctx, checkpoint.MemoryNamespace(userID), relationsKey, blob)
}

// LoadRelations returns the persisted entity relations for a user.
func (s *CheckpointEntityStore) LoadRelations(ctx context.Context, userID string) ([]Edge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadRelationsLocked(ctx, userID)
}

func (s *CheckpointEntityStore) loadRelationsLocked(ctx context.Context, userID string) ([]Edge, error) {
	blob, err := s.store.Get(ctx, checkpoint.MemoryNamespace(userID), relationsKey)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var edges []Edge
	if err := json.Unmarshal(blob, &edges); err != nil {
		return nil, fmt.Errorf("parse relations for %s: %w", userID, err)
	}
	return edges, nil
}
