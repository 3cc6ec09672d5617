package memory

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"maestro/internal/checkpoint"
	"maestro/internal/events"
	"maestro/internal/logging"
)

type recordingBus struct {
	mu        sync.Mutex
	envelopes []events.Envelope
}

func (b *recordingBus) Publish(threadID, taskID string, payload events.Payload) events.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	env := events.Envelope{
		Kind:     payload.Kind(),
		ThreadID: threadID,
		TaskID:   taskID,
		Payload:  payload,
	}
	b.envelopes = append(b.envelopes, env)
	return env
}

func (b *recordingBus) byKind(kind string) []events.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []events.Envelope
	for _, env := range b.envelopes {
		if env.Kind == kind {
			out = append(out, env)
		}
	}
	return out
}

type fakeVectorizer struct {
	mu      sync.Mutex
	indexed []string
	removed []string
	scores  map[string]float64
	fail    bool
}

func (v *fakeVectorizer) Index(ctx context.Context, node Node) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.fail {
		return errors.New("vector store down")
	}
	v.indexed = append(v.indexed, node.ID)
	return nil
}

func (v *fakeVectorizer) Scores(ctx context.Context, userID, text string, topK int) (map[string]float64, error) {
	if v.fail {
		return nil, errors.New("vector store down")
	}
	return v.scores, nil
}

func (v *fakeVectorizer) Remove(ctx context.Context, userID string, nodeIDs []string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.removed = append(v.removed, nodeIDs...)
	return nil
}

type fakeEntityStore struct {
	mu         sync.Mutex
	upserts    []Node
	relUpserts []Edge
	entities   map[string][]Node
	relations  map[string][]Edge
}

func (s *fakeEntityStore) UpsertEntity(ctx context.Context, node Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts = append(s.upserts, node)
	return nil
}

func (s *fakeEntityStore) LoadEntities(ctx context.Context, userID string) ([]Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entities[userID], nil
}

func (s *fakeEntityStore) UpsertRelation(ctx context.Context, userID string, edge Edge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.relUpserts = append(s.relUpserts, edge)
	return nil
}

func (s *fakeEntityStore) LoadRelations(ctx context.Context, userID string) ([]Edge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.relations[userID], nil
}

func newCheckpointStore(t *testing.T) *checkpoint.FileStore {
	t.Helper()
	store, err := checkpoint.NewFileStore(t.TempDir(), logging.Nop())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	return store
}

func TestStoreIngestPublishesFullContent(t *testing.T) {
	bus := &recordingBus{}
	vec := &fakeVectorizer{}
	store := NewStore(WithBus(bus), WithVectorizer(vec))

	stored, merged, err := store.Ingest(context.Background(), "thread-1", "task-1", Node{
		UserID:  "user-1",
		Kind:    KindSearchResult,
		Summary: "three flights found",
		Content: map[string]any{"flights": []any{"AF81", "AF66", "DL12"}},
	})
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if merged {
		t.Fatal("fresh node reported as merge")
	}
	if stored.ThreadID != "thread-1" {
		t.Fatalf("thread not inherited, got %q", stored.ThreadID)
	}

	added := bus.byKind(events.KindMemoryNodeAdded)
	if len(added) != 1 {
		t.Fatalf("published %d node events, want 1", len(added))
	}
	if added[0].ThreadID != "thread-1" || added[0].TaskID != "task-1" {
		t.Fatalf("event identity drifted: %+v", added[0])
	}
	payload := added[0].Payload.(events.MemoryNodeAdded)
	if payload.Node.ID != stored.ID {
		t.Fatalf("event node %s, want %s", payload.Node.ID, stored.ID)
	}
	if !strings.Contains(string(payload.Node.Content), "AF81") {
		t.Fatalf("event must carry full content, got %s", payload.Node.Content)
	}

	vec.mu.Lock()
	defer vec.mu.Unlock()
	if len(vec.indexed) != 1 || vec.indexed[0] != stored.ID {
		t.Fatalf("vectorizer saw %v, want [%s]", vec.indexed, stored.ID)
	}
}

func TestStoreIngestPersistsEntities(t *testing.T) {
	entities := &fakeEntityStore{}
	store := NewStore(WithEntityPersistence(entities))
	ctx := context.Background()

	_, _, err := store.Ingest(ctx, "thread-1", "task-1", Node{
		UserID:       "user-1",
		Kind:         KindDomainEntity,
		EntityID:     "ORD-1",
		EntitySystem: "orders",
	})
	if err != nil {
		t.Fatalf("Ingest entity failed: %v", err)
	}
	_, _, err = store.Ingest(ctx, "thread-1", "task-1", Node{
		UserID: "user-1",
		Kind:   KindToolOutput,
	})
	if err != nil {
		t.Fatalf("Ingest tool output failed: %v", err)
	}

	entities.mu.Lock()
	defer entities.mu.Unlock()
	if len(entities.upserts) != 1 {
		t.Fatalf("persisted %d nodes, want only the entity", len(entities.upserts))
	}
	if entities.upserts[0].EntityID != "ORD-1" {
		t.Fatalf("persisted wrong node: %+v", entities.upserts[0])
	}
}

func TestStoreBootstrapsPersistedEntities(t *testing.T) {
	bus := &recordingBus{}
	entities := &fakeEntityStore{entities: map[string][]Node{
		"user-1": {{
			ID:           "node-restored",
			UserID:       "user-1",
			Kind:         KindDomainEntity,
			EntityID:     "ORD-7",
			EntitySystem: "orders",
			Summary:      "order seven",
		}},
	}}
	store := NewStore(WithBus(bus), WithEntityPersistence(entities))

	node, ok := store.NodeByEntity(context.Background(), "user-1", "ORD-7", "orders")
	if !ok {
		t.Fatal("persisted entity not restored on first access")
	}
	if node.ID != "node-restored" {
		t.Fatalf("restored node ID drifted: %s", node.ID)
	}
	if len(bus.byKind(events.KindMemoryNodeAdded)) != 0 {
		t.Fatal("bootstrap must not publish node events")
	}
}

func TestStoreRelatePublishesEdge(t *testing.T) {
	bus := &recordingBus{}
	store := NewStore(WithBus(bus))
	ctx := context.Background()

	a, _, err := store.Ingest(ctx, "thread-1", "task-1", Node{UserID: "user-1", Kind: KindToolOutput})
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	b, _, err := store.Ingest(ctx, "thread-1", "task-1", Node{UserID: "user-1", Kind: KindCompletedAction})
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	edge, err := store.Relate(ctx, "thread-1", "task-1", "user-1", a.ID, b.ID, EdgeLedTo, 0.8)
	if err != nil {
		t.Fatalf("Relate failed: %v", err)
	}
	if edge.Strength != 0.8 {
		t.Fatalf("strength = %f, want 0.8", edge.Strength)
	}

	published := bus.byKind(events.KindMemoryEdgeAdded)
	if len(published) != 1 {
		t.Fatalf("published %d edge events, want 1", len(published))
	}
	payload := published[0].Payload.(events.MemoryEdgeAdded)
	if payload.From != a.ID || payload.To != b.ID || payload.EdgeType != string(EdgeLedTo) {
		t.Fatalf("edge event drifted: %+v", payload)
	}
}

func TestStoreRelatePersistsEntityRelations(t *testing.T) {
	entities := &fakeEntityStore{}
	store := NewStore(WithEntityPersistence(entities))
	ctx := context.Background()

	account, _, err := store.Ingest(ctx, "thread-1", "task-1", Node{
		UserID: "user-1", Kind: KindDomainEntity, EntityID: "ACC-1", EntitySystem: "crm",
	})
	if err != nil {
		t.Fatalf("Ingest account failed: %v", err)
	}
	ticket, _, err := store.Ingest(ctx, "thread-1", "task-1", Node{
		UserID: "user-1", Kind: KindDomainEntity, EntityID: "BUG-9", EntitySystem: "jira",
	})
	if err != nil {
		t.Fatalf("Ingest ticket failed: %v", err)
	}
	action, _, err := store.Ingest(ctx, "thread-1", "task-1", Node{
		UserID: "user-1", Kind: KindCompletedAction,
	})
	if err != nil {
		t.Fatalf("Ingest action failed: %v", err)
	}

	if _, err := store.Relate(ctx, "thread-1", "task-1", "user-1", account.ID, ticket.ID, EdgeRelatesTo, 0.7); err != nil {
		t.Fatalf("Relate entities failed: %v", err)
	}
	if _, err := store.Relate(ctx, "thread-1", "task-1", "user-1", action.ID, account.ID, EdgeLedTo, 0.5); err != nil {
		t.Fatalf("Relate action failed: %v", err)
	}

	entities.mu.Lock()
	defer entities.mu.Unlock()
	if len(entities.relUpserts) != 1 {
		t.Fatalf("persisted %d relations, want only the entity-to-entity edge", len(entities.relUpserts))
	}
	rel := entities.relUpserts[0]
	if rel.From != account.ID || rel.To != ticket.ID || rel.Type != EdgeRelatesTo {
		t.Fatalf("persisted wrong relation: %+v", rel)
	}
}

func TestStoreBootstrapsPersistedRelations(t *testing.T) {
	entities := &fakeEntityStore{
		entities: map[string][]Node{
			"user-1": {
				{ID: "node-a", UserID: "user-1", Kind: KindDomainEntity, EntityID: "ACC-1", EntitySystem: "crm"},
				{ID: "node-b", UserID: "user-1", Kind: KindDomainEntity, EntityID: "BUG-9", EntitySystem: "jira"},
			},
		},
		relations: map[string][]Edge{
			"user-1": {{From: "node-a", To: "node-b", Type: EdgeRelatesTo, Strength: 0.7}},
		},
	}
	store := NewStore(WithEntityPersistence(entities))

	snap := store.GraphSnapshot(context.Background(), "user-1")
	if len(snap.Edges) != 1 {
		t.Fatalf("restored %d edges, want 1", len(snap.Edges))
	}
	edge := snap.Edges[0]
	if edge.From != "node-a" || edge.To != "node-b" || edge.EdgeType != string(EdgeRelatesTo) {
		t.Fatalf("restored edge drifted: %+v", edge)
	}
	if edge.Strength != 0.7 {
		t.Fatalf("restored strength = %f, want 0.7", edge.Strength)
	}

	entities.mu.Lock()
	defer entities.mu.Unlock()
	if len(entities.relUpserts) != 0 {
		t.Fatal("bootstrap must not write relations back")
	}
}

func TestStoreRetrieveDegradesWhenVectorizerFails(t *testing.T) {
	vec := &fakeVectorizer{fail: true}
	store := NewStore(WithVectorizer(vec))
	ctx := context.Background()

	// Index failure is logged, not returned.
	_, _, err := store.Ingest(ctx, "thread-1", "task-1", Node{
		UserID: "user-1", Kind: KindSearchResult, Tags: []string{"billing"},
	})
	if err != nil {
		t.Fatalf("Ingest must tolerate vector failures, got %v", err)
	}

	hits := store.Retrieve(ctx, "user-1", Query{Text: "billing question", Tags: []string{"billing"}})
	if len(hits) != 1 {
		t.Fatalf("retrieve degraded to %d hits, want tag-ranked 1", len(hits))
	}
}

func TestStoreRetrieveUsesVectorScores(t *testing.T) {
	vec := &fakeVectorizer{}
	store := NewStore(WithVectorizer(vec))
	ctx := context.Background()

	plain, _, err := store.Ingest(ctx, "thread-1", "task-1", Node{UserID: "user-1", Kind: KindConversationFact})
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	similar, _, err := store.Ingest(ctx, "thread-1", "task-1", Node{UserID: "user-1", Kind: KindConversationFact})
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	vec.scores = map[string]float64{similar.ID: 0.95}

	hits := store.Retrieve(ctx, "user-1", Query{Text: "anything"})
	if len(hits) != 2 {
		t.Fatalf("got %d hits, want 2", len(hits))
	}
	if hits[0].Node.ID != similar.ID {
		t.Fatalf("cosine-backed node must rank first, got %s (plain %s)", hits[0].Node.ID, plain.ID)
	}
}

func TestStoreGraphRoundTrip(t *testing.T) {
	cp := newCheckpointStore(t)
	ctx := context.Background()

	store := NewStore(WithCheckpoints(cp))
	a, _, err := store.Ingest(ctx, "thread-1", "task-1", Node{UserID: "user-1", Kind: KindToolOutput, Summary: "a"})
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	b, _, err := store.Ingest(ctx, "thread-1", "task-1", Node{UserID: "user-1", Kind: KindCompletedAction, Summary: "b"})
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if _, err := store.Relate(ctx, "thread-1", "task-1", "user-1", a.ID, b.ID, EdgeLedTo, 0.7); err != nil {
		t.Fatalf("Relate failed: %v", err)
	}
	if err := store.SaveGraph(ctx, "user-1"); err != nil {
		t.Fatalf("SaveGraph failed: %v", err)
	}

	// A fresh store over the same checkpoint dir simulates a restart.
	restored := NewStore(WithCheckpoints(cp))
	if err := restored.LoadGraph(ctx, "user-1"); err != nil {
		t.Fatalf("LoadGraph failed: %v", err)
	}

	got, ok := restored.Node(ctx, "user-1", a.ID)
	if !ok {
		t.Fatalf("node %s not restored", a.ID)
	}
	if got.Summary != "a" {
		t.Fatalf("restored summary drifted: %q", got.Summary)
	}
	snap := restored.GraphSnapshot(ctx, "user-1")
	if len(snap.Nodes) != 2 || len(snap.Edges) != 1 {
		t.Fatalf("restored %d nodes / %d edges, want 2 / 1", len(snap.Nodes), len(snap.Edges))
	}
	if snap.Edges[0].Strength != 0.7 {
		t.Fatalf("edge strength drifted: %f", snap.Edges[0].Strength)
	}

	// A second load must not strengthen existing edges or duplicate nodes.
	if err := restored.LoadGraph(ctx, "user-1"); err != nil {
		t.Fatalf("second LoadGraph failed: %v", err)
	}
	snap = restored.GraphSnapshot(ctx, "user-1")
	if len(snap.Nodes) != 2 || len(snap.Edges) != 1 {
		t.Fatalf("reload changed the graph: %d nodes / %d edges", len(snap.Nodes), len(snap.Edges))
	}
	if snap.Edges[0].Strength != 0.7 {
		t.Fatalf("reload strengthened the edge: %f", snap.Edges[0].Strength)
	}
}

func TestStoreLoadGraphMissingIsFine(t *testing.T) {
	store := NewStore(WithCheckpoints(newCheckpointStore(t)))
	if err := store.LoadGraph(context.Background(), "user-1"); err != nil {
		t.Fatalf("missing snapshot must not error, got %v", err)
	}
	if snap := store.GraphSnapshot(context.Background(), "user-1"); len(snap.Nodes) != 0 {
		t.Fatalf("expected an empty graph, got %d nodes", len(snap.Nodes))
	}
}

func TestStoreSweepDropsStaleVectors(t *testing.T) {
	vec := &fakeVectorizer{}
	store := NewStore(WithVectorizer(vec))
	ctx := context.Background()

	stale := time.Now().Add(-400 * time.Hour)
	old, _, err := store.Ingest(ctx, "thread-1", "task-1", Node{
		UserID:         "user-1",
		Kind:           KindTemporaryState,
		CreatedAt:      stale,
		LastAccessedAt: stale,
	})
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	// The sweep fires every gcEvery stores.
	for i := 1; i < gcEvery; i++ {
		if _, _, err := store.Ingest(ctx, "thread-1", "task-1", Node{UserID: "user-1", Kind: KindToolOutput}); err != nil {
			t.Fatalf("Ingest %d failed: %v", i, err)
		}
	}

	if _, ok := store.Node(ctx, "user-1", old.ID); ok {
		t.Fatal("stale node survived the sweep")
	}
	vec.mu.Lock()
	defer vec.mu.Unlock()
	if len(vec.removed) != 1 || vec.removed[0] != old.ID {
		t.Fatalf("vector cleanup saw %v, want [%s]", vec.removed, old.ID)
	}
}

func TestCheckpointEntityStoreRoundTrip(t *testing.T) {
	store := NewCheckpointEntityStore(newCheckpointStore(t))
	ctx := context.Background()

	first := Node{
		ID: "n1", UserID: "user-1", Kind: KindDomainEntity,
		EntityID: "ORD-1", EntitySystem: "orders", Summary: "v1",
	}
	if err := store.UpsertEntity(ctx, first); err != nil {
		t.Fatalf("UpsertEntity failed: %v", err)
	}
	second := first
	second.Summary = "v2"
	if err := store.UpsertEntity(ctx, second); err != nil {
		t.Fatalf("second UpsertEntity failed: %v", err)
	}
	other := Node{
		ID: "n2", UserID: "user-1", Kind: KindDomainEntity,
		EntityID: "ORD-2", EntitySystem: "orders",
	}
	if err := store.UpsertEntity(ctx, other); err != nil {
		t.Fatalf("UpsertEntity for second identity failed: %v", err)
	}

	nodes, err := store.LoadEntities(ctx, "user-1")
	if err != nil {
		t.Fatalf("LoadEntities failed: %v", err)
	}
	if len(nodes) != 2 {
		t.Fatalf("loaded %d entities, want 2", len(nodes))
	}
	if nodes[0].Summary != "v2" {
		t.Fatalf("upsert did not replace in place: %q", nodes[0].Summary)
	}

	missing, err := store.LoadEntities(ctx, "user-unknown")
	if err != nil {
		t.Fatalf("LoadEntities for unknown user failed: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for unknown user, got %v", missing)
	}
}

func TestCheckpointEntityStoreRejectsAnonymousNodes(t *testing.T) {
	store := NewCheckpointEntityStore(newCheckpointStore(t))
	err := store.UpsertEntity(context.Background(), Node{ID: "n1", UserID: "user-1", Kind: KindToolOutput})
	if err == nil {
		t.Fatal("expected rejection of a node without entity identity")
	}
}

func TestCheckpointEntityStoreRelationRoundTrip(t *testing.T) {
	store := NewCheckpointEntityStore(newCheckpointStore(t))
	ctx := context.Background()

	first := Edge{From: "n1", To: "n2", Type: EdgeRelatesTo, Strength: 0.5}
	if err := store.UpsertRelation(ctx, "user-1", first); err != nil {
		t.Fatalf("UpsertRelation failed: %v", err)
	}
	strengthened := first
	strengthened.Strength = 0.75
	if err := store.UpsertRelation(ctx, "user-1", strengthened); err != nil {
		t.Fatalf("second UpsertRelation failed: %v", err)
	}
	if err := store.UpsertRelation(ctx, "user-1", Edge{From: "n1", To: "n2", Type: EdgeRefines, Strength: 0.4}); err != nil {
		t.Fatalf("UpsertRelation for second type failed: %v", err)
	}

	edges, err := store.LoadRelations(ctx, "user-1")
	if err != nil {
		t.Fatalf("LoadRelations failed: %v", err)
	}
	if len(edges) != 2 {
		t.Fatalf("loaded %d relations, want 2", len(edges))
	}
	if edges[0].Strength != 0.75 {
		t.Fatalf("upsert did not replace in place: %f", edges[0].Strength)
	}

	missing, err := store.LoadRelations(ctx, "user-unknown")
	if err != nil {
		t.Fatalf("LoadRelations for unknown user failed: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for unknown user, got %v", missing)
	}
}

func TestChromemVectorizerRanksBySimilarity(t *testing.T) {
	embed := func(ctx context.Context, text string) ([]float32, error) {
		vec := []float32{0.01, 0.01, 0.01}
		if strings.Contains(text, "billing") {
			vec[0] = 1
		}
		if strings.Contains(text, "weather") {
			vec[1] = 1
		}
		return vec, nil
	}
	v, err := newChromemVectorizer("", embed)
	if err != nil {
		t.Fatalf("newChromemVectorizer failed: %v", err)
	}
	ctx := context.Background()

	billing := Node{ID: "n-billing", UserID: "user-1", Kind: KindSearchResult, Summary: "billing invoice due"}
	weather := Node{ID: "n-weather", UserID: "user-1", Kind: KindSearchResult, Summary: "weather sunny tomorrow"}
	for _, node := range []Node{billing, weather} {
		if err := v.Index(ctx, node); err != nil {
			t.Fatalf("Index %s failed: %v", node.ID, err)
		}
	}

	scores, err := v.Scores(ctx, "user-1", "billing question", 10)
	if err != nil {
		t.Fatalf("Scores failed: %v", err)
	}
	if scores["n-billing"] <= scores["n-weather"] {
		t.Fatalf("similarity ordering wrong: %v", scores)
	}

	if err := v.Remove(ctx, "user-1", []string{"n-billing"}); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	scores, err = v.Scores(ctx, "user-1", "billing question", 10)
	if err != nil {
		t.Fatalf("Scores after Remove failed: %v", err)
	}
	if _, ok := scores["n-billing"]; ok {
		t.Fatal("removed document still scored")
	}

	empty, err := v.Scores(ctx, "user-1", "   ", 10)
	if err != nil {
		t.Fatalf("Scores with blank text failed: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("blank query must score nothing, got %v", empty)
	}
}

func TestChromemVectorizerSkipsEmptyNodes(t *testing.T) {
	v, err := newChromemVectorizer("", func(ctx context.Context, text string) ([]float32, error) {
		return []float32{1, 0}, nil
	})
	if err != nil {
		t.Fatalf("newChromemVectorizer failed: %v", err)
	}
	// No summary, tags, or identity: nothing to embed.
	if err := v.Index(context.Background(), Node{ID: "n", UserID: "user-1", Kind: KindToolOutput}); err != nil {
		t.Fatalf("Index of empty node failed: %v", err)
	}
	scores, err := v.Scores(context.Background(), "user-1", "anything", 5)
	if err != nil {
		t.Fatalf("Scores failed: %v", err)
	}
	if len(scores) != 0 {
		t.Fatalf("empty node should not be indexed, got %v", scores)
	}
}
