package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	chromem "github.com/philippgille/chromem-go"

	"maestro/internal/config"
)

// Vectorizer adds the embedding cosine term to retrieval. A nil Vectorizer
// is valid: the scoring weight moves to the tag term.
type Vectorizer interface {
	// Index stores or refreshes the node's embedding document.
	Index(ctx context.Context, node Node) error
	// Scores returns cosine similarity per node ID for a query text.
	Scores(ctx context.Context, userID, text string, topK int) (map[string]float64, error)
	// Remove drops documents for deleted nodes.
	Remove(ctx context.Context, userID string, nodeIDs []string) error
}

// embedCacheSize bounds the LRU in front of the embeddings endpoint.
const embedCacheSize = 10000

// ChromemVectorizer keeps one chromem collection per user, embedding node
// summaries through an OpenAI-compatible endpoint.
type ChromemVectorizer struct {
	db      *chromem.DB
	embedFn chromem.EmbeddingFunc

	mu          sync.Mutex
	collections map[string]*chromem.Collection
}

// NewChromemVectorizer opens a persistent vector store at dir (empty dir
// keeps it in memory) using the configured embeddings endpoint.
func NewChromemVectorizer(dir string, cfg config.EmbeddingsConfig) (*ChromemVectorizer, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("embeddings endpoint is required")
	}
	embedder, err := newHTTPEmbedder(cfg)
	if err != nil {
		return nil, err
	}
	return newChromemVectorizer(dir, embedder.embed)
}

// newChromemVectorizer wires an explicit embedding function, which tests use
// to avoid the network.
func newChromemVectorizer(dir string, embedFn chromem.EmbeddingFunc) (*ChromemVectorizer, error) {
	var db *chromem.DB
	if dir != "" {
		persistFile := filepath.Join(dir, "vectors.gob")
		var err error
		db, err = chromem.NewPersistentDB(persistFile, false)
		if err != nil {
			return nil, fmt.Errorf("open vector store: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}
	return &ChromemVectorizer{
		db:          db,
		embedFn:     embedFn,
		collections: make(map[string]*chromem.Collection),
	}, nil
}

func (v *ChromemVectorizer) collection(userID string) (*chromem.Collection, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if coll, ok := v.collections[userID]; ok {
		return coll, nil
	}
	coll, err := v.db.GetOrCreateCollection("user_"+userID, nil, v.embedFn)
	if err != nil {
		return nil, fmt.Errorf("open collection for %s: %w", userID, err)
	}
	v.collections[userID] = coll
	return coll, nil
}

// Index upserts the node as a document. The embedded text is the summary
// plus tags and entity identity so lookups by business object work.
func (v *ChromemVectorizer) Index(ctx context.Context, node Node) error {
	coll, err := v.collection(node.UserID)
	if err != nil {
		return err
	}
	content := embedText(node)
	if content == "" {
		return nil
	}
	return coll.AddDocument(ctx, chromem.Document{
		ID:      node.ID,
		Content: content,
		Metadata: map[string]string{
			"kind": string(node.Kind),
		},
	})
}

// Scores queries the user collection and maps node ID to similarity.
func (v *ChromemVectorizer) Scores(ctx context.Context, userID, text string, topK int) (map[string]float64, error) {
	if strings.TrimSpace(text) == "" {
		return map[string]float64{}, nil
	}
	coll, err := v.collection(userID)
	if err != nil {
		return nil, err
	}
	count := coll.Count()
	if count == 0 {
		return map[string]float64{}, nil
	}
	if topK <= 0 || topK > count {
		topK = count
	}
	results, err := coll.Query(ctx, text, topK, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("vector query: %w", err)
	}
	scores := make(map[string]float64, len(results))
	for _, r := range results {
		scores[r.ID] = float64(r.Similarity)
	}
	return scores, nil
}

// Remove deletes documents for the given node IDs.
func (v *ChromemVectorizer) Remove(ctx context.Context, userID string, nodeIDs []string) error {
	if len(nodeIDs) == 0 {
		return nil
	}
	coll, err := v.collection(userID)
	if err != nil {
		return err
	}
	for _, nodeID := range nodeIDs {
		if err := coll.Delete(ctx, nil, nil, nodeID); err != nil {
			return fmt.Errorf("delete vector %s: %w", nodeID, err)
		}
	}
	return nil
}

// embedText flattens the searchable parts of a node into one string.
func embedText(node Node) string {
	parts := make([]string, 0, 3)
	if node.Summary != "" {
		parts = append(parts, node.Summary)
	}
	if len(node.Tags) > 0 {
		parts = append(parts, strings.Join(node.Tags, " "))
	}
	if node.EntityID != "" {
		parts = append(parts, node.EntitySystem+":"+node.EntityID)
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}

// httpEmbedder calls an OpenAI-compatible embeddings endpoint with an LRU
// cache in front.
type httpEmbedder struct {
	endpoint string
	model    string
	apiKey   string
	client   *http.Client
	cache    *lru.Cache[string, []float32]
}

func newHTTPEmbedder(cfg config.EmbeddingsConfig) (*httpEmbedder, error) {
	cache, err := lru.New[string, []float32](embedCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}
	apiKey := ""
	if cfg.APIKeyEnv != "" {
		apiKey = os.Getenv(cfg.APIKeyEnv)
	}
	model := cfg.Model
	if model == "" {
		model = "text-embedding-3-small"
	}
	return &httpEmbedder{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		model:    model,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: 60 * time.Second},
		cache:    cache,
	}, nil
}

func (e *httpEmbedder) embed(ctx context.Context, text string) ([]float32, error) {
	if cached, ok := e.cache.Get(text); ok {
		return cached, nil
	}

	body, err := json.Marshal(map[string]any{
		"model": e.model,
		"input": []string{text},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embeddings request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("embeddings endpoint returned %d: %s", resp.StatusCode, msg)
	}

	var apiResp struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("decode embeddings response: %w", err)
	}
	if len(apiResp.Data) == 0 {
		return nil, fmt.Errorf("embeddings endpoint returned no vectors")
	}

	e.cache.Add(text, apiResp.Data[0].Embedding)
	return apiResp.Data[0].Embedding, nil
}
