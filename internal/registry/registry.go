// Package registry tracks the domain agents the orchestrator can dispatch
// to: their cards, their health, and the capability index used to pick an
// agent for a plan step.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"maestro/internal/config"
	maestroerrors "maestro/internal/errors"
	"maestro/internal/logging"
	"maestro/internal/protocol"
)

const (
	// DefaultPollInterval is how often agent cards are re-fetched.
	DefaultPollInterval = 60 * time.Second
	// DefaultFetchTimeout bounds a single card fetch during a poll.
	DefaultFetchTimeout = 10 * time.Second
	// pollConcurrency caps parallel card fetches in one sweep.
	pollConcurrency = 8
)

// Status is an agent's health as seen from the last poll.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// CardFetcher retrieves an agent card from an endpoint. *rpc.Client
// implements it.
type CardFetcher interface {
	FetchAgentCard(ctx context.Context, endpoint string) (*protocol.AgentCard, error)
}

// Entry is one registered agent with its health bookkeeping. A failed poll
// flips Status to offline but keeps the last-known card.
type Entry struct {
	Card      protocol.AgentCard
	Status    Status
	LastSeen  time.Time
	LastError string
}

// Option configures the Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger logging.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// WithPollInterval overrides the health poll cadence.
func WithPollInterval(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithFetchTimeout overrides the per-fetch timeout during polls.
func WithFetchTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.fetchTimeout = d
		}
	}
}

// Registry holds the live agent set. Lookups are read-locked map reads and
// never wait on network traffic; polling happens on its own goroutine.
type Registry struct {
	fetcher      CardFetcher
	logger       logging.Logger
	interval     time.Duration
	fetchTimeout time.Duration

	mu     sync.RWMutex
	agents map[string]*Entry
	rr     map[string]int
}

// New builds an empty registry around a card fetcher.
func New(fetcher CardFetcher, opts ...Option) *Registry {
	r := &Registry{
		fetcher:      fetcher,
		logger:       logging.Nop(),
		interval:     DefaultPollInterval,
		fetchTimeout: DefaultFetchTimeout,
		agents:       make(map[string]*Entry),
		rr:           make(map[string]int),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Seed registers the configured agents. Seeds start online with their
// declared capabilities so dispatch works before the first poll completes;
// the first failed poll demotes them.
func (r *Registry) Seed(seeds []config.AgentSeed) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, seed := range seeds {
		r.agents[seed.Name] = &Entry{
			Card: protocol.AgentCard{
				Name:         seed.Name,
				Endpoint:     seed.Endpoint,
				Capabilities: append([]string(nil), seed.Capabilities...),
			},
			Status:   StatusOnline,
			LastSeen: time.Now(),
		}
	}
	r.logger.Info("registry seeded with %d agents", len(seeds))
}

// Register inserts or replaces an agent card and marks it online.
func (r *Registry) Register(card protocol.AgentCard) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[card.Name] = &Entry{
		Card:     card,
		Status:   StatusOnline,
		LastSeen: time.Now(),
	}
}

// Lookup returns the entry for an agent name.
func (r *Registry) Lookup(name string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.agents[name]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// Agents returns the online agents advertising capability, sorted by name.
func (r *Registry) Agents(capability string) []protocol.AgentCard {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var cards []protocol.AgentCard
	for _, entry := range r.agents {
		if entry.Status == StatusOnline && entry.Card.HasCapability(capability) {
			cards = append(cards, entry.Card)
		}
	}
	sort.Slice(cards, func(i, j int) bool { return cards[i].Name < cards[j].Name })
	return cards
}

// Select picks one online agent for capability, rotating through candidates
// across calls. It returns UnknownCapabilityError when no online agent
// advertises the capability.
func (r *Registry) Select(capability string) (protocol.AgentCard, error) {
	cards := r.Agents(capability)
	if len(cards) == 0 {
		return protocol.AgentCard{}, &maestroerrors.UnknownCapabilityError{Capability: capability}
	}
	r.mu.Lock()
	idx := r.rr[capability] % len(cards)
	r.rr[capability]++
	r.mu.Unlock()
	return cards[idx], nil
}

// Snapshot returns all entries sorted by name, for diagnostics.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := make([]Entry, 0, len(r.agents))
	for _, entry := range r.agents {
		entries = append(entries, *entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Card.Name < entries[j].Card.Name })
	return entries
}

// Len reports how many agents are registered, whatever their status.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// Start runs the health poll loop until ctx is canceled. The first sweep
// runs immediately.
func (r *Registry) Start(ctx context.Context) {
	r.RefreshAll(ctx)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RefreshAll(ctx)
		}
	}
}

// RefreshAll re-fetches every agent card concurrently and updates health.
func (r *Registry) RefreshAll(ctx context.Context) {
	r.mu.RLock()
	targets := make(map[string]string, len(r.agents))
	for name, entry := range r.agents {
		targets[name] = entry.Card.Endpoint
	}
	r.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(pollConcurrency)
	for name, endpoint := range targets {
		name, endpoint := name, endpoint
		g.Go(func() error {
			fctx, cancel := context.WithTimeout(gctx, r.fetchTimeout)
			defer cancel()
			card, err := r.fetcher.FetchAgentCard(fctx, endpoint)
			r.applyPoll(name, endpoint, card, err)
			return nil
		})
	}
	_ = g.Wait()
}

// applyPoll records one poll outcome. The card is replaced only on success.
func (r *Registry) applyPoll(name, endpoint string, card *protocol.AgentCard, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.agents[name]
	if !ok {
		return
	}
	if err != nil {
		if entry.Status != StatusOffline {
			r.logger.Warn("agent %s went offline: %v", name, err)
		}
		entry.Status = StatusOffline
		entry.LastError = err.Error()
		return
	}
	if card.Name != "" && card.Name != name {
		// The endpoint answers for a different agent; keep the configured
		// name as the registry key but log the mismatch.
		r.logger.Warn("agent %s card reports name %q", name, card.Name)
	}
	updated := *card
	updated.Name = name
	if updated.Endpoint == "" {
		updated.Endpoint = endpoint
	}
	if entry.Status != StatusOnline {
		r.logger.Info("agent %s back online", name)
	}
	entry.Card = updated
	entry.Status = StatusOnline
	entry.LastSeen = time.Now()
	entry.LastError = ""
}
