package server

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"maestro/internal/checkpoint"
	"maestro/internal/config"
	"maestro/internal/engine"
	maestroerrors "maestro/internal/errors"
	"maestro/internal/events"
	"maestro/internal/extract"
	"maestro/internal/logging"
	"maestro/internal/memory"
	"maestro/internal/observability"
	"maestro/internal/prompts"
	"maestro/internal/protocol"
	"maestro/internal/registry"
	"maestro/internal/rpc"
)

// DefaultGraceTimeout bounds shutdown: seal the manager, drain in-flight
// work and subscribers, stop the listener.
const DefaultGraceTimeout = 10 * time.Second

// Supervisor owns process bring-up and teardown. Construction wires the
// subsystems in dependency order: checkpoint store, registry, RPC client,
// observer bus, then the transport surface. Run starts the active parts and
// unwinds them when the context ends.
type Supervisor struct {
	cfg    config.Config
	grace  time.Duration
	logger logging.Logger

	checkpoints checkpoint.Store
	client      *rpc.Client
	agents      *registry.Registry
	bus         *events.Bus
	memory      *memory.Store
	manager     *engine.Manager
	server      *Server

	metrics        *observability.MetricsCollector
	tracer         *observability.TracerProvider
	metricsEnabled bool
	metricsPort    int
}

// SupervisorOption customizes construction.
type SupervisorOption func(*Supervisor)

// WithGraceTimeout overrides the shutdown budget.
func WithGraceTimeout(d time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		if d > 0 {
			s.grace = d
		}
	}
}

// WithProcessLogger replaces the slog-derived process logger. Tests use it
// to keep output quiet.
func WithProcessLogger(logger logging.Logger) SupervisorOption {
	return func(s *Supervisor) { s.logger = logger }
}

// NewSupervisor builds every subsystem from the resolved configuration. A
// construction error leaves nothing running.
func NewSupervisor(ctx context.Context, cfg config.Config, opts ...SupervisorOption) (*Supervisor, error) {
	obsCfg, err := observability.LoadConfig(cfg.AgentsConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load observability config: %w", err)
	}

	s := &Supervisor{cfg: cfg, grace: DefaultGraceTimeout}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		slogger := observability.NewLogger(observability.LogConfig{
			Level:  obsCfg.Logging.Level,
			Format: obsCfg.Logging.Format,
		})
		s.logger = logging.FromObservability(slogger)
	}
	log := logging.WithComponent(s.logger, "supervisor")

	s.metrics, err = observability.NewMetricsCollector(obsCfg.Metrics)
	if err != nil {
		return nil, fmt.Errorf("metrics init: %w", err)
	}
	s.metricsEnabled = obsCfg.Metrics.Enabled
	s.metricsPort = obsCfg.Metrics.PrometheusPort

	s.tracer, err = observability.NewTracerProvider(obsCfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("tracing init: %w", err)
	}

	// Close whatever is already open when a later step fails.
	ok := false
	defer func() {
		if !ok && s.checkpoints != nil {
			_ = s.checkpoints.Close()
		}
	}()

	regFile, err := config.LoadRegistry(cfg.AgentsConfigPath)
	if err != nil {
		return nil, err
	}

	if err := s.openCheckpoints(ctx, cfg); err != nil {
		return nil, err
	}

	breakerCfg := maestroerrors.DefaultCircuitBreakerConfig()
	breakerCfg.OnStateChange = func(from, to maestroerrors.CircuitState, endpoint string) {
		s.metrics.RecordBreakerTransition(context.Background(), endpoint, from.String(), to.String())
	}
	s.client = rpc.NewClient(
		rpc.WithLogger(logging.WithComponent(s.logger, "rpc")),
		rpc.WithBreakerConfig(breakerCfg),
	)

	s.agents = registry.New(s.client, registry.WithLogger(logging.WithComponent(s.logger, "registry")))
	s.agents.Seed(regFile.Agents)

	s.bus = events.NewBus(
		events.WithBusLogger(logging.WithComponent(s.logger, "bus")),
		events.WithBusMetrics(s.metrics),
	)

	memOpts := []memory.StoreOption{
		memory.WithBus(s.bus),
		memory.WithCheckpoints(s.checkpoints),
		memory.WithStoreLogger(logging.WithComponent(s.logger, "memory")),
		memory.WithMetrics(s.metrics),
	}
	entities, err := s.openEntityStore(ctx)
	if err != nil {
		return nil, err
	}
	memOpts = append(memOpts, memory.WithEntityPersistence(entities))
	if regFile.Embeddings.Endpoint != "" {
		dir := ""
		if !cfg.CheckpointIsPostgres() {
			dir = filepath.Join(expandHome(cfg.CheckpointDir), "vectors")
		}
		vec, err := memory.NewChromemVectorizer(dir, regFile.Embeddings)
		if err != nil {
			return nil, fmt.Errorf("vectorizer init: %w", err)
		}
		memOpts = append(memOpts, memory.WithVectorizer(vec))
		log.Info("semantic retrieval enabled via %s", regFile.Embeddings.Endpoint)
	}
	s.memory = memory.NewStore(memOpts...)

	extractor, err := extract.NewRuleExtractor(regFile.Extraction, logging.WithComponent(s.logger, "extract"))
	if err != nil {
		return nil, fmt.Errorf("extraction rules: %w", err)
	}

	builder := prompts.NewBuilder(cfg.TokenBudget)

	var planner engine.Planner
	if regFile.Planner.Endpoint != "" {
		planner = engine.NewRPCPlanner(s.client, regFile.Planner.Endpoint, builder, logging.WithComponent(s.logger, "planner"))
		log.Info("planner at %s", regFile.Planner.Endpoint)
	} else {
		planner = engine.FallbackPlanner{}
		log.Info("no planner endpoint configured, using the deterministic fallback")
	}

	driver := engine.NewDispatcher(s.agents, s.client, s.bus,
		logging.WithComponent(s.logger, "driver"),
		engine.WithDispatcherMetrics(s.metrics),
		engine.WithDispatcherTracer(s.tracer))

	s.manager = engine.NewManager(engine.Deps{
		Planner:     planner,
		Driver:      driver,
		Memory:      s.memory,
		Extractor:   extractor,
		Bus:         s.bus,
		Checkpoints: s.checkpoints,
		Prompts:     builder,
		Registry:    s.agents,
		Logger:      s.logger,
		Metrics:     s.metrics,
		Tracer:      s.tracer,
		MaxSteps:    cfg.MaxSteps,
	}, cfg.IdleTTL)

	s.server = New(cfg.Addr(), Deps{
		Manager:     s.manager,
		Bus:         s.bus,
		Registry:    s.agents,
		Checkpoints: s.checkpoints,
		Breakers:    s.client.Breakers(),
		Card:        ownCard(),
		Logger:      s.logger,
		Tracer:      s.tracer,
	})

	log.Info("wired %d agent seeds, %d extraction rules, checkpoints at %s",
		len(regFile.Agents), len(regFile.Extraction), describeCheckpointTarget(cfg))
	ok = true
	return s, nil
}

// openCheckpoints selects the backend from the checkpoint destination: a
// postgres URL gets the database store, anything else is a directory.
func (s *Supervisor) openCheckpoints(ctx context.Context, cfg config.Config) error {
	if cfg.CheckpointIsPostgres() {
		pool, err := checkpoint.OpenPool(ctx, cfg.CheckpointDir)
		if err != nil {
			return fmt.Errorf("connect checkpoint database: %w", err)
		}
		store := checkpoint.NewPostgresStore(pool, s.logger)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return fmt.Errorf("checkpoint schema: %w", err)
		}
		s.checkpoints = store
		return nil
	}

	store, err := checkpoint.NewFileStore(expandHome(cfg.CheckpointDir), s.logger)
	if err != nil {
		return fmt.Errorf("open checkpoint directory: %w", err)
	}
	s.checkpoints = store
	return nil
}

// openEntityStore keeps DomainEntity rows in Postgres when the checkpoint
// destination is a database; otherwise they ride the checkpoint store.
func (s *Supervisor) openEntityStore(ctx context.Context) (memory.EntityPersistence, error) {
	if pg, isPG := s.checkpoints.(*checkpoint.PostgresStore); isPG {
		entities := memory.NewPostgresEntityStore(pg.Pool())
		if err := entities.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("entity schema: %w", err)
		}
		return entities, nil
	}
	return memory.NewCheckpointEntityStore(s.checkpoints), nil
}

// Run starts the health poller, the idle GC, and the HTTP listener, then
// blocks until the context ends or the listener fails. Shutdown is always
// attempted once, inside the grace budget.
func (s *Supervisor) Run(ctx context.Context) error {
	if s.metricsEnabled {
		if err := s.metrics.StartPrometheusServer(s.metricsPort); err != nil {
			return fmt.Errorf("start metrics listener: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.agents.Start(gctx)
		return nil
	})
	g.Go(func() error {
		s.manager.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return s.server.Start()
	})
	g.Go(func() error {
		<-gctx.Done()
		s.shutdown()
		return nil
	})
	return g.Wait()
}

// shutdown unwinds in the reverse of bring-up: refuse new tasks, let running
// workflows reach a checkpoint, close subscriber channels, stop the
// listener, release the stores.
func (s *Supervisor) shutdown() {
	logger := logging.WithComponent(s.logger, "supervisor")
	logger.Info("shutting down, grace %s", s.grace)

	ctx, cancel := context.WithTimeout(context.Background(), s.grace)
	defer cancel()

	s.manager.Seal()
	if err := s.manager.Drain(ctx); err != nil {
		logger.Warn("drain incomplete, in-flight work interrupted: %v", err)
	}
	s.bus.Drain()
	if err := s.server.Shutdown(ctx); err != nil {
		logger.Warn("http shutdown: %v", err)
	}
	if s.metrics != nil {
		_ = s.metrics.Shutdown(ctx)
	}
	if s.tracer != nil {
		_ = s.tracer.Shutdown(ctx)
	}
	if err := s.checkpoints.Close(); err != nil {
		logger.Warn("checkpoint store close: %v", err)
	}
	logger.Info("shutdown complete")
}

// ownCard is the card this orchestrator advertises on /a2a/agent-card. The
// endpoint is left empty; callers default it to wherever they reached us.
func ownCard() protocol.AgentCard {
	return protocol.AgentCard{
		Name:               "maestro",
		Description:        "plan-and-execute orchestrator over JSON-RPC domain agents",
		Version:            Version,
		Capabilities:       []string{"orchestrate"},
		CommunicationModes: []string{protocol.ModeSync},
	}
}

// describeCheckpointTarget renders the destination for the boot log without
// leaking database credentials.
func describeCheckpointTarget(cfg config.Config) string {
	if cfg.CheckpointIsPostgres() {
		return "postgres"
	}
	return expandHome(cfg.CheckpointDir)
}

// expandHome resolves a leading ~ so the default checkpoint directory works
// without shell expansion.
func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
