package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"maestro/internal/checkpoint"
	"maestro/internal/config"
	maestroerrors "maestro/internal/errors"
	"maestro/internal/logging"
	"maestro/internal/observability"
	"maestro/internal/protocol"
	"maestro/internal/serialize"
	"maestro/internal/utils/id"
)

// gcInterval caps how often the idle sweep runs regardless of TTL.
const gcInterval = 10 * time.Minute

// Manager owns the thread-to-engine map. It creates engines on demand,
// rehydrates them from checkpoints, funnels resume and interrupt commands to
// the right engine, and retires engines that sit idle past their TTL.
type Manager struct {
	deps    Deps
	idleTTL time.Duration
	logger  logging.Logger
	now     func() time.Time

	mu      sync.Mutex
	threads map[string]*Engine
	tasks   map[string]string
	sealed  bool
}

// NewManager wires a manager around shared engine dependencies.
func NewManager(deps Deps, idleTTL time.Duration) *Manager {
	if idleTTL <= 0 {
		idleTTL = config.DefaultIdleTTL
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Manager{
		deps:    deps,
		idleTTL: idleTTL,
		logger:  logging.OrNop(deps.Logger),
		now:     clock,
		threads: make(map[string]*Engine),
		tasks:   make(map[string]string),
	}
}

// ProcessTask validates the request, fills in missing identifiers, and runs
// it on the thread's engine. Concurrent requests for one thread serialize on
// the engine lock; requests for different threads run independently.
func (m *Manager) ProcessTask(ctx context.Context, req *protocol.TaskRequest) (*protocol.TaskResponse, error) {
	if req == nil {
		return nil, maestroerrors.NewInvalidRequest("request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, &maestroerrors.InvalidRequestError{Err: err}
	}
	if strings.TrimSpace(req.Context.ThreadID) == "" {
		req.Context.ThreadID = id.NewThreadID()
	}
	if strings.TrimSpace(req.TaskID) == "" {
		req.TaskID = id.NewTaskID()
	}

	ctx, span := m.startSpan(ctx, req)
	defer span.End()

	for {
		eng, err := m.engineFor(ctx, req.Context.ThreadID, req.Context.UserID)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		resp, err := eng.Run(ctx, req)
		if errors.Is(err, errRetired) {
			// The idle sweep recycled this engine between lookup and entry.
			continue
		}
		if resp != nil {
			m.mu.Lock()
			m.tasks[resp.TaskID] = req.Context.ThreadID
			m.mu.Unlock()
			span.SetAttributes(observability.StatusAttrs(string(resp.Status))...)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return resp, err
	}
}

func (m *Manager) startSpan(ctx context.Context, req *protocol.TaskRequest) (context.Context, trace.Span) {
	if m.deps.Tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	attrs := append(observability.ThreadAttrs(req.Context.ThreadID),
		attribute.String(observability.AttrTaskID, req.TaskID))
	return m.deps.Tracer.StartSpan(ctx, observability.SpanProcessTask, attrs...)
}

// Resume re-enters an interrupted workflow. The thread must be live; a
// retired thread is resumed by sending a fresh task, which rehydrates it.
func (m *Manager) Resume(ctx context.Context, threadID string, cmd protocol.ResumeCommand) (*protocol.TaskResponse, error) {
	m.mu.Lock()
	eng, ok := m.threads[threadID]
	userID := ""
	if ok {
		userID = eng.userID
	}
	m.mu.Unlock()
	if !ok {
		return nil, maestroerrors.NewInvalidRequest("thread " + threadID + " is not active")
	}
	req := &protocol.TaskRequest{
		Resume: &cmd,
		Context: protocol.TaskContext{
			ThreadID: threadID,
			UserID:   userID,
		},
	}
	resp, err := eng.Run(ctx, req)
	if errors.Is(err, errRetired) {
		return nil, maestroerrors.NewInvalidRequest("thread " + threadID + " is not active")
	}
	return resp, err
}

// Interrupt flags a user escape on a running thread. The engine observes it
// at the next step boundary, or immediately when an agent call is still in
// flight.
func (m *Manager) Interrupt(threadID, reason string) error {
	m.mu.Lock()
	eng, ok := m.threads[threadID]
	m.mu.Unlock()
	if !ok {
		return maestroerrors.NewInvalidRequest("thread " + threadID + " is not active")
	}
	if !eng.Running() {
		return maestroerrors.NewInvalidRequest("thread " + threadID + " has no running workflow")
	}
	eng.RequestEscape(reason)
	m.logger.Info("thread %s: escape requested", threadID)
	return nil
}

// ThreadForTask maps a task ID back to its thread, for callers that only
// kept the task handle.
func (m *Manager) ThreadForTask(taskID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	threadID, ok := m.tasks[taskID]
	return threadID, ok
}

// engineFor returns the live engine for a thread, rehydrating state from the
// checkpoint store when the thread is cold.
func (m *Manager) engineFor(ctx context.Context, threadID, userID string) (*Engine, error) {
	m.mu.Lock()
	if m.sealed {
		m.mu.Unlock()
		return nil, maestroerrors.NewInvalidRequest("server is shutting down")
	}
	if eng, ok := m.threads[threadID]; ok {
		m.mu.Unlock()
		return eng, nil
	}
	m.mu.Unlock()

	// Restore outside the map lock; checkpoint reads can be slow.
	state := m.restoreState(ctx, threadID, userID)
	if m.deps.Memory != nil {
		if err := m.deps.Memory.LoadGraph(ctx, userID); err != nil {
			m.logger.Warn("thread %s: memory graph restore failed: %v", threadID, err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sealed {
		return nil, maestroerrors.NewInvalidRequest("server is shutting down")
	}
	if eng, ok := m.threads[threadID]; ok {
		return eng, nil
	}
	eng := NewEngine(threadID, userID, state, m.deps)
	m.threads[threadID] = eng
	if m.deps.Metrics != nil {
		m.deps.Metrics.IncrementActiveThreads(ctx)
	}
	if state != nil {
		m.logger.Info("thread %s rehydrated (status %s, %d steps)", threadID, state.Status, len(state.PastSteps))
	}
	return eng, nil
}

// restoreState loads the thread's checkpointed workflow state, if any. A
// corrupt checkpoint is logged and treated as a cold start rather than
// wedging the thread forever.
func (m *Manager) restoreState(ctx context.Context, threadID, userID string) *serialize.WorkflowState {
	if m.deps.Checkpoints == nil {
		return nil
	}
	blob, err := m.deps.Checkpoints.Get(ctx, checkpoint.MemoryNamespace(userID), checkpoint.StateKey(threadID))
	if err != nil {
		if !errors.Is(err, checkpoint.ErrNotFound) {
			m.logger.Warn("thread %s: state restore failed: %v", threadID, err)
		}
		return nil
	}
	state, err := serialize.UnmarshalState(blob)
	if err != nil {
		m.logger.Warn("thread %s: discarding corrupt checkpoint: %v", threadID, err)
		return nil
	}
	return state
}

// Seal stops the manager from admitting new work. Running workflows finish;
// Drain waits for them.
func (m *Manager) Seal() {
	m.mu.Lock()
	m.sealed = true
	m.mu.Unlock()
}

// Drain blocks until every engine is quiescent or the context expires.
func (m *Manager) Drain(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if m.busy() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *Manager) busy() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, eng := range m.threads {
		if eng.Running() {
			n++
		}
	}
	return n
}

// Run drives the idle sweep until the context is canceled. Call it from a
// goroutine alongside the server.
func (m *Manager) Run(ctx context.Context) {
	interval := m.idleTTL / 8
	if interval <= 0 || interval > gcInterval {
		interval = gcInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// sweep retires engines idle past the TTL. TryLock keeps the race fair: an
// engine that just admitted a Run holds its lock and is skipped; an engine
// we lock first sees retired on entry and the caller retries with a fresh
// one. Checkpointed state survives retirement, so rehydration is lossless.
func (m *Manager) sweep(ctx context.Context) {
	cutoff := m.now().Add(-m.idleTTL)

	m.mu.Lock()
	candidates := make(map[string]*Engine)
	for threadID, eng := range m.threads {
		if !eng.Running() && eng.LastActive().Before(cutoff) {
			candidates[threadID] = eng
		}
	}
	m.mu.Unlock()

	for threadID, eng := range candidates {
		if !eng.mu.TryLock() {
			continue
		}
		eng.retired = true
		eng.mu.Unlock()

		m.mu.Lock()
		delete(m.threads, threadID)
		for taskID, tid := range m.tasks {
			if tid == threadID {
				delete(m.tasks, taskID)
			}
		}
		m.mu.Unlock()

		if m.deps.Bus != nil {
			m.deps.Bus.ReleaseThread(threadID)
		}
		if m.deps.Metrics != nil {
			m.deps.Metrics.DecrementActiveThreads(ctx)
		}
		m.logger.Info("thread %s retired after %s idle", threadID, m.idleTTL)
	}
}
