// Package engine runs the plan-execute workflow: per-thread state machines
// that plan with a remote (or fallback) planner, dispatch steps to domain
// agents, feed results through entity extraction into the memory graph, and
// checkpoint after every step. Each thread has one engine and the engine is
// the sole writer of that thread's WorkflowState; the Manager serializes
// entry and recycles idle engines.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"maestro/internal/checkpoint"
	"maestro/internal/config"
	maestroerrors "maestro/internal/errors"
	"maestro/internal/events"
	"maestro/internal/extract"
	"maestro/internal/logging"
	"maestro/internal/memory"
	"maestro/internal/observability"
	"maestro/internal/prompts"
	"maestro/internal/protocol"
	"maestro/internal/registry"
	"maestro/internal/serialize"
)

// Memory bounds for the per-step retrieval.
const (
	stepMemoryMaxAgeHours  = 2
	stepMemoryMinRelevance = 0.3
	stepMemoryLimit        = 5

	// plannerMemoryLimit bounds the graph summary fed to the plan prompt.
	plannerMemoryLimit = 8

	// defaultEdgeStrength seeds fresh LedTo edges.
	defaultEdgeStrength = 0.6

	// summaryLimit bounds step summaries carried in events and history.
	summaryLimit = 280
)

// fsmNode is one state of the plan-execute machine.
type fsmNode int

const (
	nodePlanner fsmNode = iota
	nodeExecutor
	nodeReplanner
	nodeTerminal
)

// Deps bundles everything an engine needs. The manager fills it once and
// stamps per-thread identity on each engine it creates.
type Deps struct {
	Planner     Planner
	Driver      AgentDriver
	Memory      *memory.Store
	Extractor   extract.Extractor
	Bus         *events.Bus
	Checkpoints checkpoint.Store
	Prompts     *prompts.Builder
	Registry    *registry.Registry
	Logger      logging.Logger
	Metrics     *observability.MetricsCollector
	Tracer      *observability.TracerProvider
	MaxSteps    int
	Clock       func() time.Time
}

// Engine drives one thread's workflow. Run holds the engine lock from entry
// to the next safe point, so resume commands arriving mid-segment block
// until the receive/extract/store/append/checkpoint segment finishes.
type Engine struct {
	threadID string
	userID   string

	planner     Planner
	driver      AgentDriver
	memory      *memory.Store
	extractor   extract.Extractor
	bus         *events.Bus
	checkpoints checkpoint.Store
	builder     *prompts.Builder
	registry    *registry.Registry
	logger      logging.Logger
	metrics     *observability.MetricsCollector
	tracer      *observability.TracerProvider
	maxSteps    int
	now         func() time.Time

	mu      sync.Mutex
	state   *serialize.WorkflowState
	retired bool
	// emitted is the completion high-water mark for the current task, used
	// to suppress duplicate TaskCompleted frames when a step re-runs after
	// a failed checkpoint write.
	emitted int

	running    atomic.Bool
	lastActive atomic.Int64

	escMu      sync.Mutex
	escape     *maestroerrors.InterruptedError
	stepCancel context.CancelFunc
	committed  bool
}

// errRetired reports that the manager recycled this engine between lookup
// and entry; the caller fetches a fresh one and retries.
var errRetired = fmt.Errorf("engine retired")

// NewEngine builds the engine for one thread. state is nil for a fresh
// thread, or the checkpointed WorkflowState when the manager rehydrates one.
func NewEngine(threadID, userID string, state *serialize.WorkflowState, deps Deps) *Engine {
	e := &Engine{
		threadID:    threadID,
		userID:      userID,
		state:       state,
		planner:     deps.Planner,
		driver:      deps.Driver,
		memory:      deps.Memory,
		extractor:   deps.Extractor,
		bus:         deps.Bus,
		checkpoints: deps.Checkpoints,
		builder:     deps.Prompts,
		registry:    deps.Registry,
		logger:      logging.OrNop(deps.Logger),
		metrics:     deps.Metrics,
		tracer:      deps.Tracer,
		maxSteps:    deps.MaxSteps,
		now:         deps.Clock,
	}
	if e.builder == nil {
		e.builder = prompts.NewBuilder(0)
	}
	if e.maxSteps <= 0 {
		e.maxSteps = config.DefaultMaxSteps
	}
	if e.now == nil {
		e.now = time.Now
	}
	e.touch()
	return e
}

// Running reports whether a Run is in flight.
func (e *Engine) Running() bool { return e.running.Load() }

// LastActive reports when the engine last entered or left Run, for idle GC.
func (e *Engine) LastActive() time.Time { return time.Unix(0, e.lastActive.Load()) }

func (e *Engine) touch() { e.lastActive.Store(e.now().UnixNano()) }

// Run executes or resumes the thread's workflow until it completes, fails,
// or suspends on an interrupt. The response always carries enough to resume;
// durable state lives in the checkpoint, never in the response.
func (e *Engine) Run(ctx context.Context, req *protocol.TaskRequest) (*protocol.TaskResponse, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.retired {
		return nil, errRetired
	}
	e.running.Store(true)
	defer e.running.Store(false)
	e.touch()
	defer e.touch()

	ctx = observability.ContextWithThreadID(ctx, e.threadID)
	ctx = observability.ContextWithUserID(ctx, e.userID)

	var node fsmNode
	if req.Resume != nil {
		n, err := e.applyResume(req.Resume)
		if err != nil {
			return nil, err
		}
		node = n
	} else {
		e.beginWorkflow(req)
		node = nodePlanner
	}
	ctx = observability.ContextWithTaskID(ctx, e.state.TaskID)

	for {
		var (
			resp *protocol.TaskResponse
			err  error
		)
		switch node {
		case nodePlanner:
			node, resp, err = e.plan(ctx)
		case nodeExecutor:
			node, resp, err = e.executeStep(ctx)
		case nodeReplanner:
			node, resp, err = e.replan(ctx)
		case nodeTerminal:
			return e.finish(ctx)
		}
		if resp != nil || err != nil {
			return resp, err
		}
	}
}

// beginWorkflow resets per-task state while keeping the thread's
// conversation and LedTo tail. Starting a new task over an interrupted
// workflow abandons that interrupt.
func (e *Engine) beginWorkflow(req *protocol.TaskRequest) {
	now := serialize.At(e.now())
	prev := e.state
	state := &serialize.WorkflowState{
		ThreadID:  e.threadID,
		TaskID:    req.TaskID,
		UserID:    e.userID,
		Input:     strings.TrimSpace(req.Instruction),
		Status:    serialize.StatusPlanning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if prev != nil {
		if prev.Interrupt != nil {
			e.logger.Warn("thread %s: new task abandons pending %s interrupt", e.threadID, prev.Interrupt.Type)
		}
		state.Messages = append(state.Messages, prev.Messages...)
		state.LastActionID = prev.LastActionID
	}
	state.Messages = append(state.Messages, serialize.Message{
		Role:      serialize.RoleUser,
		Content:   state.Input,
		CreatedAt: now,
	})
	e.state = state
	e.emitted = e.completionHighWater(req.TaskID)
	e.clearEscape()
}

// applyResume re-enters an interrupted workflow. forceReplan routes to the
// replanner with the input as a modification request; otherwise the input
// answers the pending question and execution continues.
func (e *Engine) applyResume(cmd *protocol.ResumeCommand) (fsmNode, error) {
	if e.state == nil || e.state.Status != serialize.StatusInterrupted || e.state.Interrupt == nil {
		return 0, maestroerrors.NewInvalidRequest("thread has no interrupt to resume")
	}
	if hw := e.completionHighWater(e.state.TaskID); hw > e.emitted {
		e.emitted = hw
	}
	e.publish(events.InterruptResumed{Input: cmd.Input, ForceReplan: cmd.ForceReplan})
	e.logger.Info("thread %s resumed (forceReplan=%t)", e.threadID, cmd.ForceReplan)
	e.state.Interrupt = nil
	e.setUpdated()

	if cmd.ForceReplan {
		e.state.ForceReplan = true
		e.state.ModificationRequest = strings.TrimSpace(cmd.Input)
		e.state.Status = serialize.StatusPlanning
		return nodeReplanner, nil
	}
	if input := strings.TrimSpace(cmd.Input); input != "" {
		e.state.Messages = append(e.state.Messages, serialize.Message{
			Role:      serialize.RoleUser,
			Content:   input,
			CreatedAt: serialize.At(e.now()),
		})
	}
	e.state.Status = serialize.StatusExecuting
	return nodeExecutor, nil
}

// plan asks the planner for the initial step list.
func (e *Engine) plan(ctx context.Context) (fsmNode, *protocol.TaskResponse, error) {
	ctx, span := e.startSpan(ctx, observability.SpanEnginePlan)
	defer span.End()

	e.state.Status = serialize.StatusPlanning
	decision, err := e.planner.Plan(ctx, prompts.PlanInput{
		Objective: e.state.Input,
		Agents:    e.onlineAgents(),
		Memories: e.memory.Retrieve(ctx, e.userID, memory.Query{
			ThreadID: e.threadID,
			Text:     e.state.Input,
			Limit:    plannerMemoryLimit,
		}),
		Clusters: e.resolveClusters(ctx),
	})
	if err != nil {
		e.state.Status = serialize.StatusFailed
		e.setUpdated()
		return 0, nil, fmt.Errorf("planning failed: %w", err)
	}

	if decision.Response != "" {
		// The planner answered outright; nothing to execute.
		e.state.Response = decision.Response
		return nodeTerminal, nil, nil
	}
	if len(decision.Steps) > e.maxSteps {
		return 0, nil, maestroerrors.NewInvalidRequest(
			fmt.Sprintf("plan has %d steps, the limit is %d", len(decision.Steps), e.maxSteps))
	}
	if len(decision.Steps) == 0 {
		return nodeReplanner, nil, nil
	}

	e.adoptPlan(decision.Steps)
	e.state.Status = serialize.StatusExecuting
	e.publish(events.PlanCreated{TaskID: e.state.TaskID, Steps: e.state.Plan.Descriptions()})
	if e.metrics != nil {
		e.metrics.RecordPlanCreated(ctx, e.state.Plan.Len())
	}
	e.logger.Info("thread %s planned %d steps", e.threadID, e.state.Plan.Len())
	if err := e.checkpointState(ctx); err != nil {
		return 0, nil, e.halt(err)
	}
	return nodeExecutor, nil, nil
}

// executeStep runs the per-step protocol: interrupt check, memory retrieval,
// task composition, dispatch, then the atomic commit segment.
func (e *Engine) executeStep(ctx context.Context) (fsmNode, *protocol.TaskResponse, error) {
	if esc := e.takeEscape(); esc != nil {
		resp, err := e.suspend(ctx, esc)
		return 0, resp, err
	}
	step, ok := e.state.CurrentStep()
	if !ok {
		return nodeReplanner, nil, nil
	}
	if len(e.state.PastSteps) >= e.maxSteps {
		return e.failWorkflow(ctx, fmt.Sprintf("workflow exceeded the %d step bound", e.maxSteps))
	}

	absIdx := e.state.CurrentStepIndex()
	ctx, span := e.startSpan(ctx, observability.SpanEngineStep, observability.StepAttrs(absIdx)...)
	defer span.End()

	started := e.now()
	e.state.Status = serialize.StatusExecuting
	e.publish(events.TaskStarted{TaskID: e.state.TaskID, StepIndex: absIdx, Description: step.Description})

	recalled := e.memory.Retrieve(ctx, e.userID, memory.Query{
		ThreadID:     e.threadID,
		Text:         step.Description + " " + e.state.Input,
		MaxAgeHours:  stepMemoryMaxAgeHours,
		MinRelevance: stepMemoryMinRelevance,
		Limit:        stepMemoryLimit,
	})

	var previous *serialize.StepExecution
	if n := len(e.state.PastSteps); n > 0 {
		previous = &e.state.PastSteps[n-1]
	}
	prompt := e.builder.ExecutePrompt(prompts.ExecuteInput{
		Objective:  e.state.Input,
		Step:       step,
		StepIndex:  absIdx,
		TotalSteps: e.state.PlanOffset + e.state.Plan.Len(),
		Previous:   previous,
		Memories:   recalled,
		Messages:   e.state.Messages,
	})

	result, err := e.invokeDriver(ctx, StepTask{
		ThreadID:  e.threadID,
		TaskID:    e.state.TaskID,
		UserID:    e.userID,
		StepIndex: absIdx,
		Step:      step,
		Prompt:    prompt,
	})
	if err != nil {
		// A user escape outranks whatever the driver produced, including a
		// cooperative human_input question that raced it.
		if esc := e.takeEscape(); esc != nil {
			resp, serr := e.suspend(ctx, esc)
			return 0, resp, serr
		}
		if ie, ok := maestroerrors.AsInterrupted(err); ok {
			resp, serr := e.suspend(ctx, ie)
			return 0, resp, serr
		}
		if ctx.Err() != nil {
			return 0, nil, ctx.Err()
		}
		return e.recordFailure(ctx, absIdx, step, started, err)
	}
	return e.commitStep(ctx, absIdx, step, started, result)
}

// invokeDriver runs the agent call under a cancel scope the escape path can
// abort. Once the driver returns, the step is committed: the rest of the
// segment runs without interruption and any escape waits for the next step
// boundary.
func (e *Engine) invokeDriver(ctx context.Context, task StepTask) (StepResult, error) {
	stepCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.escMu.Lock()
	e.stepCancel = cancel
	e.committed = false
	if e.escape != nil {
		cancel()
	}
	e.escMu.Unlock()

	result, err := e.driver.Execute(stepCtx, task)

	e.escMu.Lock()
	e.stepCancel = nil
	e.committed = true
	e.escMu.Unlock()
	return result, err
}

// commitStep is the atomic tail of the step protocol: extract entities,
// store memory, append the execution record, publish completion, checkpoint.
func (e *Engine) commitStep(ctx context.Context, absIdx int, step serialize.Step, started time.Time, result StepResult) (fsmNode, *protocol.TaskResponse, error) {
	entityIDs := e.ingestEntities(ctx, result.Output)
	actionID := e.storeAction(ctx, step, result, entityIDs)

	exec := serialize.StepExecution{
		SeqNo:             absIdx,
		Description:       step.Description,
		StartedAt:         serialize.At(started),
		EndedAt:           serialize.At(e.now()),
		Outcome:           serialize.OutcomeCompleted,
		Summary:           summarize(result.Output),
		ProducedEntityIDs: entityIDs,
	}
	e.state.PastSteps = append(e.state.PastSteps, exec)
	e.state.Messages = append(e.state.Messages, serialize.Message{
		Role:      serialize.RoleAssistant,
		Content:   result.Output,
		CreatedAt: exec.EndedAt,
	})
	if actionID != "" {
		e.state.LastActionID = actionID
	}
	e.setUpdated()

	e.announceCompletion(ctx, absIdx, exec.Summary, serialize.OutcomeCompleted)
	if err := e.checkpointState(ctx); err != nil {
		return 0, nil, e.halt(err)
	}
	return nodeReplanner, nil, nil
}

// recordFailure books a failed step and hands control to the replanner. The
// planner sees a cleaned-up failure line rather than a raw transport error.
func (e *Engine) recordFailure(ctx context.Context, absIdx int, step serialize.Step, started time.Time, cause error) (fsmNode, *protocol.TaskResponse, error) {
	reason := maestroerrors.FormatForPlanner(cause)
	e.logger.Warn("thread %s: step %d failed: %v", e.threadID, absIdx, cause)

	e.state.PastSteps = append(e.state.PastSteps, serialize.StepExecution{
		SeqNo:       absIdx,
		Description: step.Description,
		StartedAt:   serialize.At(started),
		EndedAt:     serialize.At(e.now()),
		Outcome:     serialize.OutcomeFailed,
		Error:       reason,
	})
	e.setUpdated()

	e.announceCompletion(ctx, absIdx, reason, serialize.OutcomeFailed)
	if err := e.checkpointState(ctx); err != nil {
		return 0, nil, e.halt(err)
	}
	return nodeReplanner, nil, nil
}

// replan lets the planner revise the remaining steps or finish the workflow.
func (e *Engine) replan(ctx context.Context) (fsmNode, *protocol.TaskResponse, error) {
	ctx, span := e.startSpan(ctx, observability.SpanEngineReplan)
	defer span.End()

	decision, err := e.planner.Replan(ctx, prompts.ReplanInput{
		Objective:           e.state.Input,
		Plan:                e.state.Plan,
		PlanOffset:          e.state.PlanOffset,
		PastSteps:           e.state.PastSteps,
		ModificationRequest: e.state.ModificationRequest,
	})
	if err != nil {
		return e.failWorkflow(ctx, fmt.Sprintf("replanning failed: %v", err))
	}
	e.state.ForceReplan = false
	e.state.ModificationRequest = ""

	if decision.Response != "" {
		e.state.Response = decision.Response
		return nodeTerminal, nil, nil
	}
	if len(decision.Steps) == 0 {
		return e.failWorkflow(ctx, "planner returned neither a revision nor a response")
	}
	if len(e.state.PastSteps)+len(decision.Steps) > e.maxSteps {
		return e.failWorkflow(ctx, fmt.Sprintf("revised plan would exceed the %d step bound", e.maxSteps))
	}

	oldRemaining := stepTexts(e.state.RemainingSteps())
	newSteps := stepTexts(decision.Steps)
	if !equalSteps(oldRemaining, newSteps) {
		e.adoptPlan(decision.Steps)
		e.publish(events.NewPlanReplanned(oldRemaining, newSteps))
		e.publishPlanUpdate()
		if e.metrics != nil {
			e.metrics.RecordReplan(ctx)
		}
		e.logger.Info("thread %s replanned: %d steps remain", e.threadID, len(newSteps))
		if err := e.checkpointState(ctx); err != nil {
			return 0, nil, e.halt(err)
		}
	}
	e.state.Status = serialize.StatusExecuting
	return nodeExecutor, nil, nil
}

// finish completes the workflow and emits the terminal frames.
func (e *Engine) finish(ctx context.Context) (*protocol.TaskResponse, error) {
	e.state.Status = serialize.StatusCompleted
	e.setUpdated()
	if err := e.checkpointState(ctx); err != nil {
		return nil, e.halt(err)
	}
	e.publishPlanUpdate()
	e.memory.PublishSnapshot(ctx, e.threadID, e.state.TaskID, e.userID)
	e.logger.Info("thread %s completed after %d steps", e.threadID, len(e.state.PastSteps))
	return &protocol.TaskResponse{
		TaskID:   e.state.TaskID,
		ThreadID: e.threadID,
		Status:   protocol.StatusCompleted,
		Response: e.state.Response,
		Plan:     protocol.SummarizePlan(e.state),
	}, nil
}

// suspend parks the workflow on an interrupt: durable first, visible second.
func (e *Engine) suspend(ctx context.Context, ie *maestroerrors.InterruptedError) (*protocol.TaskResponse, error) {
	e.state.Interrupt = &serialize.Interrupt{
		Type:     string(ie.Type),
		Reason:   ie.Reason,
		Question: ie.Question,
	}
	e.state.Status = serialize.StatusInterrupted
	e.setUpdated()
	if err := e.checkpointState(ctx); err != nil {
		return nil, e.halt(err)
	}
	if e.metrics != nil {
		e.metrics.RecordInterrupt(ctx, string(ie.Type))
	}
	e.publish(events.InterruptRaised{Type: string(ie.Type), Reason: ie.Reason, Question: ie.Question})
	e.logger.Info("thread %s suspended on %s", e.threadID, ie.Type)
	return &protocol.TaskResponse{
		TaskID:    e.state.TaskID,
		ThreadID:  e.threadID,
		Status:    protocol.StatusInterrupted,
		Interrupt: e.state.Interrupt,
		Plan:      protocol.SummarizePlan(e.state),
	}, nil
}

// failWorkflow ends the run with a failed status while keeping partial
// progress visible to the caller.
func (e *Engine) failWorkflow(ctx context.Context, reason string) (fsmNode, *protocol.TaskResponse, error) {
	e.state.Status = serialize.StatusFailed
	e.state.Response = reason
	e.setUpdated()
	if err := e.checkpointState(ctx); err != nil {
		return 0, nil, e.halt(err)
	}
	e.publishPlanUpdate()
	e.logger.Error("thread %s: workflow failed: %s", e.threadID, reason)
	return 0, &protocol.TaskResponse{
		TaskID:   e.state.TaskID,
		ThreadID: e.threadID,
		Status:   protocol.StatusFailed,
		Response: reason,
		Plan:     protocol.SummarizePlan(e.state),
	}, nil
}

// halt is the store-down path: the engine stops, emits one final frame, and
// surfaces the storage failure to the caller. Recovery is operational, not
// automatic.
func (e *Engine) halt(cause error) error {
	e.state.Status = serialize.StatusFailed
	e.setUpdated()
	e.publishPlanUpdate()
	e.logger.Error("thread %s: engine halted: %v", e.threadID, cause)
	return cause
}

// RequestEscape flags a user escape. The in-flight agent call is canceled
// only when its response has not been received yet; a committed step always
// finishes its segment first and the escape is observed at the next step
// boundary.
func (e *Engine) RequestEscape(reason string) {
	e.escMu.Lock()
	defer e.escMu.Unlock()
	if e.escape == nil {
		e.escape = maestroerrors.NewUserEscape(reason)
	}
	if e.stepCancel != nil && !e.committed {
		e.stepCancel()
	}
}

func (e *Engine) takeEscape() *maestroerrors.InterruptedError {
	e.escMu.Lock()
	defer e.escMu.Unlock()
	esc := e.escape
	e.escape = nil
	return esc
}

func (e *Engine) clearEscape() {
	e.escMu.Lock()
	e.escape = nil
	e.escMu.Unlock()
}

// ingestEntities runs extraction over the agent payload and stores the
// candidates, wiring LedTo edges from the previous action node.
func (e *Engine) ingestEntities(ctx context.Context, output string) []string {
	if e.extractor == nil || strings.TrimSpace(output) == "" {
		return nil
	}
	var ids []string
	for _, candidate := range e.extractor.Extract(e.userID, json.RawMessage(output)) {
		stored, _, err := e.memory.Ingest(ctx, e.threadID, e.state.TaskID, candidate)
		if err != nil {
			e.logger.Warn("thread %s: entity ingest failed: %v", e.threadID, err)
			continue
		}
		ids = append(ids, stored.ID)
		if e.state.LastActionID != "" {
			if _, err := e.memory.Relate(ctx, e.threadID, e.state.TaskID, e.userID,
				e.state.LastActionID, stored.ID, memory.EdgeLedTo, defaultEdgeStrength); err != nil {
				e.logger.Warn("thread %s: entity edge failed: %v", e.threadID, err)
			}
		}
	}
	return ids
}

// storeAction records the step as a CompletedAction node and links it into
// the thread's LedTo chain.
func (e *Engine) storeAction(ctx context.Context, step serialize.Step, result StepResult, entityIDs []string) string {
	content := map[string]any{
		"step":     step.Description,
		"response": result.Output,
	}
	if result.Agent != "" {
		content["agent"] = result.Agent
	}
	if len(entityIDs) > 0 {
		content["entity_ids"] = entityIDs
	}
	stored, _, err := e.memory.Ingest(ctx, e.threadID, e.state.TaskID, memory.Node{
		UserID:   e.userID,
		ThreadID: e.threadID,
		Kind:     memory.KindCompletedAction,
		Summary:  step.Description,
		Tags:     actionTags(step, result),
		Content:  content,
	})
	if err != nil {
		e.logger.Warn("thread %s: action node ingest failed: %v", e.threadID, err)
		return ""
	}
	if e.state.LastActionID != "" {
		if _, err := e.memory.Relate(ctx, e.threadID, e.state.TaskID, e.userID,
			e.state.LastActionID, stored.ID, memory.EdgeLedTo, defaultEdgeStrength); err != nil {
			e.logger.Warn("thread %s: action chain edge failed: %v", e.threadID, err)
		}
	}
	return stored.ID
}

// announceCompletion publishes the completion pair for one step. Completions
// already on the bus (the step re-ran after a failed checkpoint write) are
// suppressed so observers never see the same index twice.
func (e *Engine) announceCompletion(ctx context.Context, absIdx int, summary, outcome string) {
	if absIdx >= e.emitted {
		e.publish(events.TaskCompleted{
			TaskID:    e.state.TaskID,
			StepIndex: absIdx,
			Summary:   summary,
			Outcome:   outcome,
		})
		e.emitted = absIdx + 1
	} else {
		e.logger.Debug("thread %s: suppressing duplicate completion for step %d", e.threadID, absIdx)
	}
	e.publishPlanUpdate()
	if e.metrics != nil {
		e.metrics.RecordStep(ctx, outcome)
	}
}

// completionHighWater scans the bus replay queue for completions this task
// already announced.
func (e *Engine) completionHighWater(taskID string) int {
	if e.bus == nil {
		return 0
	}
	high := 0
	for _, env := range e.bus.History(e.threadID) {
		if tc, ok := env.Payload.(events.TaskCompleted); ok && tc.TaskID == taskID && tc.StepIndex+1 > high {
			high = tc.StepIndex + 1
		}
	}
	return high
}

// checkpointState persists the workflow under both its task key and its
// thread key, then snapshots the user's memory graph alongside it.
func (e *Engine) checkpointState(ctx context.Context) error {
	blob, err := serialize.MarshalState(e.state)
	if err != nil {
		return err
	}
	if err := e.checkpoints.Put(ctx, checkpoint.WorkflowInstances(), e.state.TaskID, blob); err != nil {
		return err
	}
	if err := e.checkpoints.Put(ctx, checkpoint.MemoryNamespace(e.userID), checkpoint.StateKey(e.threadID), blob); err != nil {
		return err
	}
	if err := e.memory.SaveGraph(ctx, e.userID); err != nil {
		if maestroerrors.IsStoreUnavailable(err) {
			return err
		}
		e.logger.Warn("thread %s: memory snapshot failed: %v", e.threadID, err)
	}
	return nil
}

func (e *Engine) adoptPlan(steps []serialize.Step) {
	e.state.AdoptPlan(serialize.Plan{Steps: steps, CreatedAt: serialize.At(e.now())})
}

func (e *Engine) setUpdated() {
	e.state.UpdatedAt = serialize.At(e.now())
}

func (e *Engine) publish(payload events.Payload) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(e.threadID, e.state.TaskID, payload)
}

func (e *Engine) publishPlanUpdate() {
	summary := protocol.SummarizePlan(e.state)
	if summary == nil {
		return
	}
	e.publish(events.PlanUpdated{
		Steps:     summary.Steps,
		Completed: summary.Completed,
		Failed:    summary.Failed,
		Current:   summary.Current,
	})
}

// onlineAgents lists the cards the planner may target.
func (e *Engine) onlineAgents() []protocol.AgentCard {
	if e.registry == nil {
		return nil
	}
	var cards []protocol.AgentCard
	for _, entry := range e.registry.Snapshot() {
		if entry.Status == registry.StatusOnline {
			cards = append(cards, entry.Card)
		}
	}
	return cards
}

// resolveClusters materializes topic clusters for the plan prompt.
func (e *Engine) resolveClusters(ctx context.Context) [][]memory.Node {
	var out [][]memory.Node
	for _, cluster := range e.memory.TopicClusters(ctx, e.userID) {
		var nodes []memory.Node
		for _, id := range cluster {
			if n, ok := e.memory.Node(ctx, e.userID, id); ok {
				nodes = append(nodes, n)
			}
		}
		if len(nodes) > 0 {
			out = append(out, nodes)
		}
	}
	return out
}

func (e *Engine) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if e.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return e.tracer.StartSpan(ctx, name, attrs...)
}

func actionTags(step serialize.Step, result StepResult) []string {
	tags := []string{"action"}
	if result.Agent != "" {
		tags = append(tags, result.Agent)
	}
	if step.HintedTool != "" {
		tags = append(tags, step.HintedTool)
	}
	return tags
}

// summarize squeezes an agent response into one event-sized line.
func summarize(output string) string {
	flat := strings.Join(strings.Fields(output), " ")
	runes := []rune(flat)
	if len(runes) <= summaryLimit {
		return flat
	}
	return string(runes[:summaryLimit]) + "..."
}

func stepTexts(steps []serialize.Step) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = s.Description
	}
	return out
}

func equalSteps(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
