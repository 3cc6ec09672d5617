package engine

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	maestroerrors "maestro/internal/errors"
	"maestro/internal/logging"
	"maestro/internal/observability"
	"maestro/internal/protocol"
	"maestro/internal/registry"
	"maestro/internal/rpc"
	"maestro/internal/serialize"
)

// DefaultCapability is assumed when a step hints neither agent nor tool.
const DefaultCapability = "general"

// StepTask is one composed unit of work handed to a domain agent.
type StepTask struct {
	ThreadID string
	TaskID   string
	UserID   string
	// StepIndex is absolute across replans.
	StepIndex int
	Step      serialize.Step
	// Prompt is the composed instruction: step, memories, conversation tail.
	Prompt string
}

// StepResult is the agent's outcome for one step.
type StepResult struct {
	Agent  string
	Output string
}

// AgentDriver carries one composed step task to a domain agent. A driver may
// return *errors.InterruptedError with type human_input when the remote side
// needs clarification; the executor suspends on it.
type AgentDriver interface {
	Execute(ctx context.Context, task StepTask) (StepResult, error)
}

// TaskSender is the slice of *rpc.Client the dispatcher needs.
type TaskSender interface {
	ProcessTask(ctx context.Context, endpoint string, req *protocol.TaskRequest) (*protocol.TaskResponse, error)
	StreamTask(ctx context.Context, endpoint string, req *protocol.TaskRequest, sink rpc.EventSink) (*protocol.TaskResponse, error)
}

// Dispatcher selects a domain agent and invokes it over JSON-RPC, retrying
// transient failures. Agents that advertise streaming are called over SSE
// with their progress frames relayed onto the observer bus.
type Dispatcher struct {
	registry *registry.Registry
	sender   TaskSender
	sink     rpc.EventSink
	logger   logging.Logger
	metrics  *observability.MetricsCollector
	tracer   *observability.TracerProvider
	retry    maestroerrors.RetryConfig
}

// DispatcherOption customizes the dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherMetrics records outbound call latency on the collector.
func WithDispatcherMetrics(m *observability.MetricsCollector) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithDispatcherRetry overrides the retry policy for agent calls.
func WithDispatcherRetry(cfg maestroerrors.RetryConfig) DispatcherOption {
	return func(d *Dispatcher) { d.retry = cfg }
}

// WithDispatcherTracer opens a span per agent call.
func WithDispatcherTracer(tp *observability.TracerProvider) DispatcherOption {
	return func(d *Dispatcher) { d.tracer = tp }
}

// NewDispatcher builds the registry-backed driver. sink may be nil when no
// bus should receive relayed agent events.
func NewDispatcher(reg *registry.Registry, sender TaskSender, sink rpc.EventSink, logger logging.Logger, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		registry: reg,
		sender:   sender,
		sink:     sink,
		logger:   logging.OrNop(logger),
		retry:    maestroerrors.DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Execute resolves an agent for the step and sends the composed task.
func (d *Dispatcher) Execute(ctx context.Context, task StepTask) (StepResult, error) {
	card, err := d.resolve(task.Step)
	if err != nil {
		return StepResult{}, err
	}
	ctx, span := d.startSpan(ctx, card)
	defer span.End()

	req := &protocol.TaskRequest{
		TaskID:      fmt.Sprintf("%s-step-%d", task.TaskID, task.StepIndex),
		Instruction: task.Prompt,
		Context: protocol.TaskContext{
			ThreadID: task.ThreadID,
			UserID:   task.UserID,
			Source:   protocol.SourcePeerAgent,
		},
	}

	d.logger.Debug("step %d -> agent %s (%s)", task.StepIndex, card.Name, card.Endpoint)
	resp, err := maestroerrors.RetryWithResultAndLog(ctx, d.retry, func(ctx context.Context) (*protocol.TaskResponse, error) {
		started := time.Now()
		var resp *protocol.TaskResponse
		var callErr error
		if card.SupportsStreaming() {
			resp, callErr = d.sender.StreamTask(ctx, card.Endpoint, req, d.sink)
		} else {
			resp, callErr = d.sender.ProcessTask(ctx, card.Endpoint, req)
		}
		d.recordRPC(ctx, card.Endpoint, callErr, time.Since(started))
		return resp, callErr
	}, d.logger)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return StepResult{Agent: card.Name}, err
	}
	span.SetAttributes(observability.StatusAttrs(string(resp.Status))...)
	return mapTaskResponse(card.Name, resp)
}

func (d *Dispatcher) startSpan(ctx context.Context, card protocol.AgentCard) (context.Context, trace.Span) {
	if d.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return d.tracer.StartSpan(ctx, observability.SpanRPCCall, observability.AgentAttrs(card.Name, card.Endpoint)...)
}

func (d *Dispatcher) recordRPC(ctx context.Context, endpoint string, err error, latency time.Duration) {
	if d.metrics == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = maestroerrors.KindOf(err).String()
	}
	d.metrics.RecordRPC(ctx, endpoint, result, latency)
}

// resolve picks the agent for a step: an explicit agent hint wins while that
// agent is online, then the tool hint is treated as a capability, then the
// default capability pool.
func (d *Dispatcher) resolve(step serialize.Step) (protocol.AgentCard, error) {
	if step.HintedAgent != "" {
		if entry, ok := d.registry.Lookup(step.HintedAgent); ok && entry.Status == registry.StatusOnline {
			return entry.Card, nil
		}
		d.logger.Warn("hinted agent %s unavailable, selecting by capability", step.HintedAgent)
	}
	capability := step.HintedTool
	if capability == "" {
		capability = DefaultCapability
	}
	return d.registry.Select(capability)
}

// mapTaskResponse converts the remote task outcome into the driver contract.
// A remote interrupt becomes a human_input interrupt here; a structured
// failure becomes AgentRejected so the breaker stays untouched.
func mapTaskResponse(agent string, resp *protocol.TaskResponse) (StepResult, error) {
	switch resp.Status {
	case protocol.StatusCompleted:
		return StepResult{Agent: agent, Output: resp.Response}, nil
	case protocol.StatusInterrupted:
		var question, reason string
		if resp.Interrupt != nil {
			question, reason = resp.Interrupt.Question, resp.Interrupt.Reason
		}
		return StepResult{Agent: agent}, &maestroerrors.InterruptedError{
			Type:     maestroerrors.InterruptHumanInput,
			Reason:   reason,
			Question: question,
		}
	case protocol.StatusFailed:
		reason := resp.Response
		if reason == "" && resp.Interrupt != nil {
			reason = resp.Interrupt.Reason
		}
		if reason == "" {
			reason = "agent reported failure without detail"
		}
		return StepResult{Agent: agent}, &maestroerrors.AgentRejectedError{Agent: agent, Reason: reason}
	default:
		return StepResult{Agent: agent}, &maestroerrors.AgentRejectedError{
			Agent:  agent,
			Reason: fmt.Sprintf("unrecognized task status %q", resp.Status),
		}
	}
}
