package engine

import (
	"context"
	"errors"
	"testing"

	maestroerrors "maestro/internal/errors"
	"maestro/internal/events"
	"maestro/internal/protocol"
	"maestro/internal/registry"
	"maestro/internal/rpc"
	"maestro/internal/serialize"
)

// scriptedSender records whether tasks arrive sync or streaming and answers
// from a canned response, failing a set number of times first.
type scriptedSender struct {
	resp      *protocol.TaskResponse
	failures  int
	calls     int
	streamed  int
	processed int
	lastReq   *protocol.TaskRequest
}

func (s *scriptedSender) answer() (*protocol.TaskResponse, error) {
	s.calls++
	if s.failures > 0 {
		s.failures--
		return nil, maestroerrors.NewTransientError(errors.New("connection reset"), "")
	}
	return s.resp, nil
}

func (s *scriptedSender) ProcessTask(_ context.Context, _ string, req *protocol.TaskRequest) (*protocol.TaskResponse, error) {
	s.processed++
	s.lastReq = req
	return s.answer()
}

func (s *scriptedSender) StreamTask(_ context.Context, _ string, req *protocol.TaskRequest, _ rpc.EventSink) (*protocol.TaskResponse, error) {
	s.streamed++
	s.lastReq = req
	return s.answer()
}

func testRegistry() *registry.Registry {
	r := registry.New(nil)
	r.Register(protocol.AgentCard{
		Name:         "tickets",
		Endpoint:     "http://tickets:9001",
		Capabilities: []string{"ticket.query", DefaultCapability},
	})
	r.Register(protocol.AgentCard{
		Name:               "search",
		Endpoint:           "http://search:9002",
		Capabilities:       []string{"web.search"},
		CommunicationModes: []string{protocol.ModeStreaming},
	})
	return r
}

func newTestDispatcher(sender TaskSender) *Dispatcher {
	d := NewDispatcher(testRegistry(), sender, events.NewBus(), nil)
	d.retry = fastRetry()
	return d
}

func TestDispatcherExecuteCompleted(t *testing.T) {
	t.Parallel()

	sender := &scriptedSender{resp: &protocol.TaskResponse{
		Status:   protocol.StatusCompleted,
		Response: "found 3 tickets",
	}}
	d := newTestDispatcher(sender)

	result, err := d.Execute(context.Background(), StepTask{
		ThreadID:  "th-1",
		TaskID:    "task-1",
		UserID:    "u-1",
		StepIndex: 2,
		Step:      serialize.Step{Description: "list tickets", HintedTool: "ticket.query"},
		Prompt:    "list the open tickets",
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Agent != "tickets" || result.Output != "found 3 tickets" {
		t.Errorf("result = %+v", result)
	}
	if sender.processed != 1 || sender.streamed != 0 {
		t.Errorf("sync agent must use ProcessTask, got processed=%d streamed=%d", sender.processed, sender.streamed)
	}
	if sender.lastReq.TaskID != "task-1-step-2" {
		t.Errorf("subtask id = %q", sender.lastReq.TaskID)
	}
	if sender.lastReq.Context.Source != protocol.SourcePeerAgent {
		t.Errorf("source = %q", sender.lastReq.Context.Source)
	}
	if sender.lastReq.Instruction != "list the open tickets" {
		t.Errorf("instruction = %q, want the composed prompt", sender.lastReq.Instruction)
	}
}

func TestDispatcherStreamsWhenAdvertised(t *testing.T) {
	t.Parallel()

	sender := &scriptedSender{resp: &protocol.TaskResponse{
		Status:   protocol.StatusCompleted,
		Response: "ok",
	}}
	d := newTestDispatcher(sender)

	_, err := d.Execute(context.Background(), StepTask{
		Step: serialize.Step{Description: "search the web", HintedTool: "web.search"},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if sender.streamed != 1 || sender.processed != 0 {
		t.Errorf("streaming agent must use StreamTask, got processed=%d streamed=%d", sender.processed, sender.streamed)
	}
}

func TestDispatcherResolvePrecedence(t *testing.T) {
	t.Parallel()

	sender := &scriptedSender{resp: &protocol.TaskResponse{Status: protocol.StatusCompleted}}
	d := newTestDispatcher(sender)

	// Agent hint wins over the tool hint.
	result, err := d.Execute(context.Background(), StepTask{
		Step: serialize.Step{Description: "x", HintedAgent: "search", HintedTool: "ticket.query"},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Agent != "search" {
		t.Errorf("agent = %q, want hinted agent", result.Agent)
	}

	// Unknown agent hint falls back to the tool capability.
	result, err = d.Execute(context.Background(), StepTask{
		Step: serialize.Step{Description: "x", HintedAgent: "retired", HintedTool: "ticket.query"},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Agent != "tickets" {
		t.Errorf("agent = %q, want capability fallback", result.Agent)
	}

	// No hints at all selects from the default pool.
	result, err = d.Execute(context.Background(), StepTask{
		Step: serialize.Step{Description: "x"},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Agent != "tickets" {
		t.Errorf("agent = %q, want default pool", result.Agent)
	}
}

func TestDispatcherUnknownCapability(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(&scriptedSender{})
	_, err := d.Execute(context.Background(), StepTask{
		Step: serialize.Step{Description: "x", HintedTool: "compliance.audit"},
	})
	var unknown *maestroerrors.UnknownCapabilityError
	if !errors.As(err, &unknown) {
		t.Fatalf("want UnknownCapabilityError, got %v", err)
	}
	if unknown.Capability != "compliance.audit" {
		t.Errorf("capability = %q", unknown.Capability)
	}
}

func TestDispatcherRetriesTransient(t *testing.T) {
	t.Parallel()

	sender := &scriptedSender{
		failures: 2,
		resp:     &protocol.TaskResponse{Status: protocol.StatusCompleted, Response: "ok"},
	}
	d := newTestDispatcher(sender)

	result, err := d.Execute(context.Background(), StepTask{Step: serialize.Step{Description: "x"}})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Output != "ok" {
		t.Errorf("output = %q", result.Output)
	}
	if sender.calls != 3 {
		t.Errorf("calls = %d, want 3", sender.calls)
	}
}

func TestMapTaskResponse(t *testing.T) {
	t.Parallel()

	t.Run("interrupted becomes human input", func(t *testing.T) {
		t.Parallel()
		_, err := mapTaskResponse("tickets", &protocol.TaskResponse{
			Status:    protocol.StatusInterrupted,
			Interrupt: &serialize.Interrupt{Type: serialize.InterruptHumanInput, Question: "which account?"},
		})
		ie, ok := maestroerrors.AsInterrupted(err)
		if !ok {
			t.Fatalf("want InterruptedError, got %v", err)
		}
		if ie.Type != maestroerrors.InterruptHumanInput {
			t.Errorf("type = %s", ie.Type)
		}
		if ie.Question != "which account?" {
			t.Errorf("question = %q", ie.Question)
		}
	})

	t.Run("failed becomes agent rejection", func(t *testing.T) {
		t.Parallel()
		_, err := mapTaskResponse("tickets", &protocol.TaskResponse{
			Status:   protocol.StatusFailed,
			Response: "no such ticket",
		})
		var rejected *maestroerrors.AgentRejectedError
		if !errors.As(err, &rejected) {
			t.Fatalf("want AgentRejectedError, got %v", err)
		}
		if rejected.Agent != "tickets" || rejected.Reason != "no such ticket" {
			t.Errorf("rejection = %+v", rejected)
		}
	})

	t.Run("failure without detail gets a reason", func(t *testing.T) {
		t.Parallel()
		_, err := mapTaskResponse("tickets", &protocol.TaskResponse{Status: protocol.StatusFailed})
		var rejected *maestroerrors.AgentRejectedError
		if !errors.As(err, &rejected) {
			t.Fatalf("want AgentRejectedError, got %v", err)
		}
		if rejected.Reason == "" {
			t.Error("reason must not be empty")
		}
	})

	t.Run("unrecognized status rejects", func(t *testing.T) {
		t.Parallel()
		_, err := mapTaskResponse("tickets", &protocol.TaskResponse{Status: "wedged"})
		var rejected *maestroerrors.AgentRejectedError
		if !errors.As(err, &rejected) {
			t.Fatalf("want AgentRejectedError, got %v", err)
		}
	})
}
