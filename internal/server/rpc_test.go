package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"maestro/internal/checkpoint"
	maestroerrors "maestro/internal/errors"
	"maestro/internal/events"
	"maestro/internal/logging"
	"maestro/internal/protocol"
)

// fakeManager scripts the engine manager behind the transport.
type fakeManager struct {
	mu      sync.Mutex
	lastReq *protocol.TaskRequest
	resp    *protocol.TaskResponse
	err     error

	interruptThread string
	interruptReason string
	interruptErr    error

	resumeThread string
	resumeCmd    protocol.ResumeCommand
	resumeResp   *protocol.TaskResponse
	resumeErr    error
}

func (f *fakeManager) ProcessTask(_ context.Context, req *protocol.TaskRequest) (*protocol.TaskResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	if f.resp != nil {
		return f.resp, nil
	}
	return &protocol.TaskResponse{
		TaskID:   req.TaskID,
		ThreadID: req.Context.ThreadID,
		Status:   protocol.StatusCompleted,
		Response: "done",
	}, nil
}

func (f *fakeManager) Resume(_ context.Context, threadID string, cmd protocol.ResumeCommand) (*protocol.TaskResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumeThread = threadID
	f.resumeCmd = cmd
	if f.resumeErr != nil {
		return nil, f.resumeErr
	}
	if f.resumeResp != nil {
		return f.resumeResp, nil
	}
	return &protocol.TaskResponse{ThreadID: threadID, Status: protocol.StatusCompleted, Response: "resumed"}, nil
}

func (f *fakeManager) Interrupt(threadID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interruptThread = threadID
	f.interruptReason = reason
	return f.interruptErr
}

func (f *fakeManager) last() *protocol.TaskRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastReq
}

// newTestServer mounts the routes on an httptest listener. Cleanups run in
// reverse order, so the server context is canceled before the listener
// closes and streaming handlers unwind first.
func newTestServer(t *testing.T, mgr TaskProcessor) (*Server, *httptest.Server, *events.Bus) {
	t.Helper()

	bus := events.NewBus()
	cp, err := checkpoint.NewFileStore(t.TempDir(), logging.Nop())
	if err != nil {
		t.Fatalf("file store: %v", err)
	}

	srv := New(":0", Deps{
		Manager:     mgr,
		Bus:         bus,
		Checkpoints: cp,
		Card:        ownCard(),
		Logger:      logging.Nop(),
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(func() {
		_ = srv.Shutdown(context.Background())
		_ = cp.Close()
	})
	return srv, ts, bus
}

func rpcCall(t *testing.T, baseURL string, id uint64, method string, params any) *protocol.Response {
	t.Helper()

	req, err := protocol.NewRequest(id, method, params)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	payload, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}

	resp, err := http.Post(baseURL+"/a2a", "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("http status = %d, want 200", resp.StatusCode)
	}

	var out protocol.Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return &out
}

func TestProcessTaskRoundTrip(t *testing.T) {
	t.Parallel()

	mgr := &fakeManager{}
	_, ts, _ := newTestServer(t, mgr)

	task := protocol.TaskRequest{
		TaskID:      "task-1",
		Instruction: "get the GenePoint account",
		Context:     protocol.TaskContext{ThreadID: "thread-1", UserID: "user-1", Source: protocol.SourceCLIClient},
	}
	resp := rpcCall(t, ts.URL, 7, protocol.MethodProcessTask, task)

	if resp.Error != nil {
		t.Fatalf("unexpected rpc error: %v", resp.Error)
	}
	if resp.ID != 7 {
		t.Errorf("response ID = %d, want 7", resp.ID)
	}

	var tr protocol.TaskResponse
	if err := json.Unmarshal(resp.Result, &tr); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if tr.Status != protocol.StatusCompleted || tr.Response != "done" {
		t.Errorf("got status=%q response=%q", tr.Status, tr.Response)
	}
	if got := mgr.last(); got == nil || got.Instruction != "get the GenePoint account" {
		t.Errorf("manager saw %+v", got)
	}
}

func TestProcessTaskResumeFunnels(t *testing.T) {
	t.Parallel()

	mgr := &fakeManager{}
	_, ts, _ := newTestServer(t, mgr)

	task := protocol.TaskRequest{
		Context: protocol.TaskContext{ThreadID: "thread-9", UserID: "user-1"},
		Resume:  &protocol.ResumeCommand{Input: "the blue one", ForceReplan: true},
	}
	resp := rpcCall(t, ts.URL, 1, protocol.MethodProcessTask, task)

	if resp.Error != nil {
		t.Fatalf("unexpected rpc error: %v", resp.Error)
	}
	got := mgr.last()
	if got == nil || got.Resume == nil {
		t.Fatalf("resume payload did not reach the manager: %+v", got)
	}
	if got.Resume.Input != "the blue one" || !got.Resume.ForceReplan {
		t.Errorf("resume = %+v", got.Resume)
	}
}

func TestProcessTaskErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      error
		wantCode int
	}{
		{"invalid request", maestroerrors.NewInvalidRequest("instruction is required"), protocol.CodeInvalidRequest},
		{"internal failure", context.DeadlineExceeded, protocol.CodeInternalError},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			mgr := &fakeManager{err: tt.err}
			_, ts, _ := newTestServer(t, mgr)

			task := protocol.TaskRequest{
				Instruction: "anything",
				Context:     protocol.TaskContext{UserID: "user-1"},
			}
			resp := rpcCall(t, ts.URL, 3, protocol.MethodProcessTask, task)

			if resp.Error == nil {
				t.Fatalf("expected rpc error, got result %s", resp.Result)
			}
			if resp.Error.Code != tt.wantCode {
				t.Errorf("code = %d, want %d", resp.Error.Code, tt.wantCode)
			}
		})
	}
}

func TestRPCEnvelopeValidation(t *testing.T) {
	t.Parallel()

	mgr := &fakeManager{}
	_, ts, _ := newTestServer(t, mgr)

	tests := []struct {
		name     string
		body     string
		wantCode int
	}{
		{"garbage body", "{not json", protocol.CodeParseError},
		{"wrong version", `{"jsonrpc":"1.0","id":1,"method":"process_task"}`, protocol.CodeInvalidRequest},
		{"unknown method", `{"jsonrpc":"2.0","id":1,"method":"bogus"}`, protocol.CodeMethodNotFound},
		{"params shape", `{"jsonrpc":"2.0","id":1,"method":"process_task","params":42}`, protocol.CodeInvalidParams},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+"/a2a", "application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatalf("post: %v", err)
			}
			defer func() { _ = resp.Body.Close() }()

			var out protocol.Response
			if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if out.Error == nil {
				t.Fatalf("expected rpc error for %q", tt.body)
			}
			if out.Error.Code != tt.wantCode {
				t.Errorf("code = %d, want %d", out.Error.Code, tt.wantCode)
			}
		})
	}
}

func TestGetAgentCardMethod(t *testing.T) {
	t.Parallel()

	mgr := &fakeManager{}
	_, ts, _ := newTestServer(t, mgr)

	resp := rpcCall(t, ts.URL, 2, protocol.MethodGetAgentCard, nil)
	if resp.Error != nil {
		t.Fatalf("unexpected rpc error: %v", resp.Error)
	}

	var card protocol.AgentCard
	if err := json.Unmarshal(resp.Result, &card); err != nil {
		t.Fatalf("decode card: %v", err)
	}
	if card.Name != "maestro" {
		t.Errorf("card name = %q", card.Name)
	}
}

func TestAgentCardEndpoint(t *testing.T) {
	t.Parallel()

	mgr := &fakeManager{}
	_, ts, _ := newTestServer(t, mgr)

	resp, err := http.Get(ts.URL + "/a2a/agent-card")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var card protocol.AgentCard
	if err := json.NewDecoder(resp.Body).Decode(&card); err != nil {
		t.Fatalf("decode card: %v", err)
	}
	if card.Name != "maestro" || card.Version == "" {
		t.Errorf("card = %+v", card)
	}
	if !card.HasCapability("orchestrate") {
		t.Errorf("card capabilities = %v", card.Capabilities)
	}
}
