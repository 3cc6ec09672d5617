package server

import (
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"maestro/internal/events"
	"maestro/internal/protocol"
)

func dialWS(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readWS(t *testing.T, conn *websocket.Conn) wsMessage {
	t.Helper()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg wsMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read websocket frame: %v", err)
	}
	return msg
}

func writeWS(t *testing.T, conn *websocket.Conn, msg any) {
	t.Helper()

	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("write websocket frame: %v", err)
	}
}

func TestWebSocketInterrupt(t *testing.T) {
	t.Parallel()

	mgr := &fakeManager{}
	_, ts, _ := newTestServer(t, mgr)
	conn := dialWS(t, ts, "")

	writeWS(t, conn, map[string]any{
		"type":    "interrupt",
		"payload": map[string]any{"threadID": "thread-7", "reason": "user asked to stop"},
	})

	msg := readWS(t, conn)
	if msg.Type != wsTypeAck || msg.Kind != wsTypeInterrupt {
		t.Fatalf("got frame %+v, want interrupt ack", msg)
	}

	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	if mgr.interruptThread != "thread-7" || mgr.interruptReason != "user asked to stop" {
		t.Errorf("manager saw thread=%q reason=%q", mgr.interruptThread, mgr.interruptReason)
	}
}

func TestWebSocketInterruptNeedsThreadID(t *testing.T) {
	t.Parallel()

	_, ts, _ := newTestServer(t, &fakeManager{})
	conn := dialWS(t, ts, "")

	writeWS(t, conn, map[string]any{"type": "interrupt", "payload": map[string]any{}})

	msg := readWS(t, conn)
	if msg.Type != wsTypeError || !strings.Contains(msg.Error, "threadID") {
		t.Fatalf("got frame %+v, want threadID error", msg)
	}
}

func TestWebSocketResume(t *testing.T) {
	t.Parallel()

	mgr := &fakeManager{
		resumeResp: &protocol.TaskResponse{ThreadID: "thread-3", Status: protocol.StatusCompleted, Response: "picked the blue one"},
	}
	_, ts, _ := newTestServer(t, mgr)
	conn := dialWS(t, ts, "")

	writeWS(t, conn, map[string]any{
		"type":    "resume",
		"payload": map[string]any{"threadID": "thread-3", "input": "the blue one", "forceReplan": true},
	})

	msg := readWS(t, conn)
	if msg.Type != wsTypeResponse {
		t.Fatalf("got frame %+v, want task.response", msg)
	}
	var resp protocol.TaskResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		t.Fatalf("decode response data: %v", err)
	}
	if resp.Status != protocol.StatusCompleted || resp.Response != "picked the blue one" {
		t.Errorf("response = %+v", resp)
	}

	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	if mgr.resumeThread != "thread-3" || mgr.resumeCmd.Input != "the blue one" || !mgr.resumeCmd.ForceReplan {
		t.Errorf("manager saw thread=%q cmd=%+v", mgr.resumeThread, mgr.resumeCmd)
	}
}

func TestWebSocketResumeError(t *testing.T) {
	t.Parallel()

	mgr := &fakeManager{resumeErr: errors.New("no pending interrupt for thread")}
	_, ts, _ := newTestServer(t, mgr)
	conn := dialWS(t, ts, "")

	writeWS(t, conn, map[string]any{
		"type":    "resume",
		"payload": map[string]any{"threadID": "thread-4", "input": "anything"},
	})

	msg := readWS(t, conn)
	if msg.Type != wsTypeError || !strings.Contains(msg.Error, "no pending interrupt") {
		t.Fatalf("got frame %+v, want resume error", msg)
	}
}

func TestWebSocketMirrorsThreadEvents(t *testing.T) {
	t.Parallel()

	_, ts, bus := newTestServer(t, &fakeManager{})
	conn := dialWS(t, ts, "?thread_id=thread-ws")

	bus.Publish("thread-ws", "task-1", events.PlanCreated{TaskID: "task-1", Steps: []string{"one step"}})

	msg := readWS(t, conn)
	if msg.Type != wsTypeEvent || msg.Kind != events.KindPlanCreated {
		t.Fatalf("got frame %+v, want plan.created event", msg)
	}
	var env struct {
		ThreadID string `json:"threadID"`
		Seq      uint64 `json:"seq"`
	}
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.ThreadID != "thread-ws" || env.Seq != 1 {
		t.Errorf("envelope = %+v", env)
	}
}

func TestWebSocketUnknownType(t *testing.T) {
	t.Parallel()

	_, ts, _ := newTestServer(t, &fakeManager{})
	conn := dialWS(t, ts, "")

	writeWS(t, conn, map[string]any{"type": "bogus"})

	msg := readWS(t, conn)
	if msg.Type != wsTypeError || !strings.Contains(msg.Error, "unknown message type") {
		t.Fatalf("got frame %+v, want unknown type error", msg)
	}
}
