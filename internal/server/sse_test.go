package server

import (
	"bufio"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"maestro/internal/events"
)

// streamLines pumps the SSE body into a channel so assertions can carry
// their own timeouts instead of blocking on the socket.
func streamLines(resp *http.Response) <-chan string {
	lines := make(chan string, 64)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}

func waitForLine(t *testing.T, lines <-chan string, want string) string {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				t.Fatalf("stream closed before a line containing %q arrived", want)
			}
			if strings.Contains(line, want) {
				return line
			}
		case <-deadline:
			t.Fatalf("no line containing %q within 2s", want)
		}
	}
}

func openStream(t *testing.T, baseURL, threadID string) *http.Response {
	t.Helper()
	resp, err := http.Get(baseURL + "/a2a/stream?thread_id=" + threadID)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stream status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type = %q", ct)
	}
	return resp
}

func TestStreamRequiresThreadID(t *testing.T) {
	t.Parallel()

	_, ts, _ := newTestServer(t, &fakeManager{})

	resp, err := http.Get(ts.URL + "/a2a/stream")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestStreamReplaysHistoryThenGoesLive(t *testing.T) {
	t.Parallel()

	_, ts, bus := newTestServer(t, &fakeManager{})

	// Frames published before the subscriber connects must be replayed.
	bus.Publish("thread-sse", "task-1", events.PlanCreated{TaskID: "task-1", Steps: []string{"fetch account", "summarize"}})
	bus.Publish("thread-sse", "task-1", events.TaskStarted{TaskID: "task-1", StepIndex: 0, Description: "fetch account"})

	resp := openStream(t, ts.URL, "thread-sse")
	lines := streamLines(resp)

	waitForLine(t, lines, "event: connected")
	waitForLine(t, lines, "event: plan.created")
	started := waitForLine(t, lines, `"seq":2`)
	if !strings.Contains(started, "fetch account") {
		t.Errorf("replayed frame = %q", started)
	}

	// Live frame published after connect.
	bus.Publish("thread-sse", "task-1", events.TaskCompleted{TaskID: "task-1", StepIndex: 0, Outcome: "completed"})
	waitForLine(t, lines, "event: task.completed")
}

func TestStreamRedactsSecrets(t *testing.T) {
	t.Parallel()

	_, ts, bus := newTestServer(t, &fakeManager{})

	resp := openStream(t, ts.URL, "thread-red")
	lines := streamLines(resp)
	waitForLine(t, lines, "event: connected")

	bus.Publish("thread-red", "task-1", events.Raw{
		K:    events.KindTaskCompleted,
		Data: json.RawMessage(`{"summary":"called with apiKey=sk-aaaabbbbccccdddd1234"}`),
	})

	waitForLine(t, lines, "event: task.completed")
	data := waitForLine(t, lines, "data:")
	if strings.Contains(data, "sk-aaaabbbbccccdddd1234") {
		t.Fatalf("secret leaked into stream: %q", data)
	}
	if !strings.Contains(data, "[REDACTED]") {
		t.Errorf("expected redaction placeholder, got %q", data)
	}
}

func TestStreamClosesWhenBusDrains(t *testing.T) {
	t.Parallel()

	_, ts, bus := newTestServer(t, &fakeManager{})

	resp := openStream(t, ts.URL, "thread-drain")
	lines := streamLines(resp)
	waitForLine(t, lines, "event: connected")

	bus.Drain()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-lines:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("stream still open 2s after bus drain")
		}
	}
}
