package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestOpenEventStreamParsesFrames(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("thread_id"); got != "thread-1" {
			t.Errorf("thread_id = %q", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: connected\ndata: {\"threadID\":\"thread-1\"}\n\n")
		fmt.Fprint(w, ": heartbeat\n\n")
		fmt.Fprint(w, "event: plan.created\ndata: {\"ts\":\"2026-01-02T03:04:05.000Z\",\"seq\":1,\"threadID\":\"thread-1\",\"taskID\":\"task-1\",\"payload\":{\"taskID\":\"task-1\",\"steps\":[\"one\"]}}\n\n")
	}))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	frames, err := openEventStream(ctx, ts.URL, "thread-1")
	if err != nil {
		t.Fatalf("openEventStream: %v", err)
	}

	first := <-frames
	if first.Kind != "connected" {
		t.Errorf("first frame kind = %q", first.Kind)
	}

	second, ok := <-frames
	if !ok {
		t.Fatal("stream closed before the plan frame")
	}
	if second.Kind != "plan.created" || second.Seq != 1 || second.TaskID != "task-1" {
		t.Errorf("frame = %+v", second)
	}
	if !strings.Contains(string(second.Payload), "one") {
		t.Errorf("payload = %s", second.Payload)
	}

	if _, ok := <-frames; ok {
		t.Error("expected the channel to close when the stream ends")
	}
}

func TestOpenEventStreamRejectsBadStatus(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "thread_id required", http.StatusBadRequest)
	}))
	defer ts.Close()

	if _, err := openEventStream(context.Background(), ts.URL, ""); err == nil {
		t.Fatal("expected an error for HTTP 400")
	}
}
