package events

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"
)

func collect(ch <-chan Envelope, n int, timeout time.Duration) []Envelope {
	out := make([]Envelope, 0, n)
	deadline := time.After(timeout)
	for len(out) < n {
		select {
		case env, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, env)
		case <-deadline:
			return out
		}
	}
	return out
}

func TestPublishSequencesFromOne(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe("thread-1")
	defer cancel()

	bus.Publish("thread-1", "task-1", PlanCreated{TaskID: "task-1", Steps: []string{"step"}})
	bus.Publish("thread-1", "task-1", TaskStarted{TaskID: "task-1", StepIndex: 0, Description: "step"})
	bus.Publish("thread-1", "task-1", TaskCompleted{TaskID: "task-1", StepIndex: 0, Outcome: "completed"})

	got := collect(ch, 3, time.Second)
	if len(got) != 3 {
		t.Fatalf("received %d events, want 3", len(got))
	}
	for i, env := range got {
		if env.Seq != uint64(i+1) {
			t.Fatalf("event %d has seq %d, want %d", i, env.Seq, i+1)
		}
	}
	if got[0].Kind != KindPlanCreated || got[2].Kind != KindTaskCompleted {
		t.Fatalf("unexpected kinds: %s, %s", got[0].Kind, got[2].Kind)
	}
}

func TestSequencesIndependentPerThread(t *testing.T) {
	bus := NewBus()

	bus.Publish("thread-a", "t", PlanCreated{TaskID: "t"})
	bus.Publish("thread-a", "t", PlanCreated{TaskID: "t"})
	bus.Publish("thread-b", "t", PlanCreated{TaskID: "t"})

	if got := bus.LastSeq("thread-a"); got != 2 {
		t.Fatalf("thread-a seq = %d, want 2", got)
	}
	if got := bus.LastSeq("thread-b"); got != 1 {
		t.Fatalf("thread-b seq = %d, want 1", got)
	}
}

func TestLateSubscriberGetsReplay(t *testing.T) {
	bus := NewBus(WithReplayDepth(50))

	for i := 0; i < 5; i++ {
		bus.Publish("thread-1", "task-1", TaskStarted{TaskID: "task-1", StepIndex: i})
	}

	ch, cancel := bus.Subscribe("thread-1")
	defer cancel()

	replay := collect(ch, 5, time.Second)
	if len(replay) != 5 {
		t.Fatalf("replayed %d events, want 5", len(replay))
	}
	for i, env := range replay {
		if env.Seq != uint64(i+1) {
			t.Fatalf("replay out of order at %d: seq %d", i, env.Seq)
		}
	}

	// Live events continue after the replay.
	bus.Publish("thread-1", "task-1", TaskCompleted{TaskID: "task-1", StepIndex: 4})
	live := collect(ch, 1, time.Second)
	if len(live) != 1 || live[0].Seq != 6 {
		t.Fatalf("live event after replay: %+v", live)
	}
}

func TestReplayQueueEvictsOldest(t *testing.T) {
	bus := NewBus(WithReplayDepth(3))

	for i := 0; i < 10; i++ {
		bus.Publish("thread-1", "task-1", TaskStarted{StepIndex: i})
	}

	history := bus.History("thread-1")
	if len(history) != 3 {
		t.Fatalf("history = %d events, want 3", len(history))
	}
	if history[0].Seq != 8 || history[2].Seq != 10 {
		t.Fatalf("expected newest three (8..10), got %d..%d", history[0].Seq, history[2].Seq)
	}
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	bus := NewBus(WithSubscriberBuffer(1))
	ch, cancel := bus.Subscribe("thread-1")
	defer cancel()

	// Fill the buffer, then overflow it repeatedly without consuming.
	for i := 0; i < 1+dropAfterStrikes; i++ {
		bus.Publish("thread-1", "task-1", TaskStarted{StepIndex: i})
	}

	if got := bus.SubscriberCount("thread-1"); got != 0 {
		t.Fatalf("subscriber count = %d, want 0 after overflow drops", got)
	}
	// The channel is closed once dropped; the buffered event drains first.
	got := collect(ch, 2, time.Second)
	if len(got) != 1 {
		t.Fatalf("drained %d events from dropped subscriber, want 1", len(got))
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	bus := NewBus()
	_, cancel := bus.Subscribe("thread-1")
	cancel()
	cancel()

	if got := bus.SubscriberCount("thread-1"); got != 0 {
		t.Fatalf("subscriber count = %d, want 0", got)
	}
}

func TestReleaseThreadResetsSequence(t *testing.T) {
	bus := NewBus()
	ch, _ := bus.Subscribe("thread-1")

	bus.Publish("thread-1", "task-1", PlanCreated{})
	bus.ReleaseThread("thread-1")

	// Channel closed by release.
	collect(ch, 1, time.Second)
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after ReleaseThread")
	}
	if got := bus.LastSeq("thread-1"); got != 0 {
		t.Fatalf("seq after release = %d, want 0", got)
	}
	if got := bus.History("thread-1"); got != nil {
		t.Fatalf("history after release = %v, want nil", got)
	}
}

func TestConcurrentPublishAndSubscribe(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			threadID := []string{"thread-a", "thread-b"}[n%2]
			for j := 0; j < 50; j++ {
				bus.Publish(threadID, "task", TaskStarted{StepIndex: j})
			}
		}(i)
	}
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch, cancel := bus.Subscribe("thread-a")
			collect(ch, 10, 100*time.Millisecond)
			cancel()
		}()
	}
	wg.Wait()

	if got := bus.LastSeq("thread-a"); got != 200 {
		t.Fatalf("thread-a seq = %d, want 200", got)
	}
	if got := bus.LastSeq("thread-b"); got != 200 {
		t.Fatalf("thread-b seq = %d, want 200", got)
	}
}

func TestEnvelopeData(t *testing.T) {
	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	bus := NewBus(withClock(func() time.Time { return fixed }))

	env := bus.Publish("thread-1", "task-1", InterruptRaised{Type: "human_input", Question: "which account?"})
	data, err := env.Data()
	if err != nil {
		t.Fatalf("Data failed: %v", err)
	}

	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("frame is not JSON: %v", err)
	}
	if frame["ts"] != "2025-06-01T12:00:00.000Z" {
		t.Fatalf("ts = %v", frame["ts"])
	}
	if frame["seq"] != float64(1) || frame["threadID"] != "thread-1" || frame["taskID"] != "task-1" {
		t.Fatalf("identity fields drifted: %v", frame)
	}
	payload, ok := frame["payload"].(map[string]any)
	if !ok || payload["question"] != "which account?" {
		t.Fatalf("payload drifted: %v", frame["payload"])
	}
	if _, present := frame["kind"]; present {
		t.Fatal("kind must travel out of band, not inside the frame")
	}
}

func TestPlanDiff(t *testing.T) {
	tests := []struct {
		name     string
		old      []string
		new      []string
		contains []string
		empty    bool
	}{
		{
			name:  "identical",
			old:   []string{"a", "b"},
			new:   []string{"a", "b"},
			empty: true,
		},
		{
			name:     "insertion",
			old:      []string{"create a Jira bug"},
			new:      []string{"clarify which account", "create a Jira bug"},
			contains: []string{"+clarify which account", " create a Jira bug"},
		},
		{
			name:     "removal",
			old:      []string{"step one", "step two"},
			new:      []string{"step one"},
			contains: []string{"-step two"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PlanDiff(tt.old, tt.new)
			if tt.empty {
				if got != "" {
					t.Fatalf("expected empty diff, got %q", got)
				}
				return
			}
			for _, want := range tt.contains {
				if !strings.Contains(got, want) {
					t.Fatalf("diff missing %q:\n%s", want, got)
				}
			}
		})
	}
}
