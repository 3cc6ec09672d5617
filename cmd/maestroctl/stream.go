package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"maestro/internal/events"
)

// frame is one SSE event as the CLI sees it: the kind from the event field
// and the envelope from the data line.
type frame struct {
	Kind     string
	TS       string          `json:"ts"`
	Seq      uint64          `json:"seq"`
	ThreadID string          `json:"threadID"`
	TaskID   string          `json:"taskID"`
	Payload  json.RawMessage `json:"payload"`
}

// openEventStream subscribes to the thread's SSE feed and parses frames
// until the stream or ctx ends. The channel closes when the server drops us.
func openEventStream(ctx context.Context, baseURL, threadID string) (<-chan frame, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/a2a/stream?thread_id="+threadID, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	// Streams outlive any sane client timeout; ctx owns the lifetime.
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", threadID, err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("subscribe to %s: HTTP %d", threadID, resp.StatusCode)
	}

	frames := make(chan frame, 16)
	go func() {
		defer close(frames)
		defer func() { _ = resp.Body.Close() }()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)

		var kind string
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, ":"):
				// Heartbeat comment.
			case strings.HasPrefix(line, "event: "):
				kind = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				var f frame
				if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &f); err != nil {
					continue
				}
				f.Kind = kind
				select {
				case frames <- f:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return frames, nil
}

// renderFrame prints one event in the task transcript style. Memory frames
// are detail; they only show with --verbose.
func renderFrame(f frame) {
	switch f.Kind {
	case "connected":
		return

	case events.KindPlanCreated:
		var p events.PlanCreated
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			break
		}
		fmt.Println(bold(green("plan")))
		for i, step := range p.Steps {
			fmt.Printf("  %s %s\n", gray(fmt.Sprintf("%d.", i+1)), step)
		}

	case events.KindTaskStarted:
		var p events.TaskStarted
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			break
		}
		fmt.Printf("%s %s\n", blue(fmt.Sprintf("→ step %d", p.StepIndex+1)), p.Description)

	case events.KindTaskCompleted:
		var p events.TaskCompleted
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			break
		}
		mark := green("✓")
		if p.Outcome == "failed" {
			mark = red("✗")
		}
		if p.Summary != "" {
			fmt.Printf("%s %s %s\n", mark, gray(fmt.Sprintf("step %d", p.StepIndex+1)), p.Summary)
		} else {
			fmt.Printf("%s %s\n", mark, gray(fmt.Sprintf("step %d (%s)", p.StepIndex+1, p.Outcome)))
		}

	case events.KindPlanUpdated:
		var p events.PlanUpdated
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			break
		}
		fmt.Println(gray(fmt.Sprintf("  progress %d/%d", len(p.Completed)+len(p.Failed), len(p.Steps))))

	case events.KindPlanReplanned:
		var p events.PlanReplanned
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			break
		}
		fmt.Println(yellow("plan changed"))
		if p.Diff != "" {
			for _, line := range strings.Split(strings.TrimRight(p.Diff, "\n"), "\n") {
				switch {
				case strings.HasPrefix(line, "+"):
					fmt.Printf("  %s\n", green(line))
				case strings.HasPrefix(line, "-"):
					fmt.Printf("  %s\n", red(line))
				default:
					fmt.Printf("  %s\n", gray(line))
				}
			}
		} else {
			for i, step := range p.NewPlan {
				fmt.Printf("  %s %s\n", gray(fmt.Sprintf("%d.", i+1)), step)
			}
		}

	case events.KindInterruptRaised:
		var p events.InterruptRaised
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			break
		}
		switch {
		case p.Question != "":
			fmt.Printf("%s %s\n", yellow(bold("paused:")), p.Question)
		case p.Reason != "":
			fmt.Printf("%s %s\n", yellow(bold("paused:")), p.Reason)
		default:
			fmt.Println(yellow(bold("paused")))
		}

	case events.KindInterruptResumed:
		var p events.InterruptResumed
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			break
		}
		fmt.Printf("%s %s\n", cyan("resumed:"), p.Input)

	case events.KindMemoryNodeAdded:
		if !viper.GetBool("verbose") {
			return
		}
		var p events.MemoryNodeAdded
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			break
		}
		fmt.Println(gray(fmt.Sprintf("  memory + %s %s", p.Node.NodeKind, p.Node.Summary)))

	case events.KindMemoryEdgeAdded:
		if !viper.GetBool("verbose") {
			return
		}
		var p events.MemoryEdgeAdded
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			break
		}
		fmt.Println(gray(fmt.Sprintf("  memory %s -[%s]-> %s", p.From, p.EdgeType, p.To)))

	case events.KindMemoryGraphSnapshot:
		// Bootstrap payload for UIs; nothing to say on a transcript.

	default:
		if viper.GetBool("verbose") {
			fmt.Println(gray(fmt.Sprintf("  %s %s", f.Kind, string(f.Payload))))
		}
	}
}

func newWatchCommand() *cobra.Command {
	var threadID string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow a thread's event stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			if threadID == "" {
				return errors.New("--thread is required")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			frames, err := openEventStream(ctx, serverURL(), threadID)
			if err != nil {
				return err
			}
			fmt.Println(gray("watching " + threadID + " (ctrl-c to stop)"))
			for f := range frames {
				renderFrame(f)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&threadID, "thread", "", "Thread to follow")
	return cmd
}
