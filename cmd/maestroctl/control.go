package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"maestro/internal/protocol"
	"maestro/internal/rpc"
)

// wsReply is the server's websocket frame: acks and errors for commands,
// event mirrors for the subscribed thread, task.response for resumes.
type wsReply struct {
	Type  string          `json:"type"`
	Kind  string          `json:"kind,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

func wsURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://") + "/ws"
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://") + "/ws"
	}
	return base + "/ws"
}

// awaitReply reads frames until one of wantType arrives, rendering event
// mirrors along the way. An error frame fails the wait.
func awaitReply(conn *websocket.Conn, wantType string, timeout time.Duration) (*wsReply, error) {
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	for {
		var msg wsReply
		if err := conn.ReadJSON(&msg); err != nil {
			return nil, err
		}
		switch msg.Type {
		case "error":
			return nil, errors.New(msg.Error)
		case wantType:
			return &msg, nil
		case "event":
			var f frame
			if err := json.Unmarshal(msg.Data, &f); err == nil {
				f.Kind = msg.Kind
				renderFrame(f)
			}
		}
	}
}

func newInterruptCommand() *cobra.Command {
	var threadID, reason string

	cmd := &cobra.Command{
		Use:   "interrupt",
		Short: "Stop a running thread at its next safe point",
		RunE: func(cmd *cobra.Command, args []string) error {
			if threadID == "" {
				return errors.New("--thread is required")
			}

			conn, _, err := websocket.DefaultDialer.Dial(wsURL(serverURL()), nil)
			if err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			defer func() { _ = conn.Close() }()

			err = conn.WriteJSON(map[string]any{
				"type":    "interrupt",
				"payload": map[string]any{"threadID": threadID, "reason": reason},
			})
			if err != nil {
				return err
			}

			if _, err := awaitReply(conn, "ack", 10*time.Second); err != nil {
				return err
			}
			fmt.Printf("%s %s will stop at its next safe point\n", yellow("interrupting:"), bold(threadID))
			return nil
		},
	}
	cmd.Flags().StringVar(&threadID, "thread", "", "Thread to interrupt")
	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded with the interrupt")
	return cmd
}

func newResumeCommand() *cobra.Command {
	var threadID, input string
	var forceReplan bool
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Re-enter a suspended thread with new input",
		RunE: func(cmd *cobra.Command, args []string) error {
			if threadID == "" {
				return errors.New("--thread is required")
			}
			if strings.TrimSpace(input) == "" {
				return errors.New("--input is required")
			}

			// Subscribing the same thread mirrors progress while the
			// continuation runs.
			conn, _, err := websocket.DefaultDialer.Dial(wsURL(serverURL())+"?thread_id="+threadID, nil)
			if err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			defer func() { _ = conn.Close() }()

			err = conn.WriteJSON(map[string]any{
				"type": "resume",
				"payload": map[string]any{
					"threadID":    threadID,
					"input":       input,
					"forceReplan": forceReplan,
				},
			})
			if err != nil {
				return err
			}

			reply, err := awaitReply(conn, "task.response", timeout)
			if err != nil {
				return err
			}
			var resp protocol.TaskResponse
			if err := json.Unmarshal(reply.Data, &resp); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}

			switch resp.Status {
			case protocol.StatusCompleted:
				fmt.Printf("\n%s\n", bold(resp.Response))
			case protocol.StatusFailed:
				fmt.Printf("\n%s %s\n", red(bold("failed:")), resp.Response)
				printPlanSummary(resp.Plan)
				return errors.New("workflow failed")
			case protocol.StatusInterrupted:
				if resp.Interrupt != nil && resp.Interrupt.Question != "" {
					fmt.Printf("%s %s\n", yellow(bold("paused again:")), resp.Interrupt.Question)
				} else {
					fmt.Println(yellow(bold("paused again")))
				}
			}
			printPlanSummary(resp.Plan)
			return nil
		},
	}
	cmd.Flags().StringVar(&threadID, "thread", "", "Thread to resume")
	cmd.Flags().StringVar(&input, "input", "", "Answer or modification request")
	cmd.Flags().BoolVar(&forceReplan, "force-replan", false, "Route the input to the replanner instead of answering the question")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "Give up waiting after this long")
	return cmd
}

func newCardCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "card",
		Short: "Fetch the orchestrator's agent card",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			card, err := rpc.NewClient().FetchAgentCard(ctx, serverURL())
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(card, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}
