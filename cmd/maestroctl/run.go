package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"maestro/internal/protocol"
	"maestro/internal/rpc"
	"maestro/internal/serialize"
	"maestro/internal/utils/id"
)

func newRunCommand() *cobra.Command {
	var threadID string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "run <instruction>",
		Short: "Send an instruction and stream progress until it settles",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTask(cmd.Context(), strings.Join(args, " "), threadID, timeout)
		},
	}
	cmd.Flags().StringVar(&threadID, "thread", "", "Thread to run in; a new one is generated when empty")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "Give up waiting after this long")
	return cmd
}

func runTask(parent context.Context, instruction, threadID string, timeout time.Duration) error {
	base := serverURL()
	if threadID == "" {
		threadID = id.NewThreadID()
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	frames, err := openEventStream(ctx, base, threadID)
	if err != nil {
		return err
	}
	go func() {
		for f := range frames {
			renderFrame(f)
		}
	}()

	fmt.Printf("%s %s\n", gray("thread"), bold(threadID))

	client := rpc.NewClient(rpc.WithHTTPClient(rpc.NewHTTPClient(timeout)))
	req := &protocol.TaskRequest{
		Instruction: instruction,
		Context: protocol.TaskContext{
			ThreadID: threadID,
			UserID:   userID(),
			Source:   protocol.SourceCLIClient,
		},
	}

	for {
		resp, err := client.ProcessTask(ctx, base, req)
		if err != nil {
			if ctx.Err() != nil {
				fmt.Printf("\n%s the workflow keeps running; stop it with: maestroctl interrupt --thread %s\n",
					yellow("detached."), threadID)
				return nil
			}
			return err
		}

		switch resp.Status {
		case protocol.StatusCompleted:
			settle()
			fmt.Printf("\n%s\n", bold(resp.Response))
			printPlanSummary(resp.Plan)
			return nil

		case protocol.StatusFailed:
			settle()
			fmt.Printf("\n%s %s\n", red(bold("failed:")), resp.Response)
			printPlanSummary(resp.Plan)
			return errors.New("workflow failed")

		case protocol.StatusInterrupted:
			answer, err := answerInterrupt(resp)
			if err != nil {
				return err
			}
			if answer == "" {
				fmt.Printf("\n%s resume with: maestroctl resume --thread %s --input \"...\"\n",
					yellow("suspended."), resp.ThreadID)
				return nil
			}
			req = &protocol.TaskRequest{
				Context: req.Context,
				Resume:  &protocol.ResumeCommand{Input: answer},
			}

		default:
			return fmt.Errorf("unexpected task status %q", resp.Status)
		}
	}
}

// settle gives trailing SSE frames a beat to land before the final response
// prints under them.
func settle() {
	time.Sleep(300 * time.Millisecond)
}

// answerInterrupt prompts for the pending question when the workflow paused
// for human input and a terminal is attached. An empty return means the
// thread stays suspended.
func answerInterrupt(resp *protocol.TaskResponse) (string, error) {
	info := resp.Interrupt
	if info == nil || info.Type != serialize.InterruptHumanInput || !isTTY() {
		return "", nil
	}

	question := info.Question
	if question == "" {
		question = "the workflow needs input"
	}
	prompt := promptui.Prompt{
		Label: question,
		Validate: func(s string) error {
			if strings.TrimSpace(s) == "" {
				return errors.New("an answer is required")
			}
			return nil
		},
	}
	answer, err := prompt.Run()
	if err != nil {
		if errors.Is(err, promptui.ErrInterrupt) || errors.Is(err, promptui.ErrEOF) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(answer), nil
}

func printPlanSummary(plan *protocol.PlanSummary) {
	if plan == nil || len(plan.Steps) == 0 {
		return
	}
	line := fmt.Sprintf("%d/%d steps completed", len(plan.Completed), len(plan.Steps))
	if len(plan.Failed) > 0 {
		line += fmt.Sprintf(", %d failed", len(plan.Failed))
	}
	fmt.Println(gray(line))
}
