package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lacehq/lace/internal/agent"
	"github.com/lacehq/lace/internal/compaction"
	"github.com/lacehq/lace/internal/threads"
	"github.com/lacehq/lace/pkg/models"
)

func buildChatCmd(configPath *string) *cobra.Command {
	var threadFlag string
	var continueFlag bool

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start or resume an interactive conversation",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(resolveConfigPath(*configPath))
			if err != nil {
				return err
			}
			defer rt.Close()
			return runChat(cmd.Context(), rt, threadFlag, continueFlag)
		},
	}
	cmd.Flags().StringVar(&threadFlag, "thread", "", "Thread id to resume (created when missing)")
	cmd.Flags().BoolVar(&continueFlag, "continue", false, "Resume the newest thread")
	return cmd
}

func runChat(ctx context.Context, rt *runtime, threadFlag string, continueFlag bool) error {
	if ctx == nil {
		ctx = context.Background()
	}

	requested := threadFlag
	if continueFlag {
		newest, err := newestThread(ctx, rt.store)
		if err != nil {
			return err
		}
		requested = newest.String()
	}
	threadID, resumed, err := resumeOrCreateThread(ctx, rt.store, requested)
	if err != nil {
		return err
	}

	ag, err := rt.newAgent(ctx, threadID)
	if err != nil {
		return err
	}
	defer ag.Stop()

	if resumed {
		fmt.Printf("Resumed thread %s\n", threadID)
	} else {
		fmt.Printf("Started thread %s\n", threadID)
	}

	streaming := rt.cfg.Streaming == nil || *rt.cfg.Streaming
	unsubscribe := ag.Subscribe(chatSink(streaming))
	defer unsubscribe()

	// First interrupt aborts the in-flight turn; an interrupt at the
	// prompt exits with the conventional code.
	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)
	go func() {
		for range interrupts {
			if !ag.Abort() {
				fmt.Println()
				os.Exit(130)
			}
		}
	}()

	for {
		fmt.Print("> ")
		line, err := rt.stdin.ReadString('\n')
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		text := strings.TrimSpace(line)
		if text == "" {
			continue
		}

		switch text {
		case "/quit", "/exit":
			return nil
		case "/compact":
			if _, err := rt.compactor.Compact(ctx, threadID); err != nil {
				if err == compaction.ErrNothingToCompact {
					fmt.Println("Nothing to compact yet.")
					continue
				}
				fmt.Printf("Compaction failed: %v\n", err)
				continue
			}
			fmt.Println("Thread compacted.")
			continue
		}

		if err := ag.SendMessage(ctx, text); err != nil {
			if err == agent.ErrAgentStopped {
				return nil
			}
			fmt.Printf("Turn failed: %v\n", err)
		}
		if !streaming {
			printLatestAnswer(ctx, rt, threadID)
		}
	}
}

// chatSink renders agent events on the terminal.
func chatSink(streaming bool) agent.Sink {
	return func(event models.AgentEvent) {
		switch event.Type {
		case models.AgentEventToken:
			fmt.Print(event.Token)
		case models.AgentEventToolCallStart:
			if event.ToolCall != nil {
				fmt.Printf("\n[tool] %s %s\n", event.ToolCall.Name, string(event.ToolCall.Input))
			}
		case models.AgentEventTurnComplete:
			if streaming {
				fmt.Println()
			}
		case models.AgentEventTurnAborted:
			fmt.Println("\n[aborted]")
		case models.AgentEventBudgetWarning:
			fmt.Printf("\n[warning] %s\n", event.Message)
		case models.AgentEventRetryAttempt:
			if event.Retry != nil {
				fmt.Printf("\n[retry] attempt %d after %dms\n", event.Retry.Attempt, event.Retry.DelayMs)
			}
		}
	}
}

// printLatestAnswer shows the final agent message of the turn when token
// streaming is off.
func printLatestAnswer(ctx context.Context, rt *runtime, threadID threads.ID) {
	events, err := rt.store.GetEvents(ctx, threadID)
	if err != nil {
		return
	}
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type != models.EventAgentMessage {
			continue
		}
		if text, err := events[i].MessageText(); err == nil {
			fmt.Println(text)
		}
		return
	}
}
