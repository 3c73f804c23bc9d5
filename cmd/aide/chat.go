package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"aide/internal/core"
	"aide/internal/llm"
)

var chatSessionID string

var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Chat with aide from the terminal",
	Long: `Sends a single message when one is given as an argument, otherwise
starts an interactive loop. Responses stream token by token. An empty line
or "exit" ends the loop.`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVar(&chatSessionID, "session", "", "session id to resume (default: new session)")
}

func runChat(cmd *cobra.Command, args []string) error {
	rt, err := core.NewRuntime(cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rt.Bootstrap(ctx); err != nil {
		return err
	}

	orch := rt.NewSession(chatSessionID)

	if len(args) > 0 {
		return send(ctx, orch, strings.Join(args, " "))
	}

	fmt.Printf("aide session %s. Type a message, or \"exit\" to quit.\n", orch.SessionID())
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line == "exit" || line == "quit" {
			break
		}
		if err := send(ctx, orch, line); err != nil {
			if ctx.Err() != nil {
				break
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	}
	return scanner.Err()
}

func send(ctx context.Context, orch *core.Orchestrator, message string) error {
	_, err := orch.Stream(ctx, message, func(ch llm.Chunk) error {
		fmt.Print(ch.Content)
		return nil
	})
	if err != nil {
		return err
	}
	fmt.Println()
	return nil
}
