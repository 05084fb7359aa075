package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kompose-ai/kompose/internal/config"
	"github.com/kompose-ai/kompose/internal/database"
	"github.com/kompose-ai/kompose/internal/log"
	"github.com/kompose-ai/kompose/internal/store"
)

var sessionsOwner string

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect and manage stored chat sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions for an owner",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), runSessionsList)
	},
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show a session and its messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(ctx context.Context, s *store.Store) error {
			return runSessionsShow(ctx, s, args[0])
		})
	},
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <session-id>",
	Short: "Delete a session and all its messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(ctx context.Context, s *store.Store) error {
			return runSessionsDelete(ctx, s, args[0])
		})
	},
}

func init() {
	sessionsListCmd.Flags().StringVar(&sessionsOwner, "owner", "", "owner id to list sessions for")
	_ = sessionsListCmd.MarkFlagRequired("owner")

	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	sessionsCmd.AddCommand(sessionsDeleteCmd)
	rootCmd.AddCommand(sessionsCmd)
}

// withStore opens the database for one command invocation.
func withStore(ctx context.Context, fn func(context.Context, *store.Store) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	pool, err := database.Open(ctx, cfg.PostgresConnectionString())
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer pool.Close()

	return fn(ctx, store.New(pool, log.NewNop()))
}

func runSessionsList(ctx context.Context, s *store.Store) error {
	sessions, err := s.ListSessions(ctx, sessionsOwner, 100, 0)
	if err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}

	if len(sessions) == 0 {
		fmt.Println("No sessions found.")
		return nil
	}

	for _, sess := range sessions {
		title := sess.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Printf("%s  %-30s  last active %s\n",
			sess.ID, title, formatTime(sess.LastMessageAt))
	}
	return nil
}

func runSessionsShow(ctx context.Context, s *store.Store, rawID string) error {
	sessionID, err := uuid.Parse(rawID)
	if err != nil {
		return fmt.Errorf("invalid session id %q: %w", rawID, err)
	}

	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("getting session: %w", err)
	}
	messages, err := s.ListMessages(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("getting messages: %w", err)
	}

	fmt.Printf("Session: %s\n", sess.ID)
	fmt.Printf("Owner: %s\n", sess.OwnerID)
	fmt.Printf("Title: %s\n", sess.Title)
	fmt.Printf("Created: %s\n", formatTime(sess.CreatedAt))
	fmt.Printf("Messages: %d\n\n", len(messages))

	for _, msg := range messages {
		fmt.Printf("[%s] %s\n", msg.Role, formatTime(msg.CreatedAt))
		if content := msg.Content(); content != "" {
			fmt.Println(content)
		}
		for _, part := range msg.Parts {
			if part.Invocation != nil {
				fmt.Printf("  tool %s (%s): %s\n",
					part.Invocation.ToolName, part.Invocation.State, part.Invocation.ToolCallID)
			}
		}
		fmt.Println()
	}
	return nil
}

func runSessionsDelete(ctx context.Context, s *store.Store, rawID string) error {
	sessionID, err := uuid.Parse(rawID)
	if err != nil {
		return fmt.Errorf("invalid session id %q: %w", rawID, err)
	}
	if err := s.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	fmt.Printf("Deleted session %s\n", sessionID)
	return nil
}

func formatTime(t time.Time) string {
	return t.Local().Format("2006-01-02 15:04")
}
