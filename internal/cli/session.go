package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/internal/records"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect and manage sessions",
}

var sessionMessagesCmd = &cobra.Command{
	Use:   "messages",
	Short: "Show the most recent messages in a session",
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID, _ := cmd.Flags().GetString("session")
		limit, _ := cmd.Flags().GetInt("limit")

		app, err := OpenApp()
		if err != nil {
			return err
		}
		defer app.Close()

		ctx := context.Background()
		mctx, err := app.Contexts.Acquire(ctx, sessionID)
		if err != nil {
			return err
		}
		defer mctx.Release()

		msgs := mctx.RecentMessages(limit)
		if len(msgs) == 0 {
			fmt.Println("No messages.")
			return nil
		}
		for _, m := range msgs {
			fmt.Printf("[%s] %s: %s\n", formatTime(m.CreatedAt), m.Role, m.Content)
		}
		return nil
	},
}

var sessionStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show session counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID, _ := cmd.Flags().GetString("session")

		app, err := OpenApp()
		if err != nil {
			return err
		}
		defer app.Close()

		ctx := context.Background()
		mctx, err := app.Contexts.Acquire(ctx, sessionID)
		if err != nil {
			return err
		}
		defer mctx.Release()

		stats, err := mctx.SessionStats(ctx)
		if err != nil {
			return fmt.Errorf("session stats: %w", err)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "Session\t%s\n", stats.ID)
		fmt.Fprintf(w, "Messages\t%d\n", stats.MessageCount)
		fmt.Fprintf(w, "Last active\t%s\n", formatTime(stats.LastActiveAt))
		return w.Flush()
	},
}

var sessionSayCmd = &cobra.Command{
	Use:   "say [content]",
	Short: "Append a message to a session",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID, _ := cmd.Flags().GetString("session")
		roleFlag, _ := cmd.Flags().GetString("role")
		role := records.Role(roleFlag)
		switch role {
		case records.RoleUser, records.RoleAssistant, records.RoleSystem:
		default:
			return fmt.Errorf("unknown role %q", roleFlag)
		}

		app, err := OpenApp()
		if err != nil {
			return err
		}
		defer app.Close()

		ctx := context.Background()
		mctx, err := app.Contexts.Acquire(ctx, sessionID)
		if err != nil {
			return err
		}
		defer mctx.Release()

		content := ""
		for i, a := range args {
			if i > 0 {
				content += " "
			}
			content += a
		}
		msg, err := mctx.AppendMessage(ctx, role, content)
		if err != nil {
			return fmt.Errorf("append message: %w", err)
		}
		fmt.Printf("Recorded message %s.\n", msg.ID)
		return nil
	},
}

var sessionClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete everything stored for a session",
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID, _ := cmd.Flags().GetString("session")
		yes, _ := cmd.Flags().GetBool("yes")
		if !yes {
			return fmt.Errorf("refusing to clear session %q without --yes", sessionID)
		}

		app, err := OpenApp()
		if err != nil {
			return err
		}
		defer app.Close()

		ctx := context.Background()
		mctx, err := app.Contexts.Acquire(ctx, sessionID)
		if err != nil {
			return err
		}
		defer mctx.Release()

		if err := mctx.ClearSession(ctx); err != nil {
			return fmt.Errorf("clear session: %w", err)
		}
		fmt.Printf("Session %s cleared.\n", sessionID)
		return nil
	},
}

func init() {
	sessionCmd.PersistentFlags().StringP("session", "s", "default", "Session ID")

	sessionMessagesCmd.Flags().IntP("limit", "l", 20, "Maximum messages to show")
	sessionSayCmd.Flags().StringP("role", "r", "user", "Message role (user, assistant, system)")
	sessionClearCmd.Flags().Bool("yes", false, "Confirm deletion")

	sessionCmd.AddCommand(sessionMessagesCmd)
	sessionCmd.AddCommand(sessionStatsCmd)
	sessionCmd.AddCommand(sessionSayCmd)
	sessionCmd.AddCommand(sessionClearCmd)
}

// SessionCmd returns the session command
func SessionCmd() *cobra.Command {
	return sessionCmd
}
