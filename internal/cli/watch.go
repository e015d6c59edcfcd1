package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/loomworks/loom/internal/transitions"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow plan and step transitions as they happen",
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID, _ := cmd.Flags().GetString("session")
		replay, _ := cmd.Flags().GetInt("replay")

		app, err := OpenApp()
		if err != nil {
			return err
		}
		defer app.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if replay > 0 {
			events, err := app.Bus.List(ctx, sessionID, replay)
			if err != nil {
				return fmt.Errorf("list transitions: %w", err)
			}
			for _, ev := range events {
				printEvent(ev)
			}
		}

		fmt.Fprintln(os.Stderr, "Watching for transitions. Ctrl-C to stop.")
		ch := app.Bus.Subscribe(ctx, sessionID)
		for ev := range ch {
			printEvent(ev)
		}
		return nil
	},
}

var transitionsCmd = &cobra.Command{
	Use:   "transitions",
	Short: "List recorded plan and step transitions",
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID, _ := cmd.Flags().GetString("session")
		limit, _ := cmd.Flags().GetInt("limit")

		app, err := OpenApp()
		if err != nil {
			return err
		}
		defer app.Close()

		events, err := app.Bus.List(context.Background(), sessionID, limit)
		if err != nil {
			return fmt.Errorf("list transitions: %w", err)
		}
		if len(events) == 0 {
			fmt.Println("No transitions recorded.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tENTITY\tID\tFROM\tTO\tNOTE")
		for _, ev := range events {
			note := ev.Note
			if note == "" {
				note = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				formatTime(ev.CreatedAt), ev.Entity, ev.EntityID, ev.From, transitionColor(ev.To), note)
		}
		return w.Flush()
	},
}

func printEvent(ev transitions.Event) {
	note := ""
	if ev.Note != "" {
		note = " (" + ev.Note + ")"
	}
	fmt.Printf("[%s] %s %s: %s -> %s%s\n",
		formatTime(ev.CreatedAt), ev.Entity, ev.EntityID, ev.From, transitionColor(ev.To), note)
}

func transitionColor(to string) string {
	switch to {
	case "completed":
		return color.New(color.FgGreen).Sprint(to)
	case "failed":
		return color.New(color.FgRed).Sprint(to)
	case "awaiting_human":
		return color.New(color.FgYellow).Sprint(to)
	case "cancelled", "skipped":
		return color.New(color.FgHiBlack).Sprint(to)
	default:
		return color.New(color.FgCyan).Sprint(to)
	}
}

func init() {
	watchCmd.Flags().StringP("session", "s", "", "Session ID (empty for all sessions)")
	watchCmd.Flags().Int("replay", 0, "Print the last N recorded transitions before following")

	transitionsCmd.Flags().StringP("session", "s", "", "Session ID (empty for all sessions)")
	transitionsCmd.Flags().IntP("limit", "l", 50, "Maximum transitions to show")
}

// WatchCmd returns the watch command
func WatchCmd() *cobra.Command {
	return watchCmd
}

// TransitionsCmd returns the transitions command
func TransitionsCmd() *cobra.Command {
	return transitionsCmd
}
