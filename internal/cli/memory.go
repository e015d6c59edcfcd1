package cli

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/internal/records"
)

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Inspect vector memory collections",
}

var memoryCollectionsCmd = &cobra.Command{
	Use:   "collections",
	Short: "List vector memory collections in a session",
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

		cols, err := mctx.ListCollections(ctx)
		if err != nil {
			return fmt.Errorf("list collections: %w", err)
		}
		if len(cols) == 0 {
			fmt.Println("No collections.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tDIMENSIONS\tCREATED")
		for _, c := range cols {
			fmt.Fprintf(w, "%s\t%d\t%s\n", c.Name, c.Dimensions, formatTime(c.CreatedAt))
		}
		return w.Flush()
	},
}

var memoryDropCmd = &cobra.Command{
	Use:   "drop [collection]",
	Short: "Delete a collection and all of its records",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID, _ := cmd.Flags().GetString("session")
		yes, _ := cmd.Flags().GetBool("yes")
		if !yes {
			return fmt.Errorf("refusing to drop collection %q without --yes", args[0])
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

		if err := mctx.DropCollection(ctx, args[0]); err != nil {
			return fmt.Errorf("drop collection: %w", err)
		}
		fmt.Printf("Collection %s dropped.\n", args[0])
		return nil
	},
}

var memoryPutCmd = &cobra.Command{
	Use:   "put [collection] [key] [text]",
	Short: "Store or replace a memory entry",
	Args:  cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID, _ := cmd.Flags().GetString("session")
		embeddingFlag, _ := cmd.Flags().GetString("embedding")
		embedding, err := parseEmbedding(embeddingFlag)
		if err != nil {
			return err
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

		if err := mctx.UpsertMemory(ctx, &records.MemoryRecord{
			Collection: args[0],
			Key:        args[1],
			Text:       strings.Join(args[2:], " "),
			Embedding:  embedding,
		}); err != nil {
			return fmt.Errorf("upsert memory: %w", err)
		}
		fmt.Printf("Stored %s/%s.\n", args[0], args[1])
		return nil
	},
}

var memoryGetCmd = &cobra.Command{
	Use:   "get [collection] [key]",
	Short: "Show one memory entry",
	Args:  cobra.ExactArgs(2),
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

		rec, ok, err := mctx.GetMemory(ctx, args[0], args[1])
		if err != nil {
			return fmt.Errorf("get memory: %w", err)
		}
		if !ok {
			fmt.Println("Not found.")
			return nil
		}
		fmt.Printf("%s/%s (%d dims, updated %s)\n%s\n",
			rec.Collection, rec.Key, len(rec.Embedding), formatTime(rec.UpdatedAt), rec.Text)
		return nil
	},
}

var memorySearchCmd = &cobra.Command{
	Use:   "search [collection]",
	Short: "Rank a collection's entries against a query embedding",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID, _ := cmd.Flags().GetString("session")
		embeddingFlag, _ := cmd.Flags().GetString("embedding")
		limit, _ := cmd.Flags().GetInt("limit")
		minScore, _ := cmd.Flags().GetFloat64("min-score")
		query, err := parseEmbedding(embeddingFlag)
		if err != nil {
			return err
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

		matches, err := mctx.Nearest(ctx, args[0], query, limit, minScore)
		if err != nil {
			return fmt.Errorf("search: %w", err)
		}
		if len(matches) == 0 {
			fmt.Println("No matches.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SCORE\tKEY\tTEXT")
		for _, m := range matches {
			fmt.Fprintf(w, "%.4f\t%s\t%s\n", m.Score, m.Record.Key, m.Record.Text)
		}
		return w.Flush()
	},
}

func parseEmbedding(raw string) ([]float32, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("--embedding is required (comma-separated floats)")
	}
	parts := strings.Split(raw, ",")
	out := make([]float32, 0, len(parts))
	for _, part := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(part), 32)
		if err != nil {
			return nil, fmt.Errorf("bad embedding component %q: %w", part, err)
		}
		out = append(out, float32(f))
	}
	return out, nil
}

func init() {
	memoryCmd.PersistentFlags().StringP("session", "s", "default", "Session ID")
	memoryDropCmd.Flags().Bool("yes", false, "Confirm deletion")
	memoryPutCmd.Flags().StringP("embedding", "e", "", "Comma-separated embedding values")
	memorySearchCmd.Flags().StringP("embedding", "e", "", "Comma-separated query embedding")
	memorySearchCmd.Flags().IntP("limit", "l", 5, "Maximum matches")
	memorySearchCmd.Flags().Float64P("min-score", "m", -1, "Minimum similarity (-1 uses the configured default)")

	memoryCmd.AddCommand(memoryCollectionsCmd)
	memoryCmd.AddCommand(memoryPutCmd)
	memoryCmd.AddCommand(memoryGetCmd)
	memoryCmd.AddCommand(memorySearchCmd)
	memoryCmd.AddCommand(memoryDropCmd)
}

// MemoryCmd returns the memory command
func MemoryCmd() *cobra.Command {
	return memoryCmd
}
