package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"hyprflux/internal/media"
	"hyprflux/internal/storage"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect and manage generated media",
}

var (
	historyPage    int
	historyPerPage int
	exportOut      string
	clearYes       bool
	auditLimit     int
)

func init() {
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List history, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()
			p, err := a.store.ListMedia(cmd.Context(), flagOwner, historyPage, historyPerPage)
			if err != nil {
				return err
			}
			return printPage(cmd, p)
		},
	}
	listCmd.Flags().IntVarP(&historyPage, "page", "p", 1, "page number")
	listCmd.Flags().IntVar(&historyPerPage, "per-page", 60, "items per page")

	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Write the history to a JSON file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()
			now := time.Now()
			bundle, err := a.store.ExportBundle(cmd.Context(), flagOwner, now)
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(bundle, "", "  ")
			if err != nil {
				return fmt.Errorf("encode bundle: %w", err)
			}
			path := exportOut
			if path == "" {
				path = media.ExportFileName(now)
			}
			if err := os.WriteFile(path, data, 0o644); err != nil {
				return err
			}
			logAction(cmd.Context(), a.store, "media_export", map[string]any{"items": len(bundle.Media)})
			fmt.Fprintf(cmd.OutOrStdout(), "exported %d items to %s\n", len(bundle.Media), path)
			return nil
		},
	}
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "output file (default hypr-media-history-<timestamp>.json)")

	importCmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Add the items of an exported file, skipping known timestamps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			bundle, err := media.ParseBundle(data)
			if err != nil {
				return err
			}
			a, err := openApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()
			added, err := a.store.ImportMedia(cmd.Context(), flagOwner, bundle.Media)
			if err != nil {
				return err
			}
			logAction(cmd.Context(), a.store, "media_import", map[string]any{"items": len(bundle.Media), "added": added})
			fmt.Fprintf(cmd.OutOrStdout(), "Import processed: %d new items (duplicates were skipped).\n", added)
			return nil
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <timestamp>",
		Short: "Delete one item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.store.DeleteMedia(cmd.Context(), flagOwner, args[0]); err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					return fmt.Errorf("no history item with timestamp %s", args[0])
				}
				return err
			}
			logAction(cmd.Context(), a.store, "media_delete", map[string]any{"timestamp": args[0]})
			fmt.Fprintln(cmd.OutOrStdout(), "deleted", args[0])
			return nil
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete the whole history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !clearYes {
				return fmt.Errorf("this deletes every item, rerun with --yes")
			}
			a, err := openApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.store.ClearAll(cmd.Context(), flagOwner); err != nil {
				return err
			}
			logAction(cmd.Context(), a.store, "media_clear", map[string]any{})
			fmt.Fprintln(cmd.OutOrStdout(), "history cleared")
			return nil
		},
	}
	clearCmd.Flags().BoolVarP(&clearYes, "yes", "y", false, "confirm")

	auditCmd := &cobra.Command{
		Use:   "audit",
		Short: "Show recent history and API key changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()
			entries, err := a.store.RecentActions(cmd.Context(), flagOwner, auditLimit)
			if err != nil {
				return err
			}
			return printAudit(cmd, entries)
		},
	}
	auditCmd.Flags().IntVarP(&auditLimit, "limit", "n", 20, "number of entries")

	historyCmd.AddCommand(listCmd, exportCmd, importCmd, deleteCmd, clearCmd, auditCmd)
}

// logAction records a history change. A failure is logged and does not fail
// the command that made the change.
func logAction(ctx context.Context, store *storage.Store, action string, meta map[string]any) {
	b, _ := json.Marshal(meta)
	err := store.LogAction(ctx, storage.AuditEntry{Owner: flagOwner, Action: action, MetaJSON: string(b)})
	if err != nil {
		log.Warn().Err(err).Str("action", action).Msg("failed to record action")
	}
}

func printAudit(cmd *cobra.Command, entries []storage.AuditEntry) error {
	out := cmd.OutOrStdout()
	if len(entries) == 0 {
		fmt.Fprintln(out, "no recorded actions")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tACTION\tDETAILS")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", e.CreatedAt.UTC().Format(time.RFC3339), e.Action, e.MetaJSON)
	}
	return tw.Flush()
}

func printPage(cmd *cobra.Command, p storage.Page) error {
	out := cmd.OutOrStdout()
	if p.Total == 0 {
		fmt.Fprintln(out, "history is empty")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIMESTAMP\tKIND\tMODEL\tPROMPT")
	for _, item := range p.Items {
		prompt := strings.ReplaceAll(item.Prompt, "\n", " ")
		if r := []rune(prompt); len(r) > 60 {
			prompt = string(r[:57]) + "..."
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", item.Timestamp, item.Kind, item.Model, prompt)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "page %d of %d, %d items\n", p.Page, p.Pages(), p.Total)
	return nil
}
