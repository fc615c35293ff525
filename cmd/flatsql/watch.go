package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/SimonWaldherr/flatSQL/internal/engine"
)

func newWatchCmd(a *app) *cobra.Command {
	var settle time.Duration
	cmd := &cobra.Command{
		Use:   "watch [SQL]",
		Short: "Re-run a query whenever the database file changes",
		Long:  "Watch the database file and print the query result after each change. Without SQL the table list is printed.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := ""
			if len(args) == 1 {
				query = args[0]
			}
			return a.withEngine(cmd.Context(), false, func(e *engine.Engine) error {
				return watchFile(cmd.Context(), a.log, a.dbPath, settle, func() {
					if err := printSnapshot(cmd.Context(), e, cmd.OutOrStdout(), query, a.format); err != nil {
						a.log.Warn("watch query failed", "err", err)
					}
				})
			})
		},
	}
	cmd.Flags().DurationVar(&settle, "settle", 100*time.Millisecond, "wait this long after a change before re-running")
	return cmd
}

func printSnapshot(ctx context.Context, e *engine.Engine, w io.Writer, query, format string) error {
	fmt.Fprintf(w, "-- %s\n", time.Now().Format(time.DateTime))
	if query == "" {
		names, err := e.Tables(ctx)
		if err != nil {
			return err
		}
		for _, n := range names {
			fmt.Fprintln(w, n)
		}
		return nil
	}
	cur, err := e.Query(ctx, query)
	if err != nil {
		return err
	}
	defer cur.Close()
	return writeCursor(w, cur, format)
}

// watchFile calls onChange once at start and again after each burst of
// writes to path, until ctx is done. The directory is watched since vacuum
// replaces the file.
func watchFile(ctx context.Context, log *slog.Logger, path string, settle time.Duration, onChange func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = w.Close() }()
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return err
	}
	onChange()

	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				log.Debug("database changed", "op", event.Op.String())
				fire = time.After(settle)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("Error watching database", "err", err)
		case <-fire:
			fire = nil
			onChange()
		}
	}
}
