package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
)

const watchDebounce = 150 * time.Millisecond

func newWatchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "watch FILE",
		Short: "Re-evaluate a sheet file every time it changes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()
			path, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			policy, err := a.cfg.EvaluationPolicy()
			if err != nil {
				return err
			}

			e, closeStore, err := a.openEngine(ctx)
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, closeStore()) }()

			sy, err := newSyncer(ctx, e, policy, a.cfg.SpreadsheetMetadata(), a.logger)
			if err != nil {
				return err
			}
			reload := func() error {
				s, err := readSheet(path)
				if err != nil {
					return err
				}
				delta, err := sy.apply(ctx, s)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if err := renderDelta(out, sheetTitle(s, path), delta); err != nil {
					return err
				}
				return renderUndefined(out, e.UndefinedLabels())
			}
			if err := reload(); err != nil {
				return err
			}
			return watchFile(ctx, path, a.logger, func() {
				// a broken edit is reported and the previous state is kept
				if err := reload(); err != nil {
					fmt.Fprintln(cmd.ErrOrStderr(), errorStyle.Render(err.Error()))
				}
			})
		},
	}
}

// watchFile calls onChange after path is written, created or renamed into
// place, until ctx is done. the parent directory is watched so editors that
// replace the file on save are seen.
func watchFile(ctx context.Context, path string, logger *slog.Logger, onChange func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}
	logger.Info("watching sheet", slog.String("path", path))

	timer := time.NewTimer(watchDebounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != path || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			logger.Debug("sheet changed", slog.String("op", ev.Op.String()))
			timer.Reset(watchDebounce)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("watch error", slog.Any("error", err))
		case <-timer.C:
			onChange()
		}
	}
}
