package main

import (
	"errors"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/vogtb/go-spreadsheet/packages/spreadsheet"
)

func newEvalCmd(a *app) *cobra.Command {
	var bounds string
	cmd := &cobra.Command{
		Use:   "eval FILE",
		Short: "Evaluate a sheet file and print its cells",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()
			s, err := readSheet(args[0])
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
			delta, err := sy.apply(ctx, s)
			if err != nil {
				return err
			}
			if bounds != "" {
				r, err := spreadsheet.ParseRangeAddress(bounds)
				if err != nil {
					return err
				}
				if delta, err = e.LoadCells(ctx, r, policy); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			if err := renderDelta(out, sheetTitle(s, args[0]), delta); err != nil {
				return err
			}
			return renderUndefined(out, e.UndefinedLabels())
		},
	}
	cmd.Flags().StringVar(&bounds, "range", "", "only print cells inside this range, e.g. A1:D10")
	return cmd
}

func sheetTitle(s *sheet, path string) string {
	if s.name != "" {
		return s.name
	}
	return filepath.Base(path)
}
