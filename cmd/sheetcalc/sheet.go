package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/vogtb/go-spreadsheet/packages/spreadsheet"
)

// sheetFile is the YAML form of one spreadsheet:
//
//	metadata:
//	  locale: en-US
//	labels:
//	  Rate: B1
//	cells:
//	  A1: 100
//	  B1: 0.2
//	  C1: {formula: "=A1*Rate", format: "0.00"}
type sheetFile struct {
	Name     string              `yaml:"name"`
	Metadata map[string]any      `yaml:"metadata"`
	Labels   map[string]string   `yaml:"labels"`
	Cells    map[string]cellSpec `yaml:"cells"`
}

type cellSpec struct {
	Formula string `yaml:"formula"`
	Format  string `yaml:"format"`
}

// UnmarshalYAML accepts a bare scalar as the formula text.
func (c *cellSpec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		c.Formula = node.Value
		return nil
	}
	type plain cellSpec
	return node.Decode((*plain)(c))
}

// sheet is a validated sheetFile.
type sheet struct {
	name     string
	metadata map[spreadsheet.PropertyName]any
	labels   []spreadsheet.LabelMapping
	edits    []spreadsheet.CellEdit
}

func readSheet(path string) (*sheet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sheet: %w", err)
	}
	s, err := parseSheet(data)
	if err != nil {
		return nil, fmt.Errorf("sheet %s: %w", path, err)
	}
	return s, nil
}

func parseSheet(data []byte) (*sheet, error) {
	var f sheetFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}

	s := &sheet{name: f.Name, metadata: make(map[spreadsheet.PropertyName]any, len(f.Metadata))}
	for k, v := range f.Metadata {
		s.metadata[spreadsheet.PropertyName(k)] = v
	}
	for name, target := range f.Labels {
		label, err := spreadsheet.NewLabelName(name)
		if err != nil {
			return nil, err
		}
		ref, err := spreadsheet.ParseReference(target)
		if err != nil {
			return nil, fmt.Errorf("label %s: %w", name, err)
		}
		s.labels = append(s.labels, spreadsheet.LabelMapping{Label: label, Target: ref})
	}
	slices.SortFunc(s.labels, func(a, b spreadsheet.LabelMapping) int {
		return strings.Compare(a.Label.Key(), b.Label.Key())
	})
	for key, spec := range f.Cells {
		addr, err := spreadsheet.ParseCellAddress(key)
		if err != nil {
			return nil, err
		}
		if spec.Formula == "" {
			continue
		}
		s.edits = append(s.edits, spreadsheet.CellEdit{Address: addr, Formula: spec.Formula, Format: spec.Format})
	}
	slices.SortFunc(s.edits, func(a, b spreadsheet.CellEdit) int {
		return a.Address.Compare(b.Address)
	})
	return s, nil
}

// syncer brings an engine in line with successive versions of a sheet. cells
// and labels dropped from the sheet are deleted from the engine.
type syncer struct {
	engine   *spreadsheet.Engine
	policy   spreadsheet.EvaluationPolicy
	defaults map[spreadsheet.PropertyName]any
	logger   *slog.Logger

	cells  map[spreadsheet.CellAddress]spreadsheet.CellEdit
	labels map[string]spreadsheet.LabelMapping
}

func newSyncer(ctx context.Context, e *spreadsheet.Engine, policy spreadsheet.EvaluationPolicy, defaults spreadsheet.Metadata, logger *slog.Logger) (*syncer, error) {
	sy := &syncer{
		engine:   e,
		policy:   policy,
		defaults: make(map[spreadsheet.PropertyName]any, defaults.Len()),
		logger:   logger,
		cells:    make(map[spreadsheet.CellAddress]spreadsheet.CellEdit),
		labels:   make(map[string]spreadsheet.LabelMapping),
	}
	for _, name := range defaults.Names() {
		v, _ := defaults.Get(name)
		sy.defaults[name] = v
	}

	// a persistent store may already hold cells from an earlier run
	existing, err := e.LoadCells(ctx, spreadsheet.Grid, spreadsheet.SkipEvaluate)
	if err != nil {
		return nil, err
	}
	for _, c := range existing.Cells {
		sy.cells[c.Address] = spreadsheet.CellEdit{Address: c.Address, Formula: c.Formula, Format: c.Format}
	}
	return sy, nil
}

// apply saves s and returns every cell of the spreadsheet evaluated under
// the sync policy.
func (sy *syncer) apply(ctx context.Context, s *sheet) (*spreadsheet.Delta, error) {
	props := maps.Clone(sy.defaults)
	maps.Copy(props, s.metadata)
	if s.name != "" {
		props[spreadsheet.PropertySpreadsheetName] = s.name
	}
	action, err := sy.engine.SaveMetadata(ctx, spreadsheet.NewMetadata(props))
	if err != nil {
		return nil, err
	}

	next := make(map[string]spreadsheet.LabelMapping, len(s.labels))
	for _, m := range s.labels {
		next[m.Label.Key()] = m
	}
	for _, key := range slices.Sorted(maps.Keys(sy.labels)) {
		if _, ok := next[key]; ok {
			continue
		}
		if _, err := sy.engine.DeleteLabelMapping(ctx, sy.labels[key].Label, sy.policy); err != nil {
			return nil, err
		}
	}
	for _, m := range s.labels {
		if prev, ok := sy.labels[m.Label.Key()]; ok && prev.Target == m.Target {
			continue
		}
		if _, err := sy.engine.SaveLabelMapping(ctx, m, sy.policy); err != nil {
			return nil, err
		}
	}
	sy.labels = next

	var edits []spreadsheet.CellEdit
	cells := make(map[spreadsheet.CellAddress]spreadsheet.CellEdit, len(s.edits))
	for _, edit := range s.edits {
		cells[edit.Address] = edit
		if sy.cells[edit.Address] != edit {
			edits = append(edits, edit)
		}
	}
	for addr := range sy.cells {
		if _, ok := cells[addr]; !ok {
			edits = append(edits, spreadsheet.CellEdit{Address: addr})
		}
	}
	if len(edits) > 0 {
		if _, err := sy.engine.SaveCells(ctx, edits, sy.policy); err != nil {
			return nil, err
		}
	}
	sy.cells = cells

	sy.logger.Info("sheet applied",
		slog.Int("edits", len(edits)),
		slog.Int("labels", len(next)),
		slog.String("metadata_action", action.String()))
	return sy.engine.LoadCells(ctx, spreadsheet.Grid, sy.policy, spreadsheet.WithColumnWidths())
}
