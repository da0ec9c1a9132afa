package spreadsheet

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Workbook is a registry of independent spreadsheets. each spreadsheet has
// its own engine and lock, so work on different spreadsheets runs in
// parallel.
type Workbook struct {
	mu          sync.RWMutex
	engines     map[uuid.UUID]*Engine
	names       map[uuid.UUID]string
	parallelism int
	logger      *slog.Logger
	newEngine   func() *Engine
}

// NewWorkbook creates an empty workbook. parallelism bounds RecalculateAll;
// zero or less means one goroutine per spreadsheet.
func NewWorkbook(parallelism int, logger *slog.Logger, opts ...Option) *Workbook {
	if logger == nil {
		logger = slog.Default()
	}
	engineOpts := append([]Option{WithLogger(logger)}, opts...)
	return &Workbook{
		engines:     make(map[uuid.UUID]*Engine),
		names:       make(map[uuid.UUID]string),
		parallelism: parallelism,
		logger:      logger,
		newEngine:   func() *Engine { return NewEngine(engineOpts...) },
	}
}

// Create adds a new empty spreadsheet and returns its id.
func (w *Workbook) Create(name string) (uuid.UUID, *Engine) {
	id := uuid.New()
	e := w.newEngine()

	w.mu.Lock()
	defer w.mu.Unlock()
	w.engines[id] = e
	w.names[id] = name
	return id, e
}

// Add registers an existing engine under a new id.
func (w *Workbook) Add(name string, e *Engine) uuid.UUID {
	id := uuid.New()
	w.mu.Lock()
	defer w.mu.Unlock()
	w.engines[id] = e
	w.names[id] = name
	return id
}

func (w *Workbook) Get(id uuid.UUID) (*Engine, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	e, ok := w.engines[id]
	return e, ok
}

// Name returns the display name of a spreadsheet.
func (w *Workbook) Name(id uuid.UUID) (string, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	name, ok := w.names[id]
	return name, ok
}

// Remove drops a spreadsheet. returns false if id is unknown.
func (w *Workbook) Remove(id uuid.UUID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.engines[id]; !ok {
		return false
	}
	delete(w.engines, id)
	delete(w.names, id)
	return true
}

// IDs returns the spreadsheet ids ordered by name, then id.
func (w *Workbook) IDs() []uuid.UUID {
	w.mu.RLock()
	defer w.mu.RUnlock()
	ids := make([]uuid.UUID, 0, len(w.engines))
	for id := range w.engines {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b uuid.UUID) int {
		if w.names[a] != w.names[b] {
			if w.names[a] < w.names[b] {
				return -1
			}
			return 1
		}
		return slices.Compare(a[:], b[:])
	})
	return ids
}

// RecalculateAll force-recomputes every cell of every spreadsheet. the first
// failure cancels the remaining spreadsheets and is returned.
func (w *Workbook) RecalculateAll(ctx context.Context) (map[uuid.UUID]*Delta, error) {
	ids := w.IDs()
	deltas := make([]*Delta, len(ids))

	g, ctx := errgroup.WithContext(ctx)
	if w.parallelism > 0 {
		g.SetLimit(w.parallelism)
	}
	for i, id := range ids {
		e, ok := w.Get(id)
		if !ok {
			continue
		}
		g.Go(func() error {
			delta, err := e.LoadCells(ctx, Grid, ForceRecompute)
			if err != nil {
				return fmt.Errorf("recalculate spreadsheet %s: %w", id, err)
			}
			deltas[i] = delta
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := make(map[uuid.UUID]*Delta, len(ids))
	for i, id := range ids {
		if deltas[i] != nil {
			result[id] = deltas[i]
		}
	}
	w.logger.Debug("workbook recalculated", slog.Int("spreadsheets", len(result)))
	return result, nil
}
