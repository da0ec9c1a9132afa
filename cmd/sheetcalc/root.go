package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/vogtb/go-spreadsheet/packages/config"
	"github.com/vogtb/go-spreadsheet/packages/logging"
	"github.com/vogtb/go-spreadsheet/packages/spreadsheet"
	"github.com/vogtb/go-spreadsheet/packages/spreadsheet/badgerstore"
)

type app struct {
	configPath string
	logLevel   string
	store      string
	dataDir    string

	cfg    config.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "sheetcalc",
		Short:         "Evaluate spreadsheets described in YAML",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "path to a sheetcalc YAML config")
	flags.StringVar(&a.logLevel, "log-level", "", "override the configured log level")
	flags.StringVar(&a.store, "store", "", "cell storage: memory or badger")
	flags.StringVar(&a.dataDir, "data-dir", "", "badger data directory")

	root.AddCommand(newEvalCmd(a), newWatchCmd(a))
	return root
}

// setup loads the config and applies flag overrides before any command runs.
func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	if a.store != "" {
		cfg.Storage.Kind = a.store
	}
	if a.dataDir != "" {
		cfg.Storage.DataDir = a.dataDir
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	lc, err := cfg.LoggerConfig("sheetcalc")
	if err != nil {
		return err
	}
	lc.Output = cmd.ErrOrStderr()
	logger, err := logging.New(lc)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logger
	return nil
}

// openEngine builds an engine over the configured storage. the returned
// close func releases the store.
func (a *app) openEngine(ctx context.Context) (*spreadsheet.Engine, func() error, error) {
	opts := []spreadsheet.Option{spreadsheet.WithLogger(a.logger)}
	storeCfg, persistent := a.cfg.StoreConfig()
	if !persistent {
		return spreadsheet.NewEngine(opts...), func() error { return nil }, nil
	}

	storeCfg.Logger = a.logger.With(slog.String("component", "badger"))
	store, err := badgerstore.Open(storeCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open cell store: %w", err)
	}
	e := spreadsheet.NewEngine(append(opts, spreadsheet.WithCellMap(store))...)
	if err := e.Reindex(ctx); err != nil {
		_ = store.Close()
		return nil, nil, fmt.Errorf("reindex stored cells: %w", err)
	}
	a.logger.Info("opened cell store", slog.String("dir", storeCfg.Dir))
	return e, store.Close, nil
}
