// Package config loads sheetcalc's YAML configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/vogtb/go-spreadsheet/packages/logging"
	"github.com/vogtb/go-spreadsheet/packages/spreadsheet"
	"github.com/vogtb/go-spreadsheet/packages/spreadsheet/badgerstore"
)

const (
	StorageMemory = "memory"
	StorageBadger = "badger"
)

type Config struct {
	Engine  Engine  `yaml:"engine"`
	Storage Storage `yaml:"storage"`
	Logging Logging `yaml:"logging"`
	// Metadata seeds every new spreadsheet. keys are property names such as
	// "locale" or "decimal-places".
	Metadata map[string]any `yaml:"metadata"`
}

type Engine struct {
	// Parallelism bounds concurrent spreadsheet recalculation. zero means
	// one worker per CPU.
	Parallelism int    `yaml:"parallelism" validate:"gte=0"`
	Policy      string `yaml:"policy" validate:"oneof=skip-evaluate clear-value-error-skip-evaluate compute-if-necessary force-recompute"`
}

type Storage struct {
	Kind       string        `yaml:"kind" validate:"oneof=memory badger"`
	DataDir    string        `yaml:"data_dir" validate:"required_if=Kind badger"`
	SyncWrites bool          `yaml:"sync_writes"`
	GCInterval time.Duration `yaml:"gc_interval" validate:"gte=0"`
}

type Logging struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn warning error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func Default() Config {
	return Config{
		Engine: Engine{Policy: spreadsheet.ComputeIfNecessary.String()},
		Storage: Storage{
			Kind:       StorageMemory,
			SyncWrites: true,
			GCInterval: 5 * time.Minute,
		},
		Logging: Logging{Level: "info", Format: "text"},
	}
}

// Load reads and validates the file at path. a missing path yields the
// defaults.
func Load(path string) (Config, error) {
	if path == "" {
		cfg := Default()
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes data over the defaults. unknown keys are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func (c Config) EvaluationPolicy() (spreadsheet.EvaluationPolicy, error) {
	return spreadsheet.ParseEvaluationPolicy(c.Engine.Policy)
}

func (c Config) SpreadsheetMetadata() spreadsheet.Metadata {
	props := make(map[spreadsheet.PropertyName]any, len(c.Metadata))
	for k, v := range c.Metadata {
		props[spreadsheet.PropertyName(k)] = v
	}
	return spreadsheet.NewMetadata(props)
}

func (c Config) LoggerConfig(service string) (logging.Config, error) {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		return logging.Config{}, err
	}
	return logging.Config{
		Level:   level,
		Format:  logging.Format(c.Logging.Format),
		Service: service,
	}, nil
}

// StoreConfig describes the badger store for a badger storage kind. ok is
// false for in-memory storage, which needs no store.
func (c Config) StoreConfig() (cfg badgerstore.Config, ok bool) {
	if c.Storage.Kind != StorageBadger {
		return badgerstore.Config{}, false
	}
	cfg = badgerstore.DefaultConfig(c.Storage.DataDir)
	cfg.SyncWrites = c.Storage.SyncWrites
	cfg.GCInterval = c.Storage.GCInterval
	return cfg, true
}
