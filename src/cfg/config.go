package cfg

import (
	"path/filepath"

	"github.com/go-faster/errors"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/Blackdeer1524/TupleStore/src/checkpoint"
	"github.com/Blackdeer1524/TupleStore/src/storage/engine"
	"github.com/Blackdeer1524/TupleStore/src/storage/fragment"
)

const EnvPrefix = "TUPSTORE"

type Config struct {
	Environment Environment `default:"dev"`

	DataDir string `split_words:"true" default:"./data"`

	PoolPages     int `split_words:"true" default:"1024"`
	PagesPerChunk int `split_words:"true" default:"4"`
	MaxCopyPages  int `split_words:"true" default:"8"`
	MaxOperations int `split_words:"true" default:"4096"`

	UndoPageBudget int `split_words:"true" default:"256"`
	UndoLowWater   int `split_words:"true" default:"32"`

	CheckpointPagesPerStep int  `split_words:"true" default:"4"`
	RestoreWorkers         int  `split_words:"true" default:"4"`
	CompressCheckpoint     bool `split_words:"true" default:"true"`
}

// LoadConfig reads the optional .env file at path, then the TUPSTORE_*
// environment, which wins over the file.
func LoadConfig(path string) (Config, error) {
	if path != "" {
		if err := godotenv.Load(filepath.Clean(path)); err != nil {
			return Config{}, errors.Wrapf(err, "load %s", path)
		}
	} else {
		// a missing ./.env is fine
		_ = godotenv.Load()
	}

	var c Config
	if err := envconfig.Process(EnvPrefix, &c); err != nil {
		return Config{}, errors.Wrap(err, "process env")
	}
	if err := c.Validate(); err != nil {
		return Config{}, errors.Wrap(err, "config validation")
	}
	return c, nil
}

func (c Config) Validate() error {
	if err := c.Environment.Validate(); err != nil {
		return err
	}

	positive := []struct {
		name string
		v    int
	}{
		{"POOL_PAGES", c.PoolPages},
		{"PAGES_PER_CHUNK", c.PagesPerChunk},
		{"MAX_COPY_PAGES", c.MaxCopyPages},
		{"MAX_OPERATIONS", c.MaxOperations},
		{"UNDO_PAGE_BUDGET", c.UndoPageBudget},
		{"CHECKPOINT_PAGES_PER_STEP", c.CheckpointPagesPerStep},
		{"RESTORE_WORKERS", c.RestoreWorkers},
	}
	for _, p := range positive {
		if p.v <= 0 {
			return errors.Errorf("%s_%s must be positive, got %d", EnvPrefix, p.name, p.v)
		}
	}

	if c.UndoLowWater < 0 || c.UndoLowWater > c.UndoPageBudget {
		return errors.Errorf(
			"%s_UNDO_LOW_WATER must be within [0, %d], got %d",
			EnvPrefix, c.UndoPageBudget, c.UndoLowWater,
		)
	}
	if c.PagesPerChunk > c.PoolPages {
		return errors.Errorf("chunk of %d pages exceeds pool of %d", c.PagesPerChunk, c.PoolPages)
	}
	if c.DataDir == "" {
		return errors.Errorf("%s_DATA_DIR must be set", EnvPrefix)
	}
	return nil
}

func (c Config) Engine() engine.Config {
	ec := engine.DefaultConfig()
	ec.PoolPages = c.PoolPages
	ec.MaxOperations = c.MaxOperations
	ec.Fragment = fragment.Config{
		PagesPerChunk: c.PagesPerChunk,
		MaxCopyPages:  c.MaxCopyPages,
	}
	return ec
}

func (c Config) Checkpoint() checkpoint.Config {
	return checkpoint.Config{
		PagesPerStep: c.CheckpointPagesPerStep,
		Compress:     c.CompressCheckpoint,
	}
}

const (
	EnvDev  Environment = "dev"
	EnvProd Environment = "prod"

	DefaultEnv = EnvDev
)

type Environment string

func (e Environment) Validate() error {
	if e != EnvDev && e != EnvProd {
		return errors.New("environment must be either dev or prod")
	}

	return nil
}
