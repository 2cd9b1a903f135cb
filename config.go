package docstore

import (
	"os"

	"github.com/mongodb/grip"
	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"
)

// Settings contains all configuration for a docstore process. Sections are
// read from a YAML file and the database section may be overridden from the
// environment.
type Settings struct {
	Database  DBSettings      `yaml:"database" json:"database"`
	Amboy     AmboyConfig     `yaml:"amboy" json:"amboy"`
	Migration MigrationConfig `yaml:"migration" json:"migration"`
	LogLevel  string          `yaml:"log_level" json:"log_level"`
}

// NewSettings reads settings from the YAML file at the given path.
func NewSettings(filename string) (*Settings, error) {
	configData, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.Wrapf(err, "reading settings file '%s'", filename)
	}

	settings := &Settings{}
	if err = yaml.Unmarshal(configData, settings); err != nil {
		return nil, errors.Wrapf(err, "parsing settings file '%s'", filename)
	}

	return settings, nil
}

// Validate checks every section, filling in defaults for unset values.
func (s *Settings) Validate() error {
	catcher := grip.NewBasicCatcher()
	catcher.Wrap(s.Database.ValidateAndDefault(), "invalid database settings")
	catcher.Wrap(s.Amboy.ValidateAndDefault(), "invalid amboy settings")
	catcher.Wrap(s.Migration.ValidateAndDefault(), "invalid migration settings")
	if s.LogLevel == "" {
		s.LogLevel = "info"
	}

	return catcher.Resolve()
}

// AmboyConfig configures the process-local job queue.
type AmboyConfig struct {
	PoolSizeLocal int `yaml:"local_workers" json:"local_workers"`
	LocalStorage  int `yaml:"local_storage_size" json:"local_storage_size"`
}

func (c *AmboyConfig) ValidateAndDefault() error {
	if c.PoolSizeLocal < 0 || c.LocalStorage < 0 {
		return errors.New("queue sizes cannot be negative")
	}
	if c.PoolSizeLocal == 0 {
		c.PoolSizeLocal = DefaultLocalQueueWorkers
	}
	if c.LocalStorage == 0 {
		c.LocalStorage = DefaultLocalQueueCapacity
	}
	return nil
}

// MigrationConfig holds the defaults used by migrations started from the
// command line or the job queue.
type MigrationConfig struct {
	BatchSize          int `yaml:"batch_size" json:"batch_size"`
	MaxInFlightBatches int `yaml:"max_in_flight_batches" json:"max_in_flight_batches"`
}

func (c *MigrationConfig) ValidateAndDefault() error {
	if c.BatchSize < 0 {
		return errors.Errorf("batch size %d cannot be negative", c.BatchSize)
	}
	if c.MaxInFlightBatches < 0 {
		return errors.Errorf("max in-flight batches %d cannot be negative", c.MaxInFlightBatches)
	}
	if c.BatchSize == 0 {
		c.BatchSize = DefaultMigrationBatchSize
	}
	if c.MaxInFlightBatches == 0 {
		c.MaxInFlightBatches = DefaultMigrationInFlight
	}
	return nil
}
