package docstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSettingsFile(t *testing.T, contents string) string {
	path := filepath.Join(t.TempDir(), DefaultServiceConfFileName)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0600))
	return path
}

func TestNewSettings(t *testing.T) {
	for testName, testCase := range map[string]func(t *testing.T){
		"ReadsEverySection": func(t *testing.T) {
			path := writeSettingsFile(t, `
database:
  url: "mongodb://localhost:27017"
  db: "widgets"
  app_name: "widget-migrator"
  connect_timeout_secs: 5
  compressors: "zstd(3),snappy"
amboy:
  local_workers: 4
  local_storage_size: 100
migration:
  batch_size: 500
  max_in_flight_batches: 2
log_level: debug
`)
			settings, err := NewSettings(path)
			require.NoError(t, err)
			require.NoError(t, settings.Validate())

			assert.Equal(t, "mongodb://localhost:27017", settings.Database.URL)
			assert.Equal(t, "widgets", settings.Database.DB)
			assert.Equal(t, "widget-migrator", settings.Database.AppName)
			assert.Equal(t, 5, settings.Database.ConnectTimeoutSecs)
			assert.Equal(t, "zstd(3),snappy", settings.Database.Compressors)
			assert.Equal(t, 4, settings.Amboy.PoolSizeLocal)
			assert.Equal(t, 100, settings.Amboy.LocalStorage)
			assert.Equal(t, 500, settings.Migration.BatchSize)
			assert.Equal(t, 2, settings.Migration.MaxInFlightBatches)
			assert.Equal(t, "debug", settings.LogLevel)
		},
		"FillsDefaults": func(t *testing.T) {
			path := writeSettingsFile(t, `
database:
  address: "localhost:27017"
  db: "widgets"
`)
			settings, err := NewSettings(path)
			require.NoError(t, err)
			require.NoError(t, settings.Validate())

			assert.Equal(t, DefaultAppName, settings.Database.AppName)
			assert.Equal(t, DefaultPingAttempts, settings.Database.PingAttempts)
			assert.Equal(t, DefaultLocalQueueWorkers, settings.Amboy.PoolSizeLocal)
			assert.Equal(t, DefaultLocalQueueCapacity, settings.Amboy.LocalStorage)
			assert.Equal(t, DefaultMigrationBatchSize, settings.Migration.BatchSize)
			assert.Equal(t, DefaultMigrationInFlight, settings.Migration.MaxInFlightBatches)
			assert.Equal(t, "info", settings.LogLevel)
		},
		"MissingFile": func(t *testing.T) {
			_, err := NewSettings(filepath.Join(t.TempDir(), "nope.yml"))
			assert.Error(t, err)
		},
		"MalformedFile": func(t *testing.T) {
			path := writeSettingsFile(t, "database: [not, a, map")
			_, err := NewSettings(path)
			assert.Error(t, err)
		},
		"ValidationCollectsEverySection": func(t *testing.T) {
			settings := &Settings{
				Amboy:     AmboyConfig{PoolSizeLocal: -1},
				Migration: MigrationConfig{BatchSize: -5},
			}
			err := settings.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid database settings")
			assert.Contains(t, err.Error(), "invalid amboy settings")
			assert.Contains(t, err.Error(), "invalid migration settings")
		},
	} {
		t.Run(testName, testCase)
	}
}
