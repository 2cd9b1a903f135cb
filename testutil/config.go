package testutil

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/evergreen-ci/docstore"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
)

const (
	TestDir = "testdata"
	// TestSettings is the settings file used by tests that need a live
	// database. Database settings are overridden by MONGO_* variables.
	TestSettings = "docstore_test.yml"
)

// SettingsPath returns the absolute path of the test settings file.
func SettingsPath() string {
	return filepath.Join(GetDirectoryOfFile(), TestDir, TestSettings)
}

// TestConfig loads and validates the test settings.
func TestConfig(t *testing.T) *docstore.Settings {
	settings, err := docstore.NewSettings(SettingsPath())
	require.NoError(t, err)
	require.NoError(t, settings.Database.LoadEnv())
	require.NoError(t, settings.Validate())

	return settings
}

// NewEnvironment connects to the test database, skipping the test when no
// server is reachable. The environment is closed when the test ends.
func NewEnvironment(ctx context.Context, t *testing.T) docstore.Environment {
	SkipIntegration(t)

	env, err := docstore.NewEnvironment(ctx, SettingsPath(), nil)
	if err != nil {
		t.Skipf("database unavailable: %s", err)
	}
	t.Cleanup(func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		assert.NoError(t, env.Close(closeCtx))
	})

	return env
}

// NewDB returns a database unique to the calling test that is dropped when
// the test ends. The test is skipped when no server is reachable.
func NewDB(ctx context.Context, t *testing.T) (docstore.Environment, *mongo.Database) {
	env := NewEnvironment(ctx, t)

	name := fmt.Sprintf("%s_%s", env.Settings().Database.DB, strings.ReplaceAll(uuid.New().String(), "-", "")[:12])
	database := env.Client().Database(name)
	t.Cleanup(func() {
		dropCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		assert.NoError(t, database.Drop(dropCtx))
	})

	return env, database
}
