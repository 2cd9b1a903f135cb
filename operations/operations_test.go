package operations

import (
	"bytes"
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/evergreen-ci/docstore"
	"github.com/evergreen-ci/docstore/db"
	"github.com/evergreen-ci/docstore/migrations"
	amodel "github.com/mongodb/anser/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli"
)

// newTestContext builds a command context with the given global and
// command flag values set.
func newTestContext(t *testing.T, global, local map[string]string) *cli.Context {
	app := cli.NewApp()

	globalSet := flag.NewFlagSet("global", flag.ContinueOnError)
	for _, name := range []string{confFlagName, envFileFlagName, levelFlagName} {
		globalSet.String(name, "", "")
	}
	for name, value := range global {
		require.NoError(t, globalSet.Set(name, value))
	}
	parent := cli.NewContext(app, globalSet, nil)

	set := flag.NewFlagSet("test", flag.ContinueOnError)
	for _, name := range []string{sourceDBFlagName, sourceFlagName, targetDBFlagName, targetFlagName, mapperFlagName, nameFlagName} {
		set.String(name, "", "")
	}
	set.Int(batchSizeFlagName, 0, "")
	set.Int(inFlightFlagName, 0, "")
	for name, value := range local {
		require.NoError(t, set.Set(name, value))
	}

	return cli.NewContext(app, set, parent)
}

func testSettings() *docstore.Settings {
	return &docstore.Settings{
		Database: docstore.DBSettings{DB: "configured"},
	}
}

func TestMigrationOptionsFromContext(t *testing.T) {
	for testName, testCase := range map[string]func(t *testing.T){
		"DefaultsDatabasesFromSettings": func(t *testing.T) {
			c := newTestContext(t, nil, map[string]string{
				sourceFlagName: "widgets",
				targetFlagName: "widgets_v2",
				mapperFlagName: migrations.FlattenedMapperName,
			})

			opts := migrationOptionsFromContext(c, testSettings())
			assert.Equal(t, amodel.Namespace{DB: "configured", Collection: "widgets"}, opts.Source)
			assert.Equal(t, amodel.Namespace{DB: "configured", Collection: "widgets_v2"}, opts.Target)
			assert.Equal(t, "widgets-to-widgets_v2", opts.Name)
			assert.Equal(t, migrations.FlattenedMapperName, opts.Mapper)
			assert.NoError(t, opts.Validate())
		},
		"ExplicitValuesWin": func(t *testing.T) {
			c := newTestContext(t, nil, map[string]string{
				sourceDBFlagName:  "old",
				sourceFlagName:    "widgets",
				targetDBFlagName:  "new",
				targetFlagName:    "widgets",
				nameFlagName:      "widget-move",
				batchSizeFlagName: "250",
				inFlightFlagName:  "8",
			})

			opts := migrationOptionsFromContext(c, testSettings())
			assert.Equal(t, "old.widgets", opts.Source.String())
			assert.Equal(t, "new.widgets", opts.Target.String())
			assert.Equal(t, "widget-move", opts.Name)
			assert.Equal(t, 250, opts.BatchSize)
			assert.Equal(t, 8, opts.MaxInFlight)
			assert.NoError(t, opts.Validate())
			assert.Equal(t, migrations.IdentityMapperName, opts.Mapper)
		},
		"SameNamespaceIsInvalid": func(t *testing.T) {
			c := newTestContext(t, nil, map[string]string{
				sourceFlagName: "widgets",
				targetFlagName: "widgets",
			})

			opts := migrationOptionsFromContext(c, testSettings())
			assert.Error(t, opts.Validate())
		},
		"UnknownMapperIsInvalid": func(t *testing.T) {
			c := newTestContext(t, nil, map[string]string{
				sourceFlagName: "widgets",
				targetFlagName: "gadgets",
				mapperFlagName: "does-not-exist",
			})

			opts := migrationOptionsFromContext(c, testSettings())
			assert.Error(t, opts.Validate())
		},
	} {
		t.Run(testName, testCase)
	}
}

func TestBeforeFuncs(t *testing.T) {
	for testName, testCase := range map[string]func(t *testing.T){
		"MissingRequiredFlags": func(t *testing.T) {
			c := newTestContext(t, nil, map[string]string{sourceFlagName: "widgets"})
			before := mergeBeforeFuncs(requireStringFlag(sourceFlagName), requireStringFlag(targetFlagName))

			err := before(c)
			require.Error(t, err)
			assert.Contains(t, err.Error(), targetFlagName)
			assert.NotContains(t, err.Error(), "'--"+sourceFlagName+"'")
		},
		"NegativeInt": func(t *testing.T) {
			c := newTestContext(t, nil, map[string]string{batchSizeFlagName: "-1"})
			assert.Error(t, requirePositiveOrZeroInt(batchSizeFlagName)(c))
			assert.NoError(t, requirePositiveOrZeroInt(inFlightFlagName)(c))
		},
		"MissingEnvFileIsIgnored": func(t *testing.T) {
			c := newTestContext(t, map[string]string{
				envFileFlagName: filepath.Join(t.TempDir(), "missing.env"),
			}, nil)
			assert.NoError(t, loadEnvFile(c))
		},
		"EnvFileDoesNotOverrideSetVariables": func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "test.env")
			require.NoError(t, os.WriteFile(path, []byte("DOCSTORE_TEST_PRESET=file\nDOCSTORE_TEST_FROM_FILE=file\n"), 0600))
			t.Setenv("DOCSTORE_TEST_PRESET", "process")
			t.Cleanup(func() { os.Unsetenv("DOCSTORE_TEST_FROM_FILE") })

			c := newTestContext(t, map[string]string{envFileFlagName: path}, nil)
			require.NoError(t, loadEnvFile(c))
			assert.Equal(t, "process", os.Getenv("DOCSTORE_TEST_PRESET"))
			assert.Equal(t, "file", os.Getenv("DOCSTORE_TEST_FROM_FILE"))
		},
		"MalformedEnvFile": func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "bad.env")
			require.NoError(t, os.WriteFile(path, []byte("DOCSTORE_TEST_BAD='unterminated\n"), 0600))

			c := newTestContext(t, map[string]string{envFileFlagName: path}, nil)
			assert.Error(t, loadEnvFile(c))
		},
	} {
		t.Run(testName, testCase)
	}
}

func TestCommandDefinitions(t *testing.T) {
	flagNames := func(flags []cli.Flag) []string {
		var names []string
		for _, f := range flags {
			names = append(names, f.GetName())
		}
		return names
	}

	migrate := Migrate()
	assert.Equal(t, "migrate", migrate.Name)
	assert.Subset(t, flagNames(migrate.Flags), []string{
		sourceDBFlagName,
		sourceFlagName + ", s",
		targetDBFlagName,
		targetFlagName + ", t",
		batchSizeFlagName + ", b",
		inFlightFlagName,
		mapperFlagName + ", m",
		nameFlagName,
	})

	cp := Copy()
	assert.Equal(t, "copy", cp.Name)
	assert.NotContains(t, flagNames(cp.Flags), mapperFlagName+", m")
	assert.Contains(t, flagNames(cp.Flags), sourceFlagName+", s")

	assert.Len(t, GlobalFlags(), 3)
}

func TestWriteSummary(t *testing.T) {
	var buf bytes.Buffer
	res := &migrations.MigrationResult{
		BatchesWritten:   3,
		DocumentsWritten: 2500,
		Summary:          db.WriteSummary{Commands: 1203, Splits: 600},
		Duration:         1500 * time.Millisecond,
	}

	require.NoError(t, writeSummary(&buf, "migrated",
		amodel.Namespace{DB: "a", Collection: "src"},
		amodel.Namespace{DB: "b", Collection: "dst"}, res))

	out := buf.String()
	assert.Contains(t, out, "migrated 2,500 documents")
	assert.Contains(t, out, "'a.src' to 'b.dst'")
	assert.Contains(t, out, "1,203 commands")
	assert.Contains(t, out, "1.5s")
}
