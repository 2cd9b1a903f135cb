package operations

import (
	"github.com/evergreen-ci/docstore"
	"github.com/evergreen-ci/docstore/migrations"
	"github.com/urfave/cli"
)

const (
	confFlagName    = "conf"
	envFileFlagName = "env-file"
	levelFlagName   = "level"

	sourceDBFlagName   = "source-db"
	sourceFlagName     = "source"
	targetDBFlagName   = "target-db"
	targetFlagName     = "target"
	batchSizeFlagName  = "batch-size"
	inFlightFlagName   = "in-flight"
	mapperFlagName     = "mapper"
	nameFlagName       = "name"
	defaultEnvFileName = ".env"
)

// GlobalFlags configure logging and the environment for every command.
func GlobalFlags() []cli.Flag {
	return []cli.Flag{
		cli.StringFlag{
			Name:  levelFlagName,
			Value: "info",
			Usage: "Specify lowest visible log level as string: 'emergency|alert|critical|error|warning|notice|info|debug|trace'",
		},
		cli.StringFlag{
			Name:  confFlagName + ", config, c",
			Usage: "path to the settings file; database settings may also come from MONGO_* variables",
		},
		cli.StringFlag{
			Name:  envFileFlagName,
			Value: defaultEnvFileName,
			Usage: "file of MONGO_* variables to load if it exists; set variables take precedence",
		},
	}
}

func namespaceFlags(flags ...cli.Flag) []cli.Flag {
	return append(flags,
		cli.StringFlag{
			Name:  sourceDBFlagName,
			Usage: "database of the source collection (default: the configured database)",
		},
		cli.StringFlag{
			Name:  sourceFlagName + ", s",
			Usage: "source collection",
		},
		cli.StringFlag{
			Name:  targetDBFlagName,
			Usage: "database of the target collection (default: the configured database)",
		},
		cli.StringFlag{
			Name:  targetFlagName + ", t",
			Usage: "target collection",
		},
		cli.IntFlag{
			Name:  batchSizeFlagName + ", b",
			Usage: "documents per write batch (default: the configured batch size)",
		},
	)
}

func migrationFlags(flags ...cli.Flag) []cli.Flag {
	return namespaceFlags(append(flags,
		cli.StringFlag{
			Name:  mapperFlagName + ", m",
			Value: migrations.IdentityMapperName,
			Usage: "registered document mapper",
		},
		cli.StringFlag{
			Name:  nameFlagName,
			Usage: "name of the migration, used in logs and the job ID (default: <source>-to-<target>)",
		},
		cli.IntFlag{
			Name:  inFlightFlagName,
			Usage: "maximum batches read ahead of the writer",
			Value: docstore.DefaultMigrationInFlight,
		},
	)...)
}
