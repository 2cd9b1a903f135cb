package operations

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/evergreen-ci/docstore"
	"github.com/evergreen-ci/docstore/migrations"
	"github.com/evergreen-ci/docstore/units"
	"github.com/mongodb/amboy"
	amodel "github.com/mongodb/anser/model"
	"github.com/mongodb/grip"
	"github.com/mongodb/grip/message"
	"github.com/pkg/errors"
	"github.com/urfave/cli"
)

const jobWaitInterval = 100 * time.Millisecond

// Migrate returns the command that streams a collection through a
// registered mapper into another collection.
func Migrate() cli.Command {
	return cli.Command{
		Name:  "migrate",
		Usage: "upsert every document of a collection, rewritten by a mapper, into another collection",
		Flags: migrationFlags(),
		Before: mergeBeforeFuncs(
			requireStringFlag(sourceFlagName),
			requireStringFlag(targetFlagName),
			requirePositiveOrZeroInt(batchSizeFlagName),
			requirePositiveOrZeroInt(inFlightFlagName),
			loadEnvFile,
		),
		Action: func(c *cli.Context) error {
			ctx, cancel := signalContext()
			defer cancel()

			env, err := newEnvironment(ctx, c)
			if err != nil {
				return errors.WithStack(err)
			}
			defer closeEnvironment(env)

			opts := migrationOptionsFromContext(c, env.Settings())
			if err = opts.Validate(); err != nil {
				return errors.Wrap(err, "invalid migration")
			}

			res, err := runMigrationJob(ctx, env, opts)
			if err != nil {
				return errors.WithStack(err)
			}

			return writeSummary(c.App.Writer, "migrated", opts.Source, opts.Target, res)
		},
	}
}

// Copy returns the command that upserts one collection into another
// unchanged.
func Copy() cli.Command {
	return cli.Command{
		Name:  "copy",
		Usage: "upsert every document of a collection into another collection by _id",
		Flags: namespaceFlags(),
		Before: mergeBeforeFuncs(
			requireStringFlag(sourceFlagName),
			requireStringFlag(targetFlagName),
			requirePositiveOrZeroInt(batchSizeFlagName),
			loadEnvFile,
		),
		Action: func(c *cli.Context) error {
			ctx, cancel := signalContext()
			defer cancel()

			env, err := newEnvironment(ctx, c)
			if err != nil {
				return errors.WithStack(err)
			}
			defer closeEnvironment(env)

			settings := env.Settings()
			source, target := namespacesFromContext(c, settings)
			if source == target {
				return errors.Errorf("source and target are both '%s'", source.String())
			}
			batchSize := c.Int(batchSizeFlagName)
			if batchSize == 0 {
				batchSize = settings.Migration.BatchSize
			}

			client := env.Client()
			res, err := migrations.CopyCollection(ctx,
				client.Database(source.DB).Collection(source.Collection),
				client.Database(target.DB).Collection(target.Collection),
				batchSize)
			if err != nil {
				return errors.WithStack(err)
			}

			return writeSummary(c.App.Writer, "copied", source, target, res)
		},
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newEnvironment(ctx context.Context, c *cli.Context) (docstore.Environment, error) {
	env, err := docstore.NewEnvironment(ctx, c.GlobalString(confFlagName), nil)
	if err != nil {
		return nil, errors.Wrap(err, "configuring environment")
	}
	docstore.SetEnvironment(env)
	return env, nil
}

func closeEnvironment(env docstore.Environment) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	grip.Warning(message.WrapError(env.Close(ctx), message.Fields{
		"message": "problem closing environment",
	}))
}

func namespacesFromContext(c *cli.Context, settings *docstore.Settings) (source, target amodel.Namespace) {
	source = amodel.Namespace{DB: c.String(sourceDBFlagName), Collection: c.String(sourceFlagName)}
	target = amodel.Namespace{DB: c.String(targetDBFlagName), Collection: c.String(targetFlagName)}
	if source.DB == "" {
		source.DB = settings.Database.DB
	}
	if target.DB == "" {
		target.DB = settings.Database.DB
	}
	return source, target
}

func migrationOptionsFromContext(c *cli.Context, settings *docstore.Settings) units.CollectionMigrationOptions {
	source, target := namespacesFromContext(c, settings)
	opts := units.CollectionMigrationOptions{
		Name:        c.String(nameFlagName),
		Source:      source,
		Target:      target,
		Mapper:      c.String(mapperFlagName),
		BatchSize:   c.Int(batchSizeFlagName),
		MaxInFlight: c.Int(inFlightFlagName),
	}
	if opts.Name == "" {
		opts.Name = fmt.Sprintf("%s-to-%s", source.Collection, target.Collection)
	}
	return opts
}

// runMigrationJob runs the migration on the environment's local queue and
// waits for it to finish.
func runMigrationJob(ctx context.Context, env docstore.Environment, opts units.CollectionMigrationOptions) (*migrations.MigrationResult, error) {
	q := env.LocalQueue()
	j := units.NewCollectionMigrationJob(env, opts)
	if err := q.Put(ctx, j); err != nil {
		return nil, errors.Wrap(err, "enqueueing migration job")
	}

	grip.Info(message.Fields{
		"message": "migration started",
		"job_id":  j.ID(),
		"source":  opts.Source.String(),
		"target":  opts.Target.String(),
		"mapper":  opts.Mapper,
	})

	if !amboy.WaitJobInterval(ctx, j, q, jobWaitInterval) {
		return nil, errors.Wrapf(ctx.Err(), "waiting for migration job '%s'", j.ID())
	}
	if err := j.Error(); err != nil {
		return nil, errors.Wrapf(err, "migration job '%s'", j.ID())
	}

	res, ok := units.CollectionMigrationResult(j)
	if !ok {
		return nil, errors.Errorf("migration job '%s' finished without a result", j.ID())
	}
	return res, nil
}

func writeSummary(w io.Writer, verb string, source, target amodel.Namespace, res *migrations.MigrationResult) error {
	if w == nil {
		w = os.Stdout
	}
	_, err := fmt.Fprintf(w, "%s %s documents from '%s' to '%s' in %s batches (%s commands, %s splits) in %s\n",
		verb,
		humanize.Comma(int64(res.DocumentsWritten)),
		source.String(),
		target.String(),
		humanize.Comma(int64(res.BatchesWritten)),
		humanize.Comma(int64(res.Summary.Commands)),
		humanize.Comma(int64(res.Summary.Splits)),
		res.Duration.Round(time.Millisecond),
	)
	return errors.Wrap(err, "writing summary")
}
