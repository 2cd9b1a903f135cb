package units

import (
	"context"
	"fmt"

	"github.com/evergreen-ci/docstore"
	"github.com/evergreen-ci/docstore/migrations"
	"github.com/google/uuid"
	"github.com/mongodb/amboy"
	"github.com/mongodb/amboy/dependency"
	"github.com/mongodb/amboy/job"
	"github.com/mongodb/amboy/registry"
	amodel "github.com/mongodb/anser/model"
	"github.com/mongodb/grip"
	"github.com/mongodb/grip/message"
	"github.com/pkg/errors"
)

const collectionMigrationJobName = "collection-migration"

func init() {
	registry.AddJobType(collectionMigrationJobName, func() amboy.Job {
		return makeCollectionMigrationJob()
	})
}

// CollectionMigrationOptions describe a migration between two
// collections reachable from the environment's client.
type CollectionMigrationOptions struct {
	// Name identifies the migration in the job ID and in logs.
	Name   string           `bson:"name" json:"name" yaml:"name"`
	Source amodel.Namespace `bson:"source" json:"source" yaml:"source"`
	Target amodel.Namespace `bson:"target" json:"target" yaml:"target"`
	// Mapper is the name of a registered mapper. Defaults to the
	// identity mapper.
	Mapper      string `bson:"mapper" json:"mapper" yaml:"mapper"`
	BatchSize   int    `bson:"batch_size" json:"batch_size" yaml:"batch_size"`
	MaxInFlight int    `bson:"max_in_flight" json:"max_in_flight" yaml:"max_in_flight"`
}

func (o *CollectionMigrationOptions) Validate() error {
	catcher := grip.NewBasicCatcher()
	catcher.NewWhen(o.Name == "", "migration name must be set")
	catcher.NewWhen(o.Source.DB == "" || o.Source.Collection == "", "source namespace must be set")
	catcher.NewWhen(o.Target.DB == "" || o.Target.Collection == "", "target namespace must be set")
	catcher.NewWhen(o.Source == o.Target, "source and target must differ")
	catcher.ErrorfWhen(o.BatchSize < 0, "batch size %d cannot be negative", o.BatchSize)
	catcher.ErrorfWhen(o.MaxInFlight < 0, "max in-flight batches %d cannot be negative", o.MaxInFlight)
	if o.Mapper == "" {
		o.Mapper = migrations.IdentityMapperName
	}
	if _, err := migrations.GetMapper(o.Mapper); err != nil {
		catcher.Add(err)
	}

	return catcher.Resolve()
}

type collectionMigrationJob struct {
	Options  CollectionMigrationOptions `bson:"options" json:"options" yaml:"options"`
	job.Base `bson:"metadata" json:"metadata" yaml:"metadata"`

	// Result is set once the migration completes.
	Result *migrations.MigrationResult `bson:"-" json:"-" yaml:"-"`

	env docstore.Environment
}

func makeCollectionMigrationJob() *collectionMigrationJob {
	j := &collectionMigrationJob{
		Base: job.Base{
			JobType: amboy.JobType{
				Name:    collectionMigrationJobName,
				Version: 0,
			},
		},
	}

	j.SetDependency(dependency.NewAlways())

	return j
}

// NewCollectionMigrationJob returns a job that runs the migration
// described by opts. Each call gets a unique ID, so the same migration can
// be queued again after it finishes.
func NewCollectionMigrationJob(env docstore.Environment, opts CollectionMigrationOptions) amboy.Job {
	j := makeCollectionMigrationJob()
	j.env = env
	j.Options = opts
	j.SetID(fmt.Sprintf("%s.%s.%s", collectionMigrationJobName, opts.Name, uuid.New().String()))
	return j
}

func (j *collectionMigrationJob) Run(ctx context.Context) {
	defer j.MarkComplete()
	if j.env == nil {
		j.env = docstore.GetEnvironment()
	}
	if j.env == nil || j.env.Client() == nil {
		j.AddError(errors.New("environment has no database client"))
		return
	}

	if err := j.Options.Validate(); err != nil {
		j.AddError(errors.Wrap(err, "invalid migration options"))
		return
	}
	mapper, err := migrations.GetMapper(j.Options.Mapper)
	if err != nil {
		j.AddError(err)
		return
	}

	client := j.env.Client()
	settings := j.env.Settings().Migration
	opts := migrations.MigrateOptions{
		Source: migrations.CollectionSource{
			Collection: client.Database(j.Options.Source.DB).Collection(j.Options.Source.Collection),
		},
		Target:             migrations.CollectionTarget(client.Database(j.Options.Target.DB).Collection(j.Options.Target.Collection)),
		BatchSize:          j.Options.BatchSize,
		MaxInFlightBatches: j.Options.MaxInFlight,
	}
	if opts.BatchSize == 0 {
		opts.BatchSize = settings.BatchSize
	}
	if opts.MaxInFlightBatches == 0 {
		opts.MaxInFlightBatches = settings.MaxInFlightBatches
	}

	j.Result, err = migrations.Migrate(ctx, opts, mapper)
	if err != nil {
		j.AddError(errors.Wrapf(err, "migrating '%s' to '%s'", j.Options.Source.String(), j.Options.Target.String()))
		return
	}

	grip.Info(message.Fields{
		"message":   "collection migration job complete",
		"job_id":    j.ID(),
		"migration": j.Options.Name,
		"source":    j.Options.Source.String(),
		"target":    j.Options.Target.String(),
		"documents": j.Result.DocumentsWritten,
	})
}

// CollectionMigrationResult returns the result of a finished collection
// migration job. It returns false for other job types and for jobs that
// have not completed successfully.
func CollectionMigrationResult(j amboy.Job) (*migrations.MigrationResult, bool) {
	mj, ok := j.(*collectionMigrationJob)
	if !ok || mj.Result == nil {
		return nil, false
	}
	return mj.Result, true
}
