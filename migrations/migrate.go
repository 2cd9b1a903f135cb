package migrations

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/evergreen-ci/docstore"
	"github.com/evergreen-ci/docstore/db"
	"github.com/mongodb/grip"
	"github.com/mongodb/grip/message"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const (
	migrationTargetAttribute    = "docstore.migration.target"
	migrationBatchSizeAttribute = "docstore.migration.batch_size"
	migrationBatchesAttribute   = "docstore.migration.batches_written"
	migrationDocumentsAttribute = "docstore.migration.documents_written"
)

// MigrateOptions configures a migration. Zero values take the package
// defaults.
type MigrateOptions struct {
	Source Source
	Target Target
	// BatchSize is the number of documents written per update command
	// before any size splitting.
	BatchSize int
	// ReadBatchSize is the cursor batch size. Defaults to BatchSize.
	ReadBatchSize int32
	// MaxInFlightBatches bounds the batches read but not yet written.
	MaxInFlightBatches int
	// Indexes are ensured on the target before any document is written.
	// They require a target built with CollectionTarget.
	Indexes []db.IndexSpec
}

func (o *MigrateOptions) Validate() error {
	catcher := grip.NewBasicCatcher()
	catcher.NewWhen(o.Source == nil, "source must be set")
	catcher.Add(o.Target.Validate())
	catcher.ErrorfWhen(o.BatchSize < 0, "batch size %d cannot be negative", o.BatchSize)
	catcher.ErrorfWhen(o.BatchSize > math.MaxInt32, "batch size %d exceeds the maximum of %d", o.BatchSize, math.MaxInt32)
	catcher.ErrorfWhen(o.ReadBatchSize < 0, "read batch size %d cannot be negative", o.ReadBatchSize)
	catcher.ErrorfWhen(o.MaxInFlightBatches < 0, "max in-flight batches %d cannot be negative", o.MaxInFlightBatches)
	catcher.NewWhen(len(o.Indexes) > 0 && o.Target.coll == nil, "indexes require a collection target")
	if catcher.HasErrors() {
		return catcher.Resolve()
	}

	if o.BatchSize == 0 {
		o.BatchSize = docstore.DefaultMigrationBatchSize
	}
	if o.ReadBatchSize == 0 {
		o.ReadBatchSize = int32(o.BatchSize)
	}
	if o.MaxInFlightBatches == 0 {
		o.MaxInFlightBatches = docstore.DefaultMigrationInFlight
	}

	return nil
}

// MigrationResult reports a completed migration.
type MigrationResult struct {
	BatchesRead      int
	BatchesWritten   int
	DocumentsRead    int
	DocumentsWritten int
	Summary          db.WriteSummary
	Duration         time.Duration
}

// Stage names the part of a migration that failed.
type Stage string

const (
	StageOpen  Stage = "open"
	StageRead  Stage = "read"
	StageMap   Stage = "map"
	StageWrite Stage = "write"
)

// MigrationError is a failed migration. The counts describe what happened
// before the failure: every batch up to BatchesWritten is in the target
// and nothing after it was written by this migration.
type MigrationError struct {
	Stage Stage
	// Batch is the 1-based batch being read or written when the failure
	// occurred.
	Batch            int
	BatchesRead      int
	BatchesWritten   int
	DocumentsRead    int
	DocumentsWritten int
	Cause            error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("migration failed during %s of batch %d after writing %d of %d batches read (%d of %d documents): %v",
		e.Stage, e.Batch, e.BatchesWritten, e.BatchesRead, e.DocumentsWritten, e.DocumentsRead, e.Cause)
}

func (e *MigrationError) Unwrap() error { return e.Cause }

// Migrate streams every document of the source through mapper and upserts
// the results into the target in batches. Reading and writing run
// concurrently with at most MaxInFlightBatches batches between them, and
// batches are written in the order they were read.
//
// The first failure stops the migration: a failed write stops the reader
// before it starts another batch, and a failed read or mapping stops the
// writer before it writes another batch. Size rejections from the server
// are absorbed by splitting; see db.BulkUpsert.
func Migrate(ctx context.Context, opts MigrateOptions, mapper MapFunc) (*MigrationResult, error) {
	if mapper == nil {
		return nil, errors.New("mapper must be set")
	}
	if err := opts.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid migration options")
	}

	ctx, span := tracer.Start(ctx, "migrate", trace.WithAttributes(
		attribute.String(migrationTargetAttribute, opts.Target.Collection),
		attribute.Int(migrationBatchSizeAttribute, opts.BatchSize),
	))
	defer span.End()

	m := &migration{opts: opts, mapper: mapper, started: time.Now()}
	res, err := m.run(ctx)
	if err != nil {
		span.SetStatus(codes.Error, "migration failed")
		span.RecordError(err)
		grip.Error(message.WrapError(err, message.Fields{
			"message":           "migration failed",
			"target":            opts.Target.Collection,
			"batches_written":   m.batchesWritten,
			"documents_written": m.documentsWritten,
		}))
		return nil, err
	}

	span.SetAttributes(
		attribute.Int(migrationBatchesAttribute, res.BatchesWritten),
		attribute.Int(migrationDocumentsAttribute, res.DocumentsWritten),
	)
	grip.Info(message.Fields{
		"message":   "migration complete",
		"target":    opts.Target.Collection,
		"batches":   res.BatchesWritten,
		"documents": res.DocumentsWritten,
		"commands":  res.Summary.Commands,
		"splits":    res.Summary.Splits,
		"duration":  res.Duration.String(),
	})

	return res, nil
}

// migration holds the state of one Migrate call. The read counters belong
// to the producer and the write counters to the consumer until both have
// returned.
type migration struct {
	opts    MigrateOptions
	mapper  MapFunc
	started time.Time

	batchesRead      int
	documentsRead    int
	batchesWritten   int
	documentsWritten int
	summary          db.WriteSummary
}

func (m *migration) run(ctx context.Context) (*MigrationResult, error) {
	if len(m.opts.Indexes) > 0 {
		if _, err := db.EnsureIndexes(ctx, m.opts.Target.coll, m.opts.Indexes); err != nil {
			return nil, m.fail(&MigrationError{Stage: StageOpen, Cause: errors.Wrap(err, "ensuring target indexes")})
		}
	}

	cursor, err := m.opts.Source.Open(ctx, m.opts.ReadBatchSize)
	if err != nil {
		return nil, m.fail(&MigrationError{Stage: StageOpen, Cause: errors.Wrap(err, "opening source")})
	}

	grip.Info(message.Fields{
		"message":     "starting migration",
		"target":      m.opts.Target.Collection,
		"batch_size":  m.opts.BatchSize,
		"max_batches": m.opts.MaxInFlightBatches,
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	batches := make(chan []db.BulkOperation, m.opts.MaxInFlightBatches)
	group, groupCtx := errgroup.WithContext(runCtx)
	var produceErr error
	group.Go(func() error {
		produceErr = m.produce(groupCtx, cursor, batches)
		if produceErr != nil {
			// the consumer must not see the closed channel before the
			// cancellation
			cancel()
		}
		close(batches)

		grip.Warning(message.WrapError(cursor.Close(context.WithoutCancel(ctx)), message.Fields{
			"message": "problem closing source cursor",
			"target":  m.opts.Target.Collection,
		}))
		return produceErr
	})
	group.Go(func() error {
		return m.consume(groupCtx, batches)
	})

	err = group.Wait()
	// a read or mapping failure cancels the consumer, which may return
	// first with only the cancellation
	if produceErr != nil && !isCancellation(produceErr) {
		err = produceErr
	}
	if err != nil {
		return nil, m.fail(err)
	}

	return &MigrationResult{
		BatchesRead:      m.batchesRead,
		BatchesWritten:   m.batchesWritten,
		DocumentsRead:    m.documentsRead,
		DocumentsWritten: m.documentsWritten,
		Summary:          m.summary,
		Duration:         time.Since(m.started),
	}, nil
}

// produce reads batches until the cursor is exhausted. The caller closes
// the channel afterwards, which tells the consumer no more batches follow.
func (m *migration) produce(ctx context.Context, cursor Cursor, out chan<- []db.BulkOperation) error {
	// cancellation is checked between batches and never interrupts a fetch
	fetchCtx := context.WithoutCancel(ctx)
	for batchNum := 1; ; batchNum++ {
		if err := ctx.Err(); err != nil {
			return &MigrationError{Stage: StageRead, Batch: batchNum, Cause: err}
		}

		batch := make([]db.BulkOperation, 0, m.opts.BatchSize)
		for len(batch) < m.opts.BatchSize && cursor.Next(fetchCtx) {
			doc := bson.Raw{}
			if err := cursor.Decode(&doc); err != nil {
				return &MigrationError{Stage: StageRead, Batch: batchNum, Cause: errors.Wrap(err, "decoding source document")}
			}
			m.documentsRead++

			op, err := m.mapper(doc)
			if err != nil {
				return &MigrationError{
					Stage: StageMap,
					Batch: batchNum,
					Cause: errors.Wrapf(err, "mapping document %d", m.documentsRead),
				}
			}
			batch = append(batch, op)
		}
		if err := cursor.Err(); err != nil {
			return &MigrationError{Stage: StageRead, Batch: batchNum, Cause: errors.Wrap(err, "reading source")}
		}
		if len(batch) == 0 {
			return nil
		}
		m.batchesRead++

		select {
		case out <- batch:
		case <-ctx.Done():
			return &MigrationError{Stage: StageRead, Batch: batchNum, Cause: ctx.Err()}
		}
	}
}

func (m *migration) consume(ctx context.Context, in <-chan []db.BulkOperation) error {
	for batchNum := 1; ; batchNum++ {
		var batch []db.BulkOperation
		select {
		case <-ctx.Done():
			return &MigrationError{Stage: StageWrite, Batch: batchNum, Cause: ctx.Err()}
		case next, ok := <-in:
			if !ok {
				return nil
			}
			batch = next
		}
		// a batch and a cancellation may be ready at once
		if err := ctx.Err(); err != nil {
			return &MigrationError{Stage: StageWrite, Batch: batchNum, Cause: err}
		}

		summary, err := db.BulkUpsert(ctx, m.opts.Target.Runner, m.opts.Target.Collection, batch)
		if err != nil {
			return &MigrationError{Stage: StageWrite, Batch: batchNum, Cause: err}
		}
		m.batchesWritten++
		m.documentsWritten += len(batch)
		m.summary.Add(summary)

		grip.Debug(message.Fields{
			"message":    "wrote migration batch",
			"target":     m.opts.Target.Collection,
			"batch":      batchNum,
			"operations": len(batch),
			"commands":   summary.Commands,
			"depth":      summary.Depth,
		})
	}
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// fail fills the counts of err, which both stages must have finished
// updating.
func (m *migration) fail(err error) error {
	var migrationErr *MigrationError
	if !errors.As(err, &migrationErr) {
		migrationErr = &MigrationError{Stage: StageRead, Cause: err}
	}
	migrationErr.BatchesRead = m.batchesRead
	migrationErr.BatchesWritten = m.batchesWritten
	migrationErr.DocumentsRead = m.documentsRead
	migrationErr.DocumentsWritten = m.documentsWritten

	return migrationErr
}
