package db

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/mongodb/grip"
	"github.com/mongodb/grip/message"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	bulkCollectionAttribute = "docstore.bulk.collection"
	bulkOpsAttribute        = "docstore.bulk.operations"
	bulkDepthAttribute      = "docstore.bulk.depth"
	bulkUpsertAttribute     = "docstore.bulk.upsert"
)

// CommandRunner dispatches a database command and returns the raw reply.
type CommandRunner interface {
	RunCommand(ctx context.Context, cmd bson.D) (bson.Raw, error)
}

// DatabaseRunner runs commands against a database.
type DatabaseRunner struct {
	DB *mongo.Database
}

// NewDatabaseRunner returns a CommandRunner for database.
func NewDatabaseRunner(database *mongo.Database) *DatabaseRunner {
	return &DatabaseRunner{DB: database}
}

func (r *DatabaseRunner) RunCommand(ctx context.Context, cmd bson.D) (bson.Raw, error) {
	raw, err := r.DB.RunCommand(ctx, cmd).Raw()
	return raw, errors.WithStack(err)
}

// WriteSummary totals the effect of a bulk write. Commands counts every
// command sent, including the ones rejected for size. Depth is the
// deepest split level reached, 0 when the batch was written whole.
type WriteSummary struct {
	Matched  int64
	Modified int64
	Upserted int64
	Commands int
	Splits   int
	Depth    int
}

// Add accumulates other into s. Depth keeps the maximum.
func (s *WriteSummary) Add(other *WriteSummary) {
	if other == nil {
		return
	}
	s.Matched += other.Matched
	s.Modified += other.Modified
	s.Upserted += other.Upserted
	s.Commands += other.Commands
	s.Splits += other.Splits
	if other.Depth > s.Depth {
		s.Depth = other.Depth
	}
}

// BulkUpdate sends ops as a single ordered update command. The Upsert
// flag of each operation is combined with upsert. Nothing is retried.
func BulkUpdate(ctx context.Context, runner CommandRunner, collection string, ops []BulkOperation, upsert bool) (*WriteSummary, error) {
	if len(ops) == 0 {
		return nil, ErrEmptyBatch
	}

	summary, err := runUpdateCommand(ctx, runner, collection, ops, upsert, 0)
	if err != nil {
		return nil, &CommandError{Collection: collection, Operations: len(ops), Summary: summary, Cause: err}
	}

	return summary, nil
}

// BulkUpdateRetryTooBig is BulkUpdate that recovers from the server
// rejecting the command as too large. The batch is split in two, the left
// half taking the extra operation of an odd batch, and both halves are
// retried concurrently the same way. Other errors are returned as
// *CommandError without a retry.
//
// A split batch reports *PartialSplitFailure if either half failed, after
// waiting for both. A single operation that is too large on its own is an
// *EncodingTooLargeError.
//
// An ordered command that fails part way may already have applied its
// leading operations; retrying the halves applies them again.
func BulkUpdateRetryTooBig(ctx context.Context, runner CommandRunner, collection string, ops []BulkOperation, upsert bool) (*WriteSummary, error) {
	if len(ops) == 0 {
		return nil, ErrEmptyBatch
	}

	return bulkUpdateRetry(ctx, runner, collection, ops, upsert, 0)
}

// BulkUpsert is BulkUpdateRetryTooBig with every operation upserting.
func BulkUpsert(ctx context.Context, runner CommandRunner, collection string, ops []BulkOperation) (*WriteSummary, error) {
	return BulkUpdateRetryTooBig(ctx, runner, collection, ops, true)
}

func bulkUpdateRetry(ctx context.Context, runner CommandRunner, collection string, ops []BulkOperation, upsert bool, depth int) (*WriteSummary, error) {
	summary, err := runUpdateCommand(ctx, runner, collection, ops, upsert, depth)
	if err == nil {
		return summary, nil
	}
	if !IsObjectTooLarge(err) {
		return nil, &CommandError{Collection: collection, Operations: len(ops), Summary: summary, Cause: err}
	}
	if len(ops) == 1 {
		return nil, &EncodingTooLargeError{Collection: collection, Operation: ops[0], Cause: err}
	}

	mid := (len(ops) + 1) / 2
	grip.Debug(message.Fields{
		"message":    "splitting bulk update rejected as too large",
		"collection": collection,
		"operations": len(ops),
		"left":       mid,
		"right":      len(ops) - mid,
		"depth":      depth,
	})

	left := SplitOutcome{Offset: 0, Count: mid}
	right := SplitOutcome{Offset: mid, Count: len(ops) - mid}

	wg := sync.WaitGroup{}
	wg.Add(2)
	go func() {
		defer wg.Done()
		left.Summary, left.Err = bulkUpdateRetry(ctx, runner, collection, ops[:mid], upsert, depth+1)
	}()
	go func() {
		defer wg.Done()
		right.Summary, right.Err = bulkUpdateRetry(ctx, runner, collection, ops[mid:], upsert, depth+1)
	}()
	wg.Wait()

	if left.Err != nil || right.Err != nil {
		return nil, &PartialSplitFailure{Collection: collection, Operations: len(ops), Left: left, Right: right}
	}

	out := &WriteSummary{Commands: 1, Splits: 1}
	out.Add(left.Summary)
	out.Add(right.Summary)

	return out, nil
}

type updateReply struct {
	N           int64        `bson:"n"`
	NModified   int64        `bson:"nModified"`
	Upserted    []bson.Raw   `bson:"upserted"`
	WriteErrors []WriteError `bson:"writeErrors"`
}

// runUpdateCommand sends one update command. A reply carrying write
// errors yields both the summary of what was applied and a WriteErrors.
func runUpdateCommand(ctx context.Context, runner CommandRunner, collection string, ops []BulkOperation, upsert bool, depth int) (*WriteSummary, error) {
	ctx, span := tracer.Start(ctx, "bulk-update", trace.WithAttributes(
		attribute.String(bulkCollectionAttribute, collection),
		attribute.Int(bulkOpsAttribute, len(ops)),
		attribute.Int(bulkDepthAttribute, depth),
		attribute.Bool(bulkUpsertAttribute, upsert),
	))
	defer span.End()

	raw, err := runner.RunCommand(ctx, updateCommand(collection, ops, upsert))
	if err != nil {
		span.SetStatus(codes.Error, "running update command")
		span.RecordError(err)
		return nil, err
	}

	reply := updateReply{}
	if err = bson.Unmarshal(raw, &reply); err != nil {
		span.SetStatus(codes.Error, "decoding reply")
		return nil, errors.Wrap(err, "decoding update command reply")
	}

	summary := &WriteSummary{
		Matched:  reply.N - int64(len(reply.Upserted)),
		Modified: reply.NModified,
		Upserted: int64(len(reply.Upserted)),
		Commands: 1,
		Depth:    depth,
	}
	if len(reply.WriteErrors) > 0 {
		err = WriteErrors(reply.WriteErrors)
		span.SetStatus(codes.Error, "write errors")
		span.RecordError(err)
		return summary, err
	}

	return summary, nil
}

func updateCommand(collection string, ops []BulkOperation, upsert bool) bson.D {
	updates := make(bson.A, 0, len(ops))
	for _, op := range ops {
		query := op.Query
		if query == nil {
			query = bson.D{}
		}
		updates = append(updates, bson.D{
			{Key: "q", Value: query},
			{Key: "u", Value: op.Update},
			{Key: "upsert", Value: upsert || op.Upsert},
		})
	}

	return bson.D{
		{Key: "update", Value: collection},
		{Key: "updates", Value: updates},
		{Key: "ordered", Value: true},
	}
}

// WriteError is one entry of the writeErrors array of a command reply.
// Index is relative to the command that produced it.
type WriteError struct {
	Index   int    `bson:"index"`
	Code    int    `bson:"code"`
	Message string `bson:"errmsg"`
}

// WriteErrors are the per-operation failures reported by a command reply.
type WriteErrors []WriteError

func (we WriteErrors) Error() string {
	msgs := make([]string, 0, len(we))
	for _, e := range we {
		msgs = append(msgs, fmt.Sprintf("operation %d: (%d) %s", e.Index, e.Code, e.Message))
	}
	return fmt.Sprintf("write errors: [%s]", strings.Join(msgs, "; "))
}

// HasErrorCode reports whether any write error carries code.
func (we WriteErrors) HasErrorCode(code int) bool {
	for _, e := range we {
		if e.Code == code {
			return true
		}
	}
	return false
}

// CommandError is a bulk update that failed for a reason other than its
// size. Summary is set when the server applied part of the batch before
// failing.
type CommandError struct {
	Collection string
	Operations int
	Summary    *WriteSummary
	Cause      error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("running update of %d operations on '%s': %v", e.Operations, e.Collection, e.Cause)
}

func (e *CommandError) Unwrap() error { return e.Cause }

// EncodingTooLargeError is a single operation that exceeds the size limit
// by itself and cannot be split further.
type EncodingTooLargeError struct {
	Collection string
	Operation  BulkOperation
	Cause      error
}

func (e *EncodingTooLargeError) Error() string {
	return fmt.Sprintf("single operation on '%s' exceeds the maximum command size: %v", e.Collection, e.Cause)
}

func (e *EncodingTooLargeError) Unwrap() error { return e.Cause }

// SplitOutcome is the result of one half of a split batch. Offset is the
// position of its first operation within the batch that was split.
type SplitOutcome struct {
	Offset  int
	Count   int
	Summary *WriteSummary
	Err     error
}

func (o SplitOutcome) String() string {
	if o.Err != nil {
		return fmt.Sprintf("operations [%d, %d) failed: %v", o.Offset, o.Offset+o.Count, o.Err)
	}
	return fmt.Sprintf("operations [%d, %d) succeeded", o.Offset, o.Offset+o.Count)
}

// PartialSplitFailure is a batch that was split after being rejected as
// too large, where at least one half failed. The half that succeeded was
// written.
type PartialSplitFailure struct {
	Collection string
	Operations int
	Left       SplitOutcome
	Right      SplitOutcome
}

func (e *PartialSplitFailure) Error() string {
	return fmt.Sprintf("split update of %d operations on '%s' failed: left %s; right %s",
		e.Operations, e.Collection, e.Left, e.Right)
}

// Unwrap exposes the errors of the failed halves.
func (e *PartialSplitFailure) Unwrap() []error {
	var errs []error
	for _, o := range []SplitOutcome{e.Left, e.Right} {
		if o.Err != nil {
			errs = append(errs, o.Err)
		}
	}
	return errs
}

// Written returns the summary of whichever halves succeeded.
func (e *PartialSplitFailure) Written() *WriteSummary {
	out := &WriteSummary{}
	for _, o := range []SplitOutcome{e.Left, e.Right} {
		if o.Err == nil {
			out.Add(o.Summary)
		}
	}
	return out
}
