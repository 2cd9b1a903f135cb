package db

import (
	"context"
	"math"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/evergreen-ci/docstore"
	"github.com/evergreen-ci/docstore/mock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

const bulkTestCollection = "bulk_test"

func upsertOps(n int) []BulkOperation {
	ops := make([]BulkOperation, 0, n)
	for i := 0; i < n; i++ {
		ops = append(ops, BulkOperation{
			Query:  bson.D{{Key: "_id", Value: i}},
			Update: bson.D{{Key: "$set", Value: bson.D{{Key: "value", Value: i * 10}}}},
		})
	}
	return ops
}

func commandSizes(runner *mock.CommandRunner) []int {
	sizes := []int{}
	for _, cmd := range runner.Commands() {
		sizes = append(sizes, len(cmd.Updates))
	}
	sort.Ints(sizes)
	return sizes
}

func TestUpdateCommand(t *testing.T) {
	ops := []BulkOperation{
		{Update: bson.D{{Key: "$set", Value: bson.D{{Key: "a", Value: 1}}}}},
		{Query: bson.D{{Key: "_id", Value: 2}}, Update: bson.D{}, Upsert: true},
	}
	cmd := updateCommand("things", ops, false)
	require.Len(t, cmd, 3)
	assert.Equal(t, "update", cmd[0].Key)
	assert.Equal(t, "things", cmd[0].Value)
	assert.Equal(t, "ordered", cmd[2].Key)
	assert.Equal(t, true, cmd[2].Value)

	updates, ok := cmd[1].Value.(bson.A)
	require.True(t, ok)
	require.Len(t, updates, 2)
	assert.Equal(t, bson.D{
		{Key: "q", Value: bson.D{}},
		{Key: "u", Value: ops[0].Update},
		{Key: "upsert", Value: false},
	}, updates[0])
	assert.Equal(t, true, updates[1].(bson.D)[2].Value)
}

func TestBulkUpdate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for tName, tCase := range map[string]func(t *testing.T, runner *mock.CommandRunner){
		"EmptyBatchIsAnError": func(t *testing.T, runner *mock.CommandRunner) {
			summary, err := BulkUpdate(ctx, runner, bulkTestCollection, nil, true)
			assert.Equal(t, ErrEmptyBatch, err)
			assert.Nil(t, summary)
			assert.Empty(t, runner.Commands())
		},
		"PerOperationUpsertFlag": func(t *testing.T, runner *mock.CommandRunner) {
			ops := upsertOps(3)
			ops[1].Upsert = true
			summary, err := BulkUpdate(ctx, runner, bulkTestCollection, ops, false)
			require.NoError(t, err)
			assert.EqualValues(t, 1, summary.Upserted)
			assert.EqualValues(t, 0, summary.Matched)
			assert.Len(t, runner.Documents(bulkTestCollection), 1)
		},
		"CountsMatchedAndUpserted": func(t *testing.T, runner *mock.CommandRunner) {
			runner.Insert(bulkTestCollection, bson.M{"_id": 0}, bson.M{"_id": 1})
			summary, err := BulkUpdate(ctx, runner, bulkTestCollection, upsertOps(4), true)
			require.NoError(t, err)
			assert.EqualValues(t, 2, summary.Matched)
			assert.EqualValues(t, 2, summary.Modified)
			assert.EqualValues(t, 2, summary.Upserted)
			assert.Equal(t, 1, summary.Commands)
		},
		"DoesNotSplitOversizedBatch": func(t *testing.T, runner *mock.CommandRunner) {
			runner.MaxUpdates = 1
			_, err := BulkUpdate(ctx, runner, bulkTestCollection, upsertOps(4), true)
			require.Error(t, err)
			assert.True(t, IsObjectTooLarge(err))
			assert.Len(t, runner.Commands(), 1)
		},
	} {
		t.Run(tName, func(t *testing.T) {
			tCase(t, &mock.CommandRunner{})
		})
	}
}

func TestBulkUpdateRetryTooBig(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for tName, tCase := range map[string]func(t *testing.T, runner *mock.CommandRunner){
		"EmptyBatchIsAnError": func(t *testing.T, runner *mock.CommandRunner) {
			_, err := BulkUpsert(ctx, runner, bulkTestCollection, []BulkOperation{})
			assert.Equal(t, ErrEmptyBatch, err)
			assert.Empty(t, runner.Commands())
		},
		"SmallBatchIsOneCommand": func(t *testing.T, runner *mock.CommandRunner) {
			summary, err := BulkUpsert(ctx, runner, bulkTestCollection, upsertOps(10))
			require.NoError(t, err)
			assert.Equal(t, &WriteSummary{Upserted: 10, Commands: 1}, summary)
			assert.Len(t, runner.Documents(bulkTestCollection), 10)
		},
		"LeftHalfTakesTheExtraOperation": func(t *testing.T, runner *mock.CommandRunner) {
			runner.MaxUpdates = 3
			summary, err := BulkUpsert(ctx, runner, bulkTestCollection, upsertOps(5))
			require.NoError(t, err)
			assert.Equal(t, []int{2, 3, 5}, commandSizes(runner))
			assert.Equal(t, 1, summary.Depth)
			assert.Equal(t, 1, summary.Splits)
			assert.Equal(t, 3, summary.Commands)
			assert.EqualValues(t, 5, summary.Upserted)

			for _, cmd := range runner.Commands() {
				if len(cmd.Updates) == 3 {
					for i, stmt := range cmd.Updates {
						assert.EqualValues(t, i, stmt.Query["_id"])
					}
				}
			}
		},
		"ConvergesWhenEveryMultiOperationCommandFails": func(t *testing.T, runner *mock.CommandRunner) {
			runner.MaxUpdates = 1
			for _, n := range []int{1, 2, 5, 8, 13} {
				coll := bulkTestCollection + "_" + strings.Repeat("x", n)
				before := len(runner.Commands())

				summary, err := BulkUpsert(ctx, runner, coll, upsertOps(n))
				require.NoError(t, err, "n=%d", n)
				assert.Equal(t, 2*n-1, len(runner.Commands())-before, "n=%d", n)
				assert.Equal(t, 2*n-1, summary.Commands, "n=%d", n)
				assert.Equal(t, n-1, summary.Splits, "n=%d", n)
				assert.Equal(t, int(math.Ceil(math.Log2(float64(n)))), summary.Depth, "n=%d", n)
				assert.EqualValues(t, n, summary.Upserted, "n=%d", n)
				assert.Len(t, runner.Documents(coll), n)
			}
		},
		"SizeReportedAsWriteError": func(t *testing.T, runner *mock.CommandRunner) {
			runner.MaxUpdates = 2
			runner.SizeAsWriteError = true
			summary, err := BulkUpsert(ctx, runner, bulkTestCollection, upsertOps(4))
			require.NoError(t, err)
			assert.Equal(t, 3, summary.Commands)
			assert.EqualValues(t, 4, summary.Upserted)
		},
		"OtherErrorsAreNotRetried": func(t *testing.T, runner *mock.CommandRunner) {
			runner.MaxUpdates = 1
			runner.Hook = func(context.Context, mock.UpdateCommand) error {
				return mongo.CommandError{Code: 11602, Name: "InterruptedDueToReplStateChange", Message: "stepdown"}
			}
			summary, err := BulkUpsert(ctx, runner, bulkTestCollection, upsertOps(6))
			require.Error(t, err)
			assert.Nil(t, summary)
			assert.Len(t, runner.Commands(), 1)
			assert.False(t, IsObjectTooLarge(err))
			assert.False(t, IsPartialSplitFailure(err))

			var cmdErr *CommandError
			require.True(t, errors.As(err, &cmdErr))
			assert.Equal(t, 6, cmdErr.Operations)
			var serverErr mongo.CommandError
			require.True(t, errors.As(err, &serverErr))
			assert.EqualValues(t, 11602, serverErr.Code)
		},
		"SingleOversizedOperationIsFatal": func(t *testing.T, runner *mock.CommandRunner) {
			runner.MaxCommandSize = 64
			_, err := BulkUpsert(ctx, runner, bulkTestCollection, upsertOps(1))
			require.Error(t, err)
			assert.True(t, IsEncodingTooLarge(err))
			assert.False(t, IsPartialSplitFailure(err))
			assert.Len(t, runner.Commands(), 1)
		},
		"OversizedOperationInsideSplit": func(t *testing.T, runner *mock.CommandRunner) {
			ops := upsertOps(4)
			ops[3].Update = bson.D{{Key: "$set", Value: bson.D{{Key: "blob", Value: strings.Repeat("x", 4096)}}}}
			runner.MaxCommandSize = 2048

			summary, err := BulkUpsert(ctx, runner, bulkTestCollection, ops)
			require.Error(t, err)
			assert.Nil(t, summary)
			assert.True(t, IsPartialSplitFailure(err))
			assert.True(t, IsEncodingTooLarge(err))

			var partial *PartialSplitFailure
			require.True(t, errors.As(err, &partial))
			assert.NoError(t, partial.Left.Err)
			assert.Equal(t, 0, partial.Left.Offset)
			assert.Equal(t, 2, partial.Left.Count)
			assert.Equal(t, 2, partial.Right.Offset)
			assert.Equal(t, 2, partial.Right.Count)
			require.Error(t, partial.Right.Err)

			var nested *PartialSplitFailure
			require.True(t, errors.As(partial.Right.Err, &nested))
			assert.NoError(t, nested.Left.Err)
			assert.True(t, IsEncodingTooLarge(nested.Right.Err))

			assert.EqualValues(t, 2, partial.Written().Upserted)
			assert.Len(t, runner.Documents(bulkTestCollection), 3)
		},
		"PartialFailureWaitsForBothHalves": func(t *testing.T, runner *mock.CommandRunner) {
			runner.MaxUpdates = 2
			runner.Hook = func(_ context.Context, cmd mock.UpdateCommand) error {
				if len(cmd.Updates) <= 2 && cmd.Updates[0].Query["_id"] == int32(0) {
					return errors.New("left half failed")
				}
				return nil
			}
			_, err := BulkUpsert(ctx, runner, bulkTestCollection, upsertOps(4))
			require.Error(t, err)

			var partial *PartialSplitFailure
			require.True(t, errors.As(err, &partial))
			assert.Error(t, partial.Left.Err)
			assert.NoError(t, partial.Right.Err)
			require.NotNil(t, partial.Right.Summary)
			assert.EqualValues(t, 2, partial.Right.Summary.Upserted)
			assert.Len(t, runner.Documents(bulkTestCollection), 2)
			assert.Contains(t, err.Error(), "left half failed")
		},
		"HalvesRunConcurrently": func(t *testing.T, runner *mock.CommandRunner) {
			runner.MaxUpdates = 1
			runner.Latency = 50 * time.Millisecond
			_, err := BulkUpsert(ctx, runner, bulkTestCollection, upsertOps(2))
			require.NoError(t, err)
			assert.Equal(t, 2, runner.MaxInFlight())
		},
		"InputIsNotModified": func(t *testing.T, runner *mock.CommandRunner) {
			runner.MaxUpdates = 1
			ops := upsertOps(7)
			original := upsertOps(7)
			_, err := BulkUpsert(ctx, runner, bulkTestCollection, ops)
			require.NoError(t, err)
			assert.Equal(t, original, ops)
		},
	} {
		t.Run(tName, func(t *testing.T) {
			tCase(t, &mock.CommandRunner{})
		})
	}
}

func TestErrorClassification(t *testing.T) {
	tooLarge := mongo.CommandError{Code: docstore.ObjectTooLargeErrorCode, Name: "BSONObjectTooLarge"}

	assert.False(t, IsObjectTooLarge(nil))
	assert.True(t, IsObjectTooLarge(tooLarge))
	assert.True(t, IsObjectTooLarge(errors.Wrap(tooLarge, "running command")))
	assert.True(t, IsObjectTooLarge(WriteErrors{{Index: 3, Code: docstore.ObjectTooLargeErrorCode}}))
	assert.False(t, IsObjectTooLarge(WriteErrors{{Index: 3, Code: 11000}}))
	assert.False(t, IsObjectTooLarge(mongo.CommandError{Code: 2}))
	assert.False(t, IsObjectTooLarge(errors.New("an inserted document is too large")))
	assert.False(t, IsObjectTooLarge(errors.New("BSONObjectTooLarge")))

	assert.True(t, IsDuplicateKey(errors.New("E11000 duplicate key error collection: db.c")))
	assert.False(t, IsDuplicateKey(nil))
	assert.True(t, IsDocumentLimit(errors.Wrap(errors.New("an inserted document is too large"), "inserting")))

	assert.False(t, IsEncodingTooLarge(tooLarge))
	assert.True(t, IsEncodingTooLarge(errors.WithStack(&EncodingTooLargeError{Cause: tooLarge})))
	assert.True(t, IsPartialSplitFailure(&PartialSplitFailure{Right: SplitOutcome{Err: tooLarge}}))
}
