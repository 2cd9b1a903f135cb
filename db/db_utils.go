package db

import (
	"context"

	"github.com/evergreen-ci/docstore"
	adb "github.com/mongodb/anser/db"
	"github.com/mongodb/grip"
	"github.com/mongodb/grip/message"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ErrNotFound is returned by the single-document helpers when nothing
// matched the query.
var ErrNotFound = adb.ErrNotFound

// ChangeInfo reports the effect of an update, upsert or replace.
type ChangeInfo = adb.ChangeInfo

func collection(name string) *mongo.Collection {
	return docstore.GetEnvironment().DB().Collection(name)
}

// Insert inserts the specified item into the specified collection.
func Insert(ctx context.Context, coll string, item any) error {
	_, err := collection(coll).InsertOne(ctx, item)
	return errors.Wrapf(errors.WithStack(err), "inserting document")
}

// InsertMany inserts the items in order. An empty list is a no-op.
func InsertMany(ctx context.Context, coll string, items ...any) error {
	if len(items) == 0 {
		return nil
	}

	_, err := collection(coll).InsertMany(ctx, items)
	return errors.Wrapf(errors.WithStack(err), "inserting documents")
}

// Remove removes one item matching the query from the specified collection.
func Remove(ctx context.Context, coll string, query any) error {
	_, err := collection(coll).DeleteOne(ctx, query)
	return errors.Wrapf(errors.WithStack(err), "deleting document")
}

// RemoveId removes the document with the given ObjectId hex string.
func RemoveId(ctx context.Context, coll string, id string) error {
	filter, err := ById(id)
	if err != nil {
		return errors.WithStack(err)
	}
	return Remove(ctx, coll, filter)
}

// RemoveAll removes all items matching the query from the specified collection.
func RemoveAll(ctx context.Context, coll string, query any) error {
	_, err := collection(coll).DeleteMany(ctx, query)
	return errors.Wrapf(errors.WithStack(err), "deleting documents")
}

// UpdateContext updates one matching document in the collection.
func UpdateContext(ctx context.Context, coll string, query any, update any) error {
	res, err := collection(coll).UpdateOne(ctx, query, update)
	if err != nil {
		return errors.Wrap(err, "updating document")
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}

	return nil
}

// UpdateId updates the document with the given ObjectId hex string.
func UpdateId(ctx context.Context, coll string, id string, update any) error {
	filter, err := ById(id)
	if err != nil {
		return errors.WithStack(err)
	}
	return UpdateContext(ctx, coll, filter, update)
}

// UpdateAllContext updates all matching documents in the collection.
func UpdateAllContext(ctx context.Context, coll string, query any, update any) (*ChangeInfo, error) {
	switch query.(type) {
	case *Q, Q:
		grip.EmergencyPanic(message.Fields{
			"message":    "invalid query passed to update all",
			"cause":      "programmer error",
			"query":      query,
			"collection": coll,
		})
	case nil:
		grip.EmergencyPanic(message.Fields{
			"message":    "nil query passed to update all",
			"query":      query,
			"collection": coll,
		})
	}

	res, err := collection(coll).UpdateMany(ctx, query, update)
	if err != nil {
		return nil, errors.Wrap(err, "updating documents")
	}

	return &ChangeInfo{Updated: int(res.ModifiedCount)}, nil
}

// Upsert runs the specified update against the collection as an upsert
// operation. The update must use operators; see ReplaceContext for whole
// document replacement.
func Upsert(ctx context.Context, coll string, query any, update any) (*ChangeInfo, error) {
	res, err := collection(coll).UpdateOne(ctx, query, update, options.Update().SetUpsert(true))
	if err != nil {
		return nil, errors.Wrap(err, "upserting")
	}

	return &ChangeInfo{Updated: int(res.UpsertedCount) + int(res.ModifiedCount), UpsertedId: res.UpsertedID}, nil
}

// ReplaceContext replaces one matching document in the collection. If a
// matching document is not found, it will be upserted.
func ReplaceContext(ctx context.Context, coll string, query any, replacement any) (*ChangeInfo, error) {
	res, err := collection(coll).ReplaceOne(ctx, query, replacement, options.Replace().SetUpsert(true))
	if err != nil {
		return nil, errors.Wrap(err, "replacing document")
	}

	return &ChangeInfo{Updated: int(res.UpsertedCount) + int(res.ModifiedCount), UpsertedId: res.UpsertedID}, nil
}

// Count runs a count command with the specified query against the collection.
func Count(ctx context.Context, coll string, query any) (int, error) {
	if query == nil {
		query = bson.M{}
	}
	res, err := collection(coll).CountDocuments(ctx, query)
	return int(res), errors.WithStack(err)
}

// FindOneQ runs a Q query against the given collection, applying the
// result to out. Returns ErrNotFound if nothing matched.
func FindOneQ(ctx context.Context, coll string, q Q, out any) error {
	if q.maxTime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.maxTime)
		defer cancel()
	}

	err := collection(coll).FindOne(ctx, q.filterOrEmpty(), q.findOneOptions()).Decode(out)
	if adb.ResultsNotFound(err) {
		return ErrNotFound
	}

	return errors.Wrapf(err, "finding document in '%s'", coll)
}

// FindOneId finds the document with the given ObjectId hex string.
func FindOneId(ctx context.Context, coll string, id string, out any) error {
	filter, err := ById(id)
	if err != nil {
		return errors.WithStack(err)
	}
	return FindOneQ(ctx, coll, Query(filter), out)
}

// FindAllQ runs a Q query against the given collection, applying the
// results to out, which must be a pointer to a slice.
func FindAllQ(ctx context.Context, coll string, q Q, out any) error {
	if q.maxTime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.maxTime)
		defer cancel()
	}

	cur, err := collection(coll).Find(ctx, q.filterOrEmpty(), q.findOptions())
	if err != nil {
		return errors.Wrapf(err, "finding documents in '%s'", coll)
	}

	return errors.Wrapf(cur.All(ctx, out), "decoding documents from '%s'", coll)
}

// FindManyIds returns all documents whose _id is one of the given
// ObjectId hex strings.
func FindManyIds(ctx context.Context, coll string, ids []string, out any) error {
	filter, err := ByIds(ids)
	if err != nil {
		return errors.WithStack(err)
	}
	return FindAllQ(ctx, coll, Query(filter), out)
}

// GetMostRecent returns up to limit documents with the largest values of
// field, skipping the first offset of them, ordered oldest first.
func GetMostRecent[T any](ctx context.Context, coll string, field string, limit, offset int, filter any, projection any) ([]T, error) {
	q := Query(filter).Sort([]string{"-" + field}).Skip(offset).Limit(limit).Project(projection)

	out := []T{}
	if err := FindAllQ(ctx, coll, q, &out); err != nil {
		return nil, errors.WithStack(err)
	}
	reverse(out)

	return out, nil
}

// GetMostRecentBy is GetMostRecent keeping only every step-th document,
// so that n results are spread over n*step of the most recent documents.
func GetMostRecentBy[T any](ctx context.Context, coll string, field string, n, step, offset int, filter any, projection any) ([]T, error) {
	if step < 1 {
		return nil, errors.Errorf("step must be positive, got %d", step)
	}

	all, err := GetMostRecent[T](ctx, coll, field, n*step, offset, filter, projection)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	reverse(all)

	out := make([]T, 0, n)
	for i := 0; i < len(all); i += step {
		out = append(out, all[i])
	}
	reverse(out)

	return out, nil
}

func reverse[T any](items []T) {
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
}

// Aggregate runs an aggregation pipeline on a collection and unmarshals
// the results to the given "out" interface (usually a pointer
// to an array of structs/bson.M)
func Aggregate(ctx context.Context, coll string, pipeline any, out any) error {
	cur, err := collection(coll).Aggregate(ctx, pipeline)
	if err != nil {
		return errors.Wrapf(err, "running aggregation on '%s'", coll)
	}

	return errors.Wrapf(cur.All(ctx, out), "decoding aggregation results from '%s'", coll)
}

// CreateCollections ensures that all the given collections are created,
// returning an error immediately if creating any one of them fails.
func CreateCollections(ctx context.Context, collections ...string) error {
	const namespaceExistsErrCode = 48
	database := docstore.GetEnvironment().DB()
	for _, coll := range collections {
		err := database.CreateCollection(ctx, coll)
		if err == nil {
			continue
		}
		// If the collection already exists, this does not count as an error.
		var cmdErr mongo.CommandError
		if errors.As(err, &cmdErr) && cmdErr.HasErrorCode(namespaceExistsErrCode) {
			continue
		}
		return errors.Wrapf(err, "creating collection '%s'", coll)
	}
	return nil
}

// ClearCollections clears all documents from all the specified collections,
// returning an error immediately if clearing any one of them fails.
func ClearCollections(ctx context.Context, collections ...string) error {
	for _, coll := range collections {
		if _, err := collection(coll).DeleteMany(ctx, bson.M{}); err != nil {
			return errors.Wrapf(err, "clearing collection '%s'", coll)
		}
	}
	return nil
}

// DropCollections drops the specified collections, returning an error
// immediately if dropping any one of them fails.
func DropCollections(ctx context.Context, collections ...string) error {
	for _, coll := range collections {
		if err := collection(coll).Drop(ctx); err != nil {
			return errors.Wrapf(err, "dropping collection '%s'", coll)
		}
	}
	return nil
}
