package migrations

import (
	"context"

	"github.com/evergreen-ci/docstore/db"
	amodel "github.com/mongodb/anser/model"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Cursor iterates the documents of a source. *mongo.Cursor satisfies it.
type Cursor interface {
	Next(context.Context) bool
	Decode(any) error
	Err() error
	Close(context.Context) error
}

// Source opens the cursor a migration reads from.
type Source interface {
	Open(ctx context.Context, batchSize int32) (Cursor, error)
}

// CollectionSource reads the documents of a collection that match Filter
// in Sort order. A nil Filter matches everything.
type CollectionSource struct {
	Collection *mongo.Collection
	Filter     any
	Sort       any
}

func (s CollectionSource) Open(ctx context.Context, batchSize int32) (Cursor, error) {
	if s.Collection == nil {
		return nil, errors.New("source collection is not set")
	}

	filter := s.Filter
	if filter == nil {
		filter = bson.D{}
	}
	opts := options.Find().SetBatchSize(batchSize)
	if s.Sort != nil {
		opts.SetSort(s.Sort)
	}

	cur, err := s.Collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "opening cursor on '%s'", s.Namespace())
	}
	return cur, nil
}

// Namespace identifies the source collection.
func (s CollectionSource) Namespace() amodel.Namespace {
	if s.Collection == nil {
		return amodel.Namespace{}
	}
	return amodel.Namespace{DB: s.Collection.Database().Name(), Collection: s.Collection.Name()}
}

// CursorSource hands out an already open cursor. It can be used for one
// migration only.
type CursorSource struct {
	Cursor Cursor
}

func (s CursorSource) Open(context.Context, int32) (Cursor, error) {
	if s.Cursor == nil {
		return nil, errors.New("source cursor is not set")
	}
	return s.Cursor, nil
}

// Target is where a migration writes. Collection names the collection the
// update commands address through Runner.
type Target struct {
	Runner     db.CommandRunner
	Collection string

	coll *mongo.Collection
}

// CollectionTarget writes to coll through its database.
func CollectionTarget(coll *mongo.Collection) Target {
	return Target{
		Runner:     db.NewDatabaseRunner(coll.Database()),
		Collection: coll.Name(),
		coll:       coll,
	}
}

func (t Target) Validate() error {
	if t.Runner == nil {
		return errors.New("target command runner is not set")
	}
	if t.Collection == "" {
		return errors.New("target collection is not set")
	}
	return nil
}
