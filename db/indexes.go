package db

import (
	"context"

	"github.com/evergreen-ci/docstore"
	"github.com/mongodb/anser/bsonutil"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// IndexKind selects the index options.
type IndexKind int

const (
	IndexPlain IndexKind = iota
	IndexUnique
	IndexSparse
)

func (k IndexKind) String() string {
	switch k {
	case IndexPlain:
		return "plain"
	case IndexUnique:
		return "unique"
	case IndexSparse:
		return "sparse"
	default:
		return "unknown"
	}
}

// IndexSpec declares an index over one or more keys. Key values are the
// sort direction (1 or -1) or an index type such as "text".
type IndexSpec struct {
	Keys bson.D
	Kind IndexKind
}

// Index declares an ascending index on field.
func Index(field string) IndexSpec {
	return IndexSpec{Keys: bson.D{{Key: field, Value: 1}}, Kind: IndexPlain}
}

func UniqueIndex(field string) IndexSpec {
	return IndexSpec{Keys: bson.D{{Key: field, Value: 1}}, Kind: IndexUnique}
}

func SparseIndex(field string) IndexSpec {
	return IndexSpec{Keys: bson.D{{Key: field, Value: 1}}, Kind: IndexSparse}
}

func CompoundIndex(kind IndexKind, keys bson.D) IndexSpec {
	return IndexSpec{Keys: keys, Kind: kind}
}

// NestedIndexes re-roots the indexes of an embedded document under
// prefix, so a type can reuse the declarations of the types it embeds.
func NestedIndexes(prefix string, specs []IndexSpec) []IndexSpec {
	out := make([]IndexSpec, 0, len(specs))
	for _, spec := range specs {
		keys := make(bson.D, 0, len(spec.Keys))
		for _, k := range spec.Keys {
			keys = append(keys, bson.E{Key: bsonutil.GetDottedKeyName(prefix, k.Key), Value: k.Value})
		}
		out = append(out, IndexSpec{Keys: keys, Kind: spec.Kind})
	}
	return out
}

// Model converts the declaration to the driver's index model.
func (s IndexSpec) Model() mongo.IndexModel {
	model := mongo.IndexModel{Keys: s.Keys}
	switch s.Kind {
	case IndexUnique:
		model.Options = options.Index().SetUnique(true)
	case IndexSparse:
		model.Options = options.Index().SetSparse(true)
	}
	return model
}

// Indexed is implemented by document types that declare their collection
// and its indexes.
type Indexed interface {
	CollectionName() string
	Indexes() []IndexSpec
}

// EnsureIndexes creates the declared indexes on coll. Indexes that
// already exist with the same definition are left alone.
func EnsureIndexes(ctx context.Context, coll *mongo.Collection, specs []IndexSpec) ([]string, error) {
	if len(specs) == 0 {
		return nil, nil
	}

	models := make([]mongo.IndexModel, 0, len(specs))
	for _, spec := range specs {
		if len(spec.Keys) == 0 {
			return nil, errors.New("index declaration has no keys")
		}
		models = append(models, spec.Model())
	}

	names, err := coll.Indexes().CreateMany(ctx, models)
	if err != nil {
		return nil, errors.Wrapf(err, "creating %d indexes on '%s'", len(models), coll.Name())
	}

	return names, nil
}

// IndexedCollection returns the collection of entity in database after
// ensuring its declared indexes.
func IndexedCollection(ctx context.Context, database *mongo.Database, entity Indexed) (*mongo.Collection, error) {
	coll := database.Collection(entity.CollectionName())
	if _, err := EnsureIndexes(ctx, coll, entity.Indexes()); err != nil {
		return nil, errors.WithStack(err)
	}
	return coll, nil
}

// EnsureIndex takes in a collection and ensures that the index is created if it
// does not already exist.
func EnsureIndex(ctx context.Context, collection string, index mongo.IndexModel) error {
	_, err := docstore.GetEnvironment().DB().Collection(collection).Indexes().CreateOne(ctx, index)

	return errors.WithStack(err)
}
