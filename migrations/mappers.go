package migrations

import (
	"sort"
	"sync"

	"github.com/evergreen-ci/docstore/db"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
)

// MapFunc turns one source document into the operation written to the
// target. An error aborts the migration.
type MapFunc func(doc bson.Raw) (db.BulkOperation, error)

const (
	IdentityMapperName  = "identity"
	FlattenedMapperName = "flatten"
)

var (
	mappersMu = &sync.RWMutex{}
	mappers   = map[string]MapFunc{
		IdentityMapperName:  IdentityUpsert,
		FlattenedMapperName: FlattenedUpsert,
	}
)

// RegisterMapper makes fn available to migrations started by name, such
// as the ones run from the command line or the job queue.
func RegisterMapper(name string, fn MapFunc) error {
	if name == "" {
		return errors.New("mapper name cannot be empty")
	}
	if fn == nil {
		return errors.Errorf("mapper '%s' cannot be nil", name)
	}

	mappersMu.Lock()
	defer mappersMu.Unlock()

	if _, ok := mappers[name]; ok {
		return errors.Errorf("mapper '%s' is already registered", name)
	}
	mappers[name] = fn

	return nil
}

// GetMapper returns the mapper registered under name.
func GetMapper(name string) (MapFunc, error) {
	mappersMu.RLock()
	defer mappersMu.RUnlock()

	fn, ok := mappers[name]
	if !ok {
		return nil, errors.Errorf("mapper '%s' is not registered", name)
	}
	return fn, nil
}

// MapperNames lists the registered mappers in sorted order.
func MapperNames() []string {
	mappersMu.RLock()
	defer mappersMu.RUnlock()

	names := make([]string, 0, len(mappers))
	for name := range mappers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IdentityUpsert upserts the document by _id, setting each of its top
// level fields.
func IdentityUpsert(doc bson.Raw) (db.BulkOperation, error) {
	id, fields, err := splitID(doc)
	if err != nil {
		return db.BulkOperation{}, errors.WithStack(err)
	}
	return upsertByID(id, fields), nil
}

// FlattenedUpsert upserts the document by _id, setting only its leaves.
// Fields present in the target but absent from the document are kept.
func FlattenedUpsert(doc bson.Raw) (db.BulkOperation, error) {
	id, fields, err := splitID(doc)
	if err != nil {
		return db.BulkOperation{}, errors.WithStack(err)
	}
	return upsertByID(id, db.FlattenRecursive(fields)), nil
}

func upsertByID(id bson.RawValue, fields bson.D) db.BulkOperation {
	// $set requires at least one field
	if len(fields) == 0 {
		fields = bson.D{{Key: "_id", Value: id}}
	}
	return db.BulkOperation{
		Query:  bson.D{{Key: "_id", Value: id}},
		Update: bson.D{{Key: "$set", Value: fields}},
		Upsert: true,
	}
}

func splitID(doc bson.Raw) (bson.RawValue, bson.D, error) {
	id, err := doc.LookupErr("_id")
	if err != nil {
		return bson.RawValue{}, nil, errors.Wrap(err, "finding document _id")
	}

	all := bson.D{}
	if err = bson.Unmarshal(doc, &all); err != nil {
		return bson.RawValue{}, nil, errors.Wrap(err, "decoding document")
	}
	fields := make(bson.D, 0, len(all))
	for _, elem := range all {
		if elem.Key != "_id" {
			fields = append(fields, elem)
		}
	}

	return id, fields, nil
}
