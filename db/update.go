package db

import (
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
)

// BulkOperation is one entry of an update command: the documents matched
// by Query receive Update. Upsert requests insertion when nothing
// matches.
type BulkOperation struct {
	Query  any
	Update any
	Upsert bool
}

// UpdateKind selects how an Update renders its payload.
type UpdateKind int

const (
	// UpdateKindFull sets every top level field of a value.
	UpdateKindFull UpdateKind = iota
	// UpdateKindSet sets the given fields as is.
	UpdateKindSet
	// UpdateKindFlattenSet sets only the leaves of the given fields.
	UpdateKindFlattenSet
	// UpdateKindFlattenSetOnce sets the immediate children of nested
	// fields, replacing anything deeper.
	UpdateKindFlattenSetOnce
	// UpdateKindCustom is a caller supplied update document.
	UpdateKindCustom
)

func (k UpdateKind) String() string {
	switch k {
	case UpdateKindFull:
		return "full"
	case UpdateKindSet:
		return "set"
	case UpdateKindFlattenSet:
		return "flatten-set"
	case UpdateKindFlattenSetOnce:
		return "flatten-set-once"
	case UpdateKindCustom:
		return "custom"
	default:
		return "unknown"
	}
}

// Update describes the mutation half of a BulkOperation.
type Update struct {
	Kind  UpdateKind
	Value any
}

// UpdateFull sets every field of v, which may be any value that encodes
// to a document.
func UpdateFull(v any) Update { return Update{Kind: UpdateKindFull, Value: v} }

func UpdateSet(fields bson.D) Update { return Update{Kind: UpdateKindSet, Value: fields} }

func UpdateFlattenSet(fields bson.D) Update { return Update{Kind: UpdateKindFlattenSet, Value: fields} }

func UpdateFlattenSetOnce(fields bson.D) Update {
	return Update{Kind: UpdateKindFlattenSetOnce, Value: fields}
}

// UpdateCustom passes the update document through untouched, e.g. for
// $inc or $push.
func UpdateCustom(doc bson.D) Update { return Update{Kind: UpdateKindCustom, Value: doc} }

// Document renders the update document sent to the server.
func (u Update) Document() (bson.D, error) {
	if u.Kind == UpdateKindFull {
		raw, err := bson.Marshal(u.Value)
		if err != nil {
			return nil, errors.Wrap(err, "encoding full update")
		}
		return bson.D{{Key: "$set", Value: bson.Raw(raw)}}, nil
	}

	fields, ok := u.Value.(bson.D)
	if !ok {
		return nil, errors.Errorf("%s update requires a document, got %T", u.Kind, u.Value)
	}

	switch u.Kind {
	case UpdateKindSet:
		return bson.D{{Key: "$set", Value: fields}}, nil
	case UpdateKindFlattenSet:
		return bson.D{{Key: "$set", Value: FlattenRecursive(fields)}}, nil
	case UpdateKindFlattenSetOnce:
		return bson.D{{Key: "$set", Value: FlattenOnce(fields)}}, nil
	case UpdateKindCustom:
		return fields, nil
	default:
		return nil, errors.Errorf("unrecognized update kind %d", u.Kind)
	}
}

// NewBulkOperationFromUpdate renders u and pairs it with query.
func NewBulkOperationFromUpdate(query any, u Update, upsert bool) (BulkOperation, error) {
	doc, err := u.Document()
	if err != nil {
		return BulkOperation{}, errors.WithStack(err)
	}

	return BulkOperation{Query: query, Update: doc, Upsert: upsert}, nil
}
