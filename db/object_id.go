package db

import (
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ObjectIDFromHex parses the 24 character hex form of an ObjectId.
func ObjectIDFromHex(id string) (primitive.ObjectID, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return primitive.NilObjectID, errors.Wrapf(err, "parsing ObjectId '%s'", id)
	}
	return oid, nil
}

// ObjectIDCreatedAt returns the creation time embedded in the ObjectId.
// The resolution is one second.
func ObjectIDCreatedAt(id string) (time.Time, error) {
	oid, err := ObjectIDFromHex(id)
	if err != nil {
		return time.Time{}, err
	}
	return oid.Timestamp(), nil
}

// ObjectIDCreatedAtMillis returns the creation time embedded in the
// ObjectId in milliseconds since the Unix epoch.
func ObjectIDCreatedAtMillis(id string) (int64, error) {
	ts, err := ObjectIDCreatedAt(id)
	if err != nil {
		return 0, err
	}
	return ts.UnixMilli(), nil
}

// ById returns a filter matching the document with the given ObjectId.
func ById(id string) (bson.D, error) {
	oid, err := ObjectIDFromHex(id)
	if err != nil {
		return nil, err
	}
	return bson.D{{Key: "_id", Value: oid}}, nil
}

// ByIds returns a filter matching any of the given ObjectIds.
func ByIds(ids []string) (bson.D, error) {
	oids := make([]primitive.ObjectID, 0, len(ids))
	for _, id := range ids {
		oid, err := ObjectIDFromHex(id)
		if err != nil {
			return nil, err
		}
		oids = append(oids, oid)
	}
	return bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: oids}}}}, nil
}
