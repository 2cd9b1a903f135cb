package db

import (
	"strings"

	"go.mongodb.org/mongo-driver/bson"
)

// Projection builds an inclusion projection from a whitespace separated
// list of field names, e.g. "name owner.email created_at".
func Projection(fields string) bson.D {
	projection := bson.D{}
	for _, f := range strings.Fields(fields) {
		projection = append(projection, bson.E{Key: f, Value: 1})
	}
	return projection
}
