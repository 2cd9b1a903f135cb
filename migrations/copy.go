package migrations

import (
	"context"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// CopyCollection upserts every document of source into target by _id,
// reading in _id order. The collections may live in different databases
// or deployments. Running it again brings target up to date with source
// without removing anything.
func CopyCollection(ctx context.Context, source, target *mongo.Collection, batchSize int) (*MigrationResult, error) {
	if source == nil || target == nil {
		return nil, errors.New("source and target collections must be set")
	}

	res, err := Migrate(ctx, MigrateOptions{
		Source: CollectionSource{
			Collection: source,
			Sort:       bson.D{{Key: "_id", Value: 1}},
		},
		Target:    CollectionTarget(target),
		BatchSize: batchSize,
	}, IdentityUpsert)

	return res, errors.Wrapf(err, "copying '%s' to '%s'", source.Name(), target.Name())
}
