package migrations

import (
	"testing"

	"github.com/evergreen-ci/docstore/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func mustMarshal(t *testing.T, doc bson.D) bson.Raw {
	raw, err := bson.Marshal(doc)
	require.NoError(t, err)
	return raw
}

func updateFields(t *testing.T, op db.BulkOperation) bson.D {
	update, ok := op.Update.(bson.D)
	require.True(t, ok)
	require.Len(t, update, 1)
	require.Equal(t, "$set", update[0].Key)
	fields, ok := update[0].Value.(bson.D)
	require.True(t, ok)
	return fields
}

func TestMappers(t *testing.T) {
	doc := mustMarshal(t, bson.D{
		{Key: "_id", Value: "abc"},
		{Key: "name", Value: "n"},
		{Key: "owner", Value: bson.D{{Key: "email", Value: "e"}, {Key: "team", Value: bson.D{{Key: "id", Value: 4}}}}},
	})

	t.Run("IdentityUpsert", func(t *testing.T) {
		op, err := IdentityUpsert(doc)
		require.NoError(t, err)
		assert.True(t, op.Upsert)

		query, ok := op.Query.(bson.D)
		require.True(t, ok)
		require.Len(t, query, 1)
		assert.Equal(t, "_id", query[0].Key)
		assert.Equal(t, "abc", query[0].Value.(bson.RawValue).StringValue())

		fields := updateFields(t, op)
		require.Len(t, fields, 2)
		assert.Equal(t, "name", fields[0].Key)
		assert.Equal(t, "owner", fields[1].Key)
	})
	t.Run("FlattenedUpsert", func(t *testing.T) {
		op, err := FlattenedUpsert(doc)
		require.NoError(t, err)
		assert.True(t, op.Upsert)

		fields := updateFields(t, op)
		keys := []string{}
		for _, f := range fields {
			keys = append(keys, f.Key)
		}
		assert.Equal(t, []string{"name", "owner.email", "owner.team.id"}, keys)
	})
	t.Run("OnlyID", func(t *testing.T) {
		op, err := FlattenedUpsert(mustMarshal(t, bson.D{{Key: "_id", Value: 1}, {Key: "empty", Value: bson.D{}}}))
		require.NoError(t, err)
		fields := updateFields(t, op)
		require.Len(t, fields, 1)
		assert.Equal(t, "_id", fields[0].Key)
	})
	t.Run("MissingID", func(t *testing.T) {
		_, err := IdentityUpsert(mustMarshal(t, bson.D{{Key: "name", Value: "n"}}))
		assert.Error(t, err)
		_, err = FlattenedUpsert(mustMarshal(t, bson.D{{Key: "name", Value: "n"}}))
		assert.Error(t, err)
	})
}

func TestMapperRegistry(t *testing.T) {
	identity, err := GetMapper(IdentityMapperName)
	require.NoError(t, err)
	assert.NotNil(t, identity)

	_, err = GetMapper("does-not-exist")
	assert.Error(t, err)

	assert.Error(t, RegisterMapper("", IdentityUpsert))
	assert.Error(t, RegisterMapper("nil-mapper", nil))
	assert.Error(t, RegisterMapper(FlattenedMapperName, IdentityUpsert))

	require.NoError(t, RegisterMapper("registry-test", func(doc bson.Raw) (db.BulkOperation, error) {
		return db.BulkOperation{Query: bson.D{}, Update: bson.D{}}, nil
	}))
	_, err = GetMapper("registry-test")
	assert.NoError(t, err)
	assert.Contains(t, MapperNames(), "registry-test")
	assert.Contains(t, MapperNames(), IdentityMapperName)
}
