package db

import (
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Q holds all information necessary to execute a find query.
type Q struct {
	filter     any
	projection any
	sort       []string
	skip       int
	limit      int
	hint       any
	maxTime    time.Duration
}

// Query creates a db.Q for the given filter.
func Query(filter any) Q {
	return Q{filter: filter}
}

// Filter sets the Q's filter.
func (q Q) Filter(filter any) Q {
	q.filter = filter
	return q
}

// Project sets the Q's projection.
func (q Q) Project(projection any) Q {
	q.projection = projection
	return q
}

// WithFields sets a projection including only the given fields.
func (q Q) WithFields(fields ...string) Q {
	projection := bson.D{}
	for _, f := range fields {
		projection = append(projection, bson.E{Key: f, Value: 1})
	}
	q.projection = projection
	return q
}

// WithoutFields sets a projection excluding the given fields.
func (q Q) WithoutFields(fields ...string) Q {
	projection := bson.D{}
	for _, f := range fields {
		projection = append(projection, bson.E{Key: f, Value: 0})
	}
	q.projection = projection
	return q
}

// Sort sets the sort keys. A leading "-" sorts descending.
func (q Q) Sort(sort []string) Q {
	q.sort = sort
	return q
}

func (q Q) Skip(skip int) Q {
	q.skip = skip
	return q
}

func (q Q) Limit(limit int) Q {
	q.limit = limit
	return q
}

func (q Q) Hint(hint any) Q {
	q.hint = hint
	return q
}

// MaxTime bounds how long the query may run.
func (q Q) MaxTime(duration time.Duration) Q {
	q.maxTime = duration
	return q
}

func (q Q) filterOrEmpty() any {
	if q.filter == nil {
		return bson.D{}
	}
	return q.filter
}

func (q Q) findOptions() *options.FindOptions {
	opts := options.Find()
	if q.projection != nil {
		opts.SetProjection(q.projection)
	}
	if len(q.sort) > 0 {
		opts.SetSort(sortFromKeys(q.sort))
	}
	if q.skip > 0 {
		opts.SetSkip(int64(q.skip))
	}
	if q.limit > 0 {
		opts.SetLimit(int64(q.limit))
	}
	if q.hint != nil {
		opts.SetHint(q.hint)
	}
	return opts
}

func (q Q) findOneOptions() *options.FindOneOptions {
	opts := options.FindOne()
	if q.projection != nil {
		opts.SetProjection(q.projection)
	}
	if len(q.sort) > 0 {
		opts.SetSort(sortFromKeys(q.sort))
	}
	if q.skip > 0 {
		opts.SetSkip(int64(q.skip))
	}
	if q.hint != nil {
		opts.SetHint(q.hint)
	}
	return opts
}

func sortFromKeys(keys []string) bson.D {
	sort := bson.D{}
	for _, key := range keys {
		if strings.HasPrefix(key, "-") {
			sort = append(sort, bson.E{Key: key[1:], Value: -1})
			continue
		}
		sort = append(sort, bson.E{Key: key, Value: 1})
	}
	return sort
}
