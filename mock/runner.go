package mock

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/evergreen-ci/docstore"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
)

// UpdateStatement is one entry of a received update command.
type UpdateStatement struct {
	Query  bson.M `bson:"q"`
	Update bson.M `bson:"u"`
	Upsert bool   `bson:"upsert"`
}

// UpdateCommand is a received update command. Size is the length of its
// encoding.
type UpdateCommand struct {
	Collection string            `bson:"update"`
	Updates    []UpdateStatement `bson:"updates"`
	Ordered    bool              `bson:"ordered"`
	Size       int               `bson:"-"`
}

// CommandRunner emulates the server side of the update command against
// in-memory collections. Only equality queries and $set updates or
// replacement documents are understood.
type CommandRunner struct {
	// MaxUpdates rejects commands with more statements than this as too
	// large. Zero disables the check.
	MaxUpdates int
	// MaxCommandSize rejects commands whose encoding exceeds this many
	// bytes as too large. Zero disables the check.
	MaxCommandSize int
	// SizeAsWriteError reports size rejections in the writeErrors of an
	// otherwise successful reply instead of failing the command.
	SizeAsWriteError bool
	// Latency delays every command.
	Latency time.Duration
	// Hook runs before a command is applied. A non-nil error fails the
	// command.
	Hook func(ctx context.Context, cmd UpdateCommand) error

	mu          sync.Mutex
	commands    []UpdateCommand
	inFlight    int
	maxInFlight int
	collections map[string]*collection
}

type collection struct {
	docs  []bson.M
	byKey map[string]int
}

func (r *CommandRunner) RunCommand(ctx context.Context, cmd bson.D) (bson.Raw, error) {
	raw, err := bson.Marshal(cmd)
	if err != nil {
		return nil, errors.Wrap(err, "encoding command")
	}
	parsed := UpdateCommand{}
	if err = bson.Unmarshal(raw, &parsed); err != nil {
		return nil, errors.Wrap(err, "decoding update command")
	}
	if parsed.Collection == "" {
		return nil, mongo.CommandError{Code: 59, Name: "CommandNotFound", Message: "only the update command is supported"}
	}
	parsed.Size = len(raw)

	r.begin(parsed)
	defer r.end()

	if r.Latency > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.Latency):
		}
	}

	if r.Hook != nil {
		if err = r.Hook(ctx, parsed); err != nil {
			return nil, err
		}
	}

	if r.tooLarge(parsed) {
		msg := fmt.Sprintf("command of %d bytes with %d updates exceeds the maximum size", parsed.Size, len(parsed.Updates))
		if !r.SizeAsWriteError {
			return nil, mongo.CommandError{Code: docstore.ObjectTooLargeErrorCode, Name: "BSONObjectTooLarge", Message: msg}
		}
		return reply(0, 0, nil, bson.A{bson.D{
			{Key: "index", Value: 0},
			{Key: "code", Value: docstore.ObjectTooLargeErrorCode},
			{Key: "errmsg", Value: msg},
		}})
	}

	return r.apply(parsed)
}

func (r *CommandRunner) tooLarge(cmd UpdateCommand) bool {
	if r.MaxUpdates > 0 && len(cmd.Updates) > r.MaxUpdates {
		return true
	}
	return r.MaxCommandSize > 0 && cmd.Size > r.MaxCommandSize
}

func (r *CommandRunner) begin(cmd UpdateCommand) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.commands = append(r.commands, cmd)
	r.inFlight++
	if r.inFlight > r.maxInFlight {
		r.maxInFlight = r.inFlight
	}
}

func (r *CommandRunner) end() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.inFlight--
}

func (r *CommandRunner) apply(cmd UpdateCommand) (bson.Raw, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	coll := r.collection(cmd.Collection)
	var n, modified int64
	upserted := bson.A{}
	writeErrors := bson.A{}
	for i, stmt := range cmd.Updates {
		idx, found := coll.find(stmt.Query)
		if !found && !stmt.Upsert {
			continue
		}

		doc := bson.M{}
		if found {
			doc = copyDoc(coll.docs[idx])
		} else {
			for k, v := range stmt.Query {
				if !strings.HasPrefix(k, "$") {
					setPath(doc, k, v)
				}
			}
		}
		if err := applyUpdate(doc, stmt.Update); err != nil {
			writeErrors = append(writeErrors, bson.D{
				{Key: "index", Value: i},
				{Key: "code", Value: 9},
				{Key: "errmsg", Value: err.Error()},
			})
			if cmd.Ordered {
				break
			}
			continue
		}

		if found {
			coll.docs[idx] = doc
			n++
			modified++
			continue
		}
		if _, ok := doc["_id"]; !ok {
			doc["_id"] = primitive.NewObjectID()
		}
		coll.insert(doc)
		n++
		upserted = append(upserted, bson.D{{Key: "index", Value: i}, {Key: "_id", Value: doc["_id"]}})
	}

	return reply(n, modified, upserted, writeErrors)
}

func reply(n, modified int64, upserted, writeErrors bson.A) (bson.Raw, error) {
	doc := bson.D{{Key: "n", Value: n}, {Key: "nModified", Value: modified}}
	if len(upserted) > 0 {
		doc = append(doc, bson.E{Key: "upserted", Value: upserted})
	}
	if len(writeErrors) > 0 {
		doc = append(doc, bson.E{Key: "writeErrors", Value: writeErrors})
	}
	doc = append(doc, bson.E{Key: "ok", Value: 1.0})

	raw, err := bson.Marshal(doc)
	return raw, errors.Wrap(err, "encoding reply")
}

// Insert seeds a collection.
func (r *CommandRunner) Insert(coll string, docs ...bson.M) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.collection(coll)
	for _, doc := range docs {
		c.insert(copyDoc(doc))
	}
}

// Documents returns the documents of a collection in insertion order.
func (r *CommandRunner) Documents(coll string) []bson.M {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.collection(coll)
	out := make([]bson.M, 0, len(c.docs))
	for _, doc := range c.docs {
		out = append(out, copyDoc(doc))
	}
	return out
}

// FindID returns the document with the given _id.
func (r *CommandRunner) FindID(coll string, id any) (bson.M, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.collection(coll)
	idx, ok := c.byKey[idKey(id)]
	if !ok {
		return nil, false
	}
	return copyDoc(c.docs[idx]), true
}

// Commands returns every command received so far, including rejected
// ones.
func (r *CommandRunner) Commands() []UpdateCommand {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]UpdateCommand, len(r.commands))
	copy(out, r.commands)
	return out
}

// MaxInFlight is the largest number of commands handled at once.
func (r *CommandRunner) MaxInFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.maxInFlight
}

func (r *CommandRunner) collection(name string) *collection {
	if r.collections == nil {
		r.collections = map[string]*collection{}
	}
	c, ok := r.collections[name]
	if !ok {
		c = &collection{byKey: map[string]int{}}
		r.collections[name] = c
	}
	return c
}

func (c *collection) insert(doc bson.M) {
	if id, ok := doc["_id"]; ok {
		c.byKey[idKey(id)] = len(c.docs)
	}
	c.docs = append(c.docs, doc)
}

func (c *collection) find(query bson.M) (int, bool) {
	if id, ok := query["_id"]; ok && len(query) == 1 {
		idx, found := c.byKey[idKey(id)]
		return idx, found
	}
	for i, doc := range c.docs {
		if matches(doc, query) {
			return i, true
		}
	}
	return 0, false
}

func matches(doc, query bson.M) bool {
	for k, v := range query {
		got, ok := getPath(doc, k)
		if !ok || fmt.Sprint(got) != fmt.Sprint(v) {
			return false
		}
	}
	return true
}

func applyUpdate(doc, update bson.M) error {
	hasOperator := false
	for k := range update {
		if strings.HasPrefix(k, "$") {
			hasOperator = true
			break
		}
	}
	if !hasOperator {
		id := doc["_id"]
		for k := range doc {
			delete(doc, k)
		}
		for k, v := range update {
			doc[k] = v
		}
		if id != nil {
			doc["_id"] = id
		}
		return nil
	}

	for op, arg := range update {
		if op != "$set" {
			return errors.Errorf("unsupported update operator '%s'", op)
		}
		fields, ok := asMap(arg)
		if !ok {
			return errors.Errorf("'$set' requires a document, got %T", arg)
		}
		for k, v := range fields {
			setPath(doc, k, v)
		}
	}
	return nil
}

func getPath(doc bson.M, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = doc
	for _, p := range parts {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		if cur, ok = m[p]; !ok {
			return nil, false
		}
	}
	return cur, true
}

func setPath(doc bson.M, path string, value any) {
	parts := strings.Split(path, ".")
	cur := doc
	for _, p := range parts[:len(parts)-1] {
		next, ok := asMap(cur[p])
		if !ok {
			next = bson.M{}
		}
		cur[p] = next
		cur = next
	}
	cur[parts[len(parts)-1]] = value
}

func asMap(v any) (bson.M, bool) {
	switch t := v.(type) {
	case bson.M:
		return t, true
	case map[string]any:
		return bson.M(t), true
	case bson.D:
		out := make(bson.M, len(t))
		for _, e := range t {
			out[e.Key] = e.Value
		}
		return out, true
	default:
		return nil, false
	}
}

func copyDoc(doc bson.M) bson.M {
	out := make(bson.M, len(doc))
	for k, v := range doc {
		if m, ok := asMap(v); ok {
			out[k] = copyDoc(m)
			continue
		}
		out[k] = v
	}
	return out
}

// idKey ignores the numeric width of ids, which changes when a value
// round trips through BSON.
func idKey(id any) string {
	return fmt.Sprint(id)
}
