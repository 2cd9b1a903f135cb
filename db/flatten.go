package db

import (
	"sort"

	"github.com/mongodb/anser/bsonutil"
	"go.mongodb.org/mongo-driver/bson"
)

// FlattenOnce lifts the immediate children of every nested document in
// tree to the top level, keyed "parent.child". Grandchildren stay nested
// and an empty nested document is kept as is. Values that are not
// documents are copied through.
//
// When two entries produce the same key the later one wins and takes the
// position of the earlier one.
func FlattenOnce(tree bson.D) bson.D {
	out := newFlatDoc(len(tree))
	for _, elem := range tree {
		children, ok := subtree(elem.Value)
		if !ok || len(children) == 0 {
			out.set(elem.Key, elem.Value)
			continue
		}
		for _, child := range children {
			out.set(bsonutil.GetDottedKeyName(elem.Key, child.Key), child.Value)
		}
	}

	return out.doc
}

// FlattenRecursive reduces tree to its leaves, each keyed by the full
// dotted path from the root. Empty nested documents contribute nothing.
// The result, used as the argument of $set, touches only the leaves
// present in tree and leaves sibling fields in the stored document alone.
//
// Key collisions resolve the same way as in FlattenOnce.
func FlattenRecursive(tree bson.D) bson.D {
	out := newFlatDoc(len(tree))
	flattenInto(out, "", tree)

	return out.doc
}

func flattenInto(out *flatDoc, prefix string, tree bson.D) {
	for _, elem := range tree {
		key := elem.Key
		if prefix != "" {
			key = bsonutil.GetDottedKeyName(prefix, elem.Key)
		}

		if children, ok := subtree(elem.Value); ok {
			flattenInto(out, key, children)
			continue
		}
		out.set(key, elem.Value)
	}
}

// subtree returns the ordered children of v when v is a nested document.
// Maps are visited in sorted key order.
func subtree(v any) (bson.D, bool) {
	switch doc := v.(type) {
	case bson.D:
		return doc, true
	case bson.M:
		return sortedDoc(doc), true
	case map[string]any:
		return sortedDoc(doc), true
	case bson.Raw:
		out := bson.D{}
		if err := bson.Unmarshal(doc, &out); err != nil {
			return nil, false
		}
		return out, true
	default:
		return nil, false
	}
}

func sortedDoc(m map[string]any) bson.D {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(bson.D, 0, len(keys))
	for _, k := range keys {
		out = append(out, bson.E{Key: k, Value: m[k]})
	}
	return out
}

type flatDoc struct {
	doc   bson.D
	index map[string]int
}

func newFlatDoc(size int) *flatDoc {
	return &flatDoc{
		doc:   make(bson.D, 0, size),
		index: make(map[string]int, size),
	}
}

func (f *flatDoc) set(key string, value any) {
	if i, ok := f.index[key]; ok {
		f.doc[i].Value = value
		return
	}
	f.index[key] = len(f.doc)
	f.doc = append(f.doc, bson.E{Key: key, Value: value})
}
