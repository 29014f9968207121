// internal/app/system/docstore/memory.go
package docstore

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Memory is an in-process Store. Documents are kept in their BSON-decoded
// form, so values read back look the same as they would from Mongo.
//
// Filters are top-level equality only. Patches support $set, $setOnInsert and
// $inc on top-level fields.
type Memory struct {
	mu          sync.Mutex
	colls       map[string][]bson.M
	unique      map[string][]string
	unreachable bool
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithUnique rejects writes that would give two documents in coll the same
// value for field, mirroring a unique index.
func WithUnique(coll string, fields ...string) MemoryOption {
	return func(m *Memory) {
		m.unique[coll] = append(m.unique[coll], fields...)
	}
}

// NewMemory returns an empty in-memory store.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		colls:  make(map[string][]bson.M),
		unique: make(map[string][]string),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// SetUnreachable makes every subsequent operation fail with ErrUnreachable
// until it is called again with false.
func (m *Memory) SetUnreachable(v bool) {
	m.mu.Lock()
	m.unreachable = v
	m.mu.Unlock()
}

var errMemoryDown = fmt.Errorf("%w: memory store marked unreachable", ErrUnreachable)

func (m *Memory) FindOne(_ context.Context, coll string, filter bson.M, out any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unreachable {
		return errMemoryDown
	}
	f, err := toDoc(filter)
	if err != nil {
		return err
	}
	for _, d := range m.colls[coll] {
		if matches(d, f) {
			return decodeInto(d, out)
		}
	}
	return ErrNotFound
}

// FindAll decodes every match into out, which must point to a slice.
func (m *Memory) FindAll(_ context.Context, coll string, filter bson.M, out any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unreachable {
		return errMemoryDown
	}
	rv := reflect.ValueOf(out)
	if rv.Kind() != reflect.Ptr || rv.Elem().Kind() != reflect.Slice {
		return errors.New("docstore: FindAll needs a pointer to a slice")
	}
	f, err := toDoc(filter)
	if err != nil {
		return err
	}
	slice := rv.Elem()
	res := reflect.MakeSlice(slice.Type(), 0, len(m.colls[coll]))
	for _, d := range m.colls[coll] {
		if !matches(d, f) {
			continue
		}
		elem := reflect.New(slice.Type().Elem())
		if err := decodeInto(d, elem.Interface()); err != nil {
			return err
		}
		res = reflect.Append(res, elem.Elem())
	}
	slice.Set(res)
	return nil
}

func (m *Memory) InsertOne(_ context.Context, coll string, doc any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unreachable {
		return errMemoryDown
	}
	d, err := toDoc(doc)
	if err != nil {
		return err
	}
	if id, ok := d["_id"]; !ok || id == nil || id == primitive.NilObjectID {
		d["_id"] = primitive.NewObjectID()
	}
	if err := m.checkUnique(coll, d, -1); err != nil {
		return err
	}
	m.colls[coll] = append(m.colls[coll], d)
	return nil
}

func (m *Memory) UpdateOne(_ context.Context, coll string, filter, patch bson.M, upsert bool) (UpdateResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unreachable {
		return UpdateResult{}, errMemoryDown
	}
	return m.update(coll, filter, patch, upsert, false)
}

func (m *Memory) UpdateMany(_ context.Context, coll string, filter, patch bson.M) (UpdateResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unreachable {
		return UpdateResult{}, errMemoryDown
	}
	return m.update(coll, filter, patch, false, true)
}

func (m *Memory) DeleteOne(_ context.Context, coll string, filter bson.M) (int64, error) {
	return m.delete(coll, filter, false)
}

func (m *Memory) DeleteMany(_ context.Context, coll string, filter bson.M) (int64, error) {
	return m.delete(coll, filter, true)
}

// WithTransaction runs fn directly; the memory store has no rollback.
func (m *Memory) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (m *Memory) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unreachable {
		return errMemoryDown
	}
	return nil
}

func (m *Memory) Close(context.Context) error { return nil }

// Count returns the number of documents in coll.
func (m *Memory) Count(coll string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.colls[coll])
}

func (m *Memory) update(coll string, filter, patch bson.M, upsert, many bool) (UpdateResult, error) {
	f, err := toDoc(filter)
	if err != nil {
		return UpdateResult{}, err
	}
	p, err := toDoc(patch)
	if err != nil {
		return UpdateResult{}, err
	}
	for op := range p {
		if op != "$set" && op != "$setOnInsert" && op != "$inc" {
			return UpdateResult{}, fmt.Errorf("docstore: memory store does not support %q", op)
		}
	}

	var res UpdateResult
	docs := m.colls[coll]
	for i, d := range docs {
		if !matches(d, f) {
			continue
		}
		res.Matched++
		next := cloneDoc(d)
		if err := applyPatch(next, p, false); err != nil {
			return res, err
		}
		if !reflect.DeepEqual(next, d) {
			if err := m.checkUnique(coll, next, i); err != nil {
				return res, err
			}
			docs[i] = next
			res.Modified++
		}
		if !many {
			return res, nil
		}
	}
	if res.Matched > 0 || !upsert {
		return res, nil
	}

	d := cloneDoc(f)
	if err := applyPatch(d, p, true); err != nil {
		return res, err
	}
	if _, ok := d["_id"]; !ok {
		d["_id"] = primitive.NewObjectID()
	}
	if err := m.checkUnique(coll, d, -1); err != nil {
		return res, err
	}
	m.colls[coll] = append(m.colls[coll], d)
	res.Upserted = 1
	return res, nil
}

func (m *Memory) delete(coll string, filter bson.M, many bool) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unreachable {
		return 0, errMemoryDown
	}
	f, err := toDoc(filter)
	if err != nil {
		return 0, err
	}
	var n int64
	kept := m.colls[coll][:0]
	for _, d := range m.colls[coll] {
		if matches(d, f) && (many || n == 0) {
			n++
			continue
		}
		kept = append(kept, d)
	}
	m.colls[coll] = kept
	return n, nil
}

// checkUnique reports ErrDuplicate when d collides with any document other
// than the one at index skip.
func (m *Memory) checkUnique(coll string, d bson.M, skip int) error {
	fields := append([]string{"_id"}, m.unique[coll]...)
	for i, other := range m.colls[coll] {
		if i == skip {
			continue
		}
		for _, field := range fields {
			v, ok := d[field]
			if !ok || v == nil {
				continue
			}
			if ov, ok := other[field]; ok && reflect.DeepEqual(ov, v) {
				return fmt.Errorf("%w: %s.%s %v", ErrDuplicate, coll, field, v)
			}
		}
	}
	return nil
}

func applyPatch(d, patch bson.M, inserting bool) error {
	if inserting {
		if err := eachField(patch["$setOnInsert"], func(k string, v any) error {
			d[k] = v
			return nil
		}); err != nil {
			return err
		}
	}
	if err := eachField(patch["$set"], func(k string, v any) error {
		d[k] = v
		return nil
	}); err != nil {
		return err
	}
	return eachField(patch["$inc"], func(k string, v any) error {
		sum, err := addNumbers(d[k], v)
		if err != nil {
			return fmt.Errorf("docstore: $inc %s: %w", k, err)
		}
		d[k] = sum
		return nil
	})
}

func eachField(op any, fn func(k string, v any) error) error {
	if op == nil {
		return nil
	}
	var fields map[string]any
	switch t := op.(type) {
	case bson.M:
		fields = t
	case map[string]any:
		fields = t
	case bson.D:
		fields = t.Map()
	default:
		return fmt.Errorf("docstore: update operator value has type %T", op)
	}
	for k, v := range fields {
		if strings.Contains(k, ".") {
			return fmt.Errorf("docstore: memory store does not support dotted field %q", k)
		}
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

func addNumbers(a, b any) (any, error) {
	ai, aInt := asInt(a)
	bi, bInt := asInt(b)
	if aInt && bInt {
		return ai + bi, nil
	}
	af, ok := asFloat(a)
	if !ok {
		return nil, fmt.Errorf("field has non-numeric type %T", a)
	}
	bf, ok := asFloat(b)
	if !ok {
		return nil, fmt.Errorf("increment has non-numeric type %T", b)
	}
	return af + bf, nil
}

func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case nil:
		return 0, true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	if i, ok := asInt(v); ok {
		return float64(i), true
	}
	if f, ok := v.(float64); ok {
		return f, true
	}
	return 0, false
}

func matches(d, filter bson.M) bool {
	for k, want := range filter {
		got, ok := d[k]
		if !ok {
			if want == nil {
				continue
			}
			return false
		}
		if !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}

// toDoc round-trips v through BSON so stored values, filters and patches all
// carry the same decoded types.
func toDoc(v any) (bson.M, error) {
	if m, ok := v.(bson.M); v == nil || (ok && m == nil) {
		return bson.M{}, nil
	}
	b, err := bson.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("docstore: encode: %w", err)
	}
	var d bson.M
	if err := bson.Unmarshal(b, &d); err != nil {
		return nil, fmt.Errorf("docstore: decode: %w", err)
	}
	return d, nil
}

func cloneDoc(d bson.M) bson.M {
	c, err := toDoc(d)
	if err != nil {
		// d was produced by toDoc, so it always re-encodes.
		panic(err)
	}
	return c
}

func decodeInto(d bson.M, out any) error {
	b, err := bson.Marshal(d)
	if err != nil {
		return fmt.Errorf("docstore: encode: %w", err)
	}
	return bson.Unmarshal(b, out)
}
