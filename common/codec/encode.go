package codec

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"regexp"
	"sort"
	"strconv"
	"time"
)

// node is the wire representation of a single value. Compound values live in
// the object table and are referenced by index ("ref" nodes), which is what
// makes cyclic graphs encodable.
type node struct {
	K    string   `json:"k"`
	S    string   `json:"s,omitempty"`
	B    bool     `json:"b,omitempty"`
	I    int      `json:"i,omitempty"`
	ID   string   `json:"id,omitempty"`
	Strs []string `json:"strs,omitempty"`
	Keys []node   `json:"keys,omitempty"`
	Vals []node   `json:"vals,omitempty"`
	V    *node    `json:"v,omitempty"`
}

type document struct {
	Ver  int    `json:"ver"`
	Root node   `json:"root"`
	Objs []node `json:"objs"`
}

// Encode serializes a value into a framed payload.
func Encode(v any, opts *EncodeOptions) ([]byte, error) {
	if opts == nil {
		opts = &EncodeOptions{}
	}
	enc := &encoder{opts: opts, seen: make(map[uintptr]int)}
	root, err := enc.encode(v)
	if err != nil {
		return nil, err
	}
	doc := document{Ver: formatVersion, Root: root, Objs: enc.objs}
	body, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal payload: %w", err)
	}
	out := make([]byte, 0, len(FormatTag)+len(body))
	out = append(out, FormatTag...)
	out = append(out, body...)
	return out, nil
}

type encoder struct {
	opts *EncodeOptions
	seen map[uintptr]int
	objs []node
}

func (e *encoder) encode(v any) (node, error) {
	switch t := v.(type) {
	case nil:
		return node{K: "null"}, nil
	case bool:
		return node{K: "bool", B: t}, nil
	case int:
		return intNode(int64(t)), nil
	case int8:
		return intNode(int64(t)), nil
	case int16:
		return intNode(int64(t)), nil
	case int32:
		return intNode(int64(t)), nil
	case int64:
		return intNode(t), nil
	case uint:
		return uintNode(uint64(t)), nil
	case uint8:
		return uintNode(uint64(t)), nil
	case uint16:
		return uintNode(uint64(t)), nil
	case uint32:
		return uintNode(uint64(t)), nil
	case uint64:
		return uintNode(t), nil
	case float32:
		return floatNode(float64(t)), nil
	case float64:
		return floatNode(t), nil
	case *big.Int:
		return node{K: "bigint", S: t.String()}, nil
	case string:
		return node{K: "str", S: t}, nil
	case []byte:
		return node{K: "bytes", S: base64.StdEncoding.EncodeToString(t)}, nil
	case time.Time:
		return node{K: "time", S: t.Format(time.RFC3339Nano)}, nil
	case *regexp.Regexp:
		return node{K: "regex", S: t.String()}, nil
	case []int32:
		return node{K: "i32", S: packNumeric(t, func(b []byte, x int32) { binary.LittleEndian.PutUint32(b, uint32(x)) }, 4)}, nil
	case []int64:
		return node{K: "i64", S: packNumeric(t, func(b []byte, x int64) { binary.LittleEndian.PutUint64(b, uint64(x)) }, 8)}, nil
	case []float32:
		return node{K: "f32", S: packNumeric(t, func(b []byte, x float32) { binary.LittleEndian.PutUint32(b, math.Float32bits(x)) }, 4)}, nil
	case []float64:
		return node{K: "f64", S: packNumeric(t, func(b []byte, x float64) { binary.LittleEndian.PutUint64(b, math.Float64bits(x)) }, 8)}, nil
	case StreamRef:
		return e.capabilityNode("stream", t, node{K: "stream", S: t.Name, ID: t.RunID})
	case HookRef:
		return e.capabilityNode("hook", t, node{K: "hook", S: t.Token})
	case StepRef:
		return e.capabilityNode("step", t, node{K: "step", S: t.CorrelationID})
	case []any:
		return e.encodeCompound(v, e.encodeSeq)
	case map[string]any:
		return e.encodeCompound(v, e.encodeRecord)
	case *Map:
		return e.encodeCompound(v, e.encodeMap)
	case *Set:
		return e.encodeCompound(v, e.encodeSet)
	}
	return e.encodeClass(v)
}

// capabilityNode applies a caller-supplied reducer for a capability kind if
// one is registered, otherwise emits the built-in structural form.
func (e *encoder) capabilityNode(kind string, v any, builtin node) (node, error) {
	red, ok := e.opts.Reducers[kind]
	if !ok {
		return builtin, nil
	}
	rep, err := red(v)
	if err != nil {
		return node{}, fmt.Errorf("codec: reduce %s: %w", kind, err)
	}
	child, err := e.encode(rep)
	if err != nil {
		return node{}, err
	}
	return node{K: kind, V: &child}, nil
}

// encodeCompound assigns a table index to a compound value on first visit
// and returns a ref node. Revisits return the existing index, which is how
// shared and cyclic references survive the round trip.
func (e *encoder) encodeCompound(v any, build func(any) (node, error)) (node, error) {
	p := reflect.ValueOf(v).Pointer()
	if idx, ok := e.seen[p]; ok {
		return node{K: "ref", I: idx}, nil
	}
	idx := len(e.objs)
	e.seen[p] = idx
	e.objs = append(e.objs, node{}) // placeholder until built
	entry, err := build(v)
	if err != nil {
		return node{}, err
	}
	e.objs[idx] = entry
	return node{K: "ref", I: idx}, nil
}

func (e *encoder) encodeSeq(v any) (node, error) {
	s := v.([]any)
	vals := make([]node, len(s))
	for i, item := range s {
		n, err := e.encode(item)
		if err != nil {
			return node{}, err
		}
		vals[i] = n
	}
	return node{K: "seq", Vals: vals}, nil
}

func (e *encoder) encodeRecord(v any) (node, error) {
	m := v.(map[string]any)
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	vals := make([]node, len(keys))
	for i, k := range keys {
		n, err := e.encode(m[k])
		if err != nil {
			return node{}, err
		}
		vals[i] = n
	}
	return node{K: "rec", Strs: keys, Vals: vals}, nil
}

func (e *encoder) encodeMap(v any) (node, error) {
	m := v.(*Map)
	keys := make([]node, m.Len())
	vals := make([]node, m.Len())
	for i := range m.keys {
		kn, err := e.encode(m.keys[i])
		if err != nil {
			return node{}, err
		}
		vn, err := e.encode(m.vals[i])
		if err != nil {
			return node{}, err
		}
		keys[i], vals[i] = kn, vn
	}
	return node{K: "map", Keys: keys, Vals: vals}, nil
}

func (e *encoder) encodeSet(v any) (node, error) {
	s := v.(*Set)
	vals := make([]node, s.Len())
	for i, item := range s.vals {
		n, err := e.encode(item)
		if err != nil {
			return node{}, err
		}
		vals[i] = n
	}
	return node{K: "set", Vals: vals}, nil
}

func (e *encoder) encodeClass(v any) (node, error) {
	t := reflect.TypeOf(v)
	var def *ClassDef
	if e.opts.Classes != nil {
		def, _ = e.opts.Classes.lookupType(t)
	}
	if def == nil {
		if isClassLike(t) {
			return node{}, &UnregisteredClassError{Type: t.String()}
		}
		return node{}, &UnsupportedKindError{Kind: t.String()}
	}

	p, ok := identityOf(v)
	if ok {
		if idx, seen := e.seen[p]; seen {
			return node{K: "ref", I: idx}, nil
		}
	}
	idx := len(e.objs)
	if ok {
		e.seen[p] = idx
	}
	e.objs = append(e.objs, node{})

	reduce := def.Reduce
	if override, has := e.opts.Reducers[def.ID]; has {
		reduce = override
	}
	rep, err := reduce(v)
	if err != nil {
		return node{}, fmt.Errorf("codec: reduce class %s: %w", def.ID, err)
	}
	child, err := e.encode(rep)
	if err != nil {
		return node{}, err
	}
	e.objs[idx] = node{K: "class", ID: def.ID, V: &child}
	return node{K: "ref", I: idx}, nil
}

func isClassLike(t reflect.Type) bool {
	if t.Kind() == reflect.Struct {
		return true
	}
	return t.Kind() == reflect.Pointer && t.Elem().Kind() == reflect.Struct
}

func identityOf(v any) (uintptr, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice:
		return rv.Pointer(), true
	}
	return 0, false
}

func intNode(x int64) node {
	return node{K: "int", S: strconv.FormatInt(x, 10)}
}

func uintNode(x uint64) node {
	if x > math.MaxInt64 {
		return node{K: "bigint", S: new(big.Int).SetUint64(x).String()}
	}
	return intNode(int64(x))
}

// floatNode renders floats as strings so NaN and the infinities survive the
// JSON carrier.
func floatNode(f float64) node {
	return node{K: "float", S: strconv.FormatFloat(f, 'g', -1, 64)}
}

func packNumeric[T any](xs []T, put func([]byte, T), width int) string {
	buf := make([]byte, len(xs)*width)
	for i, x := range xs {
		put(buf[i*width:], x)
	}
	return base64.StdEncoding.EncodeToString(buf)
}
