// Package codec implements the framed, versioned serialization format used
// for everything the engine persists: event payloads, step arguments and
// results, hook payloads, and run outputs.
//
// A payload starts with a 4-byte ASCII format tag. The current format is
// "devl" (version byte + JSON object table). Encrypted payloads carry the
// "encr" tag and are handled by the crypto package before decoding.
//
// The format preserves ordering, 64-bit and arbitrary-precision integers,
// byte-exact typed arrays, user-class identity, and cyclic references -
// properties plain JSON loses. Compound values are assigned dense indices in
// an object table; the decoder allocates containers first and fills
// references second, so self-referential graphs round-trip.
package codec

import (
	"errors"
	"fmt"
	"reflect"
)

// Format tags. The first four bytes of any persisted payload.
const (
	FormatTag    = "devl"
	EncryptedTag = "encr"

	formatVersion = 1
)

var (
	// ErrTooShort indicates the payload is shorter than the 4-byte tag.
	ErrTooShort = errors.New("codec: payload shorter than format tag")
	// ErrUnknownFormat indicates an unrecognized 4-byte tag.
	ErrUnknownFormat = errors.New("codec: unknown format tag")
	// ErrMalformed indicates a recognized tag with a corrupt payload.
	ErrMalformed = errors.New("codec: malformed payload")
)

// UnsupportedKindError is returned when a value outside the supported kind
// set reaches the encoder.
type UnsupportedKindError struct {
	Kind string
}

func (e *UnsupportedKindError) Error() string {
	return fmt.Sprintf("codec: cannot encode value of kind %s; use serializable types", e.Kind)
}

// UnregisteredClassError is returned when a value's type looks like a user
// class but carries no registered class id.
type UnregisteredClassError struct {
	Type string
}

func (e *UnregisteredClassError) Error() string {
	return fmt.Sprintf("codec: type %s has no registered class id; use serializable types", e.Type)
}

// Reducer replaces a value of a named kind with structural data during
// encoding.
type Reducer func(v any) (any, error)

// Reviver rebuilds a typed value from structural data during decoding.
type Reviver func(rep any) (any, error)

// ClassDef describes a registered user class.
type ClassDef struct {
	ID     string
	Type   reflect.Type
	Reduce Reducer
	Revive Reviver
}

// ClassRegistry maps class ids to constructors. Registration happens once,
// before workers start accepting work.
type ClassRegistry struct {
	byID   map[string]*ClassDef
	byType map[reflect.Type]*ClassDef
}

// NewClassRegistry creates an empty class registry.
func NewClassRegistry() *ClassRegistry {
	return &ClassRegistry{
		byID:   make(map[string]*ClassDef),
		byType: make(map[reflect.Type]*ClassDef),
	}
}

// Register adds a class definition. The example value fixes the Go type the
// encoder dispatches on.
func (r *ClassRegistry) Register(id string, example any, reduce Reducer, revive Reviver) error {
	if id == "" {
		return fmt.Errorf("codec: class id must not be empty")
	}
	if _, ok := r.byID[id]; ok {
		return fmt.Errorf("codec: class %q already registered", id)
	}
	t := reflect.TypeOf(example)
	def := &ClassDef{ID: id, Type: t, Reduce: reduce, Revive: revive}
	r.byID[id] = def
	r.byType[t] = def
	return nil
}

// Lookup returns the definition for a class id.
func (r *ClassRegistry) Lookup(id string) (*ClassDef, bool) {
	def, ok := r.byID[id]
	return def, ok
}

func (r *ClassRegistry) lookupType(t reflect.Type) (*ClassDef, bool) {
	def, ok := r.byType[t]
	return def, ok
}

// EncodeOptions configures an encode pass.
type EncodeOptions struct {
	// Reducers override or extend the built-in reducers, keyed by kind
	// name ("stream", "hook", "step") or class id.
	Reducers map[string]Reducer
	// Classes resolves user-class values. Nil means no classes encode.
	Classes *ClassRegistry
}

// DecodeOptions configures a decode pass.
type DecodeOptions struct {
	// Revivers override the built-in revivers, keyed by kind name or
	// class id. Overrides take precedence over built-ins; the replay
	// engine uses them to hydrate refs into live capability handles.
	Revivers map[string]Reviver
	// Classes resolves class ids back to constructors.
	Classes *ClassRegistry
	// LegacyJSON accepts unframed JSON payloads on the decode path only.
	// Used when reading records written before the framed format.
	LegacyJSON bool
}

// StreamRef is the serialized form of a named run-scoped stream.
type StreamRef struct {
	Name  string
	RunID string
}

// HookRef is the serialized form of a hook capability.
type HookRef struct {
	Token string
}

// StepRef is the serialized form of a reference to a step invocation.
type StepRef struct {
	CorrelationID string
}

// Map is an insertion-ordered map with arbitrary keys.
type Map struct {
	keys []any
	vals []any
	idx  map[any]int
}

// NewMap creates an empty ordered map.
func NewMap() *Map {
	return &Map{idx: make(map[any]int)}
}

// Set inserts or updates a key, preserving first-insertion order.
func (m *Map) Set(key, val any) {
	if i, ok := m.index(key); ok {
		m.vals[i] = val
		return
	}
	if k, hashable := hashableKey(key); hashable {
		m.idx[k] = len(m.keys)
	}
	m.keys = append(m.keys, key)
	m.vals = append(m.vals, val)
}

// Get returns the value for a key.
func (m *Map) Get(key any) (any, bool) {
	if i, ok := m.index(key); ok {
		return m.vals[i], true
	}
	return nil, false
}

// Len returns the number of entries.
func (m *Map) Len() int { return len(m.keys) }

// Keys returns the keys in insertion order.
func (m *Map) Keys() []any { return append([]any(nil), m.keys...) }

// Values returns the values in insertion order.
func (m *Map) Values() []any { return append([]any(nil), m.vals...) }

func (m *Map) index(key any) (int, bool) {
	if k, hashable := hashableKey(key); hashable {
		i, ok := m.idx[k]
		return i, ok
	}
	// Unhashable keys (containers) fall back to identity scan.
	for i, k := range m.keys {
		if sameIdentity(k, key) {
			return i, true
		}
	}
	return 0, false
}

// Set is an insertion-ordered set.
type Set struct {
	vals []any
	idx  map[any]struct{}
}

// NewSet creates an empty ordered set.
func NewSet() *Set {
	return &Set{idx: make(map[any]struct{})}
}

// Add inserts a value if not already present.
func (s *Set) Add(val any) {
	if s.Has(val) {
		return
	}
	if k, hashable := hashableKey(val); hashable {
		s.idx[k] = struct{}{}
	}
	s.vals = append(s.vals, val)
}

// Has reports membership.
func (s *Set) Has(val any) bool {
	if k, hashable := hashableKey(val); hashable {
		_, ok := s.idx[k]
		return ok
	}
	for _, v := range s.vals {
		if sameIdentity(v, val) {
			return true
		}
	}
	return false
}

// Len returns the number of members.
func (s *Set) Len() int { return len(s.vals) }

// Values returns the members in insertion order.
func (s *Set) Values() []any { return append([]any(nil), s.vals...) }

func hashableKey(v any) (any, bool) {
	switch v.(type) {
	case nil, bool, int64, float64, string:
		return v, true
	}
	return nil, false
}

func sameIdentity(a, b any) bool {
	ra, rb := reflect.ValueOf(a), reflect.ValueOf(b)
	if ra.Kind() != rb.Kind() {
		return false
	}
	switch ra.Kind() {
	case reflect.Map, reflect.Slice, reflect.Pointer:
		return ra.Pointer() == rb.Pointer()
	}
	return a == b
}
