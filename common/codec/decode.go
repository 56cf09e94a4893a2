package codec

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"regexp"
	"strconv"
	"time"
)

// Decode deserializes a framed payload. Payloads shorter than the 4-byte tag
// or carrying an unknown tag are rejected; the tag is the only version
// discriminator and the decoder never guesses.
func Decode(b []byte, opts *DecodeOptions) (any, error) {
	if opts == nil {
		opts = &DecodeOptions{}
	}
	if len(b) < 4 {
		return nil, ErrTooShort
	}
	switch string(b[:4]) {
	case FormatTag:
		return decodeFramed(b[4:], opts)
	case EncryptedTag:
		return nil, fmt.Errorf("%w: payload is encrypted", ErrUnknownFormat)
	default:
		if opts.LegacyJSON && json.Valid(b) {
			var v any
			if err := json.Unmarshal(b, &v); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
			}
			return v, nil
		}
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, string(b[:4]))
	}
}

func decodeFramed(body []byte, opts *DecodeOptions) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if doc.Ver != formatVersion {
		return nil, fmt.Errorf("%w: payload version %d", ErrUnknownFormat, doc.Ver)
	}

	d := &decoder{
		opts:  opts,
		objs:  doc.Objs,
		table: make([]any, len(doc.Objs)),
	}

	// Phase one: allocate every compound container so references can be
	// handed out before contents exist.
	for i, entry := range doc.Objs {
		switch entry.K {
		case "seq":
			d.table[i] = make([]any, len(entry.Vals))
		case "rec":
			d.table[i] = make(map[string]any, len(entry.Strs))
		case "map":
			d.table[i] = NewMap()
		case "set":
			d.table[i] = NewSet()
		case "class":
			d.table[i] = &classCell{}
		default:
			return nil, fmt.Errorf("%w: object table entry kind %q", ErrMalformed, entry.K)
		}
	}

	// Phase two: fill containers. References to class instances resolve to
	// placeholder cells and are patched after revival.
	for i, entry := range doc.Objs {
		if err := d.fill(i, entry); err != nil {
			return nil, err
		}
	}

	// Revive classes bottom-up, then patch every slot that referenced one.
	for i, entry := range doc.Objs {
		if entry.K != "class" {
			continue
		}
		if err := d.revive(i, entry); err != nil {
			return nil, err
		}
	}
	if err := d.applyPatches(); err != nil {
		return nil, err
	}

	root, err := d.resolve(doc.Root)
	if err != nil {
		return nil, err
	}
	if cell, ok := root.(*classCell); ok {
		if !cell.done {
			return nil, fmt.Errorf("%w: unresolved class at root", ErrMalformed)
		}
		root = cell.val
	}
	return root, nil
}

// classCell stands in for a class instance until its representation has been
// decoded and its reviver has run.
type classCell struct {
	val  any
	done bool
}

type patch struct {
	cell  *classCell
	apply func(any)
}

type decoder struct {
	opts    *DecodeOptions
	objs    []node
	table   []any
	patches []patch
}

func (d *decoder) fill(idx int, entry node) error {
	switch entry.K {
	case "seq":
		s := d.table[idx].([]any)
		for i, child := range entry.Vals {
			v, err := d.resolve(child)
			if err != nil {
				return err
			}
			i := i
			d.place(v, func(x any) { s[i] = x })
		}
	case "rec":
		if len(entry.Strs) != len(entry.Vals) {
			return fmt.Errorf("%w: record key/value length mismatch", ErrMalformed)
		}
		m := d.table[idx].(map[string]any)
		for i, key := range entry.Strs {
			v, err := d.resolve(entry.Vals[i])
			if err != nil {
				return err
			}
			key := key
			d.place(v, func(x any) { m[key] = x })
		}
	case "map":
		if len(entry.Keys) != len(entry.Vals) {
			return fmt.Errorf("%w: map key/value length mismatch", ErrMalformed)
		}
		m := d.table[idx].(*Map)
		for i := range entry.Keys {
			k, err := d.resolve(entry.Keys[i])
			if err != nil {
				return err
			}
			v, err := d.resolve(entry.Vals[i])
			if err != nil {
				return err
			}
			m.Set(k, nil)
			i := m.Len() - 1
			d.place(v, func(x any) { m.vals[i] = x })
		}
	case "set":
		s := d.table[idx].(*Set)
		for _, child := range entry.Vals {
			v, err := d.resolve(child)
			if err != nil {
				return err
			}
			if _, isCell := v.(*classCell); isCell {
				s.vals = append(s.vals, nil)
				i := len(s.vals) - 1
				d.place(v, func(x any) { s.vals[i] = x })
			} else {
				s.Add(v)
			}
		}
	case "class":
		// Revived in a later pass, once its representation is filled.
	}
	return nil
}

// place stores a resolved value into a container slot, deferring the store
// when the value is a not-yet-revived class instance.
func (d *decoder) place(v any, set func(any)) {
	if cell, ok := v.(*classCell); ok {
		d.patches = append(d.patches, patch{cell: cell, apply: set})
		return
	}
	set(v)
}

func (d *decoder) revive(idx int, entry node) error {
	if entry.V == nil {
		return fmt.Errorf("%w: class entry without representation", ErrMalformed)
	}
	rep, err := d.resolve(*entry.V)
	if err != nil {
		return err
	}
	if cell, ok := rep.(*classCell); ok {
		if !cell.done {
			return fmt.Errorf("%w: cyclic class representation for %q", ErrMalformed, entry.ID)
		}
		rep = cell.val
	}

	revive, err := d.reviverFor(entry.ID)
	if err != nil {
		return err
	}
	v, err := revive(rep)
	if err != nil {
		return fmt.Errorf("codec: revive class %s: %w", entry.ID, err)
	}
	cell := d.table[idx].(*classCell)
	cell.val = v
	cell.done = true
	return nil
}

func (d *decoder) reviverFor(classID string) (Reviver, error) {
	if override, ok := d.opts.Revivers[classID]; ok {
		return override, nil
	}
	if d.opts.Classes != nil {
		if def, ok := d.opts.Classes.Lookup(classID); ok {
			return def.Revive, nil
		}
	}
	return nil, fmt.Errorf("codec: no reviver for class %q", classID)
}

func (d *decoder) applyPatches() error {
	for _, p := range d.patches {
		if !p.cell.done {
			return fmt.Errorf("%w: unresolved class reference", ErrMalformed)
		}
		p.apply(p.cell.val)
	}
	return nil
}

func (d *decoder) resolve(n node) (any, error) {
	switch n.K {
	case "null":
		return nil, nil
	case "bool":
		return n.B, nil
	case "int":
		x, err := strconv.ParseInt(n.S, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: int %q", ErrMalformed, n.S)
		}
		return x, nil
	case "float":
		f, err := strconv.ParseFloat(n.S, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: float %q", ErrMalformed, n.S)
		}
		return f, nil
	case "bigint":
		x, ok := new(big.Int).SetString(n.S, 10)
		if !ok {
			return nil, fmt.Errorf("%w: bigint %q", ErrMalformed, n.S)
		}
		return x, nil
	case "str":
		return n.S, nil
	case "bytes":
		b, err := base64.StdEncoding.DecodeString(n.S)
		if err != nil {
			return nil, fmt.Errorf("%w: bytes: %v", ErrMalformed, err)
		}
		return b, nil
	case "time":
		t, err := time.Parse(time.RFC3339Nano, n.S)
		if err != nil {
			return nil, fmt.Errorf("%w: time %q", ErrMalformed, n.S)
		}
		return t, nil
	case "regex":
		re, err := regexp.Compile(n.S)
		if err != nil {
			return nil, fmt.Errorf("%w: regex %q", ErrMalformed, n.S)
		}
		return re, nil
	case "i32":
		return unpackNumeric(n.S, 4, func(b []byte) int32 { return int32(binary.LittleEndian.Uint32(b)) })
	case "i64":
		return unpackNumeric(n.S, 8, func(b []byte) int64 { return int64(binary.LittleEndian.Uint64(b)) })
	case "f32":
		return unpackNumeric(n.S, 4, func(b []byte) float32 { return math.Float32frombits(binary.LittleEndian.Uint32(b)) })
	case "f64":
		return unpackNumeric(n.S, 8, func(b []byte) float64 { return math.Float64frombits(binary.LittleEndian.Uint64(b)) })
	case "stream":
		return d.capability("stream", n, func() any { return StreamRef{Name: n.S, RunID: n.ID} })
	case "hook":
		return d.capability("hook", n, func() any { return HookRef{Token: n.S} })
	case "step":
		return d.capability("step", n, func() any { return StepRef{CorrelationID: n.S} })
	case "ref":
		if n.I < 0 || n.I >= len(d.table) {
			return nil, fmt.Errorf("%w: reference index %d out of range", ErrMalformed, n.I)
		}
		return d.table[n.I], nil
	}
	return nil, fmt.Errorf("%w: value kind %q", ErrMalformed, n.K)
}

// capability rebuilds a capability-bearing value, routing through a caller
// override when one is installed. The replay engine overrides these to hand
// back live handles instead of inert refs.
func (d *decoder) capability(kind string, n node, builtin func() any) (any, error) {
	var rep any
	if n.V != nil {
		var err error
		rep, err = d.resolve(*n.V)
		if err != nil {
			return nil, err
		}
	} else {
		rep = builtin()
	}
	if reviver, ok := d.opts.Revivers[kind]; ok {
		v, err := reviver(rep)
		if err != nil {
			return nil, fmt.Errorf("codec: revive %s: %w", kind, err)
		}
		return v, nil
	}
	return rep, nil
}

func unpackNumeric[T any](s string, width int, get func([]byte) T) ([]T, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: typed array: %v", ErrMalformed, err)
	}
	if len(raw)%width != 0 {
		return nil, fmt.Errorf("%w: typed array length %d not a multiple of %d", ErrMalformed, len(raw), width)
	}
	out := make([]T, len(raw)/width)
	for i := range out {
		out[i] = get(raw[i*width:])
	}
	return out, nil
}
