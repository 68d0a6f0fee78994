package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/big"
	"sort"
	"strconv"
)

var (
	// ErrUnknownTag is returned for a tag outside the registry.
	ErrUnknownTag = errors.New("codec: unknown tag")
	// ErrDanglingRef is returned for a reference marker whose path was never decoded.
	ErrDanglingRef = errors.New("codec: dangling reference")
)

// MalformedError reports tag content that does not have the expected shape.
type MalformedError struct {
	Tag  Tag
	Path string
	Msg  string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("codec: malformed %s at %q: %s", e.Tag, e.Path, e.Msg)
}

// Decode converts a wire value back to a host value.
//
// Containers are allocated and registered under their path before their
// children are decoded, so a reference marker inside a container may resolve
// to that same, still-filling container.
func Decode(w Wire) (any, error) {
	d := &decoder{refs: map[string]any{}}
	return d.decode(w, "")
}

type decoder struct {
	refs map[string]any
}

type tagDecoder func(d *decoder, content Wire, path string) (any, error)

var tagDecoders [tagCount]tagDecoder

func init() {
	// The literal's length must equal tagCount or this assignment does not compile.
	tagDecoders = [...]tagDecoder{
		(*decoder).decodeToken,
		(*decoder).decodeRegisteredToken,
		(*decoder).decodeCallable,
		(*decoder).decodePattern,
		(*decoder).decodeSet,
		(*decoder).decodeOrderedMap,
		(*decoder).decodeRef,
		(*decoder).decodeInt8Array,
		(*decoder).decodeUint8Array,
		(*decoder).decodeUint8ClampedArray,
		(*decoder).decodeInt16Array,
		(*decoder).decodeUint16Array,
		(*decoder).decodeInt32Array,
		(*decoder).decodeUint32Array,
		(*decoder).decodeFloat32Array,
		(*decoder).decodeFloat64Array,
		(*decoder).decodeArrayBuffer,
		(*decoder).decodeBufferView,
		(*decoder).decodeWeakMap,
		(*decoder).decodeWeakSet,
		(*decoder).decodeWeakRef,
	}
}

func (d *decoder) register(path string, v any) {
	d.refs[path] = v
}

func (d *decoder) decode(w Wire, path string) (any, error) {
	switch x := w.(type) {
	case nil, Null:
		return nil, nil
	case Bool:
		return bool(x), nil
	case Int:
		return int64(x), nil
	case BigInt:
		if x.V == nil {
			return nil, fmt.Errorf("codec: nil bigint at %q", path)
		}
		return new(big.Int).Set(x.V), nil
	case Float:
		return float64(x), nil
	case Text:
		return string(x), nil
	case Bytes:
		return append([]byte{}, x...), nil
	case Time:
		return x.V, nil
	case Seq:
		s := make([]any, len(x))
		d.register(path, s)
		for i, it := range x {
			v, err := d.decode(it, child(path, strconv.Itoa(i)))
			if err != nil {
				return nil, err
			}
			s[i] = v
		}
		return s, nil
	case Map:
		m := make(map[string]any, len(x))
		d.register(path, m)
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			v, err := d.decode(x[k], child(path, k))
			if err != nil {
				return nil, err
			}
			m[k] = v
		}
		return m, nil
	case Tagged:
		if !x.Tag.Known() {
			return nil, fmt.Errorf("%w %d at %q", ErrUnknownTag, uint64(x.Tag), path)
		}
		return tagDecoders[x.Tag-TagBase](d, x.Content, path)
	}
	return nil, fmt.Errorf("codec: unknown wire kind %T at %q", w, path)
}

func (d *decoder) decodeToken(content Wire, path string) (any, error) {
	desc, err := textContent(TagToken, content, path)
	if err != nil {
		return nil, err
	}
	t := NewToken(desc)
	d.register(path, t)
	return t, nil
}

func (d *decoder) decodeRegisteredToken(content Wire, path string) (any, error) {
	key, err := textContent(TagRegisteredToken, content, path)
	if err != nil {
		return nil, err
	}
	t := TokenFor(key)
	d.register(path, t)
	return t, nil
}

func (d *decoder) decodeCallable(content Wire, path string) (any, error) {
	name, err := textContent(TagCallable, content, path)
	if err != nil {
		return nil, err
	}
	c := &Callable{Name: name}
	d.register(path, c)
	return c, nil
}

func (d *decoder) decodePattern(content Wire, path string) (any, error) {
	s, err := seqContent(TagPattern, content, path, 2)
	if err != nil {
		return nil, err
	}
	src, ok1 := s[0].(Text)
	flags, ok2 := s[1].(Text)
	if !ok1 || !ok2 {
		return nil, &MalformedError{Tag: TagPattern, Path: path, Msg: "source and flags must be text"}
	}
	p := &Pattern{Source: string(src), Flags: string(flags)}
	d.register(path, p)
	return p, nil
}

func (d *decoder) decodeSet(content Wire, path string) (any, error) {
	items, err := seqContent(TagSet, content, path, -1)
	if err != nil {
		return nil, err
	}
	s := NewSet()
	d.register(path, s)
	for i, it := range items {
		v, err := d.decode(it, child(path, strconv.Itoa(i)))
		if err != nil {
			return nil, err
		}
		s.Add(v)
	}
	return s, nil
}

func (d *decoder) decodeOrderedMap(content Wire, path string) (any, error) {
	entries, err := seqContent(TagOrderedMap, content, path, -1)
	if err != nil {
		return nil, err
	}
	m := NewOrderedMap()
	d.register(path, m)
	for i, ent := range entries {
		entryPath := child(path, strconv.Itoa(i))
		pair, err := seqContent(TagOrderedMap, ent, entryPath, 2)
		if err != nil {
			return nil, err
		}
		k, err := d.decode(pair[0], child(entryPath, "0"))
		if err != nil {
			return nil, err
		}
		v, err := d.decode(pair[1], child(entryPath, "1"))
		if err != nil {
			return nil, err
		}
		m.Set(k, v)
	}
	return m, nil
}

func (d *decoder) decodeRef(content Wire, path string) (any, error) {
	target, err := textContent(TagRef, content, path)
	if err != nil {
		return nil, err
	}
	v, ok := d.refs[target]
	if !ok {
		return nil, fmt.Errorf("%w to %q at %q", ErrDanglingRef, target, path)
	}
	return v, nil
}

func (d *decoder) decodeInt8Array(content Wire, path string) (any, error) {
	return decodeInts[int8](d, TagInt8Array, content, path, 1)
}

func (d *decoder) decodeUint8Array(content Wire, path string) (any, error) {
	b, err := bytesContent(TagUint8Array, content, path)
	if err != nil {
		return nil, err
	}
	a := Uint8Array(append([]byte{}, b...))
	d.register(path, a)
	return a, nil
}

func (d *decoder) decodeUint8ClampedArray(content Wire, path string) (any, error) {
	b, err := bytesContent(TagUint8ClampedArray, content, path)
	if err != nil {
		return nil, err
	}
	a := Uint8ClampedArray(append([]byte{}, b...))
	d.register(path, a)
	return a, nil
}

func (d *decoder) decodeInt16Array(content Wire, path string) (any, error) {
	return decodeInts[int16](d, TagInt16Array, content, path, 2)
}

func (d *decoder) decodeUint16Array(content Wire, path string) (any, error) {
	return decodeInts[uint16](d, TagUint16Array, content, path, 2)
}

func (d *decoder) decodeInt32Array(content Wire, path string) (any, error) {
	return decodeInts[int32](d, TagInt32Array, content, path, 4)
}

func (d *decoder) decodeUint32Array(content Wire, path string) (any, error) {
	return decodeInts[uint32](d, TagUint32Array, content, path, 4)
}

func (d *decoder) decodeFloat32Array(content Wire, path string) (any, error) {
	b, err := bytesContent(TagFloat32Array, content, path)
	if err != nil {
		return nil, err
	}
	if len(b)%4 != 0 {
		return nil, &MalformedError{Tag: TagFloat32Array, Path: path, Msg: "length not a multiple of 4"}
	}
	xs := make([]float32, len(b)/4)
	for i := range xs {
		xs[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	d.register(path, xs)
	return xs, nil
}

func (d *decoder) decodeFloat64Array(content Wire, path string) (any, error) {
	b, err := bytesContent(TagFloat64Array, content, path)
	if err != nil {
		return nil, err
	}
	if len(b)%8 != 0 {
		return nil, &MalformedError{Tag: TagFloat64Array, Path: path, Msg: "length not a multiple of 8"}
	}
	xs := make([]float64, len(b)/8)
	for i := range xs {
		xs[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[8*i:]))
	}
	d.register(path, xs)
	return xs, nil
}

func (d *decoder) decodeArrayBuffer(content Wire, path string) (any, error) {
	b, err := bytesContent(TagArrayBuffer, content, path)
	if err != nil {
		return nil, err
	}
	buf := &ArrayBuffer{Data: append([]byte{}, b...)}
	d.register(path, buf)
	return buf, nil
}

func (d *decoder) decodeBufferView(content Wire, path string) (any, error) {
	s, err := seqContent(TagBufferView, content, path, 3)
	if err != nil {
		return nil, err
	}
	view := &BufferView{}
	d.register(path, view)

	bv, err := d.decode(s[0], child(path, "0"))
	if err != nil {
		return nil, err
	}
	buf, ok := bv.(*ArrayBuffer)
	if !ok {
		return nil, &MalformedError{Tag: TagBufferView, Path: path, Msg: fmt.Sprintf("buffer is %T", bv)}
	}
	off, ok1 := s[1].(Int)
	n, ok2 := s[2].(Int)
	if !ok1 || !ok2 || off < 0 || n < 0 || int(off)+int(n) > len(buf.Data) {
		return nil, &MalformedError{Tag: TagBufferView, Path: path, Msg: "offset/length out of range"}
	}
	view.Buffer, view.Offset, view.Length = buf, int(off), int(n)
	return view, nil
}

func (d *decoder) decodeWeakMap(content Wire, path string) (any, error) {
	m := NewWeakMap()
	d.register(path, m)
	return m, nil
}

func (d *decoder) decodeWeakSet(content Wire, path string) (any, error) {
	s := NewWeakSet()
	d.register(path, s)
	return s, nil
}

func (d *decoder) decodeWeakRef(content Wire, path string) (any, error) {
	r := &WeakRef{}
	d.register(path, r)
	return r, nil
}

func decodeInts[T fixedInt](d *decoder, tag Tag, content Wire, path string, size int) (any, error) {
	b, err := bytesContent(tag, content, path)
	if err != nil {
		return nil, err
	}
	if len(b)%size != 0 {
		return nil, &MalformedError{Tag: tag, Path: path, Msg: "length not a multiple of " + strconv.Itoa(size)}
	}
	xs := make([]T, len(b)/size)
	for i := range xs {
		switch size {
		case 1:
			xs[i] = T(b[i])
		case 2:
			xs[i] = T(binary.LittleEndian.Uint16(b[2*i:]))
		case 4:
			xs[i] = T(binary.LittleEndian.Uint32(b[4*i:]))
		}
	}
	d.register(path, xs)
	return xs, nil
}

func textContent(tag Tag, content Wire, path string) (string, error) {
	t, ok := content.(Text)
	if !ok {
		return "", &MalformedError{Tag: tag, Path: path, Msg: fmt.Sprintf("want text, got %T", content)}
	}
	return string(t), nil
}

func bytesContent(tag Tag, content Wire, path string) ([]byte, error) {
	b, ok := content.(Bytes)
	if !ok {
		return nil, &MalformedError{Tag: tag, Path: path, Msg: fmt.Sprintf("want bytes, got %T", content)}
	}
	return b, nil
}

// seqContent checks content is a sequence, of length n unless n is negative.
func seqContent(tag Tag, content Wire, path string, n int) (Seq, error) {
	s, ok := content.(Seq)
	if !ok {
		return nil, &MalformedError{Tag: tag, Path: path, Msg: fmt.Sprintf("want sequence, got %T", content)}
	}
	if n >= 0 && len(s) != n {
		return nil, &MalformedError{Tag: tag, Path: path, Msg: fmt.Sprintf("want %d items, got %d", n, len(s))}
	}
	return s, nil
}
