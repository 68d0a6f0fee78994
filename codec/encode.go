package codec

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"regexp"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"
)

// UnsupportedTypeError is returned when a value has no wire representation.
type UnsupportedTypeError struct {
	Type reflect.Type
	Path string
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("codec: unsupported type %s at %q", e.Type, e.Path)
}

// Encode converts a host value to its wire representation.
//
// Values reachable more than once (by identity, not by structural equality)
// are emitted in full at their first position in a depth-first walk and as a
// reference marker carrying that position's path everywhere else, which also
// makes cyclic graphs encodable.
func Encode(v any) (Wire, error) {
	e := &encoder{refs: map[identityKey]string{}}
	return e.encode(v, "")
}

type encoder struct {
	refs map[identityKey]string
}

func (e *encoder) encode(v any, path string) (Wire, error) {
	if w, ok := encodePrimitive(v); ok {
		return w, nil
	}
	if rv := reflect.ValueOf(v); rv.Kind() == reflect.Pointer && rv.IsNil() {
		return Null{}, nil
	}

	if id, ok := identityOf(v); ok {
		if p, seen := e.refs[id]; seen {
			return Tagged{Tag: TagRef, Content: Text(p)}, nil
		}
		e.refs[id] = path
	}

	switch x := v.(type) {
	case *Pattern:
		return Tagged{Tag: TagPattern, Content: Seq{Text(x.Source), Text(x.Flags)}}, nil
	case *regexp.Regexp:
		return Tagged{Tag: TagPattern, Content: Seq{Text(x.String()), Text("")}}, nil
	case *Set:
		items := make(Seq, len(x.items))
		for i, it := range x.items {
			w, err := e.encode(it, child(path, strconv.Itoa(i)))
			if err != nil {
				return nil, err
			}
			items[i] = w
		}
		return Tagged{Tag: TagSet, Content: items}, nil
	case *OrderedMap:
		entries := make(Seq, len(x.entries))
		for i, ent := range x.entries {
			entryPath := child(path, strconv.Itoa(i))
			k, err := e.encode(ent.Key, child(entryPath, "0"))
			if err != nil {
				return nil, err
			}
			val, err := e.encode(ent.Value, child(entryPath, "1"))
			if err != nil {
				return nil, err
			}
			entries[i] = Seq{k, val}
		}
		return Tagged{Tag: TagOrderedMap, Content: entries}, nil
	case *WeakMap:
		return Tagged{Tag: TagWeakMap, Content: Null{}}, nil
	case *WeakSet:
		return Tagged{Tag: TagWeakSet, Content: Null{}}, nil
	case *WeakRef:
		return Tagged{Tag: TagWeakRef, Content: Null{}}, nil
	case *Callable:
		return Tagged{Tag: TagCallable, Content: Text(x.Name)}, nil
	case *Token:
		if key, ok := x.Key(); ok {
			return Tagged{Tag: TagRegisteredToken, Content: Text(key)}, nil
		}
		return Tagged{Tag: TagToken, Content: Text(x.Description)}, nil
	case *BufferView:
		if x.Buffer == nil {
			return nil, fmt.Errorf("codec: buffer view without buffer at %q", path)
		}
		buf, err := e.encode(x.Buffer, child(path, "0"))
		if err != nil {
			return nil, err
		}
		return Tagged{Tag: TagBufferView, Content: Seq{buf, Int(x.Offset), Int(x.Length)}}, nil
	case *ArrayBuffer:
		return Tagged{Tag: TagArrayBuffer, Content: Bytes(x.Data)}, nil
	case []int8:
		return Tagged{Tag: TagInt8Array, Content: Bytes(packInts(x, 1))}, nil
	case Uint8Array:
		return Tagged{Tag: TagUint8Array, Content: Bytes(x)}, nil
	case Uint8ClampedArray:
		return Tagged{Tag: TagUint8ClampedArray, Content: Bytes(x)}, nil
	case []int16:
		return Tagged{Tag: TagInt16Array, Content: Bytes(packInts(x, 2))}, nil
	case []uint16:
		return Tagged{Tag: TagUint16Array, Content: Bytes(packInts(x, 2))}, nil
	case []int32:
		return Tagged{Tag: TagInt32Array, Content: Bytes(packInts(x, 4))}, nil
	case []uint32:
		return Tagged{Tag: TagUint32Array, Content: Bytes(packInts(x, 4))}, nil
	case []float32:
		b := make([]byte, 4*len(x))
		for i, f := range x {
			binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(f))
		}
		return Tagged{Tag: TagFloat32Array, Content: Bytes(b)}, nil
	case []float64:
		b := make([]byte, 8*len(x))
		for i, f := range x {
			binary.LittleEndian.PutUint64(b[8*i:], math.Float64bits(f))
		}
		return Tagged{Tag: TagFloat64Array, Content: Bytes(b)}, nil
	case []any:
		items := make(Seq, len(x))
		for i, it := range x {
			w, err := e.encode(it, child(path, strconv.Itoa(i)))
			if err != nil {
				return nil, err
			}
			items[i] = w
		}
		return items, nil
	case map[string]any:
		m := make(Map, len(x))
		for _, k := range sortedKeys(x) {
			w, err := e.encode(x[k], child(path, k))
			if err != nil {
				return nil, err
			}
			m[k] = w
		}
		return m, nil
	}

	return e.encodeReflect(reflect.ValueOf(v), path)
}

// encodeReflect handles funcs and the generic container shapes that have no
// dedicated case, such as []string or map[string]int.
func (e *encoder) encodeReflect(rv reflect.Value, path string) (Wire, error) {
	switch rv.Kind() {
	case reflect.Func:
		if rv.IsNil() {
			return Null{}, nil
		}
		return Tagged{Tag: TagCallable, Content: Text(funcName(rv))}, nil
	case reflect.Slice, reflect.Array:
		items := make(Seq, rv.Len())
		for i := range items {
			w, err := e.encode(rv.Index(i).Interface(), child(path, strconv.Itoa(i)))
			if err != nil {
				return nil, err
			}
			items[i] = w
		}
		return items, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			break
		}
		keys := make([]string, 0, rv.Len())
		for _, k := range rv.MapKeys() {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		m := make(Map, len(keys))
		for _, k := range keys {
			kv := reflect.ValueOf(k).Convert(rv.Type().Key())
			w, err := e.encode(rv.MapIndex(kv).Interface(), child(path, k))
			if err != nil {
				return nil, err
			}
			m[k] = w
		}
		return m, nil
	case reflect.Pointer:
		if rv.IsNil() {
			return Null{}, nil
		}
	}
	return nil, &UnsupportedTypeError{Type: rv.Type(), Path: path}
}

func encodePrimitive(v any) (Wire, bool) {
	switch x := v.(type) {
	case nil:
		return Null{}, true
	case bool:
		return Bool(x), true
	case int:
		return Int(x), true
	case int8:
		return Int(x), true
	case int16:
		return Int(x), true
	case int32:
		return Int(x), true
	case int64:
		return Int(x), true
	case uint:
		return encodeUint(uint64(x)), true
	case uint8:
		return Int(x), true
	case uint16:
		return Int(x), true
	case uint32:
		return Int(x), true
	case uint64:
		return encodeUint(x), true
	case float32:
		return Float(x), true
	case float64:
		return Float(x), true
	case string:
		return Text(x), true
	case []byte:
		return Bytes(x), true
	case time.Time:
		return Time{V: x}, true
	case *big.Int:
		if x == nil {
			return Null{}, true
		}
		return encodeBig(x), true
	case big.Int:
		return encodeBig(&x), true
	}
	return nil, false
}

// encodeBig uses the native integer form whenever the value fits in it.
func encodeBig(x *big.Int) Wire {
	if x.IsInt64() {
		return Int(x.Int64())
	}
	return BigInt{V: new(big.Int).Set(x)}
}

func encodeUint(x uint64) Wire {
	if x <= math.MaxInt64 {
		return Int(x)
	}
	return BigInt{V: new(big.Int).SetUint64(x)}
}

type fixedInt interface {
	~int8 | ~int16 | ~uint16 | ~int32 | ~uint32
}

func packInts[T fixedInt](xs []T, size int) []byte {
	b := make([]byte, size*len(xs))
	for i, x := range xs {
		switch size {
		case 1:
			b[i] = byte(x)
		case 2:
			binary.LittleEndian.PutUint16(b[2*i:], uint16(x))
		case 4:
			binary.LittleEndian.PutUint32(b[4*i:], uint32(x))
		}
	}
	return b
}

func funcName(rv reflect.Value) string {
	fn := runtime.FuncForPC(rv.Pointer())
	if fn == nil {
		return ""
	}
	name := fn.Name()
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	if i := strings.IndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}
	return name
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var pathEscaper = strings.NewReplacer("~", "~0", "/", "~1")

// child builds a JSON-pointer style path.
func child(path, key string) string {
	return path + "/" + pathEscaper.Replace(key)
}
