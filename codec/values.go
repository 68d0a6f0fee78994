package codec

import (
	"math/big"
	"reflect"
	"regexp"
	"strings"
	"sync"
)

// Set is an insertion-ordered set. Comparable members are matched by value,
// maps and slices by identity.
type Set struct {
	items []any
	index map[any]int
}

func NewSet(items ...any) *Set {
	s := &Set{index: map[any]int{}}
	for _, it := range items {
		s.Add(it)
	}
	return s
}

func (s *Set) Add(v any) {
	if s.index == nil {
		s.index = map[any]int{}
	}
	k := memberKey(v)
	if _, ok := s.index[k]; ok {
		return
	}
	s.index[k] = len(s.items)
	s.items = append(s.items, v)
}

func (s *Set) Has(v any) bool {
	_, ok := s.index[memberKey(v)]
	return ok
}

func (s *Set) Len() int { return len(s.items) }

// Values returns the members in insertion order.
func (s *Set) Values() []any {
	out := make([]any, len(s.items))
	copy(out, s.items)
	return out
}

// Entry is one key/value pair of an OrderedMap.
type Entry struct {
	Key   any
	Value any
}

// OrderedMap is a map with arbitrary keys that remembers insertion order.
type OrderedMap struct {
	entries []Entry
	index   map[any]int
}

func NewOrderedMap() *OrderedMap {
	return &OrderedMap{index: map[any]int{}}
}

func (m *OrderedMap) Set(k, v any) {
	if m.index == nil {
		m.index = map[any]int{}
	}
	mk := memberKey(k)
	if i, ok := m.index[mk]; ok {
		m.entries[i].Value = v
		return
	}
	m.index[mk] = len(m.entries)
	m.entries = append(m.entries, Entry{Key: k, Value: v})
}

func (m *OrderedMap) Get(k any) (any, bool) {
	i, ok := m.index[memberKey(k)]
	if !ok {
		return nil, false
	}
	return m.entries[i].Value, true
}

func (m *OrderedMap) Len() int { return len(m.entries) }

// Entries returns the pairs in insertion order.
func (m *OrderedMap) Entries() []Entry {
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// Pattern is a regular expression carried by source and flags.
type Pattern struct {
	Source string
	Flags  string
}

func NewPattern(re *regexp.Regexp) *Pattern {
	return &Pattern{Source: re.String()}
}

// Regexp compiles the pattern. The i, m and s flags map to Go's inline flags;
// other flags have no Go equivalent and are ignored.
func (p *Pattern) Regexp() (*regexp.Regexp, error) {
	var inline strings.Builder
	for _, f := range p.Flags {
		switch f {
		case 'i', 'm', 's':
			inline.WriteRune(f)
		}
	}
	src := p.Source
	if inline.Len() > 0 {
		src = "(?" + inline.String() + ")" + src
	}
	return regexp.Compile(src)
}

// Token is a unique value identified only by its own address. Tokens created
// with TokenFor are also registered process-wide under a key.
type Token struct {
	Description string

	key        string
	registered bool
}

func NewToken(description string) *Token {
	return &Token{Description: description}
}

var tokenRegistry = struct {
	sync.Mutex
	m map[string]*Token
}{m: map[string]*Token{}}

// TokenFor returns the registered token for key, creating it on first use.
func TokenFor(key string) *Token {
	tokenRegistry.Lock()
	defer tokenRegistry.Unlock()
	if t, ok := tokenRegistry.m[key]; ok {
		return t
	}
	t := &Token{Description: key, key: key, registered: true}
	tokenRegistry.m[key] = t
	return t
}

// Key returns the registry key, if the token is registered.
func (t *Token) Key() (string, bool) {
	return t.key, t.registered
}

func (t *Token) String() string {
	return "Token(" + t.Description + ")"
}

// Callable is a named function. Only the name crosses a process boundary; a
// decoded Callable has no body and Call returns nil.
type Callable struct {
	Name string
	Fn   func(args ...any) any
}

func (c *Callable) Call(args ...any) any {
	if c.Fn == nil {
		return nil
	}
	return c.Fn(args...)
}

// ArrayBuffer is a raw byte buffer with identity, shared by BufferViews.
type ArrayBuffer struct {
	Data []byte
}

// BufferView is a window onto an ArrayBuffer.
type BufferView struct {
	Buffer *ArrayBuffer
	Offset int
	Length int
}

func (v *BufferView) Bytes() []byte {
	return v.Buffer.Data[v.Offset : v.Offset+v.Length]
}

// Uint8Array and Uint8ClampedArray are distinct from []byte, which encodes as
// the raw-bytes primitive.
type (
	Uint8Array        []byte
	Uint8ClampedArray []byte
)

// WeakMap holds entries whose contents never survive encoding; a decoded
// WeakMap is always empty.
type WeakMap struct {
	entries map[any]any
}

func NewWeakMap() *WeakMap { return &WeakMap{entries: map[any]any{}} }

func (m *WeakMap) Set(k, v any) {
	if m.entries == nil {
		m.entries = map[any]any{}
	}
	m.entries[k] = v
}

func (m *WeakMap) Get(k any) (any, bool) {
	v, ok := m.entries[k]
	return v, ok
}

func (m *WeakMap) Len() int { return len(m.entries) }

// WeakSet is the set counterpart of WeakMap.
type WeakSet struct {
	members map[any]struct{}
}

func NewWeakSet() *WeakSet { return &WeakSet{members: map[any]struct{}{}} }

func (s *WeakSet) Add(v any) {
	if s.members == nil {
		s.members = map[any]struct{}{}
	}
	s.members[v] = struct{}{}
}

func (s *WeakSet) Has(v any) bool {
	_, ok := s.members[v]
	return ok
}

func (s *WeakSet) Len() int { return len(s.members) }

// WeakRef points at a target that is dropped on encoding; a decoded WeakRef
// dereferences to nil.
type WeakRef struct {
	target any
}

func NewWeakRef(target any) *WeakRef { return &WeakRef{target: target} }

func (r *WeakRef) Deref() any { return r.target }

type identityKey struct {
	typ reflect.Type
	ptr uintptr
	len int
}

// uniqueKey is handed out to members that have neither a value nor an
// identity to match on, such as empty slices and nil maps. Each one is
// distinct, so such members are never merged and never found by lookup.
type uniqueKey struct{ _ byte }

// bigKey is the key of an integer outside the int64 range.
type bigKey string

// memberKey maps v to a key usable in a Go map: the value itself when it is
// comparable, its identity for maps and slices. Integers and floats are keyed
// by the value they have on the wire, so 1 and int64(1) are the same member.
func memberKey(v any) any {
	if v == nil {
		return nil
	}
	if k, ok := numberKey(v); ok {
		return k
	}
	if k, ok := identityOf(v); ok {
		return k
	}
	if !reflect.TypeOf(v).Comparable() {
		return &uniqueKey{}
	}
	return v
}

func numberKey(v any) (any, bool) {
	switch x := v.(type) {
	case float32:
		return float64(x), true
	case *big.Int:
		if x == nil {
			return nil, false
		}
		return bigNumberKey(x), true
	case big.Int:
		return bigNumberKey(&x), true
	}
	switch w, _ := encodePrimitive(v); x := w.(type) {
	case Int:
		return int64(x), true
	case BigInt:
		return bigNumberKey(x.V), true
	}
	return nil, false
}

func bigNumberKey(x *big.Int) any {
	if x.IsInt64() {
		return x.Int64()
	}
	return bigKey(x.String())
}

// identityOf returns the runtime identity of reference-like values. Values
// without identity (scalars, nil or empty containers) return false.
func identityOf(v any) (identityKey, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Pointer, reflect.Func:
		if rv.IsNil() {
			return identityKey{}, false
		}
		return identityKey{typ: rv.Type(), ptr: rv.Pointer()}, true
	case reflect.Slice:
		if rv.Len() == 0 {
			return identityKey{}, false
		}
		return identityKey{typ: rv.Type(), ptr: rv.Pointer(), len: rv.Len()}, true
	}
	return identityKey{}, false
}
