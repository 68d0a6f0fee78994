package protocol

import (
	"fmt"
	"time"
)

// fields reads typed values out of a decoded keyed map. The first failure is
// kept and shared with every nested reader, so callers check Err once at the end.
// Missing and null fields read as the zero value.
type fields struct {
	m    map[string]any
	path string
	err  *error
}

func newFields(t Type, m map[string]any) *fields {
	var err error
	return &fields{m: m, path: string(t), err: &err}
}

func (f *fields) Err() error { return *f.err }

func (f *fields) fail(key, format string, args ...any) {
	if *f.err == nil {
		*f.err = fmt.Errorf("%w: %s.%s: %s", ErrProtocolViolation, f.path, key, fmt.Sprintf(format, args...))
	}
}

func (f *fields) get(key string) (any, bool) {
	v, ok := f.m[key]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

func (f *fields) require(keys ...string) {
	for _, k := range keys {
		if _, ok := f.get(k); !ok {
			f.fail(k, "required field missing")
		}
	}
}

func (f *fields) str(key string) string {
	v, ok := f.get(key)
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		f.fail(key, "want string, got %T", v)
	}
	return s
}

func (f *fields) bool(key string) bool {
	v, ok := f.get(key)
	if !ok {
		return false
	}
	b, ok := v.(bool)
	if !ok {
		f.fail(key, "want bool, got %T", v)
	}
	return b
}

func (f *fields) int(key string) int64 {
	v, ok := f.get(key)
	if !ok {
		return 0
	}
	n, ok := v.(int64)
	if !ok {
		f.fail(key, "want integer, got %T", v)
	}
	return n
}

// count reads a non-negative integer.
func (f *fields) count(key string) int {
	n := f.int(key)
	if n < 0 {
		f.fail(key, "must not be negative, got %d", n)
		return 0
	}
	return int(n)
}

func (f *fields) time(key string) time.Time {
	v, ok := f.get(key)
	if !ok {
		return time.Time{}
	}
	t, ok := v.(time.Time)
	if !ok {
		f.fail(key, "want timestamp, got %T", v)
	}
	return t
}

func (f *fields) list(key string) []any {
	v, ok := f.get(key)
	if !ok {
		return nil
	}
	l, ok := v.([]any)
	if !ok {
		f.fail(key, "want sequence, got %T", v)
	}
	return l
}

func (f *fields) strs(key string) []string {
	l := f.list(key)
	if l == nil {
		return nil
	}
	out := make([]string, len(l))
	for i, it := range l {
		s, ok := it.(string)
		if !ok {
			f.fail(fmt.Sprintf("%s[%d]", key, i), "want string, got %T", it)
			return nil
		}
		out[i] = s
	}
	return out
}

func (f *fields) optMap(key string) map[string]any {
	v, ok := f.get(key)
	if !ok {
		return nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		f.fail(key, "want keyed map, got %T", v)
	}
	return m
}

// obj returns a reader for a nested keyed map, or nil if the field is absent.
func (f *fields) obj(key string) *fields {
	m := f.optMap(key)
	if m == nil {
		return nil
	}
	return &fields{m: m, path: f.path + "." + key, err: f.err}
}

func (f *fields) objs(key string) []*fields {
	l := f.list(key)
	if l == nil {
		return nil
	}
	out := make([]*fields, 0, len(l))
	for i, it := range l {
		m, ok := it.(map[string]any)
		if !ok {
			f.fail(fmt.Sprintf("%s[%d]", key, i), "want keyed map, got %T", it)
			return nil
		}
		out = append(out, &fields{m: m, path: fmt.Sprintf("%s.%s[%d]", f.path, key, i), err: f.err})
	}
	return out
}
