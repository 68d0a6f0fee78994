package protocol

import (
	"errors"
	"reflect"
	"runtime/debug"
)

// StructuredError is an error in a form that can cross the process boundary.
type StructuredError struct {
	Name    string
	Message string
	Stack   string
	// Extra holds arbitrary properties attached by the failing code, e.g. an exit code.
	Extra map[string]any
	Cause *StructuredError
}

func (e *StructuredError) Error() string {
	if e.Name == "" {
		return e.Message
	}
	return e.Name + ": " + e.Message
}

func (e *StructuredError) Unwrap() error {
	if e.Cause == nil {
		return nil
	}
	return e.Cause
}

// ExtraProvider is implemented by errors that carry properties for StructuredError.Extra.
type ExtraProvider interface {
	ErrorExtra() map[string]any
}

// FromError converts err and its wrapped chain. The stack is captured at the call site.
func FromError(err error) *StructuredError {
	if err == nil {
		return nil
	}
	s := fromError(err)
	if s.Stack == "" {
		s.Stack = string(debug.Stack())
	}
	return s
}

func fromError(err error) *StructuredError {
	if se, ok := err.(*StructuredError); ok {
		return se
	}
	s := &StructuredError{
		Name:    errorName(err),
		Message: err.Error(),
	}
	if ep, ok := err.(ExtraProvider); ok {
		s.Extra = ep.ErrorExtra()
	}
	if cause := errors.Unwrap(err); cause != nil {
		s.Cause = fromError(cause)
	}
	return s
}

func errorName(err error) string {
	t := reflect.TypeOf(err)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch t.PkgPath() {
	case "errors", "fmt", "":
		return "Error"
	}
	return t.String()
}

// RemoteError is returned by the supervisor when the worker sends an error event.
type RemoteError struct {
	Err *StructuredError
}

func (e *RemoteError) Error() string {
	return "worker failed: " + e.Err.Error()
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

func (e *StructuredError) toValue() map[string]any {
	m := map[string]any{
		"name":    e.Name,
		"message": e.Message,
		"stack":   e.Stack,
	}
	if e.Extra != nil {
		m["extra"] = e.Extra
	}
	if e.Cause != nil {
		m["cause"] = e.Cause.toValue()
	}
	return m
}

func structuredErrorFrom(f *fields) *StructuredError {
	if f == nil {
		return nil
	}
	e := &StructuredError{
		Name:    f.str("name"),
		Message: f.str("message"),
		Stack:   f.str("stack"),
		Extra:   f.optMap("extra"),
	}
	if c := f.obj("cause"); c != nil {
		e.Cause = structuredErrorFrom(c)
	}
	return e
}
