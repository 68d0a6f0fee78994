package codec

import "fmt"

// Tag identifies a non-primitive wire kind.
// Tag numbers are an append-only contract between encoder and decoder: never
// reorder or reuse an entry below, only add new ones at the end.
type Tag uint64

// TagBase is the first number of the private band. It sits well above the
// tags the binary format reserves for itself (0-3 for timestamps and bignums).
const TagBase Tag = 0xff00

const (
	TagToken Tag = TagBase + iota
	TagRegisteredToken
	TagCallable
	TagPattern
	TagSet
	TagOrderedMap
	TagRef
	TagInt8Array
	TagUint8Array
	TagUint8ClampedArray
	TagInt16Array
	TagUint16Array
	TagInt32Array
	TagUint32Array
	TagFloat32Array
	TagFloat64Array
	TagArrayBuffer
	TagBufferView
	TagWeakMap
	TagWeakSet
	TagWeakRef

	tagEnd
)

const tagCount = int(tagEnd - TagBase)

var tagNames = [...]string{
	"unique-token",
	"registered-token",
	"callable",
	"pattern",
	"set",
	"ordered-map",
	"ref",
	"int8-array",
	"uint8-array",
	"uint8-clamped-array",
	"int16-array",
	"uint16-array",
	"int32-array",
	"uint32-array",
	"float32-array",
	"float64-array",
	"array-buffer",
	"buffer-view",
	"weak-map",
	"weak-set",
	"weak-ref",
}

// Adding a tag without a name fails to compile here. The decoder table in
// decode.go carries the same check.
var _ [tagCount]struct{} = [len(tagNames)]struct{}{}

// Known reports whether t is in the registry.
func (t Tag) Known() bool {
	return t >= TagBase && t < tagEnd
}

func (t Tag) String() string {
	if !t.Known() {
		return fmt.Sprintf("tag(%d)", uint64(t))
	}
	return tagNames[t-TagBase]
}
