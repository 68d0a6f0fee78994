package codec

import (
	"math/big"
	"time"
)

// Wire is the codec's tagged representation of a host value.
// The set of implementations is closed; see the wire() marker.
type Wire interface {
	wire()
}

type (
	Null  struct{}
	Bool  bool
	Int   int64
	Float float64
	Text  string
	Bytes []byte
	Seq   []Wire
	Map   map[string]Wire
)

// BigInt is an arbitrary-precision integer that does not fit in an Int.
type BigInt struct{ V *big.Int }

// Time is a timestamp primitive.
type Time struct{ V time.Time }

// Tagged is an application tag wrapping its content.
type Tagged struct {
	Tag     Tag
	Content Wire
}

func (Null) wire()   {}
func (Bool) wire()   {}
func (Int) wire()    {}
func (BigInt) wire() {}
func (Float) wire()  {}
func (Text) wire()   {}
func (Bytes) wire()  {}
func (Time) wire()   {}
func (Tagged) wire() {}
func (Seq) wire()    {}
func (Map) wire()    {}
