/*
Package transport carries codec wire values over a byte stream.

Each value is written as exactly one CBOR data item. CBOR items delimit
themselves (arrays, maps, text and byte strings all carry their own lengths), so
the stream is just the concatenation of the values exchanged, with no extra
length prefix, and a reader can hand out each value as soon as its last byte
arrives instead of waiting for the stream to end.

Encoding uses canonical CBOR, so a given wire value always produces the same
bytes.
*/
package transport

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/guseggert/scenariorunner/codec"
)

// Writer writes wire values to a long-lived stream, one item per call.
// It is safe for concurrent use; each value is written atomically.
type Writer struct {
	mu  sync.Mutex
	enc *cbor.Encoder
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{enc: encMode.NewEncoder(w)}
}

func (w *Writer) Write(v codec.Wire) error {
	c, err := toCBOR(v)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enc.Encode(c); err != nil {
		return fmt.Errorf("transport: writing item: %w", err)
	}
	return nil
}

// Reader reads wire values from a stream as they complete.
type Reader struct {
	dec *cbor.Decoder
}

func NewReader(r io.Reader) *Reader {
	return &Reader{dec: decMode.NewDecoder(r)}
}

// Read blocks until the next complete value is available. It returns io.EOF
// when the stream ends cleanly between values and io.ErrUnexpectedEOF when it
// ends inside one.
func (r *Reader) Read() (codec.Wire, error) {
	var v interface{}
	if err := r.dec.Decode(&v); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, err
		}
		return nil, fmt.Errorf("transport: reading item: %w", err)
	}
	return fromCBOR(v)
}
