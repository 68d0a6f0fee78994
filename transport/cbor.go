package transport

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"time"
	"unicode/utf8"

	"github.com/fxamacker/cbor/v2"
	"github.com/guseggert/scenariorunner/codec"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("transport: failed to create CBOR enc mode: %v", err))
	}
	encMode = em

	dm, err := cbor.DecOptions{
		MaxNestedLevels: 512,
		DefaultMapType:  reflect.TypeOf(map[string]interface{}(nil)),
		DupMapKey:       cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("transport: failed to create CBOR dec mode: %v", err))
	}
	decMode = dm
}

// Marshal encodes a single wire value to CBOR bytes.
func Marshal(w codec.Wire) ([]byte, error) {
	v, err := toCBOR(w)
	if err != nil {
		return nil, err
	}
	return encMode.Marshal(v)
}

// Unmarshal decodes exactly one CBOR item into a wire value.
func Unmarshal(data []byte) (codec.Wire, error) {
	var v interface{}
	if err := decMode.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("transport: unmarshal: %w", err)
	}
	return fromCBOR(v)
}

// ErrInvalidUTF8 is returned for text that the peer's decoder would reject.
var ErrInvalidUTF8 = errors.New("transport: text is not valid UTF-8")

// Check reports whether w can be encoded, without encoding it.
func Check(w codec.Wire) error {
	_, err := toCBOR(w)
	return err
}

// timeTag is the CBOR tag for an RFC 3339 date/time string.
const timeTag = 0

func toCBOR(w codec.Wire) (interface{}, error) {
	switch x := w.(type) {
	case nil, codec.Null:
		return nil, nil
	case codec.Bool:
		return bool(x), nil
	case codec.Int:
		return int64(x), nil
	case codec.BigInt:
		if x.V == nil {
			return nil, fmt.Errorf("transport: nil bigint")
		}
		return x.V, nil
	case codec.Float:
		return float64(x), nil
	case codec.Text:
		if !utf8.ValidString(string(x)) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidUTF8, clip(string(x)))
		}
		return string(x), nil
	case codec.Bytes:
		if x == nil {
			return []byte{}, nil
		}
		return []byte(x), nil
	case codec.Time:
		// Encoded by hand so the zero time survives; the library writes it as null.
		return cbor.Tag{Number: timeTag, Content: x.V.Format(time.RFC3339Nano)}, nil
	case codec.Tagged:
		if !x.Tag.Known() {
			return nil, fmt.Errorf("transport: %w %d", codec.ErrUnknownTag, uint64(x.Tag))
		}
		c, err := toCBOR(x.Content)
		if err != nil {
			return nil, err
		}
		return cbor.Tag{Number: uint64(x.Tag), Content: c}, nil
	case codec.Seq:
		items := make([]interface{}, len(x))
		for i, it := range x {
			c, err := toCBOR(it)
			if err != nil {
				return nil, err
			}
			items[i] = c
		}
		return items, nil
	case codec.Map:
		m := make(map[string]interface{}, len(x))
		for k, it := range x {
			if !utf8.ValidString(k) {
				return nil, fmt.Errorf("%w: map key %q", ErrInvalidUTF8, clip(k))
			}
			c, err := toCBOR(it)
			if err != nil {
				return nil, err
			}
			m[k] = c
		}
		return m, nil
	}
	return nil, fmt.Errorf("transport: unknown wire kind %T", w)
}

func clip(s string) string {
	if len(s) > 32 {
		return s[:32] + "..."
	}
	return s
}

func fromCBOR(v interface{}) (codec.Wire, error) {
	switch x := v.(type) {
	case nil:
		return codec.Null{}, nil
	case bool:
		return codec.Bool(x), nil
	case uint64:
		if x <= math.MaxInt64 {
			return codec.Int(x), nil
		}
		return codec.BigInt{V: new(big.Int).SetUint64(x)}, nil
	case int64:
		return codec.Int(x), nil
	case big.Int:
		if x.IsInt64() {
			return codec.Int(x.Int64()), nil
		}
		return codec.BigInt{V: &x}, nil
	case float64:
		return codec.Float(x), nil
	case string:
		return codec.Text(x), nil
	case []byte:
		return codec.Bytes(x), nil
	case time.Time:
		return codec.Time{V: x}, nil
	case cbor.Tag:
		tag := codec.Tag(x.Number)
		if !tag.Known() {
			return nil, fmt.Errorf("transport: %w %d", codec.ErrUnknownTag, x.Number)
		}
		c, err := fromCBOR(x.Content)
		if err != nil {
			return nil, err
		}
		return codec.Tagged{Tag: tag, Content: c}, nil
	case []interface{}:
		s := make(codec.Seq, len(x))
		for i, it := range x {
			w, err := fromCBOR(it)
			if err != nil {
				return nil, err
			}
			s[i] = w
		}
		return s, nil
	case map[string]interface{}:
		m := make(codec.Map, len(x))
		for k, it := range x {
			w, err := fromCBOR(it)
			if err != nil {
				return nil, err
			}
			m[k] = w
		}
		return m, nil
	}
	return nil, fmt.Errorf("transport: unsupported CBOR item %T", v)
}
