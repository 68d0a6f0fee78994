package protocol

import (
	"fmt"

	"github.com/guseggert/scenariorunner/codec"
)

// EncodeMessage converts m to its wire form.
func EncodeMessage(m Message) (codec.Wire, error) {
	w, err := codec.Encode(m.toValue())
	if err != nil {
		return nil, fmt.Errorf("encoding %s message: %w", m.MessageType(), err)
	}
	return w, nil
}

// DecodeMessage decodes and validates any message.
func DecodeMessage(w codec.Wire) (Message, error) {
	return decodeWith(w, Validate)
}

// DecodeCommand decodes a message received by a worker.
func DecodeCommand(w codec.Wire) (Command, error) {
	m, err := decodeWith(w, ValidateCommand)
	if err != nil {
		return nil, err
	}
	return m.(Command), nil
}

// DecodeEvent decodes a message received by a supervisor.
func DecodeEvent(w codec.Wire) (Event, error) {
	m, err := decodeWith(w, ValidateEvent)
	if err != nil {
		return nil, err
	}
	return m.(Event), nil
}

func decodeWith(w codec.Wire, validate func(any) (Type, error)) (Message, error) {
	v, err := codec.Decode(w)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProtocolViolation, err)
	}
	t, err := validate(v)
	if err != nil {
		return nil, err
	}
	return parse(t, v.(map[string]any))
}
