package protocol

import (
	"errors"
	"fmt"
)

// Version is sent in the ready event. It changes whenever a message shape changes incompatibly.
const Version = 1

// ErrProtocolViolation is wrapped by every error caused by a malformed or unexpected message.
var ErrProtocolViolation = errors.New("protocol violation")

// Type is a message discriminator.
type Type string

const (
	TypeRunScenarios Type = "run-scenarios"
	TypeAbort        Type = "abort"

	TypeReady            Type = "ready"
	TypeRunStarted       Type = "run-started"
	TypeScenarioStarted  Type = "scenario-started"
	TypeStepStarted      Type = "step-started"
	TypeStepFinished     Type = "step-finished"
	TypeScenarioFinished Type = "scenario-finished"
	TypeRunFinished      Type = "run-finished"
	TypeResult           Type = "result"
	TypeError            Type = "error"
)

const discriminator = "type"

var commandTypes = map[Type]bool{
	TypeRunScenarios: true,
	TypeAbort:        true,
}

var eventTypes = map[Type]bool{
	TypeReady:            true,
	TypeRunStarted:       true,
	TypeScenarioStarted:  true,
	TypeStepStarted:      true,
	TypeStepFinished:     true,
	TypeScenarioFinished: true,
	TypeRunFinished:      true,
	TypeResult:           true,
	TypeError:            true,
}

func (t Type) IsCommand() bool { return commandTypes[t] }
func (t Type) IsEvent() bool   { return eventTypes[t] }
func (t Type) Known() bool     { return t.IsCommand() || t.IsEvent() }

// Terminal reports whether t ends the event stream.
func (t Type) Terminal() bool { return t == TypeResult || t == TypeError }

// Validate checks that v is a message: a non-nil keyed map whose "type" is a known discriminator.
// It does not look at any other field.
func Validate(v any) (Type, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return "", fmt.Errorf("%w: message is %T, not a keyed map", ErrProtocolViolation, v)
	}
	if m == nil {
		return "", fmt.Errorf("%w: message is nil", ErrProtocolViolation)
	}
	raw, ok := m[discriminator]
	if !ok {
		return "", fmt.Errorf("%w: message has no %q field", ErrProtocolViolation, discriminator)
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("%w: %q field is %T, not a string", ErrProtocolViolation, discriminator, raw)
	}
	t := Type(s)
	if !t.Known() {
		return "", fmt.Errorf("%w: unknown message type %q", ErrProtocolViolation, s)
	}
	return t, nil
}

// ValidateCommand is Validate restricted to messages a worker accepts.
func ValidateCommand(v any) (Type, error) {
	t, err := Validate(v)
	if err != nil {
		return "", err
	}
	if !t.IsCommand() {
		return "", fmt.Errorf("%w: %q is not a command", ErrProtocolViolation, t)
	}
	return t, nil
}

// ValidateEvent is Validate restricted to messages a supervisor accepts.
func ValidateEvent(v any) (Type, error) {
	t, err := Validate(v)
	if err != nil {
		return "", err
	}
	if !t.IsEvent() {
		return "", fmt.Errorf("%w: %q is not an event", ErrProtocolViolation, t)
	}
	return t, nil
}
