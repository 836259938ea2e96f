// Package protocol defines the messages exchanged with GUI clients over the control channel.
package protocol

import (
	"encoding/json"
	"math"

	"github.com/cockroachdb/errors"
	"github.com/nengo/nengo-gui/model"
)

type Type string

const (
	TypeHello   Type = "hello"
	TypeAuth    Type = "auth"
	TypeCommand Type = "command"
	TypeState   Type = "state"
	TypeError   Type = "error"
	TypeBye     Type = "bye"
)

// Kind names a command or an error category depending on the message type.
type Kind string

// command kinds
const (
	KindRun       Kind = "run"
	KindPause     Kind = "pause"
	KindStep      Kind = "step"
	KindReset     Kind = "reset"
	KindSetParam  Kind = "setParam"
	KindReload    Kind = "reload"
	KindSubscribe Kind = "subscribe"
	KindQuery     Kind = "query"
)

// error kinds
const (
	ErrKindAuth      Kind = "auth"
	ErrKindProtocol  Kind = "protocol"
	ErrKindExecution Kind = "execution"
	ErrKindFatal     Kind = "fatal"
	ErrKindHalted    Kind = "halted"
	ErrKindModelLoad Kind = "model_load"
	ErrKindShutdown  Kind = "shutdown"
)

// ErrProtocol marks malformed or out of place client messages.
var ErrProtocol = errors.New("protocol error")

// Mutating reports whether the command changes simulation state and therefore runs
// on the context's execution lane.
func (k Kind) Mutating() bool {
	switch k {
	case KindRun, KindPause, KindStep, KindReset, KindSetParam, KindReload:
		return true
	}
	return false
}

func (k Kind) Valid() bool {
	return k.Mutating() || k == KindSubscribe || k == KindQuery
}

// Message is the single envelope used in both directions. Unused fields are omitted.
type Message struct {
	Type         Type            `json:"type"`
	ID           string          `json:"id,omitempty"`
	Password     string          `json:"password,omitempty"`
	OK           *bool           `json:"ok,omitempty"`
	Kind         Kind            `json:"kind,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Data         *model.State    `json:"data,omitempty"`
	Message      string          `json:"message,omitempty"`
	Session      string          `json:"session,omitempty"`
	Seq          uint64          `json:"seq,omitempty"`
	AuthRequired *bool           `json:"auth_required,omitempty"`
	Model        string          `json:"model,omitempty"`
}

// StepPayload is the payload of a step command.
type StepPayload struct {
	Steps int `json:"steps"`
}

// SetParamPayload is the payload of a setParam command.
type SetParamPayload struct {
	Name  string   `json:"name"`
	Value *float64 `json:"value"`
}

// SubscribePayload is the payload of a subscribe command.
type SubscribePayload struct {
	Subscribe *bool `json:"subscribe"`
}

// Command is a validated client command.
type Command struct {
	ID        string
	Kind      Kind
	Steps     int
	Name      string
	Value     float64
	Subscribe bool
}

func protocolError(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrProtocol)
}

// DefaultMaxSteps bounds the step count of a single step command.
const DefaultMaxSteps = 10000

// ParseCommand validates a command message and decodes its payload. Step counts above
// maxSteps are rejected; a non-positive maxSteps uses DefaultMaxSteps.
func ParseCommand(msg *Message, maxSteps int) (Command, error) {
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}
	if msg.Type != TypeCommand {
		return Command{}, protocolError("expected command message, got %q", msg.Type)
	}
	if !msg.Kind.Valid() {
		return Command{}, protocolError("unknown command kind %q", msg.Kind)
	}
	cmd := Command{ID: msg.ID, Kind: msg.Kind}
	switch msg.Kind {
	case KindStep:
		var p StepPayload
		if err := decodePayload(msg.Payload, &p); err != nil {
			return Command{}, err
		}
		cmd.Steps = p.Steps
		if cmd.Steps == 0 {
			cmd.Steps = 1
		}
		if cmd.Steps < 0 {
			return Command{}, protocolError("step count must be positive, got %d", cmd.Steps)
		}
		if cmd.Steps > maxSteps {
			return Command{}, protocolError("step count %d exceeds the limit of %d", cmd.Steps, maxSteps)
		}
	case KindSetParam:
		var p SetParamPayload
		if err := decodePayload(msg.Payload, &p); err != nil {
			return Command{}, err
		}
		if p.Name == "" {
			return Command{}, protocolError("setParam requires a name")
		}
		if p.Value == nil || math.IsNaN(*p.Value) || math.IsInf(*p.Value, 0) {
			return Command{}, protocolError("setParam requires a finite value")
		}
		cmd.Name, cmd.Value = p.Name, *p.Value
	case KindSubscribe:
		var p SubscribePayload
		if err := decodePayload(msg.Payload, &p); err != nil {
			return Command{}, err
		}
		cmd.Subscribe = p.Subscribe == nil || *p.Subscribe
	}
	return cmd, nil
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.Mark(errors.Wrap(err, "invalid payload"), ErrProtocol)
	}
	return nil
}

func boolPtr(v bool) *bool {
	return &v
}

func Hello(session string, authRequired bool, modelName string) *Message {
	return &Message{Type: TypeHello, Session: session, AuthRequired: boolPtr(authRequired), Model: modelName}
}

func AuthResult(ok bool) *Message {
	return &Message{Type: TypeAuth, OK: boolPtr(ok)}
}

// State wraps a snapshot. id is empty for broadcasts.
func State(id string, seq uint64, st model.State) *Message {
	return &Message{Type: TypeState, ID: id, Seq: seq, Data: &st}
}

func Error(id string, kind Kind, text string) *Message {
	return &Message{Type: TypeError, ID: id, Kind: kind, Message: text}
}

func Bye(reason string) *Message {
	return &Message{Type: TypeBye, Message: reason}
}
