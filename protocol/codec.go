package protocol

import (
	"bytes"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// Codec encodes messages into websocket frames.
type Codec interface {
	Name() string
	// Binary reports whether frames are sent as binary rather than text.
	Binary() bool
	Marshal(msg *Message) ([]byte, error)
	Unmarshal(data []byte, msg *Message) error
}

// CodecByName returns the codec for name. An empty name selects JSON.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSON, nil
	case "msgpack":
		return MsgPack, nil
	}
	return nil, errors.Newf("unknown codec %q", name)
}

var (
	JSON    Codec = jsonCodec{}
	MsgPack Codec = msgpackCodec{}
)

type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }
func (jsonCodec) Binary() bool { return false }

func (jsonCodec) Marshal(msg *Message) ([]byte, error) {
	return json.Marshal(msg)
}

func (jsonCodec) Unmarshal(data []byte, msg *Message) error {
	if err := json.Unmarshal(data, msg); err != nil {
		return errors.Mark(errors.Wrap(err, "malformed message"), ErrProtocol)
	}
	return nil
}

type msgpackCodec struct{}

func (msgpackCodec) Name() string { return "msgpack" }
func (msgpackCodec) Binary() bool { return true }

func (msgpackCodec) Marshal(msg *Message) ([]byte, error) {
	var v any = msg
	if len(msg.Payload) > 0 {
		// payloads are raw JSON and must go out as msgpack values, not as bytes
		buf, err := json.Marshal(msg)
		if err != nil {
			return nil, err
		}
		var generic map[string]any
		if err := json.Unmarshal(buf, &generic); err != nil {
			return nil, err
		}
		v = generic
	}
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	enc.UseCompactInts(true)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal goes through a generic map so payloads land in the same json.RawMessage
// form the JSON codec produces.
func (msgpackCodec) Unmarshal(data []byte, msg *Message) error {
	var raw map[string]any
	if err := msgpack.Unmarshal(data, &raw); err != nil {
		return errors.Mark(errors.Wrap(err, "malformed message"), ErrProtocol)
	}
	buf, err := json.Marshal(raw)
	if err != nil {
		return errors.Mark(errors.Wrap(err, "malformed message"), ErrProtocol)
	}
	return JSON.Unmarshal(buf, msg)
}
