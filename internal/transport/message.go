package transport

import "github.com/vmihailenco/msgpack/v5"

// Tag identifies the shape of an Envelope's payload. The numeric values
// are part of the wire schema (spec §6) and must never be reordered;
// append new tags at the end.
type Tag uint8

const (
	TagPing Tag = iota
	TagPong
	TagError

	// Client channel (spec §4.F).
	TagSubmitDAG
	TagProvideFile
	TagRequestFileContents
	TagCancel
	TagProgressEvent
	TagStatusSnapshot
	TagFileChunk
	TagDone

	// Worker channel (spec §4.F).
	TagRegisterWorker
	TagAssignGroup
	TagSendFile
	TagCancelGroup
	TagWantFile
	TagGroupResult
)

// SchemaVersion is exchanged as the first frame on every new connection.
// Bump it whenever a Tag's payload shape changes incompatibly.
const SchemaVersion byte = 1

// Envelope is one framed message: a tag identifying how to interpret
// Payload, and the msgpack-encoded payload itself.
type Envelope struct {
	Tag     Tag
	Payload []byte
}

// Encode builds an Envelope by msgpack-marshaling v.
func Encode(tag Tag, v any) (Envelope, error) {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Tag: tag, Payload: payload}, nil
}

// Decode unmarshals an Envelope's payload into v.
func Decode(env Envelope, v any) error {
	return msgpack.Unmarshal(env.Payload, v)
}

// ErrorPayload is the payload of a TagError envelope.
type ErrorPayload struct {
	Message string `msgpack:"message"`
}
