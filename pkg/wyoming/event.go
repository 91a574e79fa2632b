// Package wyoming implements the Wyoming peer-to-peer event protocol used by
// voice assistant satellites and services.
//
// An event on the wire is a single JSON header line followed by two optional
// binary sections:
//
//	{"type":"audio-chunk","version":"1.5.2","data_length":45,"payload_length":2048}\n
//	<data_length bytes of JSON object>
//	<payload_length bytes of raw payload>
//
// Older peers may send the data object inline in the header under the "data"
// key; [Reader] accepts both forms. [WriteEvent] always emits the
// length-prefixed form.
package wyoming

import (
	"errors"
)

// Version is the protocol version stamped into every outgoing header.
const Version = "1.5.2"

// ErrMalformed is returned by [Reader.ReadEvent] when the stream does not
// contain a well-formed event.
var ErrMalformed = errors.New("wyoming: malformed event")

// Event is a single protocol message. Data holds the JSON object carried with
// the event; Payload holds the optional binary section (e.g., PCM audio).
type Event struct {
	Type    string
	Data    map[string]any
	Payload []byte
}

// header is the JSON object on the first line of every event.
type header struct {
	Type          string         `json:"type"`
	Version       string         `json:"version,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
	DataLength    int            `json:"data_length,omitempty"`
	PayloadLength int            `json:"payload_length,omitempty"`
}
