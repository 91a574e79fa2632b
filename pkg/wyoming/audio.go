package wyoming

import (
	"encoding/json"
	"fmt"
)

// Audio event types.
const (
	TypeAudioStart = "audio-start"
	TypeAudioChunk = "audio-chunk"
	TypeAudioStop  = "audio-stop"
)

// AudioStart announces the format of the audio chunks that follow.
type AudioStart struct {
	Rate      int
	Width     int
	Channels  int
	Timestamp int64
}

// Event converts s to its protocol form.
func (s AudioStart) Event() Event {
	return Event{
		Type: TypeAudioStart,
		Data: map[string]any{
			"rate":      s.Rate,
			"width":     s.Width,
			"channels":  s.Channels,
			"timestamp": s.Timestamp,
		},
	}
}

// AudioChunk carries one block of raw PCM audio.
type AudioChunk struct {
	Rate      int
	Width     int
	Channels  int
	Audio     []byte
	Timestamp int64
}

// Event converts c to its protocol form. The audio bytes become the payload
// without being copied.
func (c AudioChunk) Event() Event {
	return Event{
		Type: TypeAudioChunk,
		Data: map[string]any{
			"rate":      c.Rate,
			"width":     c.Width,
			"channels":  c.Channels,
			"timestamp": c.Timestamp,
		},
		Payload: c.Audio,
	}
}

// AudioStop marks the end of an audio stream.
type AudioStop struct {
	Timestamp int64
}

// Event converts s to its protocol form.
func (s AudioStop) Event() Event {
	return Event{
		Type: TypeAudioStop,
		Data: map[string]any{"timestamp": s.Timestamp},
	}
}

// AudioStartFromEvent decodes an audio-start event.
func AudioStartFromEvent(e Event) (AudioStart, error) {
	if e.Type != TypeAudioStart {
		return AudioStart{}, fmt.Errorf("wyoming: expected %s, got %s", TypeAudioStart, e.Type)
	}
	var s AudioStart
	var err error
	if s.Rate, err = intField(e.Data, "rate"); err != nil {
		return AudioStart{}, err
	}
	if s.Width, err = intField(e.Data, "width"); err != nil {
		return AudioStart{}, err
	}
	if s.Channels, err = intField(e.Data, "channels"); err != nil {
		return AudioStart{}, err
	}
	s.Timestamp, _ = int64Field(e.Data, "timestamp")
	return s, nil
}

// AudioChunkFromEvent decodes an audio-chunk event.
func AudioChunkFromEvent(e Event) (AudioChunk, error) {
	if e.Type != TypeAudioChunk {
		return AudioChunk{}, fmt.Errorf("wyoming: expected %s, got %s", TypeAudioChunk, e.Type)
	}
	var c AudioChunk
	var err error
	if c.Rate, err = intField(e.Data, "rate"); err != nil {
		return AudioChunk{}, err
	}
	if c.Width, err = intField(e.Data, "width"); err != nil {
		return AudioChunk{}, err
	}
	if c.Channels, err = intField(e.Data, "channels"); err != nil {
		return AudioChunk{}, err
	}
	c.Timestamp, _ = int64Field(e.Data, "timestamp")
	c.Audio = e.Payload
	return c, nil
}

// intField extracts a required integer. Decoded events carry json.Number;
// events constructed in Go carry int or int64.
func intField(data map[string]any, key string) (int, error) {
	v, err := int64Field(data, key)
	if err != nil {
		return 0, err
	}
	return int(v), nil
}

func int64Field(data map[string]any, key string) (int64, error) {
	raw, ok := data[key]
	if !ok {
		return 0, fmt.Errorf("wyoming: missing field %q", key)
	}
	switch v := raw.(type) {
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, fmt.Errorf("wyoming: field %q: %w", key, err)
		}
		return n, nil
	case float64:
		return int64(v), nil
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	default:
		return 0, fmt.Errorf("wyoming: field %q has type %T, want number", key, raw)
	}
}
