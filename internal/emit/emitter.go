// Package emit turns audio frames into Wyoming events and hands them to the
// connection's outbound writer.
package emit

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/micbridge/pkg/audio"
	"github.com/MrWong99/micbridge/pkg/wyoming"
)

var (
	// ErrNotStarted is returned by [Emitter.Chunk] before [Emitter.Start].
	ErrNotStarted = errors.New("emit: chunk before audio-start")

	// ErrAlreadyStarted is returned by a second call to [Emitter.Start].
	ErrAlreadyStarted = errors.New("emit: audio-start already sent")

	// ErrFrameSize is returned by [Emitter.Chunk] for a payload whose length
	// is not exactly one frame.
	ErrFrameSize = errors.New("emit: payload is not one frame")
)

// EventWriter accepts serialised events for delivery to the client.
type EventWriter interface {
	WriteEvent(e wyoming.Event) error
}

// Clock returns a monotonic timestamp in nanoseconds.
type Clock func() int64

// processStart anchors [MonotonicClock]. time.Since reads the monotonic
// reading embedded in it, so wall-clock adjustments do not affect results.
var processStart = time.Now()

// MonotonicClock returns the nanoseconds elapsed since the process started,
// measured on the monotonic clock.
func MonotonicClock() int64 {
	return int64(time.Since(processStart))
}

// Emitter writes one audio-start event followed by any number of audio-chunk
// events for a single session. It is not safe for concurrent use; each
// session owns exactly one Emitter.
type Emitter struct {
	w       EventWriter
	format  audio.Format
	now     Clock
	started bool
	chunks  uint64
}

// New returns an Emitter writing events for format to w. A nil clock selects
// [MonotonicClock].
func New(w EventWriter, format audio.Format, clock Clock) *Emitter {
	if clock == nil {
		clock = MonotonicClock
	}
	return &Emitter{w: w, format: format, now: clock}
}

// Start writes the audio-start event. The timestamp is taken immediately
// before the write.
func (e *Emitter) Start() error {
	if e.started {
		return ErrAlreadyStarted
	}
	ev := wyoming.AudioStart{
		Rate:      e.format.SampleRate,
		Width:     e.format.SampleWidth,
		Channels:  e.format.Channels,
		Timestamp: e.now(),
	}.Event()
	if err := e.w.WriteEvent(ev); err != nil {
		return fmt.Errorf("emit: audio-start: %w", err)
	}
	e.started = true
	return nil
}

// Chunk writes one audio-chunk event carrying payload, which must be exactly
// one frame long. The timestamp is taken immediately before the write.
func (e *Emitter) Chunk(payload []byte) error {
	if !e.started {
		return ErrNotStarted
	}
	if len(payload) != e.format.FrameSize() {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrFrameSize, len(payload), e.format.FrameSize())
	}
	ev := wyoming.AudioChunk{
		Rate:      e.format.SampleRate,
		Width:     e.format.SampleWidth,
		Channels:  e.format.Channels,
		Audio:     payload,
		Timestamp: e.now(),
	}.Event()
	if err := e.w.WriteEvent(ev); err != nil {
		return fmt.Errorf("emit: audio-chunk %d: %w", e.chunks, err)
	}
	e.chunks++
	return nil
}

// Chunks returns the number of chunk events written.
func (e *Emitter) Chunks() uint64 { return e.chunks }
