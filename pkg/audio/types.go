// Package audio defines the audio format description shared by the capture,
// emit and session layers, and the [Chunker] that cuts a raw PCM byte stream
// into fixed-size frames.
//
// The package never inspects sample values: frames are opaque byte blocks
// whose size is fully determined by the [Format].
package audio

import (
	"errors"
	"fmt"
)

// DefaultSamplesPerChunk is the number of samples per channel read from the
// capture process for each chunk when none is configured.
const DefaultSamplesPerChunk = 1024

// Format describes raw PCM audio and how it is framed. A Format is a value
// type and is never modified after a session has started.
type Format struct {
	// SampleRate in Hz (e.g., 16000).
	SampleRate int

	// SampleWidth is the number of bytes per sample (e.g., 2 for s16le).
	SampleWidth int

	// Channels is the number of interleaved channels.
	Channels int

	// SamplesPerChunk is the number of samples per channel in one frame.
	SamplesPerChunk int
}

// FrameSize returns the number of bytes in one frame:
// SamplesPerChunk × SampleWidth × Channels.
func (f Format) FrameSize() int {
	return f.SamplesPerChunk * f.SampleWidth * f.Channels
}

// BytesPerSecond returns the byte rate of the stream.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.SampleWidth * f.Channels
}

// Validate reports every non-positive field. A Format that passes Validate
// always has a positive FrameSize.
func (f Format) Validate() error {
	var errs []error
	if f.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("sample rate %d must be positive", f.SampleRate))
	}
	if f.SampleWidth <= 0 {
		errs = append(errs, fmt.Errorf("sample width %d must be positive", f.SampleWidth))
	}
	if f.Channels <= 0 {
		errs = append(errs, fmt.Errorf("channel count %d must be positive", f.Channels))
	}
	if f.SamplesPerChunk <= 0 {
		errs = append(errs, fmt.Errorf("samples per chunk %d must be positive", f.SamplesPerChunk))
	}
	return errors.Join(errs...)
}

// String returns a compact description such as "16000Hz/2B/1ch×1024".
func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dB/%dch×%d", f.SampleRate, f.SampleWidth, f.Channels, f.SamplesPerChunk)
}
