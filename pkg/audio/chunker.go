package audio

import (
	"errors"
	"fmt"
	"io"
)

// ErrEndOfStream is returned by [Chunker.ReadFrame] once the source has
// closed. Any bytes that did not fill a complete frame are discarded.
var ErrEndOfStream = errors.New("audio: end of stream")

// Chunker reads exactly one frame at a time from a byte source. Short reads
// from the source are accumulated until a full frame is available, so
// irregular write sizes on the producing side never yield ragged frames.
//
// A Chunker is not safe for concurrent use.
type Chunker struct {
	r         io.Reader
	frameSize int
	frames    uint64
	discarded int
}

// NewChunker returns a Chunker reading frames of frameSize bytes from r.
// It panics if frameSize is not positive.
func NewChunker(r io.Reader, frameSize int) *Chunker {
	if frameSize <= 0 {
		panic(fmt.Sprintf("audio: invalid frame size %d", frameSize))
	}
	return &Chunker{r: r, frameSize: frameSize}
}

// FrameSize returns the number of bytes in each frame.
func (c *Chunker) FrameSize() int { return c.frameSize }

// Frames returns the number of complete frames read so far.
func (c *Chunker) Frames() uint64 { return c.frames }

// Discarded returns the number of trailing bytes dropped because the source
// closed before completing a frame.
func (c *Chunker) Discarded() int { return c.discarded }

// ReadFrame blocks until exactly FrameSize bytes have been read and returns
// them in a newly allocated slice owned by the caller. It returns
// [ErrEndOfStream] when the source reaches EOF, whether on a frame boundary
// or mid-frame. Other read errors are returned wrapped.
func (c *Chunker) ReadFrame() ([]byte, error) {
	frame := make([]byte, c.frameSize)
	n, err := io.ReadFull(c.r, frame)
	switch {
	case err == nil:
		c.frames++
		return frame, nil
	case errors.Is(err, io.EOF):
		return nil, ErrEndOfStream
	case errors.Is(err, io.ErrUnexpectedEOF):
		c.discarded = n
		return nil, ErrEndOfStream
	default:
		return nil, fmt.Errorf("audio: read frame: %w", err)
	}
}
