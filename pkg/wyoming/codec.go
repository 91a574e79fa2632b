package wyoming

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// maxHeaderBytes bounds the header line so a peer that never sends a newline
// cannot grow the read buffer without limit.
const maxHeaderBytes = 64 * 1024

// maxSectionBytes bounds the declared data and payload lengths.
const maxSectionBytes = 16 * 1024 * 1024

// Encode serialises e into its wire form: the header line, then the data
// and payload sections.
func Encode(e Event) ([]byte, error) {
	if e.Type == "" {
		return nil, fmt.Errorf("wyoming: event type is required")
	}

	h := header{Type: e.Type, Version: Version}

	var data []byte
	if len(e.Data) > 0 {
		var err error
		data, err = json.Marshal(e.Data)
		if err != nil {
			return nil, fmt.Errorf("wyoming: encode %s data: %w", e.Type, err)
		}
		h.DataLength = len(data)
	}
	h.PayloadLength = len(e.Payload)

	line, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("wyoming: encode %s header: %w", e.Type, err)
	}

	out := make([]byte, 0, len(line)+1+len(data)+len(e.Payload))
	out = append(out, line...)
	out = append(out, '\n')
	out = append(out, data...)
	out = append(out, e.Payload...)
	return out, nil
}

// WriteEvent writes e to w as one contiguous buffer built by [Encode].
func WriteEvent(w io.Writer, e Event) error {
	out, err := Encode(e)
	if err != nil {
		return err
	}
	if _, err := w.Write(out); err != nil {
		return fmt.Errorf("wyoming: write %s: %w", e.Type, err)
	}
	return nil
}

// Writer writes events to an underlying stream, flushing after each one.
// It is not safe for concurrent use.
type Writer struct {
	bw *bufio.Writer
}

// NewWriter returns a [Writer] that buffers each event and flushes it to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{bw: bufio.NewWriter(w)}
}

// WriteEvent writes e and flushes it to the underlying stream.
func (w *Writer) WriteEvent(e Event) error {
	if err := WriteEvent(w.bw, e); err != nil {
		return err
	}
	if err := w.bw.Flush(); err != nil {
		return fmt.Errorf("wyoming: flush %s: %w", e.Type, err)
	}
	return nil
}

// Reader decodes events from a stream. It is not safe for concurrent use.
type Reader struct {
	br *bufio.Reader
}

// NewReader returns a [Reader] reading from r.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReader(r)}
}

// ReadEvent reads the next event. It returns io.EOF when the stream ends
// cleanly between events and an error wrapping [ErrMalformed] when the
// header cannot be parsed or a section is truncated.
func (r *Reader) ReadEvent() (Event, error) {
	line, err := r.readLine()
	if err != nil {
		return Event{}, err
	}

	var h header
	if err := decodeJSON(line, &h); err != nil {
		return Event{}, fmt.Errorf("%w: header: %v", ErrMalformed, err)
	}
	if h.Type == "" {
		return Event{}, fmt.Errorf("%w: header has no type", ErrMalformed)
	}
	if h.DataLength < 0 || h.DataLength > maxSectionBytes || h.PayloadLength < 0 || h.PayloadLength > maxSectionBytes {
		return Event{}, fmt.Errorf("%w: section length out of range", ErrMalformed)
	}

	e := Event{Type: h.Type, Data: h.Data}

	if h.DataLength > 0 {
		raw := make([]byte, h.DataLength)
		if _, err := io.ReadFull(r.br, raw); err != nil {
			return Event{}, fmt.Errorf("%w: data: %v", ErrMalformed, err)
		}
		var extra map[string]any
		if err := decodeJSON(raw, &extra); err != nil {
			return Event{}, fmt.Errorf("%w: data: %v", ErrMalformed, err)
		}
		if e.Data == nil {
			e.Data = extra
		} else {
			for k, v := range extra {
				e.Data[k] = v
			}
		}
	}

	if h.PayloadLength > 0 {
		e.Payload = make([]byte, h.PayloadLength)
		if _, err := io.ReadFull(r.br, e.Payload); err != nil {
			return Event{}, fmt.Errorf("%w: payload: %v", ErrMalformed, err)
		}
	}

	return e, nil
}

// readLine returns the next header line without its trailing newline.
func (r *Reader) readLine() ([]byte, error) {
	var line []byte
	for {
		chunk, isPrefix, err := r.br.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) && len(line) > 0 {
				return nil, fmt.Errorf("%w: truncated header", ErrMalformed)
			}
			return nil, err
		}
		line = append(line, chunk...)
		if len(line) > maxHeaderBytes {
			return nil, fmt.Errorf("%w: header exceeds %d bytes", ErrMalformed, maxHeaderBytes)
		}
		if !isPrefix {
			return line, nil
		}
	}
}

// decodeJSON unmarshals b into v keeping numbers as [json.Number] so that
// nanosecond timestamps survive without float rounding.
func decodeJSON(b []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	return dec.Decode(v)
}
