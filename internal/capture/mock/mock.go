// Package mock provides an in-memory stand-in for a capture process so that
// session tests can script exactly what the "program" writes and observe how
// it is torn down.
//
// Typical usage:
//
//	src := mock.NewSource(4321)
//	go func() {
//	    src.Write(make([]byte, 4096))
//	    src.CloseStdout()
//	}()
//	spawn := func([]string) (session.Source, error) { return src, nil }
package mock

import (
	"io"
	"sync"

	"github.com/MrWong99/micbridge/internal/capture"
)

// Source is a mock capture process. Bytes passed to [Source.Write] appear on
// [Source.Stdout]; [Source.CloseStdout] simulates the program exiting and
// [Source.CloseWithError] a read failure.
// All methods are safe for concurrent use.
type Source struct {
	r   *io.PipeReader
	w   *io.PipeWriter
	pid int

	mu       sync.Mutex
	policies []capture.TeardownPolicy
	released chan struct{}
	once     sync.Once
}

// NewSource returns a Source that reports pid from [Source.PID].
func NewSource(pid int) *Source {
	r, w := io.Pipe()
	return &Source{r: r, w: w, pid: pid, released: make(chan struct{})}
}

// Write blocks until the reader has consumed p or the source is released.
func (s *Source) Write(p []byte) (int, error) { return s.w.Write(p) }

// CloseStdout ends the stream; pending and future reads see io.EOF.
func (s *Source) CloseStdout() { _ = s.w.Close() }

// CloseWithError ends the stream with err instead of io.EOF, like a device
// that fails mid-capture.
func (s *Source) CloseWithError(err error) { _ = s.w.CloseWithError(err) }

// Stdout implements the session's source interface.
func (s *Source) Stdout() io.Reader { return s.r }

// PID implements the session's source interface.
func (s *Source) PID() int { return s.pid }

// Release records policy and closes the read end of the stream. Every call is
// recorded; only the first closes the stream.
func (s *Source) Release(policy capture.TeardownPolicy) {
	s.mu.Lock()
	s.policies = append(s.policies, policy)
	s.mu.Unlock()

	s.once.Do(func() {
		_ = s.r.Close()
		close(s.released)
	})
}

// Released is closed after the first [Source.Release].
func (s *Source) Released() <-chan struct{} { return s.released }

// Policies returns a copy of every policy passed to [Source.Release].
func (s *Source) Policies() []capture.TeardownPolicy {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]capture.TeardownPolicy, len(s.policies))
	copy(out, s.policies)
	return out
}
