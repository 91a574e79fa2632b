package session_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os/exec"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/micbridge/internal/capture"
	"github.com/MrWong99/micbridge/internal/capture/mock"
	"github.com/MrWong99/micbridge/internal/observe"
	"github.com/MrWong99/micbridge/internal/session"
	"github.com/MrWong99/micbridge/pkg/audio"
	"github.com/MrWong99/micbridge/pkg/wyoming"
)

var mono16k = audio.Format{SampleRate: 16000, SampleWidth: 2, Channels: 1, SamplesPerChunk: 1024}

// tcpPair returns both ends of a loopback TCP connection. The server end
// supports CloseWrite, like real client connections.
func tcpPair(t *testing.T) (server, client net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- c
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	server, ok := <-accepted
	if !ok {
		t.Fatal("accept failed")
	}
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return server, client
}

// readAll decodes events until the server half-closes the connection.
func readAll(t *testing.T, c net.Conn) []wyoming.Event {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	r := wyoming.NewReader(c)
	var events []wyoming.Event
	for {
		ev, err := r.ReadEvent()
		if errors.Is(err, io.EOF) {
			return events
		}
		if err != nil {
			t.Fatalf("ReadEvent after %d events: %v", len(events), err)
		}
		events = append(events, ev)
	}
}

func readN(t *testing.T, r *wyoming.Reader, n int) []wyoming.Event {
	t.Helper()
	events := make([]wyoming.Event, 0, n)
	for range n {
		ev, err := r.ReadEvent()
		if err != nil {
			t.Fatalf("ReadEvent %d: %v", len(events), err)
		}
		events = append(events, ev)
	}
	return events
}

func newTestMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func counterTotal(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			var total int64
			for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

// outcomeCount returns how many sessions ended with outcome.
func outcomeCount(t *testing.T, reader *sdkmetric.ManualReader, outcome string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "micbridge.sessions" {
				continue
			}
			for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
				if v, ok := dp.Attributes.Value(attribute.Key("outcome")); ok && v.AsString() == outcome {
					total += dp.Value
				}
			}
		}
	}
	return total
}

// endlessFrames writes numbered frames to src until it is released. Every
// byte of frame i equals byte(i).
func endlessFrames(src *mock.Source, frameSize int) {
	for i := 0; ; i++ {
		frame := bytes.Repeat([]byte{byte(i)}, frameSize)
		if _, err := src.Write(frame); err != nil {
			return
		}
	}
}

// failingConn fails every Write after the first failAfter ones.
type failingConn struct {
	*net.TCPConn
	writes    atomic.Int32
	failAfter int32
}

var errConnBroken = errors.New("connection broken")

func (c *failingConn) Write(p []byte) (int, error) {
	if c.writes.Add(1) > c.failAfter {
		return 0, errConnBroken
	}
	return c.TCPConn.Write(p)
}

// runHandler starts h in the background and returns a channel closed when
// Run returns.
func runHandler(ctx context.Context, h *session.Handler) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.Run(ctx)
	}()
	return done
}

func waitDone(t *testing.T, done <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("%s did not return", what)
	}
}

func staticSpawner(src session.Source) session.Spawner {
	return func([]string) (session.Source, error) { return src, nil }
}

func checkAudioEvents(t *testing.T, events []wyoming.Event, format audio.Format, chunks int) {
	t.Helper()
	if len(events) != chunks+1 {
		t.Fatalf("got %d events, want %d", len(events), chunks+1)
	}
	start, err := wyoming.AudioStartFromEvent(events[0])
	if err != nil {
		t.Fatalf("first event: %v", err)
	}
	if start.Rate != format.SampleRate || start.Width != format.SampleWidth || start.Channels != format.Channels {
		t.Errorf("audio-start = %+v, want format %s", start, format)
	}
	last := start.Timestamp
	for i, ev := range events[1:] {
		c, err := wyoming.AudioChunkFromEvent(ev)
		if err != nil {
			t.Fatalf("event %d: %v", i+1, err)
		}
		if len(c.Audio) != format.FrameSize() {
			t.Errorf("chunk %d: %d bytes, want %d", i, len(c.Audio), format.FrameSize())
		}
		if c.Rate != format.SampleRate || c.Width != format.SampleWidth || c.Channels != format.Channels {
			t.Errorf("chunk %d: format %d/%d/%d", i, c.Rate, c.Width, c.Channels)
		}
		if c.Timestamp < last {
			t.Errorf("chunk %d: timestamp %d before %d", i, c.Timestamp, last)
		}
		last = c.Timestamp
	}
}

func TestHandler_ForwardsWholeFrames(t *testing.T) {
	t.Parallel()

	server, client := tcpPair(t)
	src := mock.NewSource(100)
	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(i)
	}
	go func() {
		_, _ = src.Write(payload)
		src.CloseStdout()
	}()

	h := session.New(server, session.Config{
		ID:      "s-1",
		Command: []string{"mic"},
		Format:  mono16k,
		Spawner: staticSpawner(src),
	})
	done := runHandler(context.Background(), h)

	events := readAll(t, client)
	checkAudioEvents(t, events, mono16k, 2)

	var got []byte
	for _, ev := range events[1:] {
		got = append(got, ev.Payload...)
	}
	if !bytes.Equal(got, payload) {
		t.Error("forwarded bytes differ from program output")
	}

	// The outbound side is closed but the session waits for the client.
	select {
	case <-done:
		t.Fatal("Run returned before the client disconnected")
	case <-time.After(50 * time.Millisecond):
	}
	client.Close()
	waitDone(t, done, "Run")

	if h.State() != session.StateClosed {
		t.Errorf("state = %v, want closed", h.State())
	}
	if h.Chunks() != 2 {
		t.Errorf("Chunks() = %d, want 2", h.Chunks())
	}
	if p := src.Policies(); len(p) == 0 || p[0] != capture.TeardownDetach {
		t.Errorf("release policies = %v, want detach first", p)
	}
}

func TestHandler_RealProgram(t *testing.T) {
	t.Parallel()
	if _, err := exec.LookPath("head"); err != nil {
		t.Skip("head not available")
	}

	server, client := tcpPair(t)
	h := session.New(server, session.Config{
		Command: []string{"head", "-c", "4096", "/dev/zero"},
		Format:  mono16k,
	})
	done := runHandler(context.Background(), h)

	checkAudioEvents(t, readAll(t, client), mono16k, 2)
	client.Close()
	waitDone(t, done, "Run")
}

func TestHandler_RealProgramRunsInDir(t *testing.T) {
	t.Parallel()

	dir, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	// The program only produces audio when started in dir.
	server, client := tcpPair(t)
	h := session.New(server, session.Config{
		Command: []string{"/bin/sh", "-c", `[ "$(pwd -P)" = "$1" ] && head -c 4096 /dev/zero`, "sh", dir},
		Dir:     dir,
		Format:  mono16k,
	})
	done := runHandler(context.Background(), h)

	checkAudioEvents(t, readAll(t, client), mono16k, 2)
	client.Close()
	waitDone(t, done, "Run")
}

func TestHandler_SpawnFailureSendsNothing(t *testing.T) {
	t.Parallel()

	server, client := tcpPair(t)
	m, reader := newTestMetrics(t)
	h := session.New(server, session.Config{
		Command: []string{"/nonexistent/micbridge-capture"},
		Format:  mono16k,
		Metrics: m,
	})
	done := runHandler(context.Background(), h)

	if events := readAll(t, client); len(events) != 0 {
		t.Errorf("got %d events after spawn failure, want 0", len(events))
	}
	if h.State() != session.StateClosed {
		t.Errorf("state = %v, want closed", h.State())
	}

	client.Close()
	waitDone(t, done, "Run")

	if got := counterTotal(t, reader, "micbridge.spawn.errors"); got != 1 {
		t.Errorf("spawn errors = %d, want 1", got)
	}
}

func TestHandler_DisconnectCancelsStreaming(t *testing.T) {
	t.Parallel()

	server, client := tcpPair(t)
	src := mock.NewSource(7)
	go func() {
		frame := make([]byte, mono16k.FrameSize())
		for {
			if _, err := src.Write(frame); err != nil {
				return
			}
		}
	}()

	h := session.New(server, session.Config{
		Format:   mono16k,
		Teardown: capture.TeardownKill,
		Spawner:  staticSpawner(src),
	})
	done := runHandler(context.Background(), h)

	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	readN(t, wyoming.NewReader(client), 2)
	client.Close()

	select {
	case <-src.Released():
	case <-time.After(2 * time.Second):
		t.Fatal("program was not released after disconnect")
	}
	waitDone(t, done, "Run")

	n := h.Chunks()
	time.Sleep(50 * time.Millisecond)
	if h.Chunks() != n {
		t.Error("chunks were written after Run returned")
	}
	if p := src.Policies(); p[0] != capture.TeardownKill {
		t.Errorf("release policy = %v, want kill", p[0])
	}
}

func TestHandler_PartialFrameDiscarded(t *testing.T) {
	t.Parallel()

	server, client := tcpPair(t)
	src := mock.NewSource(1)
	go func() {
		_, _ = src.Write(make([]byte, 3000))
		src.CloseStdout()
	}()

	h := session.New(server, session.Config{Format: mono16k, Spawner: staticSpawner(src)})
	done := runHandler(context.Background(), h)

	checkAudioEvents(t, readAll(t, client), mono16k, 1)
	client.Close()
	waitDone(t, done, "Run")
}

func TestHandler_InboundEventsIgnored(t *testing.T) {
	t.Parallel()

	server, client := tcpPair(t)
	m, reader := newTestMetrics(t)
	src := mock.NewSource(1)
	release := make(chan struct{})
	go func() {
		<-release
		_, _ = src.Write(make([]byte, 2*mono16k.FrameSize()))
		src.CloseStdout()
	}()

	h := session.New(server, session.Config{Format: mono16k, Metrics: m, Spawner: staticSpawner(src)})
	done := runHandler(context.Background(), h)

	w := wyoming.NewWriter(client)
	if err := w.WriteEvent(wyoming.AudioStop{}.Event()); err != nil {
		t.Fatalf("write stop: %v", err)
	}
	if err := w.WriteEvent(wyoming.Event{Type: "describe"}); err != nil {
		t.Fatalf("write describe: %v", err)
	}
	if _, err := client.Write([]byte("not json\n")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	close(release)

	checkAudioEvents(t, readAll(t, client), mono16k, 2)
	client.Close()
	waitDone(t, done, "Run")

	if got := counterTotal(t, reader, "micbridge.inbound.events"); got != 2 {
		t.Errorf("inbound events = %d, want 2", got)
	}
}

func TestHandler_ContextCancelReleasesProgram(t *testing.T) {
	t.Parallel()

	server, client := tcpPair(t)
	src := mock.NewSource(9)
	ctx, cancel := context.WithCancel(context.Background())

	h := session.New(server, session.Config{
		Format:   mono16k,
		Teardown: capture.TeardownTerminate,
		Spawner:  staticSpawner(src),
	})
	done := runHandler(ctx, h)

	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	readN(t, wyoming.NewReader(client), 1)
	cancel()

	waitDone(t, done, "Run")
	select {
	case <-src.Released():
	default:
		t.Fatal("program not released on cancellation")
	}
	if p := src.Policies(); p[0] != capture.TeardownTerminate {
		t.Errorf("release policy = %v, want terminate", p[0])
	}
}

func TestHandler_KillsRealProgramOnDisconnect(t *testing.T) {
	t.Parallel()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	server, client := tcpPair(t)
	h := session.New(server, session.Config{
		Command:  []string{"sh", "-c", "while :; do head -c 2048 /dev/zero; done"},
		Format:   mono16k,
		Teardown: capture.TeardownKill,
	})
	done := runHandler(context.Background(), h)

	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	readN(t, wyoming.NewReader(client), 2)
	client.Close()
	waitDone(t, done, "Run")
}

func TestHandler_SessionsWithDifferentFormats(t *testing.T) {
	t.Parallel()

	stereo := audio.Format{SampleRate: 48000, SampleWidth: 2, Channels: 2, SamplesPerChunk: 256}
	formats := []audio.Format{mono16k, stereo, mono16k}

	type running struct {
		client net.Conn
		format audio.Format
		done   <-chan struct{}
	}
	var sessions []running
	for i, f := range formats {
		server, client := tcpPair(t)
		src := mock.NewSource(i)
		go func() {
			_, _ = src.Write(make([]byte, 3*f.FrameSize()))
			src.CloseStdout()
		}()
		h := session.New(server, session.Config{Format: f, Spawner: staticSpawner(src)})
		sessions = append(sessions, running{client, f, runHandler(context.Background(), h)})
	}

	for _, s := range sessions {
		checkAudioEvents(t, readAll(t, s.client), s.format, 3)
		s.client.Close()
		waitDone(t, s.done, "Run")
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		s    session.State
		want string
	}{
		{session.StateConnecting, "connecting"},
		{session.StateStreaming, "streaming"},
		{session.StateClosed, "closed"},
		{session.State(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}

func TestHandler_ReadErrorEndsSession(t *testing.T) {
	t.Parallel()

	server, client := tcpPair(t)
	m, reader := newTestMetrics(t)
	src := mock.NewSource(11)
	go func() {
		_, _ = src.Write(make([]byte, 2*mono16k.FrameSize()))
		src.CloseWithError(errors.New("capture device unplugged"))
	}()

	h := session.New(server, session.Config{
		Format:   mono16k,
		Teardown: capture.TeardownTerminate,
		Metrics:  m,
		Spawner:  staticSpawner(src),
	})
	done := runHandler(context.Background(), h)

	// Frames read before the failure are delivered, then the outbound side
	// is closed without any further event.
	checkAudioEvents(t, readAll(t, client), mono16k, 2)

	client.Close()
	waitDone(t, done, "Run")

	if got := outcomeCount(t, reader, observe.OutcomeStreamError); got != 1 {
		t.Errorf("stream_error sessions = %d, want 1", got)
	}
	if got := outcomeCount(t, reader, observe.OutcomeEndOfStream); got != 0 {
		t.Errorf("end_of_stream sessions = %d, want 0", got)
	}
	if p := src.Policies(); len(p) == 0 || p[0] != capture.TeardownTerminate {
		t.Errorf("release policies = %v, want terminate first", p)
	}
	if h.Chunks() != 2 {
		t.Errorf("Chunks() = %d, want 2", h.Chunks())
	}
}

func TestHandler_WriteErrorEndsSession(t *testing.T) {
	t.Parallel()

	server, client := tcpPair(t)
	m, reader := newTestMetrics(t)
	src := mock.NewSource(12)
	go endlessFrames(src, mono16k.FrameSize())

	conn := &failingConn{TCPConn: server.(*net.TCPConn), failAfter: 1}
	h := session.New(conn, session.Config{
		Format:   mono16k,
		Teardown: capture.TeardownKill,
		Metrics:  m,
		Spawner:  staticSpawner(src),
	})
	done := runHandler(context.Background(), h)

	// Only audio-start gets through; the failed chunk half-closes the
	// connection.
	if events := readAll(t, client); len(events) != 1 || events[0].Type != wyoming.TypeAudioStart {
		t.Fatalf("got %d events, want only audio-start", len(events))
	}

	select {
	case <-src.Released():
	case <-time.After(2 * time.Second):
		t.Fatal("program not released after write failure")
	}

	client.Close()
	waitDone(t, done, "Run")

	if got := outcomeCount(t, reader, observe.OutcomeStreamError); got != 1 {
		t.Errorf("stream_error sessions = %d, want 1", got)
	}
	if p := src.Policies(); p[0] != capture.TeardownKill {
		t.Errorf("release policy = %v, want kill", p[0])
	}
	if h.Chunks() != 0 {
		t.Errorf("Chunks() = %d, want 0", h.Chunks())
	}
}

func TestHandler_EndingOneSessionDoesNotDisturbAnother(t *testing.T) {
	t.Parallel()

	endings := []struct {
		name string
		// start runs session A and ends it; it returns once A's Run returned.
		start func(t *testing.T)
	}{
		{"client disconnect", func(t *testing.T) {
			server, client := tcpPair(t)
			src := mock.NewSource(1)
			go endlessFrames(src, mono16k.FrameSize())
			done := runHandler(context.Background(), session.New(server, session.Config{
				Format: mono16k, Teardown: capture.TeardownKill, Spawner: staticSpawner(src),
			}))
			_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
			readN(t, wyoming.NewReader(client), 2)
			client.Close()
			waitDone(t, done, "session A")
		}},
		{"cancelled", func(t *testing.T) {
			server, client := tcpPair(t)
			src := mock.NewSource(1)
			go endlessFrames(src, mono16k.FrameSize())
			ctx, cancel := context.WithCancel(context.Background())
			done := runHandler(ctx, session.New(server, session.Config{
				Format: mono16k, Spawner: staticSpawner(src),
			}))
			_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
			readN(t, wyoming.NewReader(client), 2)
			cancel()
			waitDone(t, done, "session A")
		}},
		{"spawn failure", func(t *testing.T) {
			server, client := tcpPair(t)
			done := runHandler(context.Background(), session.New(server, session.Config{
				Format: mono16k,
				Spawner: func([]string) (session.Source, error) {
					return nil, &capture.SpawnError{Argv: []string{"mic"}, Err: exec.ErrNotFound}
				},
			}))
			if events := readAll(t, client); len(events) != 0 {
				t.Errorf("session A sent %d events", len(events))
			}
			client.Close()
			waitDone(t, done, "session A")
		}},
	}

	for _, tt := range endings {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			serverB, clientB := tcpPair(t)
			srcB := mock.NewSource(2)
			go endlessFrames(srcB, mono16k.FrameSize())
			doneB := runHandler(context.Background(), session.New(serverB, session.Config{
				Format: mono16k, Teardown: capture.TeardownKill, Spawner: staticSpawner(srcB),
			}))

			_ = clientB.SetReadDeadline(time.Now().Add(10 * time.Second))
			rB := wyoming.NewReader(clientB)
			before := readN(t, rB, 3)

			tt.start(t)

			after := readN(t, rB, 4)
			select {
			case <-srcB.Released():
				t.Fatal("session B's program released while its client is connected")
			default:
			}

			events := append(before, after...)
			checkAudioEvents(t, events, mono16k, len(events)-1)
			for i, ev := range events[1:] {
				want := bytes.Repeat([]byte{byte(i)}, mono16k.FrameSize())
				if !bytes.Equal(ev.Payload, want) {
					t.Fatalf("session B chunk %d out of order or corrupted", i)
				}
			}

			clientB.Close()
			waitDone(t, doneB, "session B")
			select {
			case <-srcB.Released():
			default:
				t.Error("session B's program not released after its client closed")
			}
		})
	}
}
