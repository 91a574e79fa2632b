// Package session runs one client connection: it starts the capture program,
// forwards its output as Wyoming audio events and tears everything down when
// either side goes away.
//
// A [Handler] moves through [StateConnecting], [StateStreaming] and
// [StateClosed] exactly once. Two goroutines are active while streaming: one
// reads fixed-size frames from the program and writes them to the client,
// the other reads (and ignores) whatever the client sends so that a
// disconnect is noticed promptly. Sessions share nothing with each other.
package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/micbridge/internal/capture"
	"github.com/MrWong99/micbridge/internal/emit"
	"github.com/MrWong99/micbridge/internal/observe"
	"github.com/MrWong99/micbridge/pkg/audio"
	"github.com/MrWong99/micbridge/pkg/wyoming"
)

// errPeerClosed ends the session's errgroup when the client goes away. It
// never leaves [Handler.Run].
var errPeerClosed = errors.New("session: peer closed")

// Conn is the client side of a session. Connections that also implement
// CloseWrite() error get a half-close when the audio stream ends.
type Conn interface {
	io.Reader
	io.Writer
	io.Closer
}

type closeWriter interface {
	CloseWrite() error
}

// Source is a running capture program as seen by a session.
type Source interface {
	Stdout() io.Reader
	PID() int
	Release(policy capture.TeardownPolicy)
}

// Spawner starts the capture program for a new session.
type Spawner func(argv []string) (Source, error)

// DefaultSpawner starts argv with [capture.Spawn] in dir, logging process
// lifecycle events to logger. An empty dir keeps the current directory.
func DefaultSpawner(logger *slog.Logger, dir string) Spawner {
	return func(argv []string) (Source, error) {
		p, err := capture.Spawn(argv, capture.WithLogger(logger), capture.WithDir(dir))
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}

// Config holds the immutable per-session settings.
type Config struct {
	// ID identifies the session in logs and traces. A random UUID is used
	// when empty.
	ID string

	// Command is the capture program and its arguments.
	Command []string

	// Dir is the program's working directory, used by the default spawner.
	Dir string

	// Format describes the audio the program produces. It must be valid.
	Format audio.Format

	// Teardown decides what happens to the program when the session ends.
	// Defaults to [capture.TeardownDetach].
	Teardown capture.TeardownPolicy

	// Transport and RemoteAddr are recorded on the session span.
	Transport  string
	RemoteAddr string

	Logger  *slog.Logger
	Metrics *observe.Metrics

	// Clock stamps outgoing events. Defaults to [emit.MonotonicClock].
	Clock emit.Clock

	// Spawner defaults to [DefaultSpawner].
	Spawner Spawner
}

// Handler serves a single connection. Create one with [New] and call
// [Handler.Run] once.
type Handler struct {
	conn    Conn
	cfg     Config
	logger  *slog.Logger
	metrics *observe.Metrics
	state   atomic.Int32
	chunks  atomic.Uint64
}

// New returns a Handler that will serve conn. The Handler takes ownership of
// conn and closes it before [Handler.Run] returns.
func New(conn Conn, cfg Config) *Handler {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.Teardown == "" {
		cfg.Teardown = capture.TeardownDetach
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Clock == nil {
		cfg.Clock = emit.MonotonicClock
	}
	if cfg.Spawner == nil {
		cfg.Spawner = DefaultSpawner(cfg.Logger, cfg.Dir)
	}
	return &Handler{
		conn:    conn,
		cfg:     cfg,
		logger:  cfg.Logger.With("session_id", cfg.ID),
		metrics: cfg.Metrics,
	}
}

// ID returns the session identifier.
func (h *Handler) ID() string { return h.cfg.ID }

// State returns the current lifecycle state.
func (h *Handler) State() State { return State(h.state.Load()) }

// Chunks returns the number of audio-chunk events written so far.
func (h *Handler) Chunks() uint64 { return h.chunks.Load() }

func (h *Handler) setState(s State) { h.state.Store(int32(s)) }

// Run serves the connection until the client disconnects or ctx is
// cancelled. Failures are logged and recorded, never returned: one broken
// session must not affect the server or other sessions.
//
// When the program's output ends (normally or with an error) the outbound
// half of the connection is closed and Run keeps reading until the client
// hangs up. Cancellation releases the program according to the teardown
// policy without waiting for it to exit.
func (h *Handler) Run(ctx context.Context) {
	started := time.Now()
	ctx, span := observe.StartSessionSpan(ctx, h.cfg.ID, h.cfg.Transport, h.cfg.RemoteAddr)
	defer span.End()
	log := observe.Logger(ctx, h.logger)

	h.metrics.RecordSessionStart(ctx)
	outcome := observe.OutcomeDisconnected
	defer func() {
		h.setState(StateClosed)
		_ = h.conn.Close()
		h.metrics.RecordSessionEnd(ctx, outcome, time.Since(started))
		log.Info("client disconnected", "outcome", outcome, "chunks", h.chunks.Load(), "duration", time.Since(started))
	}()

	log.Info("client connected",
		"program", h.cfg.Command,
		"format", h.cfg.Format.String(),
		"bytes_per_second", h.cfg.Format.BytesPerSecond(),
		"remote", h.cfg.RemoteAddr,
	)

	src, err := h.cfg.Spawner(h.cfg.Command)
	if err != nil {
		outcome = observe.OutcomeSpawnError
		log.Error("failed to start capture program", "program", h.cfg.Command, "err", err)
		h.metrics.RecordSpawnError(ctx)
		span.SetStatus(codes.Error, "spawn failed")
		span.RecordError(err)

		h.setState(StateClosed)
		h.closeWrite(log)
		stop := context.AfterFunc(ctx, func() { _ = h.conn.Close() })
		defer stop()
		_ = h.receive(ctx, log)
		if ctx.Err() != nil {
			log.Debug("session cancelled after spawn failure")
		}
		return
	}

	log.Debug("capture program started", "pid", src.PID())
	h.setState(StateStreaming)

	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, func() {
		src.Release(h.cfg.Teardown)
		_ = h.conn.Close()
	})
	defer stop()

	var streamOutcome string
	g.Go(func() error {
		streamOutcome = h.stream(gctx, src, log)
		return nil
	})
	g.Go(func() error {
		return h.receive(gctx, log)
	})
	_ = g.Wait()
	src.Release(h.cfg.Teardown)

	switch {
	case streamOutcome != "":
		outcome = streamOutcome
	case ctx.Err() != nil:
		outcome = observe.OutcomeShutdown
	}
	if outcome == observe.OutcomeStreamError {
		span.SetStatus(codes.Error, "stream failed")
	}
}

// stream forwards frames until the program's output ends, an error occurs or
// ctx is cancelled. It returns the session outcome for the first two cases
// and "" for cancellation.
func (h *Handler) stream(ctx context.Context, src Source, log *slog.Logger) string {
	defer src.Release(h.cfg.Teardown)

	em := emit.New(wyoming.NewWriter(h.conn), h.cfg.Format, h.cfg.Clock)
	if err := em.Start(); err != nil {
		if ctx.Err() != nil {
			return ""
		}
		log.Error("failed to send audio-start", "err", err)
		h.closeWrite(log)
		return observe.OutcomeStreamError
	}

	chunker := audio.NewChunker(src.Stdout(), h.cfg.Format.FrameSize())
	for {
		frame, err := chunker.ReadFrame()
		if ctx.Err() != nil {
			return ""
		}
		if errors.Is(err, audio.ErrEndOfStream) {
			log.Info("capture program output ended",
				"chunks", em.Chunks(),
				"discarded_bytes", chunker.Discarded(),
			)
			h.closeWrite(log)
			return observe.OutcomeEndOfStream
		}
		if err != nil {
			log.Error("audio stream failed",
				"err", err,
				"pid", src.PID(),
				"chunks", em.Chunks(),
				"frame_size", chunker.FrameSize(),
			)
			h.closeWrite(log)
			return observe.OutcomeStreamError
		}

		t := time.Now()
		if err := em.Chunk(frame); err != nil {
			if ctx.Err() != nil {
				return ""
			}
			log.Error("failed to send audio-chunk", "err", err, "chunks", em.Chunks())
			h.closeWrite(log)
			return observe.OutcomeStreamError
		}
		h.chunks.Store(em.Chunks())
		h.metrics.RecordChunk(ctx, len(frame), time.Since(t))
	}
}

// receive drains inbound events until the client disconnects. Events are
// acknowledged in the log and otherwise ignored. Malformed input stops
// decoding but the connection is still drained so that a disconnect is seen.
func (h *Handler) receive(ctx context.Context, log *slog.Logger) error {
	r := wyoming.NewReader(h.conn)
	for {
		ev, err := r.ReadEvent()
		if err == nil {
			log.Debug("inbound event ignored", "type", ev.Type, "payload_bytes", len(ev.Payload))
			h.metrics.RecordInboundEvent(ctx, ev.Type)
			continue
		}
		switch {
		case errors.Is(err, wyoming.ErrMalformed):
			log.Debug("malformed inbound data, ignoring rest of input", "err", err)
			_, _ = io.Copy(io.Discard, h.conn)
		case errors.Is(err, io.EOF), ctx.Err() != nil:
		default:
			log.Debug("inbound read ended", "err", err)
		}
		return errPeerClosed
	}
}

func (h *Handler) closeWrite(log *slog.Logger) {
	cw, ok := h.conn.(closeWriter)
	if !ok {
		return
	}
	if err := cw.CloseWrite(); err != nil {
		log.Debug("half-close failed", "err", err)
	}
}
