// Command micbridge streams a microphone to Wyoming clients. For every
// client that connects it starts the configured capture program and
// forwards the program's raw audio as audio-start and audio-chunk events.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/micbridge/internal/capture"
	"github.com/MrWong99/micbridge/internal/config"
	"github.com/MrWong99/micbridge/internal/health"
	"github.com/MrWong99/micbridge/internal/observe"
	"github.com/MrWong99/micbridge/internal/server"
	"github.com/MrWong99/micbridge/internal/session"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to an optional YAML configuration file (watched for changes)")
	flag.String("program", "", "program to run for each client; its stdout must be raw audio (required)")
	flag.Int("rate", 0, "sample rate of the program's audio in hertz (required)")
	flag.Int("width", 0, "sample width of the program's audio in bytes (required)")
	flag.Int("channels", 0, "channel count of the program's audio (required)")
	flag.Int("samples-per-chunk", 1024, "samples per audio-chunk event")
	flag.String("uri", "stdio://", "listen URI: stdio://, tcp://host:port, unix:///path or ws://host:port/path")
	flag.Bool("debug", false, "log at debug level")
	flag.String("log-format", "text", "log handler: text or json (selects the output encoding, not a message template)")
	flag.String("admin-addr", "", "address for /metrics, /healthz and /readyz (disabled when empty)")
	flag.String("on-close", "detach", "what happens to the program when its client leaves: detach, terminate or kill")
	flag.Parse()

	overlay := flagOverlay(flag.CommandLine)

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath, overlay)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "micbridge: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "micbridge: %v\n", err)
		}
		flag.Usage()
		return 2
	}
	var current atomic.Pointer[config.Config]
	current.Store(cfg)

	// ── Logger ────────────────────────────────────────────────────────────────
	// Logs always go to stderr: with stdio:// stdout carries the event stream.
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Level())
	logger := newLogger(os.Stderr, level, cfg.Server.LogFormat)
	slog.SetDefault(logger)

	// ── Config hot reload ─────────────────────────────────────────────────────
	if *configPath != "" {
		watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
			applyReload(logger, level, &current, old, new)
		}, config.WithOverlays(overlay), config.WithLogger(logger))
		if err != nil {
			logger.Error("failed to watch config file", "path", *configPath, "err", err)
			return 1
		}
		defer watcher.Stop()
		current.Store(watcher.Current())
	}

	logger.Info("micbridge starting",
		"version", version,
		"uri", cfg.Server.URI,
		"program", cfg.Program.Command,
		"format", cfg.Audio.Format().String(),
		"on_close", cfg.Program.OnClose,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	telemetry, err := observe.InitProvider(sigCtx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		logger.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Listener ──────────────────────────────────────────────────────────────
	ep, err := server.ParseURI(cfg.Server.URI)
	if err != nil {
		logger.Error("invalid listen uri", "uri", cfg.Server.URI, "err", err)
		return 1
	}
	ln, err := server.Listen(sigCtx, ep)
	if err != nil {
		logger.Error("failed to listen", "uri", ep.String(), "err", err)
		return 1
	}

	srv := server.New(server.Config{
		Session: func() session.Config {
			return sessionConfig(current.Load(), logger, metrics)
		},
		Logger: logger,
	})

	// ── Admin HTTP server (optional) ──────────────────────────────────────────
	var admin *http.Server
	var adminLn net.Listener
	if cfg.Server.AdminAddr != "" {
		adminLn, err = net.Listen("tcp", cfg.Server.AdminAddr)
		if err != nil {
			_ = ln.Close()
			logger.Error("failed to listen for admin http", "addr", cfg.Server.AdminAddr, "err", err)
			return 1
		}
		admin = newAdminServer(telemetry, srv, metrics)
		logger.Info("admin http listening", "addr", adminLn.Addr().String())
	}

	// ── Run ───────────────────────────────────────────────────────────────────
	ctx, cancel := context.WithCancel(sigCtx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// stdio:// ends after its only session; take the admin server down too.
		defer cancel()
		return srv.Serve(gctx, ln)
	})
	if admin != nil {
		g.Go(func() error {
			if err := admin.Serve(adminLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin http: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return admin.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("run error", "err", err)
		return 1
	}
	logger.Info("goodbye")
	return 0
}

// flagOverlay returns a [config.Overlay] that copies only the flags the user
// actually set, so defaults never mask values from the file or environment.
func flagOverlay(fs *flag.FlagSet) config.Overlay {
	return func(c *config.Config) {
		fs.Visit(func(f *flag.Flag) {
			v := f.Value.(flag.Getter).Get()
			switch f.Name {
			case "program":
				c.Program.Command = v.(string)
			case "rate":
				c.Audio.Rate = v.(int)
			case "width":
				c.Audio.Width = v.(int)
			case "channels":
				c.Audio.Channels = v.(int)
			case "samples-per-chunk":
				c.Audio.SamplesPerChunk = v.(int)
			case "uri":
				c.Server.URI = v.(string)
			case "debug":
				if v.(bool) {
					c.Server.LogLevel = config.LogDebug
				}
			case "log-format":
				c.Server.LogFormat = config.LogFormat(v.(string))
			case "admin-addr":
				c.Server.AdminAddr = v.(string)
			case "on-close":
				c.Program.OnClose = capture.TeardownPolicy(v.(string))
			}
		})
	}
}

// sessionConfig snapshots cfg for one new session.
func sessionConfig(cfg *config.Config, logger *slog.Logger, metrics *observe.Metrics) session.Config {
	// Validated at load time.
	argv, _ := cfg.Program.Argv()
	return session.Config{
		Command:  argv,
		Dir:      cfg.Program.Dir,
		Format:   cfg.Audio.Format(),
		Teardown: cfg.Program.OnClose,
		Logger:   logger,
		Metrics:  metrics,
	}
}

func applyReload(logger *slog.Logger, level *slog.LevelVar, current *atomic.Pointer[config.Config], old, new *config.Config) {
	d := config.Diff(old, new)
	current.Store(new)

	if d.LogLevelChanged {
		level.Set(d.NewLogLevel.Level())
		logger.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.AudioChanged || d.ProgramChanged {
		logger.Info("new sessions will use updated settings",
			"program", new.Program.Command,
			"dir", new.Program.Dir,
			"format", new.Audio.Format().String(),
			"on_close", new.Program.OnClose,
		)
	}
	if len(d.RestartRequired) > 0 {
		logger.Warn("config changes need a restart to take effect", "keys", d.RestartRequired)
	}
}

func newAdminServer(t *observe.Telemetry, srv *server.Server, m *observe.Metrics) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", t.Handler())
	health.New(health.Func("server", srv.Ready)).Register(mux)

	return &http.Server{
		Handler:           observe.Middleware(m)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(w io.Writer, level *slog.LevelVar, format config.LogFormat) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == config.LogFormatJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
