// Package config provides the configuration schema, loader and file watcher
// for micbridge.
//
// Values are layered: built-in defaults, then the optional YAML file, then
// MICBRIDGE_* environment variables, then command-line flags (applied by the
// caller as an overlay). The result is checked by [Validate].
package config

import (
	"log/slog"

	"github.com/MrWong99/micbridge/internal/capture"
	"github.com/MrWong99/micbridge/pkg/audio"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l to a [slog.Level]. Unknown values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogFormat selects the slog handler.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// IsValid reports whether f is a recognised log format.
func (f LogFormat) IsValid() bool {
	return f == LogFormatText || f == LogFormatJSON
}

// Config is the root configuration structure for micbridge.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Audio   AudioConfig   `yaml:"audio"`
	Program ProgramConfig `yaml:"program"`
}

// ServerConfig holds transport, logging and admin settings.
type ServerConfig struct {
	// URI is the listen address: stdio://, tcp://host:port, unix:///path or
	// ws://host:port/path.
	URI string `yaml:"uri" env:"MICBRIDGE_URI"`

	LogLevel  LogLevel  `yaml:"log_level" env:"MICBRIDGE_LOG_LEVEL"`
	LogFormat LogFormat `yaml:"log_format" env:"MICBRIDGE_LOG_FORMAT"`

	// AdminAddr serves /metrics, /healthz and /readyz when non-empty
	// (e.g. ":9090").
	AdminAddr string `yaml:"admin_addr" env:"MICBRIDGE_ADMIN_ADDR"`
}

// AudioConfig describes the raw audio the capture program writes.
type AudioConfig struct {
	Rate            int `yaml:"rate" env:"MICBRIDGE_RATE"`
	Width           int `yaml:"width" env:"MICBRIDGE_WIDTH"`
	Channels        int `yaml:"channels" env:"MICBRIDGE_CHANNELS"`
	SamplesPerChunk int `yaml:"samples_per_chunk" env:"MICBRIDGE_SAMPLES_PER_CHUNK"`
}

// Format converts a to the immutable per-session [audio.Format].
func (a AudioConfig) Format() audio.Format {
	return audio.Format{
		SampleRate:      a.Rate,
		SampleWidth:     a.Width,
		Channels:        a.Channels,
		SamplesPerChunk: a.SamplesPerChunk,
	}
}

// ProgramConfig describes the capture program started for every client.
type ProgramConfig struct {
	// Command is split like a shell would (quotes and escapes, no
	// expansion), e.g. "arecord -r 16000 -c 1 -f S16_LE -t raw".
	Command string `yaml:"command" env:"MICBRIDGE_PROGRAM"`

	// Dir is the program's working directory. Empty means the bridge's own.
	Dir string `yaml:"dir" env:"MICBRIDGE_PROGRAM_DIR"`

	// OnClose is applied to the program when its session ends.
	OnClose capture.TeardownPolicy `yaml:"on_close" env:"MICBRIDGE_ON_CLOSE"`
}

// Argv splits Command into the program and its arguments.
func (p ProgramConfig) Argv() ([]string, error) {
	return capture.ParseCommand(p.Command)
}

// Default returns a Config populated with built-in defaults. Audio rate,
// width and channels and the program have no defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			URI:       "stdio://",
			LogLevel:  LogInfo,
			LogFormat: LogFormatText,
		},
		Audio: AudioConfig{
			SamplesPerChunk: audio.DefaultSamplesPerChunk,
		},
		Program: ProgramConfig{
			OnClose: capture.TeardownDetach,
		},
	}
}
