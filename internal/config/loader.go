package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/micbridge/internal/server"
)

// Overlay mutates a decoded config before validation. Command-line flags are
// applied this way so that they take precedence over file and environment.
type Overlay func(*Config)

// Load reads the YAML file at path, applies environment variables and
// overlays, and validates the result. An empty path skips the file.
func Load(path string, overlays ...Overlay) (*Config, error) {
	if path == "" {
		return build(nil, overlays)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	cfg, err := build(data, overlays)
	if err != nil {
		return nil, fmt.Errorf("config: load %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader is like [Load] but reads YAML from r. Useful in tests where
// configs are constructed from string literals.
func LoadFromReader(r io.Reader, overlays ...Overlay) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	return build(data, overlays)
}

func build(data []byte, overlays []Overlay) (*Config, error) {
	cfg := Default()
	if len(bytes.TrimSpace(data)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("config: decode yaml: %w", err)
		}
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	for _, o := range overlays {
		o(cfg)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields of cfg from MICBRIDGE_* environment variables.
// Unset variables leave the field untouched.
func ApplyEnv(cfg *Config) error {
	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return fmt.Errorf("config: environment: %w", err)
	}
	return nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if _, err := server.ParseURI(cfg.Server.URI); err != nil {
		errs = append(errs, fmt.Errorf("server.uri: %w", err))
	}
	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}

	// Audio
	if err := cfg.Audio.Format().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("audio: %w", err))
	}

	// Program
	if cfg.Program.Command == "" {
		errs = append(errs, errors.New("program.command is required"))
	} else if _, err := cfg.Program.Argv(); err != nil {
		errs = append(errs, fmt.Errorf("program.command: %w", err))
	}
	if cfg.Program.Dir != "" {
		if fi, err := os.Stat(cfg.Program.Dir); err != nil {
			errs = append(errs, fmt.Errorf("program.dir: %w", err))
		} else if !fi.IsDir() {
			errs = append(errs, fmt.Errorf("program.dir %q is not a directory", cfg.Program.Dir))
		}
	}
	if !cfg.Program.OnClose.IsValid() {
		errs = append(errs, fmt.Errorf("program.on_close %q is invalid; valid values: detach, terminate, kill", cfg.Program.OnClose))
	}

	return errors.Join(errs...)
}
