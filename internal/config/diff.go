package config

// ConfigDiff describes what changed between two configs.
//
// The log level applies immediately. Audio and program changes apply to
// sessions accepted afterwards; running sessions keep the settings they
// started with. Everything in RestartRequired only takes effect after a
// restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	AudioChanged   bool
	ProgramChanged bool

	// RestartRequired lists the changed keys that cannot be hot-reloaded.
	RestartRequired []string
}

// Empty reports whether nothing relevant changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.AudioChanged && !d.ProgramChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.AudioChanged = old.Audio != new.Audio
	d.ProgramChanged = old.Program != new.Program

	if old.Server.URI != new.Server.URI {
		d.RestartRequired = append(d.RestartRequired, "server.uri")
	}
	if old.Server.LogFormat != new.Server.LogFormat {
		d.RestartRequired = append(d.RestartRequired, "server.log_format")
	}
	if old.Server.AdminAddr != new.Server.AdminAddr {
		d.RestartRequired = append(d.RestartRequired, "server.admin_addr")
	}
	return d
}
