package config

import (
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	loggingpkg "github.com/drblury/messagebus/internal/runtime/logging"
)

// Environment variables read by Load.
const (
	EnvConfigFile = "OVOS_BUS_CONFIG_FILE"
	EnvHost       = "OVOS_BUS_HOST"
	EnvPort       = "OVOS_BUS_PORT"
	EnvMaxMsgSize = "OVOS_BUS_MAX_MSG_SIZE"
)

// Loader resolves the effective configuration: defaults, then the YAML
// file, then environment overrides.
type Loader struct {
	// Path is the config file. Empty falls back to $OVOS_BUS_CONFIG_FILE.
	Path     string
	Lookup   func(key string) (string, bool)
	ReadFile func(name string) ([]byte, error)
	Logger   loggingpkg.ServiceLogger
}

// Load runs the default Loader.
func Load() *Config {
	return Loader{}.Load()
}

// Load never fails. Unreadable or unparsable files and malformed numeric
// overrides are logged and skipped.
func (l Loader) Load() *Config {
	l = l.withDefaults()
	cfg := Default()

	path := l.Path
	if path == "" {
		path, _ = l.Lookup(EnvConfigFile)
	}
	if path != "" {
		cfg = l.loadFile(path, cfg)
	}

	l.applyEnv(cfg)
	return cfg
}

func (l Loader) withDefaults() Loader {
	if l.Lookup == nil {
		l.Lookup = os.LookupEnv
	}
	if l.ReadFile == nil {
		l.ReadFile = os.ReadFile
	}
	if l.Logger == nil {
		l.Logger = loggingpkg.NewNopServiceLogger()
	}
	return l
}

func (l Loader) loadFile(path string, base *Config) *Config {
	contents, err := l.ReadFile(path)
	if err != nil {
		l.Logger.Error("Failed to read config file, using defaults", err, loggingpkg.LogFields{"path": path})
		return base
	}

	cfg, err := Parse(contents, base)
	if err == nil {
		return cfg
	}

	cfg, err = Parse([]byte(StripComments(string(contents))), base)
	if err != nil {
		l.Logger.Error("Failed to parse config file even after removing comments, using defaults", err, loggingpkg.LogFields{"path": path})
		return base
	}
	return cfg
}

// Parse decodes a YAML document on top of base without modifying it. Keys
// missing from the document keep their base value.
func Parse(contents []byte, base *Config) (*Config, error) {
	cfg := base.Clone()
	if err := yaml.Unmarshal(contents, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// StripComments removes lines starting with "//", which some bus config
// files carry even though YAML does not allow them.
func StripComments(contents string) string {
	lines := strings.Split(contents, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "//") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

func (l Loader) applyEnv(cfg *Config) {
	if host, ok := l.Lookup(EnvHost); ok {
		cfg.Host = host
	}
	if raw, ok := l.Lookup(EnvPort); ok {
		if port, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 16); err == nil {
			cfg.Port = int(port)
		} else {
			l.Logger.Debug("Ignoring malformed port override", loggingpkg.LogFields{"value": raw})
		}
	}
	if raw, ok := l.Lookup(EnvMaxMsgSize); ok {
		if size, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 32); err == nil {
			cfg.MaxMsgSize = int(size)
		} else {
			l.Logger.Debug("Ignoring malformed max message size override", loggingpkg.LogFields{"value": raw})
		}
	}
}

// Marshal renders cfg as YAML with credentials redacted.
func Marshal(cfg *Config) ([]byte, error) {
	return yaml.Marshal(cfg.Redacted())
}
