package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// MatchType defines how a path pattern is interpreted.
type MatchType string

const (
	// MatchTypeExact matches the path exactly.
	MatchTypeExact MatchType = "Exact"
	// MatchTypePrefix matches any path starting with the prefix.
	MatchTypePrefix MatchType = "Prefix"
)

// LogLevel defines the minimum severity for error logs.
type LogLevel string

const (
	LogLevelDebug   LogLevel = "DEBUG"
	LogLevelInfo    LogLevel = "INFO"
	LogLevelWarning LogLevel = "WARNING"
	LogLevelError   LogLevel = "ERROR"
)

// Defaults applied by LoadConfig when a value is absent.
const (
	DefaultAddress                 = ":8443"
	DefaultGracePeriod             = 5 * time.Second
	DefaultGracefulShutdownTimeout = 30 * time.Second
	DefaultWriteTimeout            = 10 * time.Second
	DefaultGoAwayErrorCode         = "NO_ERROR"
	DefaultMaxConcurrentStreams    = uint32(100)
)

// Config is the top-level configuration structure for the server.
type Config struct {
	Server  *ServerConfig  `json:"server,omitempty" toml:"server,omitempty"`
	Routing *RoutingConfig `json:"routing,omitempty" toml:"routing,omitempty"`
	Logging *LoggingConfig `json:"logging,omitempty" toml:"logging,omitempty"`

	// OriginalFilePath is the absolute path the configuration was loaded from.
	OriginalFilePath string `json:"-" toml:"-"`
}

// ServerConfig holds listener and shutdown settings.
type ServerConfig struct {
	Address *string `json:"address,omitempty" toml:"address,omitempty"`

	// GracePeriod bounds how long one connection waits for its open streams
	// after sending GOAWAY before it is closed forcibly.
	GracePeriod *Duration `json:"grace_period,omitempty" toml:"grace_period,omitempty"`
	// GracefulShutdownTimeout bounds the whole server shutdown across all connections.
	GracefulShutdownTimeout *Duration `json:"graceful_shutdown_timeout,omitempty" toml:"graceful_shutdown_timeout,omitempty"`
	WriteTimeout            *Duration `json:"write_timeout,omitempty" toml:"write_timeout,omitempty"`

	// GoAwayErrorCode is the RFC 7540 error code name carried by the shutdown GOAWAY.
	GoAwayErrorCode      *string `json:"goaway_error_code,omitempty" toml:"goaway_error_code,omitempty"`
	MaxConcurrentStreams *uint32 `json:"max_concurrent_streams,omitempty" toml:"max_concurrent_streams,omitempty"`
}

// RoutingConfig contains the list of routes.
type RoutingConfig struct {
	Routes []Route `json:"routes,omitempty" toml:"routes,omitempty"`
}

// Route defines a single routing rule.
type Route struct {
	PathPattern   string    `json:"path_pattern" toml:"path_pattern"`
	MatchType     MatchType `json:"match_type" toml:"match_type"`
	HandlerType   string    `json:"handler_type" toml:"handler_type"`
	HandlerConfig RawConfig `json:"handler_config,omitempty" toml:"handler_config,omitempty"`
}

// LoggingConfig holds logging configurations.
type LoggingConfig struct {
	LogLevel  LogLevel         `json:"log_level,omitempty" toml:"log_level,omitempty"`
	AccessLog *AccessLogConfig `json:"access_log,omitempty" toml:"access_log,omitempty"`
	ErrorLog  *ErrorLogConfig  `json:"error_log,omitempty" toml:"error_log,omitempty"`
}

// AccessLogConfig configures access logging.
type AccessLogConfig struct {
	Enabled *bool  `json:"enabled,omitempty" toml:"enabled,omitempty"`
	Target  string `json:"target,omitempty" toml:"target,omitempty"`
	Format  string `json:"format,omitempty" toml:"format,omitempty"`
}

// ErrorLogConfig configures error logging.
type ErrorLogConfig struct {
	Target string `json:"target,omitempty" toml:"target,omitempty"`
}

// Duration is a time.Duration that reads and writes as a Go duration string ("5s").
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for both JSON strings and TOML.
func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" {
		return fmt.Errorf("duration string cannot be empty")
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Value returns the value as a time.Duration.
func (d Duration) Value() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// RawConfig is an opaque handler configuration. It is kept as JSON so handlers
// parse it the same way whichever format the file was written in.
type RawConfig json.RawMessage

// UnmarshalJSON keeps a copy of the raw bytes.
func (r *RawConfig) UnmarshalJSON(data []byte) error {
	if r == nil {
		return fmt.Errorf("config: UnmarshalJSON on nil RawConfig")
	}
	*r = append((*r)[:0], data...)
	return nil
}

// MarshalJSON returns the raw bytes, or null when empty.
func (r RawConfig) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return r, nil
}

// UnmarshalTOML converts a decoded TOML table into its JSON form.
func (r *RawConfig) UnmarshalTOML(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("converting TOML handler_config to JSON: %w", err)
	}
	*r = data
	return nil
}

// JSON returns the configuration as a json.RawMessage.
func (r RawConfig) JSON() json.RawMessage { return json.RawMessage(r) }

// IsFilePath reports whether a log target names a file rather than a standard stream.
func IsFilePath(target string) bool {
	return target != "stdout" && target != "stderr"
}

// LoadConfig reads, parses, defaults and validates the configuration file at path.
// Files ending in .json or .toml are parsed as such; anything else is tried as
// JSON first and TOML second.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("configuration file path cannot be empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %s: %w", path, err)
	}

	cfg, err := parse(data, strings.ToLower(filepath.Ext(path)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse configuration file %s: %w", path, err)
	}

	if abs, errAbs := filepath.Abs(path); errAbs == nil {
		cfg.OriginalFilePath = abs
	} else {
		cfg.OriginalFilePath = path
	}

	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return cfg, nil
}

func parse(data []byte, ext string) (*Config, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("configuration file is empty")
	}
	switch ext {
	case ".json":
		return parseJSON(data)
	case ".toml":
		return parseTOML(data)
	}

	cfg, errJSON := parseJSON(data)
	if errJSON == nil {
		return cfg, nil
	}
	cfg, errTOML := parseTOML(data)
	if errTOML == nil {
		return cfg, nil
	}
	return nil, fmt.Errorf("could not auto-detect format (json: %v; toml: %v)", errJSON, errTOML)
}

func parseJSON(data []byte) (*Config, error) {
	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("json: %w", err)
	}
	return &cfg, nil
}

func parseTOML(data []byte) (*Config, error) {
	var cfg Config
	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return nil, fmt.Errorf("toml: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		// handler_config sub-keys are consumed by RawConfig.UnmarshalTOML.
		for _, key := range undecoded {
			if !strings.Contains(key.String(), "handler_config") {
				return nil, fmt.Errorf("toml: unknown key %q", key.String())
			}
		}
	}
	return &cfg, nil
}

// ApplyDefaults fills in every unset field.
func ApplyDefaults(cfg *Config) {
	if cfg.Server == nil {
		cfg.Server = &ServerConfig{}
	}
	s := cfg.Server
	if s.Address == nil {
		addr := DefaultAddress
		s.Address = &addr
	}
	if s.GracePeriod == nil {
		d := Duration(DefaultGracePeriod)
		s.GracePeriod = &d
	}
	if s.GracefulShutdownTimeout == nil {
		d := Duration(DefaultGracefulShutdownTimeout)
		s.GracefulShutdownTimeout = &d
	}
	if s.WriteTimeout == nil {
		d := Duration(DefaultWriteTimeout)
		s.WriteTimeout = &d
	}
	if s.GoAwayErrorCode == nil {
		code := DefaultGoAwayErrorCode
		s.GoAwayErrorCode = &code
	}
	if s.MaxConcurrentStreams == nil {
		n := DefaultMaxConcurrentStreams
		s.MaxConcurrentStreams = &n
	}

	if cfg.Routing == nil {
		cfg.Routing = &RoutingConfig{}
	}

	if cfg.Logging == nil {
		cfg.Logging = &LoggingConfig{}
	}
	l := cfg.Logging
	if l.LogLevel == "" {
		l.LogLevel = LogLevelInfo
	}
	if l.ErrorLog == nil {
		l.ErrorLog = &ErrorLogConfig{}
	}
	if l.ErrorLog.Target == "" {
		l.ErrorLog.Target = "stderr"
	}
	if l.AccessLog == nil {
		l.AccessLog = &AccessLogConfig{}
	}
	if l.AccessLog.Enabled == nil {
		enabled := true
		l.AccessLog.Enabled = &enabled
	}
	if l.AccessLog.Target == "" {
		l.AccessLog.Target = "stdout"
	}
	if l.AccessLog.Format == "" {
		l.AccessLog.Format = "json"
	}
}

// Validate checks a defaulted configuration.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("configuration is nil")
	}
	if err := validateServer(cfg.Server); err != nil {
		return err
	}
	if err := validateRouting(cfg.Routing); err != nil {
		return err
	}
	return validateLogging(cfg.Logging)
}

func validateServer(s *ServerConfig) error {
	if s == nil {
		return fmt.Errorf("server section is missing")
	}
	if s.Address == nil || *s.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if s.GracePeriod == nil || s.GracePeriod.Value() <= 0 {
		return fmt.Errorf("server.grace_period must be positive")
	}
	if s.GracefulShutdownTimeout == nil || s.GracefulShutdownTimeout.Value() <= 0 {
		return fmt.Errorf("server.graceful_shutdown_timeout must be positive")
	}
	if s.WriteTimeout == nil || s.WriteTimeout.Value() < 0 {
		return fmt.Errorf("server.write_timeout must not be negative")
	}
	if s.GoAwayErrorCode == nil || *s.GoAwayErrorCode == "" {
		return fmt.Errorf("server.goaway_error_code must not be empty")
	}
	if s.MaxConcurrentStreams == nil || *s.MaxConcurrentStreams == 0 {
		return fmt.Errorf("server.max_concurrent_streams must be at least 1")
	}
	return nil
}

func validateRouting(r *RoutingConfig) error {
	if r == nil {
		return nil
	}
	seen := make(map[string]bool)
	for i, route := range r.Routes {
		if route.PathPattern == "" || !strings.HasPrefix(route.PathPattern, "/") {
			return fmt.Errorf("routing.routes[%d]: path_pattern %q must start with '/'", i, route.PathPattern)
		}
		switch route.MatchType {
		case MatchTypeExact:
		case MatchTypePrefix:
			if !strings.HasSuffix(route.PathPattern, "/") {
				return fmt.Errorf("routing.routes[%d]: Prefix path_pattern %q must end with '/'", i, route.PathPattern)
			}
		default:
			return fmt.Errorf("routing.routes[%d]: invalid match_type %q", i, route.MatchType)
		}
		if route.HandlerType == "" {
			return fmt.Errorf("routing.routes[%d]: handler_type must not be empty", i)
		}
		key := string(route.MatchType) + " " + route.PathPattern
		if seen[key] {
			return fmt.Errorf("routing.routes[%d]: duplicate route %s", i, key)
		}
		seen[key] = true
	}
	return nil
}

func validateLogging(l *LoggingConfig) error {
	if l == nil {
		return fmt.Errorf("logging section is missing")
	}
	switch l.LogLevel {
	case LogLevelDebug, LogLevelInfo, LogLevelWarning, LogLevelError:
	default:
		return fmt.Errorf("logging.log_level: invalid value %q", l.LogLevel)
	}
	if l.ErrorLog != nil {
		if err := validateTarget("logging.error_log.target", l.ErrorLog.Target); err != nil {
			return err
		}
	}
	if l.AccessLog != nil {
		if err := validateTarget("logging.access_log.target", l.AccessLog.Target); err != nil {
			return err
		}
		if l.AccessLog.Format != "json" {
			return fmt.Errorf("logging.access_log.format: unsupported value %q", l.AccessLog.Format)
		}
	}
	return nil
}

func validateTarget(field, target string) error {
	if IsFilePath(target) && !filepath.IsAbs(target) {
		return fmt.Errorf("%s: file path %q must be absolute", field, target)
	}
	return nil
}
