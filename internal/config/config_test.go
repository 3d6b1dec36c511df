package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
)

// writeTempFile creates a temporary file with the given content and extension
// inside the test's temp dir and returns its path.
func writeTempFile(t *testing.T, content string, ext string) string {
	t.Helper()
	tmpFile, err := os.CreateTemp(t.TempDir(), "test-config-*"+ext)
	if err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}
	if _, err := tmpFile.WriteString(content); err != nil {
		tmpFile.Close()
		t.Fatalf("Failed to write to temp file: %v", err)
	}
	if err := tmpFile.Close(); err != nil {
		t.Fatalf("Failed to close temp file: %v", err)
	}
	return tmpFile.Name()
}

// checkErrorContains checks if the error is not nil and its message contains the expected substring.
func checkErrorContains(t *testing.T, err error, expectedSubstring string) {
	t.Helper()
	if err == nil {
		t.Fatalf("Expected an error containing %q, but got nil", expectedSubstring)
	}
	if !strings.Contains(err.Error(), expectedSubstring) {
		t.Fatalf("Expected error message to contain %q, but got: %v", expectedSubstring, err)
	}
}

func TestLoadConfig_EmptyPath(t *testing.T) {
	_, err := LoadConfig("")
	checkErrorContains(t, err, "configuration file path cannot be empty")
}

func TestLoadConfig_NonExistentFile(t *testing.T) {
	_, err := LoadConfig("non_existent_file.json")
	checkErrorContains(t, err, "failed to read configuration file")
}

func TestLoadConfig_ValidJSON(t *testing.T) {
	path := writeTempFile(t, `{"server": {"address": ":8080", "grace_period": "2s"}}`, ".json")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed for valid JSON: %v", err)
	}
	if *cfg.Server.Address != ":8080" {
		t.Errorf("Expected server address :8080, got %q", *cfg.Server.Address)
	}
	if cfg.Server.GracePeriod.Value() != 2*time.Second {
		t.Errorf("Expected grace period 2s, got %v", cfg.Server.GracePeriod)
	}
}

func TestLoadConfig_ValidTOML(t *testing.T) {
	content := `
[server]
address = ":8081"
grace_period = "750ms"
goaway_error_code = "ENHANCE_YOUR_CALM"
max_concurrent_streams = 8
`
	path := writeTempFile(t, content, ".toml")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed for valid TOML: %v", err)
	}
	if *cfg.Server.Address != ":8081" {
		t.Errorf("Expected server address :8081, got %q", *cfg.Server.Address)
	}
	if cfg.Server.GracePeriod.Value() != 750*time.Millisecond {
		t.Errorf("Expected grace period 750ms, got %v", cfg.Server.GracePeriod)
	}
	if *cfg.Server.GoAwayErrorCode != "ENHANCE_YOUR_CALM" {
		t.Errorf("Expected goaway_error_code ENHANCE_YOUR_CALM, got %q", *cfg.Server.GoAwayErrorCode)
	}
	if *cfg.Server.MaxConcurrentStreams != 8 {
		t.Errorf("Expected max_concurrent_streams 8, got %d", *cfg.Server.MaxConcurrentStreams)
	}
}

func TestLoadConfig_AutoDetectJSON(t *testing.T) {
	path := writeTempFile(t, `{"logging": {"log_level": "DEBUG"}}`, ".conf")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed for auto-detect JSON: %v", err)
	}
	if cfg.Logging.LogLevel != LogLevelDebug {
		t.Errorf("Expected log level DEBUG, got %q", cfg.Logging.LogLevel)
	}
}

func TestLoadConfig_AutoDetectTOML(t *testing.T) {
	content := `
[logging]
log_level = "WARNING"
`
	path := writeTempFile(t, content, ".cfg")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed for auto-detect TOML: %v", err)
	}
	if cfg.Logging.LogLevel != LogLevelWarning {
		t.Errorf("Expected log level WARNING, got %q", cfg.Logging.LogLevel)
	}
}

func TestLoadConfig_AutoDetectFailure(t *testing.T) {
	path := writeTempFile(t, "this is { neither = json nor toml", ".txt")
	_, err := LoadConfig(path)
	checkErrorContains(t, err, "could not auto-detect format")
}

func TestLoadConfig_EmptyFile(t *testing.T) {
	for _, ext := range []string{".json", ".toml", ".conf"} {
		t.Run(ext, func(t *testing.T) {
			path := writeTempFile(t, "  \n\t", ext)
			_, err := LoadConfig(path)
			checkErrorContains(t, err, "configuration file is empty")
		})
	}
}

func TestLoadConfig_InvalidJSONSyntax(t *testing.T) {
	path := writeTempFile(t, `{"server": {"address": ":8080",}}`, ".json")
	_, err := LoadConfig(path)
	checkErrorContains(t, err, "json:")
}

func TestLoadConfig_InvalidTOMLSyntax(t *testing.T) {
	path := writeTempFile(t, "[server\naddress = 1", ".toml")
	_, err := LoadConfig(path)
	checkErrorContains(t, err, "toml:")
}

func TestLoadConfig_UnknownKeysRejected(t *testing.T) {
	t.Run("json", func(t *testing.T) {
		path := writeTempFile(t, `{"server": {"adress": ":1"}}`, ".json")
		_, err := LoadConfig(path)
		checkErrorContains(t, err, "unknown field")
	})
	t.Run("toml", func(t *testing.T) {
		path := writeTempFile(t, "[server]\nadress = \":1\"\n", ".toml")
		_, err := LoadConfig(path)
		checkErrorContains(t, err, "unknown key")
	})
}

func TestLoadConfig_DefaultsApplied(t *testing.T) {
	path := writeTempFile(t, `{}`, ".json")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	s := cfg.Server
	if *s.Address != DefaultAddress {
		t.Errorf("Address: expected %q, got %q", DefaultAddress, *s.Address)
	}
	if s.GracePeriod.Value() != DefaultGracePeriod {
		t.Errorf("GracePeriod: expected %v, got %v", DefaultGracePeriod, s.GracePeriod)
	}
	if s.GracefulShutdownTimeout.Value() != DefaultGracefulShutdownTimeout {
		t.Errorf("GracefulShutdownTimeout: expected %v, got %v", DefaultGracefulShutdownTimeout, s.GracefulShutdownTimeout)
	}
	if s.WriteTimeout.Value() != DefaultWriteTimeout {
		t.Errorf("WriteTimeout: expected %v, got %v", DefaultWriteTimeout, s.WriteTimeout)
	}
	if *s.GoAwayErrorCode != DefaultGoAwayErrorCode {
		t.Errorf("GoAwayErrorCode: expected %q, got %q", DefaultGoAwayErrorCode, *s.GoAwayErrorCode)
	}
	if *s.MaxConcurrentStreams != DefaultMaxConcurrentStreams {
		t.Errorf("MaxConcurrentStreams: expected %d, got %d", DefaultMaxConcurrentStreams, *s.MaxConcurrentStreams)
	}

	l := cfg.Logging
	if l.LogLevel != LogLevelInfo {
		t.Errorf("LogLevel: expected INFO, got %q", l.LogLevel)
	}
	if l.ErrorLog.Target != "stderr" {
		t.Errorf("ErrorLog.Target: expected stderr, got %q", l.ErrorLog.Target)
	}
	if !*l.AccessLog.Enabled || l.AccessLog.Target != "stdout" || l.AccessLog.Format != "json" {
		t.Errorf("AccessLog: unexpected defaults %+v", *l.AccessLog)
	}
	if cfg.Routing == nil || len(cfg.Routing.Routes) != 0 {
		t.Errorf("Routing: expected empty route table, got %+v", cfg.Routing)
	}
}

func TestLoadConfig_Validation_ServerConfig(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		expectErr string
	}{
		{"empty address", `{"server": {"address": ""}}`, "server.address must not be empty"},
		{"negative grace period", `{"server": {"grace_period": "-1s"}}`, "server.grace_period must be positive"},
		{"zero shutdown timeout", `{"server": {"graceful_shutdown_timeout": "0s"}}`, "server.graceful_shutdown_timeout must be positive"},
		{"negative write timeout", `{"server": {"write_timeout": "-5ms"}}`, "server.write_timeout must not be negative"},
		{"empty goaway code", `{"server": {"goaway_error_code": ""}}`, "server.goaway_error_code must not be empty"},
		{"zero concurrent streams", `{"server": {"max_concurrent_streams": 0}}`, "server.max_concurrent_streams must be at least 1"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := writeTempFile(t, tc.content, ".json")
			_, err := LoadConfig(path)
			checkErrorContains(t, err, tc.expectErr)
		})
	}
}

func TestLoadConfig_Validation_RoutingConfig(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		expectErr string
	}{
		{
			name:      "relative pattern",
			content:   `{"routing": {"routes": [{"path_pattern": "api", "match_type": "Exact", "handler_type": "FixedResponse"}]}}`,
			expectErr: "must start with '/'",
		},
		{
			name:      "prefix without trailing slash",
			content:   `{"routing": {"routes": [{"path_pattern": "/api", "match_type": "Prefix", "handler_type": "FixedResponse"}]}}`,
			expectErr: "must end with '/'",
		},
		{
			name:      "bad match type",
			content:   `{"routing": {"routes": [{"path_pattern": "/api", "match_type": "Regex", "handler_type": "FixedResponse"}]}}`,
			expectErr: "invalid match_type",
		},
		{
			name:      "missing handler type",
			content:   `{"routing": {"routes": [{"path_pattern": "/api", "match_type": "Exact"}]}}`,
			expectErr: "handler_type must not be empty",
		},
		{
			name: "duplicate route",
			content: `{"routing": {"routes": [
				{"path_pattern": "/a", "match_type": "Exact", "handler_type": "FixedResponse"},
				{"path_pattern": "/a", "match_type": "Exact", "handler_type": "FixedResponse"}]}}`,
			expectErr: "duplicate route",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := writeTempFile(t, tc.content, ".json")
			_, err := LoadConfig(path)
			checkErrorContains(t, err, tc.expectErr)
		})
	}
}

func TestLoadConfig_Validation_LoggingConfig(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		expectErr string
	}{
		{"bad level", `{"logging": {"log_level": "TRACE"}}`, "logging.log_level: invalid value"},
		{"relative error log", `{"logging": {"error_log": {"target": "logs/err.log"}}}`, "logging.error_log.target"},
		{"relative access log", `{"logging": {"access_log": {"target": "access.log"}}}`, "logging.access_log.target"},
		{"bad access format", `{"logging": {"access_log": {"format": "clf"}}}`, "logging.access_log.format"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := writeTempFile(t, tc.content, ".json")
			_, err := LoadConfig(path)
			checkErrorContains(t, err, tc.expectErr)
		})
	}
}

func TestLoadConfig_HandlerConfigFromTOML(t *testing.T) {
	content := `
[[routing.routes]]
path_pattern = "/slow"
match_type = "Exact"
handler_type = "FixedResponse"

[routing.routes.handler_config]
status = 202
body = "accepted"
delay = "100ms"
`
	path := writeTempFile(t, content, ".toml")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if len(cfg.Routing.Routes) != 1 {
		t.Fatalf("Expected 1 route, got %d", len(cfg.Routing.Routes))
	}

	var hc map[string]interface{}
	if err := json.Unmarshal(cfg.Routing.Routes[0].HandlerConfig.JSON(), &hc); err != nil {
		t.Fatalf("handler_config is not valid JSON: %v", err)
	}
	if hc["body"] != "accepted" || hc["delay"] != "100ms" {
		t.Errorf("Unexpected handler_config contents: %v", hc)
	}
	if status, ok := hc["status"].(float64); !ok || status != 202 {
		t.Errorf("Expected status 202, got %v", hc["status"])
	}
}

func TestLoadConfig_HandlerConfigFromJSON(t *testing.T) {
	content := `{"routing": {"routes": [{"path_pattern": "/", "match_type": "Prefix", "handler_type": "FixedResponse",
		"handler_config": {"body": "hi"}}]}}`
	path := writeTempFile(t, content, ".json")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	got := string(cfg.Routing.Routes[0].HandlerConfig.JSON())
	if got != `{"body": "hi"}` {
		t.Errorf("Expected raw handler_config to be preserved, got %s", got)
	}
}

func TestDuration_Unmarshal(t *testing.T) {
	tests := []struct {
		name      string
		inputJSON string
		inputTOML string
		expectErr string
		expectDur time.Duration
	}{
		{name: "valid duration json", inputJSON: `{"timeout": "10s"}`, expectDur: 10 * time.Second},
		{name: "valid duration toml", inputTOML: `timeout = "15m"`, expectDur: 15 * time.Minute},
		{name: "missing unit json", inputJSON: `{"timeout": "10"}`, expectErr: `invalid duration "10"`},
		{name: "garbage toml", inputTOML: `timeout = "abc"`, expectErr: `invalid duration "abc"`},
		{name: "not a string json", inputJSON: `{"timeout": 10}`, expectErr: "cannot unmarshal"},
		{name: "empty string json", inputJSON: `{"timeout": ""}`, expectErr: "duration string cannot be empty"},
		{name: "empty string toml", inputTOML: `timeout = ""`, expectErr: "duration string cannot be empty"},
	}

	type testStructJSON struct {
		Timeout Duration `json:"timeout"`
	}
	type testStructTOML struct {
		Timeout Duration `toml:"timeout"`
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var (
				got Duration
				err error
			)
			if tc.inputJSON != "" {
				var s testStructJSON
				err = json.Unmarshal([]byte(tc.inputJSON), &s)
				got = s.Timeout
			} else {
				var s testStructTOML
				_, err = toml.Decode(tc.inputTOML, &s)
				got = s.Timeout
			}
			if tc.expectErr != "" {
				checkErrorContains(t, err, tc.expectErr)
				return
			}
			if err != nil {
				t.Fatalf("Expected no error, got %v", err)
			}
			if got.Value() != tc.expectDur {
				t.Errorf("Expected duration %v, got %v", tc.expectDur, got.Value())
			}
			if got.String() != tc.expectDur.String() {
				t.Errorf("Expected duration string %v, got %v", tc.expectDur, got.String())
			}
		})
	}
}

func TestLoadConfig_OriginalFilePath(t *testing.T) {
	path := writeTempFile(t, `{}`, ".json")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	abs, _ := filepath.Abs(path)
	if cfg.OriginalFilePath != abs {
		t.Errorf("Expected OriginalFilePath %q, got %q", abs, cfg.OriginalFilePath)
	}
}

func TestIsFilePath(t *testing.T) {
	tests := map[string]bool{
		"stdout":          false,
		"stderr":          false,
		"/var/log/h2.log": true,
		"relative.log":    true,
	}
	for target, want := range tests {
		if got := IsFilePath(target); got != want {
			t.Errorf("IsFilePath(%q) = %v, want %v", target, got, want)
		}
	}
}
