package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var configEnv = []string{
	"LOGZAI_TOKEN", "LOGZAI_ENDPOINT", "LOGZAI_PROTOCOL", "LOGZAI_ORIGIN",
	"LOGZAI_SERVICE_NAME", "LOGZAI_SERVICE_NAMESPACE", "LOGZAI_ENVIRONMENT",
	"LOGZAI_MIRROR_TO_CONSOLE", "LOGZAI_MIN_LEVEL", "LOGZAI_SHUTDOWN_TIMEOUT",
	"LOGZAI_FLUSH_SHARE", "OTEL_SERVICE_NAME",
}

// isolateEnv unsets every variable the config reads, restoring them after
// the test.
func isolateEnv(t *testing.T) {
	t.Helper()
	for _, k := range configEnv {
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}
}

// TestDefaultConfig verifies that DefaultConfig returns the documented defaults
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, ProtocolHTTP, cfg.Protocol)
	assert.Equal(t, "app", cfg.ServiceName)
	assert.Equal(t, "default", cfg.ServiceNamespace)
	assert.Equal(t, "prod", cfg.Environment)
	assert.Equal(t, "debug", cfg.MinLevel)
	assert.False(t, cfg.MirrorToConsole)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, 0.5, cfg.FlushShare)
	assert.Empty(t, cfg.IngestToken)
	assert.Empty(t, cfg.IngestEndpoint)
}

func TestApplyDefaults_KeepsExplicitValues(t *testing.T) {
	cfg := &Config{IngestToken: "t", IngestEndpoint: "http://x", ServiceName: "svc", FlushShare: 0.8}
	cfg.ApplyDefaults()

	assert.Equal(t, "svc", cfg.ServiceName)
	assert.Equal(t, 0.8, cfg.FlushShare)
	assert.Equal(t, ProtocolHTTP, cfg.Protocol)
	assert.Equal(t, "default", cfg.ServiceNamespace)
	assert.NoError(t, cfg.Validate())
}

func TestNewConfig_Layers(t *testing.T) {
	isolateEnv(t)
	t.Setenv("LOGZAI_TOKEN", "env-token")
	t.Setenv("LOGZAI_ENDPOINT", "https://env.example.com")
	t.Setenv("LOGZAI_SERVICE_NAME", "env-service")
	t.Setenv("LOGZAI_PROTOCOL", "GRPC")
	t.Setenv("LOGZAI_MIRROR_TO_CONSOLE", "yes")
	t.Setenv("LOGZAI_SHUTDOWN_TIMEOUT", "3s")

	cfg, err := NewConfig(WithServiceName("option-service"), WithMinLevel(LevelWarn))
	require.NoError(t, err)

	assert.Equal(t, "env-token", cfg.IngestToken)
	assert.Equal(t, "https://env.example.com", cfg.IngestEndpoint)
	assert.Equal(t, ProtocolGRPC, cfg.Protocol)
	assert.True(t, cfg.MirrorToConsole)
	assert.Equal(t, 3*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, "option-service", cfg.ServiceName, "options override the environment")
	assert.Equal(t, LevelWarn, cfg.Level())
}

func TestLoadFromEnv_OTelServiceNameFallback(t *testing.T) {
	isolateEnv(t)
	t.Setenv("OTEL_SERVICE_NAME", "otel-name")

	cfg := DefaultConfig()
	require.NoError(t, cfg.LoadFromEnv())
	assert.Equal(t, "otel-name", cfg.ServiceName)

	t.Setenv("LOGZAI_SERVICE_NAME", "logzai-name")
	require.NoError(t, cfg.LoadFromEnv())
	assert.Equal(t, "logzai-name", cfg.ServiceName)
}

func TestLoadFromEnv_InvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
		field string
	}{
		{"bad duration", "LOGZAI_SHUTDOWN_TIMEOUT", "soon", "shutdown_timeout"},
		{"bad float", "LOGZAI_FLUSH_SHARE", "half", "flush_share"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolateEnv(t)
			t.Setenv(tt.key, tt.value)

			err := DefaultConfig().LoadFromEnv()

			var cfgErr *ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.True(t, cfgErr.Has(tt.field))
		})
	}
}

func TestValidate_ReportsEveryField(t *testing.T) {
	cfg := &Config{
		Protocol:    "udp",
		MinLevel:    "loud",
		FlushShare:  1.5,
		ServiceName: "",
	}

	err := cfg.Validate()

	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	for _, field := range []string{"ingest_token", "ingest_endpoint", "protocol", "service_name", "min_level", "flush_share"} {
		assert.True(t, cfgErr.Has(field), "missing %s in %v", field, err)
	}
	assert.True(t, IsConfigurationError(err))
	assert.Contains(t, err.Error(), "protocol: must be one of [http grpc]")
}

func TestValidate_Endpoint(t *testing.T) {
	tests := []struct {
		endpoint string
		valid    bool
	}{
		{"https://ingest.logzai.com", true},
		{"http://localhost:4318/", true},
		{"https://ingest.logzai.com/v1", true},
		{"https://ingest.logzai.com/traces", false},
		{"https://ingest.logzai.com/logs/", false},
		{"not a url", false},
	}

	for _, tt := range tests {
		t.Run(tt.endpoint, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.IngestToken = "t"
			cfg.IngestEndpoint = tt.endpoint

			err := cfg.Validate()
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			var cfgErr *ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.True(t, cfgErr.Has("ingest_endpoint"))
		})
	}
}

func TestWithProtocol_Rejects(t *testing.T) {
	isolateEnv(t)

	_, err := NewConfig(WithIngestToken("t"), WithIngestEndpoint("http://x"), WithProtocol("udp"))
	assert.True(t, IsConfigurationError(err))
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "logzai.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
ingest_token: file-token
ingest_endpoint: https://file.example.com
protocol: grpc
service_name: from-file
mirror_to_console: true
shutdown_timeout: 2s
`), 0o600))

	cfg := DefaultConfig()
	cfg.Environment = "kept"
	require.NoError(t, cfg.LoadFromFile(path))

	assert.Equal(t, "file-token", cfg.IngestToken)
	assert.Equal(t, ProtocolGRPC, cfg.Protocol)
	assert.Equal(t, "from-file", cfg.ServiceName)
	assert.True(t, cfg.MirrorToConsole)
	assert.Equal(t, 2*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, "kept", cfg.Environment, "keys absent from the file are untouched")
}

func TestLoadFromFile_Errors(t *testing.T) {
	dir := t.TempDir()

	err := DefaultConfig().LoadFromFile(filepath.Join(dir, "config.json"))
	assert.ErrorIs(t, err, ErrConfig)

	err = DefaultConfig().LoadFromFile(filepath.Join(dir, "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	bad := filepath.Join(dir, "bad.yml")
	require.NoError(t, os.WriteFile(bad, []byte("service_name: [unclosed"), 0o600))
	err = DefaultConfig().LoadFromFile(bad)
	assert.ErrorIs(t, err, ErrConfig)
}

func TestWithDotEnv(t *testing.T) {
	isolateEnv(t)
	t.Setenv("LOGZAI_ENVIRONMENT", "from-process")

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte(
		"LOGZAI_TOKEN=dotenv-token\nLOGZAI_ENDPOINT=https://dotenv.example.com\nLOGZAI_ENVIRONMENT=from-dotenv\n",
	), 0o600))
	t.Cleanup(func() {
		_ = os.Unsetenv("LOGZAI_TOKEN")
		_ = os.Unsetenv("LOGZAI_ENDPOINT")
	})

	cfg, err := NewConfig(WithDotEnv(path))
	require.NoError(t, err)
	assert.Equal(t, "dotenv-token", cfg.IngestToken)
	assert.Equal(t, "https://dotenv.example.com", cfg.IngestEndpoint)
	assert.Equal(t, "from-process", cfg.Environment, "existing variables win over the .env file")

	_, err = NewConfig(WithDotEnv(filepath.Join(t.TempDir(), "absent.env")))
	assert.Error(t, err)
}

func TestConfigHelpers(t *testing.T) {
	cfg := &Config{
		IngestToken:      "pylz_v1_abcdef",
		ServiceName:      "checkout",
		ServiceNamespace: "shop",
		Environment:      "staging",
	}

	assert.Equal(t, map[string]string{HeaderIngestToken: "pylz_v1_abcdef"}, cfg.Headers())
	assert.NotContains(t, cfg.ResourceAttributes(), "origin")

	cfg.Origin = "sdk-go"
	assert.Equal(t, "sdk-go", cfg.Headers()[HeaderOrigin])
	assert.Equal(t, map[string]string{
		"service.name":           "checkout",
		"service.namespace":      "shop",
		"deployment.environment": "staging",
		"origin":                 "sdk-go",
	}, cfg.ResourceAttributes())

	red := cfg.Redacted()
	assert.Equal(t, "pylz********", red.IngestToken)
	assert.Equal(t, "pylz_v1_abcdef", cfg.IngestToken, "Redacted returns a copy")
	short := Config{IngestToken: "abc"}
	assert.Equal(t, "****", short.Redacted().IngestToken)

	cfg.MinLevel = "nonsense"
	assert.Equal(t, LevelDebug, cfg.Level())
}
