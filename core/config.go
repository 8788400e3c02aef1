package core

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Protocols understood by the OTLP exporter.
const (
	ProtocolHTTP = "http"
	ProtocolGRPC = "grpc"
)

// Backend header names.
const (
	HeaderIngestToken = "x-ingest-token"
	HeaderOrigin      = "x-origin"
)

// Config holds every option recognised by the telemetry client.
// It supports three-layer configuration priority:
//  1. Default values (lowest priority)
//  2. Environment variables, optionally seeded from a .env file
//  3. Functional options, including WithConfigFile (highest priority)
//
// Example usage:
//
//	cfg, err := NewConfig(
//	    WithIngestToken("pylz_v1_..."),
//	    WithIngestEndpoint("https://ingest.logzai.com"),
//	    WithServiceName("checkout"),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
type Config struct {
	// Backend
	IngestToken    string `yaml:"ingest_token" env:"LOGZAI_TOKEN" validate:"required"`
	IngestEndpoint string `yaml:"ingest_endpoint" env:"LOGZAI_ENDPOINT" validate:"required,url,endpoint_base"`
	Protocol       string `yaml:"protocol" env:"LOGZAI_PROTOCOL" default:"http" validate:"oneof=http grpc"`
	Origin         string `yaml:"origin" env:"LOGZAI_ORIGIN"`

	// Resource attributes
	ServiceName      string `yaml:"service_name" env:"LOGZAI_SERVICE_NAME" default:"app" validate:"required"`
	ServiceNamespace string `yaml:"service_namespace" env:"LOGZAI_SERVICE_NAMESPACE" default:"default"`
	Environment      string `yaml:"environment" env:"LOGZAI_ENVIRONMENT" default:"prod"`

	// Local behaviour
	MirrorToConsole bool   `yaml:"mirror_to_console" env:"LOGZAI_MIRROR_TO_CONSOLE" default:"false"`
	MinLevel        string `yaml:"min_level" env:"LOGZAI_MIN_LEVEL" default:"debug" validate:"loglevel"`

	// Shutdown budget. FlushShare is the fraction of the remaining budget
	// given to the flush phase; the rest is shared by plugin cleanups.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"LOGZAI_SHUTDOWN_TIMEOUT" default:"10s" validate:"gte=0"`
	FlushShare      float64       `yaml:"flush_share" default:"0.5" validate:"gt=0,lte=1"`
}

// Option configures a Config. Options run after env loading and may fail.
type Option func(*Config) error

// DefaultConfig returns a configuration with the documented defaults.
// IngestToken and IngestEndpoint have no default and must be supplied.
func DefaultConfig() *Config {
	return &Config{
		Protocol:         ProtocolHTTP,
		ServiceName:      "app",
		ServiceNamespace: "default",
		Environment:      "prod",
		MinLevel:         "debug",
		ShutdownTimeout:  10 * time.Second,
		FlushShare:       0.5,
	}
}

// ApplyDefaults fills zero-valued optional fields with their defaults so a
// hand-built Config only needs the required fields.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	if c.Protocol == "" {
		c.Protocol = d.Protocol
	}
	if c.ServiceName == "" {
		c.ServiceName = d.ServiceName
	}
	if c.ServiceNamespace == "" {
		c.ServiceNamespace = d.ServiceNamespace
	}
	if c.Environment == "" {
		c.Environment = d.Environment
	}
	if c.MinLevel == "" {
		c.MinLevel = d.MinLevel
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	if c.FlushShare == 0 {
		c.FlushShare = d.FlushShare
	}
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables take precedence over defaults but are overridden by functional options.
//
// Variable naming convention:
//   - Client-specific: LOGZAI_<SETTING>
//   - Standard variables: OTEL_SERVICE_NAME
//
// Returns an error if environment variables contain invalid values.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("LOGZAI_TOKEN"); v != "" {
		c.IngestToken = v
	}
	if v := os.Getenv("LOGZAI_ENDPOINT"); v != "" {
		c.IngestEndpoint = v
	}
	if v := os.Getenv("LOGZAI_PROTOCOL"); v != "" {
		c.Protocol = strings.ToLower(v)
	}
	if v := os.Getenv("LOGZAI_ORIGIN"); v != "" {
		c.Origin = v
	}
	if v := os.Getenv("LOGZAI_SERVICE_NAME"); v != "" {
		c.ServiceName = v
	} else if v := os.Getenv("OTEL_SERVICE_NAME"); v != "" {
		c.ServiceName = v
	}
	if v := os.Getenv("LOGZAI_SERVICE_NAMESPACE"); v != "" {
		c.ServiceNamespace = v
	}
	if v := os.Getenv("LOGZAI_ENVIRONMENT"); v != "" {
		c.Environment = v
	}
	if v := os.Getenv("LOGZAI_MIRROR_TO_CONSOLE"); v != "" {
		c.MirrorToConsole = parseBool(v)
	}
	if v := os.Getenv("LOGZAI_MIN_LEVEL"); v != "" {
		c.MinLevel = v
	}
	if v := os.Getenv("LOGZAI_SHUTDOWN_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return &ConfigError{Fields: []FieldError{{Field: "shutdown_timeout", Reason: err.Error()}}}
		}
		c.ShutdownTimeout = d
	}
	if v := os.Getenv("LOGZAI_FLUSH_SHARE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return &ConfigError{Fields: []FieldError{{Field: "flush_share", Reason: err.Error()}}}
		}
		c.FlushShare = f
	}
	return nil
}

// LoadFromFile merges a YAML configuration file into c. Keys absent from the
// file keep their current values.
//
// Example file:
//
//	ingest_token: pylz_v1_xxx
//	ingest_endpoint: https://ingest.logzai.com
//	protocol: grpc
//	service_name: checkout
//	mirror_to_console: true
func (c *Config) LoadFromFile(path string) error {
	cleanPath := filepath.Clean(path)

	ext := filepath.Ext(cleanPath)
	if ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("unsupported config file extension %s: %w", ext, ErrConfig)
	}

	data, err := os.ReadFile(cleanPath) // nosec G304 -- path is provided by the operator
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", cleanPath, err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML config file %s: %w", cleanPath, errors.Join(ErrConfig, err))
	}
	return nil
}

// Validate checks every field and reports all failures in one ConfigError.
func (c *Config) Validate() error {
	err := configValidator().Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &ConfigError{Fields: []FieldError{{Field: "config", Reason: err.Error()}}}
	}

	cfgErr := &ConfigError{}
	for _, fe := range verrs {
		cfgErr.Fields = append(cfgErr.Fields, FieldError{
			Field:  fe.Field(),
			Reason: describeTag(fe),
		})
	}
	return cfgErr
}

// Headers returns the headers sent with every export request.
func (c *Config) Headers() map[string]string {
	h := map[string]string{HeaderIngestToken: c.IngestToken}
	if c.Origin != "" {
		h[HeaderOrigin] = c.Origin
	}
	return h
}

// ResourceAttributes returns the resource attributes describing this service.
func (c *Config) ResourceAttributes() map[string]string {
	attrs := map[string]string{
		"service.name":           c.ServiceName,
		"service.namespace":      c.ServiceNamespace,
		"deployment.environment": c.Environment,
	}
	if c.Origin != "" {
		attrs["origin"] = c.Origin
	}
	return attrs
}

// Level returns the parsed minimum log level, defaulting to debug.
func (c *Config) Level() Level {
	lvl, err := ParseLevel(c.MinLevel)
	if err != nil {
		return LevelDebug
	}
	return lvl
}

// Redacted returns a copy safe to print: the ingest token is masked.
func (c Config) Redacted() Config {
	if len(c.IngestToken) > 4 {
		c.IngestToken = c.IngestToken[:4] + strings.Repeat("*", 8)
	} else if c.IngestToken != "" {
		c.IngestToken = "****"
	}
	return c
}

// NewConfig builds a validated configuration from defaults, the environment
// and the given options, in that order of precedence.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load env config: %w", err)
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Functional Options

// WithIngestToken sets the credential sent as x-ingest-token.
func WithIngestToken(token string) Option {
	return func(c *Config) error {
		c.IngestToken = token
		return nil
	}
}

// WithIngestEndpoint sets the base ingest URL, e.g. "https://ingest.logzai.com".
// "/traces" and "/logs" are appended by the exporter.
func WithIngestEndpoint(endpoint string) Option {
	return func(c *Config) error {
		c.IngestEndpoint = endpoint
		return nil
	}
}

// WithProtocol selects OTLP over "http" or "grpc".
func WithProtocol(protocol string) Option {
	return func(c *Config) error {
		protocol = strings.ToLower(protocol)
		if protocol != ProtocolHTTP && protocol != ProtocolGRPC {
			return &ConfigError{Fields: []FieldError{{Field: "protocol", Reason: "must be one of [http grpc]"}}}
		}
		c.Protocol = protocol
		return nil
	}
}

// WithServiceName sets the service.name resource attribute.
func WithServiceName(name string) Option {
	return func(c *Config) error {
		c.ServiceName = name
		return nil
	}
}

// WithServiceNamespace sets the service.namespace resource attribute.
func WithServiceNamespace(namespace string) Option {
	return func(c *Config) error {
		c.ServiceNamespace = namespace
		return nil
	}
}

// WithEnvironment sets the deployment.environment resource attribute.
func WithEnvironment(env string) Option {
	return func(c *Config) error {
		c.Environment = env
		return nil
	}
}

// WithMirrorToConsole also writes log events to the local console.
func WithMirrorToConsole(enabled bool) Option {
	return func(c *Config) error {
		c.MirrorToConsole = enabled
		return nil
	}
}

// WithOrigin identifies the emitting source in headers and resource attributes.
func WithOrigin(origin string) Option {
	return func(c *Config) error {
		c.Origin = origin
		return nil
	}
}

// WithMinLevel drops log events below level.
func WithMinLevel(level Level) Option {
	return func(c *Config) error {
		c.MinLevel = strings.ToLower(level.String())
		return nil
	}
}

// WithShutdownTimeout sets the default shutdown budget used when the
// shutdown context has no deadline.
func WithShutdownTimeout(d time.Duration) Option {
	return func(c *Config) error {
		c.ShutdownTimeout = d
		return nil
	}
}

// WithConfigFile merges a YAML file over the current values.
func WithConfigFile(path string) Option {
	return func(c *Config) error {
		return c.LoadFromFile(path)
	}
}

// WithDotEnv loads .env files into the process environment (existing
// variables win) and re-reads the LOGZAI_* variables.
func WithDotEnv(paths ...string) Option {
	return func(c *Config) error {
		if err := godotenv.Load(paths...); err != nil {
			return fmt.Errorf("failed to load .env: %w", err)
		}
		return c.LoadFromEnv()
	}
}

// Helper functions

// configValidate is shared; validator caches struct metadata per type.
var configValidate = newConfigValidator()

func configValidator() *validator.Validate { return configValidate }

func newConfigValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})
	_ = v.RegisterValidation("endpoint_base", func(fl validator.FieldLevel) bool {
		endpoint := strings.TrimRight(fl.Field().String(), "/")
		return !strings.HasSuffix(endpoint, "/traces") && !strings.HasSuffix(endpoint, "/logs")
	})
	_ = v.RegisterValidation("loglevel", func(fl validator.FieldLevel) bool {
		if fl.Field().String() == "" {
			return true
		}
		_, err := ParseLevel(fl.Field().String())
		return err == nil
	})
	return v
}

// describeTag turns a validator failure into a readable reason.
func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "url":
		return fmt.Sprintf("%q is not a valid URL", fe.Value())
	case "endpoint_base":
		return "must be the base endpoint without a /traces or /logs suffix"
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "loglevel":
		return fmt.Sprintf("%q is not a log level", fe.Value())
	case "gt", "gte", "lte":
		return fmt.Sprintf("must be %s %s", fe.Tag(), fe.Param())
	default:
		return fmt.Sprintf("failed %q validation", fe.Tag())
	}
}

// parseBool converts a string to a boolean value.
// Accepts: "true", "1", "yes", "on" (case-insensitive) as true.
// Everything else is false.
func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes" || s == "on"
}
