package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kenneth/vault-transfer/internal/crypto"
	"github.com/kenneth/vault-transfer/internal/retry"
	"github.com/kenneth/vault-transfer/internal/segment"
	"github.com/kenneth/vault-transfer/internal/storage"
)

// Config holds the complete application configuration.
type Config struct {
	ListenAddr string          `yaml:"listen_addr" env:"LISTEN_ADDR"`
	LogLevel   string          `yaml:"log_level" env:"LOG_LEVEL"`
	Backend    BackendConfig   `yaml:"backend"`
	Vaults     []VaultConfig   `yaml:"vaults"`
	Segments   SegmentsConfig  `yaml:"segments"`
	Retry      retry.Policy    `yaml:"retry"`
	Transfer   TransferConfig  `yaml:"transfer"`
	Cache      CacheConfig     `yaml:"cache"`
	Audit      AuditConfig     `yaml:"audit"`
	Logging    LoggingConfig   `yaml:"logging"`
	TLS        TLSConfig       `yaml:"tls"`
	Server     ServerConfig    `yaml:"server"`
	RateLimit  RateLimitConfig `yaml:"rate_limit"`
	Tracing    TracingConfig   `yaml:"tracing"`
}

// BackendConfig selects and configures the object store.
type BackendConfig struct {
	Type         string `yaml:"type" env:"BACKEND_TYPE"` // s3 or memory
	Endpoint     string `yaml:"endpoint" env:"BACKEND_ENDPOINT"`
	Region       string `yaml:"region" env:"BACKEND_REGION"`
	AccessKey    string `yaml:"access_key" env:"BACKEND_ACCESS_KEY"`
	SecretKey    string `yaml:"secret_key" env:"BACKEND_SECRET_KEY"`
	UseSSL       bool   `yaml:"use_ssl" env:"BACKEND_USE_SSL"`
	UsePathStyle bool   `yaml:"use_path_style" env:"BACKEND_USE_PATH_STYLE"`
}

// VaultConfig registers one vault root.
type VaultConfig struct {
	// Root is "container" or "container/prefix".
	Root       string `yaml:"root"`
	Algorithm  string `yaml:"algorithm"`
	ChunkSize  int    `yaml:"chunk_size"`
	Passphrase string `yaml:"passphrase"`
	// Create provisions the vault on first access when the root holds none.
	Create bool `yaml:"create"`
}

// Path returns the root as a storage path.
func (v VaultConfig) Path() storage.Path {
	return storage.NewPath(v.Root)
}

// Validate checks a single vault entry.
func (v VaultConfig) Validate() error {
	if v.Path().Container == "" {
		return fmt.Errorf("root is required")
	}
	if v.Algorithm != "" && !crypto.IsAlgorithmSupported(v.Algorithm) {
		return fmt.Errorf("invalid algorithm: %s", v.Algorithm)
	}
	if v.ChunkSize != 0 && (v.ChunkSize < crypto.MinChunkSize || v.ChunkSize > crypto.MaxChunkSize) {
		return fmt.Errorf("chunk_size must be between %d and %d", crypto.MinChunkSize, crypto.MaxChunkSize)
	}
	return nil
}

// SegmentsConfig holds large-object segmentation settings.
type SegmentsConfig struct {
	Prefix         string `yaml:"prefix" env:"SEGMENTS_PREFIX"`
	Threshold      int64  `yaml:"threshold" env:"SEGMENTS_THRESHOLD"`
	SegmentSize    int64  `yaml:"segment_size" env:"SEGMENTS_SIZE"`
	MinSegmentSize int64  `yaml:"min_segment_size" env:"SEGMENTS_MIN_SIZE"`
}

// TransferConfig holds stream copy settings.
type TransferConfig struct {
	BufferSize int `yaml:"buffer_size" env:"TRANSFER_BUFFER_SIZE"`
}

// CacheConfig holds attribute cache configuration.
type CacheConfig struct {
	Enabled    bool          `yaml:"enabled" env:"CACHE_ENABLED"`
	MaxItems   int           `yaml:"max_items" env:"CACHE_MAX_ITEMS"`
	DefaultTTL time.Duration `yaml:"default_ttl" env:"CACHE_DEFAULT_TTL"`
}

// AuditConfig holds audit logging configuration.
type AuditConfig struct {
	Enabled   bool `yaml:"enabled" env:"AUDIT_ENABLED"`
	MaxEvents int  `yaml:"max_events" env:"AUDIT_MAX_EVENTS"` // Max events to keep in memory
}

// LoggingConfig holds HTTP access log configuration.
type LoggingConfig struct {
	AccessLogFormat string   `yaml:"access_log_format" env:"LOGGING_ACCESS_LOG_FORMAT"` // default, json or clf
	RedactHeaders   []string `yaml:"redact_headers" env:"LOGGING_REDACT_HEADERS"`
}

// TLSConfig holds TLS configuration.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled" env:"TLS_ENABLED"`
	CertFile string `yaml:"cert_file" env:"TLS_CERT_FILE"`
	KeyFile  string `yaml:"key_file" env:"TLS_KEY_FILE"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	ReadTimeout       time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT"`
	WriteTimeout      time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" env:"SERVER_IDLE_TIMEOUT"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" env:"SERVER_READ_HEADER_TIMEOUT"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes" env:"SERVER_MAX_HEADER_BYTES"`
}

// RateLimitConfig holds per-client request limits of the gateway.
type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled" env:"RATE_LIMIT_ENABLED"`
	Limit   int           `yaml:"limit" env:"RATE_LIMIT_REQUESTS"`
	Window  time.Duration `yaml:"window" env:"RATE_LIMIT_WINDOW"`
}

// TracingConfig holds OpenTelemetry tracing configuration.
type TracingConfig struct {
	Enabled         bool    `yaml:"enabled" env:"TRACING_ENABLED"`
	ServiceName     string  `yaml:"service_name" env:"TRACING_SERVICE_NAME"`
	ServiceVersion  string  `yaml:"service_version" env:"TRACING_SERVICE_VERSION"`
	Exporter        string  `yaml:"exporter" env:"TRACING_EXPORTER"` // stdout, jaeger, otlp
	JaegerEndpoint  string  `yaml:"jaeger_endpoint" env:"TRACING_JAEGER_ENDPOINT"`
	OtlpEndpoint    string  `yaml:"otlp_endpoint" env:"TRACING_OTLP_ENDPOINT"`
	SamplingRatio   float64 `yaml:"sampling_ratio" env:"TRACING_SAMPLING_RATIO"`
	RedactSensitive bool    `yaml:"redact_sensitive" env:"TRACING_REDACT_SENSITIVE"`
}

// Default returns the configuration used before file and environment
// values are applied.
func Default() *Config {
	return &Config{
		ListenAddr: ":8080",
		LogLevel:   "info",
		Backend: BackendConfig{
			Type:   "s3",
			Region: "us-east-1",
			UseSSL: true,
		},
		Segments: SegmentsConfig{
			Prefix:         segment.DefaultPrefix,
			Threshold:      segment.DefaultThreshold,
			SegmentSize:    segment.DefaultSegmentSize,
			MinSegmentSize: segment.DefaultMinSegmentSize,
		},
		Retry: retry.DefaultPolicy(),
		Transfer: TransferConfig{
			BufferSize: 256 * 1024,
		},
		Cache: CacheConfig{
			Enabled:    false,
			MaxItems:   1000,
			DefaultTTL: 30 * time.Second,
		},
		Audit: AuditConfig{
			Enabled:   false,
			MaxEvents: 10000,
		},
		Logging: LoggingConfig{
			AccessLogFormat: "default",
			RedactHeaders:   []string{"authorization", "x-vault-passphrase", "cookie"},
		},
		Server: ServerConfig{
			ReadTimeout:       15 * time.Minute,
			WriteTimeout:      15 * time.Minute,
			IdleTimeout:       60 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			MaxHeaderBytes:    1 << 20,
		},
		RateLimit: RateLimitConfig{
			Enabled: false,
			Limit:   100,
			Window:  60 * time.Second,
		},
		Tracing: TracingConfig{
			Enabled:         false,
			ServiceName:     "vault-transfer",
			ServiceVersion:  "dev",
			Exporter:        "stdout",
			SamplingRatio:   1.0,
			RedactSensitive: true,
		},
	}
}

// LoadConfig loads configuration from a file and environment variables.
// A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	loadFromEnv(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

func envBool(v string) bool {
	return v == "true" || v == "1"
}

func envInt64(name string, dst *int64) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			*dst = n
		}
	}
}

func envDuration(name string, dst *time.Duration) {
	if v := os.Getenv(name); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// loadFromEnv loads configuration values from environment variables.
func loadFromEnv(config *Config) {
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		config.ListenAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		config.LogLevel = v
	}
	if v := os.Getenv("BACKEND_TYPE"); v != "" {
		config.Backend.Type = v
	}
	if v := os.Getenv("BACKEND_ENDPOINT"); v != "" {
		config.Backend.Endpoint = v
	}
	if v := os.Getenv("BACKEND_REGION"); v != "" {
		config.Backend.Region = v
	}
	if v := os.Getenv("BACKEND_ACCESS_KEY"); v != "" {
		config.Backend.AccessKey = v
	}
	if v := os.Getenv("BACKEND_SECRET_KEY"); v != "" {
		config.Backend.SecretKey = v
	}
	if v := os.Getenv("BACKEND_USE_SSL"); v != "" {
		config.Backend.UseSSL = envBool(v)
	}
	if v := os.Getenv("BACKEND_USE_PATH_STYLE"); v != "" {
		config.Backend.UsePathStyle = envBool(v)
	}
	// A single passphrase for every vault that does not set its own.
	if v := os.Getenv("VAULT_PASSPHRASE"); v != "" {
		for i := range config.Vaults {
			if config.Vaults[i].Passphrase == "" {
				config.Vaults[i].Passphrase = v
			}
		}
	}
	if v := os.Getenv("SEGMENTS_PREFIX"); v != "" {
		config.Segments.Prefix = v
	}
	envInt64("SEGMENTS_THRESHOLD", &config.Segments.Threshold)
	envInt64("SEGMENTS_SIZE", &config.Segments.SegmentSize)
	envInt64("SEGMENTS_MIN_SIZE", &config.Segments.MinSegmentSize)
	if v := os.Getenv("RETRY_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil && n > 0 {
			config.Retry.MaxAttempts = uint(n)
		}
	}
	envDuration("RETRY_INITIAL_INTERVAL", &config.Retry.InitialInterval)
	envDuration("RETRY_MAX_INTERVAL", &config.Retry.MaxInterval)
	if v := os.Getenv("RETRY_MULTIPLIER"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 1 {
			config.Retry.Multiplier = f
		}
	}
	if v := os.Getenv("TRANSFER_BUFFER_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.Transfer.BufferSize = n
		}
	}
	if v := os.Getenv("CACHE_ENABLED"); v != "" {
		config.Cache.Enabled = envBool(v)
	}
	if v := os.Getenv("CACHE_MAX_ITEMS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.Cache.MaxItems = n
		}
	}
	envDuration("CACHE_DEFAULT_TTL", &config.Cache.DefaultTTL)
	if v := os.Getenv("AUDIT_ENABLED"); v != "" {
		config.Audit.Enabled = envBool(v)
	}
	if v := os.Getenv("AUDIT_MAX_EVENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.Audit.MaxEvents = n
		}
	}
	if v := os.Getenv("LOGGING_ACCESS_LOG_FORMAT"); v != "" {
		config.Logging.AccessLogFormat = v
	}
	if v := os.Getenv("LOGGING_REDACT_HEADERS"); v != "" {
		config.Logging.RedactHeaders = strings.Split(v, ",")
		for i := range config.Logging.RedactHeaders {
			config.Logging.RedactHeaders[i] = strings.TrimSpace(config.Logging.RedactHeaders[i])
		}
	}
	if v := os.Getenv("TLS_ENABLED"); v != "" {
		config.TLS.Enabled = envBool(v)
	}
	if v := os.Getenv("TLS_CERT_FILE"); v != "" {
		config.TLS.CertFile = v
	}
	if v := os.Getenv("TLS_KEY_FILE"); v != "" {
		config.TLS.KeyFile = v
	}
	envDuration("SERVER_READ_TIMEOUT", &config.Server.ReadTimeout)
	envDuration("SERVER_WRITE_TIMEOUT", &config.Server.WriteTimeout)
	envDuration("SERVER_IDLE_TIMEOUT", &config.Server.IdleTimeout)
	envDuration("SERVER_READ_HEADER_TIMEOUT", &config.Server.ReadHeaderTimeout)
	if v := os.Getenv("SERVER_MAX_HEADER_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.Server.MaxHeaderBytes = n
		}
	}
	if v := os.Getenv("RATE_LIMIT_ENABLED"); v != "" {
		config.RateLimit.Enabled = envBool(v)
	}
	if v := os.Getenv("RATE_LIMIT_REQUESTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.RateLimit.Limit = n
		}
	}
	envDuration("RATE_LIMIT_WINDOW", &config.RateLimit.Window)
	if v := os.Getenv("TRACING_ENABLED"); v != "" {
		config.Tracing.Enabled = envBool(v)
	}
	if v := os.Getenv("TRACING_SERVICE_NAME"); v != "" {
		config.Tracing.ServiceName = v
	}
	if v := os.Getenv("TRACING_SERVICE_VERSION"); v != "" {
		config.Tracing.ServiceVersion = v
	}
	if v := os.Getenv("TRACING_EXPORTER"); v != "" {
		config.Tracing.Exporter = v
	}
	if v := os.Getenv("TRACING_JAEGER_ENDPOINT"); v != "" {
		config.Tracing.JaegerEndpoint = v
	}
	if v := os.Getenv("TRACING_OTLP_ENDPOINT"); v != "" {
		config.Tracing.OtlpEndpoint = v
	}
	if v := os.Getenv("TRACING_SAMPLING_RATIO"); v != "" {
		if ratio, err := strconv.ParseFloat(v, 64); err == nil && ratio >= 0.0 && ratio <= 1.0 {
			config.Tracing.SamplingRatio = ratio
		}
	}
	if v := os.Getenv("TRACING_REDACT_SENSITIVE"); v != "" {
		config.Tracing.RedactSensitive = envBool(v)
	}
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}

	if c.LogLevel != "" {
		validLevels := map[string]bool{
			"debug": true,
			"info":  true,
			"warn":  true,
			"error": true,
		}
		if !validLevels[c.LogLevel] {
			return fmt.Errorf("invalid log_level: %s (must be debug, info, warn, or error)", c.LogLevel)
		}
	}

	switch c.Backend.Type {
	case "memory":
	case "s3":
		// Credentials are optional; the AWS default chain applies when unset.
		if (c.Backend.AccessKey == "") != (c.Backend.SecretKey == "") {
			return fmt.Errorf("backend.access_key and backend.secret_key must be set together")
		}
	default:
		return fmt.Errorf("invalid backend.type: %s (must be s3 or memory)", c.Backend.Type)
	}

	seen := make(map[storage.Path]bool)
	for i, v := range c.Vaults {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("vaults[%d]: %w", i, err)
		}
		p := v.Path()
		p.Key = strings.TrimSuffix(p.Key, "/")
		if seen[p] {
			return fmt.Errorf("vaults[%d].root %s is registered twice", i, v.Root)
		}
		seen[p] = true
	}

	if c.Segments.Prefix == "" {
		return fmt.Errorf("segments.prefix is required")
	}
	opts := segment.Options{
		Threshold:      c.Segments.Threshold,
		SegmentSize:    c.Segments.SegmentSize,
		MinSegmentSize: c.Segments.MinSegmentSize,
	}
	if err := opts.Validate(); err != nil {
		return fmt.Errorf("invalid segments: %w", err)
	}

	if c.Retry.MaxAttempts == 0 {
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be at least 1")
	}
	if c.Transfer.BufferSize <= 0 {
		return fmt.Errorf("transfer.buffer_size must be positive")
	}

	switch c.Logging.AccessLogFormat {
	case "", "default", "json", "clf":
	default:
		return fmt.Errorf("invalid logging.access_log_format: %s (must be default, json, or clf)", c.Logging.AccessLogFormat)
	}

	if c.TLS.Enabled {
		if c.TLS.CertFile == "" {
			return fmt.Errorf("tls.cert_file is required when TLS is enabled")
		}
		if c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.key_file is required when TLS is enabled")
		}
	}

	if c.RateLimit.Enabled && (c.RateLimit.Limit <= 0 || c.RateLimit.Window <= 0) {
		return fmt.Errorf("rate_limit.limit and rate_limit.window must be positive when rate limiting is enabled")
	}

	if c.Tracing.Enabled {
		if c.Tracing.ServiceName == "" {
			return fmt.Errorf("tracing.service_name is required when tracing is enabled")
		}
		validExporters := map[string]bool{
			"stdout": true,
			"jaeger": true,
			"otlp":   true,
		}
		if !validExporters[c.Tracing.Exporter] {
			return fmt.Errorf("invalid tracing.exporter: %s (must be stdout, jaeger, or otlp)", c.Tracing.Exporter)
		}
		if c.Tracing.SamplingRatio < 0.0 || c.Tracing.SamplingRatio > 1.0 {
			return fmt.Errorf("tracing.sampling_ratio must be between 0.0 and 1.0")
		}
		if c.Tracing.Exporter == "jaeger" && c.Tracing.JaegerEndpoint == "" {
			return fmt.Errorf("tracing.jaeger_endpoint is required when exporter is jaeger")
		}
		if c.Tracing.Exporter == "otlp" && c.Tracing.OtlpEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is otlp")
		}
	}

	return nil
}

// SegmentOptions converts the segmentation and retry sections.
func (c *Config) SegmentOptions() segment.Options {
	return segment.Options{
		Threshold:      c.Segments.Threshold,
		SegmentSize:    c.Segments.SegmentSize,
		MinSegmentSize: c.Segments.MinSegmentSize,
		Retry:          c.Retry,
	}
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	out := *c
	out.Vaults = append([]VaultConfig(nil), c.Vaults...)
	out.Logging.RedactHeaders = append([]string(nil), c.Logging.RedactHeaders...)
	return &out
}
