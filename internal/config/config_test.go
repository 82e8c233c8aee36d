package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kenneth/vault-transfer/internal/crypto"
	"github.com/kenneth/vault-transfer/internal/segment"
)

func TestLoadConfig_Defaults(t *testing.T) {
	config, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if config.ListenAddr != ":8080" {
		t.Errorf("expected ListenAddr :8080, got %s", config.ListenAddr)
	}
	if config.LogLevel != "info" {
		t.Errorf("expected LogLevel info, got %s", config.LogLevel)
	}
	if config.Segments.Prefix != segment.DefaultPrefix {
		t.Errorf("expected segment prefix %s, got %s", segment.DefaultPrefix, config.Segments.Prefix)
	}
	if config.Segments.Threshold != segment.DefaultThreshold {
		t.Errorf("expected threshold %d, got %d", int64(segment.DefaultThreshold), config.Segments.Threshold)
	}
	if config.Retry.MaxAttempts != 5 {
		t.Errorf("expected 5 retry attempts, got %d", config.Retry.MaxAttempts)
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("LISTEN_ADDR", ":9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("BACKEND_ENDPOINT", "http://localhost:9000")
	t.Setenv("BACKEND_USE_PATH_STYLE", "true")
	t.Setenv("SEGMENTS_THRESHOLD", "10485760")
	t.Setenv("SEGMENTS_SIZE", "5242880")
	t.Setenv("RETRY_INITIAL_INTERVAL", "1s")
	t.Setenv("LOGGING_REDACT_HEADERS", "authorization, x-custom")

	config, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if config.ListenAddr != ":9090" {
		t.Errorf("expected ListenAddr :9090, got %s", config.ListenAddr)
	}
	if config.LogLevel != "debug" {
		t.Errorf("expected LogLevel debug, got %s", config.LogLevel)
	}
	if config.Backend.Endpoint != "http://localhost:9000" || !config.Backend.UsePathStyle {
		t.Errorf("unexpected backend %+v", config.Backend)
	}
	if config.Segments.Threshold != 10485760 || config.Segments.SegmentSize != 5242880 {
		t.Errorf("unexpected segments %+v", config.Segments)
	}
	if config.Retry.InitialInterval != time.Second {
		t.Errorf("expected initial interval 1s, got %s", config.Retry.InitialInterval)
	}
	if len(config.Logging.RedactHeaders) != 2 || config.Logging.RedactHeaders[1] != "x-custom" {
		t.Errorf("unexpected redact headers %v", config.Logging.RedactHeaders)
	}
}

func TestLoadConfig_YAMLVaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `backend:
  type: memory
vaults:
  - root: docs/secret
    algorithm: ChaCha20-Poly1305
    chunk_size: 65536
    create: true
  - root: backups
    passphrase: own
segments:
  threshold: 1048576
  segment_size: 1048576
`
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	t.Setenv("VAULT_PASSPHRASE", "from-env")

	config, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if len(config.Vaults) != 2 {
		t.Fatalf("expected 2 vaults, got %d", len(config.Vaults))
	}
	v := config.Vaults[0]
	if v.Path().Container != "docs" || v.Path().Key != "secret" {
		t.Errorf("unexpected root %+v", v.Path())
	}
	if v.Algorithm != crypto.AlgorithmChaCha20Poly1305 || v.ChunkSize != 65536 || !v.Create {
		t.Errorf("unexpected vault %+v", v)
	}
	if v.Passphrase != "from-env" {
		t.Errorf("expected env passphrase, got %q", v.Passphrase)
	}
	if config.Vaults[1].Passphrase != "own" {
		t.Errorf("explicit passphrase should win, got %q", config.Vaults[1].Passphrase)
	}
	// Unset keys keep their defaults.
	if config.Segments.MinSegmentSize != segment.DefaultMinSegmentSize {
		t.Errorf("expected default min segment size, got %d", config.Segments.MinSegmentSize)
	}

	opts := config.SegmentOptions()
	if opts.SegmentSize != 1048576 || opts.Retry.MaxAttempts != config.Retry.MaxAttempts {
		t.Errorf("unexpected segment options %+v", opts)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"missing listen addr", func(c *Config) { c.ListenAddr = "" }, true},
		{"invalid log level", func(c *Config) { c.LogLevel = "verbose" }, true},
		{"unknown backend", func(c *Config) { c.Backend.Type = "ftp" }, true},
		{"half credentials", func(c *Config) { c.Backend.AccessKey = "key" }, true},
		{"memory backend", func(c *Config) { c.Backend.Type = "memory" }, false},
		{"vault without container", func(c *Config) { c.Vaults = []VaultConfig{{Root: ""}} }, true},
		{"duplicate vault", func(c *Config) {
			c.Vaults = []VaultConfig{{Root: "docs/a"}, {Root: "docs/a/"}}
		}, true},
		{"unsupported algorithm", func(c *Config) {
			c.Vaults = []VaultConfig{{Root: "docs", Algorithm: "DES"}}
		}, true},
		{"chunk size too small", func(c *Config) {
			c.Vaults = []VaultConfig{{Root: "docs", ChunkSize: 1024}}
		}, true},
		{"segment below minimum", func(c *Config) { c.Segments.SegmentSize = 1024 }, true},
		{"empty segment prefix", func(c *Config) { c.Segments.Prefix = "" }, true},
		{"zero retry attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }, true},
		{"bad access log format", func(c *Config) { c.Logging.AccessLogFormat = "xml" }, true},
		{"tls without cert", func(c *Config) { c.TLS.Enabled = true }, true},
		{"jaeger without endpoint", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "jaeger"
		}, true},
		{"otlp with endpoint", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "otlp"
			c.Tracing.OtlpEndpoint = "localhost:4317"
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.modify(c)
			err := c.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_Clone(t *testing.T) {
	c := Default()
	c.Vaults = []VaultConfig{{Root: "docs"}}

	clone := c.Clone()
	clone.Vaults[0].Root = "other"
	clone.Logging.RedactHeaders[0] = "changed"

	if c.Vaults[0].Root != "docs" {
		t.Error("clone shares vaults with the original")
	}
	if c.Logging.RedactHeaders[0] == "changed" {
		t.Error("clone shares redact headers with the original")
	}
}
