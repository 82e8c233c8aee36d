package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kenneth/vault-transfer/internal/audit"
	"github.com/kenneth/vault-transfer/internal/config"
	"github.com/kenneth/vault-transfer/internal/metrics"
	"github.com/kenneth/vault-transfer/internal/s3"
	"github.com/kenneth/vault-transfer/internal/storage"
	"github.com/kenneth/vault-transfer/internal/storage/memory"
	"github.com/kenneth/vault-transfer/internal/transfer"
)

var (
	// Build information injected at build time
	version = "dev"
	commit  = "unknown"
)

type rootOptions struct {
	configPath  string
	backendType string
	logLevel    string
}

// app is what every command runs against.
type app struct {
	cfg     *config.Config
	logger  *logrus.Logger
	audit   audit.Logger
	session *transfer.Session
}

// newBackend builds the configured object store. Tests replace it.
var newBackend = func(ctx context.Context, cfg *config.Config, logger *logrus.Logger, m *metrics.Metrics) (storage.Backend, error) {
	switch cfg.Backend.Type {
	case "memory":
		logger.Warn("Using the in-memory backend, nothing is persisted")
		return memory.New(), nil
	case "s3", "":
		return s3.NewClient(ctx, &cfg.Backend, logger, m)
	default:
		return nil, fmt.Errorf("unknown backend type %q", cfg.Backend.Type)
	}
}

func (o *rootOptions) path() string {
	if o.configPath != "" {
		return o.configPath
	}
	return os.Getenv("CONFIG_PATH")
}

func loadConfig(opts *rootOptions) (*config.Config, error) {
	cfg, err := config.LoadConfig(opts.path())
	if err != nil {
		return nil, err
	}
	if opts.backendType != "" {
		cfg.Backend.Type = opts.backendType
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stderr)

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.WithError(err).Warn("Invalid log level, using info")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

// newApp wires a session from configuration. m may be nil, in which case
// metrics go to a private registry.
func newApp(ctx context.Context, opts *rootOptions, m *metrics.Metrics) (*app, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	logger := newLogger(cfg)
	if m == nil {
		m = metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	}

	var auditLogger audit.Logger
	if cfg.Audit.Enabled {
		auditLogger = audit.NewLogger(cfg.Audit.MaxEvents, audit.NewJSONWriter(os.Stderr), logger)
	}

	backend, err := newBackend(ctx, cfg, logger, m)
	if err != nil {
		return nil, fmt.Errorf("failed to create backend: %w", err)
	}

	sessionOpts := transfer.OptionsFromConfig(cfg)
	sessionOpts.Audit = auditLogger
	sessionOpts.Prompt = newTerminalPrompt(os.Stdin, os.Stderr)

	session, err := transfer.New(backend, sessionOpts, logger, m)
	if err != nil {
		return nil, fmt.Errorf("failed to create transfer session: %w", err)
	}
	return &app{
		cfg:     cfg,
		logger:  logger,
		audit:   auditLogger,
		session: session,
	}, nil
}

func (a *app) Close() {
	a.session.Close()
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "vaultxfer",
		Short: "Encrypted, segmented transfers to object storage",
		Long: `vaultxfer moves files to and from an object store. Objects below a
configured vault root are encrypted client side; files larger than the
segment threshold are uploaded as segments joined by a manifest.`,
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to configuration file (YAML format)")
	root.PersistentFlags().StringVar(&opts.backendType, "backend", "", "backend type override (s3 or memory)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level override")

	root.AddCommand(
		newServeCmd(opts),
		newPutCmd(opts),
		newGetCmd(opts),
		newRmCmd(opts),
		newListCmd(opts),
		newSegmentsCmd(opts),
		newSweepCmd(opts),
		newVaultCmd(opts),
		newBenchCmd(),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
