// Command oauth-connect runs the OAuth connection manager as an HTTP
// service, plus small utilities for generating deployment credentials.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	oauth "github.com/relayforge/oauth-connect"
	"github.com/relayforge/oauth-connect/instrumentation"
	"github.com/relayforge/oauth-connect/providers/google"
	"github.com/relayforge/oauth-connect/providers/slack"
	"github.com/relayforge/oauth-connect/security"
	"github.com/relayforge/oauth-connect/storage/memory"
	"github.com/relayforge/oauth-connect/storage/sqlite"
	"github.com/relayforge/oauth-connect/storage/valkey"
)

// envConfig is the process configuration, loaded from the environment.
type envConfig struct {
	Addr string `env:"ADDR" envDefault:":8080"`

	PublicBaseURL      string `env:"PUBLIC_BASE_URL"`
	SuccessRedirectURL string `env:"SUCCESS_REDIRECT_URL"`
	FailureRedirectURL string `env:"FAILURE_REDIRECT_URL"`

	// EncryptionKey is the base64-encoded 32-byte AES key for token
	// encryption at rest. Generate one with the keygen command.
	EncryptionKey      string `env:"ENCRYPTION_KEY"`
	InternalAPIKeyHash string `env:"INTERNAL_API_KEY_HASH"`
	AuditLogging       bool   `env:"AUDIT_LOGGING" envDefault:"true"`

	StateTTL         time.Duration `env:"STATE_TTL"`
	RefreshLookAhead time.Duration `env:"REFRESH_LOOK_AHEAD"`
	TokenCacheTTL    time.Duration `env:"TOKEN_CACHE_TTL"`
	ProviderTimeout  time.Duration `env:"PROVIDER_TIMEOUT"`

	RefreshInterval     time.Duration `env:"REFRESH_INTERVAL"`
	HealthCheckInterval time.Duration `env:"HEALTH_CHECK_INTERVAL"`
	DisableJobs         bool          `env:"DISABLE_JOBS"`

	RateLimitRate  int  `env:"RATE_LIMIT_RATE" envDefault:"10"`
	RateLimitBurst int  `env:"RATE_LIMIT_BURST" envDefault:"20"`
	TrustProxy     bool `env:"TRUST_PROXY"`

	// SQLitePath selects the durable connection store. Empty keeps
	// connections in memory.
	SQLitePath string `env:"SQLITE_PATH"`

	// ValkeyAddr selects Valkey for state and token caching. Empty keeps
	// both in memory.
	ValkeyAddr     string `env:"VALKEY_ADDR"`
	ValkeyPassword string `env:"VALKEY_PASSWORD"`
	ValkeyDB       int    `env:"VALKEY_DB"`

	GoogleClientID     string   `env:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret string   `env:"GOOGLE_CLIENT_SECRET"`
	GoogleScopes       []string `env:"GOOGLE_SCOPES" envSeparator:","`

	SlackClientID     string   `env:"SLACK_CLIENT_ID"`
	SlackClientSecret string   `env:"SLACK_CLIENT_SECRET"`
	SlackScopes       []string `env:"SLACK_SCOPES" envSeparator:","`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	OTelEnabled bool `env:"OTEL_ENABLED"`
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "oauth-connect",
		Short: "OAuth connection and token lifecycle manager",
		Long: `oauth-connect brokers OAuth authorization flows with third-party
providers, stores the resulting grants encrypted at rest, and keeps them
usable through automatic refresh, health monitoring, and revocation.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newKeygenCommand())
	rootCmd.AddCommand(newHashKeyCommand())

	return rootCmd
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service",
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg envConfig
			if err := env.Parse(&cfg); err != nil {
				return fmt.Errorf("parse environment: %w", err)
			}
			return runServe(cfg)
		},
	}
}

func newKeygenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a new base64-encoded encryption key",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := security.GenerateKey()
			if err != nil {
				return fmt.Errorf("generate key: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), security.KeyToBase64(key))
			return nil
		},
	}
}

func newHashKeyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-key <api-key>",
		Short: "Produce the bcrypt hash of an internal API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := bcrypt.GenerateFromPassword([]byte(args[0]), bcrypt.DefaultCost)
			if err != nil {
				return fmt.Errorf("hash key: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(hash))
			return nil
		},
	}
}

func runServe(cfg envConfig) error {
	logger, err := buildLogger(cfg)
	if err != nil {
		return err
	}

	key, err := security.KeyFromBase64(cfg.EncryptionKey)
	if err != nil {
		return fmt.Errorf("ENCRYPTION_KEY: %w", err)
	}

	serviceCfg := &oauth.Config{
		PublicBaseURL:      cfg.PublicBaseURL,
		SuccessRedirectURL: cfg.SuccessRedirectURL,
		FailureRedirectURL: cfg.FailureRedirectURL,
		Tokens: oauth.TokenConfig{
			StateTTL:         cfg.StateTTL,
			RefreshLookAhead: cfg.RefreshLookAhead,
			CacheTTL:         cfg.TokenCacheTTL,
			ProviderTimeout:  cfg.ProviderTimeout,
		},
		Jobs: oauth.JobsConfig{
			RefreshInterval:     cfg.RefreshInterval,
			HealthCheckInterval: cfg.HealthCheckInterval,
			DisableJobs:         cfg.DisableJobs,
		},
		RateLimit: oauth.RateLimitConfig{
			Rate:       cfg.RateLimitRate,
			Burst:      cfg.RateLimitBurst,
			TrustProxy: cfg.TrustProxy,
		},
		Security: oauth.SecurityConfig{
			EncryptionKey:      key,
			InternalAPIKeyHash: cfg.InternalAPIKeyHash,
			EnableAuditLogging: cfg.AuditLogging,
		},
		Logger: logger,
		// Shared across provider adapters so they pool connections; the
		// timeout backstops calls whose context never fires.
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}

	deps, cleanup, err := buildDependencies(cfg, serviceCfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	service, err := oauth.NewService(serviceCfg, deps)
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}
	defer service.Close()

	handler, err := oauth.NewHandler(service)
	if err != nil {
		return fmt.Errorf("create handler: %w", err)
	}
	defer handler.Close()

	service.Start()

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Server listening",
			"addr", cfg.Addr,
			"providers", service.Providers())
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
	}

	return nil
}

// buildDependencies assembles the stores, providers, and
// instrumentation from the environment. The returned cleanup closes
// whatever was opened.
func buildDependencies(cfg envConfig, serviceCfg *oauth.Config, logger *slog.Logger) (oauth.Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := oauth.Dependencies{}

	if cfg.SQLitePath != "" {
		store, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return deps, cleanup, fmt.Errorf("open sqlite store: %w", err)
		}
		closers = append(closers, func() {
			if err := store.Close(); err != nil {
				logger.Error("Failed to close sqlite store", "error", err)
			}
		})
		deps.Store = store
		logger.Info("Using SQLite connection store", "path", cfg.SQLitePath)
	} else {
		mem := memory.New()
		closers = append(closers, mem.Stop)
		deps.Store = mem
		logger.Warn("Using in-memory connection store; connections will not survive restarts")
	}

	if cfg.ValkeyAddr != "" {
		vk, err := valkey.New(valkey.Config{
			Address:  cfg.ValkeyAddr,
			Password: cfg.ValkeyPassword,
			DB:       cfg.ValkeyDB,
			Logger:   logger,
		})
		if err != nil {
			return deps, cleanup, fmt.Errorf("connect to valkey: %w", err)
		}
		closers = append(closers, vk.Close)
		deps.States = vk
		deps.Cache = vk
		logger.Info("Using Valkey for state and token caching", "address", cfg.ValkeyAddr)
	} else {
		mem := memory.New()
		closers = append(closers, mem.Stop)
		deps.States = mem
		deps.Cache = mem
	}

	if cfg.GoogleClientID != "" {
		p, err := google.NewProvider(&google.Config{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  serviceCfg.CallbackURL("google"),
			Scopes:       cfg.GoogleScopes,
			HTTPClient:   serviceCfg.HTTPClient,
		})
		if err != nil {
			return deps, cleanup, fmt.Errorf("configure google provider: %w", err)
		}
		deps.Providers = append(deps.Providers, p)
	}
	if cfg.SlackClientID != "" {
		p, err := slack.NewProvider(&slack.Config{
			ClientID:     cfg.SlackClientID,
			ClientSecret: cfg.SlackClientSecret,
			RedirectURL:  serviceCfg.CallbackURL("slack"),
			Scopes:       cfg.SlackScopes,
			HTTPClient:   serviceCfg.HTTPClient,
		})
		if err != nil {
			return deps, cleanup, fmt.Errorf("configure slack provider: %w", err)
		}
		deps.Providers = append(deps.Providers, p)
	}
	if len(deps.Providers) == 0 {
		return deps, cleanup, fmt.Errorf("no providers configured; set GOOGLE_CLIENT_ID or SLACK_CLIENT_ID")
	}

	inst, err := instrumentation.New(instrumentation.Config{
		Enabled:      cfg.OTelEnabled,
		LogClientIPs: cfg.TrustProxy,
	})
	if err != nil {
		return deps, cleanup, fmt.Errorf("create instrumentation: %w", err)
	}
	closers = append(closers, func() {
		if err := inst.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shut down instrumentation", "error", err)
		}
	})
	deps.Instrumentation = inst

	return deps, cleanup, nil
}

func buildLogger(cfg envConfig) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch cfg.LogFormat {
	case "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		return nil, fmt.Errorf("LOG_FORMAT: unknown format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}
