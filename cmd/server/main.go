// Muawin file server
//
// Features:
// - Category/zone/branch scoped document storage
// - Prometheus metrics & structured logging (zap)
// - SSE change events
// - Per-user rate limiting
// - Multi-backend storage (local, S3, Azure Blob)
// - Embedded bbolt or PostgreSQL metadata
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/muawin/muawin/internal/api"
	"github.com/muawin/muawin/internal/auth"
	"github.com/muawin/muawin/internal/config"
	"github.com/muawin/muawin/internal/events"
	"github.com/muawin/muawin/internal/logging"
	"github.com/muawin/muawin/internal/metadata"
	"github.com/muawin/muawin/internal/metadata/bolt"
	"github.com/muawin/muawin/internal/metadata/postgres"
	"github.com/muawin/muawin/internal/metrics"
	"github.com/muawin/muawin/internal/ratelimit"
	"github.com/muawin/muawin/internal/storage"
	"github.com/muawin/muawin/pkg/validate"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	if len(os.Args) > 1 && os.Args[1] == "token" {
		os.Exit(issueToken(cfg, os.Args[2:]))
	}

	// Initialize structured logging
	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("Muawin server starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metaStore, err := openMetadata(cfg)
	if err != nil {
		logging.Fatal("metadata store init failed", zap.Error(err))
	}
	defer metaStore.Close()

	backend, err := storage.New(ctx, cfg)
	if err != nil {
		logging.Fatal("storage backend init failed", zap.Error(err))
	}
	defer backend.Close()
	logging.Info("storage backend ready", zap.String("backend", backend.Type()))

	authHandler := auth.New(cfg.JWTSecret)

	// Initialize SSE broadcaster
	broadcaster := events.NewBroadcaster()
	logging.Info("SSE broadcaster initialized")

	rateLimiter := ratelimit.New(cfg.RateLimitRPM)
	go rateLimiter.RunCleanup(ctx, time.Hour)

	// Create API server
	srv := api.NewServer(metaStore, backend, authHandler, broadcaster, api.Options{
		Categories: cfg.Categories,
		Validator: &validate.Validator{
			MaxImageSize:    cfg.MaxImageSize,
			MaxDocumentSize: cfg.MaxDocumentSize,
			Extensions:      validate.DefaultExtensions,
		},
		RateLimiter: rateLimiter,
	})
	if err := srv.Init(ctx); err != nil {
		logging.Fatal("server init failed", zap.Error(err))
	}

	// Start metrics server
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	// Start HTTP(S) server
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	useTLS := cfg.TLSCertFile != "" && cfg.TLSKeyFile != ""
	if useTLS {
		httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS13,
		}
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")
		cancel()
		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		httpServer.Shutdown(shutdownCtx)
		metricsServer.Close()
	}()

	// Start periodic metrics update
	if pg, ok := metaStore.(*postgres.Store); ok {
		go func() {
			ticker := time.NewTicker(15 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					pg.UpdateConnectionMetrics()
				}
			}
		}()
	}

	if useTLS {
		logging.Info("server listening (TLS 1.3)",
			zap.String("addr", cfg.ListenAddr),
			zap.String("cert", cfg.TLSCertFile))
		if err := httpServer.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile); err != http.ErrServerClosed {
			logging.Fatal("server error", zap.Error(err))
		}
	} else {
		logging.Info("server listening (HTTP)", zap.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Fatal("server error", zap.Error(err))
		}
	}
}

func openMetadata(cfg *config.Config) (metadata.Store, error) {
	switch cfg.MetadataBackend {
	case "postgres":
		logging.Info("connecting to PostgreSQL...")
		store, err := postgres.New(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if info, err := os.Stat(cfg.MigrationsDir); err == nil && info.IsDir() {
			logging.Info("running migrations...", zap.String("dir", cfg.MigrationsDir))
			if err := store.Migrate(cfg.MigrationsDir); err != nil {
				store.Close()
				return nil, fmt.Errorf("migrate: %w", err)
			}
		} else {
			logging.Warn("migrations directory not found, skipping", zap.String("dir", cfg.MigrationsDir))
		}
		return store, nil
	default:
		logging.Info("opening bolt metadata store", zap.String("path", cfg.BoltPath))
		store, err := bolt.Open(cfg.BoltPath)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
}

// issueToken prints a signed token. Login lives upstream; this is for
// operators and scripts.
func issueToken(cfg *config.Config, args []string) int {
	fs := pflag.NewFlagSet("token", pflag.ContinueOnError)
	user := fs.String("user", "", "Username")
	userID := fs.String("user-id", "", "User ID (defaults to the username)")
	role := fs.String("role", auth.RoleAdmin, "Role")
	zone := fs.String("zone", "", "Zone (required unless the role is Admin)")
	branch := fs.String("branch", "", "Branch (required unless the role is Admin)")
	ttl := fs.Duration("ttl", 24*time.Hour, "Token lifetime")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *user == "" {
		fmt.Fprintln(os.Stderr, "--user is required")
		return 2
	}
	if *userID == "" {
		*userID = *user
	}

	claims := auth.Claims{UserID: *userID, Username: *user, Role: *role, Zone: *zone, Branch: *branch}
	if !claims.IsAdmin() && (*zone == "" || *branch == "") {
		fmt.Fprintln(os.Stderr, "--zone and --branch are required for non-Admin roles")
		return 2
	}
	token, expires, err := auth.New(cfg.JWTSecret).IssueToken(claims, *ttl)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "expires %s\n", expires.Format(time.RFC3339))
	return 0
}
