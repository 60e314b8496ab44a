// cmd/main.go is the application entry point.
// It wires together all layers and starts the HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Shivanand-hulikatti/qr-ticketing/internal/auth"
	"github.com/Shivanand-hulikatti/qr-ticketing/internal/config"
	"github.com/Shivanand-hulikatti/qr-ticketing/internal/database"
	"github.com/Shivanand-hulikatti/qr-ticketing/internal/handler"
	"github.com/Shivanand-hulikatti/qr-ticketing/internal/logger"
	"github.com/Shivanand-hulikatti/qr-ticketing/internal/ratelimit"
	"github.com/Shivanand-hulikatti/qr-ticketing/internal/repository"
	"github.com/Shivanand-hulikatti/qr-ticketing/internal/service"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var envFile string

	loadConfig := func() (*config.Config, error) {
		if envFile != "" {
			return config.LoadWithPath(envFile)
		}
		return config.Load()
	}

	cmd := &cobra.Command{
		Use:           "qr-ticketing",
		Short:         "Event registration with QR tickets and door check-in",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Path to an env file (default: ./.env if present)")

	cmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Create the database schema for the configured storage driver",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log, err := logger.New(cfg.App.LogLevel, cfg.IsDevelopment())
			if err != nil {
				return err
			}
			defer log.Sync() //nolint:errcheck

			_, closeStore, err := openStore(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			closeStore()
			log.Info("schema up to date", zap.String("driver", cfg.Storage.Driver))
			return nil
		},
	})

	cmd.AddCommand(tokenCmd(loadConfig))
	return cmd
}

func tokenCmd(loadConfig func() (*config.Config, error)) *cobra.Command {
	var (
		subject string
		role    string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a capability token for staff",
		Long: `Mint a signed capability token. Organizers can create events and see
ticket lists; scanners can look up and check in tickets. Give the token to the
staff member; they paste it on /login or send it as a Bearer header.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			r, err := auth.ParseRole(role)
			if err != nil {
				return err
			}
			if ttl <= 0 {
				ttl = cfg.JWT.TokenTTL
			}
			tm := auth.NewTokenManager(cfg.JWT.Secret, cfg.JWT.Issuer, ttl)
			token, expires, err := tm.Issue(subject, r)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "role=%s subject=%s expires=%s\n", r, subject, expires.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "Who the token is for (required)")
	cmd.Flags().StringVar(&role, "role", string(auth.RoleScanner), "Role: organizer, scanner or attendee")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (default JWT_TOKEN_TTL)")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

// openStore connects the configured backend and applies the schema.
func openStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (repository.Store, func(), error) {
	switch cfg.Storage.Driver {
	case config.DriverSQLite:
		pool, err := database.OpenSQLite(cfg.SQLite, log)
		if err != nil {
			return nil, nil, err
		}
		if err := database.MigrateSQLite(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return repository.NewSQLiteStore(pool), func() { pool.Close() }, nil

	default:
		pool, err := database.NewPool(ctx, cfg.Database, log)
		if err != nil {
			return nil, nil, err
		}
		if err := database.MigratePostgres(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
		log.Info("connected to postgres", zap.String("host", cfg.Database.Host), zap.String("db", cfg.Database.DBName))
		return repository.NewPostgresStore(pool), pool.Close, nil
	}
}

// openRedis returns nil when rate limiting is disabled. An unreachable
// server is logged but not fatal; the limiter fails open.
func openRedis(ctx context.Context, cfg config.RedisConfig, log *zap.Logger) *redis.Client {
	if !cfg.Enabled {
		log.Info("redis disabled, rate limits not enforced")
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Warn("redis unreachable, rate limits will fail open", zap.String("addr", cfg.Addr()), zap.Error(err))
	} else {
		log.Info("connected to redis", zap.String("addr", cfg.Addr()))
	}
	return client
}

func serve(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}

	log, err := logger.New(cfg.App.LogLevel, cfg.IsDevelopment())
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	// ── 1. Connect to the datastore ─────────────────────────────────────
	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer closeStore()

	rdb := openRedis(ctx, cfg.Redis, log)
	if rdb != nil {
		defer rdb.Close()
	}

	// ── 2. Wire up layers ───────────────────────────────────────────────
	policy := service.PolicyFromConfig(cfg.Tickets)
	svc := service.Services{
		Catalog: service.NewEventCatalog(store, policy, log.Named("catalog")),
		Issuer:  service.NewTicketIssuer(store, policy, cfg.Tickets.QRSize, log.Named("issuer")),
		Gate:    service.NewCheckInGate(store, log.Named("gate")),
	}
	tokens := auth.NewTokenManager(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.TokenTTL)
	h, err := handler.New(svc, store, tokens, log.Named("http"), cfg.IsProduction())
	if err != nil {
		return err
	}

	// ── 3. Build the router ─────────────────────────────────────────────
	limiter := ratelimit.New(rdb, cfg.RateLimit.Window, log.Named("ratelimit"))
	router := handler.NewRouter(h, limiter, cfg.RateLimit)

	// ── 4. Start server with graceful shutdown ──────────────────────────
	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Run in background goroutine so we can listen for shutdown signal.
	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening",
			zap.String("addr", srv.Addr),
			zap.String("storage", cfg.Storage.Driver),
			zap.Bool("count_plus_ones", cfg.Tickets.CountPlusOnes),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Block until SIGINT or SIGTERM.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info("shutting down server", zap.String("signal", sig.String()))
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	log.Info("server stopped")
	return nil
}
