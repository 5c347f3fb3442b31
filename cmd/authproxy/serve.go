package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/knadh/koanf/parsers/dotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/cobra"

	"github.com/storegate/authproxy"
	"github.com/storegate/authproxy/instrumentation"
	"github.com/storegate/authproxy/security"
	"github.com/storegate/authproxy/storage"
	memorystore "github.com/storegate/authproxy/storage/memory"
	valkeystore "github.com/storegate/authproxy/storage/valkey"
)

// serveEnvFile is the optional dotenv file loaded before the process
// environment. Real environment variables always win.
var serveEnvFile string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the auth proxy HTTP server",
	Long: `Starts the auth proxy. Configuration is read from the environment
(optionally seeded from a dotenv file):

  PORT                 listen port (default 3001)
  API_URL              backend API base URL (required)
  API_CLIENT_ID        OAuth client ID for the client-credentials grant (required)
  API_CLIENT_SECRET    OAuth client secret (required)
  AUTH_SERVER_SECRET   cookie-signing secret (required)
  FRONTEND_ORIGIN      the single trusted browser origin (required)
  IP_WHITELIST         comma-separated IPs allowed to mint sessions (required)
  APP_ENV              "production" enables Secure cookies and HSTS
  TRUST_PROXY          "true" to honor X-Forwarded-For / X-Real-IP
  TRUSTED_PROXY_COUNT  trusted proxies in front of this server (default 1)
  AUDIT_LOGGING        "true" to enable the security audit trail
  VALKEY_ADDR          Valkey address; empty selects the in-memory store
  VALKEY_PASSWORD      Valkey password
  VALKEY_DB            Valkey database number
  VALKEY_KEY_PREFIX    Valkey key prefix (default "authproxy:")`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveEnvFile, "env-file", "", "dotenv file to load before the environment")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	k := koanf.New(".")

	if serveEnvFile != "" {
		if err := k.Load(file.Provider(serveEnvFile), dotenv.Parser()); err != nil {
			return fmt.Errorf("failed to load env file %s: %w", serveEnvFile, err)
		}
	}
	if err := k.Load(env.Provider("", ".", nil), nil); err != nil {
		return fmt.Errorf("failed to load environment: %w", err)
	}

	logger := newLogger(k.String("LOG_LEVEL"))

	cfg := &authproxy.Config{
		Backend: authproxy.BackendConfig{
			APIURL:       k.String("API_URL"),
			ClientID:     k.String("API_CLIENT_ID"),
			ClientSecret: k.String("API_CLIENT_SECRET"),
		},
		Session: authproxy.SessionConfig{
			Secret: k.String("AUTH_SERVER_SECRET"),
		},
		Security: authproxy.SecurityConfig{
			IPWhitelist:        splitList(k.String("IP_WHITELIST")),
			TrustProxy:         k.Bool("TRUST_PROXY"),
			TrustedProxyCount:  k.Int("TRUSTED_PROXY_COUNT"),
			Production:         k.String("APP_ENV") == "production",
			EnableAuditLogging: k.Bool("AUDIT_LOGGING"),
		},
		CORS: authproxy.CORSConfig{
			FrontendOrigin: k.String("FRONTEND_ORIGIN"),
		},
		Logger: logger,
	}

	nonces, tokens, counters, pinger, closeStore, err := buildStores(k, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	server, err := authproxy.NewServer(cfg, nonces, tokens)
	if err != nil {
		return err
	}

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceVersion: rootCmd.Version,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize instrumentation: %w", err)
	}
	defer inst.Shutdown(context.Background())

	handler := authproxy.NewHandler(server, counters)
	handler.SetInstrumentation(inst)
	if pinger != nil {
		handler.SetPinger(pinger)
	}

	port := k.String("PORT")
	if port == "" {
		port = "3001"
	}

	httpServer := &http.Server{
		Addr:              ":" + port,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Auth proxy listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// buildStores selects the storage backend: Valkey when VALKEY_ADDR is
// set (shared sessions, token cache and rate-limit windows across
// instances), in-memory otherwise. An unreachable Valkey is a boot
// failure, not a silent memory fallback.
func buildStores(k *koanf.Koanf, logger *slog.Logger) (storage.NonceStore, storage.TokenCache, storage.RateLimitStore, storage.Pinger, func(), error) {
	if addr := k.String("VALKEY_ADDR"); addr != "" {
		store, err := valkeystore.New(valkeystore.Config{
			Address:   addr,
			Password:  k.String("VALKEY_PASSWORD"),
			DB:        k.Int("VALKEY_DB"),
			KeyPrefix: k.String("VALKEY_KEY_PREFIX"),
			Logger:    logger,
		})
		if err != nil {
			return nil, nil, nil, nil, nil, fmt.Errorf("failed to connect to valkey: %w", err)
		}
		return store, store, store, store, store.Close, nil
	}

	store := memorystore.New()
	store.SetLogger(logger)
	counters := security.NewInProcessCounters()
	return store, store, counters, nil, store.Close, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
