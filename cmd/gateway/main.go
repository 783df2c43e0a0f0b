package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pohlai88/aibos-gateway/internal/audit"
	"github.com/pohlai88/aibos-gateway/internal/gateway"
	"github.com/pohlai88/aibos-gateway/internal/kernel"
	"github.com/pohlai88/aibos-gateway/internal/logging"
	"github.com/pohlai88/aibos-gateway/internal/manifest"
	"github.com/pohlai88/aibos-gateway/internal/ratelimit"
	"github.com/pohlai88/aibos-gateway/internal/tracing"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	manifestPath := flag.String("manifest", envOr("GATEWAY_MANIFEST", ""), "Path to a YAML manifest patch (empty = signed defaults)")
	addr := flag.String("addr", envOr("GATEWAY_ADDR", ":8080"), "Public listen address")
	adminAddr := flag.String("admin-addr", envOr("GATEWAY_ADMIN_ADDR", ":9090"), "Admin listen address")
	logLevel := flag.String("log-level", envOr("GATEWAY_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	logFile := flag.String("log-file", envOr("GATEWAY_LOG_FILE", ""), "Log file path (empty = stderr)")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate the manifest and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("aibos-gateway %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	secret := os.Getenv("GATEWAY_SECRET")
	if secret == "" {
		fmt.Fprintln(os.Stderr, "GATEWAY_SECRET must be set")
		os.Exit(1)
	}
	tokenSecret := envOr("GATEWAY_TOKEN_SECRET", secret)

	logger, err := logging.New(logging.Config{Level: *logLevel, File: *logFile})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	m, err := manifest.Load(*manifestPath, secret)
	if err != nil {
		logging.Error("Failed to load manifest", zap.Error(err))
		os.Exit(1)
	}
	if *validateOnly {
		fmt.Println("Manifest is valid")
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := gateway.Options{
		Secret:       secret,
		TokenSecret:  tokenSecret,
		APIKeyPrefix: envOr("GATEWAY_API_KEY_PREFIX", "ak"),
		Addr:         *addr,
		AdminAddr:    *adminAddr,
	}

	if dsn := os.Getenv("GATEWAY_REDIS_URL"); dsn != "" {
		ropts, err := redis.ParseURL(dsn)
		if err != nil {
			logging.Error("Invalid redis URL", zap.Error(err))
			os.Exit(1)
		}
		client := redis.NewClient(ropts)
		defer client.Close()
		opts.RateLimitStore = ratelimit.NewRedisStore(client)
		logging.Info("Rate limit store: redis", zap.String("addr", ropts.Addr))
	} else {
		opts.RateLimitStore = ratelimit.NewMemoryStore()
		logging.Info("Rate limit store: memory")
	}

	if dsn := os.Getenv("GATEWAY_POSTGRES_URL"); dsn != "" {
		store, err := audit.NewPostgresStore(ctx, dsn, secret)
		if err != nil {
			logging.Error("Failed to connect audit store", zap.Error(err))
			os.Exit(1)
		}
		defer store.Close()
		opts.AuditStore = store
		logging.Info("Audit store: postgres")
	} else {
		opts.AuditStore = audit.NewMemoryStore(secret)
		logging.Info("Audit store: memory")
	}

	if endpoint := os.Getenv("GATEWAY_OTLP_ENDPOINT"); endpoint != "" {
		sampleRate, _ := strconv.ParseFloat(envOr("GATEWAY_TRACE_SAMPLE_RATE", "1.0"), 64)
		tracer, err := tracing.New(tracing.Config{
			Enabled:     true,
			Endpoint:    endpoint,
			ServiceName: m.Name,
			SampleRate:  sampleRate,
			Insecure:    os.Getenv("GATEWAY_OTLP_INSECURE") == "true",
		})
		if err != nil {
			logging.Error("Failed to initialize tracing", zap.Error(err))
			os.Exit(1)
		}
		opts.Tracer = tracer
		logging.Info("Tracing enabled", zap.String("endpoint", endpoint))
	}

	exec := kernel.NewLocal()

	logging.Info("Starting gateway",
		zap.String("version", version),
		zap.String("name", m.Name),
		zap.String("env", m.Env),
		zap.String("manifest", *manifestPath),
	)

	gw, err := gateway.New(m, exec, opts)
	if err != nil {
		logging.Error("Failed to create gateway", zap.Error(err))
		os.Exit(1)
	}

	if err := gw.Run(ctx); err != nil {
		logging.Error("Gateway error", zap.Error(err))
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
