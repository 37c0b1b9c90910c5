package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/example/ride-queue/internal/config"
	"github.com/example/ride-queue/internal/dispatch"
	"github.com/example/ride-queue/internal/gateway"
	"github.com/example/ride-queue/internal/geo"
	httpapi "github.com/example/ride-queue/internal/http"
	"github.com/example/ride-queue/internal/ingest"
	"github.com/example/ride-queue/internal/intake"
	"github.com/example/ride-queue/internal/lifecycle"
	"github.com/example/ride-queue/internal/logging"
	"github.com/example/ride-queue/internal/payments"
	"github.com/example/ride-queue/internal/rating"
	"github.com/example/ride-queue/internal/routecache"
	"github.com/example/ride-queue/internal/routing"
	"github.com/example/ride-queue/internal/session"
	"github.com/example/ride-queue/internal/storage"
)

func main() {
	// a missing .env is fine; the environment may already be set
	_ = godotenv.Load()

	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store storage.BookingStore
	devMode := cfg.PGDSN == ""
	if devMode {
		logger.Warn("PG_DSN not set; using in-memory booking store")
		store = storage.NewMemoryStore()
	} else {
		if cfg.RunMigrations {
			runMigrations(cfg.PGDSN, logger)
		}
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres unavailable", "error", err)
			os.Exit(1)
		}
		defer ps.Close()
		store = ps
	}

	var rc *redis.Client
	if cfg.RedisAddr != "" {
		rc = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := rc.Ping(ctx).Err(); err != nil {
			logger.Warn("redis ping failed", "addr", cfg.RedisAddr, "error", err)
		}
		defer rc.Close()
	}

	var (
		publisher gateway.Publisher
		locations *ingest.KafkaProducer
	)
	if len(cfg.KafkaBrokers) > 0 {
		events := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaEventsTopic)
		defer events.Close()
		publisher = events
		locations = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic)
		defer locations.Close()
	}

	gw := gateway.NewLocal(store, gateway.NewHub(), publisher, cfg.GatewayTimeout, logger)

	if len(cfg.KafkaBrokers) > 0 {
		bookings := ingest.BookingWatcher(ingest.NewReader(cfg.KafkaBrokers, cfg.KafkaBookingTopic, cfg.KafkaGroup), cfg.KafkaBookingTopic, gw, logger)
		requests := ingest.RequestWatcher(ingest.NewReader(cfg.KafkaBrokers, cfg.KafkaRequestTopic, cfg.KafkaGroup), cfg.KafkaRequestTopic, gw, logger)
		go bookings.Run(ctx)
		go requests.Run(ctx)
	}

	var (
		positions geo.Positions = geo.NewIndex()
		ratings   rating.Record = rating.NewMemoryRecord()
		routes    routecache.Store
	)
	if rc != nil {
		positions = geo.NewRedisGeo(rc, cfg.RedisGeoKey)
		ratings = rating.NewRedisRecord(rc)
		routes = routecache.NewRedisStore(rc, cfg.RouteCacheTTL)
	} else {
		routes = routecache.NewMemoryStore(cfg.RouteCacheTTL)
	}
	cache := routecache.New(routing.NewOSRMClient(cfg.OSRMEndpoint, cfg.RouteTimeout), routes, cfg.RouteDeviationMeters, cfg.RouteTimeout, logger)

	var (
		hooks  []dispatch.Hook
		holder httpapi.Holder
	)
	if cfg.FCMEndpoint != "" {
		hooks = append(hooks, dispatch.NewFCMNotifier(cfg.FCMEndpoint, cfg.FCMKey))
	}
	if cfg.StripeAPIKey != "" {
		sc := payments.NewStripeClient(cfg.StripeAPIKey)
		hooks = append(hooks, payments.NewSettlement(sc))
		holder = sc
	}
	machine := lifecycle.NewMachine(gw, dispatch.NewHooks(cfg.GatewayTimeout, logger, hooks...), cfg.GatewayTimeout, logger)

	deps := session.Deps{
		Gateway:       gw,
		Machine:       machine,
		Routes:        cache,
		Ratings:       ratings,
		Positions:     positions,
		Windows:       intake.Windows{Initial: cfg.InitialPhase, SecondChance: cfg.SecondChancePhase},
		MaxQueueDepth: cfg.MaxQueueDepth,
		SweepInterval: cfg.SweepInterval,
		Logger:        logger,
	}
	if locations != nil {
		deps.Locations = locations
	}
	sessions := session.NewManager(deps)
	defer sessions.Close()

	opts := httpapi.Options{
		Sessions: sessions,
		Auth:     httpapi.NewAuthenticator(cfg.JWTSecret),
		WS:       dispatch.NewWSRegistry(),
		Payments: holder,
		Logger:   logger,
	}
	if devMode {
		opts.Dev = gw
	}
	if cfg.JWTSecret == "" {
		logger.Warn("JWT_SECRET not set; trusting X-Driver-ID")
	}

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(opts),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.Info("ride-queue listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}

func runMigrations(dsn string, logger *slog.Logger) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		logger.Error("migration db open failed", "error", err)
		return
	}
	defer db.Close()
	name := "001_create_bookings.sql"
	b, err := os.ReadFile(filepath.Join("migrations", name))
	if err != nil {
		logger.Error("migration read failed", "file", name, "error", err)
		return
	}
	if _, err := db.Exec(string(b)); err != nil {
		logger.Error("migration exec failed", "file", name, "error", err)
		return
	}
	logger.Info("migration applied", "file", name)
}
