package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"astrograph/pkg/bridge"
	"astrograph/pkg/eventbus"
	"astrograph/pkg/hardening"
	"astrograph/pkg/ledger"
	"astrograph/pkg/metrics"
	"astrograph/pkg/proxy"
	"astrograph/pkg/ratelimit"
	"astrograph/pkg/staging"
	"astrograph/pkg/store"
	"astrograph/pkg/stream"
	"astrograph/pkg/telemetry"

	"github.com/redis/go-redis/v9"
)

const serviceName = "astrograph-gateway"

type bridgeCaller interface {
	proxy.Caller
	Ping(ctx context.Context) *bridge.Error
}

type Server struct {
	Bridge              bridgeCaller
	Forwarder           *proxy.Forwarder
	Staging             *staging.Manager
	Metrics             *metrics.Registry
	Events              *stream.Hub
	Bus                 eventbus.Publisher
	Ledger              *ledger.Queue
	RateLimiter         ratelimit.Limiter
	TrustedProxyCIDRs   []*net.IPNet
	CORSAllowedOrigins  string
	WSAllowedOrigins    []string
	MaxRequestBodyBytes int64
	MaxUploadBytes      int64
	ReadyTimeout        time.Duration
}

type gatewayDBCloser interface {
	ledger.MigrationDB
	Close()
}

type gatewayInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type gatewayOpenDBFunc func(ctx context.Context) (gatewayDBCloser, error)
type gatewayOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type gatewayOpenBusFunc func(cfg eventbus.Config) (eventbus.Publisher, error)
type gatewayListenFunc func(server *http.Server) error
type gatewayStartLoopsFunc func(ctx context.Context, s *Server)

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	initTelemetryG = telemetry.Init
	openDBFnG      = func(ctx context.Context) (gatewayDBCloser, error) {
		return store.NewPostgresPool(ctx, store.PostgresConfigFromEnv())
	}
	openRedisFnG = func(ctx context.Context) (*redis.Client, error) {
		cfg, err := store.RedisConfigFromEnv()
		if err != nil {
			return nil, err
		}
		return store.NewRedis(ctx, cfg)
	}
	openBusFnG = func(cfg eventbus.Config) (eventbus.Publisher, error) {
		return eventbus.NewKafkaPublisher(cfg)
	}
	listenFnG     = func(server *http.Server) error { return server.ListenAndServe() }
	startLoopsFnG = func(ctx context.Context, s *Server) {
		go s.metricsLoop(ctx, 15*time.Second)
	}
)

func main() {
	if err := runGateway(initTelemetryG, openDBFnG, openRedisFnG, openBusFnG, listenFnG, startLoopsFnG); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(
	initTelemetry gatewayInitTelemetryFunc,
	openDB gatewayOpenDBFunc,
	openRedis gatewayOpenRedisFunc,
	openBus gatewayOpenBusFunc,
	listen gatewayListenFunc,
	startLoops gatewayStartLoopsFunc,
) error {
	if listen == nil {
		return errors.New("listen function required")
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := initTelemetry(ctx, serviceName)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	bridgeURL := env("PYTHON_BRIDGE_URL", "http://localhost:8000")
	rateLimitEnabled := envBool("RATE_LIMIT_ENABLED", false)
	ledgerEnabled := envBool("LEDGER_ENABLED", false)
	ledgerSalt := env("LEDGER_HASH_SALT", "")
	corsOrigins := env("CORS_ALLOWED_ORIGINS", "*")
	if err := hardening.ValidateProduction(hardening.Options{
		Service:            serviceName,
		Environment:        env("ENVIRONMENT", env("APP_ENV", "")),
		StrictProdSecurity: env("STRICT_PROD_SECURITY", "true"),
		CORSAllowedOrigins: corsOrigins,
		BridgeURL:          bridgeURL,
		RateLimitEnabled:   rateLimitEnabled,
		RedisAddr:          env("REDIS_ADDR", ""),
		RedisRequireTLS:    env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:   env("REDIS_TLS_INSECURE", ""),
		LedgerEnabled:      ledgerEnabled,
		DatabaseRequireTLS: env("DATABASE_REQUIRE_TLS", ""),
		LedgerHashSalt:     ledgerSalt,
	}); err != nil {
		return err
	}

	bridgeTimeout := time.Millisecond * time.Duration(envInt("BRIDGE_TIMEOUT_MS", 30000))
	client, err := bridge.New(bridgeURL,
		bridge.WithTimeout(bridgeTimeout),
		bridge.WithHTTPClient(telemetry.InstrumentClient(&http.Client{})),
	)
	if err != nil {
		return err
	}

	maxBody := int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20))
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	maxUpload := int64(envInt("MAX_UPLOAD_BYTES", 32<<20))
	if maxUpload <= 0 {
		maxUpload = 32 << 20
	}
	s := &Server{
		Bridge:              client,
		Staging:             staging.New(env("UPLOAD_DIR", "uploads"), staging.WithMaxSize(maxUpload)),
		Metrics:             metrics.NewRegistry(),
		Events:              stream.NewHub(),
		TrustedProxyCIDRs:   ratelimit.ParseCIDRs(env("TRUSTED_PROXY_CIDRS", "")),
		CORSAllowedOrigins:  corsOrigins,
		WSAllowedOrigins:    splitList(env("WS_ALLOWED_ORIGINS", "")),
		MaxRequestBodyBytes: maxBody,
		MaxUploadBytes:      maxUpload,
		ReadyTimeout:        time.Millisecond * time.Duration(envInt("READY_TIMEOUT_MS", 2000)),
	}
	if s.Forwarder, err = s.newForwarder(envBool("BRIDGE_STRICT_ERROR_STATUS", false)); err != nil {
		return err
	}
	if removed, err := s.Staging.Sweep(envDurationSec("UPLOAD_SWEEP_AGE_SEC", 3600)); err != nil {
		log.Printf("gateway: staging sweep failed: %v", err)
	} else if removed > 0 {
		log.Printf("gateway: swept %d orphaned uploads from %s", removed, s.Staging.Dir())
	}

	if rateLimitEnabled {
		limit := envInt("RATE_LIMIT_PER_MINUTE", 240)
		window := envDurationSec("RATE_LIMIT_WINDOW_SEC", 60)
		var redisClient *redis.Client
		if strings.TrimSpace(env("REDIS_ADDR", "")) != "" && openRedis != nil {
			redisClient, err = openRedis(ctx)
			if err != nil {
				log.Printf("gateway: redis unavailable, falling back to in-memory limits: %v", err)
				redisClient = nil
			}
		}
		if redisClient != nil {
			defer redisClient.Close()
			s.RateLimiter = ratelimit.NewRedis(redisClient, limit, window)
		} else {
			s.RateLimiter = ratelimit.NewInMemory(limit, window)
		}
	}

	if ledgerEnabled {
		if openDB == nil {
			return errors.New("ledger enabled without a database opener")
		}
		pool, err := openDB(ctx)
		if err != nil {
			return fmt.Errorf("db: %w", err)
		}
		defer pool.Close()
		if envBool("LEDGER_AUTO_MIGRATE", false) {
			if _, err := ledger.Migrate(ctx, pool, ledger.Migrations(), log.Printf); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
		}
		s.Ledger = ledger.NewQueue(&ledger.Writer{DB: pool, HashSalt: []byte(ledgerSalt)},
			envInt("LEDGER_QUEUE_SIZE", 256),
			time.Millisecond*time.Duration(envInt("LEDGER_WRITE_TIMEOUT_MS", 2000)))
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.Ledger.Close(closeCtx); err != nil {
				log.Printf("gateway: ledger drain: %v", err)
			}
		}()
	}

	if brokers := eventbus.ParseBrokers(env("EVENTS_KAFKA_BROKERS", "")); len(brokers) > 0 && openBus != nil {
		bus, err := openBus(eventbus.Config{Brokers: brokers, Topic: env("EVENTS_KAFKA_TOPIC", "astrograph.gateway.events")})
		if err != nil {
			return fmt.Errorf("event bus: %w", err)
		}
		s.Bus = bus
		defer func() {
			if err := bus.Close(); err != nil {
				log.Printf("gateway: event bus close: %v", err)
			}
		}()
	}

	loopCtx, cancelLoops := context.WithCancel(ctx)
	defer cancelLoops()
	if startLoops != nil {
		startLoops(loopCtx, s)
	}

	addr := ":" + env("PORT", "5001")
	server := &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 60),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 90),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	log.Printf("gateway listening on %s (bridge %s, timeout %s)", addr, client.BaseURL(), client.Timeout())

	errCh := make(chan error, 1)
	go func() { errCh <- listen(server) }()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		log.Printf("gateway: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), envDurationSec("SHUTDOWN_TIMEOUT_SEC", 15))
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	}
}

func (s *Server) newForwarder(strict bool) (*proxy.Forwarder, error) {
	table, err := proxy.NewTable(proxy.DefaultRoutes())
	if err != nil {
		return nil, err
	}
	return proxy.NewForwarder(table, s.Bridge,
		proxy.WithStrictErrorStatus(strict),
		proxy.WithObserver(s.observeForward),
	), nil
}

func (s *Server) metricsLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	s.updateOperationalMetrics()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.updateOperationalMetrics()
		}
	}
}

func (s *Server) updateOperationalMetrics() {
	if s.Metrics == nil {
		return
	}
	if s.Staging != nil {
		st := s.Staging.Stats()
		s.Metrics.SetGauge("uploads_in_flight", float64(st.InFlight))
		s.Metrics.SetGauge("uploads_stage_errors", float64(st.StageErrors))
		s.Metrics.SetGauge("uploads_swept", float64(st.Swept))
	}
	if s.Events != nil {
		s.Metrics.SetGauge("event_subscribers", float64(s.Events.Subscribers()))
		s.Metrics.SetGauge("events_dropped", float64(s.Events.Dropped()))
	}
	if s.Ledger != nil {
		s.Metrics.SetGauge("ledger_dropped", float64(s.Ledger.Dropped()))
		s.Metrics.SetGauge("ledger_failed", float64(s.Ledger.Failed()))
	}
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envBool(k string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(k)))
	switch v {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return def
}
