package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"astrograph/pkg/eventbus"
	"astrograph/pkg/ratelimit"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

func noopTelemetry(context.Context, string) (func(context.Context) error, error) {
	return func(context.Context) error { return nil }, nil
}

type fakeDB struct {
	closed bool
}

func (f *fakeDB) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}
func (f *fakeDB) QueryRow(context.Context, string, ...any) pgx.Row {
	return fakeRow{err: errors.New("relation does not exist")}
}
func (f *fakeDB) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("no transactions")
}
func (f *fakeDB) Close() { f.closed = true }

type fakeRow struct{ err error }

func (r fakeRow) Scan(...any) error { return r.err }

type captured struct {
	server *http.Server
	s      *Server
}

// runCaptured runs the gateway with a listen hook that records the server and
// returns immediately.
func runCaptured(t *testing.T, openDB gatewayOpenDBFunc, openRedis gatewayOpenRedisFunc, openBus gatewayOpenBusFunc) (captured, error) {
	t.Helper()
	var c captured
	err := runGateway(noopTelemetry, openDB, openRedis, openBus,
		func(server *http.Server) error {
			c.server = server
			return http.ErrServerClosed
		},
		func(_ context.Context, s *Server) { c.s = s },
	)
	return c, err
}

func setBaseEnv(t *testing.T) {
	t.Setenv("PYTHON_BRIDGE_URL", "http://localhost:8000")
	t.Setenv("UPLOAD_DIR", t.TempDir())
	t.Setenv("ENVIRONMENT", "test")
}

func TestRunGatewayDefaults(t *testing.T) {
	setBaseEnv(t)
	c, err := runCaptured(t, nil, nil, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if c.server.Addr != ":5001" {
		t.Fatalf("expected default port 5001, got %s", c.server.Addr)
	}
	if c.s.RateLimiter != nil || c.s.Ledger != nil || c.s.Bus != nil {
		t.Fatalf("optional components should be off by default: %+v", c.s)
	}
	if c.s.MaxRequestBodyBytes != 1<<20 || c.s.MaxUploadBytes != 32<<20 {
		t.Fatalf("unexpected body limits %d %d", c.s.MaxRequestBodyBytes, c.s.MaxUploadBytes)
	}
	rr := httptest.NewRecorder()
	c.server.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "Space Explorer API Gateway Online") {
		t.Fatalf("unexpected root %d %s", rr.Code, rr.Body.String())
	}
}

func TestRunGatewayPortAndLimits(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("PORT", "6100")
	t.Setenv("MAX_REQUEST_BODY_BYTES", "-1")
	t.Setenv("MAX_UPLOAD_BYTES", "2048")
	c, err := runCaptured(t, nil, nil, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if c.server.Addr != ":6100" || c.s.MaxRequestBodyBytes != 1<<20 || c.s.MaxUploadBytes != 2048 {
		t.Fatalf("unexpected config addr=%s body=%d upload=%d", c.server.Addr, c.s.MaxRequestBodyBytes, c.s.MaxUploadBytes)
	}
}

func TestRunGatewayErrors(t *testing.T) {
	t.Run("listen_required", func(t *testing.T) {
		setBaseEnv(t)
		if err := runGateway(noopTelemetry, nil, nil, nil, nil, nil); err == nil {
			t.Fatal("expected error without listen func")
		}
	})
	t.Run("listen_error", func(t *testing.T) {
		setBaseEnv(t)
		err := runGateway(noopTelemetry, nil, nil, nil, func(*http.Server) error { return errors.New("bind failed") }, nil)
		if err == nil || err.Error() != "bind failed" {
			t.Fatalf("expected listen error, got %v", err)
		}
	})
	t.Run("telemetry", func(t *testing.T) {
		setBaseEnv(t)
		initFail := func(context.Context, string) (func(context.Context) error, error) {
			return nil, errors.New("collector down")
		}
		err := runGateway(initFail, nil, nil, nil, func(*http.Server) error { return nil }, nil)
		if err == nil || !strings.Contains(err.Error(), "otel") {
			t.Fatalf("expected otel error, got %v", err)
		}
	})
	t.Run("bad_bridge_url", func(t *testing.T) {
		setBaseEnv(t)
		t.Setenv("PYTHON_BRIDGE_URL", "localhost:8000")
		if _, err := runCaptured(t, nil, nil, nil); err == nil {
			t.Fatal("expected bridge url error")
		}
	})
	t.Run("production_hardening", func(t *testing.T) {
		setBaseEnv(t)
		t.Setenv("ENVIRONMENT", "production")
		t.Setenv("PYTHON_BRIDGE_URL", "https://bridge.internal.example")
		t.Setenv("CORS_ALLOWED_ORIGINS", "*")
		if _, err := runCaptured(t, nil, nil, nil); err == nil || !strings.Contains(err.Error(), "CORS") {
			t.Fatalf("expected CORS hardening error, got %v", err)
		}
	})
}

func TestRunGatewayRateLimiter(t *testing.T) {
	t.Run("redis", func(t *testing.T) {
		setBaseEnv(t)
		mr := miniredis.RunT(t)
		t.Setenv("RATE_LIMIT_ENABLED", "true")
		t.Setenv("REDIS_ADDR", mr.Addr())
		openRedis := func(context.Context) (*redis.Client, error) {
			return redis.NewClient(&redis.Options{Addr: mr.Addr()}), nil
		}
		c, err := runCaptured(t, nil, openRedis, nil)
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		if _, ok := c.s.RateLimiter.(*ratelimit.RedisLimiter); !ok {
			t.Fatalf("expected redis limiter, got %T", c.s.RateLimiter)
		}
	})
	t.Run("fallback", func(t *testing.T) {
		setBaseEnv(t)
		t.Setenv("RATE_LIMIT_ENABLED", "true")
		t.Setenv("REDIS_ADDR", "127.0.0.1:1")
		openRedis := func(context.Context) (*redis.Client, error) { return nil, errors.New("refused") }
		c, err := runCaptured(t, nil, openRedis, nil)
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		if _, ok := c.s.RateLimiter.(*ratelimit.InMemoryLimiter); !ok {
			t.Fatalf("expected in-memory limiter, got %T", c.s.RateLimiter)
		}
	})
}

func TestRunGatewayLedger(t *testing.T) {
	t.Run("open_error", func(t *testing.T) {
		setBaseEnv(t)
		t.Setenv("LEDGER_ENABLED", "true")
		openDB := func(context.Context) (gatewayDBCloser, error) { return nil, errors.New("no postgres") }
		if _, err := runCaptured(t, openDB, nil, nil); err == nil || !strings.Contains(err.Error(), "db:") {
			t.Fatalf("expected db error, got %v", err)
		}
	})
	t.Run("enabled", func(t *testing.T) {
		setBaseEnv(t)
		t.Setenv("LEDGER_ENABLED", "true")
		db := &fakeDB{}
		c, err := runCaptured(t, func(context.Context) (gatewayDBCloser, error) { return db, nil }, nil, nil)
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		if c.s.Ledger == nil || !db.closed {
			t.Fatalf("expected ledger wired and db closed on exit (closed=%v)", db.closed)
		}
	})
	t.Run("migrate_error", func(t *testing.T) {
		setBaseEnv(t)
		t.Setenv("LEDGER_ENABLED", "true")
		t.Setenv("LEDGER_AUTO_MIGRATE", "true")
		db := &fakeDB{}
		_, err := runCaptured(t, func(context.Context) (gatewayDBCloser, error) { return db, nil }, nil, nil)
		if err == nil || !strings.Contains(err.Error(), "migrate") {
			t.Fatalf("expected migrate error, got %v", err)
		}
	})
}

func TestRunGatewayEventBus(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("EVENTS_KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092")
	var gotCfg eventbus.Config
	bus := &fakePublisher{}
	c, err := runCaptured(t, nil, nil, func(cfg eventbus.Config) (eventbus.Publisher, error) {
		gotCfg = cfg
		return bus, nil
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if c.s.Bus != bus || !bus.closed {
		t.Fatal("expected bus wired and closed on exit")
	}
	if len(gotCfg.Brokers) != 2 || gotCfg.Topic != "astrograph.gateway.events" {
		t.Fatalf("unexpected bus config %+v", gotCfg)
	}

	_, err = runCaptured(t, nil, nil, func(eventbus.Config) (eventbus.Publisher, error) {
		return nil, errors.New("bad topic")
	})
	if err == nil || !strings.Contains(err.Error(), "event bus") {
		t.Fatalf("expected event bus error, got %v", err)
	}
}

func TestMainUsesHooks(t *testing.T) {
	setBaseEnv(t)
	origFatal, origTel, origListen, origLoops := logFatalf, initTelemetryG, listenFnG, startLoopsFnG
	defer func() {
		logFatalf, initTelemetryG, listenFnG, startLoopsFnG = origFatal, origTel, origListen, origLoops
	}()

	var fatal string
	logFatalf = func(format string, args ...any) { fatal = fmt.Sprintf(format, args...) }
	initTelemetryG = noopTelemetry
	listenFnG = func(*http.Server) error { return errors.New("port in use") }
	startLoopsFnG = nil
	main()
	if fatal != "gateway: port in use" {
		t.Fatalf("expected fatal log, got %q", fatal)
	}
}

func TestMetricsLoopUpdatesGauges(t *testing.T) {
	s := newTestServer(t, "http://bridge.invalid")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.metricsLoop(ctx, time.Hour)
		close(done)
	}()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := s.Metrics.Snapshot().Gauges["event_subscribers"]; ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("metrics loop never ran")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("GW_TEST_INT", "12")
	t.Setenv("GW_TEST_BAD_INT", "twelve")
	t.Setenv("GW_TEST_BOOL", "Yes")
	t.Setenv("GW_TEST_BAD_BOOL", "maybe")
	if envInt("GW_TEST_INT", 1) != 12 || envInt("GW_TEST_BAD_INT", 3) != 3 || envInt("GW_TEST_MISSING", 4) != 4 {
		t.Fatal("envInt mismatch")
	}
	if !envBool("GW_TEST_BOOL", false) || !envBool("GW_TEST_BAD_BOOL", true) || envBool("GW_TEST_MISSING", false) {
		t.Fatal("envBool mismatch")
	}
	if env("GW_TEST_MISSING", "def") != "def" || envDurationSec("GW_TEST_INT", 0) != 12*time.Second {
		t.Fatal("env/envDurationSec mismatch")
	}
	if got := splitList(" a, ,b ,"); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("unexpected split %v", got)
	}
}
