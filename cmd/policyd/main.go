package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"guardrail/pkg/approval"
	"guardrail/pkg/audit"
	"guardrail/pkg/auth"
	"guardrail/pkg/clock"
	"guardrail/pkg/engine"
	"guardrail/pkg/events"
	"guardrail/pkg/feeds"
	"guardrail/pkg/hardening"
	"guardrail/pkg/httpx"
	"guardrail/pkg/metrics"
	"guardrail/pkg/models"
	"guardrail/pkg/oracle"
	"guardrail/pkg/policy"
	"guardrail/pkg/ratelimit"
	"guardrail/pkg/registry"
	"guardrail/pkg/sentinel"
	"guardrail/pkg/store"
	"guardrail/pkg/stream"
	"guardrail/pkg/telemetry"
)

type policydDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	openDBFn        func(context.Context) (policydDB, func(), error)
	listenFn        func(*http.Server) error
)

func main() {
	if err := run(initTelemetryFn, openDBFn, listenFn); err != nil {
		logFatalf("policyd: %v", err)
	}
}

func run(
	initTelemetry func(context.Context, string) (func(context.Context) error, error),
	openDB func(context.Context) (policydDB, func(), error),
	listen func(*http.Server) error,
) error {
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if openDB == nil {
		openDB = func(ctx context.Context) (policydDB, func(), error) {
			pool, err := store.NewPostgresPool(ctx)
			if err != nil {
				return nil, nil, err
			}
			return pool, pool.Close, nil
		}
	}
	if listen == nil {
		listen = func(server *http.Server) error { return server.ListenAndServe() }
	}

	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "policyd")
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	authMode := env("AUTH_MODE", "hs256")
	authSecret := env("AUTH_SECRET", "")
	runtimeEnv := env("ENVIRONMENT", env("APP_ENV", ""))
	if strings.EqualFold(authMode, "off") {
		if env("ALLOW_INSECURE_AUTH_OFF", "false") != "true" {
			return errors.New("AUTH_MODE=off is disabled unless ALLOW_INSECURE_AUTH_OFF=true")
		}
		if isProductionLikeEnv(runtimeEnv) {
			return errors.New("AUTH_MODE=off is forbidden in production-like environments")
		}
	}
	if err := hardening.ValidateProduction(hardening.Options{
		Service:            "policyd",
		Environment:        runtimeEnv,
		StrictProdSecurity: env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS: env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:          env("REDIS_ADDR", ""),
		RedisRequireTLS:    env("REDIS_REQUIRE_TLS", ""),
		AuthMode:           authMode,
		AuthSecret:         authSecret,
		CORSAllowedOrigins: env("CORS_ALLOWED_ORIGINS", ""),
	}); err != nil {
		return err
	}

	clk := clock.System{}

	var (
		policies  policy.Store
		decisions decisionLog
		closeDB   func()
	)
	switch env("POLICY_STORE", "memory") {
	case "postgres":
		db, closer, err := openDB(ctx)
		if err != nil {
			return err
		}
		closeDB = closer
		policies = policy.NewPostgresStore(db)
		decisions = &audit.Writer{DB: db}
	default:
		policies = policy.NewMemoryStore()
		decisions = &memoryLog{sink: audit.NewMemorySink(envInt("DECISION_LOG_CAPACITY", 4096))}
	}
	if closeDB != nil {
		defer closeDB()
	}

	var cache store.Cache = store.NewMemoryCache()
	if env("REDIS_ADDR", "") != "" {
		client, err := store.NewRedis(ctx)
		if err != nil {
			log.Printf("policyd: redis unavailable, using memory cache: %v", err)
		} else {
			cache = store.NewCache(ctx, client)
		}
	}

	var publisher *events.KafkaPublisher
	if brokers := env("KAFKA_BROKERS", ""); brokers != "" {
		publisher, err = events.NewKafkaPublisher(events.KafkaConfig{
			Brokers: strings.Split(brokers, ","),
			Topic:   env("KAFKA_DECISIONS_TOPIC", "guardrail.decisions"),
		})
		if err != nil {
			return err
		}
		defer func() { _ = publisher.Close() }()
	}

	reg := metrics.NewRegistry()
	hub := stream.NewHub()

	notify := func(dec models.Decision) {
		reg.IncDecision(dec.Allowed, dec.Reason)
		if err := decisions.Append(context.Background(), dec); err != nil {
			log.Printf("policyd: append decision: %v", err)
		}
		hub.Publish(stream.DecisionEvent(dec))
		if publisher != nil {
			if err := publisher.Publish(context.Background(), dec); err != nil {
				log.Printf("policyd: publish decision: %v", err)
			}
		}
	}

	eval := engine.New(policies, engine.WithClock(clk), engine.WithNotifier(notify))
	feedAdapter := feeds.NewAdapter(clk, cache)
	valuation := oracle.New(feedAdapter, clk)

	var uptime sentinel.UptimeSource
	if url := env("SEQUENCER_FEED_URL", ""); url != "" {
		uptime = &sentinel.HTTPSource{
			Client: telemetry.InstrumentClient(&http.Client{Timeout: 5 * time.Second}),
			URL:    url,
		}
	}
	seq, err := sentinel.New(uptime, clk, envDurationSec("SEQUENCER_GRACE_PERIOD_SEC", 3600))
	if err != nil {
		return err
	}
	if uptime == nil {
		seq.SetActive(false)
	}

	s := &Server{
		Policies:            policies,
		Engine:              eval,
		Approvals:           approval.New(policies, clk),
		Registry:            registry.New(clk),
		Feeds:               feedAdapter,
		Oracle:              valuation,
		Sentinel:            seq,
		Decisions:           decisions,
		Metrics:             reg,
		Hub:                 hub,
		AuthMode:            authMode,
		MaxRequestBodyBytes: int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
	}

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(telemetry.HTTPMiddleware("policyd"))
	r.Use(reg.Middleware)
	r.Use(httpx.LimitBodyMiddleware(s.MaxRequestBodyBytes))
	if limit := envInt("RATE_LIMIT_PER_MINUTE", 0); limit > 0 {
		r.Use(ratelimit.Middleware(ratelimit.NewInMemory(time.Minute), limit))
	}
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "policyd"})
	})
	r.Get("/metrics", reg.Handler())
	r.Get("/metrics/prometheus", reg.PrometheusHandler())

	s.Routes(r, auth.Middleware(authMode, authSecret))

	addr := env("ADDR", ":8085")
	log.Printf("policyd listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	return listen(server)
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

func isProductionLikeEnv(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}
