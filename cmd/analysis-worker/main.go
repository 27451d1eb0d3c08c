// Package main provides the analysis worker entry point.
// Consumes lab.answer.recorded events and analyses the patient once per event.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/drfirst/go-labwatch/internal/analysis"
	"github.com/drfirst/go-labwatch/internal/config"
	"github.com/drfirst/go-labwatch/internal/infrastructure/directoryhttp"
	"github.com/drfirst/go-labwatch/internal/infrastructure/postgres"
	"github.com/drfirst/go-labwatch/internal/infrastructure/redpanda"
	"github.com/drfirst/go-labwatch/internal/lookup"
	"github.com/drfirst/go-labwatch/internal/notify"
	"github.com/drfirst/go-labwatch/internal/observability/metrics"
	"github.com/drfirst/go-labwatch/internal/observability/tracing"
	"github.com/drfirst/go-labwatch/internal/worker"
	"github.com/drfirst/go-labwatch/pkg/circuitbreaker"
	"github.com/drfirst/go-labwatch/pkg/idempotency"
	"github.com/drfirst/go-labwatch/pkg/workerpool"
)

func main() {
	logger, _ := zap.NewProduction()

	ctx := context.Background()

	configPath := os.Getenv("ANALYSER_CONFIG")
	if configPath == "" {
		configPath = "configs/analyser.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("config load failed", zap.Error(err))
	}
	if l, err := cfg.Logger(); err == nil {
		logger = l
	}
	defer logger.Sync()

	brokers := []string{"localhost:9092"}
	if b := os.Getenv("KAFKA_BROKERS"); b != "" {
		brokers = strings.Split(b, ",")
	}
	port := os.Getenv("PORT")
	if port == "" {
		port = "9090"
	}

	tp, err := tracing.Init(ctx, tracing.FromEnv("analysis-worker"))
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}
	defer tp.Shutdown(context.Background())

	m := metrics.New(nil)

	// Inbox: Redis when configured, else Postgres, else in-process
	inbox, closeInbox := newInbox(ctx, cfg, logger)
	defer closeInbox()

	// Notification audit events
	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = brokers
	producerCfg.OnProduced = func(string) { m.KafkaMessagesProduced.Inc() }
	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()

	admin, err := redpanda.NewAdmin(brokers, logger)
	if err != nil {
		logger.Fatal("admin client creation failed", zap.Error(err))
	}
	defer admin.Close()
	if err := admin.EnsureTopics(ctx); err != nil {
		logger.Warn("topic setup failed", zap.Error(err))
	}

	auditor := notify.NewAuditor(producer, redpanda.TopicNotificationSent, logger)
	dispatcher := notify.NewDispatcher(
		auditor.Phone(notify.NewSMSService(logger)),
		auditor.Mail(notify.NewMailService(logger)),
		logger,
	)

	// Directory client behind a circuit breaker
	breakers := circuitbreaker.NewManager(logger)
	clientCfg := cfg.DirectoryClientConfig()
	clientCfg.Breaker.OnStateChange = func(name string, to circuitbreaker.State) {
		m.CircuitBreakerState.WithLabelValues(name).Set(to.Gauge())
	}
	client, err := directoryhttp.New(clientCfg, breakers, logger)
	if err != nil {
		logger.Fatal("directory client creation failed", zap.Error(err))
	}

	policy, err := cfg.Policy()
	if err != nil {
		logger.Fatal("tolerance policy invalid", zap.Error(err))
	}

	analyzer := analysis.New(
		lookup.NewPatients(client, logger),
		lookup.NewLabAnswers(client, logger),
		policy,
		dispatcher,
		cfg.AnalyzerConfig(),
		logger,
		analysis.WithMetrics(m),
	)

	poolCfg := workerpool.DefaultConfig()
	if cfg.Analysis.Workers > 0 {
		poolCfg.Workers = cfg.Analysis.Workers
	}
	// Analyses can sit in back-off for a while
	poolCfg.GracefulShutdownTimeout = 2 * cfg.Analysis.Backoff
	pool, err := workerpool.New(poolCfg, worker.NewWorkerFunc(analyzer), logger)
	if err != nil {
		logger.Fatal("worker pool creation failed", zap.Error(err))
	}
	pool.Start()

	handler := worker.NewHandler(inbox, pool, logger)

	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = brokers
	consumerCfg.OnConsumed = func(string) { m.KafkaMessagesConsumed.Inc() }
	consumer, err := redpanda.NewConsumer(consumerCfg, handler.Handle, logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}
	consumer.Start()

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      opsRouter(breakers, pool, consumer, admin, consumerCfg.GroupID),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("ops server error", zap.Error(err))
		}
	}()

	logger.Info("analysis worker started",
		zap.Strings("brokers", brokers),
		zap.Int("workers", poolCfg.Workers),
		zap.String("directory", clientCfg.BaseURL))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)

	// Stop the pool first so in-flight handlers return and the consumer loop can exit
	if err := pool.Stop(); err != nil {
		logger.Warn("worker pool stop", zap.Error(err))
	}
	consumer.Stop()
	if err := producer.Flush(shutdownCtx); err != nil {
		logger.Warn("producer flush failed", zap.Error(err))
	}
	logger.Info("analysis worker stopped")
}

func newInbox(ctx context.Context, cfg *config.Config, logger *zap.Logger) (idempotency.Inbox, func()) {
	inboxCfg := idempotency.DefaultInboxConfig()
	// A claim must outlive the longest expected analysis
	if d := 10 * cfg.Analysis.Backoff; d > inboxCfg.RecoveryTimeout {
		inboxCfg.RecoveryTimeout = d
	}

	if url := os.Getenv("REDIS_URL"); url != "" {
		opts, err := redis.ParseURL(url)
		if err != nil {
			logger.Fatal("invalid REDIS_URL", zap.Error(err))
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Fatal("redis ping failed", zap.Error(err))
		}
		logger.Info("using redis inbox")
		return idempotency.NewRedisInbox(client, inboxCfg, logger), func() { client.Close() }
	}

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(ctx, dbURL)
		if err != nil {
			logger.Fatal("database connection failed", zap.Error(err))
		}
		if err := postgres.EnsureSchema(ctx, pool); err != nil {
			logger.Fatal("schema setup failed", zap.Error(err))
		}
		inbox := idempotency.NewPostgresInbox(pool, inboxCfg, logger)
		inbox.StartCleanup()
		logger.Info("using postgres inbox")
		return inbox, func() {
			inbox.Stop()
			pool.Close()
		}
	}

	logger.Warn("no REDIS_URL or DATABASE_URL; deduplication is per process")
	return idempotency.NewMemoryInbox(inboxCfg), func() {}
}

func opsRouter(breakers *circuitbreaker.Manager, pool *workerpool.Pool, consumer *redpanda.Consumer, admin *redpanda.Admin, group string) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		status := http.StatusOK
		if !pool.IsHealthy() {
			status = http.StatusServiceUnavailable
		}
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"pool":     pool.Stats(),
			"consumer": consumer.Stats(),
			"breakers": breakers.GetHealthStatus(),
		})
	})
	r.Get("/lag", func(w http.ResponseWriter, r *http.Request) {
		lag, err := admin.ConsumerGroupLag(r.Context(), group)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(lag)
	})
	r.Handle("/metrics", metrics.Handler())
	return r
}
