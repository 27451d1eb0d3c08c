// Package main provides the directory API entry point.
// Serves patients and lab answers; in Postgres mode recorded answers go
// through the outbox, otherwise they are produced to Redpanda directly.
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

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-labwatch/internal/api"
	"github.com/drfirst/go-labwatch/internal/directory"
	"github.com/drfirst/go-labwatch/internal/infrastructure/postgres"
	"github.com/drfirst/go-labwatch/internal/infrastructure/redpanda"
	"github.com/drfirst/go-labwatch/internal/observability/metrics"
	"github.com/drfirst/go-labwatch/internal/observability/tracing"
)

// Config holds service configuration
type Config struct {
	Port         string
	DatabaseURL  string
	KafkaBrokers []string
	Warmup       time.Duration
	Seed         bool
}

func main() {
	logger, _ := zap.NewProduction()
	if os.Getenv("LOG_LEVEL") == "debug" {
		logger, _ = zap.NewDevelopment()
	}
	defer logger.Sync()

	cfg := loadConfig(logger)
	ctx := context.Background()

	tp, err := tracing.Init(ctx, tracing.FromEnv("directory-api"))
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}
	defer tp.Shutdown(context.Background())

	m := metrics.New(nil)

	var store directory.Store
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("failed to connect to database", zap.Error(err))
		}
		defer pool.Close()

		if err := pool.Ping(ctx); err != nil {
			logger.Fatal("database ping failed", zap.Error(err))
		}
		if err := postgres.EnsureSchema(ctx, pool); err != nil {
			logger.Fatal("schema setup failed", zap.Error(err))
		}
		logger.Info("connected to database")

		pgStore := postgres.NewDirectoryStore(pool, redpanda.TopicLabAnswerRecorded, logger)
		if cfg.Seed {
			seed(ctx, pgStore, logger)
		}
		store = pgStore
	} else {
		var sink directory.EventSink
		if len(cfg.KafkaBrokers) > 0 {
			producer, err := newProducer(cfg.KafkaBrokers, m, logger)
			if err != nil {
				logger.Fatal("producer creation failed", zap.Error(err))
			}
			defer producer.Close()
			sink = publishSink(producer, logger)
		}
		store = directory.NewSeededMemoryStore(sink)
		logger.Info("using in-memory directory with demo data")
	}

	svc := directory.NewService(store, cfg.Warmup, logger)
	router := api.NewRouter(api.RouterConfig{
		ServiceName: "directory-api",
		Directory:   svc,
		Metrics:     m,
		Logger:      logger,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting directory API",
		zap.String("port", cfg.Port),
		zap.Duration("warmup", cfg.Warmup))
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		logger.Fatal("server error", zap.Error(err))
	}

	logger.Info("server stopped")
}

func loadConfig(logger *zap.Logger) Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "5000"
	}

	warmup := directory.DefaultWarmup
	if v := os.Getenv("DIRECTORY_WARMUP"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			logger.Fatal("invalid DIRECTORY_WARMUP", zap.String("value", v), zap.Error(err))
		}
		warmup = d
	}

	var brokers []string
	if b := os.Getenv("KAFKA_BROKERS"); b != "" {
		brokers = strings.Split(b, ",")
	}

	return Config{
		Port:         port,
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		KafkaBrokers: brokers,
		Warmup:       warmup,
		Seed:         os.Getenv("DIRECTORY_SEED") != "false",
	}
}

func newProducer(brokers []string, m *metrics.Metrics, logger *zap.Logger) (*redpanda.Producer, error) {
	cfg := redpanda.DefaultProducerConfig()
	cfg.Brokers = brokers
	cfg.OnProduced = func(string) { m.KafkaMessagesProduced.Inc() }
	return redpanda.NewProducer(cfg, logger)
}

// publishSink produces recorded answers straight to Redpanda. Without the
// outbox a crash between store and produce loses the event.
func publishSink(producer *redpanda.Producer, logger *zap.Logger) directory.EventSink {
	return func(ctx context.Context, ev directory.LabAnswerRecorded) {
		payload, err := json.Marshal(ev)
		if err != nil {
			logger.Error("marshal lab answer event", zap.Error(err))
			return
		}
		producer.ProduceAsync(ctx, redpanda.TopicLabAnswerRecorded, ev.EventID, payload, func(err error) {
			if err != nil {
				logger.Error("lab answer event not published",
					zap.String("event_id", ev.EventID),
					zap.Error(err))
			}
		})
	}
}

// seed loads the demo patients. Lab answers are only seeded into an empty
// table so restarts do not duplicate them.
func seed(ctx context.Context, store *postgres.DirectoryStore, logger *zap.Logger) {
	for _, p := range directory.DemoPatients() {
		if _, err := store.AddPatient(ctx, p); err != nil {
			logger.Warn("seed patient failed", zap.Int64("patient_id", int64(p.ID)), zap.Error(err))
		}
	}
	for id, answers := range directory.DemoLabAnswers() {
		if existing, err := store.LabAnswers(ctx, id); err == nil && len(existing) > 0 {
			continue
		}
		for _, a := range answers {
			if err := store.AddLabAnswer(ctx, directory.NewLabAnswerRecorded(id, a)); err != nil {
				logger.Warn("seed lab answer failed", zap.Int64("patient_id", int64(id)), zap.Error(err))
			}
		}
	}
}
