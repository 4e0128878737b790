package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"salesflow/db"
	"salesflow/escalation"
	"salesflow/publish"
	"salesflow/scheduler"
	"salesflow/timer"
)

func main() {
	_ = godotenv.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("bootstrap logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, os.Getenv("DATABASE_URL"), int32(getenvInt("DB_MAX_CONNS", 10)))
	if err != nil {
		logger.Fatal("bootstrap database pool", zap.Error(err))
	}
	defer pool.Close()

	publisher := publish.NewKafkaPublisher(
		splitCSV(getenv("KAFKA_BROKERS", "localhost:9092")),
		getenv("KAFKA_TOPIC_EVENTS", "sla-events"),
	)
	defer publisher.Close()

	repo := timer.NewRepository(pool)
	bridge := escalation.NewEventBridge(publisher, "sla-escalation")
	dispatcher := escalation.NewDispatcher(bridge, bridge, bridge, publisher, logger)

	sched := scheduler.New(repo, dispatcher, publisher, logger).
		WithInterval(getenvDuration("SCHEDULER_INTERVAL", scheduler.DefaultInterval)).
		WithBatchSize(getenvInt("SCHEDULER_BATCH_SIZE", scheduler.DefaultBatchSize))

	metricsAddr := getenv("METRICS_ADDR", ":9464")
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(metricsAddr, mux); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics listener", zap.Error(err))
		}
	}()

	if horizon := getenvInt("RETENTION_DAYS", 0); horizon > 0 {
		go runRetention(ctx, repo, time.Duration(horizon)*24*time.Hour, logger)
	}

	sched.Run(ctx)
}

// runRetention purges terminal timer rows once a day.
func runRetention(ctx context.Context, repo *timer.PGRepository, horizon time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		n, err := repo.PurgeTerminal(ctx, horizon)
		if err != nil {
			logger.Error("retention purge", zap.Error(err))
		} else if n > 0 {
			logger.Info("retention purge", zap.Int64("deleted", n))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
