// Dedicated render worker process. Runs the queue consumers and autoscaler
// without the HTTP surface, for deployments that scale workers independently
// of the API.
package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sgd/backend/internal/budget"
	"github.com/sgd/backend/internal/cache"
	"github.com/sgd/backend/internal/circuitbreaker"
	"github.com/sgd/backend/internal/config"
	"github.com/sgd/backend/internal/infra"
	"github.com/sgd/backend/internal/ingest"
	"github.com/sgd/backend/internal/observability"
	"github.com/sgd/backend/internal/provider"
	"github.com/sgd/backend/internal/queue"
	"github.com/sgd/backend/internal/render"
	"github.com/sgd/backend/internal/scanner"
	"github.com/sgd/backend/internal/storage"
	"github.com/sgd/backend/internal/vector"
	"github.com/sgd/backend/internal/worker"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)

	redisAdapter, err := infra.NewRedisAdapter(cfg.Redis.URL)
	if err != nil {
		log.Fatalf("redis: %v", err)
	}
	defer redisAdapter.Close()

	c := cache.New(redisAdapter, metrics)

	var store storage.Client
	if cfg.Storage.Endpoint != "" {
		store = storage.NewHTTPStore(cfg.Storage.Endpoint, cfg.Storage.Bucket,
			cfg.Storage.Token, cfg.Storage.PublicBaseURL, cfg.Storage.SigningSecret)
	} else {
		log.Println("no storage endpoint configured, using in-memory store")
		store = storage.NewMemoryStore()
	}

	var index vector.Index
	if cfg.Qdrant.URL != "" {
		index = vector.NewQdrantIndex(cfg.Qdrant.URL, cfg.Qdrant.APIKey)
	} else {
		log.Println("no vector endpoint configured, using in-memory index")
		index = vector.NewMemoryIndex()
	}

	var alerter budget.Alerter
	if cfg.Budget.AlertWebhook != "" {
		wa := budget.NewWebhookAlerter(cfg.Budget.AlertWebhook, 2)
		defer wa.Close()
		alerter = wa
	}
	var db *sql.DB
	if cfg.Database.URL != "" {
		db, err = sql.Open("postgres", cfg.Database.URL)
		if err != nil {
			log.Fatalf("database: %v", err)
		}
		defer db.Close()
	}
	auditStore, err := budget.NewAuditStore(db)
	if err != nil {
		log.Fatalf("budget audit store: %v", err)
	}
	budgetCtl := budget.NewController(redisAdapter, cfg.Budget.DailyUSD, alerter, metrics).
		WithAuditStore(auditStore)

	breakers := circuitbreaker.NewRegistry(nil)
	policy := provider.DefaultPolicy()
	if cfg.Provider.PolicyPath != "" {
		policy, err = provider.LoadPolicy(cfg.Provider.PolicyPath)
		if err != nil {
			log.Fatalf("model policy: %v", err)
		}
	}
	models := provider.NewClient(policy,
		provider.NewOpenRouterTransport(cfg.Provider.BaseURL, cfg.Provider.APIKey),
		breakers, metrics)

	ingestPipe := ingest.New(store, scanner.New(), index, c, ingest.HashEmbedder{}, models, cfg.Ingest.RefURLAllowHosts)
	renderPipe := render.New(models, c, store, ingestPipe, budgetCtl, cfg.Ingest.RefURLAllowHosts)

	q, err := queue.New(ctx, redisAdapter, c, metrics)
	if err != nil {
		log.Fatalf("queue: %v", err)
	}

	workers := worker.NewManager(q, renderPipe, cfg.Workers.MaxRenderWorkers, metrics)
	workers.ScaleTo(ctx, cfg.Workers.MaxRenderWorkers)
	go workers.RunAutoscaler(ctx, cfg.Workers.AutoscaleInterval)

	// Metrics-only HTTP listener so the pool is scrapeable.
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: ":" + cfg.Server.Port, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("metrics listener: %v", err)
		}
	}()

	log.Printf("worker pool up: max=%d autoscale=%s", cfg.Workers.MaxRenderWorkers, cfg.Workers.AutoscaleInterval)
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	workers.ScaleTo(context.Background(), 0)
	log.Println("shutdown complete")
}
