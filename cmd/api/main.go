package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sgd/backend/internal/api"
	"github.com/sgd/backend/internal/budget"
	"github.com/sgd/backend/internal/cache"
	"github.com/sgd/backend/internal/circuitbreaker"
	"github.com/sgd/backend/internal/config"
	"github.com/sgd/backend/internal/infra"
	"github.com/sgd/backend/internal/ingest"
	"github.com/sgd/backend/internal/middleware"
	"github.com/sgd/backend/internal/multitenancy"
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
	// .env is optional; real deployments configure through the environment.
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

	var orgStore multitenancy.Store
	var db *sql.DB
	if cfg.Database.URL != "" {
		pg, err := multitenancy.NewPostgresStore(cfg.Database.URL)
		if err != nil {
			log.Fatalf("org store: %v", err)
		}
		defer pg.Close()
		orgStore = pg
		db = pg.DB()
	} else {
		log.Println("no database configured, using in-memory org store")
		orgStore = multitenancy.NewMemoryStore()
	}
	orgs := multitenancy.NewOrgManager(orgStore)

	var alerter budget.Alerter
	if cfg.Budget.AlertWebhook != "" {
		wa := budget.NewWebhookAlerter(cfg.Budget.AlertWebhook, 2)
		defer wa.Close()
		alerter = wa
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
	transport := provider.NewOpenRouterTransport(cfg.Provider.BaseURL, cfg.Provider.APIKey)
	models := provider.NewClient(policy, transport, breakers, metrics)

	scan := scanner.New()
	ingestPipe := ingest.New(store, scan, index, c, ingest.HashEmbedder{}, models, cfg.Ingest.RefURLAllowHosts)
	renderPipe := render.New(models, c, store, ingestPipe, budgetCtl, cfg.Ingest.RefURLAllowHosts)

	q, err := queue.New(ctx, redisAdapter, c, metrics)
	if err != nil {
		log.Fatalf("queue: %v", err)
	}

	workers := worker.NewManager(q, renderPipe, cfg.Workers.MaxRenderWorkers, metrics)
	go workers.RunAutoscaler(ctx, cfg.Workers.AutoscaleInterval)

	server := api.NewServer(api.Deps{
		Config:   cfg,
		Orgs:     orgs,
		Limiter:  middleware.NewLimiter(redisAdapter, metrics),
		Render:   renderPipe,
		Ingest:   ingestPipe,
		Queue:    q,
		Workers:  workers,
		Scanner:  scan,
		Store:    store,
		Index:    index,
		Budget:   budgetCtl,
		Breakers: breakers,
		Redis:    redisAdapter,
	})

	if err := server.Run(ctx); err != nil {
		log.Fatalf("server: %v", err)
	}
	log.Println("shutdown complete")
}
