package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"tandem/sync/internal/app"
	"tandem/sync/internal/config"
	"tandem/sync/internal/store"
	"tandem/sync/internal/transport"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	// Transport fabric: Redis when configured, otherwise the in-process
	// bus, which only synchronizes sessions inside this node.
	var bus transport.Factory
	if strings.TrimSpace(cfg.RedisURL) != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("invalid REDIS_URL: %v", err)
		}
		rdb := redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer rdb.Close()
		bus = transport.NewRedisFactory(rdb, transport.RedisConfig{PresenceTTL: cfg.PresenceTTL})
		log.Printf("Using Redis transport for document channels")
	} else {
		bus = transport.NewMemoryBus()
		log.Printf("Using in-process transport, single node only")
	}

	// Snapshot persistence: an S3-compatible bucket when MinIO is
	// configured, otherwise Postgres.
	var service *app.Service
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		objects, err := store.NewObjectStore(ctx, store.ObjectStoreConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			log.Fatalf("object store connection failed: %v", err)
		}
		service = app.NewService(cfg, objects, bus)
		log.Printf("Storing snapshots in bucket %s", cfg.MinioBucket)
	} else {
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("database connection failed: %v", err)
		}
		defer db.Close()

		if err := store.ApplyMigrations(ctx, db); err != nil {
			log.Fatalf("migrations failed: %v", err)
		}

		service = app.NewService(cfg, store.NewSnapshotStore(db), bus)
		log.Printf("Storing snapshots in PostgreSQL")
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Tandem Sync listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
