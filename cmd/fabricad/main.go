package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"

	"github.com/fabrica3d/fabrica/internal/adapters/duckdb"
	"github.com/fabrica3d/fabrica/internal/adapters/imagegen"
	"github.com/fabrica3d/fabrica/internal/adapters/llm"
	"github.com/fabrica3d/fabrica/internal/adapters/meshgen"
	"github.com/fabrica3d/fabrica/internal/adapters/redisbus"
	"github.com/fabrica3d/fabrica/internal/adapters/redisq"
	"github.com/fabrica3d/fabrica/internal/adapters/s3store"
	"github.com/fabrica3d/fabrica/internal/adapters/slicer"
	"github.com/fabrica3d/fabrica/internal/config"
	"github.com/fabrica3d/fabrica/internal/core/services"
	"github.com/fabrica3d/fabrica/pkg/api"
	"github.com/fabrica3d/fabrica/pkg/stream"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger.Info("starting fabrica control plane")

	if err := run(logger); err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logger.Info("shutting down")
		cancel()
	}()

	cfg := config.Load()

	repo, err := duckdb.NewRepository(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to init repository: %w", err)
	}
	defer repo.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to reach redis at %s: %w", cfg.RedisAddr, err)
	}

	blobs, err := s3store.New(ctx, logger, s3store.Options{
		Endpoint:  cfg.S3Endpoint,
		Region:    cfg.S3Region,
		Bucket:    cfg.S3Bucket,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		PublicURL: cfg.S3PublicURL,
		Timeout:   cfg.BlobTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to init object storage: %w", err)
	}

	imageQueue := redisq.New(logger, rdb, "image", redisq.Options{
		Concurrency: int64(cfg.ImageConcurrency),
		JobTimeout:  cfg.ImageJobTimeout,
	})
	modelQueue := redisq.New(logger, rdb, "model", redisq.Options{
		Concurrency: int64(cfg.ModelConcurrency),
		JobTimeout:  cfg.ModelJobTimeout,
	})
	bus := redisbus.New(logger, rdb)

	imageProvider := imagegen.NewOpenAIProvider(cfg.ImageAPIURL, cfg.ImageAPIKey, cfg.ImageModel, cfg.ImageTimeout)
	meshProvider := meshgen.NewTripoProvider(cfg.MeshAPIURL, cfg.MeshAPIKey, cfg.SubmitTimeout, cfg.PollTimeout)
	promptProvider := llm.NewOpenAIProvider(cfg.LLMAPIURL, cfg.LLMAPIKey, cfg.LLMModel)
	slicerClient := slicer.NewClient(cfg.SlicerAPIURL, cfg.SlicerAPIKey)

	proxy := services.NewProxyRewriter(cfg.ProxyBaseURL)

	requestService := services.NewRequestService(
		logger, repo, blobs, imageQueue, modelQueue, promptProvider, slicerClient, proxy, 15*time.Second)
	imageWorker := services.NewImageWorker(logger, repo, blobs, imageProvider, bus, proxy, cfg.ImageJobTimeout)
	modelWorker := services.NewModelWorker(logger, repo, blobs, meshProvider, bus, proxy, cfg.ModelJobTimeout)
	registry := services.NewSubscriptionRegistry(logger, requestService, 30*time.Second)
	sweeper := services.NewOrphanSweeper(logger, repo, blobs, cfg.SweepSchedule, cfg.SweepBatchSize)

	streamHandler := stream.NewHandler(logger, registry)
	apiServer := api.NewServer(logger, requestService, streamHandler)

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: c.Handler(apiServer.Handler()),
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return bus.Subscribe(gCtx, registry.HandleEvent)
	})

	g.Go(func() error {
		return imageQueue.Consume(gCtx, imageWorker.Handle)
	})

	g.Go(func() error {
		return modelQueue.Consume(gCtx, modelWorker.Handle)
	})

	g.Go(func() error {
		return sweeper.Run(gCtx)
	})

	g.Go(func() error {
		logger.Info("starting api server", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	// Let in-flight dispatch side-tasks finish before the repo closes.
	requestService.Wait()
	return nil
}
