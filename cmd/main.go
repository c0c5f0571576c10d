package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethxnwzng/ClothingImageSearch/internal/cache"
	"github.com/ethxnwzng/ClothingImageSearch/internal/clients/detect"
	"github.com/ethxnwzng/ClothingImageSearch/internal/clients/objectstore"
	"github.com/ethxnwzng/ClothingImageSearch/internal/clients/vissearch"
	"github.com/ethxnwzng/ClothingImageSearch/internal/events"
	"github.com/ethxnwzng/ClothingImageSearch/internal/logger"
	"github.com/ethxnwzng/ClothingImageSearch/internal/models"
	"github.com/ethxnwzng/ClothingImageSearch/internal/search"
	"github.com/ethxnwzng/ClothingImageSearch/internal/server"
	"github.com/ethxnwzng/ClothingImageSearch/internal/storage"
)

func main() {
	configPath := flag.String("config", defaultConfigPath(), "path to config file")
	flag.Parse()

	cfg, err := models.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logg, err := logger.New(cfg.LogMode)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logg.Sync()

	db, err := storage.NewStorage(cfg.DatabaseURL)
	if err != nil {
		logg.Fatal("failed to init storage", "error", err)
	}
	defer db.Close()

	objects, err := objectstore.New(context.Background(), cfg.S3)
	if err != nil {
		logg.Fatal("failed to init object store", "error", err)
	}

	urls := cache.New(cfg.RedisAddr, cfg.PresignTTL(), logg)
	defer urls.Close()

	producer := events.New(cfg.KafkaBroker, cfg.KafkaTopic, logg)
	defer producer.Close()

	detector := detect.New(cfg.DetectAPIURL, logg)
	searcher := vissearch.New(cfg.SearchAPIURL, logg)

	orch := search.New(db, objects, detector, searcher, urls, producer,
		cfg.SearchIndex, cfg.PresignTTL(), logg)

	srv := server.NewServer(cfg, db, orch, objects, detector, searcher, logg)

	go func() {
		if err := srv.Start(); err != nil {
			logg.Fatal("failed to start server", "error", err)
		}
	}()
	logg.Info("server started", "addr", cfg.ServerAddr)

	// Graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		logg.Error("shutdown failed", "error", err)
	}
}

func defaultConfigPath() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "config.yaml"
}
