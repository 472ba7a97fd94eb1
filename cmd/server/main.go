package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"triform/internal/api/handlers"
	"triform/internal/artifact"
	"triform/internal/config"
	"triform/internal/core"
	"triform/internal/pipeline"
	"triform/internal/webhook"
)

func main() {
	loadDotEnv()

	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	artifacts, err := artifact.Open(cfg.Storage.DataDir, cfg.Storage.IndexPath)
	if err != nil {
		log.Fatalf("open artifact store: %v", err)
	}
	defer artifacts.Close()

	sender := webhook.NewSender(cfg.Webhooks)
	sender.Start()
	defer sender.Stop()

	runner := pipeline.NewExecRunner(pipeline.Config{
		Command:      cfg.Pipeline.Command,
		Args:         cfg.Pipeline.Args,
		StageTimeout: cfg.Pipeline.StageTimeout,
	})

	store := core.NewStore()
	store.StartJanitor(cfg.Jobs.RetentionTTL, cfg.Jobs.RetentionInterval)
	defer store.StopJanitor()

	hub := core.NewProgressHub(cfg.Jobs.ChannelCapacity)
	worker := core.NewWorker(store, hub, runner, artifacts, sender)

	admission := core.DefaultAdmissionConfig()
	admission.MaxImages = cfg.Jobs.MaxImages
	admission.MaxUploadBytes = cfg.Jobs.MaxUploadBytes
	dispatcher := core.NewDispatcher(store, hub, worker, artifacts, admission)

	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())

	api := router.Group("/api")
	handlers.NewJobHandler(store, dispatcher).RegisterRoutes(api)
	handlers.NewStreamHandler(store, hub).RegisterRoutes(api)
	handlers.NewGalleryHandler(artifacts, store, cfg.Pipeline.Command).RegisterRoutes(api)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		// Streaming responses (SSE) must outlive slow jobs.
		WriteTimeout: 0,
	}

	go func() {
		log.Printf("[server] listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Printf("[server] shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("[server] shutdown: %v", err)
	}
}

func loadDotEnv() {
	dir, err := os.Getwd()
	if err != nil {
		return
	}
	for i := 0; i < 5; i++ {
		envPath := filepath.Join(dir, ".env")
		if _, err := os.Stat(envPath); err == nil {
			_ = godotenv.Load(envPath)
			return
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return
		}
		dir = parent
	}
}
