package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ollamachat/internal/api"
	"ollamachat/internal/auth"
	"ollamachat/internal/config"
	"ollamachat/internal/ollama"
	"ollamachat/internal/quota"
	"ollamachat/internal/redis"
	"ollamachat/internal/service/assistant"
	"ollamachat/internal/service/llm"
	"ollamachat/internal/storage"
	"ollamachat/internal/worker"

	"github.com/gin-gonic/gin"
)

func main() {
	cfgPath := os.Getenv("OLLAMACHAT_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	dbType := os.Getenv("OLLAMACHAT_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	log.Printf("dbType: %s\n", dbType)
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()
	rdb, err := redis.NewRedisClient(cfg)
	if err != nil {
		log.Fatalf("create redis client: %v", err)
	}
	defer rdb.Close()
	if !rdb.Enabled() {
		log.Printf("redis disabled, caches and quotas stay in process")
	}

	// users, apiKeys, user_tokens, sessions, messages, attachments, user_settings
	if err := storage.Migrate(db, dbType); err != nil {
		log.Fatalf("migrate database: %v", err)
	}

	assistantService, err := assistant.NewService(db, dbType)
	if err != nil {
		log.Fatalf("init assistant service: %v", err)
	}

	basic := cfg.BasicConfig
	ollamaClient := ollama.NewClient(cfg.Ollama.BaseURL, cfg.Ollama.DefaultModel, time.Duration(cfg.Ollama.Timeout)*time.Second)
	checkCtx, checkCancel := context.WithTimeout(context.Background(), 3*time.Second)
	if err := ollamaClient.CheckRunning(checkCtx); err != nil {
		log.Printf("ollama at %s not reachable yet: %v", cfg.Ollama.BaseURL, err)
	}
	checkCancel()

	workers := worker.NewManager(assistantService, llm.NewFactory(cfg, ollamaClient), worker.DispatcherConfig{
		MinWorkers:  basic.MinWorkers,
		MaxWorkers:  basic.MaxWorkers,
		QueueSize:   basic.QueueSize,
		IdleTimeout: time.Duration(basic.WorkerIdleTimeout) * time.Minute,
	}, rdb)
	defer workers.Close()

	cleanCtx, cleanCancel := context.WithCancel(context.Background())
	defer cleanCancel()
	cleanInterval := time.Duration(basic.CleanInterval) * time.Minute
	if cleanInterval <= 0 {
		cleanInterval = assistant.DefaultAttachmentCleanupEvery
	}
	assistantService.StartAttachmentCleaner(cleanCtx, cleanInterval, workers.InvalidateAttachments)

	guests, err := auth.NewGuestIssuer(cfg.Auth.GuestSecret, time.Duration(cfg.Auth.GuestTokenTTL)*time.Hour)
	if err != nil {
		log.Fatalf("init guest tokens: %v", err)
	}
	if cfg.Auth.GuestSecret == "" {
		log.Printf("auth.guest_secret not set, guest tokens will not survive a restart")
	}
	guestTTL := time.Duration(cfg.Auth.GuestTokenTTL) * time.Hour

	handlers := api.NewHandler(api.Options{
		Assistant:      assistantService,
		Auth:           auth.NewService(db, rdb, time.Duration(basic.TokenTTL)*time.Hour),
		Guests:         guests,
		GuestQuota:     quota.NewGuestQuota(rdb, cfg.Limits.GuestMessages, guestTTL),
		RateLimiter:    quota.NewRateLimiter(rdb, cfg.Limits.RequestsPerSecond),
		Ollama:         ollamaClient,
		Workers:        workers,
		FileBase:       basic.FileBaseDir,
		FileTTL:        time.Duration(basic.AttachmentTTL) * time.Minute,
		MaxUploadBytes: int64(cfg.Limits.MaxUploadMB) << 20,
		StorageLimit:   int64(cfg.Limits.UserStorageMB) << 20,
		DailyLimit:     cfg.Limits.DailyMessages,
		StreamTimeout:  time.Duration(basic.StreamTimeout) * time.Second,
	})

	router := gin.Default()
	handlers.RegisterRoutes(router)

	addr := basic.ServerAddress
	if addr == "" {
		addr = ":8090"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.Printf("listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server stopped: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Printf("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown: %v", err)
	}
}
