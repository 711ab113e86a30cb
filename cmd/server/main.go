package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/laviprog/speech-transcription/internal/api/handlers"
	"github.com/laviprog/speech-transcription/internal/api/middleware"
	"github.com/laviprog/speech-transcription/internal/api/routes"
	"github.com/laviprog/speech-transcription/internal/cache"
	"github.com/laviprog/speech-transcription/internal/config"
	"github.com/laviprog/speech-transcription/internal/device"
	"github.com/laviprog/speech-transcription/internal/engine"
	"github.com/laviprog/speech-transcription/internal/events"
	"github.com/laviprog/speech-transcription/internal/logger"
	"github.com/laviprog/speech-transcription/internal/modelcache"
	"github.com/laviprog/speech-transcription/internal/models"
	"github.com/laviprog/speech-transcription/internal/queue"
	postgresrepo "github.com/laviprog/speech-transcription/internal/repositories/postgres"
	"github.com/laviprog/speech-transcription/internal/scheduler"
	"github.com/laviprog/speech-transcription/internal/services"
	"github.com/laviprog/speech-transcription/internal/storage"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logger.New("info").Fatalf("config: %v", err)
	}
	log := logger.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := config.OpenPostgres(cfg)
	if err != nil {
		log.Fatalf("postgres: %v", err)
	}
	if err := db.AutoMigrate(&models.User{}, &models.TranscriptionRecord{}); err != nil {
		log.Fatalf("migrate: %v", err)
	}
	log.Info("postgres connected")

	var resultCache cache.Cache
	if cfg.RedisAddr != "" {
		rdb, err := config.OpenRedis(cfg)
		if err != nil {
			log.Fatalf("redis: %v", err)
		}
		defer rdb.Close()
		resultCache = cache.NewRedisCache(rdb)
		log.Info("redis connected")
	} else {
		resultCache = cache.NewMemoryCache()
		log.Warn("REDIS_ADDR not set, using in-process result cache")
	}

	var store storage.Store
	if cfg.GCSBucket != "" {
		gcsStore, err := storage.NewGCSStore(ctx, cfg.GCSBucket, cfg.UploadRoot, cfg.GoogleCredsFile)
		if err != nil {
			log.Fatalf("gcs: %v", err)
		}
		defer gcsStore.Close()
		store = gcsStore
	} else {
		store, err = storage.NewLocalStore(cfg.UploadRoot)
		if err != nil {
			log.Fatalf("storage: %v", err)
		}
	}

	eng, err := engine.New(ctx, cfg, log)
	if err != nil {
		log.Fatalf("engine: %v", err)
	}
	defer eng.Close()

	userRepo := postgresrepo.NewUserRepo(db)
	resultRepo := postgresrepo.NewResultRepo(db)
	sink := postgresrepo.NewResultSink(resultRepo, resultCache, cfg.ResultCacheTTL, log)

	bus := events.NewBus(0)
	jobQueue := queue.New(cfg.QueueCapacity, queue.Policy(cfg.QueuePolicy))
	pool := device.NewPool(cfg.Device, cfg.SlotCount(), cfg.AcquireTimeout)
	modelCache := modelcache.New(eng, cfg.ModelCacheSize, cfg.DownloadRoot, cfg.BatchSize, cfg.ChunkSize, log)

	sched := scheduler.New(jobQueue, pool, modelCache, sink, bus, scheduler.Config{
		MaxAttempts:     cfg.MaxAttempts,
		RetryBackoff:    cfg.RetryBackoff,
		PersistAttempts: cfg.PersistAttempts,
		PersistBackoff:  cfg.PersistBackoff,
		RetainResults:   cfg.RetainResults,
	}, log)
	sched.Start()

	userService := services.NewUserService(userRepo, log)
	authService := services.NewAuthService(userService, userRepo, cfg.SecretKey, cfg.SecretRefreshKey, cfg.AccessTokenTTL, cfg.RefreshTokenTTL)
	transcriptionService := services.NewTranscriptionService(sched, store, resultRepo, resultCache, cfg.ComputeType, log)

	if err := userService.EnsureDefaultAdmin(ctx, cfg.AdminUsernameDefault, cfg.AdminPasswordDefault); err != nil {
		log.Fatalf("admin bootstrap: %v", err)
	}

	if cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(log))

	routes.RegisterRoutes(r, routes.Deps{
		RootPath:      cfg.RootPath,
		Secret:        cfg.SecretKey,
		Auth:          handlers.NewAuthHandler(authService),
		User:          handlers.NewUserHandler(userService),
		Transcription: handlers.NewTranscriptionHandler(transcriptionService),
		WS:            handlers.NewWSHandler(transcriptionService, bus),
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	go func() {
		log.WithField("port", cfg.Port).Info("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	sched.Stop(shutdownCtx)
	modelCache.Close()
	log.Info("bye")
}
