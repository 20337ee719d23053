package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/splat-api/internal/auth"
	"github.com/example/splat-api/internal/config"
	"github.com/example/splat-api/internal/grpcclient"
	"github.com/example/splat-api/internal/handlers"
	"github.com/example/splat-api/internal/imageprocessor"
	"github.com/example/splat-api/internal/logging"
	"github.com/example/splat-api/internal/middleware"
	"github.com/example/splat-api/internal/onnx"
	"github.com/example/splat-api/internal/predictor"
	"github.com/example/splat-api/internal/repository"
	"github.com/example/splat-api/internal/storage"
	"github.com/example/splat-api/internal/usecase"
)

func main() {
	cfg, err := config.Load(getEnv("CONFIG_FILE", "config.yaml"))
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	svc := predictor.NewService(newBackend(cfg.Predictor, logger), predictor.Options{
		Device:      cfg.Predictor.Device,
		LoadTimeout: cfg.Predictor.LoadTimeout,
		CallTimeout: cfg.Predictor.CallTimeout,
	}, logger)
	svc.Start(context.Background())
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Warn("failed to close predictor", zap.Error(err))
		}
	}()

	var artifactCache *usecase.ArtifactCache
	if cfg.Redis.Addr != "" {
		redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
		redisClient := initRedis(redisCtx, cfg.Redis, logger)
		redisCancel()
		defer redisClient.Close()
		artifactCache = usecase.NewArtifactCache(usecase.NewRedisCache(redisClient), cfg.Redis.TTL, logger)
	}

	batchOpts := usecase.BatchOptions{
		Workers:    cfg.Pipeline.Workers,
		Timeout:    cfg.Pipeline.BatchTimeout,
		ScratchDir: cfg.Pipeline.ScratchDir,
	}

	if cfg.Database.DSN != "" {
		db := initDatabase(ctx, cfg.Database, logger)
		repo := repository.NewBatchRepository(db, logger)
		if err := repo.AutoMigrate(ctx); err != nil {
			logger.Fatal("auto migrate failed", zap.Error(err))
		}
		batchOpts.Recorder = repo
	}

	if cfg.S3.Bucket != "" {
		store, err := storage.NewArchiveStore(ctx, cfg.S3, logger)
		if err != nil {
			logger.Fatal("failed to configure archive store", zap.Error(err))
		}
		batchOpts.Store = store
	}

	processor := usecase.NewItemProcessor(imageprocessor.NewDecoder(0), svc, nil, usecase.ItemOptions{
		DefaultFocalMM: cfg.Pipeline.DefaultFocalMM,
		MaxFileBytes:   cfg.Upload.MaxFileBytes(),
		Cache:          artifactCache,
	}, logger)
	uc := usecase.NewBatchUseCase(processor, svc, afero.NewOsFs(), batchOpts, logger)

	if cfg.Server.Mode != "" {
		gin.SetMode(cfg.Server.Mode)
	}
	r := gin.New()
	r.Use(middleware.RequestID(), middleware.Logger(logger), gin.Recovery())
	r.MaxMultipartMemory = 32 << 20

	var authMiddleware gin.HandlerFunc
	if cfg.Auth.Enabled() {
		authMiddleware = auth.JWTMiddleware(cfg.Auth.JWTSecret, cfg.Auth.JWTAudience)
	}

	handlers.RegisterRoutes(r, uc, svc, handlers.Options{MaxRequestBytes: cfg.Upload.MaxRequestBytes()}, authMiddleware, logger)

	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("splat API listening",
		zap.String("addr", cfg.Server.Port),
		zap.String("backend", cfg.Predictor.Backend),
		zap.String("device", svc.Device()),
		zap.Bool("auth", cfg.Auth.Enabled()),
		zap.Bool("cache", artifactCache != nil),
		zap.Bool("history", batchOpts.Recorder != nil),
		zap.Bool("mirror", batchOpts.Store != nil))
	if err := serveHTTPServer(server, cfg.Server.ShutdownTimeout, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func newBackend(cfg config.PredictorConfig, logger *zap.Logger) predictor.Backend {
	if cfg.Backend == "onnx" {
		return onnx.NewBackend(onnx.Options{
			ModelPath:    cfg.ModelPath,
			MetadataPath: cfg.MetadataPath,
			LibraryPath:  cfg.LibraryPath,
			Device:       cfg.Device,
			Threads:      cfg.Threads,
		}, logger)
	}
	return grpcclient.NewBackend(cfg.Addr, logger)
}

func initDatabase(ctx context.Context, cfg config.DatabaseConfig, zapLogger *zap.Logger) *gorm.DB {
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdle)
	sqlDB.SetMaxOpenConns(cfg.MaxOpen)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func initRedis(ctx context.Context, cfg config.RedisConfig, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
