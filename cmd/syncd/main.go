package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/vypdev/vaultstadio-sub008/internal/config"
	"github.com/vypdev/vaultstadio-sub008/internal/handlers"
	httpapi "github.com/vypdev/vaultstadio-sub008/internal/http"
	"github.com/vypdev/vaultstadio-sub008/internal/logging"
	"github.com/vypdev/vaultstadio-sub008/internal/metrics"
	"github.com/vypdev/vaultstadio-sub008/internal/notify"
	"github.com/vypdev/vaultstadio-sub008/internal/repos"
	"github.com/vypdev/vaultstadio-sub008/internal/services"
	"github.com/vypdev/vaultstadio-sub008/internal/sigcache"
	"github.com/vypdev/vaultstadio-sub008/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := serve(cfg, log); err != nil {
		log.Error("syncd stopped", zap.Error(err))
		os.Exit(1)
	}
}

func serve(cfg config.Config, log *zap.Logger) error {
	ctx := context.Background()

	db, err := repos.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := repos.Migrate(db, cfg.MigrationsDir); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	store, err := newStorage(ctx, cfg, log)
	if err != nil {
		return err
	}

	opts := []services.Option{
		services.WithMetrics(metrics.New(reg)),
		services.WithOptions(services.Options{
			BlockSize:         cfg.Delta.BlockSize,
			MaxBlockSize:      cfg.Delta.MaxBlockSize,
			SignatureWorkers:  cfg.Delta.SignatureWorkers,
			DefaultPullLimit:  cfg.Pull.DefaultLimit,
			MaxPullLimit:      cfg.Pull.MaxLimit,
			PullConflictLimit: cfg.Pull.ConflictLimit,
		}),
	}

	var publishers notify.Multi
	var hub *notify.Hub
	if cfg.Websocket {
		hub = notify.NewHub(log)
		publishers = append(publishers, hub)
	}
	if len(cfg.Kafka.Brokers) > 0 {
		kp := notify.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, log)
		defer kp.Close()
		publishers = append(publishers, kp)
		log.Info("publishing changes to kafka", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}
	opts = append(opts, services.WithNotifier(publishers))

	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		opts = append(opts, services.WithSignatureCache(sigcache.NewRedisCache(rdb, cfg.Redis.TTL, log)))
	} else {
		opts = append(opts, services.WithSignatureCache(sigcache.NewMemory(cfg.Redis.TTL, 1024)))
	}

	svc := services.NewSyncService(repos.NewSyncRepo(db), store, log, opts...)
	router := httpapi.NewRouter(cfg, handlers.NewSyncHandler(svc, hub, log), log, reg)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g := &run.Group{}
	g.Add(func() error {
		log.Info("syncd listening", zap.String("addr", srv.Addr), zap.String("storage", cfg.Storage.Driver))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}, func(error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Warn("graceful shutdown failed", zap.Error(err))
		}
	})
	g.Add(run.SignalHandler(ctx, syscall.SIGINT, syscall.SIGTERM))

	err = g.Run()
	var sig run.SignalError
	if errors.As(err, &sig) {
		log.Info("shutting down", zap.String("signal", sig.Signal.String()))
		return nil
	}
	return err
}

func newStorage(ctx context.Context, cfg config.Config, log *zap.Logger) (storage.Backend, error) {
	switch cfg.Storage.Driver {
	case "minio":
		m := cfg.Storage.Minio
		return storage.NewMinioBackend(ctx, storage.MinioConfig{
			Endpoint:  m.Endpoint,
			AccessKey: m.AccessKey,
			SecretKey: m.SecretKey,
			Bucket:    m.Bucket,
			UseSSL:    m.UseSSL,
		}, log)
	default:
		log.Warn("using in-memory storage; content is lost on restart")
		return storage.NewMemoryBackend(), nil
	}
}
