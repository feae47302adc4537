package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"photostore/internal/blobstore"
	"photostore/internal/cache"
	"photostore/internal/logging"
	"photostore/internal/media"
	"photostore/internal/models"
	"photostore/internal/queue"
	"photostore/internal/server"
	"photostore/internal/storage"
	"photostore/internal/thumbnailer"
)

const shutdownTimeout = 30 * time.Second

func main() {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config.yaml"
	}
	cfg, err := models.LoadConfig(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		log.Error("photostore stopped", "err", err)
		os.Exit(1)
	}
}

func run(cfg *models.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openBlobStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	pub, newConsumer, closeQueue := openQueue(cfg)
	defer closeQueue()

	var ledger media.Ledger = storage.Nop{}
	if cfg.DatabaseURL != "" {
		db, err := storage.NewStorage(ctx, cfg.DatabaseURL, log)
		if err != nil {
			return fmt.Errorf("failed to init storage: %w", err)
		}
		defer db.Close()
		ledger = db
	}

	var metaCache media.MetadataCache = media.NopCache{}
	if cfg.RedisAddr != "" {
		rc, err := cache.NewRedis(ctx, cfg.RedisAddr, cfg.CacheTTL)
		if err != nil {
			return fmt.Errorf("failed to init cache: %w", err)
		}
		defer rc.Close()
		metaCache = rc
	}

	timeouts := media.Timeouts{Store: cfg.StoreTimeout, Queue: cfg.QueueTimeout}
	ingestor := media.NewIngestor(store, pub, ledger, log, timeouts)
	reader := media.NewReader(store, metaCache, log, cfg.StoreTimeout)
	reconciler := media.NewReconciler(ledger, pub, log, cfg.QueueTimeout)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		reconciler.Run(ctx, cfg.ReconcileInterval)
	}()

	if cfg.Thumbnailer.Enabled {
		worker := thumbnailer.New(thumbnailer.Config{
			Workers: cfg.Thumbnailer.Workers,
			Width:   cfg.Thumbnailer.Width,
			Height:  cfg.Thumbnailer.Height,
			Timeout: cfg.StoreTimeout,
		}, newConsumer(), store, ledger, metaCache, log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker.Run(ctx)
		}()
	} else if cfg.QueueDriver == models.QueueDriverMemory {
		log.Warn("memory queue without an in-process thumbnailer; jobs will never be consumed")
	}

	srv := server.NewServer(cfg, log, ingestor, reader)
	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.ServerAddr, "blob_driver", cfg.BlobDriver, "queue_driver", cfg.QueueDriver)
		errCh <- srv.Start()
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case runErr = <-errCh:
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Error("http shutdown", "err", err)
	}
	wg.Wait()
	return runErr
}

func openBlobStore(ctx context.Context, cfg *models.Config) (blobstore.Store, func(), error) {
	switch cfg.BlobDriver {
	case models.BlobDriverGridFS:
		g, err := blobstore.NewGridFS(ctx, cfg.Mongo.URI, cfg.Mongo.Database)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to mongo: %w", err)
		}
		return g, func() {
			cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = g.Close(cctx)
		}, nil
	case models.BlobDriverMinio:
		m, err := blobstore.NewMinio(ctx, blobstore.MinioConfig{
			Endpoint:  cfg.Minio.Endpoint,
			AccessKey: cfg.Minio.AccessKey,
			SecretKey: cfg.Minio.SecretKey,
			Bucket:    cfg.Minio.Bucket,
			UseSSL:    cfg.Minio.UseSSL,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to minio: %w", err)
		}
		return m, func() {}, nil
	default:
		d, err := blobstore.NewDisk(cfg.StoragePath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open disk store: %w", err)
		}
		return d, func() {}, nil
	}
}

// openQueue returns the publisher and a constructor for the consumer. A kafka consumer joins
// its group as soon as it is built, so it is only built when the thumbnailer runs here.
func openQueue(cfg *models.Config) (queue.Publisher, func() queue.Consumer, func()) {
	if cfg.QueueDriver == models.QueueDriverMemory {
		q := queue.NewMemory(1024)
		return q, func() queue.Consumer { return q }, func() { _ = q.Close() }
	}

	producer := queue.NewKafkaPublisher(cfg.KafkaBroker, cfg.KafkaTopic)
	var consumer *queue.KafkaConsumer
	newConsumer := func() queue.Consumer {
		consumer = queue.NewKafkaConsumer(cfg.KafkaBroker, cfg.KafkaTopic, cfg.KafkaGroup, producer)
		return consumer
	}
	return producer, newConsumer, func() {
		if consumer != nil {
			_ = consumer.Close()
		}
		_ = producer.Close()
	}
}
