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

	"golang.org/x/sync/errgroup"

	"github.com/zlnvch/docsync/api"
	"github.com/zlnvch/docsync/cache"
	"github.com/zlnvch/docsync/cache/memory"
	"github.com/zlnvch/docsync/cache/redis"
	"github.com/zlnvch/docsync/config"
	"github.com/zlnvch/docsync/logger"
	"github.com/zlnvch/docsync/mq"
	"github.com/zlnvch/docsync/mq/memqueue"
	"github.com/zlnvch/docsync/mq/sqsmq"
	"github.com/zlnvch/docsync/service"
	"github.com/zlnvch/docsync/store"
	"github.com/zlnvch/docsync/store/dynamo"
	"github.com/zlnvch/docsync/store/memstore"
	"github.com/zlnvch/docsync/store/postgres"
)

const shutdownTimeout = 10 * time.Second

type backend struct {
	store store.SyncStore
	queue mq.MessageQueue
	cache cache.SyncCache
	close []func() error
}

func openBackend(ctx context.Context, cfg *config.Config) (*backend, error) {
	b := &backend{}

	switch cfg.StoreBackend {
	case config.BackendMemory:
		b.store = memstore.New()
		b.queue = memqueue.New()
		b.cache = memory.New()
		return b, nil

	case config.BackendPostgres:
		pg, err := postgres.NewPostgresSyncStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		b.store = pg
		b.close = append(b.close, pg.Close)

	default:
		dynamoStore, err := dynamo.NewDynamoSyncStore(ctx, cfg.DevMode, cfg.DynamoDBEndpoint, cfg.DynamoDBTable)
		if err != nil {
			return nil, err
		}
		b.store = dynamoStore
	}

	queue, err := sqsmq.NewSQSMessageQueue(ctx, cfg.DevMode, cfg.SQSEndpoint, cfg.SQSCompactionQueue)
	if err != nil {
		b.Close()
		return nil, err
	}
	b.queue = queue

	// presence rows outlive the retention window so GC still sees them
	redisCache, err := redis.NewRedisSyncCache(ctx, cfg.DevMode, cfg.RedisEndpoint, 2*cfg.SessionRetentionDuration())
	if err != nil {
		b.Close()
		return nil, err
	}
	b.cache = redisCache
	b.close = append(b.close, redisCache.Close)

	return b, nil
}

func (b *backend) Close() {
	for _, c := range b.close {
		if err := c(); err != nil {
			log.Printf("Failed to close backend: %v", err)
		}
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zlog, err := logger.New(cfg.Env)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zlog.Sync()

	jwtSecret, err := cfg.JWTSecretBytes()
	if err != nil {
		zlog.Errorf("Failed to decode base64 jwtSecret: %v", err)
		os.Exit(1)
	}

	shutdownCtx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	b, err := openBackend(shutdownCtx, cfg)
	if err != nil {
		zlog.Errorf("Failed to open %s backend: %v", cfg.StoreBackend, err)
		os.Exit(1)
	}
	defer b.Close()

	compaction := service.DefaultCompactionConfig()
	compaction.DeltaThreshold = cfg.CompactionDeltaThreshold
	compaction.ByteThreshold = cfg.CompactionByteThreshold
	compaction.MaxFold = max(compaction.MaxFold, compaction.DeltaThreshold)

	docsyncAPI, err := api.NewDocSyncAPI(b.store, b.queue, b.cache, api.Settings{
		JWTSecret:        jwtSecret,
		Compaction:       compaction,
		MaxPayloadBytes:  cfg.MaxPayloadBytes,
		SessionTimeout:   cfg.SessionTimeoutDuration(),
		SessionRetention: cfg.SessionRetentionDuration(),
	}, zlog, shutdownCtx)
	if err != nil {
		zlog.Errorf("Failed to create docsync api: %v", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	docsyncAPI.RegisterRoutes(mux, cfg.AllowedOrigin)

	server := &http.Server{
		Addr:              ":" + cfg.HostPort,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(shutdownCtx)
	g.Go(func() error {
		zlog.Infof("Starting server on host port: %s (%s backend)", cfg.HostPort, cfg.StoreBackend)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		zlog.Infof("Server shutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(ctx)
	})

	if err := g.Wait(); err != nil {
		zlog.Errorf("Server stopped: %v", err)
	}
}
