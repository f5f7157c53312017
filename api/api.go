package api

import (
	"context"
	"net/http"
	"time"

	"github.com/zlnvch/docsync/api/rest"
	"github.com/zlnvch/docsync/api/ws"
	"github.com/zlnvch/docsync/cache"
	"github.com/zlnvch/docsync/logger"
	"github.com/zlnvch/docsync/mq"
	"github.com/zlnvch/docsync/presence"
	"github.com/zlnvch/docsync/scheduler"
	"github.com/zlnvch/docsync/service"
	"github.com/zlnvch/docsync/store"
	"github.com/zlnvch/docsync/worker"
)

// Settings are the tunables of one server instance.
type Settings struct {
	JWTSecret        []byte
	Compaction       service.CompactionConfig
	MaxPayloadBytes  int
	SessionTimeout   time.Duration
	SessionRetention time.Duration
	// Hooks are optional; the zero value authorizes by document key.
	Hooks service.Hooks
}

const (
	pruneTickerMilliseconds      = 2000
	compactionTickerMilliseconds = 1000
)

type DocSyncAPI struct {
	Service     *service.Service
	restHandler *rest.Handler
	wsHandler   *ws.Handler
	shutdownCtx context.Context
}

// NewDocSyncAPI wires the service and starts the hub and the background
// workers. Everything stops when shutdownCtx is done.
func NewDocSyncAPI(
	syncStore store.SyncStore,
	compactionQueue mq.MessageQueue,
	syncCache cache.SyncCache,
	settings Settings,
	log *logger.Logger,
	shutdownCtx context.Context,
) (*DocSyncAPI, error) {
	wsHub := ws.NewHub(syncCache, log.With("component", "ws"))
	err := wsHub.InitSubscriptions(shutdownCtx)
	if err != nil {
		log.Errorf("Failed to start WS Hub subscriptions service: %v", err)
		return nil, err
	}
	go wsHub.Run(shutdownCtx)

	pruneBatcher := worker.NewPruneBatcher(syncStore, pruneTickerMilliseconds, log.With("component", "prune"))
	go pruneBatcher.Run(shutdownCtx)

	compactionTrigger := worker.NewCompactionTrigger(
		compactionQueue,
		settings.Compaction.DeltaThreshold,
		settings.Compaction.ByteThreshold,
		compactionTickerMilliseconds,
		log.With("component", "compaction"),
	)
	go compactionTrigger.Run(shutdownCtx)

	tracker := presence.NewTracker(syncCache, scheduler.NewTimer(), log.With("component", "presence"),
		presence.WithTimeout(settings.SessionTimeout),
		presence.WithObserver(service.PresencePublisher{Cache: syncCache, Log: log}),
	)

	opts := []service.Option{
		service.WithCompactionConfig(settings.Compaction),
		service.WithHooks(settings.Hooks),
	}
	if settings.MaxPayloadBytes > 0 {
		opts = append(opts, service.WithMaxPayloadBytes(settings.MaxPayloadBytes))
	}

	svc, err := service.NewService(
		syncStore,
		syncCache,
		tracker,
		pruneBatcher,
		compactionTrigger,
		settings.JWTSecret,
		log,
		opts...,
	)
	if err != nil {
		log.Errorf("Failed to create service: %v", err)
		return nil, err
	}

	compactionConsumer := worker.NewCompactionConsumer(compactionQueue, svc, log.With("component", "compaction"))
	go compactionConsumer.Run(shutdownCtx)

	go func() {
		<-shutdownCtx.Done()
		tracker.Close()
	}()

	return &DocSyncAPI{
		Service:     svc,
		restHandler: rest.NewHandler(svc, log.With("component", "rest"), settings.SessionRetention),
		wsHandler:   ws.NewHandler(svc, wsHub, log.With("component", "ws")),
		shutdownCtx: shutdownCtx,
	}, nil
}

func (a *DocSyncAPI) RegisterRoutes(mux *http.ServeMux, requiredOrigin string) {
	// Health check endpoint (no auth required)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	a.restHandler.RegisterRoutes(mux)

	wsUpgrader := a.wsHandler.NewWsUpgrader(requiredOrigin)
	mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
		a.wsHandler.ServeWS(wsUpgrader, w, r, a.shutdownCtx)
	})
}
