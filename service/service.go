package service

import (
	"time"

	"github.com/zlnvch/docsync/cache"
	"github.com/zlnvch/docsync/logger"
	"github.com/zlnvch/docsync/presence"
	"github.com/zlnvch/docsync/store"
	"github.com/zlnvch/docsync/worker"
)

const DefaultMaxPayloadBytes = 256 * 1024

type Service struct {
	Store             store.SyncStore
	Cache             cache.SyncCache
	Presence          *presence.Tracker
	PruneBatcher      *worker.PruneBatcher
	CompactionTrigger *worker.CompactionTrigger
	Hooks             Hooks
	Folder            Folder
	Compaction        CompactionConfig
	MaxPayloadBytes   int
	JWTSecret         []byte
	Log               *logger.Logger

	now func() time.Time
}

type Option func(*Service)

func WithHooks(hooks Hooks) Option {
	return func(s *Service) { s.Hooks = hooks }
}

func WithFolder(folder Folder) Option {
	return func(s *Service) { s.Folder = folder }
}

func WithCompactionConfig(c CompactionConfig) Option {
	return func(s *Service) { s.Compaction = c }
}

func WithMaxPayloadBytes(n int) Option {
	return func(s *Service) { s.MaxPayloadBytes = n }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService wires the engine. pruneBatcher and compactionTrigger are
// optional: without the batcher pruning runs inline after each snapshot
// commit, without the trigger compaction only happens on request.
func NewService(
	store store.SyncStore,
	cache cache.SyncCache,
	tracker *presence.Tracker,
	pruneBatcher *worker.PruneBatcher,
	compactionTrigger *worker.CompactionTrigger,
	jwtSecret []byte,
	log *logger.Logger,
	opts ...Option,
) (*Service, error) {
	s := &Service{
		Store:             store,
		Cache:             cache,
		Presence:          tracker,
		PruneBatcher:      pruneBatcher,
		CompactionTrigger: compactionTrigger,
		Folder:            BundleFolder{},
		Compaction:        DefaultCompactionConfig(),
		MaxPayloadBytes:   DefaultMaxPayloadBytes,
		JWTSecret:         jwtSecret,
		Log:               log,
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.Log == nil {
		s.Log = logger.Nop()
	}
	if s.Hooks.Authorizer == nil {
		s.Hooks.Authorizer = DocKeyAuthorizer{Ledger: store}
	}
	if err := s.Compaction.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}
