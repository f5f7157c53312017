// Package migrate versions a device's local store and upgrades it in order.
// Migrations only touch local data; anything they lose is re-synced from
// the server log, so resetting is always a valid way out.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/zlnvch/docsync/localstore"
	"github.com/zlnvch/docsync/logger"
	"github.com/zlnvch/docsync/syncerr"
)

const VersionKey = "meta/schema_version"

type Action int

const (
	Retry Action = iota
	ResetLocalStore
	Abort
)

func (a Action) String() string {
	switch a {
	case Retry:
		return "retry"
	case ResetLocalStore:
		return "reset"
	case Abort:
		return "abort"
	default:
		return "unknown"
	}
}

// Migration upgrades the store from Version-1 to Version.
type Migration struct {
	Version int
	Name    string
	Up      func(ctx context.Context, store localstore.Store) error
	// OnFailure picks the recovery for a failed Up. When nil, transient
	// failures are retried and anything else resets the store.
	OnFailure func(err error) Action
}

// Error is a failed upgrade step and what to do about it.
type Error struct {
	From   int
	To     int
	Name   string
	Action Action
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("migration %d->%d (%s) failed, action %s: %v", e.From, e.To, e.Name, e.Action, e.Err)
}

func (e *Error) Unwrap() []error {
	return []error{syncerr.ErrMigration, e.Err}
}

func defaultAction(err error) Action {
	if syncerr.Retriable(err) || errors.Is(err, syncerr.ErrStoreIO) || errors.Is(err, context.DeadlineExceeded) {
		return Retry
	}
	return ResetLocalStore
}

type Engine struct {
	store      localstore.Store
	migrations []Migration
	log        *logger.Logger

	maxRetries uint64
	backoff    time.Duration
}

type Option func(*Engine)

func WithRetries(maxRetries uint64, backoff time.Duration) Option {
	return func(e *Engine) {
		e.maxRetries = maxRetries
		e.backoff = backoff
	}
}

// NewEngine checks migrations are numbered 1, 2, 3... in order.
func NewEngine(store localstore.Store, migrations []Migration, log *logger.Logger, opts ...Option) (*Engine, error) {
	for i, m := range migrations {
		if m.Version != i+1 {
			return nil, fmt.Errorf("%w: migration %q has version %d, want %d", syncerr.ErrInvalidArgument, m.Name, m.Version, i+1)
		}
		if m.Up == nil {
			return nil, fmt.Errorf("%w: migration %q has no Up", syncerr.ErrInvalidArgument, m.Name)
		}
	}
	e := &Engine{
		store:      store,
		migrations: migrations,
		log:        log,
		maxRetries: 3,
		backoff:    100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *Engine) Latest() int {
	return len(e.migrations)
}

// Version returns the stored schema version, 0 for a fresh store.
func (e *Engine) Version(ctx context.Context) (int, error) {
	raw, err := e.store.Get(ctx, VersionKey)
	if errors.Is(err, localstore.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %v", syncerr.ErrStoreIO, err)
	}
	v, err := strconv.Atoi(string(raw))
	if err != nil {
		return 0, fmt.Errorf("corrupt schema version %q: %w", raw, err)
	}
	return v, nil
}

func (e *Engine) setVersion(ctx context.Context, v int) error {
	return e.store.Set(ctx, VersionKey, []byte(strconv.Itoa(v)))
}

// Run applies every migration after the stored version. Each success is
// recorded before the next step starts.
func (e *Engine) Run(ctx context.Context) error {
	current, err := e.Version(ctx)
	if err != nil {
		return &Error{From: -1, To: e.Latest(), Name: "read version", Action: ResetLocalStore, Err: err}
	}
	if current > e.Latest() {
		return &Error{From: current, To: e.Latest(), Name: "downgrade", Action: ResetLocalStore,
			Err: fmt.Errorf("stored schema %d is newer than %d", current, e.Latest())}
	}

	for _, m := range e.migrations[current:] {
		if err := m.Up(ctx, e.store); err != nil {
			action := defaultAction(err)
			if m.OnFailure != nil {
				action = m.OnFailure(err)
			}
			return &Error{From: m.Version - 1, To: m.Version, Name: m.Name, Action: action, Err: err}
		}
		if err := e.setVersion(ctx, m.Version); err != nil {
			return &Error{From: m.Version - 1, To: m.Version, Name: m.Name, Action: Retry, Err: fmt.Errorf("%w: %v", syncerr.ErrStoreIO, err)}
		}
		e.log.Infof("Local store migrated to %d (%s)", m.Version, m.Name)
	}
	return nil
}

// Recover carries out the action of a failed Run. Errors that are not
// migration errors are returned unchanged.
func (e *Engine) Recover(ctx context.Context, err error) error {
	var merr *Error
	if !errors.As(err, &merr) {
		return err
	}

	switch merr.Action {
	case Retry:
		b := retry.WithMaxRetries(e.maxRetries, retry.NewExponential(e.backoff))
		return retry.Do(ctx, b, func(ctx context.Context) error {
			err := e.Run(ctx)
			var again *Error
			if errors.As(err, &again) && again.Action == Retry {
				return retry.RetryableError(err)
			}
			if err != nil {
				return e.recoverOnce(ctx, err)
			}
			return nil
		})
	case ResetLocalStore:
		return e.reset(ctx, merr)
	default:
		return err
	}
}

// recoverOnce handles a non-retry outcome reached while retrying.
func (e *Engine) recoverOnce(ctx context.Context, err error) error {
	var merr *Error
	if errors.As(err, &merr) && merr.Action == ResetLocalStore {
		return e.reset(ctx, merr)
	}
	return err
}

func (e *Engine) reset(ctx context.Context, cause *Error) error {
	e.log.Warnf("Resetting local store after failed migration: %v", cause)
	if err := e.store.Clear(ctx); err != nil {
		return &Error{From: cause.From, To: cause.To, Name: cause.Name, Action: Abort, Err: fmt.Errorf("%w: reset failed: %v", syncerr.ErrStoreIO, err)}
	}
	if err := e.setVersion(ctx, e.Latest()); err != nil {
		return &Error{From: cause.From, To: cause.To, Name: cause.Name, Action: Abort, Err: fmt.Errorf("%w: %v", syncerr.ErrStoreIO, err)}
	}
	return nil
}
