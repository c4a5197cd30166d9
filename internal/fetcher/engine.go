// Package fetcher implements the polling state machine that keeps the flag
// store in step with the evaluation service.
//
// The engine moves between three states: initializing until the first
// response, healthy after any non-error response and error after a failed
// one. It allows one request in flight at a time, sends the last ETag as a
// conditional header, backs off exponentially on failures and stops polling
// on non-retryable statuses until a manual fetch succeeds. A context change
// cancels the outstanding request and fetches again unless the context hash
// is unchanged.
package fetcher

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/matt-riley/flagz-go/internal/core"
	"github.com/matt-riley/flagz-go/internal/eventbus"
	"github.com/matt-riley/flagz-go/internal/logging"
	"github.com/matt-riley/flagz-go/internal/metrics"
	"github.com/matt-riley/flagz-go/internal/store"
	"github.com/matt-riley/flagz-go/internal/transport"
	"github.com/matt-riley/flagz-go/storage"
)

const (
	DefaultRefreshInterval = 30 * time.Second
	DefaultInitialBackoff  = time.Second
	DefaultMaxBackoff      = time.Minute

	storageTimeout = 5 * time.Second
)

// DefaultNonRetryableStatus lists the statuses that stop polling.
var DefaultNonRetryableStatus = []int{401, 403}

var (
	ErrFetchInProgress = errors.New("flagz: a fetch is already in progress")
	ErrOfflineNoData   = errors.New("flagz: offline mode requires bootstrap or cached flags")
	ErrOffline         = errors.New("flagz: fetching is disabled in offline mode")
	ErrStopped         = errors.New("flagz: client is stopped")
	// ErrSuperseded is returned to a fetch that was canceled by a context
	// change.
	ErrSuperseded = errors.New("flagz: fetch superseded by a newer request")
)

// State of the engine.
type State string

const (
	StateInitializing State = "initializing"
	StateHealthy      State = "healthy"
	StateError        State = "error"
)

// Transport performs evaluation requests.
type Transport interface {
	FetchFlags(ctx context.Context, query url.Values, etag string) (transport.FetchResult, error)
}

// Options configures an Engine.
type Options struct {
	Transport Transport
	Store     *store.Store
	Bus       *eventbus.Bus
	Storage   storage.Store
	Prefix    string

	AppName     string
	Environment string
	Context     core.EvaluationContext

	RefreshInterval    time.Duration
	InitialBackoff     time.Duration
	MaxBackoff         time.Duration
	NonRetryableStatus []int

	Offline           bool
	Bootstrap         []core.EvaluatedFlag
	BootstrapOverride bool

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type stopper interface {
	Stop() bool
}

type inflight struct {
	gen    uint64
	cancel context.CancelFunc
}

// Engine is safe for concurrent use.
type Engine struct {
	transport    Transport
	store        *store.Store
	bus          *eventbus.Bus
	storage      storage.Store
	prefix       string
	appName      string
	environment  string
	interval     time.Duration
	nonRetryable []int
	offline      bool
	bootstrap    []core.EvaluatedFlag
	override     bool
	log          *slog.Logger
	metrics      *metrics.Metrics

	// schedule arms fn after d. Tests replace it to capture delays.
	schedule func(d time.Duration, fn func()) stopper
	now      func() time.Time
	// beforeApply runs between a successful response and applying it.
	beforeApply func()

	readyOnce sync.Once
	readyCh   chan struct{}

	mu          sync.Mutex
	state       State
	initialized bool
	started     bool
	stopped     bool
	polling     bool
	evalCtx     core.EvaluationContext
	contextHash string
	etag        string
	sessionID   string
	failures    int
	backoff     *backoff.ExponentialBackOff
	timer       stopper
	timerGen    uint64
	current     *inflight
	gen         uint64
	root        context.Context
	rootCancel  context.CancelFunc
	stats       Stats
}

// New returns an engine in the initializing state.
func New(opts Options) *Engine {
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = DefaultRefreshInterval
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = DefaultInitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = DefaultMaxBackoff
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = opts.InitialBackoff
	}
	if opts.NonRetryableStatus == nil {
		opts.NonRetryableStatus = DefaultNonRetryableStatus
	}
	if opts.Bus == nil {
		opts.Bus = eventbus.New(opts.Logger)
	}
	if opts.Storage == nil {
		opts.Storage = storage.NewMemory()
	}
	if opts.Prefix == "" {
		opts.Prefix = storage.DefaultPrefix
	}
	if opts.Store == nil {
		opts.Store = store.New(store.Options{Bus: opts.Bus, Storage: opts.Storage, Prefix: opts.Prefix, Logger: opts.Logger})
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = opts.InitialBackoff
	bo.MaxInterval = opts.MaxBackoff
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()

	e := &Engine{
		transport:    opts.Transport,
		store:        opts.Store,
		bus:          opts.Bus,
		storage:      opts.Storage,
		prefix:       opts.Prefix,
		appName:      opts.AppName,
		environment:  opts.Environment,
		interval:     opts.RefreshInterval,
		nonRetryable: slices.Clone(opts.NonRetryableStatus),
		offline:      opts.Offline,
		bootstrap:    opts.Bootstrap,
		override:     opts.BootstrapOverride,
		log:          logging.Component(opts.Logger, "fetcher"),
		metrics:      opts.Metrics,
		schedule: func(d time.Duration, fn func()) stopper {
			return time.AfterFunc(d, fn)
		},
		now:     time.Now,
		readyCh: make(chan struct{}),
		state:   StateInitializing,
		backoff: bo,
	}
	e.evalCtx = e.withSystemFields(opts.Context)
	e.contextHash = e.hash(e.evalCtx)
	e.root, e.rootCancel = context.WithCancel(context.Background())
	return e
}

// Init loads the cached ETag, flags and session id and applies bootstrap
// data. Cached or bootstrapped flags make the engine ready before any
// network call. Storage failures are logged and skipped. Calling Init more
// than once is a no-op.
func (e *Engine) Init(ctx context.Context) error {
	e.mu.Lock()
	if e.initialized {
		e.mu.Unlock()
		return nil
	}
	e.initialized = true
	e.mu.Unlock()

	etag := e.loadString(ctx, storage.KeyETag)
	sessionID := e.loadString(ctx, storage.KeySessionID)
	if sessionID == "" {
		sessionID = uuid.NewString()
		if err := e.storage.Save(ctx, e.key(storage.KeySessionID), []byte(sessionID)); err != nil {
			e.log.Warn("persist session id failed", "error", err)
		}
	}

	cached, fromCache, err := e.store.Load(ctx)
	if err != nil {
		e.log.Warn("load cached flags failed", "error", err)
	}

	bootstrapped := len(e.bootstrap) > 0 && (e.override || !fromCache)
	switch {
	case bootstrapped:
		if err := e.store.StoreFlags(ctx, e.bootstrap, true); err != nil {
			e.log.Warn("persist bootstrap flags failed", "error", err)
		}
	case fromCache:
		e.store.SetFlags(cached, true)
	}
	if etag != "" && (bootstrapped || !fromCache) {
		// A stored ETag is only valid for the cached flags it came with.
		etag = ""
		if err := e.storage.Delete(ctx, e.key(storage.KeyETag)); err != nil {
			e.log.Warn("clear cached etag failed", "error", err)
		}
	}

	e.mu.Lock()
	e.etag = etag
	e.sessionID = sessionID
	if e.evalCtx.SessionID == "" {
		e.evalCtx.SessionID = sessionID
		e.contextHash = e.hash(e.evalCtx)
	}
	e.mu.Unlock()

	count := len(e.store.Realtime())
	e.log.Info("flags initialized", "cached", fromCache, "bootstrapped", bootstrapped, "flags", count)
	e.bus.Emit(eventbus.EventInit, InitEvent{FromCache: fromCache && !bootstrapped, Bootstrapped: bootstrapped, Flags: count})
	if fromCache || bootstrapped {
		e.markReady()
	}
	return nil
}

// Start runs Init if needed, performs the first fetch synchronously and
// keeps polling in the background. In offline mode no request is made and
// ErrOfflineNoData is returned unless flags are already available. A failed
// first fetch is not an error here: it is reported as an event and retried
// with backoff.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.Init(ctx); err != nil {
		return err
	}

	e.mu.Lock()
	if e.offline {
		e.started = true
		e.stopped = false
		e.mu.Unlock()
		if len(e.store.Realtime()) == 0 {
			return ErrOfflineNoData
		}
		e.markReady()
		return nil
	}
	if e.started {
		e.mu.Unlock()
		return nil
	}
	if e.root.Err() != nil {
		e.root, e.rootCancel = context.WithCancel(context.Background())
	}
	e.started = true
	e.stopped = false
	e.polling = true
	e.mu.Unlock()

	if err := e.fetch(ctx); err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

// Fetch performs one fetch now. It returns ErrFetchInProgress when a fetch
// is already running. A successful fetch resumes polling that was stopped
// by a non-retryable status.
func (e *Engine) Fetch(ctx context.Context) error {
	e.mu.Lock()
	offline, stopped := e.offline, e.stopped
	e.mu.Unlock()
	switch {
	case offline:
		return ErrOffline
	case stopped:
		return ErrStopped
	}
	return e.fetch(ctx)
}

// Stop clears the pending poll, cancels the in-flight request and stops
// polling. Start may be called again afterwards.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stopped = true
	e.started = false
	e.polling = false
	e.disarm()
	if e.current != nil {
		e.current.cancel()
		e.current = nil
	}
	e.rootCancel()
}

// Ready reports whether flags are available from cache, bootstrap or a
// successful response.
func (e *Engine) Ready() bool {
	select {
	case <-e.readyCh:
		return true
	default:
		return false
	}
}

// ReadyC is closed once the engine becomes ready.
func (e *Engine) ReadyC() <-chan struct{} {
	return e.readyCh
}

func (e *Engine) markReady() {
	e.readyOnce.Do(func() {
		close(e.readyCh)
		e.bus.Emit(eventbus.EventReady, nil)
	})
}

// Context returns a copy of the current evaluation context.
func (e *Engine) Context() core.EvaluationContext {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.evalCtx.Clone()
}

// UpdateContext replaces the evaluation context. System fields keep their
// engine-owned values. The new context is always stored; only when the
// resulting request differs from the previous one is the in-flight request
// canceled and a new fetch run.
func (e *Engine) UpdateContext(ctx context.Context, next core.EvaluationContext) error {
	next = e.withSystemFields(next)
	hash := e.hash(next)

	e.mu.Lock()
	e.evalCtx = next
	if hash == e.contextHash {
		e.mu.Unlock()
		return nil
	}
	e.contextHash = hash
	if e.current != nil {
		e.current.cancel()
		e.current = nil
	}
	fetch := e.started && !e.stopped && !e.offline
	e.mu.Unlock()

	if !fetch {
		return nil
	}
	return e.fetch(ctx)
}

// SetContextField sets one context field or property. System fields are
// left untouched with a warning.
func (e *Engine) SetContextField(ctx context.Context, name string, value any) error {
	if core.IsSystemField(name) {
		e.log.Warn("ignoring update of system context field", "field", name)
		return nil
	}
	next := e.Context()
	if err := next.SetField(name, value); err != nil {
		return err
	}
	return e.UpdateContext(ctx, next)
}

// RemoveContextField clears one context field or property. System fields
// are left untouched with a warning.
func (e *Engine) RemoveContextField(ctx context.Context, name string) error {
	if core.IsSystemField(name) {
		e.log.Warn("ignoring removal of system context field", "field", name)
		return nil
	}
	next := e.Context()
	if err := next.RemoveField(name); err != nil {
		return err
	}
	return e.UpdateContext(ctx, next)
}

func (e *Engine) withSystemFields(c core.EvaluationContext) core.EvaluationContext {
	c = c.Clone()
	c.AppName = e.appName
	c.Environment = e.environment
	return c
}

func (e *Engine) hash(c core.EvaluationContext) string {
	return c.Hash()
}

func (e *Engine) key(name string) string {
	return storage.Key(e.prefix, name)
}

func (e *Engine) loadString(ctx context.Context, name string) string {
	b, found, err := e.storage.Get(ctx, e.key(name))
	if err != nil {
		e.log.Warn("load persisted state failed", "key", name, "error", err)
		return ""
	}
	if !found {
		return ""
	}
	return string(b)
}

func (e *Engine) storageContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(parent), storageTimeout)
}
