package flagz

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/matt-riley/flagz-go/internal/core"
	"github.com/matt-riley/flagz-go/internal/eventbus"
	"github.com/matt-riley/flagz-go/internal/fetcher"
	"github.com/matt-riley/flagz-go/internal/logging"
	"github.com/matt-riley/flagz-go/internal/metrics"
	"github.com/matt-riley/flagz-go/internal/proxy"
	"github.com/matt-riley/flagz-go/internal/store"
	"github.com/matt-riley/flagz-go/internal/transport"
	"github.com/matt-riley/flagz-go/internal/usage"
)

// Impression event types.
const (
	ImpressionIsEnabled  = "isEnabled"
	ImpressionGetVariant = "getVariant"
)

// Impression is the payload of the impression event.
type Impression struct {
	FlagName  string
	Enabled   bool
	Variant   string
	EventType string
	Context   EvaluationContext
}

// Stats is a point-in-time view of a Client.
type Stats struct {
	fetcher.Stats
	ConnectionID string
	Flags        int
	PendingSync  bool
}

// Client is safe for concurrent use.
type Client struct {
	cfg          Config
	log          *slog.Logger
	connectionID string

	bus       *eventbus.Bus
	metrics   *metrics.Metrics
	transport *transport.Client
	store     *store.Store
	usage     *usage.Aggregator
	engine    *fetcher.Engine

	mu      sync.Mutex
	running bool
}

// New validates cfg and wires a Client. No I/O happens until Init or Start.
func New(cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}

	c := &Client{
		cfg:          cfg,
		log:          cfg.Logger.With("app", cfg.AppName, "environment", cfg.Environment),
		connectionID: uuid.NewString(),
	}
	c.bus = eventbus.New(c.log)
	c.metrics = metrics.New(prometheus.Labels{"app": cfg.AppName, "environment": cfg.Environment})
	c.store = store.New(store.Options{
		Bus:          c.bus,
		Storage:      cfg.Storage,
		Prefix:       cfg.StoragePrefix,
		ExplicitSync: cfg.ExplicitSync,
		Logger:       c.log,
		Metrics:      c.metrics,
	})

	var fetchTransport fetcher.Transport
	if !cfg.Offline {
		c.transport = transport.New(transport.Config{
			BaseURL:      cfg.APIURL,
			APIToken:     cfg.APIToken,
			AppName:      cfg.AppName,
			Environment:  cfg.Environment,
			ConnectionID: c.connectionID,
			Headers:      cfg.Headers,
			HTTPClient:   cfg.HTTPClient,
			Metrics:      c.metrics,
		})
		fetchTransport = c.transport
	}

	if !cfg.DisableMetrics {
		var sender usage.Sender
		if c.transport != nil {
			sender = c.transport
		}
		c.usage = usage.New(usage.Options{
			Sender:       sender,
			Bus:          c.bus,
			AppName:      cfg.AppName,
			InstanceID:   c.connectionID,
			Interval:     cfg.MetricsInterval,
			InitialDelay: cfg.MetricsInitialDelay,
			Logger:       c.log,
			Metrics:      c.metrics,
		})
	}

	c.engine = fetcher.New(fetcher.Options{
		Transport:          fetchTransport,
		Store:              c.store,
		Bus:                c.bus,
		Storage:            cfg.Storage,
		Prefix:             cfg.StoragePrefix,
		AppName:            cfg.AppName,
		Environment:        cfg.Environment,
		Context:            cfg.Context,
		RefreshInterval:    cfg.RefreshInterval,
		InitialBackoff:     cfg.InitialBackoff,
		MaxBackoff:         cfg.MaxBackoff,
		NonRetryableStatus: cfg.NonRetryableStatus,
		Offline:            cfg.Offline,
		Bootstrap:          cfg.Bootstrap,
		BootstrapOverride:  !cfg.PreferCache,
		Logger:             c.log,
		Metrics:            c.metrics,
	})
	return c, nil
}

// Init loads cached state and applies bootstrap flags without touching the
// network. Start calls it when needed.
func (c *Client) Init(ctx context.Context) error {
	return c.engine.Init(ctx)
}

// Start initializes the client, performs the first fetch and starts polling
// and usage reporting. A failed first fetch is reported through EventError
// and retried in the background; Start itself only fails on a canceled ctx
// or, in offline mode, when no flags are available.
func (c *Client) Start(ctx context.Context) error {
	if err := c.engine.Start(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}
	c.running = true
	if c.usage != nil && !c.cfg.Offline {
		c.usage.Start(context.WithoutCancel(ctx))
	}
	c.log.Info("flagz client started", "connection_id", c.connectionID)
	return nil
}

// Stop halts polling and usage reporting and cancels the in-flight
// request. Unsent usage counts are discarded.
func (c *Client) Stop() {
	c.engine.Stop()

	c.mu.Lock()
	wasRunning := c.running
	c.running = false
	c.mu.Unlock()

	if c.usage != nil {
		c.usage.Stop()
	}
	if wasRunning {
		c.log.Info("flagz client stopped")
	}
}

// Ready reports whether flags are available.
func (c *Client) Ready() bool {
	return c.engine.Ready()
}

// WaitForReady blocks until flags are available or ctx is done.
func (c *Client) WaitForReady(ctx context.Context) error {
	select {
	case <-c.engine.ReadyC():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the fetch state.
func (c *Client) State() State {
	return c.engine.State()
}

// FetchFlags fetches now. It returns ErrFetchInProgress when a fetch is
// already running and resumes polling that a non-retryable status stopped.
func (c *Client) FetchFlags(ctx context.Context) error {
	return c.engine.Fetch(ctx)
}

// SyncFlags publishes the realtime flags to accessors. With fetchFirst a
// fetch runs before the sync; its error is returned and the sync skipped.
// It returns ErrExplicitSyncDisabled unless Config.ExplicitSync is set.
func (c *Client) SyncFlags(ctx context.Context, fetchFirst bool) error {
	if !c.store.ExplicitSync() {
		return ErrExplicitSyncDisabled
	}
	if fetchFirst {
		if err := c.engine.Fetch(ctx); err != nil {
			return err
		}
	}
	return c.store.Sync()
}

// HasPendingSync reports whether realtime flags changed since the last sync.
func (c *Client) HasPendingSync() bool {
	return c.store.HasPendingSync()
}

// ExplicitSync reports whether explicit sync mode is on.
func (c *Client) ExplicitSync() bool {
	return c.store.ExplicitSync()
}

// Context returns a copy of the evaluation context.
func (c *Client) Context() EvaluationContext {
	return c.engine.Context()
}

// UpdateContext replaces the evaluation context and fetches when it
// changed. AppName and Environment keep their configured values.
func (c *Client) UpdateContext(ctx context.Context, next EvaluationContext) error {
	return c.engine.UpdateContext(ctx, next)
}

// SetContextField sets a context field, or a custom property for unknown
// names, and fetches when the context changed.
func (c *Client) SetContextField(ctx context.Context, name string, value any) error {
	return c.engine.SetContextField(ctx, name, value)
}

// RemoveContextField clears a context field or custom property.
func (c *Client) RemoveContextField(ctx context.Context, name string) error {
	return c.engine.RemoveContextField(ctx, name)
}

// On subscribes fn to the named event and returns its unsubscribe function.
func (c *Client) On(event string, fn Handler) func() {
	return c.bus.On(event, fn)
}

// Once subscribes fn to the next occurrence of the named event.
func (c *Client) Once(event string, fn Handler) func() {
	return c.bus.Once(event, fn)
}

// OnAny subscribes fn to every event.
func (c *Client) OnAny(fn WildcardHandler) func() {
	return c.bus.OnAny(fn)
}

// FlushMetrics sends the pending usage counts now.
func (c *Client) FlushMetrics(ctx context.Context) error {
	if c.usage == nil {
		return nil
	}
	return c.usage.Flush(ctx)
}

// MetricsHandler serves the client's Prometheus metrics.
func (c *Client) MetricsHandler() http.Handler {
	return c.metrics.Handler()
}

// RegisterMetrics adds collectors to the client's registry so they are
// served by MetricsHandler.
func (c *Client) RegisterMetrics(cs ...prometheus.Collector) error {
	for _, col := range cs {
		if err := c.metrics.Registry.Register(col); err != nil {
			return err
		}
	}
	return nil
}

// Stats returns counters describing the client.
func (c *Client) Stats() Stats {
	return Stats{
		Stats:        c.engine.Stats(),
		ConnectionID: c.connectionID,
		Flags:        len(c.store.Select()),
		PendingSync:  c.store.HasPendingSync(),
	}
}

func (c *Client) access(name string, flag *core.EvaluatedFlag, kind string) {
	if flag == nil {
		if c.usage != nil {
			c.usage.CountMissing(name)
		}
		c.metrics.RecordEvaluation(false, false)
		return
	}
	if c.usage != nil {
		c.usage.Count(name, flag.Enabled, flag.Variant.Name)
	}
	c.metrics.RecordEvaluation(true, flag.Enabled)

	if !flag.ImpressionFlag && !c.cfg.ImpressionDataAll {
		return
	}
	eventType := ImpressionGetVariant
	if kind == proxy.KindBoolean {
		eventType = ImpressionIsEnabled
	}
	c.bus.Emit(eventbus.EventImpression, Impression{
		FlagName:  name,
		Enabled:   flag.Enabled,
		Variant:   flag.Variant.Name,
		EventType: eventType,
		Context:   c.engine.Context(),
	})
}
