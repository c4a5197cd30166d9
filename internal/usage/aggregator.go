// Package usage aggregates flag accesses into time buckets and ships them to
// the metrics endpoint on its own timer.
//
// Sends are one-shot: a failed bucket is logged, reported as an event and
// dropped. A circuit breaker stops network calls while the endpoint keeps
// failing. Counting never blocks on the network.
package usage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/matt-riley/flagz-go/internal/eventbus"
	"github.com/matt-riley/flagz-go/internal/logging"
	"github.com/matt-riley/flagz-go/internal/metrics"
)

const (
	DefaultInterval     = time.Minute
	DefaultInitialDelay = 2 * time.Second

	breakerFailures = 5
	breakerTimeout  = 5 * time.Minute
	sendTimeout     = 30 * time.Second
)

// Flush results recorded in metrics.
const (
	FlushSent    = "sent"
	FlushFailed  = "failed"
	FlushDropped = "dropped"
)

// Sender delivers one payload to the metrics endpoint.
type Sender interface {
	SendMetrics(ctx context.Context, payload any) error
}

// Payload is the body of a metrics request.
type Payload struct {
	Bucket     Bucket `json:"bucket"`
	AppName    string `json:"appName"`
	InstanceID string `json:"instanceId"`
}

// FlushError is the payload of the metrics error event.
type FlushError struct {
	Err    error
	Bucket Bucket
}

func (e *FlushError) Error() string {
	return fmt.Sprintf("flagz: send metrics: %v", e.Err)
}

func (e *FlushError) Unwrap() error { return e.Err }

// Options configures an Aggregator.
type Options struct {
	Sender       Sender
	Bus          *eventbus.Bus
	AppName      string
	InstanceID   string
	Interval     time.Duration
	InitialDelay time.Duration
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Aggregator is safe for concurrent use.
type Aggregator struct {
	sender       Sender
	bus          *eventbus.Bus
	appName      string
	instanceID   string
	interval     time.Duration
	initialDelay time.Duration
	log          *slog.Logger
	metrics      *metrics.Metrics
	now          func() time.Time
	breaker      *gobreaker.CircuitBreaker[struct{}]

	mu     sync.Mutex
	bucket Bucket

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New returns an aggregator with an empty bucket.
func New(opts Options) *Aggregator {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = DefaultInitialDelay
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Bus == nil {
		opts.Bus = eventbus.New(opts.Logger)
	}
	log := logging.Component(opts.Logger, "usage")

	a := &Aggregator{
		sender:       opts.Sender,
		bus:          opts.Bus,
		appName:      opts.AppName,
		instanceID:   opts.InstanceID,
		interval:     opts.Interval,
		initialDelay: opts.InitialDelay,
		log:          log,
		metrics:      opts.Metrics,
		now:          opts.Now,
	}
	a.bucket = newBucket(a.now())
	a.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "flagz-metrics",
		MaxRequests: 1,
		Timeout:     breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("metrics circuit breaker state changed", "from", from.String(), "to", to.String())
		},
	})
	return a
}

// Count records one access of a known flag.
func (a *Aggregator) Count(name string, enabled bool, variant string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	c := a.bucket.Flags[name]
	if enabled {
		c.Yes++
	} else {
		c.No++
	}
	if variant != "" {
		if c.Variants == nil {
			c.Variants = make(map[string]int)
		}
		c.Variants[variant]++
	}
	a.bucket.Flags[name] = c
}

// CountMissing records one access of an unknown flag.
func (a *Aggregator) CountMissing(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bucket.Missing[name]++
}

// Snapshot returns a copy of the running bucket.
func (a *Aggregator) Snapshot() Bucket {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bucket.clone()
}

// Flush swaps in a fresh bucket and sends the previous one unless it is
// empty. The bucket is dropped whether or not the send succeeds.
func (a *Aggregator) Flush(ctx context.Context) error {
	a.mu.Lock()
	now := a.now()
	bucket := a.bucket
	bucket.Stop = now
	a.bucket = newBucket(now)
	a.mu.Unlock()

	if bucket.Empty() || a.sender == nil {
		return nil
	}

	payload := Payload{Bucket: bucket, AppName: a.appName, InstanceID: a.instanceID}
	_, err := a.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, a.sender.SendMetrics(ctx, payload)
	})
	if err != nil {
		result := FlushFailed
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			result = FlushDropped
		}
		a.metrics.RecordFlush(result)
		a.log.Warn("metrics flush failed", "result", result, "flags", len(bucket.Flags), "error", err)
		ferr := &FlushError{Err: err, Bucket: bucket}
		a.bus.Emit(eventbus.EventMetricsErr, ferr)
		return ferr
	}

	a.metrics.RecordFlush(FlushSent)
	a.log.Debug("metrics flushed", "flags", len(bucket.Flags), "missing", len(bucket.Missing))
	a.bus.Emit(eventbus.EventMetricsSent, bucket)
	return nil
}

// Start runs the flush timer until ctx is done or Stop is called: the first
// flush happens after the initial delay, then every interval. Calling Start
// on a running aggregator is a no-op.
func (a *Aggregator) Start(ctx context.Context) {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	a.cancel = cancel
	a.done = done

	go func() {
		defer close(done)
		timer := time.NewTimer(a.initialDelay)
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
				a.flushOnce(ctx)
				timer.Reset(a.interval)
			}
		}
	}()
}

// Stop halts the timer and waits for an in-progress flush to return. The
// running bucket is not sent.
func (a *Aggregator) Stop() {
	a.runMu.Lock()
	cancel, done := a.cancel, a.done
	a.cancel, a.done = nil, nil
	a.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (a *Aggregator) flushOnce(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	// Errors are already logged and emitted.
	_ = a.Flush(ctx)
}
