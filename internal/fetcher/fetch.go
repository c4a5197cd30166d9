package fetcher

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/matt-riley/flagz-go/internal/eventbus"
	"github.com/matt-riley/flagz-go/internal/metrics"
	"github.com/matt-riley/flagz-go/internal/store"
	"github.com/matt-riley/flagz-go/internal/transport"
	"github.com/matt-riley/flagz-go/storage"
)

// InitEvent is the payload of the init event.
type InitEvent struct {
	FromCache    bool
	Bootstrapped bool
	Flags        int
}

// FetchEndEvent is the payload of the fetch end event.
type FetchEndEvent struct {
	StatusCode  int
	NotModified bool
	Flags       int
	Duration    time.Duration
	Err         error
}

// ErrorEvent is the payload of the error event.
type ErrorEvent struct {
	Err error
	// Message is a short human-readable classification.
	Message             string
	Kind                string
	StatusCode          int
	ConsecutiveFailures int
	// RetryIn is zero when no retry is scheduled.
	RetryIn        time.Duration
	PollingStopped bool
}

// Kinds of ErrorEvent besides the transport kinds.
const (
	KindHTTP     = "http"
	KindResponse = "response"
)

// Stats is a point-in-time view of the engine.
type Stats struct {
	State               State
	Ready               bool
	Polling             bool
	Fetches             int
	Updates             int
	NotModified         int
	Errors              int
	ConsecutiveFailures int
	ETag                string
	SessionID           string
	ContextHash         string
	LastFetch           time.Time
	LastSuccess         time.Time
	LastError           time.Time
	LastErrorMessage    string
}

// Stats returns the current counters and state.
func (e *Engine) Stats() Stats {
	ready := e.Ready()
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stats
	s.State = e.state
	s.Ready = ready
	s.Polling = e.polling
	s.ConsecutiveFailures = e.failures
	s.ETag = e.etag
	s.SessionID = e.sessionID
	s.ContextHash = e.contextHash
	return s
}

// State returns the current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) fetch(ctx context.Context) error {
	e.mu.Lock()
	if e.current != nil {
		e.mu.Unlock()
		return ErrFetchInProgress
	}
	e.gen++
	gen := e.gen
	reqCtx, cancel := context.WithCancel(e.root)
	e.current = &inflight{gen: gen, cancel: cancel}
	e.disarm()
	query := e.evalCtx.Query()
	etag := e.etag
	e.stats.Fetches++
	e.stats.LastFetch = e.now()
	e.mu.Unlock()

	stopCaller := context.AfterFunc(ctx, cancel)
	defer func() {
		stopCaller()
		cancel()
	}()

	e.bus.Emit(eventbus.EventFetchStart, nil)
	started := e.now()
	res, err := e.transport.FetchFlags(reqCtx, query, etag)
	elapsed := e.now().Sub(started)

	e.mu.Lock()
	if !e.isCurrentLocked(gen) {
		e.mu.Unlock()
		return e.abandon(elapsed)
	}
	if err != nil {
		e.current = nil
	}
	e.mu.Unlock()

	if err != nil && ctx.Err() != nil && transport.IsCanceled(err) {
		return e.handleCallerCanceled(ctx, elapsed)
	}
	if err != nil {
		return e.handleFailure(err, elapsed)
	}
	return e.handleSuccess(ctx, gen, res, etag, elapsed)
}

func (e *Engine) isCurrentLocked(gen uint64) bool {
	return e.current != nil && e.current.gen == gen
}

func (e *Engine) isCurrent(gen uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isCurrentLocked(gen)
}

// abandon finishes a fetch whose response arrived after Stop or a context
// change took over.
func (e *Engine) abandon(elapsed time.Duration) error {
	e.mu.Lock()
	stopped := e.stopped
	e.mu.Unlock()
	e.log.Debug("fetch abandoned", "stopped", stopped)

	err := ErrSuperseded
	if stopped {
		err = ErrStopped
	}
	e.bus.Emit(eventbus.EventFetchEnd, FetchEndEvent{Duration: elapsed, Err: err})
	return err
}

func (e *Engine) handleCallerCanceled(ctx context.Context, elapsed time.Duration) error {
	e.mu.Lock()
	if e.polling {
		e.arm(e.interval)
	}
	e.mu.Unlock()
	e.bus.Emit(eventbus.EventFetchEnd, FetchEndEvent{Duration: elapsed, Err: ctx.Err()})
	return ctx.Err()
}

func (e *Engine) handleFailure(err error, elapsed time.Duration) error {
	status := transport.StatusCode(err)
	fatal := status != 0 && slices.Contains(e.nonRetryable, status)

	e.mu.Lock()
	e.failures++
	failures := e.failures
	e.state = StateError
	e.stats.Errors++
	e.stats.LastError = e.now()
	e.stats.LastErrorMessage = err.Error()
	var retryIn time.Duration
	if fatal {
		e.polling = false
		e.disarm()
	} else {
		next := e.backoff.NextBackOff()
		if e.polling {
			retryIn = next
			e.arm(retryIn)
		}
	}
	e.mu.Unlock()

	event := ErrorEvent{
		Err:                 err,
		Message:             transport.Describe(err),
		Kind:                errorKind(err),
		StatusCode:          status,
		ConsecutiveFailures: failures,
		RetryIn:             retryIn,
		PollingStopped:      fatal,
	}
	if fatal {
		e.metrics.RecordFetch(metrics.FetchStopped, elapsed)
		e.log.Error("polling stopped after non-retryable status", "status", status, "error", err)
	} else {
		e.metrics.RecordFetch(metrics.FetchError, elapsed)
		e.log.Warn("fetch failed", "reason", event.Message, "failures", failures, "retry_in", retryIn, "error", err)
	}
	e.metrics.SetConsecutiveFailures(failures)

	e.bus.Emit(eventbus.EventError, event)
	e.bus.Emit(eventbus.EventFetchEnd, FetchEndEvent{StatusCode: status, Duration: elapsed, Err: err})
	return err
}

// handleSuccess applies a 200 or 304. The fetch stays current until the
// flags are in the store, so a context change or Stop in the meantime
// discards the response instead of overwriting newer state.
func (e *Engine) handleSuccess(ctx context.Context, gen uint64, res transport.FetchResult, sentETag string, elapsed time.Duration) error {
	sctx, cancel := e.storageContext(ctx)
	defer cancel()

	if e.beforeApply != nil {
		e.beforeApply()
	}

	persisted := true
	if !res.NotModified {
		err := e.store.StoreFlagsIf(sctx, res.Flags, !e.store.ExplicitSync(), func() bool { return e.isCurrent(gen) })
		switch {
		case errors.Is(err, store.ErrDiscarded):
			return e.abandon(elapsed)
		case err != nil:
			e.log.Warn("persist flags failed", "error", err)
			persisted = false
		}
	} else if !e.isCurrent(gen) {
		return e.abandon(elapsed)
	}
	switch {
	case !persisted:
		// The stored flags are stale, so the stored ETag must not vouch for them.
		e.persistETag(sctx, "")
	case res.ETag != sentETag:
		e.persistETag(sctx, res.ETag)
	}

	e.mu.Lock()
	current := e.isCurrentLocked(gen)
	if current {
		e.current = nil
	}
	recovered := e.state == StateError
	e.state = StateHealthy
	e.failures = 0
	e.backoff.Reset()
	e.etag = res.ETag
	e.stats.LastSuccess = e.now()
	if res.NotModified {
		e.stats.NotModified++
	} else {
		e.stats.Updates++
	}
	if e.started && !e.stopped {
		e.polling = true
	}
	if current && e.polling {
		e.arm(e.interval)
	}
	e.mu.Unlock()

	result := metrics.FetchUpdated
	if res.NotModified {
		result = metrics.FetchNotModified
	}
	e.metrics.RecordFetch(result, elapsed)
	e.metrics.SetConsecutiveFailures(0)
	e.log.Debug("fetch completed", "status", res.StatusCode, "flags", len(res.Flags), "duration", elapsed)

	e.markReady()
	if recovered {
		e.log.Info("fetching recovered")
		e.bus.Emit(eventbus.EventRecovered, nil)
	}
	e.bus.Emit(eventbus.EventFetchEnd, FetchEndEvent{
		StatusCode:  res.StatusCode,
		NotModified: res.NotModified,
		Flags:       len(res.Flags),
		Duration:    elapsed,
	})
	return nil
}

func (e *Engine) persistETag(ctx context.Context, etag string) {
	var err error
	if etag == "" {
		err = e.storage.Delete(ctx, e.key(storage.KeyETag))
	} else {
		err = e.storage.Save(ctx, e.key(storage.KeyETag), []byte(etag))
	}
	if err != nil {
		e.log.Warn("persist etag failed", "error", err)
	}
}

// arm schedules the next poll after d. Callers hold e.mu.
func (e *Engine) arm(d time.Duration) {
	e.disarm()
	e.timerGen++
	gen := e.timerGen
	e.timer = e.schedule(d, func() { e.onTimer(gen) })
}

// disarm cancels the pending poll. Callers hold e.mu.
func (e *Engine) disarm() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.timerGen++
}

func (e *Engine) onTimer(gen uint64) {
	e.mu.Lock()
	if gen != e.timerGen || !e.polling || e.stopped {
		e.mu.Unlock()
		return
	}
	e.timer = nil
	root := e.root
	e.mu.Unlock()

	if err := e.fetch(root); err != nil && !errors.Is(err, ErrFetchInProgress) {
		e.log.Debug("scheduled fetch failed", "error", err)
	}
}

func errorKind(err error) string {
	var te *transport.TransportError
	switch {
	case errors.As(err, &te):
		return te.Kind
	case transport.StatusCode(err) != 0:
		return KindHTTP
	default:
		return KindResponse
	}
}
