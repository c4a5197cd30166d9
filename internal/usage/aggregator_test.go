package usage_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matt-riley/flagz-go/internal/eventbus"
	"github.com/matt-riley/flagz-go/internal/usage"
)

type fakeSender struct {
	mu       sync.Mutex
	payloads []usage.Payload
	err      error
}

func (f *fakeSender) SendMetrics(_ context.Context, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, payload.(usage.Payload))
	return f.err
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

func newAggregator(sender usage.Sender, bus *eventbus.Bus) *usage.Aggregator {
	return usage.New(usage.Options{
		Sender:     sender,
		Bus:        bus,
		AppName:    "checkout-web",
		InstanceID: "inst-1",
	})
}

func TestCountAndFlush(t *testing.T) {
	sender := &fakeSender{}
	bus := eventbus.New(nil)
	var sent []usage.Bucket
	bus.On(eventbus.EventMetricsSent, func(p any) { sent = append(sent, p.(usage.Bucket)) })
	a := newAggregator(sender, bus)

	a.Count("checkout", true, "blue")
	a.Count("checkout", true, "blue")
	a.Count("checkout", false, "")
	a.Count("banner", false, "off")
	a.CountMissing("ghost")
	a.CountMissing("ghost")

	require.NoError(t, a.Flush(context.Background()))
	require.Equal(t, 1, sender.count())

	p := sender.payloads[0]
	assert.Equal(t, "checkout-web", p.AppName)
	assert.Equal(t, "inst-1", p.InstanceID)
	assert.Equal(t, usage.FlagCounts{Yes: 2, No: 1, Variants: map[string]int{"blue": 2}}, p.Bucket.Flags["checkout"])
	assert.Equal(t, usage.FlagCounts{No: 1, Variants: map[string]int{"off": 1}}, p.Bucket.Flags["banner"])
	assert.Equal(t, map[string]int{"ghost": 2}, p.Bucket.Missing)
	assert.False(t, p.Bucket.Stop.Before(p.Bucket.Start))
	require.Len(t, sent, 1)

	assert.True(t, a.Snapshot().Empty(), "flush starts a fresh bucket")
}

func TestEmptyBucketIsNotSent(t *testing.T) {
	sender := &fakeSender{}
	a := newAggregator(sender, nil)

	require.NoError(t, a.Flush(context.Background()))
	require.NoError(t, a.Flush(context.Background()))
	assert.Equal(t, 0, sender.count())
}

func TestFailedFlushIsDropped(t *testing.T) {
	sender := &fakeSender{err: errors.New("boom")}
	bus := eventbus.New(nil)
	var failures []*usage.FlushError
	bus.On(eventbus.EventMetricsErr, func(p any) { failures = append(failures, p.(*usage.FlushError)) })
	a := newAggregator(sender, bus)

	a.Count("checkout", true, "")
	err := a.Flush(context.Background())
	require.Error(t, err)
	require.Len(t, failures, 1)
	assert.EqualError(t, failures[0].Err, "boom")

	// The failed bucket is not carried into the next one.
	require.NoError(t, a.Flush(context.Background()))
	assert.Equal(t, 1, sender.count())

	sender.err = nil
	a.Count("banner", true, "")
	require.NoError(t, a.Flush(context.Background()))
	require.Equal(t, 2, sender.count())
	_, carried := sender.payloads[1].Bucket.Flags["checkout"]
	assert.False(t, carried)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	sender := &fakeSender{err: errors.New("unavailable")}
	a := newAggregator(sender, nil)

	for range 5 {
		a.Count("f", true, "")
		_ = a.Flush(context.Background())
	}
	require.Equal(t, 5, sender.count())

	a.Count("f", true, "")
	err := a.Flush(context.Background())
	require.Error(t, err)
	assert.Equal(t, 5, sender.count(), "open breaker skips the network call")
}

func TestBucketJSON(t *testing.T) {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	b := usage.Bucket{
		Start:   start,
		Stop:    start.Add(time.Minute),
		Flags:   map[string]usage.FlagCounts{"a": {Yes: 1, Variants: map[string]int{"v": 1}}},
		Missing: map[string]int{},
	}
	raw, err := json.Marshal(usage.Payload{Bucket: b, AppName: "app", InstanceID: "i"})
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"bucket": {
			"start": "2026-01-02T03:04:05Z",
			"stop": "2026-01-02T03:05:05Z",
			"flags": {"a": {"yes": 1, "no": 0, "variants": {"v": 1}}},
			"missing": {}
		},
		"appName": "app",
		"instanceId": "i"
	}`, string(raw))
}

func TestStartFlushesOnTimer(t *testing.T) {
	sender := &fakeSender{}
	a := usage.New(usage.Options{
		Sender:       sender,
		Interval:     20 * time.Millisecond,
		InitialDelay: 10 * time.Millisecond,
	})
	ctx := context.Background()
	a.Start(ctx)
	a.Start(ctx)
	defer a.Stop()

	a.Count("f", true, "")
	assert.Eventually(t, func() bool { return sender.count() == 1 }, time.Second, 5*time.Millisecond)

	a.Count("f", false, "")
	assert.Eventually(t, func() bool { return sender.count() == 2 }, time.Second, 5*time.Millisecond)
}

func TestStopHaltsTimer(t *testing.T) {
	sender := &fakeSender{}
	a := usage.New(usage.Options{
		Sender:       sender,
		Interval:     10 * time.Millisecond,
		InitialDelay: 10 * time.Millisecond,
	})
	a.Start(context.Background())
	a.Stop()
	a.Stop()

	a.Count("f", true, "")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, sender.count())
}

func TestConcurrentCount(t *testing.T) {
	a := newAggregator(&fakeSender{}, nil)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				a.Count("f", true, "v")
			}
		}()
	}
	wg.Wait()

	c := a.Snapshot().Flags["f"]
	assert.Equal(t, 1000, c.Yes)
	assert.Equal(t, 1000, c.Variants["v"])
}
