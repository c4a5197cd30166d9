package store_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matt-riley/flagz-go/internal/core"
	"github.com/matt-riley/flagz-go/internal/eventbus"
	"github.com/matt-riley/flagz-go/internal/store"
	"github.com/matt-riley/flagz-go/storage"
)

func flag(name string, version int64, enabled bool) core.EvaluatedFlag {
	return core.EvaluatedFlag{
		Name:    name,
		Enabled: enabled,
		Variant: core.Variant{Name: "v", Enabled: enabled, Payload: core.StringPayload(name)},
		Version: version,
	}
}

type recorder struct {
	mu     sync.Mutex
	events []string
	last   map[string]any
}

func record(bus *eventbus.Bus) *recorder {
	r := &recorder{last: map[string]any{}}
	bus.OnAny(func(name string, payload any) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, name)
		r.last[name] = payload
	})
	return r
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
	r.last = map[string]any{}
}

func newStore(t *testing.T, explicit bool) (*store.Store, *recorder, *storage.Memory) {
	t.Helper()
	bus := eventbus.New(nil)
	mem := storage.NewMemory()
	s := store.New(store.Options{Bus: bus, Storage: mem, ExplicitSync: explicit})
	return s, record(bus), mem
}

func TestStoreFlagsEmitsCreatedAndUpdated(t *testing.T) {
	s, rec, _ := newStore(t, false)
	ctx := context.Background()

	require.NoError(t, s.StoreFlags(ctx, []core.EvaluatedFlag{flag("a", 1, true), flag("b", 1, false)}, true))
	assert.Equal(t, []string{
		"flags.a.change", "flags.b.change", eventbus.EventChange,
		"flags.a.synced", "flags.b.synced",
	}, rec.names())

	rec.reset()
	require.NoError(t, s.StoreFlags(ctx, []core.EvaluatedFlag{flag("a", 2, false), flag("b", 1, false)}, true))
	assert.Equal(t, []string{"flags.a.change", eventbus.EventChange, "flags.a.synced"}, rec.names())

	change := rec.last["flags.a.change"].(store.FlagChange)
	assert.Equal(t, int64(2), change.Flag.Version)
	require.NotNil(t, change.Previous)
	assert.Equal(t, int64(1), change.Previous.Version)
}

func TestStoreFlagsIdenticalVersionsAreQuiet(t *testing.T) {
	s, rec, _ := newStore(t, false)
	ctx := context.Background()
	flags := []core.EvaluatedFlag{flag("a", 3, true)}

	require.NoError(t, s.StoreFlags(ctx, flags, true))
	rec.reset()

	// Same version with a different payload is not a change.
	changed := flag("a", 3, false)
	require.NoError(t, s.StoreFlags(ctx, []core.EvaluatedFlag{changed}, true))
	assert.Empty(t, rec.names())
	assert.False(t, s.Select().Lookup("a").Enabled, "snapshot is still replaced")
}

func TestStoreFlagsRemovedOnce(t *testing.T) {
	s, rec, _ := newStore(t, false)
	ctx := context.Background()

	require.NoError(t, s.StoreFlags(ctx, []core.EvaluatedFlag{flag("a", 1, true), flag("gone", 4, true)}, true))
	rec.reset()

	require.NoError(t, s.StoreFlags(ctx, []core.EvaluatedFlag{flag("a", 1, true)}, true))
	assert.Equal(t, []string{eventbus.EventRemoved}, rec.names())
	assert.Equal(t, []string{"gone"}, rec.last[eventbus.EventRemoved])
	assert.Nil(t, s.Lookup("gone"))
}

func TestStoreFlagsPersists(t *testing.T) {
	s, _, mem := newStore(t, false)
	ctx := context.Background()

	require.NoError(t, s.StoreFlags(ctx, []core.EvaluatedFlag{flag("b", 1, true), flag("a", 2, false)}, true))

	raw, found, err := mem.Get(ctx, storage.Key(storage.DefaultPrefix, storage.KeyFlags))
	require.NoError(t, err)
	require.True(t, found)
	assert.Contains(t, string(raw), `"name":"a"`)

	reloaded := store.New(store.Options{Storage: mem})
	flags, found, err := reloaded.Load(ctx)
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, flags, 2)
	assert.Equal(t, "a", flags[0].Name)
	assert.Equal(t, int64(2), flags[0].Version)
	got, ok := flags[1].Variant.Payload.AsString()
	assert.True(t, ok)
	assert.Equal(t, "b", got)
}

func TestStoreFlagsIfGuard(t *testing.T) {
	s, rec, mem := newStore(t, false)
	ctx := context.Background()
	require.NoError(t, s.StoreFlags(ctx, []core.EvaluatedFlag{flag("a", 1, true)}, true))
	rec.reset()

	err := s.StoreFlagsIf(ctx, []core.EvaluatedFlag{flag("a", 2, false)}, true, func() bool { return false })
	require.ErrorIs(t, err, store.ErrDiscarded)
	assert.Empty(t, rec.names())
	assert.Equal(t, int64(1), s.Lookup("a").Version)
	raw, _, err := mem.Get(ctx, storage.Key(storage.DefaultPrefix, storage.KeyFlags))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"version":1`)

	require.NoError(t, s.StoreFlagsIf(ctx, []core.EvaluatedFlag{flag("a", 2, false)}, true, func() bool { return true }))
	assert.Equal(t, int64(2), s.Lookup("a").Version)
}

func TestLoadEmptyAndCorrupt(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	s := store.New(store.Options{Storage: mem, Prefix: "app"})

	_, found, err := s.Load(ctx)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, mem.Save(ctx, "app:flags", []byte("{not json")))
	_, found, err = s.Load(ctx)
	require.Error(t, err)
	assert.False(t, found)
}

func TestSetFlagsIsSilent(t *testing.T) {
	s, rec, mem := newStore(t, false)

	s.SetFlags([]core.EvaluatedFlag{flag("a", 1, true)}, true)

	assert.Empty(t, rec.names())
	assert.Empty(t, mem.Keys())
	assert.NotNil(t, s.Realtime().Lookup("a"))
	assert.NotNil(t, s.Synchronized().Lookup("a"))
}

func TestExplicitSync(t *testing.T) {
	s, rec, _ := newStore(t, true)
	ctx := context.Background()

	// Initial load forces sync.
	require.NoError(t, s.StoreFlags(ctx, []core.EvaluatedFlag{flag("a", 1, true)}, true))
	assert.False(t, s.HasPendingSync())
	rec.reset()

	require.NoError(t, s.StoreFlags(ctx, []core.EvaluatedFlag{flag("a", 2, false), flag("b", 1, true)}, false))
	assert.True(t, s.HasPendingSync())
	assert.Equal(t, []string{"flags.a.change", "flags.b.change", eventbus.EventChange, eventbus.EventPendingSync}, rec.names())

	// Applications still read the committed snapshot.
	assert.True(t, s.Lookup("a").Enabled)
	assert.Nil(t, s.Lookup("b"))
	assert.False(t, s.Realtime().Lookup("a").Enabled)

	rec.reset()
	require.NoError(t, s.Sync())
	assert.False(t, s.HasPendingSync())
	assert.Equal(t, []string{"flags.a.synced", "flags.b.synced", eventbus.EventSync}, rec.names())
	assert.False(t, s.Lookup("a").Enabled)
	assert.NotNil(t, s.Lookup("b"))
}

func TestSyncRequiresExplicitMode(t *testing.T) {
	s, _, _ := newStore(t, false)
	require.ErrorIs(t, s.Sync(), store.ErrExplicitSyncDisabled)
}

func TestHandlersMayReadStore(t *testing.T) {
	bus := eventbus.New(nil)
	s := store.New(store.Options{Bus: bus})

	var seen *core.EvaluatedFlag
	bus.On("flags.a.change", func(any) { seen = s.Lookup("a") })

	require.NoError(t, s.StoreFlags(context.Background(), []core.EvaluatedFlag{flag("a", 1, true)}, true))
	require.NotNil(t, seen)
	assert.True(t, seen.Enabled)
}
