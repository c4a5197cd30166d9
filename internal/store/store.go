// Package store holds the realtime and synchronized flag snapshots and turns
// every replacement into change events.
//
// Realtime advances on every fetch, bootstrap or cache load. Synchronized
// advances only when a write forces it or when Sync is called in explicit
// sync mode. Applications read whichever one Select returns.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/matt-riley/flagz-go/internal/core"
	"github.com/matt-riley/flagz-go/internal/eventbus"
	"github.com/matt-riley/flagz-go/internal/logging"
	"github.com/matt-riley/flagz-go/internal/metrics"
	"github.com/matt-riley/flagz-go/storage"
)

var (
	// ErrExplicitSyncDisabled is returned by Sync when explicit sync mode is off.
	ErrExplicitSyncDisabled = errors.New("flagz: explicit sync mode is disabled")
	// ErrDiscarded is returned by StoreFlagsIf when the guard rejected the write.
	ErrDiscarded = errors.New("flagz: flag update discarded")
)

// FlagChange is the payload of per-flag change and synced events.
type FlagChange struct {
	Flag core.EvaluatedFlag
	// Previous is nil when the flag was created.
	Previous *core.EvaluatedFlag
}

// Options configures a Store.
type Options struct {
	Bus          *eventbus.Bus
	Storage      storage.Store
	Prefix       string
	ExplicitSync bool
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
}

// Store is safe for concurrent use. Events are emitted after the lock is
// released, so handlers may read the store.
type Store struct {
	bus          *eventbus.Bus
	storage      storage.Store
	flagsKey     string
	explicitSync bool
	log          *slog.Logger
	metrics      *metrics.Metrics

	mu           sync.RWMutex
	realtime     core.Snapshot
	synchronized core.Snapshot
	pending      bool
}

// New returns an empty store.
func New(opts Options) *Store {
	if opts.Bus == nil {
		opts.Bus = eventbus.New(opts.Logger)
	}
	if opts.Storage == nil {
		opts.Storage = storage.NewMemory()
	}
	if opts.Prefix == "" {
		opts.Prefix = storage.DefaultPrefix
	}
	return &Store{
		bus:          opts.Bus,
		storage:      opts.Storage,
		flagsKey:     storage.Key(opts.Prefix, storage.KeyFlags),
		explicitSync: opts.ExplicitSync,
		log:          logging.Component(opts.Logger, "store"),
		metrics:      opts.Metrics,
		realtime:     core.Snapshot{},
		synchronized: core.Snapshot{},
	}
}

// ExplicitSync reports whether explicit sync mode is on.
func (s *Store) ExplicitSync() bool {
	return s.explicitSync
}

// SetFlags replaces the realtime snapshot without diffing or persisting.
// With forceSync the synchronized snapshot is replaced as well.
func (s *Store) SetFlags(flags []core.EvaluatedFlag, forceSync bool) {
	next := core.NewSnapshot(flags)

	s.mu.Lock()
	s.realtime = next
	if forceSync {
		s.synchronized = next
		s.pending = false
	}
	s.mu.Unlock()

	s.metrics.SetFlagsCached(len(next))
}

// StoreFlags replaces the realtime snapshot, emits change events for every
// flag whose version differs from the previous snapshot, reports removed
// flags once in bulk, and persists the list to storage.
func (s *Store) StoreFlags(ctx context.Context, flags []core.EvaluatedFlag, forceSync bool) error {
	return s.StoreFlagsIf(ctx, flags, forceSync, nil)
}

// StoreFlagsIf is StoreFlags with a guard evaluated under the store lock.
// When guard returns false nothing changes and ErrDiscarded is returned.
// guard must not call back into the store.
func (s *Store) StoreFlagsIf(ctx context.Context, flags []core.EvaluatedFlag, forceSync bool, guard func() bool) error {
	next := core.NewSnapshot(flags)

	s.mu.Lock()
	if guard != nil && !guard() {
		s.mu.Unlock()
		return ErrDiscarded
	}
	prevRealtime := s.realtime
	prevSynced := s.synchronized
	s.realtime = next
	if forceSync {
		s.synchronized = next
		s.pending = false
	}
	realtimeChanges, removed := diff(prevRealtime, next)
	if !forceSync && s.explicitSync && (len(realtimeChanges) > 0 || len(removed) > 0) {
		s.pending = true
	}
	pending := s.pending
	s.mu.Unlock()

	s.metrics.SetFlagsCached(len(next))

	for _, c := range realtimeChanges {
		s.bus.Emit(eventbus.FlagChangeEvent(c.Flag.Name), c)
	}
	if len(removed) > 0 {
		s.bus.Emit(eventbus.EventRemoved, removed)
	}
	if len(realtimeChanges) > 0 {
		changed := make([]core.EvaluatedFlag, len(realtimeChanges))
		for i, c := range realtimeChanges {
			changed[i] = c.Flag
		}
		s.bus.Emit(eventbus.EventChange, changed)
	}

	if forceSync {
		syncedChanges, _ := diff(prevSynced, next)
		s.emitSynced(syncedChanges)
	} else if pending && (len(realtimeChanges) > 0 || len(removed) > 0) {
		s.bus.Emit(eventbus.EventPendingSync, nil)
	}

	return s.persist(ctx, next)
}

// Sync copies realtime into synchronized and emits per-flag synced events
// followed by a sync event.
func (s *Store) Sync() error {
	if !s.explicitSync {
		return ErrExplicitSyncDisabled
	}

	s.mu.Lock()
	prev := s.synchronized
	s.synchronized = s.realtime
	s.pending = false
	changes, _ := diff(prev, s.synchronized)
	s.mu.Unlock()

	s.emitSynced(changes)
	s.bus.Emit(eventbus.EventSync, nil)
	return nil
}

// HasPendingSync reports whether realtime holds changes not yet synced.
func (s *Store) HasPendingSync() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pending
}

// Select returns the snapshot applications read: synchronized in explicit
// sync mode, realtime otherwise. The snapshot must not be modified.
func (s *Store) Select() core.Snapshot {
	if s.explicitSync {
		return s.Synchronized()
	}
	return s.Realtime()
}

// Realtime returns the latest fetched snapshot. It must not be modified.
func (s *Store) Realtime() core.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.realtime
}

// Synchronized returns the committed snapshot. It must not be modified.
func (s *Store) Synchronized() core.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.synchronized
}

// Lookup returns a copy of the named flag from the selected snapshot.
func (s *Store) Lookup(name string) *core.EvaluatedFlag {
	return s.Select().Lookup(name)
}

// Load reads the persisted flag list. found is false when nothing is cached.
func (s *Store) Load(ctx context.Context) (flags []core.EvaluatedFlag, found bool, err error) {
	raw, found, err := s.storage.Get(ctx, s.flagsKey)
	if err != nil || !found || len(raw) == 0 {
		return nil, false, err
	}
	if err := json.Unmarshal(raw, &flags); err != nil {
		return nil, false, fmt.Errorf("decode cached flags: %w", err)
	}
	return flags, len(flags) > 0, nil
}

func (s *Store) persist(ctx context.Context, snap core.Snapshot) error {
	b, err := json.Marshal(snap.List())
	if err != nil {
		return fmt.Errorf("encode flags: %w", err)
	}
	if err := s.storage.Save(ctx, s.flagsKey, b); err != nil {
		return fmt.Errorf("persist flags: %w", err)
	}
	return nil
}

func (s *Store) emitSynced(changes []FlagChange) {
	for _, c := range changes {
		s.bus.Emit(eventbus.FlagSyncedEvent(c.Flag.Name), c)
	}
}

// diff compares two snapshots by version. Changes come back in name order.
func diff(prev, next core.Snapshot) (changes []FlagChange, removed []string) {
	for _, name := range next.Names() {
		f := next[name]
		old, ok := prev[name]
		switch {
		case !ok:
			changes = append(changes, FlagChange{Flag: f})
		case old.Version != f.Version:
			changes = append(changes, FlagChange{Flag: f, Previous: &old})
		}
	}
	for _, name := range prev.Names() {
		if _, ok := next[name]; !ok {
			removed = append(removed, name)
		}
	}
	return changes, removed
}
