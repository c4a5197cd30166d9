package flagz

import (
	"github.com/matt-riley/flagz-go/internal/eventbus"
	"github.com/matt-riley/flagz-go/internal/store"
)

// WatchOption configures a flag watcher.
type WatchOption func(*watchConfig)

type watchConfig struct {
	initial bool
}

// WithInitialState calls the watcher once at registration with the flag's
// current value, when the flag exists.
func WithInitialState() WatchOption {
	return func(c *watchConfig) { c.initial = true }
}

// WatchRealtimeFlag calls fn whenever a fetch creates or updates flag name.
// The returned function unsubscribes.
func (c *Client) WatchRealtimeFlag(name string, fn func(FlagChange), opts ...WatchOption) func() {
	return c.watch(eventbus.FlagChangeEvent(name), name, false, fn, opts)
}

// WatchSyncedFlag calls fn whenever the synchronized value of flag name is
// created or updated. Without explicit sync this happens on every fetch.
func (c *Client) WatchSyncedFlag(name string, fn func(FlagChange), opts ...WatchOption) func() {
	return c.watch(eventbus.FlagSyncedEvent(name), name, true, fn, opts)
}

func (c *Client) watch(event, name string, synced bool, fn func(FlagChange), opts []WatchOption) func() {
	var cfg watchConfig
	for _, o := range opts {
		o(&cfg)
	}
	handler := func(payload any) {
		if change, ok := payload.(store.FlagChange); ok {
			fn(change)
		}
	}
	unsubscribe := c.bus.On(event, handler)
	if cfg.initial {
		snap := c.store.Realtime()
		if synced {
			snap = c.store.Synchronized()
		}
		if flag := snap.Lookup(name); flag != nil {
			c.bus.Deliver(event, handler, store.FlagChange{Flag: *flag})
		}
	}
	return unsubscribe
}

// WatchGroup is a named set of watchers torn down together with
// UnwatchAll.
type WatchGroup struct {
	client *Client
	group  *eventbus.Group
}

// NewWatchGroup returns an empty group.
func (c *Client) NewWatchGroup(name string) *WatchGroup {
	return &WatchGroup{client: c, group: eventbus.NewGroup(name)}
}

func (g *WatchGroup) Name() string { return g.group.Name() }

// Size returns the number of registered watchers.
func (g *WatchGroup) Size() int { return g.group.Size() }

func (g *WatchGroup) WatchRealtimeFlag(name string, fn func(FlagChange), opts ...WatchOption) *WatchGroup {
	g.group.Add(g.client.WatchRealtimeFlag(name, fn, opts...))
	return g
}

func (g *WatchGroup) WatchSyncedFlag(name string, fn func(FlagChange), opts ...WatchOption) *WatchGroup {
	g.group.Add(g.client.WatchSyncedFlag(name, fn, opts...))
	return g
}

// UnwatchAll removes every watcher of the group. The group can be reused.
func (g *WatchGroup) UnwatchAll() {
	g.group.Close()
}
