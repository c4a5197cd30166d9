package eventbus

import "sync"

// Group is a named bundle of subscriptions that can be torn down together.
type Group struct {
	name string

	mu     sync.Mutex
	unsubs []func()
}

// NewGroup returns an empty group called name.
func NewGroup(name string) *Group {
	return &Group{name: name}
}

// Name returns the group name.
func (g *Group) Name() string {
	return g.name
}

// Add records an unsubscribe function returned by Bus.On and friends.
func (g *Group) Add(unsubscribe func()) {
	if unsubscribe == nil {
		return
	}
	g.mu.Lock()
	g.unsubs = append(g.unsubs, unsubscribe)
	g.mu.Unlock()
}

// Size returns the number of live subscriptions in the group.
func (g *Group) Size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.unsubs)
}

// Close removes every subscription in the group. The group stays usable.
func (g *Group) Close() {
	g.mu.Lock()
	unsubs := g.unsubs
	g.unsubs = nil
	g.mu.Unlock()

	for _, unsubscribe := range unsubs {
		unsubscribe()
	}
}
