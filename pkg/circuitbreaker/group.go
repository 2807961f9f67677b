package circuitbreaker

import (
	"sort"
	"sync"
	"time"
)

// Group lazily creates one breaker per key, all sharing the same settings.
type Group struct {
	maxFailures uint32
	timeout     time.Duration
	opts        []Option

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

func NewGroup(maxFailures uint32, timeout time.Duration, opts ...Option) *Group {
	return &Group{
		maxFailures: maxFailures,
		timeout:     timeout,
		opts:        opts,
		breakers:    make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for key, creating it on first use.
func (g *Group) Get(key string) *CircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	cb, ok := g.breakers[key]
	if !ok {
		cb = New(key, g.maxFailures, g.timeout, g.opts...)
		g.breakers[key] = cb
	}
	return cb
}

// Stats returns a snapshot of every breaker, sorted by name.
func (g *Group) Stats() []Stats {
	g.mu.Lock()
	breakers := make([]*CircuitBreaker, 0, len(g.breakers))
	for _, cb := range g.breakers {
		breakers = append(breakers, cb)
	}
	g.mu.Unlock()

	stats := make([]Stats, 0, len(breakers))
	for _, cb := range breakers {
		stats = append(stats, cb.GetStats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}
