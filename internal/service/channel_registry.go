package service

import (
	"fmt"
	"sort"
	"sync"

	"omnidesk/pkg/channel"
	"omnidesk/pkg/channel/instagram"
	"omnidesk/pkg/channel/messenger"
	"omnidesk/pkg/channel/slack"
	"omnidesk/pkg/channel/teams"
	"omnidesk/pkg/channel/telegram"
	"omnidesk/pkg/channel/webhook"
	"omnidesk/pkg/channel/whatsapp"
)

// ChannelRegistry maps channel ids to adapters. It holds no tenant state.
type ChannelRegistry struct {
	adapters map[channel.Type]channel.Adapter
	mu       sync.RWMutex
}

// NewChannelRegistry returns a registry holding every built-in adapter,
// sharing client for provider calls. A nil client selects each adapter's
// default.
func NewChannelRegistry(client channel.HTTPClient) *ChannelRegistry {
	r := &ChannelRegistry{adapters: make(map[channel.Type]channel.Adapter)}
	for _, a := range []channel.Adapter{
		whatsapp.New(client),
		telegram.New(client),
		slack.New(client),
		messenger.New(client),
		instagram.New(client),
		teams.New(client),
		webhook.New(client),
	} {
		r.adapters[a.Name()] = a
	}
	return r
}

// Register adds or replaces the adapter for a.Name().
func (r *ChannelRegistry) Register(a channel.Adapter) error {
	if a == nil {
		return fmt.Errorf("adapter cannot be nil")
	}
	name := a.Name()
	if name == "" {
		return fmt.Errorf("adapter has an empty channel name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[name] = a
	return nil
}

// Get returns the adapter for ch or an *UnsupportedError wrapping
// channel.ErrUnsupportedChannel.
func (r *ChannelRegistry) Get(ch channel.Type) (channel.Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[ch]
	if !ok {
		return nil, channel.NewUnsupportedChannel(ch)
	}
	return a, nil
}

func (r *ChannelRegistry) Has(ch channel.Type) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.adapters[ch]
	return ok
}

// List returns the registered channel ids, sorted.
func (r *ChannelRegistry) List() []channel.Type {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]channel.Type, 0, len(r.adapters))
	for ch := range r.adapters {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
