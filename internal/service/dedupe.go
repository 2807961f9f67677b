package service

import (
	"sync"
	"time"
)

// Deduper remembers inbound message keys for a TTL so provider redeliveries
// are acknowledged without being processed twice.
type Deduper struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
	now  func() time.Time
}

func NewDeduper(ttl time.Duration, now func() time.Time) *Deduper {
	if now == nil {
		now = time.Now
	}
	return &Deduper{seen: make(map[string]time.Time), ttl: ttl, now: now}
}

// DedupeKey identifies a message across tenants and channels.
func DedupeKey(companyID, channelName, externalID string) string {
	return companyID + "|" + channelName + "|" + externalID
}

// Seen records key and reports whether it was already recorded within the TTL.
func (d *Deduper) Seen(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if at, ok := d.seen[key]; ok && now.Sub(at) < d.ttl {
		return true
	}
	d.seen[key] = now
	return false
}

// Forget drops key so a failed delivery can be processed again.
func (d *Deduper) Forget(key string) {
	d.mu.Lock()
	delete(d.seen, key)
	d.mu.Unlock()
}

// Purge drops expired keys and returns how many were removed.
func (d *Deduper) Purge() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	n := 0
	for k, at := range d.seen {
		if now.Sub(at) >= d.ttl {
			delete(d.seen, k)
			n++
		}
	}
	return n
}

func (d *Deduper) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
