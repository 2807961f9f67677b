package push

import (
	"sync"

	"omnidesk/internal/models"
)

// Published is one recorded Publish call.
type Published struct {
	Event  models.Event
	Topics []string
}

// Recorder is an in-memory Publisher for tests and dry runs.
type Recorder struct {
	mu     sync.Mutex
	events []Published
}

func (r *Recorder) Publish(evt models.Event, topics ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Published{Event: evt, Topics: append([]string(nil), topics...)})
}

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Published {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Published(nil), r.events...)
}

// OfType filters recorded events by type.
func (r *Recorder) OfType(eventType string) []Published {
	var out []Published
	for _, p := range r.Events() {
		if p.Event.Type == eventType {
			out = append(out, p)
		}
	}
	return out
}

// Reset drops recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

// Multi fans a publish out to several publishers.
type Multi []Publisher

func (m Multi) Publish(evt models.Event, topics ...string) {
	for _, p := range m {
		if p != nil {
			p.Publish(evt, topics...)
		}
	}
}
