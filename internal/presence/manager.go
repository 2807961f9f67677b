// Package presence tracks end-user connectivity and operator availability.
// Nothing here is persisted; state is rebuilt from client activity.
package presence

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"omnidesk/internal/constants"
	"omnidesk/internal/metrics"
	"omnidesk/internal/models"
	"omnidesk/internal/push"

	"github.com/sirupsen/logrus"
)

// Options are the decay thresholds. Zero values take the defaults.
type Options struct {
	SweepInterval           time.Duration
	AwayAfter               time.Duration
	OfflineAfter            time.Duration
	EvictAfter              time.Duration
	DefaultMaxConversations int
}

// OptionsFromConfig converts the presence config section.
func OptionsFromConfig(cfg models.PresenceConfig) Options {
	return Options{
		SweepInterval: time.Duration(cfg.SweepIntervalSec) * time.Second,
		AwayAfter:     time.Duration(cfg.AwayAfterSec) * time.Second,
		OfflineAfter:  time.Duration(cfg.OfflineAfterSec) * time.Second,
		EvictAfter:    time.Duration(cfg.EvictAfterSec) * time.Second,
	}
}

func (o Options) withDefaults() Options {
	if o.SweepInterval <= 0 {
		o.SweepInterval = constants.DefaultPresenceSweepSec * time.Second
	}
	if o.AwayAfter <= 0 {
		o.AwayAfter = constants.DefaultPresenceAwaySec * time.Second
	}
	if o.OfflineAfter <= 0 {
		o.OfflineAfter = constants.DefaultPresenceOfflineSec * time.Second
	}
	if o.OfflineAfter < o.AwayAfter {
		o.OfflineAfter = o.AwayAfter
	}
	if o.EvictAfter <= 0 {
		o.EvictAfter = constants.DefaultPresenceEvictSec * time.Second
	}
	if o.DefaultMaxConversations <= 0 {
		o.DefaultMaxConversations = constants.DefaultMaxConversations
	}
	return o
}

// LoadFunc seeds an agent's active conversation count on first registration.
type LoadFunc func(agentID string) int

// AvailabilityListener is called when an agent becomes able to take work.
type AvailabilityListener func(agentID, companyID string)

// Option customizes a Manager.
type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLoadFunc sets the agent load seed.
func WithLoadFunc(fn LoadFunc) Option {
	return func(m *Manager) { m.loadFn = fn }
}

type agentEntry struct {
	models.AgentPresence
	// decayed is set when the sweep forced the agent offline; activity
	// restores the previous explicit status.
	decayed    bool
	lastStatus models.AgentStatus
}

// Manager owns user and agent presence.
type Manager struct {
	logger    *logrus.Logger
	metrics   *metrics.Metrics
	publisher push.Publisher
	opts      Options
	now       func() time.Time
	loadFn    LoadFunc

	mu        sync.Mutex
	users     map[string]*models.UserPresence
	agents    map[string]*agentEntry
	listeners []AvailabilityListener

	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewManager(logger *logrus.Logger, m *metrics.Metrics, publisher push.Publisher, opts Options, options ...Option) *Manager {
	mgr := &Manager{
		logger:    logger,
		metrics:   m,
		publisher: publisher,
		opts:      opts.withDefaults(),
		now:       time.Now,
		users:     make(map[string]*models.UserPresence),
		agents:    make(map[string]*agentEntry),
		stopCh:    make(chan struct{}),
	}
	for _, o := range options {
		o(mgr)
	}
	return mgr
}

// pending collects side effects to run once the lock is released.
type pending struct {
	events    []queuedEvent
	available [][2]string
}

type queuedEvent struct {
	evt    models.Event
	topics []string
}

func (p *pending) userChanged(u models.UserPresence, previous models.PresenceStatus) {
	payload := map[string]any{
		"userId":       u.UserID,
		"companyId":    u.CompanyID,
		"status":       u.Status,
		"previous":     previous,
		"lastActiveAt": u.LastActiveAt,
	}
	topics := []string{models.UserTopic(u.UserID)}
	if u.CompanyID != "" {
		topics = append(topics, models.CompanyTopic(u.CompanyID))
	}
	p.events = append(p.events, queuedEvent{models.NewEvent(models.EventPresenceChanged, payload, u.LastActiveAt), topics})
}

func (p *pending) agentChanged(a models.AgentPresence, previous models.AgentStatus, now time.Time) {
	payload := map[string]any{
		"agentId":             a.AgentID,
		"companyId":           a.CompanyID,
		"status":              a.Status,
		"previous":            previous,
		"activeConversations": a.ActiveConversations,
		"maxConversations":    a.MaxConversations,
	}
	topics := []string{models.AgentTopic(a.AgentID)}
	if a.CompanyID != "" {
		topics = append(topics, models.CompanyTopic(a.CompanyID))
	}
	p.events = append(p.events, queuedEvent{models.NewEvent(models.EventAgentStatusChanged, payload, now), topics})
}

func (m *Manager) flush(p *pending) {
	if m.publisher != nil {
		for _, e := range p.events {
			m.publisher.Publish(e.evt, e.topics...)
		}
	}
	if len(p.available) == 0 {
		return
	}
	m.mu.Lock()
	listeners := append([]AvailabilityListener(nil), m.listeners...)
	m.mu.Unlock()
	for _, a := range p.available {
		for _, fn := range listeners {
			fn(a[0], a[1])
		}
	}
}

// Touch marks a user active, bringing them back online.
func (m *Manager) Touch(userID, companyID string) {
	if userID == "" {
		return
	}
	var p pending
	m.mu.Lock()
	m.setUserLocked(&p, userID, companyID, models.PresenceOnline)
	m.mu.Unlock()
	m.flush(&p)
}

// SetPresence records an explicit user status.
func (m *Manager) SetPresence(userID, companyID string, status models.PresenceStatus) error {
	if userID == "" {
		return fmt.Errorf("presence: user id is required")
	}
	if !status.Valid() {
		return fmt.Errorf("presence: invalid status %q", status)
	}
	var p pending
	m.mu.Lock()
	m.setUserLocked(&p, userID, companyID, status)
	m.mu.Unlock()
	m.flush(&p)
	return nil
}

func (m *Manager) setUserLocked(p *pending, userID, companyID string, status models.PresenceStatus) {
	now := m.now()
	u, ok := m.users[userID]
	if !ok {
		u = &models.UserPresence{UserID: userID, CompanyID: companyID, Status: models.PresenceOffline}
		m.users[userID] = u
	}
	if companyID != "" {
		u.CompanyID = companyID
	}
	u.LastActiveAt = now
	if u.Status != status || !ok {
		previous := u.Status
		u.Status = status
		p.userChanged(*u, previous)
	}
}

// GetPresence returns a copy of the user's presence.
func (m *Manager) GetPresence(userID string) (models.UserPresence, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return models.UserPresence{}, false
	}
	return *u, true
}

// Remove forgets a user without publishing.
func (m *Manager) Remove(userID string) {
	m.mu.Lock()
	delete(m.users, userID)
	m.mu.Unlock()
}

// OnlineUsers lists a tenant's online users sorted by id.
func (m *Manager) OnlineUsers(companyID string) []models.UserPresence {
	m.mu.Lock()
	out := make([]models.UserPresence, 0)
	for _, u := range m.users {
		if u.CompanyID == companyID && u.Status == models.PresenceOnline {
			out = append(out, *u)
		}
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// OnAgentAvailable registers a listener. Listeners run synchronously on the
// goroutine that made the agent available, never under the presence lock.
func (m *Manager) OnAgentAvailable(fn AvailabilityListener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// SetAgentStatus records an operator's status. maxConversations <= 0 keeps
// the current limit.
func (m *Manager) SetAgentStatus(agentID, companyID string, status models.AgentStatus, maxConversations int) error {
	if agentID == "" {
		return fmt.Errorf("presence: agent id is required")
	}
	if !status.Valid() {
		return fmt.Errorf("presence: invalid agent status %q", status)
	}

	var seed int
	m.mu.Lock()
	_, known := m.agents[agentID]
	loadFn := m.loadFn
	m.mu.Unlock()
	if !known && loadFn != nil {
		seed = loadFn(agentID)
	}

	var p pending
	now := m.now()
	m.mu.Lock()
	a, ok := m.agents[agentID]
	if !ok {
		a = &agentEntry{AgentPresence: models.AgentPresence{
			AgentID:             agentID,
			Status:              models.AgentOffline,
			MaxConversations:    m.opts.DefaultMaxConversations,
			ActiveConversations: seed,
		}}
		m.agents[agentID] = a
	}
	if companyID != "" {
		a.CompanyID = companyID
	}
	if maxConversations > 0 {
		a.MaxConversations = maxConversations
	}
	wasAvailable := ok && a.Available()
	previous := a.Status
	a.Status = status
	a.decayed = false
	a.LastActiveAt = now
	if previous != status || !ok {
		p.agentChanged(a.AgentPresence, previous, now)
	}
	if !wasAvailable && a.Available() {
		p.available = append(p.available, [2]string{a.AgentID, a.CompanyID})
	}
	company := a.CompanyID
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"agent_id":   agentID,
		"company_id": company,
		"status":     status,
	}).Debug("Agent status updated")
	m.flush(&p)
	return nil
}

// TouchAgent refreshes an agent's activity. An agent the sweep forced
// offline returns to its last explicit status.
func (m *Manager) TouchAgent(agentID string) {
	var p pending
	now := m.now()
	m.mu.Lock()
	a, ok := m.agents[agentID]
	if ok {
		a.LastActiveAt = now
		if a.decayed {
			a.decayed = false
			previous := a.Status
			a.Status = a.lastStatus
			p.agentChanged(a.AgentPresence, previous, now)
			if a.Available() {
				p.available = append(p.available, [2]string{a.AgentID, a.CompanyID})
			}
		}
	}
	m.mu.Unlock()
	m.flush(&p)
}

// GetAgentPresence returns a copy of the agent's presence.
func (m *Manager) GetAgentPresence(agentID string) (models.AgentPresence, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[agentID]
	if !ok {
		return models.AgentPresence{}, false
	}
	return a.AgentPresence, true
}

// IsAgentAvailable reports whether the agent is active and below capacity.
func (m *Manager) IsAgentAvailable(agentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[agentID]
	return ok && a.Available()
}

// GetAvailableAgents filters candidates to available agents, least loaded
// first. Ties keep candidate order.
func (m *Manager) GetAvailableAgents(candidateIDs []string) []models.AgentPresence {
	m.mu.Lock()
	out := make([]models.AgentPresence, 0, len(candidateIDs))
	seen := make(map[string]bool, len(candidateIDs))
	for _, id := range candidateIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		if a, ok := m.agents[id]; ok && a.Available() {
			out = append(out, a.AgentPresence)
		}
	}
	m.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ActiveConversations < out[j].ActiveConversations
	})
	return out
}

// AgentIDs lists the tenant's known agents sorted by id.
func (m *Manager) AgentIDs(companyID string) []string {
	m.mu.Lock()
	ids := make([]string, 0)
	for id, a := range m.agents {
		if a.CompanyID == companyID {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// TryReserve atomically checks availability and takes one conversation slot.
func (m *Manager) TryReserve(agentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[agentID]
	if !ok || !a.Available() {
		return false
	}
	a.ActiveConversations++
	return true
}

// Release gives back a conversation slot. Callers must not hold locks that
// availability listeners take.
func (m *Manager) Release(agentID string) {
	var p pending
	m.mu.Lock()
	if a, ok := m.agents[agentID]; ok && a.ActiveConversations > 0 {
		wasAvailable := a.Available()
		a.ActiveConversations--
		if !wasAvailable && a.Available() {
			p.available = append(p.available, [2]string{a.AgentID, a.CompanyID})
		}
	}
	m.mu.Unlock()
	m.flush(&p)
}

// Sweep applies decay and eviction once. Entries are evaluated and mutated
// under the same lock as Touch.
func (m *Manager) Sweep() {
	var p pending
	now := m.now()
	counts := map[string]map[string]int{"user": {}, "agent": {}}

	m.mu.Lock()
	for id, u := range m.users {
		idle := now.Sub(u.LastActiveAt)
		next := u.Status
		switch {
		case idle >= m.opts.OfflineAfter:
			next = models.PresenceOffline
		case idle >= m.opts.AwayAfter && u.Status == models.PresenceOnline:
			next = models.PresenceAway
		}
		if next != u.Status {
			previous := u.Status
			u.Status = next
			p.userChanged(*u, previous)
		}
		if u.Status == models.PresenceOffline && idle >= m.opts.EvictAfter {
			delete(m.users, id)
			continue
		}
		counts["user"][string(u.Status)]++
	}
	for _, a := range m.agents {
		if a.Status != models.AgentOffline && now.Sub(a.LastActiveAt) >= m.opts.OfflineAfter {
			previous := a.Status
			a.lastStatus = a.Status
			a.decayed = true
			a.Status = models.AgentOffline
			p.agentChanged(a.AgentPresence, previous, now)
		}
		counts["agent"][string(a.Status)]++
	}
	m.mu.Unlock()

	for kind, byStatus := range counts {
		statuses := []string{string(models.PresenceOnline), string(models.PresenceAway), string(models.PresenceOffline)}
		if kind == "agent" {
			statuses = []string{string(models.AgentActive), string(models.AgentBusy), string(models.AgentAway), string(models.AgentOffline)}
		}
		for _, s := range statuses {
			m.metrics.Presence(kind, s, byStatus[s])
		}
	}
	if len(p.events) > 0 {
		m.logger.WithField("count", len(p.events)).Debug("Presence sweep applied transitions")
	}
	m.flush(&p)
}

// Start runs the sweep until ctx is done or Stop is called.
func (m *Manager) Start(ctx context.Context) {
	ticker := time.NewTicker(m.opts.SweepInterval)
	defer ticker.Stop()

	m.logger.WithFields(logrus.Fields{
		"sweep_interval": m.opts.SweepInterval,
		"away_after":     m.opts.AwayAfter,
		"offline_after":  m.opts.OfflineAfter,
	}).Info("Starting presence sweep")

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}
