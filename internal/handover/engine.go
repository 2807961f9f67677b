// Package handover runs the escalation lifecycle: trigger evaluation,
// per-tenant priority queues, assignment to operators, transfer and
// resolution.
package handover

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"omnidesk/internal/constants"
	"omnidesk/internal/metrics"
	"omnidesk/internal/models"
	"omnidesk/internal/push"
	"omnidesk/internal/tracing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Store persists escalations. Writes happen after the engine lock is
// released and are best-effort.
type Store interface {
	SaveEscalation(ctx context.Context, esc *models.Escalation) error
	GetEscalation(ctx context.Context, id string) (*models.Escalation, error)
	ListLiveEscalations(ctx context.Context) ([]*models.Escalation, error)
}

// Presence is the slice of the presence manager the engine needs.
// TryReserve is called with the engine lock held.
type Presence interface {
	AgentIDs(companyID string) []string
	GetAvailableAgents(candidateIDs []string) []models.AgentPresence
	TryReserve(agentID string) bool
	Release(agentID string)
}

// Notifier delivers operator notifications.
type Notifier interface {
	NotifyAssignment(ctx context.Context, agentID string, esc *models.Escalation) (*models.Notification, error)
	NotifyEscalation(ctx context.Context, esc *models.Escalation) (*models.Notification, error)
	NotifySLAWarning(ctx context.Context, esc *models.Escalation, waited time.Duration) (*models.Notification, error)
	NotifyCustomerWaiting(ctx context.Context, agentID string, esc *models.Escalation, waited time.Duration) (*models.Notification, error)
	NotifyTransfer(ctx context.Context, esc *models.Escalation, fromAgentID, toAgentID, reason string) error
}

// CreateRequest opens an escalation for a conversation.
type CreateRequest struct {
	ConversationID string                       `json:"conversationId"`
	CompanyID      string                       `json:"companyId"`
	AgentID        string                       `json:"agentId,omitempty"`
	EndUserID      string                       `json:"endUserId,omitempty"`
	Channel        string                       `json:"channel,omitempty"`
	Reason         models.EscalationReason      `json:"reason"`
	Priority       models.Priority              `json:"priority,omitempty"`
	Summary        string                       `json:"summary,omitempty"`
	LastMessages   []models.ConversationMessage `json:"lastMessages,omitempty"`
	Metadata       map[string]any               `json:"metadata,omitempty"`
}

// ResolveOptions close an escalation.
type ResolveOptions struct {
	Notes           string `json:"notes,omitempty"`
	TransferToAgent bool   `json:"transferToAgent,omitempty"`
}

type Options struct {
	SLAWarning   time.Duration
	MaxQueueWait time.Duration
	Triggers     []models.TriggerConfig
}

// OptionsFromConfig converts the handover config section.
func OptionsFromConfig(cfg models.HandoverConfig) Options {
	return Options{
		SLAWarning:   time.Duration(cfg.SLAWarningSec) * time.Second,
		MaxQueueWait: time.Duration(cfg.MaxQueueWaitSec) * time.Second,
		Triggers:     cfg.Triggers,
	}
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithNotifier sets the notification sink.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithStore sets the persistence backend.
func WithStore(s Store) Option {
	return func(e *Engine) { e.store = s }
}

// Engine guards all escalation state with one mutex. Lock order is engine
// then presence; network and store calls run after the lock is released.
type Engine struct {
	presence  Presence
	publisher push.Publisher
	notifier  Notifier
	store     Store
	metrics   *metrics.Metrics
	logger    *logrus.Logger
	now       func() time.Time
	opts      Options

	mu             sync.Mutex
	escalations    map[string]*models.Escalation
	byConversation map[string]string
	queues         map[string]*queue
	agentSets      map[string]map[string]struct{}
	triggers       []models.TriggerConfig
	seq            uint64
}

func NewEngine(presence Presence, publisher push.Publisher, m *metrics.Metrics, logger *logrus.Logger, opts Options, options ...Option) *Engine {
	if opts.SLAWarning <= 0 {
		opts.SLAWarning = constants.DefaultSLAWarningSec * time.Second
	}
	if opts.MaxQueueWait <= 0 {
		opts.MaxQueueWait = constants.DefaultMaxQueueWaitSec * time.Second
	}
	e := &Engine{
		presence:       presence,
		publisher:      publisher,
		metrics:        m,
		logger:         logger,
		now:            time.Now,
		opts:           opts,
		escalations:    make(map[string]*models.Escalation),
		byConversation: make(map[string]string),
		queues:         make(map[string]*queue),
		agentSets:      make(map[string]map[string]struct{}),
		triggers:       append([]models.TriggerConfig(nil), opts.Triggers...),
	}
	for _, o := range options {
		o(e)
	}
	return e
}

// effects are collected under the lock and applied after it is released.
type effects struct {
	saves    []*models.Escalation
	events   []queuedEvent
	releases []string
	notify   []func(ctx context.Context)
	drain    []string
}

type queuedEvent struct {
	evt    models.Event
	topics []string
}

func (fx *effects) save(esc *models.Escalation) {
	fx.saves = append(fx.saves, esc.Clone())
}

func (fx *effects) publish(eventType string, esc *models.Escalation, now time.Time, extra map[string]any, agents ...string) {
	payload := map[string]any{"escalation": esc.Clone()}
	for k, v := range extra {
		payload[k] = v
	}
	topics := []string{models.ConversationTopic(esc.ConversationID), models.CompanyTopic(esc.CompanyID)}
	seen := map[string]bool{}
	for _, a := range agents {
		if a != "" && !seen[a] {
			seen[a] = true
			topics = append(topics, models.AgentTopic(a))
		}
	}
	fx.events = append(fx.events, queuedEvent{models.NewEvent(eventType, payload, now), topics})
}

func (e *Engine) apply(ctx context.Context, fx *effects) {
	if e.store != nil {
		for _, esc := range fx.saves {
			if err := e.store.SaveEscalation(ctx, esc); err != nil {
				e.logger.WithError(err).WithField("escalation_id", esc.ID).Warn("Failed to persist escalation")
			}
		}
	}
	if e.publisher != nil {
		for _, ev := range fx.events {
			e.publisher.Publish(ev.evt, ev.topics...)
		}
	}
	for _, n := range fx.notify {
		n(ctx)
	}
	if e.presence != nil {
		for _, agentID := range fx.releases {
			e.presence.Release(agentID)
		}
	}
	for _, companyID := range fx.drain {
		e.ProcessQueue(ctx, companyID)
	}
}

func (e *Engine) startSpan(ctx context.Context, op string, esc *models.Escalation) (context.Context, func(error)) {
	ctx, span := tracing.StartSpan(ctx, "handover."+op, tracing.AttrOperation.String(op))
	if esc != nil {
		tracing.AddSpanAttributes(ctx, tracing.AttrEscalation.String(esc.ID), tracing.AttrCompany.String(esc.CompanyID))
	}
	return ctx, func(err error) { tracing.EndSpan(span, err) }
}

func (e *Engine) logFields(esc *models.Escalation) logrus.Fields {
	return logrus.Fields{
		"escalation_id":   esc.ID,
		"company_id":      esc.CompanyID,
		"conversation_id": esc.ConversationID,
		"status":          esc.Status,
		"priority":        esc.Priority,
	}
}

// CreateEscalation opens and queues an escalation, then tries to assign it.
// When the conversation already has a live escalation, that escalation is
// returned together with ErrEscalationExists.
func (e *Engine) CreateEscalation(ctx context.Context, req CreateRequest) (esc *models.Escalation, err error) {
	ctx, end := e.startSpan(ctx, "create", nil)
	defer func() { end(err) }()

	req.ConversationID = strings.TrimSpace(req.ConversationID)
	req.CompanyID = strings.TrimSpace(req.CompanyID)
	if req.ConversationID == "" || req.CompanyID == "" {
		return nil, fmt.Errorf("%w: conversation and company are required", ErrInvalidRequest)
	}
	if req.Reason == "" {
		req.Reason = models.ReasonManual
	}
	if !req.Reason.Valid() {
		return nil, fmt.Errorf("%w: unknown reason %q", ErrInvalidRequest, req.Reason)
	}
	if req.Priority == "" {
		req.Priority = DefaultPriority(req.Reason)
	}
	if !req.Priority.Valid() {
		return nil, fmt.Errorf("%w: unknown priority %q", ErrInvalidRequest, req.Priority)
	}

	now := e.now().UTC()
	var fx effects

	e.mu.Lock()
	if id, ok := e.byConversation[req.ConversationID]; ok {
		existing := e.escalations[id].Clone()
		e.mu.Unlock()
		return existing, ErrEscalationExists
	}

	created := &models.Escalation{
		ID:             uuid.NewString(),
		ConversationID: req.ConversationID,
		CompanyID:      req.CompanyID,
		AgentID:        req.AgentID,
		EndUserID:      req.EndUserID,
		Channel:        req.Channel,
		Reason:         req.Reason,
		Status:         models.StatusPending,
		Priority:       req.Priority,
		Summary:        req.Summary,
		LastMessages:   append([]models.ConversationMessage(nil), req.LastMessages...),
		Metadata:       copyMap(req.Metadata),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	e.escalations[created.ID] = created
	e.byConversation[created.ConversationID] = created.ID
	e.enqueueLocked(created, now)
	fx.save(created)
	fx.publish(models.EventEscalationCreated, created, now, nil)
	if e.notifier != nil {
		snapshot := created.Clone()
		fx.notify = append(fx.notify, func(ctx context.Context) {
			if _, err := e.notifier.NotifyEscalation(ctx, snapshot); err != nil {
				e.logger.WithError(err).WithField("escalation_id", snapshot.ID).Warn("Failed to notify tenant about escalation")
			}
		})
	}
	e.queueDepthLocked(created.CompanyID)
	out := created.Clone()
	e.mu.Unlock()

	tracing.AddSpanAttributes(ctx, tracing.AttrEscalation.String(out.ID), tracing.AttrCompany.String(out.CompanyID))
	e.metrics.Escalation("created", string(out.Reason))
	e.logger.WithFields(e.logFields(out)).WithField("reason", out.Reason).Info("Escalation created")

	e.apply(ctx, &fx)
	e.ProcessQueue(ctx, out.CompanyID)

	if cur, err := e.GetEscalation(ctx, out.ID); err == nil {
		out = cur
	}
	return out, nil
}

// enqueueLocked moves a pending escalation into its tenant queue.
func (e *Engine) enqueueLocked(esc *models.Escalation, now time.Time) {
	q, ok := e.queues[esc.CompanyID]
	if !ok {
		q = &queue{}
		e.queues[esc.CompanyID] = q
	}
	e.seq++
	esc.Status = models.StatusQueued
	if esc.QueuedAt == nil {
		t := now
		esc.QueuedAt = &t
	}
	esc.UpdatedAt = now
	q.push(queueEntry{id: esc.ID, rank: esc.Priority.Rank(), seq: e.seq})
}

func (e *Engine) dequeueLocked(esc *models.Escalation) {
	if q, ok := e.queues[esc.CompanyID]; ok {
		q.remove(esc.ID)
		if q.len() == 0 {
			delete(e.queues, esc.CompanyID)
		}
	}
}

func (e *Engine) queueDepthLocked(companyID string) {
	n := 0
	if q, ok := e.queues[companyID]; ok {
		n = q.len()
	}
	e.metrics.QueueDepth(companyID, n)
}

// ProcessQueue assigns queued escalations, head first, to the least loaded
// available agents until the queue or the agents run out.
func (e *Engine) ProcessQueue(ctx context.Context, companyID string) int {
	if e.presence == nil {
		return 0
	}
	assigned := 0
	for {
		var fx effects
		e.mu.Lock()
		q, ok := e.queues[companyID]
		if !ok || q.len() == 0 {
			e.mu.Unlock()
			return assigned
		}
		head := e.escalations[q.entries[0].id]
		candidates := e.presence.GetAvailableAgents(e.presence.AgentIDs(companyID))
		reserved := ""
		for _, a := range candidates {
			if e.presence.TryReserve(a.AgentID) {
				reserved = a.AgentID
				break
			}
		}
		if reserved == "" {
			e.mu.Unlock()
			return assigned
		}
		e.assignLocked(&fx, head, reserved, "", e.now().UTC())
		e.mu.Unlock()

		e.apply(ctx, &fx)
		assigned++
	}
}

// assignLocked records an assignment whose agent slot is already reserved.
func (e *Engine) assignLocked(fx *effects, esc *models.Escalation, agentID, agentName string, now time.Time) {
	e.dequeueLocked(esc)
	esc.Status = models.StatusAssigned
	esc.AssignedToID = agentID
	esc.AssignedToName = agentName
	at := now
	esc.AssignedAt = &at
	esc.UpdatedAt = now
	if esc.QueuedAt != nil {
		wait := int64(now.Sub(*esc.QueuedAt) / time.Second)
		esc.WaitTimeSeconds = &wait
		e.metrics.WaitTime(wait)
	}
	e.addAgentLocked(agentID, esc.ID)
	e.queueDepthLocked(esc.CompanyID)
	e.metrics.Escalation("assigned", string(esc.Reason))

	fx.save(esc)
	fx.publish(models.EventEscalationAssigned, esc, now, nil, agentID)
	if e.notifier != nil {
		snapshot := esc.Clone()
		fx.notify = append(fx.notify, func(ctx context.Context) {
			if _, err := e.notifier.NotifyAssignment(ctx, agentID, snapshot); err != nil {
				e.logger.WithError(err).WithField("escalation_id", snapshot.ID).Warn("Failed to notify agent about assignment")
			}
		})
	}
	e.logger.WithFields(e.logFields(esc)).WithField("agent_id", agentID).Info("Escalation assigned")
}

func (e *Engine) addAgentLocked(agentID, escalationID string) {
	set, ok := e.agentSets[agentID]
	if !ok {
		set = make(map[string]struct{})
		e.agentSets[agentID] = set
	}
	set[escalationID] = struct{}{}
}

func (e *Engine) removeAgentLocked(agentID, escalationID string) {
	if set, ok := e.agentSets[agentID]; ok {
		delete(set, escalationID)
		if len(set) == 0 {
			delete(e.agentSets, agentID)
		}
	}
}

func (e *Engine) getLocked(id string) (*models.Escalation, error) {
	esc, ok := e.escalations[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return esc, nil
}

// AssignEscalation hands a queued escalation to a specific agent.
func (e *Engine) AssignEscalation(ctx context.Context, id, agentID, agentName string) (out *models.Escalation, err error) {
	ctx, end := e.startSpan(ctx, "assign", nil)
	defer func() { end(err) }()

	if agentID == "" {
		return nil, fmt.Errorf("%w: agent is required", ErrInvalidRequest)
	}
	var fx effects
	e.mu.Lock()
	esc, err := e.getLocked(id)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	if esc.Status != models.StatusQueued {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: cannot assign %s escalation", ErrInvalidTransition, esc.Status)
	}
	if e.presence == nil || !e.presence.TryReserve(agentID) {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAgentUnavailable, agentID)
	}
	e.assignLocked(&fx, esc, agentID, agentName, e.now().UTC())
	out = esc.Clone()
	e.mu.Unlock()

	e.apply(ctx, &fx)
	return out, nil
}

// ActivateEscalation marks that the agent started handling the conversation.
func (e *Engine) ActivateEscalation(ctx context.Context, id string) (out *models.Escalation, err error) {
	ctx, end := e.startSpan(ctx, "activate", nil)
	defer func() { end(err) }()

	var fx effects
	now := e.now().UTC()
	e.mu.Lock()
	esc, err := e.getLocked(id)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	if esc.Status != models.StatusAssigned {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: cannot activate %s escalation", ErrInvalidTransition, esc.Status)
	}
	previous := esc.Status
	esc.Status = models.StatusActive
	at := now
	esc.ActivatedAt = &at
	esc.UpdatedAt = now
	fx.save(esc)
	fx.publish(models.EventEscalationStatusChange, esc, now, map[string]any{"previous": previous}, esc.AssignedToID)
	out = esc.Clone()
	e.mu.Unlock()

	e.metrics.Escalation("activated", string(out.Reason))
	e.apply(ctx, &fx)
	return out, nil
}

// ResolveEscalation closes an assigned or active escalation.
func (e *Engine) ResolveEscalation(ctx context.Context, id string, opts ResolveOptions) (out *models.Escalation, err error) {
	ctx, end := e.startSpan(ctx, "resolve", nil)
	defer func() { end(err) }()

	var fx effects
	now := e.now().UTC()
	e.mu.Lock()
	esc, err := e.getLocked(id)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	if esc.Status != models.StatusAssigned && esc.Status != models.StatusActive {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: cannot resolve %s escalation", ErrInvalidTransition, esc.Status)
	}
	esc.ResolutionNotes = opts.Notes
	esc.TransferToAgent = opts.TransferToAgent
	// handle time runs from assignment, counted only once an agent activated it
	if esc.ActivatedAt != nil && esc.AssignedAt != nil {
		handle := int64(now.Sub(*esc.AssignedAt) / time.Second)
		esc.HandleTimeSeconds = &handle
		e.metrics.HandleTime(handle)
	}
	e.finishLocked(&fx, esc, models.StatusResolved, now)
	fx.publish(models.EventEscalationResolved, esc, now, nil, esc.AssignedToID)
	out = esc.Clone()
	e.mu.Unlock()

	e.metrics.Escalation("resolved", string(out.Reason))
	e.logger.WithFields(e.logFields(out)).Info("Escalation resolved")
	e.apply(ctx, &fx)
	return out, nil
}

// CancelEscalation closes any non-terminal escalation.
func (e *Engine) CancelEscalation(ctx context.Context, id, reason string) (out *models.Escalation, err error) {
	ctx, end := e.startSpan(ctx, "cancel", nil)
	defer func() { end(err) }()
	return e.terminate(ctx, id, models.StatusCancelled, reason)
}

// TimeoutEscalation closes any non-terminal escalation as timed out.
func (e *Engine) TimeoutEscalation(ctx context.Context, id string) (out *models.Escalation, err error) {
	ctx, end := e.startSpan(ctx, "timeout", nil)
	defer func() { end(err) }()
	return e.terminate(ctx, id, models.StatusTimeout, "")
}

func (e *Engine) terminate(ctx context.Context, id string, status models.EscalationStatus, reason string) (*models.Escalation, error) {
	var fx effects
	now := e.now().UTC()
	e.mu.Lock()
	esc, err := e.getLocked(id)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	if esc.Status.Terminal() {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: escalation already %s", ErrInvalidTransition, esc.Status)
	}
	previous := esc.Status
	if reason != "" {
		esc.CancelReason = reason
	}
	e.finishLocked(&fx, esc, status, now)
	fx.publish(models.EventEscalationStatusChange, esc, now, map[string]any{"previous": previous}, esc.AssignedToID)
	out := esc.Clone()
	e.mu.Unlock()

	e.metrics.Escalation(string(status), string(out.Reason))
	e.logger.WithFields(e.logFields(out)).Info("Escalation closed")
	e.apply(ctx, &fx)
	return out, nil
}

// finishLocked moves esc to a terminal status and frees its queue slot,
// conversation slot and agent load.
func (e *Engine) finishLocked(fx *effects, esc *models.Escalation, status models.EscalationStatus, now time.Time) {
	wasQueued := esc.Status == models.StatusQueued || esc.Status == models.StatusPending
	esc.Status = status
	at := now
	esc.ResolvedAt = &at
	esc.UpdatedAt = now
	delete(e.byConversation, esc.ConversationID)
	if wasQueued {
		e.dequeueLocked(esc)
		e.queueDepthLocked(esc.CompanyID)
	}
	if esc.AssignedToID != "" && !wasQueued {
		e.removeAgentLocked(esc.AssignedToID, esc.ID)
		fx.releases = append(fx.releases, esc.AssignedToID)
		fx.drain = append(fx.drain, esc.CompanyID)
	}
	fx.save(esc)
}

// TransferEscalation moves an assigned or active escalation to another
// agent. Status and assignment time are kept.
func (e *Engine) TransferEscalation(ctx context.Context, id, toAgentID, toAgentName, reason string) (out *models.Escalation, err error) {
	ctx, end := e.startSpan(ctx, "transfer", nil)
	defer func() { end(err) }()

	if toAgentID == "" {
		return nil, fmt.Errorf("%w: target agent is required", ErrInvalidRequest)
	}
	var fx effects
	now := e.now().UTC()
	e.mu.Lock()
	esc, err := e.getLocked(id)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	if esc.Status != models.StatusAssigned && esc.Status != models.StatusActive {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: cannot transfer %s escalation", ErrInvalidTransition, esc.Status)
	}
	from := esc.AssignedToID
	if from == toAgentID {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: escalation already assigned to %s", ErrInvalidTransition, toAgentID)
	}
	if e.presence == nil || !e.presence.TryReserve(toAgentID) {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAgentUnavailable, toAgentID)
	}

	if esc.Metadata == nil {
		esc.Metadata = make(map[string]any)
	}
	count := 0
	switch v := esc.Metadata["transferCount"].(type) {
	case int:
		count = v
	case float64:
		count = int(v)
	}
	esc.Metadata["transferredFrom"] = from
	esc.Metadata["transferredAt"] = now.Format(time.RFC3339)
	esc.Metadata["transferReason"] = reason
	esc.Metadata["transferCount"] = count + 1
	esc.AssignedToID = toAgentID
	esc.AssignedToName = toAgentName
	esc.UpdatedAt = now

	if from != "" {
		e.removeAgentLocked(from, esc.ID)
		fx.releases = append(fx.releases, from)
		fx.drain = append(fx.drain, esc.CompanyID)
	}
	e.addAgentLocked(toAgentID, esc.ID)
	fx.save(esc)
	fx.publish(models.EventEscalationTransferred, esc, now, map[string]any{"fromAgentId": from, "toAgentId": toAgentID, "reason": reason}, from, toAgentID)
	if e.notifier != nil {
		snapshot := esc.Clone()
		fx.notify = append(fx.notify, func(ctx context.Context) {
			if err := e.notifier.NotifyTransfer(ctx, snapshot, from, toAgentID, reason); err != nil {
				e.logger.WithError(err).WithField("escalation_id", snapshot.ID).Warn("Failed to notify agents about transfer")
			}
		})
	}
	out = esc.Clone()
	e.mu.Unlock()

	e.metrics.Escalation("transferred", string(out.Reason))
	e.logger.WithFields(e.logFields(out)).WithFields(logrus.Fields{"from_agent": from, "agent_id": toAgentID}).Info("Escalation transferred")
	e.apply(ctx, &fx)
	return out, nil
}

// GetEscalation returns a copy, falling back to the store for escalations
// no longer held in memory.
func (e *Engine) GetEscalation(ctx context.Context, id string) (*models.Escalation, error) {
	e.mu.Lock()
	esc, ok := e.escalations[id]
	if ok {
		out := esc.Clone()
		e.mu.Unlock()
		return out, nil
	}
	e.mu.Unlock()

	if e.store != nil {
		stored, err := e.store.GetEscalation(ctx, id)
		if err == nil && stored != nil {
			return stored, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// LiveForConversation returns the conversation's open escalation, if any.
func (e *Engine) LiveForConversation(conversationID string) (*models.Escalation, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.byConversation[conversationID]
	if !ok {
		return nil, false
	}
	return e.escalations[id].Clone(), true
}

// Queue returns the tenant's queued escalations in assignment order.
func (e *Engine) Queue(companyID string) []*models.Escalation {
	e.mu.Lock()
	defer e.mu.Unlock()
	q, ok := e.queues[companyID]
	if !ok {
		return []*models.Escalation{}
	}
	out := make([]*models.Escalation, 0, q.len())
	for _, id := range q.ids() {
		out = append(out, e.escalations[id].Clone())
	}
	return out
}

// QueuePosition is 1-based; 0 means the escalation is not queued.
func (e *Engine) QueuePosition(id string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	esc, ok := e.escalations[id]
	if !ok {
		return 0
	}
	if q, ok := e.queues[esc.CompanyID]; ok {
		return q.position(id)
	}
	return 0
}

// AgentEscalations lists escalations the agent currently holds.
func (e *Engine) AgentEscalations(agentID string) []*models.Escalation {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*models.Escalation, 0, len(e.agentSets[agentID]))
	for id := range e.agentSets[agentID] {
		out = append(out, e.escalations[id].Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ActiveLoad counts the escalations an agent holds. It seeds presence load.
func (e *Engine) ActiveLoad(agentID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.agentSets[agentID])
}

// List returns the tenant's escalations, optionally filtered by status,
// newest first.
func (e *Engine) List(companyID string, status models.EscalationStatus) []*models.Escalation {
	e.mu.Lock()
	out := make([]*models.Escalation, 0)
	for _, esc := range e.escalations {
		if esc.CompanyID != companyID || (status != "" && esc.Status != status) {
			continue
		}
		out = append(out, esc.Clone())
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// SetTriggers replaces the trigger set used by Evaluate.
func (e *Engine) SetTriggers(triggers []models.TriggerConfig) {
	e.mu.Lock()
	e.triggers = append([]models.TriggerConfig(nil), triggers...)
	e.mu.Unlock()
	e.logger.WithField("count", len(triggers)).Info("Escalation triggers updated")
}

// Triggers returns a copy of the current trigger set.
func (e *Engine) Triggers() []models.TriggerConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]models.TriggerConfig(nil), e.triggers...)
}

// Evaluate runs ShouldEscalate against the current trigger set.
func (e *Engine) Evaluate(message string, signals Signals) Decision {
	return ShouldEscalate(message, signals, e.Triggers())
}

// PurgeTerminal forgets terminal escalations resolved before cutoff. They
// remain readable through the store.
func (e *Engine) PurgeTerminal(cutoff time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for id, esc := range e.escalations {
		if esc.Status.Terminal() && esc.ResolvedAt != nil && esc.ResolvedAt.Before(cutoff) {
			delete(e.escalations, id)
			n++
		}
	}
	return n
}

// Restore rebuilds live escalations, queues and agent sets from the store.
// Call it before agents register so their load is seeded correctly.
func (e *Engine) Restore(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	live, err := e.store.ListLiveEscalations(ctx)
	if err != nil {
		return fmt.Errorf("failed to load live escalations: %w", err)
	}
	sort.SliceStable(live, func(i, j int) bool { return queuedAt(live[i]).Before(queuedAt(live[j])) })

	now := e.now().UTC()
	restored := 0
	companies := map[string]bool{}
	e.mu.Lock()
	for _, esc := range live {
		if !esc.Status.Live() {
			continue
		}
		if _, dup := e.byConversation[esc.ConversationID]; dup {
			e.logger.WithField("escalation_id", esc.ID).Warn("Skipping duplicate live escalation during restore")
			continue
		}
		esc = esc.Clone()
		e.escalations[esc.ID] = esc
		e.byConversation[esc.ConversationID] = esc.ID
		switch esc.Status {
		case models.StatusPending, models.StatusQueued:
			e.enqueueLocked(esc, now)
			companies[esc.CompanyID] = true
		case models.StatusAssigned, models.StatusActive:
			if esc.AssignedToID != "" {
				e.addAgentLocked(esc.AssignedToID, esc.ID)
			}
		}
		restored++
	}
	for c := range companies {
		e.queueDepthLocked(c)
	}
	e.mu.Unlock()

	e.logger.WithField("count", restored).Info("Restored live escalations")
	return nil
}

func queuedAt(esc *models.Escalation) time.Time {
	if esc.QueuedAt != nil {
		return *esc.QueuedAt
	}
	return esc.CreatedAt
}

// OnAgentAvailable drains the agent's tenant queue. Register it with the
// presence manager.
func (e *Engine) OnAgentAvailable(agentID, companyID string) {
	if companyID == "" {
		return
	}
	if n := e.ProcessQueue(context.Background(), companyID); n > 0 {
		e.logger.WithFields(logrus.Fields{"agent_id": agentID, "company_id": companyID, "count": n}).Debug("Drained queue after agent became available")
	}
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
