package handover

import (
	"context"
	"time"

	"omnidesk/internal/models"
)

// Stats summarizes one tenant's escalations held in memory.
type Stats struct {
	CompanyID            string                          `json:"companyId"`
	Total                int                             `json:"total"`
	ByStatus             map[models.EscalationStatus]int `json:"byStatus"`
	ByReason             map[models.EscalationReason]int `json:"byReason"`
	ByPriority           map[models.Priority]int         `json:"byPriority"`
	QueueLength          int                             `json:"queueLength"`
	AverageWaitSeconds   float64                         `json:"averageWaitSeconds"`
	AverageHandleSeconds float64                         `json:"averageHandleSeconds"`
}

// Metrics computes counts and averages for a tenant.
func (e *Engine) Metrics(companyID string) Stats {
	s := Stats{
		CompanyID:  companyID,
		ByStatus:   make(map[models.EscalationStatus]int),
		ByReason:   make(map[models.EscalationReason]int),
		ByPriority: make(map[models.Priority]int),
	}
	var waitSum, handleSum int64
	var waitN, handleN int

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, esc := range e.escalations {
		if esc.CompanyID != companyID {
			continue
		}
		s.Total++
		s.ByStatus[esc.Status]++
		s.ByReason[esc.Reason]++
		s.ByPriority[esc.Priority]++
		if esc.WaitTimeSeconds != nil {
			waitSum += *esc.WaitTimeSeconds
			waitN++
		}
		if esc.HandleTimeSeconds != nil {
			handleSum += *esc.HandleTimeSeconds
			handleN++
		}
	}
	if q, ok := e.queues[companyID]; ok {
		s.QueueLength = q.len()
	}
	if waitN > 0 {
		s.AverageWaitSeconds = float64(waitSum) / float64(waitN)
	}
	if handleN > 0 {
		s.AverageHandleSeconds = float64(handleSum) / float64(handleN)
	}
	return s
}

// CheckSLA warns the tenant once about escalations queued longer than the
// warning threshold and times out those past the maximum queue wait. An
// escalation assigned for longer than the warning threshold without being
// activated nudges its agent once.
func (e *Engine) CheckSLA(ctx context.Context) (warned, timedOut int) {
	ctx, end := e.startSpan(ctx, "check_sla", nil)
	defer func() { end(nil) }()

	type warning struct {
		esc    *models.Escalation
		waited time.Duration
	}
	var (
		warnings []warning
		nudges   []warning
		expired  []*models.Escalation
		fx       effects
	)
	now := e.now().UTC()

	e.mu.Lock()
	for _, q := range e.queues {
		for _, id := range q.ids() {
			esc := e.escalations[id]
			if esc.QueuedAt == nil {
				continue
			}
			waited := now.Sub(*esc.QueuedAt)
			switch {
			case waited >= e.opts.MaxQueueWait:
				previous := esc.Status
				e.finishLocked(&fx, esc, models.StatusTimeout, now)
				fx.publish(models.EventEscalationStatusChange, esc, now, map[string]any{"previous": previous})
				expired = append(expired, esc.Clone())
			case waited >= e.opts.SLAWarning && !esc.SLAWarned:
				esc.SLAWarned = true
				esc.UpdatedAt = now
				fx.save(esc)
				warnings = append(warnings, warning{esc.Clone(), waited})
			}
		}
	}
	for _, esc := range e.escalations {
		if esc.Status != models.StatusAssigned || esc.AssignedAt == nil || esc.AgentNudged {
			continue
		}
		if now.Sub(*esc.AssignedAt) < e.opts.SLAWarning {
			continue
		}
		esc.AgentNudged = true
		esc.UpdatedAt = now
		fx.save(esc)
		nudges = append(nudges, warning{esc.Clone(), now.Sub(esc.CreatedAt)})
	}
	e.mu.Unlock()

	e.apply(ctx, &fx)
	for _, w := range nudges {
		e.logger.WithFields(e.logFields(w.esc)).Info("Assigned escalation not picked up")
		if e.notifier == nil {
			continue
		}
		if _, err := e.notifier.NotifyCustomerWaiting(ctx, w.esc.AssignedToID, w.esc, w.waited); err != nil {
			e.logger.WithError(err).WithField("escalation_id", w.esc.ID).Warn("Failed to nudge assigned agent")
		}
	}
	for _, w := range warnings {
		e.logger.WithFields(e.logFields(w.esc)).WithField("waited", w.waited.String()).Warn("Escalation waiting past SLA")
		if e.notifier == nil {
			continue
		}
		if _, err := e.notifier.NotifySLAWarning(ctx, w.esc, w.waited); err != nil {
			e.logger.WithError(err).WithField("escalation_id", w.esc.ID).Warn("Failed to send SLA warning")
		}
	}
	for _, esc := range expired {
		e.metrics.Escalation(string(models.StatusTimeout), string(esc.Reason))
		e.logger.WithFields(e.logFields(esc)).Warn("Escalation timed out in queue")
	}
	return len(warnings), len(expired)
}
