package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"omnidesk/internal/constants"
	"omnidesk/internal/metrics"
	"omnidesk/internal/models"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Job is a named background task run on a cron schedule. Specs carry a
// leading seconds field.
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error
}

// Scheduler runs maintenance jobs. A tick is skipped while the previous
// run of the same job is still in flight.
type Scheduler struct {
	mu      sync.Mutex
	cron    *cron.Cron
	jobs    map[string]Job
	order   []string
	locks   map[string]*sync.Mutex
	metrics *metrics.Metrics
	logger  *logrus.Logger
	cancel  context.CancelFunc
}

func NewScheduler(m *metrics.Metrics, logger *logrus.Logger) *Scheduler {
	return &Scheduler{
		jobs:    make(map[string]Job),
		locks:   make(map[string]*sync.Mutex),
		metrics: m,
		logger:  logger,
	}
}

// Register adds a job. It must be called before Start.
func (s *Scheduler) Register(j Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j.Name == "" || j.Run == nil {
		return errors.New("job needs a name and a run function")
	}
	if _, exists := s.jobs[j.Name]; exists {
		return fmt.Errorf("duplicate job name %q", j.Name)
	}
	s.jobs[j.Name] = j
	s.locks[j.Name] = &sync.Mutex{}
	s.order = append(s.order, j.Name)
	return nil
}

// Start schedules every registered job. An invalid cron expression fails the whole start.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	c := cron.New(cron.WithSeconds())
	for _, name := range s.order {
		job := s.jobs[name]
		if _, err := c.AddFunc(job.Schedule, func() { s.run(runCtx, job) }); err != nil {
			cancel()
			return fmt.Errorf("invalid schedule %q for job %s: %w", job.Schedule, job.Name, err)
		}
	}
	s.cron = c
	s.cancel = cancel
	c.Start()
	s.logger.WithField(LogFieldCount, len(s.order)).Info("Maintenance scheduler started")
	return nil
}

// RunNow executes a registered job immediately, honoring the overlap lock.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}
	return s.run(ctx, job)
}

func (s *Scheduler) run(ctx context.Context, job Job) error {
	s.mu.Lock()
	lock := s.locks[job.Name]
	s.mu.Unlock()

	if !lock.TryLock() {
		s.logger.WithField(LogFieldJob, job.Name).Warn("Job still running, skipping tick")
		return nil
	}
	defer lock.Unlock()

	start := time.Now()
	err := job.Run(ctx)
	s.metrics.Job(job.Name, err)
	entry := s.logger.WithFields(logrus.Fields{
		LogFieldJob:      job.Name,
		LogFieldDuration: time.Since(start).String(),
	})
	if err != nil {
		entry.WithError(err).Error("Maintenance job failed")
	} else {
		entry.Debug("Maintenance job completed")
	}
	return err
}

// Stop cancels in-flight jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c, cancel := s.cron, s.cancel
	s.cron, s.cancel = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if c != nil {
		<-c.Stop().Done()
		s.logger.Info("Maintenance scheduler stopped")
	}
}

// Maintenance job names.
const (
	JobSLACheck  = "sla_check"
	JobPurge     = "purge"
	JobRetention = "retention"
)

type SLAChecker interface {
	CheckSLA(ctx context.Context) (warned, timedOut int)
}

type TerminalPurger interface {
	PurgeTerminal(cutoff time.Time) int
}

type NotificationPurger interface {
	PurgeExpired(ctx context.Context) int
}

type HistoryPurger interface {
	PurgeHistory(cutoff time.Time) int
}

// RetentionStore deletes rows past their retention window.
type RetentionStore interface {
	DeleteTerminalEscalationsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteExpiredNotifications(ctx context.Context, now time.Time) (int64, error)
}

// Maintenance groups the collaborators of the default jobs. Nil members are
// skipped.
type Maintenance struct {
	SLA           SLAChecker
	Escalations   TerminalPurger
	Notifications NotificationPurger
	History       HistoryPurger
	Deduper       *Deduper
	Store         RetentionStore
	RetentionDays int
	Logger        *logrus.Logger
	Now           func() time.Time
}

// Jobs returns the default maintenance jobs on the configured schedules.
func (m Maintenance) Jobs(cfg models.MaintenanceConfig) []Job {
	if m.Now == nil {
		m.Now = time.Now
	}
	if m.RetentionDays <= 0 {
		m.RetentionDays = constants.DefaultRetentionDays
	}
	return []Job{
		{Name: JobSLACheck, Schedule: orDefault(cfg.SLACheckCron, constants.DefaultSLACheckCron), Run: m.checkSLA},
		{Name: JobPurge, Schedule: orDefault(cfg.PurgeCron, constants.DefaultPurgeCron), Run: m.purge},
		{Name: JobRetention, Schedule: orDefault(cfg.RetentionCron, constants.DefaultRetentionCron), Run: m.retention},
	}
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func (m Maintenance) checkSLA(ctx context.Context) error {
	if m.SLA == nil {
		return nil
	}
	warned, timedOut := m.SLA.CheckSLA(ctx)
	if warned > 0 || timedOut > 0 {
		m.Logger.WithFields(logrus.Fields{
			"warned":    warned,
			"timed_out": timedOut,
		}).Info("SLA check flagged escalations")
	}
	return nil
}

func (m Maintenance) purge(ctx context.Context) error {
	now := m.Now()
	fields := logrus.Fields{}
	if m.Notifications != nil {
		fields["notifications"] = m.Notifications.PurgeExpired(ctx)
	}
	if m.Deduper != nil {
		fields["dedupe_keys"] = m.Deduper.Purge()
	}
	if m.History != nil {
		fields["histories"] = m.History.PurgeHistory(now.Add(-time.Duration(constants.DefaultHistoryIdleHours) * time.Hour))
	}
	if m.Escalations != nil {
		fields["escalations"] = m.Escalations.PurgeTerminal(now.Add(-time.Duration(constants.DefaultTerminalCacheMin) * time.Minute))
	}
	m.Logger.WithFields(fields).Debug("Purged in-memory caches")
	return nil
}

func (m Maintenance) retention(ctx context.Context) error {
	if m.Store == nil {
		return nil
	}
	now := m.Now()
	cutoff := now.AddDate(0, 0, -m.RetentionDays)

	var errs []error
	escalations, err := m.Store.DeleteTerminalEscalationsBefore(ctx, cutoff)
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to delete old escalations: %w", err))
	}
	notifications, err := m.Store.DeleteExpiredNotifications(ctx, now)
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to delete expired notifications: %w", err))
	}

	m.Logger.WithFields(logrus.Fields{
		"escalations":   escalations,
		"notifications": notifications,
		"retentionDays": m.RetentionDays,
	}).Info("Retention cleanup finished")
	return errors.Join(errs...)
}
