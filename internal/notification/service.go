// Package notification stores typed notifications per recipient and pushes
// them to live clients according to recipient preferences.
package notification

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"omnidesk/internal/constants"
	"omnidesk/internal/metrics"
	"omnidesk/internal/models"
	"omnidesk/internal/push"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	ErrNotFound         = errors.New("notification not found")
	ErrInvalidRecipient = errors.New("invalid notification recipient")
)

// Store persists notifications and preferences. Writes are best-effort; the
// in-memory state is authoritative while the process runs.
type Store interface {
	SaveNotification(ctx context.Context, n *models.Notification) error
	DeleteNotification(ctx context.Context, id string) error
	ListActiveNotifications(ctx context.Context, now time.Time) ([]*models.Notification, error)
	DeleteExpiredNotifications(ctx context.Context, now time.Time) (int64, error)
	SavePreferences(ctx context.Context, prefs models.NotificationPreferences) error
	ListPreferences(ctx context.Context) ([]models.NotificationPreferences, error)
}

// Request describes a notification to send.
type Request struct {
	Type      models.NotificationType
	Recipient models.Recipient
	CompanyID string
	Title     string
	Body      string
	Priority  models.Priority
	Data      map[string]any
	Actions   []models.NotificationAction
	// TTL overrides the service default; negative means never expires.
	TTL time.Duration
	// Sound is a tone hint (models.Sound*). Recipients with sound turned
	// off get no sound regardless.
	Sound string
}

// ListOptions filter List results.
type ListOptions struct {
	UnreadOnly bool
	Limit      int
}

type Options struct {
	TTL             time.Duration
	MaxPerRecipient int
}

// OptionsFromConfig converts the notifications config section.
func OptionsFromConfig(cfg models.NotificationConfig) Options {
	return Options{
		TTL:             time.Duration(cfg.TTLHours) * time.Hour,
		MaxPerRecipient: cfg.MaxPerRecipient,
	}
}

type inbox struct {
	// newest first
	items  []*models.Notification
	unread int
}

// Service is safe for concurrent use.
type Service struct {
	store     Store
	publisher push.Publisher
	metrics   *metrics.Metrics
	logger    *logrus.Logger
	opts      Options
	now       func() time.Time

	mu     sync.Mutex
	inbox  map[string]*inbox
	byID   map[string]string
	prefs  map[string]models.NotificationPreferences
	tzMemo map[string]*time.Location
}

// Option customizes a Service.
type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a notification service. store and publisher may be nil.
func NewService(store Store, publisher push.Publisher, m *metrics.Metrics, logger *logrus.Logger, opts Options, options ...Option) *Service {
	if opts.TTL == 0 {
		opts.TTL = constants.DefaultNotificationTTLHours * time.Hour
	}
	if opts.MaxPerRecipient <= 0 {
		opts.MaxPerRecipient = constants.DefaultMaxPerRecipient
	}
	s := &Service{
		store:     store,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
		opts:      opts,
		now:       time.Now,
		inbox:     make(map[string]*inbox),
		byID:      make(map[string]string),
		prefs:     make(map[string]models.NotificationPreferences),
		tzMemo:    make(map[string]*time.Location),
	}
	for _, o := range options {
		o(s)
	}
	return s
}

// Send stores the notification and pushes it when preferences allow.
// Suppressed notifications stay unread and are never pushed later.
func (s *Service) Send(ctx context.Context, req Request) (*models.Notification, error) {
	if !req.Recipient.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRecipient, req.Recipient.Key())
	}
	if req.Type == "" {
		req.Type = models.NotificationSystem
	}
	if req.Priority == "" || !req.Priority.Valid() {
		req.Priority = models.PriorityNormal
	}

	now := s.now().UTC()
	n := &models.Notification{
		ID:        uuid.NewString(),
		Type:      req.Type,
		Recipient: req.Recipient,
		CompanyID: req.CompanyID,
		Title:     req.Title,
		Body:      req.Body,
		Priority:  req.Priority,
		Data:      req.Data,
		Actions:   req.Actions,
		CreatedAt: now,
	}
	ttl := req.TTL
	if ttl == 0 {
		ttl = s.opts.TTL
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		n.ExpiresAt = &exp
	}

	s.mu.Lock()
	prefs := s.preferencesLocked(req.Recipient)
	n.Sound = prefs.Sound && req.Sound != models.SoundSilent
	if n.Sound {
		n.SoundName = req.Sound
		if n.SoundName == "" {
			n.SoundName = models.SoundDefault
		}
	}
	n.Banner = prefs.Banner
	n.Delivered = s.allowedLocked(prefs, n, now)
	s.insertLocked(n)
	out := cloneNotification(n)
	s.mu.Unlock()

	s.metrics.Notification(string(n.Type), n.Delivered)
	if n.Delivered && s.publisher != nil {
		s.publisher.Publish(models.NewEvent(models.EventNotificationNew, out, now), models.RecipientTopic(n.Recipient))
	}
	s.persist(ctx, out)

	s.logger.WithFields(logrus.Fields{
		"notification_id": n.ID,
		"type":            n.Type,
		"recipient":       n.Recipient.Key(),
		"delivered":       n.Delivered,
	}).Debug("Notification created")
	return out, nil
}

func (s *Service) insertLocked(n *models.Notification) {
	key := n.Recipient.Key()
	box, ok := s.inbox[key]
	if !ok {
		box = &inbox{}
		s.inbox[key] = box
	}
	box.items = append([]*models.Notification{n}, box.items...)
	if !n.Read {
		box.unread++
	}
	s.byID[n.ID] = key
	for len(box.items) > s.opts.MaxPerRecipient {
		last := box.items[len(box.items)-1]
		box.items = box.items[:len(box.items)-1]
		delete(s.byID, last.ID)
		if !last.Read {
			box.unread--
		}
	}
}

func (s *Service) allowedLocked(prefs models.NotificationPreferences, n *models.Notification, now time.Time) bool {
	if !prefs.Enabled || !prefs.TypeEnabled(n.Type) {
		return false
	}
	if n.Priority == models.PriorityUrgent {
		return true
	}
	return !s.inQuietHoursLocked(prefs.QuietHours, now)
}

func (s *Service) inQuietHoursLocked(q models.QuietHours, now time.Time) bool {
	if !q.Enabled {
		return false
	}
	start, ok1 := parseClock(q.Start)
	end, ok2 := parseClock(q.End)
	if !ok1 || !ok2 || start == end {
		return false
	}
	local := now.In(s.locationLocked(q.Timezone))
	minute := local.Hour()*60 + local.Minute()
	if start < end {
		return minute >= start && minute < end
	}
	return minute >= start || minute < end
}

func (s *Service) locationLocked(tz string) *time.Location {
	if tz == "" {
		return time.UTC
	}
	if loc, ok := s.tzMemo[tz]; ok {
		return loc
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.logger.WithError(err).WithField("timezone", tz).Warn("Unknown quiet hours timezone, using UTC")
		loc = time.UTC
	}
	s.tzMemo[tz] = loc
	return loc
}

// parseClock reads HH:MM into minutes after midnight.
func parseClock(v string) (int, bool) {
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, false
	}
	return t.Hour()*60 + t.Minute(), true
}

func (s *Service) preferencesLocked(r models.Recipient) models.NotificationPreferences {
	if p, ok := s.prefs[r.Key()]; ok {
		return p
	}
	return models.DefaultPreferences(r)
}

func (s *Service) persist(ctx context.Context, n *models.Notification) {
	if s.store == nil {
		return
	}
	if err := s.store.SaveNotification(ctx, n); err != nil {
		s.logger.WithError(err).WithField("notification_id", n.ID).Warn("Failed to persist notification")
	}
}

// List returns unexpired notifications, newest first.
func (s *Service) List(recipient models.Recipient, opts ListOptions) []models.Notification {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	box, ok := s.inbox[recipient.Key()]
	if !ok {
		return []models.Notification{}
	}
	out := make([]models.Notification, 0, len(box.items))
	for _, n := range box.items {
		if n.Expired(now) || (opts.UnreadOnly && n.Read) {
			continue
		}
		out = append(out, *cloneNotification(n))
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out
}

// Get returns one notification owned by recipient.
func (s *Service) Get(recipient models.Recipient, id string) (*models.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.findLocked(recipient, id)
	if n == nil {
		return nil, ErrNotFound
	}
	return cloneNotification(n), nil
}

// UnreadCount returns the recipient's unread counter.
func (s *Service) UnreadCount(recipient models.Recipient) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if box, ok := s.inbox[recipient.Key()]; ok {
		return box.unread
	}
	return 0
}

func (s *Service) findLocked(recipient models.Recipient, id string) *models.Notification {
	key, ok := s.byID[id]
	if !ok || key != recipient.Key() {
		return nil
	}
	for _, n := range s.inbox[key].items {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// MarkAsRead is idempotent; marking an already read notification is a no-op.
func (s *Service) MarkAsRead(ctx context.Context, recipient models.Recipient, id string) error {
	now := s.now().UTC()
	s.mu.Lock()
	n := s.findLocked(recipient, id)
	if n == nil {
		s.mu.Unlock()
		return ErrNotFound
	}
	if n.Read {
		s.mu.Unlock()
		return nil
	}
	n.Read = true
	n.ReadAt = &now
	s.inbox[recipient.Key()].unread--
	out := cloneNotification(n)
	s.mu.Unlock()

	s.publishRead(recipient, []string{id}, now)
	s.persist(ctx, out)
	return nil
}

// MarkAllAsRead marks every unread notification and returns how many changed.
func (s *Service) MarkAllAsRead(ctx context.Context, recipient models.Recipient) int {
	now := s.now().UTC()
	var changed []*models.Notification
	s.mu.Lock()
	if box, ok := s.inbox[recipient.Key()]; ok {
		for _, n := range box.items {
			if n.Read {
				continue
			}
			n.Read = true
			at := now
			n.ReadAt = &at
			changed = append(changed, cloneNotification(n))
		}
		box.unread = 0
	}
	s.mu.Unlock()

	if len(changed) == 0 {
		return 0
	}
	ids := make([]string, len(changed))
	for i, n := range changed {
		ids[i] = n.ID
		s.persist(ctx, n)
	}
	s.publishRead(recipient, ids, now)
	return len(changed)
}

func (s *Service) publishRead(recipient models.Recipient, ids []string, now time.Time) {
	if s.publisher == nil {
		return
	}
	payload := map[string]any{"ids": ids, "recipient": recipient}
	s.publisher.Publish(models.NewEvent(models.EventNotificationRead, payload, now), models.RecipientTopic(recipient))
}

// Delete removes one notification.
func (s *Service) Delete(ctx context.Context, recipient models.Recipient, id string) error {
	s.mu.Lock()
	n := s.findLocked(recipient, id)
	if n == nil {
		s.mu.Unlock()
		return ErrNotFound
	}
	s.removeLocked(recipient.Key(), id)
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.DeleteNotification(ctx, id); err != nil {
			s.logger.WithError(err).WithField("notification_id", id).Warn("Failed to delete stored notification")
		}
	}
	return nil
}

func (s *Service) removeLocked(key, id string) {
	box := s.inbox[key]
	for i, n := range box.items {
		if n.ID != id {
			continue
		}
		if !n.Read {
			box.unread--
		}
		box.items = append(box.items[:i], box.items[i+1:]...)
		break
	}
	delete(s.byID, id)
	if len(box.items) == 0 {
		delete(s.inbox, key)
	}
}

// SetPreferences replaces the recipient's preferences.
func (s *Service) SetPreferences(ctx context.Context, prefs models.NotificationPreferences) error {
	if !prefs.Recipient.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRecipient, prefs.Recipient.Key())
	}
	if prefs.QuietHours.Enabled {
		if _, ok := parseClock(prefs.QuietHours.Start); !ok {
			return fmt.Errorf("invalid quiet hours start %q", prefs.QuietHours.Start)
		}
		if _, ok := parseClock(prefs.QuietHours.End); !ok {
			return fmt.Errorf("invalid quiet hours end %q", prefs.QuietHours.End)
		}
		if prefs.QuietHours.Timezone != "" {
			if _, err := time.LoadLocation(prefs.QuietHours.Timezone); err != nil {
				return fmt.Errorf("invalid quiet hours timezone: %w", err)
			}
		}
	}
	s.mu.Lock()
	s.prefs[prefs.Recipient.Key()] = prefs
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.SavePreferences(ctx, prefs); err != nil {
			s.logger.WithError(err).WithField("recipient", prefs.Recipient.Key()).Warn("Failed to persist notification preferences")
		}
	}
	return nil
}

// GetPreferences returns stored preferences or the defaults.
func (s *Service) GetPreferences(recipient models.Recipient) models.NotificationPreferences {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.preferencesLocked(recipient)
}

// PurgeExpired drops expired notifications from memory and the store.
func (s *Service) PurgeExpired(ctx context.Context) int {
	now := s.now()
	type ref struct{ key, id string }
	var expired []ref
	s.mu.Lock()
	for key, box := range s.inbox {
		for _, n := range box.items {
			if n.Expired(now) {
				expired = append(expired, ref{key, n.ID})
			}
		}
	}
	for _, r := range expired {
		s.removeLocked(r.key, r.id)
	}
	s.mu.Unlock()

	if s.store != nil {
		if _, err := s.store.DeleteExpiredNotifications(ctx, now); err != nil {
			s.logger.WithError(err).Warn("Failed to purge expired notifications from store")
		}
	}
	if len(expired) > 0 {
		s.logger.WithField("count", len(expired)).Info("Purged expired notifications")
	}
	return len(expired)
}

// Restore loads unexpired notifications and preferences from the store.
func (s *Service) Restore(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	prefs, err := s.store.ListPreferences(ctx)
	if err != nil {
		return fmt.Errorf("failed to load notification preferences: %w", err)
	}
	items, err := s.store.ListActiveNotifications(ctx, s.now())
	if err != nil {
		return fmt.Errorf("failed to load notifications: %w", err)
	}
	// insert oldest first so the newest ends up at the head
	sort.SliceStable(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })

	s.mu.Lock()
	for _, p := range prefs {
		s.prefs[p.Recipient.Key()] = p
	}
	for _, n := range items {
		if _, dup := s.byID[n.ID]; dup {
			continue
		}
		s.insertLocked(n)
	}
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"notifications": len(items),
		"preferences":   len(prefs),
	}).Info("Restored notifications")
	return nil
}

func cloneNotification(n *models.Notification) *models.Notification {
	c := *n
	if n.Data != nil {
		c.Data = make(map[string]any, len(n.Data))
		for k, v := range n.Data {
			c.Data[k] = v
		}
	}
	if n.Actions != nil {
		c.Actions = append([]models.NotificationAction(nil), n.Actions...)
	}
	if n.ReadAt != nil {
		t := *n.ReadAt
		c.ReadAt = &t
	}
	if n.ExpiresAt != nil {
		t := *n.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}
