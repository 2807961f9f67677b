package notification

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"omnidesk/internal/models"
	"omnidesk/internal/push"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) SaveNotification(ctx context.Context, n *models.Notification) error {
	return m.Called(ctx, n).Error(0)
}

func (m *mockStore) DeleteNotification(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockStore) ListActiveNotifications(ctx context.Context, now time.Time) ([]*models.Notification, error) {
	args := m.Called(ctx, now)
	items, _ := args.Get(0).([]*models.Notification)
	return items, args.Error(1)
}

func (m *mockStore) DeleteExpiredNotifications(ctx context.Context, now time.Time) (int64, error) {
	args := m.Called(ctx, now)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockStore) SavePreferences(ctx context.Context, prefs models.NotificationPreferences) error {
	return m.Called(ctx, prefs).Error(0)
}

func (m *mockStore) ListPreferences(ctx context.Context) ([]models.NotificationPreferences, error) {
	args := m.Called(ctx)
	prefs, _ := args.Get(0).([]models.NotificationPreferences)
	return prefs, args.Error(1)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func (c *clock) Advance(d time.Duration) { c.Set(c.Now().Add(d)) }

var agent1 = models.Recipient{Type: models.RecipientAgent, ID: "a1"}

func newTestService(t *testing.T, store Store, opts Options) (*Service, *clock, *push.Recorder) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	c := &clock{now: time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)}
	rec := &push.Recorder{}
	return NewService(store, rec, nil, logger, opts, WithClock(c.Now)), c, rec
}

func TestSend_PushesAndCounts(t *testing.T) {
	s, _, rec := newTestService(t, nil, Options{})
	ctx := context.Background()

	n, err := s.Send(ctx, Request{Type: models.NotificationAssignment, Recipient: agent1, CompanyID: "acme", Title: "hi"})
	require.NoError(t, err)
	assert.NotEmpty(t, n.ID)
	assert.True(t, n.Delivered)
	assert.Equal(t, models.PriorityNormal, n.Priority)
	require.NotNil(t, n.ExpiresAt)
	assert.Equal(t, 72*time.Hour, n.ExpiresAt.Sub(n.CreatedAt))
	assert.True(t, n.Sound)

	pushed := rec.OfType(models.EventNotificationNew)
	require.Len(t, pushed, 1)
	assert.Equal(t, []string{"agent:a1"}, pushed[0].Topics)
	assert.Equal(t, 1, s.UnreadCount(agent1))

	_, err = s.Send(ctx, Request{Recipient: models.Recipient{Type: "robot", ID: "x"}})
	assert.ErrorIs(t, err, ErrInvalidRecipient)
}

func TestSend_DisabledTypeStoredNotPushed(t *testing.T) {
	s, _, rec := newTestService(t, nil, Options{})
	ctx := context.Background()

	prefs := models.DefaultPreferences(agent1)
	prefs.Types = map[models.NotificationType]bool{models.NotificationNewMessage: false}
	require.NoError(t, s.SetPreferences(ctx, prefs))

	n, err := s.NotifyNewMessage(ctx, "a1", "acme", "conv-1", "Lee", "where is my order?")
	require.NoError(t, err)
	assert.False(t, n.Delivered)
	assert.Empty(t, rec.Events())
	assert.Equal(t, 1, s.UnreadCount(agent1))
	assert.Len(t, s.List(agent1, ListOptions{}), 1)

	// re-enabling does not deliver what was suppressed
	require.NoError(t, s.SetPreferences(ctx, models.DefaultPreferences(agent1)))
	assert.Empty(t, rec.Events())

	_, err = s.NotifyNewMessage(ctx, "a1", "acme", "conv-1", "Lee", "hello?")
	require.NoError(t, err)
	assert.Len(t, rec.OfType(models.EventNotificationNew), 1)
	assert.Equal(t, 2, s.UnreadCount(agent1))
}

func TestSend_GloballyDisabled(t *testing.T) {
	s, _, rec := newTestService(t, nil, Options{})
	prefs := models.DefaultPreferences(agent1)
	prefs.Enabled = false
	require.NoError(t, s.SetPreferences(context.Background(), prefs))

	n, err := s.Send(context.Background(), Request{Type: models.NotificationSystem, Recipient: agent1, Priority: models.PriorityUrgent})
	require.NoError(t, err)
	assert.False(t, n.Delivered)
	assert.Empty(t, rec.Events())
}

func TestSend_SoundHints(t *testing.T) {
	s, _, _ := newTestService(t, nil, Options{})
	ctx := context.Background()
	esc := &models.Escalation{ID: "e1", ConversationID: "c1", CompanyID: "acme", Reason: models.ReasonUserRequest, Priority: models.PriorityUrgent}

	n, err := s.Send(ctx, Request{Recipient: agent1, Title: "plain"})
	require.NoError(t, err)
	assert.True(t, n.Sound)
	assert.Equal(t, models.SoundDefault, n.SoundName)

	n, err = s.NotifyEscalation(ctx, esc)
	require.NoError(t, err)
	assert.Equal(t, models.SoundUrgent, n.SoundName)

	esc.Priority = models.PriorityNormal
	n, err = s.NotifyAssignment(ctx, "a1", esc)
	require.NoError(t, err)
	assert.Equal(t, models.SoundAssignment, n.SoundName)

	n, err = s.Send(ctx, Request{Recipient: agent1, Sound: models.SoundSilent})
	require.NoError(t, err)
	assert.False(t, n.Sound)
	assert.Empty(t, n.SoundName)

	prefs := models.DefaultPreferences(agent1)
	prefs.Sound = false
	require.NoError(t, s.SetPreferences(ctx, prefs))
	n, err = s.Send(ctx, Request{Recipient: agent1, Sound: models.SoundUrgent, Priority: models.PriorityUrgent})
	require.NoError(t, err)
	assert.False(t, n.Sound)
	assert.Empty(t, n.SoundName)
	assert.True(t, n.Delivered)
}

func TestQuietHours(t *testing.T) {
	tests := []struct {
		name     string
		quiet    models.QuietHours
		at       time.Time
		priority models.Priority
		want     bool
	}{
		{"inside wrapping window", models.QuietHours{Enabled: true, Start: "22:00", End: "07:00"}, time.Date(2026, 5, 4, 23, 30, 0, 0, time.UTC), "", false},
		{"after midnight", models.QuietHours{Enabled: true, Start: "22:00", End: "07:00"}, time.Date(2026, 5, 4, 6, 59, 0, 0, time.UTC), "", false},
		{"end is exclusive", models.QuietHours{Enabled: true, Start: "22:00", End: "07:00"}, time.Date(2026, 5, 4, 7, 0, 0, 0, time.UTC), "", true},
		{"daytime window", models.QuietHours{Enabled: true, Start: "12:00", End: "13:00"}, time.Date(2026, 5, 4, 12, 15, 0, 0, time.UTC), "", false},
		{"outside daytime window", models.QuietHours{Enabled: true, Start: "12:00", End: "13:00"}, time.Date(2026, 5, 4, 14, 0, 0, 0, time.UTC), "", true},
		{"urgent bypasses", models.QuietHours{Enabled: true, Start: "22:00", End: "07:00"}, time.Date(2026, 5, 4, 23, 30, 0, 0, time.UTC), models.PriorityUrgent, true},
		{"disabled", models.QuietHours{Enabled: false, Start: "00:00", End: "23:59"}, time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC), "", true},
		// 20:30 UTC is 22:30 in Berlin during summer time
		{"timezone", models.QuietHours{Enabled: true, Start: "22:00", End: "07:00", Timezone: "Europe/Berlin"}, time.Date(2026, 5, 4, 20, 30, 0, 0, time.UTC), "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, c, rec := newTestService(t, nil, Options{})
			prefs := models.DefaultPreferences(agent1)
			prefs.QuietHours = tt.quiet
			require.NoError(t, s.SetPreferences(context.Background(), prefs))
			c.Set(tt.at)

			n, err := s.Send(context.Background(), Request{Type: models.NotificationAssignment, Recipient: agent1, Priority: tt.priority})
			require.NoError(t, err)
			assert.Equal(t, tt.want, n.Delivered)
			assert.Equal(t, tt.want, len(rec.Events()) == 1)
		})
	}
}

func TestSetPreferences_Validation(t *testing.T) {
	s, _, _ := newTestService(t, nil, Options{})
	ctx := context.Background()

	bad := models.DefaultPreferences(agent1)
	bad.QuietHours = models.QuietHours{Enabled: true, Start: "25:00", End: "07:00"}
	assert.Error(t, s.SetPreferences(ctx, bad))

	bad.QuietHours = models.QuietHours{Enabled: true, Start: "22:00", End: "07:00", Timezone: "Mars/Olympus"}
	assert.Error(t, s.SetPreferences(ctx, bad))

	assert.ErrorIs(t, s.SetPreferences(ctx, models.NotificationPreferences{}), ErrInvalidRecipient)
	assert.Equal(t, models.DefaultPreferences(agent1), s.GetPreferences(agent1))
}

func TestMarkAsReadIsIdempotent(t *testing.T) {
	s, _, rec := newTestService(t, nil, Options{})
	ctx := context.Background()
	n1, _ := s.Send(ctx, Request{Recipient: agent1, Title: "one"})
	n2, _ := s.Send(ctx, Request{Recipient: agent1, Title: "two"})
	_, _ = s.Send(ctx, Request{Recipient: agent1, Title: "three"})

	require.NoError(t, s.MarkAsRead(ctx, agent1, n1.ID))
	require.NoError(t, s.MarkAsRead(ctx, agent1, n1.ID))
	assert.Equal(t, 2, s.UnreadCount(agent1))
	assert.Len(t, rec.OfType(models.EventNotificationRead), 1)

	other := models.Recipient{Type: models.RecipientAgent, ID: "a2"}
	assert.ErrorIs(t, s.MarkAsRead(ctx, other, n2.ID), ErrNotFound)

	unread := s.List(agent1, ListOptions{UnreadOnly: true})
	require.Len(t, unread, 2)
	assert.Equal(t, "three", unread[0].Title)

	assert.Equal(t, 2, s.MarkAllAsRead(ctx, agent1))
	assert.Equal(t, 0, s.MarkAllAsRead(ctx, agent1))
	assert.Equal(t, 0, s.UnreadCount(agent1))

	got, err := s.Get(agent1, n2.ID)
	require.NoError(t, err)
	assert.True(t, got.Read)
	assert.NotNil(t, got.ReadAt)
}

func TestDeleteAdjustsCounter(t *testing.T) {
	s, _, _ := newTestService(t, nil, Options{})
	ctx := context.Background()
	n1, _ := s.Send(ctx, Request{Recipient: agent1, Title: "one"})
	_, _ = s.Send(ctx, Request{Recipient: agent1, Title: "two"})

	require.NoError(t, s.Delete(ctx, agent1, n1.ID))
	assert.ErrorIs(t, s.Delete(ctx, agent1, n1.ID), ErrNotFound)
	assert.Equal(t, 1, s.UnreadCount(agent1))
	assert.Len(t, s.List(agent1, ListOptions{}), 1)
}

func TestPerRecipientCap(t *testing.T) {
	s, _, _ := newTestService(t, nil, Options{MaxPerRecipient: 3})
	ctx := context.Background()
	first, _ := s.Send(ctx, Request{Recipient: agent1, Title: "0"})
	require.NoError(t, s.MarkAsRead(ctx, agent1, first.ID))
	for _, title := range []string{"1", "2", "3", "4"} {
		_, err := s.Send(ctx, Request{Recipient: agent1, Title: title})
		require.NoError(t, err)
	}

	list := s.List(agent1, ListOptions{})
	require.Len(t, list, 3)
	assert.Equal(t, "4", list[0].Title)
	assert.Equal(t, "2", list[2].Title)
	assert.Equal(t, 3, s.UnreadCount(agent1))
	assert.Len(t, s.List(agent1, ListOptions{Limit: 2}), 2)
}

func TestPurgeExpired(t *testing.T) {
	store := &mockStore{}
	store.On("SaveNotification", mock.Anything, mock.Anything).Return(nil)
	store.On("DeleteExpiredNotifications", mock.Anything, mock.Anything).Return(int64(1), nil)

	s, c, _ := newTestService(t, store, Options{TTL: time.Hour})
	ctx := context.Background()
	_, _ = s.Send(ctx, Request{Recipient: agent1, Title: "short"})
	_, _ = s.Send(ctx, Request{Recipient: agent1, Title: "forever", TTL: -1})

	c.Advance(2 * time.Hour)
	assert.Len(t, s.List(agent1, ListOptions{}), 1)
	assert.Equal(t, 1, s.PurgeExpired(ctx))
	assert.Equal(t, 1, s.UnreadCount(agent1))
	store.AssertCalled(t, "DeleteExpiredNotifications", mock.Anything, c.Now())
}

func TestStoreFailuresAreBestEffort(t *testing.T) {
	store := &mockStore{}
	store.On("SaveNotification", mock.Anything, mock.Anything).Return(errors.New("disk full"))
	store.On("SavePreferences", mock.Anything, mock.Anything).Return(errors.New("disk full"))

	s, _, rec := newTestService(t, store, Options{})
	n, err := s.Send(context.Background(), Request{Recipient: agent1, Title: "x"})
	require.NoError(t, err)
	assert.True(t, n.Delivered)
	assert.Len(t, rec.Events(), 1)
	assert.NoError(t, s.SetPreferences(context.Background(), models.DefaultPreferences(agent1)))
	store.AssertNumberOfCalls(t, "SaveNotification", 1)
}

func TestRestore(t *testing.T) {
	base := time.Date(2026, 5, 4, 11, 0, 0, 0, time.UTC)
	older := &models.Notification{ID: "n1", Recipient: agent1, Title: "older", CreatedAt: base}
	newer := &models.Notification{ID: "n2", Recipient: agent1, Title: "newer", CreatedAt: base.Add(time.Minute), Read: true}
	quiet := models.DefaultPreferences(agent1)
	quiet.Enabled = false

	store := &mockStore{}
	store.On("ListPreferences", mock.Anything).Return([]models.NotificationPreferences{quiet}, nil)
	store.On("ListActiveNotifications", mock.Anything, mock.Anything).Return([]*models.Notification{newer, older}, nil)

	s, _, _ := newTestService(t, store, Options{})
	require.NoError(t, s.Restore(context.Background()))

	list := s.List(agent1, ListOptions{})
	require.Len(t, list, 2)
	assert.Equal(t, "newer", list[0].Title)
	assert.Equal(t, 1, s.UnreadCount(agent1))
	assert.False(t, s.GetPreferences(agent1).Enabled)

	failing := &mockStore{}
	failing.On("ListPreferences", mock.Anything).Return(nil, errors.New("locked"))
	s2, _, _ := newTestService(t, failing, Options{})
	assert.Error(t, s2.Restore(context.Background()))
}

func TestBuilders(t *testing.T) {
	s, _, rec := newTestService(t, nil, Options{})
	ctx := context.Background()
	esc := &models.Escalation{ID: "e1", ConversationID: "c1", CompanyID: "acme", Reason: models.ReasonExplicitKeywords, Priority: models.PriorityHigh}

	n, err := s.NotifyAssignment(ctx, "a1", esc)
	require.NoError(t, err)
	assert.Equal(t, models.NotificationAssignment, n.Type)
	assert.Equal(t, models.PriorityHigh, n.Priority)
	assert.Equal(t, "e1", n.Data["escalationId"])
	assert.Equal(t, "Reason: explicit_keywords", n.Body)

	n, err = s.NotifyEscalation(ctx, esc)
	require.NoError(t, err)
	assert.Equal(t, models.RecipientCompany, n.Recipient.Type)

	n, err = s.NotifySLAWarning(ctx, esc, 6*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(360), n.Data["waitSeconds"])
	assert.Contains(t, n.Body, "6m0s")

	_, err = s.NotifyCustomerWaiting(ctx, "a1", esc, time.Minute)
	require.NoError(t, err)

	rec.Reset()
	require.NoError(t, s.NotifyTransfer(ctx, esc, "a1", "a2", "needs billing"))
	events := rec.OfType(models.EventNotificationNew)
	require.Len(t, events, 2)
	assert.Equal(t, []string{"agent:a2"}, events[0].Topics)
	assert.Equal(t, []string{"agent:a1"}, events[1].Topics)

	long := make([]rune, 300)
	for i := range long {
		long[i] = 'x'
	}
	n, err = s.NotifyNewMessage(ctx, "a1", "acme", "c1", "", string(long))
	require.NoError(t, err)
	assert.Equal(t, "New message", n.Title)
	assert.Len(t, []rune(n.Body), previewLength)
}
