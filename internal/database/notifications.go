package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"omnidesk/internal/models"
)

func (d *Database) SaveNotification(ctx context.Context, n *models.Notification) error {
	if n == nil || n.ID == "" {
		return fmt.Errorf("notification id is required")
	}
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	_, err = d.db.ExecContext(ctx, UpsertNotificationQuery,
		n.ID, string(n.Recipient.Type), n.Recipient.ID, n.CompanyID, string(n.Type), n.Read,
		string(data), unixMilli(n.CreatedAt), nullableMilli(n.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save notification: %w", err)
	}
	return nil
}

func (d *Database) DeleteNotification(ctx context.Context, id string) error {
	if _, err := d.db.ExecContext(ctx, DeleteNotificationQuery, id); err != nil {
		return fmt.Errorf("failed to delete notification: %w", err)
	}
	return nil
}

// ListActiveNotifications returns notifications not expired at now, oldest first.
func (d *Database) ListActiveNotifications(ctx context.Context, now time.Time) ([]*models.Notification, error) {
	rows, err := d.db.QueryContext(ctx, SelectActiveNotificationsQuery, unixMilli(now))
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer rows.Close()

	var out []*models.Notification
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		var n models.Notification
		if err := json.Unmarshal([]byte(data), &n); err != nil {
			return nil, fmt.Errorf("failed to decode notification: %w", err)
		}
		out = append(out, &n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate notifications: %w", err)
	}
	return out, nil
}

func (d *Database) DeleteExpiredNotifications(ctx context.Context, now time.Time) (int64, error) {
	res, err := d.db.ExecContext(ctx, DeleteExpiredNotificationsQuery, unixMilli(now))
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired notifications: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return n, nil
}

func (d *Database) SavePreferences(ctx context.Context, prefs models.NotificationPreferences) error {
	if !prefs.Recipient.Valid() {
		return fmt.Errorf("invalid preferences recipient %q", prefs.Recipient.Key())
	}
	data, err := json.Marshal(prefs)
	if err != nil {
		return fmt.Errorf("failed to marshal preferences: %w", err)
	}
	if _, err := d.db.ExecContext(ctx, UpsertPreferencesQuery, prefs.Recipient.Key(), string(data), unixMilli(d.now())); err != nil {
		return fmt.Errorf("failed to save preferences: %w", err)
	}
	return nil
}

func (d *Database) ListPreferences(ctx context.Context) ([]models.NotificationPreferences, error) {
	rows, err := d.db.QueryContext(ctx, SelectPreferencesQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to query preferences: %w", err)
	}
	defer rows.Close()

	var out []models.NotificationPreferences
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan preferences: %w", err)
		}
		var prefs models.NotificationPreferences
		if err := json.Unmarshal([]byte(data), &prefs); err != nil {
			return nil, fmt.Errorf("failed to decode preferences: %w", err)
		}
		out = append(out, prefs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate preferences: %w", err)
	}
	return out, nil
}
