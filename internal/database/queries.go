package database

// Escalation queries
const (
	UpsertEscalationQuery = `
		INSERT INTO escalations (
			id, conversation_id, company_id, status, priority, reason,
			assigned_to_id, data, created_at, updated_at, resolved_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			priority = excluded.priority,
			reason = excluded.reason,
			assigned_to_id = excluded.assigned_to_id,
			data = excluded.data,
			updated_at = excluded.updated_at,
			resolved_at = excluded.resolved_at
	`

	SelectEscalationByIDQuery = `SELECT data FROM escalations WHERE id = ?`

	SelectLiveEscalationsQuery = `
		SELECT data FROM escalations
		WHERE status IN ('pending', 'queued', 'assigned', 'active')
		ORDER BY created_at ASC
	`

	SelectEscalationsByCompanyQuery = `
		SELECT data FROM escalations
		WHERE company_id = ? AND (? = '' OR status = ?)
		ORDER BY created_at DESC
		LIMIT ?
	`

	DeleteTerminalEscalationsQuery = `
		DELETE FROM escalations
		WHERE status IN ('resolved', 'cancelled', 'timeout') AND resolved_at < ?
	`
)

// Notification queries
const (
	UpsertNotificationQuery = `
		INSERT INTO notifications (
			id, recipient_type, recipient_id, company_id, type, read, data, created_at, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			read = excluded.read,
			data = excluded.data,
			expires_at = excluded.expires_at
	`

	DeleteNotificationQuery = `DELETE FROM notifications WHERE id = ?`

	SelectActiveNotificationsQuery = `
		SELECT data FROM notifications
		WHERE expires_at IS NULL OR expires_at > ?
		ORDER BY created_at ASC
	`

	DeleteExpiredNotificationsQuery = `DELETE FROM notifications WHERE expires_at IS NOT NULL AND expires_at <= ?`

	UpsertPreferencesQuery = `
		INSERT INTO notification_preferences (recipient_key, data, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(recipient_key) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
	`

	SelectPreferencesQuery = `SELECT data FROM notification_preferences ORDER BY recipient_key`
)

// Channel config queries
const (
	UpsertChannelConfigQuery = `
		INSERT INTO channel_configs (
			company_id, channel, credentials, settings, webhook_secret, verify_token, enabled, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(company_id, channel) DO UPDATE SET
			credentials = excluded.credentials,
			settings = excluded.settings,
			webhook_secret = excluded.webhook_secret,
			verify_token = excluded.verify_token,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	SelectChannelConfigQuery = `
		SELECT company_id, channel, credentials, settings, webhook_secret, verify_token, enabled, updated_at
		FROM channel_configs
		WHERE company_id = ? AND channel = ?
	`

	SelectChannelConfigsQuery = `
		SELECT company_id, channel, credentials, settings, webhook_secret, verify_token, enabled, updated_at
		FROM channel_configs
		WHERE ? = '' OR company_id = ?
		ORDER BY company_id, channel
	`

	DeleteChannelConfigQuery = `DELETE FROM channel_configs WHERE company_id = ? AND channel = ?`
)
