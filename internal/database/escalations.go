package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"omnidesk/internal/models"
)

// SaveEscalation inserts or updates an escalation. The full record is kept
// as JSON; the indexed columns mirror it for queries.
func (d *Database) SaveEscalation(ctx context.Context, esc *models.Escalation) error {
	if esc == nil || esc.ID == "" {
		return fmt.Errorf("escalation id is required")
	}
	data, err := json.Marshal(esc)
	if err != nil {
		return fmt.Errorf("failed to marshal escalation: %w", err)
	}

	var assigned sql.NullString
	if esc.AssignedToID != "" {
		assigned = sql.NullString{String: esc.AssignedToID, Valid: true}
	}
	updated := esc.UpdatedAt
	if updated.IsZero() {
		updated = d.now()
	}

	_, err = d.db.ExecContext(ctx, UpsertEscalationQuery,
		esc.ID, esc.ConversationID, esc.CompanyID, string(esc.Status), string(esc.Priority), string(esc.Reason),
		assigned, string(data), unixMilli(esc.CreatedAt), unixMilli(updated), nullableMilli(esc.ResolvedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save escalation: %w", err)
	}
	return nil
}

func (d *Database) GetEscalation(ctx context.Context, id string) (*models.Escalation, error) {
	var data string
	err := d.db.QueryRowContext(ctx, SelectEscalationByIDQuery, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("escalation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get escalation: %w", err)
	}
	return decodeEscalation(data)
}

// ListLiveEscalations returns every escalation still occupying its
// conversation, oldest first.
func (d *Database) ListLiveEscalations(ctx context.Context) ([]*models.Escalation, error) {
	return d.queryEscalations(ctx, SelectLiveEscalationsQuery)
}

// ListEscalations returns a tenant's escalations newest first. An empty status
// matches all.
func (d *Database) ListEscalations(ctx context.Context, companyID string, status models.EscalationStatus, limit int) ([]*models.Escalation, error) {
	if limit <= 0 {
		limit = 100
	}
	return d.queryEscalations(ctx, SelectEscalationsByCompanyQuery, companyID, string(status), string(status), limit)
}

// DeleteTerminalEscalationsBefore removes finished escalations resolved
// before cutoff.
func (d *Database) DeleteTerminalEscalationsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := d.db.ExecContext(ctx, DeleteTerminalEscalationsQuery, unixMilli(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to delete terminal escalations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return n, nil
}

func (d *Database) queryEscalations(ctx context.Context, query string, args ...any) ([]*models.Escalation, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query escalations: %w", err)
	}
	defer rows.Close()

	var out []*models.Escalation
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan escalation: %w", err)
		}
		esc, err := decodeEscalation(data)
		if err != nil {
			return nil, err
		}
		out = append(out, esc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate escalations: %w", err)
	}
	return out, nil
}

func decodeEscalation(data string) (*models.Escalation, error) {
	var esc models.Escalation
	if err := json.Unmarshal([]byte(data), &esc); err != nil {
		return nil, fmt.Errorf("failed to decode escalation: %w", err)
	}
	return &esc, nil
}
