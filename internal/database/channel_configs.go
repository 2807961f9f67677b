package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"omnidesk/pkg/channel"
)

// SaveChannelConfig stores a tenant's channel connection. Credentials, the
// webhook secret and the verify token are encrypted when a secret is set.
func (d *Database) SaveChannelConfig(ctx context.Context, cfg channel.ChannelConfig) error {
	if cfg.CompanyID == "" || cfg.Channel == "" {
		return fmt.Errorf("company id and channel are required")
	}

	creds, err := json.Marshal(nonNilCredentials(cfg.Credentials))
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}
	settings, err := json.Marshal(nonNilSettings(cfg.Settings))
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	sealedCreds, err := d.encryptor.Encrypt(string(creds))
	if err != nil {
		return fmt.Errorf("failed to encrypt credentials: %w", err)
	}
	sealedSecret, err := d.encryptor.Encrypt(cfg.WebhookSecret)
	if err != nil {
		return fmt.Errorf("failed to encrypt webhook secret: %w", err)
	}
	sealedToken, err := d.encryptor.Encrypt(cfg.VerifyToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt verify token: %w", err)
	}

	updated := cfg.UpdatedAt
	if updated.IsZero() {
		updated = d.now()
	}
	_, err = d.db.ExecContext(ctx, UpsertChannelConfigQuery,
		cfg.CompanyID, string(cfg.Channel), sealedCreds, string(settings), sealedSecret, sealedToken, cfg.Enabled, unixMilli(updated),
	)
	if err != nil {
		return fmt.Errorf("failed to save channel config: %w", err)
	}
	return nil
}

// GetChannelConfig returns ErrNotFound when the tenant has not connected ch.
func (d *Database) GetChannelConfig(ctx context.Context, companyID string, ch channel.Type) (*channel.ChannelConfig, error) {
	row := d.db.QueryRowContext(ctx, SelectChannelConfigQuery, companyID, string(ch))
	cfg, err := d.scanChannelConfig(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("channel config %s/%s: %w", companyID, ch, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// ListChannelConfigs returns configs for one tenant, or all tenants when
// companyID is empty.
func (d *Database) ListChannelConfigs(ctx context.Context, companyID string) ([]channel.ChannelConfig, error) {
	rows, err := d.db.QueryContext(ctx, SelectChannelConfigsQuery, companyID, companyID)
	if err != nil {
		return nil, fmt.Errorf("failed to query channel configs: %w", err)
	}
	defer rows.Close()

	var out []channel.ChannelConfig
	for rows.Next() {
		cfg, err := d.scanChannelConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate channel configs: %w", err)
	}
	return out, nil
}

func (d *Database) DeleteChannelConfig(ctx context.Context, companyID string, ch channel.Type) error {
	res, err := d.db.ExecContext(ctx, DeleteChannelConfigQuery, companyID, string(ch))
	if err != nil {
		return fmt.Errorf("failed to delete channel config: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("channel config %s/%s: %w", companyID, ch, ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (d *Database) scanChannelConfig(row rowScanner) (*channel.ChannelConfig, error) {
	var (
		cfg                       channel.ChannelConfig
		chName                    string
		sealedCreds, settings     string
		sealedSecret, sealedToken string
		updatedMs                 int64
	)
	if err := row.Scan(&cfg.CompanyID, &chName, &sealedCreds, &settings, &sealedSecret, &sealedToken, &cfg.Enabled, &updatedMs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan channel config: %w", err)
	}
	cfg.Channel = channel.Type(chName)
	cfg.UpdatedAt = time.UnixMilli(updatedMs).UTC()

	creds, err := d.encryptor.Decrypt(sealedCreds)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt credentials: %w", err)
	}
	if err := json.Unmarshal([]byte(creds), &cfg.Credentials); err != nil {
		return nil, fmt.Errorf("failed to decode credentials: %w", err)
	}
	if err := json.Unmarshal([]byte(settings), &cfg.Settings); err != nil {
		return nil, fmt.Errorf("failed to decode settings: %w", err)
	}
	if cfg.WebhookSecret, err = d.encryptor.Decrypt(sealedSecret); err != nil {
		return nil, fmt.Errorf("failed to decrypt webhook secret: %w", err)
	}
	if cfg.VerifyToken, err = d.encryptor.Decrypt(sealedToken); err != nil {
		return nil, fmt.Errorf("failed to decrypt verify token: %w", err)
	}
	return &cfg, nil
}

func nonNilCredentials(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func nonNilSettings(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
