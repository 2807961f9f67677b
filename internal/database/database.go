// Package database is the SQLite store behind escalations, notifications and
// per-tenant channel configuration.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"omnidesk/internal/migrations"
	"omnidesk/internal/retry"
	"omnidesk/internal/security"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// ErrNotFound is returned by single-row lookups that match nothing.
var ErrNotFound = errors.New("record not found")

type Database struct {
	db        *sql.DB
	encryptor *Encryptor
	logger    *logrus.Logger
	backoff   *retry.Backoff
	now       func() time.Time
}

type Option func(*options)

type options struct {
	secret  string
	logger  *logrus.Logger
	backoff *retry.BackoffConfig
	now     func() time.Time
}

// WithEncryptionSecret enables at-rest encryption of channel secrets.
func WithEncryptionSecret(secret string) Option {
	return func(o *options) { o.secret = secret }
}

func WithLogger(logger *logrus.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithBackoff overrides the retry policy used while opening the database.
func WithBackoff(cfg retry.BackoffConfig) Option {
	return func(o *options) { o.backoff = &cfg }
}

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New opens (creating if needed) the SQLite file at dbPath and applies
// pending migrations.
func New(dbPath string, opts ...Option) (*Database, error) {
	o := options{logger: logrus.New(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	if err := security.ValidateFilePath(dbPath); err != nil {
		return nil, fmt.Errorf("invalid database path: %w", err)
	}

	encryptor, err := NewEncryptor(o.secret)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize encryptor: %w", err)
	}

	file, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create database file: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("failed to close database file: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite has a single writer.
	db.SetMaxOpenConns(1)

	backoffCfg := defaultBackoff()
	if o.backoff != nil {
		backoffCfg = *o.backoff
	}
	d := &Database{
		db:        db,
		encryptor: encryptor,
		logger:    o.logger,
		backoff:   retry.NewBackoff(backoffCfg),
		now:       o.now,
	}

	ctx := context.Background()
	if err := retryableDBOperation(ctx, d.backoff, "ping database", func(ctx context.Context) error {
		return db.PingContext(ctx)
	}); err != nil {
		return nil, closeOnError(db, err)
	}

	if _, err := d.Migrate(ctx); err != nil {
		return nil, closeOnError(db, err)
	}
	return d, nil
}

func closeOnError(db *sql.DB, err error) error {
	if closeErr := db.Close(); closeErr != nil {
		return fmt.Errorf("%w (close error: %v)", err, closeErr)
	}
	return err
}

// Migrate applies pending embedded migrations and returns their versions.
func (d *Database) Migrate(ctx context.Context) ([]int, error) {
	var applied []int
	err := retryableDBOperation(ctx, d.backoff, "apply migrations", func(ctx context.Context) error {
		ran, err := migrations.Apply(ctx, d.db)
		applied = append(applied, ran...)
		return err
	})
	if err != nil {
		return applied, err
	}
	if len(applied) > 0 {
		d.logger.WithField("versions", applied).Info("Applied database migrations")
	}
	return applied, nil
}

// SchemaVersions lists the applied migration versions in ascending order.
func (d *Database) SchemaVersions(ctx context.Context) ([]int, error) {
	applied, err := migrations.Applied(ctx, d.db)
	if err != nil {
		return nil, err
	}
	versions := make([]int, 0, len(applied))
	for v := range applied {
		versions = append(versions, v)
	}
	sort.Ints(versions)
	return versions, nil
}

// EncryptionEnabled reports whether channel secrets are sealed at rest.
func (d *Database) EncryptionEnabled() bool {
	return d.encryptor.Enabled()
}

func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func (d *Database) Close() error {
	return d.db.Close()
}

func unixMilli(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func nullableMilli(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: unixMilli(*t), Valid: true}
}
