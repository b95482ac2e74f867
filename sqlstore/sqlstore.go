// Package sqlstore provides gorm backed implementations of the durable
// persistence interfaces the core consumes - the event log, the snapshot
// store, the projection store and the subscription checkpoint store.
// Either sqlite or postgres can be used as backing storage
package sqlstore

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// Cfg represents sql store configuration
type Cfg struct {
	PostgresDSN string
	SQLitePath  string
}

// Option represents sql store configuration option
type Option func(Cfg) Cfg

// WithPostgresDB configures postgres as a backing storage (pgx driver)
func WithPostgresDB(dsn string) Option {
	return func(cfg Cfg) Cfg {
		cfg.PostgresDSN = dsn

		return cfg
	}
}

// WithSQLiteDB configures sqlite as a backing storage
// path - a path to sqlite database on disk (or a :memory: dsn)
func WithSQLiteDB(path string) Option {
	return func(cfg Cfg) Cfg {
		cfg.SQLitePath = path

		return cfg
	}
}

// Open opens the underlying database and migrates the schema for all
// bundled stores
func Open(opts ...Option) (*DB, error) {
	var cfg Cfg

	for _, opt := range opts {
		cfg = opt(cfg)
	}

	if cfg.PostgresDSN == "" && cfg.SQLitePath == "" {
		return nil, fmt.Errorf("either postgres dsn or sqlite path must be provided")
	}

	var dial gorm.Dialector

	if cfg.PostgresDSN != "" {
		dial = postgres.Open(cfg.PostgresDSN)
	}

	if cfg.SQLitePath != "" {
		dial = sqlite.Open(cfg.SQLitePath)
	}

	db, err := gorm.Open(dial, &gorm.Config{})
	if err != nil {
		return nil, err
	}

	err = db.AutoMigrate(
		&gormEvent{},
		&gormSnapshot{},
		&gormProjection{},
		&gormCheckpoint{},
	)
	if err != nil {
		return nil, err
	}

	return &DB{db: db}, nil
}

// DB wraps the shared gorm handle the individual stores are built on
type DB struct {
	db *gorm.DB
}

// Close should be called as a part of cleanup process
// in order to close the underlying sql connection
func (d *DB) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}

	return sqlDB.Close()
}

// EventLog returns the durable event log backed by this database
func (d *DB) EventLog() *EventLog { return &EventLog{db: d.db} }

// SnapshotStore returns the durable snapshot store backed by this database
func (d *DB) SnapshotStore() *SnapshotStore { return &SnapshotStore{db: d.db} }

// ProjectionStore returns the durable projection store backed by this database
func (d *DB) ProjectionStore() *ProjectionStore { return &ProjectionStore{db: d.db} }

// CheckpointStore returns the durable checkpoint store backed by this database
func (d *DB) CheckpointStore() *CheckpointStore { return &CheckpointStore{db: d.db} }
