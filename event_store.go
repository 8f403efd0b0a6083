// event_store.go: durable mirrors of the lifecycle event log
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package supervisor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/agilira/argus"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS lifecycle_events(
	id TEXT PRIMARY KEY,
	sequence INTEGER NOT NULL,
	extension TEXT NOT NULL,
	type TEXT NOT NULL,
	ts INTEGER NOT NULL,
	actor TEXT,
	success INTEGER NOT NULL,
	error TEXT,
	correlation_id TEXT,
	details TEXT
);
CREATE INDEX IF NOT EXISTS idx_lifecycle_events_extension ON lifecycle_events(extension, sequence);`

// SQLiteEventStore appends events to a local sqlite database.
type SQLiteEventStore struct {
	db *sql.DB
}

// OpenSQLiteEventStore opens (or creates) the database at dsn. A plain path is
// turned into a file URI with a busy timeout.
func OpenSQLiteEventStore(ctx context.Context, dsn string) (*SQLiteEventStore, error) {
	if dsn == "" {
		return nil, NewEventStoreError("sqlite dsn is empty", fmt.Errorf("missing dsn"))
	}
	if !strings.HasPrefix(dsn, "file:") && dsn != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o750); err != nil {
			return nil, NewEventStoreError("create sqlite directory", err)
		}
		dsn = "file:" + dsn + "?_pragma=busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, NewEventStoreError("open sqlite", err)
	}
	// sqlite serializes writers; one connection also keeps :memory: databases alive.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, NewEventStoreError("ping sqlite", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, NewEventStoreError("create sqlite schema", err)
	}
	return &SQLiteEventStore{db: db}, nil
}

// AppendEvent inserts one event. Re-appending the same ID is ignored.
func (s *SQLiteEventStore) AppendEvent(ctx context.Context, ev LifecycleEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO lifecycle_events(id, sequence, extension, type, ts, actor, success, error, correlation_id, details) VALUES(?,?,?,?,?,?,?,?,?,?)`,
		ev.ID, int64(ev.Sequence), ev.Extension, string(ev.Type), ev.Timestamp.UnixNano(),
		ev.Actor, boolToInt(ev.Success), ev.Error, ev.CorrelationID, ev.detailsJSON())
	return err
}

// Events reads back the persisted events of an extension in sequence order. An
// empty extension reads every event.
func (s *SQLiteEventStore) Events(ctx context.Context, extension string) ([]LifecycleEvent, error) {
	query := `SELECT id, sequence, extension, type, ts, actor, success, error, correlation_id, details FROM lifecycle_events`
	args := []any{}
	if extension != "" {
		query += ` WHERE extension = ?`
		args = append(args, extension)
	}
	query += ` ORDER BY sequence`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, NewEventStoreError("query sqlite", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]LifecycleEvent, 0)
	for rows.Next() {
		var (
			ev                          LifecycleEvent
			seq, ts, success            int64
			typ                         string
			actor, errText, corr, extra sql.NullString
		)
		if err := rows.Scan(&ev.ID, &seq, &ev.Extension, &typ, &ts, &actor, &success, &errText, &corr, &extra); err != nil {
			return nil, NewEventStoreError("scan sqlite row", err)
		}
		ev.Sequence = uint64(seq) // #nosec G115 -- sequences are written from uint64 values
		ev.Type = EventType(typ)
		ev.Timestamp = time.Unix(0, ts)
		ev.Actor = actor.String
		ev.Success = success != 0
		ev.Error = errText.String
		ev.CorrelationID = corr.String
		if extra.Valid && extra.String != "" {
			_ = json.Unmarshal([]byte(extra.String), &ev.Details)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, NewEventStoreError("iterate sqlite rows", err)
	}
	return out, nil
}

// Close closes the database.
func (s *SQLiteEventStore) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// eventRecord is the gorm model of a persisted event.
type eventRecord struct {
	ID            string `gorm:"primaryKey;size:36"`
	Sequence      uint64 `gorm:"index"`
	Extension     string `gorm:"size:128;index"`
	Type          string `gorm:"size:64"`
	Timestamp     time.Time
	Actor         string `gorm:"size:64"`
	Success       bool
	Error         string `gorm:"type:text"`
	CorrelationID string `gorm:"size:36;index"`
	Details       string `gorm:"type:text"`
}

func (eventRecord) TableName() string { return "lifecycle_events" }

// GormEventStore appends events through gorm. It is used for MySQL.
type GormEventStore struct {
	db *gorm.DB
}

// OpenMySQLEventStore connects to MySQL and migrates the events table.
func OpenMySQLEventStore(dsn string) (*GormEventStore, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, NewEventStoreError("open mysql", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, NewEventStoreError("mysql handle", err)
	}
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetMaxOpenConns(4)
	return NewGormEventStore(db, true)
}

// NewGormEventStore wraps an existing gorm handle. migrate creates the events
// table when missing.
func NewGormEventStore(db *gorm.DB, migrate bool) (*GormEventStore, error) {
	if migrate {
		if err := db.AutoMigrate(&eventRecord{}); err != nil {
			return nil, NewEventStoreError("migrate events table", err)
		}
	}
	return &GormEventStore{db: db}, nil
}

// AppendEvent inserts one event.
func (s *GormEventStore) AppendEvent(ctx context.Context, ev LifecycleEvent) error {
	rec := eventRecord{
		ID:            ev.ID,
		Sequence:      ev.Sequence,
		Extension:     ev.Extension,
		Type:          string(ev.Type),
		Timestamp:     ev.Timestamp,
		Actor:         ev.Actor,
		Success:       ev.Success,
		Error:         ev.Error,
		CorrelationID: ev.CorrelationID,
		Details:       ev.detailsJSON(),
	}
	return s.db.WithContext(ctx).Create(&rec).Error
}

// Close closes the underlying connection pool.
func (s *GormEventStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// AuditEventStore writes every event to an argus audit trail.
type AuditEventStore struct {
	audit *argus.AuditLogger
}

// NewAuditEventStore opens an audit trail at path.
func NewAuditEventStore(path string) (*AuditEventStore, error) {
	if path == "" {
		return nil, NewEventStoreError("audit file is empty", fmt.Errorf("missing path"))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, NewEventStoreError("create audit directory", err)
	}
	audit, err := argus.NewAuditLogger(argus.AuditConfig{
		Enabled:       true,
		OutputFile:    path,
		MinLevel:      argus.AuditInfo,
		BufferSize:    256,
		FlushInterval: time.Second,
	})
	if err != nil {
		return nil, NewEventStoreError("open audit trail", err)
	}
	return &AuditEventStore{audit: audit}, nil
}

// AppendEvent records the event as an audit entry.
func (s *AuditEventStore) AppendEvent(_ context.Context, ev LifecycleEvent) error {
	fields := map[string]interface{}{
		"event_id":  ev.ID,
		"sequence":  ev.Sequence,
		"extension": ev.Extension,
		"actor":     ev.Actor,
		"success":   ev.Success,
		"timestamp": ev.Timestamp.Format(time.RFC3339Nano),
	}
	if ev.Error != "" {
		fields["error"] = ev.Error
	}
	if ev.CorrelationID != "" {
		fields["correlation_id"] = ev.CorrelationID
	}
	for k, v := range ev.Details {
		fields["detail_"+k] = v
	}
	s.audit.LogSecurityEvent(string(ev.Type), "Extension lifecycle event", fields)
	return nil
}

// Close flushes and closes the audit trail.
func (s *AuditEventStore) Close() error {
	return s.audit.Close()
}

// OpenEventStores builds the stores selected by the configuration.
func OpenEventStores(ctx context.Context, cfg EventStoreConfig) ([]EventStore, error) {
	stores := make([]EventStore, 0, 2)
	closeAll := func() {
		for _, s := range stores {
			_ = s.Close()
		}
	}

	switch cfg.Driver {
	case "", "memory":
	case "sqlite":
		s, err := OpenSQLiteEventStore(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		stores = append(stores, s)
	case "mysql":
		s, err := OpenMySQLEventStore(cfg.DSN)
		if err != nil {
			return nil, err
		}
		stores = append(stores, s)
	default:
		return nil, NewConfigValidationError(fmt.Sprintf("unknown event store driver %q", cfg.Driver))
	}

	if cfg.AuditFile != "" {
		s, err := NewAuditEventStore(cfg.AuditFile)
		if err != nil {
			closeAll()
			return nil, err
		}
		stores = append(stores, s)
	}
	return stores, nil
}
