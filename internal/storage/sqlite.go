package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

var sqliteDialect = dialect{
	schema: []string{
		`CREATE TABLE IF NOT EXISTS configurations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			config_key TEXT NOT NULL UNIQUE,
			config_value TEXT NOT NULL,
			value_type TEXT NOT NULL DEFAULT 'string' CHECK (value_type IN ('string', 'int', 'bool', 'duration')),
			category TEXT NOT NULL,
			description TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_configurations_category ON configurations(category)`,
		`CREATE TABLE IF NOT EXISTS channel_settings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			channel_id TEXT NOT NULL UNIQUE,
			llm_provider TEXT NOT NULL DEFAULT '',
			updated_by TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
	},
	upsertConfiguration: `
		INSERT INTO configurations (config_key, config_value, value_type, category, description, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(config_key) DO UPDATE SET
			config_value = excluded.config_value,
			value_type = excluded.value_type,
			category = excluded.category,
			description = excluded.description,
			updated_at = excluded.updated_at`,
	upsertChannelSetting: `
		INSERT INTO channel_settings (channel_id, llm_provider, updated_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(channel_id) DO UPDATE SET
			llm_provider = excluded.llm_provider,
			updated_by = excluded.updated_by,
			updated_at = excluded.updated_at`,
}

var _ StorageService = (*SQLiteStorageService)(nil)

// SQLiteStorageService implements StorageService on a local SQLite file
type SQLiteStorageService struct {
	sqlStore
	dbPath string
}

// NewSQLiteStorageService creates a new SQLite storage service
func NewSQLiteStorageService(dbPath string) *SQLiteStorageService {
	return &SQLiteStorageService{
		sqlStore: sqlStore{dialect: sqliteDialect},
		dbPath:   dbPath,
	}
}

// Initialize creates the database file if needed, then the schema
func (s *SQLiteStorageService) Initialize(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.dbPath), 0755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", s.dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// one writer at a time avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if err := s.open(ctx, db); err != nil {
		db.Close()
		return err
	}
	return nil
}
