package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const (
	configurationColumns  = "id, config_key, config_value, value_type, category, description, created_at, updated_at"
	channelSettingColumns = "id, channel_id, llm_provider, updated_by, created_at, updated_at"
)

// dialect holds the SQL that differs between backends
type dialect struct {
	schema               []string
	upsertConfiguration  string
	upsertChannelSetting string
}

// sqlStore implements the StorageService queries over database/sql.
// Backends open the connection and supply their dialect and retry policy.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
	stmts   map[string]*sql.Stmt
	retry   func(ctx context.Context, op func() error) error
}

func (s *sqlStore) open(ctx context.Context, db *sql.DB) error {
	s.db = db

	for _, stmt := range s.dialect.schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create tables: %w", err)
		}
	}

	queries := map[string]string{
		"get_configuration":              "SELECT " + configurationColumns + " FROM configurations WHERE config_key = ?",
		"get_configurations_by_category": "SELECT " + configurationColumns + " FROM configurations WHERE category = ? ORDER BY config_key",
		"get_all_configurations":         "SELECT " + configurationColumns + " FROM configurations ORDER BY category, config_key",
		"delete_configuration":           "DELETE FROM configurations WHERE config_key = ?",
		"upsert_configuration":           s.dialect.upsertConfiguration,
		"get_channel_setting":            "SELECT " + channelSettingColumns + " FROM channel_settings WHERE channel_id = ?",
		"get_all_channel_settings":       "SELECT " + channelSettingColumns + " FROM channel_settings ORDER BY channel_id",
		"upsert_channel_setting":         s.dialect.upsertChannelSetting,
	}

	s.stmts = make(map[string]*sql.Stmt, len(queries))
	for name, query := range queries {
		stmt, err := db.PrepareContext(ctx, query)
		if err != nil {
			return fmt.Errorf("failed to prepare statement %s: %w", name, err)
		}
		s.stmts[name] = stmt
	}
	return nil
}

func (s *sqlStore) stmt(name string) (*sql.Stmt, error) {
	stmt := s.stmts[name]
	if stmt == nil {
		return nil, fmt.Errorf("%s statement not prepared", name)
	}
	return stmt, nil
}

func (s *sqlStore) do(ctx context.Context, op func() error) error {
	if s.retry == nil {
		return op()
	}
	return s.retry(ctx, op)
}

// Close closes the prepared statements and the database connection
func (s *sqlStore) Close() error {
	for _, stmt := range s.stmts {
		stmt.Close()
	}
	s.stmts = nil

	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// HealthCheck verifies that the database connection is working
func (s *sqlStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database connection is nil")
	}

	return s.do(ctx, func() error {
		if err := s.db.PingContext(ctx); err != nil {
			return fmt.Errorf("database ping failed: %w", err)
		}
		if _, err := s.db.ExecContext(ctx, "SELECT COUNT(*) FROM configurations"); err != nil {
			return fmt.Errorf("database health check query failed: %w", err)
		}
		return nil
	})
}

func (s *sqlStore) GetConfiguration(ctx context.Context, key string) (*Configuration, error) {
	stmt, err := s.stmt("get_configuration")
	if err != nil {
		return nil, err
	}

	var config *Configuration
	err = s.do(ctx, func() error {
		var scanErr error
		config, scanErr = scanConfiguration(stmt.QueryRowContext(ctx, key))
		return scanErr
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get configuration %s: %w", key, err)
	}
	return config, nil
}

func (s *sqlStore) UpsertConfiguration(ctx context.Context, config *Configuration) error {
	if err := validateConfiguration(config); err != nil {
		return err
	}
	stmt, err := s.stmt("upsert_configuration")
	if err != nil {
		return err
	}

	now := time.Now().Unix()
	config.UpdatedAt = now
	if config.CreatedAt == 0 {
		config.CreatedAt = now
	}

	return s.do(ctx, func() error {
		_, err := stmt.ExecContext(ctx,
			config.Key, config.Value, config.Type, config.Category, config.Description,
			config.CreatedAt, config.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to upsert configuration %s: %w", config.Key, err)
		}
		return nil
	})
}

func (s *sqlStore) GetConfigurationsByCategory(ctx context.Context, category string) ([]*Configuration, error) {
	return s.queryConfigurations(ctx, "get_configurations_by_category", category)
}

func (s *sqlStore) GetAllConfigurations(ctx context.Context) ([]*Configuration, error) {
	return s.queryConfigurations(ctx, "get_all_configurations")
}

func (s *sqlStore) queryConfigurations(ctx context.Context, name string, args ...any) ([]*Configuration, error) {
	stmt, err := s.stmt(name)
	if err != nil {
		return nil, err
	}

	var configs []*Configuration
	err = s.do(ctx, func() error {
		rows, err := stmt.QueryContext(ctx, args...)
		if err != nil {
			return err
		}
		configs, err = collectConfigurations(rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query configurations: %w", err)
	}
	return configs, nil
}

func (s *sqlStore) DeleteConfiguration(ctx context.Context, key string) error {
	stmt, err := s.stmt("delete_configuration")
	if err != nil {
		return err
	}

	var affected int64
	err = s.do(ctx, func() error {
		result, err := stmt.ExecContext(ctx, key)
		if err != nil {
			return err
		}
		affected, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to delete configuration %s: %w", key, err)
	}
	if affected == 0 {
		return fmt.Errorf("configuration with key %s not found", key)
	}
	return nil
}

func (s *sqlStore) GetChannelSetting(ctx context.Context, channelID string) (*ChannelSetting, error) {
	stmt, err := s.stmt("get_channel_setting")
	if err != nil {
		return nil, err
	}

	var setting *ChannelSetting
	err = s.do(ctx, func() error {
		var scanErr error
		setting, scanErr = scanChannelSetting(stmt.QueryRowContext(ctx, channelID))
		return scanErr
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get channel setting %s: %w", channelID, err)
	}
	return setting, nil
}

func (s *sqlStore) UpsertChannelSetting(ctx context.Context, setting *ChannelSetting) error {
	if err := validateChannelSetting(setting); err != nil {
		return err
	}
	stmt, err := s.stmt("upsert_channel_setting")
	if err != nil {
		return err
	}

	now := time.Now().Unix()
	setting.UpdatedAt = now
	if setting.CreatedAt == 0 {
		setting.CreatedAt = now
	}

	return s.do(ctx, func() error {
		_, err := stmt.ExecContext(ctx,
			setting.ChannelID, setting.LLMProvider, setting.UpdatedBy,
			setting.CreatedAt, setting.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to upsert channel setting %s: %w", setting.ChannelID, err)
		}
		return nil
	})
}

func (s *sqlStore) GetAllChannelSettings(ctx context.Context) ([]*ChannelSetting, error) {
	stmt, err := s.stmt("get_all_channel_settings")
	if err != nil {
		return nil, err
	}

	var settings []*ChannelSetting
	err = s.do(ctx, func() error {
		rows, err := stmt.QueryContext(ctx)
		if err != nil {
			return err
		}
		settings, err = collectChannelSettings(rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query channel settings: %w", err)
	}
	return settings, nil
}
