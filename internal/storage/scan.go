package storage

import (
	"database/sql"
	"fmt"
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConfiguration(row rowScanner) (*Configuration, error) {
	var config Configuration
	var description sql.NullString
	err := row.Scan(
		&config.ID,
		&config.Key,
		&config.Value,
		&config.Type,
		&config.Category,
		&description,
		&config.CreatedAt,
		&config.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	config.Description = description.String
	return &config, nil
}

func scanChannelSetting(row rowScanner) (*ChannelSetting, error) {
	var setting ChannelSetting
	err := row.Scan(
		&setting.ID,
		&setting.ChannelID,
		&setting.LLMProvider,
		&setting.UpdatedBy,
		&setting.CreatedAt,
		&setting.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &setting, nil
}

func collectConfigurations(rows *sql.Rows) ([]*Configuration, error) {
	defer rows.Close()

	var configs []*Configuration
	for rows.Next() {
		config, err := scanConfiguration(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan configuration: %w", err)
		}
		configs = append(configs, config)
	}
	return configs, rows.Err()
}

func collectChannelSettings(rows *sql.Rows) ([]*ChannelSetting, error) {
	defer rows.Close()

	var settings []*ChannelSetting
	for rows.Next() {
		setting, err := scanChannelSetting(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan channel setting: %w", err)
		}
		settings = append(settings, setting)
	}
	return settings, rows.Err()
}

func validateConfiguration(config *Configuration) error {
	if config == nil {
		return fmt.Errorf("configuration cannot be nil")
	}
	if config.Key == "" {
		return fmt.Errorf("configuration key cannot be empty")
	}
	if config.Type == "" {
		config.Type = "string"
	}
	if config.Category == "" {
		config.Category = "general"
	}
	return nil
}

func validateChannelSetting(setting *ChannelSetting) error {
	if setting == nil {
		return fmt.Errorf("channel setting cannot be nil")
	}
	if setting.ChannelID == "" {
		return fmt.Errorf("channel id cannot be empty")
	}
	return nil
}
