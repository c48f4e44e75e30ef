package storage

import (
	"context"
)

// Configuration is a runtime-editable setting stored in the database
type Configuration struct {
	ID          int64  `db:"id"`
	Key         string `db:"config_key"`
	Value       string `db:"config_value"`
	Type        string `db:"value_type"` // string, int, bool, duration
	Category    string `db:"category"`
	Description string `db:"description"`
	CreatedAt   int64  `db:"created_at"`
	UpdatedAt   int64  `db:"updated_at"`
}

// ChannelSetting holds per-channel overrides chosen by users through commands
type ChannelSetting struct {
	ID          int64  `db:"id"`
	ChannelID   string `db:"channel_id"`
	LLMProvider string `db:"llm_provider"` // empty means the configured default
	UpdatedBy   string `db:"updated_by"`   // user id that last changed the setting
	CreatedAt   int64  `db:"created_at"`
	UpdatedAt   int64  `db:"updated_at"`
}

// StorageService defines persistence for operator settings.
// Lookups return nil and no error when the record does not exist.
type StorageService interface {
	// Initialize sets up the database connection and creates necessary tables
	Initialize(ctx context.Context) error

	// Close closes the database connection
	Close() error

	// HealthCheck verifies that the database connection is working
	HealthCheck(ctx context.Context) error

	GetConfiguration(ctx context.Context, key string) (*Configuration, error)
	UpsertConfiguration(ctx context.Context, config *Configuration) error
	GetConfigurationsByCategory(ctx context.Context, category string) ([]*Configuration, error)
	GetAllConfigurations(ctx context.Context) ([]*Configuration, error)
	DeleteConfiguration(ctx context.Context, key string) error

	GetChannelSetting(ctx context.Context, channelID string) (*ChannelSetting, error)
	UpsertChannelSetting(ctx context.Context, setting *ChannelSetting) error
	GetAllChannelSettings(ctx context.Context) ([]*ChannelSetting, error)
}
