package config

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"llm-relay-bot/internal/storage"
)

// ValueType represents the type of a runtime setting value
type ValueType string

const (
	ValueTypeString   ValueType = "string"
	ValueTypeInt      ValueType = "int"
	ValueTypeBool     ValueType = "bool"
	ValueTypeDuration ValueType = "duration"
)

// Runtime setting keys edited through bot commands
const (
	KeyChannelRestrictionsEnabled = "CHANNEL_RESTRICTIONS_ENABLED"
	KeyAllowedChannelIDs          = "ALLOWED_CHANNEL_IDS"
	KeyDefaultProvider            = "LLM_DEFAULT_PROVIDER"
)

// RuntimeSettings is a cached view of the operator settings stored in the database.
// Writes go to storage first and then update the cache.
type RuntimeSettings struct {
	storage    storage.StorageService
	cache      map[string]*storage.Configuration
	cacheMutex sync.RWMutex
}

// NewRuntimeSettings creates a settings service backed by storageService
func NewRuntimeSettings(storageService storage.StorageService) *RuntimeSettings {
	return &RuntimeSettings{
		storage: storageService,
		cache:   make(map[string]*storage.Configuration),
	}
}

// Reload refreshes the cache from the database
func (s *RuntimeSettings) Reload(ctx context.Context) error {
	configs, err := s.storage.GetAllConfigurations(ctx)
	if err != nil {
		return NewConfigError("", "failed to load configurations from database", err)
	}

	cache := make(map[string]*storage.Configuration, len(configs))
	for _, c := range configs {
		cache[c.Key] = c
	}

	s.cacheMutex.Lock()
	s.cache = cache
	s.cacheMutex.Unlock()
	return nil
}

// Get returns the raw value and whether the key is set
func (s *RuntimeSettings) Get(key string) (string, bool) {
	s.cacheMutex.RLock()
	defer s.cacheMutex.RUnlock()

	c, ok := s.cache[key]
	if !ok {
		return "", false
	}
	return c.Value, true
}

// GetWithDefault returns the value for key or defaultValue when unset
func (s *RuntimeSettings) GetWithDefault(key, defaultValue string) string {
	if v, ok := s.Get(key); ok {
		return v
	}
	return defaultValue
}

// GetBool returns the boolean value for key, or defaultValue when unset or invalid
func (s *RuntimeSettings) GetBool(key string, defaultValue bool) bool {
	v, ok := s.Get(key)
	if !ok {
		return defaultValue
	}
	b, err := ParseBool(v)
	if err != nil {
		return defaultValue
	}
	return b
}

// GetInt returns the integer value for key, or defaultValue when unset or invalid
func (s *RuntimeSettings) GetInt(key string, defaultValue int) int {
	v, ok := s.Get(key)
	if !ok {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}
	return n
}

// GetDuration returns the duration value for key, or defaultValue when unset or invalid
func (s *RuntimeSettings) GetDuration(key string, defaultValue time.Duration) time.Duration {
	v, ok := s.Get(key)
	if !ok {
		return defaultValue
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultValue
	}
	return d
}

// GetStringList returns a comma separated value as a slice
func (s *RuntimeSettings) GetStringList(key string) []string {
	v, ok := s.Get(key)
	if !ok {
		return nil
	}
	return SplitList(v)
}

// Set validates and stores a setting
func (s *RuntimeSettings) Set(ctx context.Context, key, value string, valueType ValueType, category, description string) error {
	if err := validateSetting(key, value, valueType); err != nil {
		return err
	}

	c := &storage.Configuration{
		Key:         key,
		Value:       value,
		Type:        string(valueType),
		Category:    category,
		Description: description,
	}
	if err := s.storage.UpsertConfiguration(ctx, c); err != nil {
		return NewConfigError(key, "failed to store configuration", err)
	}

	s.cacheMutex.Lock()
	s.cache[key] = c
	s.cacheMutex.Unlock()
	return nil
}

// SetBool stores a boolean setting
func (s *RuntimeSettings) SetBool(ctx context.Context, key string, value bool, category, description string) error {
	return s.Set(ctx, key, strconv.FormatBool(value), ValueTypeBool, category, description)
}

// SetStringList stores a list as a comma separated value
func (s *RuntimeSettings) SetStringList(ctx context.Context, key string, values []string, category, description string) error {
	return s.Set(ctx, key, strings.Join(values, ","), ValueTypeString, category, description)
}

// Delete removes a setting
func (s *RuntimeSettings) Delete(ctx context.Context, key string) error {
	if err := s.storage.DeleteConfiguration(ctx, key); err != nil {
		return NewConfigError(key, "failed to delete configuration", err)
	}

	s.cacheMutex.Lock()
	delete(s.cache, key)
	s.cacheMutex.Unlock()
	return nil
}

func validateSetting(key, value string, valueType ValueType) error {
	if key == "" {
		return NewConfigError(key, "configuration key cannot be empty", nil)
	}
	if len(key) > 255 {
		return NewConfigError(key, "configuration key too long (max 255 characters)", nil)
	}
	if len(value) > 65535 {
		return NewConfigError(key, "configuration value too long (max 65535 characters)", nil)
	}

	var err error
	switch valueType {
	case ValueTypeString:
	case ValueTypeInt:
		_, err = strconv.Atoi(value)
	case ValueTypeBool:
		_, err = ParseBool(value)
	case ValueTypeDuration:
		_, err = time.ParseDuration(value)
	default:
		err = fmt.Errorf("unsupported value type: %s", valueType)
	}
	if err != nil {
		return NewConfigError(key, "invalid value for type", err)
	}
	return nil
}

// MySQL returns the connection settings for the MySQL backend
func (c *Config) MySQL() storage.MySQLConfig {
	return storage.MySQLConfig{
		Host:     c.Database.MySQLHost,
		Port:     c.Database.MySQLPort,
		Database: c.Database.MySQLDatabase,
		Username: c.Database.MySQLUsername,
		Password: c.Database.MySQLPassword,
		Timeout:  c.Database.MySQLTimeout,
	}
}

// NewStorage returns the storage backend selected by Database.Type
func (c *Config) NewStorage() storage.StorageService {
	if c.Database.Type == "mysql" {
		return storage.NewMySQLStorageService(c.MySQL())
	}
	return storage.NewSQLiteStorageService(c.Database.Path)
}
