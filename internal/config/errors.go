package config

// ConfigError represents configuration-related errors
type ConfigError struct {
	Key     string
	Message string
	Cause   error
}

func (e *ConfigError) Error() string {
	prefix := e.Message
	if e.Key != "" {
		prefix = e.Key + ": " + e.Message
	}
	if e.Cause != nil {
		return prefix + ": " + e.Cause.Error()
	}
	return prefix
}

func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// NewConfigError creates a new configuration error
func NewConfigError(key, message string, cause error) *ConfigError {
	return &ConfigError{
		Key:     key,
		Message: message,
		Cause:   cause,
	}
}
