package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
)

const defaultMySQLTimeout = 30 * time.Second

var mysqlDialect = dialect{
	schema: []string{
		`CREATE TABLE IF NOT EXISTS configurations (
			id BIGINT PRIMARY KEY AUTO_INCREMENT,
			config_key VARCHAR(255) NOT NULL UNIQUE,
			config_value TEXT NOT NULL,
			value_type ENUM('string', 'int', 'bool', 'duration') DEFAULT 'string',
			category VARCHAR(100) NOT NULL,
			description TEXT,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			INDEX idx_configurations_category (category)
		) CHARACTER SET utf8mb4`,
		`CREATE TABLE IF NOT EXISTS channel_settings (
			id BIGINT PRIMARY KEY AUTO_INCREMENT,
			channel_id VARCHAR(255) NOT NULL UNIQUE,
			llm_provider VARCHAR(50) NOT NULL DEFAULT '',
			updated_by VARCHAR(255) NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		) CHARACTER SET utf8mb4`,
	},
	upsertConfiguration: `
		INSERT INTO configurations (config_key, config_value, value_type, category, description, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			config_value = VALUES(config_value),
			value_type = VALUES(value_type),
			category = VALUES(category),
			description = VALUES(description),
			updated_at = VALUES(updated_at)`,
	upsertChannelSetting: `
		INSERT INTO channel_settings (channel_id, llm_provider, updated_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			llm_provider = VALUES(llm_provider),
			updated_by = VALUES(updated_by),
			updated_at = VALUES(updated_at)`,
}

// MySQLConfig holds MySQL connection configuration
type MySQLConfig struct {
	Host     string
	Port     string
	Database string
	Username string
	Password string
	Timeout  string // Go duration, e.g. "30s"
}

// DSN returns the driver connection string
func (c MySQLConfig) DSN() string {
	cfg := mysql.NewConfig()
	cfg.User = c.Username
	cfg.Passwd = c.Password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(c.Host, c.Port)
	cfg.DBName = c.Database
	cfg.ParseTime = true
	cfg.Params = map[string]string{"charset": "utf8mb4"}

	cfg.Timeout = defaultMySQLTimeout
	if d, err := time.ParseDuration(c.Timeout); err == nil && d > 0 {
		cfg.Timeout = d
	}
	return cfg.FormatDSN()
}

var _ StorageService = (*MySQLStorageService)(nil)

// MySQLStorageService implements StorageService on a shared MySQL server.
// Connection failures are retried with exponential backoff.
type MySQLStorageService struct {
	sqlStore
	dsn string
}

// NewMySQLStorageService creates a new MySQL storage service
func NewMySQLStorageService(config MySQLConfig) *MySQLStorageService {
	s := &MySQLStorageService{
		sqlStore: sqlStore{dialect: mysqlDialect},
		dsn:      config.DSN(),
	}
	s.retry = func(ctx context.Context, op func() error) error {
		return withBackoff(ctx, 3, 500*time.Millisecond, isRetryableError, op)
	}
	return s
}

// Initialize connects, retrying while the server comes up, then creates the schema
func (s *MySQLStorageService) Initialize(ctx context.Context) error {
	var db *sql.DB
	connect := func() error {
		conn, err := sql.Open("mysql", s.dsn)
		if err != nil {
			return err
		}
		if err := conn.PingContext(ctx); err != nil {
			conn.Close()
			return err
		}
		db = conn
		return nil
	}

	always := func(error) bool { return true }
	if err := withBackoff(ctx, 5, time.Second, always, connect); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := s.open(ctx, db); err != nil {
		db.Close()
		return err
	}
	return nil
}

// withBackoff runs op until it succeeds, returns a non-retryable error, or attempts run out.
// The wait doubles after every failure.
func withBackoff(ctx context.Context, attempts int, base time.Duration, retryable func(error) bool, op func() error) error {
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) || attempt == attempts-1 {
			break
		}

		select {
		case <-time.After(base << attempt):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if !retryable(lastErr) {
		return lastErr
	}
	return fmt.Errorf("gave up after %d attempts: %w", attempts, lastErr)
}

var retryableMessages = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"bad connection",
	"invalid connection",
	"no such host",
	"i/o timeout",
}

// isRetryableError reports whether err looks like a lost or refused connection
func isRetryableError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := err.Error()
	for _, m := range retryableMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
