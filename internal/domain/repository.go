// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// SessionHistory answers windowed questions about past scored sessions.
type SessionHistory interface {
	// CountSessions counts the user's sessions with risk >= minRisk logged at or after since.
	CountSessions(ctx context.Context, userID string, minRisk float64, since time.Time) (int64, error)
}

// Repository defines the interface for data persistence.
type Repository interface {
	ProfileStore
	SessionHistory

	// Raw payloads
	SaveRawLog(ctx context.Context, raw *RawLog) error

	// Session logs
	SaveSessionLog(ctx context.Context, log *SessionLog) error
	GetSessionLog(ctx context.Context, sessionID string) (*SessionLog, error)
	ListSessionLogs(ctx context.Context, userID string, limit int) ([]*SessionLog, error)
	AllSessionLogs(ctx context.Context) ([]*SessionLog, error)

	// Alerts
	SaveAlert(ctx context.Context, alert *AlertRecord) error
	ListAlerts(ctx context.Context, userID string, limit int) ([]*AlertRecord, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `json:"driver" yaml:"driver" toml:"driver"`

	// SQLite specific
	SQLitePath string `json:"sqlitePath" yaml:"sqlitePath" toml:"sqlite_path"`

	// PostgreSQL specific. PostgresURL, when set, takes precedence over the
	// individual connection fields.
	PostgresURL      string `json:"-" yaml:"-" toml:"-"`
	PostgresHost     string `json:"postgresHost" yaml:"postgresHost" toml:"postgres_host"`
	PostgresPort     int    `json:"postgresPort" yaml:"postgresPort" toml:"postgres_port"`
	PostgresUser     string `json:"postgresUser" yaml:"postgresUser" toml:"postgres_user"`
	PostgresPassword string `json:"-" yaml:"-" toml:"-"`
	PostgresDB       string `json:"postgresDb" yaml:"postgresDb" toml:"postgres_db"`
	PostgresSSLMode  string `json:"postgresSslMode" yaml:"postgresSslMode" toml:"postgres_sslmode"`

	// Connection pool settings
	MaxOpenConns    int           `json:"maxOpenConns" yaml:"maxOpenConns" toml:"max_open_conns"`
	MaxIdleConns    int           `json:"maxIdleConns" yaml:"maxIdleConns" toml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"connMaxLifetime" yaml:"connMaxLifetime" toml:"conn_max_lifetime"`
}
