// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

const (
	defaultListLimit = 50
	maxListLimit     = 1000
)

var _ domain.Repository = (*SQLRepository)(nil)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration and applies any
// pending migrations.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	db, err := open(cfg)
	if err != nil {
		return nil, err
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func open(cfg domain.RepositoryConfig) (*sql.DB, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	return db, nil
}

// GetProfile retrieves a user's behavioral profile.
func (r *SQLRepository) GetProfile(ctx context.Context, userID string) (*domain.UserProfile, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: userID is required", ErrInvalidInput)
	}

	query := `SELECT user_id, metrics, last_updated FROM user_profiles WHERE user_id = ?`

	var p domain.UserProfile
	var metrics string
	var updated int64

	err := r.db.QueryRowContext(ctx, r.rebind(query), userID).Scan(&p.UserID, &metrics, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrProfileNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(metrics), &p.Metrics); err != nil {
		return nil, fmt.Errorf("corrupt profile for %s: %w", userID, err)
	}
	p.LastUpdated = fromMillis(updated)
	return &p, nil
}

// UpsertProfile creates the profile or overwrites its metrics and timestamp.
func (r *SQLRepository) UpsertProfile(ctx context.Context, p *domain.UserProfile) error {
	if p == nil || p.UserID == "" {
		return fmt.Errorf("%w: userID is required", ErrInvalidInput)
	}

	metrics, err := json.Marshal(p.Metrics)
	if err != nil {
		return fmt.Errorf("failed to encode profile metrics: %w", err)
	}

	query := `
		INSERT INTO user_profiles (user_id, metrics, last_updated)
		VALUES (?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			metrics = excluded.metrics,
			last_updated = excluded.last_updated
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query), p.UserID, string(metrics), toMillis(p.LastUpdated))
	return err
}

// CountSessions counts sessions for userID with risk_score >= minRisk
// logged at or after since.
func (r *SQLRepository) CountSessions(ctx context.Context, userID string, minRisk float64, since time.Time) (int64, error) {
	query := `
		SELECT COUNT(*) FROM session_logs
		WHERE user_id = ?
		AND risk_score >= ?
		AND timestamp >= ?
	`

	var count int64
	err := r.db.QueryRowContext(ctx, r.rebind(query), userID, minRisk, toMillis(since)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return count, nil
}

// SaveRawLog stores an undecoded payload.
func (r *SQLRepository) SaveRawLog(ctx context.Context, raw *domain.RawLog) error {
	if raw == nil || raw.ID == "" || raw.UserID == "" {
		return fmt.Errorf("%w: id and userID are required", ErrInvalidInput)
	}

	query := `
		INSERT INTO raw_behavioral_logs (
			id, session_id, user_id, frontend_timestamp, server_received_at, encrypted_data
		) VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		raw.ID, raw.SessionID, raw.UserID,
		raw.FrontendTimestamp, toMillis(raw.ServerReceivedAt),
		raw.EncryptedData,
	)
	return err
}

// SaveSessionLog stores a scored session. Saving the same session again
// overwrites the earlier record.
func (r *SQLRepository) SaveSessionLog(ctx context.Context, log *domain.SessionLog) error {
	if log == nil || log.SessionID == "" || log.UserID == "" {
		return fmt.Errorf("%w: sessionID and userID are required", ErrInvalidInput)
	}

	features, err := json.Marshal(log.ProcessedFeatures)
	if err != nil {
		return fmt.Errorf("failed to encode features: %w", err)
	}

	query := `
		INSERT INTO session_logs (
			session_id, user_id, timestamp, risk_score, action_taken, raw_log_id, processed_features
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET
			user_id = excluded.user_id,
			timestamp = excluded.timestamp,
			risk_score = excluded.risk_score,
			action_taken = excluded.action_taken,
			raw_log_id = excluded.raw_log_id,
			processed_features = excluded.processed_features
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		log.SessionID, log.UserID, toMillis(log.Timestamp),
		log.RiskScore, string(log.ActionTaken),
		nullString(log.RawLogID), string(features),
	)
	return err
}

const sessionColumns = `session_id, user_id, timestamp, risk_score, action_taken, raw_log_id, processed_features`

// GetSessionLog retrieves a session log by session ID.
func (r *SQLRepository) GetSessionLog(ctx context.Context, sessionID string) (*domain.SessionLog, error) {
	query := `SELECT ` + sessionColumns + ` FROM session_logs WHERE session_id = ?`

	log, err := scanSessionLog(r.db.QueryRowContext(ctx, r.rebind(query), sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return log, err
}

// ListSessionLogs returns the user's most recent session logs, newest first.
func (r *SQLRepository) ListSessionLogs(ctx context.Context, userID string, limit int) ([]*domain.SessionLog, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM session_logs
		WHERE user_id = ?
		ORDER BY timestamp DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), userID, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSessionLogs(rows)
}

// AllSessionLogs returns every session log, oldest first.
func (r *SQLRepository) AllSessionLogs(ctx context.Context) ([]*domain.SessionLog, error) {
	query := `SELECT ` + sessionColumns + ` FROM session_logs ORDER BY timestamp ASC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSessionLogs(rows)
}

// SaveAlert stores an alert record.
func (r *SQLRepository) SaveAlert(ctx context.Context, a *domain.AlertRecord) error {
	if a == nil || a.ID == "" || a.UserID == "" {
		return fmt.Errorf("%w: id and userID are required", ErrInvalidInput)
	}

	query := `
		INSERT INTO alerts (id, user_id, session_id, risk_score, reason, action_taken, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		a.ID, a.UserID, a.SessionID, a.RiskScore,
		a.Reason, string(a.ActionTaken), toMillis(a.Timestamp),
	)
	return err
}

// ListAlerts returns the user's most recent alerts, newest first.
func (r *SQLRepository) ListAlerts(ctx context.Context, userID string, limit int) ([]*domain.AlertRecord, error) {
	query := `
		SELECT id, user_id, session_id, risk_score, reason, action_taken, timestamp
		FROM alerts
		WHERE user_id = ?
		ORDER BY timestamp DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), userID, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []*domain.AlertRecord
	for rows.Next() {
		var a domain.AlertRecord
		var action string
		var ts int64
		if err := rows.Scan(&a.ID, &a.UserID, &a.SessionID, &a.RiskScore, &a.Reason, &action, &ts); err != nil {
			return nil, err
		}
		a.ActionTaken = domain.Action(action)
		a.Timestamp = fromMillis(ts)
		alerts = append(alerts, &a)
	}
	return alerts, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSessionLog(row rowScanner) (*domain.SessionLog, error) {
	var log domain.SessionLog
	var action, features string
	var rawID sql.NullString
	var ts int64

	err := row.Scan(&log.SessionID, &log.UserID, &ts, &log.RiskScore, &action, &rawID, &features)
	if err != nil {
		return nil, err
	}

	log.Timestamp = fromMillis(ts)
	log.ActionTaken = domain.Action(action)
	log.RawLogID = rawID.String
	if features != "" {
		if err := json.Unmarshal([]byte(features), &log.ProcessedFeatures); err != nil {
			return nil, fmt.Errorf("corrupt features for session %s: %w", log.SessionID, err)
		}
	}
	return &log, nil
}

func collectSessionLogs(rows *sql.Rows) ([]*domain.SessionLog, error) {
	var logs []*domain.SessionLog
	for rows.Next() {
		log, err := scanSessionLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, log)
	}
	return logs, rows.Err()
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var b strings.Builder
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
		} else {
			b.WriteByte(query[i])
		}
	}
	return b.String()
}
