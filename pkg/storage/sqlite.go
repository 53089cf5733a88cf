// Package storage persists snapshots and alerts in a local SQLite database.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/lucid-vigil/guardian/pkg/model"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS system_states (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp        INTEGER NOT NULL,
	cpu_usage        REAL    NOT NULL,
	memory_usage     REAL    NOT NULL,
	disk_usage       REAL    NOT NULL,
	network_stats    TEXT    NOT NULL,
	active_processes TEXT    NOT NULL,
	security_alerts  TEXT    NOT NULL,
	system_metrics   TEXT
);
CREATE INDEX IF NOT EXISTS idx_system_states_timestamp ON system_states(timestamp);

CREATE TABLE IF NOT EXISTS security_alerts (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	alert_id       TEXT    NOT NULL,
	timestamp      INTEGER NOT NULL,
	severity       TEXT    NOT NULL,
	description    TEXT    NOT NULL,
	source         TEXT    NOT NULL,
	recommendation TEXT
);
CREATE INDEX IF NOT EXISTS idx_security_alerts_timestamp ON security_alerts(timestamp);
`

// DefaultHistoryLimit is used by GetSystemStates for non-positive limits.
const DefaultHistoryLimit = 100

// SQLiteStore is the durable log of published snapshots. Timestamps are
// stored as Unix nanoseconds.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	logger zerolog.Logger
}

// Open creates the database file (and its directory) if needed and applies
// the schema.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite allows one writer; a single connection also keeps VACUUM outside
	// any open transaction.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		path:   path,
		logger: log.Logger.With().Str("component", "storage").Logger(),
	}
	s.logger.Info().Str("path", path).Msg("Database opened")
	return s, nil
}

// StoreState writes the snapshot and each of its alerts in one transaction.
func (s *SQLiteStore) StoreState(ctx context.Context, st *model.SystemState) error {
	network, err := json.Marshal(st.NetworkStats)
	if err != nil {
		return fmt.Errorf("marshal network stats: %w", err)
	}
	processes, err := json.Marshal(st.ActiveProcesses)
	if err != nil {
		return fmt.Errorf("marshal processes: %w", err)
	}
	alerts, err := json.Marshal(st.SecurityAlerts)
	if err != nil {
		return fmt.Errorf("marshal alerts: %w", err)
	}
	var metrics []byte
	if st.SystemMetrics != nil {
		if metrics, err = json.Marshal(st.SystemMetrics); err != nil {
			return fmt.Errorf("marshal system metrics: %w", err)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO system_states
			(timestamp, cpu_usage, memory_usage, disk_usage, network_stats, active_processes, security_alerts, system_metrics)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		st.Timestamp.UnixNano(), st.CPUUsage, st.MemoryUsage, st.DiskUsage,
		string(network), string(processes), string(alerts), nullString(metrics),
	)
	if err != nil {
		return fmt.Errorf("insert state: %w", err)
	}

	for _, a := range st.SecurityAlerts {
		id := a.ID
		if id == "" {
			id = uuid.NewString()
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO security_alerts (alert_id, timestamp, severity, description, source, recommendation)
			VALUES (?, ?, ?, ?, ?, ?)`,
			id, a.Timestamp.UnixNano(), a.Severity.String(), a.Description, a.Source, a.Recommendation,
		)
		if err != nil {
			return fmt.Errorf("insert alert: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit state: %w", err)
	}
	return nil
}

// GetAlertsSince returns alerts strictly newer than since, newest first.
func (s *SQLiteStore) GetAlertsSince(ctx context.Context, since time.Time) ([]model.SecurityAlert, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT alert_id, timestamp, severity, description, source, recommendation
		FROM security_alerts
		WHERE timestamp > ?
		ORDER BY timestamp DESC, id DESC`, unixNanos(since))
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	alerts := []model.SecurityAlert{}
	for rows.Next() {
		var (
			a        model.SecurityAlert
			ts       int64
			severity string
			rec      sql.NullString
		)
		if err := rows.Scan(&a.ID, &ts, &severity, &a.Description, &a.Source, &rec); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		a.Timestamp = time.Unix(0, ts).UTC()
		if a.Severity, err = model.ParseSeverity(severity); err != nil {
			return nil, fmt.Errorf("alert %s: %w", a.ID, err)
		}
		if rec.Valid {
			r := rec.String
			a.Recommendation = &r
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// GetSystemStates returns up to limit snapshots, newest first.
func (s *SQLiteStore) GetSystemStates(ctx context.Context, limit int) ([]model.SystemState, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, cpu_usage, memory_usage, disk_usage, network_stats, active_processes, security_alerts, system_metrics
		FROM system_states
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query states: %w", err)
	}
	defer rows.Close()

	states := []model.SystemState{}
	for rows.Next() {
		var (
			st                         model.SystemState
			ts                         int64
			network, processes, alerts string
			metrics                    sql.NullString
		)
		if err := rows.Scan(&ts, &st.CPUUsage, &st.MemoryUsage, &st.DiskUsage, &network, &processes, &alerts, &metrics); err != nil {
			return nil, fmt.Errorf("scan state: %w", err)
		}
		st.Timestamp = time.Unix(0, ts).UTC()
		if err := json.Unmarshal([]byte(network), &st.NetworkStats); err != nil {
			return nil, fmt.Errorf("decode network stats: %w", err)
		}
		if err := json.Unmarshal([]byte(processes), &st.ActiveProcesses); err != nil {
			return nil, fmt.Errorf("decode processes: %w", err)
		}
		if err := json.Unmarshal([]byte(alerts), &st.SecurityAlerts); err != nil {
			return nil, fmt.Errorf("decode alerts: %w", err)
		}
		if metrics.Valid {
			st.SystemMetrics = &model.SystemMetrics{}
			if err := json.Unmarshal([]byte(metrics.String), st.SystemMetrics); err != nil {
				return nil, fmt.Errorf("decode system metrics: %w", err)
			}
		}
		states = append(states, st)
	}
	return states, rows.Err()
}

// CleanupOldRecords deletes snapshots and alerts older than olderThan and
// compacts the file. It returns the number of deleted rows.
func (s *SQLiteStore) CleanupOldRecords(ctx context.Context, olderThan time.Time) (int64, error) {
	cutoff := unixNanos(olderThan)

	res, err := s.db.ExecContext(ctx, `DELETE FROM system_states WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete states: %w", err)
	}
	states, _ := res.RowsAffected()

	res, err = s.db.ExecContext(ctx, `DELETE FROM security_alerts WHERE timestamp < ?`, cutoff)
	if err != nil {
		return states, fmt.Errorf("delete alerts: %w", err)
	}
	alerts, _ := res.RowsAffected()

	if _, err := s.db.ExecContext(ctx, `VACUUM`); err != nil {
		return states + alerts, fmt.Errorf("vacuum: %w", err)
	}

	s.logger.Debug().
		Int64("states", states).
		Int64("alerts", alerts).
		Time("older_than", olderThan).
		Msg("Old records removed")
	return states + alerts, nil
}

// GetStatistics averages snapshots newer than since and counts the alerts
// in the same window.
func (s *SQLiteStore) GetStatistics(ctx context.Context, since time.Time) (model.Statistics, error) {
	var stats model.Statistics
	cutoff := unixNanos(since)

	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(AVG(cpu_usage), 0), COALESCE(AVG(memory_usage), 0), COALESCE(AVG(disk_usage), 0), COUNT(*)
		FROM system_states
		WHERE timestamp > ?`, cutoff,
	).Scan(&stats.AvgCPU, &stats.AvgMemory, &stats.AvgDisk, &stats.TotalRecords)
	if err != nil {
		return stats, fmt.Errorf("query state statistics: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM security_alerts WHERE timestamp > ?`, cutoff).
		Scan(&stats.AlertCount)
	if err != nil {
		return stats, fmt.Errorf("query alert count: %w", err)
	}
	return stats, nil
}

var (
	minStamp = time.Unix(0, math.MinInt64)
	maxStamp = time.Unix(0, math.MaxInt64)
)

// unixNanos converts a query bound to the stored representation. Bounds
// outside the int64 nanosecond range, such as the zero Time, clamp to it.
func unixNanos(t time.Time) int64 {
	switch {
	case t.Before(minStamp):
		return math.MinInt64
	case t.After(maxStamp):
		return math.MaxInt64
	}
	return t.UnixNano()
}

// Path returns the database file location.
func (s *SQLiteStore) Path() string {
	return s.path
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nullString(b []byte) sql.NullString {
	if b == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
