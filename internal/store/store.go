// Package store keeps inference results in a local SQLite file.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"attentionspan-backend/internal/database"
	"attentionspan-backend/internal/models"

	_ "modernc.org/sqlite" // SQLite driver.
)

// timeLayout is fixed width so text timestamps sort chronologically
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store wraps SQLite access for results, rejections and devices.
type Store struct {
	db *sql.DB
}

// Open opens or creates the SQLite database and applies migrations.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection serialises writers from the service goroutines.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate %s: %w", path, err)
	}
	logrus.WithField("path", path).Info("SQLite: Store opened")
	return store, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS inference_results (
			id INTEGER PRIMARY KEY,
			timestamp TEXT NOT NULL,
			session_id TEXT NOT NULL,
			device_id TEXT NOT NULL,
			iteration INTEGER NOT NULL,
			class_label TEXT NOT NULL,
			confidence REAL NOT NULL,
			class_probabilities TEXT NOT NULL,
			continuous_outputs TEXT NOT NULL,
			delta REAL NOT NULL,
			theta REAL NOT NULL,
			alpha REAL NOT NULL,
			beta REAL NOT NULL,
			gamma REAL NOT NULL,
			gyro_mean TEXT NOT NULL,
			accel_mean TEXT NOT NULL,
			samples INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS burst_rejections (
			id INTEGER PRIMARY KEY,
			timestamp TEXT NOT NULL,
			session_id TEXT NOT NULL,
			device_id TEXT NOT NULL,
			cycle INTEGER NOT NULL,
			reason TEXT NOT NULL,
			samples INTEGER NOT NULL,
			detail TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS device_registry (
			device_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			source TEXT NOT NULL,
			sampling_rate REAL NOT NULL,
			primary_channels INTEGER NOT NULL,
			aux_channels INTEGER NOT NULL,
			registered_at TEXT NOT NULL,
			last_seen TEXT NOT NULL,
			is_active INTEGER NOT NULL,
			config TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_results_device_ts ON inference_results(device_id, timestamp);`,
		`CREATE INDEX IF NOT EXISTS idx_rejections_session ON burst_rejections(session_id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// SaveResult stores one inference result.
func (s *Store) SaveResult(ctx context.Context, r models.InferenceResult) error {
	row, err := database.NewResultRow(r)
	if err != nil {
		return err
	}
	outputs, err := json.Marshal(row.ContinuousOutputs)
	if err != nil {
		return err
	}
	gyro, err := json.Marshal(row.GyroMean)
	if err != nil {
		return err
	}
	accel, err := json.Marshal(row.AccelMean)
	if err != nil {
		return err
	}

	bp := row.BandPowers
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO inference_results (timestamp, session_id, device_id, iteration, class_label, confidence,
			class_probabilities, continuous_outputs, delta, theta, alpha, beta, gamma, gyro_mean, accel_mean, samples)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.Timestamp.UTC().Format(timeLayout),
		row.SessionID,
		row.DeviceID,
		int64(row.Iteration),
		row.ClassLabel,
		row.Confidence,
		row.ClassProbabilities,
		string(outputs),
		bp[models.Delta], bp[models.Theta], bp[models.Alpha], bp[models.Beta], bp[models.Gamma],
		string(gyro),
		string(accel),
		int64(row.Samples),
	)
	if err != nil {
		return fmt.Errorf("failed to insert inference result: %w", err)
	}
	return nil
}

// SaveRejection stores one skipped cycle.
func (s *Store) SaveRejection(ctx context.Context, rej models.Rejection) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO burst_rejections (timestamp, session_id, device_id, cycle, reason, samples, detail)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rej.Timestamp.UTC().Format(timeLayout),
		rej.SessionID,
		rej.DeviceID,
		int64(rej.Cycle),
		rej.Reason.String(),
		rej.Samples,
		rej.Detail,
	)
	if err != nil {
		return fmt.Errorf("failed to insert rejection: %w", err)
	}
	return nil
}

// UpsertDevice inserts or refreshes a device registry entry. The original
// registration time is kept.
func (s *Store) UpsertDevice(ctx context.Context, device *models.Device) error {
	cfg, err := database.EncodeDeviceConfig(device.Config)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO device_registry (device_id, name, source, sampling_rate, primary_channels, aux_channels,
			registered_at, last_seen, is_active, config)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(device_id) DO UPDATE SET
			name = excluded.name,
			source = excluded.source,
			sampling_rate = excluded.sampling_rate,
			primary_channels = excluded.primary_channels,
			aux_channels = excluded.aux_channels,
			last_seen = excluded.last_seen,
			is_active = excluded.is_active,
			config = excluded.config`,
		device.DeviceID,
		device.Name,
		device.Source,
		device.SamplingRate,
		device.PrimaryChannels,
		device.AuxChannels,
		device.RegisteredAt.UTC().Format(timeLayout),
		device.LastSeen.UTC().Format(timeLayout),
		device.IsActive,
		cfg,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert device: %w", err)
	}
	return nil
}

// Device returns a registry entry.
func (s *Store) Device(ctx context.Context, deviceID string) (*models.Device, error) {
	var (
		d                models.Device
		registered, seen string
		cfg              string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT device_id, name, source, sampling_rate, primary_channels, aux_channels,
			registered_at, last_seen, is_active, config
		 FROM device_registry WHERE device_id = ?`, deviceID).
		Scan(&d.DeviceID, &d.Name, &d.Source, &d.SamplingRate, &d.PrimaryChannels, &d.AuxChannels,
			&registered, &seen, &d.IsActive, &cfg)
	if err != nil {
		return nil, err
	}
	if d.RegisteredAt, err = time.Parse(timeLayout, registered); err != nil {
		return nil, err
	}
	if d.LastSeen, err = time.Parse(timeLayout, seen); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(cfg), &d.Config); err != nil {
		return nil, fmt.Errorf("failed to decode device config: %w", err)
	}
	return &d, nil
}

// RecentResults returns the newest results of a device, newest first.
func (s *Store) RecentResults(ctx context.Context, deviceID string, limit int) ([]models.InferenceResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT timestamp, session_id, device_id, iteration, class_label, confidence,
			class_probabilities, continuous_outputs, delta, theta, alpha, beta, gamma, gyro_mean, accel_mean, samples
		 FROM inference_results
		 WHERE device_id = ?
		 ORDER BY timestamp DESC, id DESC
		 LIMIT ?`, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query inference results: %w", err)
	}
	defer rows.Close()

	var out []models.InferenceResult
	for rows.Next() {
		var (
			row                  database.ResultRow
			ts                   string
			iteration, samples   int64
			outputs, gyro, accel string
		)
		bp := &row.BandPowers
		if err := rows.Scan(&ts, &row.SessionID, &row.DeviceID, &iteration, &row.ClassLabel, &row.Confidence,
			&row.ClassProbabilities, &outputs,
			&bp[models.Delta], &bp[models.Theta], &bp[models.Alpha], &bp[models.Beta], &bp[models.Gamma],
			&gyro, &accel, &samples); err != nil {
			return nil, fmt.Errorf("failed to scan inference result: %w", err)
		}
		if row.Timestamp, err = time.Parse(timeLayout, ts); err != nil {
			return nil, err
		}
		row.Iteration = uint64(iteration)
		row.Samples = uint32(samples)
		for _, f := range []struct {
			src string
			dst *[]float64
		}{{outputs, &row.ContinuousOutputs}, {gyro, &row.GyroMean}, {accel, &row.AccelMean}} {
			if err := json.Unmarshal([]byte(f.src), f.dst); err != nil {
				return nil, fmt.Errorf("failed to decode result column: %w", err)
			}
		}
		r, err := row.Result()
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RejectionCounts returns the number of rejections per reason for a session.
func (s *Store) RejectionCounts(ctx context.Context, sessionID string) (map[models.RejectionReason]uint64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT reason, COUNT(*) FROM burst_rejections WHERE session_id = ? GROUP BY reason`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query rejection counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.RejectionReason]uint64)
	for rows.Next() {
		var name string
		var n int64
		if err := rows.Scan(&name, &n); err != nil {
			return nil, err
		}
		var reason models.RejectionReason
		if err := reason.UnmarshalText([]byte(name)); err != nil {
			return nil, err
		}
		counts[reason] = uint64(n)
	}
	return counts, rows.Err()
}
