package database

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/sirupsen/logrus"

	"attentionspan-backend/internal/models"
)

type ClickHouseDB struct {
	conn driver.Conn
}

// ClickHouseConfig holds the connection settings
type ClickHouseConfig struct {
	Addr     string
	Database string
	Username string
	Password string
}

// NewClickHouseDB creates a new ClickHouse database connection
func NewClickHouseDB(ctx context.Context, cfg ClickHouseConfig) (*ClickHouseDB, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout: 5 * time.Second,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})

	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	logrus.WithField("addr", cfg.Addr).Info("ClickHouse: Connected")

	db := &ClickHouseDB{conn: conn}

	if err := db.InitSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// InitSchema creates the necessary tables if they don't exist
func (db *ClickHouseDB) InitSchema(ctx context.Context) error {
	for _, tableSQL := range AllTables() {
		if err := db.conn.Exec(ctx, tableSQL); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	logrus.Info("ClickHouse: Schema initialized")
	return nil
}

// SaveResult saves one inference result
func (db *ClickHouseDB) SaveResult(ctx context.Context, r models.InferenceResult) error {
	row, err := NewResultRow(r)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO inference_results (
			timestamp, session_id, device_id, iteration, class_label, confidence,
			class_probabilities, continuous_outputs,
			delta, theta, alpha, beta, gamma,
			gyro_mean, accel_mean, samples
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	bp := row.BandPowers
	err = db.conn.Exec(ctx, query,
		row.Timestamp,
		row.SessionID,
		row.DeviceID,
		row.Iteration,
		row.ClassLabel,
		row.Confidence,
		row.ClassProbabilities,
		row.ContinuousOutputs,
		bp[models.Delta], bp[models.Theta], bp[models.Alpha], bp[models.Beta], bp[models.Gamma],
		row.GyroMean,
		row.AccelMean,
		row.Samples,
	)
	if err != nil {
		return fmt.Errorf("failed to insert inference result: %w", err)
	}

	return nil
}

// SaveRejection saves one skipped cycle
func (db *ClickHouseDB) SaveRejection(ctx context.Context, rej models.Rejection) error {
	query := `
		INSERT INTO burst_rejections (timestamp, session_id, device_id, cycle, reason, samples, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	err := db.conn.Exec(ctx, query,
		rej.Timestamp,
		rej.SessionID,
		rej.DeviceID,
		rej.Cycle,
		rej.Reason.String(),
		uint32(rej.Samples),
		rej.Detail,
	)
	if err != nil {
		return fmt.Errorf("failed to insert rejection: %w", err)
	}

	return nil
}

// UpsertDevice inserts or updates a device in the registry
func (db *ClickHouseDB) UpsertDevice(ctx context.Context, device *models.Device) error {
	configJSON, err := EncodeDeviceConfig(device.Config)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO device_registry (
			device_id, name, source, sampling_rate, primary_channels, aux_channels,
			registered_at, last_seen, is_active, config
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	err = db.conn.Exec(ctx, query,
		device.DeviceID,
		device.Name,
		device.Source,
		device.SamplingRate,
		uint16(device.PrimaryChannels),
		uint16(device.AuxChannels),
		device.RegisteredAt,
		device.LastSeen,
		device.IsActive,
		configJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert device: %w", err)
	}

	return nil
}

// Close closes the ClickHouse connection
func (db *ClickHouseDB) Close() error {
	if db.conn != nil {
		if err := db.conn.Close(); err != nil {
			return fmt.Errorf("failed to close ClickHouse connection: %w", err)
		}
		logrus.Info("ClickHouse: Connection closed")
	}
	return nil
}
