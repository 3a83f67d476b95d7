package database

// SQL schemas for all ClickHouse tables

const (
	// InferenceResultsTableSQL creates the inference_results table
	InferenceResultsTableSQL = `
		CREATE TABLE IF NOT EXISTS inference_results (
			timestamp DateTime64(3),
			session_id String,
			device_id String,
			iteration UInt64,
			class_label LowCardinality(String),
			confidence Float64,
			class_probabilities String,
			continuous_outputs Array(Float64),
			delta Float64,
			theta Float64,
			alpha Float64,
			beta Float64,
			gamma Float64,
			gyro_mean Array(Float64),
			accel_mean Array(Float64),
			samples UInt32
		) ENGINE = MergeTree()
		ORDER BY (device_id, timestamp)
		PARTITION BY toYYYYMM(timestamp)
	`

	// BurstRejectionsTableSQL creates the burst_rejections table
	BurstRejectionsTableSQL = `
		CREATE TABLE IF NOT EXISTS burst_rejections (
			timestamp DateTime64(3),
			session_id String,
			device_id String,
			cycle UInt64,
			reason LowCardinality(String),
			samples UInt32,
			detail String
		) ENGINE = MergeTree()
		ORDER BY (device_id, timestamp)
		PARTITION BY toYYYYMM(timestamp)
	`

	// DeviceRegistryTableSQL creates the device_registry table
	DeviceRegistryTableSQL = `
		CREATE TABLE IF NOT EXISTS device_registry (
			device_id String,
			name String,
			source String,
			sampling_rate Float64,
			primary_channels UInt16,
			aux_channels UInt16,
			registered_at DateTime64(3),
			last_seen DateTime64(3),
			is_active Bool,
			config String
		) ENGINE = ReplacingMergeTree(last_seen)
		ORDER BY device_id
	`
)

// AllTables returns all table creation SQL statements
func AllTables() []string {
	return []string{
		InferenceResultsTableSQL,
		BurstRejectionsTableSQL,
		DeviceRegistryTableSQL,
	}
}
