package models

import "time"

// Device represents a board session registered with the backend
type Device struct {
	DeviceID        string            `json:"device_id"`
	Name            string            `json:"name"`
	Source          string            `json:"source"` // simulator, edf, mqtt
	SamplingRate    float64           `json:"sampling_rate"`
	PrimaryChannels int               `json:"primary_channels"`
	AuxChannels     int               `json:"aux_channels"`
	RegisteredAt    time.Time         `json:"registered_at"`
	LastSeen        time.Time         `json:"last_seen"`
	IsActive        bool              `json:"is_active"`
	Config          map[string]string `json:"config"`
}

// HealthReport is the periodic pipeline health snapshot
type HealthReport struct {
	SessionID   string            `json:"session_id"`
	DeviceID    string            `json:"device_id"`
	Timestamp   time.Time         `json:"timestamp"`
	State       string            `json:"state"`
	Iterations  uint64            `json:"iterations"`
	Skipped     uint64            `json:"skipped"`
	SkipReasons map[string]uint64 `json:"skip_reasons"`
	SkipRate    float64           `json:"skip_rate"` // over the last interval
}
