package services

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"attentionspan-backend/internal/models"
	"attentionspan-backend/internal/pipeline"
)

// StatsSource exposes stream loop counters; implemented by *pipeline.Loop
type StatsSource interface {
	Stats() pipeline.Stats
}

// HealthService periodically samples loop statistics, warns when most
// bursts of an interval are skipped and publishes a health report
type HealthService struct {
	source   StatsSource
	deviceID string

	interval     time.Duration
	skipRateWarn float64
	now          func() time.Time

	// Output channel for health reports (nil disables publishing)
	ReportChan chan<- models.HealthReport

	mu   sync.Mutex
	last pipeline.Stats
}

// HealthServiceConfig holds configuration for health service
type HealthServiceConfig struct {
	DeviceID     string
	Interval     time.Duration
	SkipRateWarn float64 // warn when the interval skip rate exceeds this
	Now          func() time.Time
}

// DefaultHealthServiceConfig returns default configuration
func DefaultHealthServiceConfig() HealthServiceConfig {
	return HealthServiceConfig{
		Interval:     30 * time.Second,
		SkipRateWarn: 0.8,
		Now:          time.Now,
	}
}

// NewHealthService creates a new health service
func NewHealthService(source StatsSource, reports chan<- models.HealthReport, config HealthServiceConfig) *HealthService {
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.Interval <= 0 {
		config.Interval = 30 * time.Second
	}
	return &HealthService{
		source:       source,
		deviceID:     config.DeviceID,
		interval:     config.Interval,
		skipRateWarn: config.SkipRateWarn,
		now:          config.Now,
		ReportChan:   reports,
	}
}

// Start begins the sampling loop
func (hs *HealthService) Start(ctx context.Context) {
	logrus.WithFields(logrus.Fields{
		"interval":       hs.interval,
		"skip_rate_warn": hs.skipRateWarn,
	}).Info("HealthService: Starting...")

	ticker := time.NewTicker(hs.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Report the final partial interval
			hs.Check()
			logrus.Info("HealthService: Shutdown complete")
			return
		case <-ticker.C:
			hs.Check()
		}
	}
}

// Check samples the counters once and emits a report covering the time
// since the previous check
func (hs *HealthService) Check() models.HealthReport {
	cur := hs.source.Stats()

	hs.mu.Lock()
	prev := hs.last
	hs.last = cur
	hs.mu.Unlock()

	report := models.HealthReport{
		SessionID:   cur.SessionID,
		DeviceID:    hs.deviceID,
		Timestamp:   hs.now(),
		State:       cur.State.String(),
		Iterations:  cur.Iterations,
		Skipped:     cur.Skipped,
		SkipReasons: make(map[string]uint64, len(cur.SkipsBy)),
		SkipRate:    intervalSkipRate(prev, cur),
	}
	for reason, n := range cur.SkipsBy {
		report.SkipReasons[reason.String()] = n
	}

	entry := logrus.WithFields(logrus.Fields{
		"state":      report.State,
		"iterations": report.Iterations,
		"skipped":    report.Skipped,
		"skip_rate":  report.SkipRate,
	})
	if hs.skipRateWarn > 0 && report.SkipRate > hs.skipRateWarn {
		entry.WithField("skip_reasons", report.SkipReasons).
			Warn("HealthService: Most bursts are being skipped, check electrode contact and motion")
	} else {
		entry.Debug("HealthService: Health check")
	}

	if hs.ReportChan != nil {
		select {
		case hs.ReportChan <- report:
		default:
			logrus.Warn("HealthService: Report channel full, dropping report")
		}
	}
	return report
}

// intervalSkipRate is the share of cycles skipped between two snapshots.
// A counter reset (new session) restarts the interval from zero.
func intervalSkipRate(prev, cur pipeline.Stats) float64 {
	if prev.SessionID != cur.SessionID || cur.Cycles < prev.Cycles {
		prev = pipeline.Stats{}
	}
	cycles := cur.Cycles - prev.Cycles
	if cycles == 0 {
		return 0
	}
	skipped := cur.Skipped - min(prev.Skipped, cur.Skipped)
	return float64(skipped) / float64(cycles)
}
