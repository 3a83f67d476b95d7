package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"attentionspan-backend/internal/artifact"
	"attentionspan-backend/internal/board"
	"attentionspan-backend/internal/conditioning"
	"attentionspan-backend/internal/database"
	"attentionspan-backend/internal/ml"
	"attentionspan-backend/internal/models"
	"attentionspan-backend/internal/pipeline"
	"attentionspan-backend/internal/services"
	"attentionspan-backend/internal/store"
	"attentionspan-backend/pkg/config"
)

// loopConfig maps the flat configuration onto the stream loop parameters
func loopConfig(cfg *config.Config) pipeline.Config {
	lc := pipeline.DefaultConfig()
	lc.DeviceID = cfg.DeviceID
	lc.BurstDuration = cfg.BurstDuration
	lc.WarmUp = cfg.WarmUp
	lc.Retry = pipeline.RetryPolicy{
		MaxAttempts: cfg.RetryMaxAttempts,
		Interval:    cfg.RetryInterval,
		Multiplier:  cfg.RetryMultiplier,
		MaxInterval: cfg.RetryMaxInterval,
	}
	lc.AuxLayout = artifact.AuxLayout(cfg.AuxLayout)
	lc.Conditioning.Notches = conditioning.LineNoise(cfg.LineNoise).Notches()
	lc.Conditioning.ForwardOnly = cfg.ForwardOnly
	lc.Gate = artifact.Config{
		MinSamples:         cfg.MinSamples,
		AmplitudeThreshold: cfg.AmplitudeThreshold,
		MotionThreshold:    cfg.MotionThreshold,
		VarianceRejection:  cfg.VarianceRejection,
		VariancePercentile: cfg.VariancePercentile,
	}
	return lc
}

// buildEngine selects the remote engine when a URL is configured, the local model otherwise
func buildEngine(cfg *config.Config) (ml.Engine, error) {
	if cfg.RemoteURL != "" {
		logrus.WithField("url", cfg.RemoteURL).Info("Using remote inference engine")
		return ml.NewRemoteEngine(cfg.RemoteURL, cfg.RemoteTimeout), nil
	}

	p, err := ml.NewPredictor(cfg.ModelPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w (create one with: sample-model --out %s)", err, cfg.ModelPath)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// buildStore opens the configured result store. The returned close function is never nil.
func buildStore(ctx context.Context, cfg *config.Config) (services.ResultStore, func(), error) {
	switch cfg.Store {
	case "clickhouse":
		db, err := database.NewClickHouseDB(ctx, database.ClickHouseConfig{
			Addr:     cfg.ClickHouseAddr,
			Database: cfg.ClickHouseDB,
			Username: cfg.ClickHouseUser,
			Password: cfg.ClickHousePass,
		})
		if err != nil {
			return nil, func() {}, fmt.Errorf("failed to initialize ClickHouse: %w", err)
		}
		return db, func() { _ = db.Close() }, nil

	case "sqlite":
		s, err := store.Open(cfg.SQLitePath)
		if err != nil {
			return nil, func() {}, fmt.Errorf("failed to open SQLite store: %w", err)
		}
		return s, func() { _ = s.Close() }, nil

	default:
		logrus.Info("Result persistence disabled")
		return nil, func() {}, nil
	}
}

// simulatorConfig maps the configuration onto the synthetic board
func simulatorConfig(cfg *config.Config, now func() time.Time) board.SimulatorConfig {
	sc := board.DefaultSimulatorConfig()
	sc.SamplingRate = cfg.SimSamplingRate
	sc.Seed = cfg.SimSeed
	sc.Now = now
	return sc
}

// deviceInfo describes the board session for the device registry
func deviceInfo(cfg *config.Config) models.Device {
	d := models.Device{
		DeviceID: cfg.DeviceID,
		Name:     cfg.DeviceID,
		Source:   cfg.BoardSource,
		Config: map[string]string{
			"aux_layout":     cfg.AuxLayout,
			"line_noise":     cfg.LineNoise,
			"burst_duration": cfg.BurstDuration.String(),
		},
	}
	switch cfg.BoardSource {
	case "simulator":
		sc := board.DefaultSimulatorConfig()
		d.SamplingRate = cfg.SimSamplingRate
		d.PrimaryChannels = sc.Channels
		d.AuxChannels = sc.AuxChannels
	case "edf":
		d.Config["edf_path"] = cfg.EDFPath
	}
	return d
}
