package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"attentionspan-backend/internal/aggregator"
	"attentionspan-backend/internal/board"
	"attentionspan-backend/internal/models"
	"attentionspan-backend/internal/mqtt"
	"attentionspan-backend/internal/pipeline"
	"attentionspan-backend/internal/services"
	"attentionspan-backend/pkg/config"
)

const drainTimeout = 10 * time.Second

var (
	configPath string
	cfg        *config.Config
)

func main() {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "attentionspan",
		Short:             "EEG attention and fatigue inference backend",
		SilenceUsage:      true,
		PersistentPreRunE: loadConfig,
		RunE:              runServe,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (yaml, toml or json); defaults to $CONFIG_FILE")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Stream from the configured board until interrupted (default command)",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	})
	rootCmd.AddCommand(newReplayCmd())
	rootCmd.AddCommand(newSampleModelCmd())
	return rootCmd
}

func loadConfig(_ *cobra.Command, _ []string) error {
	c, err := config.LoadFile(configPath)
	if err != nil {
		return err
	}
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid configuration:\n%w", err)
	}
	if err := c.SetupLogging(); err != nil {
		return err
	}
	cfg = c
	return nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	logrus.Info("Starting attention span backend...")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Services outlive the loop so they can drain after a shutdown signal
	svcCtx, cancelSvc := context.WithCancel(context.Background())
	defer cancelSvc()

	engine, err := buildEngine(cfg)
	if err != nil {
		return fmt.Errorf("failed to load inference engine: %w", err)
	}

	resultStore, closeStore, err := buildStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	// === MQTT ===
	var (
		client        *mqtt.Client
		publisher     *mqtt.Publisher
		resultsOut    chan<- models.InferenceResult
		healthOut     chan<- models.HealthReport
		publisherDone = make(chan struct{})
	)
	if cfg.MQTTEnabled {
		logrus.Info("Connecting to MQTT broker...")
		client, err = mqtt.NewClient(mqtt.ClientConfig{
			Broker:   cfg.MQTTBroker,
			ClientID: cfg.MQTTClientID,
			Username: cfg.MQTTUsername,
			Password: cfg.MQTTPassword,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize MQTT client: %w", err)
		}
		defer client.Close()

		pubCfg := mqtt.DefaultPublisherConfig()
		pubCfg.StateTopic = cfg.MQTTTopicState
		pubCfg.HealthTopic = cfg.MQTTTopicHealth
		publisher = mqtt.NewPublisher(client.GetNativeClient(), pubCfg)
		resultsOut = publisher.ResultChan
		healthOut = publisher.HealthChan
		go func() {
			publisher.Start(svcCtx)
			close(publisherDone)
		}()
	} else {
		close(publisherDone)
	}

	// === Board session ===
	sess, err := buildSession(client)
	if err != nil {
		return err
	}

	// === Result fan-out ===
	buffer := aggregator.NewResultBuffer(cfg.HistoryMax)
	rsCfg := services.DefaultResultServiceConfig()
	rsCfg.Device = deviceInfo(cfg)
	resultService := services.NewResultService(resultStore, buffer, resultsOut, rsCfg)
	go resultService.Start(svcCtx)

	// === Stream loop ===
	loop, err := pipeline.New(loopConfig(cfg), sess, engine,
		pipeline.WithRejectHook(resultService.SubmitRejection))
	if err != nil {
		return fmt.Errorf("failed to build stream loop: %w", err)
	}

	if client != nil {
		control := mqtt.NewSubscriber(client.GetNativeClient(), mqtt.SubscriberConfig{
			DeviceID:     cfg.DeviceID,
			ControlTopic: cfg.MQTTTopicControl,
		}, nil, loop.Stop)
		if err := control.SubscribeAll(); err != nil {
			return fmt.Errorf("failed to subscribe to control topic: %w", err)
		}
		defer func() { _ = control.UnsubscribeAll() }()
		client.OnReconnect(func() {
			if err := control.SubscribeAll(); err != nil {
				logrus.WithError(err).Error("Server: Failed to restore control subscription")
			}
		})
	}

	// === Health ===
	hsCfg := services.DefaultHealthServiceConfig()
	hsCfg.DeviceID = cfg.DeviceID
	hsCfg.Interval = cfg.HealthInterval
	hsCfg.SkipRateWarn = cfg.HealthSkipRateWarn
	healthService := services.NewHealthService(loop, healthOut, hsCfg)
	healthCtx, cancelHealth := context.WithCancel(svcCtx)
	healthDone := make(chan struct{})
	go func() {
		healthService.Start(healthCtx)
		close(healthDone)
	}()

	logrus.WithFields(logrus.Fields{
		"session_id":  loop.SessionID(),
		"device_id":   cfg.DeviceID,
		"source":      cfg.BoardSource,
		"burst":       cfg.BurstDuration,
		"warm_up":     cfg.WarmUp,
		"line_noise":  cfg.LineNoise,
		"aux_layout":  cfg.AuxLayout,
		"store":       cfg.Store,
		"mqtt":        cfg.MQTTEnabled,
		"history_max": cfg.HistoryMax,
	}).Info("=== Attention span backend is running ===")
	logrus.Info("Press Ctrl+C to exit...")

	// Submit on svcCtx so a result produced as the signal lands is not dropped
	runErr := loop.Run(ctx, func(r models.InferenceResult) error {
		return resultService.Submit(svcCtx, r)
	})
	if errors.Is(runErr, context.Canceled) || errors.Is(runErr, board.ErrExhausted) {
		runErr = nil
	}

	// === Graceful shutdown ===
	logrus.Info("Stream loop finished, draining services...")
	resultService.Close()
	select {
	case <-resultService.Done():
	case <-time.After(drainTimeout):
		logrus.Warn("Server: Result service did not drain in time")
	}
	cancelHealth()
	<-healthDone
	cancelSvc()
	<-publisherDone

	if cfg.HistoryPath != "" {
		if err := buffer.WriteFile(cfg.HistoryPath, loop.SessionID()); err != nil {
			logrus.WithError(err).Error("Server: Failed to write result history")
		}
	}

	stats := loop.Stats()
	saved, rejected, dropped := resultService.Counts()
	logrus.WithFields(logrus.Fields{
		"iterations":         stats.Iterations,
		"skipped":            stats.Skipped,
		"skip_rate":          stats.SkipRate(),
		"results_saved":      saved,
		"rejections_saved":   rejected,
		"rejections_dropped": dropped,
	}).Info("Shutdown complete. Goodbye!")
	return runErr
}

// buildSession creates the configured board session. The mqtt source is fed
// by a raw topic subscription that lives between Connect and Release.
func buildSession(client *mqtt.Client) (board.Session, error) {
	switch cfg.BoardSource {
	case "edf":
		return board.NewEDFReplay(board.ReplayConfig{
			Path:  cfg.EDFPath,
			Chunk: cfg.BurstDuration,
		}), nil

	case "mqtt":
		if client == nil {
			return nil, errors.New("mqtt board source requires an MQTT client")
		}
		var (
			raw      *mqtt.Subscriber
			attached atomic.Bool
		)
		sess := board.NewBufferedSession(board.BufferedConfig{
			SamplingRate: cfg.SimSamplingRate,
			OnConnect: func(ctx context.Context) error {
				if !client.IsConnected() {
					return errors.New("MQTT client is not connected")
				}
				if err := raw.SubscribeAll(); err != nil {
					return err
				}
				attached.Store(true)
				return nil
			},
			OnRelease: func() error {
				attached.Store(false)
				return raw.UnsubscribeAll()
			},
		})
		raw = mqtt.NewSubscriber(client.GetNativeClient(), mqtt.SubscriberConfig{
			DeviceID: cfg.DeviceID,
			RawTopic: cfg.MQTTTopicRaw,
		}, sess, nil)
		client.OnReconnect(func() {
			if !attached.Load() {
				return
			}
			if err := raw.SubscribeAll(); err != nil {
				logrus.WithError(err).Error("Server: Failed to restore raw sample subscription")
			}
		})
		return sess, nil

	default:
		return board.NewSimulator(simulatorConfig(cfg, time.Now)), nil
	}
}
