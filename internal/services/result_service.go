package services

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"attentionspan-backend/internal/aggregator"
	"attentionspan-backend/internal/models"
)

// ResultStore persists results, rejections and the device registry.
// Implemented by database.ClickHouseDB and store.Store.
type ResultStore interface {
	SaveResult(ctx context.Context, r models.InferenceResult) error
	SaveRejection(ctx context.Context, rej models.Rejection) error
	UpsertDevice(ctx context.Context, device *models.Device) error
}

// ResultService fans loop output out to the store, the shared result
// buffer and the MQTT publisher
type ResultService struct {
	store   ResultStore // nil disables persistence
	buffer  *aggregator.ResultBuffer
	publish chan<- models.InferenceResult // nil disables publishing

	// Input channels (written by the stream loop)
	ResultChan    chan models.InferenceResult
	RejectionChan chan models.Rejection

	device        models.Device
	storeTimeout  time.Duration
	deviceRefresh time.Duration
	now           func() time.Time
	lastUpsert    time.Time

	closeOnce sync.Once
	done      chan struct{}

	mu       sync.Mutex
	saved    uint64
	rejected uint64
	dropped  uint64
}

// ResultServiceConfig holds configuration for result service
type ResultServiceConfig struct {
	Device            models.Device
	ResultChannelSize int
	RejectChannelSize int
	StoreTimeout      time.Duration
	DeviceRefresh     time.Duration // minimum gap between registry refreshes
	Now               func() time.Time
}

// DefaultResultServiceConfig returns default configuration
func DefaultResultServiceConfig() ResultServiceConfig {
	return ResultServiceConfig{
		ResultChannelSize: 100,
		RejectChannelSize: 100,
		StoreTimeout:      5 * time.Second,
		DeviceRefresh:     30 * time.Second,
		Now:               time.Now,
	}
}

// NewResultService creates a new result service
func NewResultService(
	store ResultStore,
	buffer *aggregator.ResultBuffer,
	publish chan<- models.InferenceResult,
	config ResultServiceConfig,
) *ResultService {
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.StoreTimeout <= 0 {
		config.StoreTimeout = 5 * time.Second
	}
	return &ResultService{
		store:         store,
		buffer:        buffer,
		publish:       publish,
		ResultChan:    make(chan models.InferenceResult, config.ResultChannelSize),
		RejectionChan: make(chan models.Rejection, config.RejectChannelSize),
		device:        config.Device,
		storeTimeout:  config.StoreTimeout,
		deviceRefresh: config.DeviceRefresh,
		now:           config.Now,
		done:          make(chan struct{}),
	}
}

// Submit hands one result to the service. It blocks while the input channel
// is full so results are never dropped; it has the signature of a loop sink.
func (s *ResultService) Submit(ctx context.Context, r models.InferenceResult) error {
	select {
	case s.ResultChan <- r:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubmitRejection hands one rejection to the service without blocking the loop
func (s *ResultService) SubmitRejection(rej models.Rejection) {
	select {
	case s.RejectionChan <- rej:
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
		logrus.WithField("reason", rej.Reason.String()).Warn("ResultService: Rejection channel full, dropping record")
	}
}

// Close stops accepting input. Start returns once the buffered input is processed.
func (s *ResultService) Close() {
	s.closeOnce.Do(func() {
		close(s.ResultChan)
		close(s.RejectionChan)
	})
}

// Done is closed when Start returns
func (s *ResultService) Done() <-chan struct{} {
	return s.done
}

// Start begins processing results and rejections from the channels.
// Runs until context is cancelled or Close has been called and the input is drained.
func (s *ResultService) Start(ctx context.Context) {
	defer close(s.done)
	logrus.Info("ResultService: Starting...")

	s.registerDevice(ctx, true)

	results, rejections := s.ResultChan, s.RejectionChan
	for results != nil || rejections != nil {
		select {
		case <-ctx.Done():
			logrus.Info("ResultService: Shutting down...")
			return
		case r, ok := <-results:
			if !ok {
				results = nil
				continue
			}
			s.processResult(ctx, r)
		case rej, ok := <-rejections:
			if !ok {
				rejections = nil
				continue
			}
			s.processRejection(ctx, rej)
		}
	}

	saved, rejected, dropped := s.Counts()
	logrus.WithFields(logrus.Fields{
		"results":    saved,
		"rejections": rejected,
		"dropped":    dropped,
	}).Info("ResultService: Shutdown complete")
}

// Counts returns processed results, processed rejections and dropped rejections
func (s *ResultService) Counts() (results, rejections, dropped uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saved, s.rejected, s.dropped
}

// processResult handles a single inference result
func (s *ResultService) processResult(ctx context.Context, r models.InferenceResult) {
	if s.buffer != nil {
		s.buffer.Publish(r)
	}

	if s.publish != nil {
		select {
		case s.publish <- r:
		default:
			logrus.WithField("iteration", r.Iteration).Warn("ResultService: Publisher channel full, dropping state update")
		}
	}

	if s.store != nil {
		sctx, cancel := s.storeContext(ctx)
		err := s.store.SaveResult(sctx, r)
		cancel()
		if err != nil {
			logrus.WithError(err).WithField("iteration", r.Iteration).Error("ResultService: Error saving result")
		}
	}

	s.mu.Lock()
	s.saved++
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"iteration":  r.Iteration,
		"label":      r.ClassLabel,
		"confidence": r.Confidence(),
	}).Debug("ResultService: Result processed")

	s.registerDevice(ctx, false)
}

// processRejection handles a single skipped cycle
func (s *ResultService) processRejection(ctx context.Context, rej models.Rejection) {
	if s.store != nil {
		sctx, cancel := s.storeContext(ctx)
		err := s.store.SaveRejection(sctx, rej)
		cancel()
		if err != nil {
			logrus.WithError(err).WithField("reason", rej.Reason.String()).Error("ResultService: Error saving rejection")
		}
	}

	s.mu.Lock()
	s.rejected++
	s.mu.Unlock()

	s.registerDevice(ctx, false)
}

// storeContext outlives ctx cancellation so the drain after shutdown still persists
func (s *ResultService) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.storeTimeout)
}

// registerDevice refreshes the device registry entry, at most once per refresh interval
func (s *ResultService) registerDevice(ctx context.Context, force bool) {
	if s.store == nil || s.device.DeviceID == "" {
		return
	}
	now := s.now()
	if !force && now.Sub(s.lastUpsert) < s.deviceRefresh {
		return
	}
	s.lastUpsert = now

	device := s.device
	if device.RegisteredAt.IsZero() {
		device.RegisteredAt = now
		s.device.RegisteredAt = now
	}
	if device.Name == "" {
		device.Name = device.DeviceID
	}
	device.LastSeen = now
	device.IsActive = true

	sctx, cancel := s.storeContext(ctx)
	defer cancel()
	// Best effort - don't fail if registration fails
	if err := s.store.UpsertDevice(sctx, &device); err != nil {
		logrus.WithError(err).WithField("device_id", device.DeviceID).Error("ResultService: Error registering device")
	}
}
