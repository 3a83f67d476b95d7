// Package pipeline runs the burst-by-burst acquisition and inference loop
// for one board session.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"attentionspan-backend/internal/artifact"
	"attentionspan-backend/internal/bandpower"
	"attentionspan-backend/internal/board"
	"attentionspan-backend/internal/conditioning"
	"attentionspan-backend/internal/features"
	"attentionspan-backend/internal/ml"
	"attentionspan-backend/internal/models"
)

var (
	// ErrConnection is returned once board connection retries are exhausted
	ErrConnection = errors.New("board connection failure")
	// ErrStopped is returned when a stopped loop is run again
	ErrStopped = errors.New("stream loop stopped")
)

// Config holds the loop parameters
type Config struct {
	DeviceID      string
	BurstDuration time.Duration
	// WarmUp is waited once after the stream starts; raised to 2x burst
	WarmUp       time.Duration
	Retry        RetryPolicy
	AuxLayout    artifact.AuxLayout
	Conditioning conditioning.Config
	Gate         artifact.Config
}

// DefaultConfig returns 1 second bursts with the canonical thresholds
func DefaultConfig() Config {
	return Config{
		DeviceID:      "muse-01",
		BurstDuration: time.Second,
		WarmUp:        2 * time.Second,
		Retry:         DefaultRetryPolicy(),
		AuxLayout:     artifact.AccelFirst,
		Conditioning:  conditioning.DefaultConfig(),
		Gate:          artifact.DefaultConfig(),
	}
}

// Option customises a Loop
type Option func(*Loop)

// WithClock replaces the wall clock
func WithClock(c Clock) Option {
	return func(l *Loop) { l.clock = c }
}

// WithRejectHook is called synchronously for every skipped cycle
func WithRejectHook(h func(models.Rejection)) Option {
	return func(l *Loop) { l.onReject = h }
}

// WithSessionID overrides the generated session id
func WithSessionID(id string) Option {
	return func(l *Loop) { l.sessionID = id }
}

// Loop is the stream state machine for one board session. A Loop runs once;
// after Stopped a fresh Loop and Session are required.
type Loop struct {
	cfg         Config
	board       board.Session
	engine      ml.Engine
	conditioner *conditioning.Conditioner
	gate        *artifact.Gate
	extractor   *bandpower.Extractor
	builder     *features.Builder
	clock       Clock
	onReject    func(models.Rejection)
	sessionID   string
	log         *logrus.Entry

	state       atomic.Int32
	started     atomic.Bool
	stopped     atomic.Bool
	stopCh      chan struct{}
	stopOnce    sync.Once
	releaseOnce sync.Once
	streaming   bool

	connects   atomic.Uint64
	cycles     atomic.Uint64
	iterations atomic.Uint64
	skips      [models.NumRejectionReasons]atomic.Uint64

	errMu sync.Mutex
	err   error
}

// New creates a loop over a board session and an inference engine
func New(cfg Config, sess board.Session, engine ml.Engine, opts ...Option) (*Loop, error) {
	if sess == nil || engine == nil {
		return nil, fmt.Errorf("stream loop needs a board session and an inference engine")
	}
	if cfg.BurstDuration <= 0 {
		return nil, fmt.Errorf("burst duration must be positive, got %v", cfg.BurstDuration)
	}
	if cfg.WarmUp < 2*cfg.BurstDuration {
		cfg.WarmUp = 2 * cfg.BurstDuration
	}
	if cfg.Retry.Interval <= 0 {
		cfg.Retry.Interval = DefaultRetryPolicy().Interval
	}

	l := &Loop{
		cfg:         cfg,
		board:       sess,
		engine:      engine,
		conditioner: conditioning.New(cfg.Conditioning),
		gate:        artifact.NewGate(cfg.Gate),
		extractor:   bandpower.New(),
		builder:     features.NewBuilder(),
		clock:       SystemClock(),
		sessionID:   uuid.NewString(),
		stopCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.log = logrus.WithFields(logrus.Fields{
		"session_id": l.sessionID,
		"device_id":  cfg.DeviceID,
	})
	return l, nil
}

// SessionID identifies this run on every result and rejection
func (l *Loop) SessionID() string {
	return l.sessionID
}

// State returns the current state
func (l *Loop) State() State {
	return State(l.state.Load())
}

func (l *Loop) setState(s State) {
	old := State(l.state.Swap(int32(s)))
	if old != s {
		l.log.Debugf("StreamLoop: %s -> %s", old, s)
	}
}

// Stop requests a cooperative stop. Waits are interrupted at once; a cycle
// already processing runs to completion. Safe to call from any goroutine.
func (l *Loop) Stop() {
	l.stopped.Store(true)
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// Err returns the error that ended the run, nil after a stop, a consumer
// break, a cancelled context or an exhausted source.
func (l *Loop) Err() error {
	l.errMu.Lock()
	defer l.errMu.Unlock()
	return l.err
}

func (l *Loop) setErr(err error) {
	l.errMu.Lock()
	defer l.errMu.Unlock()
	if l.err == nil {
		l.err = err
	}
}

// Run feeds every result to sink until the loop ends. A sink error stops
// the loop and is returned.
func (l *Loop) Run(ctx context.Context, sink func(models.InferenceResult) error) error {
	if l.started.Load() {
		return ErrStopped
	}
	for r := range l.Results(ctx) {
		if err := sink(r); err != nil {
			return err
		}
	}
	return l.Err()
}

// Results returns the pull-based result sequence. Ranging over it connects
// the board, waits for the warm-up, then yields one result per accepted
// burst. Breaking out of the range, cancelling ctx or calling Stop ends the
// stream and releases the board exactly once. Only the first call runs the
// loop; later calls yield nothing.
func (l *Loop) Results(ctx context.Context) iter.Seq[models.InferenceResult] {
	return func(yield func(models.InferenceResult) bool) {
		if !l.started.CompareAndSwap(false, true) {
			return
		}

		// waits are cut short by Stop; work already underway uses ctx
		waitCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			select {
			case <-l.stopCh:
				cancel()
			case <-waitCtx.Done():
			}
		}()

		defer l.shutdown()

		if l.stopped.Load() {
			return
		}
		if err := l.connect(waitCtx); err != nil {
			if waitCtx.Err() == nil {
				l.setErr(err)
			}
			return
		}

		if err := l.board.StartStream(); err != nil {
			l.setErr(fmt.Errorf("%w: start stream: %v", ErrConnection, err))
			return
		}
		l.streaming = true
		l.setState(Streaming)
		l.log.WithFields(logrus.Fields{
			"burst":   l.cfg.BurstDuration,
			"warm_up": l.cfg.WarmUp,
		}).Info("StreamLoop: Streaming started, warming up")

		if err := l.clock.Sleep(waitCtx, l.cfg.WarmUp); err != nil {
			return
		}

		for !l.stopped.Load() {
			if err := l.clock.Sleep(waitCtx, l.cfg.BurstDuration); err != nil {
				return
			}
			if l.stopped.Load() {
				return
			}

			l.setState(Cycling)
			result, reason, detail, samples, err := l.cycle(ctx)
			l.setState(Streaming)

			if err != nil {
				if errors.Is(err, board.ErrExhausted) {
					l.log.Info("StreamLoop: Board source exhausted")
				}
				return
			}
			if reason != 0 {
				l.reject(reason, detail, samples)
				continue
			}

			if !yield(result) {
				return
			}
		}
	}
}

// connect performs the board handshake under the retry policy
func (l *Loop) connect(ctx context.Context) error {
	l.setState(Idle)
	_, err := l.cfg.Retry.Do(ctx, l.clock, func(ctx context.Context) error {
		l.connects.Add(1)
		return l.board.Connect(ctx)
	}, func(attempt int, err error, delay time.Duration) {
		l.log.WithFields(logrus.Fields{
			"attempt":      attempt,
			"max_attempts": l.cfg.Retry.MaxAttempts,
			"delay":        delay,
		}).Warnf("StreamLoop: Board connection failed: %v", err)
	})
	if err != nil {
		if ctx.Err() == nil {
			l.log.Errorf("StreamLoop: Giving up on board connection: %v", err)
		}
		return err
	}

	l.setState(Connected)
	l.log.WithField("sampling_rate", l.board.SamplingRate()).Info("StreamLoop: Board connected")
	return nil
}

// cycle processes one burst. A non-zero reason means the cycle was skipped;
// an error ends the stream (source exhausted or ctx cancelled during inference).
func (l *Loop) cycle(ctx context.Context) (models.InferenceResult, models.RejectionReason, string, int, error) {
	var none models.InferenceResult

	primary, err := l.board.PullPrimary()
	if errors.Is(err, board.ErrExhausted) {
		return none, 0, "", 0, err
	}
	l.cycles.Add(1)
	if err != nil {
		return none, models.AcquisitionFailure, err.Error(), 0, nil
	}
	aux, err := l.board.PullAuxiliary()
	if err != nil {
		l.log.Warnf("StreamLoop: Auxiliary pull failed, motion features zeroed: %v", err)
		aux = nil
	}

	burst := models.Burst{Primary: primary, Aux: aux, SamplingRate: l.board.SamplingRate()}
	n := burst.Samples()
	if n < l.cfg.Gate.MinSamples {
		return none, models.InsufficientSamples, fmt.Sprintf("raw burst has %d samples", n), n, nil
	}
	burst = l.window(burst)
	n = burst.Samples()

	motion, accel := artifact.SummarizeMotion(burst.Aux, l.cfg.AuxLayout)

	conditioned, err := l.conditioner.Condition(burst.Primary, burst.SamplingRate)
	if err != nil {
		return none, models.FilterFailure, err.Error(), n, nil
	}

	verdict := l.gate.Evaluate(conditioned, motion, accel)
	if !verdict.Accepted() {
		return none, verdict.Reason, verdict.Detail, n, nil
	}

	bp, err := l.extractor.Extract(verdict.Buffer, burst.SamplingRate)
	if err != nil {
		return none, models.SpectralComputationFailure, err.Error(), verdict.Samples(), nil
	}

	fv, err := l.builder.Build(bp, motion, verdict.Samples())
	if err != nil {
		return none, models.SpectralComputationFailure, err.Error(), verdict.Samples(), nil
	}

	pred, err := l.engine.Predict(ctx, fv)
	if err != nil && ctx.Err() != nil {
		// shutdown, not a model failure
		return none, 0, "", verdict.Samples(), ctx.Err()
	}
	if err != nil {
		return none, models.ModelInferenceFailure, err.Error(), verdict.Samples(), nil
	}

	iteration := l.iterations.Add(1) - 1
	result := models.InferenceResult{
		SessionID:          l.sessionID,
		DeviceID:           l.cfg.DeviceID,
		Iteration:          iteration,
		Timestamp:          l.clock.Now(),
		ClassLabel:         pred.ClassLabel,
		ClassProbabilities: pred.ClassProbabilities,
		ContinuousOutputs:  pred.ContinuousOutputs,
		Features: models.FeatureSnapshot{
			BandPowers: bp,
			Motion:     motion,
			Samples:    verdict.Samples(),
		},
	}

	l.log.WithFields(logrus.Fields{
		"iteration":  iteration,
		"label":      result.ClassLabel,
		"confidence": fmt.Sprintf("%.3f", result.Confidence()),
		"samples":    verdict.Samples(),
		"dropped":    verdict.Dropped,
	}).Debug("StreamLoop: Burst processed")

	return result, 0, "", verdict.Samples(), nil
}

// window keeps the newest burst-duration of samples. The first pull after
// the warm-up holds the whole backlog.
func (l *Loop) window(b models.Burst) models.Burst {
	want := int(math.Round(l.cfg.BurstDuration.Seconds() * b.SamplingRate))
	n := b.Samples()
	if want <= 0 || n <= want {
		return b
	}
	b.Primary = tail(b.Primary, want)
	if m := models.SampleCount(b.Aux); m > 0 {
		b.Aux = tail(b.Aux, int(math.Round(float64(m)*float64(want)/float64(n))))
	}
	return b
}

func tail(buf [][]float64, n int) [][]float64 {
	out := make([][]float64, len(buf))
	for ch, row := range buf {
		out[ch] = row[max(len(row)-n, 0):]
	}
	return out
}

func (l *Loop) reject(reason models.RejectionReason, detail string, samples int) {
	l.skips[reason].Add(1)
	rej := models.Rejection{
		SessionID: l.sessionID,
		DeviceID:  l.cfg.DeviceID,
		Cycle:     l.cycles.Load(),
		Timestamp: l.clock.Now(),
		Reason:    reason,
		Samples:   samples,
		Detail:    detail,
	}

	entry := l.log.WithFields(logrus.Fields{
		"reason":  reason.String(),
		"cycle":   rej.Cycle,
		"samples": samples,
	})
	if reason.Artifact() || reason == models.AcquisitionFailure {
		entry.Warnf("StreamLoop: Skipping burst: %s", detail)
	} else {
		entry.Errorf("StreamLoop: Skipping burst: %s", detail)
	}

	if l.onReject != nil {
		l.onReject(rej)
	}
}

// shutdown drains the stream and releases the board exactly once
func (l *Loop) shutdown() {
	l.setState(Draining)
	if l.streaming {
		if err := l.board.StopStream(); err != nil {
			l.log.Warnf("StreamLoop: Error stopping stream: %v", err)
		}
		l.streaming = false
	}
	l.releaseOnce.Do(func() {
		if err := l.board.Release(); err != nil {
			l.log.Warnf("StreamLoop: Error releasing board: %v", err)
		}
	})
	l.stopped.Store(true)
	l.stopOnce.Do(func() { close(l.stopCh) })
	l.setState(Stopped)

	stats := l.Stats()
	l.log.WithFields(logrus.Fields{
		"iterations": stats.Iterations,
		"skipped":    stats.Skipped,
		"skip_rate":  fmt.Sprintf("%.2f", stats.SkipRate()),
	}).Info("StreamLoop: Stopped")
}
