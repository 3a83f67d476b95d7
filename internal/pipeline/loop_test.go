package pipeline_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attentionspan-backend/internal/artifact"
	"attentionspan-backend/internal/bandpower"
	"attentionspan-backend/internal/board"
	"attentionspan-backend/internal/conditioning"
	"attentionspan-backend/internal/features"
	"attentionspan-backend/internal/ml"
	"attentionspan-backend/internal/models"
	"attentionspan-backend/internal/pipeline"
)

const rate = 256.0

type pull struct {
	primary [][]float64
	aux     [][]float64
	err     error
}

// fakeBoard replays scripted pulls; next(i) produces the i-th pull
type fakeBoard struct {
	mu          sync.Mutex
	connectErrs []error
	next        func(i int) pull
	pulls       int
	pendingAux  [][]float64

	connects, starts, stops, releases int
}

func (b *fakeBoard) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connects++
	if len(b.connectErrs) > 0 {
		err := b.connectErrs[0]
		if len(b.connectErrs) > 1 {
			b.connectErrs = b.connectErrs[1:]
		} else if err == nil {
			b.connectErrs = nil
		}
		return err
	}
	return nil
}

func (b *fakeBoard) StartStream() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.starts++
	return nil
}

func (b *fakeBoard) PullPrimary() ([][]float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := b.next(b.pulls)
	b.pulls++
	b.pendingAux = p.aux
	return p.primary, p.err
}

func (b *fakeBoard) PullAuxiliary() ([][]float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pendingAux, nil
}

func (b *fakeBoard) SamplingRate() float64 { return rate }

func (b *fakeBoard) StopStream() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stops++
	return nil
}

func (b *fakeBoard) Release() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.releases++
	return nil
}

func (b *fakeBoard) counts() (connects, starts, stops, releases int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connects, b.starts, b.stops, b.releases
}

// fakeEngine returns a fixed prediction; fail(call) decides failures
type fakeEngine struct {
	mu     sync.Mutex
	calls  int
	fail   func(call int) bool
	onCall func(call int)
	seen   []models.FeatureVector
}

func (e *fakeEngine) Predict(ctx context.Context, fv models.FeatureVector) (ml.Prediction, error) {
	e.mu.Lock()
	e.calls++
	call := e.calls
	e.seen = append(e.seen, fv)
	e.mu.Unlock()

	if e.onCall != nil {
		e.onCall(call)
	}
	if err := ctx.Err(); err != nil {
		return ml.Prediction{}, err
	}
	if e.fail != nil && e.fail(call) {
		return ml.Prediction{}, errors.New("engine exploded")
	}
	return ml.Prediction{
		ClassLabel: "Focus-NotFatigued",
		ClassProbabilities: []models.ClassProbability{
			{Label: "Focus-NotFatigued", Probability: 0.7},
			{Label: "Focus-Fatigued", Probability: 0.1},
			{Label: "UnFocus-NotFatigued", Probability: 0.1},
			{Label: "UnFocus-Fatigued", Probability: 0.1},
		},
		ContinuousOutputs: []float64{0.4, 0.3, 0.2, 0.1},
	}, nil
}

func zeros(channels, samples int) [][]float64 {
	buf := make([][]float64, channels)
	for i := range buf {
		buf[i] = make([]float64, samples)
	}
	return buf
}

func idle(int) pull {
	return pull{primary: zeros(4, 256), aux: zeros(6, 256)}
}

func newLoop(t *testing.T, b *fakeBoard, e ml.Engine, opts ...pipeline.Option) (*pipeline.Loop, *pipeline.VirtualClock) {
	t.Helper()
	clock := pipeline.NewVirtualClock(time.Unix(1700000000, 0))
	cfg := pipeline.DefaultConfig()
	cfg.DeviceID = "test-headband"
	l, err := pipeline.New(cfg, b, e, append([]pipeline.Option{pipeline.WithClock(clock)}, opts...)...)
	require.NoError(t, err)
	return l, clock
}

func TestLoopEmitsResults(t *testing.T) {
	b := &fakeBoard{next: func(i int) pull {
		if i >= 3 {
			return pull{err: board.ErrExhausted}
		}
		return idle(i)
	}}
	l, clock := newLoop(t, b, &fakeEngine{}, pipeline.WithSessionID("session-1"))
	assert.Equal(t, pipeline.Idle, l.State())

	var results []models.InferenceResult
	require.NoError(t, l.Run(context.Background(), func(r models.InferenceResult) error {
		results = append(results, r)
		return nil
	}))

	require.Len(t, results, 3)
	for i, r := range results {
		assert.Equal(t, uint64(i), r.Iteration)
		assert.Equal(t, "session-1", r.SessionID)
		assert.Equal(t, "test-headband", r.DeviceID)
		assert.Equal(t, "Focus-NotFatigued", r.ClassLabel)
		assert.Equal(t, 256, r.Features.Samples)
		assert.False(t, r.Timestamp.IsZero())
	}
	assert.True(t, results[1].Timestamp.After(results[0].Timestamp))

	assert.Equal(t, pipeline.Stopped, l.State())
	connects, starts, stops, releases := b.counts()
	assert.Equal(t, 1, connects)
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, stops)
	assert.Equal(t, 1, releases)

	// warm-up then one wait per pull
	assert.Equal(t, []time.Duration{2 * time.Second, time.Second, time.Second, time.Second, time.Second}, clock.Sleeps())

	stats := l.Stats()
	assert.Equal(t, uint64(3), stats.Cycles)
	assert.Equal(t, uint64(3), stats.Iterations)
	assert.Equal(t, uint64(0), stats.Skipped)
}

func TestLoopSkipsAndCountsRejections(t *testing.T) {
	b := &fakeBoard{next: func(i int) pull {
		switch i {
		case 0:
			return pull{primary: zeros(4, 10), aux: zeros(6, 10)}
		case 1:
			return pull{err: errors.New("bluetooth hiccup")}
		case 2:
			eeg := zeros(4, 256)
			for ch := range eeg {
				for j := range eeg[ch] {
					eeg[ch][j] = 10000 * math.Sin(2*math.Pi*10*float64(j)/rate)
				}
			}
			return pull{primary: eeg, aux: zeros(6, 256)}
		case 3:
			aux := zeros(6, 256)
			for j := range aux[2] {
				aux[2][j] = 1 + 2*float64(j%2)
			}
			return pull{primary: zeros(4, 256), aux: aux}
		case 4:
			eeg := zeros(4, 256)
			eeg[1][100] = math.NaN()
			return pull{primary: eeg, aux: zeros(6, 256)}
		case 5, 6:
			return idle(i)
		default:
			return pull{err: board.ErrExhausted}
		}
	}}
	engine := &fakeEngine{fail: func(call int) bool { return call == 1 }}

	var rejections []models.Rejection
	l, _ := newLoop(t, b, engine, pipeline.WithRejectHook(func(r models.Rejection) {
		rejections = append(rejections, r)
	}))

	var results []models.InferenceResult
	for r := range l.Results(context.Background()) {
		results = append(results, r)
	}
	require.NoError(t, l.Err())

	require.Len(t, results, 1)
	assert.Equal(t, uint64(0), results[0].Iteration, "skips never advance the iteration counter")

	reasons := make([]models.RejectionReason, 0, len(rejections))
	for _, r := range rejections {
		reasons = append(reasons, r.Reason)
		assert.Equal(t, l.SessionID(), r.SessionID)
	}
	assert.Equal(t, []models.RejectionReason{
		models.InsufficientSamples,
		models.AcquisitionFailure,
		models.AmplitudeArtifact,
		models.MotionArtifact,
		models.SpectralComputationFailure,
		models.ModelInferenceFailure,
	}, reasons)
	assert.Equal(t, uint64(1), rejections[0].Cycle)
	assert.Equal(t, uint64(6), rejections[5].Cycle)

	stats := l.Stats()
	assert.Equal(t, uint64(7), stats.Cycles)
	assert.Equal(t, uint64(1), stats.Iterations)
	assert.Equal(t, uint64(6), stats.Skipped)
	assert.InDelta(t, 6.0/7.0, stats.SkipRate(), 1e-12)
	for _, r := range reasons {
		assert.Equal(t, uint64(1), stats.SkipsBy[r], r.String())
	}

	// the insufficient burst never reached the engine
	assert.Equal(t, 2, engine.calls)
}

func TestLoopStopMidCycle(t *testing.T) {
	b := &fakeBoard{next: idle}
	engine := &fakeEngine{}
	l, clock := newLoop(t, b, engine)
	engine.onCall = func(call int) {
		if call == 1 {
			l.Stop()
		}
	}

	var results []models.InferenceResult
	for r := range l.Results(context.Background()) {
		results = append(results, r)
	}

	// the cycle in progress completes, nothing waits after the stop
	assert.Len(t, results, 1)
	assert.Equal(t, []time.Duration{2 * time.Second, time.Second}, clock.Sleeps())
	assert.Equal(t, pipeline.Stopped, l.State())
	_, _, stops, releases := b.counts()
	assert.Equal(t, 1, stops)
	assert.Equal(t, 1, releases)
	assert.NoError(t, l.Err())

	l.Stop()
	_, _, _, releases = b.counts()
	assert.Equal(t, 1, releases)
}

func TestLoopStopInterruptsWait(t *testing.T) {
	b := &fakeBoard{next: idle}
	cfg := pipeline.DefaultConfig()
	cfg.BurstDuration = 200 * time.Millisecond
	l, err := pipeline.New(cfg, b, &fakeEngine{})
	require.NoError(t, err)

	done := make(chan time.Time)
	go func() {
		_ = l.Run(context.Background(), func(models.InferenceResult) error { return nil })
		done <- time.Now()
	}()

	require.Eventually(t, func() bool { return l.State() == pipeline.Streaming }, time.Second, 5*time.Millisecond)
	stoppedAt := time.Now()
	l.Stop()

	select {
	case finished := <-done:
		assert.Less(t, finished.Sub(stoppedAt), cfg.BurstDuration)
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}
	assert.Equal(t, pipeline.Stopped, l.State())
	_, _, _, releases := b.counts()
	assert.Equal(t, 1, releases)
}

func TestLoopConsumerBreak(t *testing.T) {
	b := &fakeBoard{next: idle}
	l, _ := newLoop(t, b, &fakeEngine{})

	n := 0
	for range l.Results(context.Background()) {
		n++
		if n == 2 {
			break
		}
	}

	assert.Equal(t, 2, n)
	assert.Equal(t, pipeline.Stopped, l.State())
	_, _, _, releases := b.counts()
	assert.Equal(t, 1, releases)
	assert.NoError(t, l.Err())

	// terminal
	assert.ErrorIs(t, l.Run(context.Background(), func(models.InferenceResult) error { return nil }), pipeline.ErrStopped)
	for range l.Results(context.Background()) {
		t.Fatal("stopped loop yielded a result")
	}
	_, _, _, releases = b.counts()
	assert.Equal(t, 1, releases)
}

func TestLoopSinkErrorStops(t *testing.T) {
	b := &fakeBoard{next: idle}
	l, _ := newLoop(t, b, &fakeEngine{})

	boom := errors.New("sink full")
	err := l.Run(context.Background(), func(models.InferenceResult) error { return boom })
	assert.ErrorIs(t, err, boom)
	_, _, _, releases := b.counts()
	assert.Equal(t, 1, releases)
}

func TestLoopConnectionRetriesExhausted(t *testing.T) {
	b := &fakeBoard{connectErrs: []error{errors.New("no headset")}, next: idle}
	clock := pipeline.NewVirtualClock(time.Now())
	cfg := pipeline.DefaultConfig()
	cfg.Retry.MaxAttempts = 3
	l, err := pipeline.New(cfg, b, &fakeEngine{}, pipeline.WithClock(clock))
	require.NoError(t, err)

	err = l.Run(context.Background(), func(models.InferenceResult) error { return nil })
	assert.ErrorIs(t, err, pipeline.ErrConnection)
	assert.ErrorIs(t, l.Err(), pipeline.ErrConnection)

	connects, starts, stops, releases := b.counts()
	assert.Equal(t, 3, connects)
	assert.Equal(t, 0, starts)
	assert.Equal(t, 0, stops)
	assert.Equal(t, 1, releases)
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, clock.Sleeps())
	assert.Equal(t, uint64(3), l.Stats().Connects)
}

func TestLoopRetryKeepsMaxAttemptsWithDefaultInterval(t *testing.T) {
	b := &fakeBoard{connectErrs: []error{errors.New("no headset")}, next: idle}
	clock := pipeline.NewVirtualClock(time.Now())
	cfg := pipeline.DefaultConfig()
	cfg.Retry = pipeline.RetryPolicy{MaxAttempts: 2}
	l, err := pipeline.New(cfg, b, &fakeEngine{}, pipeline.WithClock(clock))
	require.NoError(t, err)

	err = l.Run(context.Background(), func(models.InferenceResult) error { return nil })
	assert.ErrorIs(t, err, pipeline.ErrConnection)
	connects, _, _, _ := b.counts()
	assert.Equal(t, 2, connects)
	assert.Equal(t, []time.Duration{2 * time.Second}, clock.Sleeps())
}

func TestLoopConnectsAfterFailures(t *testing.T) {
	b := &fakeBoard{
		connectErrs: []error{errors.New("busy"), errors.New("busy"), nil},
		next: func(i int) pull {
			if i > 0 {
				return pull{err: board.ErrExhausted}
			}
			return idle(i)
		},
	}
	l, _ := newLoop(t, b, &fakeEngine{})

	var n int
	require.NoError(t, l.Run(context.Background(), func(models.InferenceResult) error { n++; return nil }))
	assert.Equal(t, 1, n)
	connects, _, _, _ := b.counts()
	assert.Equal(t, 3, connects)
}

func TestLoopContextCancelled(t *testing.T) {
	b := &fakeBoard{next: idle}
	ctx, cancel := context.WithCancel(context.Background())
	engine := &fakeEngine{onCall: func(call int) {
		if call == 2 {
			cancel()
		}
	}}
	l, _ := newLoop(t, b, engine)

	var n int
	require.NoError(t, l.Run(ctx, func(models.InferenceResult) error { n++; return nil }))
	assert.LessOrEqual(t, n, 2)
	assert.Equal(t, pipeline.Stopped, l.State())
	_, _, _, releases := b.counts()
	assert.Equal(t, 1, releases)
}

func TestLoopCancelDuringInferenceIsNotRejection(t *testing.T) {
	b := &fakeBoard{next: idle}
	ctx, cancel := context.WithCancel(context.Background())
	engine := &fakeEngine{onCall: func(call int) {
		if call == 2 {
			cancel()
		}
	}}
	var rejections []models.Rejection
	l, _ := newLoop(t, b, engine, pipeline.WithRejectHook(func(r models.Rejection) {
		rejections = append(rejections, r)
	}))

	var n int
	require.NoError(t, l.Run(ctx, func(models.InferenceResult) error { n++; return nil }))
	assert.Equal(t, 1, n)
	assert.Empty(t, rejections)
	assert.Zero(t, l.Stats().Skipped)
	assert.NoError(t, l.Err())
	_, _, _, releases := b.counts()
	assert.Equal(t, 1, releases)
}

func TestLoopStopBeforeRun(t *testing.T) {
	b := &fakeBoard{next: idle}
	l, _ := newLoop(t, b, &fakeEngine{})
	l.Stop()

	require.NoError(t, l.Run(context.Background(), func(models.InferenceResult) error { return nil }))
	connects, _, _, releases := b.counts()
	assert.Equal(t, 0, connects)
	assert.Equal(t, 1, releases)
	assert.Equal(t, pipeline.Stopped, l.State())
}

func TestLoopKeepsNewestBurstWindow(t *testing.T) {
	b := &fakeBoard{next: func(i int) pull {
		if i > 0 {
			return pull{err: board.ErrExhausted}
		}
		// warm-up backlog of three bursts
		return pull{primary: zeros(4, 768), aux: zeros(6, 768)}
	}}
	engine := &fakeEngine{}
	l, _ := newLoop(t, b, engine)

	var results []models.InferenceResult
	for r := range l.Results(context.Background()) {
		results = append(results, r)
	}
	require.Len(t, results, 1)
	assert.Equal(t, 256, results[0].Features.Samples)
	require.Len(t, engine.seen, 1)
	assert.Equal(t, models.NumFeatureChannels, engine.seen[0].Channels())
	assert.Equal(t, 256, engine.seen[0].Samples())
}

func TestLoopWithSimulatorAndSampleModel(t *testing.T) {
	clock := pipeline.NewVirtualClock(time.Unix(1700000000, 0))
	simCfg := board.DefaultSimulatorConfig()
	simCfg.Now = clock.Now
	sim := board.NewSimulator(simCfg)

	path := t.TempDir() + "/model.yaml"
	require.NoError(t, ml.CreateSampleModel(path))
	predictor, err := ml.NewPredictor(path)
	require.NoError(t, err)

	l, err := pipeline.New(pipeline.DefaultConfig(), sim, predictor, pipeline.WithClock(clock))
	require.NoError(t, err)

	var results []models.InferenceResult
	for r := range l.Results(context.Background()) {
		results = append(results, r)
		if len(results) == 5 {
			break
		}
	}

	require.Len(t, results, 5)
	for _, r := range results {
		var sum float64
		for _, cp := range r.ClassProbabilities {
			sum += cp.Probability
		}
		assert.InDelta(t, 1.0, sum, models.ProbabilityTolerance)
		assert.Equal(t, models.Alpha, r.Features.BandPowers.Dominant())
		assert.InDelta(t, 1.0, r.Features.Motion.Accel[2], 0.01)
		assert.Len(t, r.ContinuousOutputs, 4)
	}
	assert.Equal(t, 1, sim.Releases())
	assert.Equal(t, uint64(0), l.Stats().Skipped)
}

func TestNewValidates(t *testing.T) {
	_, err := pipeline.New(pipeline.DefaultConfig(), nil, &fakeEngine{})
	assert.Error(t, err)

	cfg := pipeline.DefaultConfig()
	cfg.BurstDuration = 0
	_, err = pipeline.New(cfg, &fakeBoard{next: idle}, &fakeEngine{})
	assert.Error(t, err)
}

// An idle sensor produces an all-zero feature tensor end to end.
func TestIdleSensorEndToEnd(t *testing.T) {
	eeg, aux := zeros(4, 256), zeros(6, 256)

	conditioned, err := conditioning.New(conditioning.DefaultConfig()).Condition(eeg, rate)
	require.NoError(t, err)
	for _, ch := range conditioned {
		assert.Equal(t, make([]float64, 256), ch)
	}

	motion, accel := artifact.SummarizeMotion(aux, artifact.AccelFirst)
	verdict := artifact.NewGate(artifact.DefaultConfig()).Evaluate(conditioned, motion, accel)
	require.True(t, verdict.Accepted())
	assert.Equal(t, 0.0, verdict.MotionScore)

	bp, err := bandpower.New().Extract(verdict.Buffer, rate)
	require.NoError(t, err)
	for _, p := range bp {
		assert.InDelta(t, 0, p, 1e-12)
	}

	fv, err := features.NewBuilder().Build(bp, motion, verdict.Samples())
	require.NoError(t, err)
	require.Equal(t, 11, fv.Channels())
	require.Equal(t, 256, fv.Samples())
	for _, row := range fv.Data {
		assert.Equal(t, make([]float64, 256), row)
	}
}
