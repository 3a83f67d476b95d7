package board

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// SimulatorConfig describes the synthetic headset
type SimulatorConfig struct {
	Channels       int     // EEG channels
	AuxChannels    int     // accel X/Y/Z then gyro X/Y/Z
	SamplingRate   float64 // Hz, shared by both groups
	AlphaAmplitude float64 // uV of the 10 Hz component
	ThetaAmplitude float64 // uV of the 6 Hz component
	NoiseAmplitude float64 // uV standard deviation of white noise
	Offset         float64 // uV DC offset added to every channel
	Seed           uint64

	// ConnectFailures makes the first N Connect calls fail
	ConnectFailures int
	// Now returns the current time; nil means time.Now
	Now func() time.Time
}

// DefaultSimulatorConfig mirrors a 4-channel headband at 256 Hz
func DefaultSimulatorConfig() SimulatorConfig {
	return SimulatorConfig{
		Channels:       4,
		AuxChannels:    6,
		SamplingRate:   256,
		AlphaAmplitude: 20,
		ThetaAmplitude: 8,
		NoiseAmplitude: 4,
		Offset:         800,
		Seed:           1,
	}
}

// Simulator is a Session generating samples in proportion to elapsed time
type Simulator struct {
	cfg SimulatorConfig
	now func() time.Time
	rng *rand.Rand

	mu         sync.Mutex
	state      sessionState
	lastPull   time.Time
	carry      float64 // fractional samples owed to the next pull
	sample     int64   // absolute sample index, keeps phase continuous
	pendingAux [][]float64
	connects   int
	releases   int
}

// NewSimulator creates a simulator
func NewSimulator(cfg SimulatorConfig) *Simulator {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Simulator{
		cfg: cfg,
		now: now,
		rng: rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
	}
}

func (s *Simulator) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == stateReleased {
		return ErrReleased
	}
	s.connects++
	if s.connects <= s.cfg.ConnectFailures {
		return fmt.Errorf("simulated handshake failure %d/%d", s.connects, s.cfg.ConnectFailures)
	}
	if s.state == stateIdle {
		s.state = stateConnected
	}
	return nil
}

func (s *Simulator) StartStream() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.state.check(stateConnected); err != nil {
		return err
	}
	s.state = stateStreaming
	s.lastPull = s.now()
	s.carry = 0
	return nil
}

func (s *Simulator) PullPrimary() ([][]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.state.check(stateStreaming); err != nil {
		return nil, err
	}

	now := s.now()
	owed := now.Sub(s.lastPull).Seconds()*s.cfg.SamplingRate + s.carry
	n := int(math.Floor(owed))
	s.carry = owed - float64(n)
	s.lastPull = now

	eeg := make([][]float64, s.cfg.Channels)
	for ch := range eeg {
		eeg[ch] = make([]float64, n)
	}
	aux := make([][]float64, s.cfg.AuxChannels)
	for ch := range aux {
		aux[ch] = make([]float64, n)
	}

	for j := 0; j < n; j++ {
		t := float64(s.sample) / s.cfg.SamplingRate
		base := s.cfg.AlphaAmplitude*math.Sin(2*math.Pi*10*t) + s.cfg.ThetaAmplitude*math.Sin(2*math.Pi*6*t)
		for ch := range eeg {
			eeg[ch][j] = s.cfg.Offset + base + s.cfg.NoiseAmplitude*s.rng.NormFloat64()
		}
		for ch := range aux {
			v := 0.01 * s.rng.NormFloat64()
			if ch == 2 {
				v += 1 // gravity on accel Z
			}
			aux[ch][j] = v
		}
		s.sample++
	}

	s.pendingAux = aux
	return eeg, nil
}

func (s *Simulator) PullAuxiliary() ([][]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.state.check(stateStreaming); err != nil {
		return nil, err
	}
	aux := s.pendingAux
	s.pendingAux = nil
	return aux, nil
}

func (s *Simulator) SamplingRate() float64 {
	return s.cfg.SamplingRate
}

func (s *Simulator) StopStream() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == stateReleased {
		return ErrReleased
	}
	if s.state == stateStreaming {
		s.state = stateConnected
	}
	return nil
}

func (s *Simulator) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.releases++
	s.state = stateReleased
	return nil
}

// Releases returns how many times Release was called
func (s *Simulator) Releases() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.releases
}
