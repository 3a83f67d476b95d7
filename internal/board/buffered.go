package board

import (
	"context"
	"fmt"
	"sync"

	"attentionspan-backend/internal/models"
)

// BufferedConfig configures a packet-fed session
type BufferedConfig struct {
	SamplingRate float64 // used until a packet reports its own rate
	// MaxSamples caps the backlog per group; the oldest samples are dropped
	MaxSamples int
	// OnConnect and OnRelease attach the session to its packet source
	OnConnect func(ctx context.Context) error
	OnRelease func() error
}

// BufferedSession is a Session fed by Push. Pulls drain everything pushed
// since the previous pull.
type BufferedSession struct {
	cfg BufferedConfig

	mu       sync.Mutex
	state    sessionState
	rate     float64
	primary  [][]float64
	aux      [][]float64
	pending  [][]float64
	dropped  int
	received int
}

// NewBufferedSession creates a packet-fed session
func NewBufferedSession(cfg BufferedConfig) *BufferedSession {
	if cfg.MaxSamples <= 0 {
		cfg.MaxSamples = int(10 * cfg.SamplingRate)
	}
	return &BufferedSession{cfg: cfg, rate: cfg.SamplingRate}
}

func (b *BufferedSession) Connect(ctx context.Context) error {
	b.mu.Lock()
	if b.state == stateReleased {
		b.mu.Unlock()
		return ErrReleased
	}
	b.mu.Unlock()

	if b.cfg.OnConnect != nil {
		if err := b.cfg.OnConnect(ctx); err != nil {
			return err
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == stateIdle {
		b.state = stateConnected
	}
	return nil
}

func (b *BufferedSession) StartStream() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.state.check(stateConnected); err != nil {
		return err
	}
	b.state = stateStreaming
	return nil
}

// Push appends one packet to the backlog. Packets arriving while the
// session is not streaming are discarded.
func (b *BufferedSession) Push(p models.SamplePacket) error {
	if err := p.Validate(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != stateStreaming {
		return nil
	}
	if b.primary != nil && len(p.EEG) != len(b.primary) {
		return fmt.Errorf("packet has %d EEG channels, session has %d", len(p.EEG), len(b.primary))
	}
	if p.SamplingRate > 0 {
		b.rate = p.SamplingRate
	}

	b.primary = appendCapped(b.primary, p.EEG, b.cfg.MaxSamples, &b.dropped)
	if len(p.Aux) > 0 {
		if b.aux == nil || len(b.aux) == len(p.Aux) {
			b.aux = appendCapped(b.aux, p.Aux, b.cfg.MaxSamples, &b.dropped)
		}
	}
	b.received++
	return nil
}

func appendCapped(dst, src [][]float64, maxSamples int, dropped *int) [][]float64 {
	if dst == nil {
		dst = make([][]float64, len(src))
	}
	for ch := range src {
		dst[ch] = append(dst[ch], src[ch]...)
	}
	if over := models.SampleCount(dst) - maxSamples; maxSamples > 0 && over > 0 {
		for ch := range dst {
			dst[ch] = append([]float64(nil), dst[ch][over:]...)
		}
		*dropped += over
	}
	return dst
}

func (b *BufferedSession) PullPrimary() ([][]float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.state.check(stateStreaming); err != nil {
		return nil, err
	}

	out := b.primary
	if out == nil {
		out = [][]float64{}
	}
	b.pending = b.aux
	if b.primary != nil {
		b.primary = make([][]float64, len(b.primary))
	}
	if b.aux != nil {
		b.aux = make([][]float64, len(b.aux))
	}
	return out, nil
}

func (b *BufferedSession) PullAuxiliary() ([][]float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.state.check(stateStreaming); err != nil {
		return nil, err
	}
	aux := b.pending
	b.pending = nil
	return aux, nil
}

func (b *BufferedSession) SamplingRate() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rate
}

func (b *BufferedSession) StopStream() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == stateReleased {
		return ErrReleased
	}
	if b.state == stateStreaming {
		b.state = stateConnected
	}
	return nil
}

func (b *BufferedSession) Release() error {
	b.mu.Lock()
	b.state = stateReleased
	b.primary, b.aux, b.pending = nil, nil, nil
	b.mu.Unlock()

	if b.cfg.OnRelease != nil {
		return b.cfg.OnRelease()
	}
	return nil
}

// Stats returns the number of accepted packets and dropped backlog samples
func (b *BufferedSession) Stats() (received, dropped int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.received, b.dropped
}
