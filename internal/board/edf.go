package board

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/OpenPSG/edf"
)

// ReplayConfig selects which signals of a recording feed each group.
// Empty Primary selects every signal whose label starts with "EEG".
type ReplayConfig struct {
	Path    string
	Primary []int
	Aux     []int
	// Chunk is the recording time returned per pull
	Chunk time.Duration
}

// signalInfo is the part of the EDF header the replay needs
type signalInfo struct {
	Label string
	Rate  float64
}

// EDFReplay is a finite Session reading an EDF/EDF+ recording chunk by chunk
type EDFReplay struct {
	cfg ReplayConfig

	mu         sync.Mutex
	state      sessionState
	file       *os.File
	signals    []signalInfo
	primaryIdx []int
	primary    []*edf.SignalReader
	aux        []*edf.SignalReader
	rate       float64
	auxRate    float64
	pending    [][]float64
	done       bool
}

// NewEDFReplay creates a replay session; the file is opened by Connect
func NewEDFReplay(cfg ReplayConfig) *EDFReplay {
	if cfg.Chunk <= 0 {
		cfg.Chunk = time.Second
	}
	return &EDFReplay{cfg: cfg}
}

func (r *EDFReplay) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == stateReleased {
		return ErrReleased
	}
	if r.state != stateIdle {
		return nil
	}

	f, err := os.Open(r.cfg.Path)
	if err != nil {
		return fmt.Errorf("failed to open recording: %w", err)
	}
	if err := r.open(f); err != nil {
		f.Close()
		return fmt.Errorf("recording %s: %w", r.cfg.Path, err)
	}
	r.file = f
	r.state = stateConnected
	return nil
}

func (r *EDFReplay) open(f *os.File) error {
	signals, err := probeSignals(f)
	if err != nil {
		return fmt.Errorf("failed to read header: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	reader, err := edf.Open(f)
	if err != nil {
		return err
	}

	primary := r.cfg.Primary
	if len(primary) == 0 {
		for i, s := range signals {
			if strings.HasPrefix(strings.ToUpper(s.Label), "EEG") {
				primary = append(primary, i)
			}
		}
	}
	if len(primary) == 0 {
		return fmt.Errorf("no EEG signals")
	}

	open := func(idx []int) ([]*edf.SignalReader, float64, error) {
		readers := make([]*edf.SignalReader, 0, len(idx))
		var rate float64
		for k, i := range idx {
			sr, err := reader.Signal(i)
			if err != nil {
				return nil, 0, fmt.Errorf("signal %d: %w", i, err)
			}
			if k == 0 {
				rate = signals[i].Rate
			} else if signals[i].Rate != rate {
				return nil, 0, fmt.Errorf("signal %d samples at %.2f Hz, group samples at %.2f Hz", i, signals[i].Rate, rate)
			}
			readers = append(readers, sr)
		}
		return readers, rate, nil
	}

	if r.primary, r.rate, err = open(primary); err != nil {
		return err
	}
	if r.aux, r.auxRate, err = open(r.cfg.Aux); err != nil {
		return err
	}
	r.signals = signals
	r.primaryIdx = primary
	return nil
}

func (r *EDFReplay) StartStream() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.state.check(stateConnected); err != nil {
		return err
	}
	r.state = stateStreaming
	return nil
}

// PullPrimary returns the next chunk of the recording, a short final chunk,
// then ErrExhausted.
func (r *EDFReplay) PullPrimary() ([][]float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.state.check(stateStreaming); err != nil {
		return nil, err
	}
	if r.done {
		return nil, ErrExhausted
	}

	eeg, err := readChunk(r.primary, int(math.Round(r.cfg.Chunk.Seconds()*r.rate)))
	if err != nil {
		return nil, err
	}
	got := len(eeg[0])
	if got == 0 {
		r.done = true
		return nil, ErrExhausted
	}
	if got < int(math.Round(r.cfg.Chunk.Seconds()*r.rate)) {
		r.done = true
	}

	r.pending = nil
	if len(r.aux) > 0 {
		aux, err := readChunk(r.aux, int(math.Round(float64(got)/r.rate*r.auxRate)))
		if err != nil {
			return nil, err
		}
		r.pending = aux
	}
	return eeg, nil
}

func (r *EDFReplay) PullAuxiliary() ([][]float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.state.check(stateStreaming); err != nil {
		return nil, err
	}
	aux := r.pending
	r.pending = nil
	return aux, nil
}

// readChunk reads up to n samples from every reader, trimmed to the
// shortest read so the chunk stays rectangular.
func readChunk(readers []*edf.SignalReader, n int) ([][]float64, error) {
	out := make([][]float64, len(readers))
	shortest := n
	for i, sr := range readers {
		buf := make([]float64, n)
		got, err := sr.Read(buf)
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to read signal: %w", err)
		}
		out[i] = buf[:got]
		shortest = min(shortest, got)
	}
	for i := range out {
		out[i] = out[i][:shortest]
	}
	return out, nil
}

func (r *EDFReplay) SamplingRate() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rate
}

// Labels returns the labels of the primary signals
func (r *EDFReplay) Labels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	labels := make([]string, 0, len(r.primaryIdx))
	for _, i := range r.primaryIdx {
		labels = append(labels, r.signals[i].Label)
	}
	return labels
}

func (r *EDFReplay) StopStream() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == stateReleased {
		return ErrReleased
	}
	if r.state == stateStreaming {
		r.state = stateConnected
	}
	return nil
}

func (r *EDFReplay) Release() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.state = stateReleased
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// probeSignals reads the signal labels and per-signal sampling rates from
// the fixed-width EDF header.
func probeSignals(rs io.Reader) ([]signalInfo, error) {
	fixed := make([]byte, 256)
	if _, err := io.ReadFull(rs, fixed); err != nil {
		return nil, err
	}
	duration, err := strconv.ParseFloat(strings.TrimSpace(string(fixed[244:252])), 64)
	if err != nil || duration <= 0 {
		return nil, fmt.Errorf("invalid data record duration %q", fixed[244:252])
	}
	ns, err := strconv.Atoi(strings.TrimSpace(string(fixed[252:256])))
	if err != nil || ns <= 0 {
		return nil, fmt.Errorf("invalid signal count %q", fixed[252:256])
	}

	// per signal: label 16, transducer 80, dimension 8, physical min/max 8+8,
	// digital min/max 8+8, prefiltering 80, samples per record 8, reserved 32
	fields := make([]byte, ns*256)
	if _, err := io.ReadFull(rs, fields); err != nil {
		return nil, err
	}
	spr := ns * (16 + 80 + 8 + 8 + 8 + 8 + 8 + 80)

	signals := make([]signalInfo, ns)
	for i := range signals {
		label := strings.TrimSpace(string(fields[i*16 : (i+1)*16]))
		samples, err := strconv.Atoi(strings.TrimSpace(string(fields[spr+i*8 : spr+(i+1)*8])))
		if err != nil || samples <= 0 {
			return nil, fmt.Errorf("invalid samples per record for signal %d", i)
		}
		signals[i] = signalInfo{Label: label, Rate: float64(samples) / duration}
	}
	return signals, nil
}
