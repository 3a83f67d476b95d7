package models

import "fmt"

// SamplePacket is one chunk of raw samples published by a sensor gateway
type SamplePacket struct {
	EEG          [][]float64 `json:"eeg"`
	Aux          [][]float64 `json:"aux,omitempty"`
	SamplingRate float64     `json:"sampling_rate,omitempty"`
}

// Validate checks that both groups are rectangular
func (p SamplePacket) Validate() error {
	if len(p.EEG) == 0 {
		return fmt.Errorf("packet has no EEG channels")
	}
	if err := rectangular("eeg", p.EEG); err != nil {
		return err
	}
	if err := rectangular("aux", p.Aux); err != nil {
		return err
	}
	if p.SamplingRate < 0 {
		return fmt.Errorf("negative sampling rate %.2f", p.SamplingRate)
	}
	return nil
}

func rectangular(name string, buf [][]float64) error {
	n := SampleCount(buf)
	for ch, row := range buf {
		if len(row) != n {
			return fmt.Errorf("%s channel %d has %d samples, want %d", name, ch, len(row), n)
		}
	}
	return nil
}
