// Package board provides the acquisition sessions the stream loop pulls
// bursts from.
package board

import (
	"context"
	"errors"
	"fmt"
)

// Session is a stateful handle to one acquisition device. Calls are made
// from a single goroutine; Release is called exactly once by the owner.
type Session interface {
	// Connect performs the device handshake. Failures are retried by the caller.
	Connect(ctx context.Context) error
	StartStream() error
	// PullPrimary drains the primary (EEG) samples accumulated since the
	// previous pull. The count is not guaranteed to match elapsed time.
	PullPrimary() ([][]float64, error)
	// PullAuxiliary drains the auxiliary (IMU) samples of the same window
	PullAuxiliary() ([][]float64, error)
	SamplingRate() float64
	StopStream() error
	Release() error
}

var (
	// ErrNotStreaming is returned by pulls outside StartStream/StopStream
	ErrNotStreaming = errors.New("board is not streaming")
	// ErrReleased is returned by any call after Release
	ErrReleased = errors.New("board session released")
	// ErrExhausted is returned once a finite source has no samples left
	ErrExhausted = errors.New("board source exhausted")
)

type sessionState int

const (
	stateIdle sessionState = iota
	stateConnected
	stateStreaming
	stateReleased
)

func (s sessionState) check(want sessionState) error {
	switch {
	case s == stateReleased:
		return ErrReleased
	case want == stateStreaming && s != stateStreaming:
		return ErrNotStreaming
	case s < want:
		return fmt.Errorf("board not connected")
	}
	return nil
}
