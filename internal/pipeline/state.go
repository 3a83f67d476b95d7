package pipeline

import (
	"attentionspan-backend/internal/models"
)

// State is a StreamLoop lifecycle state
type State int32

const (
	Idle State = iota
	Connected
	Streaming
	Cycling
	Draining
	Stopped
)

var stateNames = [...]string{"idle", "connected", "streaming", "cycling", "draining", "stopped"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Stats is a point-in-time snapshot of the loop counters
type Stats struct {
	SessionID  string
	State      State
	Connects   uint64
	Cycles     uint64
	Iterations uint64
	Skipped    uint64
	SkipsBy    map[models.RejectionReason]uint64
}

// SkipRate is skipped / cycles, 0 before the first cycle
func (s Stats) SkipRate() float64 {
	if s.Cycles == 0 {
		return 0
	}
	return float64(s.Skipped) / float64(s.Cycles)
}

// Stats returns the current counters. Safe to call from any goroutine.
func (l *Loop) Stats() Stats {
	st := Stats{
		SessionID:  l.sessionID,
		State:      l.State(),
		Connects:   l.connects.Load(),
		Cycles:     l.cycles.Load(),
		Iterations: l.iterations.Load(),
		SkipsBy:    make(map[models.RejectionReason]uint64),
	}
	for _, r := range models.RejectionReasons() {
		if n := l.skips[r].Load(); n > 0 {
			st.SkipsBy[r] = n
			st.Skipped += n
		}
	}
	return st
}
