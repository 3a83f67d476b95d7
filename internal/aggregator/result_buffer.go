package aggregator

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"attentionspan-backend/internal/models"
)

// ResultBuffer holds the latest inference result for concurrent readers and
// an append-only history of every result it has seen
type ResultBuffer struct {
	latest atomic.Pointer[models.InferenceResult]

	mu         sync.RWMutex
	history    []models.InferenceResult
	maxHistory int
	evicted    uint64
}

// NewResultBuffer creates a buffer. maxHistory <= 0 keeps everything.
func NewResultBuffer(maxHistory int) *ResultBuffer {
	return &ResultBuffer{maxHistory: maxHistory}
}

// Publish stores r as the latest result and appends it to the history.
// The latest slot is replaced in a single write so readers never see a partial result.
func (b *ResultBuffer) Publish(r models.InferenceResult) {
	b.latest.Store(&r)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.history = append(b.history, r)
	if b.maxHistory > 0 && len(b.history) > b.maxHistory {
		drop := len(b.history) - b.maxHistory
		b.history = append(b.history[:0:0], b.history[drop:]...)
		b.evicted += uint64(drop)
	}
}

// Latest returns the most recent result, false before the first one
func (b *ResultBuffer) Latest() (models.InferenceResult, bool) {
	r := b.latest.Load()
	if r == nil {
		return models.InferenceResult{}, false
	}
	return *r, true
}

// History returns a copy of the retained results in emission order
func (b *ResultBuffer) History() []models.InferenceResult {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]models.InferenceResult, len(b.history))
	copy(out, b.history)
	return out
}

// Len returns the number of retained results
func (b *ResultBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.history)
}

// Evicted returns how many results were dropped by the history cap
func (b *ResultBuffer) Evicted() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.evicted
}

// HistoryExport is the on-disk form of the history
type HistoryExport struct {
	SessionID   string                   `json:"session_id"`
	GeneratedAt time.Time                `json:"generated_at"`
	Evicted     uint64                   `json:"evicted"`
	Results     []models.InferenceResult `json:"results"`
}

// Export builds the export bundle for the current history
func (b *ResultBuffer) Export(sessionID string, now time.Time) HistoryExport {
	b.mu.RLock()
	defer b.mu.RUnlock()

	results := make([]models.InferenceResult, len(b.history))
	copy(results, b.history)
	return HistoryExport{
		SessionID:   sessionID,
		GeneratedAt: now,
		Evicted:     b.evicted,
		Results:     results,
	}
}

// WriteJSON encodes the history as indented JSON
func (b *ResultBuffer) WriteJSON(w io.Writer, sessionID string) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(b.Export(sessionID, time.Now())); err != nil {
		return fmt.Errorf("failed to encode result history: %w", err)
	}
	return nil
}

// WriteFile writes the history to path, creating parent directories
func (b *ResultBuffer) WriteFile(path, sessionID string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create history directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create history file: %w", err)
	}
	defer f.Close()

	if err := b.WriteJSON(f, sessionID); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{"path": path, "results": b.Len()}).Info("ResultBuffer: History written")
	return nil
}
