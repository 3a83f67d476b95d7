package aggregator

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attentionspan-backend/internal/models"
)

func result(i uint64) models.InferenceResult {
	return models.InferenceResult{
		SessionID:  "s-1",
		DeviceID:   "muse-01",
		Iteration:  i,
		ClassLabel: "Focus-NotFatigued",
		ClassProbabilities: []models.ClassProbability{
			{Label: "Focus-NotFatigued", Probability: 0.7},
			{Label: "UnFocus-Fatigued", Probability: 0.3},
		},
	}
}

func TestResultBufferLatest(t *testing.T) {
	b := NewResultBuffer(0)

	_, ok := b.Latest()
	assert.False(t, ok)

	b.Publish(result(0))
	b.Publish(result(1))

	got, ok := b.Latest()
	require.True(t, ok)
	assert.Equal(t, uint64(1), got.Iteration)
	assert.Equal(t, 2, b.Len())
}

func TestResultBufferHistoryCap(t *testing.T) {
	b := NewResultBuffer(3)
	for i := range uint64(5) {
		b.Publish(result(i))
	}

	hist := b.History()
	require.Len(t, hist, 3)
	assert.Equal(t, uint64(2), hist[0].Iteration)
	assert.Equal(t, uint64(4), hist[2].Iteration)
	assert.Equal(t, uint64(2), b.Evicted())
}

func TestResultBufferHistoryIsCopy(t *testing.T) {
	b := NewResultBuffer(0)
	b.Publish(result(0))

	hist := b.History()
	hist[0].ClassLabel = "changed"

	assert.Equal(t, "Focus-NotFatigued", b.History()[0].ClassLabel)
}

func TestResultBufferConcurrentReaders(t *testing.T) {
	b := NewResultBuffer(10)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := range uint64(200) {
			b.Publish(result(i))
		}
	}()
	go func() {
		defer wg.Done()
		for range 200 {
			if r, ok := b.Latest(); ok {
				assert.Len(t, r.ClassProbabilities, 2)
			}
		}
	}()
	wg.Wait()

	got, ok := b.Latest()
	require.True(t, ok)
	assert.Equal(t, uint64(199), got.Iteration)
}

func TestResultBufferWriteJSON(t *testing.T) {
	b := NewResultBuffer(0)
	b.Publish(result(0))
	b.Publish(result(1))

	var buf bytes.Buffer
	require.NoError(t, b.WriteJSON(&buf, "s-1"))
	assert.Contains(t, buf.String(), "\n  \"session_id\": \"s-1\"")

	var out HistoryExport
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	assert.Equal(t, "s-1", out.SessionID)
	require.Len(t, out.Results, 2)
	assert.Equal(t, uint64(1), out.Results[1].Iteration)
}

func TestResultBufferWriteFile(t *testing.T) {
	b := NewResultBuffer(0)
	b.Publish(result(7))

	path := filepath.Join(t.TempDir(), "nested", "history.json")
	require.NoError(t, b.WriteFile(path, "s-1"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var out HistoryExport
	require.NoError(t, json.Unmarshal(data, &out))
	require.Len(t, out.Results, 1)
	assert.Equal(t, uint64(7), out.Results[0].Iteration)
}
